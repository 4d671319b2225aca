package valuemap

import (
	"encoding/hex"
	"strings"
	"time"

	"vo_platform/dates"
	"vo_platform/stc"
	"vo_platform/typesys"
)

// dateRepresentation picks the time scale a temporal column is written
// in from its unit and ucd.
func dateRepresentation(ac *AnnotatedColumn) dates.Representation {
	switch ac.Unit {
	case "d":
		if ac.XType == "mjd" || strings.Contains(strings.ToUpper(ac.UCD), "MJD") {
			return dates.RepMJD
		}
		return dates.RepJD
	case "yr", "a":
		return dates.RepJYear
	case "s":
		return dates.RepUnix
	}
	return dates.RepISO
}

func datetimeFactory(ac *AnnotatedColumn) Mapper {
	if !typesys.IsTemporal(ac.Type.Base) {
		return nil
	}

	rep := dateRepresentation(ac)
	if rep == dates.RepISO {
		ac.Datatype, ac.Arraysize = "char", "*"
		if ac.XType == "" || ac.XType == "adql:TIMESTAMP" {
			ac.XType = "timestamp"
		}
		return func(v any) any {
			if t, ok := v.(time.Time); ok {
				if ac.Type.Base == "date" {
					return t.UTC().Format("2006-01-02")
				}
				return dates.FormatISO(t)
			}
			return v
		}
	}

	ac.Datatype, ac.Arraysize = "double", ""
	if ac.XType == "timestamp" || ac.XType == "adql:TIMESTAMP" {
		ac.XType = ""
	}
	return func(v any) any {
		t, ok := v.(time.Time)
		if !ok {
			return v
		}
		f, err := dates.ToRepresentation(t, rep)
		if err != nil {
			return nil
		}
		return f
	}
}

func geometryFactory(ac *AnnotatedColumn) Mapper {
	if !typesys.IsGeometry(ac.Type.Base) {
		return nil
	}
	ac.Datatype, ac.Arraysize = "char", "*"
	return func(v any) any {
		if g, ok := v.(stc.Geometry); ok {
			return stc.STCS(g)
		}
		return v
	}
}

// byteaFactory hex-encodes binary columns declared as text by the RD
// author.
func byteaFactory(ac *AnnotatedColumn) Mapper {
	if ac.Type.Base != "bytea" || ac.Hint("type") != "hex" {
		return nil
	}
	ac.Datatype, ac.Arraysize = "char", "*"
	return func(v any) any {
		if b, ok := v.([]byte); ok {
			return hex.EncodeToString(b)
		}
		return v
	}
}
