// Package dates converts between time.Time and the numeric time scales used
// in astronomical tables (JD, MJD, Julian years, unix seconds).
package dates

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	secondsPerDay = 86400.0
	// JD of the unix epoch.
	unixEpochJD = 2440587.5
	// MJD of the unix epoch.
	unixEpochMJD = 40587.0
	jdMJDOffset  = 2400000.5
	j2000JD      = 2451545.0
	julianYear   = 365.25
)

// DateTimeToJDSplit returns the JD of t as an integral day number plus a
// day fraction, keeping microsecond precision for all practical epochs.
func DateTimeToJDSplit(t time.Time) (int64, float64) {
	t = t.UTC()
	unixDays := math.Floor(float64(t.Unix()) / secondsPerDay)
	dayStart := int64(unixDays) * int64(secondsPerDay)
	secsInDay := float64(t.Unix()-dayStart) + float64(t.Nanosecond())/1e9
	// JD days start at noon.
	frac := secsInDay/secondsPerDay + 0.5
	day := int64(unixDays) + 2440587
	if frac >= 1 {
		frac -= 1
		day++
	}
	return day, frac
}

// JDSplitToDateTime inverts DateTimeToJDSplit.
func JDSplitToDateTime(day int64, frac float64) time.Time {
	unixDays := day - 2440587
	secs := (frac - 0.5) * secondsPerDay
	whole := math.Floor(secs)
	nanos := math.Round((secs - whole) * 1e9)
	return time.Unix(unixDays*int64(secondsPerDay)+int64(whole), int64(nanos)).UTC()
}

// DateTimeToJD returns the julian date of t. A float64 JD resolves about
// 40 microseconds in the current epoch; use the split form where that matters.
func DateTimeToJD(t time.Time) float64 {
	day, frac := DateTimeToJDSplit(t)
	return float64(day) + frac
}

func JDToDateTime(jd float64) time.Time {
	day := math.Floor(jd)
	return JDSplitToDateTime(int64(day), jd-day)
}

func DateTimeToMJD(t time.Time) float64 {
	t = t.UTC()
	return float64(t.Unix())/secondsPerDay + unixEpochMJD + float64(t.Nanosecond())/1e9/secondsPerDay
}

func MJDToDateTime(mjd float64) time.Time {
	days := math.Floor(mjd)
	secs := (mjd - days) * secondsPerDay
	whole := math.Floor(secs)
	nanos := math.Round((secs-whole)*1e6) * 1e3
	return time.Unix(int64(days-unixEpochMJD)*int64(secondsPerDay)+int64(whole), int64(nanos)).UTC()
}

func JDToMJD(jd float64) float64 {
	return jd - jdMJDOffset
}

func MJDToJD(mjd float64) float64 {
	return mjd + jdMJDOffset
}

// DateTimeToJYear returns the julian year (e.g. 2000.0 for J2000).
func DateTimeToJYear(t time.Time) float64 {
	return 2000.0 + (DateTimeToJD(t)-j2000JD)/julianYear
}

func JYearToDateTime(jy float64) time.Time {
	return JDToDateTime(j2000JD + (jy-2000.0)*julianYear)
}

func DateTimeToUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func UnixToDateTime(secs float64) time.Time {
	whole := math.Floor(secs)
	return time.Unix(int64(whole), int64(math.Round((secs-whole)*1e6))*1e3).UTC()
}

// Representation names a numeric time scale.
type Representation string

const (
	RepISO   Representation = "iso"
	RepJD    Representation = "jd"
	RepMJD   Representation = "mjd"
	RepJYear Representation = "jyear"
	RepUnix  Representation = "unix"
)

func ParseRepresentation(s string) (Representation, error) {
	switch Representation(strings.ToLower(s)) {
	case "", RepISO:
		return RepISO, nil
	case RepJD:
		return RepJD, nil
	case RepMJD:
		return RepMJD, nil
	case RepJYear, "jy":
		return RepJYear, nil
	case RepUnix, "unixseconds":
		return RepUnix, nil
	}
	return "", fmt.Errorf("unknown time representation '%s'", s)
}

// ToRepresentation converts t to the numeric scale rep.
func ToRepresentation(t time.Time, rep Representation) (float64, error) {
	switch rep {
	case RepJD:
		return DateTimeToJD(t), nil
	case RepMJD:
		return DateTimeToMJD(t), nil
	case RepJYear:
		return DateTimeToJYear(t), nil
	case RepUnix:
		return DateTimeToUnix(t), nil
	}
	return 0, fmt.Errorf("%s is not a numeric time representation", rep)
}

func FromRepresentation(v float64, rep Representation) (time.Time, error) {
	switch rep {
	case RepJD:
		return JDToDateTime(v), nil
	case RepMJD:
		return MJDToDateTime(v), nil
	case RepJYear:
		return JYearToDateTime(v), nil
	case RepUnix:
		return UnixToDateTime(v), nil
	}
	return time.Time{}, fmt.Errorf("%s is not a numeric time representation", rep)
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseISO parses the ISO-8601 forms accepted in VO parameters; times
// without a zone are UTC.
func ParseISO(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range isoLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("'%s' is not an ISO date/time", s)
}

// ParseDateLiteral accepts ISO strings and, when given, numeric values
// in rep ("MJD 55000" style prefixes are also honoured).
func ParseDateLiteral(s string, rep Representation) (time.Time, error) {
	s = strings.TrimSpace(s)
	fields := strings.Fields(s)
	if len(fields) == 2 {
		if r, err := ParseRepresentation(fields[0]); err == nil && r != RepISO {
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("'%s' is not a number", fields[1])
			}
			return FromRepresentation(v, r)
		}
	}

	if rep != RepISO && rep != "" {
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return FromRepresentation(v, rep)
		}
	}
	return ParseISO(s)
}

// FormatISO renders t the way VOTable timestamps are written.
func FormatISO(t time.Time) string {
	t = t.UTC()
	if t.Nanosecond() == 0 {
		return t.Format("2006-01-02T15:04:05")
	}
	return t.Format("2006-01-02T15:04:05.999999")
}
