package formats

import (
	"fmt"
	"io"
	"math"
	"reflect"
	"strconv"
	"strings"

	"vo_platform/rsc"
	"vo_platform/typesys"
	"vo_platform/valuemap"

	"github.com/astrogo/fitsio"
)

// sdmKeywords maps spectral data model utypes to FITS header keywords.
var sdmKeywords = map[string]string{
	"target.name":                               "OBJECT",
	"target.class":                              "SRCCLASS",
	"dataid.title":                              "TITLE",
	"dataid.date":                               "DATE",
	"dataid.creator":                            "AUTHOR",
	"dataid.collection":                         "COLLECT1",
	"dataid.instrument":                         "INSTRUME",
	"dataid.creatordid":                         "CR_IDPUB",
	"curation.publisher":                        "PUBLISHR",
	"curation.publisherdid":                     "DS_IDPUB",
	"curation.reference":                        "REFERENC",
	"dataset.length":                            "DATALEN",
	"dataset.type":                              "DATATYPE",
	"char.spectralaxis.coverage.bounds.start":   "SPEC_MIN",
	"char.spectralaxis.coverage.bounds.stop":    "SPEC_MAX",
	"char.timeaxis.coverage.location.value":     "TMID",
	"char.spatialaxis.coverage.bounds.extent":   "APERTURE",
	"char.spectralaxis.resolution":              "SPEC_RES",
	"char.spatialaxis.coverage.location.value":  "POSITION",
	"char.fluxaxis.calibration":                 "FLUX_CAL",
	"char.spectralaxis.coverage.bounds.extent":  "SPEC_BW",
	"char.timeaxis.coverage.bounds.extent":      "TELAPSE",
	"char.spectralaxis.coverage.location.value": "SPEC_VAL",
}

// SDMKeyword returns the FITS keyword for a spectral data model utype
// (with or without a ssa:/spec: prefix).
func SDMKeyword(utype string) (string, bool) {
	key := strings.ToLower(utype)
	if idx := strings.Index(key, ":"); idx != -1 {
		key = key[idx+1:]
	}
	kw, ok := sdmKeywords[key]
	return kw, ok
}

// cardString makes s fit a FITS string card.
func cardString(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 32 || r > 126 {
			return '?'
		}
		return r
	}, s)
	if len(s) > 68 {
		s = s[:68]
	}
	return s
}

// fitsColumn describes how a mapped column is stored in the binary table.
type fitsColumn struct {
	ac      *valuemap.AnnotatedColumn
	code    byte
	repeat  int
	null    int64
	hasNull bool
}

func fitsCode(datatype string) byte {
	switch datatype {
	case "boolean":
		return 'L'
	case "unsignedByte":
		return 'B'
	case "short":
		return 'I'
	case "int":
		return 'J'
	case "long":
		return 'K'
	case "float":
		return 'E'
	case "double":
		return 'D'
	}
	return 'A'
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return typesys.FormatValue(v)
}

func planColumns(sm *valuemap.SerManager, rows [][]any) []*fitsColumn {
	cols := make([]*fitsColumn, len(sm.Columns))
	for i, ac := range sm.Columns {
		fc := &fitsColumn{ac: ac, code: fitsCode(ac.Datatype), repeat: 1}
		switch {
		case fc.code == 'A':
		case ac.Arraysize == "":
		case ac.Arraysize != "*" && !strings.HasSuffix(ac.Arraysize, "*"):
			n, err := strconv.Atoi(ac.Arraysize)
			if err == nil && n > 0 {
				fc.repeat = n
			} else {
				fc.code = 'A'
			}
		default:
			// variable length numeric arrays are written as text
			fc.code = 'A'
		}
		if fc.code == 'A' {
			fc.repeat = 1
			for _, row := range rows {
				if n := len(stringify(row[i])); n > fc.repeat {
					fc.repeat = n
				}
			}
		}
		switch fc.code {
		case 'B', 'I', 'J', 'K':
			fc.null = fitsNull(fc.code)
			fc.hasNull = fc.repeat == 1
		}
		cols[i] = fc
	}
	return cols
}

func fitsNull(code byte) int64 {
	switch code {
	case 'B':
		return 255
	case 'I':
		return math.MinInt16
	case 'J':
		return math.MinInt32
	}
	return math.MinInt64
}

func toInt(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case float64:
		if math.IsNaN(val) {
			return 0, false
		}
		return int64(val), true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toF(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int64:
		return float64(val)
	case int:
		return float64(val)
	}
	return math.NaN()
}

func (fc *fitsColumn) column() fitsio.Column {
	format := string(fc.code)
	if fc.repeat != 1 {
		format = strconv.Itoa(fc.repeat) + format
	}
	col := fitsio.Column{Name: fc.ac.Name, Format: format, Unit: fc.ac.Unit}
	if fc.hasNull {
		col.Null = strconv.FormatInt(fc.null, 10)
	}
	return col
}

// scalar returns a pointer to v as the Go type fitsio stores in a
// column of this code.
func (fc *fitsColumn) scalar(v any) any {
	switch fc.code {
	case 'L':
		b, _ := v.(bool)
		return &b
	case 'B', 'I', 'J', 'K':
		n, ok := toInt(v)
		if !ok {
			n = fc.null
		}
		switch fc.code {
		case 'B':
			x := uint8(n)
			return &x
		case 'I':
			x := int16(n)
			return &x
		case 'J':
			x := int32(n)
			return &x
		}
		return &n
	case 'E':
		x := float32(toF(v))
		return &x
	}
	x := toF(v)
	return &x
}

func (fc *fitsColumn) value(v any) any {
	if fc.code == 'A' {
		s := ""
		if v != nil {
			s = stringify(v)
		}
		return &s
	}
	if fc.repeat == 1 {
		return fc.scalar(v)
	}
	var items []float64
	switch arr := v.(type) {
	case []float64:
		items = arr
	case []byte:
		for _, b := range arr {
			items = append(items, float64(b))
		}
	}
	elem := reflect.TypeOf(fc.scalar(nil)).Elem()
	arr := reflect.New(reflect.ArrayOf(fc.repeat, elem)).Elem()
	for i := 0; i < fc.repeat; i++ {
		var item any
		if i < len(items) {
			item = items[i]
		}
		arr.Index(i).Set(reflect.ValueOf(fc.scalar(item)).Elem())
	}
	return arr.Addr().Interface()
}

// extraCards gives the header cards fitsio does not derive from the
// column definitions.
func extraCards(cols []*fitsColumn, sm *valuemap.SerManager, overflowed bool) []fitsio.Card {
	var cards []fitsio.Card
	for i, fc := range cols {
		if fc.ac.UCD != "" {
			cards = append(cards, fitsio.Card{Name: "TUCD" + strconv.Itoa(i+1), Value: cardString(fc.ac.UCD)})
		}
	}

	seen := map[string]bool{}
	for _, ap := range sm.Params {
		if ap.Value == nil {
			continue
		}
		kw, ok := SDMKeyword(ap.Utype)
		if !ok || seen[kw] {
			continue
		}
		card := fitsio.Card{Name: kw, Comment: cardString(ap.Name)}
		switch v := ap.Value.(type) {
		case int64:
			card.Value = int(v)
		case float64:
			if math.IsNaN(v) {
				continue
			}
			card.Value = v
		case bool:
			card.Value = v
		default:
			card.Value = cardString(stringify(v))
		}
		seen[kw] = true
		cards = append(cards, card)
	}

	if overflowed {
		cards = append(cards, fitsio.Card{Name: "QUERYST", Value: "OVERFLOW", Comment: "more rows were available"})
	}
	return cards
}

// WriteFITS writes an empty primary HDU followed by a binary table
// extension. Params with spectral data model utypes become header cards.
func WriteFITS(w io.Writer, t *rsc.Table, opts Options) error {
	sm, err := plainSerManager(t, opts)
	if err != nil {
		return err
	}
	rows := make([][]any, 0, t.Len())
	if err := sm.EachRow(func(row []any) error {
		rows = append(rows, row)
		return nil
	}); err != nil {
		return err
	}
	cols := planColumns(sm, rows)

	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("error creating fits output: %w", err)
	}
	defer f.Close()

	primary, err := fitsio.NewPrimaryHDU(nil)
	if err != nil {
		return fmt.Errorf("error creating primary hdu: %w", err)
	}
	if err := f.Write(primary); err != nil {
		return fmt.Errorf("error writing primary hdu: %w", err)
	}

	specs := make([]fitsio.Column, len(cols))
	for i, fc := range cols {
		specs[i] = fc.column()
	}
	name := t.Def.ID
	if name == "" {
		name = "RESULTS"
	}
	tbl, err := fitsio.NewTable(name, specs, fitsio.BINARY_TBL)
	if err != nil {
		return fmt.Errorf("error creating fits table: %w", err)
	}
	defer tbl.Close()
	if err := tbl.Header().Append(extraCards(cols, sm, t.Overflowed)...); err != nil {
		return fmt.Errorf("error adding fits header cards: %w", err)
	}

	args := make([]any, len(cols))
	for _, row := range rows {
		for i, fc := range cols {
			args[i] = fc.value(row[i])
		}
		if err := tbl.Write(args...); err != nil {
			return fmt.Errorf("error writing fits row: %w", err)
		}
	}
	if err := f.Write(tbl); err != nil {
		return fmt.Errorf("error writing fits table: %w", err)
	}
	return nil
}
