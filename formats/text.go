package formats

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"io"
	"math"
	"strings"

	"vo_platform/rsc"
	"vo_platform/typesys"
	"vo_platform/valuemap"
)

func plainSerManager(t *rsc.Table, opts Options) (*valuemap.SerManager, error) {
	return valuemap.NewSerManager(t, valuemap.WithContext(opts.Context))
}

func csvWriter(header bool) WriterFunc {
	return func(w io.Writer, t *rsc.Table, opts Options) error {
		sm, err := plainSerManager(t, opts)
		if err != nil {
			return err
		}
		out := csv.NewWriter(w)
		if header {
			names := make([]string, len(sm.Columns))
			for i, ac := range sm.Columns {
				names[i] = ac.Name
			}
			if err := out.Write(names); err != nil {
				return err
			}
		}
		record := make([]string, len(sm.Columns))
		err = sm.EachRow(func(row []any) error {
			for i, v := range row {
				record[i] = typesys.FormatValue(v)
			}
			return out.Write(record)
		})
		out.Flush()
		if err != nil {
			return err
		}
		return out.Error()
	}
}

var tsvEscaper = strings.NewReplacer("\\", "\\\\", "\t", "\\t", "\n", "\\n", "\r", "\\r")

// WriteTSV writes tab-separated values without a header. Tabs and line
// breaks within values are backslash-escaped.
func WriteTSV(w io.Writer, t *rsc.Table, opts Options) error {
	sm, err := plainSerManager(t, opts)
	if err != nil {
		return err
	}
	out := bufio.NewWriter(w)
	fields := make([]string, len(sm.Columns))
	err = sm.EachRow(func(row []any) error {
		for i, v := range row {
			fields[i] = tsvEscaper.Replace(typesys.FormatValue(v))
		}
		_, err := out.WriteString(strings.Join(fields, "\t") + "\n")
		return err
	})
	if ferr := out.Flush(); err == nil {
		err = ferr
	}
	return err
}

func jsonValue(v any) any {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
	case []byte:
		return typesys.FormatValue(val)
	case []float64:
		res := make([]any, len(val))
		for i, f := range val {
			res[i] = jsonValue(f)
		}
		return res
	}
	return v
}

// WriteJSON writes the rows as an array of objects keyed by column
// name.
func WriteJSON(w io.Writer, t *rsc.Table, opts Options) error {
	sm, err := plainSerManager(t, opts)
	if err != nil {
		return err
	}
	out := bufio.NewWriter(w)
	enc := json.NewEncoder(out)
	out.WriteString("[")
	first := true
	err = sm.EachRow(func(row []any) error {
		obj := make(map[string]any, len(row))
		for i, v := range row {
			obj[sm.Columns[i].Name] = jsonValue(v)
		}
		if !first {
			out.WriteString(",")
		}
		first = false
		return enc.Encode(obj)
	})
	out.WriteString("]\n")
	if ferr := out.Flush(); err == nil {
		err = ferr
	}
	return err
}
