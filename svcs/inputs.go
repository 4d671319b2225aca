package svcs

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"vo_platform/base"
	"vo_platform/dates"
	"vo_platform/pql"
	"vo_platform/rd"
	"vo_platform/typesys"
)

// InputTable holds the parsed input of one request. Range-list keys end
// up in Pars, all others in Values; multi-valued keys have []any values.
type InputTable struct {
	Values map[string]any
	Pars   map[string]*pql.Par
	Params *Params
}

func NewInputTable(p *Params) *InputTable {
	return &InputTable{Values: map[string]any{}, Pars: map[string]*pql.Par{}, Params: p}
}

func (it *InputTable) Has(name string) bool {
	if _, ok := it.Pars[name]; ok {
		return true
	}
	v, ok := it.Values[name]
	return ok && v != nil
}

func (it *InputTable) Get(name string) any {
	return it.Values[name]
}

func (it *InputTable) GetString(name string) string {
	if s, ok := it.Values[name].(string); ok {
		return s
	}
	return ""
}

// GetFloat returns a numeric input, ok is false when it is missing.
func (it *InputTable) GetFloat(name string) (float64, bool) {
	switch v := it.Values[name].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// dateRepresentation tells how a column stores dates, RepISO for
// timestamp columns.
func dateRepresentation(col *rd.Column, t typesys.Type) (dates.Representation, bool) {
	if typesys.IsTemporal(t.Base) {
		return dates.RepISO, true
	}
	if !typesys.IsNumeric(t.Base) {
		return "", false
	}
	switch strings.ToLower(col.XType) {
	case "mjd":
		return dates.RepMJD, true
	case "jd":
		return dates.RepJD, true
	}
	if strings.HasPrefix(col.UCD, "time.") && col.Unit == "d" {
		return dates.RepMJD, true
	}
	if col.Hint("type") == "humanDate" && col.Unit == "d" {
		return dates.RepMJD, true
	}
	return "", false
}

var vizierOps = []string{">=", "<=", ">", "<", "=", "!="}

// vizierToPQL translates the form syntax for numeric fields (> x, < x,
// x .. y and x, y, z) into a range list. Bounds are inclusive.
func vizierToPQL(literal string) (string, error) {
	lit := strings.TrimSpace(literal)
	for _, op := range vizierOps {
		if !strings.HasPrefix(lit, op) {
			continue
		}
		operand := strings.TrimSpace(lit[len(op):])
		if operand == "" {
			return "", fmt.Errorf("missing operand after %s", op)
		}
		switch op {
		case ">", ">=":
			return operand + "/", nil
		case "<", "<=":
			return "/" + operand, nil
		case "=":
			return operand, nil
		}
		return "", fmt.Errorf("negation is not supported")
	}
	if lo, hi, ok := strings.Cut(lit, ".."); ok {
		return strings.TrimSpace(lo) + "/" + strings.TrimSpace(hi), nil
	}
	parts := strings.Split(lit, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return strings.Join(parts, ","), nil
}

// daliToPQL translates DALI intervals ("lo hi", with -Inf/+Inf for open
// ends) and single values into a range list.
func daliToPQL(literal string) (string, error) {
	fields := strings.Fields(literal)
	switch len(fields) {
	case 1:
		return fields[0], nil
	case 2:
		bound := func(s string) (string, error) {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return "", fmt.Errorf("'%s' is not a number", s)
			}
			if math.IsInf(f, 0) {
				return "", nil
			}
			return s, nil
		}
		lo, err := bound(fields[0])
		if err != nil {
			return "", err
		}
		hi, err := bound(fields[1])
		if err != nil {
			return "", err
		}
		if lo == "" && hi == "" {
			return "", fmt.Errorf("an interval needs at least one finite bound")
		}
		return lo + "/" + hi, nil
	}
	return "", fmt.Errorf("'%s' is neither a value nor an interval", literal)
}

// parseRangeKey parses the values of a key built from a column into a
// range list according to the parameter style.
func parseRangeKey(key *rd.InputKey, raw []string, style ParameterStyle) (*pql.Par, error) {
	col := &key.Column
	t, err := typesys.ParseType(col.Type)
	if err != nil {
		return nil, err
	}
	kind := pql.KindFor(t)
	rep, isDate := dateRepresentation(col, t)
	if isDate {
		kind = pql.Date
	}
	if kind == pql.String && col.Hint("fulltext") == "True" {
		kind = pql.Text
	}

	items := make([]string, 0, len(raw))
	for _, lit := range raw {
		switch {
		case style == StyleForm && (kind == pql.Int || kind == pql.Float):
			lit, err = vizierToPQL(lit)
		case style == StyleDALI && (kind == pql.Int || kind == pql.Float):
			lit, err = daliToPQL(lit)
		}
		if err != nil {
			return nil, base.NewValidationError(key.Name, "%v", err)
		}
		items = append(items, lit)
	}

	par, err := pql.Parse(key.Name, strings.Join(items, ","), kind)
	if err != nil {
		return nil, err
	}
	if isDate {
		par.ColumnRep = rep
	}
	par.Caseless = key.Hint("caseless") == "True"
	return par, nil
}

func checkValues(key *rd.InputKey, t typesys.Type, v any) error {
	vals := key.Values
	if vals == nil || v == nil {
		return nil
	}
	if len(vals.Options) > 0 {
		for _, opt := range vals.Options {
			ov, err := typesys.ParseLiteral(t, opt.Content)
			if err != nil {
				continue
			}
			if c, err := typesys.Compare(ov, v); err == nil && c == 0 {
				return nil
			}
			if s, ok := v.(string); ok && strings.EqualFold(s, opt.Content) {
				return nil
			}
		}
		return base.NewValidationError(key.Name, "'%s' is not a valid value here", typesys.FormatValue(v))
	}
	for _, bound := range []struct {
		literal string
		sign    int
	}{{vals.Min, -1}, {vals.Max, 1}} {
		if bound.literal == "" {
			continue
		}
		bv, err := typesys.ParseLiteral(t, bound.literal)
		if err != nil || bv == nil {
			continue
		}
		if c, err := typesys.Compare(v, bv); err == nil && c == bound.sign {
			return base.NewValidationError(key.Name, "%s is out of range [%s, %s]",
				typesys.FormatValue(v), vals.Min, vals.Max)
		}
	}
	return nil
}

// parseValueKey turns the literals of a plain key into typed values.
func parseValueKey(key *rd.InputKey, raw []string) (any, error) {
	t, err := typesys.ParseType(key.Type)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 && key.Values != nil && key.Values.Default != "" {
		raw = []string{key.Values.Default}
	}
	if len(raw) == 0 {
		return nil, nil
	}

	parsed := make([]any, 0, len(raw))
	for _, lit := range raw {
		v, err := typesys.ParseLiteral(t, lit)
		if err != nil {
			return nil, base.NewValidationError(key.Name, "%v", err)
		}
		if err := checkValues(key, t, v); err != nil {
			return nil, err
		}
		parsed = append(parsed, v)
	}

	if key.Multiplicity == "multiple" {
		return parsed, nil
	}
	if key.Multiplicity == "single" && len(parsed) > 1 {
		return nil, base.NewValidationError(key.Name, "only one value allowed")
	}
	return parsed[0], nil
}

// RadiusSuffix names the radius key accompanying a point key on form
// input.
const RadiusSuffix = "_sr"

// AdaptKeys turns column-derived point keys into a position and a
// radius key. Other keys are returned unchanged.
func AdaptKeys(keys []*rd.InputKey) []*rd.InputKey {
	res := make([]*rd.InputKey, 0, len(keys))
	for _, key := range keys {
		if !key.FromColumn || !strings.EqualFold(key.Type, "spoint") {
			res = append(res, key)
			continue
		}
		pos := *key
		pos.Type = "text"
		pos.Unit = ""
		pos.FromColumn = false
		pos.Values = nil
		pos.Description = "Position as ra,dec in ICRS degrees"

		radius := *key
		radius.Name = key.Name + RadiusSuffix
		radius.Type = "real"
		radius.Unit = "arcmin"
		radius.FromColumn = false
		radius.Required = false
		radius.Tablehead = "Radius"
		radius.Description = "Search radius in arcminutes"
		radius.Values = &rd.Values{Default: "1", Min: "0"}
		res = append(res, &pos, &radius)
	}
	return res
}

// ParseInputs reads the values of keys from the request parameters.
// Presence of required keys is checked by the condition descriptors.
func ParseInputs(keys []*rd.InputKey, p *Params, style ParameterStyle) (*InputTable, error) {
	it := NewInputTable(p)
	for _, key := range keys {
		raw := p.GetAll(key.Name)
		if key.FromColumn && style != StyleNone {
			if len(raw) == 0 && key.Values != nil && key.Values.Default != "" {
				raw = []string{key.Values.Default}
			}
			if len(raw) == 0 {
				continue
			}
			par, err := parseRangeKey(key, raw, style)
			if err != nil {
				return nil, err
			}
			it.Pars[key.Name] = par
			continue
		}

		v, err := parseValueKey(key, raw)
		if err != nil {
			return nil, err
		}
		if v != nil {
			it.Values[key.Name] = v
		}
	}
	return it, nil
}
