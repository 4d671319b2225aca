// Package pql implements the range lists of the DAL protocols: a comma
// separated list of literals and lo/hi[/step] ranges, optionally
// followed by a ;qualifier.
package pql

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vo_platform/base"
	"vo_platform/dates"
	"vo_platform/typesys"
)

type Kind int

const (
	Int Kind = iota
	Float
	Date
	String
	// Text values are matched by full-text search.
	Text
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "integer"
	case Float:
		return "float"
	case Date:
		return "date"
	case String:
		return "string"
	case Text:
		return "text"
	}
	return "unknown"
}

// KindFor picks the PQL kind for a column of the given SQL type.
func KindFor(t typesys.Type) Kind {
	switch {
	case typesys.IsInteger(t.Base):
		return Int
	case typesys.IsFloat(t.Base):
		return Float
	case typesys.IsTemporal(t.Base):
		return Date
	}
	return String
}

// MaxEnumerated limits the number of values a stepped range may expand to.
const MaxEnumerated = 1000

// Range is either a single value or an interval with optional bounds
// and step. Absent parts are nil.
type Range struct {
	Value any
	Start any
	Stop  any
	Step  any
}

func (r Range) IsValue() bool {
	return r.Value != nil
}

var escaper = strings.NewReplacer("%", "%25", ",", "%2C", "/", "%2F", ";", "%3B")

func formatItem(v any) string {
	if v == nil {
		return ""
	}
	if t, ok := v.(time.Time); ok {
		return escaper.Replace(dates.FormatISO(t))
	}
	return escaper.Replace(typesys.FormatValue(v))
}

func (r Range) String() string {
	if r.Value != nil {
		return formatItem(r.Value)
	}
	s := formatItem(r.Start) + "/" + formatItem(r.Stop)
	if r.Step != nil {
		s += "/" + formatItem(r.Step)
	}
	return s
}

func parseItem(name, literal string, kind Kind) (any, error) {
	lit, err := url.PathUnescape(literal)
	if err != nil {
		return nil, base.NewValidationError(name, "bad escape in '%s'", literal)
	}
	if strings.TrimSpace(lit) == "" {
		return nil, nil
	}
	switch kind {
	case Int:
		v, err := strconv.ParseInt(strings.TrimSpace(lit), 10, 64)
		if err != nil {
			return nil, base.NewValidationError(name, "'%s' is not an integer", lit)
		}
		return v, nil
	case Float:
		v, err := strconv.ParseFloat(strings.TrimSpace(lit), 64)
		if err != nil || math.IsNaN(v) {
			return nil, base.NewValidationError(name, "'%s' is not a floating point number", lit)
		}
		return v, nil
	case Date:
		v, err := dates.ParseDateLiteral(lit, dates.RepISO)
		if err != nil {
			return nil, base.NewValidationError(name, "%v", err)
		}
		return v, nil
	}
	return lit, nil
}

// ParseRange parses one element of a range list.
func ParseRange(name, literal string, kind Kind) (Range, error) {
	parts := strings.Split(literal, "/")
	items := make([]any, len(parts))
	for i, p := range parts {
		v, err := parseItem(name, p, kind)
		if err != nil {
			return Range{}, err
		}
		items[i] = v
	}

	switch len(parts) {
	case 1:
		if items[0] == nil {
			return Range{}, base.NewValidationError(name, "empty value in range list")
		}
		return Range{Value: items[0]}, nil
	case 2:
		if items[0] == nil && items[1] == nil {
			return Range{}, base.NewValidationError(name, "a range needs at least one bound")
		}
		r := Range{Start: items[0], Stop: items[1]}
		return r, r.check(name)
	case 3:
		if items[0] == nil || items[1] == nil || items[2] == nil {
			return Range{}, base.NewValidationError(name, "stepped ranges need both bounds and a step")
		}
		if kind != Int && kind != Float {
			return Range{}, base.NewValidationError(name, "steps are only allowed for numeric parameters")
		}
		r := Range{Start: items[0], Stop: items[1], Step: items[2]}
		return r, r.check(name)
	}
	return Range{}, base.NewValidationError(name, "'%s' has too many slashes", literal)
}

func (r Range) check(name string) error {
	if r.Start != nil && r.Stop != nil {
		if c, err := typesys.Compare(r.Start, r.Stop); err == nil && c > 0 {
			return base.NewValidationError(name, "range start %s is after its end %s",
				formatItem(r.Start), formatItem(r.Stop))
		}
	}
	if r.Step != nil {
		if f, _ := toFloat(r.Step); f <= 0 {
			return base.NewValidationError(name, "range steps must be positive")
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case int64:
		return float64(val), true
	case float64:
		return val, true
	}
	return 0, false
}

// Values enumerates a single value or a stepped range.
func (r Range) Values() ([]any, error) {
	if r.Value != nil {
		return []any{r.Value}, nil
	}
	if r.Step == nil {
		return nil, fmt.Errorf("cannot enumerate an unstepped range")
	}

	var res []any
	switch start := r.Start.(type) {
	case int64:
		stop, step := r.Stop.(int64), r.Step.(int64)
		for v := start; v <= stop; v += step {
			if len(res) == MaxEnumerated {
				return nil, fmt.Errorf("range expands to more than %d values", MaxEnumerated)
			}
			res = append(res, v)
		}
	case float64:
		stop, _ := toFloat(r.Stop)
		step, _ := toFloat(r.Step)
		// tolerate rounding on the last item
		for i := 0; ; i++ {
			v := start + float64(i)*step
			if v > stop+step*1e-9 {
				break
			}
			if len(res) == MaxEnumerated {
				return nil, fmt.Errorf("range expands to more than %d values", MaxEnumerated)
			}
			res = append(res, v)
		}
	default:
		return nil, fmt.Errorf("cannot enumerate %T ranges", r.Start)
	}
	return res, nil
}

func equalValues(a, b any, caseless bool) bool {
	if caseless {
		as, aok := a.(string)
		bs, bok := b.(string)
		if aok && bok {
			return strings.EqualFold(as, bs)
		}
	}
	c, err := typesys.Compare(a, b)
	return err == nil && c == 0
}

// ShellPattern returns the pattern of a string value of the form ~pattern.
func ShellPattern(v any) (string, bool) {
	s, ok := v.(string)
	if !ok || !strings.HasPrefix(s, "~") {
		return "", false
	}
	return s[1:], true
}

// Covers tells whether v is matched by the range.
func (r Range) Covers(v any, caseless bool) bool {
	if v == nil {
		return false
	}
	if r.Value != nil {
		if pattern, ok := ShellPattern(r.Value); ok {
			s, isStr := v.(string)
			if !isStr {
				return false
			}
			if caseless {
				pattern, s = strings.ToLower(pattern), strings.ToLower(s)
			}
			return MatchPattern(pattern, s)
		}
		return equalValues(r.Value, v, caseless)
	}

	if r.Step != nil {
		values, err := r.Values()
		if err != nil {
			return false
		}
		for _, item := range values {
			if equalValues(item, v, false) {
				return true
			}
		}
		return false
	}
	if r.Start != nil {
		if c, err := typesys.Compare(r.Start, v); err != nil || c > 0 {
			return false
		}
	}
	if r.Stop != nil {
		if c, err := typesys.Compare(v, r.Stop); err != nil || c > 0 {
			return false
		}
	}
	return true
}

// Par is a parsed PQL parameter.
type Par struct {
	Name      string
	Kind      Kind
	Ranges    []Range
	Qualifier string
	Caseless  bool
	// ColumnRep is how dates are stored in the column the parameter is
	// compared with; numeric representations get converted literals.
	ColumnRep dates.Representation
}

// Parse parses a range list for the parameter name.
func Parse(name, literal string, kind Kind) (*Par, error) {
	p := &Par{Name: name, Kind: kind, ColumnRep: dates.RepISO}
	body := literal
	if idx := strings.LastIndex(literal, ";"); idx != -1 {
		body, p.Qualifier = literal[:idx], literal[idx+1:]
		q, err := url.PathUnescape(p.Qualifier)
		if err != nil {
			return nil, base.NewValidationError(name, "bad escape in qualifier '%s'", p.Qualifier)
		}
		p.Qualifier = q
	}
	if strings.TrimSpace(body) == "" {
		return nil, base.NewValidationError(name, "empty parameter value")
	}

	for _, item := range strings.Split(body, ",") {
		r, err := ParseRange(name, item, kind)
		if err != nil {
			return nil, err
		}
		p.Ranges = append(p.Ranges, r)
	}
	return p, nil
}

func (p *Par) String() string {
	parts := make([]string, len(p.Ranges))
	for i, r := range p.Ranges {
		parts[i] = r.String()
	}
	s := strings.Join(parts, ",")
	if p.Qualifier != "" {
		s += ";" + escaper.Replace(p.Qualifier)
	}
	return s
}

// Covers is true if any of the ranges matches v.
func (p *Par) Covers(v any) bool {
	for _, r := range p.Ranges {
		if r.Covers(v, p.Caseless) {
			return true
		}
	}
	return false
}

// ValueSet enumerates all values of the parameter; it fails for
// unstepped ranges.
func (p *Par) ValueSet() ([]any, error) {
	var res []any
	for _, r := range p.Ranges {
		values, err := r.Values()
		if err != nil {
			return nil, base.NewValidationError(p.Name, "%v", err)
		}
		for _, v := range values {
			dup := false
			for _, have := range res {
				if equalValues(have, v, false) {
					dup = true
					break
				}
			}
			if !dup {
				res = append(res, v)
			}
		}
	}
	return res, nil
}

// Single returns the value of a parameter consisting of exactly one
// plain value.
func (p *Par) Single() (any, error) {
	if len(p.Ranges) != 1 || !p.Ranges[0].IsValue() {
		return nil, base.NewValidationError(p.Name, "a single value is required here")
	}
	return p.Ranges[0].Value, nil
}
