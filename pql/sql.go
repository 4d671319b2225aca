package pql

import (
	"strings"
	"time"

	"vo_platform/dates"
)

// Args collects the values of SQL placeholders.
type Args struct {
	Values []any
}

// Add registers a value and returns its placeholder.
func (a *Args) Add(v any) string {
	a.Values = append(a.Values, v)
	return "?"
}

func (p *Par) sqlValue(v any) (any, error) {
	t, ok := v.(time.Time)
	if !ok || p.ColumnRep == dates.RepISO || p.ColumnRep == "" {
		return v, nil
	}
	return dates.ToRepresentation(t, p.ColumnRep)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// PatternToLike turns a shell pattern into an SQL LIKE pattern.
func PatternToLike(pattern string) string {
	var b strings.Builder
	for _, part := range strings.SplitAfter(pattern, "") {
		switch part {
		case "*":
			b.WriteString("%")
		case "?":
			b.WriteString("_")
		default:
			b.WriteString(likeEscaper.Replace(part))
		}
	}
	return b.String()
}

// MatchPattern matches s against a shell pattern the way the LIKE
// pattern from PatternToLike does: * is any run of characters, ? is a
// single character, everything else is literal.
func MatchPattern(pattern, s string) bool {
	p, t := []rune(pattern), []rune(s)
	pi, ti := 0, 0
	star, mark := -1, 0
	for ti < len(t) {
		switch {
		case pi < len(p) && p[pi] == '*':
			star, mark = pi, ti
			pi++
		case pi < len(p) && (p[pi] == '?' || p[pi] == t[ti]):
			pi++
			ti++
		case star >= 0:
			mark++
			pi, ti = star+1, mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

func (p *Par) rangeSQL(r Range, column string, args *Args) (string, error) {
	if p.Kind == Text {
		return "to_tsvector(" + column + ") @@ plainto_tsquery(" + args.Add(r.Value) + ")", nil
	}

	col := column
	wrap := func(ph string) string { return ph }
	if p.Caseless {
		col = "LOWER(" + column + ")"
		wrap = func(ph string) string { return "LOWER(" + ph + ")" }
	}

	if r.Value != nil {
		if pattern, ok := ShellPattern(r.Value); ok && p.Kind == String {
			return col + " LIKE " + wrap(args.Add(PatternToLike(pattern))) + ` ESCAPE '\'`, nil
		}
		v, err := p.sqlValue(r.Value)
		if err != nil {
			return "", err
		}
		return col + " = " + wrap(args.Add(v)), nil
	}

	if r.Step != nil {
		values, err := r.Values()
		if err != nil {
			return "", err
		}
		phs := make([]string, len(values))
		for i, v := range values {
			phs[i] = args.Add(v)
		}
		return column + " IN (" + strings.Join(phs, ", ") + ")", nil
	}

	var conds []string
	if r.Start != nil {
		v, err := p.sqlValue(r.Start)
		if err != nil {
			return "", err
		}
		conds = append(conds, col+" >= "+wrap(args.Add(v)))
	}
	if r.Stop != nil {
		v, err := p.sqlValue(r.Stop)
		if err != nil {
			return "", err
		}
		conds = append(conds, col+" <= "+wrap(args.Add(v)))
	}
	return strings.Join(conds, " AND "), nil
}

// SQL returns a condition on column matching exactly the values the
// parameter covers. Placeholder values are appended to args.
func (p *Par) SQL(column string, args *Args) (string, error) {
	var parts []string
	for _, r := range p.Ranges {
		cond, err := p.rangeSQL(r, column, args)
		if err != nil {
			return "", err
		}
		if len(p.Ranges) > 1 {
			cond = "(" + cond + ")"
		}
		parts = append(parts, cond)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}
