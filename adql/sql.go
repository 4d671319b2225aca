package adql

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"vo_platform/base"
	"vo_platform/rd"
	"vo_platform/rsc"
	"vo_platform/schema"
	"vo_platform/units"
	"vo_platform/utils/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("vo_platform/adql")

// Translation is an ADQL query turned into SQL for one database engine.
type Translation struct {
	// SQL is the statement without the row limit of the outer query.
	SQL     string
	Columns []*rd.Column
	// Top is the TOP of the outer query, -1 if none was given.
	Top    int
	Offset int
	// Tables are the qualified names of all tables queried.
	Tables []string
}

// LimitedSQL returns the statement with a row limit for maxrec and the
// number of rows to keep when scanning the result. When TOP does not
// exceed maxrec, TOP is the limit and the result cannot overflow;
// otherwise one row more than maxrec is fetched to detect overflows.
func (t *Translation) LimitedSQL(maxrec int) (string, int) {
	limit, scan := maxrec+1, maxrec
	if t.Top >= 0 && t.Top <= maxrec {
		limit, scan = t.Top, -1
	}
	q := fmt.Sprintf("%s LIMIT %d", t.SQL, limit)
	if t.Offset >= 0 {
		q += fmt.Sprintf(" OFFSET %d", t.Offset)
	}
	return q, scan
}

// ResultDef is the definition of the result table.
func (t *Translation) ResultDef(id string) *rsc.TableDef {
	return rsc.NewTableDef(id, t.Columns)
}

// Translate parses query, resolves its names against cat and produces
// SQL for the dialect d.
func Translate(ctx context.Context, query string, cat Catalog, d schema.Dialect) (*Translation, error) {
	_, span := tracer.Start(ctx, "adql.Translate", trace.WithAttributes(
		attribute.String("dialect", d.Name()),
	))
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, base.NewValidationError("QUERY", "Missing query")
	}
	sel, err := Parse(query)
	if err != nil {
		span.RecordError(err)
		return nil, asValidation(err)
	}

	tr := &translator{cat: cat, dialect: d, pg: d.Name() == "postgres", tables: map[string]bool{}}
	sql, cols, err := tr.query(sel, nil, false)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	res := &Translation{SQL: sql, Columns: cols, Top: sel.Top, Offset: sel.Offset}
	for name := range tr.tables {
		res.Tables = append(res.Tables, name)
	}
	sort.Strings(res.Tables)
	slog.Debug("translated adql query", "code", logging.DB_QUERY, "sql", sql)
	return res, nil
}

type translator struct {
	cat     Catalog
	dialect schema.Dialect
	pg      bool
	tables  map[string]bool
}

func unsupported(what string) error {
	return &base.ValidationError{Field: "QUERY", Msg: fmt.Sprintf("%s is not supported on this database", what)}
}

// query translates a select with its set operations. Nested queries get
// their own LIMIT and OFFSET clauses.
func (tr *translator) query(sel *Select, parent *scope, nested bool) (string, []*rd.Column, error) {
	sql, cols, err := tr.selectSQL(sel, parent)
	if err != nil {
		return "", nil, err
	}
	for _, op := range sel.SetOps {
		right, rcols, err := tr.query(op.Right, parent, true)
		if err != nil {
			return "", nil, err
		}
		if len(rcols) != len(cols) {
			return "", nil, base.NewValidationError("QUERY", "The operands of %s have different numbers of columns", op.Op)
		}
		sql += " " + op.Op
		if op.All {
			sql += " ALL"
		}
		sql += " " + right
	}
	if nested {
		sql += tr.limitClause(sel.Top, sel.Offset)
	}
	return sql, cols, nil
}

func (tr *translator) limitClause(top, offset int) string {
	var b strings.Builder
	if top >= 0 {
		fmt.Fprintf(&b, " LIMIT %d", top)
	} else if offset >= 0 && !tr.pg {
		b.WriteString(" LIMIT -1")
	}
	if offset >= 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}

func (tr *translator) selectSQL(sel *Select, parent *scope) (string, []*rd.Column, error) {
	sc := &scope{parent: parent}
	var from []string
	for _, ref := range sel.From {
		s, err := tr.tableRef(ref, sc)
		if err != nil {
			return "", nil, err
		}
		from = append(from, s)
	}

	items, cols, err := tr.selectList(sel, sc)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if sel.Distinct {
		b.WriteString("DISTINCT ")
	}
	b.WriteString(strings.Join(items, ", "))
	b.WriteString(" FROM ")
	b.WriteString(strings.Join(from, ", "))

	if sel.Where != nil {
		w, err := tr.condition(sel.Where, sc)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" WHERE " + w)
	}

	sc.selectAliases = map[string]*rd.Column{}
	for _, c := range cols {
		sc.selectAliases[c.Name] = c
	}
	if len(sel.GroupBy) > 0 {
		parts := make([]string, len(sel.GroupBy))
		for i, g := range sel.GroupBy {
			if parts[i], err = tr.expr(g, sc); err != nil {
				return "", nil, err
			}
		}
		b.WriteString(" GROUP BY " + strings.Join(parts, ", "))
	}
	if sel.Having != nil {
		h, err := tr.condition(sel.Having, sc)
		if err != nil {
			return "", nil, err
		}
		b.WriteString(" HAVING " + h)
	}
	if len(sel.OrderBy) > 0 {
		parts := make([]string, len(sel.OrderBy))
		for i, o := range sel.OrderBy {
			if n, ok := o.Expr.(*NumberLit); ok {
				parts[i] = n.Text
			} else if parts[i], err = tr.expr(o.Expr, sc); err != nil {
				return "", nil, err
			}
			if o.Desc {
				parts[i] += " DESC"
			} else {
				parts[i] += " ASC"
			}
		}
		b.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	return b.String(), cols, nil
}

// selectList translates the select items, expanding stars into explicit
// column lists so the result columns are known.
func (tr *translator) selectList(sel *Select, sc *scope) ([]string, []*rd.Column, error) {
	var items []string
	var cols []*rd.Column
	// plain items produce a column already named like the result column
	var plain []bool

	expand := func(tables []*scopeTable, skipMerged bool) {
		for _, st := range tables {
			for _, c := range st.columns {
				if skipMerged && st.merged[strings.ToLower(c.Name)] {
					continue
				}
				items = append(items, st.qualifier+"."+schema.QuoteName(c.Name))
				cols = append(cols, copyColumn(c))
				plain = append(plain, true)
			}
		}
	}

	if sel.Star {
		expand(sc.tables, true)
	}
	for _, item := range sel.Items {
		if item.AllOf != nil {
			var matching []*scopeTable
			for _, st := range sc.tables {
				if st.matches(item.AllOf) {
					matching = append(matching, st)
				}
			}
			if len(matching) == 0 {
				return nil, nil, base.NewValidationError("QUERY", "No table %s in FROM clause", item.AllOf[len(item.AllOf)-1].Name)
			}
			expand(matching, false)
			continue
		}

		s, err := tr.expr(item.Expr, sc)
		if err != nil {
			return nil, nil, err
		}
		col := sc.infer(item.Expr)
		_, isRef := item.Expr.(*ColumnRef)
		if item.Alias != nil {
			col.Name = item.Alias.Name
		} else {
			col.Name = defaultName(item.Expr)
		}
		items = append(items, s)
		cols = append(cols, col)
		plain = append(plain, isRef && item.Alias == nil)
	}

	before := make([]string, len(cols))
	for i, c := range cols {
		before[i] = c.Name
	}
	uniqueNames(cols)
	for i, c := range cols {
		if !plain[i] || c.Name != before[i] {
			items[i] += " AS " + schema.QuoteName(c.Name)
		}
	}
	return items, cols, nil
}

func (tr *translator) tableRef(ref TableRef, sc *scope) (string, error) {
	switch t := ref.(type) {
	case *TableName:
		ct, err := tr.cat.Lookup(t.Schema.Name, t.Name.Name)
		if err != nil {
			if base.StatusCode(err) == 404 {
				return "", &base.ValidationError{Field: "QUERY", Msg: fmt.Sprintf("Could not locate table %s", qualified(t)), Err: err}
			}
			return "", err
		}
		tr.tables[ct.QName] = true
		schemaName, name, _ := strings.Cut(ct.QName, ".")
		if name == "" {
			schemaName, name = "", schemaName
		}
		st := &scopeTable{schemaName: schemaName, name: name, alias: t.Alias, qualifier: ct.DBName, columns: ct.Def.Columns}
		s := ct.DBName
		if t.Alias != nil {
			st.qualifier = schema.QuoteName(t.Alias.Name)
			s += " AS " + st.qualifier
		}
		sc.tables = append(sc.tables, st)
		return s, nil

	case *DerivedTable:
		sub, cols, err := tr.query(t.Sub, nil, true)
		if err != nil {
			return "", err
		}
		alias := t.Alias
		st := &scopeTable{name: alias.Name, alias: &alias, qualifier: schema.QuoteName(alias.Name), columns: cols}
		sc.tables = append(sc.tables, st)
		return "(" + sub + ") AS " + st.qualifier, nil

	case *Join:
		left, err := tr.tableRef(t.Left, sc)
		if err != nil {
			return "", err
		}
		nLeft := len(sc.tables)
		right, err := tr.tableRef(t.Right, sc)
		if err != nil {
			return "", err
		}
		if _, nested := t.Right.(*Join); nested {
			right = "(" + right + ")"
		}
		leftTables, rightTables := sc.tables[:nLeft], sc.tables[nLeft:]

		var b strings.Builder
		b.WriteString(left)
		if t.Natural {
			b.WriteString(" NATURAL")
			for _, rt := range rightTables {
				for _, c := range rt.columns {
					for _, lt := range leftTables {
						if lt.column(Ident{Name: c.Name}) != nil {
							markMerged(rt, c.Name)
						}
					}
				}
			}
		}
		b.WriteString(" " + t.Kind + " JOIN " + right)
		switch {
		case t.On != nil:
			on, err := tr.condition(t.On, sc)
			if err != nil {
				return "", err
			}
			b.WriteString(" ON " + on)
		case len(t.Using) > 0:
			names := make([]string, len(t.Using))
			for i, id := range t.Using {
				inLeft, inRight := false, false
				for _, lt := range leftTables {
					inLeft = inLeft || lt.column(id) != nil
				}
				for _, rt := range rightTables {
					if c := rt.column(id); c != nil {
						inRight = true
						markMerged(rt, c.Name)
					}
				}
				if !inLeft || !inRight {
					return "", base.NewValidationError("QUERY", "Column %s in USING is not in both tables", id.Name)
				}
				names[i] = schema.QuoteName(id.Name)
			}
			b.WriteString(" USING (" + strings.Join(names, ", ") + ")")
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("unknown table reference %T", ref)
}

func markMerged(st *scopeTable, name string) {
	if st.merged == nil {
		st.merged = map[string]bool{}
	}
	st.merged[strings.ToLower(name)] = true
}

func qualified(t *TableName) string {
	if t.Schema.Name != "" {
		return t.Schema.Name + "." + t.Name.Name
	}
	return t.Name.Name
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// condition translates a search condition; geometric predicates appear
// as bare functions there in addition to the "= 1" form.
func (tr *translator) condition(e Expr, sc *scope) (string, error) {
	if f, ok := e.(*FuncCall); ok && isPredicate(f) {
		return tr.predicate(f, sc)
	}
	return tr.expr(e, sc)
}

func isPredicate(f *FuncCall) bool {
	return f.Name == "CONTAINS" || f.Name == "INTERSECTS"
}

// predicateComparison recognizes CONTAINS(...) = 1 and its variants.
// It returns the predicate and whether it is negated.
func predicateComparison(b *BinaryExpr) (*FuncCall, bool, bool) {
	if b.Op != "=" && b.Op != "<>" {
		return nil, false, false
	}
	f, ok := b.L.(*FuncCall)
	n, isNum := b.R.(*NumberLit)
	if !ok || !isPredicate(f) {
		f, ok = b.R.(*FuncCall)
		n, isNum = b.L.(*NumberLit)
	}
	if !ok || !isPredicate(f) || !isNum || (n.Text != "0" && n.Text != "1") {
		return nil, false, false
	}
	return f, (n.Text == "0") != (b.Op == "<>"), true
}

func (tr *translator) expr(e Expr, sc *scope) (string, error) {
	switch x := e.(type) {
	case *ColumnRef:
		if x.resolved == nil && x.aliasOnly == "" {
			if err := sc.resolve(x); err != nil {
				return "", err
			}
		}
		if x.aliasOnly != "" {
			return schema.QuoteName(x.aliasOnly), nil
		}
		name := schema.QuoteName(x.resolved.col.Name)
		if len(x.Parts) > 1 || len(sc.tables) > 1 || !inScope(sc, x.resolved.table) {
			return x.resolved.table.qualifier + "." + name, nil
		}
		return name, nil

	case *NumberLit:
		return x.Text, nil
	case *StringLit:
		return quoteString(x.Value), nil
	case *NullLit:
		return "NULL", nil

	case *Paren:
		inner, err := tr.condition(x.X, sc)
		return "(" + inner + ")", err

	case *UnaryExpr:
		inner, err := tr.condition(x.X, sc)
		if err != nil {
			return "", err
		}
		if x.Op == "NOT" {
			return "NOT " + inner, nil
		}
		return x.Op + inner, nil

	case *BinaryExpr:
		if f, negated, ok := predicateComparison(x); ok {
			p, err := tr.predicate(f, sc)
			if err != nil {
				return "", err
			}
			if negated {
				return "NOT (" + p + ")", nil
			}
			return p, nil
		}
		l, err := tr.condition(x.L, sc)
		if err != nil {
			return "", err
		}
		r, err := tr.condition(x.R, sc)
		if err != nil {
			return "", err
		}
		return l + " " + x.Op + " " + r, nil

	case *Between:
		v, err := tr.expr(x.X, sc)
		if err != nil {
			return "", err
		}
		lo, err := tr.expr(x.Lo, sc)
		if err != nil {
			return "", err
		}
		hi, err := tr.expr(x.Hi, sc)
		if err != nil {
			return "", err
		}
		return v + not(x.Not) + " BETWEEN " + lo + " AND " + hi, nil

	case *Like:
		v, err := tr.expr(x.X, sc)
		if err != nil {
			return "", err
		}
		pat, err := tr.expr(x.Pattern, sc)
		if err != nil {
			return "", err
		}
		if x.Caseless {
			if tr.pg {
				return v + not(x.Not) + " ILIKE " + pat, nil
			}
			return "LOWER(" + v + ")" + not(x.Not) + " LIKE LOWER(" + pat + ")", nil
		}
		return v + not(x.Not) + " LIKE " + pat, nil

	case *InExpr:
		v, err := tr.expr(x.X, sc)
		if err != nil {
			return "", err
		}
		if x.Sub != nil {
			sub, _, err := tr.query(x.Sub, sc, true)
			if err != nil {
				return "", err
			}
			return v + not(x.Not) + " IN (" + sub + ")", nil
		}
		parts := make([]string, len(x.List))
		for i, item := range x.List {
			if parts[i], err = tr.expr(item, sc); err != nil {
				return "", err
			}
		}
		return v + not(x.Not) + " IN (" + strings.Join(parts, ", ") + ")", nil

	case *IsNull:
		v, err := tr.expr(x.X, sc)
		if err != nil {
			return "", err
		}
		if x.Not {
			return v + " IS NOT NULL", nil
		}
		return v + " IS NULL", nil

	case *Exists:
		sub, _, err := tr.query(x.Sub, sc, true)
		if err != nil {
			return "", err
		}
		return "EXISTS (" + sub + ")", nil

	case *SubqueryExpr:
		sub, _, err := tr.query(x.Sub, sc, true)
		if err != nil {
			return "", err
		}
		return "(" + sub + ")", nil

	case *Case:
		var b strings.Builder
		b.WriteString("CASE")
		if x.Operand != nil {
			op, err := tr.expr(x.Operand, sc)
			if err != nil {
				return "", err
			}
			b.WriteString(" " + op)
		}
		for _, w := range x.Whens {
			cond, err := tr.condition(w.Cond, sc)
			if err != nil {
				return "", err
			}
			res, err := tr.expr(w.Result, sc)
			if err != nil {
				return "", err
			}
			b.WriteString(" WHEN " + cond + " THEN " + res)
		}
		if x.Else != nil {
			e, err := tr.expr(x.Else, sc)
			if err != nil {
				return "", err
			}
			b.WriteString(" ELSE " + e)
		}
		b.WriteString(" END")
		return b.String(), nil

	case *Cast:
		v, err := tr.expr(x.X, sc)
		if err != nil {
			return "", err
		}
		typ := x.Type
		if typ == "POINT" {
			if !tr.pg {
				return "", unsupported("CAST to POINT")
			}
			typ = "spoint"
		}
		return "CAST(" + v + " AS " + typ + ")", nil

	case *FuncCall:
		if isPredicate(x) {
			p, err := tr.predicate(x, sc)
			if err != nil {
				return "", err
			}
			return "CASE WHEN " + p + " THEN 1 ELSE 0 END", nil
		}
		return tr.function(x, sc)
	}
	return "", fmt.Errorf("cannot translate %T", e)
}

func not(negated bool) string {
	if negated {
		return " NOT"
	}
	return ""
}

func inScope(sc *scope, st *scopeTable) bool {
	for _, t := range sc.tables {
		if t == st {
			return true
		}
	}
	return false
}

func (tr *translator) args(f *FuncCall, sc *scope) ([]string, error) {
	res := make([]string, len(f.Args))
	for i, a := range f.Args {
		var err error
		if res[i], err = tr.expr(a, sc); err != nil {
			return nil, err
		}
	}
	return res, nil
}

type funcSpec struct {
	minArgs, maxArgs int
	pgName, liteName string
}

var numericFunctions = map[string]funcSpec{
	"ABS":      {1, 1, "ABS", "ABS"},
	"CEILING":  {1, 1, "CEILING", "ceiling"},
	"DEGREES":  {1, 1, "DEGREES", "degrees"},
	"EXP":      {1, 1, "EXP", "exp"},
	"FLOOR":    {1, 1, "FLOOR", "floor"},
	"LOG":      {1, 1, "LN", "log"},
	"LOG10":    {1, 1, "LOG", "log10"},
	"MOD":      {2, 2, "MOD", "mod"},
	"PI":       {0, 0, "PI", "pi"},
	"POWER":    {2, 2, "POWER", "power"},
	"RADIANS":  {1, 1, "RADIANS", "radians"},
	"ROUND":    {1, 2, "ROUND", "ROUND"},
	"SQRT":     {1, 1, "SQRT", "sqrt"},
	"TRUNCATE": {1, 2, "TRUNC", "trunc"},
	"SIN":      {1, 1, "SIN", "sin"},
	"COS":      {1, 1, "COS", "cos"},
	"TAN":      {1, 1, "TAN", "tan"},
	"COT":      {1, 1, "COT", "cot"},
	"ASIN":     {1, 1, "ASIN", "asin"},
	"ACOS":     {1, 1, "ACOS", "acos"},
	"ATAN":     {1, 1, "ATAN", "atan"},
	"ATAN2":    {2, 2, "ATAN2", "atan2"},
	"LOWER":    {1, 1, "LOWER", "LOWER"},
	"UPPER":    {1, 1, "UPPER", "UPPER"},
	"COUNT":    {1, 1, "COUNT", "COUNT"},
	"SUM":      {1, 1, "SUM", "SUM"},
	"AVG":      {1, 1, "AVG", "AVG"},
	"MIN":      {1, 1, "MIN", "MIN"},
	"MAX":      {1, 1, "MAX", "MAX"},
}

func (tr *translator) function(f *FuncCall, sc *scope) (string, error) {
	if f.Star {
		if f.Name != "COUNT" {
			return "", base.NewValidationError("QUERY", "Only COUNT takes *")
		}
		return "COUNT(*)", nil
	}

	if spec, ok := numericFunctions[f.Name]; ok {
		if len(f.Args) < spec.minArgs || len(f.Args) > spec.maxArgs {
			return "", base.NewValidationError("QUERY", "Wrong number of arguments to %s", f.Name)
		}
		args, err := tr.args(f, sc)
		if err != nil {
			return "", err
		}
		name := spec.liteName
		if tr.pg {
			name = spec.pgName
		}
		if f.Name == "ROUND" && tr.pg && len(args) == 2 {
			// postgres only rounds numerics to a number of digits
			args[0] = "CAST(" + args[0] + " AS NUMERIC)"
		}
		prefix := ""
		if f.Distinct {
			prefix = "DISTINCT "
		}
		return name + "(" + prefix + strings.Join(args, ", ") + ")", nil
	}

	switch f.Name {
	case "RAND":
		if tr.pg {
			return "RANDOM()", nil
		}
		return "(ABS(RANDOM()) / 9223372036854775808.0)", nil
	case "IN_UNIT":
		return tr.inUnit(f, sc)
	case "COORDSYS":
		return "'ICRS'", nil
	}
	return tr.geometry(f, sc)
}

func (tr *translator) inUnit(f *FuncCall, sc *scope) (string, error) {
	if len(f.Args) != 2 {
		return "", base.NewValidationError("QUERY", "IN_UNIT needs a value and a unit")
	}
	target, ok := f.Args[1].(*StringLit)
	if !ok {
		return "", base.NewValidationError("QUERY", "The unit in IN_UNIT must be a string literal")
	}
	v, err := tr.expr(f.Args[0], sc)
	if err != nil {
		return "", err
	}
	from := sc.infer(f.Args[0]).Unit
	factor, err := units.ConversionFactor(from, target.Value)
	if err != nil {
		return "", &base.ValidationError{Field: "QUERY", Msg: fmt.Sprintf("Cannot convert %s to %s", from, target.Value), Err: err}
	}
	return fmt.Sprintf("((%s) * %s)", v, strconv.FormatFloat(factor, 'g', 15, 64)), nil
}

// geomArgs drops the optional leading coordinate system literal.
func geomArgs(f *FuncCall) []Expr {
	if len(f.Args) > 0 {
		if _, ok := f.Args[0].(*StringLit); ok {
			return f.Args[1:]
		}
	}
	return f.Args
}

func (tr *translator) exprs(es []Expr, sc *scope) ([]string, error) {
	res := make([]string, len(es))
	for i, e := range es {
		var err error
		if res[i], err = tr.expr(e, sc); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func wrongArgs(name string) error {
	return base.NewValidationError("QUERY", "Wrong arguments to %s", name)
}

func pgPoint(ra, dec string) string {
	return fmt.Sprintf("spoint(RADIANS(%s), RADIANS(%s))", ra, dec)
}

// geometry translates the ADQL geometry constructors and functions.
func (tr *translator) geometry(f *FuncCall, sc *scope) (string, error) {
	if !tr.pg {
		return tr.sqliteGeometry(f, sc)
	}
	args := geomArgs(f)
	vals, err := tr.exprs(args, sc)
	if err != nil {
		return "", err
	}

	switch f.Name {
	case "POINT":
		if len(vals) != 2 {
			return "", wrongArgs(f.Name)
		}
		return pgPoint(vals[0], vals[1]), nil
	case "CIRCLE":
		switch len(vals) {
		case 3:
			return fmt.Sprintf("scircle(%s, RADIANS(%s))", pgPoint(vals[0], vals[1]), vals[2]), nil
		case 2:
			return fmt.Sprintf("scircle(%s, RADIANS(%s))", vals[0], vals[1]), nil
		}
		return "", wrongArgs(f.Name)
	case "BOX":
		if len(vals) != 4 {
			return "", wrongArgs(f.Name)
		}
		ra, dec, w, h := vals[0], vals[1], vals[2], vals[3]
		return fmt.Sprintf("sbox(%s, %s)",
			pgPoint(fmt.Sprintf("(%s)-(%s)/2.0", ra, w), fmt.Sprintf("(%s)-(%s)/2.0", dec, h)),
			pgPoint(fmt.Sprintf("(%s)+(%s)/2.0", ra, w), fmt.Sprintf("(%s)+(%s)/2.0", dec, h))), nil
	case "POLYGON":
		if len(args) < 6 || len(args)%2 != 0 {
			return "", wrongArgs(f.Name)
		}
		var verts []string
		for i := 0; i < len(args); i += 2 {
			ra, ok1 := args[i].(*NumberLit)
			dec, ok2 := args[i+1].(*NumberLit)
			if !ok1 || !ok2 {
				return "", base.NewValidationError("QUERY", "POLYGON vertices must be numeric literals")
			}
			verts = append(verts, fmt.Sprintf("(%sd,%sd)", ra.Text, dec.Text))
		}
		return "spoly '{" + strings.Join(verts, ",") + "}'", nil
	case "DISTANCE":
		switch len(vals) {
		case 2:
			return fmt.Sprintf("DEGREES((%s) <-> (%s))", vals[0], vals[1]), nil
		case 4:
			return tr.dialect.Distance(vals[0], vals[1], vals[2], vals[3]), nil
		}
		return "", wrongArgs(f.Name)
	case "COORD1", "COORD2", "AREA", "CENTROID":
		if len(vals) != 1 {
			return "", wrongArgs(f.Name)
		}
		switch f.Name {
		case "COORD1":
			return fmt.Sprintf("DEGREES(long(%s))", vals[0]), nil
		case "COORD2":
			return fmt.Sprintf("DEGREES(lat(%s))", vals[0]), nil
		case "AREA":
			return fmt.Sprintf("DEGREES(DEGREES(area(%s)))", vals[0]), nil
		}
		return fmt.Sprintf("center(%s)", vals[0]), nil
	}
	return "", base.NewValidationError("QUERY", "Unknown function %s", f.Name)
}

func (tr *translator) predicate(f *FuncCall, sc *scope) (string, error) {
	if len(f.Args) != 2 {
		return "", wrongArgs(f.Name)
	}
	if !tr.pg {
		return tr.sqlitePredicate(f, sc)
	}
	a, err := tr.expr(f.Args[0], sc)
	if err != nil {
		return "", err
	}
	b, err := tr.expr(f.Args[1], sc)
	if err != nil {
		return "", err
	}
	if f.Name == "CONTAINS" {
		return fmt.Sprintf("(%s) @ (%s)", a, b), nil
	}
	return fmt.Sprintf("(%s) && (%s)", a, b), nil
}

// sqlitePoint splits a point expression into ra and dec for POINT
// constructors; other expressions are point-valued columns.
func (tr *translator) sqlitePoint(e Expr, sc *scope) (ra, dec, col string, err error) {
	if f, ok := e.(*FuncCall); ok && f.Name == "POINT" {
		vals, err := tr.exprs(geomArgs(f), sc)
		if err != nil {
			return "", "", "", err
		}
		if len(vals) != 2 {
			return "", "", "", wrongArgs("POINT")
		}
		return vals[0], vals[1], "", nil
	}
	col, err = tr.expr(e, sc)
	return "", "", col, err
}

func (tr *translator) sqliteDistance(p1, p2 Expr, sc *scope) (string, error) {
	ra1, dec1, col1, err := tr.sqlitePoint(p1, sc)
	if err != nil {
		return "", err
	}
	ra2, dec2, col2, err := tr.sqlitePoint(p2, sc)
	if err != nil {
		return "", err
	}
	switch {
	case col1 == "" && col2 == "":
		return tr.dialect.Distance(ra1, dec1, ra2, dec2), nil
	case col1 != "" && col2 == "":
		return tr.dialect.PointDistance(col1, ra2, dec2), nil
	case col1 == "" && col2 != "":
		return tr.dialect.PointDistance(col2, ra1, dec1), nil
	}
	return "", unsupported("DISTANCE between two point columns")
}

func (tr *translator) sqliteGeometry(f *FuncCall, sc *scope) (string, error) {
	if f.Name == "DISTANCE" {
		args := f.Args
		switch len(args) {
		case 2:
			return tr.sqliteDistance(args[0], args[1], sc)
		case 4:
			vals, err := tr.exprs(args, sc)
			if err != nil {
				return "", err
			}
			return tr.dialect.Distance(vals[0], vals[1], vals[2], vals[3]), nil
		}
		return "", wrongArgs(f.Name)
	}
	switch f.Name {
	case "POINT", "CIRCLE", "BOX", "POLYGON", "COORD1", "COORD2", "AREA", "CENTROID":
		return "", unsupported("The function " + f.Name + " in this context")
	}
	return "", base.NewValidationError("QUERY", "Unknown function %s", f.Name)
}

// sqlitePredicate supports point-in-circle tests only.
func (tr *translator) sqlitePredicate(f *FuncCall, sc *scope) (string, error) {
	circle, ok := f.Args[1].(*FuncCall)
	if !ok || circle.Name != "CIRCLE" {
		return "", unsupported(f.Name + " with regions other than circles")
	}
	cargs := geomArgs(circle)
	var center Expr
	var radius Expr
	switch len(cargs) {
	case 3:
		center = &FuncCall{Name: "POINT", Args: cargs[:2]}
		radius = cargs[2]
	case 2:
		center, radius = cargs[0], cargs[1]
	default:
		return "", wrongArgs("CIRCLE")
	}
	dist, err := tr.sqliteDistance(f.Args[0], center, sc)
	if err != nil {
		return "", err
	}
	r, err := tr.expr(radius, sc)
	if err != nil {
		return "", err
	}
	return dist + " <= " + r, nil
}
