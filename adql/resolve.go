package adql

import (
	"fmt"
	"strings"

	"vo_platform/base"
	"vo_platform/rd"
	"vo_platform/schema"
	"vo_platform/typesys"
)

// CatalogTable is a table ADQL queries may use.
type CatalogTable struct {
	Def *rd.Table
	// QName is the name the table is published under, schema.table.
	QName string
	// DBName is the SQL name of the table in the database.
	DBName string
}

// Catalog resolves the table names in a query. Schema is empty for
// unqualified names.
type Catalog interface {
	Lookup(schemaName, name string) (*CatalogTable, error)
}

// MapCatalog is a Catalog over a fixed set of tables.
type MapCatalog map[string]*CatalogTable

// Add publishes t under its qualified name.
func (m MapCatalog) Add(t *rd.Table, d schema.Dialect) {
	m.AddAs(t.QName(), d.TableName(t.QName()), t)
}

// AddAs publishes t under qname, stored in the database as dbName.
func (m MapCatalog) AddAs(qname, dbName string, t *rd.Table) {
	m[strings.ToLower(qname)] = &CatalogTable{Def: t, QName: qname, DBName: dbName}
}

func (m MapCatalog) Lookup(schemaName, name string) (*CatalogTable, error) {
	if schemaName != "" {
		if t, ok := m[strings.ToLower(schemaName+"."+name)]; ok {
			return t, nil
		}
		return nil, base.NewNotFoundError("table", schemaName+"."+name, "")
	}
	var found *CatalogTable
	for key, t := range m {
		if key == strings.ToLower(name) || strings.HasSuffix(key, "."+strings.ToLower(name)) {
			if found != nil {
				return nil, &base.ValidationError{Field: "QUERY", Msg: fmt.Sprintf("Table name %s is ambiguous; qualify it with its schema", name)}
			}
			found = t
		}
	}
	if found == nil {
		return nil, base.NewNotFoundError("table", name, "")
	}
	return found, nil
}

// ChainCatalog asks its members in turn.
type ChainCatalog []Catalog

func (c ChainCatalog) Lookup(schemaName, name string) (*CatalogTable, error) {
	var lastErr error = base.NewNotFoundError("table", name, "")
	for _, cat := range c {
		t, err := cat.Lookup(schemaName, name)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// scopeTable is a table visible in a FROM clause.
type scopeTable struct {
	schemaName string
	name       string
	alias      *Ident
	// qualifier prefixes column names in the generated SQL.
	qualifier string
	columns   []*rd.Column
	// merged holds columns joined through USING or NATURAL; they are
	// represented by the other side of the join.
	merged map[string]bool
}

func (st *scopeTable) matches(quals []Ident) bool {
	if st.alias != nil {
		return len(quals) == 1 && quals[0].Matches(st.alias.Name)
	}
	switch len(quals) {
	case 1:
		return quals[0].Matches(st.name)
	case 2:
		return quals[0].Matches(st.schemaName) && quals[1].Matches(st.name)
	}
	return false
}

func (st *scopeTable) column(id Ident) *rd.Column {
	for _, c := range st.columns {
		if id.Matches(c.Name) {
			return c
		}
	}
	return nil
}

type boundColumn struct {
	table *scopeTable
	col   *rd.Column
}

type scope struct {
	parent *scope
	tables []*scopeTable
	// selectAliases are the names of the select list, usable in ORDER
	// BY and GROUP BY.
	selectAliases map[string]*rd.Column
}

func unknownColumn(ref *ColumnRef) error {
	names := make([]string, len(ref.Parts))
	for i, p := range ref.Parts {
		names[i] = p.Name
	}
	return &base.ValidationError{Field: "QUERY", Msg: fmt.Sprintf("Could not locate column %s", strings.Join(names, "."))}
}

// resolve binds a column reference to a table of the scope chain.
func (sc *scope) resolve(ref *ColumnRef) error {
	name := ref.Parts[len(ref.Parts)-1]
	quals := ref.Parts[:len(ref.Parts)-1]

	for s := sc; s != nil; s = s.parent {
		var found []*boundColumn
		for _, st := range s.tables {
			if len(quals) > 0 && !st.matches(quals) {
				continue
			}
			if c := st.column(name); c != nil {
				if len(quals) == 0 && st.merged[strings.ToLower(c.Name)] {
					continue
				}
				found = append(found, &boundColumn{table: st, col: c})
			}
		}
		if len(found) > 1 {
			return &base.ValidationError{Field: "QUERY", Msg: fmt.Sprintf("Column %s is ambiguous", name.Name)}
		}
		if len(found) == 1 {
			ref.resolved = found[0]
			return nil
		}
		if len(quals) == 0 && s.selectAliases != nil {
			for alias := range s.selectAliases {
				if name.Matches(alias) {
					ref.aliasOnly = alias
					return nil
				}
			}
		}
	}
	return unknownColumn(ref)
}

func copyColumn(c *rd.Column) *rd.Column {
	cp := *c
	return &cp
}

func newColumn(typ string) *rd.Column {
	return &rd.Column{Type: typ, VerbLevel: 20}
}

func isIntegerColumn(c *rd.Column) bool {
	t, err := typesys.ParseType(c.Type)
	return err == nil && !t.Array && typesys.IsInteger(t.Base)
}

// castType maps an ADQL cast target to the RD type.
func castType(adqlType string) string {
	name := adqlType
	if i := strings.Index(name, "("); i >= 0 {
		name = name[:i]
	}
	switch name {
	case "DOUBLE PRECISION":
		return "double precision"
	case "CHAR":
		return strings.ToLower(adqlType)
	case "VARCHAR":
		return "text"
	case "POINT":
		return "spoint"
	}
	return strings.ToLower(name)
}

// infer computes the metadata of a select list expression. Expressions
// must have been translated before so column references are bound.
func (sc *scope) infer(e Expr) *rd.Column {
	switch x := e.(type) {
	case *ColumnRef:
		if x.resolved != nil {
			return copyColumn(x.resolved.col)
		}
		if c, ok := sc.selectAliases[x.aliasOnly]; ok {
			return copyColumn(c)
		}
		return newColumn("text")
	case *NumberLit:
		if strings.ContainsAny(x.Text, ".eE") {
			return newColumn("double precision")
		}
		return newColumn("integer")
	case *StringLit, *NullLit:
		return newColumn("text")
	case *Paren:
		return sc.infer(x.X)
	case *UnaryExpr:
		if x.Op == "NOT" {
			return newColumn("boolean")
		}
		return sc.infer(x.X)
	case *BinaryExpr:
		switch x.Op {
		case "||":
			return newColumn("text")
		case "+", "-", "*", "/":
			l, r := sc.infer(x.L), sc.infer(x.R)
			c := newColumn("double precision")
			if isIntegerColumn(l) && isIntegerColumn(r) {
				c.Type = "bigint"
			}
			if (x.Op == "+" || x.Op == "-") && l.Unit == r.Unit {
				c.Unit = l.Unit
			}
			return c
		}
		return newColumn("boolean")
	case *Cast:
		return newColumn(castType(x.Type))
	case *Case:
		if len(x.Whens) > 0 {
			c := sc.infer(x.Whens[0].Result)
			return newColumn(c.Type)
		}
	case *SubqueryExpr:
		return newColumn("double precision")
	case *FuncCall:
		return sc.inferFunc(x)
	case *Between, *Like, *InExpr, *IsNull, *Exists:
		return newColumn("boolean")
	}
	return newColumn("text")
}

func (sc *scope) inferFunc(f *FuncCall) *rd.Column {
	var arg *rd.Column
	if len(f.Args) > 0 {
		arg = sc.infer(f.Args[0])
	}
	switch f.Name {
	case "COUNT":
		c := newColumn("bigint")
		c.UCD = "meta.number"
		return c
	case "MIN", "MAX":
		if arg != nil {
			return arg
		}
	case "SUM", "AVG":
		c := newColumn("double precision")
		if arg != nil {
			c.Unit = arg.Unit
			if f.Name == "SUM" && isIntegerColumn(arg) {
				c.Type = "bigint"
			}
		}
		return c
	case "POINT", "CENTROID":
		c := newColumn("spoint")
		c.XType = "adql:POINT"
		return c
	case "CIRCLE":
		c := newColumn("scircle")
		c.XType = "adql:REGION"
		return c
	case "BOX":
		c := newColumn("sbox")
		c.XType = "adql:REGION"
		return c
	case "POLYGON":
		c := newColumn("spoly")
		c.XType = "adql:REGION"
		return c
	case "DISTANCE":
		c := newColumn("double precision")
		c.Unit, c.UCD = "deg", "pos.angDistance"
		return c
	case "COORD1":
		c := newColumn("double precision")
		c.Unit, c.UCD = "deg", "pos.eq.ra"
		return c
	case "COORD2":
		c := newColumn("double precision")
		c.Unit, c.UCD = "deg", "pos.eq.dec"
		return c
	case "AREA":
		c := newColumn("double precision")
		c.Unit = "deg**2"
		return c
	case "CONTAINS", "INTERSECTS":
		return newColumn("integer")
	case "COORDSYS", "LOWER", "UPPER":
		return newColumn("text")
	case "IN_UNIT":
		c := newColumn("double precision")
		if arg != nil {
			c.UCD = arg.UCD
		}
		if len(f.Args) == 2 {
			if s, ok := f.Args[1].(*StringLit); ok {
				c.Unit = s.Value
			}
		}
		return c
	case "ABS":
		if arg != nil {
			return newColumn(arg.Type)
		}
	}
	return newColumn("double precision")
}

// defaultName is the result column name of an unaliased expression.
func defaultName(e Expr) string {
	switch x := e.(type) {
	case *ColumnRef:
		if x.resolved != nil {
			return x.resolved.col.Name
		}
		return x.Parts[len(x.Parts)-1].Name
	case *FuncCall:
		return strings.ToLower(x.Name)
	case *Paren:
		return defaultName(x.X)
	}
	return "expr"
}

// uniqueNames makes the result column names distinct.
func uniqueNames(cols []*rd.Column) {
	used := map[string]bool{}
	for _, c := range cols {
		name := c.Name
		for i := 2; used[strings.ToLower(name)]; i++ {
			name = fmt.Sprintf("%s_%d", c.Name, i)
		}
		used[strings.ToLower(name)] = true
		c.Name = name
	}
}
