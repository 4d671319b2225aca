// Package rsc holds the tables produced by cores and consumed by the
// output formats.
package rsc

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"vo_platform/base"
	"vo_platform/rd"
	"vo_platform/typesys"
)

// TableDef is the definition of a result table. Columns are usually
// copies of RD columns, possibly changed by the core producing them.
type TableDef struct {
	ID      string
	Columns []*rd.Column
	Params  []*rd.Param
	Meta    rd.MetaSet
	// Source is the RD table the result was queried from, if any.
	Source *rd.Table

	typesOnce sync.Once
	types     []typesys.Type
	typesErr  error
}

func NewTableDef(id string, columns []*rd.Column) *TableDef {
	return &TableDef{ID: id, Columns: columns}
}

// DefFromTable makes a result definition carrying all columns and params
// of an RD table.
func DefFromTable(t *rd.Table) *TableDef {
	def := &TableDef{ID: t.ID, Source: t}
	def.Columns = append(def.Columns, t.Columns...)
	def.Params = append(def.Params, t.Params...)
	for _, key := range t.Meta.Keys() {
		for _, v := range t.Meta.GetAll(key) {
			def.Meta.Add(key, v)
		}
	}
	return def
}

func (d *TableDef) ColumnIndex(name string) (int, error) {
	for i, c := range d.Columns {
		if strings.EqualFold(c.Name, name) {
			return i, nil
		}
	}
	return -1, base.NewNotFoundError("column", name, "result table "+d.ID)
}

// Types returns the parsed SQL types of the columns.
func (d *TableDef) Types() ([]typesys.Type, error) {
	d.typesOnce.Do(func() {
		d.types = make([]typesys.Type, len(d.Columns))
		for i, c := range d.Columns {
			t, err := typesys.ParseType(c.Type)
			if err != nil {
				d.typesErr = fmt.Errorf("column %s: %w", c.Name, err)
				return
			}
			d.types[i] = t
		}
	})
	return d.types, d.typesErr
}

// Info is an annotation attached to a result, serialized as VOTable INFO.
type Info struct {
	Name    string
	Value   string
	Content string
}

type Table struct {
	Def  *TableDef
	Rows [][]any
	// Overflowed is set when the core had more rows than the limit.
	Overflowed bool
	Infos      []Info
	// ParamValues overrides the literal values of the definition's params.
	ParamValues map[string]any
}

func New(def *TableDef) *Table {
	return &Table{Def: def}
}

func (t *Table) Len() int {
	return len(t.Rows)
}

func (t *Table) AddRow(row []any) error {
	if len(row) != len(t.Def.Columns) {
		return fmt.Errorf("row with %d values added to table with %d columns", len(row), len(t.Def.Columns))
	}
	t.Rows = append(t.Rows, row)
	return nil
}

func (t *Table) AddInfo(name, value, content string) {
	t.Infos = append(t.Infos, Info{Name: name, Value: value, Content: content})
}

// ColumnValues returns all values of the named column.
func (t *Table) ColumnValues(name string) ([]any, error) {
	idx, err := t.Def.ColumnIndex(name)
	if err != nil {
		return nil, err
	}
	res := make([]any, len(t.Rows))
	for i, row := range t.Rows {
		res[i] = row[idx]
	}
	return res, nil
}

// Truncate keeps at most limit rows. Dropping rows marks the table as
// overflowed.
func (t *Table) Truncate(limit int) {
	if limit >= 0 && len(t.Rows) > limit {
		t.Rows = t.Rows[:limit]
		t.Overflowed = true
	}
}

func (t *Table) SetParam(name string, value any) {
	if t.ParamValues == nil {
		t.ParamValues = map[string]any{}
	}
	t.ParamValues[name] = value
}

// ParamValue returns the native value of a param, parsing its literal
// if it was not set on the table.
func (t *Table) ParamValue(p *rd.Param) (any, error) {
	if v, ok := t.ParamValues[p.Name]; ok {
		return v, nil
	}
	if p.Value == "" || p.Value == p.NullLiteral() {
		return nil, nil
	}
	typ, err := typesys.ParseType(p.Type)
	if err != nil {
		return nil, err
	}
	return typesys.ParseLiteral(typ, p.Value)
}

// ScanRows reads a database result into a table. With a non-negative
// limit at most limit rows are kept, and the table is marked overflowed
// if more were available.
func ScanRows(rows *sql.Rows, def *TableDef, limit int) (*Table, error) {
	types, err := def.Types()
	if err != nil {
		return nil, err
	}
	dbCols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("error reading result columns: %w", err)
	}
	if len(dbCols) != len(def.Columns) {
		return nil, fmt.Errorf("query returned %d columns, %d expected", len(dbCols), len(def.Columns))
	}

	t := New(def)
	raw := make([]any, len(dbCols))
	ptrs := make([]any, len(dbCols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	for rows.Next() {
		if limit >= 0 && len(t.Rows) == limit {
			t.Overflowed = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("error scanning result row: %w", err)
		}
		row := make([]any, len(raw))
		for i, v := range raw {
			if row[i], err = typesys.Normalize(types[i], v); err != nil {
				return nil, fmt.Errorf("column %s: %w", def.Columns[i].Name, err)
			}
		}
		t.Rows = append(t.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return t, nil
}
