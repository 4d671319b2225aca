package schema

import (
	"fmt"
	"regexp"
	"strings"

	"vo_platform/rd"
	"vo_platform/stc"
	"vo_platform/typesys"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

var plainIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var reservedWords = map[string]bool{
	"all": true, "and": true, "as": true, "asc": true, "between": true, "by": true,
	"case": true, "check": true, "column": true, "create": true, "desc": true,
	"distinct": true, "end": true, "from": true, "group": true, "having": true,
	"in": true, "is": true, "join": true, "like": true, "limit": true, "not": true,
	"null": true, "offset": true, "on": true, "or": true, "order": true,
	"select": true, "size": true, "table": true, "to": true, "union": true,
	"user": true, "where": true, "with": true,
}

// QuoteName quotes a column name unless it is a plain identifier, which
// keeps the case folding of unquoted names.
func QuoteName(name string) string {
	if plainIdentifier.MatchString(name) && !reservedWords[strings.ToLower(name)] {
		return name
	}
	return pq.QuoteIdentifier(name)
}

// SQLType is the column type to create for an RD type.
func (d *DB) SQLType(t typesys.Type) string {
	if d.Dialect.Name() == "sqlite" {
		switch {
		case t.Array, typesys.IsGeometry(t.Base), t.Base == "box":
			return "text"
		case t.Base == "double precision":
			return "double"
		}
		return t.Base
	}
	return t.String()
}

// Placeholder returns the value placeholder for a column of type t.
func (d *DB) Placeholder(t typesys.Type) string {
	if d.Dialect.Name() == "postgres" && typesys.IsGeometry(t.Base) {
		return "CAST(? AS " + t.Base + ")"
	}
	return "?"
}

// DBValue converts a native value into what the driver stores for a
// column of type t.
func (d *DB) DBValue(t typesys.Type, v any) any {
	switch val := v.(type) {
	case stc.Geometry:
		if d.Dialect.Name() == "postgres" {
			return stc.ToPgSphere(val)
		}
		return stc.STCS(val)
	case []float64:
		if d.Dialect.Name() == "postgres" {
			return pq.Array(val)
		}
		return typesys.FormatValue(val)
	}
	return v
}

func (d *DB) ensureSchema(tx *gorm.DB, qname string) error {
	if d.Dialect.Name() != "postgres" {
		return nil
	}
	idx := strings.Index(qname, ".")
	if idx == -1 {
		return nil
	}
	return tx.Exec("CREATE SCHEMA IF NOT EXISTS " + QuoteName(qname[:idx])).Error
}

// CreateTable creates the database table of an RD table if it does not
// exist yet.
func (d *DB) CreateTable(t *rd.Table) error {
	return d.CreateTableNamed(d.Dialect.TableName(t.QName()), t.Columns, t.Primary)
}

// CreateTableNamed creates a table with the given columns.
func (d *DB) CreateTableNamed(name string, columns []*rd.Column, primary []string) error {
	defs := make([]string, 0, len(columns)+1)
	for _, col := range columns {
		typ, err := typesys.ParseType(col.Type)
		if err != nil {
			return fmt.Errorf("column %s: %w", col.Name, err)
		}
		def := QuoteName(col.Name) + " " + d.SQLType(typ)
		if col.Required {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if len(primary) > 0 {
		keys := make([]string, len(primary))
		for i, p := range primary {
			keys[i] = QuoteName(p)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(keys, ", ")+")")
	}

	return d.Transaction(func(tx *gorm.DB) error {
		if err := d.ensureSchema(tx, name); err != nil {
			return err
		}
		stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", name, strings.Join(defs, ", "))
		if err := tx.Exec(stmt).Error; err != nil {
			return fmt.Errorf("error creating table %s: %w", name, err)
		}
		return nil
	})
}

func (d *DB) DropTable(name string) error {
	return d.Exec("DROP TABLE IF EXISTS " + name).Error
}

// InsertRows adds rows of native values to a table with the given
// columns.
func (d *DB) InsertRows(tx *gorm.DB, name string, columns []*rd.Column, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	types := make([]typesys.Type, len(columns))
	names := make([]string, len(columns))
	phs := make([]string, len(columns))
	for i, col := range columns {
		t, err := typesys.ParseType(col.Type)
		if err != nil {
			return fmt.Errorf("column %s: %w", col.Name, err)
		}
		types[i], names[i], phs[i] = t, QuoteName(col.Name), d.Placeholder(t)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		name, strings.Join(names, ", "), strings.Join(phs, ", "))

	for _, row := range rows {
		if len(row) != len(columns) {
			return fmt.Errorf("row with %d values for %d columns", len(row), len(columns))
		}
		args := make([]any, len(row))
		for i, v := range row {
			args[i] = d.DBValue(types[i], v)
		}
		if err := tx.Exec(stmt, args...).Error; err != nil {
			return fmt.Errorf("error inserting into %s: %w", name, err)
		}
	}
	return nil
}
