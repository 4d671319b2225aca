package tap

import (
	"fmt"
	"log/slog"
	"strings"

	"vo_platform/rd"
	"vo_platform/schema"
	"vo_platform/svcs"
	"vo_platform/typesys"
	"vo_platform/utils/logging"

	"gorm.io/gorm"
)

const tapRD = "//tap"

var tapSchemaTables = []string{"tables", "columns", "keys", "key_columns"}

type tapSchema struct {
	db     *schema.DB
	tables map[string]*rd.Table
}

func loadTAPSchema(env *svcs.Env) (*tapSchema, error) {
	r, err := env.Loader.Load(tapRD)
	if err != nil {
		return nil, err
	}
	ts := &tapSchema{db: env.DB, tables: map[string]*rd.Table{}}
	for _, id := range append([]string{"schemas"}, tapSchemaTables...) {
		t, err := r.Table(id)
		if err != nil {
			return nil, err
		}
		ts.tables[id] = t
	}
	return ts, nil
}

func (ts *tapSchema) dbName(id string) string {
	return ts.db.Dialect.TableName(ts.tables[id].QName())
}

func (ts *tapSchema) insert(tx *gorm.DB, id string, rows [][]any) error {
	return ts.db.InsertRows(tx, ts.dbName(id), ts.tables[id].Columns, rows)
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func columnRows(t *rd.Table, sourceRD string) ([][]any, error) {
	indexed := map[string]bool{}
	for _, idx := range t.Indices {
		if len(idx.Columns) > 0 {
			indexed[strings.ToLower(idx.Columns[0])] = true
		}
	}
	for _, p := range t.Primary {
		indexed[strings.ToLower(p)] = true
	}

	var rows [][]any
	for i, c := range t.Columns {
		typ, err := typesys.ParseType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s of %s: %w", c.Name, t.QName(), err)
		}
		vt := typesys.ToVOTable(typ)
		var size any
		if typ.Length > 0 {
			size = int64(typ.Length)
		}
		rows = append(rows, []any{
			t.QName(), c.Name, c.Description, c.Unit, c.UCD, c.Utype,
			typesys.ADQLType(typ), vt.Arraysize, vt.XType, size,
			boolInt(c.VerbLevel <= 10), boolInt(indexed[strings.ToLower(c.Name)]),
			int64(0), int64(i), sourceRD,
		})
	}
	return rows, nil
}

// PublishTables writes the table catalog of r: dc.tablemeta for all its
// on-disk tables and TAP_SCHEMA for those with ADQL access. Earlier
// entries of r are replaced.
func PublishTables(env *svcs.Env, r *rd.RD) error {
	ts, err := loadTAPSchema(env)
	if err != nil {
		return err
	}

	var meta []schema.TableMeta
	var adqlTables []*rd.Table
	for _, t := range r.Tables {
		if !t.OnDisk {
			continue
		}
		meta = append(meta, schema.TableMeta{
			TableName:   t.QName(),
			Description: t.Meta.Get("description"),
			ResDir:      r.ResDir,
			Adql:        t.IsADQL(),
		})
		if t.IsADQL() {
			adqlTables = append(adqlTables, t)
		}
	}

	err = env.DB.Transaction(func(tx *gorm.DB) error {
		for _, id := range tapSchemaTables {
			if err := tx.Exec("DELETE FROM "+ts.dbName(id)+" WHERE sourcerd = ?", r.ID).Error; err != nil {
				return fmt.Errorf("error clearing %s: %w", id, err)
			}
		}

		schemas := map[string]bool{}
		for i, t := range adqlTables {
			schemaName := strings.SplitN(t.QName(), ".", 2)[0]
			schemas[schemaName] = true
			if err := ts.insert(tx, "tables", [][]any{{
				schemaName, t.QName(), "table", t.Meta.Get("description"), t.Meta.Get("utype"), int64(i), r.ID,
			}}); err != nil {
				return err
			}
			rows, err := columnRows(t, r.ID)
			if err != nil {
				return err
			}
			if err := ts.insert(tx, "columns", rows); err != nil {
				return err
			}
			if err := insertKeys(tx, ts, t, r.ID); err != nil {
				return err
			}
		}

		for name := range schemas {
			var n int64
			if err := tx.Table(ts.dbName("schemas")).Where("schema_name = ?", name).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				if err := ts.insert(tx, "schemas", [][]any{{name, r.Meta.Get("description"), nil, nil}}); err != nil {
					return err
				}
			}
		}
		return tx.Exec("DELETE FROM " + ts.dbName("schemas") +
			" WHERE schema_name NOT IN (SELECT DISTINCT schema_name FROM " + ts.dbName("tables") + ")").Error
	})
	if err != nil {
		slog.Error("error publishing tap_schema", "code", logging.RD_PUBLISH, "rd", r.ID, "error", err)
		return schema.ErrDbAccessFailed
	}

	if err := schema.SetTableMeta(env.DB.DB, r.ID, meta); err != nil {
		return err
	}
	slog.Info("published tables", "code", logging.RD_PUBLISH, "rd", r.ID, "tables", len(meta), "adql", len(adqlTables))
	return nil
}

func insertKeys(tx *gorm.DB, ts *tapSchema, t *rd.Table, sourceRD string) error {
	for i, fk := range t.ForeignKeys {
		target, ok := fk.InTable.Target.(*rd.Table)
		if !ok {
			continue
		}
		keyID := fmt.Sprintf("%s-%d", t.QName(), i)
		if err := ts.insert(tx, "keys", [][]any{{keyID, t.QName(), target.QName(), nil, nil, sourceRD}}); err != nil {
			return err
		}
		dest := fk.Dest
		if len(dest) == 0 {
			dest = fk.Source
		}
		var rows [][]any
		for j, src := range fk.Source {
			if j < len(dest) {
				rows = append(rows, []any{keyID, src, dest[j], sourceRD})
			}
		}
		if err := ts.insert(tx, "key_columns", rows); err != nil {
			return err
		}
	}
	return nil
}

// UnpublishTables removes all catalog entries of an RD.
func UnpublishTables(env *svcs.Env, rdID string) error {
	ts, err := loadTAPSchema(env)
	if err != nil {
		return err
	}
	err = env.DB.Transaction(func(tx *gorm.DB) error {
		for _, id := range tapSchemaTables {
			if err := tx.Exec("DELETE FROM "+ts.dbName(id)+" WHERE sourcerd = ?", rdID).Error; err != nil {
				return err
			}
		}
		return tx.Exec("DELETE FROM " + ts.dbName("schemas") +
			" WHERE schema_name NOT IN (SELECT DISTINCT schema_name FROM " + ts.dbName("tables") + ")").Error
	})
	if err != nil {
		slog.Error("error unpublishing tap_schema", "code", logging.RD_PUBLISH, "rd", rdID, "error", err)
		return schema.ErrDbAccessFailed
	}
	return schema.SetTableMeta(env.DB.DB, rdID, nil)
}
