// Package tap implements the Table Access Protocol: synchronous and
// asynchronous ADQL queries, table uploads and the TAP metadata
// endpoints.
package tap

import (
	"fmt"
	"log/slog"
	"strings"

	"vo_platform/adql"
	"vo_platform/rd"
	"vo_platform/schema"
	"vo_platform/svcs"
	"vo_platform/utils/logging"
)

// PublishedTables returns the definitions of the tables published for
// ADQL, in table name order. Tables whose RD no longer loads are skipped.
func PublishedTables(env *svcs.Env) ([]*rd.Table, error) {
	entries, err := schema.ListTableMeta(env.DB.DB, true)
	if err != nil {
		return nil, err
	}
	var tables []*rd.Table
	for _, e := range entries {
		t, err := tableDef(env, e)
		if err != nil {
			slog.Warn("published table unavailable", "code", logging.RD_LOAD, "table", e.TableName, "rd", e.SourceRD, "error", err)
			continue
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func tableDef(env *svcs.Env, e schema.TableMeta) (*rd.Table, error) {
	r, err := env.Loader.Load(e.SourceRD)
	if err != nil {
		return nil, err
	}
	_, id, ok := strings.Cut(e.TableName, ".")
	if !ok {
		return nil, fmt.Errorf("table name %s is not qualified", e.TableName)
	}
	return r.Table(id)
}

// BuildCatalog makes the catalog ADQL queries are resolved against.
func BuildCatalog(env *svcs.Env) (adql.MapCatalog, error) {
	tables, err := PublishedTables(env)
	if err != nil {
		return nil, err
	}
	cat := adql.MapCatalog{}
	for _, t := range tables {
		cat.Add(t, env.DB.Dialect)
	}
	return cat, nil
}
