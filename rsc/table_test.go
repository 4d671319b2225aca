package rsc

import (
	"path/filepath"
	"testing"

	"vo_platform/rd"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testDef() *TableDef {
	return NewTableDef("objects", []*rd.Column{
		{Name: "id", Type: "integer"},
		{Name: "ra", Type: "double precision", Unit: "deg"},
		{Name: "name", Type: "text"},
	})
}

func TestTruncate(t *testing.T) {
	table := New(testDef())
	for i := 0; i < 3; i++ {
		require.NoError(t, table.AddRow([]any{int64(i), float64(i), "x"}))
	}
	require.Error(t, table.AddRow([]any{int64(1)}))

	table.Truncate(3)
	assert.False(t, table.Overflowed)
	assert.Equal(t, 3, table.Len())

	table.Truncate(2)
	assert.True(t, table.Overflowed)
	assert.Equal(t, 2, table.Len())

	ids, err := table.ColumnValues("ID")
	require.NoError(t, err)
	assert.Equal(t, []any{int64(0), int64(1)}, ids)
}

func TestParamValue(t *testing.T) {
	def := testDef()
	epoch := &rd.Param{Column: rd.Column{Name: "epoch", Type: "double precision"}, Value: "2000.0"}
	def.Params = append(def.Params, epoch)
	table := New(def)

	v, err := table.ParamValue(epoch)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, v)

	table.SetParam("epoch", 1950.0)
	v, err = table.ParamValue(epoch)
	require.NoError(t, err)
	assert.Equal(t, 1950.0, v)
}

func TestScanRows(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Exec("CREATE TABLE objects (id INTEGER, ra REAL, name TEXT)").Error)
	require.NoError(t, db.Exec("INSERT INTO objects VALUES (1, 10.5, 'a'), (2, NULL, 'b'), (3, 12.5, NULL)").Error)

	for _, tc := range []struct {
		limit      int
		rows       int
		overflowed bool
	}{
		{limit: -1, rows: 3},
		{limit: 3, rows: 3},
		{limit: 2, rows: 2, overflowed: true},
		{limit: 0, rows: 0, overflowed: true},
	} {
		rows, err := db.Raw("SELECT id, ra, name FROM objects ORDER BY id").Rows()
		require.NoError(t, err)
		table, err := ScanRows(rows, testDef(), tc.limit)
		rows.Close()
		require.NoError(t, err)
		assert.Equal(t, tc.rows, table.Len(), "limit %d", tc.limit)
		assert.Equal(t, tc.overflowed, table.Overflowed, "limit %d", tc.limit)
	}

	rows, err := db.Raw("SELECT id, ra, name FROM objects ORDER BY id").Rows()
	require.NoError(t, err)
	defer rows.Close()
	table, err := ScanRows(rows, testDef(), -1)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), 10.5, "a"}, table.Rows[0])
	assert.Nil(t, table.Rows[1][1])
	assert.Nil(t, table.Rows[2][2])
}
