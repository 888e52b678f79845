package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reldb/pkg/dberr"
	"reldb/pkg/types"
)

func usersSchema() *types.Schema {
	return &types.Schema{
		TableName: "users",
		Columns: []types.Column{
			{Name: "id", Type: types.DataTypeInt, Nullable: false},
			{Name: "name", Type: types.DataTypeText, Nullable: true},
			{Name: "email", Type: types.DataTypeText, Nullable: true, Unique: true},
		},
		PrimaryKey: []string{"id"},
	}
}

func TestCreateTable(t *testing.T) {
	cat, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, cat.CreateTable(usersSchema()))

	schema, err := cat.GetTable("users")
	require.NoError(t, err)
	assert.Equal(t, "users", schema.TableName)
	assert.Len(t, schema.Columns, 3)

	// The implicit pkey index exists and is unique.
	indexes := cat.GetIndexesForTable("users")
	require.Len(t, indexes, 1)
	assert.Equal(t, PrimaryKeyIndexName, indexes[0].Name)
	assert.True(t, indexes[0].Unique)
	assert.Equal(t, []string{"id"}, indexes[0].Columns)

	// Statistics start empty.
	stats := cat.GetStatistics("users")
	assert.Zero(t, stats.RowCount)
}

func TestCreateTableValidation(t *testing.T) {
	cat, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cat.CreateTable(usersSchema()))

	// Duplicate name.
	err = cat.CreateTable(usersSchema())
	assert.True(t, dberr.Is(err, dberr.KindSchema), "duplicate: %v", err)

	// No primary key.
	err = cat.CreateTable(&types.Schema{
		TableName: "nopk",
		Columns:   []types.Column{{Name: "a", Type: types.DataTypeInt}},
	})
	assert.True(t, dberr.Is(err, dberr.KindSchema), "missing pk: %v", err)

	// Primary key over a missing column.
	err = cat.CreateTable(&types.Schema{
		TableName:  "badpk",
		Columns:    []types.Column{{Name: "a", Type: types.DataTypeInt}},
		PrimaryKey: []string{"ghost"},
	})
	assert.True(t, dberr.Is(err, dberr.KindSchema), "bad pk column: %v", err)
}

func TestCreateIndex(t *testing.T) {
	cat, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cat.CreateTable(usersSchema()))

	meta := &IndexMeta{Name: "idx_name", Table: "users", Columns: []string{"name"}}
	require.NoError(t, cat.CreateIndex(meta))

	indexes := cat.GetIndexesForTable("users")
	require.Len(t, indexes, 2)
	assert.Equal(t, PrimaryKeyIndexName, indexes[0].Name, "pkey stays first")
	assert.Equal(t, "users_idx_name.idx", indexes[1].FileName())

	// Unknown table, unknown column, duplicate name.
	err = cat.CreateIndex(&IndexMeta{Name: "x", Table: "ghost", Columns: []string{"a"}})
	assert.True(t, dberr.Is(err, dberr.KindSchema))
	err = cat.CreateIndex(&IndexMeta{Name: "x", Table: "users", Columns: []string{"ghost"}})
	assert.True(t, dberr.Is(err, dberr.KindSchema))
	err = cat.CreateIndex(&IndexMeta{Name: "idx_name", Table: "users", Columns: []string{"name"}})
	assert.True(t, dberr.Is(err, dberr.KindSchema))
}

func TestDropTable(t *testing.T) {
	cat, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cat.CreateTable(usersSchema()))
	require.NoError(t, cat.CreateIndex(&IndexMeta{Name: "idx_name", Table: "users", Columns: []string{"name"}}))

	require.NoError(t, cat.DropTable("users"))

	_, err = cat.GetTable("users")
	assert.True(t, dberr.Is(err, dberr.KindSchema))
	assert.Empty(t, cat.GetIndexesForTable("users"))
	assert.Empty(t, cat.ListTables())
	assert.Empty(t, cat.ListIndexes())

	err = cat.DropTable("users")
	assert.True(t, dberr.Is(err, dberr.KindSchema), "double drop: %v", err)
}

func TestCatalogReload(t *testing.T) {
	dir := t.TempDir()

	cat, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, cat.CreateTable(usersSchema()))
	require.NoError(t, cat.CreateIndex(&IndexMeta{Name: "idx_name", Table: "users", Columns: []string{"name"}, Unique: false}))

	stats := cat.GetStatistics("users")
	stats.RowCount = 42
	stats.PageCount = 3
	stats.ModCount = 7
	stats.Distinct["name"] = 40
	require.NoError(t, cat.UpdateStatistics("users", stats))

	// A fresh catalog instance sees everything the first one persisted.
	reloaded, err := Open(dir)
	require.NoError(t, err)

	schema, err := reloaded.GetTable("users")
	require.NoError(t, err)
	assert.Equal(t, usersSchema().Columns, schema.Columns)
	assert.Equal(t, []string{"id"}, schema.PrimaryKey)

	indexes := reloaded.GetIndexesForTable("users")
	require.Len(t, indexes, 2)
	assert.True(t, indexes[0].Unique)
	assert.False(t, indexes[1].Unique)

	st := reloaded.GetStatistics("users")
	assert.Equal(t, uint64(42), st.RowCount)
	assert.Equal(t, uint64(3), st.PageCount)
	assert.Equal(t, uint64(7), st.ModCount)
	assert.Equal(t, uint64(40), st.Distinct["name"])
}

func TestCatalogBadFile(t *testing.T) {
	t.Run("bad magic", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("JUNKJUNKJUNKJUNK"), 0o644))
		_, err := Open(dir)
		assert.True(t, dberr.Is(err, dberr.KindFormat), "got %v", err)
	})

	t.Run("truncated", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("CT"), 0o644))
		_, err := Open(dir)
		assert.True(t, dberr.Is(err, dberr.KindFormat), "got %v", err)
	})

	t.Run("bad version", func(t *testing.T) {
		dir := t.TempDir()
		data := append([]byte("CTLG"), 0xFF, 0, 0, 0, 0, 0, 0, 0)
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), data, 0o644))
		_, err := Open(dir)
		assert.True(t, dberr.Is(err, dberr.KindFormat), "got %v", err)
	})
}

func TestDeadTuplePercent(t *testing.T) {
	st := &TableStats{Table: "t", RowCount: 75, DeadTuples: 25}
	assert.InDelta(t, 25.0, st.DeadTuplePercent(), 0.001)

	empty := &TableStats{Table: "t"}
	assert.Zero(t, empty.DeadTuplePercent())
}

func TestDropIndex(t *testing.T) {
	cat, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cat.CreateTable(usersSchema()))
	require.NoError(t, cat.CreateIndex(&IndexMeta{Name: "idx_name", Table: "users", Columns: []string{"name"}}))

	require.NoError(t, cat.DropIndex("users", "idx_name"))
	assert.Len(t, cat.GetIndexesForTable("users"), 1)

	err = cat.DropIndex("users", "idx_name")
	assert.True(t, dberr.Is(err, dberr.KindSchema))
}
