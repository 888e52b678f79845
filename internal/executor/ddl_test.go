package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reldb/pkg/dberr"
	"reldb/pkg/types"
)

func TestAlterAddColumn(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	insertUser(t, e, 1, "a")
	insertUser(t, e, 2, "b")

	_, err := e.Execute(&AlterAddColumnCmd{
		Table:  "t",
		Column: types.Column{Name: "email", Type: types.DataTypeText, Nullable: true},
	})
	require.NoError(t, err)

	// Existing rows read back with the new column as NULL.
	res, err := e.Execute(&SelectCmd{Table: "t", Columns: []string{"*"}, OrderBy: []OrderItem{{Column: "id"}}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	require.Len(t, res.Rows[0], 3)
	assert.True(t, res.Rows[0][2].Null)

	// New rows can fill it.
	_, err = e.Execute(&InsertCmd{
		Table:  "t",
		Values: []types.Value{types.NewInt(3), types.NewText("c"), types.NewText("c@x")},
	})
	require.NoError(t, err)

	res, err = e.Execute(&SelectCmd{
		Table: "t", Columns: []string{"email"},
		Where: &BinaryOp{Op: OpEq, Left: &ColumnRef{Name: "id"}, Right: &Literal{Value: types.NewInt(3)}},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "c@x", res.Rows[0][0].Text)
}

func TestAlterAddColumnRejections(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	insertUser(t, e, 1, "a")

	// NOT NULL onto existing rows.
	_, err := e.Execute(&AlterAddColumnCmd{
		Table:  "t",
		Column: types.Column{Name: "status", Type: types.DataTypeText, Nullable: false},
	})
	assert.True(t, dberr.Is(err, dberr.KindConstraint), "got %v", err)

	// Duplicate name.
	_, err = e.Execute(&AlterAddColumnCmd{
		Table:  "t",
		Column: types.Column{Name: "n", Type: types.DataTypeText, Nullable: true},
	})
	assert.True(t, dberr.Is(err, dberr.KindSchema), "got %v", err)
}

func TestAlterAddUniqueColumn(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	insertUser(t, e, 1, "a")

	_, err := e.Execute(&AlterAddColumnCmd{
		Table:  "t",
		Column: types.Column{Name: "handle", Type: types.DataTypeText, Nullable: true, Unique: true},
	})
	require.NoError(t, err)

	_, err = e.catalog.GetIndex("t", "handle_key")
	require.NoError(t, err, "UNIQUE column gets an enforcement index")

	_, err = e.Execute(&InsertCmd{Table: "t", Values: []types.Value{types.NewInt(2), types.NewText("b"), types.NewText("dup")}})
	require.NoError(t, err)
	_, err = e.Execute(&InsertCmd{Table: "t", Values: []types.Value{types.NewInt(3), types.NewText("c"), types.NewText("dup")}})
	assert.True(t, dberr.Is(err, dberr.KindConstraint), "got %v", err)
}

func TestAlterDropColumn(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	insertUser(t, e, 1, "a")
	insertUser(t, e, 2, "b")

	_, err := e.Execute(&CreateIndexCmd{Index: "idx_n", Table: "t", Columns: []string{"n"}})
	require.NoError(t, err)

	_, err = e.Execute(&AlterDropColumnCmd{Table: "t", Column: "n"})
	require.NoError(t, err)

	// Schema shrank, data survived, the dependent index is gone.
	res, err := e.Execute(&SelectCmd{Table: "t", Columns: []string{"*"}, OrderBy: []OrderItem{{Column: "id"}}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	require.Len(t, res.Rows[0], 1)
	assert.Equal(t, []string{"id"}, res.Columns)

	_, err = e.catalog.GetIndex("t", "idx_n")
	assert.True(t, dberr.Is(err, dberr.KindSchema))

	// The pkey index was rebuilt against the new ctids.
	res, err = e.Execute(&SelectCmd{
		Table: "t", Columns: []string{"id"},
		Where: &BinaryOp{Op: OpEq, Left: &ColumnRef{Name: "id"}, Right: &Literal{Value: types.NewInt(2)}},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
}

func TestAlterDropColumnRejections(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)

	_, err := e.Execute(&AlterDropColumnCmd{Table: "t", Column: "id"})
	assert.True(t, dberr.Is(err, dberr.KindSchema), "dropping pk column: %v", err)

	_, err = e.Execute(&AlterDropColumnCmd{Table: "t", Column: "ghost"})
	assert.True(t, dberr.Is(err, dberr.KindSchema), "dropping missing column: %v", err)
}

func TestAlterRenameColumn(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	insertUser(t, e, 1, "a")

	_, err := e.Execute(&AlterRenameColumnCmd{Table: "t", From: "n", To: "name"})
	require.NoError(t, err)

	res, err := e.Execute(&SelectCmd{Table: "t", Columns: []string{"name"}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "a", res.Rows[0][0].Text)

	_, err = e.Execute(&SelectCmd{Table: "t", Columns: []string{"n"}})
	assert.True(t, dberr.Is(err, dberr.KindSchema), "old name still resolves: %v", err)

	// Renaming a pk column updates the primary-key list too.
	_, err = e.Execute(&AlterRenameColumnCmd{Table: "t", From: "id", To: "uid"})
	require.NoError(t, err)
	schema, err := e.catalog.GetTable("t")
	require.NoError(t, err)
	assert.Equal(t, []string{"uid"}, schema.PrimaryKey)
	meta, err := e.catalog.GetIndex("t", "pkey")
	require.NoError(t, err)
	assert.Equal(t, []string{"uid"}, meta.Columns)

	// Index scans keep working through the renamed column.
	res, err = e.Execute(&SelectCmd{
		Table: "t", Columns: []string{"name"},
		Where: &BinaryOp{Op: OpEq, Left: &ColumnRef{Name: "uid"}, Right: &Literal{Value: types.NewInt(1)}},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
}

func TestAlterRenameRejections(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)

	_, err := e.Execute(&AlterRenameColumnCmd{Table: "t", From: "ghost", To: "x"})
	assert.True(t, dberr.Is(err, dberr.KindSchema))

	_, err = e.Execute(&AlterRenameColumnCmd{Table: "t", From: "n", To: "id"})
	assert.True(t, dberr.Is(err, dberr.KindSchema), "rename onto existing column: %v", err)
}

func TestCreateUniqueIndexPopulateFailure(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	insertUser(t, e, 1, "same")
	insertUser(t, e, 2, "same")

	_, err := e.Execute(&CreateIndexCmd{Index: "idx_n", Table: "t", Columns: []string{"n"}, Unique: true})
	assert.True(t, dberr.Is(err, dberr.KindConstraint), "got %v", err)

	// The half-built index was abandoned: not in the catalog, file removed.
	_, err = e.catalog.GetIndex("t", "idx_n")
	assert.True(t, dberr.Is(err, dberr.KindSchema))
}

func TestDDLRejectedInsideTransaction(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)

	_, err := e.Execute(&BeginCmd{})
	require.NoError(t, err)

	_, err = e.Execute(&DropTableCmd{Table: "t"})
	assert.True(t, dberr.Is(err, dberr.KindTransaction), "got %v", err)
	_, err = e.Execute(&AlterAddColumnCmd{Table: "t", Column: types.Column{Name: "x", Type: types.DataTypeInt, Nullable: true}})
	assert.True(t, dberr.Is(err, dberr.KindTransaction), "got %v", err)

	_, err = e.Execute(&RollbackCmd{})
	require.NoError(t, err)
}

func TestCreateIndexTruncationCollision(t *testing.T) {
	e := newTestExecutor(t)
	createUsers(t, e)
	insertUser(t, e, 1, "abcdefghij1")

	_, err := e.Execute(&CreateIndexCmd{Index: "idx_n", Table: "t", Columns: []string{"n"}, Unique: true})
	require.NoError(t, err)

	// Differs only beyond the truncation prefix: collides in the index.
	_, err = e.Execute(&InsertCmd{Table: "t", Values: []types.Value{types.NewInt(2), types.NewText("abcdefghij2")}})
	assert.True(t, dberr.Is(err, dberr.KindConstraint), "got %v", err)

	// The failed insert left no orphan: the heap has one row and the pkey
	// index resolves only id 1.
	res, err := e.Execute(&SelectCmd{Table: "t", Columns: []string{"*"}})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 1)
}
