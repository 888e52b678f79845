package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reldb/internal/config"
	"reldb/internal/executor"
	"reldb/pkg/dberr"
	"reldb/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.LockTimeout = 500 * time.Millisecond
	cfg.AutoAnalyzeThreshold = 0
	cfg.AutoVacuumDeadPercent = 0
	return cfg
}

func TestOpenClose(t *testing.T) {
	cfg := testConfig(t)
	eng, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)

	// The lock sentinel exists while the session runs and stays zero-byte.
	info, err := os.Stat(filepath.Join(cfg.DataDir, LockFileName))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	require.NoError(t, eng.Close())
	info, err = os.Stat(filepath.Join(cfg.DataDir, LockFileName))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestLockContention(t *testing.T) {
	cfg := testConfig(t)
	eng, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	defer eng.Close()

	second := *cfg
	second.LockTimeout = 200 * time.Millisecond
	start := time.Now()
	_, err = Open(&second, zap.NewNop())
	require.Error(t, err)
	assert.True(t, dberr.Is(err, dberr.KindIO), "got %v", err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "gave up without retrying")
	assert.Less(t, time.Since(start), 2*time.Second, "kept retrying past the timeout")
}

func TestLockReleasedAfterClose(t *testing.T) {
	cfg := testConfig(t)
	eng, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Close())

	eng2, err := Open(cfg, zap.NewNop())
	require.NoError(t, err, "lock must be reacquirable after Close")
	require.NoError(t, eng2.Close())
}

func TestPersistenceAcrossSessions(t *testing.T) {
	cfg := testConfig(t)

	eng, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)

	_, err = eng.Execute(&executor.CreateTableCmd{
		Table: "notes",
		Columns: []types.Column{
			{Name: "id", Type: types.DataTypeInt, Nullable: false},
			{Name: "body", Type: types.DataTypeText, Nullable: true},
		},
		PrimaryKey: []string{"id"},
	})
	require.NoError(t, err)
	for i := int32(1); i <= 10; i++ {
		_, err = eng.Execute(&executor.InsertCmd{
			Table:  "notes",
			Values: []types.Value{types.NewInt(i), types.NewText("note")},
		})
		require.NoError(t, err)
	}
	require.NoError(t, eng.Close())

	// A new session sees the catalog, the rows, and a working pkey index.
	eng2, err := Open(cfg, zap.NewNop())
	require.NoError(t, err)
	defer eng2.Close()

	res, err := eng2.Execute(&executor.SelectCmd{Table: "notes", Columns: []string{"*"}})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 10)

	res, err = eng2.Execute(&executor.SelectCmd{
		Table:   "notes",
		Columns: []string{"body"},
		Where: &executor.BinaryOp{
			Op:    executor.OpEq,
			Left:  &executor.ColumnRef{Name: "id"},
			Right: &executor.Literal{Value: types.NewInt(7)},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "note", res.Rows[0][0].Text)
}

func TestCorruptCatalogAbortsStartup(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.DataDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, "catalog.dat"), []byte("garbagegarbage"), 0o644))

	_, err := Open(cfg, zap.NewNop())
	assert.True(t, dberr.Is(err, dberr.KindFormat), "got %v", err)

	// The failed open must not leave the directory locked.
	fixed := *cfg
	require.NoError(t, os.Remove(filepath.Join(cfg.DataDir, "catalog.dat")))
	eng, err := Open(&fixed, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Close())
}
