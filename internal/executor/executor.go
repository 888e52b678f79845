package executor

import (
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"reldb/internal/btree"
	"reldb/internal/buffer"
	"reldb/internal/catalog"
	"reldb/internal/config"
	"reldb/internal/heap"
	"reldb/pkg/dberr"
	"reldb/pkg/types"
)

// Executor runs command records against the catalog, heap files, and
// indexes. Heap and index handles are memoised per table to avoid repeated
// header reparses; all page traffic flows through the shared buffer pool.
type Executor struct {
	dataDir string
	cfg     *config.Config
	log     *zap.Logger

	catalog *catalog.Catalog
	pool    *buffer.Pool

	heaps   map[string]*heap.File
	indexes map[string]*btree.Tree

	txn *transaction // nil while idle
}

// New builds an executor over an opened catalog and pool.
func New(dataDir string, cfg *config.Config, cat *catalog.Catalog, pool *buffer.Pool, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		dataDir: dataDir,
		cfg:     cfg,
		log:     log,
		catalog: cat,
		pool:    pool,
		heaps:   make(map[string]*heap.File),
		indexes: make(map[string]*btree.Tree),
	}
}

// Catalog exposes the catalog for read-only inspection.
func (e *Executor) Catalog() *catalog.Catalog { return e.catalog }

// PoolStats exposes buffer pool statistics.
func (e *Executor) PoolStats() buffer.Stats { return e.pool.Stats() }

// InTransaction reports whether a transaction is active.
func (e *Executor) InTransaction() bool { return e.txn != nil }

// Execute dispatches one command.
func (e *Executor) Execute(cmd Command) (*Result, error) {
	if e.txn != nil && e.txn.poisoned && isWrite(cmd) {
		return nil, dberr.New(dberr.KindTransaction,
			"current transaction is aborted, commands ignored until ROLLBACK")
	}

	res, err := e.dispatch(cmd)
	if err != nil && e.txn != nil {
		switch cmd.(type) {
		case *BeginCmd, *CommitCmd, *RollbackCmd:
		default:
			e.txn.poisoned = true
		}
	}
	if err != nil {
		e.log.Debug("statement failed", zap.String("command", commandName(cmd)), zap.Error(err))
	}
	return res, err
}

func (e *Executor) dispatch(cmd Command) (*Result, error) {
	switch c := cmd.(type) {
	case *CreateTableCmd:
		return e.executeCreateTable(c)
	case *CreateIndexCmd:
		return e.executeCreateIndex(c)
	case *DropTableCmd:
		return e.executeDropTable(c)
	case *InsertCmd:
		return e.executeInsert(c)
	case *SelectCmd:
		return e.executeSelect(c)
	case *UpdateCmd:
		return e.executeUpdate(c)
	case *DeleteCmd:
		return e.executeDelete(c)
	case *ExplainCmd:
		return e.executeExplain(c)
	case *AnalyzeCmd:
		return e.executeAnalyze(c)
	case *VacuumCmd:
		return e.executeVacuum(c)
	case *BeginCmd:
		return e.executeBegin()
	case *CommitCmd:
		return e.executeCommit()
	case *RollbackCmd:
		return e.executeRollback()
	case *AlterAddColumnCmd:
		return e.executeAlterAdd(c)
	case *AlterDropColumnCmd:
		return e.executeAlterDrop(c)
	case *AlterRenameColumnCmd:
		return e.executeAlterRename(c)
	default:
		return nil, dberr.New(dberr.KindSyntax, "unknown command type %T", cmd)
	}
}

func isWrite(cmd Command) bool {
	switch cmd.(type) {
	case *SelectCmd, *ExplainCmd, *BeginCmd, *CommitCmd, *RollbackCmd:
		return false
	}
	return true
}

func commandName(cmd Command) string {
	return fmt.Sprintf("%T", cmd)
}

// Close flushes the buffer pool and persists the catalog.
func (e *Executor) Close() error {
	if err := e.pool.FlushAll(); err != nil {
		return err
	}
	return e.catalog.Save()
}

// ----------------------------------------------------------------------------
// INSERT

func (e *Executor) executeInsert(cmd *InsertCmd) (*Result, error) {
	schema, err := e.catalog.GetTable(cmd.Table)
	if err != nil {
		return nil, err
	}

	values, err := e.buildRow(schema, cmd.Columns, cmd.Values)
	if err != nil {
		return nil, err
	}
	if err := checkNotNull(schema, values); err != nil {
		return nil, err
	}

	// Primary-key uniqueness, checked against the pkey index before any
	// write happens.
	pkIndex, err := e.getIndexByName(cmd.Table, catalog.PrimaryKeyIndexName)
	if err != nil {
		return nil, err
	}
	pkKey := projectKey(values, schema, pkIndex.KeyColumns())
	if _, found, err := pkIndex.Search(pkKey); err != nil {
		return nil, err
	} else if found {
		return nil, dberr.New(dberr.KindConstraint, "duplicate primary key %v", pkKey)
	}

	hf, err := e.getHeap(cmd.Table)
	if err != nil {
		return nil, err
	}
	tid, err := hf.Insert(values)
	if err != nil {
		return nil, err
	}

	// Every index gets the new entry. If any insert fails, the heap record
	// and the entries already written are reversed so heap and indexes never
	// disagree.
	metas := e.catalog.GetIndexesForTable(cmd.Table)
	for i, meta := range metas {
		idx, err := e.getIndex(meta)
		if err == nil {
			err = idx.Insert(projectKey(values, schema, meta.Columns), tid)
		}
		if err != nil {
			for _, done := range metas[:i] {
				if prev, gerr := e.getIndex(done); gerr == nil {
					_ = prev.Delete(projectKey(values, schema, done.Columns))
				}
			}
			_ = hf.Delete(tid)
			return nil, err
		}
	}

	e.recordUndo(&undoInsert{table: cmd.Table, tid: tid})

	stats := e.catalog.GetStatistics(cmd.Table)
	stats.RowCount++
	stats.ModCount++
	if err := e.catalog.UpdateStatistics(cmd.Table, stats); err != nil {
		return nil, err
	}
	if err := e.maybeAutoAnalyze(cmd.Table); err != nil {
		return nil, err
	}

	return &Result{Message: "Inserted 1 row"}, nil
}

// buildRow maps provided values onto the full column list. Unspecified
// columns become NULL when nullable.
func (e *Executor) buildRow(schema *types.Schema, columns []string, values []types.Value) (types.Row, error) {
	if columns == nil {
		if len(values) != len(schema.Columns) {
			return nil, dberr.New(dberr.KindSchema,
				"value count (%d) does not match column count (%d)", len(values), len(schema.Columns))
		}
		row := make(types.Row, len(values))
		for i, col := range schema.Columns {
			v, err := coerce(values[i], col)
			if err != nil {
				return nil, err
			}
			row[i] = v
		}
		return row, nil
	}

	if len(values) != len(columns) {
		return nil, dberr.New(dberr.KindSchema,
			"value count (%d) does not match specified column count (%d)", len(values), len(columns))
	}
	row := make(types.Row, len(schema.Columns))
	for i, col := range schema.Columns {
		pos := -1
		for j, name := range columns {
			if name == col.Name {
				pos = j
				break
			}
		}
		if pos < 0 {
			if !schema.Nullable(i) {
				return nil, dberr.New(dberr.KindConstraint, "column '%s' cannot be NULL", col.Name)
			}
			row[i] = types.NewNull(col.Type)
			continue
		}
		v, err := coerce(values[pos], col)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	for _, name := range columns {
		if _, ok := schema.Column(name); !ok {
			return nil, dberr.New(dberr.KindSchema,
				"column '%s' not found in table '%s'", name, schema.TableName)
		}
	}
	return row, nil
}

// ----------------------------------------------------------------------------
// SELECT

func (e *Executor) executeSelect(cmd *SelectCmd) (*Result, error) {
	schema, err := e.catalog.GetTable(cmd.Table)
	if err != nil {
		return nil, err
	}

	scanned, _, err := e.fetchRows(cmd.Table, schema, cmd.Where)
	if err != nil {
		return nil, err
	}

	filtered := make([]types.Row, 0, len(scanned))
	for _, sr := range scanned {
		if cmd.Where != nil {
			match, err := evalTruth(cmd.Where, sr.Row, schema)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}
		filtered = append(filtered, sr.Row)
	}

	if len(cmd.OrderBy) > 0 {
		if err := orderRows(filtered, schema, cmd.OrderBy); err != nil {
			return nil, err
		}
	}

	if cmd.Offset != nil {
		off := *cmd.Offset
		if off > len(filtered) {
			off = len(filtered)
		}
		if off > 0 {
			filtered = filtered[off:]
		}
	}
	if cmd.Limit != nil && *cmd.Limit < len(filtered) {
		filtered = filtered[:*cmd.Limit]
	}

	return e.project(schema, cmd.Columns, filtered)
}

func (e *Executor) project(schema *types.Schema, columns []string, rows []types.Row) (*Result, error) {
	all := len(columns) == 0 || (len(columns) == 1 && columns[0] == "*")
	if all {
		names := make([]string, len(schema.Columns))
		for i, col := range schema.Columns {
			names[i] = col.Name
		}
		return &Result{Columns: names, Rows: rows}, nil
	}

	idxs := make([]int, len(columns))
	for i, name := range columns {
		idx, ok := schema.ColumnIndex(name)
		if !ok {
			return nil, dberr.New(dberr.KindSchema,
				"column '%s' not found in table '%s'", name, schema.TableName)
		}
		idxs[i] = idx
	}
	out := make([]types.Row, len(rows))
	for i, row := range rows {
		proj := make(types.Row, len(idxs))
		for j, idx := range idxs {
			proj[j] = row[idx]
		}
		out[i] = proj
	}
	return &Result{Columns: append([]string(nil), columns...), Rows: out}, nil
}

// orderRows sorts in place by the ORDER BY list: NULLs last for ASC, first
// for DESC, natural ordering with a direction flag otherwise.
func orderRows(rows []types.Row, schema *types.Schema, orderBy []OrderItem) error {
	idxs := make([]int, len(orderBy))
	for i, item := range orderBy {
		idx, ok := schema.ColumnIndex(item.Column)
		if !ok {
			return dberr.New(dberr.KindSchema,
				"column '%s' not found in table '%s'", item.Column, schema.TableName)
		}
		idxs[i] = idx
	}
	sort.SliceStable(rows, func(a, b int) bool {
		for i, item := range orderBy {
			c := compareNullsLast(rows[a][idxs[i]], rows[b][idxs[i]])
			if item.Desc {
				c = -c
			}
			if c != 0 {
				return c < 0
			}
		}
		return false
	})
	return nil
}

func compareNullsLast(a, b types.Value) int {
	switch {
	case a.Null && b.Null:
		return 0
	case a.Null:
		return 1
	case b.Null:
		return -1
	default:
		return types.Compare(a, b)
	}
}

// ----------------------------------------------------------------------------
// Scan-method selection

type scanChoice struct {
	index *catalog.IndexMeta
	op    string
	value types.Value
}

// chooseScan inspects the top of the WHERE tree: a comparison whose left
// side is a column covered by some index as its first key column picks an
// index scan; anything else scans sequentially.
func (e *Executor) chooseScan(table string, where Expr) *scanChoice {
	bin, ok := where.(*BinaryOp)
	if !ok || !comparisonOps[bin.Op] {
		return nil
	}
	col, ok := bin.Left.(*ColumnRef)
	if !ok {
		return nil
	}
	lit, ok := bin.Right.(*Literal)
	if !ok {
		return nil
	}
	for _, meta := range e.catalog.GetIndexesForTable(table) {
		if meta.Columns[0] == col.Name {
			return &scanChoice{index: meta, op: bin.Op, value: lit.Value}
		}
	}
	return nil
}

// fetchRows returns candidate rows via the chosen access path. Index paths
// may return a superset of matches (range bounds are inclusive); the caller
// re-applies the full predicate.
func (e *Executor) fetchRows(table string, schema *types.Schema, where Expr) ([]heap.ScannedRow, string, error) {
	hf, err := e.getHeap(table)
	if err != nil {
		return nil, "", err
	}

	choice := (*scanChoice)(nil)
	if where != nil {
		choice = e.chooseScan(table, where)
	}
	if choice == nil {
		rows, err := hf.ScanAll()
		return rows, "sequential", err
	}

	idx, err := e.getIndex(choice.index)
	if err != nil {
		return nil, "", err
	}
	key := btree.NewKey(choice.value)
	// A one-component bound sorts before every longer key that starts with
	// it, so a composite index gets no upper bound.
	var hi btree.Key
	if len(choice.index.Columns) == 1 {
		hi = key
	}

	var tids []types.TupleID
	switch choice.op {
	case OpEq:
		if !choice.index.Unique || hi == nil {
			// Several entries can share the value: walk all of them.
			tids, err = idx.Range(key, hi)
			break
		}
		tid, found, err := idx.Search(key)
		if err != nil {
			return nil, "", err
		}
		if found {
			tids = append(tids, tid)
		}
	case OpLt, OpLe:
		tids, err = idx.Range(nil, hi)
	case OpGt, OpGe:
		tids, err = idx.Range(key, nil)
	}
	if err != nil {
		return nil, "", err
	}

	var out []heap.ScannedRow
	for _, tid := range tids {
		row, err := hf.Read(tid)
		if err != nil {
			if dberr.Is(err, dberr.KindNotFound) {
				continue
			}
			return nil, "", err
		}
		out = append(out, heap.ScannedRow{Row: row, TID: tid})
	}
	return out, "index", nil
}

// ----------------------------------------------------------------------------
// UPDATE

func (e *Executor) executeUpdate(cmd *UpdateCmd) (*Result, error) {
	schema, err := e.catalog.GetTable(cmd.Table)
	if err != nil {
		return nil, err
	}
	for _, a := range cmd.Assignments {
		if _, ok := schema.Column(a.Column); !ok {
			return nil, dberr.New(dberr.KindSchema,
				"column '%s' not found in table '%s'", a.Column, cmd.Table)
		}
	}

	matches, err := e.matchRows(cmd.Table, schema, cmd.Where)
	if err != nil {
		return nil, err
	}

	hf, err := e.getHeap(cmd.Table)
	if err != nil {
		return nil, err
	}
	metas := e.catalog.GetIndexesForTable(cmd.Table)

	for _, m := range matches {
		newValues := m.Row.Clone()
		for _, a := range cmd.Assignments {
			idx, _ := schema.ColumnIndex(a.Column)
			v, err := evaluate(a.Value, m.Row, schema)
			if err != nil {
				return nil, err
			}
			coerced, err := coerce(v, schema.Columns[idx])
			if err != nil {
				return nil, err
			}
			newValues[idx] = coerced
		}
		if err := checkNotNull(schema, newValues); err != nil {
			return nil, err
		}

		// A changed primary key must stay unique.
		oldPK := projectKey(m.Row, schema, schema.PrimaryKey)
		newPK := projectKey(newValues, schema, schema.PrimaryKey)
		if btree.CompareKeys(oldPK, newPK) != 0 {
			pkIndex, err := e.getIndexByName(cmd.Table, catalog.PrimaryKeyIndexName)
			if err != nil {
				return nil, err
			}
			if _, found, err := pkIndex.Search(newPK); err != nil {
				return nil, err
			} else if found {
				return nil, dberr.New(dberr.KindConstraint, "duplicate primary key %v", newPK)
			}
		}

		// Delete-then-insert: the row gets a fresh ctid, and every index is
		// rewritten whether or not its key changed.
		for _, meta := range metas {
			idx, err := e.getIndex(meta)
			if err != nil {
				return nil, err
			}
			if err := idx.Delete(projectKey(m.Row, schema, meta.Columns)); err != nil {
				return nil, err
			}
		}
		if err := hf.Delete(m.TID); err != nil {
			return nil, err
		}

		newTID, err := hf.Insert(newValues)
		if err != nil {
			return nil, err
		}
		for _, meta := range metas {
			idx, err := e.getIndex(meta)
			if err != nil {
				return nil, err
			}
			if err := idx.Insert(projectKey(newValues, schema, meta.Columns), newTID); err != nil {
				return nil, err
			}
		}

		e.recordUndo(&undoUpdate{table: cmd.Table, newTID: newTID, oldRow: m.Row.Clone()})
	}

	stats := e.catalog.GetStatistics(cmd.Table)
	stats.ModCount += uint64(len(matches))
	stats.DeadTuples += uint64(len(matches))
	if err := e.catalog.UpdateStatistics(cmd.Table, stats); err != nil {
		return nil, err
	}
	if err := e.maybeAutoAnalyze(cmd.Table); err != nil {
		return nil, err
	}
	if err := e.maybeAutoVacuum(cmd.Table); err != nil {
		return nil, err
	}

	return &Result{Message: fmt.Sprintf("Updated %d rows", len(matches))}, nil
}

// ----------------------------------------------------------------------------
// DELETE

func (e *Executor) executeDelete(cmd *DeleteCmd) (*Result, error) {
	schema, err := e.catalog.GetTable(cmd.Table)
	if err != nil {
		return nil, err
	}
	matches, err := e.matchRows(cmd.Table, schema, cmd.Where)
	if err != nil {
		return nil, err
	}

	hf, err := e.getHeap(cmd.Table)
	if err != nil {
		return nil, err
	}
	metas := e.catalog.GetIndexesForTable(cmd.Table)

	for _, m := range matches {
		// Index entries go first so a failure never leaves an index pointing
		// at a tombstoned tuple with no way back.
		for _, meta := range metas {
			idx, err := e.getIndex(meta)
			if err != nil {
				return nil, err
			}
			if err := idx.Delete(projectKey(m.Row, schema, meta.Columns)); err != nil {
				return nil, err
			}
		}
		if err := hf.Delete(m.TID); err != nil {
			return nil, err
		}
		e.recordUndo(&undoDelete{table: cmd.Table, row: m.Row.Clone()})
	}

	stats := e.catalog.GetStatistics(cmd.Table)
	if n := uint64(len(matches)); stats.RowCount >= n {
		stats.RowCount -= n
	} else {
		stats.RowCount = 0
	}
	stats.DeadTuples += uint64(len(matches))
	stats.ModCount += uint64(len(matches))
	if err := e.catalog.UpdateStatistics(cmd.Table, stats); err != nil {
		return nil, err
	}
	if err := e.maybeAutoAnalyze(cmd.Table); err != nil {
		return nil, err
	}
	if err := e.maybeAutoVacuum(cmd.Table); err != nil {
		return nil, err
	}

	return &Result{Message: fmt.Sprintf("Deleted %d rows", len(matches))}, nil
}

// matchRows returns the rows matching the predicate with their ctids.
func (e *Executor) matchRows(table string, schema *types.Schema, where Expr) ([]heap.ScannedRow, error) {
	scanned, _, err := e.fetchRows(table, schema, where)
	if err != nil {
		return nil, err
	}
	if where == nil {
		return scanned, nil
	}
	var out []heap.ScannedRow
	for _, sr := range scanned {
		match, err := evalTruth(where, sr.Row, schema)
		if err != nil {
			return nil, err
		}
		if match {
			out = append(out, sr)
		}
	}
	return out, nil
}

// ----------------------------------------------------------------------------
// Shared helpers

func checkNotNull(schema *types.Schema, row types.Row) error {
	for i, col := range schema.Columns {
		if !schema.Nullable(i) && row[i].Null {
			return dberr.New(dberr.KindConstraint, "column '%s' cannot be NULL", col.Name)
		}
	}
	return nil
}

// coerce fits a value to a column's declared type, widening integers where
// lossless.
func coerce(v types.Value, col types.Column) (types.Value, error) {
	if v.Null {
		return types.NewNull(col.Type), nil
	}
	if v.Type == col.Type {
		return v, nil
	}
	switch col.Type {
	case types.DataTypeBigInt:
		if v.Type == types.DataTypeInt {
			return types.NewBigInt(v.Int), nil
		}
	case types.DataTypeTimestamp:
		if v.Type == types.DataTypeInt || v.Type == types.DataTypeBigInt {
			return types.NewTimestamp(v.Int), nil
		}
	case types.DataTypeFloat:
		if v.Type == types.DataTypeInt || v.Type == types.DataTypeBigInt {
			return types.NewFloat(float64(v.Int)), nil
		}
	case types.DataTypeInt:
		if v.Type == types.DataTypeBigInt && v.Int >= -1<<31 && v.Int < 1<<31 {
			return types.NewInt(int32(v.Int)), nil
		}
	}
	return types.Value{}, dberr.New(dberr.KindSchema,
		"column '%s' expects %s, got %s", col.Name, col.Type, v.Type)
}

// projectKey builds an index key from a row.
func projectKey(row types.Row, schema *types.Schema, columns []string) btree.Key {
	key := make(btree.Key, len(columns))
	for i, name := range columns {
		idx, _ := schema.ColumnIndex(name)
		key[i] = row[idx]
	}
	return key
}

func (e *Executor) getHeap(table string) (*heap.File, error) {
	if hf, ok := e.heaps[table]; ok {
		return hf, nil
	}
	schema, err := e.catalog.GetTable(table)
	if err != nil {
		return nil, err
	}
	hf := heap.NewFile(filepath.Join(e.dataDir, schema.HeapFileName()), schema, e.pool)
	if err := hf.Open(); err != nil {
		return nil, err
	}
	e.heaps[table] = hf
	return hf, nil
}

func (e *Executor) getIndex(meta *catalog.IndexMeta) (*btree.Tree, error) {
	if idx, ok := e.indexes[meta.Key()]; ok {
		return idx, nil
	}
	idx := btree.New(filepath.Join(e.dataDir, meta.FileName()), meta.Columns, meta.Unique, e.pool, e.btreeOptions())
	if err := idx.Open(); err != nil {
		return nil, err
	}
	e.indexes[meta.Key()] = idx
	return idx, nil
}

func (e *Executor) getIndexByName(table, name string) (*btree.Tree, error) {
	meta, err := e.catalog.GetIndex(table, name)
	if err != nil {
		return nil, err
	}
	return e.getIndex(meta)
}

func (e *Executor) btreeOptions() btree.Options {
	return btree.Options{
		Order:      e.cfg.BTreeOrder,
		TextPrefix: e.cfg.IndexTextPrefix,
	}
}

// forgetTable drops memoised handles and cached pages for a table's files.
func (e *Executor) forgetTable(table string) {
	if hf, ok := e.heaps[table]; ok {
		e.pool.InvalidateFile(hf.Path())
		delete(e.heaps, table)
	}
	for _, meta := range e.catalog.GetIndexesForTable(table) {
		if idx, ok := e.indexes[meta.Key()]; ok {
			e.pool.InvalidateFile(idx.Path())
			delete(e.indexes, meta.Key())
		}
	}
}
