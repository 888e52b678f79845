package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"reldb/internal/btree"
	"reldb/internal/catalog"
	"reldb/internal/heap"
	"reldb/pkg/dberr"
	"reldb/pkg/types"
)

// DDL and ALTER TABLE run outside transactional staging: they rewrite files
// and cannot be compensated by the undo log.

func (e *Executor) executeCreateTable(cmd *CreateTableCmd) (*Result, error) {
	if e.txn != nil {
		return nil, dberr.New(dberr.KindTransaction, "CREATE TABLE cannot run inside a transaction")
	}

	schema := &types.Schema{
		TableName:  cmd.Table,
		Columns:    append([]types.Column(nil), cmd.Columns...),
		PrimaryKey: append([]string(nil), cmd.PrimaryKey...),
	}
	if err := e.catalog.CreateTable(schema); err != nil {
		return nil, err
	}

	hf := heap.NewFile(filepath.Join(e.dataDir, schema.HeapFileName()), schema, e.pool)
	if err := hf.Create(); err != nil {
		return nil, err
	}
	e.heaps[cmd.Table] = hf

	pkMeta, err := e.catalog.GetIndex(cmd.Table, catalog.PrimaryKeyIndexName)
	if err != nil {
		return nil, err
	}
	if err := e.createIndexFile(pkMeta); err != nil {
		return nil, err
	}

	// A UNIQUE column declared without an index would otherwise go
	// unenforced; every one gets its own unique index.
	for _, col := range schema.Columns {
		if !col.Unique || schema.IsPrimaryKey(col.Name) {
			continue
		}
		meta := &catalog.IndexMeta{
			Name:    col.Name + "_key",
			Table:   cmd.Table,
			Columns: []string{col.Name},
			Unique:  true,
		}
		if err := e.catalog.CreateIndex(meta); err != nil {
			return nil, err
		}
		if err := e.createIndexFile(meta); err != nil {
			return nil, err
		}
	}

	return &Result{Message: fmt.Sprintf("Table '%s' created with primary key (%s)",
		cmd.Table, strings.Join(cmd.PrimaryKey, ", "))}, nil
}

func (e *Executor) createIndexFile(meta *catalog.IndexMeta) error {
	idx := btree.New(filepath.Join(e.dataDir, meta.FileName()), meta.Columns, meta.Unique, e.pool, e.btreeOptions())
	if err := idx.Create(); err != nil {
		return err
	}
	e.indexes[meta.Key()] = idx
	return nil
}

func (e *Executor) executeCreateIndex(cmd *CreateIndexCmd) (*Result, error) {
	if e.txn != nil {
		return nil, dberr.New(dberr.KindTransaction, "CREATE INDEX cannot run inside a transaction")
	}

	schema, err := e.catalog.GetTable(cmd.Table)
	if err != nil {
		return nil, err
	}

	meta := &catalog.IndexMeta{
		Name:    cmd.Index,
		Table:   cmd.Table,
		Columns: append([]string(nil), cmd.Columns...),
		Unique:  cmd.Unique,
	}
	if err := e.catalog.CreateIndex(meta); err != nil {
		return nil, err
	}
	if err := e.createIndexFile(meta); err != nil {
		_ = e.catalog.DropIndex(cmd.Table, cmd.Index)
		return nil, err
	}

	// Populate from existing rows. A uniqueness violation mid-populate
	// abandons the index entirely.
	hf, err := e.getHeap(cmd.Table)
	if err != nil {
		return nil, err
	}
	idx := e.indexes[meta.Key()]
	scanned, err := hf.ScanAll()
	if err != nil {
		return nil, err
	}
	for _, sr := range scanned {
		if err := idx.Insert(projectKey(sr.Row, schema, meta.Columns), sr.TID); err != nil {
			e.pool.InvalidateFile(idx.Path())
			delete(e.indexes, meta.Key())
			_ = e.catalog.DropIndex(cmd.Table, cmd.Index)
			_ = os.Remove(idx.Path())
			return nil, err
		}
	}

	return &Result{Message: fmt.Sprintf("Index '%s' created on %s(%s)",
		cmd.Index, cmd.Table, strings.Join(cmd.Columns, ", "))}, nil
}

func (e *Executor) executeDropTable(cmd *DropTableCmd) (*Result, error) {
	if e.txn != nil {
		return nil, dberr.New(dberr.KindTransaction, "DROP TABLE cannot run inside a transaction")
	}

	schema, err := e.catalog.GetTable(cmd.Table)
	if err != nil {
		return nil, err
	}

	heapPath := filepath.Join(e.dataDir, schema.HeapFileName())
	var indexPaths []string
	for _, meta := range e.catalog.GetIndexesForTable(cmd.Table) {
		indexPaths = append(indexPaths, filepath.Join(e.dataDir, meta.FileName()))
	}

	e.forgetTable(cmd.Table)
	if err := e.catalog.DropTable(cmd.Table); err != nil {
		return nil, err
	}

	e.pool.InvalidateFile(heapPath)
	_ = os.Remove(heapPath)
	for _, p := range indexPaths {
		e.pool.InvalidateFile(p)
		_ = os.Remove(p)
	}

	return &Result{Message: fmt.Sprintf("Table '%s' dropped", cmd.Table)}, nil
}

// ----------------------------------------------------------------------------
// ALTER TABLE

func (e *Executor) executeAlterAdd(cmd *AlterAddColumnCmd) (*Result, error) {
	if e.txn != nil {
		return nil, dberr.New(dberr.KindTransaction, "ALTER TABLE cannot run inside a transaction")
	}

	schema, err := e.catalog.GetTable(cmd.Table)
	if err != nil {
		return nil, err
	}
	if _, exists := schema.Column(cmd.Column.Name); exists {
		return nil, dberr.New(dberr.KindSchema,
			"column '%s' already exists in table '%s'", cmd.Column.Name, cmd.Table)
	}

	stats := e.catalog.GetStatistics(cmd.Table)
	if !cmd.Column.Nullable && stats.RowCount > 0 {
		return nil, dberr.New(dberr.KindConstraint,
			"cannot add NOT NULL column '%s' to non-empty table '%s'", cmd.Column.Name, cmd.Table)
	}

	newSchema := schema.Clone()
	newSchema.Columns = append(newSchema.Columns, cmd.Column)

	if err := e.rewriteTable(cmd.Table, schema, newSchema, func(old types.Row) types.Row {
		return append(old.Clone(), types.NewNull(cmd.Column.Type))
	}); err != nil {
		return nil, err
	}

	if cmd.Column.Unique {
		meta := &catalog.IndexMeta{
			Name:    cmd.Column.Name + "_key",
			Table:   cmd.Table,
			Columns: []string{cmd.Column.Name},
			Unique:  true,
		}
		if err := e.catalog.CreateIndex(meta); err != nil {
			return nil, err
		}
		if err := e.createIndexFile(meta); err != nil {
			return nil, err
		}
		hf, err := e.getHeap(cmd.Table)
		if err != nil {
			return nil, err
		}
		scanned, err := hf.ScanAll()
		if err != nil {
			return nil, err
		}
		idx := e.indexes[meta.Key()]
		for _, sr := range scanned {
			if err := idx.Insert(projectKey(sr.Row, schema, meta.Columns), sr.TID); err != nil {
				return nil, err
			}
		}
	}

	return &Result{Message: fmt.Sprintf("Column '%s' added to '%s'", cmd.Column.Name, cmd.Table)}, nil
}

func (e *Executor) executeAlterDrop(cmd *AlterDropColumnCmd) (*Result, error) {
	if e.txn != nil {
		return nil, dberr.New(dberr.KindTransaction, "ALTER TABLE cannot run inside a transaction")
	}

	schema, err := e.catalog.GetTable(cmd.Table)
	if err != nil {
		return nil, err
	}
	colIdx, exists := schema.ColumnIndex(cmd.Column)
	if !exists {
		return nil, dberr.New(dberr.KindSchema,
			"column '%s' not found in table '%s'", cmd.Column, cmd.Table)
	}
	if schema.IsPrimaryKey(cmd.Column) {
		return nil, dberr.New(dberr.KindSchema,
			"cannot drop primary key column '%s'", cmd.Column)
	}

	// Indexes referencing the column go away with it.
	for _, meta := range e.catalog.GetIndexesForTable(cmd.Table) {
		for _, c := range meta.Columns {
			if c == cmd.Column {
				path := filepath.Join(e.dataDir, meta.FileName())
				e.pool.InvalidateFile(path)
				delete(e.indexes, meta.Key())
				if err := e.catalog.DropIndex(cmd.Table, meta.Name); err != nil {
					return nil, err
				}
				_ = os.Remove(path)
				break
			}
		}
	}

	newSchema := schema.Clone()
	newSchema.Columns = append(newSchema.Columns[:colIdx], newSchema.Columns[colIdx+1:]...)

	if err := e.rewriteTable(cmd.Table, schema, newSchema, func(old types.Row) types.Row {
		out := old.Clone()
		return append(out[:colIdx], out[colIdx+1:]...)
	}); err != nil {
		return nil, err
	}

	return &Result{Message: fmt.Sprintf("Column '%s' dropped from '%s'", cmd.Column, cmd.Table)}, nil
}

func (e *Executor) executeAlterRename(cmd *AlterRenameColumnCmd) (*Result, error) {
	if e.txn != nil {
		return nil, dberr.New(dberr.KindTransaction, "ALTER TABLE cannot run inside a transaction")
	}

	schema, err := e.catalog.GetTable(cmd.Table)
	if err != nil {
		return nil, err
	}
	colIdx, exists := schema.ColumnIndex(cmd.From)
	if !exists {
		return nil, dberr.New(dberr.KindSchema,
			"column '%s' not found in table '%s'", cmd.From, cmd.Table)
	}
	if _, exists := schema.Column(cmd.To); exists {
		return nil, dberr.New(dberr.KindSchema,
			"column '%s' already exists in table '%s'", cmd.To, cmd.Table)
	}

	// Metadata-only change: the schema, primary-key list, and index key
	// columns all track the new name. Tuples never store column names.
	schema.Columns[colIdx].Name = cmd.To
	for i, pk := range schema.PrimaryKey {
		if pk == cmd.From {
			schema.PrimaryKey[i] = cmd.To
		}
	}
	for _, meta := range e.catalog.GetIndexesForTable(cmd.Table) {
		for i, c := range meta.Columns {
			if c == cmd.From {
				meta.Columns[i] = cmd.To
			}
		}
	}
	if err := e.catalog.Save(); err != nil {
		return nil, err
	}

	return &Result{Message: fmt.Sprintf("Column '%s' renamed to '%s'", cmd.From, cmd.To)}, nil
}

// rewriteTable replays every live row through transform into a rebuilt heap
// file under newSchema, then rebuilds every index (row ctids change).
func (e *Executor) rewriteTable(table string, oldSchema, newSchema *types.Schema, transform func(types.Row) types.Row) error {
	hf, err := e.getHeap(table)
	if err != nil {
		return err
	}
	scanned, err := hf.ScanAll()
	if err != nil {
		return err
	}

	// Swap the schema in the catalog, then rebuild the heap file in place.
	oldSchema.Columns = newSchema.Columns
	oldSchema.PrimaryKey = newSchema.PrimaryKey
	if err := e.catalog.Save(); err != nil {
		return err
	}

	heapPath := filepath.Join(e.dataDir, oldSchema.HeapFileName())
	e.pool.InvalidateFile(heapPath)
	delete(e.heaps, table)

	fresh := heap.NewFile(heapPath, oldSchema, e.pool)
	if err := fresh.Create(); err != nil {
		return err
	}
	e.heaps[table] = fresh

	type placed struct {
		row types.Row
		tid types.TupleID
	}
	rows := make([]placed, 0, len(scanned))
	for _, sr := range scanned {
		row := transform(sr.Row)
		tid, err := fresh.Insert(row)
		if err != nil {
			return err
		}
		rows = append(rows, placed{row: row, tid: tid})
	}

	for _, meta := range e.catalog.GetIndexesForTable(table) {
		path := filepath.Join(e.dataDir, meta.FileName())
		e.pool.InvalidateFile(path)
		delete(e.indexes, meta.Key())
		if err := e.createIndexFile(meta); err != nil {
			return err
		}
		idx := e.indexes[meta.Key()]
		for _, p := range rows {
			if err := idx.Insert(projectKey(p.row, oldSchema, meta.Columns), p.tid); err != nil {
				return err
			}
		}
	}

	stats := e.catalog.GetStatistics(table)
	stats.RowCount = uint64(len(rows))
	stats.PageCount = uint64(fresh.PageCount())
	stats.DeadTuples = 0
	return e.catalog.UpdateStatistics(table, stats)
}
