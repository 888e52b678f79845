package executor

import (
	"go.uber.org/zap"

	"reldb/pkg/dberr"
	"reldb/pkg/types"
)

// Transactions stage writes in place and keep an undo log of compensating
// actions. COMMIT discards the log after flushing; ROLLBACK replays it in
// LIFO order. A failed statement other than BEGIN, COMMIT or ROLLBACK poisons
// the active transaction: further writes are rejected until ROLLBACK.

type undoRecord interface {
	revert(e *Executor) error
}

// undoInsert compensates an INSERT: the tuple and its index entries go away.
type undoInsert struct {
	table string
	tid   types.TupleID
}

// undoDelete compensates a DELETE: the saved row is reinserted (under a new
// ctid) and indexed again.
type undoDelete struct {
	table string
	row   types.Row
}

// undoUpdate compensates an UPDATE: the new version is removed and the old
// row reinserted.
type undoUpdate struct {
	table  string
	newTID types.TupleID
	oldRow types.Row
}

type transaction struct {
	undo     []undoRecord
	poisoned bool
}

func (e *Executor) recordUndo(rec undoRecord) {
	if e.txn != nil {
		e.txn.undo = append(e.txn.undo, rec)
	}
}

func (e *Executor) executeBegin() (*Result, error) {
	if e.txn != nil {
		return nil, dberr.New(dberr.KindTransaction, "a transaction is already in progress")
	}
	e.txn = &transaction{}
	e.log.Debug("transaction started")
	return &Result{Message: "BEGIN"}, nil
}

func (e *Executor) executeCommit() (*Result, error) {
	if e.txn == nil {
		return nil, dberr.New(dberr.KindTransaction, "no transaction in progress")
	}
	if e.txn.poisoned {
		// A poisoned transaction can only roll back.
		return nil, dberr.New(dberr.KindTransaction,
			"current transaction is aborted, commands ignored until ROLLBACK")
	}
	if err := e.pool.FlushAll(); err != nil {
		return nil, err
	}
	if err := e.catalog.Save(); err != nil {
		return nil, err
	}
	n := len(e.txn.undo)
	e.txn = nil
	e.log.Debug("transaction committed", zap.Int("staged_writes", n))
	return &Result{Message: "COMMIT"}, nil
}

func (e *Executor) executeRollback() (*Result, error) {
	if e.txn == nil {
		return nil, dberr.New(dberr.KindTransaction, "no transaction in progress")
	}
	undo := e.txn.undo
	// Clear the transaction first so compensating writes are not re-staged.
	e.txn = nil

	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i].revert(e); err != nil {
			return nil, err
		}
	}
	e.log.Debug("transaction rolled back", zap.Int("reverted_writes", len(undo)))
	return &Result{Message: "ROLLBACK"}, nil
}

func (u *undoInsert) revert(e *Executor) error {
	schema, err := e.catalog.GetTable(u.table)
	if err != nil {
		return err
	}
	hf, err := e.getHeap(u.table)
	if err != nil {
		return err
	}
	row, err := hf.Read(u.tid)
	if err != nil {
		if dberr.Is(err, dberr.KindNotFound) {
			return nil // already gone
		}
		return err
	}
	for _, meta := range e.catalog.GetIndexesForTable(u.table) {
		idx, err := e.getIndex(meta)
		if err != nil {
			return err
		}
		if err := idx.Delete(projectKey(row, schema, meta.Columns)); err != nil {
			return err
		}
	}
	if err := hf.Delete(u.tid); err != nil {
		return err
	}

	// Reverse the insert's counter bumps.
	return e.applyStatsDelta(u.table, -1, 0, -1)
}

func (u *undoDelete) revert(e *Executor) error {
	schema, err := e.catalog.GetTable(u.table)
	if err != nil {
		return err
	}
	hf, err := e.getHeap(u.table)
	if err != nil {
		return err
	}
	tid, err := hf.Insert(u.row)
	if err != nil {
		return err
	}
	for _, meta := range e.catalog.GetIndexesForTable(u.table) {
		idx, err := e.getIndex(meta)
		if err != nil {
			return err
		}
		if err := idx.Insert(projectKey(u.row, schema, meta.Columns), tid); err != nil {
			return err
		}
	}

	// Reverse the delete's counter bumps.
	return e.applyStatsDelta(u.table, 1, -1, -1)
}

func (u *undoUpdate) revert(e *Executor) error {
	schema, err := e.catalog.GetTable(u.table)
	if err != nil {
		return err
	}
	hf, err := e.getHeap(u.table)
	if err != nil {
		return err
	}

	// Remove the new version.
	newRow, err := hf.Read(u.newTID)
	if err != nil && !dberr.Is(err, dberr.KindNotFound) {
		return err
	}
	if newRow != nil {
		for _, meta := range e.catalog.GetIndexesForTable(u.table) {
			idx, err := e.getIndex(meta)
			if err != nil {
				return err
			}
			if err := idx.Delete(projectKey(newRow, schema, meta.Columns)); err != nil {
				return err
			}
		}
		if err := hf.Delete(u.newTID); err != nil {
			return err
		}
	}

	// Restore the old version.
	tid, err := hf.Insert(u.oldRow)
	if err != nil {
		return err
	}
	for _, meta := range e.catalog.GetIndexesForTable(u.table) {
		idx, err := e.getIndex(meta)
		if err != nil {
			return err
		}
		if err := idx.Insert(projectKey(u.oldRow, schema, meta.Columns), tid); err != nil {
			return err
		}
	}

	// Reverse the update's counter bumps.
	return e.applyStatsDelta(u.table, 0, -1, -1)
}

// applyStatsDelta adjusts a table's counters by the given deltas, clamping
// at zero, and persists the catalog. Negative deltas reverse the bumps a
// staged statement made.
func (e *Executor) applyStatsDelta(table string, rows, dead, mods int64) error {
	stats := e.catalog.GetStatistics(table)
	stats.RowCount = addClamped(stats.RowCount, rows)
	stats.DeadTuples = addClamped(stats.DeadTuples, dead)
	stats.ModCount = addClamped(stats.ModCount, mods)
	return e.catalog.UpdateStatistics(table, stats)
}

func addClamped(v uint64, delta int64) uint64 {
	if delta >= 0 {
		return v + uint64(delta)
	}
	d := uint64(-delta)
	if v < d {
		return 0
	}
	return v - d
}
