package executor

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"reldb/internal/btree"
	"reldb/internal/catalog"
	"reldb/pkg/dberr"
)

// ----------------------------------------------------------------------------
// EXPLAIN

func (e *Executor) executeExplain(cmd *ExplainCmd) (*Result, error) {
	sel, ok := cmd.Command.(*SelectCmd)
	if !ok {
		return &Result{Message: fmt.Sprintf("EXPLAIN not supported for %s", commandName(cmd.Command))}, nil
	}
	if _, err := e.catalog.GetTable(sel.Table); err != nil {
		return nil, err
	}

	var plan []string
	plan = append(plan, fmt.Sprintf("Query Plan for: SELECT from %s", sel.Table), "")

	if sel.Where != nil {
		if choice := e.chooseScan(sel.Table, sel.Where); choice != nil {
			plan = append(plan, "Scan Method: INDEX")
			plan = append(plan, fmt.Sprintf("  -> Index Scan using %s (%s %s %s)",
				choice.index.Key(), choice.index.Columns[0], choice.op, choice.value))
		} else {
			plan = append(plan, "Scan Method: SEQUENTIAL")
			plan = append(plan, "  -> Sequential Scan")
			plan = append(plan, "     Reason: no suitable index for WHERE clause")
		}
	} else {
		plan = append(plan, "Scan Method: SEQUENTIAL")
		plan = append(plan, "  -> Full table scan (no WHERE clause)")
	}

	stats := e.catalog.GetStatistics(sel.Table)
	plan = append(plan, "",
		fmt.Sprintf("Estimated rows: %d", stats.RowCount),
		fmt.Sprintf("Table pages: %d", stats.PageCount),
		fmt.Sprintf("Dead tuples: %d", stats.DeadTuples))

	if len(sel.OrderBy) > 0 {
		cols := make([]string, len(sel.OrderBy))
		for i, item := range sel.OrderBy {
			cols[i] = item.Column
		}
		plan = append(plan, "", fmt.Sprintf("Sort: ORDER BY %s", strings.Join(cols, ", ")))
	}

	return &Result{Message: strings.Join(plan, "\n")}, nil
}

// ----------------------------------------------------------------------------
// ANALYZE

func (e *Executor) executeAnalyze(cmd *AnalyzeCmd) (*Result, error) {
	tables := []string{cmd.Table}
	if cmd.Table == "" {
		tables = e.catalog.ListTables()
	}
	for _, table := range tables {
		if err := e.analyzeTable(table); err != nil {
			return nil, err
		}
	}
	if cmd.Table != "" {
		return &Result{Message: fmt.Sprintf("Analyzed table '%s'", cmd.Table)}, nil
	}
	return &Result{Message: fmt.Sprintf("Analyzed %d tables", len(tables))}, nil
}

// analyzeTable sequentially scans the table and recomputes row count, page
// count, dead-tuple count, and per-column distinct-value estimates. The
// modification counter resets.
func (e *Executor) analyzeTable(table string) error {
	schema, err := e.catalog.GetTable(table)
	if err != nil {
		return err
	}
	hf, err := e.getHeap(table)
	if err != nil {
		return err
	}

	scanned, err := hf.ScanAll()
	if err != nil {
		return err
	}
	distinct := make(map[string]map[string]struct{}, len(schema.Columns))
	for _, col := range schema.Columns {
		distinct[col.Name] = make(map[string]struct{})
	}
	for _, sr := range scanned {
		for i, col := range schema.Columns {
			v := sr.Row[i]
			if v.Null {
				continue
			}
			distinct[col.Name][fmt.Sprintf("%d\x00%s", v.Type, v.String())] = struct{}{}
		}
	}
	dead, err := hf.DeadCount()
	if err != nil {
		return err
	}

	stats := &catalog.TableStats{
		Table:      table,
		RowCount:   uint64(len(scanned)),
		PageCount:  uint64(hf.PageCount()),
		DeadTuples: uint64(dead),
		Distinct:   make(map[string]uint64, len(distinct)),
	}
	for col, vals := range distinct {
		stats.Distinct[col] = uint64(len(vals))
	}

	e.log.Debug("analyzed table",
		zap.String("table", table),
		zap.Uint64("rows", stats.RowCount),
		zap.Uint64("pages", stats.PageCount))
	return e.catalog.UpdateStatistics(table, stats)
}

// maybeAutoAnalyze refreshes statistics once a table's modification counter
// passes the configured threshold. Skipped inside transactions.
func (e *Executor) maybeAutoAnalyze(table string) error {
	if e.txn != nil || e.cfg.AutoAnalyzeThreshold <= 0 {
		return nil
	}
	stats := e.catalog.GetStatistics(table)
	if stats.ModCount < uint64(e.cfg.AutoAnalyzeThreshold) {
		return nil
	}
	e.log.Info("auto-analyze triggered", zap.String("table", table), zap.Uint64("modifications", stats.ModCount))
	return e.analyzeTable(table)
}

// ----------------------------------------------------------------------------
// VACUUM

func (e *Executor) executeVacuum(cmd *VacuumCmd) (*Result, error) {
	if e.txn != nil {
		return nil, dberr.New(dberr.KindTransaction, "VACUUM cannot run inside a transaction")
	}

	tables := []string{cmd.Table}
	if cmd.Table == "" {
		tables = e.catalog.ListTables()
	}
	for _, table := range tables {
		if err := e.vacuumTable(table); err != nil {
			return nil, err
		}
	}
	if cmd.Table != "" {
		return &Result{Message: fmt.Sprintf("Vacuumed table '%s'", cmd.Table)}, nil
	}
	return &Result{Message: fmt.Sprintf("Vacuumed %d tables", len(tables))}, nil
}

// vacuumTable compacts the table's pages and repoints every index entry
// whose tuple moved. Deletes run before inserts so a relocated entry never
// collides with a sibling's stale key.
func (e *Executor) vacuumTable(table string) error {
	schema, err := e.catalog.GetTable(table)
	if err != nil {
		return err
	}
	hf, err := e.getHeap(table)
	if err != nil {
		return err
	}

	moved, err := hf.Vacuum()
	if err != nil {
		return err
	}

	if len(moved) > 0 {
		for _, meta := range e.catalog.GetIndexesForTable(table) {
			idx, err := e.getIndex(meta)
			if err != nil {
				return err
			}
			keys := make([]btree.Key, len(moved))
			for i, m := range moved {
				keys[i] = projectKey(m.Row, schema, meta.Columns)
				if err := idx.Delete(keys[i]); err != nil {
					return err
				}
			}
			for i, m := range moved {
				if err := idx.Insert(keys[i], m.New); err != nil {
					return err
				}
			}
		}
	}

	if err := e.pool.FlushAll(); err != nil {
		return err
	}

	stats := e.catalog.GetStatistics(table)
	stats.DeadTuples = 0
	stats.PageCount = uint64(hf.PageCount())
	if err := e.catalog.UpdateStatistics(table, stats); err != nil {
		return err
	}

	e.log.Info("vacuumed table", zap.String("table", table), zap.Int("relocated", len(moved)))
	return nil
}

// maybeAutoVacuum compacts a table once its dead-tuple share passes the
// configured percentage. Skipped inside transactions.
func (e *Executor) maybeAutoVacuum(table string) error {
	if e.txn != nil || e.cfg.AutoVacuumDeadPercent <= 0 {
		return nil
	}
	stats := e.catalog.GetStatistics(table)
	if stats.DeadTuples == 0 || stats.DeadTuplePercent() < e.cfg.AutoVacuumDeadPercent {
		return nil
	}
	e.log.Info("auto-vacuum triggered",
		zap.String("table", table),
		zap.Float64("dead_percent", stats.DeadTuplePercent()))
	return e.vacuumTable(table)
}

// DistinctSummary renders per-column distinct counts for EXPLAIN-style
// output, columns sorted by name.
func DistinctSummary(stats *catalog.TableStats) string {
	cols := make([]string, 0, len(stats.Distinct))
	for c := range stats.Distinct {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprintf("%s=%d", c, stats.Distinct[c])
	}
	return strings.Join(parts, " ")
}
