// Package catalog manages durable database metadata: table schemas, index
// metadata, and per-table statistics.
package catalog

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"

	"reldb/pkg/dberr"
	"reldb/pkg/types"
)

const (
	// FileName is the catalog file within the data directory.
	FileName = "catalog.dat"

	version = 1
)

var fileMagic = []byte("CTLG")

// PrimaryKeyIndexName is the implicit unique index every table gets over its
// primary key.
const PrimaryKeyIndexName = "pkey"

// IndexMeta describes one index.
type IndexMeta struct {
	Name    string
	Table   string
	Columns []string
	Unique  bool
}

// Key returns the catalog key for the index: "<table>_<name>".
func (m *IndexMeta) Key() string {
	return m.Table + "_" + m.Name
}

// FileName returns the index file name within the data directory.
func (m *IndexMeta) FileName() string {
	return m.Table + "_" + m.Name + ".idx"
}

// TableStats carries planner statistics for one table.
type TableStats struct {
	Table      string
	RowCount   uint64
	PageCount  uint64
	DeadTuples uint64
	ModCount   uint64
	Distinct   map[string]uint64 // column -> distinct non-NULL value estimate
}

func newTableStats(table string) *TableStats {
	return &TableStats{Table: table, Distinct: make(map[string]uint64)}
}

// DeadTuplePercent returns the share of dead tuples among all tuples.
func (s *TableStats) DeadTuplePercent() float64 {
	total := s.RowCount + s.DeadTuples
	if total == 0 {
		return 0
	}
	return float64(s.DeadTuples) / float64(total) * 100
}

// Catalog is the in-memory registry backed by catalog.dat. The on-disk file,
// when present, is authoritative at start-up; every mutating call rewrites it.
type Catalog struct {
	dataDir string
	path    string

	tables  map[string]*types.Schema
	indexes map[string]*IndexMeta
	stats   map[string]*TableStats

	// Registration order, for stable on-disk output and listings.
	tableOrder []string
	indexOrder []string
}

// Open loads the catalog from dataDir, or starts empty when no catalog file
// exists yet.
func Open(dataDir string) (*Catalog, error) {
	c := &Catalog{
		dataDir: dataDir,
		path:    filepath.Join(dataDir, FileName),
		tables:  make(map[string]*types.Schema),
		indexes: make(map[string]*IndexMeta),
		stats:   make(map[string]*TableStats),
	}
	if _, err := os.Stat(c.path); os.IsNotExist(err) {
		return c, nil
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return dberr.Wrap(dberr.KindIO, err, "reading catalog %s", c.path)
	}
	if len(data) < 12 {
		return dberr.New(dberr.KindFormat, "catalog %s truncated", c.path)
	}
	if string(data[:4]) != string(fileMagic) {
		return dberr.New(dberr.KindFormat, "invalid catalog %s: bad magic", c.path)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != version {
		return dberr.New(dberr.KindFormat, "unsupported catalog version %d", v)
	}
	payloadLen := int(binary.LittleEndian.Uint32(data[8:12]))
	if 12+payloadLen > len(data) {
		return dberr.New(dberr.KindFormat, "catalog %s payload truncated", c.path)
	}
	return decodePayload(data[12:12+payloadLen], c)
}

// Save rewrites the catalog file. The write goes to a temp file first and is
// renamed into place so a crash mid-write never leaves a torn catalog.
func (c *Catalog) Save() error {
	payload := encodePayload(c)

	buf := make([]byte, 0, 12+len(payload))
	buf = append(buf, fileMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, version)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return dberr.Wrap(dberr.KindIO, err, "writing catalog %s", tmp)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return dberr.Wrap(dberr.KindIO, err, "replacing catalog %s", c.path)
	}
	return nil
}

// CreateTable validates and registers a schema, initialises its statistics,
// and registers the implicit primary-key index.
func (c *Catalog) CreateTable(schema *types.Schema) error {
	if _, exists := c.tables[schema.TableName]; exists {
		return dberr.New(dberr.KindSchema, "table '%s' already exists", schema.TableName)
	}
	if len(schema.PrimaryKey) == 0 {
		return dberr.New(dberr.KindSchema, "table '%s' must have a PRIMARY KEY", schema.TableName)
	}
	for _, pk := range schema.PrimaryKey {
		if _, ok := schema.Column(pk); !ok {
			return dberr.New(dberr.KindSchema,
				"PRIMARY KEY column '%s' not found in table '%s'", pk, schema.TableName)
		}
	}
	for _, col := range schema.Columns {
		if col.Type.FixedSize() < 0 && col.Type != types.DataTypeText {
			return dberr.New(dberr.KindSchema,
				"column '%s' has invalid type in table '%s'", col.Name, schema.TableName)
		}
	}

	c.tables[schema.TableName] = schema
	c.tableOrder = append(c.tableOrder, schema.TableName)
	c.stats[schema.TableName] = newTableStats(schema.TableName)

	pk := &IndexMeta{
		Name:    PrimaryKeyIndexName,
		Table:   schema.TableName,
		Columns: append([]string(nil), schema.PrimaryKey...),
		Unique:  true,
	}
	c.indexes[pk.Key()] = pk
	c.indexOrder = append(c.indexOrder, pk.Key())

	return c.Save()
}

// DropTable removes the table, its statistics, and every index on it.
func (c *Catalog) DropTable(name string) error {
	if _, exists := c.tables[name]; !exists {
		return dberr.New(dberr.KindSchema, "table '%s' does not exist", name)
	}
	delete(c.tables, name)
	delete(c.stats, name)
	c.tableOrder = remove(c.tableOrder, name)

	for key, m := range c.indexes {
		if m.Table == name {
			delete(c.indexes, key)
			c.indexOrder = remove(c.indexOrder, key)
		}
	}
	return c.Save()
}

// CreateIndex validates and registers a secondary index.
func (c *Catalog) CreateIndex(meta *IndexMeta) error {
	schema, exists := c.tables[meta.Table]
	if !exists {
		return dberr.New(dberr.KindSchema, "table '%s' does not exist", meta.Table)
	}
	if len(meta.Columns) == 0 {
		return dberr.New(dberr.KindSchema, "index '%s' has no key columns", meta.Name)
	}
	for _, col := range meta.Columns {
		if _, ok := schema.Column(col); !ok {
			return dberr.New(dberr.KindSchema,
				"column '%s' not found in table '%s'", col, meta.Table)
		}
	}
	if _, exists := c.indexes[meta.Key()]; exists {
		return dberr.New(dberr.KindSchema,
			"index '%s' already exists on table '%s'", meta.Name, meta.Table)
	}

	c.indexes[meta.Key()] = meta
	c.indexOrder = append(c.indexOrder, meta.Key())
	return c.Save()
}

// DropIndex removes a single index.
func (c *Catalog) DropIndex(table, name string) error {
	key := table + "_" + name
	if _, exists := c.indexes[key]; !exists {
		return dberr.New(dberr.KindSchema, "index '%s' does not exist on table '%s'", name, table)
	}
	delete(c.indexes, key)
	c.indexOrder = remove(c.indexOrder, key)
	return c.Save()
}

// GetTable returns the schema for a table.
func (c *Catalog) GetTable(name string) (*types.Schema, error) {
	s, exists := c.tables[name]
	if !exists {
		return nil, dberr.New(dberr.KindSchema, "table '%s' does not exist", name)
	}
	return s, nil
}

// GetIndexesForTable returns every index on the table in registration order
// (the primary-key index first).
func (c *Catalog) GetIndexesForTable(table string) []*IndexMeta {
	var out []*IndexMeta
	for _, key := range c.indexOrder {
		if m := c.indexes[key]; m.Table == table {
			out = append(out, m)
		}
	}
	return out
}

// GetIndex returns an index by table and name.
func (c *Catalog) GetIndex(table, name string) (*IndexMeta, error) {
	m, exists := c.indexes[table+"_"+name]
	if !exists {
		return nil, dberr.New(dberr.KindSchema, "index '%s' does not exist on table '%s'", name, table)
	}
	return m, nil
}

// GetStatistics returns the table's statistics, initialising them if absent.
func (c *Catalog) GetStatistics(table string) *TableStats {
	if st, exists := c.stats[table]; exists {
		return st
	}
	st := newTableStats(table)
	c.stats[table] = st
	return st
}

// UpdateStatistics replaces a table's statistics and persists the catalog.
func (c *Catalog) UpdateStatistics(table string, st *TableStats) error {
	c.stats[table] = st
	return c.Save()
}

// ListTables returns every table name in registration order.
func (c *Catalog) ListTables() []string {
	return append([]string(nil), c.tableOrder...)
}

// ListIndexes returns every index key ("<table>_<name>") in registration
// order.
func (c *Catalog) ListIndexes() []string {
	return append([]string(nil), c.indexOrder...)
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
