package heap

import (
	"encoding/binary"
	"os"
	"sort"

	"reldb/internal/buffer"
	"reldb/pkg/dberr"
	"reldb/pkg/types"
)

const (
	// FileHeaderSize is the heap file header: magic "HEAP" (4), page count
	// (8), reserved to 32.
	FileHeaderSize = 32
)

var fileMagic = []byte("HEAP")

// File manages one table's data file. All page access goes through the
// shared buffer pool; the free-space map is kept in memory and rebuilt from
// page headers on Open.
type File struct {
	path   string
	schema *types.Schema
	pool   *buffer.Pool

	pageCount uint32
	fsm       map[uint32]int // page number -> free bytes
}

// ScannedRow pairs a deserialized row with its location.
type ScannedRow struct {
	Row types.Row
	TID types.TupleID
}

// Moved records a tuple relocated by vacuum. Indexes referencing Old must be
// repointed at New by the caller.
type Moved struct {
	Old types.TupleID
	New types.TupleID
	Row types.Row
}

// NewFile wraps a heap file path. Call Create or Open before use.
func NewFile(path string, schema *types.Schema, pool *buffer.Pool) *File {
	return &File{
		path:   path,
		schema: schema,
		pool:   pool,
		fsm:    make(map[uint32]int),
	}
}

// Path returns the file path.
func (f *File) Path() string { return f.path }

// PageCount returns the number of pages in the file.
func (f *File) PageCount() uint32 { return f.pageCount }

// Create initialises a new, empty heap file.
func (f *File) Create() error {
	header := make([]byte, FileHeaderSize)
	copy(header, fileMagic)
	binary.LittleEndian.PutUint64(header[4:12], 0)

	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return dberr.Wrap(dberr.KindIO, err, "creating heap file %s", f.path)
	}
	defer file.Close()
	if _, err := file.Write(header); err != nil {
		return dberr.Wrap(dberr.KindIO, err, "writing heap header %s", f.path)
	}
	f.pageCount = 0
	f.fsm = make(map[uint32]int)
	return nil
}

// Open reads the header of an existing heap file and rebuilds the FSM by
// scanning each page's header.
func (f *File) Open() error {
	file, err := os.Open(f.path)
	if err != nil {
		return dberr.Wrap(dberr.KindIO, err, "opening heap file %s", f.path)
	}
	defer file.Close()

	header := make([]byte, FileHeaderSize)
	if _, err := file.ReadAt(header, 0); err != nil {
		return dberr.Wrap(dberr.KindFormat, err, "reading heap header %s", f.path)
	}
	if string(header[:4]) != string(fileMagic) {
		return dberr.New(dberr.KindFormat, "invalid heap file %s: bad magic", f.path)
	}
	f.pageCount = uint32(binary.LittleEndian.Uint64(header[4:12]))

	f.fsm = make(map[uint32]int, f.pageCount)
	for n := uint32(0); n < f.pageCount; n++ {
		page, err := f.readPageDirect(f.path, n)
		if err != nil {
			return err
		}
		f.fsm[n] = page.(*Page).FreeSpace()
	}
	return nil
}

// Insert serializes the row and places it on the first page with room,
// allocating a new page when none has enough free space.
func (f *File) Insert(row types.Row) (types.TupleID, error) {
	data, err := types.SerializeTuple(row, f.schema)
	if err != nil {
		return types.TupleID{}, err
	}

	pageNum, found := f.findPageWithSpace(len(data))
	if !found {
		pageNum, err = f.allocatePage()
		if err != nil {
			return types.TupleID{}, err
		}
	}

	page, err := f.readPage(pageNum)
	if err != nil {
		return types.TupleID{}, err
	}
	offset, err := page.AddRecord(data)
	if err != nil {
		return types.TupleID{}, err
	}

	f.fsm[pageNum] = page.FreeSpace()
	f.pool.MarkDirty(f.path, pageNum)
	return types.TupleID{PageNum: pageNum, Offset: offset}, nil
}

// Read returns the row at the given ctid. Tombstoned and missing records
// yield a NotFound error.
func (f *File) Read(tid types.TupleID) (types.Row, error) {
	page, err := f.readPage(tid.PageNum)
	if err != nil {
		return nil, err
	}
	data, ok := page.Record(tid.Offset)
	if !ok {
		return nil, dberr.New(dberr.KindNotFound, "no live tuple at %s in %s", tid, f.path)
	}
	return types.DeserializeTuple(data, f.schema)
}

// Delete tombstones the record at the given ctid. The ctid is never reused.
func (f *File) Delete(tid types.TupleID) error {
	page, err := f.readPage(tid.PageNum)
	if err != nil {
		return err
	}
	if err := page.MarkDeleted(tid.Offset); err != nil {
		return err
	}
	f.pool.MarkDirty(f.path, tid.PageNum)
	return nil
}

// ScanAll returns every live tuple in page order; within a page, insertion
// order.
func (f *File) ScanAll() ([]ScannedRow, error) {
	var out []ScannedRow
	for n := uint32(0); n < f.pageCount; n++ {
		page, err := f.readPage(n)
		if err != nil {
			return nil, err
		}
		for _, r := range page.Live() {
			row, err := types.DeserializeTuple(r.Data, f.schema)
			if err != nil {
				return nil, err
			}
			out = append(out, ScannedRow{
				Row: row,
				TID: types.TupleID{PageNum: n, Offset: r.Offset},
			})
		}
	}
	return out, nil
}

// DeadCount sums tombstoned records across all pages.
func (f *File) DeadCount() (int, error) {
	total := 0
	for n := uint32(0); n < f.pageCount; n++ {
		page, err := f.readPage(n)
		if err != nil {
			return 0, err
		}
		total += page.DeadCount()
	}
	return total, nil
}

// Vacuum compacts every page with dead tuples, physically removing
// tombstones. Compaction changes the offsets of surviving tuples on those
// pages; the returned Moved list reports every relocation so the caller can
// rewrite index entries. The file does not shrink.
func (f *File) Vacuum() ([]Moved, error) {
	var moved []Moved
	for n := uint32(0); n < f.pageCount; n++ {
		page, err := f.readPage(n)
		if err != nil {
			return nil, err
		}
		if page.DeadCount() == 0 {
			continue
		}

		fresh, offsets, err := page.Compact()
		if err != nil {
			return nil, err
		}
		for _, r := range fresh.Live() {
			row, err := types.DeserializeTuple(r.Data, f.schema)
			if err != nil {
				return nil, err
			}
			// Find the old offset that maps to this record.
			for oldOff, newOff := range offsets {
				if newOff == r.Offset && oldOff != newOff {
					moved = append(moved, Moved{
						Old: types.TupleID{PageNum: n, Offset: oldOff},
						New: types.TupleID{PageNum: n, Offset: newOff},
						Row: row,
					})
				}
			}
		}

		if err := f.pool.Put(f.path, n, fresh); err != nil {
			return nil, err
		}
		f.fsm[n] = fresh.FreeSpace()
	}
	return moved, nil
}

// FreeSpace returns the FSM's view of a page's free bytes.
func (f *File) FreeSpace(pageNum uint32) int {
	return f.fsm[pageNum]
}

// findPageWithSpace returns the lowest-numbered page with at least n free
// bytes.
func (f *File) findPageWithSpace(n int) (uint32, bool) {
	pages := make([]uint32, 0, len(f.fsm))
	for p := range f.fsm {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	for _, p := range pages {
		if f.fsm[p] >= n {
			return p, true
		}
	}
	return 0, false
}

// allocatePage appends an empty page to the file and bumps the header's page
// count.
func (f *File) allocatePage() (uint32, error) {
	pageNum := f.pageCount
	page := NewPage(pageNum)

	file, err := os.OpenFile(f.path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, dberr.Wrap(dberr.KindIO, err, "opening heap file %s", f.path)
	}
	defer file.Close()

	if _, err := file.WriteAt(page.Serialize(), pageOffset(pageNum)); err != nil {
		return 0, dberr.Wrap(dberr.KindIO, err, "appending page %d to %s", pageNum, f.path)
	}

	f.pageCount++
	countBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(countBuf, uint64(f.pageCount))
	if _, err := file.WriteAt(countBuf, 4); err != nil {
		f.pageCount--
		return 0, dberr.Wrap(dberr.KindIO, err, "updating page count of %s", f.path)
	}

	f.fsm[pageNum] = page.FreeSpace()
	return pageNum, nil
}

// readPage loads a page through the buffer pool.
func (f *File) readPage(pageNum uint32) (*Page, error) {
	if pageNum >= f.pageCount {
		return nil, dberr.New(dberr.KindNotFound, "page %d does not exist in %s", pageNum, f.path)
	}
	p, err := f.pool.Get(f.path, pageNum, f.readPageDirect)
	if err != nil {
		return nil, err
	}
	return p.(*Page), nil
}

// readPageDirect reads a page from disk, bypassing the pool. Used as the
// pool's loader.
func (f *File) readPageDirect(path string, pageNum uint32) (buffer.Page, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindIO, err, "opening heap file %s", path)
	}
	defer file.Close()

	data := make([]byte, PageSize)
	if _, err := file.ReadAt(data, pageOffset(pageNum)); err != nil {
		return nil, dberr.Wrap(dberr.KindIO, err, "reading page %d of %s", pageNum, path)
	}
	return DeserializePage(data, pageNum)
}
