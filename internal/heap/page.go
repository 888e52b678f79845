// Package heap implements per-table heap files of slotted pages.
package heap

import (
	"encoding/binary"
	"os"

	"reldb/pkg/dberr"
)

const (
	// PageSize is the unit of heap I/O.
	PageSize = 8192
	// PageHeaderSize is the fixed page header: free space (2), tuple count
	// (2), dead count (2), 10 reserved.
	PageHeaderSize = 16

	// Tombstone marks a record's first body byte when logically deleted.
	Tombstone = 0xFF

	// recordPrefixSize is the per-record length prefix. Storing the length
	// inline lets a page deserialize standalone instead of depending on the
	// in-memory insert order.
	recordPrefixSize = 2
)

// Record is a stored record within a page. Data excludes the length prefix;
// Offset is the byte position of the length prefix from the page start.
type Record struct {
	Offset uint16
	Data   []byte
}

// Page is an 8 KiB heap page holding variable-length records.
type Page struct {
	pageNum   uint32
	records   []Record
	rawFree   int // body bytes not yet consumed by records and their prefixes
	deadCount int
}

// NewPage creates an empty page.
func NewPage(pageNum uint32) *Page {
	return &Page{
		pageNum: pageNum,
		rawFree: PageSize - PageHeaderSize,
	}
}

// PageNum returns the page's position in its file.
func (p *Page) PageNum() uint32 { return p.pageNum }

// FreeSpace returns the bytes available for the next record's body: the raw
// remainder minus that record's length prefix. A record whose serialized
// size exactly equals FreeSpace fits.
func (p *Page) FreeSpace() int {
	if p.rawFree < recordPrefixSize {
		return 0
	}
	return p.rawFree - recordPrefixSize
}

// DeadCount returns the number of tombstoned records.
func (p *Page) DeadCount() int { return p.deadCount }

// TupleCount returns the number of stored records, live and dead.
func (p *Page) TupleCount() int { return len(p.records) }

// CanFit reports whether a record body of n bytes fits.
func (p *Page) CanFit(n int) bool {
	return n <= p.FreeSpace()
}

// AddRecord appends a record and returns its offset within the page.
func (p *Page) AddRecord(data []byte) (uint16, error) {
	if !p.CanFit(len(data)) {
		return 0, dberr.New(dberr.KindConstraint,
			"record (%d bytes) does not fit in page %d (%d bytes free)",
			len(data), p.pageNum, p.FreeSpace())
	}
	offset := uint16(PageHeaderSize + (PageSize - PageHeaderSize - p.rawFree))
	body := make([]byte, len(data))
	copy(body, data)
	p.records = append(p.records, Record{Offset: offset, Data: body})
	p.rawFree -= len(data) + recordPrefixSize
	return offset, nil
}

// Record returns the live record body at the given offset. The second result
// is false when no record lives there or it is tombstoned.
func (p *Page) Record(offset uint16) ([]byte, bool) {
	for _, r := range p.records {
		if r.Offset == offset {
			if len(r.Data) > 0 && r.Data[0] == Tombstone {
				return nil, false
			}
			return r.Data, true
		}
	}
	return nil, false
}

// MarkDeleted tombstones the record at the given offset.
func (p *Page) MarkDeleted(offset uint16) error {
	for i, r := range p.records {
		if r.Offset == offset {
			if len(r.Data) > 0 && r.Data[0] == Tombstone {
				return nil // already dead
			}
			p.records[i].Data[0] = Tombstone
			p.deadCount++
			return nil
		}
	}
	return dberr.New(dberr.KindNotFound, "no record at offset %d in page %d", offset, p.pageNum)
}

// Live returns every non-tombstoned record in insertion order.
func (p *Page) Live() []Record {
	out := make([]Record, 0, len(p.records))
	for _, r := range p.records {
		if len(r.Data) > 0 && r.Data[0] == Tombstone {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Compact rebuilds the page from its surviving records, preserving insertion
// order. It returns the new page and the offset each surviving record moved
// to, keyed by old offset.
func (p *Page) Compact() (*Page, map[uint16]uint16, error) {
	fresh := NewPage(p.pageNum)
	moved := make(map[uint16]uint16)
	for _, r := range p.Live() {
		newOff, err := fresh.AddRecord(r.Data)
		if err != nil {
			return nil, nil, err
		}
		moved[r.Offset] = newOff
	}
	return fresh, moved, nil
}

// Serialize encodes the page into exactly PageSize bytes.
func (p *Page) Serialize() []byte {
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(p.FreeSpace()))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(len(p.records)))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(p.deadCount))

	off := PageHeaderSize
	for _, r := range p.records {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(r.Data)))
		off += 2
		copy(buf[off:], r.Data)
		off += len(r.Data)
	}
	return buf
}

// DeserializePage decodes a page from its on-disk image.
func DeserializePage(data []byte, pageNum uint32) (*Page, error) {
	if len(data) < PageHeaderSize {
		return nil, dberr.New(dberr.KindFormat, "page %d truncated", pageNum)
	}
	p := &Page{
		pageNum:   pageNum,
		rawFree:   PageSize - PageHeaderSize,
		deadCount: int(binary.LittleEndian.Uint16(data[4:6])),
	}
	count := int(binary.LittleEndian.Uint16(data[2:4]))

	off := PageHeaderSize
	for i := 0; i < count; i++ {
		if off+recordPrefixSize > len(data) {
			return nil, dberr.New(dberr.KindFormat, "page %d record %d truncated", pageNum, i)
		}
		n := int(binary.LittleEndian.Uint16(data[off : off+2]))
		if off+recordPrefixSize+n > len(data) {
			return nil, dberr.New(dberr.KindFormat, "page %d record %d truncated", pageNum, i)
		}
		body := make([]byte, n)
		copy(body, data[off+recordPrefixSize:off+recordPrefixSize+n])
		p.records = append(p.records, Record{Offset: uint16(off), Data: body})
		p.rawFree -= recordPrefixSize + n
		off += recordPrefixSize + n
	}
	return p, nil
}

// WriteBack persists the page at its slot in the heap file. Satisfies
// buffer.Page.
func (p *Page) WriteBack(path string, pageNum uint32) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(p.Serialize(), pageOffset(pageNum))
	return err
}

func pageOffset(pageNum uint32) int64 {
	return FileHeaderSize + int64(pageNum)*PageSize
}
