package catalog

import (
	"encoding/binary"

	"reldb/pkg/dberr"
	"reldb/pkg/types"
)

// The catalog payload is a self-contained binary blob: fixed-width
// little-endian counts and 2-byte-length-prefixed UTF-8 strings.

type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) need(n int) error {
	if r.off+n > len(r.data) {
		return dberr.New(dberr.KindFormat, "catalog payload truncated at offset %d", r.off)
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bool() (bool, error) {
	v, err := r.u8()
	return v != 0, err
}

func (r *reader) str() (string, error) {
	n, err := r.u16()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.data[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func encodePayload(c *Catalog) []byte {
	w := &writer{}

	w.u32(uint32(len(c.tableOrder)))
	for _, name := range c.tableOrder {
		s := c.tables[name]
		w.str(s.TableName)
		w.u16(uint16(len(s.Columns)))
		for _, col := range s.Columns {
			w.str(col.Name)
			w.u8(uint8(col.Type))
			w.bool(col.Nullable)
			w.bool(col.Unique)
		}
		w.u16(uint16(len(s.PrimaryKey)))
		for _, pk := range s.PrimaryKey {
			w.str(pk)
		}
	}

	w.u32(uint32(len(c.indexOrder)))
	for _, key := range c.indexOrder {
		m := c.indexes[key]
		w.str(m.Name)
		w.str(m.Table)
		w.u16(uint16(len(m.Columns)))
		for _, col := range m.Columns {
			w.str(col)
		}
		w.bool(m.Unique)
	}

	w.u32(uint32(len(c.tableOrder)))
	for _, name := range c.tableOrder {
		st := c.stats[name]
		w.str(st.Table)
		w.u64(st.RowCount)
		w.u64(st.PageCount)
		w.u64(st.DeadTuples)
		w.u64(st.ModCount)
		w.u32(uint32(len(st.Distinct)))
		for _, col := range sortedKeys(st.Distinct) {
			w.str(col)
			w.u64(st.Distinct[col])
		}
	}

	return w.buf
}

func decodePayload(data []byte, c *Catalog) error {
	r := &reader{data: data}

	tableCount, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < tableCount; i++ {
		s := &types.Schema{}
		if s.TableName, err = r.str(); err != nil {
			return err
		}
		colCount, err := r.u16()
		if err != nil {
			return err
		}
		for j := uint16(0); j < colCount; j++ {
			var col types.Column
			if col.Name, err = r.str(); err != nil {
				return err
			}
			t, err := r.u8()
			if err != nil {
				return err
			}
			col.Type = types.DataType(t)
			if col.Nullable, err = r.bool(); err != nil {
				return err
			}
			if col.Unique, err = r.bool(); err != nil {
				return err
			}
			s.Columns = append(s.Columns, col)
		}
		pkCount, err := r.u16()
		if err != nil {
			return err
		}
		for j := uint16(0); j < pkCount; j++ {
			pk, err := r.str()
			if err != nil {
				return err
			}
			s.PrimaryKey = append(s.PrimaryKey, pk)
		}
		c.tables[s.TableName] = s
		c.tableOrder = append(c.tableOrder, s.TableName)
	}

	indexCount, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < indexCount; i++ {
		m := &IndexMeta{}
		if m.Name, err = r.str(); err != nil {
			return err
		}
		if m.Table, err = r.str(); err != nil {
			return err
		}
		colCount, err := r.u16()
		if err != nil {
			return err
		}
		for j := uint16(0); j < colCount; j++ {
			col, err := r.str()
			if err != nil {
				return err
			}
			m.Columns = append(m.Columns, col)
		}
		if m.Unique, err = r.bool(); err != nil {
			return err
		}
		c.indexes[m.Key()] = m
		c.indexOrder = append(c.indexOrder, m.Key())
	}

	statsCount, err := r.u32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < statsCount; i++ {
		st := &TableStats{Distinct: make(map[string]uint64)}
		if st.Table, err = r.str(); err != nil {
			return err
		}
		if st.RowCount, err = r.u64(); err != nil {
			return err
		}
		if st.PageCount, err = r.u64(); err != nil {
			return err
		}
		if st.DeadTuples, err = r.u64(); err != nil {
			return err
		}
		if st.ModCount, err = r.u64(); err != nil {
			return err
		}
		distinctCount, err := r.u32()
		if err != nil {
			return err
		}
		for j := uint32(0); j < distinctCount; j++ {
			col, err := r.str()
			if err != nil {
				return err
			}
			n, err := r.u64()
			if err != nil {
				return err
			}
			st.Distinct[col] = n
		}
		c.stats[st.Table] = st
	}

	return nil
}
