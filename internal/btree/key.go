// Package btree implements the disk-resident B-tree index.
package btree

import (
	"encoding/binary"
	"math"

	"reldb/pkg/dberr"
	"reldb/pkg/types"
)

// Key is an index key: one value per key column. Single-column keys have
// length 1.
type Key []types.Value

// NewKey builds a key from its components.
func NewKey(vals ...types.Value) Key {
	return Key(vals)
}

// Truncate returns the key with every TEXT component shortened to its first
// prefixLen code points. All keys crossing the index boundary pass through
// this before comparison or storage.
func (k Key) Truncate(prefixLen int) Key {
	out := make(Key, len(k))
	for i, v := range k {
		if v.Type == types.DataTypeText && !v.Null {
			runes := []rune(v.Text)
			if len(runes) > prefixLen {
				v = types.NewText(string(runes[:prefixLen]))
			}
		}
		out[i] = v
	}
	return out
}

// HasNull reports whether any component is NULL.
func (k Key) HasNull() bool {
	for _, v := range k {
		if v.Null {
			return true
		}
	}
	return false
}

// CompareKeys orders two keys lexicographically across components.
func CompareKeys(a, b Key) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := types.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Component type tags in the serialized key format.
const (
	tagNull      = 0
	tagInt       = 1
	tagBigInt    = 2
	tagFloat     = 3
	tagBool      = 4
	tagTimestamp = 5
	tagText      = 6
)

// appendKey encodes a key: component count (2), then per component a type
// tag (1) and the value payload (TEXT carries a 2-byte length).
func appendKey(buf []byte, k Key) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(k)))
	for _, v := range k {
		if v.Null {
			buf = append(buf, tagNull)
			continue
		}
		switch v.Type {
		case types.DataTypeInt:
			buf = append(buf, tagInt)
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(v.Int)))
		case types.DataTypeBigInt:
			buf = append(buf, tagBigInt)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v.Int))
		case types.DataTypeFloat:
			buf = append(buf, tagFloat)
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.Float))
		case types.DataTypeBool:
			buf = append(buf, tagBool)
			if v.Bool {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case types.DataTypeTimestamp:
			buf = append(buf, tagTimestamp)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v.Int))
		case types.DataTypeText:
			buf = append(buf, tagText)
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(v.Text)))
			buf = append(buf, v.Text...)
		}
	}
	return buf
}

// decodeKey decodes one key starting at data[off], returning the key and the
// offset past it.
func decodeKey(data []byte, off int) (Key, int, error) {
	if off+2 > len(data) {
		return nil, 0, dberr.New(dberr.KindFormat, "truncated key header")
	}
	count := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2

	k := make(Key, 0, count)
	for i := 0; i < count; i++ {
		if off >= len(data) {
			return nil, 0, dberr.New(dberr.KindFormat, "truncated key component")
		}
		tag := data[off]
		off++
		switch tag {
		case tagNull:
			k = append(k, types.Value{Null: true})
		case tagInt:
			if off+4 > len(data) {
				return nil, 0, dberr.New(dberr.KindFormat, "truncated INT key component")
			}
			k = append(k, types.NewInt(int32(binary.LittleEndian.Uint32(data[off:]))))
			off += 4
		case tagBigInt:
			if off+8 > len(data) {
				return nil, 0, dberr.New(dberr.KindFormat, "truncated BIGINT key component")
			}
			k = append(k, types.NewBigInt(int64(binary.LittleEndian.Uint64(data[off:]))))
			off += 8
		case tagFloat:
			if off+8 > len(data) {
				return nil, 0, dberr.New(dberr.KindFormat, "truncated FLOAT key component")
			}
			k = append(k, types.NewFloat(math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))))
			off += 8
		case tagBool:
			if off+1 > len(data) {
				return nil, 0, dberr.New(dberr.KindFormat, "truncated BOOLEAN key component")
			}
			k = append(k, types.NewBool(data[off] != 0))
			off++
		case tagTimestamp:
			if off+8 > len(data) {
				return nil, 0, dberr.New(dberr.KindFormat, "truncated TIMESTAMP key component")
			}
			k = append(k, types.NewTimestamp(int64(binary.LittleEndian.Uint64(data[off:]))))
			off += 8
		case tagText:
			if off+2 > len(data) {
				return nil, 0, dberr.New(dberr.KindFormat, "truncated TEXT key component")
			}
			n := int(binary.LittleEndian.Uint16(data[off:]))
			off += 2
			if off+n > len(data) {
				return nil, 0, dberr.New(dberr.KindFormat, "truncated TEXT key component")
			}
			k = append(k, types.NewText(string(data[off:off+n])))
			off += n
		default:
			return nil, 0, dberr.New(dberr.KindFormat, "unknown key component tag %d", tag)
		}
	}
	return k, off, nil
}
