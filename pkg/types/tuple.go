package types

import (
	"encoding/binary"
	"math"
	"unicode/utf8"

	"reldb/pkg/dberr"
)

// Serialized tuple limits.
const (
	MaxTupleSize = 64*1024 - 1 // whole serialized tuple
	MaxTextSize  = 10 * 1024   // TEXT value payload
)

// SerializeTuple encodes a row against its schema.
//
// Layout: an optional null bitmap (present iff the schema has at least one
// nullable column; one bit per nullable column in schema order, LSB-first,
// padded to whole bytes), followed by the non-NULL column values in schema
// order. All integers little-endian; FLOAT as IEEE-754 bits; TEXT as a 2-byte
// length plus UTF-8 bytes capped at MaxTextSize.
func SerializeTuple(row Row, schema *Schema) ([]byte, error) {
	if len(row) != len(schema.Columns) {
		return nil, dberr.New(dberr.KindSchema,
			"value count (%d) does not match column count (%d)", len(row), len(schema.Columns))
	}

	buf := make([]byte, 0, 64)

	if schema.HasNullable() {
		bitmap := make([]byte, (schema.NullableCount()+7)/8)
		bit := 0
		for i := range schema.Columns {
			if !schema.Nullable(i) {
				continue
			}
			if row[i].Null {
				bitmap[bit/8] |= 1 << (bit % 8)
			}
			bit++
		}
		buf = append(buf, bitmap...)
	}

	for i, col := range schema.Columns {
		v := row[i]
		if v.Null {
			continue
		}
		if v.Type != col.Type {
			return nil, dberr.New(dberr.KindSchema,
				"column '%s' expects %s, got %s", col.Name, col.Type, v.Type)
		}
		switch col.Type {
		case DataTypeInt:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(v.Int)))
		case DataTypeBigInt, DataTypeTimestamp:
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v.Int))
		case DataTypeFloat:
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.Float))
		case DataTypeBool:
			if v.Bool {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case DataTypeText:
			text := capText(v.Text)
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(text)))
			buf = append(buf, text...)
		default:
			return nil, dberr.New(dberr.KindSchema, "column '%s' has invalid type", col.Name)
		}
	}

	if len(buf) > MaxTupleSize {
		return nil, dberr.New(dberr.KindConstraint,
			"tuple size (%d bytes) exceeds maximum (%d bytes)", len(buf), MaxTupleSize)
	}
	return buf, nil
}

// capText bounds a TEXT payload to MaxTextSize bytes without splitting a rune.
func capText(s string) string {
	if len(s) <= MaxTextSize {
		return s
	}
	cut := MaxTextSize
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// DeserializeTuple decodes a serialized tuple against its schema.
func DeserializeTuple(data []byte, schema *Schema) (Row, error) {
	off := 0

	var bitmap []byte
	if schema.HasNullable() {
		n := (schema.NullableCount() + 7) / 8
		if len(data) < n {
			return nil, dberr.New(dberr.KindFormat, "tuple truncated in null bitmap")
		}
		bitmap = data[:n]
		off = n
	}

	row := make(Row, len(schema.Columns))
	bit := 0
	for i, col := range schema.Columns {
		if schema.Nullable(i) {
			null := bitmap[bit/8]&(1<<(bit%8)) != 0
			bit++
			if null {
				row[i] = NewNull(col.Type)
				continue
			}
		}

		switch col.Type {
		case DataTypeInt:
			if off+IntSize > len(data) {
				return nil, truncated(col.Name)
			}
			row[i] = NewInt(int32(binary.LittleEndian.Uint32(data[off:])))
			off += IntSize
		case DataTypeBigInt:
			if off+BigIntSize > len(data) {
				return nil, truncated(col.Name)
			}
			row[i] = NewBigInt(int64(binary.LittleEndian.Uint64(data[off:])))
			off += BigIntSize
		case DataTypeTimestamp:
			if off+TimestampSize > len(data) {
				return nil, truncated(col.Name)
			}
			row[i] = NewTimestamp(int64(binary.LittleEndian.Uint64(data[off:])))
			off += TimestampSize
		case DataTypeFloat:
			if off+FloatSize > len(data) {
				return nil, truncated(col.Name)
			}
			row[i] = NewFloat(math.Float64frombits(binary.LittleEndian.Uint64(data[off:])))
			off += FloatSize
		case DataTypeBool:
			if off+BoolSize > len(data) {
				return nil, truncated(col.Name)
			}
			row[i] = NewBool(data[off] != 0)
			off += BoolSize
		case DataTypeText:
			if off+2 > len(data) {
				return nil, truncated(col.Name)
			}
			n := int(binary.LittleEndian.Uint16(data[off:]))
			off += 2
			if off+n > len(data) {
				return nil, truncated(col.Name)
			}
			row[i] = NewText(string(data[off : off+n]))
			off += n
		default:
			return nil, dberr.New(dberr.KindFormat, "column '%s' has invalid type", col.Name)
		}
	}
	return row, nil
}

func truncated(col string) error {
	return dberr.New(dberr.KindFormat, "tuple truncated in column '%s'", col)
}
