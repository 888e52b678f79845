// Package types provides common type definitions for reldb.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// DataType identifies a column's declared type.
type DataType uint8

const (
	DataTypeInvalid DataType = iota
	DataTypeInt
	DataTypeBigInt
	DataTypeFloat
	DataTypeBool
	DataTypeTimestamp
	DataTypeText
)

// Fixed serialized widths in bytes. TEXT is variable-length.
const (
	IntSize       = 4
	BigIntSize    = 8
	FloatSize     = 8
	BoolSize      = 1
	TimestampSize = 8
)

func (t DataType) String() string {
	switch t {
	case DataTypeInt:
		return "INT"
	case DataTypeBigInt:
		return "BIGINT"
	case DataTypeFloat:
		return "FLOAT"
	case DataTypeBool:
		return "BOOLEAN"
	case DataTypeTimestamp:
		return "TIMESTAMP"
	case DataTypeText:
		return "TEXT"
	default:
		return "INVALID"
	}
}

// FixedSize returns the serialized width of the type, or -1 for TEXT.
func (t DataType) FixedSize() int {
	switch t {
	case DataTypeInt:
		return IntSize
	case DataTypeBigInt:
		return BigIntSize
	case DataTypeFloat:
		return FloatSize
	case DataTypeBool:
		return BoolSize
	case DataTypeTimestamp:
		return TimestampSize
	default:
		return -1
	}
}

// Value is a single typed column value. A NULL value keeps its column type.
type Value struct {
	Type DataType
	Null bool

	Int   int64 // INT, BIGINT, TIMESTAMP
	Float float64
	Bool  bool
	Text  string
}

func NewNull(t DataType) Value { return Value{Type: t, Null: true} }
func NewInt(v int32) Value     { return Value{Type: DataTypeInt, Int: int64(v)} }
func NewBigInt(v int64) Value  { return Value{Type: DataTypeBigInt, Int: v} }
func NewFloat(v float64) Value { return Value{Type: DataTypeFloat, Float: v} }
func NewBool(v bool) Value     { return Value{Type: DataTypeBool, Bool: v} }
func NewTimestamp(micros int64) Value {
	return Value{Type: DataTypeTimestamp, Int: micros}
}
func NewText(v string) Value { return Value{Type: DataTypeText, Text: v} }

// IsNumeric reports whether the value participates in numeric ordering.
func (v Value) IsNumeric() bool {
	switch v.Type {
	case DataTypeInt, DataTypeBigInt, DataTypeFloat, DataTypeTimestamp:
		return true
	}
	return false
}

func (v Value) asFloat() float64 {
	if v.Type == DataTypeFloat {
		return v.Float
	}
	return float64(v.Int)
}

func (v Value) String() string {
	if v.Null {
		return "NULL"
	}
	switch v.Type {
	case DataTypeInt, DataTypeBigInt, DataTypeTimestamp:
		return strconv.FormatInt(v.Int, 10)
	case DataTypeFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case DataTypeBool:
		return strconv.FormatBool(v.Bool)
	case DataTypeText:
		return v.Text
	default:
		return "NULL"
	}
}

// Compare orders two values. NULL sorts before every non-NULL value and is
// equal to NULL. Numeric types compare by value regardless of width; TEXT
// compares by code point; BOOL orders false before true.
func Compare(a, b Value) int {
	if a.Null || b.Null {
		switch {
		case a.Null && b.Null:
			return 0
		case a.Null:
			return -1
		default:
			return 1
		}
	}
	if a.IsNumeric() && b.IsNumeric() {
		if a.Type != DataTypeFloat && b.Type != DataTypeFloat {
			switch {
			case a.Int < b.Int:
				return -1
			case a.Int > b.Int:
				return 1
			default:
				return 0
			}
		}
		af, bf := a.asFloat(), b.asFloat()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	switch a.Type {
	case DataTypeText:
		return strings.Compare(a.Text, b.Text)
	case DataTypeBool:
		switch {
		case !a.Bool && b.Bool:
			return -1
		case a.Bool && !b.Bool:
			return 1
		default:
			return 0
		}
	}
	return 0
}

// Equal reports whether two non-NULL values compare equal. NULL never equals
// anything, including NULL.
func Equal(a, b Value) bool {
	if a.Null || b.Null {
		return false
	}
	return Compare(a, b) == 0
}

// Row is an ordered tuple of values.
type Row []Value

// Clone returns a copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// TupleID locates a tuple on disk: (page number, byte offset within page).
// Stable for the tuple's lifetime; invalidated by delete and vacuum.
type TupleID struct {
	PageNum uint32
	Offset  uint16
}

func (t TupleID) String() string {
	return fmt.Sprintf("(%d,%d)", t.PageNum, t.Offset)
}

// Column is a single column definition.
type Column struct {
	Name     string
	Type     DataType
	Nullable bool
	Unique   bool
}

// Schema describes a table: ordered columns plus a non-empty primary key.
type Schema struct {
	TableName  string
	Columns    []Column
	PrimaryKey []string
}

// Column returns the named column definition.
func (s *Schema) Column(name string) (*Column, bool) {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return &s.Columns[i], true
		}
	}
	return nil, false
}

// ColumnIndex returns the position of the named column.
func (s *Schema) ColumnIndex(name string) (int, bool) {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return i, true
		}
	}
	return -1, false
}

// Nullable reports whether column i admits NULL, honoring the implicit
// NOT NULL on primary-key columns.
func (s *Schema) Nullable(i int) bool {
	if !s.Columns[i].Nullable {
		return false
	}
	return !s.IsPrimaryKey(s.Columns[i].Name)
}

// HasNullable reports whether any column is nullable.
func (s *Schema) HasNullable() bool {
	return s.NullableCount() > 0
}

// NullableCount returns the number of nullable columns, which is the null
// bitmap width in bits.
func (s *Schema) NullableCount() int {
	n := 0
	for i := range s.Columns {
		if s.Nullable(i) {
			n++
		}
	}
	return n
}

// IsPrimaryKey reports whether the named column is part of the primary key.
func (s *Schema) IsPrimaryKey(name string) bool {
	for _, pk := range s.PrimaryKey {
		if pk == name {
			return true
		}
	}
	return false
}

// HeapFileName returns the table's heap file name within the data directory.
func (s *Schema) HeapFileName() string {
	return s.TableName + ".dat"
}

// Clone returns a deep copy of the schema.
func (s *Schema) Clone() *Schema {
	out := &Schema{
		TableName:  s.TableName,
		Columns:    make([]Column, len(s.Columns)),
		PrimaryKey: make([]string, len(s.PrimaryKey)),
	}
	copy(out.Columns, s.Columns)
	copy(out.PrimaryKey, s.PrimaryKey)
	return out
}
