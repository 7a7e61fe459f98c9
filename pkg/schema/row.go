package schema

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Value holds one column value of a row. Exactly one of the fields is
// meaningful, determined by the column's declared type.
type Value struct {
	U64   uint64
	U8    uint8
	Bytes []byte // fixed- or variable-length byte columns
}

// Row is one record of a fixed entity kind. Values are positional and
// follow the kind's schema. Rows are immutable once written to a store.
type Row struct {
	Kind   Kind
	Values []Value
}

// NewRow returns a zero-valued row of the given kind.
func NewRow(kind Kind) Row {
	s := Of(kind)
	values := make([]Value, len(s.Columns))
	for i, c := range s.Columns {
		if c.Type == TypeFixedBytes {
			values[i].Bytes = make([]byte, c.Width)
		}
	}
	return Row{Kind: kind, Values: values}
}

// BlockNumber returns the row's block number. Column 0 is the block number
// for every entity kind.
func (r Row) BlockNumber() uint64 {
	return r.Values[0].U64
}

// Equal reports whether two rows have the same kind and column values.
func (r Row) Equal(other Row) bool {
	if r.Kind != other.Kind || len(r.Values) != len(other.Values) {
		return false
	}
	s := Of(r.Kind)
	for i, c := range s.Columns {
		a, b := r.Values[i], other.Values[i]
		switch c.Type {
		case TypeUint64:
			if a.U64 != b.U64 {
				return false
			}
		case TypeUint8:
			if a.U8 != b.U8 {
				return false
			}
		default:
			if !bytes.Equal(a.Bytes, b.Bytes) {
				return false
			}
		}
	}
	return true
}

// EncodeRow serializes a single row for the hot store. The layout is the
// schema's columns in order: u64 as 8 bytes little-endian, u8 as one byte,
// fixed bytes at their declared width, variable bytes length-prefixed.
func EncodeRow(r Row) ([]byte, error) {
	s := Of(r.Kind)
	if len(r.Values) != len(s.Columns) {
		return nil, codecErr("encode", r.Kind, fmt.Errorf("%w: row has %d values, schema has %d columns",
			ErrSchemaMismatch, len(r.Values), len(s.Columns)))
	}

	size := 0
	for i, c := range s.Columns {
		switch c.Type {
		case TypeUint64:
			size += 8
		case TypeUint8:
			size++
		case TypeFixedBytes:
			size += c.Width
		case TypeBytes:
			size += 4 + len(r.Values[i].Bytes)
		}
	}

	buf := make([]byte, 0, size)
	for i, c := range s.Columns {
		v := r.Values[i]
		switch c.Type {
		case TypeUint64:
			buf = binary.LittleEndian.AppendUint64(buf, v.U64)
		case TypeUint8:
			buf = append(buf, v.U8)
		case TypeFixedBytes:
			if len(v.Bytes) != c.Width {
				return nil, codecErr("encode", r.Kind, fmt.Errorf("%w: column %s wants %d bytes, got %d",
					ErrSchemaMismatch, c.Name, c.Width, len(v.Bytes)))
			}
			buf = append(buf, v.Bytes...)
		case TypeBytes:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.Bytes)))
			buf = append(buf, v.Bytes...)
		}
	}
	return buf, nil
}

// DecodeRow deserializes a single hot store row of the given kind.
func DecodeRow(kind Kind, data []byte) (Row, error) {
	s := Of(kind)
	row := Row{Kind: kind, Values: make([]Value, len(s.Columns))}

	off := 0
	for i, c := range s.Columns {
		switch c.Type {
		case TypeUint64:
			if off+8 > len(data) {
				return Row{}, codecErr("decode", kind, ErrTruncatedBuffer)
			}
			row.Values[i].U64 = binary.LittleEndian.Uint64(data[off:])
			off += 8
		case TypeUint8:
			if off >= len(data) {
				return Row{}, codecErr("decode", kind, ErrTruncatedBuffer)
			}
			row.Values[i].U8 = data[off]
			off++
		case TypeFixedBytes:
			if off+c.Width > len(data) {
				return Row{}, codecErr("decode", kind, ErrTruncatedBuffer)
			}
			row.Values[i].Bytes = append([]byte(nil), data[off:off+c.Width]...)
			off += c.Width
		case TypeBytes:
			if off+4 > len(data) {
				return Row{}, codecErr("decode", kind, ErrTruncatedBuffer)
			}
			n := int(binary.LittleEndian.Uint32(data[off:]))
			off += 4
			if off+n > len(data) {
				return Row{}, codecErr("decode", kind, ErrTruncatedBuffer)
			}
			row.Values[i].Bytes = append([]byte(nil), data[off:off+n]...)
			off += n
		}
	}
	if off != len(data) {
		return Row{}, codecErr("decode", kind, fmt.Errorf("%w: %d trailing bytes", ErrSchemaMismatch, len(data)-off))
	}
	return row, nil
}
