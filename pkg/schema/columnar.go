package schema

import (
	"encoding/binary"
	"fmt"
)

// Columnar buffer format:
//   [Header: magic(4) | version(1) | kind(1) | column_count(2) | row_count(4) | section_count(2)]
//   [Section per column: column_index(2) | type(1) | width(2) | payload_len(4) | payload]
//
// Payloads by type:
//   uint64       row_count * 8 bytes, little-endian
//   uint8        row_count bytes
//   fixed bytes  row_count * width bytes, row-major
//   var bytes    row_count * 4 end-offsets (little-endian u32), then the
//                concatenated payload (its length is the last end-offset)
//
// Each section is self-contained, so a decoder can materialize any subset
// of columns without touching the rest of the buffer.

const (
	// BufferMagic marks a columnar buffer ("COLB")
	BufferMagic = 0x424c4f43
	// BufferVersion is the current format version
	BufferVersion = 1

	headerSize  = 14
	sectionSize = 9 // per-column section header
)

// ColumnData holds one decoded column. The populated field is determined by
// Type; the others stay nil.
type ColumnData struct {
	Type    ColumnType
	Width   int
	U64     []uint64
	U8      []uint8
	Fixed   []byte   // row-major, NumRows*Width bytes
	Offsets []uint32 // end offsets into Blob, one per row
	Blob    []byte
}

// Buffer is a decoded columnar buffer. Columns is indexed by schema column
// position; entries not covered by the decode mask are nil.
type Buffer struct {
	Kind    Kind
	NumRows int
	Columns []*ColumnData
}

// Encode serializes rows of one entity kind into a columnar buffer. All rows
// must share the buffer's kind.
func Encode(kind Kind, rows []Row) ([]byte, error) {
	s := Of(kind)

	for i := range rows {
		if rows[i].Kind != kind {
			return nil, codecErr("encode", kind, fmt.Errorf("%w: row %d has kind %s",
				ErrSchemaMismatch, i, rows[i].Kind))
		}
		if len(rows[i].Values) != len(s.Columns) {
			return nil, codecErr("encode", kind, fmt.Errorf("%w: row %d has %d values, schema has %d columns",
				ErrSchemaMismatch, i, len(rows[i].Values), len(s.Columns)))
		}
	}

	buf := make([]byte, 0, headerSize+len(s.Columns)*sectionSize+len(rows)*64)
	buf = binary.LittleEndian.AppendUint32(buf, BufferMagic)
	buf = append(buf, BufferVersion, byte(kind))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s.Columns)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rows)))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s.Columns)))

	for ci, c := range s.Columns {
		payload, err := encodeColumn(kind, c, ci, rows)
		if err != nil {
			return nil, err
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(ci))
		buf = append(buf, byte(c.Type))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(c.Width))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
		buf = append(buf, payload...)
	}
	return buf, nil
}

func encodeColumn(kind Kind, c Column, ci int, rows []Row) ([]byte, error) {
	switch c.Type {
	case TypeUint64:
		payload := make([]byte, 0, len(rows)*8)
		for i := range rows {
			payload = binary.LittleEndian.AppendUint64(payload, rows[i].Values[ci].U64)
		}
		return payload, nil
	case TypeUint8:
		payload := make([]byte, len(rows))
		for i := range rows {
			payload[i] = rows[i].Values[ci].U8
		}
		return payload, nil
	case TypeFixedBytes:
		payload := make([]byte, 0, len(rows)*c.Width)
		for i := range rows {
			b := rows[i].Values[ci].Bytes
			if len(b) != c.Width {
				return nil, codecErr("encode", kind, fmt.Errorf("%w: row %d column %s wants %d bytes, got %d",
					ErrSchemaMismatch, i, c.Name, c.Width, len(b)))
			}
			payload = append(payload, b...)
		}
		return payload, nil
	case TypeBytes:
		blobLen := 0
		for i := range rows {
			blobLen += len(rows[i].Values[ci].Bytes)
		}
		payload := make([]byte, 0, len(rows)*4+blobLen)
		end := uint32(0)
		for i := range rows {
			end += uint32(len(rows[i].Values[ci].Bytes))
			payload = binary.LittleEndian.AppendUint32(payload, end)
		}
		for i := range rows {
			payload = append(payload, rows[i].Values[ci].Bytes...)
		}
		return payload, nil
	default:
		return nil, codecErr("encode", kind, fmt.Errorf("%w: unknown column type %d", ErrSchemaMismatch, c.Type))
	}
}

// EncodeColumnPayloads returns each column's raw payload without the buffer
// envelope. Chunk files store and compress columns individually so a query
// can decode one column without touching the rest.
func EncodeColumnPayloads(kind Kind, rows []Row) ([][]byte, error) {
	s := Of(kind)
	for i := range rows {
		if rows[i].Kind != kind || len(rows[i].Values) != len(s.Columns) {
			return nil, codecErr("encode", kind, fmt.Errorf("%w: row %d does not match schema", ErrSchemaMismatch, i))
		}
	}
	out := make([][]byte, len(s.Columns))
	for ci, c := range s.Columns {
		payload, err := encodeColumn(kind, c, ci, rows)
		if err != nil {
			return nil, err
		}
		out[ci] = payload
	}
	return out, nil
}

// DecodeColumnPayload decodes a single raw column payload produced by
// EncodeColumnPayloads.
func DecodeColumnPayload(kind Kind, col, rowCount int, payload []byte) (*ColumnData, error) {
	s := Of(kind)
	if col < 0 || col >= len(s.Columns) {
		return nil, codecErr("decode", kind, fmt.Errorf("%w: no column %d", ErrSchemaMismatch, col))
	}
	c := s.Columns[col]
	return decodeColumn(kind, c.Type, c.Width, rowCount, payload)
}

// Decode deserializes a columnar buffer, materializing only the columns
// selected by mask. The buffer's declared kind and column count must match
// the expected schema or ErrSchemaMismatch is returned.
func Decode(data []byte, expect Kind, mask Mask) (*Buffer, error) {
	if len(data) < headerSize {
		return nil, codecErr("decode", expect, ErrTruncatedBuffer)
	}
	if binary.LittleEndian.Uint32(data) != BufferMagic {
		return nil, codecErr("decode", expect, fmt.Errorf("%w: bad magic", ErrSchemaMismatch))
	}
	if data[4] != BufferVersion {
		return nil, codecErr("decode", expect, fmt.Errorf("%w: unsupported version %d", ErrSchemaMismatch, data[4]))
	}
	kind := Kind(data[5])
	if kind != expect {
		return nil, codecErr("decode", expect, fmt.Errorf("%w: buffer holds %s rows", ErrSchemaMismatch, kind))
	}

	s := Of(expect)
	colCount := int(binary.LittleEndian.Uint16(data[6:]))
	if colCount != len(s.Columns) {
		return nil, codecErr("decode", expect, fmt.Errorf("%w: buffer declares %d columns, schema has %d",
			ErrSchemaMismatch, colCount, len(s.Columns)))
	}
	rowCount := int(binary.LittleEndian.Uint32(data[8:]))
	sectionCount := int(binary.LittleEndian.Uint16(data[12:]))

	out := &Buffer{
		Kind:    expect,
		NumRows: rowCount,
		Columns: make([]*ColumnData, len(s.Columns)),
	}

	off := headerSize
	for i := 0; i < sectionCount; i++ {
		if off+sectionSize > len(data) {
			return nil, codecErr("decode", expect, ErrTruncatedBuffer)
		}
		ci := int(binary.LittleEndian.Uint16(data[off:]))
		typ := ColumnType(data[off+2])
		width := int(binary.LittleEndian.Uint16(data[off+3:]))
		payloadLen := int(binary.LittleEndian.Uint32(data[off+5:]))
		off += sectionSize

		if off+payloadLen > len(data) {
			return nil, codecErr("decode", expect, ErrTruncatedBuffer)
		}
		if ci >= len(s.Columns) || s.Columns[ci].Type != typ {
			return nil, codecErr("decode", expect, fmt.Errorf("%w: section %d does not match schema column", ErrSchemaMismatch, ci))
		}

		if mask.Has(ci) {
			col, err := decodeColumn(expect, typ, width, rowCount, data[off:off+payloadLen])
			if err != nil {
				return nil, err
			}
			out.Columns[ci] = col
		}
		off += payloadLen
	}
	return out, nil
}

func decodeColumn(kind Kind, typ ColumnType, width, rows int, payload []byte) (*ColumnData, error) {
	col := &ColumnData{Type: typ, Width: width}
	switch typ {
	case TypeUint64:
		if len(payload) != rows*8 {
			return nil, codecErr("decode", kind, ErrTruncatedBuffer)
		}
		col.U64 = make([]uint64, rows)
		for i := 0; i < rows; i++ {
			col.U64[i] = binary.LittleEndian.Uint64(payload[i*8:])
		}
	case TypeUint8:
		if len(payload) != rows {
			return nil, codecErr("decode", kind, ErrTruncatedBuffer)
		}
		col.U8 = append([]uint8(nil), payload...)
	case TypeFixedBytes:
		if len(payload) != rows*width {
			return nil, codecErr("decode", kind, ErrTruncatedBuffer)
		}
		col.Fixed = append([]byte(nil), payload...)
	case TypeBytes:
		if len(payload) < rows*4 {
			return nil, codecErr("decode", kind, ErrTruncatedBuffer)
		}
		blobLen := len(payload) - rows*4
		col.Offsets = make([]uint32, rows)
		prev := uint32(0)
		for i := 0; i < rows; i++ {
			end := binary.LittleEndian.Uint32(payload[i*4:])
			// Every end offset must stay within the blob and never move
			// backwards, or later row reads would slice out of bounds.
			if end < prev || int(end) > blobLen {
				return nil, codecErr("decode", kind, fmt.Errorf("%w: offset table disagrees with payload", ErrSchemaMismatch))
			}
			col.Offsets[i] = end
			prev = end
		}
		col.Blob = append([]byte(nil), payload[rows*4:]...)
		if rows > 0 && int(col.Offsets[rows-1]) != len(col.Blob) {
			return nil, codecErr("decode", kind, fmt.Errorf("%w: offset table disagrees with payload", ErrSchemaMismatch))
		}
	default:
		return nil, codecErr("decode", kind, fmt.Errorf("%w: unknown column type %d", ErrSchemaMismatch, typ))
	}
	return col, nil
}

// U64 returns the uint64 value at (column, row).
func (b *Buffer) U64(col, row int) uint64 {
	return b.Columns[col].U64[row]
}

// U8 returns the uint8 value at (column, row).
func (b *Buffer) U8(col, row int) uint8 {
	return b.Columns[col].U8[row]
}

// BytesAt returns the byte value at (column, row). For fixed-width columns
// the slice aliases the column payload; callers must not mutate it.
func (b *Buffer) BytesAt(col, row int) []byte {
	c := b.Columns[col]
	if c.Type == TypeFixedBytes {
		return c.Fixed[row*c.Width : (row+1)*c.Width]
	}
	start := uint32(0)
	if row > 0 {
		start = c.Offsets[row-1]
	}
	return c.Blob[start:c.Offsets[row]]
}

// Row materializes row i from the decoded columns. Columns absent from the
// decode mask stay zero-valued.
func (b *Buffer) Row(i int) Row {
	s := Of(b.Kind)
	row := Row{Kind: b.Kind, Values: make([]Value, len(s.Columns))}
	for ci, c := range s.Columns {
		if b.Columns[ci] == nil {
			continue
		}
		switch c.Type {
		case TypeUint64:
			row.Values[ci].U64 = b.U64(ci, i)
		case TypeUint8:
			row.Values[ci].U8 = b.U8(ci, i)
		default:
			row.Values[ci].Bytes = append([]byte(nil), b.BytesAt(ci, i)...)
		}
	}
	return row
}

// Rows materializes every row in the buffer.
func (b *Buffer) Rows() []Row {
	rows := make([]Row, b.NumRows)
	for i := 0; i < b.NumRows; i++ {
		rows[i] = b.Row(i)
	}
	return rows
}
