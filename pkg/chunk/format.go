package chunk

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/golang/snappy"
	"golang.org/x/exp/mmap"

	"github.com/dd0wney/cluso-chainindex/pkg/bloom"
	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

// Chunk file format:
//   [Header: magic(4) | version(1) | start(8) | end(8)]
//   [Sections: column data (snappy per column), bloom filters, statistics]
//   [TOC: kind table + section table]
//   [Footer: toc_offset(8) | toc_len(4) | crc32(4, over the TOC)]
//
// Sections are located through the TOC, so a reader can pull one column of
// one entity kind without touching anything else in the file. Files are
// written to a temporary name and published by rename; a chunk is never
// visible half-written.

const (
	// FileMagic marks a chunk file ("CHNK")
	FileMagic   = 0x4b4e4843
	FileVersion = 1

	fileHeaderSize = 21
	fileFooterSize = 16

	sectionColumn = 0
	sectionBloom  = 1
	sectionStats  = 2
)

// KindData is the encoded columnar data of one entity kind.
type KindData struct {
	Kind     schema.Kind
	RowCount int
	// Columns holds the raw per-column payloads, indexed by schema column.
	Columns [][]byte
}

// FieldFilter is a bloom filter over one indexable field of a chunk.
type FieldFilter struct {
	Field  string
	Filter *bloom.Filter
}

// Payload is everything that goes into one chunk file.
type Payload struct {
	Range   schema.BlockRange
	Kinds   []KindData
	Filters []FieldFilter
	Stats   []ColumnStats
}

type tocSection struct {
	kind   uint8
	stype  uint8
	col    uint16
	offset uint64
	length uint64
}

// writeFile serializes a payload to path and syncs it. The caller handles
// temp-file placement and the atomic rename.
func writeFile(path string, p *Payload) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, 1<<20)

	header := make([]byte, 0, fileHeaderSize)
	header = binary.LittleEndian.AppendUint32(header, FileMagic)
	header = append(header, FileVersion)
	header = binary.LittleEndian.AppendUint64(header, p.Range.Start)
	header = binary.LittleEndian.AppendUint64(header, p.Range.End)
	if _, err := w.Write(header); err != nil {
		return err
	}

	offset := uint64(fileHeaderSize)
	var sections []tocSection

	writeSection := func(kind uint8, stype uint8, col uint16, payload []byte) error {
		if _, err := w.Write(payload); err != nil {
			return err
		}
		sections = append(sections, tocSection{
			kind:   kind,
			stype:  stype,
			col:    col,
			offset: offset,
			length: uint64(len(payload)),
		})
		offset += uint64(len(payload))
		return nil
	}

	for _, kd := range p.Kinds {
		for ci, raw := range kd.Columns {
			if err := writeSection(byte(kd.Kind), sectionColumn, uint16(ci), snappy.Encode(nil, raw)); err != nil {
				return err
			}
		}
	}

	for fi, ff := range p.Filters {
		blob := ff.Filter.MarshalBinary()
		payload := make([]byte, 0, 1+len(ff.Field)+len(blob))
		payload = append(payload, byte(len(ff.Field)))
		payload = append(payload, ff.Field...)
		payload = append(payload, blob...)
		if err := writeSection(0xff, sectionBloom, uint16(fi), payload); err != nil {
			return err
		}
	}

	if err := writeSection(0xff, sectionStats, 0, encodeStats(p.Stats)); err != nil {
		return err
	}

	toc := make([]byte, 0, 1+len(p.Kinds)*5+4+len(sections)*20)
	toc = append(toc, byte(len(p.Kinds)))
	for _, kd := range p.Kinds {
		toc = append(toc, byte(kd.Kind))
		toc = binary.LittleEndian.AppendUint32(toc, uint32(kd.RowCount))
	}
	toc = binary.LittleEndian.AppendUint32(toc, uint32(len(sections)))
	for _, s := range sections {
		toc = append(toc, s.kind, s.stype)
		toc = binary.LittleEndian.AppendUint16(toc, s.col)
		toc = binary.LittleEndian.AppendUint64(toc, s.offset)
		toc = binary.LittleEndian.AppendUint64(toc, s.length)
	}
	if _, err := w.Write(toc); err != nil {
		return err
	}

	footer := make([]byte, 0, fileFooterSize)
	footer = binary.LittleEndian.AppendUint64(footer, offset)
	footer = binary.LittleEndian.AppendUint32(footer, uint32(len(toc)))
	footer = binary.LittleEndian.AppendUint32(footer, crc32.ChecksumIEEE(toc))
	if _, err := w.Write(footer); err != nil {
		return err
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// Reader provides random access into one immutable chunk file via mmap.
// Readers are safe for concurrent use once opened.
type Reader struct {
	path     string
	ra       *mmap.ReaderAt
	rng      schema.BlockRange
	rows     map[schema.Kind]int
	sections []tocSection
}

// openReader maps a chunk file and parses its TOC.
func openReader(path string) (*Reader, error) {
	ra, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}

	r := &Reader{path: path, ra: ra, rows: make(map[schema.Kind]int)}
	if err := r.parse(); err != nil {
		ra.Close()
		return nil, err
	}
	return r, nil
}

func (r *Reader) parse() error {
	size := int64(r.ra.Len())
	if size < fileHeaderSize+fileFooterSize {
		return fmt.Errorf("%w: file too small", ErrCorruptChunk)
	}

	header := make([]byte, fileHeaderSize)
	if _, err := r.ra.ReadAt(header, 0); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(header) != FileMagic {
		return fmt.Errorf("%w: bad magic", ErrCorruptChunk)
	}
	if header[4] != FileVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptChunk, header[4])
	}
	r.rng = schema.BlockRange{
		Start: binary.LittleEndian.Uint64(header[5:]),
		End:   binary.LittleEndian.Uint64(header[13:]),
	}

	footer := make([]byte, fileFooterSize)
	if _, err := r.ra.ReadAt(footer, size-fileFooterSize); err != nil {
		return err
	}
	tocOffset := int64(binary.LittleEndian.Uint64(footer))
	tocLen := int64(binary.LittleEndian.Uint32(footer[8:]))
	tocCRC := binary.LittleEndian.Uint32(footer[12:])

	if tocOffset < fileHeaderSize || tocOffset+tocLen != size-fileFooterSize {
		return fmt.Errorf("%w: TOC bounds out of range", ErrCorruptChunk)
	}

	toc := make([]byte, tocLen)
	if _, err := r.ra.ReadAt(toc, tocOffset); err != nil {
		return err
	}
	if crc32.ChecksumIEEE(toc) != tocCRC {
		return fmt.Errorf("%w: TOC checksum mismatch", ErrCorruptChunk)
	}

	off := 0
	kindCount := int(toc[off])
	off++
	for i := 0; i < kindCount; i++ {
		if off+5 > len(toc) {
			return fmt.Errorf("%w: truncated kind table", ErrCorruptChunk)
		}
		kind := schema.Kind(toc[off])
		r.rows[kind] = int(binary.LittleEndian.Uint32(toc[off+1:]))
		off += 5
	}

	if off+4 > len(toc) {
		return fmt.Errorf("%w: truncated section table", ErrCorruptChunk)
	}
	sectionCount := int(binary.LittleEndian.Uint32(toc[off:]))
	off += 4
	for i := 0; i < sectionCount; i++ {
		if off+20 > len(toc) {
			return fmt.Errorf("%w: truncated section table", ErrCorruptChunk)
		}
		r.sections = append(r.sections, tocSection{
			kind:   toc[off],
			stype:  toc[off+1],
			col:    binary.LittleEndian.Uint16(toc[off+2:]),
			offset: binary.LittleEndian.Uint64(toc[off+4:]),
			length: binary.LittleEndian.Uint64(toc[off+12:]),
		})
		off += 20
	}
	return nil
}

// Range returns the block range the chunk covers.
func (r *Reader) Range() schema.BlockRange {
	return r.rng
}

// RowCount returns the number of rows of one entity kind.
func (r *Reader) RowCount(kind schema.Kind) int {
	return r.rows[kind]
}

func (r *Reader) section(kind uint8, stype uint8, col uint16) ([]byte, bool) {
	for _, s := range r.sections {
		if s.kind == kind && s.stype == stype && s.col == col {
			buf := make([]byte, s.length)
			if _, err := r.ra.ReadAt(buf, int64(s.offset)); err != nil {
				return nil, false
			}
			return buf, true
		}
	}
	return nil, false
}

// ReadColumns materializes the masked columns of one entity kind.
func (r *Reader) ReadColumns(kind schema.Kind, mask schema.Mask) (*schema.Buffer, error) {
	rowCount, ok := r.rows[kind]
	if !ok {
		return nil, fmt.Errorf("%w: chunk has no %s data", ErrCorruptChunk, kind)
	}

	s := schema.Of(kind)
	buf := &schema.Buffer{
		Kind:    kind,
		NumRows: rowCount,
		Columns: make([]*schema.ColumnData, len(s.Columns)),
	}

	for ci := range s.Columns {
		if !mask.Has(ci) {
			continue
		}
		compressed, ok := r.section(byte(kind), sectionColumn, uint16(ci))
		if !ok {
			return nil, fmt.Errorf("%w: missing %s column %d", ErrCorruptChunk, kind, ci)
		}
		raw, err := snappy.Decode(nil, compressed)
		if err != nil {
			return nil, fmt.Errorf("decompress %s column %d: %w", kind, ci, err)
		}
		col, err := schema.DecodeColumnPayload(kind, ci, rowCount, raw)
		if err != nil {
			return nil, err
		}
		buf.Columns[ci] = col
	}
	return buf, nil
}

// Filter returns the chunk's bloom filter for one indexable field.
func (r *Reader) Filter(field string) (*bloom.Filter, error) {
	for _, s := range r.sections {
		if s.stype != sectionBloom {
			continue
		}
		payload, ok := r.section(s.kind, s.stype, s.col)
		if !ok || len(payload) < 1 {
			return nil, fmt.Errorf("read bloom section: %w", ErrCorruptChunk)
		}
		nameLen := int(payload[0])
		if len(payload) < 1+nameLen {
			return nil, fmt.Errorf("read bloom section: %w", ErrCorruptChunk)
		}
		if string(payload[1:1+nameLen]) != field {
			continue
		}
		return bloom.UnmarshalBinary(payload[1+nameLen:])
	}
	return nil, fmt.Errorf("field %q: %w", field, ErrNoFilter)
}

// Stats returns the chunk's per-column statistics.
func (r *Reader) Stats() ([]ColumnStats, error) {
	payload, ok := r.section(0xff, sectionStats, 0)
	if !ok {
		return nil, fmt.Errorf("read stats section: %w", ErrCorruptChunk)
	}
	return decodeStats(payload)
}

// Close unmaps the file.
func (r *Reader) Close() error {
	return r.ra.Close()
}
