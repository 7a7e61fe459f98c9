package chunk

import (
	"encoding/binary"
	"fmt"

	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

// ColumnStats is the min/max of one numeric column of one entity kind,
// used for cheap range pruning before any data is decoded.
type ColumnStats struct {
	Kind   schema.Kind `json:"kind"`
	Column int         `json:"column"`
	Min    uint64      `json:"min"`
	Max    uint64      `json:"max"`
}

// computeStats collects min/max for every uint64 column of the given rows.
func computeStats(kind schema.Kind, rows []schema.Row) []ColumnStats {
	if len(rows) == 0 {
		return nil
	}
	s := schema.Of(kind)

	var out []ColumnStats
	for ci, c := range s.Columns {
		if c.Type != schema.TypeUint64 {
			continue
		}
		st := ColumnStats{Kind: kind, Column: ci, Min: rows[0].Values[ci].U64, Max: rows[0].Values[ci].U64}
		for i := 1; i < len(rows); i++ {
			v := rows[i].Values[ci].U64
			if v < st.Min {
				st.Min = v
			}
			if v > st.Max {
				st.Max = v
			}
		}
		out = append(out, st)
	}
	return out
}

// encodeStats serializes stats entries:
//
//	count(2) | per entry: kind(1) | column(2) | min(8) | max(8)
func encodeStats(stats []ColumnStats) []byte {
	out := make([]byte, 0, 2+len(stats)*19)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(stats)))
	for _, st := range stats {
		out = append(out, byte(st.Kind))
		out = binary.LittleEndian.AppendUint16(out, uint16(st.Column))
		out = binary.LittleEndian.AppendUint64(out, st.Min)
		out = binary.LittleEndian.AppendUint64(out, st.Max)
	}
	return out
}

func decodeStats(data []byte) ([]ColumnStats, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("decode stats: %w", ErrCorruptChunk)
	}
	count := int(binary.LittleEndian.Uint16(data))
	if len(data) != 2+count*19 {
		return nil, fmt.Errorf("decode stats: %w", ErrCorruptChunk)
	}

	out := make([]ColumnStats, count)
	off := 2
	for i := range out {
		out[i] = ColumnStats{
			Kind:   schema.Kind(data[off]),
			Column: int(binary.LittleEndian.Uint16(data[off+1:])),
			Min:    binary.LittleEndian.Uint64(data[off+3:]),
			Max:    binary.LittleEndian.Uint64(data[off+11:]),
		}
		off += 19
	}
	return out, nil
}

// StatsFor returns the stats entry for (kind, column), if present.
func StatsFor(stats []ColumnStats, kind schema.Kind, column int) (ColumnStats, bool) {
	for _, st := range stats {
		if st.Kind == kind && st.Column == column {
			return st, true
		}
	}
	return ColumnStats{}, false
}
