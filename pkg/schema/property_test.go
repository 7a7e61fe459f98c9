package schema

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCodecProperties verifies the codecs with randomized rows: whatever the
// column values, encode then decode must reproduce the input exactly.
func TestCodecProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	genLogRow := func(block, txIdx, logIdx uint64, addrByte, topicByte byte, topicCount uint8, data []byte) Row {
		row := NewRow(KindLog)
		row.Values[LogColBlockNumber].U64 = block
		row.Values[LogColTxIndex].U64 = txIdx
		row.Values[LogColLogIndex].U64 = logIdx
		row.Values[LogColTxHash].Bytes = fill(addrByte, 32)
		row.Values[LogColAddress].Bytes = fill(addrByte, 20)
		row.Values[LogColTopicCount].U8 = topicCount % 5
		for i := 0; i < int(topicCount%5); i++ {
			row.Values[LogColTopic0+i].Bytes = fill(topicByte+byte(i), 32)
		}
		row.Values[LogColData].Bytes = data
		return row
	}

	properties.Property("single-row codec round trips", prop.ForAll(
		func(block, txIdx, logIdx uint64, addrByte, topicByte byte, topicCount uint8, data []byte) bool {
			row := genLogRow(block, txIdx, logIdx, addrByte, topicByte, topicCount, data)

			encoded, err := EncodeRow(row)
			if err != nil {
				return false
			}
			decoded, err := DecodeRow(KindLog, encoded)
			if err != nil {
				return false
			}
			return decoded.Equal(row)
		},
		gen.UInt64(),
		gen.UInt64(),
		gen.UInt64(),
		gen.UInt8(),
		gen.UInt8(),
		gen.UInt8(),
		gen.SliceOf(gen.UInt8()),
	))

	properties.Property("columnar codec round trips", prop.ForAll(
		func(blocks []uint64, addrByte byte, data []byte) bool {
			rows := make([]Row, len(blocks))
			for i, b := range blocks {
				rows[i] = genLogRow(b, uint64(i), uint64(i), addrByte, addrByte, 3, data)
			}

			encoded, err := Encode(KindLog, rows)
			if err != nil {
				return false
			}
			buf, err := Decode(encoded, KindLog, AllColumns(KindLog))
			if err != nil || buf.NumRows != len(rows) {
				return false
			}
			for i := range rows {
				if !buf.Row(i).Equal(rows[i]) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.UInt64()),
		gen.UInt8(),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
