package query

import (
	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

// Matchers are the compiled form of a selection list: value lists become
// hash sets so per-row evaluation is O(1) per clause. Bloom pruning only ever
// says "maybe"; these exact checks are what decide membership.

type logMatcher struct {
	address map[string]struct{}
	topics  [4]map[string]struct{}
}

type txMatcher struct {
	from    map[string]struct{}
	to      map[string]struct{}
	sighash map[string]struct{}
	status  *uint8
}

func compileLogMatchers(sels []LogSelection) []logMatcher {
	out := make([]logMatcher, len(sels))
	for i, sel := range sels {
		if len(sel.Address) > 0 {
			out[i].address = make(map[string]struct{}, len(sel.Address))
			for _, a := range sel.Address {
				out[i].address[string(a[:])] = struct{}{}
			}
		}
		for pos, topics := range sel.Topics {
			if pos >= 4 || len(topics) == 0 {
				continue
			}
			out[i].topics[pos] = make(map[string]struct{}, len(topics))
			for _, t := range topics {
				out[i].topics[pos][string(t[:])] = struct{}{}
			}
		}
	}
	return out
}

func compileTxMatchers(sels []TxSelection) []txMatcher {
	out := make([]txMatcher, len(sels))
	for i, sel := range sels {
		if len(sel.From) > 0 {
			out[i].from = make(map[string]struct{}, len(sel.From))
			for _, a := range sel.From {
				out[i].from[string(a[:])] = struct{}{}
			}
		}
		if len(sel.To) > 0 {
			out[i].to = make(map[string]struct{}, len(sel.To))
			for _, a := range sel.To {
				out[i].to[string(a[:])] = struct{}{}
			}
		}
		if len(sel.Sighash) > 0 {
			out[i].sighash = make(map[string]struct{}, len(sel.Sighash))
			for _, sh := range sel.Sighash {
				out[i].sighash[string(sh)] = struct{}{}
			}
		}
		out[i].status = sel.Status
	}
	return out
}

func (m *logMatcher) matches(address []byte, topicCount int, topic func(pos int) []byte) bool {
	if m.address != nil {
		if _, ok := m.address[string(address)]; !ok {
			return false
		}
	}
	for pos := 0; pos < 4; pos++ {
		if m.topics[pos] == nil {
			continue
		}
		if pos >= topicCount {
			return false
		}
		if _, ok := m.topics[pos][string(topic(pos))]; !ok {
			return false
		}
	}
	return true
}

func anyLogMatch(ms []logMatcher, address []byte, topicCount int, topic func(pos int) []byte) bool {
	for i := range ms {
		if ms[i].matches(address, topicCount, topic) {
			return true
		}
	}
	return false
}

func (m *txMatcher) matches(from, to, sighash []byte, status uint8) bool {
	if m.from != nil {
		if _, ok := m.from[string(from)]; !ok {
			return false
		}
	}
	if m.to != nil {
		if _, ok := m.to[string(to)]; !ok {
			return false
		}
	}
	if m.sighash != nil {
		if _, ok := m.sighash[string(sighash)]; !ok {
			return false
		}
	}
	if m.status != nil && *m.status != status {
		return false
	}
	return true
}

func anyTxMatch(ms []txMatcher, from, to, sighash []byte, status uint8) bool {
	for i := range ms {
		if ms[i].matches(from, to, sighash, status) {
			return true
		}
	}
	return false
}

// txKey identifies a transaction within the queried span for log-to-tx joins.
type txKey struct {
	block uint64
	index uint64
}

// joinSets accumulates the transactions and blocks pulled into the result by
// matching rows of finer-grained kinds.
type joinSets struct {
	txs    map[txKey]struct{}
	blocks map[uint64]struct{}
}

func newJoinSets() *joinSets {
	return &joinSets{
		txs:    make(map[txKey]struct{}),
		blocks: make(map[uint64]struct{}),
	}
}

// evalLogBuffer scans a decoded log buffer, appending matching rows (when log
// fields were requested) and feeding the join sets.
func evalLogBuffer(buf *schema.Buffer, qr schema.BlockRange, ms []logMatcher, logReq schema.Mask, sets *joinSets, out []schema.Row) []schema.Row {
	for i := 0; i < buf.NumRows; i++ {
		block := buf.U64(schema.LogColBlockNumber, i)
		if !qr.Contains(block) {
			continue
		}
		topicCount := int(buf.U8(schema.LogColTopicCount, i))
		topic := func(pos int) []byte {
			return buf.BytesAt(schema.LogColTopic0+pos, i)
		}
		if !anyLogMatch(ms, buf.BytesAt(schema.LogColAddress, i), topicCount, topic) {
			continue
		}
		sets.txs[txKey{block, buf.U64(schema.LogColTxIndex, i)}] = struct{}{}
		sets.blocks[block] = struct{}{}
		if logReq != 0 {
			out = append(out, maskedRow(buf, i, logReq))
		}
	}
	return out
}

// evalTxBuffer scans a decoded transaction buffer. A row is kept when it
// matches a selection or was induced by a matching log.
func evalTxBuffer(buf *schema.Buffer, qr schema.BlockRange, ms []txMatcher, txReq schema.Mask, sets *joinSets, out []schema.Row) []schema.Row {
	for i := 0; i < buf.NumRows; i++ {
		block := buf.U64(schema.TxColBlockNumber, i)
		if !qr.Contains(block) {
			continue
		}
		key := txKey{block, buf.U64(schema.TxColIndex, i)}
		_, induced := sets.txs[key]
		if !induced {
			if !anyTxMatch(ms,
				buf.BytesAt(schema.TxColFrom, i),
				buf.BytesAt(schema.TxColTo, i),
				buf.BytesAt(schema.TxColSighash, i),
				buf.U8(schema.TxColStatus, i)) {
				continue
			}
		}
		sets.blocks[block] = struct{}{}
		if txReq != 0 {
			out = append(out, maskedRow(buf, i, txReq))
		}
	}
	return out
}

// evalBlockBuffer scans a decoded block buffer, keeping blocks pulled in by
// matches or, with includeAll, every block in range.
func evalBlockBuffer(buf *schema.Buffer, qr schema.BlockRange, includeAll bool, blockReq schema.Mask, sets *joinSets, out []schema.Row) []schema.Row {
	if blockReq == 0 {
		return out
	}
	for i := 0; i < buf.NumRows; i++ {
		block := buf.U64(schema.BlockColNumber, i)
		if !qr.Contains(block) {
			continue
		}
		if !includeAll {
			if _, ok := sets.blocks[block]; !ok {
				continue
			}
		}
		out = append(out, maskedRow(buf, i, blockReq))
	}
	return out
}

// maskedRow materializes row i keeping only the requested columns.
func maskedRow(buf *schema.Buffer, i int, req schema.Mask) schema.Row {
	row := buf.Row(i)
	for ci := range row.Values {
		if !req.Has(ci) {
			row.Values[ci] = schema.Value{}
		}
	}
	return row
}

// The hot store path evaluates fully materialized rows with the same
// matchers. Rows arrive grouped per block in kind order (blocks, then
// transactions, then logs), so logs are evaluated first to build the join
// sets, then transactions, then blocks.

func evalLogRow(row schema.Row, qr schema.BlockRange, ms []logMatcher, sets *joinSets) bool {
	block := row.BlockNumber()
	if !qr.Contains(block) {
		return false
	}
	topicCount := int(row.Values[schema.LogColTopicCount].U8)
	topic := func(pos int) []byte {
		return row.Values[schema.LogColTopic0+pos].Bytes
	}
	if !anyLogMatch(ms, row.Values[schema.LogColAddress].Bytes, topicCount, topic) {
		return false
	}
	sets.txs[txKey{block, row.Values[schema.LogColTxIndex].U64}] = struct{}{}
	sets.blocks[block] = struct{}{}
	return true
}

func evalTxRow(row schema.Row, qr schema.BlockRange, ms []txMatcher, sets *joinSets) bool {
	block := row.BlockNumber()
	if !qr.Contains(block) {
		return false
	}
	key := txKey{block, row.Values[schema.TxColIndex].U64}
	if _, induced := sets.txs[key]; !induced {
		if !anyTxMatch(ms,
			row.Values[schema.TxColFrom].Bytes,
			row.Values[schema.TxColTo].Bytes,
			row.Values[schema.TxColSighash].Bytes,
			row.Values[schema.TxColStatus].U8) {
			return false
		}
	}
	sets.blocks[block] = struct{}{}
	return true
}

func evalBlockRow(row schema.Row, qr schema.BlockRange, includeAll bool, sets *joinSets) bool {
	block := row.BlockNumber()
	if !qr.Contains(block) {
		return false
	}
	if includeAll {
		return true
	}
	_, ok := sets.blocks[block]
	return ok
}

// maskRow zeroes the columns outside req in place.
func maskRow(row schema.Row, req schema.Mask) schema.Row {
	for ci := range row.Values {
		if !req.Has(ci) {
			row.Values[ci] = schema.Value{}
		}
	}
	return row
}
