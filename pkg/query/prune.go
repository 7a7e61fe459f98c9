package query

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/dd0wney/cluso-chainindex/pkg/bloom"
	"github.com/dd0wney/cluso-chainindex/pkg/chunk"
	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

// chunkPlan is a query narrowed against one chunk's filters: only the
// selections (and selection values) that can possibly match rows in the
// chunk survive. An empty plan with includeBlocks false means the chunk is
// pruned without decoding a single column.
type chunkPlan struct {
	logs []LogSelection
	txs  []TxSelection
}

func (p chunkPlan) empty() bool {
	return len(p.logs) == 0 && len(p.txs) == 0
}

// planChunk narrows q against one chunk using its bloom filters and column
// statistics. The second return is true when the chunk cannot contribute any
// row and decoding should be skipped entirely.
func (e *Executor) planChunk(meta chunk.Metadata, q *Query, qr schema.BlockRange, includeBlocks bool) (chunkPlan, bool, error) {
	var plan chunkPlan

	addrFilter, err := e.chunkFilter(meta, chunk.FieldAddress)
	if err != nil {
		return plan, false, err
	}
	topicFilter, err := e.chunkFilter(meta, chunk.FieldTopic)
	if err != nil {
		return plan, false, err
	}

	if kindReachable(meta, schema.KindLog, qr) {
		for _, sel := range q.Logs {
			if narrowed, ok := narrowLogSelection(sel, addrFilter, topicFilter); ok {
				plan.logs = append(plan.logs, narrowed)
			}
		}
	}
	if kindReachable(meta, schema.KindTransaction, qr) {
		for _, sel := range q.Transactions {
			if narrowed, ok := narrowTxSelection(sel, addrFilter); ok {
				plan.txs = append(plan.txs, narrowed)
			}
		}
	}

	pruned := plan.empty() && !(q.IncludeAllBlocks && includeBlocks)
	return plan, pruned, nil
}

// chunkFilter loads one of the chunk's bloom filters. A chunk built without
// the field simply yields no narrowing.
func (e *Executor) chunkFilter(meta chunk.Metadata, field string) (*bloom.Filter, error) {
	indexed := false
	for _, f := range meta.Filters {
		if f == field {
			indexed = true
			break
		}
	}
	if !indexed {
		return nil, nil
	}

	f, err := e.chunks.Filter(meta.ID, field)
	if err != nil {
		if errors.Is(err, chunk.ErrNoFilter) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

// kindReachable consults row counts and block-number statistics: a kind with
// no rows in the queried span cannot match.
func kindReachable(meta chunk.Metadata, kind schema.Kind, qr schema.BlockRange) bool {
	if meta.RowCount[kind.String()] == 0 {
		return false
	}
	if st, ok := chunk.StatsFor(meta.Stats, kind, 0); ok {
		if st.Min >= qr.End || st.Max < qr.Start {
			return false
		}
	}
	return true
}

// narrowLogSelection drops addresses and topics the chunk's filters rule
// out. A selection whose non-wildcard position loses all values cannot match
// anything in the chunk.
func narrowLogSelection(sel LogSelection, addrFilter, topicFilter *bloom.Filter) (LogSelection, bool) {
	out := LogSelection{Topics: make([][]common.Hash, len(sel.Topics))}

	if len(sel.Address) > 0 {
		if addrFilter != nil {
			for _, a := range sel.Address {
				if addrFilter.Contains(a[:]) {
					out.Address = append(out.Address, a)
				}
			}
		} else {
			out.Address = sel.Address
		}
		if len(out.Address) == 0 {
			return LogSelection{}, false
		}
	}

	for pos, topics := range sel.Topics {
		if len(topics) == 0 {
			continue
		}
		if topicFilter != nil {
			for _, t := range topics {
				if topicFilter.Contains(t[:]) {
					out.Topics[pos] = append(out.Topics[pos], t)
				}
			}
		} else {
			out.Topics[pos] = topics
		}
		if len(out.Topics[pos]) == 0 {
			return LogSelection{}, false
		}
	}
	return out, true
}

// narrowTxSelection drops senders and recipients the chunk's address filter
// rules out. Sighash and status are not bloom-indexed and pass through.
func narrowTxSelection(sel TxSelection, addrFilter *bloom.Filter) (TxSelection, bool) {
	out := TxSelection{Sighash: sel.Sighash, Status: sel.Status}

	if len(sel.From) > 0 {
		if addrFilter != nil {
			for _, a := range sel.From {
				if addrFilter.Contains(a[:]) {
					out.From = append(out.From, a)
				}
			}
		} else {
			out.From = sel.From
		}
		if len(out.From) == 0 {
			return TxSelection{}, false
		}
	}
	if len(sel.To) > 0 {
		if addrFilter != nil {
			for _, a := range sel.To {
				if addrFilter.Contains(a[:]) {
					out.To = append(out.To, a)
				}
			}
		} else {
			out.To = sel.To
		}
		if len(out.To) == 0 {
			return TxSelection{}, false
		}
	}
	return out, true
}
