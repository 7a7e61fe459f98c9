// Package query plans and executes filter queries over the hybrid store:
// bloom filters and column statistics prune immutable chunks before any
// column is decoded, the hot store is scanned directly, and results stream
// out in ascending block order.
package query

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

// Sentinel errors
var (
	ErrInvalidQuery = errors.New("invalid query")

	// ErrLimitReached is returned by an emit callback to end execution early
	// once a response limit is hit. Callers treat it as success; NextBlock of
	// the last emitted batch tells the client where to resume.
	ErrLimitReached = errors.New("response limit reached")
)

// LogSelection matches logs by emitting address and topics. Empty slices are
// wildcards; within one position, values are OR-ed; across positions and
// against the address list they are AND-ed.
type LogSelection struct {
	Address []common.Address `json:"address,omitempty"`
	Topics  [][]common.Hash  `json:"topics,omitempty"`
}

// TxSelection matches transactions by sender, recipient, call sighash and
// receipt status. Empty fields are wildcards.
type TxSelection struct {
	From    []common.Address `json:"from,omitempty"`
	To      []common.Address `json:"to,omitempty"`
	Sighash []hexutil.Bytes  `json:"sighash,omitempty"`
	Status  *uint8           `json:"status,omitempty"`
}

// FieldSelection names the columns to materialize per entity kind. An empty
// list for a kind means that kind is omitted from results (matching blocks
// are still tracked for joins).
type FieldSelection struct {
	Block       []string `json:"block,omitempty"`
	Transaction []string `json:"transaction,omitempty"`
	Log         []string `json:"log,omitempty"`
}

// Query is one filter query over a block range. Selections of the same kind
// are OR-ed. Matching logs pull their parent transactions and blocks into
// the result set.
type Query struct {
	FromBlock        uint64         `json:"fromBlock"`
	ToBlock          *uint64        `json:"toBlock,omitempty"` // exclusive; nil = no upper bound
	Logs             []LogSelection `json:"logs,omitempty"`
	Transactions     []TxSelection  `json:"transactions,omitempty"`
	IncludeAllBlocks bool           `json:"includeAllBlocks,omitempty"`
	Fields           FieldSelection `json:"fieldSelection"`
}

// Validate rejects structurally bad queries before planning.
func (q *Query) Validate() error {
	if q.ToBlock != nil && *q.ToBlock <= q.FromBlock {
		return errors.Join(ErrInvalidQuery, errors.New("toBlock must be greater than fromBlock"))
	}
	for _, sel := range q.Logs {
		if len(sel.Topics) > 4 {
			return errors.Join(ErrInvalidQuery, errors.New("log selection has more than 4 topic positions"))
		}
	}
	for _, sel := range q.Transactions {
		for _, sh := range sel.Sighash {
			if len(sh) != 4 {
				return errors.Join(ErrInvalidQuery, errors.New("sighash must be 4 bytes"))
			}
		}
	}
	if _, err := q.masks(); err != nil {
		return errors.Join(ErrInvalidQuery, err)
	}
	return nil
}

// Range returns the queried block range, clamping an unbounded ToBlock.
func (q *Query) Range() schema.BlockRange {
	end := uint64(1) << 62
	if q.ToBlock != nil {
		end = *q.ToBlock
	}
	return schema.BlockRange{Start: q.FromBlock, End: end}
}

// kindMasks are the decode masks per entity kind: the caller-requested
// columns plus whatever the predicate needs for exact re-evaluation.
type kindMasks struct {
	block, tx, log          schema.Mask // decode masks
	blockReq, txReq, logReq schema.Mask // requested-output masks
}

func (q *Query) masks() (kindMasks, error) {
	var m kindMasks
	var err error

	if m.blockReq, err = schema.MaskForFields(schema.KindBlock, q.Fields.Block); err != nil {
		return m, err
	}
	if m.txReq, err = schema.MaskForFields(schema.KindTransaction, q.Fields.Transaction); err != nil {
		return m, err
	}
	if m.logReq, err = schema.MaskForFields(schema.KindLog, q.Fields.Log); err != nil {
		return m, err
	}

	// Predicate columns: the executor always needs block numbers for range
	// checks and the join keys linking logs to transactions and blocks.
	m.block = m.blockReq.With(schema.BlockColNumber)
	m.tx = m.txReq.
		With(schema.TxColBlockNumber).
		With(schema.TxColIndex).
		With(schema.TxColFrom).
		With(schema.TxColTo).
		With(schema.TxColSighash).
		With(schema.TxColStatus)
	m.log = m.logReq.
		With(schema.LogColBlockNumber).
		With(schema.LogColTxIndex).
		With(schema.LogColAddress).
		With(schema.LogColTopicCount).
		With(schema.LogColTopic0).
		With(schema.LogColTopic1).
		With(schema.LogColTopic2).
		With(schema.LogColTopic3)
	return m, nil
}

// Result is one batch of matching rows, covering blocks up to but not
// including NextBlock. Batches arrive in ascending block order.
type Result struct {
	Blocks       []schema.Row
	Transactions []schema.Row
	Logs         []schema.Row
	NextBlock    uint64
}

// Empty reports whether the batch carries no rows.
func (r *Result) Empty() bool {
	return len(r.Blocks) == 0 && len(r.Transactions) == 0 && len(r.Logs) == 0
}

// ExecStats counts planner decisions for one query, exposed to tests and
// metrics through the executor's observer hook.
type ExecStats struct {
	ChunksConsidered int
	ChunksPruned     int
	ChunksDecoded    int
	HotRowsScanned   int
}
