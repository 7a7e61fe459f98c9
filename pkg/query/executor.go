package query

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-chainindex/pkg/chunk"
	"github.com/dd0wney/cluso-chainindex/pkg/hotstore"
	"github.com/dd0wney/cluso-chainindex/pkg/logging"
	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

// hotBatchBlocks is how many hot blocks are evaluated between emitted
// batches. Batches split on block boundaries so log-to-transaction joins
// never straddle a batch.
const hotBatchBlocks = 256

// Executor runs queries against one hot store and one chunk store. It is
// stateless across queries and safe for concurrent use.
type Executor struct {
	hot      *hotstore.Store
	chunks   *chunk.Store
	logger   *logging.Logger
	observer func(ExecStats)
}

// NewExecutor creates a query executor over the given stores.
func NewExecutor(hot *hotstore.Store, chunks *chunk.Store, logger *logging.Logger) *Executor {
	return &Executor{
		hot:    hot,
		chunks: chunks,
		logger: logger.With(logging.Component("query")),
	}
}

// SetObserver registers a hook invoked with the planner statistics of every
// completed query.
func (e *Executor) SetObserver(fn func(ExecStats)) {
	e.observer = fn
}

// Run executes q and collects all batches. Convenience wrapper over Execute
// for callers that do not stream.
func (e *Executor) Run(ctx context.Context, q *Query) ([]*Result, error) {
	var out []*Result
	err := e.Execute(ctx, q, func(r *Result) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// Execute runs q and streams result batches to emit in ascending block
// order. The frontier pair and chunk list are snapshotted once at the start;
// compaction running concurrently does not affect which rows the query sees.
// The final batch's NextBlock is where a follow-up query should resume.
// Cancellation is honored between chunks and between hot batches.
func (e *Executor) Execute(ctx context.Context, q *Query, emit func(*Result) error) error {
	if err := q.Validate(); err != nil {
		return err
	}
	masks, err := q.masks()
	if err != nil {
		return err
	}

	snapshot := e.chunks.Snapshot()
	upper := snapshot.CompactionFrontier
	if frontier, ok := e.hot.IngestFrontier(); ok {
		upper = frontier + 1
	}

	qr := q.Range()
	if qr.End > upper {
		qr.End = upper
	}

	var stats ExecStats
	defer func() {
		if e.observer != nil {
			e.observer(stats)
		}
	}()

	finalNext := q.FromBlock
	if qr.End > qr.Start {
		finalNext = qr.End
	}
	emittedNext := uint64(0)
	emitted := false

	if qr.End > qr.Start {
		includeBlocks := masks.blockReq != 0

		for _, meta := range snapshot.Chunks {
			if !meta.Range().Overlaps(qr) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			stats.ChunksConsidered++
			next := min(meta.End, qr.End)

			plan, pruned, err := e.planChunk(meta, q, qr, includeBlocks)
			if err != nil {
				return fmt.Errorf("plan chunk %s: %w", meta.ID, err)
			}
			if pruned {
				stats.ChunksPruned++
				continue
			}

			stats.ChunksDecoded++
			res, err := e.evalChunk(meta, plan, q, masks, qr)
			if err != nil {
				return fmt.Errorf("evaluate chunk %s: %w", meta.ID, err)
			}
			if !res.Empty() {
				res.NextBlock = next
				if err := emit(res); err != nil {
					return err
				}
				emitted, emittedNext = true, next
			}
		}

		hotStart := max(qr.Start, snapshot.CompactionFrontier)
		if hotStart < qr.End {
			n, err := e.runHot(ctx, q, masks, schema.BlockRange{Start: hotStart, End: qr.End}, qr, func(r *Result) error {
				emitted, emittedNext = true, r.NextBlock
				return emit(r)
			})
			stats.HotRowsScanned += n
			if err != nil {
				return err
			}
		}
	}

	if !emitted || emittedNext < finalNext {
		if err := emit(&Result{NextBlock: finalNext}); err != nil {
			return err
		}
	}

	e.logger.Debug("query executed",
		logging.Uint64("from", q.FromBlock),
		logging.Uint64("next", finalNext),
		logging.Int("chunks_considered", stats.ChunksConsidered),
		logging.Int("chunks_pruned", stats.ChunksPruned),
		logging.Int("chunks_decoded", stats.ChunksDecoded))
	return nil
}

// evalChunk decodes the masked columns of one surviving chunk and evaluates
// the narrowed plan exactly. Logs run first so their transactions and blocks
// are pulled into the join sets before those kinds are scanned.
func (e *Executor) evalChunk(meta chunk.Metadata, plan chunkPlan, q *Query, masks kindMasks, qr schema.BlockRange) (*Result, error) {
	res := &Result{}
	sets := newJoinSets()

	if len(plan.logs) > 0 {
		buf, err := e.chunks.ReadColumns(meta.ID, schema.KindLog, masks.log)
		if err != nil {
			return nil, err
		}
		ms := compileLogMatchers(plan.logs)
		res.Logs = evalLogBuffer(buf, qr, ms, masks.logReq, sets, res.Logs)
	}

	if len(plan.txs) > 0 || len(sets.txs) > 0 {
		buf, err := e.chunks.ReadColumns(meta.ID, schema.KindTransaction, masks.tx)
		if err != nil {
			return nil, err
		}
		ms := compileTxMatchers(plan.txs)
		res.Transactions = evalTxBuffer(buf, qr, ms, masks.txReq, sets, res.Transactions)
	}

	if masks.blockReq != 0 && (q.IncludeAllBlocks || len(sets.blocks) > 0) {
		buf, err := e.chunks.ReadColumns(meta.ID, schema.KindBlock, masks.block)
		if err != nil {
			return nil, err
		}
		res.Blocks = evalBlockBuffer(buf, qr, q.IncludeAllBlocks, masks.blockReq, sets, res.Blocks)
	}
	return res, nil
}

// runHot scans the hot span in block-aligned batches. Rows are buffered per
// kind inside a batch because the store yields them in (block, kind) order
// but logs must be evaluated before their parent transactions.
func (e *Executor) runHot(ctx context.Context, q *Query, masks kindMasks, hot, qr schema.BlockRange, emit func(*Result) error) (int, error) {
	it, err := e.hot.Scan(hot)
	if err != nil {
		return 0, err
	}
	defer it.Close()

	logMs := compileLogMatchers(q.Logs)
	txMs := compileTxMatchers(q.Transactions)

	var blocks, txs, logs []schema.Row
	scanned := 0

	flush := func(next uint64) error {
		defer func() { blocks, txs, logs = blocks[:0], txs[:0], logs[:0] }()

		res := &Result{NextBlock: next}
		sets := newJoinSets()

		for _, row := range logs {
			if evalLogRow(row, qr, logMs, sets) && masks.logReq != 0 {
				res.Logs = append(res.Logs, maskRow(row, masks.logReq))
			}
		}
		for _, row := range txs {
			if evalTxRow(row, qr, txMs, sets) && masks.txReq != 0 {
				res.Transactions = append(res.Transactions, maskRow(row, masks.txReq))
			}
		}
		if masks.blockReq != 0 && (q.IncludeAllBlocks || len(sets.blocks) > 0) {
			for _, row := range blocks {
				if evalBlockRow(row, qr, q.IncludeAllBlocks, sets) {
					res.Blocks = append(res.Blocks, maskRow(row, masks.blockReq))
				}
			}
		}

		if res.Empty() {
			return nil
		}
		return emit(res)
	}

	batchEnd := min(hot.Start+hotBatchBlocks, hot.End)
	for it.Next() {
		row := it.Row()
		scanned++

		if row.BlockNumber() >= batchEnd {
			if err := ctx.Err(); err != nil {
				return scanned, err
			}
			if err := flush(batchEnd); err != nil {
				return scanned, err
			}
			for row.BlockNumber() >= batchEnd {
				batchEnd = min(batchEnd+hotBatchBlocks, hot.End)
			}
		}

		switch row.Kind {
		case schema.KindBlock:
			blocks = append(blocks, row)
		case schema.KindTransaction:
			txs = append(txs, row)
		case schema.KindLog:
			logs = append(logs, row)
		}
	}
	if err := it.Err(); err != nil {
		return scanned, fmt.Errorf("scan hot store: %w", err)
	}
	return scanned, flush(hot.End)
}
