// Package ingest polls an execution-layer node and feeds finalized blocks
// into the storage engine, one block at a time in strict ascending order.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/dd0wney/cluso-chainindex/pkg/config"
	"github.com/dd0wney/cluso-chainindex/pkg/logging"
	"github.com/dd0wney/cluso-chainindex/pkg/metrics"
	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

// ErrReorg is returned when a fetched block does not extend the previously
// ingested one. The indexer stays behind the head by the configured
// confirmation depth, so this means the depth was too shallow; ingestion
// halts rather than storing a conflicting history.
var ErrReorg = errors.New("chain reorganization detected")

// Sink receives ingested rows. Satisfied by engine.Engine.
type Sink interface {
	Append(row schema.Row) error
	CommitBlock(block uint64) error
	Height() (uint64, bool)
}

// NodeClient is the slice of the execution-layer RPC surface ingestion
// needs. Satisfied by ethclient.Client.
type NodeClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Ingester drives the poll loop. Single-writer: exactly one Ingester runs
// per engine.
type Ingester struct {
	sink    Sink
	client  NodeClient
	cfg     config.NodeConfig
	logger  *logging.Logger
	metrics *metrics.Registry

	// prevHash is the hash of the last ingested block, zero until the first
	// block of this session has been ingested.
	prevHash    common.Hash
	hasPrevHash bool
}

// New creates an ingester feeding sink from client. metrics may be nil.
func New(sink Sink, client NodeClient, cfg config.NodeConfig, logger *logging.Logger, m *metrics.Registry) *Ingester {
	return &Ingester{
		sink:    sink,
		client:  client,
		cfg:     cfg,
		logger:  logger.With(logging.Component("ingest")),
		metrics: m,
	}
}

// Dial connects to the node URL and returns an ingester over the live client.
func Dial(ctx context.Context, sink Sink, cfg config.NodeConfig, logger *logging.Logger, m *metrics.Registry) (*Ingester, error) {
	client, err := ethclient.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial node %s: %w", cfg.URL, err)
	}
	return New(sink, client, cfg, logger, m), nil
}

// Run polls until ctx is cancelled or a reorg is detected. Node errors are
// logged and retried on the next tick; they never lose committed progress.
func (i *Ingester) Run(ctx context.Context) error {
	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := i.catchUp(ctx); err != nil {
			if errors.Is(err, ErrReorg) || ctx.Err() != nil {
				return err
			}
			i.logger.Warn("ingestion cycle failed", logging.Error(err))
			if i.metrics != nil {
				i.metrics.IngestErrorsTotal.Inc()
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// catchUp ingests every block between the current frontier and the
// confirmed head.
func (i *Ingester) catchUp(ctx context.Context) error {
	head, err := i.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("fetch head: %w", err)
	}
	if head < i.cfg.Confirmations {
		return nil
	}
	target := head - i.cfg.Confirmations

	next := uint64(0)
	if frontier, ok := i.sink.Height(); ok {
		next = frontier + 1
	}

	for ; next <= target; next++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := i.IngestBlock(ctx, next); err != nil {
			return err
		}
	}
	return nil
}

// IngestBlock fetches one block with its receipts and commits it. Appends
// are idempotent below the commit, so a crash mid-block replays cleanly.
func (i *Ingester) IngestBlock(ctx context.Context, number uint64) error {
	block, err := i.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return fmt.Errorf("fetch block %d: %w", number, err)
	}

	if i.hasPrevHash && block.ParentHash() != i.prevHash {
		i.logger.Error("block does not extend ingested chain",
			logging.Block(number),
			logging.String("parent", block.ParentHash().Hex()),
			logging.String("expected", i.prevHash.Hex()))
		return fmt.Errorf("block %d: %w", number, ErrReorg)
	}

	if err := i.sink.Append(blockRow(block)); err != nil {
		return fmt.Errorf("append block %d: %w", number, err)
	}

	for idx, tx := range block.Transactions() {
		receipt, err := i.client.TransactionReceipt(ctx, tx.Hash())
		if err != nil {
			return fmt.Errorf("fetch receipt %s: %w", tx.Hash().Hex(), err)
		}

		row, err := txRow(block, uint64(idx), tx, receipt)
		if err != nil {
			return fmt.Errorf("block %d tx %d: %w", number, idx, err)
		}
		if err := i.sink.Append(row); err != nil {
			return fmt.Errorf("append tx %s: %w", tx.Hash().Hex(), err)
		}

		for _, lg := range receipt.Logs {
			if err := i.sink.Append(logRow(block.NumberU64(), uint64(idx), tx.Hash(), lg)); err != nil {
				return fmt.Errorf("append log %d of tx %s: %w", lg.Index, tx.Hash().Hex(), err)
			}
		}
	}

	if err := i.sink.CommitBlock(number); err != nil {
		return err
	}
	i.prevHash = block.Hash()
	i.hasPrevHash = true

	i.logger.Debug("block ingested",
		logging.Block(number),
		logging.Count(len(block.Transactions())))
	return nil
}
