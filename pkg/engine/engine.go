// Package engine wires the storage core together: hot store, chunk store,
// compactor and query executor, opened from one configuration and shut down
// as a unit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dd0wney/cluso-chainindex/pkg/chunk"
	"github.com/dd0wney/cluso-chainindex/pkg/compact"
	"github.com/dd0wney/cluso-chainindex/pkg/config"
	"github.com/dd0wney/cluso-chainindex/pkg/hotstore"
	"github.com/dd0wney/cluso-chainindex/pkg/logging"
	"github.com/dd0wney/cluso-chainindex/pkg/metrics"
	"github.com/dd0wney/cluso-chainindex/pkg/query"
	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

// Engine is the indexer's storage core. Ingestion appends rows at the top,
// the compactor migrates them into chunks underneath, and queries see both
// halves through one executor.
type Engine struct {
	logger  *logging.Logger
	metrics *metrics.Registry

	hot       *hotstore.Store
	chunks    *chunk.Store
	mirror    *chunk.Mirror
	compactor *compact.Compactor
	executor  *query.Executor
}

// Open builds an engine from configuration, recovering both stores and
// reconciling any interrupted compaction before returning. The background
// compaction worker is running when Open returns.
func Open(cfg config.Config, logger *logging.Logger, m *metrics.Registry) (*Engine, error) {
	hot, err := hotstore.Open(hotstore.Options{
		Dir:          filepath.Join(cfg.DataDir, "hot"),
		MemTableSize: cfg.Storage.HotMemTableMB << 20,
		CacheSize:    cfg.Storage.HotCacheMB << 20,
	})
	if err != nil {
		return nil, err
	}

	var mirror *chunk.Mirror
	if cfg.Mirror.Enabled {
		mirror, err = chunk.NewMirror(context.Background(), chunk.MirrorConfig{
			Bucket:    cfg.Mirror.Bucket,
			Prefix:    cfg.Mirror.Prefix,
			Region:    cfg.Mirror.Region,
			Endpoint:  cfg.Mirror.Endpoint,
			AccessKey: cfg.Mirror.AccessKey,
			SecretKey: cfg.Mirror.SecretKey,
		}, logger)
		if err != nil {
			hot.Close()
			return nil, fmt.Errorf("open mirror: %w", err)
		}
	}

	chunks, err := chunk.Open(filepath.Join(cfg.DataDir, "cold"), logger, mirror)
	if err != nil {
		hot.Close()
		if mirror != nil {
			mirror.Close()
		}
		return nil, err
	}

	e := &Engine{
		logger:  logger.With(logging.Component("engine")),
		metrics: m,
		hot:     hot,
		chunks:  chunks,
		mirror:  mirror,
	}

	e.compactor = compact.New(hot, chunks, compact.Options{
		ChunkBlocks: cfg.Storage.ChunkBlocks,
		Build:       cfg.BuildConfig(),
	}, logger, m)

	e.executor = query.NewExecutor(hot, chunks, logger)
	if m != nil {
		e.executor.SetObserver(func(st query.ExecStats) {
			m.ChunksConsidered.Add(float64(st.ChunksConsidered))
			m.ChunksPruned.Add(float64(st.ChunksPruned))
			m.ChunksDecoded.Add(float64(st.ChunksDecoded))
		})
	}

	// A crash between chunk publish and hot deletion is repaired here, before
	// any query can observe duplicated rows.
	if _, err := e.compactor.RunOnce(); err != nil {
		e.closeStores()
		return nil, fmt.Errorf("recover compaction state: %w", err)
	}

	if frontier, ok := hot.IngestFrontier(); ok && m != nil {
		m.IngestFrontier.Set(float64(frontier))
	}
	if m != nil {
		m.CompactionFrontier.Set(float64(chunks.CompactionFrontier()))
	}

	e.compactor.Start()
	e.logger.Info("engine opened",
		logging.Uint64("compaction_frontier", chunks.CompactionFrontier()))
	return e, nil
}

// Append inserts one row into the hot store.
func (e *Engine) Append(row schema.Row) error {
	if err := e.hot.Append(row); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RowsIngestedTotal.WithLabelValues(row.Kind.String()).Inc()
	}
	return nil
}

// CommitBlock marks a block fully ingested and nudges the compactor.
func (e *Engine) CommitBlock(block uint64) error {
	if err := e.hot.CommitBlock(block); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.BlocksIngestedTotal.Inc()
		e.metrics.IngestFrontier.Set(float64(block))
	}
	e.compactor.Trigger()
	return nil
}

// Height returns the highest fully ingested block. ok is false while the
// store is still empty.
func (e *Engine) Height() (uint64, bool) {
	return e.hot.IngestFrontier()
}

// CompactionFrontier returns the highest block folded into a chunk.
func (e *Engine) CompactionFrontier() uint64 {
	return e.chunks.CompactionFrontier()
}

// Query executes q, streaming batches to emit. See query.Executor.Execute.
func (e *Engine) Query(ctx context.Context, q *query.Query, emit func(*query.Result) error) error {
	began := time.Now()
	err := e.executor.Execute(ctx, q, emit)

	if e.metrics != nil {
		status := "ok"
		if err != nil && !errors.Is(err, query.ErrLimitReached) {
			status = "error"
		}
		e.metrics.QueriesTotal.WithLabelValues(status).Inc()
		e.metrics.QueryDuration.Observe(time.Since(began).Seconds())
	}
	return err
}

// Executor exposes the underlying query executor.
func (e *Engine) Executor() *query.Executor {
	return e.executor
}

// Close stops the compactor and releases both stores. Safe to call once.
func (e *Engine) Close() error {
	e.compactor.Stop()
	return e.closeStores()
}

func (e *Engine) closeStores() error {
	var firstErr error
	if err := e.chunks.Close(); err != nil {
		firstErr = err
	}
	if err := e.hot.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.mirror != nil {
		e.mirror.Close()
	}
	return firstErr
}
