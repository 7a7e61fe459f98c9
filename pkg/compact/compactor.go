// Package compact folds the oldest hot blocks into immutable chunks. One
// background worker runs per engine; it is the only writer of chunks and the
// only caller of the hot store's DeleteRange.
package compact

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/cluso-chainindex/pkg/chunk"
	"github.com/dd0wney/cluso-chainindex/pkg/hotstore"
	"github.com/dd0wney/cluso-chainindex/pkg/logging"
	"github.com/dd0wney/cluso-chainindex/pkg/metrics"
	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

const (
	defaultInterval = 5 * time.Second

	// Failed cycles back off exponentially up to maxBackoff; progress resets
	// the delay.
	baseBackoff = time.Second
	maxBackoff  = time.Minute
)

// Options configures the compactor.
type Options struct {
	// ChunkBlocks is the span folded into one chunk. A span compacts only
	// once the ingest frontier has moved past its end, so the frontier
	// block itself always stays hot.
	ChunkBlocks uint64
	// Interval is how often the worker checks for pending work between
	// explicit triggers.
	Interval time.Duration
	// Build carries the bloom filter settings for new chunks.
	Build chunk.BuildConfig
}

// Compactor moves data from the hot store into the chunk store. Crash safety
// comes from ordering, not coordination: a chunk is durably published before
// its hot rows are deleted, and a restart finds either both stores intact or
// an already-published span still sitting in the hot store, which it deletes
// without rebuilding.
type Compactor struct {
	hot     *hotstore.Store
	chunks  *chunk.Store
	opts    Options
	logger  *logging.Logger
	metrics *metrics.Registry

	trigger  chan struct{}
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// New creates a compactor. metrics may be nil.
func New(hot *hotstore.Store, chunks *chunk.Store, opts Options, logger *logging.Logger, m *metrics.Registry) *Compactor {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	return &Compactor{
		hot:      hot,
		chunks:   chunks,
		opts:     opts,
		logger:   logger.With(logging.Component("compact")),
		metrics:  m,
		trigger:  make(chan struct{}, 1),
		stopChan: make(chan struct{}),
	}
}

// Start launches the background worker.
func (c *Compactor) Start() {
	if c.started {
		return
	}
	c.started = true
	c.wg.Add(1)
	go c.worker()
}

// Stop shuts the worker down and waits for the in-flight cycle to finish.
func (c *Compactor) Stop() {
	if !c.started {
		return
	}
	close(c.stopChan)
	c.wg.Wait()
	c.started = false
}

// Trigger signals the worker to check for pending work now. Non-blocking; a
// signal already queued is enough.
func (c *Compactor) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

func (c *Compactor) worker() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	backoff := time.Duration(0)
	for {
		select {
		case <-c.trigger:
		case <-ticker.C:
		case <-c.stopChan:
			return
		}

		if backoff > 0 {
			select {
			case <-time.After(backoff):
			case <-c.stopChan:
				return
			}
		}

		progressed, err := c.drain()
		switch {
		case err == nil:
			backoff = 0
		case errors.Is(err, chunk.ErrOverlappingRange):
			// A bug signal: the manifest disagrees with the hot store in a
			// way reconciliation should have handled. Retrying would rebuild
			// and re-fail the same span forever, so the worker stops.
			c.logger.Error("compaction range conflict, worker stopped", logging.Error(err))
			return
		default:
			c.logger.Error("compaction failed", logging.Error(err))
			if c.metrics != nil {
				c.metrics.CompactionRetries.Inc()
			}
			if backoff == 0 {
				backoff = baseBackoff
			} else if backoff < maxBackoff {
				backoff *= 2
			}
		}

		if progressed {
			// More spans may be pending after a backlog.
			c.Trigger()
		}
	}
}

// drain runs cycles until the pending span drops below one chunk.
func (c *Compactor) drain() (bool, error) {
	progressed := false
	for {
		did, err := c.RunOnce()
		if err != nil {
			return progressed, err
		}
		if !did {
			return progressed, nil
		}
		progressed = true
	}
}

// RunOnce performs at most one compaction cycle and reports whether a chunk
// was produced. Exposed so startup recovery and tests can drive compaction
// synchronously.
func (c *Compactor) RunOnce() (bool, error) {
	frontier, ok := c.hot.IngestFrontier()
	if !ok {
		return false, nil
	}

	start := c.hot.CoverageStart()
	published := c.chunks.CompactionFrontier()

	// A crash between chunk publish and hot deletion leaves an already
	// published span in the hot store. Finish the deletion instead of
	// building the chunk again.
	if start < published {
		rng := schema.BlockRange{Start: start, End: published}
		c.logger.Warn("removing hot rows already covered by a chunk",
			logging.Uint64("start", rng.Start),
			logging.Uint64("end", rng.End))
		if err := c.hot.DeleteRange(rng); err != nil {
			return false, fmt.Errorf("reconcile %s: %w", rng, err)
		}
		start = published
	}

	// Compact only spans strictly below the ingest frontier: the hot store
	// keeps covering [compaction frontier, ingest frontier] at all times.
	if frontier < start+c.opts.ChunkBlocks {
		return false, nil
	}
	rng := schema.BlockRange{Start: start, End: start + c.opts.ChunkBlocks}

	began := time.Now()
	rows, err := c.collect(rng)
	if err != nil {
		return false, err
	}
	payload, err := chunk.BuildPayload(rng, rows, c.opts.Build)
	if err != nil {
		return false, fmt.Errorf("build chunk %s: %w", rng, err)
	}

	id, err := c.chunks.WriteChunk(payload, frontier)
	if err != nil {
		return false, err
	}
	// The chunk is durable and visible; hot copies are now redundant.
	if err := c.hot.DeleteRange(rng); err != nil {
		return false, fmt.Errorf("delete compacted rows %s: %w", rng, err)
	}

	elapsed := time.Since(began)
	if c.metrics != nil {
		c.metrics.ChunksWrittenTotal.Inc()
		c.metrics.CompactionFrontier.Set(float64(rng.End))
		c.metrics.CompactionDuration.Observe(elapsed.Seconds())
	}
	c.logger.Info("compacted span",
		logging.Chunk(id),
		logging.Uint64("start", rng.Start),
		logging.Uint64("end", rng.End),
		logging.Latency(elapsed))
	return true, nil
}

// collect reads every hot row in rng grouped by kind, in storage order.
func (c *Compactor) collect(rng schema.BlockRange) (map[schema.Kind][]schema.Row, error) {
	it, err := c.hot.Scan(rng)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	rows := make(map[schema.Kind][]schema.Row, 3)
	for it.Next() {
		row := it.Row()
		rows[row.Kind] = append(rows[row.Kind], row)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("collect %s: %w", rng, err)
	}
	return rows, nil
}
