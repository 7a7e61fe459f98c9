// Package hotstore holds the most recently ingested, not-yet-compacted rows
// in an embedded ordered key-value store (Pebble). It always covers a suffix
// of the chain: [compaction_frontier, ingest_frontier].
package hotstore

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"

	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

// Key layout. Row keys sort by block number first so range scans and range
// deletes operate on contiguous key spans:
//
//	'r' | block_number(8, big-endian) | kind(1) | local_index(4, big-endian)
//	'm' | meta name
const (
	rowKeyPrefix  = 'r'
	metaKeyPrefix = 'm'

	rowKeyLen = 1 + 8 + 1 + 4
)

var (
	metaIngestFrontier = []byte{metaKeyPrefix, 'i', 'f'}
	metaCoverageStart  = []byte{metaKeyPrefix, 'c', 's'}
)

// Options configures the hot store.
type Options struct {
	Dir string
	// MemTableSize is the Pebble memtable size in bytes (0 = Pebble default).
	MemTableSize uint64
	// CacheSize is the Pebble block cache size in bytes (0 = Pebble default).
	CacheSize int64
}

// Store is the mutable head of the index. Ingestion is the single writer for
// appends; the compactor is the single caller of DeleteRange. Readers may
// run concurrently with both and observe a consistent snapshot.
type Store struct {
	db     *pebble.DB
	closed atomic.Bool

	// mu serializes append/commit/delete sequencing checks. Reads go
	// straight to Pebble.
	mu sync.Mutex

	// ingestFrontier is the highest fully committed block. Valid only when
	// hasFrontier is true (an empty store has no frontier yet).
	ingestFrontier atomic.Uint64
	hasFrontier    atomic.Bool

	// coverageStart is the low edge of the store's coverage, advanced by
	// DeleteRange after compaction.
	coverageStart atomic.Uint64
}

// Open opens or creates a hot store in dir and recovers the frontier state
// persisted by previous runs.
func Open(opts Options) (*Store, error) {
	popts := &pebble.Options{}
	if opts.MemTableSize > 0 {
		popts.MemTableSize = opts.MemTableSize
	}
	if opts.CacheSize > 0 {
		popts.Cache = pebble.NewCache(opts.CacheSize)
		defer popts.Cache.Unref()
	}

	db, err := pebble.Open(opts.Dir, popts)
	if err != nil {
		return nil, fmt.Errorf("open hot store: %w", err)
	}

	s := &Store{db: db}
	if err := s.recoverMeta(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) recoverMeta() error {
	if v, closer, err := s.db.Get(metaIngestFrontier); err == nil {
		s.ingestFrontier.Store(binary.BigEndian.Uint64(v))
		s.hasFrontier.Store(true)
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return fmt.Errorf("recover ingest frontier: %w", err)
	}

	if v, closer, err := s.db.Get(metaCoverageStart); err == nil {
		s.coverageStart.Store(binary.BigEndian.Uint64(v))
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return fmt.Errorf("recover coverage start: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// IngestFrontier returns the highest fully committed block. ok is false when
// nothing has been committed yet.
func (s *Store) IngestFrontier() (frontier uint64, ok bool) {
	return s.ingestFrontier.Load(), s.hasFrontier.Load()
}

// CoverageStart returns the low edge of the store's current coverage.
func (s *Store) CoverageStart() uint64 {
	return s.coverageStart.Load()
}

// PendingBlocks returns how many committed blocks are waiting for compaction.
func (s *Store) PendingBlocks() uint64 {
	if !s.hasFrontier.Load() {
		return 0
	}
	frontier := s.ingestFrontier.Load()
	start := s.coverageStart.Load()
	if frontier+1 <= start {
		return 0
	}
	return frontier + 1 - start
}

// Append inserts one row. Rows below the ingest frontier are rejected with
// ErrOutOfOrder; re-appending rows of an uncommitted block is allowed so
// ingestion can replay a block after a crash.
func (s *Store) Append(row schema.Row) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	block := row.BlockNumber()
	if s.hasFrontier.Load() && block < s.ingestFrontier.Load() {
		return appendErr(block, ErrOutOfOrder)
	}
	if block < s.coverageStart.Load() {
		return appendErr(block, ErrOutOfOrder)
	}

	value, err := schema.EncodeRow(row)
	if err != nil {
		return appendErr(block, err)
	}

	key := rowKey(block, row.Kind, localIndex(row))
	if err := s.db.Set(key, value, pebble.NoSync); err != nil {
		return appendErr(block, err)
	}
	return nil
}

// CommitBlock durably advances the ingest frontier to block once all of the
// block's rows have been appended. Called by ingestion exactly once per block,
// in ascending order.
func (s *Store) CommitBlock(block uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasFrontier.Load() && block <= s.ingestFrontier.Load() {
		return fmt.Errorf("commit block %d: %w", block, ErrOutOfOrder)
	}

	var v [8]byte
	binary.BigEndian.PutUint64(v[:], block)
	if err := s.db.Set(metaIngestFrontier, v[:], pebble.Sync); err != nil {
		return fmt.Errorf("commit block %d: %w", block, err)
	}
	s.ingestFrontier.Store(block)
	s.hasFrontier.Store(true)
	return nil
}

// DeleteRange removes all rows in rng. Only the compactor calls this, after
// the chunk covering rng is durably persisted. The range must be a prefix of
// the store's current coverage.
func (s *Store) DeleteRange(rng schema.BlockRange) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rng.Start != s.coverageStart.Load() {
		return fmt.Errorf("delete %s: coverage starts at %d: %w",
			rng, s.coverageStart.Load(), ErrRangeNotCompactable)
	}
	if !s.hasFrontier.Load() || rng.End > s.ingestFrontier.Load()+1 {
		return fmt.Errorf("delete %s: range exceeds ingested data: %w", rng, ErrRangeNotCompactable)
	}

	var v [8]byte
	binary.BigEndian.PutUint64(v[:], rng.End)

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(rowKeyLow(rng.Start), rowKeyLow(rng.End), nil); err != nil {
		return fmt.Errorf("delete %s: %w", rng, err)
	}
	if err := batch.Set(metaCoverageStart, v[:], nil); err != nil {
		return fmt.Errorf("delete %s: %w", rng, err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("delete %s: %w", rng, err)
	}

	s.coverageStart.Store(rng.End)
	return nil
}

func rowKey(block uint64, kind schema.Kind, local uint32) []byte {
	key := make([]byte, rowKeyLen)
	key[0] = rowKeyPrefix
	binary.BigEndian.PutUint64(key[1:], block)
	key[9] = byte(kind)
	binary.BigEndian.PutUint32(key[10:], local)
	return key
}

// rowKeyLow is the smallest possible row key for a block.
func rowKeyLow(block uint64) []byte {
	key := make([]byte, 9)
	key[0] = rowKeyPrefix
	binary.BigEndian.PutUint64(key[1:], block)
	return key
}

// localIndex derives a row's position within its block from the row itself,
// so replays after a crash land on the same keys.
func localIndex(row schema.Row) uint32 {
	switch row.Kind {
	case schema.KindTransaction:
		return uint32(row.Values[schema.TxColIndex].U64)
	case schema.KindLog:
		return uint32(row.Values[schema.LogColLogIndex].U64)
	default:
		return 0
	}
}
