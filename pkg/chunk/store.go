// Package chunk implements the cold half of the index: immutable columnar
// chunk files covering contiguous block ranges, each carrying bloom filters
// and column statistics, published atomically and listed through a manifest.
package chunk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-chainindex/pkg/bloom"
	"github.com/dd0wney/cluso-chainindex/pkg/logging"
	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

const chunkSubdir = "chunks"

// Store owns the chunk directory and the manifest. Chunks are write-once:
// the compactor is the only writer, queries only read, and a published chunk
// is never mutated.
type Store struct {
	dir    string
	logger *logging.Logger
	mirror *Mirror // optional, may be nil

	// manifest is an atomically swapped immutable snapshot so readers get a
	// consistent chunk list + frontier without locking.
	manifest atomic.Pointer[Manifest]

	// mu serializes writers (compactor) and the reader/filter caches.
	mu      sync.Mutex
	readers map[string]*Reader
	filters map[string]*bloom.Filter // keyed by id + "/" + field
	closed  bool
}

// Open opens a chunk store rooted at dir, creating the layout on first use
// and recovering the manifest from previous runs. Stray *.tmp files from a
// crashed publish are removed; they were never visible.
func Open(dir string, logger *logging.Logger, mirror *Mirror) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, chunkSubdir), 0755); err != nil {
		return nil, fmt.Errorf("create chunk directory: %w", err)
	}

	m, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:     dir,
		logger:  logger,
		mirror:  mirror,
		readers: make(map[string]*Reader),
		filters: make(map[string]*bloom.Filter),
	}
	s.manifest.Store(m)
	s.removeStrayTemps()
	return s, nil
}

func (s *Store) removeStrayTemps() {
	pattern := filepath.Join(s.dir, chunkSubdir, "*.tmp")
	strays, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	for _, stray := range strays {
		s.logger.Warn("removing partial chunk from interrupted publish", logging.Path(stray))
		os.Remove(stray)
	}
}

// Snapshot returns the current manifest. The returned value is immutable;
// a query holds one snapshot for its whole lifetime.
func (s *Store) Snapshot() *Manifest {
	return s.manifest.Load()
}

// CompactionFrontier returns the highest block folded into a chunk.
func (s *Store) CompactionFrontier() uint64 {
	return s.manifest.Load().CompactionFrontier
}

// WriteChunk persists a payload as a new immutable chunk and publishes it
// atomically: temp file, fsync, rename, then manifest rewrite. The payload's
// range must extend the frontier exactly; an intersecting range returns
// ErrOverlappingRange, which callers treat as a bug, not a retry condition.
// ingestFrontier is recorded in the manifest alongside the chunk list.
func (s *Store) WriteChunk(p *Payload, ingestFrontier uint64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrClosed
	}
	if p.Range.Len() == 0 {
		return "", storeErr("write", "", fmt.Errorf("empty range %s", p.Range))
	}

	m := s.manifest.Load()
	for _, existing := range m.Chunks {
		if existing.Range().Overlaps(p.Range) {
			return "", storeErr("write", existing.ID,
				fmt.Errorf("range %s intersects %s: %w", p.Range, existing.Range(), ErrOverlappingRange))
		}
	}
	if p.Range.Start != m.CompactionFrontier {
		return "", storeErr("write", "",
			fmt.Errorf("range %s does not extend frontier %d: %w", p.Range, m.CompactionFrontier, ErrOverlappingRange))
	}

	id := uuid.NewString()
	file := fmt.Sprintf("%012d-%012d-%s.chunk", p.Range.Start, p.Range.End, id[:8])
	path := filepath.Join(s.dir, chunkSubdir, file)
	tmp := path + ".tmp"

	if err := writeFile(tmp, p); err != nil {
		os.Remove(tmp)
		return "", storeErr("write", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", storeErr("publish", id, err)
	}
	if err := syncDir(filepath.Join(s.dir, chunkSubdir)); err != nil {
		return "", storeErr("publish", id, err)
	}

	meta := Metadata{
		ID:       id,
		Start:    p.Range.Start,
		End:      p.Range.End,
		File:     file,
		RowCount: make(map[string]int, len(p.Kinds)),
		Stats:    p.Stats,
	}
	for _, kd := range p.Kinds {
		meta.RowCount[kd.Kind.String()] = kd.RowCount
	}
	for _, ff := range p.Filters {
		meta.Filters = append(meta.Filters, ff.Field)
	}

	next := &Manifest{
		Version:            m.Version,
		CompactionFrontier: p.Range.End,
		IngestFrontier:     ingestFrontier,
		Chunks:             append(append([]Metadata(nil), m.Chunks...), meta),
	}
	if err := saveManifest(s.dir, next); err != nil {
		// The chunk file exists but is not listed; it will be ignored on
		// restart and the compaction retried.
		return "", storeErr("publish", id, err)
	}
	s.manifest.Store(next)

	s.logger.Info("chunk published",
		logging.String("chunk", id),
		logging.Uint64("start", p.Range.Start),
		logging.Uint64("end", p.Range.End))

	if s.mirror != nil {
		s.mirror.Enqueue(path, filepath.Join(s.dir, manifestName))
	}
	return id, nil
}

// ListChunks returns metadata for every chunk intersecting rng, ascending by
// start block. The result is computed from one manifest snapshot.
func (s *Store) ListChunks(rng schema.BlockRange) []Metadata {
	m := s.manifest.Load()
	var out []Metadata
	for _, c := range m.Chunks {
		if c.Range().Overlaps(rng) {
			out = append(out, c)
		}
	}
	return out
}

// reader returns the cached mmap reader for a chunk, opening it on first use.
func (s *Store) reader(id string) (*Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if r, ok := s.readers[id]; ok {
		return r, nil
	}

	var meta *Metadata
	m := s.manifest.Load()
	for i := range m.Chunks {
		if m.Chunks[i].ID == id {
			meta = &m.Chunks[i]
			break
		}
	}
	if meta == nil {
		return nil, storeErr("open", id, ErrChunkNotFound)
	}

	r, err := openReader(filepath.Join(s.dir, chunkSubdir, meta.File))
	if err != nil {
		return nil, storeErr("open", id, err)
	}
	s.readers[id] = r
	return r, nil
}

// ReadColumns materializes the masked columns of one entity kind from a
// chunk. Chunk immutability makes this safe without coordination.
func (s *Store) ReadColumns(id string, kind schema.Kind, mask schema.Mask) (*schema.Buffer, error) {
	r, err := s.reader(id)
	if err != nil {
		return nil, err
	}
	buf, err := r.ReadColumns(kind, mask)
	if err != nil {
		return nil, storeErr("read", id, err)
	}
	return buf, nil
}

// Filter returns a chunk's bloom filter for one indexable field, cached
// after first load.
func (s *Store) Filter(id, field string) (*bloom.Filter, error) {
	key := id + "/" + field
	s.mu.Lock()
	if f, ok := s.filters[key]; ok {
		s.mu.Unlock()
		return f, nil
	}
	s.mu.Unlock()

	r, err := s.reader(id)
	if err != nil {
		return nil, err
	}
	f, err := r.Filter(field)
	if err != nil {
		return nil, storeErr("read filter", id, err)
	}

	s.mu.Lock()
	s.filters[key] = f
	s.mu.Unlock()
	return f, nil
}

// Close releases all open chunk readers.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for id, r := range s.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close chunk %s: %w", id, err)
		}
	}
	s.readers = nil
	return firstErr
}
