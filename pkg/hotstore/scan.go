package hotstore

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/dd0wney/cluso-chainindex/pkg/schema"
)

// Iterator yields hot store rows in ascending (block, kind, local) order.
// Each Scan call returns a fresh iterator over a consistent snapshot taken
// at creation, so concurrent appends do not tear a scan.
type Iterator struct {
	iter  *pebble.Iterator
	valid bool
	row   schema.Row
	err   error
}

// Scan returns an iterator over all rows in rng. The iterator is finite and
// restartable: calling Scan again yields a new cursor from the start.
func (s *Store) Scan(rng schema.BlockRange) (*Iterator, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: rowKeyLow(rng.Start),
		UpperBound: rowKeyLow(rng.End),
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", rng, err)
	}

	it := &Iterator{iter: iter}
	it.valid = iter.First()
	return it, nil
}

// Next advances to the next row. It returns false when the iterator is
// exhausted or failed; check Err afterwards.
func (it *Iterator) Next() bool {
	if it.err != nil || !it.valid {
		return false
	}

	key := it.iter.Key()
	if len(key) != rowKeyLen || key[0] != rowKeyPrefix {
		it.err = fmt.Errorf("decode hot row key %x: %w", key, schema.ErrSchemaMismatch)
		return false
	}
	kind := schema.Kind(key[9])

	row, err := schema.DecodeRow(kind, it.iter.Value())
	if err != nil {
		block := binary.BigEndian.Uint64(key[1:])
		it.err = fmt.Errorf("decode hot row at block %d: %w", block, err)
		return false
	}

	it.row = row
	it.valid = it.iter.Next()
	return true
}

// Row returns the row positioned by the last successful Next.
func (it *Iterator) Row() schema.Row {
	return it.row
}

// Err returns the first error the iterator hit, if any.
func (it *Iterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.iter.Error()
}

// Close releases the underlying cursor.
func (it *Iterator) Close() error {
	return it.iter.Close()
}
