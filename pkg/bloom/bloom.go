// Package bloom implements the probabilistic membership filters attached to
// immutable chunks. A filter may report a value it never saw (bounded by the
// configured false-positive rate) but never misses a value it was given.
package bloom

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Sentinel errors
var (
	ErrCorruptFilter = errors.New("corrupt bloom filter")
)

const (
	filterVersion = 1

	// Probe i uses h1 + i*h2; the second hash is derived by rehashing the
	// value with this suffix so both hashes stay independent.
	rehashSuffix = 0xb7
)

// Filter is a byte-packed bloom filter. Construction is deterministic:
// the same values and parameters always produce byte-identical filters,
// which allows content-addressed deduplication of chunks.
type Filter struct {
	bits      []byte
	nbits     uint64
	hashCount int
}

// New creates an empty filter sized for expectedItems at the target
// false-positive rate using the standard optimal-size formulas.
func New(expectedItems int, falsePositiveRate float64) *Filter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	// m = -(n * ln(p)) / (ln(2)^2), k = (m/n) * ln(2)
	nbits := uint64(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	if nbits < 64 {
		nbits = 64
	}
	hashCount := int(math.Ceil(float64(nbits) / float64(expectedItems) * math.Ln2))
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > 32 {
		hashCount = 32
	}

	return &Filter{
		bits:      make([]byte, (nbits+7)/8),
		nbits:     nbits,
		hashCount: hashCount,
	}
}

// Build constructs a filter over the given values. Insertion order does not
// affect the result.
func Build(values [][]byte, expectedItems int, falsePositiveRate float64) *Filter {
	f := New(expectedItems, falsePositiveRate)
	for _, v := range values {
		f.Add(v)
	}
	return f
}

// Add inserts a value into the filter.
func (f *Filter) Add(value []byte) {
	h1, h2 := hashPair(value)
	for i := 0; i < f.hashCount; i++ {
		bit := (h1 + uint64(i)*h2) % f.nbits
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// Contains reports whether the value may be in the set. A false return is
// definitive; a true return may be a false positive.
func (f *Filter) Contains(value []byte) bool {
	h1, h2 := hashPair(value)
	for i := 0; i < f.hashCount; i++ {
		bit := (h1 + uint64(i)*h2) % f.nbits
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// hashPair derives two independent 64-bit hashes for double hashing.
func hashPair(value []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(value)

	d := xxhash.New()
	_, _ = d.Write(value)
	_, _ = d.Write([]byte{rehashSuffix})
	h2 := d.Sum64()

	// An odd step avoids probe clustering when nbits is a power of two.
	h2 |= 1
	return h1, h2
}

// EstimateFalsePositiveRate estimates the false-positive rate after
// itemCount insertions: (1 - e^(-k*n/m))^k.
func (f *Filter) EstimateFalsePositiveRate(itemCount int) float64 {
	k := float64(f.hashCount)
	n := float64(itemCount)
	m := float64(f.nbits)
	return math.Pow(1.0-math.Exp(-k*n/m), k)
}

// SizeBits returns the size of the filter in bits.
func (f *Filter) SizeBits() uint64 {
	return f.nbits
}

// HashCount returns the number of probes per value.
func (f *Filter) HashCount() int {
	return f.hashCount
}

// MarshalBinary serializes the filter. Layout:
//
//	version(1) | hash_count(1) | nbits(8) | bits
func (f *Filter) MarshalBinary() []byte {
	out := make([]byte, 0, 10+len(f.bits))
	out = append(out, filterVersion, byte(f.hashCount))
	out = binary.LittleEndian.AppendUint64(out, f.nbits)
	out = append(out, f.bits...)
	return out
}

// UnmarshalBinary deserializes a filter produced by MarshalBinary.
func UnmarshalBinary(data []byte) (*Filter, error) {
	if len(data) < 10 || data[0] != filterVersion {
		return nil, ErrCorruptFilter
	}
	hashCount := int(data[1])
	nbits := binary.LittleEndian.Uint64(data[2:])
	bits := data[10:]
	if uint64(len(bits)) != (nbits+7)/8 || hashCount < 1 || nbits == 0 {
		return nil, ErrCorruptFilter
	}
	return &Filter{
		bits:      append([]byte(nil), bits...),
		nbits:     nbits,
		hashCount: hashCount,
	}, nil
}
