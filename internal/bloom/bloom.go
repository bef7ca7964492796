// Package bloom implements the per-SST membership filter from spec.md §4.7:
// a bit array sized for a target false-positive rate, probed with double
// hashing from two independent 64-bit hashes. No third-party bloom-filter
// library appears anywhere in the retrieved pack (the teacher's own
// pkg/persistance/bloom_filter.go hand-rolls one on hash/fnv), so this
// follows the same standard-library approach, corrected to the spec's
// sizing formula and to genuine double hashing.
package bloom

import (
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
)

var errShortFilter = errors.New("bloom: truncated filter bytes")

// Filter is a fixed-size bit array probed with k hash functions derived by
// double hashing two independent 64-bit seeds.
type Filter struct {
	bits []uint64
	m    uint64 // number of bits
	k    uint32 // number of probes
}

// New sizes a filter for n expected elements at false-positive rate p, per
// spec.md §4.7: m = -n*ln(p)/(ln2)^2, k = (m/n)*ln2.
func New(n int, p float64) *Filter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}

	ln2 := math.Ln2
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (ln2 * ln2)))
	if m < 8 {
		m = 8
	}
	k := uint32(math.Round((float64(m) / float64(n)) * ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	return &Filter{
		bits: make([]uint64, (m+63)/64),
		m:    m,
		k:    k,
	}
}

// seeds returns the two independent 64-bit hashes used for double hashing.
func seeds(key []byte) (uint64, uint64) {
	h1 := fnv.New64a()
	h1.Write(key)
	a := h1.Sum64()

	h2 := fnv.New64()
	h2.Write(key)
	var salt [8]byte
	binary.LittleEndian.PutUint64(salt[:], 0x9E3779B97F4A7C15)
	h2.Write(salt[:])
	b := h2.Sum64()
	if b == 0 {
		b = 1 // avoid a degenerate zero step
	}
	return a, b
}

func (f *Filter) probe(i uint32, h1, h2 uint64) uint64 {
	return (h1 + uint64(i)*h2) % f.m
}

// Add records key as (probably) present.
func (f *Filter) Add(key []byte) {
	h1, h2 := seeds(key)
	for i := uint32(0); i < f.k; i++ {
		bit := f.probe(i, h1, h2)
		f.bits[bit/64] |= 1 << (bit % 64)
	}
}

// MayContain returns false only when key is definitely absent; a true
// result may be a false positive but never a false negative.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := seeds(key)
	for i := uint32(0); i < f.k; i++ {
		bit := f.probe(i, h1, h2)
		if f.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Bytes serializes the filter for storage in an SST trailer.
func (f *Filter) Bytes() []byte {
	out := make([]byte, 16+len(f.bits)*8)
	binary.LittleEndian.PutUint64(out[0:8], f.m)
	binary.LittleEndian.PutUint32(out[8:12], f.k)
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(out[16+i*8:16+i*8+8], w)
	}
	return out
}

// Decode reconstructs a filter previously produced by Bytes.
func Decode(b []byte) (*Filter, error) {
	if len(b) < 16 {
		return nil, errShortFilter
	}
	m := binary.LittleEndian.Uint64(b[0:8])
	k := binary.LittleEndian.Uint32(b[8:12])
	rest := b[16:]
	if uint64(len(rest))%8 != 0 {
		return nil, errShortFilter
	}
	words := make([]uint64, len(rest)/8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(rest[i*8 : i*8+8])
	}
	return &Filter{bits: words, m: m, k: k}, nil
}
