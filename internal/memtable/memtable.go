// Package memtable implements the in-memory ordered write buffer from
// spec.md §4.4, grounded on the teacher's pkg/memtable/memtable.go choice of
// github.com/zhangyunhao116/skipmap for a lock-free, key-ordered concurrent
// map. Unlike the teacher's memtable, which rotates itself in place, sealing
// here is a property the engine flips once it has swapped this memtable out
// of the active slot (spec.md §9's double-buffered handoff) — the memtable
// itself only tracks size and content.
package memtable

import (
	"bytes"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"github.com/andrewgoldstein/velocitydb/internal/types"
)

const perEntryOverheadBytes = 32 // seq + variant + skipmap node bookkeeping, approximated

// Memtable is an ordered mapping from key to the most recent Record for
// that key, plus an approximate byte size.
type Memtable struct {
	entries *skipmap.FuncMap[string, types.Record]
	size    atomic.Int64
	sealed  atomic.Bool
}

// New returns an empty, writable memtable.
func New() *Memtable {
	return &Memtable{
		entries: skipmap.NewFunc[string, types.Record](func(a, b string) bool {
			return bytes.Compare([]byte(a), []byte(b)) < 0
		}),
	}
}

// Insert records the given variant for key at sequence seq. It is the
// caller's responsibility to have durably appended the corresponding WAL
// record first (spec.md I3).
func (mt *Memtable) Insert(key types.Key, variant types.Variant, value types.Value, seq types.SeqNum) {
	rec := types.Record{Key: key, Value: value, Variant: variant, Seq: seq}
	entrySize := int64(len(key) + len(value) + perEntryOverheadBytes)

	if old, existed := mt.entries.Load(string(key)); existed {
		entrySize -= int64(len(old.Key) + len(old.Value) + perEntryOverheadBytes)
	}
	mt.entries.Store(string(key), rec)
	mt.size.Add(entrySize)
}

// Get returns the most recent record for key within this memtable, if any.
func (mt *Memtable) Get(key types.Key) (types.Record, bool) {
	return mt.entries.Load(string(key))
}

// Len returns the number of distinct keys held.
func (mt *Memtable) Len() int {
	return mt.entries.Len()
}

// SizeBytes returns the approximate memory footprint used for the
// max_memtable_size sealing threshold (spec.md §4.9).
func (mt *Memtable) SizeBytes() int64 {
	return mt.size.Load()
}

// IterSorted returns every record in ascending key order, suitable for
// direct streaming into an SST writer during flush.
func (mt *Memtable) IterSorted() []types.Record {
	out := make([]types.Record, 0, mt.entries.Len())
	mt.entries.Range(func(_ string, v types.Record) bool {
		out = append(out, v)
		return true
	})
	return out
}

// Seal marks the memtable read-only. Sealed memtables are still consulted
// by readers until their SST has been installed in the manifest.
func (mt *Memtable) Seal() {
	mt.sealed.Store(true)
}

// IsSealed reports whether Seal has been called.
func (mt *Memtable) IsSealed() bool {
	return mt.sealed.Load()
}
