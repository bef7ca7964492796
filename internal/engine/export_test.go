package engine

import "github.com/andrewgoldstein/velocitydb/internal/memtable"

// SealEmptyMemtableForTest appends an empty sealed entry directly onto the
// flush queue, bypassing the normal Put/Flush path, so tests can exercise
// queue-depth backpressure deterministically.
func (e *Engine) SealEmptyMemtableForTest() {
	e.sealedMu.Lock()
	e.sealed = append(e.sealed, &sealedEntry{mt: memtable.New()})
	e.sealedMu.Unlock()
}

// PopSealedForTest removes the oldest sealed entry from the flush queue and
// wakes any writers blocked on the flush condition variable.
func (e *Engine) PopSealedForTest() {
	e.sealedMu.Lock()
	e.sealed = e.sealed[1:]
	e.sealedMu.Unlock()
	e.flushCond.Broadcast()
}
