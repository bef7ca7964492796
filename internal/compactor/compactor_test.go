package compactor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andrewgoldstein/velocitydb/internal/manifest"
	"github.com/andrewgoldstein/velocitydb/internal/sstable"
	"github.com/andrewgoldstein/velocitydb/internal/types"
)

func flushTable(t *testing.T, dir string, mf *manifest.Manifest, generation int, recs ...types.Record) {
	t.Helper()
	path := filepath.Join(dir, sstableName(generation))
	w := sstable.NewWriter(path, false, 0.01)
	for _, r := range recs {
		w.Add(r)
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	require.NoError(t, mf.InstallFlush(meta, generation))
}

func sstableName(generation int) string {
	return "gen-" + string(rune('0'+generation)) + ".sst"
}

func rec(key, value string, seq types.SeqNum) types.Record {
	return types.Record{Key: types.Key(key), Value: types.Value(value), Variant: types.Live, Seq: seq}
}

func tombstone(key string, seq types.SeqNum) types.Record {
	return types.Record{Key: types.Key(key), Variant: types.Tombstone, Seq: seq}
}

func TestMaybeCompactBelowThresholdIsNoop(t *testing.T) {
	dir := t.TempDir()
	mf, err := manifest.Open(dir)
	require.NoError(t, err)
	flushTable(t, dir, mf, 1, rec("a", "1", 1))

	c := New(dir, mf, 4, false, 0.01)
	require.NoError(t, c.MaybeCompact())
	require.Len(t, mf.Tables(), 1)
}

func TestMaybeCompactMergesNewestWins(t *testing.T) {
	dir := t.TempDir()
	mf, err := manifest.Open(dir)
	require.NoError(t, err)
	flushTable(t, dir, mf, 1, rec("a", "old", 1), rec("b", "1", 1))
	flushTable(t, dir, mf, 2, rec("a", "new", 2))

	c := New(dir, mf, 2, false, 0.01)
	require.NoError(t, c.MaybeCompact())

	tables := mf.Tables()
	require.Len(t, tables, 1)

	r, err := sstable.Open(tables[0].Path)
	require.NoError(t, err)
	got, ok := r.Get(types.Key("a"))
	require.True(t, ok)
	require.Equal(t, types.Value("new"), got.Value, "the newer sequence number must win the merge")

	_, ok = r.Get(types.Key("b"))
	require.True(t, ok)
}

func TestCompactionElidesTombstones(t *testing.T) {
	dir := t.TempDir()
	mf, err := manifest.Open(dir)
	require.NoError(t, err)
	flushTable(t, dir, mf, 1, rec("a", "1", 1))
	flushTable(t, dir, mf, 2, tombstone("a", 2))

	c := New(dir, mf, 2, false, 0.01)
	require.NoError(t, c.MaybeCompact())

	tables := mf.Tables()
	require.Empty(t, tables, "when every key resolves to a tombstone, compaction must retire all input tables and install nothing")
}

func TestNotifyDoesNotBlock(t *testing.T) {
	dir := t.TempDir()
	mf, err := manifest.Open(dir)
	require.NoError(t, err)
	c := New(dir, mf, 4, false, 0.01)

	c.Notify()
	c.Notify()
	c.Notify()
}
