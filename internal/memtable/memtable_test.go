package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andrewgoldstein/velocitydb/internal/types"
)

func TestInsertAndGet(t *testing.T) {
	mt := New()
	mt.Insert(types.Key("k1"), types.Live, types.Value("v1"), 1)

	rec, ok := mt.Get(types.Key("k1"))
	require.True(t, ok)
	require.Equal(t, types.Value("v1"), rec.Value)
	require.True(t, rec.IsLive())
	require.EqualValues(t, 1, rec.Seq)
}

func TestInsertOverwriteKeepsLatestSeq(t *testing.T) {
	mt := New()
	mt.Insert(types.Key("k1"), types.Live, types.Value("old"), 1)
	mt.Insert(types.Key("k1"), types.Live, types.Value("new"), 2)

	rec, ok := mt.Get(types.Key("k1"))
	require.True(t, ok)
	require.Equal(t, types.Value("new"), rec.Value)
	require.EqualValues(t, 2, rec.Seq)
	require.Equal(t, 1, mt.Len())
}

func TestTombstoneRecorded(t *testing.T) {
	mt := New()
	mt.Insert(types.Key("k1"), types.Live, types.Value("v1"), 1)
	mt.Insert(types.Key("k1"), types.Tombstone, nil, 2)

	rec, ok := mt.Get(types.Key("k1"))
	require.True(t, ok)
	require.False(t, rec.IsLive())
}

func TestGetMissingKey(t *testing.T) {
	mt := New()
	_, ok := mt.Get(types.Key("missing"))
	require.False(t, ok)
}

func TestIterSortedOrdering(t *testing.T) {
	mt := New()
	mt.Insert(types.Key("c"), types.Live, types.Value("3"), 3)
	mt.Insert(types.Key("a"), types.Live, types.Value("1"), 1)
	mt.Insert(types.Key("b"), types.Live, types.Value("2"), 2)

	recs := mt.IterSorted()
	require.Len(t, recs, 3)
	require.Equal(t, types.Key("a"), recs[0].Key)
	require.Equal(t, types.Key("b"), recs[1].Key)
	require.Equal(t, types.Key("c"), recs[2].Key)
}

func TestSizeBytesGrowsAndAccountsOverwrites(t *testing.T) {
	mt := New()
	mt.Insert(types.Key("k"), types.Live, types.Value("aaaa"), 1)
	first := mt.SizeBytes()
	require.Greater(t, first, int64(0))

	mt.Insert(types.Key("k"), types.Live, types.Value("aa"), 2)
	second := mt.SizeBytes()
	require.Less(t, second, first, "shrinking a value should reduce the tracked size")
}

func TestSealMarksReadOnlyFlag(t *testing.T) {
	mt := New()
	require.False(t, mt.IsSealed())
	mt.Seal()
	require.True(t, mt.IsSealed())

	mt.Insert(types.Key("k"), types.Live, types.Value("v"), 1)
	_, ok := mt.Get(types.Key("k"))
	require.True(t, ok, "Seal only flags state; the engine is responsible for stopping writes to a sealed memtable")
}
