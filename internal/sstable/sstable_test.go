package sstable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andrewgoldstein/velocitydb/internal/types"
)

func writeTestTable(t *testing.T, compress bool, recs ...types.Record) *Reader {
	t.Helper()
	path := filepath.Join(t.TempDir(), "table.sst")
	w := NewWriter(path, compress, 0.01)
	for _, r := range recs {
		w.Add(r)
	}
	_, err := w.Finish()
	require.NoError(t, err)

	r, err := Open(path)
	require.NoError(t, err)
	return r
}

func rec(key, value string, seq types.SeqNum) types.Record {
	return types.Record{Key: types.Key(key), Value: types.Value(value), Variant: types.Live, Seq: seq}
}

func tombstone(key string, seq types.SeqNum) types.Record {
	return types.Record{Key: types.Key(key), Variant: types.Tombstone, Seq: seq}
}

func TestWriteAndReadRoundTrip(t *testing.T) {
	r := writeTestTable(t, false, rec("a", "1", 1), rec("b", "2", 2), rec("c", "3", 3))

	got, ok := r.Get(types.Key("b"))
	require.True(t, ok)
	require.Equal(t, types.Value("2"), got.Value)

	_, ok = r.Get(types.Key("z"))
	require.False(t, ok)
}

func TestWriteAndReadWithCompression(t *testing.T) {
	r := writeTestTable(t, true, rec("a", "aaaa", 1), rec("b", "bbbb", 2))

	got, ok := r.Get(types.Key("a"))
	require.True(t, ok)
	require.Equal(t, types.Value("aaaa"), got.Value)
}

func TestGetOutOfKeyRangeIsFastReject(t *testing.T) {
	r := writeTestTable(t, false, rec("m", "1", 1), rec("n", "2", 2))

	_, ok := r.Get(types.Key("a"))
	require.False(t, ok)
	_, ok = r.Get(types.Key("z"))
	require.False(t, ok)
}

func TestTombstonePreserved(t *testing.T) {
	r := writeTestTable(t, false, rec("a", "1", 1), tombstone("b", 2))

	got, ok := r.Get(types.Key("b"))
	require.True(t, ok)
	require.False(t, got.IsLive())
}

func TestPrefixScan(t *testing.T) {
	r := writeTestTable(t, false,
		rec("app", "1", 1), rec("apple", "2", 2), rec("apricot", "4", 4), rec("banana", "3", 3))

	got := r.PrefixScan(types.Key("ap"))
	require.Len(t, got, 3)
	for _, rr := range got {
		require.True(t, len(rr.Key) >= 2 && string(rr.Key[:2]) == "ap")
	}
}

func TestRangeScan(t *testing.T) {
	r := writeTestTable(t, false,
		rec("a", "1", 1), rec("b", "2", 2), rec("c", "3", 3), rec("d", "4", 4))

	got := r.RangeScan(types.Key("b"), types.Key("d"))
	require.Len(t, got, 3, "range scan endpoints are inclusive")
	require.Equal(t, types.Key("b"), got[0].Key)
	require.Equal(t, types.Key("c"), got[1].Key)
	require.Equal(t, types.Key("d"), got[2].Key)
}

func TestAllReturnsEverythingInOrder(t *testing.T) {
	r := writeTestTable(t, false, rec("a", "2", 2), rec("z", "1", 1))
	all := r.All()
	require.Len(t, all, 2)
	require.Equal(t, types.Key("a"), all[0].Key)
	require.Equal(t, types.Key("z"), all[1].Key)
}

func TestFinishRejectsEmptyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.sst")
	w := NewWriter(path, false, 0.01)
	_, err := w.Finish()
	require.Error(t, err)
}

func TestSparseIndexSpansManyRecords(t *testing.T) {
	var recs []types.Record
	for i := 0; i < 500; i++ {
		recs = append(recs, rec(string(rune('a'))+paddedNum(i), "v", types.SeqNum(i+1)))
	}
	r := writeTestTable(t, false, recs...)
	for i := 0; i < 500; i += 37 {
		_, ok := r.Get(recs[i].Key)
		require.True(t, ok)
	}
}

func paddedNum(i int) string {
	digits := "0123456789"
	s := make([]byte, 4)
	for p := 3; p >= 0; p-- {
		s[p] = digits[i%10]
		i /= 10
	}
	return string(s)
}
