package walog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andrewgoldstein/velocitydb/internal/types"
)

func TestAppendAndReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "seg.wal", ModePerRecord)
	require.NoError(t, err)

	_, err = w.Append(Record{Seq: 1, Key: types.Key("k1"), Value: types.Value("v1"), Variant: types.Live})
	require.NoError(t, err)
	_, err = w.Append(Record{Seq: 2, Key: types.Key("k2"), Variant: types.Tombstone})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var got []Record
	maxSeq, err := Replay(dir, "seg.wal", func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, maxSeq)
	require.Len(t, got, 2)
	require.Equal(t, types.Key("k1"), got[0].Key)
	require.True(t, got[0].Variant == types.Live)
	require.Equal(t, types.Key("k2"), got[1].Key)
	require.True(t, got[1].Variant == types.Tombstone)
}

func TestReplayMissingFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	maxSeq, err := Replay(dir, "nonexistent.wal", func(Record) error {
		t.Fatal("callback should never fire for a missing segment")
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 0, maxSeq)
}

func TestReplayTruncatesAtTornTail(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "seg.wal", ModePerRecord)
	require.NoError(t, err)
	_, err = w.Append(Record{Seq: 1, Key: types.Key("good"), Value: types.Value("v"), Variant: types.Live})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "seg.wal")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x20, 0x00, 0x00, 0x00, 0xDE, 0xAD})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var got []Record
	maxSeq, err := Replay(dir, "seg.wal", func(r Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, maxSeq)
	require.Len(t, got, 1, "the torn trailing record must be dropped, not fail the whole replay")
}

func TestModeOffIsNoop(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "seg.wal", ModeOff)
	require.NoError(t, err)

	off, err := w.Append(Record{Seq: 1, Key: types.Key("k"), Value: types.Value("v"), Variant: types.Live})
	require.NoError(t, err)
	require.Zero(t, off)
	require.Empty(t, w.Path())
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "a memory-only WAL must never create a segment file")
}

func TestAdaptiveScheduleEventuallySyncs(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, "seg.wal", ModeAdaptive)
	require.NoError(t, err)
	for i := 0; i < 150; i++ {
		_, err := w.Append(Record{Seq: types.SeqNum(i + 1), Key: types.Key("k"), Value: types.Value("v"), Variant: types.Live})
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	count := 0
	_, err = Replay(dir, "seg.wal", func(Record) error {
		count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 150, count)
}
