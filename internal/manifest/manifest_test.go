package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andrewgoldstein/velocitydb/internal/sstable"
	"github.com/andrewgoldstein/velocitydb/internal/types"
)

func TestOpenCreatesEmptyManifest(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	require.Empty(t, m.Tables())
	require.EqualValues(t, 0, m.NextSeq())
}

func TestNextTableIDIncrements(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)

	first := m.NextTableID()
	second := m.NextTableID()
	require.Equal(t, first+1, second)
}

func TestInstallFlushAddsEntryNewestFirst(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, m.InstallFlush(sstable.Meta{Path: "a.sst", MinKey: types.Key("a"), MaxKey: types.Key("a"), MaxSeq: 1}, 1))
	require.NoError(t, m.InstallFlush(sstable.Meta{Path: "b.sst", MinKey: types.Key("b"), MaxKey: types.Key("b"), MaxSeq: 2}, 2))

	tables := m.Tables()
	require.Len(t, tables, 2)
	require.Equal(t, "b.sst", tables[0].Path, "Tables must return newest generation first")
	require.EqualValues(t, 2, m.NextSeq())
}

func TestApplyCompactionReplacesOldWithMerged(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, m.InstallFlush(sstable.Meta{Path: "a.sst", MaxSeq: 1}, 1))
	require.NoError(t, m.InstallFlush(sstable.Meta{Path: "b.sst", MaxSeq: 2}, 2))

	require.NoError(t, m.ApplyCompaction([]string{"a.sst", "b.sst"}, sstable.Meta{Path: "merged.sst", MaxSeq: 2}, 3))

	tables := m.Tables()
	require.Len(t, tables, 1)
	require.Equal(t, "merged.sst", tables[0].Path)
}

func TestManifestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, m.InstallFlush(sstable.Meta{Path: "a.sst", MaxSeq: 5}, 1))

	reopened, err := Open(dir)
	require.NoError(t, err)
	require.Len(t, reopened.Tables(), 1)
	require.EqualValues(t, 5, reopened.NextSeq())
}

func TestRecordSeqNeverGoesBackwards(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, m.RecordSeq(10))
	require.NoError(t, m.RecordSeq(3))
	require.EqualValues(t, 10, m.NextSeq())
}
