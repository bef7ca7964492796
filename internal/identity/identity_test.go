package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintWithoutTLSIsStableAcrossCalls(t *testing.T) {
	dir := t.TempDir()

	fp1, err := Fingerprint(dir, nil)
	require.NoError(t, err)
	require.NotEmpty(t, fp1)

	fp2, err := Fingerprint(dir, nil)
	require.NoError(t, err)
	require.Equal(t, fp1, fp2, "the fingerprint must survive being recomputed against the same data dir")
}

func TestFingerprintPersistsIdentityFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Fingerprint(dir, nil)
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(dir, identityFileName))
}

func TestDifferentDataDirsYieldDifferentFingerprints(t *testing.T) {
	dir1, dir2 := t.TempDir(), t.TempDir()

	fp1, err := Fingerprint(dir1, nil)
	require.NoError(t, err)
	fp2, err := Fingerprint(dir2, nil)
	require.NoError(t, err)

	require.NotEqual(t, fp1, fp2)
}
