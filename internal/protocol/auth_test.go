package protocol

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/require"

	"github.com/andrewgoldstein/velocitydb/internal/dberrors"
)

func writeCredentialsFile(t *testing.T, users map[string]Credential) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	data, err := yaml.Marshal(credentialsDoc{Users: users})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestVerifyAcceptsCorrectPassword(t *testing.T) {
	cred, err := HashPassword("hunter2")
	require.NoError(t, err)
	path := writeCredentialsFile(t, map[string]Credential{"alice": cred})

	store, err := LoadCredentialStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Verify("alice", "hunter2"))
}

func TestVerifyRejectsWrongPassword(t *testing.T) {
	cred, err := HashPassword("hunter2")
	require.NoError(t, err)
	path := writeCredentialsFile(t, map[string]Credential{"alice": cred})

	store, err := LoadCredentialStore(path)
	require.NoError(t, err)

	err = store.Verify("alice", "wrong-password")
	require.Error(t, err)
	var authErr *dberrors.AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestVerifyUnknownUserAndWrongPasswordAreIndistinguishable(t *testing.T) {
	cred, err := HashPassword("hunter2")
	require.NoError(t, err)
	path := writeCredentialsFile(t, map[string]Credential{"alice": cred})

	store, err := LoadCredentialStore(path)
	require.NoError(t, err)

	err1 := store.Verify("nonexistent", "anything")
	err2 := store.Verify("alice", "wrong-password")
	require.Equal(t, err1.Error(), err2.Error())
}

func TestReloadPicksUpNewCredentials(t *testing.T) {
	cred1, err := HashPassword("first")
	require.NoError(t, err)
	path := writeCredentialsFile(t, map[string]Credential{"alice": cred1})

	store, err := LoadCredentialStore(path)
	require.NoError(t, err)

	cred2, err := HashPassword("second")
	require.NoError(t, err)
	data, err := yaml.Marshal(credentialsDoc{Users: map[string]Credential{"alice": cred2}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	require.NoError(t, store.Reload(path))
	require.NoError(t, store.Verify("alice", "second"))
	require.Error(t, store.Verify("alice", "first"))
}

func TestHashPasswordProducesDistinctSalts(t *testing.T) {
	c1, err := HashPassword("same-password")
	require.NoError(t, err)
	c2, err := HashPassword("same-password")
	require.NoError(t, err)
	require.NotEqual(t, c1.Salt, c2.Salt)
}
