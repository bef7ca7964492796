// Package protocol implements the connection state machine and command
// framing from spec.md §4.2: HELLO/fingerprint pinning, Argon2id password
// authentication, and per-connection/per-user rate limiting wrapped
// around the wire and dispatcher layers.
package protocol

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"sync"

	"github.com/goccy/go-yaml"
	"golang.org/x/crypto/argon2"

	"github.com/andrewgoldstein/velocitydb/internal/dberrors"
)

// argon2Params fixes the KDF cost so every credential in a deployment is
// comparable: time=1 with 64 MiB of memory, the IDKey values suggested by
// golang.org/x/crypto/argon2's documentation (RFC 9106's second
// recommended option uses the same memory with time=3).
var argon2Params = struct {
	time    uint32
	memory  uint32
	threads uint8
	keyLen  uint32
}{time: 1, memory: 64 * 1024, threads: 4, keyLen: 32}

// Credential is one user's Argon2id salt and derived key, base64-encoded
// for storage in the YAML credentials file.
type Credential struct {
	Salt string `yaml:"salt"`
	Hash string `yaml:"hash"`
}

type credentialsDoc struct {
	Users map[string]Credential `yaml:"users"`
}

// CredentialStore verifies usernames and passwords against a loaded
// credentials file. It is safe for concurrent use; Reload swaps the
// in-memory table atomically under a mutex, so a credentials-file edit can
// take effect without restarting the server.
type CredentialStore struct {
	mu    sync.RWMutex
	users map[string]Credential
}

// LoadCredentialStore reads and parses the YAML credentials file at path.
func LoadCredentialStore(path string) (*CredentialStore, error) {
	s := &CredentialStore{users: make(map[string]Credential)}
	if err := s.Reload(path); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the credentials file from disk.
func (s *CredentialStore) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("auth: read credentials file: %w", err)
	}
	var doc credentialsDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("auth: parse credentials file: %w", err)
	}

	s.mu.Lock()
	s.users = doc.Users
	s.mu.Unlock()
	return nil
}

// Verify checks username/password, returning AuthError on any mismatch —
// unknown user and wrong password produce the identical error so a client
// cannot enumerate valid usernames from the failure message.
func (s *CredentialStore) Verify(username, password string) error {
	s.mu.RLock()
	cred, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return &dberrors.AuthError{Reason: "invalid credentials"}
	}

	salt, err := base64.StdEncoding.DecodeString(cred.Salt)
	if err != nil {
		return &dberrors.AuthError{Reason: "invalid credentials"}
	}
	wantHash, err := base64.StdEncoding.DecodeString(cred.Hash)
	if err != nil {
		return &dberrors.AuthError{Reason: "invalid credentials"}
	}

	gotHash := deriveKey(password, salt)
	if subtle.ConstantTimeCompare(gotHash, wantHash) != 1 {
		return &dberrors.AuthError{Reason: "invalid credentials"}
	}
	return nil
}

// HashPassword produces a fresh Credential (random salt plus derived key)
// for storing a new user in the credentials file.
func HashPassword(password string) (Credential, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return Credential{}, fmt.Errorf("auth: generate salt: %w", err)
	}
	hash := deriveKey(password, salt)
	return Credential{
		Salt: base64.StdEncoding.EncodeToString(salt),
		Hash: base64.StdEncoding.EncodeToString(hash),
	}, nil
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argon2Params.time, argon2Params.memory, argon2Params.threads, argon2Params.keyLen)
}
