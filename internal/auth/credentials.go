// Package auth holds the two identity concerns of the relay: verification of
// client session cookies (JWT) and storage of per-user broker credentials.
//
// Credentials are stored as one JSON file per user: cred_<userID>.json.
// Writes use atomic file replacement (write to .tmp, then rename) so a crash
// mid-save never leaves a corrupt file. When the upstream broker rejects a
// token, the session marks it expired here; the user must re-authorize
// through the REST side before the feed reconnects.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNoCredential is returned when a user has no stored broker credential.
var ErrNoCredential = errors.New("no broker credential on file")

// ErrCredentialExpired is returned when the stored credential has been marked
// invalid by an upstream auth failure.
var ErrCredentialExpired = errors.New("broker credential expired")

// Credential is a bearer token for the upstream broker feed.
type Credential struct {
	UserID      string    `json:"user_id"`
	AccessToken string    `json:"access_token"`
	IssuedAt    time.Time `json:"issued_at"`
	Expired     bool      `json:"expired"`
}

// CredentialStore persists broker credentials keyed by user.
// All operations are mutex-protected to prevent concurrent file corruption.
type CredentialStore struct {
	dir string
	mu  sync.Mutex
}

// OpenCredentialStore creates a store backed by the given directory.
func OpenCredentialStore(dir string) (*CredentialStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create credential dir: %w", err)
	}
	return &CredentialStore{dir: dir}, nil
}

func (s *CredentialStore) path(userID string) string {
	return filepath.Join(s.dir, "cred_"+userID+".json")
}

// Save atomically persists a credential, clearing any expired mark.
func (s *CredentialStore) Save(cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = time.Now()
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	path := s.path(cred.UserID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return os.Rename(tmp, path)
}

// Token returns the live bearer token for a user.
func (s *CredentialStore) Token(userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.load(userID)
	if err != nil {
		return "", err
	}
	if cred.Expired {
		return "", ErrCredentialExpired
	}
	return cred.AccessToken, nil
}

// MarkExpired flags a user's credential as rejected by the broker. Sessions
// call this on an upstream auth failure so later connects fail fast until
// the user re-authorizes.
func (s *CredentialStore) MarkExpired(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.load(userID)
	if err != nil {
		return err
	}
	if cred.Expired {
		return nil
	}
	cred.Expired = true

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	path := s.path(userID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *CredentialStore) load(userID string) (*Credential, error) {
	data, err := os.ReadFile(s.path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("read credential: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("unmarshal credential: %w", err)
	}
	return &cred, nil
}
