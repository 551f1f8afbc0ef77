// Package auth implements the OAuth PKCE flow against the Spotify account
// service: credential persistence, the short-lived local HTTPS callback
// listener, and token refresh.
package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FilePermission is the permission for the token file.
const FilePermission = 0600

// Credential holds the persisted OAuth tokens. The PKCE verifier is transient
// and lives on the controller only while a login is in flight.
type Credential struct {
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	Expiry        time.Time `json:"expiry"`
	ScopesVersion int       `json:"scopes_version"`
}

// CredentialStore owns the token file. It is the single source of truth for
// "authenticated"; all mutation goes through its methods.
type CredentialStore struct {
	path string
	mu   sync.RWMutex
	cred *Credential
}

// NewCredentialStore loads any persisted credential from path.
func NewCredentialStore(path string) *CredentialStore {
	s := &CredentialStore{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return s
	}
	if cred.AccessToken == "" {
		return s
	}
	s.cred = &cred
	return s
}

// Get returns a copy of the stored credential.
func (s *CredentialStore) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return Credential{}, false
	}
	return *s.cred, true
}

// Save persists cred. A stored refresh token is never overwritten with an
// empty one: the token endpoint omits the refresh token on refresh responses.
func (s *CredentialStore) Save(cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cred.RefreshToken == "" && s.cred != nil {
		cred.RefreshToken = s.cred.RefreshToken
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create token dir: %w", err)
	}
	data, err := json.MarshalIndent(&cred, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := os.WriteFile(s.path, data, FilePermission); err != nil {
		return fmt.Errorf("failed to write credential: %w", err)
	}
	s.cred = &cred
	return nil
}

// Expire marks the access token as expired so the next Token call refreshes.
func (s *CredentialStore) Expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred != nil {
		s.cred.Expiry = time.Now()
	}
}

// Clear wipes the credential in memory and on disk.
func (s *CredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cred = nil
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}
