package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCredentialRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	s := NewCredentialStore(path)

	if _, ok := s.Get(); ok {
		t.Fatal("empty store must report no credential")
	}

	cred := Credential{
		AccessToken:   "access",
		RefreshToken:  "refresh",
		Expiry:        time.Now().Add(time.Hour).Truncate(time.Second),
		ScopesVersion: CurrentScopesVersion,
	}
	if err := s.Save(cred); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok := NewCredentialStore(path).Get()
	if !ok {
		t.Fatal("reloaded store must report a credential")
	}
	if got.AccessToken != "access" || got.RefreshToken != "refresh" {
		t.Errorf("reloaded credential = %+v", got)
	}
	if got.ScopesVersion != CurrentScopesVersion {
		t.Errorf("scopes version = %d, want %d", got.ScopesVersion, CurrentScopesVersion)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != FilePermission {
		t.Errorf("token file mode = %v, want %v", info.Mode().Perm(), os.FileMode(FilePermission))
	}
}

func TestSaveKeepsRefreshTokenWhenOmitted(t *testing.T) {
	s := NewCredentialStore(filepath.Join(t.TempDir(), "token.json"))

	if err := s.Save(Credential{AccessToken: "a1", RefreshToken: "r1"}); err != nil {
		t.Fatal(err)
	}
	// Refresh responses omit the refresh token.
	if err := s.Save(Credential{AccessToken: "a2"}); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get()
	if got.AccessToken != "a2" {
		t.Errorf("access token = %q, want a2", got.AccessToken)
	}
	if got.RefreshToken != "r1" {
		t.Errorf("refresh token = %q, must survive an omitting save", got.RefreshToken)
	}
}

func TestExpireForcesRefresh(t *testing.T) {
	s := NewCredentialStore(filepath.Join(t.TempDir(), "token.json"))
	if err := s.Save(Credential{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	s.Expire()
	got, _ := s.Get()
	if time.Until(got.Expiry) > time.Second {
		t.Errorf("expiry = %v, want now or earlier", got.Expiry)
	}
}

func TestClearRemovesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	s := NewCredentialStore(path)
	if err := s.Save(Credential{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := s.Get(); ok {
		t.Error("cleared store must report no credential")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("token file must be removed")
	}

	// Clearing twice is a no-op.
	if err := s.Clear(); err != nil {
		t.Errorf("second Clear: %v", err)
	}
}
