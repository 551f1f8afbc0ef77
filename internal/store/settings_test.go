package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSettingsDefaults(t *testing.T) {
	s := NewSettingsStore(filepath.Join(t.TempDir(), "settings.json"))

	got := s.Get()
	if got.DeviceName != "Steam Deck" {
		t.Errorf("default device name = %q, want %q", got.DeviceName, "Steam Deck")
	}
	if got.Bitrate != 320 {
		t.Errorf("default bitrate = %d, want 320", got.Bitrate)
	}
	if got.ClientID != "" {
		t.Errorf("default client id = %q, want empty", got.ClientID)
	}
}

func TestSettingsSetAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := NewSettingsStore(path)

	if _, err := s.Set("device_name", "Living Room Deck"); err != nil {
		t.Fatalf("Set device_name: %v", err)
	}
	if _, err := s.Set("bitrate", 160); err != nil {
		t.Fatalf("Set bitrate: %v", err)
	}

	reloaded := NewSettingsStore(path).Get()
	if reloaded.DeviceName != "Living Room Deck" {
		t.Errorf("reloaded device name = %q", reloaded.DeviceName)
	}
	if reloaded.Bitrate != 160 {
		t.Errorf("reloaded bitrate = %d, want 160", reloaded.Bitrate)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat settings file: %v", err)
	}
	if info.Mode().Perm() != FilePermission {
		t.Errorf("settings file mode = %v, want %v", info.Mode().Perm(), os.FileMode(FilePermission))
	}
}

func TestSettingsSetRejectsBadValues(t *testing.T) {
	s := NewSettingsStore(filepath.Join(t.TempDir(), "settings.json"))

	if _, err := s.Set("bitrate", 128); err == nil {
		t.Error("expected error for unsupported bitrate")
	}
	if _, err := s.Set("device_name", ""); err == nil {
		t.Error("expected error for empty device name")
	}
	if _, err := s.Set("favorite_color", "green"); err == nil {
		t.Error("expected error for unknown key")
	}

	got := s.Get()
	if got.Bitrate != 320 || got.DeviceName != "Steam Deck" {
		t.Errorf("rejected updates must not mutate settings, got %+v", got)
	}
}

func TestSettingsBitrateFromJSONNumber(t *testing.T) {
	s := NewSettingsStore(filepath.Join(t.TempDir(), "settings.json"))

	// JSON bodies decode numbers as float64.
	if _, err := s.Set("bitrate", float64(96)); err != nil {
		t.Fatalf("Set bitrate from float64: %v", err)
	}
	if got := s.Get().Bitrate; got != 96 {
		t.Errorf("bitrate = %d, want 96", got)
	}
}

func TestSettingsCorruptFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	got := NewSettingsStore(path).Get()
	if got.DeviceName != "Steam Deck" || got.Bitrate != 320 {
		t.Errorf("corrupt file must yield defaults, got %+v", got)
	}
}
