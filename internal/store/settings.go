// Package store persists the small set of runtime-mutable settings.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FilePermission is the permission for the settings file.
const FilePermission = 0600

// Settings are the operator-editable values. Device name and bitrate feed the
// agent command line; the client id feeds the OAuth flow.
type Settings struct {
	DeviceName string `json:"device_name"`
	Bitrate    int    `json:"bitrate"`
	ClientID   string `json:"spotify_client_id"`
}

func defaultSettings() Settings {
	return Settings{
		DeviceName: "Steam Deck",
		Bitrate:    320,
	}
}

// SettingsStore is the owned singleton for settings; all mutation goes through
// Set so readers always observe a consistent copy.
type SettingsStore struct {
	path     string
	mu       sync.RWMutex
	settings Settings
}

// NewSettingsStore loads settings from path, merging saved values over
// defaults. A missing or corrupt file yields defaults.
func NewSettingsStore(path string) *SettingsStore {
	s := &SettingsStore{path: path, settings: defaultSettings()}

	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	saved := defaultSettings()
	if err := json.Unmarshal(data, &saved); err != nil {
		return s
	}
	s.settings = saved
	return s
}

// Get returns a copy of the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Set updates one setting by key and persists the result. Unknown keys are
// rejected so a typo from the UI cannot grow the settings file.
func (s *SettingsStore) Set(key string, value any) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := s.settings
	switch key {
	case "device_name":
		name, ok := value.(string)
		if !ok || name == "" {
			return s.settings, fmt.Errorf("device_name must be a non-empty string")
		}
		updated.DeviceName = name
	case "bitrate":
		bitrate, ok := toInt(value)
		if !ok {
			return s.settings, fmt.Errorf("bitrate must be a number")
		}
		switch bitrate {
		case 96, 160, 320:
		default:
			return s.settings, fmt.Errorf("bitrate must be one of 96, 160, 320")
		}
		updated.Bitrate = bitrate
	case "spotify_client_id":
		id, ok := value.(string)
		if !ok {
			return s.settings, fmt.Errorf("spotify_client_id must be a string")
		}
		updated.ClientID = id
	default:
		return s.settings, fmt.Errorf("unknown setting: %s", key)
	}

	if err := s.persist(updated); err != nil {
		return s.settings, err
	}
	s.settings = updated
	return updated, nil
}

// SetClientID stores the client id captured during the OAuth landing flow.
func (s *SettingsStore) SetClientID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := s.settings
	updated.ClientID = id
	if err := s.persist(updated); err != nil {
		return err
	}
	s.settings = updated
	return nil
}

func (s *SettingsStore) persist(settings Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := os.WriteFile(s.path, data, FilePermission); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
