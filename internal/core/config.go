package core

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Agent   AgentConfig
	Spotify SpotifyConfig
	OAuth   OAuthConfig
	Server  ServerConfig
	Log     LogConfig
}

type AgentConfig struct {
	// BinaryPath is the librespot binary location. A missing binary is
	// surfaced as a status flag, not a startup failure.
	BinaryPath string
	CacheDir   string
	PIDFile    string
	Backend    string
	// PulseServer is exported as PULSE_SERVER for the child process.
	PulseServer string
}

type SpotifyConfig struct {
	SettingsPath string
	TokenPath    string
	// RateLimit is the minimum interval between outgoing Web API calls.
	RateLimit time.Duration
	RateBurst int
}

type OAuthConfig struct {
	// Host is the externally reachable hostname for the callback listener.
	// Empty means "<hostname>.local".
	Host     string
	Port     int
	CertFile string
	KeyFile  string
	// Timeout bounds one OAuth attempt; the listener is torn down after it.
	Timeout time.Duration
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// DashboardDir holds the built browser dashboard; served with an SPA
	// fallback when present.
	DashboardDir string
}

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

func DefaultConfig() *Config {
	runtimeDir := defaultRuntimeDir()

	return &Config{
		Agent: AgentConfig{
			BinaryPath:  filepath.Join(runtimeDir, "bin", "librespot"),
			CacheDir:    filepath.Join(runtimeDir, "cache"),
			PIDFile:     filepath.Join(runtimeDir, "librespot.pid"),
			Backend:     "pulseaudio",
			PulseServer: "unix:/run/user/1000/pulse/native",
		},
		Spotify: SpotifyConfig{
			SettingsPath: filepath.Join(runtimeDir, "settings.json"),
			TokenPath:    filepath.Join(runtimeDir, "spotify_token.json"),
			RateLimit:    200 * time.Millisecond,
			RateBurst:    5,
		},
		OAuth: OAuthConfig{
			Port:     39281,
			CertFile: filepath.Join(runtimeDir, "cert.pem"),
			KeyFile:  filepath.Join(runtimeDir, "key.pem"),
			Timeout:  5 * time.Minute,
		},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         39282,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
			DashboardDir: filepath.Join(runtimeDir, "dashboard", "dist"),
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

func defaultRuntimeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./deckify"
	}
	return filepath.Join(home, ".local", "share", "deckify")
}
