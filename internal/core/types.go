package core

import (
	"context"
	"time"
)

// EventKind identifies one variant of the agent's line-delimited event stream.
type EventKind string

const (
	EventPlaying     EventKind = "playing"
	EventPaused      EventKind = "paused"
	EventStopped     EventKind = "stopped"
	EventChanged     EventKind = "changed"
	EventPreloading  EventKind = "preloading"
	EventUnavailable EventKind = "unavailable"
	EventVolumeSet   EventKind = "volume_set"
)

// AgentEvent is one parsed event from the playback agent. Events are immutable
// once constructed; a later event supersedes, never merges with, an earlier one.
type AgentEvent struct {
	Kind       EventKind `json:"event"`
	TrackID    string    `json:"track_id,omitempty"`
	OldTrackID string    `json:"old_track_id,omitempty"`
	PositionMs int       `json:"position_ms,omitempty"`
	DurationMs int       `json:"duration_ms,omitempty"`
	Volume     int       `json:"volume,omitempty"`
}

// AgentState is the supervisor's view of the agent process. Mutated only by the
// supervisor; everyone else receives copies.
type AgentState struct {
	PID            int         `json:"pid"`
	Running        bool        `json:"running"`
	BinaryFound    bool        `json:"binary_found"`
	AutoRestarting bool        `json:"auto_restarting"`
	RestartNeeded  bool        `json:"restart_needed"`
	LastEvent      *AgentEvent `json:"last_event"`
	LastError      string      `json:"last_error,omitempty"`
}

// TrackMetadata describes the current track, fetched once per track id and
// cached in memory only.
type TrackMetadata struct {
	TrackID    string `json:"track_id"`
	Name       string `json:"name"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	ArtworkURL string `json:"artwork_url,omitempty"`
	DurationMs int    `json:"duration_ms"`
}

// Device is one entry from the Connect device list. The list is replaced
// wholesale on every devices fetch.
type Device struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	Active        bool   `json:"is_active"`
	VolumePercent int    `json:"volume_percent"`
}

// PlaybackSnapshot is the reconciled now-playing view served to both UIs.
// PositionMs is an anchor: while playing, elapsed wall time since
// PositionCapturedAt is added on read and clamped to the track duration.
type PlaybackSnapshot struct {
	Authenticated      bool           `json:"authenticated"`
	NeedsReauth        bool           `json:"needs_reauth"`
	AgentRunning       bool           `json:"agent_running"`
	AutoRestarting     bool           `json:"auto_restarting"`
	IsPlaying          bool           `json:"is_playing"`
	PositionMs         int            `json:"position_ms"`
	PositionCapturedAt time.Time      `json:"position_captured_at"`
	Track              *TrackMetadata `json:"track"`
	ActiveDevice       *Device        `json:"active_device"`
	Volume             int            `json:"volume"`
}

// PlayerState is the normalized result of one GET /me/player poll.
// Present is false when the remote reports no playback at all (204).
type PlayerState struct {
	Present    bool
	Playing    bool
	ProgressMs int
	Track      *TrackMetadata
	Device     *Device
}

type Playlist struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ImageURL   string `json:"image_url,omitempty"`
	TrackCount int    `json:"track_count"`
	OwnerID    string `json:"owner_id"`
}

type Track struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Artist     string `json:"artist"`
	Album      string `json:"album"`
	URI        string `json:"uri"`
	DurationMs int    `json:"duration_ms"`
	ImageURL   string `json:"image_url,omitempty"`
}

type Album struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Artist     string `json:"artist"`
	ImageURL   string `json:"image_url,omitempty"`
	TrackCount int    `json:"track_count"`
	URI        string `json:"uri"`
}

type Artist struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"image_url,omitempty"`
}

type Episode struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ShowName   string `json:"show_name"`
	URI        string `json:"uri"`
	DurationMs int    `json:"duration_ms"`
	ImageURL   string `json:"image_url,omitempty"`
}

// Paging reports the remote total and the offset the caller should pass to
// fetch the next page. This is normally request offset + items returned;
// playlist track pages advance by the raw remote item count instead, since
// episodes and local files are filtered out of Items but still occupy
// positions in the remote playlist.
type Paging struct {
	Total      int `json:"total"`
	NextOffset int `json:"offset"`
}

type PlaylistPage struct {
	Items []Playlist
	Paging
}

type TrackPage struct {
	Items []Track
	Paging
}

type AlbumPage struct {
	Items []Album
	Paging
}

type EpisodePage struct {
	Items []Episode
	Paging
}

// SearchResults holds one page of mixed-type search hits.
type SearchResults struct {
	Tracks    []Track    `json:"tracks"`
	Artists   []Artist   `json:"artists"`
	Albums    []Album    `json:"albums"`
	Playlists []Playlist `json:"playlists"`
}

// SpotifyAPI is the Web API surface consumed by the gateway and the poller.
type SpotifyAPI interface {
	PlayerState(ctx context.Context) (*PlayerState, error)
	Devices(ctx context.Context) ([]Device, error)
	Transfer(ctx context.Context, deviceID string, play bool) error
	SetVolume(ctx context.Context, percent int) error
	Control(ctx context.Context, action, deviceID string) error
	Seek(ctx context.Context, positionMs int) error
	PlayContext(ctx context.Context, contextURI, offsetURI string) error
	PlayURIs(ctx context.Context, uris []string, position int) error

	Playlists(ctx context.Context, offset int) (*PlaylistPage, error)
	PlaylistTracks(ctx context.Context, playlistID string, offset int) (*TrackPage, error)
	LikedTracks(ctx context.Context, offset int) (*TrackPage, error)
	SavedAlbums(ctx context.Context, offset int) (*AlbumPage, error)
	AlbumTracks(ctx context.Context, albumID string, offset int) (*TrackPage, error)
	SavedEpisodes(ctx context.Context, offset int) (*EpisodePage, error)
	FollowedArtists(ctx context.Context) ([]Artist, error)
	ArtistAlbums(ctx context.Context, artistID string, offset int) (*AlbumPage, error)
	Search(ctx context.Context, query string, offset int) (*SearchResults, error)
	TrackMetadata(ctx context.Context, trackID string) (*TrackMetadata, error)
}

// NotificationType tags messages on the notification hub.
type NotificationType string

const (
	NotifyOAuthComplete NotificationType = "oauth_complete"
	NotifyAgentStatus   NotificationType = "agent_status"
	NotifyAgentEvent    NotificationType = "agent_event"
	NotifyTrackMetadata NotificationType = "track_metadata"
	NotifyDeviceChanged NotificationType = "device_changed"
)

// Notification is delivered at-least-once to hub subscribers; consumers must
// treat payloads as idempotent state, not increments.
type Notification struct {
	Type    NotificationType `json:"type"`
	Payload any              `json:"payload,omitempty"`
}
