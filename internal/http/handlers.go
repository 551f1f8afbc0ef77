package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/adv-inn/Deckify/internal/core"
	"github.com/adv-inn/Deckify/internal/store"
)

// AuthService is the slice of the OAuth controller the gateway needs.
type AuthService interface {
	StartOAuth() (string, error)
	Cancel()
	AuthStatus() (authenticated, needsReauth bool)
	Logout() error
}

// AgentService is the slice of the supervisor the gateway needs.
type AgentService interface {
	Start(ctx context.Context) error
	Stop() error
	Restart(ctx context.Context) error
	Status() core.AgentState
	MarkRestartNeeded()
}

// Playback is the reconciler surface the gateway reads and nudges.
type Playback interface {
	Snapshot() core.PlaybackSnapshot
	Devices() []core.Device
	SetDevices(devices []core.Device)
	SetTargetDevice(id string)
	TargetDevice() string
	ApplyCommand(action string)
	ApplyVolumeCommand(percent int)
	ApplySeek(positionMs int)
}

// Confirmer schedules the post-command confirmation poll.
type Confirmer interface {
	ConfirmSoon()
}

// Subscriber hands out the notification stream served to event consumers.
type Subscriber interface {
	Subscribe() (<-chan core.Notification, func())
}

// SettingsService reads and mutates the operator settings.
type SettingsService interface {
	Get() store.Settings
	Set(key string, value any) (store.Settings, error)
}

// Handlers is the stateless request translation layer. Every handler either
// reads the current snapshot, issues one paged library read, or forwards one
// write command; nothing here holds state between requests.
type Handlers struct {
	api      core.SpotifyAPI
	playback Playback
	auth     AuthService
	agent    AgentService
	settings SettingsService
	confirm  Confirmer
	events   Subscriber
	metrics  *Metrics
	logger   *zap.Logger
}

func NewHandlers(api core.SpotifyAPI, playback Playback, auth AuthService, agent AgentService, settings SettingsService, confirm Confirmer, events Subscriber, metrics *Metrics, logger *zap.Logger) *Handlers {
	return &Handlers{
		api:      api,
		playback: playback,
		auth:     auth,
		agent:    agent,
		settings: settings,
		confirm:  confirm,
		events:   events,
		metrics:  metrics,
		logger:   logger,
	}
}

func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/events", h.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/control", h.handleControl).Methods(http.MethodPost)
	r.HandleFunc("/volume", h.handleVolume).Methods(http.MethodPost)
	r.HandleFunc("/seek", h.handleSeek).Methods(http.MethodPost)
	r.HandleFunc("/play", h.handlePlay).Methods(http.MethodPost)

	r.HandleFunc("/playlists", h.handlePlaylists).Methods(http.MethodGet)
	r.HandleFunc("/playlists/{id}/tracks", h.handlePlaylistTracks).Methods(http.MethodGet)
	r.HandleFunc("/liked-tracks", h.handleLikedTracks).Methods(http.MethodGet)
	r.HandleFunc("/episodes", h.handleEpisodes).Methods(http.MethodGet)
	r.HandleFunc("/albums", h.handleAlbums).Methods(http.MethodGet)
	r.HandleFunc("/albums/{id}/tracks", h.handleAlbumTracks).Methods(http.MethodGet)
	r.HandleFunc("/artists", h.handleArtists).Methods(http.MethodGet)
	r.HandleFunc("/artists/{id}/albums", h.handleArtistAlbums).Methods(http.MethodGet)
	r.HandleFunc("/search", h.handleSearch).Methods(http.MethodGet)

	r.HandleFunc("/devices", h.handleDevices).Methods(http.MethodGet)
	r.HandleFunc("/transfer", h.handleTransfer).Methods(http.MethodPost)

	r.HandleFunc("/auth/start", h.handleAuthStart).Methods(http.MethodPost)
	r.HandleFunc("/auth/status", h.handleAuthStatus).Methods(http.MethodGet)
	r.HandleFunc("/auth/logout", h.handleAuthLogout).Methods(http.MethodPost)

	r.HandleFunc("/agent/start", h.handleAgentStart).Methods(http.MethodPost)
	r.HandleFunc("/agent/stop", h.handleAgentStop).Methods(http.MethodPost)
	r.HandleFunc("/agent/restart", h.handleAgentRestart).Methods(http.MethodPost)

	r.HandleFunc("/settings", h.handleSettingsGet).Methods(http.MethodGet)
	r.HandleFunc("/settings", h.handleSettingsSet).Methods(http.MethodPost)
}

func (h *Handlers) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := h.playback.Snapshot()
	agent := h.agent.Status()

	h.writeOK(w, map[string]any{
		"authenticated":   snap.Authenticated,
		"needs_reauth":    snap.NeedsReauth,
		"agent_running":   agent.Running,
		"auto_restarting": snap.AutoRestarting || agent.AutoRestarting,
		"restart_needed":  agent.RestartNeeded,
		"binary_found":    agent.BinaryFound,
		"is_playing":      snap.IsPlaying,
		"position_ms":     snap.PositionMs,
		"track":           snap.Track,
		"active_device":   snap.ActiveDevice,
		"volume":          snap.Volume,
		"last_error":      agent.LastError,
	})
}

// eventsKeepalive bounds how long a proxy sees a silent stream.
const eventsKeepalive = 15 * time.Second

// handleEvents streams hub notifications as server-sent events so the panel
// and dashboard learn about auth completion, agent status, and device changes
// without tightening their poll interval. EventSource reconnects on its own,
// so a dropped stream costs one snapshot poll at most.
func (h *Handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	ch, cancel := h.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})
	_ = rc.Flush()

	keepalive := time.NewTicker(eventsKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(n)
			if err != nil {
				h.logger.Debug("Failed to encode notification", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data)
			if err := rc.Flush(); err != nil {
				return
			}
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (h *Handlers) handleControl(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	switch action {
	case "play", "pause", "next", "previous":
	default:
		h.writeBadRequest(w, "action must be one of play, pause, next, previous")
		return
	}

	if err := h.api.Control(r.Context(), action, h.playback.TargetDevice()); err != nil {
		h.metrics.RecordCommand(action, "error")
		h.writeError(w, err)
		return
	}

	h.playback.ApplyCommand(action)
	h.confirm.ConfirmSoon()
	h.metrics.RecordCommand(action, "ok")
	h.writeOK(w, nil)
}

func (h *Handlers) handleVolume(w http.ResponseWriter, r *http.Request) {
	value, err := strconv.Atoi(r.URL.Query().Get("value"))
	if err != nil || value < 0 || value > 100 {
		h.writeBadRequest(w, "value must be an integer between 0 and 100")
		return
	}

	if err := h.api.SetVolume(r.Context(), value); err != nil {
		h.metrics.RecordCommand("volume", "error")
		h.writeError(w, err)
		return
	}

	// No confirmation poll here: the debounce window already suppresses
	// poll-sourced volume while the user drags the slider.
	h.playback.ApplyVolumeCommand(value)
	h.metrics.RecordCommand("volume", "ok")
	h.writeOK(w, nil)
}

func (h *Handlers) handleSeek(w http.ResponseWriter, r *http.Request) {
	position, err := strconv.Atoi(r.URL.Query().Get("position_ms"))
	if err != nil || position < 0 {
		h.writeBadRequest(w, "position_ms must be a non-negative integer")
		return
	}

	if err := h.api.Seek(r.Context(), position); err != nil {
		h.metrics.RecordCommand("seek", "error")
		h.writeError(w, err)
		return
	}

	h.playback.ApplySeek(position)
	h.confirm.ConfirmSoon()
	h.metrics.RecordCommand("seek", "ok")
	h.writeOK(w, nil)
}

type playRequest struct {
	ContextURI string   `json:"context_uri"`
	OffsetURI  string   `json:"offset_uri"`
	URIs       []string `json:"uris"`
	Position   int      `json:"position"`
}

func (h *Handlers) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req playRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid JSON body")
		return
	}

	var err error
	switch {
	case req.ContextURI != "":
		err = h.api.PlayContext(r.Context(), req.ContextURI, req.OffsetURI)
	case len(req.URIs) > 0:
		err = h.api.PlayURIs(r.Context(), req.URIs, req.Position)
	default:
		h.writeBadRequest(w, "body must carry context_uri or uris")
		return
	}
	if err != nil {
		h.metrics.RecordCommand("play", "error")
		h.writeError(w, err)
		return
	}

	h.playback.ApplyCommand("play")
	h.confirm.ConfirmSoon()
	h.metrics.RecordCommand("play", "ok")
	h.writeOK(w, nil)
}

func (h *Handlers) handlePlaylists(w http.ResponseWriter, r *http.Request) {
	page, err := h.api.Playlists(r.Context(), queryOffset(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writePage(w, page.Items, page.Paging)
}

func (h *Handlers) handlePlaylistTracks(w http.ResponseWriter, r *http.Request) {
	page, err := h.api.PlaylistTracks(r.Context(), mux.Vars(r)["id"], queryOffset(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writePage(w, page.Items, page.Paging)
}

func (h *Handlers) handleLikedTracks(w http.ResponseWriter, r *http.Request) {
	page, err := h.api.LikedTracks(r.Context(), queryOffset(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writePage(w, page.Items, page.Paging)
}

func (h *Handlers) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	page, err := h.api.SavedEpisodes(r.Context(), queryOffset(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writePage(w, page.Items, page.Paging)
}

func (h *Handlers) handleAlbums(w http.ResponseWriter, r *http.Request) {
	page, err := h.api.SavedAlbums(r.Context(), queryOffset(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writePage(w, page.Items, page.Paging)
}

func (h *Handlers) handleAlbumTracks(w http.ResponseWriter, r *http.Request) {
	page, err := h.api.AlbumTracks(r.Context(), mux.Vars(r)["id"], queryOffset(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writePage(w, page.Items, page.Paging)
}

func (h *Handlers) handleArtists(w http.ResponseWriter, r *http.Request) {
	artists, err := h.api.FollowedArtists(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, map[string]any{"items": artists})
}

func (h *Handlers) handleArtistAlbums(w http.ResponseWriter, r *http.Request) {
	page, err := h.api.ArtistAlbums(r.Context(), mux.Vars(r)["id"], queryOffset(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writePage(w, page.Items, page.Paging)
}

func (h *Handlers) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		h.writeBadRequest(w, "q must not be empty")
		return
	}

	results, err := h.api.Search(r.Context(), query, queryOffset(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, map[string]any{
		"tracks":    results.Tracks,
		"artists":   results.Artists,
		"albums":    results.Albums,
		"playlists": results.Playlists,
	})
}

func (h *Handlers) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.api.Devices(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.playback.SetDevices(devices)
	h.writeOK(w, map[string]any{"items": devices})
}

func (h *Handlers) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		h.writeBadRequest(w, "body must carry device_id")
		return
	}

	if err := h.api.Transfer(r.Context(), req.DeviceID, true); err != nil {
		h.metrics.RecordCommand("transfer", "error")
		h.writeError(w, err)
		return
	}

	h.playback.SetTargetDevice(req.DeviceID)
	h.confirm.ConfirmSoon()
	h.metrics.RecordCommand("transfer", "ok")
	h.writeOK(w, nil)
}

func (h *Handlers) handleAuthStart(w http.ResponseWriter, _ *http.Request) {
	landingURL, err := h.auth.StartOAuth()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, map[string]any{"landing_url": landingURL})
}

func (h *Handlers) handleAuthStatus(w http.ResponseWriter, _ *http.Request) {
	authenticated, needsReauth := h.auth.AuthStatus()
	h.writeOK(w, map[string]any{
		"authenticated": authenticated,
		"needs_reauth":  needsReauth,
	})
}

func (h *Handlers) handleAuthLogout(w http.ResponseWriter, _ *http.Request) {
	if err := h.auth.Logout(); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, nil)
}

func (h *Handlers) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	if err := h.agent.Start(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, nil)
}

func (h *Handlers) handleAgentStop(w http.ResponseWriter, _ *http.Request) {
	if err := h.agent.Stop(); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, nil)
}

func (h *Handlers) handleAgentRestart(w http.ResponseWriter, r *http.Request) {
	if err := h.agent.Restart(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOK(w, nil)
}

func (h *Handlers) handleSettingsGet(w http.ResponseWriter, _ *http.Request) {
	h.writeOK(w, map[string]any{"settings": h.settings.Get()})
}

func (h *Handlers) handleSettingsSet(w http.ResponseWriter, r *http.Request) {
	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil || len(updates) == 0 {
		h.writeBadRequest(w, "body must be a non-empty JSON object")
		return
	}

	before := h.settings.Get()
	var settings store.Settings
	for key, value := range updates {
		var err error
		settings, err = h.settings.Set(key, value)
		if err != nil {
			h.writeBadRequest(w, err.Error())
			return
		}
	}

	// Device name and bitrate only apply at the next agent launch; flag
	// instead of restarting under the operator.
	if settings.DeviceName != before.DeviceName || settings.Bitrate != before.Bitrate {
		h.agent.MarkRestartNeeded()
	}
	h.writeOK(w, map[string]any{"settings": settings})
}

func (h *Handlers) writePage(w http.ResponseWriter, items any, paging core.Paging) {
	h.writeOK(w, map[string]any{
		"items":  items,
		"total":  paging.Total,
		"offset": paging.NextOffset,
	})
}

func (h *Handlers) writeOK(w http.ResponseWriter, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["ok"] = true
	h.writeJSON(w, http.StatusOK, payload)
}

func (h *Handlers) writeBadRequest(w http.ResponseWriter, message string) {
	h.writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": message})
}

// writeError maps the error taxonomy onto statuses and always emits the
// {ok:false, error} envelope, never a raw remote body.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, core.ErrNoActiveDevice), errors.Is(err, core.ErrBinaryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrOAuthInProgress), errors.Is(err, core.ErrAgentAlreadyRunning):
		status = http.StatusConflict
	default:
		if apiErr, ok := core.AsAPIError(err); ok && apiErr.Status >= 400 {
			status = apiErr.Status
			h.metrics.RecordRemoteError(apiErr.Status)
		}
	}
	h.writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Debug("Failed to encode response", zap.Error(err))
	}
}

func queryOffset(r *http.Request) int {
	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		return 0
	}
	return offset
}
