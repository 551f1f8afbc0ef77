// Package spotify wraps the Spotify Web API behind the narrow surface the
// gateway and the poller consume. All calls go through one rate limiter and
// one retry path; zmb3 types never leak past this package.
package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	spotifyapi "github.com/zmb3/spotify/v2"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/adv-inn/Deckify/internal/core"
)

const (
	pageLimit        = 50
	searchLimit      = 10
	artistAlbumLimit = 10
	trackCacheSize   = 32
	requestTimeout   = 10 * time.Second
)

// TokenSource supplies access tokens and accepts invalidation when the remote
// rejects one.
type TokenSource interface {
	Token(ctx context.Context) (*oauth2.Token, error)
	Invalidate()
}

// Client implements core.SpotifyAPI on top of the Web API.
type Client struct {
	tokens  TokenSource
	limiter *rate.Limiter
	logger  *zap.Logger

	// trackCache avoids refetching metadata when playback bounces between a
	// handful of tracks.
	trackCache *lru.Cache[string, core.TrackMetadata]

	// baseURL and httpClient back the few endpoints the library does not
	// cover; overridable in tests.
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg *core.SpotifyConfig, tokens TokenSource, logger *zap.Logger) *Client {
	cache, _ := lru.New[string, core.TrackMetadata](trackCacheSize)
	return &Client{
		tokens:     tokens,
		limiter:    rate.NewLimiter(rate.Every(cfg.RateLimit), cfg.RateBurst),
		logger:     logger,
		trackCache: cache,
		baseURL:    "https://api.spotify.com/v1",
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// do runs one API call with rate limiting and a single retry after a 401.
// The retry goes through the token source again, which refreshes eagerly
// once the cached token has been invalidated.
func (c *Client) do(ctx context.Context, fn func(api *spotifyapi.Client) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	api, err := c.newAPI(ctx)
	if err != nil {
		return err
	}
	err = fn(api)
	if !isUnauthorized(err) {
		return normalizeError(err)
	}

	c.logger.Debug("Token rejected, refreshing and retrying once")
	c.tokens.Invalidate()
	api, err = c.newAPI(ctx)
	if err != nil {
		return err
	}
	return normalizeError(fn(api))
}

func (c *Client) newAPI(ctx context.Context) (*spotifyapi.Client, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))
	httpClient.Timeout = requestTimeout
	return spotifyapi.New(httpClient, spotifyapi.WithRetry(true)), nil
}

// PlayerState polls GET /me/player and normalizes the result. An empty
// response (nothing playing anywhere) yields Present=false, not an error.
func (c *Client) PlayerState(ctx context.Context) (*core.PlayerState, error) {
	var state *spotifyapi.PlayerState
	err := c.do(ctx, func(api *spotifyapi.Client) error {
		var err error
		state, err = api.PlayerState(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &core.PlayerState{}
	if state == nil {
		return out, nil
	}
	if state.Item != nil {
		out.Present = true
		out.Playing = state.Playing
		out.ProgressMs = int(state.Progress)
		out.Track = trackMetadataFromFull(state.Item)
	}
	if state.Device.ID != "" {
		dev := deviceFromRemote(state.Device)
		out.Device = &dev
	}
	return out, nil
}

func (c *Client) Devices(ctx context.Context) ([]core.Device, error) {
	var remote []spotifyapi.PlayerDevice
	err := c.do(ctx, func(api *spotifyapi.Client) error {
		var err error
		remote, err = api.PlayerDevices(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	devices := make([]core.Device, 0, len(remote))
	for _, d := range remote {
		devices = append(devices, deviceFromRemote(d))
	}
	return devices, nil
}

func (c *Client) Transfer(ctx context.Context, deviceID string, play bool) error {
	return c.do(ctx, func(api *spotifyapi.Client) error {
		return api.TransferPlayback(ctx, spotifyapi.ID(deviceID), play)
	})
}

func (c *Client) SetVolume(ctx context.Context, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	err := c.do(ctx, func(api *spotifyapi.Client) error {
		return api.Volume(ctx, percent)
	})
	return noDeviceAs(err)
}

// Control issues a transport command. A play against a vanished device falls
// back to transferring playback; the other commands surface ErrNoActiveDevice.
func (c *Client) Control(ctx context.Context, action, deviceID string) error {
	switch action {
	case "play":
		return c.playOpt(ctx, playOptions(deviceID))
	case "pause", "next", "previous":
	default:
		return fmt.Errorf("unknown control action %q", action)
	}

	opts := playOptions(deviceID)
	err := c.do(ctx, func(api *spotifyapi.Client) error {
		switch action {
		case "pause":
			return api.PauseOpt(ctx, opts)
		case "next":
			return api.NextOpt(ctx, opts)
		default:
			return api.PreviousOpt(ctx, opts)
		}
	})
	return noDeviceAs(err)
}

func (c *Client) Seek(ctx context.Context, positionMs int) error {
	err := c.do(ctx, func(api *spotifyapi.Client) error {
		return api.Seek(ctx, positionMs)
	})
	return noDeviceAs(err)
}

// PlayContext starts playback of a playlist or album, optionally at a
// specific item inside it.
func (c *Client) PlayContext(ctx context.Context, contextURI, offsetURI string) error {
	uri := spotifyapi.URI(contextURI)
	opts := &spotifyapi.PlayOptions{PlaybackContext: &uri}
	if offsetURI != "" {
		opts.PlaybackOffset = &spotifyapi.PlaybackOffset{URI: spotifyapi.URI(offsetURI)}
	}
	return c.playOpt(ctx, opts)
}

// PlayURIs starts playback of an explicit track list, starting at the given
// index.
func (c *Client) PlayURIs(ctx context.Context, uris []string, position int) error {
	if len(uris) == 0 {
		return fmt.Errorf("no uris to play")
	}
	ids := make([]spotifyapi.URI, len(uris))
	for i, u := range uris {
		ids[i] = spotifyapi.URI(u)
	}
	opts := &spotifyapi.PlayOptions{URIs: ids}
	if position > 0 && position < len(uris) {
		opts.PlaybackOffset = &spotifyapi.PlaybackOffset{URI: ids[position]}
	}
	return c.playOpt(ctx, opts)
}

// playOpt issues the play and, when the remote reports no device to play on,
// picks a reachable one and retries once with playback pinned to it.
func (c *Client) playOpt(ctx context.Context, opts *spotifyapi.PlayOptions) error {
	err := c.do(ctx, func(api *spotifyapi.Client) error {
		return api.PlayOpt(ctx, opts)
	})
	if !isNoDevice(err) {
		return err
	}

	target, err := c.fallbackDevice(ctx, opts)
	if err != nil {
		return err
	}
	c.logger.Info("No active device, transferring playback", zap.String("device_id", string(target)))
	if opts == nil {
		opts = &spotifyapi.PlayOptions{}
	}
	opts.DeviceID = &target
	err = c.do(ctx, func(api *spotifyapi.Client) error {
		return api.PlayOpt(ctx, opts)
	})
	return noDeviceAs(err)
}

// fallbackDevice prefers the device the caller asked for, then the first one
// the remote lists.
func (c *Client) fallbackDevice(ctx context.Context, opts *spotifyapi.PlayOptions) (spotifyapi.ID, error) {
	devices, err := c.Devices(ctx)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", core.ErrNoActiveDevice
	}
	if opts != nil && opts.DeviceID != nil {
		for _, d := range devices {
			if d.ID == string(*opts.DeviceID) {
				return *opts.DeviceID, nil
			}
		}
	}
	return spotifyapi.ID(devices[0].ID), nil
}

func (c *Client) Playlists(ctx context.Context, offset int) (*core.PlaylistPage, error) {
	var page *spotifyapi.SimplePlaylistPage
	err := c.do(ctx, func(api *spotifyapi.Client) error {
		var err error
		page, err = api.CurrentUsersPlaylists(ctx, spotifyapi.Limit(pageLimit), spotifyapi.Offset(offset))
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &core.PlaylistPage{Items: make([]core.Playlist, 0, len(page.Playlists))}
	for _, pl := range page.Playlists {
		out.Items = append(out.Items, core.Playlist{
			ID:         string(pl.ID),
			Name:       pl.Name,
			ImageURL:   firstImageURL(pl.Images),
			TrackCount: int(pl.Tracks.Total),
			OwnerID:    pl.Owner.ID,
		})
	}
	out.Total = int(page.Total)
	out.NextOffset = offset + len(out.Items)
	return out, nil
}

func (c *Client) PlaylistTracks(ctx context.Context, playlistID string, offset int) (*core.TrackPage, error) {
	var page *spotifyapi.PlaylistItemPage
	err := c.do(ctx, func(api *spotifyapi.Client) error {
		var err error
		page, err = api.GetPlaylistItems(ctx, spotifyapi.ID(playlistID),
			spotifyapi.Limit(pageLimit), spotifyapi.Offset(offset))
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &core.TrackPage{Items: make([]core.Track, 0, len(page.Items))}
	for _, item := range page.Items {
		// Playlists can hold episodes and unplayable local files; only
		// proper tracks are served.
		if item.Track.Track == nil {
			continue
		}
		out.Items = append(out.Items, trackFromFull(item.Track.Track))
	}
	out.Total = int(page.Total)
	// Advance by the raw remote count so filtered entries are never
	// refetched, even when fewer items than that are returned.
	out.NextOffset = offset + len(page.Items)
	return out, nil
}

func (c *Client) LikedTracks(ctx context.Context, offset int) (*core.TrackPage, error) {
	var page *spotifyapi.SavedTrackPage
	err := c.do(ctx, func(api *spotifyapi.Client) error {
		var err error
		page, err = api.CurrentUsersTracks(ctx, spotifyapi.Limit(pageLimit), spotifyapi.Offset(offset))
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &core.TrackPage{Items: make([]core.Track, 0, len(page.Tracks))}
	for _, st := range page.Tracks {
		track := st.FullTrack
		out.Items = append(out.Items, trackFromFull(&track))
	}
	out.Total = int(page.Total)
	out.NextOffset = offset + len(out.Items)
	return out, nil
}

func (c *Client) SavedAlbums(ctx context.Context, offset int) (*core.AlbumPage, error) {
	var page *spotifyapi.SavedAlbumPage
	err := c.do(ctx, func(api *spotifyapi.Client) error {
		var err error
		page, err = api.CurrentUsersAlbums(ctx, spotifyapi.Limit(pageLimit), spotifyapi.Offset(offset))
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &core.AlbumPage{Items: make([]core.Album, 0, len(page.Albums))}
	for _, sa := range page.Albums {
		album := albumFromSimple(sa.SimpleAlbum)
		album.TrackCount = int(sa.Tracks.Total)
		out.Items = append(out.Items, album)
	}
	out.Total = int(page.Total)
	out.NextOffset = offset + len(out.Items)
	return out, nil
}

func (c *Client) AlbumTracks(ctx context.Context, albumID string, offset int) (*core.TrackPage, error) {
	var page *spotifyapi.SimpleTrackPage
	err := c.do(ctx, func(api *spotifyapi.Client) error {
		var err error
		page, err = api.GetAlbumTracks(ctx, spotifyapi.ID(albumID),
			spotifyapi.Limit(pageLimit), spotifyapi.Offset(offset))
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &core.TrackPage{Items: make([]core.Track, 0, len(page.Tracks))}
	for _, t := range page.Tracks {
		out.Items = append(out.Items, core.Track{
			ID:         string(t.ID),
			Name:       t.Name,
			Artist:     artistNames(t.Artists),
			URI:        string(t.URI),
			DurationMs: int(t.Duration),
		})
	}
	out.Total = int(page.Total)
	out.NextOffset = offset + len(out.Items)
	return out, nil
}

func (c *Client) FollowedArtists(ctx context.Context) ([]core.Artist, error) {
	var page *spotifyapi.FullArtistCursorPage
	err := c.do(ctx, func(api *spotifyapi.Client) error {
		var err error
		page, err = api.CurrentUsersFollowedArtists(ctx, spotifyapi.Limit(pageLimit))
		return err
	})
	if err != nil {
		return nil, err
	}

	artists := make([]core.Artist, 0, len(page.Artists))
	for _, a := range page.Artists {
		artists = append(artists, core.Artist{
			ID:       string(a.ID),
			Name:     a.Name,
			ImageURL: firstImageURL(a.Images),
		})
	}
	return artists, nil
}

func (c *Client) ArtistAlbums(ctx context.Context, artistID string, offset int) (*core.AlbumPage, error) {
	var page *spotifyapi.SimpleAlbumPage
	err := c.do(ctx, func(api *spotifyapi.Client) error {
		var err error
		page, err = api.GetArtistAlbums(ctx, spotifyapi.ID(artistID), nil,
			spotifyapi.Limit(artistAlbumLimit), spotifyapi.Offset(offset))
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &core.AlbumPage{Items: make([]core.Album, 0, len(page.Albums))}
	for _, a := range page.Albums {
		out.Items = append(out.Items, albumFromSimple(a))
	}
	out.Total = int(page.Total)
	out.NextOffset = offset + len(out.Items)
	return out, nil
}

func (c *Client) Search(ctx context.Context, query string, offset int) (*core.SearchResults, error) {
	var result *spotifyapi.SearchResult
	searchType := spotifyapi.SearchTypeTrack | spotifyapi.SearchTypeArtist |
		spotifyapi.SearchTypeAlbum | spotifyapi.SearchTypePlaylist
	err := c.do(ctx, func(api *spotifyapi.Client) error {
		var err error
		result, err = api.Search(ctx, query, searchType,
			spotifyapi.Limit(searchLimit), spotifyapi.Offset(offset))
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &core.SearchResults{
		Tracks:    []core.Track{},
		Artists:   []core.Artist{},
		Albums:    []core.Album{},
		Playlists: []core.Playlist{},
	}
	if result.Tracks != nil {
		for _, t := range result.Tracks.Tracks {
			track := t
			out.Tracks = append(out.Tracks, trackFromFull(&track))
		}
	}
	if result.Artists != nil {
		for _, a := range result.Artists.Artists {
			out.Artists = append(out.Artists, core.Artist{
				ID:       string(a.ID),
				Name:     a.Name,
				ImageURL: firstImageURL(a.Images),
			})
		}
	}
	if result.Albums != nil {
		for _, a := range result.Albums.Albums {
			out.Albums = append(out.Albums, albumFromSimple(a))
		}
	}
	if result.Playlists != nil {
		for _, pl := range result.Playlists.Playlists {
			out.Playlists = append(out.Playlists, core.Playlist{
				ID:         string(pl.ID),
				Name:       pl.Name,
				ImageURL:   firstImageURL(pl.Images),
				TrackCount: int(pl.Tracks.Total),
				OwnerID:    pl.Owner.ID,
			})
		}
	}
	return out, nil
}

func (c *Client) TrackMetadata(ctx context.Context, trackID string) (*core.TrackMetadata, error) {
	if meta, ok := c.trackCache.Get(trackID); ok {
		return &meta, nil
	}

	var track *spotifyapi.FullTrack
	err := c.do(ctx, func(api *spotifyapi.Client) error {
		var err error
		track, err = api.GetTrack(ctx, spotifyapi.ID(trackID))
		return err
	})
	if err != nil {
		return nil, err
	}

	meta := trackMetadataFromFull(track)
	c.trackCache.Add(trackID, *meta)
	return meta, nil
}

// savedEpisodesPayload mirrors GET /me/episodes, which the client library does
// not cover.
type savedEpisodesPayload struct {
	Total int `json:"total"`
	Items []struct {
		Episode struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			URI        string `json:"uri"`
			DurationMs int    `json:"duration_ms"`
			Images     []struct {
				URL string `json:"url"`
			} `json:"images"`
			Show struct {
				Name string `json:"name"`
			} `json:"show"`
		} `json:"episode"`
	} `json:"items"`
}

func (c *Client) SavedEpisodes(ctx context.Context, offset int) (*core.EpisodePage, error) {
	var payload savedEpisodesPayload
	path := fmt.Sprintf("/me/episodes?limit=%d&offset=%d", pageLimit, offset)
	if err := c.getJSON(ctx, path, &payload); err != nil {
		return nil, err
	}

	out := &core.EpisodePage{Items: make([]core.Episode, 0, len(payload.Items))}
	for _, item := range payload.Items {
		ep := core.Episode{
			ID:         item.Episode.ID,
			Name:       item.Episode.Name,
			ShowName:   item.Episode.Show.Name,
			URI:        item.Episode.URI,
			DurationMs: item.Episode.DurationMs,
		}
		if len(item.Episode.Images) > 0 {
			ep.ImageURL = item.Episode.Images[0].URL
		}
		out.Items = append(out.Items, ep)
	}
	out.Total = payload.Total
	out.NextOffset = offset + len(out.Items)
	return out, nil
}

// getJSON performs one raw authenticated GET against the Web API, with the
// same 401-retry contract as do.
func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	status, body, err := c.rawGet(ctx, path)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.logger.Debug("Token rejected, refreshing and retrying once")
		c.tokens.Invalidate()
		status, body, err = c.rawGet(ctx, path)
		if err != nil {
			return err
		}
	}
	if status >= 400 {
		return apiErrorFromBody(status, body)
	}
	return json.Unmarshal(body, dst)
}

func (c *Client) rawGet(ctx context.Context, path string) (int, []byte, error) {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	tok.SetAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, buf, nil
}

func apiErrorFromBody(status int, body []byte) error {
	var payload struct {
		Error struct {
			Status  int    `json:"status"`
			Message string `json:"message"`
		} `json:"error"`
	}
	message := http.StatusText(status)
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		message = payload.Error.Message
	}
	return &core.APIError{Status: status, Message: message}
}

func isUnauthorized(err error) bool {
	var serr spotifyapi.Error
	return errors.As(err, &serr) && serr.Status == http.StatusUnauthorized
}

func isNoDevice(err error) bool {
	apiErr, ok := core.AsAPIError(err)
	return ok && apiErr.Status == http.StatusNotFound
}

// noDeviceAs collapses the remote's 404 on player commands into the sentinel
// the handlers map to a friendly message.
func noDeviceAs(err error) error {
	if isNoDevice(err) {
		return core.ErrNoActiveDevice
	}
	return err
}

func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	var serr spotifyapi.Error
	if errors.As(err, &serr) {
		return &core.APIError{Status: serr.Status, Message: serr.Message}
	}
	return err
}

func playOptions(deviceID string) *spotifyapi.PlayOptions {
	if deviceID == "" {
		return nil
	}
	id := spotifyapi.ID(deviceID)
	return &spotifyapi.PlayOptions{DeviceID: &id}
}

func deviceFromRemote(d spotifyapi.PlayerDevice) core.Device {
	return core.Device{
		ID:            d.ID.String(),
		Name:          d.Name,
		Type:          d.Type,
		Active:        d.Active,
		VolumePercent: int(d.Volume),
	}
}

func trackMetadataFromFull(t *spotifyapi.FullTrack) *core.TrackMetadata {
	return &core.TrackMetadata{
		TrackID:    string(t.ID),
		Name:       t.Name,
		Artist:     artistNames(t.Artists),
		Album:      t.Album.Name,
		ArtworkURL: firstImageURL(t.Album.Images),
		DurationMs: int(t.Duration),
	}
}

func trackFromFull(t *spotifyapi.FullTrack) core.Track {
	return core.Track{
		ID:         string(t.ID),
		Name:       t.Name,
		Artist:     artistNames(t.Artists),
		Album:      t.Album.Name,
		URI:        string(t.URI),
		DurationMs: int(t.Duration),
		ImageURL:   firstImageURL(t.Album.Images),
	}
}

func albumFromSimple(a spotifyapi.SimpleAlbum) core.Album {
	return core.Album{
		ID:       string(a.ID),
		Name:     a.Name,
		Artist:   artistNames(a.Artists),
		ImageURL: firstImageURL(a.Images),
		URI:      string(a.URI),
	}
}

func artistNames(artists []spotifyapi.SimpleArtist) string {
	names := make([]string, 0, len(artists))
	for _, a := range artists {
		names = append(names, a.Name)
	}
	return strings.Join(names, ", ")
}

func firstImageURL(images []spotifyapi.Image) string {
	if len(images) == 0 {
		return ""
	}
	return images[0].URL
}
