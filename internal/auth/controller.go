package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/mdp/qrterminal/v3"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/adv-inn/Deckify/internal/core"
	"github.com/adv-inn/Deckify/internal/store"
)

// CurrentScopesVersion is bumped whenever a new feature needs an extra scope.
// Credentials granted under an older version report needs_reauth.
const CurrentScopesVersion = 4

// refreshMargin is how close to expiry we refresh proactively.
const refreshMargin = 60 * time.Second

func scopes() []string {
	return []string{
		spotifyauth.ScopeUserReadCurrentlyPlaying,
		spotifyauth.ScopeUserReadPlaybackState,
		spotifyauth.ScopeUserModifyPlaybackState,
		spotifyauth.ScopePlaylistReadPrivate,
		spotifyauth.ScopePlaylistReadCollaborative,
		spotifyauth.ScopeUserLibraryRead,
		spotifyauth.ScopeUserFollowRead,
	}
}

type phase int

const (
	phaseIdle phase = iota
	phaseAwaitingCallback
	phaseExchanging
	phaseAuthenticated
)

// Notifier delivers notifications to UI consumers.
type Notifier interface {
	Publish(n core.Notification)
}

// Controller orchestrates the PKCE flow: verifier/challenge generation,
// authorization URL construction, the callback exchange, token refresh, and
// re-auth detection. It owns the CredentialStore.
type Controller struct {
	cfg      *core.OAuthConfig
	creds    *CredentialStore
	settings *store.SettingsStore
	hub      Notifier
	logger   *zap.Logger

	// Test seams; default to the Spotify account service.
	authURL  string
	tokenURL string
	printQR  bool

	mu          sync.Mutex
	phase       phase
	verifier    string
	state       string
	startedAt   time.Time
	redirectURI string
	listener    *listener
	timeout     *time.Timer
	needsReauth bool

	refresh singleflight.Group
}

func NewController(cfg *core.OAuthConfig, creds *CredentialStore, settings *store.SettingsStore, hub Notifier, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		creds:    creds,
		settings: settings,
		hub:      hub,
		logger:   logger,
		authURL:  spotifyauth.AuthURL,
		tokenURL: spotifyauth.TokenURL,
		printQR:  true,
	}
}

// StartOAuth begins one login attempt and returns the landing URL for QR
// rendering. The landing page redirects the phone's browser to the real
// authorization URL, which is too long for reliable QR capture itself.
func (c *Controller) StartOAuth() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == phaseAwaitingCallback && time.Since(c.startedAt) < c.cfg.Timeout {
		return "", core.ErrOAuthInProgress
	}
	c.teardownLocked()

	host := c.cfg.Host
	if host == "" {
		host = mdnsHost()
	}

	cert, err := EnsureCertificate(c.cfg.CertFile, c.cfg.KeyFile, host)
	if err != nil {
		return "", fmt.Errorf("failed to prepare TLS certificate: %w", err)
	}

	state, err := newStateToken()
	if err != nil {
		return "", err
	}

	landingURL := fmt.Sprintf("https://%s:%d", host, c.cfg.Port)
	c.verifier = newVerifier()
	c.state = state
	c.startedAt = time.Now()
	c.redirectURI = landingURL + "/callback"

	l := newListener(fmt.Sprintf("0.0.0.0:%d", c.cfg.Port), cert, c.routes(), c.logger)
	if err := l.start(); err != nil {
		c.verifier = ""
		return "", err
	}
	c.listener = l
	c.phase = phaseAwaitingCallback
	c.timeout = time.AfterFunc(c.cfg.Timeout, c.Cancel)

	c.logger.Info("OAuth flow started", zap.String("landing_url", landingURL))
	if c.printQR {
		qrterminal.GenerateHalfBlock(landingURL, qrterminal.L, os.Stdout)
	}
	return landingURL, nil
}

// Cancel aborts any in-flight attempt and returns to idle. Safe to call at
// any time, including from the attempt timeout.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == phaseAwaitingCallback || c.phase == phaseExchanging {
		c.logger.Info("OAuth attempt cancelled")
	}
	c.teardownLocked()
}

// teardownLocked clears attempt state and releases the listener. The listener
// is stopped off the lock since Shutdown waits for in-flight handlers.
func (c *Controller) teardownLocked() {
	c.verifier = ""
	c.state = ""
	if c.timeout != nil {
		c.timeout.Stop()
		c.timeout = nil
	}
	if l := c.listener; l != nil {
		c.listener = nil
		go l.stop()
	}
	if c.phase != phaseAuthenticated {
		c.phase = phaseIdle
	}
}

// AuthStatus reports credential presence plus the scope-version comparison.
// It never touches the network.
func (c *Controller) AuthStatus() (authenticated, needsReauth bool) {
	cred, ok := c.creds.Get()
	if !ok || cred.RefreshToken == "" {
		return false, false
	}

	c.mu.Lock()
	refreshFailed := c.needsReauth
	c.mu.Unlock()

	return true, cred.ScopesVersion < CurrentScopesVersion || refreshFailed
}

// Token returns a valid access token, refreshing it inside the safety margin.
// Concurrent refreshes collapse to a single token-endpoint call.
func (c *Controller) Token(ctx context.Context) (*oauth2.Token, error) {
	cred, ok := c.creds.Get()
	if !ok {
		return nil, core.ErrNotAuthenticated
	}
	if time.Until(cred.Expiry) > refreshMargin {
		return &oauth2.Token{AccessToken: cred.AccessToken, RefreshToken: cred.RefreshToken, Expiry: cred.Expiry}, nil
	}
	if cred.RefreshToken == "" {
		return nil, core.ErrNotAuthenticated
	}

	tok, err, _ := c.refresh.Do("refresh", func() (any, error) {
		// Another caller may have refreshed while we queued.
		cur, ok := c.creds.Get()
		if !ok {
			return nil, core.ErrNotAuthenticated
		}
		if time.Until(cur.Expiry) > refreshMargin {
			return &oauth2.Token{AccessToken: cur.AccessToken, RefreshToken: cur.RefreshToken, Expiry: cur.Expiry}, nil
		}
		return c.doRefresh(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	return tok.(*oauth2.Token), nil
}

func (c *Controller) doRefresh(ctx context.Context, cred Credential) (*oauth2.Token, error) {
	cfg := c.oauthConfig(c.settings.Get().ClientID)
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		c.mu.Lock()
		c.needsReauth = true
		c.mu.Unlock()
		c.logger.Error("Token refresh failed", zap.Error(err))
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	if err := c.creds.Save(Credential{
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		Expiry:        tok.Expiry,
		ScopesVersion: cred.ScopesVersion,
	}); err != nil {
		c.logger.Warn("Failed to persist refreshed token", zap.Error(err))
	}

	c.mu.Lock()
	c.needsReauth = false
	c.mu.Unlock()

	c.logger.Info("Access token refreshed")
	return tok, nil
}

// Invalidate forces a refresh on the next Token call. Used on a remote 401.
func (c *Controller) Invalidate() {
	c.creds.Expire()
}

// Logout clears the credential store. No server-side revocation is attempted.
func (c *Controller) Logout() error {
	c.Cancel()

	c.mu.Lock()
	c.phase = phaseIdle
	c.needsReauth = false
	c.mu.Unlock()

	if err := c.creds.Clear(); err != nil {
		return err
	}
	c.logger.Info("Logged out, credentials cleared")
	return nil
}

// oauthConfig must not be called with the mutex held; it snapshots the
// redirect URI itself since listener handlers run off the lock.
func (c *Controller) oauthConfig(clientID string) *oauth2.Config {
	c.mu.Lock()
	redirectURI := c.redirectURI
	c.mu.Unlock()

	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Scopes:      scopes(),
		Endpoint:    oauth2.Endpoint{AuthURL: c.authURL, TokenURL: c.tokenURL},
	}
}

// routes builds the listener's handler: the landing page, the client-id form
// target, and the callback. Every other path is rejected.
func (c *Controller) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", c.handleLanding)
	mux.HandleFunc("/auth", c.handleAuthRedirect)
	mux.HandleFunc("/callback", c.handleCallback)
	return mux
}

func (c *Controller) handleLanding(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	clientID := c.settings.Get().ClientID
	if clientID != "" {
		c.redirectToSpotify(w, r, clientID)
		return
	}

	c.mu.Lock()
	redirectURI := c.redirectURI
	c.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, landingPageHTML, redirectURI)
}

func (c *Controller) handleAuthRedirect(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		http.Error(w, "Missing client_id", http.StatusBadRequest)
		return
	}
	if err := c.settings.SetClientID(clientID); err != nil {
		c.logger.Error("Failed to save client id", zap.Error(err))
		http.Error(w, "Failed to save client id", http.StatusInternalServerError)
		return
	}
	c.logger.Info("Client ID saved from landing form")
	c.redirectToSpotify(w, r, clientID)
}

func (c *Controller) redirectToSpotify(w http.ResponseWriter, r *http.Request, clientID string) {
	c.mu.Lock()
	verifier := c.verifier
	state := c.state
	c.mu.Unlock()

	if verifier == "" {
		http.Error(w, "No login in progress", http.StatusConflict)
		return
	}

	authURL := c.oauthConfig(clientID).AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (c *Controller) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	gotState := r.URL.Query().Get("state")

	c.mu.Lock()
	verifier := c.verifier
	wantState := c.state
	if c.phase == phaseAwaitingCallback {
		c.phase = phaseExchanging
	}
	c.mu.Unlock()

	if verifier == "" {
		http.Error(w, "No login in progress", http.StatusConflict)
		return
	}
	if wantState == "" || subtle.ConstantTimeCompare([]byte(gotState), []byte(wantState)) != 1 {
		c.logger.Error("OAuth callback rejected", zap.Error(core.ErrOAuthStateMismatch))
		http.Error(w, "State mismatch", http.StatusBadRequest)
		c.Cancel()
		return
	}
	if code == "" {
		http.Error(w, "Missing code parameter", http.StatusBadRequest)
		c.Cancel()
		return
	}

	tok, err := c.oauthConfig(c.settings.Get().ClientID).Exchange(r.Context(), code, oauth2.VerifierOption(verifier))
	if err != nil {
		c.logger.Error("OAuth exchange failed", zap.Error(err))
		http.Error(w, "Token exchange failed", http.StatusInternalServerError)
		c.Cancel()
		return
	}

	if err := c.creds.Save(Credential{
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		Expiry:        tok.Expiry,
		ScopesVersion: CurrentScopesVersion,
	}); err != nil {
		c.logger.Error("Failed to persist credential", zap.Error(err))
		http.Error(w, "Failed to persist credential", http.StatusInternalServerError)
		c.Cancel()
		return
	}

	c.mu.Lock()
	c.phase = phaseAuthenticated
	c.needsReauth = false
	c.teardownLocked()
	c.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, successPageHTML)

	c.hub.Publish(core.Notification{Type: core.NotifyOAuthComplete, Payload: map[string]bool{"authenticated": true}})
	c.logger.Info("OAuth complete, tokens saved")
}

const landingPageHTML = `<!DOCTYPE html><html><head><meta name="viewport" content="width=device-width,initial-scale=1">
<title>Deckify - Spotify Login</title></head>
<body style="background:#121212;color:#fff;display:flex;justify-content:center;align-items:center;min-height:100vh;margin:0;font-family:-apple-system,sans-serif">
<div style="text-align:center;padding:24px;max-width:400px">
<h1 style="font-size:28px;margin-bottom:8px">Deckify</h1>
<p style="color:#b3b3b3;margin-bottom:24px">Connect your Spotify account to your Steam Deck</p>
<form action="/auth" method="get" style="text-align:left">
<label style="display:block;color:#b3b3b3;font-size:14px;margin-bottom:6px">Spotify Client ID</label>
<input name="client_id" type="text" required placeholder="e.g. a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4" style="width:100%%;padding:12px;border:1px solid #333;border-radius:8px;background:#1a1a1a;color:#fff;font-size:14px;box-sizing:border-box;margin-bottom:16px">
<p style="color:#666;font-size:12px;margin:0 0 16px">Redirect URI for your Spotify App settings:<br><code style="color:#999;word-break:break-all">%s</code></p>
<button type="submit" style="width:100%%;padding:14px;border:none;border-radius:24px;background:#1DB954;color:#fff;font-size:16px;font-weight:600;cursor:pointer">Continue</button>
</form>
<p style="color:#666;font-size:11px;margin-top:24px">Create an app at <span style="color:#999">developer.spotify.com</span></p>
</div></body></html>`

const successPageHTML = `<!DOCTYPE html><html><head><meta name="viewport" content="width=device-width,initial-scale=1">
<title>Deckify</title></head>
<body style="background:#121212;color:#fff;display:flex;justify-content:center;align-items:center;min-height:100vh;margin:0;font-family:-apple-system,sans-serif">
<div style="text-align:center">
<h2 style="color:#1DB954">Authorization Successful</h2>
<p style="color:#b3b3b3">You can close this page and return to your Steam Deck.</p>
</div></body></html>`
