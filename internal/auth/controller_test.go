package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/adv-inn/Deckify/internal/core"
	"github.com/adv-inn/Deckify/internal/store"
)

type recordingHub struct {
	mu            sync.Mutex
	notifications []core.Notification
}

func (h *recordingHub) Publish(n core.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifications = append(h.notifications, n)
}

func (h *recordingHub) types() []core.NotificationType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]core.NotificationType, 0, len(h.notifications))
	for _, n := range h.notifications {
		out = append(out, n.Type)
	}
	return out
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func tokenEndpoint(t *testing.T, hits *atomic.Int32, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(delay)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh-access","token_type":"Bearer","refresh_token":"fresh-refresh","expires_in":3600}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestController(t *testing.T, tokenURL string) (*Controller, *CredentialStore, *store.SettingsStore, *recordingHub) {
	t.Helper()
	dir := t.TempDir()
	cfg := &core.OAuthConfig{
		Host:     "127.0.0.1",
		Port:     freePort(t),
		CertFile: filepath.Join(dir, "cert.pem"),
		KeyFile:  filepath.Join(dir, "key.pem"),
		Timeout:  time.Minute,
	}

	creds := NewCredentialStore(filepath.Join(dir, "token.json"))
	settings := store.NewSettingsStore(filepath.Join(dir, "settings.json"))
	hub := &recordingHub{}

	c := NewController(cfg, creds, settings, hub, zap.NewNop())
	c.printQR = false
	if tokenURL != "" {
		c.tokenURL = tokenURL
	}
	t.Cleanup(c.Cancel)
	return c, creds, settings, hub
}

func TestOAuthHappyPath(t *testing.T) {
	var hits atomic.Int32
	tokenSrv := tokenEndpoint(t, &hits, 0)

	c, creds, settings, hub := newTestController(t, tokenSrv.URL)
	if err := settings.SetClientID("client-id"); err != nil {
		t.Fatal(err)
	}

	landingURL, err := c.StartOAuth()
	if err != nil {
		t.Fatalf("StartOAuth: %v", err)
	}
	if landingURL == "" {
		t.Fatal("landing URL must not be empty")
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/callback?code=auth-code&state="+state, nil)
	c.handleCallback(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("callback status = %d, body %s", w.Code, w.Body.String())
	}

	cred, ok := creds.Get()
	if !ok {
		t.Fatal("credential must be persisted after exchange")
	}
	if cred.RefreshToken == "" {
		t.Error("persisted credential must carry a refresh token")
	}
	if cred.ScopesVersion != CurrentScopesVersion {
		t.Errorf("scopes version = %d, want %d", cred.ScopesVersion, CurrentScopesVersion)
	}

	authenticated, needsReauth := c.AuthStatus()
	if !authenticated || needsReauth {
		t.Errorf("AuthStatus = (%v, %v), want (true, false)", authenticated, needsReauth)
	}

	found := false
	for _, typ := range hub.types() {
		if typ == core.NotifyOAuthComplete {
			found = true
		}
	}
	if !found {
		t.Error("oauth_complete notification must be published")
	}
}

func TestCallbackRejectsStateMismatch(t *testing.T) {
	var hits atomic.Int32
	tokenSrv := tokenEndpoint(t, &hits, 0)

	c, creds, settings, _ := newTestController(t, tokenSrv.URL)
	if err := settings.SetClientID("client-id"); err != nil {
		t.Fatal(err)
	}

	if _, err := c.StartOAuth(); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/callback?code=auth-code&state=forged", nil)
	c.handleCallback(w, r)

	if w.Code != http.StatusBadRequest {
		t.Errorf("callback status = %d, want 400", w.Code)
	}
	if _, ok := creds.Get(); ok {
		t.Error("no credential may be persisted on a state mismatch")
	}
	if hits.Load() != 0 {
		t.Error("token endpoint must not be called on a state mismatch")
	}
}

func TestStartOAuthWhileInProgress(t *testing.T) {
	c, _, _, _ := newTestController(t, "")

	if _, err := c.StartOAuth(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.StartOAuth(); !errors.Is(err, core.ErrOAuthInProgress) {
		t.Errorf("second StartOAuth error = %v, want ErrOAuthInProgress", err)
	}

	// After a cancel a new attempt is allowed. The listener shuts down
	// asynchronously, so give it a moment to release the port.
	c.Cancel()
	time.Sleep(100 * time.Millisecond)
	if _, err := c.StartOAuth(); err != nil {
		t.Errorf("StartOAuth after Cancel: %v", err)
	}
}

func TestOAuthConfigSnapshotsRedirectURI(t *testing.T) {
	c, _, _, _ := newTestController(t, "")

	// Listener handlers and the refresh path build configs off the lock
	// while attempts start and cancel; the redirect URI read must be a
	// locked snapshot.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_, _ = c.StartOAuth()
			c.Cancel()
			time.Sleep(10 * time.Millisecond)
		}
	}()

	for i := 0; i < 500; i++ {
		_ = c.oauthConfig("client-id").RedirectURL
	}
	<-done
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	var hits atomic.Int32
	tokenSrv := tokenEndpoint(t, &hits, 100*time.Millisecond)

	c, creds, settings, _ := newTestController(t, tokenSrv.URL)
	if err := settings.SetClientID("client-id"); err != nil {
		t.Fatal(err)
	}
	if err := creds.Save(Credential{
		AccessToken:   "stale",
		RefreshToken:  "refresh",
		Expiry:        time.Now(),
		ScopesVersion: CurrentScopesVersion,
	}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := c.Token(context.Background())
			if err == nil && tok.AccessToken != "fresh-access" {
				err = fmt.Errorf("unexpected access token %q", tok.AccessToken)
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Token call %d: %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("token endpoint hits = %d, want exactly 1", got)
	}
}

func TestAuthStatusReportsStaleScopes(t *testing.T) {
	c, creds, _, _ := newTestController(t, "")

	if err := creds.Save(Credential{
		AccessToken:   "a",
		RefreshToken:  "r",
		Expiry:        time.Now().Add(time.Hour),
		ScopesVersion: CurrentScopesVersion - 1,
	}); err != nil {
		t.Fatal(err)
	}

	authenticated, needsReauth := c.AuthStatus()
	if !authenticated || !needsReauth {
		t.Errorf("AuthStatus = (%v, %v), want (true, true) for stale scopes", authenticated, needsReauth)
	}
}

func TestLogoutClearsCredential(t *testing.T) {
	c, creds, _, _ := newTestController(t, "")
	if err := creds.Save(Credential{AccessToken: "a", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}

	if err := c.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if authenticated, _ := c.AuthStatus(); authenticated {
		t.Error("AuthStatus must report unauthenticated after logout")
	}
	if _, err := c.Token(context.Background()); !errors.Is(err, core.ErrNotAuthenticated) {
		t.Errorf("Token after logout = %v, want ErrNotAuthenticated", err)
	}
}
