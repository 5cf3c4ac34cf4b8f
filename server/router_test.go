package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"hellogate/store"
)

type gateway struct {
	app    *App
	srv    *httptest.Server
	store  *store.MemoryStore
	client *http.Client
}

func newTestGateway(t *testing.T, site string, client *http.Client) *gateway {
	t.Helper()
	return newLoggedGateway(t, site, client, testLogger())
}

func newLoggedGateway(t *testing.T, site string, client *http.Client, logger *slog.Logger) *gateway {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Provider.Site = site

	st := store.NewMemoryStore(time.Hour, 0)
	app, err := NewApp(context.Background(), cfg, logger,
		WithStore(st),
		WithHTTPClient(client),
		WithCredentials(testCredentials()),
	)
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })

	srv := httptest.NewServer(app.Routes())
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	return &gateway{
		app:   app,
		srv:   srv,
		store: st,
		client: &http.Client{
			Jar: jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (g *gateway) do(t *testing.T, method, path string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, g.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func (g *gateway) login(t *testing.T, tp *testProvider) {
	t.Helper()
	resp, _ := g.do(t, http.MethodGet, "/secret")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302 from protected path, got %d", resp.StatusCode)
	}
	query := tp.authorize(t, resp.Header.Get("Location"), nil)

	resp, _ = g.do(t, http.MethodGet, "/auth/callback?"+query.Encode())
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("expected 303 from callback, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/secret" {
		t.Fatalf("callback redirected to %q", loc)
	}
}

func TestHomeGreets(t *testing.T) {
	tp := newTestProvider(t)
	g := newTestGateway(t, tp.URL(), tp.Client())

	resp, body := g.do(t, http.MethodGet, "/")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body != greeting {
		t.Fatalf("unexpected body %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestHomeWorksWhenDiscoveryFails(t *testing.T) {
	dead := httptest.NewTLSServer(http.NotFoundHandler())
	site, client := dead.URL, dead.Client()
	dead.Close()

	g := newTestGateway(t, site, client)

	resp, body := g.do(t, http.MethodGet, "/")
	if resp.StatusCode != http.StatusOK || body != greeting {
		t.Fatalf("greeting broken: %d %q", resp.StatusCode, body)
	}

	resp, body = g.do(t, http.MethodGet, "/secret")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if strings.TrimSpace(body) != "access denied" {
		t.Fatalf("unexpected denial body %q", body)
	}
}

func TestProtectedRedirectsFreshSession(t *testing.T) {
	tp := newTestProvider(t)
	g := newTestGateway(t, tp.URL(), tp.Client())

	resp, _ := g.do(t, http.MethodGet, "/secret")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected 302, got %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, tp.URL()+"/authorize?") {
		t.Fatalf("unexpected redirect %q", loc)
	}
	for _, want := range []string{"client_id=" + testClientID, "state=", "redirect_uri="} {
		if !strings.Contains(loc, want) {
			t.Fatalf("redirect %q lacks %q", loc, want)
		}
	}
	if strings.Contains(loc, testClientSecret) {
		t.Fatalf("redirect leaks the client secret")
	}

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatalf("expected %s cookie", sessionCookieName)
	}
	if !cookie.HttpOnly || cookie.SameSite != http.SameSiteLaxMode {
		t.Fatalf("cookie attributes: httponly=%v samesite=%v", cookie.HttpOnly, cookie.SameSite)
	}
}

func TestFullLoginRendersClaims(t *testing.T) {
	tp := newTestProvider(t)
	g := newTestGateway(t, tp.URL(), tp.Client())
	g.login(t, tp)

	resp, body := g.do(t, http.MethodGet, "/secret")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(body, "\n  \"") {
		t.Fatalf("expected pretty printed JSON, got %q", body)
	}
	var claims map[string]any
	if err := json.Unmarshal([]byte(body), &claims); err != nil {
		t.Fatalf("decode claims: %v", err)
	}
	if claims["sub"] != "user-123" || claims["email"] != "user@example.com" {
		t.Fatalf("unexpected claims %v", claims)
	}
}

func TestCallbackFailureIsOpaque(t *testing.T) {
	tp := newTestProvider(t)
	g := newTestGateway(t, tp.URL(), tp.Client())

	resp, _ := g.do(t, http.MethodGet, "/secret")
	query := tp.authorize(t, resp.Header.Get("Location"), nil)
	query.Set("state", "tampered")

	resp, body := g.do(t, http.MethodGet, "/auth/callback?"+query.Encode())
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if strings.TrimSpace(body) != "access denied" {
		t.Fatalf("denial leaks detail: %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestCallbackFailureLogsCauseOnce(t *testing.T) {
	tp := newTestProvider(t)
	var (
		mu   sync.Mutex
		logs bytes.Buffer
	)
	logger := slog.New(slog.NewJSONHandler(lockedWriter{&mu, &logs}, nil))
	g := newLoggedGateway(t, tp.URL(), tp.Client(), logger)

	resp, _ := g.do(t, http.MethodGet, "/secret")
	query := tp.authorize(t, resp.Header.Get("Location"), nil)
	query.Set("code", "forged-code")

	resp, _ = g.do(t, http.MethodGet, "/auth/callback?"+query.Encode())
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}

	mu.Lock()
	defer mu.Unlock()
	var causes, denials int
	sc := bufio.NewScanner(&logs)
	for sc.Scan() {
		var line map[string]any
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			t.Fatalf("log line is not JSON: %s", sc.Text())
		}
		if strings.Contains(sc.Text(), "invalid_grant") {
			causes++
		}
		if line["msg"] == "access denied" {
			denials++
			if _, ok := line["error"]; ok {
				t.Fatalf("denial line repeats the cause: %s", sc.Text())
			}
			if line["outcome"] != "exchange" {
				t.Fatalf("unexpected outcome in %s", sc.Text())
			}
		}
	}
	if causes != 1 || denials != 1 {
		t.Fatalf("cause logged %d times, denial logged %d times", causes, denials)
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func TestCallbackProviderErrorDenies(t *testing.T) {
	tp := newTestProvider(t)
	g := newTestGateway(t, tp.URL(), tp.Client())

	resp, _ := g.do(t, http.MethodGet, "/secret")
	query := tp.authorize(t, resp.Header.Get("Location"), nil)
	query.Del("code")
	query.Set("error", "access_denied")

	resp, _ = g.do(t, http.MethodGet, "/auth/callback?"+query.Encode())
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if calls := tp.TokenCalls(); calls != 0 {
		t.Fatalf("no token call expected, got %d", calls)
	}

	resp, _ = g.do(t, http.MethodGet, "/secret")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("session must stay unauthenticated, got %d", resp.StatusCode)
	}
}

func TestLogoutEndsSession(t *testing.T) {
	tp := newTestProvider(t)
	g := newTestGateway(t, tp.URL(), tp.Client())
	g.login(t, tp)

	resp, _ := g.do(t, http.MethodPost, "/logout")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", resp.StatusCode)
	}

	resp, _ = g.do(t, http.MethodGet, "/secret")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected a new login after logout, got %d", resp.StatusCode)
	}
}

func TestCookielessRequestsGetDistinctSessions(t *testing.T) {
	tp := newTestProvider(t)
	g := newTestGateway(t, tp.URL(), tp.Client())

	const workers = 16
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]bool)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(g.srv.URL + "/")
			if err != nil {
				t.Errorf("GET /: %v", err)
				return
			}
			resp.Body.Close()
			for _, c := range resp.Cookies() {
				if c.Name == sessionCookieName {
					mu.Lock()
					ids[c.Value] = true
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if len(ids) != workers {
		t.Fatalf("expected %d distinct sessions, got %d", workers, len(ids))
	}
	if n := g.store.Len(); n != workers {
		t.Fatalf("expected %d stored sessions, got %d", workers, n)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	tp := newTestProvider(t)
	g := newTestGateway(t, tp.URL(), tp.Client())

	resp, body := g.do(t, http.MethodGet, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var health map[string]any
	if err := json.Unmarshal([]byte(body), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "ok" || health["discovered"] != true {
		t.Fatalf("unexpected health %v", health)
	}

	g.do(t, http.MethodGet, "/secret")

	_, body = g.do(t, http.MethodGet, "/metrics")
	for _, want := range []string{
		`hellogate_auth_attempts_total{outcome="begin"} 1`,
		`hellogate_discovery_total{result="success"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics lack %q:\n%s", want, body)
		}
	}
}

func TestCustomProtectedPath(t *testing.T) {
	tp := newTestProvider(t)
	cfg := DefaultConfig()
	cfg.Provider.Site = tp.URL()
	cfg.Routes.Protected = "/private"

	app, err := NewApp(context.Background(), cfg, testLogger(),
		WithStore(store.NewMemoryStore(time.Hour, 0)),
		WithHTTPClient(tp.Client()),
		WithCredentials(testCredentials()),
	)
	if err != nil {
		t.Fatalf("NewApp returned error: %v", err)
	}
	defer app.Close()

	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/private", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/secret", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for the default path, got %d", rec.Code)
	}
}
