package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"hellogate/store"
)

const (
	testClientID     = "hellogate-test"
	testClientSecret = "s3cr3t-value"
	testKeyID        = "test-key"
	testRedirectURI  = "http://localhost:8765/auth/callback"
)

type grant struct {
	challenge string
	redirect  string
	claims    jwt.MapClaims
}

// testProvider is a minimal OpenID Connect provider served over TLS.
type testProvider struct {
	srv *httptest.Server
	key *rsa.PrivateKey

	mu             sync.Mutex
	grants         map[string]grant
	issuer         string
	tokenCalls     int
	discoveryCalls int
	failDiscovery  int
	omitIDToken    bool
	omitEndpoint   string
}

func newTestProvider(t *testing.T) *testProvider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tp := &testProvider{key: key, grants: make(map[string]grant)}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", tp.handleDiscovery)
	mux.HandleFunc("/certs", tp.handleJWKS)
	mux.HandleFunc("/token", tp.handleToken)
	tp.srv = httptest.NewTLSServer(mux)
	t.Cleanup(tp.srv.Close)
	return tp
}

func (tp *testProvider) URL() string { return tp.srv.URL }

func (tp *testProvider) Client() *http.Client { return tp.srv.Client() }

func (tp *testProvider) TokenCalls() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.tokenCalls
}

func (tp *testProvider) DiscoveryCalls() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.discoveryCalls
}

func (tp *testProvider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	tp.mu.Lock()
	tp.discoveryCalls++
	fail := tp.failDiscovery > 0
	if fail {
		tp.failDiscovery--
	}
	issuer := tp.issuer
	omit := tp.omitEndpoint
	tp.mu.Unlock()

	if fail {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if issuer == "" {
		issuer = tp.srv.URL
	}
	doc := map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                tp.srv.URL + "/authorize",
		"token_endpoint":                        tp.srv.URL + "/token",
		"jwks_uri":                              tp.srv.URL + "/certs",
		"userinfo_endpoint":                     tp.srv.URL + "/userinfo",
		"scopes_supported":                      []string{"openid", "email", "profile"},
		"response_types_supported":              []string{"code"},
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
	if omit != "" {
		delete(doc, omit)
	}
	writeJSON(w, doc)
}

func (tp *testProvider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &tp.key.PublicKey,
		KeyID:     testKeyID,
		Algorithm: string(jose.RS256),
		Use:       "sig",
	}}})
}

func (tp *testProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	code := r.PostForm.Get("code")

	tp.mu.Lock()
	tp.tokenCalls++
	g, ok := tp.grants[code]
	delete(tp.grants, code)
	omit := tp.omitIDToken
	tp.mu.Unlock()

	id, secret, basic := r.BasicAuth()
	if !basic {
		id, secret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	if id != testClientID || secret != testClientSecret {
		tokenError(w, http.StatusUnauthorized, "invalid_client")
		return
	}
	if !ok || r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("redirect_uri") != g.redirect {
		tokenError(w, http.StatusBadRequest, "invalid_grant")
		return
	}
	if g.challenge != "" {
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if base64.RawURLEncoding.EncodeToString(sum[:]) != g.challenge {
			tokenError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
	}

	resp := map[string]any{
		"access_token": "at-" + code,
		"token_type":   "Bearer",
		"expires_in":   3600,
	}
	if !omit {
		idToken := jwt.NewWithClaims(jwt.SigningMethodRS256, g.claims)
		idToken.Header["kid"] = testKeyID
		signed, err := idToken.SignedString(tp.key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp["id_token"] = signed
	}
	writeJSON(w, resp)
}

func tokenError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// authorize plays the user consenting at the provider. It reads the
// authorization URL and returns the query the browser brings back.
func (tp *testProvider) authorize(t *testing.T, authURL string, mutate func(jwt.MapClaims)) url.Values {
	t.Helper()
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":            tp.srv.URL,
		"sub":            "user-123",
		"aud":            q.Get("client_id"),
		"email":          "user@example.com",
		"email_verified": true,
		"name":           "Test User",
		"nonce":          q.Get("nonce"),
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
	}
	if mutate != nil {
		mutate(claims)
	}

	code := randomID()
	tp.mu.Lock()
	tp.grants[code] = grant{
		challenge: q.Get("code_challenge"),
		redirect:  q.Get("redirect_uri"),
		claims:    claims,
	}
	tp.mu.Unlock()

	return url.Values{"state": {q.Get("state")}, "code": {code}}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCredentials() ClientCredentials {
	return ClientCredentials{
		ClientID:     testClientID,
		ClientSecret: ClientSecret(testClientSecret),
		RedirectURI:  testRedirectURI,
		Scopes:       []string{"email"},
		Prompt:       "select_account",
	}
}

type sessionBackend struct {
	name string
	open func(t *testing.T) store.Store
}

func sessionBackends() []sessionBackend {
	return []sessionBackend{
		{"memory", func(t *testing.T) store.Store {
			st := store.NewMemoryStore(time.Hour, 0)
			t.Cleanup(func() { _ = st.Close() })
			return st
		}},
		{"redis", func(t *testing.T) store.Store {
			mr := miniredis.RunT(t)
			st := store.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)
			t.Cleanup(func() { _ = st.Close() })
			return st
		}},
		{"sqlite", func(t *testing.T) store.Store {
			st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"), time.Hour)
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			t.Cleanup(func() { _ = st.Close() })
			return st
		}},
	}
}

func newTestFlow(t *testing.T, tp *testProvider, opts FlowOptions) (*AuthorizationFlow, store.Store) {
	t.Helper()
	return newTestFlowOn(t, tp, sessionBackends()[0], opts)
}

func newTestFlowOn(t *testing.T, tp *testProvider, b sessionBackend, opts FlowOptions) (*AuthorizationFlow, store.Store) {
	t.Helper()
	st := b.open(t)
	disc := NewProviderDiscovery(tp.URL(), tp.Client(), 0, testLogger(), nil)
	return NewAuthorizationFlow(testCredentials(), disc, st, testLogger(), nil, opts), st
}

func newSessionID(t *testing.T, st store.Store) string {
	t.Helper()
	ctx := context.Background()
	sess, err := st.Get(ctx, "")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := st.Put(ctx, sess); err != nil {
		t.Fatalf("put session: %v", err)
	}
	return sess.ID
}

func loadSession(t *testing.T, st store.Store, id string) *store.Session {
	t.Helper()
	sess, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if sess.ID != id {
		t.Fatalf("session %s vanished", id)
	}
	return sess
}
