package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/sync/singleflight"
)

// ProviderMetadata is the subset of the provider's discovery document the
// gateway relies on. It is immutable once discovered.
type ProviderMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	JWKSURI               string   `json:"jwks_uri"`
	UserInfoEndpoint      string   `json:"userinfo_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethods  []string `json:"code_challenge_methods_supported,omitempty"`

	provider *oidc.Provider
}

// SupportsPKCE reports whether the provider advertises S256 challenges. An
// empty list is treated as support since many providers omit the field.
func (m *ProviderMetadata) SupportsPKCE() bool {
	if len(m.CodeChallengeMethods) == 0 {
		return true
	}
	for _, method := range m.CodeChallengeMethods {
		if method == "S256" {
			return true
		}
	}
	return false
}

// Discover fetches <site>/.well-known/openid-configuration once. Sites that are
// not absolute https URLs are rejected before any network I/O.
func Discover(ctx context.Context, site string, client *http.Client) (*ProviderMetadata, error) {
	u, err := url.Parse(site)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: provider site %q is not a valid URL", ErrConfig, site)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("%w: provider site %q must use https", ErrConfig, site)
	}
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}

	issuer := strings.TrimSuffix(site, "/")
	op, err := oidc.NewProvider(oidc.ClientContext(ctx, client), issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDiscovery, issuer, err)
	}

	md := &ProviderMetadata{provider: op}
	if err := op.Claims(md); err != nil {
		return nil, fmt.Errorf("%w: decode discovery document: %w", ErrDiscovery, err)
	}

	var missing []string
	if md.AuthorizationEndpoint == "" {
		missing = append(missing, "authorization_endpoint")
	}
	if md.TokenEndpoint == "" {
		missing = append(missing, "token_endpoint")
	}
	if md.JWKSURI == "" {
		missing = append(missing, "jwks_uri")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: discovery document missing %s", ErrDiscovery, strings.Join(missing, ", "))
	}
	return md, nil
}

// ProviderDiscovery resolves and caches the provider metadata. Only the first
// success is cached; failures are retried on the next call.
type ProviderDiscovery struct {
	site    string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *Metrics

	flight   singleflight.Group
	mu       sync.Mutex
	metadata *ProviderMetadata
}

// NewProviderDiscovery builds a discovery cache for site. A nil client gets a
// pooled cleanhttp client.
func NewProviderDiscovery(site string, client *http.Client, timeout time.Duration, logger *slog.Logger, metrics *Metrics) *ProviderDiscovery {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}
	return &ProviderDiscovery{
		site:    site,
		client:  client,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}
}

// Client returns the HTTP client used for all provider traffic.
func (d *ProviderDiscovery) Client() *http.Client { return d.client }

// Discovered reports whether metadata is cached.
func (d *ProviderDiscovery) Discovered() bool {
	return d.cached() != nil
}

// Metadata returns the cached metadata, discovering it on first use. Callers
// racing a discovery share the one in flight and do not hold the lock while it
// runs. A caller whose ctx ends first gives up without cancelling the fetch.
func (d *ProviderDiscovery) Metadata(ctx context.Context) (*ProviderMetadata, error) {
	if md := d.cached(); md != nil {
		return md, nil
	}

	ch := d.flight.DoChan("discovery", func() (any, error) {
		return d.discover(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ProviderMetadata), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, ctx.Err())
	}
}

func (d *ProviderDiscovery) cached() *ProviderMetadata {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metadata
}

func (d *ProviderDiscovery) discover(ctx context.Context) (*ProviderMetadata, error) {
	if md := d.cached(); md != nil {
		return md, nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	md, err := Discover(ctx, d.site, d.client)
	if err != nil {
		d.metrics.discovery("failure")
		d.logger.Warn("provider discovery failed", "site", d.site, "error", err)
		return nil, err
	}
	d.metrics.discovery("success")
	d.logger.Info("provider discovered", "issuer", md.Issuer, "authorization_endpoint", md.AuthorizationEndpoint)

	d.mu.Lock()
	d.metadata = md
	d.mu.Unlock()
	return md, nil
}
