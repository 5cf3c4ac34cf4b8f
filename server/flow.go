package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-uuid"
	"golang.org/x/oauth2"

	"hellogate/store"
)

// FlowState is the position of a session in the authorization code flow.
// CallbackPending only exists while HandleCallback runs and is never reported
// by Phase.
type FlowState int

const (
	Unauthenticated FlowState = iota
	Redirected
	CallbackPending
	Authenticated
	Failed
)

func (s FlowState) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Redirected:
		return "redirected"
	case CallbackPending:
		return "callback_pending"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("FlowState(%d)", int(s))
	}
}

// FlowOptions tunes an AuthorizationFlow. Zero values take the defaults.
type FlowOptions struct {
	ExchangeTimeout time.Duration
	AuthRequestTTL  time.Duration
	Now             func() time.Time
}

// AuthorizationFlow drives the OAuth2 authorization code flow against one
// OpenID Connect provider and binds the verified identity to a session.
type AuthorizationFlow struct {
	creds     ClientCredentials
	discovery *ProviderDiscovery
	sessions  store.Store
	logger    *slog.Logger
	metrics   *Metrics

	exchangeTimeout time.Duration
	requestTTL      time.Duration
	now             func() time.Time
}

// NewAuthorizationFlow wires a flow. metrics may be nil.
func NewAuthorizationFlow(creds ClientCredentials, discovery *ProviderDiscovery, sessions store.Store, logger *slog.Logger, metrics *Metrics, opts FlowOptions) *AuthorizationFlow {
	f := &AuthorizationFlow{
		creds:           creds,
		discovery:       discovery,
		sessions:        sessions,
		logger:          logger,
		metrics:         metrics,
		exchangeTimeout: opts.ExchangeTimeout,
		requestTTL:      opts.AuthRequestTTL,
		now:             opts.Now,
	}
	if f.exchangeTimeout <= 0 {
		f.exchangeTimeout = DefaultExchangeTimeout
	}
	if f.requestTTL <= 0 {
		f.requestTTL = DefaultAuthRequestTTL
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

func (f *AuthorizationFlow) oauthConfig(md *ProviderMetadata, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     f.creds.ClientID,
		ClientSecret: string(f.creds.ClientSecret),
		RedirectURL:  redirectURI,
		Endpoint:     md.provider.Endpoint(),
		Scopes:       f.creds.scopes(),
	}
}

// BeginAuth records a new pending authorization request in the session and
// returns the provider URL to redirect the browser to. Any earlier pending
// request on the session is replaced.
func (f *AuthorizationFlow) BeginAuth(ctx context.Context, sessionID string) (string, error) {
	if err := f.creds.validate(); err != nil {
		f.beginFailed(err)
		return "", err
	}
	md, err := f.discovery.Metadata(ctx)
	if err != nil {
		f.beginFailed(err)
		return "", err
	}

	state, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	nonce, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	now := f.now()
	req := AuthRequestState{
		State:       state,
		Nonce:       nonce,
		RedirectURI: f.creds.RedirectURI,
		IssuedAt:    now,
		ExpiresAt:   now.Add(f.requestTTL),
	}

	opts := []oauth2.AuthCodeOption{oidc.Nonce(nonce)}
	if f.creds.Prompt != "" {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", f.creds.Prompt))
	}
	if md.SupportsPKCE() {
		req.CodeVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(req.CodeVerifier))
	}

	if _, err := f.sessions.Update(ctx, sessionID, func(sess *store.Session) error {
		sess.Delete(principalKey)
		sess.Delete(authFailureKey)
		return storeJSON(sess, authRequestKey, req)
	}); err != nil {
		return "", fmt.Errorf("save auth request: %w", err)
	}

	f.metrics.auth("begin")
	f.logger.Info("auth.begin", "issuer", md.Issuer, "pkce", req.CodeVerifier != "")
	return f.oauthConfig(md, req.RedirectURI).AuthCodeURL(state, opts...), nil
}

func (f *AuthorizationFlow) beginFailed(err error) {
	f.metrics.auth(outcome(err))
	f.logger.Warn("auth.begin", "outcome", outcome(err), "error", err)
}

// HandleCallback completes the flow for the provider's redirect. The pending
// request is consumed before anything else is checked, so a state value can
// be presented at most once. A failed attempt is recorded on the session until
// the next BeginAuth.
func (f *AuthorizationFlow) HandleCallback(ctx context.Context, sessionID string, query url.Values) (*Principal, error) {
	var pending *AuthRequestState
	_, err := f.sessions.Update(ctx, sessionID, func(sess *store.Session) error {
		// Update may run this more than once; only the committed round counts.
		pending, _ = loadJSON[AuthRequestState](sess, authRequestKey)
		sess.Delete(authRequestKey)
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = fmt.Errorf("%w: unknown session", ErrCSRF)
	case err != nil:
		err = fmt.Errorf("consume auth request: %w", err)
	default:
		var principal *Principal
		principal, err = f.complete(ctx, sessionID, pending, query)
		if err == nil {
			f.metrics.auth("success")
			f.logger.Info("auth.success", "issuer", principal.Issuer, "sub", principal.Subject)
			return principal, nil
		}
	}

	f.metrics.auth(outcome(err))
	if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrConflict) {
		f.recordFailure(ctx, sessionID, err)
	}
	var denied *ProviderDeniedError
	if errors.As(err, &denied) {
		f.logger.Warn("auth.denied", "error_code", denied.Code, "error_description", denied.Description)
	} else {
		f.logger.Warn("auth.callback", "outcome", outcome(err), "error", err)
	}
	return nil, err
}

func (f *AuthorizationFlow) recordFailure(ctx context.Context, sessionID string, cause error) {
	_, err := f.sessions.Update(ctx, sessionID, func(sess *store.Session) error {
		if _, ok := sess.Value(principalKey); ok {
			return nil
		}
		sess.Set(authFailureKey, []byte(outcome(cause)))
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		f.logger.Debug("auth failure not recorded", "error", err)
	}
}

func (f *AuthorizationFlow) complete(ctx context.Context, sessionID string, pending *AuthRequestState, query url.Values) (*Principal, error) {
	if pending == nil {
		return nil, fmt.Errorf("%w: no pending authorization request", ErrCSRF)
	}
	got := query.Get("state")
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(pending.State)) != 1 {
		return nil, fmt.Errorf("%w: state mismatch", ErrCSRF)
	}
	if pending.expired(f.now()) {
		return nil, fmt.Errorf("%w: authorization request expired", ErrCSRF)
	}
	if code := query.Get("error"); code != "" {
		return nil, &ProviderDeniedError{
			Code:        code,
			Description: query.Get("error_description"),
			URI:         query.Get("error_uri"),
		}
	}
	code := query.Get("code")
	if code == "" {
		return nil, fmt.Errorf("%w: callback carries no code", ErrExchange)
	}

	if err := f.creds.validate(); err != nil {
		return nil, err
	}
	md, err := f.discovery.Metadata(ctx)
	if err != nil {
		return nil, err
	}

	ctx = oidc.ClientContext(ctx, f.discovery.Client())
	exCtx, cancel := context.WithTimeout(ctx, f.exchangeTimeout)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if pending.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(pending.CodeVerifier))
	}
	tok, err := f.oauthConfig(md, pending.RedirectURI).Exchange(exCtx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchange, err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: id_token missing in response", ErrExchange)
	}

	verifier := md.provider.Verifier(&oidc.Config{ClientID: f.creds.ClientID, Now: f.now})
	idToken, err := verifier.Verify(exCtx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	if idToken.Issuer != md.Issuer {
		return nil, fmt.Errorf("%w: issuer %q does not match %q", ErrVerification, idToken.Issuer, md.Issuer)
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(pending.Nonce)) != 1 {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrVerification)
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: parse claims: %w", ErrVerification, err)
	}
	principal := principalFromClaims(claims, f.now())

	if _, err := f.sessions.Update(ctx, sessionID, func(sess *store.Session) error {
		sess.Delete(authFailureKey)
		return storeJSON(sess, principalKey, principal)
	}); err != nil {
		return nil, fmt.Errorf("store principal: %w", err)
	}
	return principal, nil
}

// CurrentPrincipal returns the identity bound to sess, if any.
func (f *AuthorizationFlow) CurrentPrincipal(sess *store.Session) (*Principal, bool) {
	return loadJSON[Principal](sess, principalKey)
}

// Phase reports where sess stands in the flow.
func (f *AuthorizationFlow) Phase(sess *store.Session) FlowState {
	if _, ok := f.CurrentPrincipal(sess); ok {
		return Authenticated
	}
	if req, ok := loadJSON[AuthRequestState](sess, authRequestKey); ok && !req.expired(f.now()) {
		return Redirected
	}
	if _, ok := sess.Value(authFailureKey); ok {
		return Failed
	}
	return Unauthenticated
}
