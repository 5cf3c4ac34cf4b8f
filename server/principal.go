package server

import (
	"encoding/json"
	"time"

	"hellogate/store"
)

// Session keys owned by the authorization flow.
const (
	principalKey   = "principal"
	authRequestKey = "auth_request"
	authFailureKey = "auth_failure"
)

// Principal is the identity established by a verified id_token.
type Principal struct {
	Subject       string         `json:"sub"`
	Email         string         `json:"email,omitempty"`
	EmailVerified bool           `json:"email_verified,omitempty"`
	Name          string         `json:"name,omitempty"`
	Issuer        string         `json:"iss"`
	AuthTime      time.Time      `json:"auth_time"`
	Claims        map[string]any `json:"claims"`
}

// AuthRequestState is the pending half of an authorization attempt, kept in
// the session between the redirect and the callback.
type AuthRequestState struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	RedirectURI  string    `json:"redirect_uri"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (a *AuthRequestState) expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}

func principalFromClaims(claims map[string]any, authTime time.Time) *Principal {
	p := &Principal{Claims: claims, AuthTime: authTime}
	p.Subject, _ = claims["sub"].(string)
	p.Issuer, _ = claims["iss"].(string)
	p.Email, _ = claims["email"].(string)
	if name, ok := claims["name"].(string); ok {
		p.Name = name
	} else if preferred, ok := claims["preferred_username"].(string); ok {
		p.Name = preferred
	}
	switch v := claims["email_verified"].(type) {
	case bool:
		p.EmailVerified = v
	case string:
		p.EmailVerified = v == "true"
	}
	if at, ok := claims["auth_time"].(float64); ok && at > 0 {
		p.AuthTime = time.Unix(int64(at), 0).UTC()
	}
	return p
}

func loadJSON[T any](sess *store.Session, key string) (*T, bool) {
	raw, ok := sess.Value(key)
	if !ok {
		return nil, false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return &v, true
}

func storeJSON(sess *store.Session, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sess.Set(key, raw)
	return nil
}
