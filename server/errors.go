package server

import (
	"errors"
	"fmt"
)

// Failure classes of the authentication flow. Every error returned by
// Discover, BeginAuth and HandleCallback wraps exactly one of them.
var (
	ErrConfig         = errors.New("configuration error")
	ErrDiscovery      = errors.New("provider discovery failed")
	ErrCSRF           = errors.New("authorization state mismatch")
	ErrProviderDenied = errors.New("provider denied the request")
	ErrExchange       = errors.New("code exchange failed")
	ErrVerification   = errors.New("id_token verification failed")
)

// ProviderDeniedError carries the OAuth2 error response the provider sent to
// the callback. See RFC 6749 section 4.1.2.1.
type ProviderDeniedError struct {
	Code        string
	Description string
	URI         string
}

func (e *ProviderDeniedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s (%s)", ErrProviderDenied, e.Code, e.Description)
	}
	return fmt.Sprintf("%s: %s", ErrProviderDenied, e.Code)
}

// Is lets errors.Is match the ErrProviderDenied sentinel.
func (e *ProviderDeniedError) Is(target error) bool {
	return target == ErrProviderDenied
}

// outcome maps a flow error onto the metric label used for it.
func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrDiscovery):
		return "discovery"
	case errors.Is(err, ErrCSRF):
		return "csrf"
	case errors.Is(err, ErrProviderDenied):
		return "denied"
	case errors.Is(err, ErrVerification):
		return "verification"
	case errors.Is(err, ErrExchange):
		return "exchange"
	default:
		return "internal"
	}
}
