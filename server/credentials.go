package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/joho/godotenv"
)

// Placeholder values used when no usable credentials file is present.
const (
	PlaceholderClientID     = "someID"
	PlaceholderClientSecret = "someSecret"
)

const redactedClientSecret = "[REDACTED: client secret]"

// ClientSecret is a string that never prints its value.
type ClientSecret string

// String redacts the secret.
func (s ClientSecret) String() string { return redactedClientSecret }

// MarshalJSON redacts the secret.
func (s ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(redactedClientSecret)
}

// ClientCredentials is the relying party registration at the provider.
type ClientCredentials struct {
	ClientID     string       `json:"client_id"`
	ClientSecret ClientSecret `json:"client_secret"`
	RedirectURI  string       `json:"redirect_uri"`
	Scopes       []string     `json:"scopes"`
	Prompt       string       `json:"prompt,omitempty"`
}

// Placeholder reports whether the credentials are the built-in stand-ins.
func (c ClientCredentials) Placeholder() bool {
	return c.ClientID == PlaceholderClientID || c.ClientSecret == PlaceholderClientSecret
}

// scopes returns the requested scopes with openid first and no duplicates.
func (c ClientCredentials) scopes() []string {
	out := []string{oidc.ScopeOpenID}
	seen := map[string]bool{oidc.ScopeOpenID: true}
	for _, s := range c.Scopes {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (c ClientCredentials) validate() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("%w: client id and secret are required", ErrConfig)
	}
	if c.Placeholder() {
		return fmt.Errorf("%w: placeholder client credentials", ErrConfig)
	}
	if c.RedirectURI == "" {
		return fmt.Errorf("%w: redirect uri is required", ErrConfig)
	}
	return nil
}

// LoadCredentials reads ClientID and ClientSecret from a dotenv style file.
// Any problem is logged and the placeholders are used instead so the rest of
// the gateway keeps serving.
func LoadCredentials(path string, logger *slog.Logger) (id, secret string) {
	id, secret = PlaceholderClientID, PlaceholderClientSecret
	if path == "" {
		logger.Warn("no credentials file configured, using placeholder credentials")
		return id, secret
	}

	values, err := godotenv.Read(path)
	if err != nil {
		logger.Warn("credentials file unreadable, using placeholder credentials", "file", path, "error", err)
		return id, secret
	}

	fileID := strings.TrimSpace(values["ClientID"])
	fileSecret := strings.TrimSpace(values["ClientSecret"])
	if fileID == "" || fileSecret == "" {
		logger.Warn("credentials file lacks ClientID or ClientSecret, using placeholder credentials", "file", path)
		return id, secret
	}
	return fileID, fileSecret
}

// Credentials assembles the client registration from the credentials file and
// any values set in configuration or the environment.
func (c Config) Credentials(logger *slog.Logger) ClientCredentials {
	id, secret := c.Provider.ClientID, c.Provider.ClientSecret
	if id == "" || secret == "" {
		fileID, fileSecret := LoadCredentials(c.Provider.CredentialsFile, logger)
		if id == "" {
			id = fileID
		}
		if secret == "" {
			secret = fileSecret
		}
	}

	creds := ClientCredentials{
		ClientID:     id,
		ClientSecret: ClientSecret(secret),
		RedirectURI:  c.Provider.RedirectURI,
		Scopes:       append([]string(nil), c.Provider.Scopes...),
		Prompt:       c.Provider.Prompt,
	}
	if creds.Placeholder() {
		logger.Warn("client credentials are placeholders, protected path will deny access")
	}
	return creds
}
