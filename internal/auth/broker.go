// Package auth resolves per-source authentication headers for vendor API
// requests: static API keys, basic credentials, or OAuth2 client-credentials
// exchange with a per-source cached token.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/linnemanlabs/opsrelay/internal/source"
)

const tokenExchangeTimeout = 10 * time.Second

// Error reports a failed OAuth2 token exchange. The poll for the affected
// source is aborted for the current cycle; other sources are unaffected.
type Error struct {
	SourceID int64
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth: token exchange for source %d: %v", e.SourceID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Broker resolves request headers for a monitor source. OAuth2 token sources
// are cached per source id with expiry tracking, so a token is exchanged only
// when the cached one is missing or expired. Static auth types never perform
// I/O.
type Broker struct {
	client *http.Client

	mu     sync.Mutex
	tokens map[int64]*cachedTokenSource
}

type cachedTokenSource struct {
	// key invalidates the cache when the source's credentials or token
	// endpoint change between refreshes.
	key string
	ts  oauth2.TokenSource
}

// NewBroker creates a broker. The supplied client is used for token
// exchanges; nil gets a default client with a bounded timeout.
func NewBroker(client *http.Client) *Broker {
	if client == nil {
		client = &http.Client{Timeout: tokenExchangeTimeout}
	}
	return &Broker{
		client: client,
		tokens: make(map[int64]*cachedTokenSource),
	}
}

// ResolveHeaders returns the headers to attach to requests against the
// source's vendor API.
func (b *Broker) ResolveHeaders(ctx context.Context, src source.MonitorSource) (map[string]string, error) {
	switch src.AuthType {
	case source.AuthAPIKey:
		if src.Auth.HeaderName == "" || src.Auth.Key == "" {
			return nil, fmt.Errorf("auth: source %d: ApiKey config missing header_name or key", src.ID)
		}
		return map[string]string{src.Auth.HeaderName: src.Auth.Key}, nil

	case source.AuthBasic:
		if src.Auth.Username == "" || src.Auth.Password == "" {
			return nil, fmt.Errorf("auth: source %d: Basic config missing username or password", src.ID)
		}
		// Deliberately the raw username:password form, not the RFC 7617
		// base64 encoding. The vendor gateways this talks to were onboarded
		// against this exact header; coordinate before changing it.
		return map[string]string{
			"Authorization": "Basic " + src.Auth.Username + ":" + src.Auth.Password,
		}, nil

	case source.AuthOAuth2:
		if src.Auth.ClientID == "" || src.Auth.ClientSecret == "" || src.Auth.TokenURL == "" {
			return nil, fmt.Errorf("auth: source %d: OAuth2 config missing client_id, client_secret, or token_url", src.ID)
		}
		tok, err := b.tokenSource(src).Token()
		if err != nil {
			return nil, &Error{SourceID: src.ID, Err: err}
		}
		return map[string]string{"Authorization": "Bearer " + tok.AccessToken}, nil

	default:
		return nil, fmt.Errorf("auth: source %d: unknown auth type %q", src.ID, src.AuthType)
	}
}

// tokenSource returns the cached token source for the source id, rebuilding
// it if the credentials or endpoint changed since it was created.
func (b *Broker) tokenSource(src source.MonitorSource) oauth2.TokenSource {
	key := src.Auth.TokenURL + "\x00" + src.Auth.ClientID + "\x00" + src.Auth.ClientSecret

	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.tokens[src.ID]; ok && c.key == key {
		return c.ts
	}

	cfg := &clientcredentials.Config{
		ClientID:     src.Auth.ClientID,
		ClientSecret: src.Auth.ClientSecret,
		TokenURL:     tokenURL(src),
		// Vendor token endpoints expect credentials in the form body, not
		// an Authorization header.
		AuthStyle: oauth2.AuthStyleInParams,
	}

	// The token source outlives any single poll, so it is bound to a
	// background context carrying the broker's bounded-timeout client.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, b.client)
	ts := cfg.TokenSource(ctx)

	b.tokens[src.ID] = &cachedTokenSource{key: key, ts: ts}
	return ts
}

// tokenURL resolves the configured token endpoint. Relative paths are joined
// onto the source base URL.
func tokenURL(src source.MonitorSource) string {
	if strings.HasPrefix(src.Auth.TokenURL, "http://") || strings.HasPrefix(src.Auth.TokenURL, "https://") {
		return src.Auth.TokenURL
	}
	return strings.TrimRight(src.BaseURL, "/") + "/" + strings.TrimLeft(src.Auth.TokenURL, "/")
}
