// Package auth supplies bearer tokens for backend requests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/aminelahmer1/livestream-core/internal/config"
	"github.com/aminelahmer1/livestream-core/internal/logging"
	"github.com/aminelahmer1/livestream-core/internal/timeout"
)

// ErrNoToken is returned when no credential is available.
var ErrNoToken = errors.New("no bearer token available")

// TokenProvider yields the current bearer token. Implementations refresh
// as needed and must be safe for concurrent use.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// Static always returns the same token.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// OAuth2Provider fetches tokens with the client-credentials grant and
// caches them until shortly before expiry.
type OAuth2Provider struct {
	src     oauth2.TokenSource
	timeout time.Duration
	logger  *zap.Logger
}

// NewOAuth2Provider builds a provider. httpClient may be nil.
func NewOAuth2Provider(cfg config.AuthConfig, httpClient *http.Client, fetchTimeout time.Duration, logger *zap.Logger) *OAuth2Provider {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}

	// The token source keeps this context for every refresh.
	base := context.Background()
	if httpClient != nil {
		base = context.WithValue(base, oauth2.HTTPClient, httpClient)
	}

	return &OAuth2Provider{
		src:     cc.TokenSource(base),
		timeout: fetchTimeout,
		logger:  logging.Or(logger, "auth"),
	}
}

// Token returns a valid access token, bounded by the fetch timeout.
func (p *OAuth2Provider) Token(ctx context.Context) (string, error) {
	tok, err := timeout.Run(ctx, p.timeout, func(context.Context) (*oauth2.Token, error) {
		return p.src.Token()
	}, nil)
	if err != nil {
		p.logger.Warn("token fetch failed", zap.Error(err))
		return "", fmt.Errorf("fetch oauth2 token: %w", err)
	}
	if tok.AccessToken == "" {
		return "", ErrNoToken
	}
	return tok.AccessToken, nil
}

// FromConfig picks the provider described by cfg: a static token, client
// credentials, or nil for anonymous access.
func FromConfig(cfg config.AuthConfig, httpClient *http.Client, logger *zap.Logger) TokenProvider {
	switch {
	case cfg.Token != "":
		return Static(cfg.Token)
	case cfg.ClientID != "" && cfg.TokenURL != "":
		return NewOAuth2Provider(cfg, httpClient, 10*time.Second, logger)
	default:
		return nil
	}
}
