package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fr3shw3b/realtime-client/pkg/protocol"
	"github.com/golang-jwt/jwt/v5"
)

// Provider supplies the credentials used to open a realtime connection.
type Provider interface {
	// AuthParams returns the query parameters carrying credentials.
	AuthParams(ctx context.Context) (url.Values, error)
	// AuthHeaders returns the HTTP headers carrying credentials.
	AuthHeaders(ctx context.Context) (http.Header, error)
	// Authorize makes sure the credentials are usable, renewing them if
	// the provider is able to.
	Authorize(ctx context.Context) error
}

// ErrInvalidKey is returned for API keys not of the form name:secret.
var ErrInvalidKey = errors.New("api key must be of the form keyName:keySecret")

// KeyProvider authenticates with a long-lived API key.
type KeyProvider struct {
	key string
}

func NewKeyProvider(key string) (*KeyProvider, error) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, ErrInvalidKey
	}
	return &KeyProvider{key: key}, nil
}

// KeyName returns the public part of the key.
func (p *KeyProvider) KeyName() string {
	return strings.SplitN(p.key, ":", 2)[0]
}

func (p *KeyProvider) AuthParams(ctx context.Context) (url.Values, error) {
	return url.Values{"key": {p.key}}, nil
}

func (p *KeyProvider) AuthHeaders(ctx context.Context) (http.Header, error) {
	header := http.Header{}
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(p.key)))
	return header, nil
}

func (p *KeyProvider) Authorize(ctx context.Context) error {
	return nil
}

// TokenProvider authenticates with a pre-issued access token. Tokens in JWT
// form have their exp claim checked before use; there is no way to renew.
type TokenProvider struct {
	token string
	now   func() time.Time
}

func NewTokenProvider(token string, now func() time.Time) *TokenProvider {
	if now == nil {
		now = time.Now
	}
	return &TokenProvider{token: token, now: now}
}

func (p *TokenProvider) AuthParams(ctx context.Context) (url.Values, error) {
	if err := p.Authorize(ctx); err != nil {
		return nil, err
	}
	return url.Values{"access_token": {p.token}}, nil
}

func (p *TokenProvider) AuthHeaders(ctx context.Context) (http.Header, error) {
	if err := p.Authorize(ctx); err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+base64.StdEncoding.EncodeToString([]byte(p.token)))
	return header, nil
}

func (p *TokenProvider) Authorize(ctx context.Context) error {
	if p.token == "" {
		return protocol.NewErrorInfo(protocol.CodeUnauthorized, "no access token available")
	}
	expiresAt, ok := p.ExpiresAt()
	if ok && !expiresAt.After(p.now()) {
		return protocol.NewErrorInfo(
			protocol.CodeTokenExpired,
			"token expired at %s and no means of renewal is configured",
			expiresAt.Format(time.RFC3339),
		)
	}
	return nil
}

// ExpiresAt reads the exp claim when the token is a JWT.
func (p *TokenProvider) ExpiresAt() (time.Time, bool) {
	if strings.Count(p.token, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(p.token, claims)
	if err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
