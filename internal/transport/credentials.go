package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential grants access to one connection of the voice service.
type Credential struct {
	// URL is the WebSocket endpoint to dial.
	URL string

	// Token is sent as a bearer token when dialing.
	Token string

	// ExpiresAt is taken from the token's exp claim when the token is a JWT.
	// Zero when unknown.
	ExpiresAt time.Time
}

// CredentialSource exchanges a user ID for a short-lived credential. It is
// called once per connect attempt.
type CredentialSource interface {
	Fetch(ctx context.Context, userID string) (Credential, error)
}

// ErrCredentialExpired is returned when a fetched token is already expired.
var ErrCredentialExpired = errors.New("transport: credential already expired")

// HTTPCredentials fetches credentials from a JSON HTTP endpoint:
//
//	POST {endpoint} {"user_id": "..."} -> {"url": "...", "token": "..."}
//
// Any non-2xx response fails the attempt.
type HTTPCredentials struct {
	endpoint string
	client   *http.Client
	now      func() time.Time
}

// CredentialOption configures [HTTPCredentials].
type CredentialOption func(*HTTPCredentials)

// WithHTTPClient overrides the HTTP client. Defaults to http.DefaultClient.
func WithHTTPClient(c *http.Client) CredentialOption {
	return func(h *HTTPCredentials) { h.client = c }
}

// WithNow overrides the time source used for expiry checks.
func WithNow(now func() time.Time) CredentialOption {
	return func(h *HTTPCredentials) { h.now = now }
}

// NewHTTPCredentials returns a source posting to endpoint.
func NewHTTPCredentials(endpoint string, opts ...CredentialOption) *HTTPCredentials {
	h := &HTTPCredentials{
		endpoint: endpoint,
		client:   http.DefaultClient,
		now:      time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

var _ CredentialSource = (*HTTPCredentials)(nil)

type credentialRequest struct {
	UserID string `json:"user_id"`
}

type credentialResponse struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// Fetch implements [CredentialSource].
func (h *HTTPCredentials) Fetch(ctx context.Context, userID string) (Credential, error) {
	body, err := json.Marshal(credentialRequest{UserID: userID})
	if err != nil {
		return Credential{}, fmt.Errorf("transport: credential request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("transport: credential request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("transport: credential request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Credential{}, fmt.Errorf("transport: credential endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var cr credentialResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Credential{}, fmt.Errorf("transport: decode credential: %w", err)
	}
	if cr.URL == "" {
		return Credential{}, errors.New("transport: credential response has no url")
	}

	cred := Credential{URL: cr.URL, Token: cr.Token}
	if exp, ok := tokenExpiry(cr.Token); ok {
		cred.ExpiresAt = exp
		if !exp.After(h.now()) {
			return Credential{}, ErrCredentialExpired
		}
	}
	return cred, nil
}

// tokenExpiry reads the exp claim of a JWT without verifying its signature.
// The token is opaque to this client; the voice service does verification.
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
