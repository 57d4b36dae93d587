// Package auth provides the bearer token used in the upstream CONNECT
// handshake. Tokens are fetched over HTTP and cached until close to expiry.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// expiryLeeway is how early a cached token is treated as expired so the
// handshake never races a server-side expiry.
const expiryLeeway = 5 * time.Minute

var ErrNoToken = errors.New("no token available")

// RefreshError represents a failed token refresh call.
type RefreshError struct {
	StatusCode int
	Body       []byte
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed with status %d", e.StatusCode)
}

// IsRetryable returns true if the refresh should be retried.
func (e *RefreshError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// TokenSource produces a valid bearer token on demand.
type TokenSource interface {
	// Token returns a bearer token valid for at least the expiry leeway.
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token, for config-provided credentials
// and tests.
type StaticTokenSource string

func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// RefreshConfig configures an HTTP-refreshing token source.
type RefreshConfig struct {
	URL       string        // Token issue endpoint
	AppKey    string        // Sent as appkey header
	AppSecret string        // Sent as appsecret header
	Timeout   time.Duration // Per-request timeout
}

// refreshSource caches a token and refreshes it over HTTP when missing or
// within the expiry leeway.
type refreshSource struct {
	cfg        RefreshConfig
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewRefreshTokenSource creates a token source backed by an HTTP endpoint.
func NewRefreshTokenSource(cfg RefreshConfig, logger *slog.Logger) TokenSource {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &refreshSource{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// tokenResponse is the issue endpoint's payload.
type tokenResponse struct {
	Token     string `json:"approval_key"`
	ExpiresIn int64  `json:"expires_in"`
}

// Token returns the cached token while valid, refreshing otherwise.
func (s *refreshSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Until(s.expiresAt) > expiryLeeway {
		return s.token, nil
	}

	token, expiresAt, err := s.refresh(ctx)
	if err != nil {
		// A still-valid cached token survives a failed refresh.
		if s.token != "" && time.Now().Before(s.expiresAt) {
			s.logger.Warn("token refresh failed, using cached token",
				"error", err,
				"expires_at", s.expiresAt,
			)
			return s.token, nil
		}
		return "", fmt.Errorf("refresh token: %w", err)
	}

	s.token = token
	s.expiresAt = expiresAt
	s.logger.Debug("token refreshed", "expires_at", expiresAt)

	return token, nil
}

func (s *refreshSource) refresh(ctx context.Context) (string, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("appkey", s.cfg.AppKey)
	if s.cfg.AppSecret != "" {
		req.Header.Set("appsecret", s.cfg.AppSecret)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return "", time.Time{}, &RefreshError{StatusCode: resp.StatusCode, Body: body}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", time.Time{}, fmt.Errorf("parse token response: %w", err)
	}
	if tr.Token == "" {
		return "", time.Time{}, ErrNoToken
	}

	expiresIn := tr.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 86400 // issuer default: 24h
	}

	return tr.Token, time.Now().Add(time.Duration(expiresIn) * time.Second), nil
}
