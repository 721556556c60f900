package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// RefreshConfig OAuth refresh settings.
type RefreshConfig struct {
	TokenURL     string
	ClientID     string
	RefreshToken string
	AccessToken  string // optional, used until it expires
	Skew         time.Duration
	Timeout      time.Duration
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

type tokenErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// RefreshingProvider keeps an access token fresh with the refresh_token grant.
type RefreshingProvider struct {
	httpClient *resty.Client
	cfg        RefreshConfig
	logger     *zap.Logger
	now        func() time.Time

	mu           sync.Mutex
	access       *Token
	refreshToken string
}

// NewRefreshingProvider creates the provider.
func NewRefreshingProvider(cfg RefreshConfig, logger *zap.Logger) *RefreshingProvider {
	if cfg.Skew <= 0 {
		cfg.Skew = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		SetHeader("Accept", "application/json")

	p := &RefreshingProvider{
		httpClient:   client,
		cfg:          cfg,
		logger:       logger,
		now:          time.Now,
		refreshToken: cfg.RefreshToken,
	}
	if cfg.AccessToken != "" {
		tok := &Token{AccessToken: cfg.AccessToken}
		if exp, ok := ExpiryFromJWT(cfg.AccessToken); ok {
			tok.ExpiresAt = exp
		}
		p.access = tok
	}
	return p
}

// GetValidToken returns the cached token or refreshes it.
// Returns (nil, nil) when there is no refresh token or the grant was rejected.
func (p *RefreshingProvider) GetValidToken(ctx context.Context) (*Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.access.ValidAt(p.now(), p.cfg.Skew) {
		tok := *p.access
		return &tok, nil
	}
	if p.refreshToken == "" {
		return nil, nil
	}

	tok, err := p.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, nil
	}
	p.access = tok
	out := *tok
	return &out, nil
}

// refresh must be called with p.mu held.
func (p *RefreshingProvider) refresh(ctx context.Context) (*Token, error) {
	var result tokenResponse
	var apiErr tokenErrorResponse

	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "refresh_token",
			"client_id":     p.cfg.ClientID,
			"refresh_token": p.refreshToken,
		}).
		SetResult(&result).
		SetError(&apiErr).
		Post(p.cfg.TokenURL)
	if err != nil {
		return nil, fmt.Errorf("failed to call token endpoint: %w", err)
	}

	if resp.IsError() {
		// invalid_grant and friends: the refresh token is dead, the user must sign in again.
		if resp.StatusCode() == http.StatusBadRequest || resp.StatusCode() == http.StatusUnauthorized {
			p.logger.Warn("Refresh token rejected",
				zap.Int("status_code", resp.StatusCode()),
				zap.String("error", apiErr.Error),
				zap.String("error_description", apiErr.ErrorDescription),
			)
			p.refreshToken = ""
			p.access = nil
			return nil, nil
		}
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode(), apiErr.Error)
	}

	if result.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access_token")
	}

	tok := &Token{AccessToken: result.AccessToken}
	if exp, ok := ExpiryFromJWT(result.AccessToken); ok {
		tok.ExpiresAt = exp
	} else if result.ExpiresIn > 0 {
		tok.ExpiresAt = p.now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}
	if result.RefreshToken != "" {
		p.refreshToken = result.RefreshToken
	}

	p.logger.Info("Access token refreshed", zap.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}
