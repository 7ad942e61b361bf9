package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pearlhq/pearl/internal/logger"
)

// oauthTokenPrefix marks keys that are OAuth access tokens rather than
// plain API keys.
const oauthTokenPrefix = "sk-ant-oat"

// expirySkew refreshes tokens slightly before their actual expiry so an
// in-flight request does not race the deadline.
const expirySkew = 60 * time.Second

// IsOAuthToken reports whether the configured key is an OAuth access token.
func IsOAuthToken(key string) bool {
	return strings.HasPrefix(key, oauthTokenPrefix)
}

// TokenSet is the persisted OAuth state. The credentials file is shared
// across processes, so the file is authoritative and memory is only a hint.
type TokenSet struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"` // unix millis
}

// Expired reports whether the access token is past (or within skew of) expiry.
func (t TokenSet) Expired(now time.Time) bool {
	if t.ExpiresAt == 0 {
		return false
	}
	return now.Add(expirySkew).UnixMilli() >= t.ExpiresAt
}

// OAuthManager owns the token lifecycle for one adapter instance: re-read
// the shared credentials file before each use, refresh through the token
// endpoint when expired, and persist the result. Concurrent refreshes
// coalesce to a single in-flight call.
type OAuthManager struct {
	path         string
	clientID     string
	clientSecret string
	tokenURL     string
	client       *http.Client
	group        singleflight.Group
	logger       *logger.Logger
}

// NewOAuthManager creates a manager over the given credentials file.
// clientSecret may be empty for public clients.
func NewOAuthManager(path, clientID, clientSecret, tokenURL string, log *logger.Logger) *OAuthManager {
	return &OAuthManager{
		path:         path,
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       log.WithComponent("oauth"),
	}
}

// Token returns a valid access token, refreshing if the persisted one has
// expired. The file is re-read on every call so refreshes performed by other
// processes are picked up without a restart.
func (m *OAuthManager) Token(ctx context.Context) (string, error) {
	tokens, err := m.load()
	if err != nil {
		return "", err
	}

	if !tokens.Expired(time.Now()) {
		return tokens.AccessToken, nil
	}

	return m.refresh(ctx)
}

// ForceRefresh refreshes unconditionally. Used after a mid-request
// authentication failure, where the persisted expiry can no longer be trusted.
func (m *OAuthManager) ForceRefresh(ctx context.Context) (string, error) {
	return m.refresh(ctx)
}

func (m *OAuthManager) load() (TokenSet, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return TokenSet{}, NewAuthError(fmt.Sprintf("read credentials file: %v", err))
	}

	var tokens TokenSet
	if err := json.Unmarshal(data, &tokens); err != nil {
		return TokenSet{}, NewAuthError(fmt.Sprintf("parse credentials file: %v", err))
	}
	if tokens.AccessToken == "" {
		return TokenSet{}, NewAuthError("credentials file has no access token")
	}
	return tokens, nil
}

func (m *OAuthManager) persist(tokens TokenSet) error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0o600)
}

// refresh coalesces concurrent callers: only one token-endpoint call is in
// flight at a time, and every waiter receives its result.
func (m *OAuthManager) refresh(ctx context.Context) (string, error) {
	result, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		// Re-read inside the critical section: another process may have
		// refreshed while this caller waited.
		tokens, err := m.load()
		if err != nil {
			return nil, err
		}
		if !tokens.Expired(time.Now()) {
			return tokens.AccessToken, nil
		}
		if tokens.RefreshToken == "" {
			return nil, NewAuthError("token expired and no refresh token available")
		}

		refreshed, err := m.exchange(ctx, tokens.RefreshToken)
		if err != nil {
			return nil, err
		}

		if err := m.persist(refreshed); err != nil {
			m.logger.Error("failed to persist refreshed tokens", "error", err)
		}
		m.logger.Info("oauth token refreshed", "expires_at", refreshed.ExpiresAt)

		return refreshed.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (m *OAuthManager) exchange(ctx context.Context, refreshToken string) (TokenSet, error) {
	fields := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     m.clientID,
	}
	if m.clientSecret != "" {
		fields["client_secret"] = m.clientSecret
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return TokenSet{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return TokenSet{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return TokenSet{}, NewAuthError(fmt.Sprintf("token endpoint unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return TokenSet{}, NewAuthError(fmt.Sprintf("token refresh failed (%d): %s", resp.StatusCode, string(body)))
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return TokenSet{}, NewAuthError(fmt.Sprintf("parse token response: %v", err))
	}
	if parsed.AccessToken == "" {
		return TokenSet{}, NewAuthError("token response has no access token")
	}

	return TokenSet{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second).UnixMilli(),
	}, nil
}
