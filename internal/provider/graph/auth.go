package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	graphScope = "https://graph.microsoft.com/.default"

	// expirySkew is taken off the reported lifetime. Lifetimes shorter than
	// twice the skew are halved instead.
	expirySkew = 5 * time.Minute
)

// accessToken is one bearer token and the instant it stops being used.
type accessToken struct {
	value     string
	expiresAt time.Time
}

func (t accessToken) usable(now time.Time) bool {
	return t.value != "" && now.Before(t.expiresAt)
}

func tokenLifetime(expiresIn int64) time.Duration {
	life := time.Duration(expiresIn) * time.Second
	if life <= 2*expirySkew {
		return life / 2
	}
	return life - expirySkew
}

// tokenError is a failed client-credentials exchange. Network failures,
// 429 and 5xx answers are transient; a rejected client or tenant is not.
type tokenError struct {
	statusCode  int
	code        string
	description string
	transient   bool
}

func (e *tokenError) Error() string {
	switch {
	case e.statusCode == 0:
		return "token request failed: " + e.description
	case e.code != "":
		return fmt.Sprintf("token endpoint returned %d (%s): %s", e.statusCode, e.code, e.description)
	default:
		return fmt.Sprintf("token endpoint returned %d: %s", e.statusCode, e.description)
	}
}

func newTokenError(statusCode int, body []byte) *tokenError {
	te := &tokenError{
		statusCode: statusCode,
		transient:  statusCode == http.StatusTooManyRequests || statusCode >= 500,
	}
	var oe oauthErrorResponse
	if json.Unmarshal(body, &oe) == nil && oe.Error != "" {
		te.code = oe.Error
		te.description = oe.Description
	} else {
		te.description = strings.TrimSpace(string(body))
	}
	return te
}

// tokenCache acquires and caches the sender application's Graph token.
// Callers share one token; concurrent misses trigger a single exchange.
type tokenCache struct {
	endpoint string
	form     url.Values
	client   *http.Client
	now      func() time.Time

	mu      sync.Mutex
	current accessToken
}

func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	return &tokenCache{
		endpoint: tokenURL,
		form: url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"scope":         {graphScope},
		},
		client: httpClient,
		now:    time.Now,
	}
}

// Token returns a usable token, exchanging credentials when none is cached.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.current.usable(tc.now()) {
		return tc.current.value, nil
	}
	return tc.exchange(ctx)
}

// ForceRefresh drops the cached token and exchanges credentials again.
func (tc *tokenCache) ForceRefresh(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.current = accessToken{}
	return tc.exchange(ctx)
}

// exchange requires tc.mu.
func (tc *tokenCache) exchange(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.endpoint, strings.NewReader(tc.form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tc.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &tokenError{description: err.Error(), transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &tokenError{statusCode: resp.StatusCode, description: err.Error(), transient: true}
	}
	if resp.StatusCode != http.StatusOK {
		return "", newTokenError(resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	tc.current = accessToken{
		value:     tr.AccessToken,
		expiresAt: tc.now().Add(tokenLifetime(tr.ExpiresIn)),
	}
	return tc.current.value, nil
}
