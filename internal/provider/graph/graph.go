package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/tempmail-relay/internal/email"
	"github.com/shineum/tempmail-relay/internal/provider"
)

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// GraphProvider forwards messages via the Microsoft Graph API using OAuth2
// client credentials authentication.
type GraphProvider struct {
	sender     string
	graphURL   string
	httpClient *http.Client
	token      *tokenCache
	retry      provider.Retrier
}

// New creates a new GraphProvider with the given configuration.
func New(cfg GraphProviderConfig) *GraphProvider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		cfg.TenantID,
	)
	graphURL := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", cfg.Sender)

	return newWithOverrides(cfg, graphURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

// newWithOverrides creates a GraphProvider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg GraphProviderConfig, graphURL, tokenURL string, client *http.Client) *GraphProvider {
	return &GraphProvider{
		sender:     cfg.Sender,
		graphURL:   graphURL,
		httpClient: client,
		token:      newTokenCache(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		retry:      provider.NewRetrier("Graph API request"),
	}
}

// Forward posts the rewritten message as base64 MIME. Transient failures
// are retried with exponential backoff, 429 honours Retry-After, and a 401
// refreshes the token once.
func (g *GraphProvider) Forward(ctx context.Context, req *email.ForwardRequest) error {
	raw, err := provider.Rewrite(req, g.sender)
	if err != nil {
		return fmt.Errorf("failed to build MIME message: %w", err)
	}
	payload := base64.StdEncoding.EncodeToString(raw)

	tokenRefreshed := false
	return g.retry.Do(ctx, func(attempt int) error {
		err := g.doSendRequest(ctx, payload)
		if err == nil {
			return nil
		}

		var tokenErr *tokenError
		if errors.As(err, &tokenErr) {
			if tokenErr.transient {
				slog.Info("transient token endpoint error, retrying", "status", tokenErr.statusCode, "attempt", attempt)
				return err
			}
			return provider.Permanent(err)
		}

		var graphErr *sendError
		if !errors.As(err, &graphErr) {
			return provider.Permanent(err)
		}

		switch {
		case graphErr.permanent:
			return provider.Permanent(graphErr)
		case graphErr.statusCode == http.StatusUnauthorized && !tokenRefreshed:
			slog.Info("refreshing Graph API token after 401")
			if _, refreshErr := g.token.ForceRefresh(ctx); refreshErr != nil {
				if errors.As(refreshErr, &tokenErr) && tokenErr.transient {
					return fmt.Errorf("token refresh failed: %w", refreshErr)
				}
				return provider.Permanent(fmt.Errorf("token refresh failed: %w", refreshErr))
			}
			tokenRefreshed = true
			return provider.RetryAfter(graphErr, 0)
		case graphErr.statusCode == http.StatusTooManyRequests:
			delay := g.retryAfterDelay(graphErr.retryAfter, attempt+1)
			slog.Info("rate limited by Graph API", "retry_after", delay)
			return provider.RetryAfter(graphErr, delay)
		case graphErr.transient:
			slog.Info("transient Graph API error, retrying", "status", graphErr.statusCode, "attempt", attempt)
			return graphErr
		default:
			return provider.Permanent(graphErr)
		}
	})
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return "msgraph"
}

// doSendRequest performs a single sendMail call with a base64 MIME body.
func (g *GraphProvider) doSendRequest(ctx context.Context, payload string) error {
	token, err := g.token.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sendError{
			message:   fmt.Sprintf("HTTP request failed: %v", err),
			transient: true,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var errResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error.Message != "" {
		return classifyError(resp.StatusCode, errResp.Error.Message, resp.Header.Get("Retry-After"))
	}
	return classifyError(resp.StatusCode, string(body), resp.Header.Get("Retry-After"))
}

// sendError is a Graph API failure classified for the retry loop.
type sendError struct {
	message    string
	statusCode int
	permanent  bool
	transient  bool
	retryAfter string
}

func (e *sendError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.statusCode, e.message)
}

// classifyError categorizes an HTTP error response for retry decisions.
func classifyError(statusCode int, message, retryAfter string) *sendError {
	err := &sendError{
		message:    message,
		statusCode: statusCode,
		retryAfter: retryAfter,
	}

	switch {
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		err.transient = true
	default:
		err.permanent = true
	}
	return err
}

// retryAfterDelay parses a Retry-After value in seconds, falling back to
// exponential backoff.
func (g *GraphProvider) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return provider.Backoff(g.retry.BaseDelay, attempt)
}
