package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func tokenServer(t *testing.T, calls *atomic.Int32, expiresIn int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken: fmt.Sprintf("token-%d", n),
			ExpiresIn:   expiresIn,
			TokenType:   "Bearer",
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTokenCache_AcquiresToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}

		want := map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     "test-client-id",
			"client_secret": "test-client-secret",
			"scope":         "https://graph.microsoft.com/.default",
		}
		for k, v := range want {
			if got := r.FormValue(k); got != v {
				t.Errorf("%s: got %q, want %q", k, got, v)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "test-access-token", ExpiresIn: 3600})
	}))
	defer server.Close()

	tc := newTokenCache(server.URL, "test-client-id", "test-client-secret", server.Client())

	token, err := tc.Token(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "test-access-token" {
		t.Errorf("token: got %q, want %q", token, "test-access-token")
	}
}

func TestTokenCache_CachesUntilExpiry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := tokenServer(t, &calls, 3600)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tc := newTokenCache(server.URL, "cid", "csecret", server.Client())
	tc.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		token, err := tc.Token(context.Background())
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if token != "token-1" {
			t.Errorf("call %d token: got %q, want token-1", i, token)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("server call count: got %d, want 1", calls.Load())
	}

	// Inside the expiry buffer the token is treated as expired.
	now = now.Add(56 * time.Minute)
	token, err := tc.Token(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if token != "token-2" {
		t.Errorf("token after expiry: got %q, want token-2", token)
	}
}

func TestTokenCache_ForceRefresh(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := tokenServer(t, &calls, 3600)
	tc := newTokenCache(server.URL, "cid", "csecret", server.Client())

	if _, err := tc.Token(context.Background()); err != nil {
		t.Fatalf("first call error: %v", err)
	}
	token, err := tc.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("force refresh error: %v", err)
	}
	if token != "token-2" {
		t.Errorf("token: got %q, want token-2", token)
	}
	if calls.Load() != 2 {
		t.Errorf("server call count: got %d, want 2", calls.Load())
	}
}

func TestTokenCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := tokenServer(t, &calls, 3600)
	tc := newTokenCache(server.URL, "cid", "csecret", server.Client())

	const goroutines = 10
	var wg sync.WaitGroup
	tokens := make([]string, goroutines)
	errs := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			tokens[idx], errs[idx] = tc.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := range tokens {
		if errs[i] != nil {
			t.Errorf("goroutine %d error: %v", i, errs[i])
		}
		if tokens[i] != "token-1" {
			t.Errorf("goroutine %d token: got %q, want token-1", i, tokens[i])
		}
	}
	if calls.Load() != 1 {
		t.Errorf("server call count: got %d, want 1", calls.Load())
	}
}

func TestTokenCache_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error": "internal server error"}`))
			},
		},
		{
			name: "empty access token",
			handler: func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(tokenResponse{ExpiresIn: 3600})
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("not json"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			tc := newTokenCache(server.URL, "cid", "csecret", server.Client())
			if _, err := tc.Token(context.Background()); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestTokenLifetime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expiresIn int64
		want      time.Duration
	}{
		{3600, 55 * time.Minute},
		{900, 10 * time.Minute},
		{600, 5 * time.Minute},
		{120, time.Minute},
		{0, 0},
	}

	for _, tt := range tests {
		if got := tokenLifetime(tt.expiresIn); got != tt.want {
			t.Errorf("tokenLifetime(%d) = %v, want %v", tt.expiresIn, got, tt.want)
		}
	}
}

func TestTokenCache_ShortLivedTokenIsCached(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := tokenServer(t, &calls, 120)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tc := newTokenCache(server.URL, "cid", "csecret", server.Client())
	tc.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if _, err := tc.Token(context.Background()); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("server call count: got %d, want 1", calls.Load())
	}
}

func TestTokenCache_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
		code      string
	}{
		{name: "invalid client", status: 401, body: `{"error":"invalid_client","error_description":"AADSTS7000215: Invalid client secret"}`, code: "invalid_client"},
		{name: "bad tenant", status: 400, body: `{"error":"invalid_request","error_description":"AADSTS90002: Tenant not found"}`, code: "invalid_request"},
		{name: "throttled", status: 429, body: `{"error":"temporarily_unavailable"}`, transient: true, code: "temporarily_unavailable"},
		{name: "server error", status: 503, body: "upstream unavailable", transient: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			tc := newTokenCache(server.URL, "cid", "csecret", server.Client())
			_, err := tc.Token(context.Background())

			var te *tokenError
			if !errors.As(err, &te) {
				t.Fatalf("expected *tokenError, got %v", err)
			}
			if te.statusCode != tt.status {
				t.Errorf("status: got %d, want %d", te.statusCode, tt.status)
			}
			if te.transient != tt.transient {
				t.Errorf("transient: got %v, want %v", te.transient, tt.transient)
			}
			if te.code != tt.code {
				t.Errorf("code: got %q, want %q", te.code, tt.code)
			}
		})
	}
}
