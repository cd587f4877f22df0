package rest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientSendsAuthorization(t *testing.T) {
	var authorization atomic.Pointer[string]

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		authorization.Store(&header)

		w.Write([]byte(`{"id":"1"}`))
	}))
	defer server.Close()

	client := NewClient(newTestLogger(), NewToken("token123"), "ferry-test").
		WithBaseURL(server.URL)

	_, err := client.Do(context.Background(), EndpointGetChannel, map[string]string{"channelId": "1"}, nil, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if got := authorization.Load(); got == nil || *got != "Bot token123" {
		t.Errorf("Expected Bot token123, but got %v", got)
	}
}

func TestClientRetriesOn429(t *testing.T) {
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.5")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"message":"You are being rate limited."}`))

			return
		}

		w.Write([]byte(`{"id":"1"}`))
	}))
	defer server.Close()

	client := NewClient(newTestLogger(), NewToken("token123"), "ferry-test").
		WithBaseURL(server.URL).
		WithRetryPolicy(&RetryPolicy{
			Statuses:   []int{429, 500},
			MaxRetries: 3,
			Backoff: RetryAfterBackoff{
				MaxAllowed: time.Minute,
				Else:       ConstantBackoff{Interval: 10 * time.Millisecond},
			},
		})

	start := time.Now()

	response, err := client.Do(context.Background(), EndpointGetChannel, map[string]string{"channelId": "1"}, nil, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if response.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, but got %d", response.StatusCode)
	}

	if got := requests.Load(); got != 2 {
		t.Errorf("Expected 2 requests, but got %d", got)
	}

	// The second attempt must wait out the Retry-After header.
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Errorf("Expected at least 500ms between attempts, but got %v", elapsed)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Unknown Channel","code":10003}`))
	}))
	defer server.Close()

	client := NewClient(newTestLogger(), NewToken("token123"), "ferry-test").
		WithBaseURL(server.URL)

	_, err := client.Do(context.Background(), EndpointGetChannel, map[string]string{"channelId": "1"}, nil, nil)
	if err == nil {
		t.Fatalf("Expected error for 404 response")
	}

	if got := requests.Load(); got != 1 {
		t.Errorf("Expected 1 request, but got %d", got)
	}
}

func TestClientCacheHit(t *testing.T) {
	var requests atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte(`{"url":"wss://gateway.discord.gg"}`))
	}))
	defer server.Close()

	cache := NewCache(time.Minute, nil)
	defer cache.Close()

	client := NewClient(newTestLogger(), NewToken("token123"), "ferry-test").
		WithBaseURL(server.URL).
		WithCache(cache)

	first, err := client.Do(context.Background(), EndpointGetGateway, nil, nil, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if first.Cached {
		t.Errorf("Expected first response to not be cached")
	}

	second, err := client.Do(context.Background(), EndpointGetGateway, nil, nil, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !second.Cached {
		t.Errorf("Expected second response to be cached")
	}

	if string(second.Body) != string(first.Body) {
		t.Errorf("Expected identical bodies, but got %s and %s", first.Body, second.Body)
	}

	if got := requests.Load(); got != 1 {
		t.Errorf("Expected 1 network request, but got %d", got)
	}
}

func TestClientConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	// Shut the server down so every attempt fails at the transport level.
	serverURL := server.URL
	server.Close()

	client := NewClient(newTestLogger(), NewToken("token123"), "ferry-test").
		WithBaseURL(serverURL).
		WithRetryPolicy(&RetryPolicy{
			Statuses:              []int{429},
			MaxRetries:            1,
			RetryConnectionErrors: true,
			Backoff:               ConstantBackoff{Interval: 10 * time.Millisecond},
		})

	_, err := client.Do(context.Background(), EndpointGetChannel, map[string]string{"channelId": "1"}, nil, nil)
	if err == nil {
		t.Fatalf("Expected connection error to be propagated after one retry")
	}
}

func TestClientGetGatewayBot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"url":"wss://gateway.discord.gg","shards":2,"session_start_limit":{"total":1000,"remaining":999,"reset_after":0,"max_concurrency":1}}`))
	}))
	defer server.Close()

	client := NewClient(newTestLogger(), NewToken("token123"), "ferry-test").
		WithBaseURL(server.URL)

	gatewayBot, err := client.GetGatewayBot(context.Background())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if gatewayBot.Shards != 2 {
		t.Errorf("Expected 2 shards, but got %d", gatewayBot.Shards)
	}

	if gatewayBot.SessionStartLimit.MaxConcurrency != 1 {
		t.Errorf("Expected max concurrency 1, but got %d", gatewayBot.SessionStartLimit.MaxConcurrency)
	}
}
