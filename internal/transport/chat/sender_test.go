package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avdeenkov/remindrelay/internal/delivery"
	"github.com/avdeenkov/remindrelay/internal/ratelimit"
)

func newTestSender(t *testing.T, baseURL string) *Sender {
	t.Helper()
	sender, err := NewSender(Config{
		Enabled:  true,
		BaseURL:  baseURL,
		BotToken: "test-token",
		Timeout:  time.Second,
	}, ratelimit.New(ratelimit.DefaultConfig()))
	require.NoError(t, err)
	return sender
}

func isRetryable(t *testing.T, err error) bool {
	t.Helper()
	var transportErr *delivery.TransportError
	require.ErrorAs(t, err, &transportErr)
	return transportErr.IsRetryable()
}

func TestNewSender_Validation(t *testing.T) {
	limiter := ratelimit.New(ratelimit.DefaultConfig())

	_, err := NewSender(Config{Enabled: true, BotToken: "x"}, limiter)
	assert.Error(t, err)

	_, err = NewSender(Config{Enabled: true, BaseURL: "http://chat.local"}, limiter)
	assert.Error(t, err)

	// Disabled sender needs no credentials.
	_, err = NewSender(Config{Enabled: false}, limiter)
	assert.NoError(t, err)
}

func TestSender_Deliver(t *testing.T) {
	var received sendRequest
	var gotAuth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/messages", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		_ = json.NewEncoder(w).Encode(sendResponse{MessageID: "msg-123"})
	}))
	defer server.Close()

	sender := newTestSender(t, server.URL)

	messageID, err := sender.Deliver(context.Background(), "user-1", "standup now", "rem-1")
	require.NoError(t, err)
	assert.Equal(t, "msg-123", messageID)
	assert.Equal(t, "Bearer test-token", gotAuth)
	assert.Equal(t, "user-1", received.RecipientID)
	assert.Equal(t, "standup now", received.Text)
	// The reminder id doubles as the platform dedupe key.
	assert.Equal(t, "rem-1", received.DedupeKey)
}

func TestSender_Deliver_Disabled(t *testing.T) {
	sender, err := NewSender(Config{Enabled: false}, ratelimit.New(ratelimit.DefaultConfig()))
	require.NoError(t, err)

	messageID, err := sender.Deliver(context.Background(), "user-1", "msg", "rem-1")
	require.NoError(t, err)
	assert.Empty(t, messageID)
}

func TestSender_Deliver_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"not found", http.StatusNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			sender := newTestSender(t, server.URL)

			_, err := sender.Deliver(context.Background(), "user-1", "msg", "rem-1")
			require.Error(t, err)
			assert.Equal(t, tt.retryable, isRetryable(t, err))
		})
	}
}

func TestSender_Deliver_RateLimitResponseBlocksRoute(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	sender, err := NewSender(Config{
		Enabled:  true,
		BaseURL:  server.URL,
		BotToken: "test-token",
	}, limiter)
	require.NoError(t, err)

	_, err = sender.Deliver(context.Background(), "user-1", "msg", "rem-1")
	require.Error(t, err)
	assert.True(t, isRetryable(t, err))

	// The Retry-After window now blocks the route before any request.
	decision := limiter.Check("user-1")
	assert.False(t, decision.Allowed)
	assert.Greater(t, decision.RetryAfter, 50*time.Second)
}

func TestSender_Deliver_LocalRateLimit(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		_ = json.NewEncoder(w).Encode(sendResponse{MessageID: "msg"})
	}))
	defer server.Close()

	limiter := ratelimit.New(ratelimit.Config{
		GlobalRate:  100,
		GlobalBurst: 100,
		RouteRate:   0.001,
		RouteBurst:  1,
	})
	sender, err := NewSender(Config{
		Enabled:  true,
		BaseURL:  server.URL,
		BotToken: "test-token",
	}, limiter)
	require.NoError(t, err)

	_, err = sender.Deliver(context.Background(), "user-1", "msg", "rem-1")
	require.NoError(t, err)

	_, err = sender.Deliver(context.Background(), "user-1", "msg", "rem-2")
	require.Error(t, err)
	assert.True(t, isRetryable(t, err))
	// The rejected send never reached the platform.
	assert.Equal(t, 1, calls)
}

func TestSender_Deliver_ConnectionError(t *testing.T) {
	sender := newTestSender(t, "http://127.0.0.1:1")

	_, err := sender.Deliver(context.Background(), "user-1", "msg", "rem-1")
	require.Error(t, err)
	assert.True(t, isRetryable(t, err))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Second, parseRetryAfter(""))
	assert.Equal(t, time.Second, parseRetryAfter("soon"))
	assert.Equal(t, time.Second, parseRetryAfter("-5"))
}

func TestSender_Deliver_MalformedResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer server.Close()

	sender := newTestSender(t, server.URL)

	// The send succeeded; only the message id is lost.
	messageID, err := sender.Deliver(context.Background(), "user-1", "msg", "rem-1")
	require.NoError(t, err)
	assert.Empty(t, messageID)
}
