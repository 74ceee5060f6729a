// Package chat provides the chat-platform transport for deliveries.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/avdeenkov/remindrelay/internal/delivery"
	"github.com/avdeenkov/remindrelay/internal/ratelimit"
)

// Config holds chat transport configuration.
type Config struct {
	Enabled  bool
	BaseURL  string
	BotToken string
	Timeout  time.Duration
}

// Sender implements delivery.Transport against the chat platform's
// HTTP API, behind the per-route rate limiter.
type Sender struct {
	config  Config
	limiter *ratelimit.Limiter
	client  *http.Client
}

// NewSender creates a chat transport.
// Returns an error if enabled but required config is missing.
func NewSender(config Config, limiter *ratelimit.Limiter) (*Sender, error) {
	if config.Enabled {
		if config.BaseURL == "" {
			return nil, errors.New("chat sender: base url is required when enabled")
		}
		if config.BotToken == "" {
			return nil, errors.New("chat sender: bot token is required when enabled")
		}
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	slog.Info("chat sender configured",
		"enabled", config.Enabled,
		"base_url", config.BaseURL,
	)

	return &Sender{
		config:  config,
		limiter: limiter,
		client:  &http.Client{Timeout: config.Timeout},
	}, nil
}

type sendRequest struct {
	RecipientID string `json:"recipient_id"`
	Text        string `json:"text"`
	// DedupeKey lets the platform drop a repeated send for the same
	// reminder, keeping at-least-once delivery safe.
	DedupeKey string `json:"dedupe_key"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

// Deliver hands the message to the chat platform. A rate limit
// rejection, a 429 or a 5xx response map to a retryable transport
// failure; other 4xx responses are permanent.
func (s *Sender) Deliver(ctx context.Context, recipientID, message, reminderID string) (string, error) {
	if !s.config.Enabled {
		slog.Debug("chat sender disabled, dropping message", "recipient_id", recipientID)
		return "", nil
	}

	if decision := s.limiter.Check(recipientID); !decision.Allowed {
		return "", delivery.NewRetryableTransportError(
			fmt.Errorf("rate limited, retry after %s", decision.RetryAfter))
	}

	body, err := json.Marshal(sendRequest{
		RecipientID: recipientID,
		Text:        message,
		DedupeKey:   reminderID,
	})
	if err != nil {
		return "", delivery.NewPermanentTransportError(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", delivery.NewPermanentTransportError(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.BotToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", delivery.NewRetryableTransportError(fmt.Errorf("send message: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		s.limiter.UpdateFromResponse(recipientID, retryAfter)
		return "", delivery.NewRetryableTransportError(
			fmt.Errorf("platform rate limited, retry after %s", retryAfter))

	case resp.StatusCode >= 500:
		return "", delivery.NewRetryableTransportError(
			fmt.Errorf("platform error: status %d", resp.StatusCode))

	case resp.StatusCode >= 400:
		return "", delivery.NewPermanentTransportError(
			fmt.Errorf("rejected by platform: status %d", resp.StatusCode))
	}

	var result sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// The message went out; a malformed body only costs the id.
		slog.Warn("decode send response failed", "error", err)
	}
	return result.MessageID, nil
}

func parseRetryAfter(header string) time.Duration {
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return time.Second
	}
	return time.Duration(seconds) * time.Second
}
