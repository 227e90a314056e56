// ABOUTME: HTTP client for the external reasoning engine.
// ABOUTME: Every failure degrades to a fixed fallback reply, never an error.

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// FallbackText is the assistant reply substituted when the engine is
// unreachable, too slow, or returns garbage.
const FallbackText = "Xin lỗi, hệ thống AI đang bận. Vui lòng thử lại sau ít phút."

// FallbackIntent marks a reply produced by the degradation path rather
// than the engine.
const FallbackIntent = "system_error"

// Turn is one prior exchange sent along as conversation context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Reply is the engine's answer to one user message.
type Reply struct {
	Response   string           `json:"response"`
	Products   []map[string]any `json:"products"`
	Intent     string           `json:"intent"`
	Confidence float64          `json:"confidence"`
}

// Fallback indicates whether this reply came from the degradation path.
func (r Reply) Fallback() bool {
	return r.Intent == FallbackIntent && r.Response == FallbackText
}

// FallbackReply returns the fixed reply used when the engine call fails.
func FallbackReply() Reply {
	return Reply{
		Response: FallbackText,
		Products: []map[string]any{},
		Intent:   FallbackIntent,
	}
}

type askRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	History   []Turn `json:"chat_history,omitempty"`
}

// Client talks to the reasoning engine over HTTP. Exactly one request
// per Ask: the upstream engine may have side effects, so a duplicate
// request is worse than a degraded reply. The user re-sending is the
// retry mechanism.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger.With("component", "engine"),
	}
}

// Ask sends one user message to the engine and returns its reply. History
// carries the most recent prior turns for context. On timeout or any
// transport or service error Ask returns FallbackReply — callers never see
// an error and must record whatever Reply comes back.
func (c *Client) Ask(ctx context.Context, sessionID, message string, history []Turn) Reply {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.ask(ctx, sessionID, message, history)
	if err != nil {
		c.logger.Error("engine request failed, degrading to fallback",
			"session_id", sessionID,
			"error", err)
		return FallbackReply()
	}

	c.logger.Info("engine reply received",
		"session_id", sessionID,
		"intent", reply.Intent,
		"products", len(reply.Products))
	return reply
}

func (c *Client) ask(ctx context.Context, sessionID, message string, history []Turn) (Reply, error) {
	body, err := json.Marshal(askRequest{
		Message:   message,
		SessionID: sessionID,
		History:   history,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("posting to engine: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Reply{}, fmt.Errorf("engine returned status %d", resp.StatusCode)
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("decoding reply: %w", err)
	}
	if reply.Products == nil {
		reply.Products = []map[string]any{}
	}
	return reply, nil
}
