// Package api implements the HTTP client for the chat backend: the stream-open endpoint, the
// synchronous chat-send endpoint, and the profile, subscription, and conversation-list reads.
// Only the request/response shapes are defined here; everything above this package consumes
// decoded values and never sees HTTP details.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/chat-stream-kit/internal/models"
)

// Client provides access to the chat backend's REST endpoints. A single Client instance is
// shared by every component that talks to the backend.
type Client struct {
	baseURL string
	token   string

	client *http.Client

	logger *slog.Logger
}

// NewClient creates a new Client for the backend at baseURL, authenticating every request with
// the given bearer token.
func NewClient(baseURL, token string, logger *slog.Logger) Client {
	return Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "api")),
	}
}

// StreamRequest is the body of both the stream-open and the synchronous chat-send endpoints.
// An empty SessionID asks the server to start a new conversation.
type StreamRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// SendResponse is the synchronous chat-send reply.
type SendResponse struct {
	Output    string `json:"output"`
	SessionID string `json:"sessionId"`
	Model     string `json:"model,omitempty"`
}

// OpenStream issues the request that opens the chat event stream and returns the response body
// for the frame decoder to consume. The caller owns the returned reader and must close it; the
// context cancels both the request and subsequent body reads.
func (c Client) OpenStream(ctx context.Context, req StreamRequest) (io.ReadCloser, error) {
	resp, err := c.doPost(ctx, "/api/chat/stream", req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Send submits a message through the synchronous chat-send endpoint and returns the complete
// reply. It is the non-streaming fallback for callers that do not need incremental output.
func (c Client) Send(ctx context.Context, req StreamRequest) (SendResponse, error) {
	resp, err := c.doPost(ctx, "/api/chat", req)
	if err != nil {
		return SendResponse{}, err
	}
	defer resp.Body.Close()

	var res SendResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return SendResponse{}, fmt.Errorf("error decoding response: %w", err)
	}
	return res, nil
}

// Profile fetches the signed-in user's profile.
func (c Client) Profile(ctx context.Context) (models.Profile, error) {
	var res struct {
		User models.Profile `json:"user"`
	}
	if err := c.doGet(ctx, "/api/profile", &res); err != nil {
		return models.Profile{}, err
	}
	return res.User, nil
}

// Subscription fetches the user's billing state.
func (c Client) Subscription(ctx context.Context) (models.Subscription, error) {
	var res struct {
		Subscription models.Subscription `json:"subscription"`
	}
	if err := c.doGet(ctx, "/api/subscription", &res); err != nil {
		return models.Subscription{}, err
	}
	return res.Subscription, nil
}

// Conversations fetches the conversation list. The endpoint has shipped several response shapes
// over time; all of them are normalized to a flat slice before anything is cached.
func (c Client) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var raw json.RawMessage
	if err := c.doGet(ctx, "/api/conversations", &raw); err != nil {
		return nil, err
	}
	return normalizeConversations(raw)
}

// normalizeConversations accepts either a bare array or one of the known wrapped envelopes.
func normalizeConversations(raw json.RawMessage) ([]models.ConversationSummary, error) {
	var flat []models.ConversationSummary
	if err := json.Unmarshal(raw, &flat); err == nil {
		return flat, nil
	}

	var envelope struct {
		Conversations []models.ConversationSummary `json:"conversations"`
		Data          []models.ConversationSummary `json:"data"`
		History       []models.ConversationSummary `json:"history"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("error decoding conversation list: %w", err)
	}

	switch {
	case envelope.Conversations != nil:
		return envelope.Conversations, nil
	case envelope.Data != nil:
		return envelope.Data, nil
	case envelope.History != nil:
		return envelope.History, nil
	}
	return nil, fmt.Errorf("unrecognized conversation list shape: %s", truncate(string(raw), 120))
}

func (c Client) doPost(ctx context.Context, path string, body any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		c.logger.Debug("Request failed",
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.String("body", truncate(string(respBody), 512)),
		)
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

func (c Client) doGet(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return &HTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding response: %w", err)
	}
	return nil
}

func (c Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
