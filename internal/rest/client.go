// Package rest is the client for the snapshot collaborators: the
// conversation-list endpoint, the per-conversation history endpoint and the
// authenticated-session endpoint.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"convo/internal/identity"
	"convo/internal/wire"
)

// Client calls the REST collaborators with the bearer credential attached.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens identity.TokenSource
	logger *zap.Logger
}

// NewClient creates a REST client for the given base URL.
func NewClient(baseURL string, tokens identity.TokenSource, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: 15 * time.Second},
		tokens: tokens,
		logger: logger,
	}, nil
}

// FetchSelf returns the canonical identity of the signed-in user.
func (c *Client) FetchSelf(ctx context.Context) (identity.Identity, error) {
	var payload identity.SessionPayload
	if err := c.get(ctx, "/api/me", &payload); err != nil {
		return identity.Identity{}, err
	}
	return identity.Canonicalize(payload)
}

// FetchConversations returns the full conversation snapshot for the
// signed-in user. Re-invoked on every reconnect, since push events missed
// while offline are not replayed.
func (c *Client) FetchConversations(ctx context.Context) ([]wire.Conversation, error) {
	var out []wire.Conversation
	if err := c.get(ctx, "/api/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchHistory returns a conversation's message history, oldest first.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]wire.Message, error) {
	path := "/api/conversations/" + conversationID + "/messages"
	var out []wire.Message
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	u := *c.base
	u.Path = c.base.Path + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	token, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
