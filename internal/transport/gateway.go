package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"haven.app/ash/core/config"
)

// GatewayError is a non-2xx response from the chat gateway.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

type gatewayClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewGatewayClient builds the HTTP ChatSender for the chat-platform gateway.
func NewGatewayClient(cfg config.GatewayConfig) ChatSender {
	return &gatewayClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *gatewayClient) PostMessage(ctx context.Context, channelID string, msg Message) (*PostedMessage, error) {
	var posted PostedMessage
	path := fmt.Sprintf("/channels/%s/messages", channelID)
	if err := c.do(ctx, http.MethodPost, path, msg, &posted); err != nil {
		return nil, fmt.Errorf("posting channel message: %w", err)
	}
	return &posted, nil
}

func (c *gatewayClient) UpdateMessage(ctx context.Context, channelID, messageID string, msg Message) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	if err := c.do(ctx, http.MethodPatch, path, msg, nil); err != nil {
		return fmt.Errorf("updating channel message: %w", err)
	}
	return nil
}

func (c *gatewayClient) SendDM(ctx context.Context, userID string, msg Message) (*PostedMessage, error) {
	var posted PostedMessage
	path := fmt.Sprintf("/users/%s/messages", userID)
	err := c.do(ctx, http.MethodPost, path, msg, &posted)
	if err != nil {
		var gwErr *GatewayError
		if errors.As(err, &gwErr) && gwErr.StatusCode == http.StatusForbidden {
			return nil, ErrDMUnavailable
		}
		return nil, fmt.Errorf("sending dm: %w", err)
	}
	return &posted, nil
}

func (c *gatewayClient) do(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &GatewayError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
