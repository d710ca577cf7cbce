package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"haven.app/ash/core/config"
	"haven.app/ash/internal/model"
)

// Request is one classification call: the message under scrutiny plus a short
// window of recent channel context.
type Request struct {
	Text    string                 `json:"text"`
	History []model.HistoryMessage `json:"history,omitempty"`
}

// Client is the raw classifier transport, without resilience. Use Gateway for
// anything that feeds the dispatcher.
type Client interface {
	Classify(ctx context.Context, req Request) (*model.Classification, error)
	Health(ctx context.Context) error
}

// APIError is a non-2xx classifier response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("classifier returned %d: %s", e.StatusCode, e.Body)
}

// Transient reports whether the failure class is worth retrying.
// Validation-class failures (4xx) are not.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type httpClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPClient(cfg config.ClassifierConfig) Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &httpClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
	}
}

type classifyResponse struct {
	Severity    string   `json:"severity"`
	Confidence  float64  `json:"confidence"`
	Categories  []string `json:"categories"`
	Rationale   string   `json:"rationale"`
	StaffReview bool     `json:"staff_review"`
}

func (c *httpClient) Classify(ctx context.Context, req Request) (*model.Classification, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal classify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build classify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("classify call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}

	var parsed classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode classify response: %w", err)
	}

	severity, err := model.ParseSeverity(parsed.Severity)
	if err != nil {
		return nil, fmt.Errorf("classify response: %w", err)
	}

	return &model.Classification{
		Severity:     severity,
		Confidence:   parsed.Confidence,
		Categories:   parsed.Categories,
		Rationale:    parsed.Rationale,
		StaffReview:  parsed.StaffReview,
		ClassifiedAt: time.Now().UTC(),
	}, nil
}

func (c *httpClient) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode}
	}
	return nil
}
