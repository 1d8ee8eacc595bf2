// Package openai is a minimal chat completions client shared by the judge
// and the referendum advisor.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"marscolony.ai/internal/logger"
)

const DefaultBaseURL = "https://api.openai.com/v1"

var ErrNoKey = errors.New("openai api key not configured")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ResponseFormat struct {
	Type string `json:"type"`
}

type ChatRequest struct {
	Model               string          `json:"model"`
	Messages            []Message       `json:"messages"`
	ResponseFormat      *ResponseFormat `json:"response_format,omitempty"`
	Temperature         float64         `json:"temperature"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	TopP                float64         `json:"top_p,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("openai http %d: %s", e.StatusCode, e.Body)
}

type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	log     *logger.Logger
}

func New(apiKey, baseURL string, hc *http.Client, log *logger.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if hc == nil {
		hc = http.DefaultClient
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
		log:     log.With("service", "OpenAIClient"),
	}
}

// Enabled reports whether requests can be sent at all.
func (c *Client) Enabled() bool { return c != nil && c.apiKey != "" }

// Complete sends one chat completion and returns the first choice's text.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (string, error) {
	if !c.Enabled() {
		return "", ErrNoKey
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(req); err != nil {
		return "", err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", &buf)
	if err != nil {
		return "", err
	}
	hreq.Header.Set("Authorization", "Bearer "+c.apiKey)
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", nil
	}
	c.log.Debug("chat completion", "model", req.Model, "bytes", len(body))
	return out.Choices[0].Message.Content, nil
}
