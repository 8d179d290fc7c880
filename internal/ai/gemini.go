// Package ai bridges chats to the Gemini generateContent API and keeps the
// per-chat conversation transcripts fed to it.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	RoleUser  = "user"
	RoleModel = "model"

	// maxOutputTokens bounds every generateContent call.
	maxOutputTokens = 500
)

// ErrUpstream marks any transport or API failure from Gemini. Callers map it
// to a dependency-failure response; it never corrupts already-persisted state.
var ErrUpstream = errors.New("gemini upstream error")

// Turn is one entry of a conversation transcript.
type Turn struct {
	Role string
	Text string
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	timeout    time.Duration
}

func NewClient(baseURL, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		timeout:    timeout,
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != ""
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends the ordered transcript to Gemini and returns the assistant
// text. The call is bounded by the configured timeout.
func (c *Client) Generate(ctx context.Context, turns []Turn) (string, error) {
	contents := make([]content, 0, len(turns))
	for _, turn := range turns {
		contents = append(contents, content{Role: turn.Role, Parts: []part{{Text: turn.Text}}})
	}
	payload, err := json.Marshal(generateRequest{
		Contents:         contents,
		GenerationConfig: generationConfig{MaxOutputTokens: maxOutputTokens},
	})
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := resp.Status
		if result.Error != nil && result.Error.Message != "" {
			message = result.Error.Message
		}
		return "", fmt.Errorf("%w: %s", ErrUpstream, message)
	}
	if len(result.Candidates) == 0 || len(result.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("%w: empty response", ErrUpstream)
	}
	return result.Candidates[0].Content.Parts[0].Text, nil
}
