package arbiter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Backend is the reasoning service the arbitrator consults for escalated
// transactions. Implementations are best-effort: any error routes the
// caller to the deterministic fallback.
type Backend interface {
	Chat(ctx context.Context, system string, payload any) (string, error)
}

// OllamaBackend talks to an Ollama-compatible chat endpoint.
type OllamaBackend struct {
	url         string
	model       string
	temperature float64
	httpCli     *http.Client
}

func NewOllamaBackend(url, model string, temperature float64, timeout time.Duration) *OllamaBackend {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &OllamaBackend{
		url:         url,
		model:       model,
		temperature: temperature,
		httpCli:     &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message chatMessage `json:"message"`
}

func (b *OllamaBackend) Chat(ctx context.Context, system string, payload any) (string, error) {
	user, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req := chatRequest{
		Model: b.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: string(user)},
		},
		Stream:  false,
		Options: map[string]any{"temperature": b.temperature},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := b.httpCli.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("reasoning backend returned %d", resp.StatusCode)
	}
	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Message.Content), nil
}
