package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"riskpipe/internal/model"
)

// Client calls an external rule-evaluation service. Callers are expected
// to fail open to the empty rule set when Eval returns an error.
type Client struct {
	url     string
	httpCli *http.Client
}

func NewClient(url string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{url: url, httpCli: &http.Client{Timeout: timeout}}
}

func (c *Client) Eval(ctx context.Context, features model.FeatureVector) ([]string, error) {
	body, err := json.Marshal(map[string]any{"features": features.Map()})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpCli.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rules service returned %d", resp.StatusCode)
	}
	var out struct {
		Fired []string `json:"fired"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.Fired == nil {
		out.Fired = []string{}
	}
	return out.Fired, nil
}
