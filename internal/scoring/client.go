package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"riskpipe/internal/model"
)

// Client calls the external scoring service. The service is treated as
// best-effort: callers substitute score 0.0 when Score returns an error.
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

func (c *Client) Score(ctx context.Context, features model.FeatureVector) (model.ScoreResult, error) {
	body, err := json.Marshal(map[string]any{"features": features.Map()})
	if err != nil {
		return model.ScoreResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return model.ScoreResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpCli.Do(req)
	if err != nil {
		return model.ScoreResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return model.ScoreResult{}, fmt.Errorf("scoring service returned %d", resp.StatusCode)
	}
	var out model.ScoreResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.ScoreResult{}, err
	}
	if out.Score < 0 || out.Score > 1 {
		return model.ScoreResult{}, fmt.Errorf("score %v outside [0,1]", out.Score)
	}
	return out, nil
}
