// Package accounting queries the external accounting (RADIUS) source for
// voucher usage.
package accounting

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"billops/internal/errs"
)

// Usage is what the accounting source observed for one voucher code.
type Usage struct {
	Code      string    `json:"code"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client calls POST {BaseURL}/usage with {"codes": [...]} and expects
// {"usage": [...]} listing only codes that were seen.
type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

func (c *Client) Usage(ctx context.Context, codes []string) (map[string]Usage, error) {
	out := make(map[string]Usage, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	if c.cfg.BaseURL == "" {
		return nil, errs.Validation("accounting base url is not configured")
	}
	b, err := json.Marshal(map[string]any{"codes": codes})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/usage", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.External(err, "accounting")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errs.External(errors.Newf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))), "accounting")
	}
	var payload struct {
		Usage []Usage `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errs.External(errors.Wrap(err, "decode usage"), "accounting")
	}
	for _, u := range payload.Usage {
		if u.Code == "" || u.FirstSeen.IsZero() {
			continue
		}
		out[u.Code] = u
	}
	return out, nil
}
