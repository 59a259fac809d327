// Package netctl drives the network controller that suspends subscribers
// (PPPoE profile switch on the router).
package netctl

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

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// IsolatedProfile is the router profile applied to suspended users.
	IsolatedProfile string
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.IsolatedProfile == "" {
		cfg.IsolatedProfile = "isolir"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

// Isolate moves username to the isolated profile and drops its session.
func (c *Client) Isolate(ctx context.Context, username string) error {
	if strings.TrimSpace(username) == "" {
		return errs.Validation("username is required")
	}
	return c.post(ctx, "/isolate", map[string]string{"username": username, "profile": c.cfg.IsolatedProfile})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	if c.cfg.BaseURL == "" {
		return errs.Validation("netctl base url is not configured")
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.External(err, "netctl")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errs.External(errors.Newf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), "netctl")
	}
	return nil
}
