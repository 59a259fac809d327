package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"

	"billops/internal/errs"
)

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 64 << 10

// Sender delivers one message through one provider. A nil error means the
// provider accepted the message.
type Sender interface {
	Send(ctx context.Context, p Provider, phone, message string) (meta map[string]any, err error)
}

// HTTPSender talks to the gateway APIs over HTTP.
type HTTPSender struct {
	Client *http.Client
}

func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPSender{Client: client}
}

func (s *HTTPSender) Send(ctx context.Context, p Provider, phone, message string) (map[string]any, error) {
	req, err := buildRequest(ctx, p, phone, message)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, errs.External(err, p.Name)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	meta := map[string]any{"httpStatus": resp.StatusCode}
	if v := responseMeta(body); v != nil {
		meta["response"] = v
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return meta, errs.External(errors.Newf("http %d: %s", resp.StatusCode, snippet(body)), p.Name)
	}
	if expr := successExpr(p); expr != "" {
		ok, err := evalSuccess(expr, body)
		if err != nil {
			return meta, errs.External(err, p.Name)
		}
		if !ok {
			return meta, errs.External(errors.Newf("rejected: %s", snippet(body)), p.Name)
		}
	}
	return meta, nil
}

func buildRequest(ctx context.Context, p Provider, phone, message string) (*http.Request, error) {
	switch p.Type {
	case TypeFonnte:
		form := url.Values{}
		form.Set("target", phone)
		form.Set("message", message)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.APIURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Authorization", p.Credentials.Token)
		return req, nil
	case TypeWablas:
		req, err := jsonRequest(ctx, p.APIURL, map[string]string{"phone": phone, "message": message})
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", p.Credentials.Token)
		return req, nil
	case TypeWebhook:
		req, err := jsonRequest(ctx, p.APIURL, map[string]string{"phone": phone, "message": message, "sender": p.Credentials.Sender})
		if err != nil {
			return nil, err
		}
		if p.Credentials.Token != "" {
			req.Header.Set("Authorization", "Bearer "+p.Credentials.Token)
		}
		return req, nil
	default:
		return nil, errs.Validation("provider %s: unknown type %q", p.ID, p.Type)
	}
}

func jsonRequest(ctx context.Context, endpoint string, body any) (*http.Request, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func responseMeta(body []byte) any {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err == nil {
		return v
	}
	return snippet(body)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:197] + "..."
	}
	return s
}
