// Package pagespeed implements the upstream PageSpeed Insights API client.
package pagespeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/psi-tools/psiproxy/internal/report"
)

// categories is the fixed set of Lighthouse categories requested on every
// analysis call.
var categories = []string{"performance", "accessibility", "best-practices", "seo"}

// Config controls the client's endpoint, credential, and timeout.
type Config struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client fetches one device class's analysis result per call. No retries or
// backoff live here; retry policy belongs to the caller.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
}

// New constructs a Client from config.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
	}, nil
}

// Analyze runs one analysis for target at the given form factor and returns
// the raw response payload. A non-2xx status becomes *report.APIError
// carrying the body text; network failures become *report.TransportError.
func (c *Client) Analyze(ctx context.Context, target string, formFactor report.FormFactor) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(target, formFactor), nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &report.TransportError{Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &report.TransportError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &report.APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return json.RawMessage(body), nil
}

func (c *Client) buildURL(target string, formFactor report.FormFactor) string {
	q := url.Values{}
	q.Set("url", target)
	q.Set("strategy", string(formFactor))
	q.Set("key", c.apiKey)
	for _, cat := range categories {
		q.Add("category", cat)
	}
	return c.endpoint + "?" + q.Encode()
}
