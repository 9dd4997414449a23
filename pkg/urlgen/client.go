// Package urlgen provides a client for the citation URL generation
// service, which maps a brand-presence prompt to the page on the
// customer's site most likely to be cited for it.
package urlgen

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the URL generation operations.
type Client interface {
	// Generate produces a citation URL for one prompt. A service-side
	// "no URL found" outcome returns an empty Result, not an error.
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Request describes one prompt to generate a URL for.
type Request struct {
	Prompt       string `json:"prompt"`
	BaseURL      string `json:"baseUrl"`
	DeliveryType string `json:"deliveryType,omitempty"`
	Region       string `json:"region,omitempty"`
	Category     string `json:"category,omitempty"`
	Topic        string `json:"topic,omitempty"`
}

// Result is the generated URL and its provenance.
type Result struct {
	URL        string  `json:"url"`
	Source     string  `json:"source,omitempty"`
	RelatedURL string  `json:"relatedUrl,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outbound request throughput. The generation
// service budgets per tenant; staying under the cap avoids burning
// retry attempts on 429s.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a URL generation client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://urlgen.internal.siteoptics.dev",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo posts payload with exponential backoff retries on transient
// failures (429, 500, 502, 503). The request is rebuilt each attempt
// because the body is consumed by a send.
func (c *httpClient) retryDo(ctx context.Context, url string, payload []byte) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, 0, eris.Wrap(err, "urlgen: rate limit wait")
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, 0, eris.Wrap(err, "urlgen: create request")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "urlgen: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("urlgen: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

func (c *httpClient) Generate(ctx context.Context, genReq Request) (*Result, error) {
	payload, err := json.Marshal(genReq)
	if err != nil {
		return nil, eris.Wrap(err, "urlgen: encode request")
	}

	body, statusCode, err := c.retryDo(ctx, c.baseURL+"/v1/generate", payload)
	if err != nil {
		return nil, eris.Wrap(err, "urlgen: request failed")
	}

	// The service answers 422 when it cannot produce a URL for the
	// prompt. Treat this as an empty result rather than an error.
	if statusCode == http.StatusUnprocessableEntity {
		return &Result{}, nil
	}

	if statusCode != http.StatusOK {
		return nil, eris.Errorf("urlgen: unexpected status %d: %s", statusCode, string(body))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "urlgen: unmarshal response")
	}

	return &result, nil
}
