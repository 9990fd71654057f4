package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// maxErrorBody caps how much of an error response is read into the message.
const maxErrorBody = 4 << 10

// HTTPClient calls a JSON generation API. Outbound calls are throttled by a
// token bucket so a burst of dispatched jobs cannot exceed the provider's
// request quota.
type HTTPClient struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	limiter *rate.Limiter
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.hc = hc }
}

// WithRateLimit allows rps requests per second with the given burst. A
// non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(c *HTTPClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewHTTPClient returns a client posting to baseURL + "/v1/generate".
func NewHTTPClient(baseURL, apiKey string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		hc:      &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate posts the request and decodes the result.
func (c *HTTPClient) Generate(ctx context.Context, req Request) (Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("provider rate limit: %w", err)
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal provider request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, &Error{Message: "generation timed out"}
		}
		return Result{}, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &Error{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("decode provider response: %w", err)
	}
	if res.URL == "" {
		return Result{}, &Error{StatusCode: resp.StatusCode, Message: "empty result"}
	}
	return res, nil
}

// errorMessage extracts {"error": "..."} from a failed response, falling
// back to the raw text.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return "request failed"
}

// Fake is an in-process Client for development. It sleeps for Delay and
// returns a deterministic URL. When Fail is set its result decides whether
// the call fails.
type Fake struct {
	Delay time.Duration
	Fail  func(Request) error
}

// Generate implements Client.
func (f *Fake) Generate(ctx context.Context, req Request) (Result, error) {
	if f.Delay > 0 {
		t := time.NewTimer(f.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-t.C:
		}
	}
	if f.Fail != nil {
		if err := f.Fail(req); err != nil {
			return Result{}, err
		}
	}
	id := fmt.Sprintf("%s-%d", req.ModelID, req.QueueID)
	return Result{URL: "https://cdn.example.invalid/generations/" + id, ImageID: id}, nil
}
