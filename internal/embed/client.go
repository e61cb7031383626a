// Package embed turns code snippets into vectors through a remote embedding
// endpoint and keeps them in a per-repository vector collection.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jward/arbor/internal/breaker"
	"github.com/jward/arbor/internal/fault"
)

// InputType tells the endpoint whether inputs are stored documents or
// search queries.
type InputType string

const (
	InputDocument InputType = "document"
	InputQuery    InputType = "query"
)

// ClientConfig configures the embedding endpoint.
type ClientConfig struct {
	URL         string
	APIKey      string
	Model       string
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c *ClientConfig) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithSleep replaces the wait between retries.
func WithSleep(sleep func(context.Context, time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = sleep }
}

// Client calls the embedding endpoint. Every HTTP attempt runs through the
// embedding breaker; retries happen outside it.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	breaker *breaker.Breaker
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
}

func NewClient(cfg ClientConfig, br *breaker.Breaker, opts ...ClientOption) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: 60 * time.Second},
		breaker: br,
		logger:  slog.Default(),
		sleep:   sleepCtx,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type embedRequest struct {
	Model     string    `json:"model"`
	Input     []string  `json:"input"`
	InputType InputType `json:"input_type"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// attempt is one HTTP round trip's outcome. retryAfter carries the
// server's hint on a 429.
type attempt struct {
	vectors    [][]float32
	retryAfter time.Duration
}

// Embed returns one vector per input, in input order. Rate limits, 5xx
// responses and network errors are retried with backoff up to MaxRetries.
// A 400 naming a token limit returns a TokenLimit error for the caller to
// split the batch; other 4xx responses are Permanent.
func (c *Client) Embed(ctx context.Context, inputs []string, inputType InputType) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: inputs, InputType: inputType})
	if err != nil {
		return nil, fmt.Errorf("embed: encode request: %w", err)
	}

	for n := 0; ; n++ {
		res, err := breaker.Execute(ctx, c.breaker, func(ctx context.Context) (attempt, error) {
			return c.post(ctx, body, len(inputs))
		})
		if err == nil {
			return res.vectors, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("embed: %w", ctx.Err())
		}
		if !fault.IsTransient(err) || n >= c.cfg.MaxRetries {
			return nil, fmt.Errorf("embed: %w", err)
		}
		wait := res.retryAfter
		if wait <= 0 {
			wait = c.backoff(n)
		}
		c.logger.Warn("embed.retry", "attempt", n+1, "wait", wait, "inputs", len(inputs), "err", err)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("embed: %w", err)
		}
	}
}

func (c *Client) backoff(n int) time.Duration {
	d := c.cfg.BaseBackoff << n
	if d <= 0 || d > c.cfg.MaxBackoff {
		return c.cfg.MaxBackoff
	}
	return d
}

func (c *Client) post(ctx context.Context, body []byte, want int) (attempt, error) {
	const op = "embed: post"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return attempt{}, fault.PermanentErr(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return attempt{}, ctx.Err()
		}
		return attempt{}, fault.TransientErr(op, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return attempt{}, fault.TransientErr(op, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return attempt{retryAfter: c.retryAfter(resp.Header.Get("Retry-After"))},
			fault.Transientf(op, "rate limited (429): %s", snippet(payload))
	case resp.StatusCode >= 500:
		return attempt{}, fault.Transientf(op, "server error (%d): %s", resp.StatusCode, snippet(payload))
	case resp.StatusCode == http.StatusBadRequest && mentionsTokenLimit(payload):
		return attempt{}, fault.TokenLimitErr(op, errors.New(snippet(payload)))
	case resp.StatusCode >= 400:
		return attempt{}, fault.Permanentf(op, "request rejected (%d): %s", resp.StatusCode, snippet(payload))
	}

	var out embedResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return attempt{}, fault.PermanentErr(op, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Data) != want {
		return attempt{}, fault.Permanentf(op, "got %d embeddings for %d inputs", len(out.Data), want)
	}
	sort.Slice(out.Data, func(i, j int) bool { return out.Data[i].Index < out.Data[j].Index })
	vectors := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		if d.Index != i {
			return attempt{}, fault.Permanentf(op, "response index %d out of range", d.Index)
		}
		vectors[i] = d.Embedding
	}
	return attempt{vectors: vectors}, nil
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP
// date. Unparseable or past values yield zero.
func (c *Client) retryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(h); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(h); err == nil {
		d = t.Sub(c.now())
	}
	if d < 0 {
		return 0
	}
	return min(d, 2*c.cfg.MaxBackoff)
}

func mentionsTokenLimit(body []byte) bool {
	s := strings.ToLower(string(body))
	if !strings.Contains(s, "token") {
		return false
	}
	for _, w := range []string{"limit", "too long", "too many", "maximum", "exceed"} {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}
