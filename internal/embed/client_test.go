package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/arbor/internal/breaker"
	"github.com/jward/arbor/internal/fault"
)

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func newTestClient(t *testing.T, h http.HandlerFunc, cfg ClientConfig, br *breaker.Breaker) (*Client, *sleepRecorder) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg.URL = srv.URL
	if br == nil {
		br = breaker.New(breaker.Embedding, breaker.Config{FailureThreshold: 100})
	}
	rec := &sleepRecorder{}
	return NewClient(cfg, br, WithSleep(rec.sleep)), rec
}

func writeEmbeddings(w http.ResponseWriter, vectors map[int][]float32) {
	type item struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	}
	var resp struct {
		Data []item `json:"data"`
	}
	for i, v := range vectors {
		resp.Data = append(resp.Data, item{Embedding: v, Index: i})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestClient_Embed(t *testing.T) {
	t.Parallel()
	var got embedRequest
	var auth string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeEmbeddings(w, map[int][]float32{1: {0, 1}, 0: {1, 0}})
	}, ClientConfig{Model: "code-embed", APIKey: "k"}, nil)

	vecs, err := c.Embed(context.Background(), []string{"a", "b"}, InputDocument)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
	assert.Equal(t, "Bearer k", auth)
	assert.Equal(t, embedRequest{Model: "code-embed", Input: []string{"a", "b"}, InputType: InputDocument}, got)
}

func TestClient_RateLimitHonorsRetryAfter(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeEmbeddings(w, map[int][]float32{0: {1}})
	}, ClientConfig{}, nil)

	_, err := c.Embed(context.Background(), []string{"a"}, InputQuery)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []time.Duration{2 * time.Second}, rec.waits)
}

func TestClient_RetryAfterDate(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClient(ClientConfig{}, breaker.New("e", breaker.DefaultConfig()))
	c.now = func() time.Time { return now }

	assert.Equal(t, 5*time.Second, c.retryAfter(now.Add(5*time.Second).Format(http.TimeFormat)))
	assert.Zero(t, c.retryAfter(now.Add(-time.Minute).Format(http.TimeFormat)))
	assert.Zero(t, c.retryAfter("soon"))
	assert.Equal(t, 60*time.Second, c.retryAfter("3600"), "capped at twice the max backoff")
}

func TestClient_ServerErrorsExhaustRetries(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c, rec := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	}, ClientConfig{MaxRetries: 2, BaseBackoff: time.Second, MaxBackoff: 10 * time.Second}, nil)

	_, err := c.Embed(context.Background(), []string{"a"}, InputDocument)
	require.Error(t, err)
	assert.True(t, fault.IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.waits)
}

func TestClient_TokenLimit(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"detail":"Request exceeds the max allowed tokens limit"}`, http.StatusBadRequest)
	}, ClientConfig{}, nil)

	_, err := c.Embed(context.Background(), []string{"a", "b"}, InputDocument)
	require.Error(t, err)
	assert.True(t, fault.IsTokenLimit(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_PermanentError(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}, ClientConfig{}, nil)

	_, err := c.Embed(context.Background(), []string{"a"}, InputDocument)
	require.Error(t, err)
	assert.Equal(t, fault.Permanent, fault.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_BreakerOpensAfterFailures(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	br := breaker.New(breaker.Embedding, breaker.Config{FailureThreshold: 2, ResetTimeout: time.Hour, MonitorWindow: time.Hour})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, ClientConfig{MaxRetries: 5}, br)

	_, err := c.Embed(context.Background(), []string{"a"}, InputDocument)
	require.Error(t, err)
	assert.True(t, errors.Is(err, breaker.ErrOpen))
	assert.Equal(t, int32(2), calls.Load(), "the open breaker short-circuits remaining retries")
}
