package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jward/arbor/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T, clock *fakeClock) *Breaker {
	t.Helper()
	return New("dep", Config{
		FailureThreshold: 3,
		ResetTimeout:     10 * time.Second,
		MonitorWindow:    time.Minute,
	}, WithClock(clock.Now))
}

func fail(b *Breaker) error {
	return b.Do(context.Background(), func(context.Context) error { return errBoom })
}

func succeed(b *Breaker) error {
	return b.Do(context.Background(), func(context.Context) error { return nil })
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := newTestBreaker(t, clock)

	for range 2 {
		require.ErrorIs(t, fail(b), errBoom)
	}
	assert.Equal(t, Closed, b.State())

	require.ErrorIs(t, fail(b), errBoom)
	assert.Equal(t, Open, b.State())

	var invoked bool
	err := b.Do(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked, "open breaker must not run the operation")
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := newTestBreaker(t, clock)

	require.Error(t, fail(b))
	require.Error(t, fail(b))
	require.NoError(t, succeed(b))
	assert.Equal(t, 0, b.Stats().Failures)

	require.Error(t, fail(b))
	require.Error(t, fail(b))
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_FailuresOutsideWindowDoNotCount(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := newTestBreaker(t, clock)

	require.Error(t, fail(b))
	require.Error(t, fail(b))
	clock.Advance(61 * time.Second)
	require.Error(t, fail(b))

	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 1, b.Stats().Failures)
}

func TestBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := newTestBreaker(t, clock)
	for range 3 {
		_ = fail(b)
	}
	require.Equal(t, Open, b.State())

	clock.Advance(9 * time.Second)
	require.ErrorIs(t, succeed(b), ErrOpen, "reset timeout not yet elapsed")

	clock.Advance(time.Second)
	require.NoError(t, succeed(b))
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Stats().Failures)
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := newTestBreaker(t, clock)
	for range 3 {
		_ = fail(b)
	}

	clock.Advance(10 * time.Second)
	require.ErrorIs(t, fail(b), errBoom)
	assert.Equal(t, Open, b.State())

	// The timer restarted at the trial failure.
	clock.Advance(5 * time.Second)
	require.ErrorIs(t, succeed(b), ErrOpen)
	clock.Advance(5 * time.Second)
	require.NoError(t, succeed(b))
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_HalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := newTestBreaker(t, clock)
	for range 3 {
		_ = fail(b)
	}
	clock.Advance(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32

	trialDone := make(chan error, 1)
	go func() {
		trialDone <- b.Do(context.Background(), func(context.Context) error {
			calls.Add(1)
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	const contenders = 20
	var wg sync.WaitGroup
	var rejected atomic.Int32
	for range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.Do(context.Background(), func(context.Context) error {
				calls.Add(1)
				return nil
			})
			if errors.Is(err, ErrOpen) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	close(release)
	require.NoError(t, <-trialDone)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(contenders), rejected.Load())
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_PermanentAndCancelledErrorsDoNotTrip(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := newTestBreaker(t, clock)

	for range 5 {
		_ = b.Do(context.Background(), func(context.Context) error {
			return fault.Permanentf("embed", "status 401")
		})
		_ = b.Do(context.Background(), func(context.Context) error {
			return context.Canceled
		})
	}
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_TimeoutBoundsCall(t *testing.T) {
	t.Parallel()
	b := New("slow", Config{FailureThreshold: 1, Timeout: 20 * time.Millisecond})

	err := b.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Open, b.State())
}

func TestExecute_ReturnsValue(t *testing.T) {
	t.Parallel()
	b := New("value", Config{})
	v, err := Execute(context.Background(), b, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestStats(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	b := newTestBreaker(t, clock)
	_ = fail(b)

	st := b.Stats()
	assert.Equal(t, "dep", st.Name)
	assert.Equal(t, "CLOSED", st.State)
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, clock.Now(), st.LastFailure)
}

func TestRegistry_IndependentBreakers(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{FailureThreshold: 1}, map[string]Config{
		Embedding: {FailureThreshold: 2},
	})

	emb := r.Get(Embedding)
	assert.Same(t, emb, r.Get(Embedding))

	_ = fail(r.Get(Vector))
	_ = fail(emb)

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, Embedding, stats[0].Name)
	assert.Equal(t, "CLOSED", stats[0].State)
	assert.Equal(t, Vector, stats[1].Name)
	assert.Equal(t, "OPEN", stats[1].State)
}
