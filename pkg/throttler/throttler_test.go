package throttler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestThrottler(t *testing.T, limits []RateLimit, opts ...Option) (*Throttler, *clockwork.FakeClock) {
	t.Helper()
	reg, err := NewRegistry(limits)
	require.NoError(t, err)

	clock := clockwork.NewFakeClock()
	opts = append([]Option{
		WithClock(clock),
		WithRetryInterval(10 * time.Millisecond),
		WithSafetyMargin(0.05),
	}, opts...)
	return New(reg, opts...), clock
}

// assertBlocked fails if the acquisition finished within a short real-time
// grace period. The fake clock is not advanced, so a correctly blocked task
// cannot make progress.
func assertBlocked(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("task admitted while limit saturated: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestThrottler_AllowWithinLimit(t *testing.T) {
	th, _ := newTestThrottler(t, []RateLimit{
		{ID: "x", Limit: 2, Interval: time.Second},
	})

	assert.True(t, th.Allow("x"))
	assert.True(t, th.Allow("x"))
	assert.False(t, th.Allow("x"), "third task must not fit in a window of 2")
	assert.Equal(t, 2, th.WindowUsage("x"))
}

func TestThrottler_WindowExpiry(t *testing.T) {
	th, clock := newTestThrottler(t, []RateLimit{
		{ID: "x", Limit: 2, Interval: time.Second},
	})

	require.True(t, th.Allow("x"))
	require.True(t, th.Allow("x"))
	require.False(t, th.Allow("x"))

	// Within the margin-extended window the tasks still count.
	clock.Advance(1 * time.Second)
	assert.False(t, th.Allow("x"))

	clock.Advance(100 * time.Millisecond)
	assert.True(t, th.Allow("x"))
}

func TestThrottler_AcquireWaitsForWindow(t *testing.T) {
	th, clock := newTestThrottler(t, []RateLimit{
		{ID: "x", Limit: 2, Interval: time.Second},
	})

	ctx := context.Background()
	require.NoError(t, th.Acquire(ctx, "x"))
	require.NoError(t, th.Acquire(ctx, "x"))

	done := make(chan error, 1)
	go func() {
		done <- th.Acquire(ctx, "x")
	}()

	clock.BlockUntil(1)
	assertBlocked(t, done)

	// Half the window is not enough.
	clock.Advance(500 * time.Millisecond)
	clock.BlockUntil(1)
	assertBlocked(t, done)

	// Past the margin-extended window the waiter is admitted.
	clock.Advance(600 * time.Millisecond)
	require.NoError(t, <-done)

	m := th.Metrics()
	assert.Equal(t, int64(3), m.Admitted)
	assert.Equal(t, int64(1), m.Waited)
}

func TestThrottler_WeightedAdmission(t *testing.T) {
	th, _ := newTestThrottler(t, []RateLimit{
		{ID: "x", Limit: 10, Interval: time.Second},
	})

	assert.True(t, th.AllowN("x", 7))
	assert.False(t, th.AllowN("x", 4), "7+4 exceeds the limit")
	assert.True(t, th.AllowN("x", 3))
	assert.Equal(t, 10, th.WindowUsage("x"))
}

func TestThrottler_DefaultWeightFromLimit(t *testing.T) {
	th, _ := newTestThrottler(t, []RateLimit{
		{ID: "x", Limit: 10, Interval: time.Second, Weight: 5},
	})

	assert.True(t, th.Allow("x"))
	assert.True(t, th.Allow("x"))
	assert.False(t, th.Allow("x"), "two tasks of default weight 5 fill the limit")
}

func TestThrottler_DecayCapacity(t *testing.T) {
	th, clock := newTestThrottler(t, []RateLimit{
		{ID: "y", Limit: 100, Type: Decay, DecayRate: 10},
	})

	require.True(t, th.AllowN("y", 100))

	// The admitted weight enters the account at the next capacity check
	// and drains from there.
	clock.Advance(500 * time.Millisecond)
	assert.False(t, th.AllowN("y", 1))
	assert.InDelta(t, 100, th.DecayUsage("y"), 0.001)

	clock.Advance(10 * time.Second)
	assert.InDelta(t, 0, th.DecayUsage("y"), 0.001)
	assert.True(t, th.AllowN("y", 1))
}

func TestThrottler_DecayDrain(t *testing.T) {
	th, clock := newTestThrottler(t, []RateLimit{
		{ID: "y", Limit: 100, Type: Decay, DecayRate: 10},
	})

	require.True(t, th.AllowN("y", 50))
	assert.InDelta(t, 50, th.DecayUsage("y"), 0.001)

	clock.Advance(2 * time.Second)
	assert.InDelta(t, 30, th.DecayUsage("y"), 0.001)

	// Usage never drains below zero.
	clock.Advance(time.Minute)
	assert.InDelta(t, 0, th.DecayUsage("y"), 0.001)
}

func TestThrottler_DecayAccumulates(t *testing.T) {
	th, clock := newTestThrottler(t, []RateLimit{
		{ID: "y", Limit: 100, Type: Decay, DecayRate: 10},
	})

	require.True(t, th.AllowN("y", 40))
	require.InDelta(t, 40, th.DecayUsage("y"), 0.001)

	clock.Advance(1 * time.Second)
	require.True(t, th.AllowN("y", 40))

	// 40 drained to 30, plus the new 40.
	assert.InDelta(t, 70, th.DecayUsage("y"), 0.001)
}

func TestThrottler_LinkedLimitBlocks(t *testing.T) {
	th, _ := newTestThrottler(t, []RateLimit{
		{ID: "b", Limit: 1, Interval: time.Second},
		{ID: "a", Limit: 5, Interval: time.Second, Linked: []LinkedLimit{{ID: "b", Weight: 1}}},
	})

	require.True(t, th.Allow("a"))

	// A has 4 of headroom left, but B is exhausted.
	assert.False(t, th.Allow("a"))
	assert.Equal(t, 1, th.WindowUsage("a"))
	assert.Equal(t, 1, th.WindowUsage("b"))
}

func TestThrottler_PrimaryLimitBlocks(t *testing.T) {
	th, _ := newTestThrottler(t, []RateLimit{
		{ID: "b", Limit: 100, Interval: time.Second},
		{ID: "a", Limit: 1, Interval: time.Second, Linked: []LinkedLimit{{ID: "b", Weight: 1}}},
	})

	require.True(t, th.Allow("a"))

	// B has plenty of room, but the primary limit is exhausted.
	assert.False(t, th.Allow("a"))
}

func TestThrottler_LinkedDecayLimit(t *testing.T) {
	th, clock := newTestThrottler(t, []RateLimit{
		{ID: "tokens", Limit: 10, Type: Decay, DecayRate: 1},
		{ID: "send", Limit: 100, Interval: time.Second, Linked: []LinkedLimit{{ID: "tokens", Weight: 5}}},
	})

	require.True(t, th.Allow("send"))
	require.True(t, th.Allow("send"))
	assert.False(t, th.Allow("send"), "token pool exhausted at 10")

	clock.Advance(5 * time.Second)
	assert.True(t, th.Allow("send"))
}

func TestThrottler_UnknownLimitID(t *testing.T) {
	th, _ := newTestThrottler(t, []RateLimit{
		{ID: "x", Limit: 1, Interval: time.Second},
	})

	// Saturate the only configured limit.
	require.True(t, th.Allow("x"))
	require.False(t, th.Allow("x"))

	// Unregistered IDs bypass limiting entirely.
	assert.True(t, th.Allow("unregistered"))
	require.NoError(t, th.Acquire(context.Background(), "unregistered"))

	m := th.Metrics()
	assert.Equal(t, int64(2), m.Bypassed)
}

func TestThrottler_Cancellation(t *testing.T) {
	th, clock := newTestThrottler(t, []RateLimit{
		{ID: "x", Limit: 1, Interval: time.Hour},
	})

	require.True(t, th.Allow("x"))
	usageBefore := th.WindowUsage("x")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- th.Acquire(ctx, "x")
	}()

	clock.BlockUntil(1)
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)

	// No partial record was written for the cancelled task.
	assert.Equal(t, usageBefore, th.WindowUsage("x"))
	assert.Equal(t, int64(1), th.Metrics().Admitted)
}

func TestThrottler_CancelledBeforeAcquire(t *testing.T) {
	th, _ := newTestThrottler(t, []RateLimit{
		{ID: "x", Limit: 1, Interval: time.Hour},
	})
	require.True(t, th.Allow("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := th.Acquire(ctx, "x")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, th.WindowUsage("x"))
}

func TestThrottler_WeightConservation(t *testing.T) {
	th, _ := newTestThrottler(t, []RateLimit{
		{ID: "x", Limit: 10, Interval: time.Second},
	})

	var wg sync.WaitGroup
	admitted := make(chan bool, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted <- th.Allow("x")
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for ok := range admitted {
		if ok {
			count++
		}
	}

	// The clock never advances, so exactly one window's worth fits.
	assert.Equal(t, 10, count)
	assert.Equal(t, 10, th.WindowUsage("x"))
}

func TestThrottler_Do(t *testing.T) {
	th, _ := newTestThrottler(t, []RateLimit{
		{ID: "x", Limit: 2, Interval: time.Second},
	})

	ran := false
	err := th.Do(context.Background(), "x", func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, th.WindowUsage("x"))
}

func TestThrottler_Do_CancelledBeforeBody(t *testing.T) {
	th, _ := newTestThrottler(t, []RateLimit{
		{ID: "x", Limit: 1, Interval: time.Hour},
	})
	require.True(t, th.Allow("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := th.Do(ctx, "x", func(ctx context.Context) error {
		ran = true
		return nil
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran, "guarded body must not run without admission")
}

func TestThrottler_SafetyMargin(t *testing.T) {
	th, clock := newTestThrottler(t, []RateLimit{
		{ID: "x", Limit: 1, Interval: time.Second},
	}, WithSafetyMargin(0.5))

	require.True(t, th.Allow("x"))

	// Nominal window elapsed, but the margin extends it to 1.5s.
	clock.Advance(1200 * time.Millisecond)
	assert.False(t, th.Allow("x"))

	clock.Advance(400 * time.Millisecond)
	assert.True(t, th.Allow("x"))
}

func TestThrottler_IndependentInstances(t *testing.T) {
	limits := []RateLimit{{ID: "x", Limit: 1, Interval: time.Hour}}
	a, _ := newTestThrottler(t, limits)
	b, _ := newTestThrottler(t, limits)

	require.True(t, a.Allow("x"))
	require.False(t, a.Allow("x"))

	// A second throttler holds its own state.
	assert.True(t, b.Allow("x"))
}
