package throttler

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Default tuning values for a Throttler.
const (
	// DefaultRetryInterval is how long a saturated task waits before
	// rechecking capacity.
	DefaultRetryInterval = 100 * time.Millisecond
	// DefaultSafetyMargin extends the effective window of each limit so
	// admission stays below the exchange-side limit despite clock and
	// latency skew.
	DefaultSafetyMargin = 0.05
	// DefaultWarningInterval is the minimum gap between saturation
	// warnings logged for the same limit.
	DefaultWarningInterval = 30 * time.Second
)

// Option configures a Throttler.
type Option func(*Throttler)

// WithRetryInterval sets the poll interval used while waiting for capacity.
func WithRetryInterval(d time.Duration) Option {
	return func(t *Throttler) {
		t.retryInterval = d
	}
}

// WithSafetyMargin sets the fractional extension applied to each window
// limit's interval. A margin of 0.05 treats a 1s window as 1.05s, admitting
// tasks more conservatively than the nominal limit.
func WithSafetyMargin(pct float64) Option {
	return func(t *Throttler) {
		t.safetyMargin = pct
	}
}

// WithWarningInterval sets the minimum gap between saturation warnings
// logged for the same limit.
func WithWarningInterval(d time.Duration) Option {
	return func(t *Throttler) {
		t.warnInterval = d
	}
}

// WithLogger sets the logger used for admission traces and saturation
// warnings.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Throttler) {
		t.logger = logger
	}
}

// WithClock injects the clock used for capacity accounting and retry waits.
// Tests pass a fake clock so saturation scenarios run without sleeping.
func WithClock(clock clockwork.Clock) Option {
	return func(t *Throttler) {
		t.clock = clock
	}
}

// Throttler is the admission-control engine shared by all requests of one
// exchange session. It owns the task log and decay-usage state for its
// registry's limits; separate instances are fully independent.
// Throttler is safe for concurrent use.
type Throttler struct {
	registry      *Registry
	clock         clockwork.Clock
	logger        zerolog.Logger
	retryInterval time.Duration
	safetyMargin  float64
	warnInterval  time.Duration
	maxHorizon    time.Duration

	mu       sync.Mutex
	logs     []taskLog
	decay    map[string]decayState
	warnings map[string]*rate.Sometimes

	metrics metrics
}

// taskLog records one admission against a window limit. Entries are never
// mutated; they age out of capacity calculations and are pruned lazily.
type taskLog struct {
	at      time.Time
	limitID string
	weight  int
}

// decayState caches accumulated usage for one decay limit. Admissions land
// in pending and are folded into usage at the next capacity check; from
// that point the weight drains at the limit's decay rate.
type decayState struct {
	usage   float64
	pending float64
	last    time.Time
}

type metrics struct {
	admitted atomic.Int64
	waited   atomic.Int64
	bypassed atomic.Int64
}

// New creates a Throttler for the given registry.
func New(registry *Registry, opts ...Option) *Throttler {
	t := &Throttler{
		registry:      registry,
		clock:         clockwork.NewRealClock(),
		logger:        zerolog.Nop(),
		retryInterval: DefaultRetryInterval,
		safetyMargin:  DefaultSafetyMargin,
		warnInterval:  DefaultWarningInterval,
		decay:         make(map[string]decayState),
		warnings:      make(map[string]*rate.Sometimes),
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, l := range registry.Limits() {
		if l.Type == Window {
			if h := t.effectiveInterval(l); h > t.maxHorizon {
				t.maxHorizon = h
			}
		}
	}
	return t
}

// Registry returns the registry this throttler admits against.
func (t *Throttler) Registry() *Registry {
	return t.registry
}

// Acquire blocks until the limit and every limit linked to it have capacity
// for the limit's default weight, then records the admission and returns.
// An unregistered limitID is admitted immediately. The only error returned
// is the context's, when the caller is cancelled while waiting.
func (t *Throttler) Acquire(ctx context.Context, limitID string) error {
	return t.AcquireN(ctx, limitID, 0)
}

// AcquireN is Acquire with the weight charged against the primary limit
// overridden. A weight of zero or less falls back to the limit's default.
// Weights charged against linked limits are the ones declared on the links
// and are not affected by the override.
func (t *Throttler) AcquireN(ctx context.Context, limitID string, weight int) error {
	rel, ok := t.relatedCharges(limitID, weight)
	if !ok {
		return nil
	}

	waited := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		t.mu.Lock()
		now := t.clock.Now()
		t.pruneLocked(now)
		blocked := t.saturatedLocked(now, rel)
		if blocked == nil {
			t.recordLocked(now, rel)
			t.mu.Unlock()
			t.metrics.admitted.Add(1)
			return nil
		}
		t.warnLocked(blocked, now)
		t.mu.Unlock()

		if !waited {
			waited = true
			t.metrics.waited.Add(1)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.clock.After(t.retryInterval):
		}
	}
}

// Allow reports whether the limit and every limit linked to it have
// capacity for the limit's default weight right now. When they do, the
// admission is recorded and Allow returns true; it never blocks.
func (t *Throttler) Allow(limitID string) bool {
	return t.AllowN(limitID, 0)
}

// AllowN is Allow with the weight charged against the primary limit
// overridden. A weight of zero or less falls back to the limit's default.
func (t *Throttler) AllowN(limitID string, weight int) bool {
	rel, ok := t.relatedCharges(limitID, weight)
	if !ok {
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.pruneLocked(now)
	if blocked := t.saturatedLocked(now, rel); blocked != nil {
		t.warnLocked(blocked, now)
		return false
	}
	t.recordLocked(now, rel)
	t.metrics.admitted.Add(1)
	return true
}

// Do acquires admission for limitID and then runs fn. The guarded body runs
// outside the throttler's lock; there is nothing to release when it ends
// because capacity recovers purely by elapsed time.
func (t *Throttler) Do(ctx context.Context, limitID string, fn func(context.Context) error) error {
	if err := t.Acquire(ctx, limitID); err != nil {
		return err
	}
	return fn(ctx)
}

// relatedCharges resolves the limits a task against limitID must respect,
// with the primary weight overridden when weight is positive. The second
// return value is false when no limiting is configured for limitID.
func (t *Throttler) relatedCharges(limitID string, weight int) ([]WeightedLimit, bool) {
	related, ok := t.registry.RelatedLimits(limitID)
	if !ok {
		t.metrics.bypassed.Add(1)
		t.logger.Debug().Str("limit_id", limitID).Msg("no rate limit registered, admitting")
		return nil, false
	}
	if weight <= 0 || weight == related[0].Weight {
		return related, true
	}
	rel := make([]WeightedLimit, len(related))
	copy(rel, related)
	rel[0].Weight = weight
	return rel, true
}

// saturatedLocked returns the first limit in rel that lacks capacity for
// its charged weight, or nil when every limit has room. Admission is
// all-or-nothing: one saturated limit blocks the whole task.
func (t *Throttler) saturatedLocked(now time.Time, rel []WeightedLimit) *WeightedLimit {
	for i := range rel {
		wl := &rel[i]
		switch wl.Limit.Type {
		case Window:
			if t.windowUsedLocked(now, wl.Limit)+wl.Weight > wl.Limit.Limit {
				return wl
			}
		case Decay:
			if t.foldDecayLocked(now, wl.Limit)+float64(wl.Weight) > float64(wl.Limit.Limit) {
				return wl
			}
		}
	}
	return nil
}

// recordLocked charges the admitted task against every related limit.
func (t *Throttler) recordLocked(now time.Time, rel []WeightedLimit) {
	for _, wl := range rel {
		switch wl.Limit.Type {
		case Window:
			t.logs = append(t.logs, taskLog{at: now, limitID: wl.Limit.ID, weight: wl.Weight})
		case Decay:
			st := t.decay[wl.Limit.ID]
			if st.last.IsZero() {
				st.last = now
			}
			st.pending += float64(wl.Weight)
			t.decay[wl.Limit.ID] = st
		}
	}
}

func (t *Throttler) windowUsedLocked(now time.Time, l *RateLimit) int {
	horizon := t.effectiveInterval(l)
	used := 0
	for _, lg := range t.logs {
		if lg.limitID == l.ID && now.Sub(lg.at) <= horizon {
			used += lg.weight
		}
	}
	return used
}

// foldDecayLocked folds elapsed drain and any weights admitted since the
// last fold into the cached usage for l and returns the current usage.
// Pending weights enter undecayed: a weight's drain clock starts at the
// first capacity check after its admission, not at the admission itself.
func (t *Throttler) foldDecayLocked(now time.Time, l *RateLimit) float64 {
	st := t.decay[l.ID]
	if st.last.IsZero() {
		st.last = now
	}
	elapsed := now.Sub(st.last).Seconds()
	st.usage = math.Max(0, st.usage-l.DecayRate*elapsed) + st.pending
	st.pending = 0
	st.last = now
	t.decay[l.ID] = st
	return st.usage
}

func (t *Throttler) effectiveInterval(l *RateLimit) time.Duration {
	return time.Duration(float64(l.Interval) * (1 + t.safetyMargin))
}

// pruneLocked drops task logs too old to count against any window limit.
func (t *Throttler) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.maxHorizon)
	keep := t.logs[:0]
	for _, lg := range t.logs {
		if !lg.at.Before(cutoff) {
			keep = append(keep, lg)
		}
	}
	t.logs = keep
}

// warnLocked emits at most one saturation warning per limit per warning
// interval so the retry loop does not flood the log.
func (t *Throttler) warnLocked(wl *WeightedLimit, now time.Time) {
	s, ok := t.warnings[wl.Limit.ID]
	if !ok {
		s = &rate.Sometimes{Interval: t.warnInterval}
		t.warnings[wl.Limit.ID] = s
	}
	s.Do(func() {
		evt := t.logger.Warn().
			Str("limit_id", wl.Limit.ID).
			Int("limit", wl.Limit.Limit).
			Int("weight", wl.Weight)
		switch wl.Limit.Type {
		case Window:
			evt = evt.Int("used", t.windowUsedLocked(now, wl.Limit))
		case Decay:
			evt = evt.Float64("used", t.foldDecayLocked(now, wl.Limit))
		}
		evt.Msg("rate limit saturated, waiting for capacity")
	})
}

// WindowUsage returns the weight currently counted against a window limit,
// including the safety margin extension. It returns 0 for unregistered or
// decay limits.
func (t *Throttler) WindowUsage(limitID string) int {
	l, ok := t.registry.Limit(limitID)
	if !ok || l.Type != Window {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.windowUsedLocked(t.clock.Now(), l)
}

// DecayUsage returns the accumulated usage of a decay limit after folding
// in drain since the last update, exactly as a capacity check would see
// it. It returns 0 for unregistered or window limits.
func (t *Throttler) DecayUsage(limitID string) float64 {
	l, ok := t.registry.Limit(limitID)
	if !ok || l.Type != Decay {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.foldDecayLocked(t.clock.Now(), l)
}

// Metrics returns a snapshot of the current throttler statistics.
func (t *Throttler) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Admitted: t.metrics.admitted.Load(),
		Waited:   t.metrics.waited.Load(),
		Bypassed: t.metrics.bypassed.Load(),
	}
}

// MetricsSnapshot is a point-in-time capture of throttler statistics.
type MetricsSnapshot struct {
	// Admitted is the number of tasks admitted and recorded.
	Admitted int64
	// Waited is the number of tasks that found a limit saturated and had
	// to wait at least once before admission.
	Waited int64
	// Bypassed is the number of tasks admitted without limiting because
	// their limit ID was not registered.
	Bypassed int64
}
