// Package ratelimit tracks per-caller request rates and blocks abusive callers.
//
// The admission policy is a pure function over one caller's State. Stores only
// load and persist that state, serialising updates per caller: MemoryStore for a
// single instance, RedisStore when several instances must share limits.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Rejection reasons.
const (
	ReasonRateLimited = "rate limit exceeded"
	ReasonHourlyLimit = "hourly limit exceeded"
	ReasonBlocked     = "temporarily blocked"
)

// CallerRecord holds one caller's counters.
type CallerRecord struct {
	Count         int       `json:"count"`
	WindowResetAt time.Time `json:"window_reset_at"`
	HourCount     int       `json:"hour_count"`
	HourResetAt   time.Time `json:"hour_reset_at"`
	LastRequestAt time.Time `json:"last_request_at"`
}

// BlockEntry marks a caller as blocked until BlockedUntil.
type BlockEntry struct {
	Caller       string    `json:"caller"`
	BlockedUntil time.Time `json:"blocked_until"`
}

// State is everything the policy knows about one caller. A nil Record or Block
// means none exists; the store deletes whichever the policy sets to nil.
type State struct {
	Caller string
	Record *CallerRecord
	Block  *BlockEntry
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	Blocked    bool
	Count      int
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, with a floor of one
// second for denied requests.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Policy holds the limiter's tuning knobs.
type Policy struct {
	PerMinute  int
	PerHour    int // 0 disables the hourly ceiling
	Window     time.Duration
	HourWindow time.Duration

	// A request arriving within BurstInterval of the previous one, from a caller
	// that already made more than BurstMinRequests in the window, scores
	// Count*ViolationWeight. A score above SuspicionThreshold blocks the caller.
	BurstInterval      time.Duration
	BurstMinRequests   int
	ViolationWeight    int
	SuspicionThreshold int
	BlockDuration      time.Duration

	// Records idle longer than IdleTTL are purged.
	IdleTTL time.Duration
}

// DefaultPolicy returns the production limits.
func DefaultPolicy() Policy {
	return Policy{
		PerMinute:          5,
		PerHour:            30,
		Window:             time.Minute,
		HourWindow:         time.Hour,
		BurstInterval:      2 * time.Second,
		BurstMinRequests:   2,
		ViolationWeight:    2,
		SuspicionThreshold: 10,
		BlockDuration:      15 * time.Minute,
		IdleTTL:            time.Hour,
	}
}

// LoginPolicy returns the stricter limits applied to operator login attempts.
func LoginPolicy() Policy {
	p := DefaultPolicy()
	p.PerMinute = 5
	p.PerHour = 20
	p.BlockDuration = 30 * time.Minute
	return p
}

// Evaluate applies the policy to st at time now, mutating st in place.
func (p Policy) Evaluate(st *State, now time.Time) Decision {
	if st.Block != nil {
		if now.Before(st.Block.BlockedUntil) {
			return Decision{Reason: ReasonBlocked, RetryAfter: st.Block.BlockedUntil.Sub(now), Blocked: true}
		}
		st.Block = nil
	}

	rec := st.Record
	if rec == nil || !now.Before(rec.WindowResetAt) {
		next := &CallerRecord{
			Count:         1,
			WindowResetAt: now.Add(p.Window),
			HourCount:     1,
			HourResetAt:   now.Add(p.HourWindow),
			LastRequestAt: now,
		}
		if rec != nil && now.Before(rec.HourResetAt) {
			next.HourCount = rec.HourCount + 1
			next.HourResetAt = rec.HourResetAt
		}
		st.Record = next
		if p.PerHour > 0 && next.HourCount > p.PerHour {
			return Decision{Reason: ReasonHourlyLimit, RetryAfter: next.HourResetAt.Sub(now), Count: next.Count}
		}
		return Decision{Allowed: true, Count: 1}
	}

	previous := rec.Count
	sinceLast := now.Sub(rec.LastRequestAt)
	rec.Count++
	rec.LastRequestAt = now
	if !now.Before(rec.HourResetAt) {
		rec.HourCount = 0
		rec.HourResetAt = now.Add(p.HourWindow)
	}
	rec.HourCount++

	if sinceLast < p.BurstInterval && previous > p.BurstMinRequests {
		if score := rec.Count * p.ViolationWeight; score > p.SuspicionThreshold {
			st.Block = &BlockEntry{Caller: st.Caller, BlockedUntil: now.Add(p.BlockDuration)}
			return Decision{Reason: ReasonBlocked, RetryAfter: p.BlockDuration, Blocked: true, Count: rec.Count}
		}
	}

	if rec.Count > p.PerMinute {
		return Decision{Reason: ReasonRateLimited, RetryAfter: rec.WindowResetAt.Sub(now), Count: rec.Count}
	}
	if p.PerHour > 0 && rec.HourCount > p.PerHour {
		return Decision{Reason: ReasonHourlyLimit, RetryAfter: rec.HourResetAt.Sub(now), Count: rec.Count}
	}
	return Decision{Allowed: true, Count: rec.Count}
}

// Store persists caller state.
type Store interface {
	// Update loads the caller's state, runs fn on it and persists the result.
	// Updates for one caller never interleave; fn may run more than once if the
	// store retries, so it must not have side effects beyond st.
	Update(ctx context.Context, caller string, fn func(st *State)) error
	// Sweep drops records whose last request is before cutoff and block
	// entries that expired before cutoff.
	Sweep(ctx context.Context, cutoff time.Time) error
	// Blocks lists current block entries, expired ones included.
	Blocks(ctx context.Context) ([]BlockEntry, error)
	// Unblock deletes a caller's block entry.
	Unblock(ctx context.Context, caller string) error
}

// DefaultSweepInterval is the minimum gap between two store sweeps.
const DefaultSweepInterval = time.Minute

// Tracker applies a Policy to callers through a Store.
type Tracker struct {
	policy     Policy
	store      Store
	now        func() time.Time
	log        zerolog.Logger
	sweepEvery time.Duration

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the tracker's time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger used for store failures.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// NewTracker creates a Tracker.
func NewTracker(store Store, policy Policy, opts ...Option) *Tracker {
	t := &Tracker{
		policy: policy,
		store:  store,
		now:    time.Now,
		log:    zerolog.Nop(),

		sweepEvery: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Policy returns the tracker's policy.
func (t *Tracker) Policy() Policy { return t.policy }

// Check counts a request from caller and decides whether to admit it.
// Store failures are logged and the request is admitted.
func (t *Tracker) Check(ctx context.Context, caller string) Decision {
	now := t.now()
	if t.policy.IdleTTL > 0 && t.sweepDue(now) {
		if err := t.store.Sweep(ctx, now.Add(-t.policy.IdleTTL)); err != nil {
			t.log.Warn().Err(err).Msg("rate limiter sweep failed")
		}
	}

	var d Decision
	err := t.store.Update(ctx, caller, func(st *State) {
		d = t.policy.Evaluate(st, now)
	})
	if err != nil {
		t.log.Error().Err(err).Str("caller", caller).Msg("rate limiter store unavailable, admitting request")
		return Decision{Allowed: true}
	}
	return d
}

// sweepDue reports whether a sweep should run at now and claims it if so.
func (t *Tracker) sweepDue(now time.Time) bool {
	t.sweepMu.Lock()
	defer t.sweepMu.Unlock()
	if !t.lastSweep.IsZero() && now.Sub(t.lastSweep) < t.sweepEvery {
		return false
	}
	t.lastSweep = now
	return true
}

// Blocks returns block entries still in force.
func (t *Tracker) Blocks(ctx context.Context) ([]BlockEntry, error) {
	all, err := t.store.Blocks(ctx)
	if err != nil {
		return nil, err
	}
	now := t.now()
	active := make([]BlockEntry, 0, len(all))
	for _, b := range all {
		if now.Before(b.BlockedUntil) {
			active = append(active, b)
		}
	}
	return active, nil
}

// Unblock lifts a caller's block immediately.
func (t *Tracker) Unblock(ctx context.Context, caller string) error {
	return t.store.Unblock(ctx, caller)
}
