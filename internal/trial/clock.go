// Package trial implements the local wall-clock trial timer.
package trial

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/lotto-entitlements/internal/kvstore"
	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

// StateKey is the KV key holding the persisted TrialState.
const StateKey = "trial.state"

const day = 24 * time.Hour

// Clock is the local trial timer. Once started its start timestamp never
// changes. Device clock tampering is not detected here; server sync corrects it.
type Clock struct {
	mu     sync.Mutex
	kv     kvstore.Store
	now    func() time.Time
	period int
	state  entitlement.TrialState
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// WithPeriodDays overrides the trial length.
func WithPeriodDays(days int) Option {
	return func(c *Clock) {
		if days > 0 {
			c.period = days
		}
	}
}

// NewClock loads any persisted trial state from kv.
func NewClock(kv kvstore.Store, opts ...Option) (*Clock, error) {
	c := &Clock{kv: kv, now: time.Now, period: entitlement.TrialPeriodDays}
	for _, opt := range opts {
		opt(c)
	}

	raw, ok, err := kv.Get(StateKey)
	if err != nil {
		return nil, fmt.Errorf("load trial state: %w", err)
	}
	if ok {
		var st entitlement.TrialState
		if err := json.Unmarshal(raw, &st); err != nil {
			return nil, fmt.Errorf("decode trial state: %w", err)
		}
		if err := st.Validate(); err != nil {
			return nil, err
		}
		c.state = st
	}
	return c, nil
}

// Start records the current time as the trial start. Calling it again after
// the trial has started is a no-op that returns the original timestamp.
func (c *Clock) Start() (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Started {
		return *c.state.StartTimestamp, nil
	}

	ts := c.now().UTC()
	next := entitlement.TrialState{Started: true, StartTimestamp: &ts}
	raw, err := json.Marshal(next)
	if err != nil {
		return time.Time{}, fmt.Errorf("encode trial state: %w", err)
	}
	if err := c.kv.Set(StateKey, raw); err != nil {
		return time.Time{}, fmt.Errorf("persist trial state: %w", err)
	}
	c.state = next
	log.Info().Time("start", ts).Int("period_days", c.period).Msg("Trial started")
	return ts, nil
}

// State returns a copy of the persisted trial state.
func (c *Clock) State() entitlement.TrialState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	if st.StartTimestamp != nil {
		ts := *st.StartTimestamp
		st.StartTimestamp = &ts
	}
	return st
}

// IsActive reports whether the trial has started and fewer than the period's
// days have elapsed.
func (c *Clock) IsActive() bool {
	return c.Snapshot().Active
}

// RemainingDays returns max(0, period - floor(elapsed days)).
func (c *Clock) RemainingDays() int {
	return c.Snapshot().RemainingDays
}

// Snapshot evaluates the clock at the current time.
func (c *Clock) Snapshot() entitlement.TrialSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return evaluate(c.state, c.now(), c.period)
}

func evaluate(st entitlement.TrialState, now time.Time, period int) entitlement.TrialSnapshot {
	if !st.Started || st.StartTimestamp == nil {
		return entitlement.TrialSnapshot{}
	}
	elapsed := ElapsedDays(*st.StartTimestamp, now)
	return entitlement.TrialSnapshot{
		Started:       true,
		Active:        elapsed < period,
		RemainingDays: max(0, period-elapsed),
	}
}

// ElapsedDays floors the whole days between start and now. A clock that has
// moved behind start counts as zero elapsed days.
func ElapsedDays(start, now time.Time) int {
	d := now.Sub(start)
	if d <= 0 {
		return 0
	}
	return int(d / day)
}
