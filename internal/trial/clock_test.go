package trial

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/lotto-entitlements/internal/kvstore"
	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestClock(t *testing.T, kv kvstore.Store, now *fakeNow) *Clock {
	t.Helper()
	c, err := NewClock(kv, WithNow(now.Now))
	require.NoError(t, err)
	return c
}

func TestClockNotStarted(t *testing.T) {
	now := &fakeNow{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	c := newTestClock(t, kvstore.NewMemory(), now)

	assert.False(t, c.IsActive())
	assert.Equal(t, 0, c.RemainingDays())
	assert.NoError(t, c.State().Validate())
	assert.False(t, c.State().Started)
}

func TestClockFreshStart(t *testing.T) {
	now := &fakeNow{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	c := newTestClock(t, kvstore.NewMemory(), now)

	_, err := c.Start()
	require.NoError(t, err)
	assert.True(t, c.IsActive())
	assert.Equal(t, 30, c.RemainingDays())
}

func TestClockStartIsIdempotent(t *testing.T) {
	now := &fakeNow{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	kv := kvstore.NewMemory()
	c := newTestClock(t, kv, now)

	first, err := c.Start()
	require.NoError(t, err)
	now.Advance(3*day + time.Hour)
	second, err := c.Start()
	require.NoError(t, err)

	assert.True(t, first.Equal(second))
	assert.Equal(t, 27, c.RemainingDays())

	// a reloaded clock keeps the original start
	reloaded := newTestClock(t, kv, now)
	require.True(t, reloaded.State().Started)
	assert.True(t, first.Equal(*reloaded.State().StartTimestamp))
	assert.Equal(t, c.RemainingDays(), reloaded.RemainingDays())
}

func TestClockMonotonicDecay(t *testing.T) {
	now := &fakeNow{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	c := newTestClock(t, kvstore.NewMemory(), now)
	_, err := c.Start()
	require.NoError(t, err)

	prev := c.RemainingDays()
	for i := 0; i < 40*4; i++ {
		now.Advance(6 * time.Hour)
		cur := c.RemainingDays()
		if cur > prev {
			t.Fatalf("remaining days increased from %d to %d at step %d", prev, cur, i)
		}
		if cur < 0 {
			t.Fatalf("remaining days negative: %d", cur)
		}
		prev = cur
	}
	assert.Equal(t, 0, prev)
	assert.False(t, c.IsActive())
}

func TestClockExpiresAfterPeriod(t *testing.T) {
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	now := &fakeNow{t: start}
	c := newTestClock(t, kvstore.NewMemory(), now)
	_, err := c.Start()
	require.NoError(t, err)

	now.t = start.Add(30*day - time.Second)
	assert.True(t, c.IsActive())
	assert.Equal(t, 1, c.RemainingDays())

	now.t = start.Add(30 * day)
	assert.False(t, c.IsActive())
	assert.Equal(t, 0, c.RemainingDays())

	now.t = start.Add(31 * day)
	assert.False(t, c.IsActive())
	snap := c.Snapshot()
	assert.True(t, snap.Started)
	assert.False(t, snap.Active)
}

func TestClockRejectsInconsistentState(t *testing.T) {
	kv := kvstore.NewMemory()
	require.NoError(t, kv.Set(StateKey, []byte(`{"started":true}`)))
	_, err := NewClock(kv)
	assert.Error(t, err)
}

func TestElapsedDaysClockRollback(t *testing.T) {
	start := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, ElapsedDays(start, start.Add(-48*time.Hour)))
	assert.Equal(t, 2, ElapsedDays(start, start.Add(71*time.Hour)))
}

func TestWarningsMilestones(t *testing.T) {
	kv := kvstore.NewMemory()
	w := NewWarnings(kv)

	for _, days := range []int{30, 16, 14, 6, 3, 1} {
		_, due, err := w.Due(entitlement.Entitlement{Tier: entitlement.TierTrialActive, DaysRemaining: days})
		require.NoError(t, err)
		assert.False(t, due, "days=%d", days)
	}

	ent := entitlement.Entitlement{Tier: entitlement.TierTrialActive, DaysRemaining: 5}
	warn, due, err := w.Due(ent)
	require.NoError(t, err)
	require.True(t, due)
	assert.Equal(t, 5, warn.DaysRemaining)
	assert.Contains(t, warn.Message, "5 days")

	require.NoError(t, w.Dismiss(5))
	_, due, err = w.Due(ent)
	require.NoError(t, err)
	assert.False(t, due)

	// other milestones are independent
	_, due, _ = w.Due(entitlement.Entitlement{Tier: entitlement.TierTrialActive, DaysRemaining: 2})
	assert.True(t, due)

	// Pro users are never warned
	_, due, _ = w.Due(entitlement.Entitlement{Tier: entitlement.TierPro, DaysRemaining: 15})
	assert.False(t, due)

	assert.Error(t, w.Dismiss(7))
}
