package registry

import (
	"path/filepath"
	"testing"
	"time"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(filepath.Join(t.TempDir(), "subscriptions.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func ptr(t time.Time) *time.Time { return &t }

func TestGetMissingReturnsNil(t *testing.T) {
	reg := newTestRegistry(t)
	sub, err := reg.Get("nobody")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sub != nil {
		t.Fatalf("expected nil subscription, got %+v", sub)
	}
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	reg := newTestRegistry(t)
	in := &Subscription{
		UserID:            "u-1",
		Plan:              PlanPro,
		IsPro:             true,
		TrialUsed:         true,
		TrialStart:        ptr(base.Add(-40 * 24 * time.Hour)),
		TrialEnd:          ptr(base.Add(-10 * 24 * time.Hour)),
		SubscriptionStart: ptr(base),
		SubscriptionEnd:   ptr(base.Add(30 * 24 * time.Hour)),
		AutoRenew:         true,
		OrderID:           "GPA.1234",
		PurchaseToken:     "tok-1",
		ProductID:         "lotto_pro_monthly",
	}
	if err := reg.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := reg.Get("u-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected subscription")
	}
	if !got.IsPro || got.Plan != PlanPro || !got.TrialUsed || !got.AutoRenew {
		t.Errorf("flags not persisted: %+v", got)
	}
	if !got.SubscriptionEnd.Equal(*in.SubscriptionEnd) {
		t.Errorf("subscription end = %v, want %v", got.SubscriptionEnd, in.SubscriptionEnd)
	}
	if got.CancelledAt != nil {
		t.Errorf("cancelled_at = %v, want nil", got.CancelledAt)
	}
	if got.PurchaseToken != "tok-1" || got.OrderID != "GPA.1234" {
		t.Errorf("purchase fields not persisted: %+v", got)
	}

	got.AutoRenew = false
	got.CancelledAt = ptr(base.Add(time.Hour))
	if err := reg.Save(got); err != nil {
		t.Fatalf("Save update: %v", err)
	}
	updated, err := reg.Get("u-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.AutoRenew || updated.CancelledAt == nil {
		t.Errorf("update not persisted: %+v", updated)
	}
	if !updated.CreatedAt.Equal(got.CreatedAt) {
		t.Errorf("created_at changed on update")
	}
}

func TestGetByOrderIDExcludesOwner(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Save(&Subscription{UserID: "u-1", Plan: PlanPro, IsPro: true, OrderID: "GPA.1"}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	own, err := reg.GetByOrderID("GPA.1", "u-1")
	if err != nil {
		t.Fatalf("GetByOrderID: %v", err)
	}
	if own != nil {
		t.Errorf("owner's own order should not be reported")
	}

	other, err := reg.GetByOrderID("GPA.1", "u-2")
	if err != nil {
		t.Fatalf("GetByOrderID: %v", err)
	}
	if other == nil || other.UserID != "u-1" {
		t.Errorf("expected order held by u-1, got %+v", other)
	}
}

func TestExpireLapsed(t *testing.T) {
	reg := newTestRegistry(t)
	subs := []*Subscription{
		{UserID: "lapsed", Plan: PlanPro, IsPro: true, SubscriptionEnd: ptr(base.Add(-time.Hour))},
		{UserID: "current", Plan: PlanPro, IsPro: true, SubscriptionEnd: ptr(base.Add(time.Hour))},
		{UserID: "free", Plan: PlanFree},
	}
	for _, s := range subs {
		if err := reg.Save(s); err != nil {
			t.Fatalf("Save %s: %v", s.UserID, err)
		}
	}

	n, err := reg.ExpireLapsed(base)
	if err != nil {
		t.Fatalf("ExpireLapsed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d, want 1", n)
	}

	lapsed, _ := reg.Get("lapsed")
	if lapsed.IsPro || lapsed.Plan != PlanFree {
		t.Errorf("lapsed subscription still pro: %+v", lapsed)
	}
	current, _ := reg.Get("current")
	if !current.IsPro {
		t.Errorf("current subscription expired early")
	}

	again, err := reg.ExpireLapsed(base)
	if err != nil {
		t.Fatalf("ExpireLapsed: %v", err)
	}
	if again != 0 {
		t.Errorf("second sweep expired %d, want 0", again)
	}
}

func TestExpiringTrialsAndStats(t *testing.T) {
	reg := newTestRegistry(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := reg.TouchUser(id, id+"@example.com", base); err != nil {
			t.Fatalf("TouchUser: %v", err)
		}
	}
	subs := []*Subscription{
		{UserID: "a", Plan: PlanTrial, TrialUsed: true, TrialEnd: ptr(base.Add(2 * 24 * time.Hour))},
		{UserID: "b", Plan: PlanTrial, TrialUsed: true, TrialEnd: ptr(base.Add(20 * 24 * time.Hour))},
		{UserID: "c", Plan: PlanPro, IsPro: true, AutoRenew: true, TrialUsed: true, TrialEnd: ptr(base.Add(24 * time.Hour)), SubscriptionEnd: ptr(base.Add(30 * 24 * time.Hour))},
		{UserID: "d", Plan: PlanFree, TrialUsed: true, TrialEnd: ptr(base.Add(-24 * time.Hour))},
	}
	for _, s := range subs {
		if err := reg.Save(s); err != nil {
			t.Fatalf("Save %s: %v", s.UserID, err)
		}
	}

	expiring, err := reg.ListExpiringTrials(base, 3*24*time.Hour)
	if err != nil {
		t.Fatalf("ListExpiringTrials: %v", err)
	}
	if len(expiring) != 1 || expiring[0].UserID != "a" || expiring[0].Email != "a@example.com" {
		t.Fatalf("unexpected expiring trials: %+v", expiring)
	}

	stats, err := reg.Stats(base)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	want := Stats{TotalUsers: 4, ProSubscribers: 1, ActiveTrials: 2, TrialsUsed: 4}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}

func TestTouchUserKeepsEmail(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.TouchUser("u", "u@example.com", base); err != nil {
		t.Fatalf("TouchUser: %v", err)
	}
	if err := reg.TouchUser("u", "", base.Add(time.Hour)); err != nil {
		t.Fatalf("TouchUser: %v", err)
	}
	u, err := reg.GetUser("u")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.Email != "u@example.com" {
		t.Errorf("email = %q, want preserved", u.Email)
	}
	if !u.LastSeenAt.Equal(base.Add(time.Hour)) {
		t.Errorf("last_seen_at = %v", u.LastSeenAt)
	}
	if !u.CreatedAt.Equal(base) {
		t.Errorf("created_at = %v", u.CreatedAt)
	}
}
