package entitlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePrecedence(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(20*24*time.Hour + time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name        string
		in          Inputs
		wantTier    Tier
		wantSource  Source
		wantDays    int
		wantPending bool
	}{
		{
			name:       "nothing started is free",
			in:         Inputs{Now: now},
			wantTier:   TierFree,
			wantSource: SourceLocal,
		},
		{
			name:       "local trial active",
			in:         Inputs{Now: now, Trial: TrialSnapshot{Started: true, Active: true, RemainingDays: 12}},
			wantTier:   TierTrialActive,
			wantSource: SourceLocal,
			wantDays:   12,
		},
		{
			name:       "local trial elapsed",
			in:         Inputs{Now: now, Trial: TrialSnapshot{Started: true}},
			wantTier:   TierTrialExpired,
			wantSource: SourceLocal,
		},
		{
			name: "server pro wins over everything",
			in: Inputs{
				Now:    now,
				Trial:  TrialSnapshot{Started: true},
				Server: &ServerSnapshot{Record: SubscriptionRecord{IsPro: true, SubscriptionEndDate: &future}},
				Grants: []OptimisticGrant{{Token: "tok", ExpiresAt: now.Add(time.Hour)}},
			},
			wantTier:   TierPro,
			wantSource: SourceServer,
			wantDays:   20,
		},
		{
			name: "server pro past end date falls through to trial",
			in: Inputs{
				Now:    now,
				Trial:  TrialSnapshot{Started: true, Active: true, RemainingDays: 3},
				Server: &ServerSnapshot{Record: SubscriptionRecord{IsPro: true, SubscriptionEndDate: &past}},
			},
			wantTier:   TierTrialActive,
			wantSource: SourceLocal,
			wantDays:   3,
		},
		{
			name: "optimistic grant beats trial",
			in: Inputs{
				Now:    now,
				Trial:  TrialSnapshot{Started: true},
				Grants: []OptimisticGrant{{Token: "tok", GrantedAt: now, ExpiresAt: now.Add(48 * time.Hour)}},
			},
			wantTier:    TierPro,
			wantSource:  SourceLocal,
			wantDays:    2,
			wantPending: true,
		},
		{
			name: "rejected grant is ignored",
			in: Inputs{
				Now:      now,
				Trial:    TrialSnapshot{Started: true},
				Grants:   []OptimisticGrant{{Token: "tok", ExpiresAt: now.Add(time.Hour)}},
				Rejected: map[string]struct{}{"tok": {}},
			},
			wantTier:   TierTrialExpired,
			wantSource: SourceLocal,
		},
		{
			name: "expired grant is ignored",
			in: Inputs{
				Now:    now,
				Grants: []OptimisticGrant{{Token: "tok", ExpiresAt: now}},
			},
			wantTier:   TierFree,
			wantSource: SourceLocal,
		},
		{
			name: "server trial overrides local clock",
			in: Inputs{
				Now:    now,
				Trial:  TrialSnapshot{Started: true, Active: true, RemainingDays: 29},
				Server: &ServerSnapshot{Record: SubscriptionRecord{TrialStarted: true, TrialActive: true, TrialDaysRemaining: 7}},
			},
			wantTier:   TierTrialActive,
			wantSource: SourceServer,
			wantDays:   7,
		},
		{
			name: "server without trial defers to local clock",
			in: Inputs{
				Now:    now,
				Trial:  TrialSnapshot{Started: true, Active: true, RemainingDays: 30},
				Server: &ServerSnapshot{Record: SubscriptionRecord{}},
			},
			wantTier:   TierTrialActive,
			wantSource: SourceLocal,
			wantDays:   30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.in)
			assert.Equal(t, tt.wantTier, got.Tier)
			assert.Equal(t, tt.wantSource, got.Source)
			assert.Equal(t, tt.wantDays, got.DaysRemaining)
			assert.Equal(t, tt.wantPending, got.Pending)
			assert.Equal(t, now, got.AsOf)
		})
	}
}

func TestResolveNeverProFromTrial(t *testing.T) {
	now := time.Now()
	for days := -5; days <= TrialPeriodDays+5; days++ {
		got := Resolve(Inputs{
			Now:   now,
			Trial: TrialSnapshot{Started: true, Active: days > 0, RemainingDays: days},
			Server: &ServerSnapshot{Record: SubscriptionRecord{
				TrialStarted: true, TrialActive: days > 0, TrialDaysRemaining: days,
			}},
		})
		require.NotEqual(t, TierPro, got.Tier, "days=%d", days)
		require.GreaterOrEqual(t, got.DaysRemaining, 0)
	}
}

func TestResolveStaleFlagFollowsServer(t *testing.T) {
	now := time.Now()
	end := now.Add(72 * time.Hour)
	got := Resolve(Inputs{
		Now:    now,
		Server: &ServerSnapshot{Record: SubscriptionRecord{IsPro: true, SubscriptionEndDate: &end, AutoRenew: true}, Stale: true},
	})
	assert.True(t, got.Stale)
	assert.True(t, got.AutoRenew)
	require.NotNil(t, got.SubscriptionEndDate)
	assert.True(t, end.Equal(*got.SubscriptionEndDate))
}

func TestTrialStateValidate(t *testing.T) {
	ts := time.Now()
	assert.NoError(t, TrialState{}.Validate())
	assert.NoError(t, TrialState{Started: true, StartTimestamp: &ts}.Validate())
	assert.Error(t, TrialState{Started: true}.Validate())
	assert.Error(t, TrialState{StartTimestamp: &ts}.Validate())
}

func TestEntitlementAccess(t *testing.T) {
	assert.True(t, Entitlement{Tier: TierPro}.HasAccess())
	assert.True(t, Entitlement{Tier: TierTrialActive}.HasAccess())
	assert.False(t, Entitlement{Tier: TierTrialExpired}.HasAccess())
	assert.False(t, Entitlement{Tier: TierFree}.HasAccess())
	assert.False(t, Tier("gold").Valid())
}

func TestTokenSuffix(t *testing.T) {
	assert.Equal(t, "tok-1", TokenSuffix("tok-1"))
	assert.Equal(t, "…abcdef", TokenSuffix("0123456789abcdef"))
}
