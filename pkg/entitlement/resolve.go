package entitlement

import "time"

// TrialSnapshot is the local trial clock as seen at resolve time.
type TrialSnapshot struct {
	Started       bool
	Active        bool
	RemainingDays int
}

// ServerSnapshot is the latest server-held subscription record.
type ServerSnapshot struct {
	Record     SubscriptionRecord
	ReceivedAt time.Time

	// Stale is set when the most recent sync attempt failed and Record is
	// the last known good copy.
	Stale bool
}

// OptimisticGrant is time-limited Pro access extended to a locally
// acknowledged purchase whose verification has not settled.
type OptimisticGrant struct {
	Token     string
	GrantedAt time.Time
	ExpiresAt time.Time
}

// Inputs is everything Resolve merges.
type Inputs struct {
	Now    time.Time
	Trial  TrialSnapshot
	Server *ServerSnapshot
	Grants []OptimisticGrant

	// Rejected holds tokens the server has definitively refused. A grant for
	// a rejected token never applies.
	Rejected map[string]struct{}
}

// Resolve applies the merge precedence, highest first:
//
//  1. server record with is_pro and an unexpired end date -> Pro (server)
//  2. server contradiction of a purchase -> that purchase's grant is void,
//     and a lapsed server Pro falls through to the trial rules
//  3. live optimistic grant -> Pro (local, pending)
//  4. trial active -> TrialActive
//  5. trial elapsed -> TrialExpired, never started -> Free
//
// Pro is never produced from trial information.
func Resolve(in Inputs) Entitlement {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	if s := in.Server; s != nil && s.Record.ProActiveAt(now) {
		return Entitlement{
			Tier:                TierPro,
			DaysRemaining:       daysUntil(s.Record.SubscriptionEndDate, now),
			Source:              SourceServer,
			AsOf:                now,
			Stale:               s.Stale,
			SubscriptionEndDate: cloneTime(s.Record.SubscriptionEndDate),
			AutoRenew:           s.Record.AutoRenew,
		}
	}

	if g, ok := liveGrant(in.Grants, in.Rejected, now); ok {
		return Entitlement{
			Tier:          TierPro,
			DaysRemaining: daysUntil(&g.ExpiresAt, now),
			Source:        SourceLocal,
			AsOf:          now,
			Pending:       true,
		}
	}

	trial := in.Trial
	source := SourceLocal
	stale := false
	if s := in.Server; s != nil && s.Record.TrialStarted {
		trial = TrialSnapshot{
			Started:       true,
			Active:        s.Record.TrialActive,
			RemainingDays: s.Record.TrialDaysRemaining,
		}
		source = SourceServer
		stale = s.Stale
	}

	ent := Entitlement{Source: source, AsOf: now, Stale: stale}
	switch {
	case trial.Active:
		ent.Tier = TierTrialActive
		ent.DaysRemaining = max(0, trial.RemainingDays)
	case trial.Started:
		ent.Tier = TierTrialExpired
	default:
		ent.Tier = TierFree
	}
	if s := in.Server; s != nil && source == SourceServer {
		ent.SubscriptionEndDate = cloneTime(s.Record.SubscriptionEndDate)
		ent.AutoRenew = s.Record.AutoRenew
	}
	return ent
}

func liveGrant(grants []OptimisticGrant, rejected map[string]struct{}, now time.Time) (OptimisticGrant, bool) {
	var best OptimisticGrant
	found := false
	for _, g := range grants {
		if _, bad := rejected[g.Token]; bad {
			continue
		}
		if !now.Before(g.ExpiresAt) {
			continue
		}
		if !found || g.ExpiresAt.After(best.ExpiresAt) {
			best = g
			found = true
		}
	}
	return best, found
}

func daysUntil(end *time.Time, now time.Time) int {
	if end == nil || !now.Before(*end) {
		return 0
	}
	return int(end.Sub(now) / (24 * time.Hour))
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
