package resolver

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/lotto-entitlements/internal/kvstore"
	"github.com/rcourtman/lotto-entitlements/internal/metrics"
	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

const (
	// ServerRecordKey holds the last server subscription record.
	ServerRecordKey = "subscription.record"
	// GrantsKey holds outstanding optimistic grants.
	GrantsKey = "entitlement.grants"
)

type cachedRecord struct {
	Record     entitlement.SubscriptionRecord `json:"record"`
	ReceivedAt time.Time                      `json:"received_at"`
}

type storedGrant struct {
	Token     string    `json:"token"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func loadServerRecord(kv kvstore.Store) (*entitlement.ServerSnapshot, error) {
	raw, ok, err := kv.Get(ServerRecordKey)
	if err != nil || !ok {
		return nil, err
	}
	var c cachedRecord
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode cached subscription record: %w", err)
	}
	return &entitlement.ServerSnapshot{Record: c.Record, ReceivedAt: c.ReceivedAt}, nil
}

func loadGrants(kv kvstore.Store) ([]entitlement.OptimisticGrant, error) {
	raw, ok, err := kv.Get(GrantsKey)
	if err != nil || !ok {
		return nil, err
	}
	var stored []storedGrant
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode optimistic grants: %w", err)
	}
	grants := make([]entitlement.OptimisticGrant, 0, len(stored))
	for _, g := range stored {
		if g.Token == "" {
			continue
		}
		grants = append(grants, entitlement.OptimisticGrant{Token: g.Token, GrantedAt: g.GrantedAt, ExpiresAt: g.ExpiresAt})
	}
	return grants, nil
}

func (r *Resolver) setServer(record entitlement.SubscriptionRecord, now time.Time) {
	r.server = &entitlement.ServerSnapshot{Record: record, ReceivedAt: now}
	r.syncFailed = false

	data, err := json.Marshal(cachedRecord{Record: record, ReceivedAt: now})
	if err == nil {
		err = r.kv.Set(ServerRecordKey, data)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to cache subscription record")
	}
}

// markStale flags the cached server record, and the entitlement derived from
// it, as out of date.
func (r *Resolver) markStale() {
	r.syncFailed = true
	if r.server != nil {
		r.server.Stale = true
	}
}

// issueGrant gives token a time-limited optimistic Pro grant unless it already
// holds one. The expiry counts from the first issuance recorded in the ledger,
// so redeliveries and restarts never extend it. It reports whether a grant was
// added.
func (r *Resolver) issueGrant(rec entitlement.PurchaseRecord) bool {
	if _, ok := r.grants[rec.Token]; ok {
		return false
	}
	if _, bad := r.rejected[rec.Token]; bad {
		return false
	}
	logger := log.With().Str("token_suffix", rec.TokenSuffix()).Logger()

	now := r.opts.Now()
	issued, seen, err := r.ledger.GrantIssuedAt(rec.Token)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to read grant history")
		return false
	}
	if !seen {
		issued = now
		if err := r.ledger.RecordGrant(rec.Token, now); err != nil {
			logger.Warn().Err(err).Msg("Failed to record optimistic grant")
		}
	}
	expires := issued.Add(r.opts.GrantTTL)
	if !now.Before(expires) {
		logger.Debug().Time("expired_at", expires).Msg("Optimistic grant already used up")
		return false
	}

	r.grants[rec.Token] = entitlement.OptimisticGrant{Token: rec.Token, GrantedAt: issued, ExpiresAt: expires}
	r.saveGrants()
	logger.Info().Time("expires_at", expires).Msg("Optimistic Pro granted pending verification")
	return true
}

// revokeGrant drops the optimistic grant for token and reports whether there was one.
func (r *Resolver) revokeGrant(token string) bool {
	if _, ok := r.grants[token]; !ok {
		return false
	}
	delete(r.grants, token)
	r.saveGrants()
	return true
}

func (r *Resolver) saveGrants() {
	stored := make([]storedGrant, 0, len(r.grants))
	for _, g := range r.grants {
		stored = append(stored, storedGrant{Token: g.Token, GrantedAt: g.GrantedAt, ExpiresAt: g.ExpiresAt})
	}
	data, err := json.Marshal(stored)
	if err == nil {
		err = r.kv.Set(GrantsKey, data)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to persist optimistic grants")
	}
}

func (r *Resolver) pruneGrants(now time.Time) {
	changed := false
	for token, g := range r.grants {
		if !now.Before(g.ExpiresAt) {
			delete(r.grants, token)
			changed = true
			log.Info().Str("token_suffix", entitlement.TokenSuffix(token)).Msg("Optimistic grant expired without verification")
		}
	}
	if changed {
		r.saveGrants()
	}
}

// recompute merges the current inputs and publishes the result when it
// differs from what was last published.
func (r *Resolver) recompute(reason string) {
	now := r.opts.Now()
	r.pruneGrants(now)

	grants := make([]entitlement.OptimisticGrant, 0, len(r.grants))
	for _, g := range r.grants {
		grants = append(grants, g)
	}
	metrics.OptimisticGrants.Set(float64(len(grants)))

	ent := entitlement.Resolve(entitlement.Inputs{
		Now:      now,
		Trial:    r.clock.Snapshot(),
		Server:   r.server,
		Grants:   grants,
		Rejected: r.rejected,
	})
	if r.syncFailed {
		ent.Stale = true
	}

	if r.published != nil && sameEntitlement(*r.published, ent) {
		return
	}
	r.published = &ent
	r.store.Publish(ent)
	log.Debug().
		Str("reason", reason).
		Str("tier", string(ent.Tier)).
		Str("source", string(ent.Source)).
		Msg("Entitlement recomputed")
}

// sameEntitlement compares everything except AsOf.
func sameEntitlement(a, b entitlement.Entitlement) bool {
	if a.Tier != b.Tier || a.DaysRemaining != b.DaysRemaining || a.Source != b.Source ||
		a.Pending != b.Pending || a.Stale != b.Stale || a.AutoRenew != b.AutoRenew {
		return false
	}
	switch {
	case a.SubscriptionEndDate == nil && b.SubscriptionEndDate == nil:
		return true
	case a.SubscriptionEndDate == nil || b.SubscriptionEndDate == nil:
		return false
	default:
		return a.SubscriptionEndDate.Equal(*b.SubscriptionEndDate)
	}
}
