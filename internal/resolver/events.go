package resolver

import (
	"context"

	"github.com/rs/zerolog/log"

	suberrors "github.com/rcourtman/lotto-entitlements/internal/errors"
	"github.com/rcourtman/lotto-entitlements/internal/ledger"
	"github.com/rcourtman/lotto-entitlements/internal/metrics"
	"github.com/rcourtman/lotto-entitlements/internal/verification"
	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

// event is one input to the resolver. Events are applied strictly in order
// by the Run goroutine.
type event interface {
	name() string
}

type purchaseEvent struct {
	rec entitlement.PurchaseRecord
}

type ackEvent struct {
	rec entitlement.PurchaseRecord
	err error
}

type verifyEvent struct {
	rec entitlement.PurchaseRecord
	res verification.Result
	err error
}

type statusEvent struct {
	status     verification.SubscriptionStatus
	err        error
	reason     string
	background bool
	// epoch is the server epoch the request was issued in.
	epoch uint64
}

type billingEvent struct {
	purchases []entitlement.PurchaseRecord
	err       error
}

type foregroundEvent struct{}

type recomputeEvent struct {
	reason string
}

type waitEvent struct {
	event
	applied chan struct{}
}

func (purchaseEvent) name() string   { return "purchase" }
func (ackEvent) name() string        { return "acknowledge" }
func (verifyEvent) name() string     { return "verify" }
func (statusEvent) name() string     { return "status" }
func (billingEvent) name() string    { return "billing" }
func (foregroundEvent) name() string { return "foreground" }
func (recomputeEvent) name() string  { return "recompute" }

func (r *Resolver) apply(ev event) {
	if w, ok := ev.(waitEvent); ok {
		defer close(w.applied)
		ev = w.event
	}
	if r.closed.Load() {
		log.Debug().Str("event", ev.name()).Msg("Resolver closed, discarding event")
		return
	}

	switch e := ev.(type) {
	case purchaseEvent:
		r.onPurchase(e.rec)
	case ackEvent:
		r.onAcknowledged(e)
	case verifyEvent:
		r.onVerified(e)
	case statusEvent:
		r.onStatus(e)
	case billingEvent:
		r.onBilling(e)
	case foregroundEvent:
		r.onForeground()
	case recomputeEvent:
		r.recompute(e.reason)
	}
}

func (r *Resolver) onPurchase(rec entitlement.PurchaseRecord) {
	logger := log.With().Str("token_suffix", rec.TokenSuffix()).Str("state", string(rec.PurchaseState)).Logger()

	entry, inserted, err := r.ledger.Upsert(rec)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record purchase")
		return
	}

	switch rec.PurchaseState {
	case entitlement.PurchasePending:
		logger.Info().Msg("Purchase pending, waiting for completion")
		return
	case entitlement.PurchaseCancelled:
		if r.revokeGrant(rec.Token) {
			logger.Info().Msg("Purchase cancelled, optimistic grant revoked")
		}
		r.recompute("purchase_cancelled")
		r.startSync("purchase_cancelled")
		return
	}

	if entry.Settled() {
		if !inserted {
			logger.Debug().Msg("Purchase already settled, ignoring redelivery")
		}
		return
	}
	r.dispatch(entry)
}

// dispatch starts acknowledgement and verification for an unsettled purchase.
// A token with calls already in flight is left alone.
func (r *Resolver) dispatch(entry *ledger.Entry) {
	rec := entry.PurchaseRecord
	if _, busy := r.pending[rec.Token]; busy {
		log.Debug().Str("token_suffix", rec.TokenSuffix()).Msg("Purchase already in flight")
		return
	}

	ops := &pendingOps{}
	if !entry.Acknowledged && entry.Verification != ledger.VerificationRejected {
		ops.ack = true
		r.async(func(ctx context.Context) event {
			return ackEvent{rec: rec, err: r.channel.Acknowledge(ctx, rec)}
		})
	}
	if entry.Verification == ledger.VerificationUnresolved {
		ops.verify = true
		r.async(func(ctx context.Context) event {
			res, err := r.backend.Verify(ctx, rec)
			return verifyEvent{rec: rec, res: res, err: err}
		})
	}
	if ops.ack || ops.verify {
		r.pending[rec.Token] = ops
	}

	// Purchases acknowledged elsewhere, such as a reinstall restoring them,
	// never pass through onAcknowledged.
	if entry.Acknowledged && entry.PurchaseState == entitlement.PurchasePurchased &&
		entry.Verification == ledger.VerificationUnresolved {
		if r.issueGrant(rec) {
			r.recompute("acknowledged")
		}
	}
}

func (r *Resolver) finish(token string, ack, verify bool) {
	ops, ok := r.pending[token]
	if !ok {
		return
	}
	if ack {
		ops.ack = false
	}
	if verify {
		ops.verify = false
	}
	if !ops.ack && !ops.verify {
		delete(r.pending, token)
	}
}

func (r *Resolver) onAcknowledged(e ackEvent) {
	r.finish(e.rec.Token, true, false)
	logger := log.With().Str("token_suffix", e.rec.TokenSuffix()).Logger()

	if e.err != nil {
		logger.Warn().Err(e.err).Msg("Purchase acknowledgement failed, will retry on foreground")
		return
	}
	if err := r.ledger.MarkAcknowledged(e.rec.Token); err != nil {
		logger.Error().Err(err).Msg("Failed to record acknowledgement")
	}

	entry, err := r.ledger.Get(e.rec.Token)
	if err != nil || entry == nil {
		logger.Error().Err(err).Msg("Acknowledged purchase missing from ledger")
		return
	}
	if _, bad := r.rejected[e.rec.Token]; bad || entry.Verification != ledger.VerificationUnresolved {
		return
	}
	if entry.PurchaseState != entitlement.PurchasePurchased {
		return
	}

	if r.issueGrant(e.rec) {
		r.recompute("acknowledged")
	}
}

func (r *Resolver) onVerified(e verifyEvent) {
	r.finish(e.rec.Token, false, true)
	logger := log.With().Str("token_suffix", e.rec.TokenSuffix()).Logger()

	if e.err != nil {
		if suberrors.IsAuthError(e.err) {
			logger.Error().Err(e.err).Msg("Backend refused credentials during verification")
		} else {
			logger.Warn().Err(e.err).Msg("Verification unreachable, keeping optimistic access")
		}
		r.recompute("verify_failed")
		return
	}

	if e.res.Verified && e.res.IsPro {
		if err := r.ledger.MarkVerification(e.rec.Token, ledger.VerificationVerified, e.res.Message); err != nil {
			logger.Error().Err(err).Msg("Failed to record verification")
		}
		r.revokeGrant(e.rec.Token)

		now := r.opts.Now()
		record := entitlement.SubscriptionRecord{AutoRenew: true}
		if r.server != nil {
			record = r.server.Record
			record.AutoRenew = true
		}
		record.IsPro = true
		record.SubscriptionEndDate = e.res.SubscriptionEndDate
		r.setServer(record, now)
		r.serverEpoch.Add(1)

		logger.Info().Msg("Purchase verified by server")
		r.recompute("verified")
		r.startSync("verified")
		return
	}

	detail := e.res.Message
	if detail == "" {
		detail = "not verified"
	}
	if err := r.ledger.MarkVerification(e.rec.Token, ledger.VerificationRejected, detail); err != nil {
		logger.Error().Err(err).Msg("Failed to record rejection")
	}
	r.rejected[e.rec.Token] = struct{}{}
	r.revokeGrant(e.rec.Token)
	logger.Warn().Str("reason", detail).Msg("Purchase rejected by server, access revoked")
	r.recompute("rejected")
}

func (r *Resolver) onStatus(e statusEvent) {
	if e.background {
		r.syncRunning = false
		if r.resyncPending {
			r.resyncPending = false
			defer r.startSync("resync")
		}
	}
	if e.epoch < r.serverEpoch.Load() {
		log.Debug().Str("reason", e.reason).Msg("Discarding status requested before the latest verification")
		return
	}
	if e.err != nil {
		metrics.ServerSyncs.WithLabelValues("stale").Inc()
		if suberrors.IsAuthError(e.err) {
			log.Error().Err(e.err).Str("reason", e.reason).Msg("Backend refused credentials during status sync")
		} else {
			log.Warn().Err(e.err).Str("reason", e.reason).Msg("Status sync failed, using cached entitlement")
		}
		r.markStale()
		r.recompute("sync_failed")
		return
	}

	metrics.ServerSyncs.WithLabelValues("ok").Inc()
	r.setServer(e.status.Record(), r.opts.Now())
	log.Debug().
		Str("reason", e.reason).
		Bool("is_pro", e.status.IsPro).
		Bool("trial_active", e.status.TrialActive).
		Msg("Subscription status synced")
	r.recompute("sync")
}

func (r *Resolver) onBilling(e billingEvent) {
	r.connecting = false
	if e.err != nil {
		log.Warn().Err(e.err).Msg("Billing unavailable, purchases resume on next foreground")
	}
	for _, rec := range e.purchases {
		r.onPurchase(rec)
	}
}

func (r *Resolver) onForeground() {
	r.startSync("foreground")
	r.connectBilling()

	entries, err := r.ledger.List()
	if err != nil {
		log.Error().Err(err).Msg("Failed to list purchases")
	}
	for _, entry := range entries {
		if entry.PurchaseState == entitlement.PurchasePurchased && !entry.Settled() {
			r.dispatch(entry)
		}
	}
	r.recompute("foreground")
}

// startSync issues a background status request. While one is in flight a
// single follow-up is queued instead.
func (r *Resolver) startSync(reason string) {
	if r.syncRunning {
		r.resyncPending = true
		return
	}
	r.syncRunning = true
	epoch := r.serverEpoch.Load()
	r.async(func(ctx context.Context) event {
		st, err := r.backend.Status(ctx)
		return statusEvent{status: st, err: err, reason: reason, background: true, epoch: epoch}
	})
}

func (r *Resolver) connectBilling() {
	if r.connecting {
		return
	}
	r.connecting = true
	r.async(func(ctx context.Context) event {
		if err := r.channel.Initialize(ctx); err != nil {
			return billingEvent{err: err}
		}
		recs, err := r.channel.QueryExistingPurchases(ctx)
		return billingEvent{purchases: recs, err: err}
	})
}
