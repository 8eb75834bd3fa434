// Package resolver is the single writer of the current Entitlement. Billing
// events, verification verdicts, server status syncs and trial changes are
// queued as events and applied one at a time by Run.
package resolver

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/lotto-entitlements/internal/billing"
	suberrors "github.com/rcourtman/lotto-entitlements/internal/errors"
	"github.com/rcourtman/lotto-entitlements/internal/kvstore"
	"github.com/rcourtman/lotto-entitlements/internal/ledger"
	"github.com/rcourtman/lotto-entitlements/internal/store"
	"github.com/rcourtman/lotto-entitlements/internal/trial"
	"github.com/rcourtman/lotto-entitlements/internal/verification"
	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

// Backend is the subscription server as seen by the resolver.
// *verification.Client implements it.
type Backend interface {
	Verify(ctx context.Context, rec entitlement.PurchaseRecord) (verification.Result, error)
	Status(ctx context.Context) (verification.SubscriptionStatus, error)
	StartTrial(ctx context.Context) (verification.SubscriptionStatus, error)
	Cancel(ctx context.Context) (verification.CancelResult, error)
}

// Options tunes a Resolver. Zero values take the defaults.
type Options struct {
	ProductID string

	// SyncInterval is the periodic server status sync (default 6h).
	SyncInterval time.Duration

	// RefreshInterval re-evaluates time-based inputs such as trial decay and
	// grant expiry (default 1m).
	RefreshInterval time.Duration

	// GrantTTL bounds an optimistic Pro grant (default 48h).
	GrantTTL time.Duration

	// CallTimeout bounds each background backend or billing call (default 2m).
	CallTimeout time.Duration

	Now func() time.Time
}

func (o *Options) setDefaults() {
	if o.SyncInterval <= 0 {
		o.SyncInterval = 6 * time.Hour
	}
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = time.Minute
	}
	if o.GrantTTL <= 0 {
		o.GrantTTL = 48 * time.Hour
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 2 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Deps are the resolver's collaborators.
type Deps struct {
	Backend Backend
	Channel *billing.Channel
	Ledger  *ledger.Ledger
	Clock   *trial.Clock
	KV      kvstore.Store
	Store   *store.Store
}

// pendingOps tracks the outstanding platform and backend calls for a token.
type pendingOps struct {
	ack    bool
	verify bool
}

// Resolver merges the trial clock, billing purchases and server records into
// the published Entitlement.
type Resolver struct {
	backend Backend
	channel *billing.Channel
	ledger  *ledger.Ledger
	clock   *trial.Clock
	kv      kvstore.Store
	store   *store.Store
	opts    Options

	events chan event
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
	wg     sync.WaitGroup

	// inflight counts background calls whose result has not been queued yet.
	inflight atomic.Int64

	// serverEpoch is bumped by the Run goroutine on every verified purchase.
	// Status requests carry the epoch they were issued in.
	serverEpoch atomic.Uint64

	// Owned by the Run goroutine.
	server      *entitlement.ServerSnapshot
	syncFailed  bool
	grants      map[string]entitlement.OptimisticGrant
	rejected    map[string]struct{}
	pending     map[string]*pendingOps
	syncRunning   bool
	resyncPending bool
	connecting    bool
	published     *entitlement.Entitlement
}

// New builds a resolver from its collaborators and restores the cached server
// record, outstanding grants and rejected tokens.
func New(deps Deps, opts Options) (*Resolver, error) {
	if deps.Backend == nil || deps.Channel == nil || deps.Ledger == nil ||
		deps.Clock == nil || deps.KV == nil || deps.Store == nil {
		return nil, errors.New("resolver: missing dependency")
	}
	opts.setDefaults()

	r := &Resolver{
		backend:  deps.Backend,
		channel:  deps.Channel,
		ledger:   deps.Ledger,
		clock:    deps.Clock,
		kv:       deps.KV,
		store:    deps.Store,
		opts:     opts,
		events:   make(chan event, 64),
		done:     make(chan struct{}),
		grants:   make(map[string]entitlement.OptimisticGrant),
		rejected: make(map[string]struct{}),
		pending:  make(map[string]*pendingOps),
	}

	if err := r.restore(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Resolver) restore() error {
	server, err := loadServerRecord(r.kv)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable cached subscription record")
	} else if server != nil {
		// Cached until the first successful sync.
		server.Stale = true
		r.server = server
	}

	grants, err := loadGrants(r.kv)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring unreadable optimistic grants")
	}
	for _, g := range grants {
		r.grants[g.Token] = g
	}

	entries, err := r.ledger.List()
	if err != nil {
		return err
	}
	var acked []string
	for _, e := range entries {
		if e.Verification == ledger.VerificationRejected {
			r.rejected[e.Token] = struct{}{}
			delete(r.grants, e.Token)
		}
		if e.Verification == ledger.VerificationVerified {
			delete(r.grants, e.Token)
		}
		if e.Acknowledged {
			acked = append(acked, e.Token)
		}
	}
	r.channel.MarkAcknowledged(acked...)
	return nil
}

// Run applies events until ctx is done or the resolver is closed. It also
// connects billing and performs the initial server sync.
func (r *Resolver) Run(ctx context.Context) error {
	if r.closed.Load() {
		return suberrors.Disposed("run")
	}

	r.recompute("startup")
	r.connectBilling()
	r.startSync("startup")

	syncTicker := time.NewTicker(r.opts.SyncInterval)
	defer syncTicker.Stop()
	refreshTicker := time.NewTicker(r.opts.RefreshInterval)
	defer refreshTicker.Stop()

	purchases := r.channel.Events()
	for {
		select {
		case <-ctx.Done():
			_ = r.Close()
			return nil
		case <-r.done:
			return nil
		case rec, ok := <-purchases:
			if !ok {
				purchases = nil
				continue
			}
			r.apply(purchaseEvent{rec: rec})
		case ev := <-r.events:
			r.apply(ev)
		case <-syncTicker.C:
			r.startSync("periodic")
		case <-refreshTicker.C:
			r.recompute("refresh")
		}
	}
}

// Foreground re-syncs with the server, reconnects billing if needed and
// retries every unsettled purchase. It returns once the request is queued.
func (r *Resolver) Foreground(ctx context.Context) error {
	return r.submit(ctx, foregroundEvent{})
}

// Sync fetches the server status and waits until it has been applied. A
// failed sync leaves the cached record in place, marked stale, and returns
// the error.
func (r *Resolver) Sync(ctx context.Context) error {
	if r.closed.Load() {
		return suberrors.Disposed("sync")
	}
	epoch := r.serverEpoch.Load()
	st, err := r.backend.Status(ctx)
	return r.submitAndWait(ctx, statusEvent{status: st, err: err, reason: "manual", epoch: epoch}, err)
}

// StartTrial starts the local trial clock and records the start server-side.
// A server refusal (trial already used) or an unreachable server does not
// undo the local start; the next sync reconciles the two.
func (r *Resolver) StartTrial(ctx context.Context) (time.Time, error) {
	if r.closed.Load() {
		return time.Time{}, suberrors.Disposed("start_trial")
	}
	started, err := r.clock.Start()
	if err != nil {
		return time.Time{}, err
	}
	if err := r.submitAndWait(ctx, recomputeEvent{reason: "trial_started"}, nil); err != nil {
		return started, err
	}

	epoch := r.serverEpoch.Load()
	st, err := r.backend.StartTrial(ctx)
	switch {
	case err == nil:
		return started, r.submitAndWait(ctx, statusEvent{status: st, reason: "start_trial", epoch: epoch}, nil)
	case errors.Is(err, suberrors.ErrConflict):
		log.Info().Err(err).Msg("Server refused trial start, syncing status")
		if syncErr := r.Sync(ctx); syncErr != nil {
			log.Warn().Err(syncErr).Msg("Status sync after trial start failed")
		}
		return started, nil
	default:
		log.Warn().Err(err).Msg("Could not record trial start on server")
		return started, nil
	}
}

// CancelSubscription turns off auto-renewal server-side and re-syncs. Pro
// stays until the subscription end date.
func (r *Resolver) CancelSubscription(ctx context.Context) (verification.CancelResult, error) {
	if r.closed.Load() {
		return verification.CancelResult{}, suberrors.Disposed("cancel")
	}
	res, err := r.backend.Cancel(ctx)
	if err != nil {
		return verification.CancelResult{}, err
	}
	log.Info().Bool("success", res.Success).Str("message", res.Message).Msg("Subscription cancellation requested")
	if err := r.Sync(ctx); err != nil {
		log.Warn().Err(err).Msg("Status sync after cancellation failed")
	}
	return res, nil
}

// Purchase launches the platform purchase flow for the configured product
// (or productID when set). The purchase itself arrives later as an event.
func (r *Resolver) Purchase(ctx context.Context, productID string) error {
	if r.closed.Load() {
		return suberrors.Disposed("purchase")
	}
	if productID == "" {
		productID = r.opts.ProductID
	}
	if productID == "" {
		return suberrors.Invalid("purchase", "no product id configured")
	}
	return r.channel.LaunchPurchaseFlow(ctx, productID)
}

// Current returns the published entitlement.
func (r *Resolver) Current() entitlement.Entitlement {
	return r.store.Current()
}

// Close disposes the resolver and releases the billing connection. In-flight
// calls finish in the background and their results are discarded.
func (r *Resolver) Close() error {
	var err error
	r.once.Do(func() {
		r.closed.Store(true)
		close(r.done)
		err = r.channel.Close()
		log.Info().Int64("in_flight", r.inflight.Load()).Msg("Entitlement resolver closed")
	})
	return err
}

// Wait blocks until background calls started by the resolver have returned.
// Call it after Close.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

// submit queues ev for the Run loop.
func (r *Resolver) submit(ctx context.Context, ev event) error {
	if r.closed.Load() {
		return suberrors.Disposed(ev.name())
	}
	select {
	case r.events <- ev:
		return nil
	case <-r.done:
		return suberrors.Disposed(ev.name())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submitAndWait queues ev and waits for it to be applied. callErr, when set,
// is returned after the event lands.
func (r *Resolver) submitAndWait(ctx context.Context, ev event, callErr error) error {
	applied := make(chan struct{})
	if err := r.submit(ctx, waitEvent{event: ev, applied: applied}); err != nil {
		return err
	}
	select {
	case <-applied:
		return callErr
	case <-r.done:
		return suberrors.Disposed(ev.name())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// async runs call off the Run goroutine with its own deadline, so a caller
// going away does not cut it short, and queues its result. Results arriving
// after Close are dropped.
func (r *Resolver) async(call func(ctx context.Context) event) {
	r.wg.Add(1)
	r.inflight.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.inflight.Add(-1)
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.CallTimeout)
		defer cancel()
		ev := call(ctx)
		if ev == nil {
			return
		}
		select {
		case r.events <- ev:
		case <-r.done:
			log.Debug().Str("event", ev.name()).Msg("Dropping result that arrived after close")
		}
	}()
}
