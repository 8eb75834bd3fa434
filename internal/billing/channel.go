package billing

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	suberrors "github.com/rcourtman/lotto-entitlements/internal/errors"
	"github.com/rcourtman/lotto-entitlements/internal/metrics"
	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

// State is the billing connection state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateReady         State = "ready"
	StateDisconnected  State = "disconnected"
	StateClosed        State = "closed"
)

// Channel is the connection state machine over a Platform:
//
//	Uninitialized -> Connecting -> Ready
//	Connecting -> Disconnected
//	Ready -> Disconnected
//
// Reconnecting is the caller's job; the Channel never retries on its own.
type Channel struct {
	platform Platform

	mu        sync.RWMutex
	state     State
	lastErr   error
	seen      map[string]entitlement.PurchaseState
	acked     map[string]struct{}
	onState   func(State)
	connectMu sync.Mutex

	ackGroup singleflight.Group

	queueMu sync.Mutex
	queue   []entitlement.PurchaseRecord
	notify  chan struct{}
	out     chan entitlement.PurchaseRecord
	done    chan struct{}
	closeMu sync.Once
}

// NewChannel wraps platform. The event pump starts immediately; Close stops it.
func NewChannel(platform Platform) *Channel {
	c := &Channel{
		platform: platform,
		state:    StateUninitialized,
		seen:     make(map[string]entitlement.PurchaseState),
		acked:    make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
		out:      make(chan entitlement.PurchaseRecord),
		done:     make(chan struct{}),
	}
	metrics.RecordBillingState(string(StateUninitialized))
	go c.pump()
	return c
}

// OnStateChange registers a callback invoked after every state transition.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LastError returns the error behind the most recent Disconnected transition.
func (c *Channel) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Events is the purchase event stream. Exact redeliveries (same token, same
// purchase state) are suppressed; delivery is otherwise at-least-once and
// consumers still dedupe by token. The channel closes after Close.
func (c *Channel) Events() <-chan entitlement.PurchaseRecord {
	return c.out
}

// Initialize connects to the billing service. It blocks until the channel is
// Ready or Disconnected; callers wanting it in the background run it in a
// goroutine. Calling it while Ready is a no-op.
func (c *Channel) Initialize(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	switch c.State() {
	case StateReady:
		return nil
	case StateClosed:
		return suberrors.BillingUnavailable("initialize", string(StateClosed))
	}

	c.setState(StateConnecting, nil)
	if err := c.platform.Connect(ctx, listener{c}); err != nil {
		c.setState(StateDisconnected, err)
		log.Warn().Err(err).Msg("Billing connection failed")
		return suberrors.New(suberrors.ErrorTypeBilling, "initialize", err)
	}
	if c.State() == StateClosed {
		_ = c.platform.Disconnect()
		return suberrors.BillingUnavailable("initialize", string(StateClosed))
	}
	c.setState(StateReady, nil)
	log.Info().Msg("Billing connection ready")
	return nil
}

// QueryExistingPurchases returns purchases the platform knows the user owns.
// Only valid while Ready.
func (c *Channel) QueryExistingPurchases(ctx context.Context) ([]entitlement.PurchaseRecord, error) {
	if err := c.requireReady("query_purchases"); err != nil {
		return nil, err
	}
	records, err := c.platform.QueryPurchases(ctx)
	if err != nil {
		return nil, suberrors.New(suberrors.ErrorTypeBilling, "query_purchases", err)
	}
	out := make([]entitlement.PurchaseRecord, 0, len(records))
	for _, r := range records {
		out = append(out, c.withLocalAck(r))
	}
	return out, nil
}

// LaunchPurchaseFlow starts the platform purchase UI for productID using the
// product's first offer. The outcome arrives on Events.
func (c *Channel) LaunchPurchaseFlow(ctx context.Context, productID string) error {
	if err := c.requireReady("launch_purchase_flow"); err != nil {
		return err
	}
	details, err := c.platform.QueryProductDetails(ctx, productID)
	if err != nil {
		return suberrors.New(suberrors.ErrorTypeBilling, "query_product_details", err)
	}
	if len(details.OfferTokens) == 0 {
		return suberrors.Invalid("launch_purchase_flow", "product %s has no offers", productID)
	}
	if err := c.platform.LaunchPurchaseFlow(ctx, productID, details.OfferTokens[0]); err != nil {
		return suberrors.New(suberrors.ErrorTypeBilling, "launch_purchase_flow", err)
	}
	log.Info().Str("product_id", productID).Msg("Launched purchase flow")
	return nil
}

// Acknowledge acknowledges a purchase with the platform. A token already
// acknowledged (locally tracked, or flagged on the record) is not sent again;
// concurrent calls for one token share a single platform call.
func (c *Channel) Acknowledge(ctx context.Context, rec entitlement.PurchaseRecord) error {
	if rec.Token == "" {
		return suberrors.Invalid("acknowledge", "purchase token is empty")
	}
	if rec.Acknowledged {
		c.markAcked(rec.Token)
	}
	if c.IsAcknowledged(rec.Token) {
		return nil
	}
	if err := c.requireReady("acknowledge"); err != nil {
		return err
	}

	_, err, _ := c.ackGroup.Do(rec.Token, func() (any, error) {
		if c.IsAcknowledged(rec.Token) {
			return nil, nil
		}
		if err := c.platform.Acknowledge(ctx, rec.Token); err != nil {
			metrics.Acknowledgements.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.Acknowledgements.WithLabelValues("ok").Inc()
		c.markAcked(rec.Token)
		return nil, nil
	})
	if err != nil {
		return suberrors.New(suberrors.ErrorTypeBilling, "acknowledge", err).WithToken(rec.TokenSuffix())
	}
	log.Info().Str("token_suffix", rec.TokenSuffix()).Msg("Purchase acknowledged")
	return nil
}

// MarkAcknowledged seeds local acknowledgement tracking, e.g. from the ledger
// after a restart.
func (c *Channel) MarkAcknowledged(tokens ...string) {
	for _, t := range tokens {
		c.markAcked(t)
	}
}

// IsAcknowledged reports whether the token is known to be acknowledged.
func (c *Channel) IsAcknowledged(token string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.acked[token]
	return ok
}

// Close releases the billing connection and stops the event stream. It is
// safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeMu.Do(func() {
		prev := c.State()
		c.setState(StateClosed, nil)
		if prev == StateReady || prev == StateConnecting {
			err = c.platform.Disconnect()
		}
		close(c.done)
	})
	return err
}

func (c *Channel) requireReady(op string) error {
	if s := c.State(); s != StateReady {
		return suberrors.BillingUnavailable(op, string(s))
	}
	return nil
}

func (c *Channel) markAcked(token string) {
	c.mu.Lock()
	c.acked[token] = struct{}{}
	c.mu.Unlock()
}

func (c *Channel) withLocalAck(r entitlement.PurchaseRecord) entitlement.PurchaseRecord {
	if !r.Acknowledged && c.IsAcknowledged(r.Token) {
		r.Acknowledged = true
	}
	return r
}

func (c *Channel) setState(s State, err error) {
	c.mu.Lock()
	if c.state == StateClosed && s != StateClosed {
		c.mu.Unlock()
		return
	}
	changed := c.state != s
	c.state = s
	if err != nil {
		c.lastErr = err
	}
	cb := c.onState
	c.mu.Unlock()

	if !changed {
		return
	}
	metrics.RecordBillingState(string(s))
	if cb != nil {
		cb(s)
	}
}

// deliver enqueues platform records, dropping exact redeliveries.
func (c *Channel) deliver(records []entitlement.PurchaseRecord) {
	var fresh []entitlement.PurchaseRecord
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	for _, r := range records {
		if r.Token == "" {
			continue
		}
		if prev, ok := c.seen[r.Token]; ok && prev == r.PurchaseState {
			metrics.PurchaseEvents.WithLabelValues("duplicate").Inc()
			log.Debug().Str("token_suffix", r.TokenSuffix()).Msg("Suppressed purchase redelivery")
			continue
		}
		c.seen[r.Token] = r.PurchaseState
		if _, ok := c.acked[r.Token]; ok {
			r.Acknowledged = true
		}
		fresh = append(fresh, r)
	}
	c.mu.Unlock()

	if len(fresh) == 0 {
		return
	}
	for _, r := range fresh {
		disposition := "delivered"
		if r.PurchaseState == entitlement.PurchasePending {
			disposition = "pending"
		}
		metrics.PurchaseEvents.WithLabelValues(disposition).Inc()
	}

	c.queueMu.Lock()
	c.queue = append(c.queue, fresh...)
	c.queueMu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// pump moves queued records to the unbuffered out channel so platform
// callbacks never block on a slow consumer.
func (c *Channel) pump() {
	defer close(c.out)
	for {
		c.queueMu.Lock()
		var next *entitlement.PurchaseRecord
		if len(c.queue) > 0 {
			r := c.queue[0]
			c.queue = c.queue[1:]
			next = &r
		}
		c.queueMu.Unlock()

		if next == nil {
			select {
			case <-c.notify:
				continue
			case <-c.done:
				return
			}
		}

		select {
		case c.out <- *next:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) disconnected(err error) {
	if err == nil {
		err = errors.New("billing service disconnected")
	}
	if c.State() == StateClosed {
		return
	}
	c.setState(StateDisconnected, err)
	log.Warn().Err(err).Msg("Billing connection lost")
}

type listener struct{ c *Channel }

func (l listener) PurchasesUpdated(records []entitlement.PurchaseRecord) { l.c.deliver(records) }

func (l listener) Disconnected(err error) { l.c.disconnected(err) }
