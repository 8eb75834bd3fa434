package entitlement

import (
	"errors"
	"fmt"
	"time"
)

// TrialPeriodDays is the length of the free trial.
const TrialPeriodDays = 30

// Tier is the resolved access tier. Exactly one tier applies at a time.
type Tier string

const (
	TierFree         Tier = "free"
	TierTrialActive  Tier = "trial_active"
	TierTrialExpired Tier = "trial_expired"
	TierPro          Tier = "pro"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierTrialActive, TierTrialExpired, TierPro:
		return true
	default:
		return false
	}
}

// Source identifies which signal produced an Entitlement.
type Source string

const (
	SourceLocal  Source = "local"
	SourceServer Source = "server"
)

// Entitlement is the resolver's output and the only value other components read.
type Entitlement struct {
	Tier          Tier      `json:"tier"`
	DaysRemaining int       `json:"days_remaining"`
	Source        Source    `json:"source"`
	AsOf          time.Time `json:"as_of"`

	// Pending marks an optimistic Pro grant that is still awaiting verification.
	Pending bool `json:"pending,omitempty"`

	// Stale marks an entitlement computed from a cached server record after
	// the latest sync attempt failed.
	Stale bool `json:"stale,omitempty"`

	SubscriptionEndDate *time.Time `json:"subscription_end_date,omitempty"`
	AutoRenew           bool       `json:"auto_renew"`
}

// IsPro reports whether the entitlement grants the paid tier.
func (e Entitlement) IsPro() bool {
	return e.Tier == TierPro
}

// HasAccess reports whether premium features are usable (Pro or an active trial).
func (e Entitlement) HasAccess() bool {
	return e.Tier == TierPro || e.Tier == TierTrialActive
}

// Initial is the entitlement published before any input has been resolved.
func Initial(now time.Time) Entitlement {
	return Entitlement{Tier: TierFree, Source: SourceLocal, AsOf: now}
}

// TrialState is the persisted local trial timer.
type TrialState struct {
	Started        bool       `json:"started"`
	StartTimestamp *time.Time `json:"start_timestamp,omitempty"`
}

var errTrialStateInconsistent = errors.New("trial state: started and start timestamp disagree")

// Validate enforces started == false <=> StartTimestamp == nil.
func (s TrialState) Validate() error {
	if s.Started != (s.StartTimestamp != nil) {
		return errTrialStateInconsistent
	}
	return nil
}

// PurchaseState mirrors the platform's purchase lifecycle.
type PurchaseState string

const (
	PurchasePending   PurchaseState = "pending"
	PurchasePurchased PurchaseState = "purchased"
	PurchaseCancelled PurchaseState = "cancelled"
)

// ParsePurchaseState converts a stored value back into a PurchaseState.
func ParsePurchaseState(raw string) (PurchaseState, error) {
	switch s := PurchaseState(raw); s {
	case PurchasePending, PurchasePurchased, PurchaseCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown purchase state %q", raw)
	}
}

// PurchaseRecord is a purchase as delivered by the billing platform.
// Records are never deleted; they remain for audit and deduplication.
type PurchaseRecord struct {
	Token          string        `json:"token"`
	OrderID        string        `json:"order_id"`
	ProductID      string        `json:"product_id"`
	PurchaseState  PurchaseState `json:"purchase_state"`
	Acknowledged   bool          `json:"acknowledged"`
	ServerVerified bool          `json:"server_verified"`
}

// TokenSuffix returns a log-safe suffix of the purchase token.
func (r PurchaseRecord) TokenSuffix() string {
	return TokenSuffix(r.Token)
}

// TokenSuffix returns the last few characters of a token for logging.
func TokenSuffix(token string) string {
	const keep = 6
	if len(token) <= keep {
		return token
	}
	return "…" + token[len(token)-keep:]
}

// SubscriptionRecord is the client's cached copy of the server-held subscription.
type SubscriptionRecord struct {
	IsPro               bool       `json:"is_pro"`
	TrialActive         bool       `json:"trial_active"`
	TrialDaysRemaining  int        `json:"trial_days_remaining"`
	TrialStarted        bool       `json:"trial_started"`
	SubscriptionEndDate *time.Time `json:"subscription_end_date,omitempty"`
	AutoRenew           bool       `json:"auto_renew"`
}

// ProActiveAt reports whether the record grants Pro at now. A Pro flag whose
// end date has already passed does not count.
func (r SubscriptionRecord) ProActiveAt(now time.Time) bool {
	if !r.IsPro {
		return false
	}
	if r.SubscriptionEndDate == nil {
		return true
	}
	return now.Before(*r.SubscriptionEndDate)
}
