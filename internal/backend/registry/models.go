package registry

import "time"

// Plan is the subscription plan label reported to clients.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanTrial Plan = "trial"
	PlanPro   Plan = "pro"
)

// User is an account known to the subscription server.
type User struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Subscription is the server-authoritative subscription record of one user.
type Subscription struct {
	UserID string `json:"user_id"`
	Plan   Plan   `json:"plan"`
	IsPro  bool   `json:"is_pro"`

	TrialUsed  bool       `json:"trial_used"`
	TrialStart *time.Time `json:"trial_start,omitempty"`
	TrialEnd   *time.Time `json:"trial_end,omitempty"`

	SubscriptionStart *time.Time `json:"subscription_start,omitempty"`
	SubscriptionEnd   *time.Time `json:"subscription_end,omitempty"`
	AutoRenew         bool       `json:"auto_renew"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`

	OrderID       string `json:"order_id,omitempty"`
	PurchaseToken string `json:"-"`
	ProductID     string `json:"product_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProActive reports whether the Pro flag is set and the paid period has not ended.
func (s *Subscription) ProActive(now time.Time) bool {
	return s.IsPro && s.SubscriptionEnd != nil && now.Before(*s.SubscriptionEnd)
}

// ExpiringTrial is a trial user whose trial ends soon.
type ExpiringTrial struct {
	UserID   string    `json:"user_id"`
	Email    string    `json:"email"`
	TrialEnd time.Time `json:"trial_end_date"`
}

// Stats summarizes the registry.
type Stats struct {
	TotalUsers     int `json:"total_users"`
	ProSubscribers int `json:"pro_subscribers"`
	ActiveTrials   int `json:"active_trial_users"`
	TrialsUsed     int `json:"total_trial_used"`
	CancelledPro   int `json:"cancelled_pro"`
}
