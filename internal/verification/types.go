package verification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

// Timestamp is a server date. The backend emits ISO-8601 values that may or
// may not carry a zone; zone-less values are taken as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses any of the accepted server date layouts.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339))
}

// Ptr returns nil for a zero or nil timestamp.
func (t *Timestamp) Ptr() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

// SubscriptionStatus is the backend's subscription status document.
type SubscriptionStatus struct {
	IsPro               bool       `json:"is_pro"`
	TrialActive         bool       `json:"trial_active"`
	TrialDaysRemaining  int        `json:"trial_days_remaining"`
	SubscriptionPlan    string     `json:"subscription_plan"`
	HasAccess           bool       `json:"has_access"`
	TrialStartDate      *Timestamp `json:"trial_start_date"`
	TrialEndDate        *Timestamp `json:"trial_end_date"`
	SubscriptionEndDate *Timestamp `json:"subscription_end_date"`
	AutoRenew           bool       `json:"auto_renew"`
}

// Record converts the status document into the cached client record.
func (s SubscriptionStatus) Record() entitlement.SubscriptionRecord {
	return entitlement.SubscriptionRecord{
		IsPro:               s.IsPro,
		TrialActive:         s.TrialActive,
		TrialDaysRemaining:  max(0, s.TrialDaysRemaining),
		TrialStarted:        s.TrialStartDate.Ptr() != nil,
		SubscriptionEndDate: s.SubscriptionEndDate.Ptr(),
		AutoRenew:           s.AutoRenew,
	}
}

type verifyRequest struct {
	PurchaseToken string `json:"purchase_token"`
	OrderID       string `json:"order_id"`
	ProductID     string `json:"product_id"`
}

type verifyResponse struct {
	Verified            bool       `json:"verified"`
	IsPro               bool       `json:"is_pro"`
	SubscriptionEndDate *Timestamp `json:"subscription_end_date"`
	Message             string     `json:"message"`
}

// Result is the outcome of a verify call that reached a verdict. Verified
// false is a definitive rejection of the token.
type Result struct {
	Verified            bool
	IsPro               bool
	SubscriptionEndDate *time.Time
	Message             string
}

// CancelResult is the backend's response to a cancellation.
type CancelResult struct {
	Success             bool       `json:"success"`
	Message             string     `json:"message"`
	SubscriptionEndDate *Timestamp `json:"subscription_end_date"`
}

type errorBody struct {
	Detail  any    `json:"detail"`
	Message string `json:"message"`
}

func errorMessage(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if s, ok := eb.Detail.(string); ok && s != "" {
			return s
		}
		if eb.Message != "" {
			return eb.Message
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
