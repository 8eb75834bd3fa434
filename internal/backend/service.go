// Package backend is the reference subscription server: the authority the
// entitlement client verifies purchases and syncs status against.
package backend

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/lotto-entitlements/internal/backend/registry"
	"github.com/rcourtman/lotto-entitlements/internal/metrics"
	"github.com/rcourtman/lotto-entitlements/internal/trial"
	"github.com/rcourtman/lotto-entitlements/internal/verification"
	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

const day = 24 * time.Hour

// HTTPError is a request failure carrying the status and detail sent to the client.
type HTTPError struct {
	Status int
	Detail string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Detail)
}

func badRequest(detail string) error {
	return &HTTPError{Status: http.StatusBadRequest, Detail: detail}
}

// Options tunes a Service.
type Options struct {
	TrialDays        int
	SubscriptionDays int
	Now              func() time.Time
}

// Service implements the subscription operations over the registry.
type Service struct {
	reg      *registry.Registry
	verifier Verifier
	opts     Options

	// mu serializes read-modify-write cycles on subscription records.
	mu sync.Mutex
}

// NewService creates a Service. A nil verifier selects LenientVerifier.
func NewService(reg *registry.Registry, verifier Verifier, opts Options) *Service {
	if verifier == nil {
		verifier = LenientVerifier{}
	}
	if opts.TrialDays <= 0 {
		opts.TrialDays = entitlement.TrialPeriodDays
	}
	if opts.SubscriptionDays <= 0 {
		opts.SubscriptionDays = 30
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{reg: reg, verifier: verifier, opts: opts}
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC().Truncate(time.Second)
}

// load returns the user's record, creating a free one on first contact.
func (s *Service) load(userID string) (*registry.Subscription, error) {
	sub, err := s.reg.Get(userID)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		return sub, nil
	}
	sub = &registry.Subscription{UserID: userID, Plan: registry.PlanFree, AutoRenew: true}
	if err := s.reg.Save(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Status returns the user's subscription status, lapsing an ended Pro period.
func (s *Service) Status(_ context.Context, userID string) (verification.SubscriptionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sub, err := s.load(userID)
	if err != nil {
		return verification.SubscriptionStatus{}, err
	}
	if sub.IsPro && !sub.ProActive(now) {
		sub.IsPro = false
		sub.Plan = registry.PlanFree
		if err := s.reg.Save(sub); err != nil {
			return verification.SubscriptionStatus{}, err
		}
		metrics.ExpiredSubscriptions.Inc()
		log.Info().Str("user_id", userID).Msg("Pro subscription lapsed")
	}
	return s.statusOf(sub, now), nil
}

// StartTrial starts the one trial a user is allowed.
func (s *Service) StartTrial(_ context.Context, userID string) (verification.SubscriptionStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sub, err := s.load(userID)
	if err != nil {
		return verification.SubscriptionStatus{}, err
	}
	if sub.TrialUsed {
		return verification.SubscriptionStatus{}, badRequest("free trial already used")
	}
	if sub.ProActive(now) {
		return verification.SubscriptionStatus{}, badRequest("already subscribed to pro")
	}

	end := now.Add(time.Duration(s.opts.TrialDays) * day)
	sub.TrialUsed = true
	sub.TrialStart = &now
	sub.TrialEnd = &end
	sub.Plan = registry.PlanTrial
	if err := s.reg.Save(sub); err != nil {
		return verification.SubscriptionStatus{}, err
	}
	log.Info().Str("user_id", userID).Time("trial_end", end).Msg("Trial started")
	return s.statusOf(sub, now), nil
}

// VerifyResponse is the body returned by POST /subscription/verify-purchase.
type VerifyResponse struct {
	Verified            bool                    `json:"verified"`
	IsPro               bool                    `json:"is_pro"`
	SubscriptionEndDate *verification.Timestamp `json:"subscription_end_date"`
	Message             string                  `json:"message"`
}

// VerifyPurchase checks a purchase with the store and activates Pro for the
// user. An order id already registered to another user is refused.
func (s *Service) VerifyPurchase(ctx context.Context, userID string, req PurchaseRequest) (VerifyResponse, error) {
	req.PurchaseToken = strings.TrimSpace(req.PurchaseToken)
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.PurchaseToken == "" || req.OrderID == "" {
		return VerifyResponse{}, badRequest("invalid purchase information")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sub, err := s.load(userID)
	if err != nil {
		return VerifyResponse{}, err
	}

	other, err := s.reg.GetByOrderID(req.OrderID, userID)
	if err != nil {
		return VerifyResponse{}, err
	}
	if other != nil {
		log.Warn().Str("user_id", userID).Str("order_id", req.OrderID).Msg("Order already registered to another user")
		return VerifyResponse{}, badRequest("purchase already registered")
	}

	// A redelivered purchase must not extend the paid period.
	if sub.ProActive(now) && sub.PurchaseToken == req.PurchaseToken {
		return VerifyResponse{
			Verified:            true,
			IsPro:               true,
			SubscriptionEndDate: timestamp(sub.SubscriptionEnd),
			Message:             "Pro subscription already active",
		}, nil
	}

	verdict, err := s.verifier.Verify(ctx, req)
	if err != nil {
		if errors.Is(err, errPaymentPending) {
			return VerifyResponse{}, &HTTPError{Status: http.StatusServiceUnavailable, Detail: "payment pending"}
		}
		log.Error().Err(err).Str("user_id", userID).Msg("Store verification failed")
		return VerifyResponse{}, &HTTPError{Status: http.StatusBadGateway, Detail: "store verification unavailable"}
	}
	if !verdict.Valid {
		log.Warn().
			Str("user_id", userID).
			Str("token_suffix", entitlement.TokenSuffix(req.PurchaseToken)).
			Str("reason", verdict.Reason).
			Msg("Purchase rejected")
		return VerifyResponse{Verified: false, Message: verdict.Reason}, nil
	}

	end := now.Add(time.Duration(s.opts.SubscriptionDays) * day)
	if verdict.ExpiresAt != nil {
		end = verdict.ExpiresAt.UTC().Truncate(time.Second)
	}
	sub.IsPro = true
	sub.Plan = registry.PlanPro
	sub.SubscriptionStart = &now
	sub.SubscriptionEnd = &end
	sub.AutoRenew = true
	sub.CancelledAt = nil
	sub.OrderID = req.OrderID
	sub.PurchaseToken = req.PurchaseToken
	sub.ProductID = req.ProductID
	if err := s.reg.Save(sub); err != nil {
		return VerifyResponse{}, err
	}

	log.Info().
		Str("user_id", userID).
		Str("token_suffix", entitlement.TokenSuffix(req.PurchaseToken)).
		Time("subscription_end", end).
		Msg("Pro subscription activated")
	return VerifyResponse{
		Verified:            true,
		IsPro:               true,
		SubscriptionEndDate: timestamp(&end),
		Message:             "Pro subscription activated",
	}, nil
}

// Cancel turns off auto-renewal. Pro remains until the end of the period.
func (s *Service) Cancel(_ context.Context, userID string) (verification.CancelResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sub, err := s.load(userID)
	if err != nil {
		return verification.CancelResult{}, err
	}
	if !sub.ProActive(now) {
		return verification.CancelResult{}, badRequest("no active subscription")
	}

	sub.AutoRenew = false
	sub.CancelledAt = &now
	if err := s.reg.Save(sub); err != nil {
		return verification.CancelResult{}, err
	}
	log.Info().Str("user_id", userID).Msg("Subscription cancelled")
	return verification.CancelResult{
		Success:             true,
		Message:             "Subscription cancelled. Pro access continues until the end of the current period.",
		SubscriptionEndDate: timestamp(sub.SubscriptionEnd),
	}, nil
}

// ExpireLapsed lapses every Pro subscription whose period has ended.
func (s *Service) ExpireLapsed(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.ExpireLapsed(s.now())
}

// StatsResponse is the admin statistics document.
type StatsResponse struct {
	registry.Stats
	ConversionRate float64 `json:"conversion_rate"`
}

// Stats returns registry-wide subscription counters.
func (s *Service) Stats(_ context.Context) (StatsResponse, error) {
	st, err := s.reg.Stats(s.now())
	if err != nil {
		return StatsResponse{}, err
	}
	resp := StatsResponse{Stats: st}
	if st.TrialsUsed > 0 {
		resp.ConversionRate = math.Round(float64(st.ProSubscribers)/float64(st.TrialsUsed)*10000) / 100
	}
	return resp, nil
}

// ExpiringTrial is one row of the expiring-trials report.
type ExpiringTrial struct {
	registry.ExpiringTrial
	DaysRemaining int `json:"days_remaining"`
}

// ExpiringTrials lists non-Pro trials ending within days.
func (s *Service) ExpiringTrials(_ context.Context, days int) ([]ExpiringTrial, error) {
	if days < 0 {
		return nil, badRequest("days must not be negative")
	}
	now := s.now()
	rows, err := s.reg.ListExpiringTrials(now, time.Duration(days)*day)
	if err != nil {
		return nil, err
	}
	out := make([]ExpiringTrial, 0, len(rows))
	for _, r := range rows {
		out = append(out, ExpiringTrial{ExpiringTrial: r, DaysRemaining: int(r.TrialEnd.Sub(now) / day)})
	}
	return out, nil
}

// trialProgress mirrors the client's trial clock so both sides agree on the
// day count.
func (s *Service) trialProgress(sub *registry.Subscription, now time.Time) (remaining int, active bool) {
	if !sub.TrialUsed || sub.TrialStart == nil {
		return 0, false
	}
	remaining = max(0, s.opts.TrialDays-trial.ElapsedDays(*sub.TrialStart, now))
	return remaining, remaining > 0
}

func (s *Service) statusOf(sub *registry.Subscription, now time.Time) verification.SubscriptionStatus {
	remaining, active := s.trialProgress(sub, now)
	isPro := sub.ProActive(now)

	plan := registry.PlanFree
	switch {
	case isPro:
		plan = registry.PlanPro
	case active:
		plan = registry.PlanTrial
	}

	return verification.SubscriptionStatus{
		IsPro:               isPro,
		TrialActive:         active,
		TrialDaysRemaining:  remaining,
		SubscriptionPlan:    string(plan),
		HasAccess:           isPro || active,
		TrialStartDate:      timestamp(sub.TrialStart),
		TrialEndDate:        timestamp(sub.TrialEnd),
		SubscriptionEndDate: timestamp(sub.SubscriptionEnd),
		AutoRenew:           sub.AutoRenew,
	}
}

func timestamp(t *time.Time) *verification.Timestamp {
	if t == nil {
		return nil
	}
	return &verification.Timestamp{Time: *t}
}
