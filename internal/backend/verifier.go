package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// PurchaseRequest is the body of POST /subscription/verify-purchase.
type PurchaseRequest struct {
	PurchaseToken string `json:"purchase_token"`
	OrderID       string `json:"order_id"`
	ProductID     string `json:"product_id"`
}

// Verdict is a store's answer about a purchase token.
type Verdict struct {
	Valid bool

	// ExpiresAt is the paid-through time reported by the store, if any.
	ExpiresAt *time.Time
	AutoRenew bool
	Reason    string
}

// Verifier checks a purchase with the store that issued it. A returned error
// means no verdict could be reached.
type Verifier interface {
	Verify(ctx context.Context, req PurchaseRequest) (Verdict, error)
}

// errPaymentPending is returned while the store still waits for payment.
var errPaymentPending = errors.New("payment pending")

// LenientVerifier accepts any purchase carrying a token and an order id.
// It is used when no store credentials are configured.
type LenientVerifier struct{}

// Verify implements Verifier.
func (LenientVerifier) Verify(_ context.Context, req PurchaseRequest) (Verdict, error) {
	if strings.TrimSpace(req.PurchaseToken) == "" || strings.TrimSpace(req.OrderID) == "" {
		return Verdict{Reason: "missing purchase token or order id"}, nil
	}
	return Verdict{Valid: true, AutoRenew: true}, nil
}

// PlayVerifier validates subscription tokens with the Google Play Developer API.
type PlayVerifier struct {
	packageName string
	svc         *androidpublisher.Service
	now         func() time.Time
}

// NewPlayVerifier builds a verifier for packageName. opts typically carry
// option.WithCredentialsFile.
func NewPlayVerifier(ctx context.Context, packageName string, opts ...option.ClientOption) (*PlayVerifier, error) {
	if packageName == "" {
		return nil, fmt.Errorf("play verifier: package name is required")
	}
	svc, err := androidpublisher.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create androidpublisher service: %w", err)
	}
	return &PlayVerifier{packageName: packageName, svc: svc, now: time.Now}, nil
}

// Verify implements Verifier.
func (p *PlayVerifier) Verify(ctx context.Context, req PurchaseRequest) (Verdict, error) {
	if req.PurchaseToken == "" || req.ProductID == "" {
		return Verdict{Reason: "missing purchase token or product id"}, nil
	}

	sub, err := p.svc.Purchases.Subscriptions.Get(p.packageName, req.ProductID, req.PurchaseToken).Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			switch apiErr.Code {
			case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
				return Verdict{Reason: fmt.Sprintf("store rejected token: %s", apiErr.Message)}, nil
			}
		}
		return Verdict{}, fmt.Errorf("query play subscription: %w", err)
	}
	if paymentPending(sub) {
		return Verdict{}, errPaymentPending
	}
	return p.evaluate(sub, req), nil
}

func (p *PlayVerifier) evaluate(sub *androidpublisher.SubscriptionPurchase, req PurchaseRequest) Verdict {
	// Renewals carry the original order id plus a "..N" suffix.
	if req.OrderID != "" && sub.OrderId != "" && !strings.HasPrefix(sub.OrderId, req.OrderID) {
		return Verdict{Reason: "order id does not match token"}
	}
	expires := time.UnixMilli(sub.ExpiryTimeMillis).UTC()
	if !expires.After(p.now()) {
		return Verdict{Reason: "subscription expired"}
	}
	return Verdict{Valid: true, ExpiresAt: &expires, AutoRenew: sub.AutoRenewing}
}

// paymentPending reports whether the store is still waiting for payment.
// Payment state is absent for cancelled or expired subscriptions.
func paymentPending(sub *androidpublisher.SubscriptionPurchase) bool {
	if sub.PaymentState == nil {
		return false
	}
	const pending, pendingDeferred = int64(0), int64(3)
	state := *sub.PaymentState
	return state == pending || state == pendingDeferred
}
