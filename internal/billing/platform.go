// Package billing wraps the platform billing client: connection lifecycle,
// a deduplicated purchase event stream and acknowledgement tracking.
package billing

import (
	"context"

	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

// ProductDetails describes a purchasable subscription product.
type ProductDetails struct {
	ProductID   string   `json:"product_id"`
	Title       string   `json:"title"`
	Price       string   `json:"price"`
	OfferTokens []string `json:"offer_tokens"`
}

// Listener receives asynchronous platform callbacks. Implementations must not block.
type Listener interface {
	PurchasesUpdated(records []entitlement.PurchaseRecord)
	Disconnected(err error)
}

// Platform is the opaque billing capability the Channel drives. It is never
// reimplemented here; production builds bind it to the device billing
// library, tests and the dev CLI use Simulator.
type Platform interface {
	// Connect blocks until the billing service is connected or fails.
	Connect(ctx context.Context, l Listener) error
	QueryPurchases(ctx context.Context) ([]entitlement.PurchaseRecord, error)
	QueryProductDetails(ctx context.Context, productID string) (ProductDetails, error)
	// LaunchPurchaseFlow shows the platform UI. Its result arrives later
	// through Listener.PurchasesUpdated.
	LaunchPurchaseFlow(ctx context.Context, productID, offerToken string) error
	Acknowledge(ctx context.Context, token string) error
	Disconnect() error
}
