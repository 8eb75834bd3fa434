package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

// Simulator is an in-memory Platform for development and tests. Purchases
// complete immediately when a flow is launched unless AutoComplete is false.
type Simulator struct {
	mu sync.Mutex

	listener  Listener
	connected bool
	products  map[string]ProductDetails
	owned     map[string]entitlement.PurchaseRecord
	order     []string

	// ConnectErr, when set, makes the next Connect fail.
	ConnectErr error
	// AckErr, when set, makes Acknowledge calls fail.
	AckErr error
	// AutoComplete delivers a Purchased record when a flow is launched.
	AutoComplete bool

	ackCalls    map[string]int
	launchCalls int
}

// NewSimulator returns a Simulator offering productID.
func NewSimulator(productID string) *Simulator {
	return &Simulator{
		products: map[string]ProductDetails{
			productID: {
				ProductID:   productID,
				Title:       "Lotto Pro (monthly)",
				Price:       "₩3,900",
				OfferTokens: []string{"offer-" + productID},
			},
		},
		owned:        make(map[string]entitlement.PurchaseRecord),
		ackCalls:     make(map[string]int),
		AutoComplete: true,
	}
}

func (s *Simulator) Connect(ctx context.Context, l Listener) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConnectErr != nil {
		err := s.ConnectErr
		s.ConnectErr = nil
		return err
	}
	s.listener = l
	s.connected = true
	return nil
}

func (s *Simulator) QueryPurchases(ctx context.Context) ([]entitlement.PurchaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, errors.New("simulator: not connected")
	}
	out := make([]entitlement.PurchaseRecord, 0, len(s.order))
	for _, tok := range s.order {
		out = append(out, s.owned[tok])
	}
	return out, nil
}

func (s *Simulator) QueryProductDetails(ctx context.Context, productID string) (ProductDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.products[productID]
	if !ok {
		return ProductDetails{}, fmt.Errorf("simulator: unknown product %q", productID)
	}
	return d, nil
}

func (s *Simulator) LaunchPurchaseFlow(ctx context.Context, productID, offerToken string) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return errors.New("simulator: not connected")
	}
	s.launchCalls++
	auto := s.AutoComplete
	s.mu.Unlock()

	if auto {
		s.Purchase(entitlement.PurchaseRecord{
			Token:         "sim-" + ulid.Make().String(),
			OrderID:       "GPA.SIM-" + ulid.Make().String(),
			ProductID:     productID,
			PurchaseState: entitlement.PurchasePurchased,
		})
	}
	return nil
}

func (s *Simulator) Acknowledge(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackCalls[token]++
	if s.AckErr != nil {
		return s.AckErr
	}
	if rec, ok := s.owned[token]; ok {
		rec.Acknowledged = true
		s.owned[token] = rec
	}
	return nil
}

func (s *Simulator) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// Purchase records rec as owned and delivers it to the listener.
func (s *Simulator) Purchase(rec entitlement.PurchaseRecord) {
	s.mu.Lock()
	if _, ok := s.owned[rec.Token]; !ok {
		s.order = append(s.order, rec.Token)
	}
	s.owned[rec.Token] = rec
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.PurchasesUpdated([]entitlement.PurchaseRecord{rec})
	}
}

// Redeliver sends every owned purchase to the listener again, as the
// platform does after a reconnect.
func (s *Simulator) Redeliver() {
	s.mu.Lock()
	records := make([]entitlement.PurchaseRecord, 0, len(s.order))
	for _, tok := range s.order {
		records = append(records, s.owned[tok])
	}
	l := s.listener
	s.mu.Unlock()
	if l != nil && len(records) > 0 {
		l.PurchasesUpdated(records)
	}
}

// DropConnection simulates the billing service going away.
func (s *Simulator) DropConnection(err error) {
	s.mu.Lock()
	s.connected = false
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.Disconnected(err)
	}
}

// AckCalls returns how many times Acknowledge was called for token.
func (s *Simulator) AckCalls(token string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackCalls[token]
}

// LaunchCalls returns how many purchase flows were launched.
func (s *Simulator) LaunchCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.launchCalls
}
