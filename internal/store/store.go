// Package store holds the current Entitlement. The resolver is its only
// writer; every other component reads a snapshot or subscribes to changes.
package store

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/lotto-entitlements/internal/kvstore"
	"github.com/rcourtman/lotto-entitlements/internal/metrics"
	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

// SnapshotKey is the kv key of the last published entitlement.
const SnapshotKey = "entitlement.snapshot"

// Store is the observable entitlement cache.
type Store struct {
	current  atomic.Pointer[entitlement.Entitlement]
	restored bool

	kv kvstore.Store

	mu          sync.Mutex
	subscribers map[string]chan entitlement.Entitlement
}

// New returns a store seeded from the persisted snapshot in kv, or with the
// initial Free entitlement when there is none. A restored snapshot is marked
// stale until the resolver publishes a fresh value. kv may be nil.
func New(kv kvstore.Store, now time.Time) *Store {
	s := &Store{
		kv:          kv,
		subscribers: make(map[string]chan entitlement.Entitlement),
	}

	initial := entitlement.Initial(now)
	if snap, ok := loadSnapshot(kv); ok {
		snap.Stale = true
		initial = snap
		s.restored = true
		log.Info().
			Str("tier", string(snap.Tier)).
			Time("as_of", snap.AsOf).
			Msg("Restored cached entitlement snapshot")
	}
	s.current.Store(&initial)
	return s
}

func loadSnapshot(kv kvstore.Store) (entitlement.Entitlement, bool) {
	if kv == nil {
		return entitlement.Entitlement{}, false
	}
	raw, ok, err := kv.Get(SnapshotKey)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read cached entitlement snapshot")
		return entitlement.Entitlement{}, false
	}
	if !ok {
		return entitlement.Entitlement{}, false
	}
	var snap entitlement.Entitlement
	if err := json.Unmarshal(raw, &snap); err != nil || !snap.Tier.Valid() {
		log.Warn().Err(err).Msg("Discarding unreadable entitlement snapshot")
		return entitlement.Entitlement{}, false
	}
	return snap, true
}

// Current returns the latest published entitlement. It never blocks.
func (s *Store) Current() entitlement.Entitlement {
	return *s.current.Load()
}

// Restored reports whether the store was seeded from a persisted snapshot.
func (s *Store) Restored() bool {
	return s.restored
}

// Publish replaces the current entitlement, persists it and notifies
// subscribers. Only the resolver calls Publish.
func (s *Store) Publish(ent entitlement.Entitlement) {
	prev := s.current.Load()
	stored := ent
	s.current.Store(&stored)

	if prev == nil || prev.Tier != ent.Tier || prev.Source != ent.Source {
		metrics.RecordTransition(string(ent.Tier), string(ent.Source))
		log.Info().
			Str("tier", string(ent.Tier)).
			Str("source", string(ent.Source)).
			Int("days_remaining", ent.DaysRemaining).
			Bool("pending", ent.Pending).
			Bool("stale", ent.Stale).
			Msg("Entitlement changed")
	}

	if s.kv != nil {
		if data, err := json.Marshal(ent); err != nil {
			log.Warn().Err(err).Msg("Failed to encode entitlement snapshot")
		} else if err := s.kv.Set(SnapshotKey, data); err != nil {
			log.Warn().Err(err).Msg("Failed to persist entitlement snapshot")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		offerLatest(ch, ent)
	}
}

// Subscribe returns a channel that always holds the most recent entitlement.
// Slow readers skip intermediate values rather than blocking Publish. The
// current value is delivered immediately. Call the returned func to stop.
func (s *Store) Subscribe() (<-chan entitlement.Entitlement, func()) {
	id := uuid.NewString()
	ch := make(chan entitlement.Entitlement, 1)

	// Seeding and registering under one lock means a concurrent Publish is
	// either in the seed or offered to ch.
	s.mu.Lock()
	ch <- s.Current()
	s.subscribers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subscribers[id]; ok {
				close(c)
				delete(s.subscribers, id)
			}
		})
	}
}

// offerLatest replaces any unread value in ch with ent. Callers hold s.mu, so
// there is no competing sender.
func offerLatest(ch chan entitlement.Entitlement, ent entitlement.Entitlement) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ent:
	default:
	}
}
