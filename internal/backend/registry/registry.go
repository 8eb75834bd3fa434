// Package registry stores users and their subscription records in SQLite.
package registry

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Registry provides CRUD operations for subscription records backed by SQLite.
type Registry struct {
	db *sql.DB
}

// Open opens (or creates) the registry database at path.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open subscription registry db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	r := &Registry{db: db}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		email         TEXT NOT NULL DEFAULT '',
		created_at    INTEGER NOT NULL,
		last_seen_at  INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS subscriptions (
		user_id             TEXT PRIMARY KEY,
		plan                TEXT NOT NULL DEFAULT 'free',
		is_pro              INTEGER NOT NULL DEFAULT 0,
		trial_used          INTEGER NOT NULL DEFAULT 0,
		trial_start         INTEGER,
		trial_end           INTEGER,
		subscription_start  INTEGER,
		subscription_end    INTEGER,
		auto_renew          INTEGER NOT NULL DEFAULT 1,
		cancelled_at        INTEGER,
		order_id            TEXT NOT NULL DEFAULT '',
		purchase_token      TEXT NOT NULL DEFAULT '',
		product_id          TEXT NOT NULL DEFAULT '',
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_order_id ON subscriptions(order_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_trial_end ON subscriptions(trial_end);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_pro_end ON subscriptions(is_pro, subscription_end);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("init subscription registry schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity for the readiness endpoint.
func (r *Registry) Ping() error {
	return r.db.Ping()
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// TouchUser records that id was seen at now, creating the user if needed.
func (r *Registry) TouchUser(id, email string, now time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO users (id, email, created_at, last_seen_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = CASE WHEN excluded.email != '' THEN excluded.email ELSE users.email END,
			last_seen_at = excluded.last_seen_at`,
		id, email, now.Unix(), now.Unix(),
	)
	if err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

// GetUser returns the user or nil when unknown.
func (r *Registry) GetUser(id string) (*User, error) {
	var u User
	var createdAt, lastSeen int64
	err := r.db.QueryRow(`SELECT id, email, created_at, last_seen_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &createdAt, &lastSeen)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	u.LastSeenAt = time.Unix(lastSeen, 0).UTC()
	return &u, nil
}

const subscriptionColumns = `
	user_id, plan, is_pro, trial_used, trial_start, trial_end,
	subscription_start, subscription_end, auto_renew, cancelled_at,
	order_id, purchase_token, product_id, created_at, updated_at`

// Get retrieves the subscription for userID, or nil when none exists.
func (r *Registry) Get(userID string) (*Subscription, error) {
	row := r.db.QueryRow(`SELECT`+subscriptionColumns+` FROM subscriptions WHERE user_id = ?`, userID)
	return scanSubscription(row)
}

// GetByOrderID returns a subscription holding orderID for a user other than
// excludeUserID, or nil.
func (r *Registry) GetByOrderID(orderID, excludeUserID string) (*Subscription, error) {
	row := r.db.QueryRow(`SELECT`+subscriptionColumns+`
		FROM subscriptions WHERE order_id = ? AND user_id != ? LIMIT 1`, orderID, excludeUserID)
	return scanSubscription(row)
}

// Save inserts or replaces the subscription record.
func (r *Registry) Save(s *Subscription) error {
	if s == nil {
		return fmt.Errorf("subscription is nil")
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			plan = excluded.plan,
			is_pro = excluded.is_pro,
			trial_used = excluded.trial_used,
			trial_start = excluded.trial_start,
			trial_end = excluded.trial_end,
			subscription_start = excluded.subscription_start,
			subscription_end = excluded.subscription_end,
			auto_renew = excluded.auto_renew,
			cancelled_at = excluded.cancelled_at,
			order_id = excluded.order_id,
			purchase_token = excluded.purchase_token,
			product_id = excluded.product_id,
			updated_at = excluded.updated_at`,
		s.UserID, string(s.Plan), boolToInt(s.IsPro), boolToInt(s.TrialUsed),
		nullableTimeUnix(s.TrialStart), nullableTimeUnix(s.TrialEnd),
		nullableTimeUnix(s.SubscriptionStart), nullableTimeUnix(s.SubscriptionEnd),
		boolToInt(s.AutoRenew), nullableTimeUnix(s.CancelledAt),
		s.OrderID, s.PurchaseToken, s.ProductID,
		s.CreatedAt.Unix(), s.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

// ExpireLapsed clears the Pro flag on every subscription whose paid period
// ended before now and returns how many were expired.
func (r *Registry) ExpireLapsed(now time.Time) (int, error) {
	res, err := r.db.Exec(`
		UPDATE subscriptions SET
			is_pro = 0, plan = ?, updated_at = ?
		WHERE is_pro = 1 AND subscription_end IS NOT NULL AND subscription_end <= ?`,
		string(PlanFree), now.Unix(), now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("expire lapsed subscriptions: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// ListExpiringTrials returns non-Pro users whose trial ends within the window
// starting at now.
func (r *Registry) ListExpiringTrials(now time.Time, within time.Duration) ([]ExpiringTrial, error) {
	rows, err := r.db.Query(`
		SELECT s.user_id, COALESCE(u.email, ''), s.trial_end
		FROM subscriptions s LEFT JOIN users u ON u.id = s.user_id
		WHERE s.trial_used = 1 AND s.is_pro = 0
			AND s.trial_end >= ? AND s.trial_end <= ?
		ORDER BY s.trial_end ASC`,
		now.Unix(), now.Add(within).Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("list expiring trials: %w", err)
	}
	defer rows.Close()

	var out []ExpiringTrial
	for rows.Next() {
		var t ExpiringTrial
		var end int64
		if err := rows.Scan(&t.UserID, &t.Email, &end); err != nil {
			return nil, fmt.Errorf("scan expiring trial: %w", err)
		}
		t.TrialEnd = time.Unix(end, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Stats returns registry-wide counters evaluated at now.
func (r *Registry) Stats(now time.Time) (Stats, error) {
	var s Stats
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&s.TotalUsers); err != nil {
		return Stats{}, fmt.Errorf("count users: %w", err)
	}
	err := r.db.QueryRow(`
		SELECT
			COALESCE(SUM(CASE WHEN is_pro = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN trial_used = 1 AND is_pro = 0 AND trial_end > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN trial_used = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN is_pro = 1 AND auto_renew = 0 THEN 1 ELSE 0 END), 0)
		FROM subscriptions`, now.Unix()).
		Scan(&s.ProSubscribers, &s.ActiveTrials, &s.TrialsUsed, &s.CancelledPro)
	if err != nil {
		return Stats{}, fmt.Errorf("count subscriptions: %w", err)
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(s scanner) (*Subscription, error) {
	var sub Subscription
	var plan string
	var isPro, trialUsed, autoRenew int
	var trialStart, trialEnd, subStart, subEnd, cancelledAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&sub.UserID, &plan, &isPro, &trialUsed, &trialStart, &trialEnd,
		&subStart, &subEnd, &autoRenew, &cancelledAt,
		&sub.OrderID, &sub.PurchaseToken, &sub.ProductID, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.Plan = Plan(plan)
	sub.IsPro = isPro != 0
	sub.TrialUsed = trialUsed != 0
	sub.AutoRenew = autoRenew != 0
	sub.TrialStart = timeFromNull(trialStart)
	sub.TrialEnd = timeFromNull(trialEnd)
	sub.SubscriptionStart = timeFromNull(subStart)
	sub.SubscriptionEnd = timeFromNull(subEnd)
	sub.CancelledAt = timeFromNull(cancelledAt)
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
