// Package ledger is the durable purchase ledger: every purchase the billing
// channel has delivered, its acknowledgement and verification status, and an
// audit trail. Records are never deleted.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/rcourtman/lotto-entitlements/pkg/entitlement"
)

// DatabaseFileName is the ledger file inside the data directory.
const DatabaseFileName = "purchases.db"

// Verification is the server's verdict on a purchase token.
type Verification string

const (
	VerificationUnresolved Verification = "unresolved"
	VerificationVerified   Verification = "verified"
	VerificationRejected   Verification = "rejected"
)

// Entry is a ledger row.
type Entry struct {
	entitlement.PurchaseRecord
	Verification Verification `json:"verification"`
	FirstSeenAt  time.Time    `json:"first_seen_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Settled reports whether nothing further needs to happen for this purchase.
func (e *Entry) Settled() bool {
	if e.Verification == VerificationRejected {
		return true
	}
	return e.Acknowledged && e.Verification == VerificationVerified
}

// Event is one audit trail line.
type Event struct {
	ID          string    `json:"id"`
	TokenSuffix string    `json:"token_suffix"`
	Kind        string    `json:"kind"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// Audit event kinds.
const (
	EventObserved     = "observed"
	EventStateChanged = "state_changed"
	EventAcknowledged = "acknowledged"
	EventVerified     = "verified"
	EventRejected     = "rejected"
	EventGrantIssued  = "grant_issued"
)

// ErrNotFound is returned when mutating a token the ledger has never seen.
var ErrNotFound = errors.New("purchase not found")

// Ledger provides purchase bookkeeping backed by SQLite.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the ledger database in dir.
func Open(dir string) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	dbPath := filepath.Join(dir, DatabaseFileName)
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open purchase ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	l := &Ledger{db: db, now: time.Now}
	if err := l.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS purchases (
		token           TEXT PRIMARY KEY,
		order_id        TEXT NOT NULL DEFAULT '',
		product_id      TEXT NOT NULL DEFAULT '',
		purchase_state  TEXT NOT NULL,
		acknowledged    INTEGER NOT NULL DEFAULT 0,
		server_verified INTEGER NOT NULL DEFAULT 0,
		verification    TEXT NOT NULL DEFAULT 'unresolved',
		first_seen_at   INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_purchases_verification ON purchases(verification);
	CREATE TABLE IF NOT EXISTS purchase_events (
		id           TEXT PRIMARY KEY,
		token        TEXT NOT NULL,
		kind         TEXT NOT NULL,
		detail       TEXT NOT NULL DEFAULT '',
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_purchase_events_token ON purchase_events(token);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("init purchase ledger schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

const selectColumns = `token, order_id, product_id, purchase_state, acknowledged,
	server_verified, verification, first_seen_at, updated_at`

// Get retrieves a purchase by token. It returns nil, nil when absent.
func (l *Ledger) Get(token string) (*Entry, error) {
	row := l.db.QueryRow(`SELECT `+selectColumns+` FROM purchases WHERE token = ?`, token)
	return scanEntry(row)
}

// Upsert records a purchase as delivered by the platform. A new token is
// inserted; for a known token only the purchase state and missing order or
// product ids are updated. Acknowledgement and verification flags are never
// cleared by an upsert. inserted reports whether the token was new.
func (l *Ledger) Upsert(rec entitlement.PurchaseRecord) (entry *Entry, inserted bool, err error) {
	if strings.TrimSpace(rec.Token) == "" {
		return nil, false, fmt.Errorf("purchase token is empty")
	}

	tx, err := l.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	existing, err := scanEntry(tx.QueryRow(`SELECT `+selectColumns+` FROM purchases WHERE token = ?`, rec.Token))
	if err != nil {
		return nil, false, err
	}
	now := l.now().UTC()

	if existing == nil {
		_, err = tx.Exec(`
			INSERT INTO purchases (
				token, order_id, product_id, purchase_state, acknowledged,
				server_verified, verification, first_seen_at, updated_at
			) VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			rec.Token, rec.OrderID, rec.ProductID, string(rec.PurchaseState),
			boolToInt(rec.Acknowledged), string(VerificationUnresolved), now.Unix(), now.Unix(),
		)
		if err != nil {
			return nil, false, fmt.Errorf("insert purchase: %w", err)
		}
		if err = insertEvent(tx, rec.Token, EventObserved, string(rec.PurchaseState), now); err != nil {
			return nil, false, err
		}
		if err = tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit upsert: %w", err)
		}
		created := &Entry{
			PurchaseRecord: rec,
			Verification:   VerificationUnresolved,
			FirstSeenAt:    time.Unix(now.Unix(), 0).UTC(),
			UpdatedAt:      time.Unix(now.Unix(), 0).UTC(),
		}
		created.ServerVerified = false
		return created, true, nil
	}

	orderID := existing.OrderID
	if orderID == "" {
		orderID = rec.OrderID
	}
	productID := existing.ProductID
	if productID == "" {
		productID = rec.ProductID
	}
	acknowledged := existing.Acknowledged || rec.Acknowledged

	if existing.PurchaseState != rec.PurchaseState {
		if err = insertEvent(tx, rec.Token, EventStateChanged,
			fmt.Sprintf("%s -> %s", existing.PurchaseState, rec.PurchaseState), now); err != nil {
			return nil, false, err
		}
	}
	_, err = tx.Exec(`
		UPDATE purchases SET
			order_id = ?, product_id = ?, purchase_state = ?, acknowledged = ?, updated_at = ?
		WHERE token = ?`,
		orderID, productID, string(rec.PurchaseState), boolToInt(acknowledged), now.Unix(), rec.Token,
	)
	if err != nil {
		return nil, false, fmt.Errorf("update purchase: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit upsert: %w", err)
	}

	existing.OrderID = orderID
	existing.ProductID = productID
	existing.PurchaseState = rec.PurchaseState
	existing.Acknowledged = acknowledged
	existing.UpdatedAt = time.Unix(now.Unix(), 0).UTC()
	return existing, false, nil
}

// MarkAcknowledged records a successful platform acknowledgement.
func (l *Ledger) MarkAcknowledged(token string) error {
	now := l.now().UTC()
	res, err := l.db.Exec(`UPDATE purchases SET acknowledged = 1, updated_at = ? WHERE token = ?`, now.Unix(), token)
	if err != nil {
		return fmt.Errorf("mark acknowledged: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("mark acknowledged %s: %w", entitlement.TokenSuffix(token), ErrNotFound)
	}
	return l.recordEvent(token, EventAcknowledged, "", now)
}

// MarkVerification stores the server's verdict. A rejection is final; a later
// verified verdict does not overwrite it.
func (l *Ledger) MarkVerification(token string, v Verification, detail string) error {
	if v != VerificationVerified && v != VerificationRejected {
		return fmt.Errorf("invalid verification verdict %q", v)
	}
	now := l.now().UTC()
	res, err := l.db.Exec(`
		UPDATE purchases SET verification = ?, server_verified = ?, updated_at = ?
		WHERE token = ? AND verification != ?`,
		string(v), boolToInt(v == VerificationVerified), now.Unix(), token, string(VerificationRejected),
	)
	if err != nil {
		return fmt.Errorf("mark verification: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		existing, err := l.Get(token)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("mark verification %s: %w", entitlement.TokenSuffix(token), ErrNotFound)
		}
		return nil
	}
	kind := EventVerified
	if v == VerificationRejected {
		kind = EventRejected
	}
	return l.recordEvent(token, kind, detail, now)
}

// RecordGrant notes that an optimistic grant was issued for token at the
// given time. Only the first issuance is kept.
func (l *Ledger) RecordGrant(token string, at time.Time) error {
	if _, ok, err := l.GrantIssuedAt(token); err != nil || ok {
		return err
	}
	return l.recordEvent(token, EventGrantIssued, "", at.UTC())
}

// GrantIssuedAt returns when the first optimistic grant for token was issued.
func (l *Ledger) GrantIssuedAt(token string) (time.Time, bool, error) {
	var at int64
	err := l.db.QueryRow(`SELECT created_at FROM purchase_events
		WHERE token = ? AND kind = ? ORDER BY created_at, id LIMIT 1`, token, EventGrantIssued).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("query grant issuance: %w", err)
	}
	return time.Unix(at, 0).UTC(), true, nil
}

// IsAcknowledged reports whether the token has been acknowledged locally.
func (l *Ledger) IsAcknowledged(token string) (bool, error) {
	var ack int
	err := l.db.QueryRow(`SELECT acknowledged FROM purchases WHERE token = ?`, token).Scan(&ack)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query acknowledged: %w", err)
	}
	return ack != 0, nil
}

// AcknowledgedTokens returns every locally acknowledged token.
func (l *Ledger) AcknowledgedTokens() ([]string, error) {
	rows, err := l.db.Query(`SELECT token FROM purchases WHERE acknowledged = 1 ORDER BY first_seen_at`)
	if err != nil {
		return nil, fmt.Errorf("list acknowledged tokens: %w", err)
	}
	defer rows.Close()
	var tokens []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, rows.Err()
}

// List returns every purchase, oldest first.
func (l *Ledger) List() ([]*Entry, error) {
	rows, err := l.db.Query(`SELECT ` + selectColumns + ` FROM purchases ORDER BY first_seen_at, token`)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Unresolved returns purchased entries whose verification is still open.
func (l *Ledger) Unresolved() ([]*Entry, error) {
	rows, err := l.db.Query(`SELECT `+selectColumns+` FROM purchases
		WHERE purchase_state = ? AND verification = ? ORDER BY first_seen_at, token`,
		string(entitlement.PurchasePurchased), string(VerificationUnresolved))
	if err != nil {
		return nil, fmt.Errorf("list unresolved purchases: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Events returns the audit trail for token, oldest first. An empty token
// returns the most recent events across all purchases.
func (l *Ledger) Events(token string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if token == "" {
		rows, err = l.db.Query(`SELECT id, token, kind, detail, created_at FROM purchase_events
			ORDER BY id DESC LIMIT ?`, limit)
	} else {
		rows, err = l.db.Query(`SELECT id, token, kind, detail, created_at FROM purchase_events
			WHERE token = ? ORDER BY id ASC LIMIT ?`, token, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list purchase events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var tok string
		var at int64
		if err := rows.Scan(&ev.ID, &tok, &ev.Kind, &ev.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan purchase event: %w", err)
		}
		ev.TokenSuffix = entitlement.TokenSuffix(tok)
		ev.At = time.Unix(at, 0).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (l *Ledger) recordEvent(token, kind, detail string, at time.Time) error {
	return insertEvent(l.db, token, kind, detail, at)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertEvent(db execer, token, kind, detail string, at time.Time) error {
	_, err := db.Exec(`INSERT INTO purchase_events (id, token, kind, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		ulid.Make().String(), token, kind, detail, at.Unix())
	if err != nil {
		return fmt.Errorf("record purchase event: %w", err)
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var state, verification string
	var ack, verified int
	var firstSeen, updated int64

	err := s.Scan(&e.Token, &e.OrderID, &e.ProductID, &state, &ack, &verified, &verification, &firstSeen, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan purchase: %w", err)
	}

	ps, err := entitlement.ParsePurchaseState(state)
	if err != nil {
		return nil, err
	}
	e.PurchaseState = ps
	e.Acknowledged = ack != 0
	e.ServerVerified = verified != 0
	e.Verification = Verification(verification)
	e.FirstSeenAt = time.Unix(firstSeen, 0).UTC()
	e.UpdatedAt = time.Unix(updated, 0).UTC()
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
