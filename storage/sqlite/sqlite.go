// Package sqlite provides an embedded SQLite implementation of the
// subsync.Storage interface using the pure-Go modernc.org/sqlite driver.
// A single connection serializes writers; conditional writes run in
// transactions on that connection.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/codecraft/subsync/pkg/subsync"
)

// Storage implements subsync.Storage on a SQLite file
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// Config holds SQLite storage configuration
type Config struct {
	// Path is the database file (required). Its directory is created if missing.
	Path string

	// BusyTimeout is how long a statement waits on a locked database (default: 30s)
	BusyTimeout time.Duration
}

// New opens (or creates) the database and its schema.
func New(config Config) (*Storage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 30 * time.Second
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	dsn := config.Path + "?" + url.Values{
		"_pragma": []string{
			fmt.Sprintf("busy_timeout(%d)", config.BusyTimeout.Milliseconds()),
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Storage{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id            TEXT PRIMARY KEY,
		customer_id   TEXT NOT NULL,
		retired       INTEGER NOT NULL DEFAULT 0,
		version       INTEGER NOT NULL,
		last_event_at INTEGER NOT NULL,
		updated_at    INTEGER NOT NULL,
		data          TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_customer ON subscriptions(customer_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_updated ON subscriptions(retired, updated_at);

	CREATE TABLE IF NOT EXISTS customers (
		id   TEXT PRIMARY KEY,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id         TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL,
		data       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_expires ON events(expires_at);

	CREATE TABLE IF NOT EXISTS access (
		customer_id TEXT PRIMARY KEY,
		data        TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS intent_claims (
		key        TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id         TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL,
		data       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_created ON dead_letters(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// noExpiry stands in for a zero ExpiresAt.
const noExpiry = int64(1<<63 - 1)

func expiryNanos(t time.Time) int64 {
	if t.IsZero() {
		return noExpiry
	}
	return t.UnixNano()
}

func scanJSON(row *sql.Row, v interface{}) (bool, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, json.Unmarshal([]byte(data), v)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getSubscription(ctx context.Context, q querier, id string) (*subsync.Subscription, error) {
	var sub subsync.Subscription
	found, err := scanJSON(q.QueryRowContext(ctx, `SELECT data FROM subscriptions WHERE id = ?`, id), &sub)
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &sub, nil
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subsync.Subscription, error) {
	sub, err := getSubscription(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return sub, nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription,
	expectedVersion int64) (*subsync.Subscription, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", subsync.ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := getSubscription(ctx, tx, sub.ID)
	if err != nil {
		return nil, err
	}
	if err := subsync.CheckWrite(stored, sub, expectedVersion); err != nil {
		return nil, err
	}

	next := sub.Clone()
	next.Version = subsync.NextVersion(stored)
	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal subscription: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO subscriptions (id, customer_id, retired, version, last_event_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET customer_id = excluded.customer_id, retired = excluded.retired,
			version = excluded.version, last_event_at = excluded.last_event_at,
			updated_at = excluded.updated_at, data = excluded.data`,
		next.ID, next.CustomerID, boolToInt(next.Retired), next.Version,
		next.LastEventAt.UnixNano(), next.UpdatedAt.UnixNano(), string(data))
	if err != nil {
		return nil, fmt.Errorf("write subscription: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit subscription: %w", err)
	}
	return next, nil
}

func (s *Storage) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]*subsync.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*subsync.Subscription
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		var sub subsync.Subscription
		if err := json.Unmarshal([]byte(data), &sub); err != nil {
			return nil, fmt.Errorf("unmarshal subscription: %w", err)
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

// ListSubscriptionsByCustomer implements subsync.Storage
func (s *Storage) ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]*subsync.Subscription, error) {
	return s.querySubscriptions(ctx, `SELECT data FROM subscriptions WHERE customer_id = ? ORDER BY id`, customerID)
}

// ListStaleSubscriptions implements subsync.Storage
func (s *Storage) ListStaleSubscriptions(ctx context.Context, before time.Time, limit int) ([]*subsync.Subscription, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.querySubscriptions(ctx, `SELECT data FROM subscriptions
		WHERE retired = 0 AND updated_at < ? ORDER BY updated_at LIMIT ?`, before.UnixNano(), limit)
}

// GetCustomer implements subsync.Storage
func (s *Storage) GetCustomer(ctx context.Context, id string) (*subsync.Customer, error) {
	var c subsync.Customer
	found, err := scanJSON(s.db.QueryRowContext(ctx, `SELECT data FROM customers WHERE id = ?`, id), &c)
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	if !found {
		return nil, subsync.ErrCustomerNotFound
	}
	return &c, nil
}

// UpsertCustomer implements subsync.Storage
func (s *Storage) UpsertCustomer(ctx context.Context, c *subsync.Customer) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid customer")
	}
	return s.putJSON(ctx, `INSERT INTO customers (id, data) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`, c.ID, c)
}

func (s *Storage) putJSON(ctx context.Context, query, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, query, id, string(data)); err != nil {
		return fmt.Errorf("write %s: %w", id, err)
	}
	return nil
}

// AdmitEvent implements subsync.Storage
func (s *Storage) AdmitEvent(ctx context.Context, rec *subsync.EventRecord) (subsync.Admission, error) {
	if rec == nil || rec.ID == "" {
		return 0, fmt.Errorf("invalid event record")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal event record: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, expires_at, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET expires_at = excluded.expires_at, data = excluded.data
		WHERE events.expires_at < ?`,
		rec.ID, expiryNanos(rec.ExpiresAt), string(data), s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%w: admit event: %v", subsync.ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("admit event: %w", err)
	}
	if n == 0 {
		return subsync.Duplicate, nil
	}
	return subsync.Admitted, nil
}

// MarkEventProcessed implements subsync.Storage
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, processedAt time.Time, processErr error) error {
	rec, err := s.GetEvent(ctx, eventID)
	if err != nil || rec == nil {
		return err
	}
	t := processedAt
	rec.ProcessedAt = &t
	rec.ProcessingError = ""
	if processErr != nil {
		rec.ProcessingError = processErr.Error()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE events SET data = ? WHERE id = ?`, string(data), eventID)
	return err
}

// GetEvent returns the dedup record for an event id, or nil.
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*subsync.EventRecord, error) {
	var rec subsync.EventRecord
	found, err := scanJSON(s.db.QueryRowContext(ctx, `SELECT data FROM events WHERE id = ?`, eventID), &rec)
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// PurgeExpiredEvents implements subsync.Storage
func (s *Storage) PurgeExpiredEvents(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetAccess implements subsync.Storage
func (s *Storage) GetAccess(ctx context.Context, customerID string) (*subsync.Access, error) {
	var a subsync.Access
	found, err := scanJSON(s.db.QueryRowContext(ctx, `SELECT data FROM access WHERE customer_id = ?`, customerID), &a)
	if err != nil {
		return nil, fmt.Errorf("get access: %w", err)
	}
	if !found {
		return nil, subsync.ErrAccessNotFound
	}
	return &a, nil
}

// SetAccess implements subsync.Storage
func (s *Storage) SetAccess(ctx context.Context, a *subsync.Access) error {
	if a == nil || a.CustomerID == "" {
		return fmt.Errorf("invalid access record")
	}
	return s.putJSON(ctx, `INSERT INTO access (customer_id, data) VALUES (?, ?)
		ON CONFLICT(customer_id) DO UPDATE SET data = excluded.data`, a.CustomerID, a)
}

// ClaimIntent implements subsync.Storage
func (s *Storage) ClaimIntent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO intent_claims (key, expires_at) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at
		WHERE intent_claims.expires_at <= ?`,
		key, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("claim intent: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseIntent implements subsync.Storage
func (s *Storage) ReleaseIntent(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM intent_claims WHERE key = ?`, key)
	return err
}

// RecordDeadLetter implements subsync.Storage
func (s *Storage) RecordDeadLetter(ctx context.Context, dl *subsync.DeadLetter) error {
	if dl == nil || dl.ID == "" {
		return fmt.Errorf("invalid dead letter")
	}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO dead_letters (id, created_at, data) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		dl.ID, dl.CreatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters implements subsync.Storage
func (s *Storage) ListDeadLetters(ctx context.Context, limit int) ([]*subsync.DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM dead_letters ORDER BY created_at, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*subsync.DeadLetter
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		var dl subsync.DeadLetter
		if err := json.Unmarshal([]byte(data), &dl); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		out = append(out, &dl)
	}
	return out, rows.Err()
}

// DeleteDeadLetter implements subsync.Storage
func (s *Storage) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return subsync.ErrDeadLetterNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ subsync.Storage = (*Storage)(nil)
