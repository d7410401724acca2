// Package postgres provides a PostgreSQL implementation of the subsync.Storage interface.
// Subscription writes run in a transaction with SELECT FOR UPDATE; event
// admission and intent claims are single conditional INSERTs.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codecraft/subsync/pkg/subsync"
)

// Storage implements subsync.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded schema migrations in New
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often expired events and claims are deleted

	// OnCleanupError receives errors from the background cleanup (optional)
	OnCleanupError func(error)
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	if config.AutoMigrate {
		if err := Migrate(config.ConnectionString); err != nil {
			return nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}
	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", subsync.ErrStorageUnavailable, op, err)
}

const subscriptionColumns = `id, customer_id, status, price_id, current_period_start, current_period_end,
	cancel_at_period_end, trial_end, retired, version, last_event_id, last_event_at, updated_at`

func scanSubscription(row pgx.Row) (*subsync.Subscription, error) {
	var sub subsync.Subscription
	var status string
	err := row.Scan(&sub.ID, &sub.CustomerID, &status, &sub.PriceID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.TrialEnd,
		&sub.Retired, &sub.Version, &sub.LastEventID, &sub.LastEventAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.Status = subsync.Status(status)
	sub.CurrentPeriodStart = sub.CurrentPeriodStart.UTC()
	sub.CurrentPeriodEnd = sub.CurrentPeriodEnd.UTC()
	sub.LastEventAt = sub.LastEventAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	if sub.TrialEnd != nil {
		t := sub.TrialEnd.UTC()
		sub.TrialEnd = &t
	}
	return &sub, nil
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subsync.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subsync_subscriptions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, unavailable("get subscription", err)
	}
	return sub, nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription,
	expectedVersion int64) (*subsync.Subscription, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stored, err := scanSubscription(tx.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subsync_subscriptions WHERE id = $1 FOR UPDATE`, sub.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		stored = nil
	} else if err != nil {
		return nil, unavailable("lock subscription", err)
	}

	if err := subsync.CheckWrite(stored, sub, expectedVersion); err != nil {
		return nil, err
	}

	next := sub.Clone()
	next.Version = subsync.NextVersion(stored)
	args := []interface{}{next.ID, next.CustomerID, string(next.Status), next.PriceID,
		next.CurrentPeriodStart, next.CurrentPeriodEnd, next.CancelAtPeriodEnd, next.TrialEnd,
		next.Retired, next.Version, next.LastEventID, next.LastEventAt, next.UpdatedAt}

	if stored == nil {
		tag, err := tx.Exec(ctx, `INSERT INTO subsync_subscriptions (`+subscriptionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO NOTHING`, args...)
		if err != nil {
			return nil, unavailable("insert subscription", err)
		}
		if tag.RowsAffected() == 0 {
			// A concurrent creator won.
			return nil, subsync.ErrConflict
		}
	} else {
		_, err := tx.Exec(ctx, `UPDATE subsync_subscriptions SET
			customer_id = $2, status = $3, price_id = $4, current_period_start = $5,
			current_period_end = $6, cancel_at_period_end = $7, trial_end = $8, retired = $9,
			version = $10, last_event_id = $11, last_event_at = $12, updated_at = $13
			WHERE id = $1`, args...)
		if err != nil {
			return nil, unavailable("update subscription", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit subscription", err)
	}
	return next, nil
}

func (s *Storage) querySubscriptions(ctx context.Context, op, query string, args ...interface{}) ([]*subsync.Subscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()

	var out []*subsync.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// ListSubscriptionsByCustomer implements subsync.Storage
func (s *Storage) ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]*subsync.Subscription, error) {
	return s.querySubscriptions(ctx, "list customer subscriptions",
		`SELECT `+subscriptionColumns+` FROM subsync_subscriptions WHERE customer_id = $1 ORDER BY id`, customerID)
}

// ListStaleSubscriptions implements subsync.Storage
func (s *Storage) ListStaleSubscriptions(ctx context.Context, before time.Time, limit int) ([]*subsync.Subscription, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	return s.querySubscriptions(ctx, "list stale subscriptions",
		`SELECT `+subscriptionColumns+` FROM subsync_subscriptions
			WHERE NOT retired AND updated_at < $1 ORDER BY updated_at LIMIT $2`, before, lim)
}

// GetCustomer implements subsync.Storage
func (s *Storage) GetCustomer(ctx context.Context, id string) (*subsync.Customer, error) {
	var c subsync.Customer
	var metadata []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, metadata, updated_at FROM subsync_customers WHERE id = $1`, id).
		Scan(&c.ID, &c.Email, &metadata, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrCustomerNotFound
	}
	if err != nil {
		return nil, unavailable("get customer", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal customer metadata: %w", err)
		}
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// UpsertCustomer implements subsync.Storage
func (s *Storage) UpsertCustomer(ctx context.Context, c *subsync.Customer) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid customer")
	}
	var metadata []byte
	if c.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(c.Metadata); err != nil {
			return fmt.Errorf("failed to marshal customer metadata: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subsync_customers (id, email, metadata, updated_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.Email, metadata, c.UpdatedAt)
	if err != nil {
		return unavailable("upsert customer", err)
	}
	return nil
}

// AdmitEvent implements subsync.Storage. An id whose record has expired but
// not yet been purged is admitted again.
func (s *Storage) AdmitEvent(ctx context.Context, rec *subsync.EventRecord) (subsync.Admission, error) {
	if rec == nil || rec.ID == "" {
		return 0, fmt.Errorf("invalid event record")
	}
	now := time.Now().UTC()
	expires := rec.ExpiresAt
	if expires.IsZero() {
		expires = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO subsync_events (id, type, occurred_at, received_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET type = EXCLUDED.type, occurred_at = EXCLUDED.occurred_at,
				received_at = EXCLUDED.received_at, expires_at = EXCLUDED.expires_at,
				processed_at = NULL, processing_error = ''
			WHERE subsync_events.expires_at < $6`,
		rec.ID, string(rec.Type), rec.OccurredAt, rec.ReceivedAt, expires, now)
	if err != nil {
		return 0, unavailable("admit event", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.Duplicate, nil
	}
	return subsync.Admitted, nil
}

// MarkEventProcessed implements subsync.Storage
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, processedAt time.Time, processErr error) error {
	msg := ""
	if processErr != nil {
		msg = processErr.Error()
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE subsync_events SET processed_at = $2, processing_error = $3 WHERE id = $1`,
		eventID, processedAt, msg)
	if err != nil {
		return unavailable("mark event processed", err)
	}
	return nil
}

// GetEvent returns the dedup record for an event id.
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*subsync.EventRecord, error) {
	var rec subsync.EventRecord
	var typ string
	err := s.pool.QueryRow(ctx,
		`SELECT id, type, occurred_at, received_at, expires_at, processed_at, processing_error
			FROM subsync_events WHERE id = $1`, eventID).
		Scan(&rec.ID, &typ, &rec.OccurredAt, &rec.ReceivedAt, &rec.ExpiresAt, &rec.ProcessedAt, &rec.ProcessingError)
	if err != nil {
		return nil, err
	}
	rec.Type = subsync.EventType(typ)
	return &rec, nil
}

// PurgeExpiredEvents implements subsync.Storage
func (s *Storage) PurgeExpiredEvents(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subsync_events WHERE expires_at < $1`, now)
	if err != nil {
		return 0, unavailable("purge events", err)
	}
	return int(tag.RowsAffected()), nil
}

// GetAccess implements subsync.Storage
func (s *Storage) GetAccess(ctx context.Context, customerID string) (*subsync.Access, error) {
	var a subsync.Access
	var state string
	err := s.pool.QueryRow(ctx,
		`SELECT customer_id, state, keep_data, subscription_id, reason, updated_at
			FROM subsync_access WHERE customer_id = $1`, customerID).
		Scan(&a.CustomerID, &state, &a.KeepData, &a.SubscriptionID, &a.Reason, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrAccessNotFound
	}
	if err != nil {
		return nil, unavailable("get access", err)
	}
	a.State = subsync.AccessState(state)
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

// SetAccess implements subsync.Storage
func (s *Storage) SetAccess(ctx context.Context, a *subsync.Access) error {
	if a == nil || a.CustomerID == "" {
		return fmt.Errorf("invalid access record")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subsync_access (customer_id, state, keep_data, subscription_id, reason, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (customer_id) DO UPDATE SET state = EXCLUDED.state, keep_data = EXCLUDED.keep_data,
			subscription_id = EXCLUDED.subscription_id, reason = EXCLUDED.reason, updated_at = EXCLUDED.updated_at`,
		a.CustomerID, string(a.State), a.KeepData, a.SubscriptionID, a.Reason, a.UpdatedAt)
	if err != nil {
		return unavailable("set access", err)
	}
	return nil
}

// ClaimIntent implements subsync.Storage
func (s *Storage) ClaimIntent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO subsync_intent_claims (key, expires_at) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
			WHERE subsync_intent_claims.expires_at < $3`,
		key, now.Add(ttl), now)
	if err != nil {
		return false, unavailable("claim intent", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseIntent implements subsync.Storage
func (s *Storage) ReleaseIntent(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM subsync_intent_claims WHERE key = $1`, key); err != nil {
		return unavailable("release intent", err)
	}
	return nil
}

// RecordDeadLetter implements subsync.Storage
func (s *Storage) RecordDeadLetter(ctx context.Context, dl *subsync.DeadLetter) error {
	if dl == nil || dl.ID == "" {
		return fmt.Errorf("invalid dead letter")
	}
	intent, err := json.Marshal(dl.Intent)
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO subsync_dead_letters (id, intent, attempts, last_error, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET intent = EXCLUDED.intent, attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error`,
		dl.ID, intent, dl.Attempts, dl.LastError, dl.CreatedAt)
	if err != nil {
		return unavailable("record dead letter", err)
	}
	return nil
}

// ListDeadLetters implements subsync.Storage
func (s *Storage) ListDeadLetters(ctx context.Context, limit int) ([]*subsync.DeadLetter, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, intent, attempts, last_error, created_at FROM subsync_dead_letters
			ORDER BY created_at, id LIMIT $1`, lim)
	if err != nil {
		return nil, unavailable("list dead letters", err)
	}
	defer rows.Close()

	var out []*subsync.DeadLetter
	for rows.Next() {
		var dl subsync.DeadLetter
		var intent []byte
		if err := rows.Scan(&dl.ID, &intent, &dl.Attempts, &dl.LastError, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		if err := json.Unmarshal(intent, &dl.Intent); err != nil {
			return nil, fmt.Errorf("failed to unmarshal intent: %w", err)
		}
		dl.CreatedAt = dl.CreatedAt.UTC()
		out = append(out, &dl)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list dead letters", err)
	}
	return out, nil
}

// DeleteDeadLetter implements subsync.Storage
func (s *Storage) DeleteDeadLetter(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subsync_dead_letters WHERE id = $1`, id)
	if err != nil {
		return unavailable("delete dead letter", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrDeadLetterNotFound
	}
	return nil
}

// startCleanup periodically deletes expired event records and intent claims
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil && s.config.OnCleanupError != nil {
				s.config.OnCleanupError(err)
			}
		}
	}
}

// Cleanup deletes expired event records and intent claims
func (s *Storage) Cleanup(ctx context.Context) error {
	now := time.Now().UTC()
	if _, err := s.PurgeExpiredEvents(ctx, now); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM subsync_intent_claims WHERE expires_at < $1`, now); err != nil {
		return fmt.Errorf("failed to cleanup intent claims: %w", err)
	}
	return nil
}

var _ subsync.Storage = (*Storage)(nil)
