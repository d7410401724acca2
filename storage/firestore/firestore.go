// Package firestore provides a Firestore implementation of the subsync.Storage interface.
// Event admission relies on Create failing with AlreadyExists; subscription
// writes are compare-and-swap inside a transaction.
package firestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/codecraft/subsync/pkg/subsync"
)

// Storage implements subsync.Storage using Google Cloud Firestore
type Storage struct {
	client *firestore.Client
	config Config
	now    func() time.Time
}

// Config holds Firestore storage configuration. Collections default to
// "subsync_<name>". A Firestore TTL policy on the events collection's
// expiresAt field replaces PurgeExpiredEvents.
type Config struct {
	SubscriptionsCollection string
	CustomersCollection     string
	EventsCollection        string
	AccessCollection        string
	ClaimsCollection        string
	DeadLettersCollection   string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	defaults := map[*string]string{
		&config.SubscriptionsCollection: "subsync_subscriptions",
		&config.CustomersCollection:     "subsync_customers",
		&config.EventsCollection:        "subsync_events",
		&config.AccessCollection:        "subsync_access",
		&config.ClaimsCollection:        "subsync_intent_claims",
		&config.DeadLettersCollection:   "subsync_dead_letters",
	}
	for field, name := range defaults {
		if *field == "" {
			*field = name
		}
	}

	return &Storage{client: client, config: config, now: time.Now}, nil
}

type subscriptionDoc struct {
	ID                 string     `firestore:"id"`
	CustomerID         string     `firestore:"customerId"`
	Status             string     `firestore:"status"`
	PriceID            string     `firestore:"priceId"`
	CurrentPeriodStart time.Time  `firestore:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time  `firestore:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool       `firestore:"cancelAtPeriodEnd"`
	TrialEnd           *time.Time `firestore:"trialEnd"`
	Retired            bool       `firestore:"retired"`
	Version            int64      `firestore:"version"`
	LastEventID        string     `firestore:"lastEventId"`
	LastEventAt        time.Time  `firestore:"lastEventAt"`
	UpdatedAt          time.Time  `firestore:"updatedAt"`
}

func toSubscriptionDoc(s *subsync.Subscription) subscriptionDoc {
	return subscriptionDoc{
		ID: s.ID, CustomerID: s.CustomerID, Status: string(s.Status), PriceID: s.PriceID,
		CurrentPeriodStart: s.CurrentPeriodStart, CurrentPeriodEnd: s.CurrentPeriodEnd,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd, TrialEnd: s.TrialEnd, Retired: s.Retired,
		Version: s.Version, LastEventID: s.LastEventID, LastEventAt: s.LastEventAt, UpdatedAt: s.UpdatedAt,
	}
}

func (d subscriptionDoc) subscription() *subsync.Subscription {
	sub := &subsync.Subscription{
		ID: d.ID, CustomerID: d.CustomerID, Status: subsync.Status(d.Status), PriceID: d.PriceID,
		CurrentPeriodStart: d.CurrentPeriodStart.UTC(), CurrentPeriodEnd: d.CurrentPeriodEnd.UTC(),
		CancelAtPeriodEnd: d.CancelAtPeriodEnd, Retired: d.Retired, Version: d.Version,
		LastEventID: d.LastEventID, LastEventAt: d.LastEventAt.UTC(), UpdatedAt: d.UpdatedAt.UTC(),
	}
	if d.TrialEnd != nil {
		t := d.TrialEnd.UTC()
		sub.TrialEnd = &t
	}
	return sub
}

type customerDoc struct {
	ID        string            `firestore:"id"`
	Email     string            `firestore:"email"`
	Metadata  map[string]string `firestore:"metadata,omitempty"`
	UpdatedAt time.Time         `firestore:"updatedAt"`
}

type eventDoc struct {
	ID              string     `firestore:"id"`
	Type            string     `firestore:"type"`
	OccurredAt      time.Time  `firestore:"occurredAt"`
	ReceivedAt      time.Time  `firestore:"receivedAt"`
	ExpiresAt       time.Time  `firestore:"expiresAt"`
	ProcessedAt     *time.Time `firestore:"processedAt"`
	ProcessingError string     `firestore:"processingError"`
}

type accessDoc struct {
	CustomerID     string    `firestore:"customerId"`
	State          string    `firestore:"state"`
	KeepData       bool      `firestore:"keepData"`
	SubscriptionID string    `firestore:"subscriptionId"`
	Reason         string    `firestore:"reason"`
	UpdatedAt      time.Time `firestore:"updatedAt"`
}

type claimDoc struct {
	ExpiresAt time.Time `firestore:"expiresAt"`
}

type deadLetterDoc struct {
	ID        string    `firestore:"id"`
	Intent    string    `firestore:"intent"`
	Attempts  int       `firestore:"attempts"`
	LastError string    `firestore:"lastError"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func notFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", subsync.ErrStorageUnavailable, op, err)
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(ctx context.Context, id string) (*subsync.Subscription, error) {
	snap, err := s.client.Collection(s.config.SubscriptionsCollection).Doc(id).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, subsync.ErrSubscriptionNotFound
		}
		return nil, unavailable("get subscription", err)
	}
	var d subscriptionDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return d.subscription(), nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(ctx context.Context, sub *subsync.Subscription,
	expectedVersion int64) (*subsync.Subscription, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}
	doc := s.client.Collection(s.config.SubscriptionsCollection).Doc(sub.ID)

	var next *subsync.Subscription
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		var stored *subsync.Subscription
		snap, err := tx.Get(doc)
		if err != nil && !notFound(err) {
			return err
		}
		if err == nil {
			var d subscriptionDoc
			if err := snap.DataTo(&d); err != nil {
				return fmt.Errorf("failed to decode subscription: %w", err)
			}
			stored = d.subscription()
		}

		if err := subsync.CheckWrite(stored, sub, expectedVersion); err != nil {
			return err
		}
		next = sub.Clone()
		next.Version = subsync.NextVersion(stored)
		return tx.Set(doc, toSubscriptionDoc(next))
	})
	if err != nil {
		if errors.Is(err, subsync.ErrConflict) || errors.Is(err, subsync.ErrStaleEvent) {
			return nil, err
		}
		if status.Code(err) == codes.Aborted {
			return nil, subsync.ErrConflict
		}
		return nil, unavailable("upsert subscription", err)
	}
	return next, nil
}

func (s *Storage) querySubscriptions(ctx context.Context, op string, q firestore.Query) ([]*subsync.Subscription, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*subsync.Subscription
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, unavailable(op, err)
		}
		var d subscriptionDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		out = append(out, d.subscription())
	}
	return out, nil
}

// ListSubscriptionsByCustomer implements subsync.Storage
func (s *Storage) ListSubscriptionsByCustomer(ctx context.Context, customerID string) ([]*subsync.Subscription, error) {
	q := s.client.Collection(s.config.SubscriptionsCollection).Where("customerId", "==", customerID)
	return s.querySubscriptions(ctx, "list customer subscriptions", q)
}

// ListStaleSubscriptions implements subsync.Storage. Requires a composite
// index on (retired, updatedAt).
func (s *Storage) ListStaleSubscriptions(ctx context.Context, before time.Time, limit int) ([]*subsync.Subscription, error) {
	q := s.client.Collection(s.config.SubscriptionsCollection).
		Where("retired", "==", false).
		Where("updatedAt", "<", before).
		OrderBy("updatedAt", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return s.querySubscriptions(ctx, "list stale subscriptions", q)
}

// GetCustomer implements subsync.Storage
func (s *Storage) GetCustomer(ctx context.Context, id string) (*subsync.Customer, error) {
	snap, err := s.client.Collection(s.config.CustomersCollection).Doc(id).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, subsync.ErrCustomerNotFound
		}
		return nil, unavailable("get customer", err)
	}
	var d customerDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode customer: %w", err)
	}
	return &subsync.Customer{ID: d.ID, Email: d.Email, Metadata: d.Metadata, UpdatedAt: d.UpdatedAt.UTC()}, nil
}

// UpsertCustomer implements subsync.Storage
func (s *Storage) UpsertCustomer(ctx context.Context, c *subsync.Customer) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid customer")
	}
	_, err := s.client.Collection(s.config.CustomersCollection).Doc(c.ID).Set(ctx, customerDoc{
		ID: c.ID, Email: c.Email, Metadata: c.Metadata, UpdatedAt: c.UpdatedAt,
	})
	if err != nil {
		return unavailable("upsert customer", err)
	}
	return nil
}

// AdmitEvent implements subsync.Storage
func (s *Storage) AdmitEvent(ctx context.Context, rec *subsync.EventRecord) (subsync.Admission, error) {
	if rec == nil || rec.ID == "" {
		return 0, fmt.Errorf("invalid event record")
	}
	doc := s.client.Collection(s.config.EventsCollection).Doc(rec.ID)
	data := eventDoc{
		ID: rec.ID, Type: string(rec.Type), OccurredAt: rec.OccurredAt,
		ReceivedAt: rec.ReceivedAt, ExpiresAt: rec.ExpiresAt,
	}

	_, err := doc.Create(ctx, data)
	if err == nil {
		return subsync.Admitted, nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return 0, unavailable("admit event", err)
	}

	// The id is known; admit it again only if its record has expired.
	admission := subsync.Duplicate
	err = s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		admission = subsync.Duplicate
		snap, err := tx.Get(doc)
		if err != nil {
			return err
		}
		var existing eventDoc
		if err := snap.DataTo(&existing); err != nil {
			return err
		}
		if existing.ExpiresAt.IsZero() || !existing.ExpiresAt.Before(s.now()) {
			return nil
		}
		admission = subsync.Admitted
		return tx.Set(doc, data)
	})
	if err != nil {
		return 0, unavailable("admit event", err)
	}
	return admission, nil
}

// MarkEventProcessed implements subsync.Storage
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, processedAt time.Time, processErr error) error {
	msg := ""
	if processErr != nil {
		msg = processErr.Error()
	}
	_, err := s.client.Collection(s.config.EventsCollection).Doc(eventID).Update(ctx, []firestore.Update{
		{Path: "processedAt", Value: processedAt},
		{Path: "processingError", Value: msg},
	})
	if err != nil && !notFound(err) {
		return unavailable("mark event processed", err)
	}
	return nil
}

// PurgeExpiredEvents implements subsync.Storage
func (s *Storage) PurgeExpiredEvents(ctx context.Context, now time.Time) (int, error) {
	iter := s.client.Collection(s.config.EventsCollection).Where("expiresAt", "<", now).Documents(ctx)
	defer iter.Stop()

	bw := s.client.BulkWriter(ctx)
	n := 0
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			bw.End()
			return n, unavailable("purge events", err)
		}
		if _, err := bw.Delete(snap.Ref); err != nil {
			bw.End()
			return n, unavailable("purge events", err)
		}
		n++
	}
	bw.End()
	return n, nil
}

// GetAccess implements subsync.Storage
func (s *Storage) GetAccess(ctx context.Context, customerID string) (*subsync.Access, error) {
	snap, err := s.client.Collection(s.config.AccessCollection).Doc(customerID).Get(ctx)
	if err != nil {
		if notFound(err) {
			return nil, subsync.ErrAccessNotFound
		}
		return nil, unavailable("get access", err)
	}
	var d accessDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode access: %w", err)
	}
	return &subsync.Access{
		CustomerID: d.CustomerID, State: subsync.AccessState(d.State), KeepData: d.KeepData,
		SubscriptionID: d.SubscriptionID, Reason: d.Reason, UpdatedAt: d.UpdatedAt.UTC(),
	}, nil
}

// SetAccess implements subsync.Storage
func (s *Storage) SetAccess(ctx context.Context, a *subsync.Access) error {
	if a == nil || a.CustomerID == "" {
		return fmt.Errorf("invalid access record")
	}
	_, err := s.client.Collection(s.config.AccessCollection).Doc(a.CustomerID).Set(ctx, accessDoc{
		CustomerID: a.CustomerID, State: string(a.State), KeepData: a.KeepData,
		SubscriptionID: a.SubscriptionID, Reason: a.Reason, UpdatedAt: a.UpdatedAt,
	})
	if err != nil {
		return unavailable("set access", err)
	}
	return nil
}

// ClaimIntent implements subsync.Storage
func (s *Storage) ClaimIntent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	doc := s.client.Collection(s.config.ClaimsCollection).Doc(key)
	claimed := false
	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		claimed = false
		now := s.now()
		snap, err := tx.Get(doc)
		if err != nil && !notFound(err) {
			return err
		}
		if err == nil {
			var c claimDoc
			if err := snap.DataTo(&c); err != nil {
				return err
			}
			if c.ExpiresAt.After(now) {
				return nil
			}
		}
		claimed = true
		return tx.Set(doc, claimDoc{ExpiresAt: now.Add(ttl)})
	})
	if err != nil {
		return false, unavailable("claim intent", err)
	}
	return claimed, nil
}

// ReleaseIntent implements subsync.Storage
func (s *Storage) ReleaseIntent(ctx context.Context, key string) error {
	if _, err := s.client.Collection(s.config.ClaimsCollection).Doc(key).Delete(ctx); err != nil {
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
	_, err = s.client.Collection(s.config.DeadLettersCollection).Doc(dl.ID).Set(ctx, deadLetterDoc{
		ID: dl.ID, Intent: string(intent), Attempts: dl.Attempts, LastError: dl.LastError, CreatedAt: dl.CreatedAt,
	})
	if err != nil {
		return unavailable("record dead letter", err)
	}
	return nil
}

// ListDeadLetters implements subsync.Storage
func (s *Storage) ListDeadLetters(ctx context.Context, limit int) ([]*subsync.DeadLetter, error) {
	q := s.client.Collection(s.config.DeadLettersCollection).OrderBy("createdAt", firestore.Asc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*subsync.DeadLetter
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, unavailable("list dead letters", err)
		}
		var d deadLetterDoc
		if err := snap.DataTo(&d); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter: %w", err)
		}
		dl := &subsync.DeadLetter{ID: d.ID, Attempts: d.Attempts, LastError: d.LastError, CreatedAt: d.CreatedAt.UTC()}
		if err := json.Unmarshal([]byte(d.Intent), &dl.Intent); err != nil {
			return nil, fmt.Errorf("failed to unmarshal intent: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// DeleteDeadLetter implements subsync.Storage
func (s *Storage) DeleteDeadLetter(ctx context.Context, id string) error {
	_, err := s.client.Collection(s.config.DeadLettersCollection).Doc(id).Delete(ctx, firestore.Exists)
	if err != nil {
		if notFound(err) {
			return subsync.ErrDeadLetterNotFound
		}
		return unavailable("delete dead letter", err)
	}
	return nil
}

var _ subsync.Storage = (*Storage)(nil)
