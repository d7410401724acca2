// Package memory provides an in-memory implementation of the subsync.Storage interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codecraft/subsync/pkg/subsync"
)

type claim struct {
	expiresAt time.Time
}

// Storage implements subsync.Storage using in-memory maps
type Storage struct {
	mu            sync.RWMutex
	subscriptions map[string]*subsync.Subscription
	customers     map[string]*subsync.Customer
	events        map[string]*subsync.EventRecord
	access        map[string]*subsync.Access
	claims        map[string]claim
	deadLetters   map[string]*subsync.DeadLetter
	now           func() time.Time
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		subscriptions: make(map[string]*subsync.Subscription),
		customers:     make(map[string]*subsync.Customer),
		events:        make(map[string]*subsync.EventRecord),
		access:        make(map[string]*subsync.Access),
		claims:        make(map[string]claim),
		deadLetters:   make(map[string]*subsync.DeadLetter),
		now:           time.Now,
	}
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(_ context.Context, id string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(_ context.Context, sub *subsync.Subscription,
	expectedVersion int64) (*subsync.Subscription, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.subscriptions[sub.ID]
	if err := subsync.CheckWrite(stored, sub, expectedVersion); err != nil {
		return nil, err
	}
	next := sub.Clone()
	next.Version = subsync.NextVersion(stored)
	s.subscriptions[sub.ID] = next
	return next.Clone(), nil
}

// ListSubscriptionsByCustomer implements subsync.Storage
func (s *Storage) ListSubscriptionsByCustomer(_ context.Context, customerID string) ([]*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subsync.Subscription
	for _, sub := range s.subscriptions {
		if sub.CustomerID == customerID {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListStaleSubscriptions implements subsync.Storage
func (s *Storage) ListStaleSubscriptions(_ context.Context, before time.Time, limit int) ([]*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subsync.Subscription
	for _, sub := range s.subscriptions {
		if !sub.Retired && sub.UpdatedAt.Before(before) {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetCustomer implements subsync.Storage
func (s *Storage) GetCustomer(_ context.Context, id string) (*subsync.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, subsync.ErrCustomerNotFound
	}
	return copyCustomer(c), nil
}

// UpsertCustomer implements subsync.Storage
func (s *Storage) UpsertCustomer(_ context.Context, c *subsync.Customer) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid customer")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.ID] = copyCustomer(c)
	return nil
}

func copyCustomer(c *subsync.Customer) *subsync.Customer {
	cp := *c
	if c.Metadata != nil {
		cp.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// AdmitEvent implements subsync.Storage
func (s *Storage) AdmitEvent(_ context.Context, rec *subsync.EventRecord) (subsync.Admission, error) {
	if rec == nil || rec.ID == "" {
		return 0, fmt.Errorf("invalid event record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.events[rec.ID]; ok && (existing.ExpiresAt.IsZero() || existing.ExpiresAt.After(s.now())) {
		return subsync.Duplicate, nil
	}
	cp := *rec
	s.events[rec.ID] = &cp
	return subsync.Admitted, nil
}

// MarkEventProcessed implements subsync.Storage
func (s *Storage) MarkEventProcessed(_ context.Context, eventID string, processedAt time.Time, processErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[eventID]
	if !ok {
		return nil
	}
	t := processedAt
	rec.ProcessedAt = &t
	rec.ProcessingError = ""
	if processErr != nil {
		rec.ProcessingError = processErr.Error()
	}
	return nil
}

// GetEvent returns the dedup record for an event id, or nil.
func (s *Storage) GetEvent(eventID string) *subsync.EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.events[eventID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// PurgeExpiredEvents implements subsync.Storage
func (s *Storage) PurgeExpiredEvents(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.events {
		if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(now) {
			delete(s.events, id)
			n++
		}
	}
	return n, nil
}

// GetAccess implements subsync.Storage
func (s *Storage) GetAccess(_ context.Context, customerID string) (*subsync.Access, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.access[customerID]
	if !ok {
		return nil, subsync.ErrAccessNotFound
	}
	cp := *a
	return &cp, nil
}

// SetAccess implements subsync.Storage
func (s *Storage) SetAccess(_ context.Context, a *subsync.Access) error {
	if a == nil || a.CustomerID == "" {
		return fmt.Errorf("invalid access record")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.access[a.CustomerID] = &cp
	return nil
}

// ClaimIntent implements subsync.Storage
func (s *Storage) ClaimIntent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if c, ok := s.claims[key]; ok && c.expiresAt.After(now) {
		return false, nil
	}
	s.claims[key] = claim{expiresAt: now.Add(ttl)}
	return true, nil
}

// ReleaseIntent implements subsync.Storage
func (s *Storage) ReleaseIntent(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}

// RecordDeadLetter implements subsync.Storage
func (s *Storage) RecordDeadLetter(_ context.Context, dl *subsync.DeadLetter) error {
	if dl == nil || dl.ID == "" {
		return fmt.Errorf("invalid dead letter")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *dl
	s.deadLetters[dl.ID] = &cp
	return nil
}

// ListDeadLetters implements subsync.Storage
func (s *Storage) ListDeadLetters(_ context.Context, limit int) ([]*subsync.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*subsync.DeadLetter, 0, len(s.deadLetters))
	for _, dl := range s.deadLetters {
		cp := *dl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteDeadLetter implements subsync.Storage
func (s *Storage) DeleteDeadLetter(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadLetters[id]; !ok {
		return subsync.ErrDeadLetterNotFound
	}
	delete(s.deadLetters, id)
	return nil
}

var _ subsync.Storage = (*Storage)(nil)
