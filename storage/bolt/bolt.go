// Package bolt provides an embedded BoltDB implementation of the subsync.Storage
// interface. All data lives in a single file; bolt serializes write
// transactions, so every conditional write is a read-check-put inside one
// db.Update.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/codecraft/subsync/pkg/subsync"
)

var (
	bucketSubscriptions = []byte("subscriptions")
	bucketCustomerIndex = []byte("customer_subscriptions")
	bucketCustomers     = []byte("customers")
	bucketEvents        = []byte("events")
	bucketAccess        = []byte("access")
	bucketClaims        = []byte("intent_claims")
	bucketDeadLetters   = []byte("dead_letters")
)

// Storage implements subsync.Storage on a BoltDB file
type Storage struct {
	db  *bolt.DB
	now func() time.Time
}

// Config holds BoltDB storage configuration
type Config struct {
	// Path is the database file (required)
	Path string

	// OpenTimeout bounds waiting for the file lock (default: 1s)
	OpenTimeout time.Duration
}

// New opens (or creates) the database file and ensures every bucket exists.
func New(config Config) (*Storage, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = time.Second
	}

	db, err := bolt.Open(config.Path, 0600, &bolt.Options{Timeout: config.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSubscriptions, bucketCustomerIndex, bucketCustomers,
			bucketEvents, bucketAccess, bucketClaims, bucketDeadLetters} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Storage{db: db, now: time.Now}, nil
}

// Close releases the database file lock.
func (s *Storage) Close() error {
	return s.db.Close()
}

func customerIndexKey(customerID, subscriptionID string) []byte {
	return []byte(customerID + "\x00" + subscriptionID)
}

func getJSON(b *bolt.Bucket, key string, v interface{}) (bool, error) {
	raw := b.Get([]byte(key))
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return b.Put([]byte(key), data)
}

// GetSubscription implements subsync.Storage
func (s *Storage) GetSubscription(_ context.Context, id string) (*subsync.Subscription, error) {
	var sub subsync.Subscription
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket(bucketSubscriptions), id, &sub)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return &sub, nil
}

// UpsertSubscription implements subsync.Storage
func (s *Storage) UpsertSubscription(_ context.Context, sub *subsync.Subscription,
	expectedVersion int64) (*subsync.Subscription, error) {
	if sub == nil || sub.ID == "" {
		return nil, fmt.Errorf("invalid subscription")
	}

	var next *subsync.Subscription
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSubscriptions)

		var current subsync.Subscription
		found, err := getJSON(b, sub.ID, &current)
		if err != nil {
			return err
		}
		var stored *subsync.Subscription
		if found {
			stored = &current
		}
		if err := subsync.CheckWrite(stored, sub, expectedVersion); err != nil {
			return err
		}

		next = sub.Clone()
		next.Version = subsync.NextVersion(stored)
		if err := putJSON(b, sub.ID, next); err != nil {
			return err
		}

		index := tx.Bucket(bucketCustomerIndex)
		if stored != nil && stored.CustomerID != next.CustomerID {
			if err := index.Delete(customerIndexKey(stored.CustomerID, sub.ID)); err != nil {
				return err
			}
		}
		return index.Put(customerIndexKey(next.CustomerID, sub.ID), nil)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// ListSubscriptionsByCustomer implements subsync.Storage
func (s *Storage) ListSubscriptionsByCustomer(_ context.Context, customerID string) ([]*subsync.Subscription, error) {
	var out []*subsync.Subscription
	prefix := []byte(customerID + "\x00")
	err := s.db.View(func(tx *bolt.Tx) error {
		subs := tx.Bucket(bucketSubscriptions)
		c := tx.Bucket(bucketCustomerIndex).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			var sub subsync.Subscription
			found, err := getJSON(subs, string(k[len(prefix):]), &sub)
			if err != nil {
				return err
			}
			if found {
				out = append(out, &sub)
			}
		}
		return nil
	})
	return out, err
}

// ListStaleSubscriptions implements subsync.Storage. It scans every
// subscription; bolt has no secondary ordering.
func (s *Storage) ListStaleSubscriptions(_ context.Context, before time.Time, limit int) ([]*subsync.Subscription, error) {
	var out []*subsync.Subscription
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).ForEach(func(_, v []byte) error {
			var sub subsync.Subscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			if !sub.Retired && sub.UpdatedAt.Before(before) {
				out = append(out, &sub)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetCustomer implements subsync.Storage
func (s *Storage) GetCustomer(_ context.Context, id string) (*subsync.Customer, error) {
	var c subsync.Customer
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket(bucketCustomers), id, &c)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, subsync.ErrCustomerNotFound
	}
	return &c, nil
}

// UpsertCustomer implements subsync.Storage
func (s *Storage) UpsertCustomer(_ context.Context, c *subsync.Customer) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("invalid customer")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketCustomers), c.ID, c)
	})
}

// AdmitEvent implements subsync.Storage. Put-if-absent inside one write
// transaction; an expired record is replaced.
func (s *Storage) AdmitEvent(_ context.Context, rec *subsync.EventRecord) (subsync.Admission, error) {
	if rec == nil || rec.ID == "" {
		return 0, fmt.Errorf("invalid event record")
	}
	admission := subsync.Duplicate
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		var existing subsync.EventRecord
		found, err := getJSON(b, rec.ID, &existing)
		if err != nil {
			return err
		}
		if found && (existing.ExpiresAt.IsZero() || !existing.ExpiresAt.Before(s.now())) {
			return nil
		}
		admission = subsync.Admitted
		return putJSON(b, rec.ID, rec)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: admit event: %v", subsync.ErrStorageUnavailable, err)
	}
	return admission, nil
}

// MarkEventProcessed implements subsync.Storage
func (s *Storage) MarkEventProcessed(_ context.Context, eventID string, processedAt time.Time, processErr error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		var rec subsync.EventRecord
		found, err := getJSON(b, eventID, &rec)
		if err != nil || !found {
			return err
		}
		t := processedAt
		rec.ProcessedAt = &t
		rec.ProcessingError = ""
		if processErr != nil {
			rec.ProcessingError = processErr.Error()
		}
		return putJSON(b, eventID, &rec)
	})
}

// GetEvent returns the dedup record for an event id, or nil.
func (s *Storage) GetEvent(eventID string) (*subsync.EventRecord, error) {
	var rec subsync.EventRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket(bucketEvents), eventID, &rec)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &rec, nil
}

// PurgeExpiredEvents implements subsync.Storage
func (s *Storage) PurgeExpiredEvents(_ context.Context, now time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec subsync.EventRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// GetAccess implements subsync.Storage
func (s *Storage) GetAccess(_ context.Context, customerID string) (*subsync.Access, error) {
	var a subsync.Access
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		found, err = getJSON(tx.Bucket(bucketAccess), customerID, &a)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, subsync.ErrAccessNotFound
	}
	return &a, nil
}

// SetAccess implements subsync.Storage
func (s *Storage) SetAccess(_ context.Context, a *subsync.Access) error {
	if a == nil || a.CustomerID == "" {
		return fmt.Errorf("invalid access record")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketAccess), a.CustomerID, a)
	})
}

// ClaimIntent implements subsync.Storage
func (s *Storage) ClaimIntent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClaims)
		now := s.now()
		var expiresAt time.Time
		found, err := getJSON(b, key, &expiresAt)
		if err != nil {
			return err
		}
		if found && expiresAt.After(now) {
			return nil
		}
		claimed = true
		return putJSON(b, key, now.Add(ttl))
	})
	return claimed, err
}

// ReleaseIntent implements subsync.Storage
func (s *Storage) ReleaseIntent(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClaims).Delete([]byte(key))
	})
}

// RecordDeadLetter implements subsync.Storage
func (s *Storage) RecordDeadLetter(_ context.Context, dl *subsync.DeadLetter) error {
	if dl == nil || dl.ID == "" {
		return fmt.Errorf("invalid dead letter")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketDeadLetters), dl.ID, dl)
	})
}

// ListDeadLetters implements subsync.Storage
func (s *Storage) ListDeadLetters(_ context.Context, limit int) ([]*subsync.DeadLetter, error) {
	var out []*subsync.DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetters).ForEach(func(_, v []byte) error {
			var dl subsync.DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return err
			}
			out = append(out, &dl)
			return nil
		})
	})
	if err != nil {
		return nil, err
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
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		if b.Get([]byte(id)) == nil {
			return subsync.ErrDeadLetterNotFound
		}
		return b.Delete([]byte(id))
	})
}

var _ subsync.Storage = (*Storage)(nil)
