// Package storagetest is a conformance suite for subsync.Storage backends.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codecraft/subsync/pkg/subsync"
)

// Factory returns an empty storage. Ids used by the suite are randomized per
// run, so backends may share state between subtests.
type Factory func(t *testing.T) subsync.Storage

// Run executes every contract test against storage built by newStorage.
func Run(t *testing.T, newStorage Factory) {
	t.Run("SubscriptionCreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStorage(t)) })
	t.Run("SubscriptionVersioning", func(t *testing.T) { testVersioning(t, newStorage(t)) })
	t.Run("SubscriptionStaleWrite", func(t *testing.T) { testStaleWrite(t, newStorage(t)) })
	t.Run("SubscriptionConcurrentWriters", func(t *testing.T) { testConcurrentWriters(t, newStorage(t)) })
	t.Run("ListByCustomer", func(t *testing.T) { testListByCustomer(t, newStorage(t)) })
	t.Run("ListStale", func(t *testing.T) { testListStale(t, newStorage(t)) })
	t.Run("Customers", func(t *testing.T) { testCustomers(t, newStorage(t)) })
	t.Run("AdmitEvent", func(t *testing.T) { testAdmit(t, newStorage(t)) })
	t.Run("AdmitEventConcurrent", func(t *testing.T) { testAdmitConcurrent(t, newStorage(t)) })
	t.Run("PurgeExpiredEvents", func(t *testing.T) { testPurge(t, newStorage(t)) })
	t.Run("Access", func(t *testing.T) { testAccess(t, newStorage(t)) })
	t.Run("IntentClaims", func(t *testing.T) { testClaims(t, newStorage(t)) })
	t.Run("DeadLetters", func(t *testing.T) { testDeadLetters(t, newStorage(t)) })
}

var seq atomic.Int64

// ID returns a unique id with the given prefix.
func ID(prefix string) string {
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), seq.Add(1))
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newSub(id, customer string, status subsync.Status, eventAt time.Time) *subsync.Subscription {
	trialEnd := base.Add(14 * 24 * time.Hour)
	return &subsync.Subscription{
		ID:                 id,
		CustomerID:         customer,
		Status:             status,
		PriceID:            "price_basic",
		CurrentPeriodStart: base,
		CurrentPeriodEnd:   base.AddDate(0, 1, 0),
		TrialEnd:           &trialEnd,
		LastEventID:        ID("evt"),
		LastEventAt:        eventAt,
		UpdatedAt:          eventAt,
	}
}

func testCreateAndGet(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	id := ID("sub")

	_, err := s.GetSubscription(ctx, id)
	assert.ErrorIs(t, err, subsync.ErrSubscriptionNotFound)

	in := newSub(id, ID("cus"), subsync.StatusActive, base)
	saved, err := s.UpsertSubscription(ctx, in, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	got, err := s.GetSubscription(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, in.CustomerID, got.CustomerID)
	assert.Equal(t, subsync.StatusActive, got.Status)
	assert.Equal(t, "price_basic", got.PriceID)
	assert.True(t, in.CurrentPeriodEnd.Equal(got.CurrentPeriodEnd))
	require.NotNil(t, got.TrialEnd)
	assert.True(t, in.TrialEnd.Equal(*got.TrialEnd))
	assert.True(t, in.LastEventAt.Equal(got.LastEventAt))
	assert.Equal(t, in.LastEventID, got.LastEventID)
	assert.Equal(t, int64(1), got.Version)

	// Create-only write on an existing id conflicts.
	_, err = s.UpsertSubscription(ctx, newSub(id, in.CustomerID, subsync.StatusActive, base.Add(time.Second)), 0)
	assert.ErrorIs(t, err, subsync.ErrConflict)
}

func testVersioning(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	id, customer := ID("sub"), ID("cus")

	_, err := s.UpsertSubscription(ctx, newSub(id, customer, subsync.StatusActive, base), 0)
	require.NoError(t, err)

	next := newSub(id, customer, subsync.StatusPastDue, base.Add(time.Minute))
	saved, err := s.UpsertSubscription(ctx, next, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), saved.Version)

	// A writer still holding version 1 loses.
	_, err = s.UpsertSubscription(ctx, newSub(id, customer, subsync.StatusCanceled, base.Add(2*time.Minute)), 1)
	assert.ErrorIs(t, err, subsync.ErrConflict)

	// AnyVersion skips the check.
	saved, err = s.UpsertSubscription(ctx, newSub(id, customer, subsync.StatusCanceled, base.Add(3*time.Minute)), subsync.AnyVersion)
	require.NoError(t, err)
	assert.Equal(t, int64(3), saved.Version)

	got, err := s.GetSubscription(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusCanceled, got.Status)

	// Updating a missing subscription with a version conflicts.
	_, err = s.UpsertSubscription(ctx, newSub(ID("sub"), customer, subsync.StatusActive, base), 4)
	assert.ErrorIs(t, err, subsync.ErrConflict)
}

func testStaleWrite(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	id, customer := ID("sub"), ID("cus")

	t2 := base.Add(time.Hour)
	_, err := s.UpsertSubscription(ctx, newSub(id, customer, subsync.StatusCanceled, t2), 0)
	require.NoError(t, err)

	_, err = s.UpsertSubscription(ctx, newSub(id, customer, subsync.StatusActive, base), 1)
	assert.ErrorIs(t, err, subsync.ErrStaleEvent)
	_, err = s.UpsertSubscription(ctx, newSub(id, customer, subsync.StatusActive, base), subsync.AnyVersion)
	assert.ErrorIs(t, err, subsync.ErrStaleEvent)

	got, err := s.GetSubscription(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, subsync.StatusCanceled, got.Status)
	assert.Equal(t, int64(1), got.Version)
}

func testConcurrentWriters(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	id, customer := ID("sub"), ID("cus")
	_, err := s.UpsertSubscription(ctx, newSub(id, customer, subsync.StatusActive, base), 0)
	require.NoError(t, err)

	const writers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.UpsertSubscription(ctx, newSub(id, customer, subsync.StatusPastDue, base.Add(time.Duration(i+1)*time.Second)), 1)
			if err == nil {
				wins.Add(1)
			} else if !errors.Is(err, subsync.ErrConflict) && !errors.Is(err, subsync.ErrStaleEvent) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load(), "exactly one writer holding version 1 may win")

	got, err := s.GetSubscription(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func testListByCustomer(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	customer, other := ID("cus"), ID("cus")

	a := newSub(ID("sub_a"), customer, subsync.StatusActive, base)
	b := newSub(ID("sub_b"), customer, subsync.StatusCanceled, base)
	b.Retired = true
	c := newSub(ID("sub_c"), other, subsync.StatusActive, base)
	for _, sub := range []*subsync.Subscription{a, b, c} {
		_, err := s.UpsertSubscription(ctx, sub, 0)
		require.NoError(t, err)
	}

	subs, err := s.ListSubscriptionsByCustomer(ctx, customer)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	ids := map[string]bool{subs[0].ID: true, subs[1].ID: true}
	assert.True(t, ids[a.ID])
	assert.True(t, ids[b.ID])

	none, err := s.ListSubscriptionsByCustomer(ctx, ID("cus"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testListStale(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	customer := ID("cus")

	old := newSub(ID("sub_old"), customer, subsync.StatusActive, base)
	old.UpdatedAt = base.Add(-48 * time.Hour)
	retired := newSub(ID("sub_retired"), customer, subsync.StatusCanceled, base)
	retired.UpdatedAt = base.Add(-72 * time.Hour)
	retired.Retired = true
	fresh := newSub(ID("sub_fresh"), customer, subsync.StatusActive, base)
	fresh.UpdatedAt = base
	for _, sub := range []*subsync.Subscription{old, retired, fresh} {
		_, err := s.UpsertSubscription(ctx, sub, 0)
		require.NoError(t, err)
	}

	stale, err := s.ListStaleSubscriptions(ctx, base.Add(-24*time.Hour), 1000)
	require.NoError(t, err)
	found := false
	for _, sub := range stale {
		assert.False(t, sub.Retired)
		assert.NotEqual(t, fresh.ID, sub.ID)
		if sub.ID == old.ID {
			found = true
		}
	}
	assert.True(t, found, "old subscription should be listed")
}

func testCustomers(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	id := ID("cus")

	_, err := s.GetCustomer(ctx, id)
	assert.ErrorIs(t, err, subsync.ErrCustomerNotFound)

	require.NoError(t, s.UpsertCustomer(ctx, &subsync.Customer{
		ID: id, Email: "a@example.com", Metadata: map[string]string{"source": "checkout"}, UpdatedAt: base,
	}))
	require.NoError(t, s.UpsertCustomer(ctx, &subsync.Customer{ID: id, Email: "b@example.com", UpdatedAt: base}))

	got, err := s.GetCustomer(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "b@example.com", got.Email)
}

func record(id string, now time.Time, ttl time.Duration) *subsync.EventRecord {
	return &subsync.EventRecord{
		ID:         id,
		Type:       subsync.EventSubscriptionUpdated,
		OccurredAt: now,
		ReceivedAt: now,
		ExpiresAt:  now.Add(ttl),
	}
}

func testAdmit(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	id := ID("evt")
	now := time.Now().UTC()

	first, err := s.AdmitEvent(ctx, record(id, now, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, subsync.Admitted, first)

	second, err := s.AdmitEvent(ctx, record(id, now, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, subsync.Duplicate, second)

	require.NoError(t, s.MarkEventProcessed(ctx, id, now, errors.New("boom")))
	require.NoError(t, s.MarkEventProcessed(ctx, id, now, nil))
}

func testAdmitConcurrent(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	id := ID("evt")
	now := time.Now().UTC()

	const n = 20
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := s.AdmitEvent(ctx, record(id, now, time.Hour))
			if err != nil {
				t.Errorf("admit: %v", err)
				return
			}
			if a == subsync.Admitted {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), admitted.Load())
}

func testPurge(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	now := time.Now().UTC()
	expired, live := ID("evt_expired"), ID("evt_live")

	_, err := s.AdmitEvent(ctx, record(expired, now.Add(-2*time.Hour), time.Hour))
	require.NoError(t, err)
	_, err = s.AdmitEvent(ctx, record(live, now, time.Hour))
	require.NoError(t, err)

	_, err = s.PurgeExpiredEvents(ctx, now)
	require.NoError(t, err)

	again, err := s.AdmitEvent(ctx, record(expired, now, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, subsync.Admitted, again, "purged id may be admitted again")

	dup, err := s.AdmitEvent(ctx, record(live, now, time.Hour))
	require.NoError(t, err)
	assert.Equal(t, subsync.Duplicate, dup)
}

func testAccess(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	customer := ID("cus")

	_, err := s.GetAccess(ctx, customer)
	assert.ErrorIs(t, err, subsync.ErrAccessNotFound)

	require.NoError(t, s.SetAccess(ctx, &subsync.Access{
		CustomerID: customer, State: subsync.AccessGranted, KeepData: true, SubscriptionID: "sub_1", UpdatedAt: base,
	}))
	require.NoError(t, s.SetAccess(ctx, &subsync.Access{
		CustomerID: customer, State: subsync.AccessRevoked, KeepData: true, SubscriptionID: "sub_1", UpdatedAt: base,
	}))

	got, err := s.GetAccess(ctx, customer)
	require.NoError(t, err)
	assert.Equal(t, subsync.AccessRevoked, got.State)
	assert.True(t, got.KeepData)
	assert.Equal(t, "sub_1", got.SubscriptionID)
}

func testClaims(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	key := ID("evt") + ":send_welcome"

	ok, err := s.ClaimIntent(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimIntent(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseIntent(ctx, key))
	ok, err = s.ClaimIntent(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testDeadLetters(t *testing.T, s subsync.Storage) {
	ctx := context.Background()
	first := &subsync.DeadLetter{
		ID:        ID("dl"),
		Intent:    subsync.Intent{Kind: subsync.IntentSendWelcome, EventID: "evt_1", CustomerID: "cus_1"},
		Attempts:  5,
		LastError: "smtp down",
		CreatedAt: time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond),
	}
	second := &subsync.DeadLetter{
		ID:        ID("dl"),
		Intent:    subsync.Intent{Kind: subsync.IntentGrantAccess, EventID: "evt_2", CustomerID: "cus_2"},
		Attempts:  1,
		LastError: "no customer",
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.RecordDeadLetter(ctx, first))
	require.NoError(t, s.RecordDeadLetter(ctx, second))

	letters, err := s.ListDeadLetters(ctx, 1000)
	require.NoError(t, err)
	var got *subsync.DeadLetter
	for _, dl := range letters {
		if dl.ID == first.ID {
			got = dl
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, subsync.IntentSendWelcome, got.Intent.Kind)
	assert.Equal(t, "cus_1", got.Intent.CustomerID)
	assert.Equal(t, 5, got.Attempts)
	assert.Equal(t, "smtp down", got.LastError)

	require.NoError(t, s.DeleteDeadLetter(ctx, first.ID))
	assert.ErrorIs(t, s.DeleteDeadLetter(ctx, first.ID), subsync.ErrDeadLetterNotFound)
	require.NoError(t, s.DeleteDeadLetter(ctx, second.ID))
}
