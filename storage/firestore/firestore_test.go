package firestore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/codecraft/subsync/pkg/subsync"
	"github.com/codecraft/subsync/storage/storagetest"
)

const testProjectID = "test-project"

// setupFirestoreClient connects to the emulator named by FIRESTORE_EMULATOR_HOST
func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// testConfig returns unique collection names for each test run
func testConfig(testName string) Config {
	suffix := fmt.Sprintf("%s_%d", strings.ReplaceAll(testName, "/", "_"), time.Now().UnixNano())
	return Config{
		SubscriptionsCollection: "test_subs_" + suffix,
		CustomersCollection:     "test_customers_" + suffix,
		EventsCollection:        "test_events_" + suffix,
		AccessCollection:        "test_access_" + suffix,
		ClaimsCollection:        "test_claims_" + suffix,
		DeadLettersCollection:   "test_dead_letters_" + suffix,
	}
}

func TestNew(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("expected error for nil client")
	}

	s, err := New(&firestore.Client{}, Config{EventsCollection: "custom_events"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.config.EventsCollection != "custom_events" {
		t.Errorf("EventsCollection = %q", s.config.EventsCollection)
	}
	if s.config.SubscriptionsCollection != "subsync_subscriptions" {
		t.Errorf("SubscriptionsCollection = %q", s.config.SubscriptionsCollection)
	}
	if s.config.DeadLettersCollection != "subsync_dead_letters" {
		t.Errorf("DeadLettersCollection = %q", s.config.DeadLettersCollection)
	}
}

func TestSubscriptionDocRoundTrip(t *testing.T) {
	trialEnd := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	in := &subsync.Subscription{
		ID: "sub_1", CustomerID: "cus_1", Status: subsync.StatusTrialing, TrialEnd: &trialEnd,
		Version: 4, LastEventID: "evt_9", LastEventAt: trialEnd.Add(-time.Hour),
	}
	out := toSubscriptionDoc(in).subscription()
	if out.Status != subsync.StatusTrialing || out.Version != 4 || out.LastEventID != "evt_9" {
		t.Errorf("round trip lost fields: %+v", out)
	}
	if out.TrialEnd == nil || !out.TrialEnd.Equal(trialEnd) {
		t.Errorf("TrialEnd = %v", out.TrialEnd)
	}
	if out.TrialEnd == in.TrialEnd {
		t.Error("TrialEnd should be copied, not shared")
	}
}

func TestStorageContract(t *testing.T) {
	client := setupFirestoreClient(t)
	storagetest.Run(t, func(t *testing.T) subsync.Storage {
		s, err := New(client, testConfig(t.Name()))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return s
	})
}
