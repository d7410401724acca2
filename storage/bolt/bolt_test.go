package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/codecraft/subsync/pkg/subsync"
	"github.com/codecraft/subsync/storage/storagetest"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "subsync.db")})
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStorageContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) subsync.Storage {
		return newTestStorage(t)
	})
}

func TestNew_RequiresPath(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "subsync.db")

	s, err := New(Config{Path: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now().UTC()
	if _, err := s.AdmitEvent(ctx, &subsync.EventRecord{ID: "evt_1", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("AdmitEvent: %v", err)
	}
	if _, err := s.UpsertSubscription(ctx, &subsync.Subscription{ID: "sub_1", CustomerID: "cus_1",
		Status: subsync.StatusActive, LastEventAt: now}, 0); err != nil {
		t.Fatalf("UpsertSubscription: %v", err)
	}
	s.Close()

	s, err = New(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	a, err := s.AdmitEvent(ctx, &subsync.EventRecord{ID: "evt_1", ExpiresAt: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("AdmitEvent: %v", err)
	}
	if a != subsync.Duplicate {
		t.Errorf("redelivery after restart = %v, want duplicate", a)
	}
	sub, err := s.GetSubscription(ctx, "sub_1")
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if sub.Version != 1 {
		t.Errorf("Version = %d, want 1", sub.Version)
	}
}

func TestCustomerIndexFollowsMove(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	now := time.Now().UTC()

	if _, err := s.UpsertSubscription(ctx, &subsync.Subscription{ID: "sub_1", CustomerID: "cus_a", LastEventAt: now}, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.UpsertSubscription(ctx, &subsync.Subscription{ID: "sub_1", CustomerID: "cus_b", LastEventAt: now.Add(time.Second)}, 1); err != nil {
		t.Fatalf("update: %v", err)
	}

	a, _ := s.ListSubscriptionsByCustomer(ctx, "cus_a")
	b, _ := s.ListSubscriptionsByCustomer(ctx, "cus_b")
	if len(a) != 0 || len(b) != 1 {
		t.Errorf("index not moved: cus_a=%d cus_b=%d", len(a), len(b))
	}
}

func TestClaimIntent_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	if ok, _ := s.ClaimIntent(ctx, "k", time.Minute); !ok {
		t.Fatal("first claim should succeed")
	}
	if ok, _ := s.ClaimIntent(ctx, "k", time.Minute); ok {
		t.Fatal("second claim should fail while held")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := s.ClaimIntent(ctx, "k", time.Minute); !ok {
		t.Error("claim should be available again after its TTL")
	}
}
