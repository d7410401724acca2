package sqlite

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
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "data", "subsync.db")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
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

func TestPing(t *testing.T) {
	if err := newTestStorage(t).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestAdmitEvent_NoExpiry(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	if a, err := s.AdmitEvent(ctx, &subsync.EventRecord{ID: "evt_forever"}); err != nil || a != subsync.Admitted {
		t.Fatalf("AdmitEvent = %v, %v", a, err)
	}
	if n, err := s.PurgeExpiredEvents(ctx, time.Now().Add(100*365*24*time.Hour)); err != nil || n != 0 {
		t.Errorf("PurgeExpiredEvents = %d, %v; records without expiry must survive", n, err)
	}
	if a, _ := s.AdmitEvent(ctx, &subsync.EventRecord{ID: "evt_forever"}); a != subsync.Duplicate {
		t.Errorf("second admit = %v, want duplicate", a)
	}
}

func TestMarkEventProcessed(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	now := time.Now().UTC()

	if _, err := s.AdmitEvent(ctx, &subsync.EventRecord{ID: "evt_1", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("AdmitEvent: %v", err)
	}
	if err := s.MarkEventProcessed(ctx, "evt_1", now, context.DeadlineExceeded); err != nil {
		t.Fatalf("MarkEventProcessed: %v", err)
	}
	rec, err := s.GetEvent(ctx, "evt_1")
	if err != nil || rec == nil {
		t.Fatalf("GetEvent = %v, %v", rec, err)
	}
	if rec.ProcessedAt == nil || rec.ProcessingError != context.DeadlineExceeded.Error() {
		t.Errorf("record = %+v", rec)
	}
	if err := s.MarkEventProcessed(ctx, "evt_unknown", now, nil); err != nil {
		t.Errorf("unknown event: %v", err)
	}
}
