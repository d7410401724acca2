package subsync_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/codecraft/subsync/pkg/subsync"
	"github.com/codecraft/subsync/storage/memory"
)

// recordingNotifier captures notifications and can fail the first N calls.
type recordingNotifier struct {
	mu        sync.Mutex
	sent      []*subsync.Notification
	failFirst int
	err       error
	calls     int
}

func (r *recordingNotifier) Notify(_ context.Context, n *subsync.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failFirst {
		if r.err != nil {
			return r.err
		}
		return errors.New("mail relay unavailable")
	}
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) kinds() []subsync.IntentKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]subsync.IntentKind, 0, len(r.sent))
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

// flakyAccess fails every call with err.
type flakyAccess struct {
	err   error
	calls int
}

func (f *flakyAccess) ApplyAccess(context.Context, *subsync.Access) error {
	f.calls++
	return f.err
}

var fastRetry = subsync.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

type testEnv struct {
	store    *memory.Storage
	notifier *recordingNotifier
	manager  *subsync.Manager
}

func newEnv(t *testing.T, mutate func(*subsync.Config)) *testEnv {
	t.Helper()
	store := memory.New()
	notifier := &recordingNotifier{}
	cfg := subsync.Config{
		Notifier: notifier,
		Retry:    fastRetry,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := subsync.NewManager(store, cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &testEnv{store: store, notifier: notifier, manager: m}
}

func mustParse(t *testing.T, raw string) *subsync.Event {
	t.Helper()
	ev, err := subsync.ParseEvent([]byte(raw))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	return ev
}

func intentKinds(intents []subsync.Intent) []subsync.IntentKind {
	out := make([]subsync.IntentKind, 0, len(intents))
	for _, in := range intents {
		out = append(out, in.Kind)
	}
	return out
}
