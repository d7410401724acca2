package subsync_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codecraft/subsync/pkg/subsync"
	"github.com/codecraft/subsync/storage/memory"
)

func newExecutor(t *testing.T, store *memory.Storage, access subsync.AccessController, notifier subsync.Notifier) *subsync.Executor {
	t.Helper()
	if access == nil {
		access = &subsync.StoreAccess{Store: store}
	}
	x, err := subsync.NewExecutor(subsync.ExecutorConfig{
		Access:    access,
		Notifier:  notifier,
		Ledger:    store,
		Customers: store,
		Retry:     fastRetry,
	})
	require.NoError(t, err)
	return x
}

func TestExecutor_RequiresCollaborators(t *testing.T) {
	_, err := subsync.NewExecutor(subsync.ExecutorConfig{})
	assert.Error(t, err)
}

func TestExecutor_AccessIntents(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	x := newExecutor(t, store, nil, &recordingNotifier{})

	tests := []struct {
		kind     subsync.IntentKind
		keepData bool
		want     subsync.AccessState
	}{
		{subsync.IntentGrantAccess, false, subsync.AccessGranted},
		{subsync.IntentSuspendAccess, false, subsync.AccessSuspended},
		{subsync.IntentActivateSubscription, false, subsync.AccessGranted},
		{subsync.IntentRevokeAccess, true, subsync.AccessRevoked},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := x.Execute(ctx, subsync.Intent{Kind: tt.kind, EventID: "evt_1", CustomerID: "cus_1", SubscriptionID: "sub_1", KeepData: tt.keepData})
			require.NoError(t, err)

			a, err := store.GetAccess(ctx, "cus_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.State)
			assert.True(t, a.KeepData)
			assert.Equal(t, string(tt.kind), a.Reason)
		})
	}
}

func TestExecutor_NotificationDeliveredOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	notifier := &recordingNotifier{}
	x := newExecutor(t, store, nil, notifier)

	in := subsync.Intent{Kind: subsync.IntentNotifyPaymentFailure, EventID: "evt_1", CustomerID: "cus_1"}
	require.NoError(t, x.Execute(ctx, in))
	require.NoError(t, x.Execute(ctx, in))

	assert.Len(t, notifier.sent, 1)
	assert.Equal(t, "evt_1:notify_payment_failure", notifier.sent[0].ID)
}

func TestExecutor_ResolvesEmailFromCustomer(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.UpsertCustomer(ctx, &subsync.Customer{ID: "cus_1", Email: "buyer@example.com"}))
	notifier := &recordingNotifier{}
	x := newExecutor(t, store, nil, notifier)

	require.NoError(t, x.Execute(ctx, subsync.Intent{Kind: subsync.IntentSendPaymentConfirmation, EventID: "evt_1", CustomerID: "cus_1"}))
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, "buyer@example.com", notifier.sent[0].Email)
}

func TestExecutor_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	notifier := &recordingNotifier{failFirst: 2}
	x := newExecutor(t, store, nil, notifier)

	err := x.Execute(ctx, subsync.Intent{Kind: subsync.IntentNotifyTrialEnding, EventID: "evt_1", CustomerID: "cus_1"})
	require.NoError(t, err)
	assert.Equal(t, 3, notifier.calls)
	assert.Len(t, notifier.sent, 1)

	letters, err := store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestExecutor_DeadLettersAfterExhaustion(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	notifier := &recordingNotifier{failFirst: 100}
	x := newExecutor(t, store, nil, notifier)

	in := subsync.Intent{Kind: subsync.IntentSendWelcome, EventID: "evt_1", CustomerID: "cus_1"}
	err := x.Execute(ctx, in)

	var execErr *subsync.ExecutorError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 3, execErr.Attempts)
	assert.Equal(t, 3, notifier.calls)

	letters, err := store.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, in, letters[0].Intent)
	assert.Equal(t, 3, letters[0].Attempts)

	// The claim was released, so a later retry can deliver.
	ok, err := store.ClaimIntent(ctx, in.Key(), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExecutor_PermanentFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	access := &flakyAccess{err: subsync.Permanent(errors.New("account deleted"))}
	x := newExecutor(t, store, access, &recordingNotifier{})

	err := x.Execute(ctx, subsync.Intent{Kind: subsync.IntentGrantAccess, EventID: "evt_1", CustomerID: "cus_1"})
	require.Error(t, err)
	assert.Equal(t, 1, access.calls)

	letters, _ := store.ListDeadLetters(ctx, 10)
	assert.Len(t, letters, 1)
}

func TestExecutor_AccessIntentWithoutCustomerIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	x := newExecutor(t, store, nil, &recordingNotifier{})

	err := x.Execute(ctx, subsync.Intent{Kind: subsync.IntentRevokeAccess, EventID: "evt_1", SubscriptionID: "sub_x"})
	var execErr *subsync.ExecutorError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 1, execErr.Attempts)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := subsync.RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := p.Backoff(attempt)
		full := 100 * time.Millisecond << (attempt - 1)
		if full > time.Second {
			full = time.Second
		}
		if d < full/2 || d >= full {
			t.Errorf("attempt %d: backoff %v outside [%v, %v)", attempt, d, full/2, full)
		}
	}
}

func TestDefaultRetryable(t *testing.T) {
	assert.True(t, subsync.DefaultRetryable(errors.New("timeout")))
	assert.False(t, subsync.DefaultRetryable(subsync.Permanent(errors.New("bad request"))))
	assert.False(t, subsync.DefaultRetryable(context.Canceled))
	assert.False(t, subsync.DefaultRetryable(nil))
}
