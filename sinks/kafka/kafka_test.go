package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	skafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codecraft/subsync/pkg/subsync"
)

type fakeWriter struct {
	msgs   []skafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...skafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

type recordingController struct {
	applied []*subsync.Access
	err     error
}

func (c *recordingController) ApplyAccess(_ context.Context, a *subsync.Access) error {
	if c.err != nil {
		return c.err
	}
	c.applied = append(c.applied, a)
	return nil
}

func testAccess() *subsync.Access {
	return &subsync.Access{
		CustomerID:     "cus_1",
		State:          subsync.AccessSuspended,
		KeepData:       true,
		SubscriptionID: "sub_1",
		Reason:         "payment failed",
		UpdatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublisher_ForwardsThenPublishes(t *testing.T) {
	w := &fakeWriter{}
	next := &recordingController{}
	p := NewWithWriter(w, Config{Topic: "access", Next: next})

	require.NoError(t, p.ApplyAccess(context.Background(), testAccess()))

	require.Len(t, next.applied, 1)
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "cus_1", string(msg.Key))
	assert.Equal(t, "access.suspended", string(msg.Headers[0].Value))

	var change AccessChange
	require.NoError(t, json.Unmarshal(msg.Value, &change))
	assert.Equal(t, subsync.AccessSuspended, change.State)
	assert.True(t, change.KeepData)
	assert.Equal(t, "sub_1", change.SubscriptionID)
}

func TestPublisher_NextFailureSkipsPublish(t *testing.T) {
	w := &fakeWriter{}
	p := NewWithWriter(w, Config{Next: &recordingController{err: errors.New("store down")}})

	err := p.ApplyAccess(context.Background(), testAccess())
	assert.Error(t, err)
	assert.Empty(t, w.msgs)
}

func TestPublisher_PublishFailure(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}

	lenient := NewWithWriter(w, Config{})
	assert.NoError(t, lenient.ApplyAccess(context.Background(), testAccess()))

	strict := NewWithWriter(w, Config{FailOnPublishError: true})
	assert.Error(t, strict.ApplyAccess(context.Background(), testAccess()))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Topic: "access"})
	assert.Error(t, err)
	_, err = New(Config{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	p, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "access"})
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestClose(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, NewWithWriter(w, Config{}).Close())
	assert.True(t, w.closed)
}
