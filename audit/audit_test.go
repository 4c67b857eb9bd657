package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/folio-engine/retry"
	"github.com/warp/folio-engine/stay"
)

func quiet() *slog.Logger { return slog.New(slog.DiscardHandler) }

func event(id string) stay.AuditEvent {
	return stay.AuditEvent{
		ID: id, TenantID: "hotel-1", Actor: "frontdesk", Action: stay.ActionCheckIn,
		ResourceType: "reservation", ResourceID: "res-1", At: time.Now().UTC(),
	}
}

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

// fakeChannel records publishes and fails the first failFirst of them.
type fakeChannel struct {
	mu        sync.Mutex
	declared  []string
	published []amqp.Publishing
	failFirst int
	closed    int
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return errors.New("channel closed")
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func newTestPublisher(ch *fakeChannel, policy retry.Policy) (*AMQPPublisher, *int) {
	p := NewAMQPPublisher("amqp://unused", "", policy, quiet())
	opens := 0
	p.open = func(context.Context) (channel, error) {
		opens++
		return ch, nil
	}
	return p, &opens
}

func TestAMQPPublisher_PersistentJSON(t *testing.T) {
	ch := &fakeChannel{}
	p, opens := newTestPublisher(ch, fastPolicy(3))

	err := p.Publish(context.Background(), []stay.AuditEvent{event("ev-1"), event("ev-2")})

	require.NoError(t, err)
	assert.Equal(t, 1, *opens, "connection is reused")
	assert.Equal(t, []string{DefaultQueue}, ch.declared)
	require.Len(t, ch.published, 2)
	msg := ch.published[0]
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, "ev-1", msg.MessageId)
	var decoded stay.AuditEvent
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, stay.ActionCheckIn, decoded.Action)
}

func TestAMQPPublisher_ReconnectsAfterFailure(t *testing.T) {
	// GIVEN: a channel whose first publish fails
	// WHEN: an event is published
	// THEN: the channel is dropped, reopened, and the retry succeeds

	ch := &fakeChannel{failFirst: 1}
	p, opens := newTestPublisher(ch, fastPolicy(3))

	err := p.Publish(context.Background(), []stay.AuditEvent{event("ev-1")})

	require.NoError(t, err)
	assert.Equal(t, 2, *opens)
	assert.Equal(t, 1, ch.closed)
	assert.Len(t, ch.published, 1)
}

func TestAMQPPublisher_GivesUpAfterPolicy(t *testing.T) {
	ch := &fakeChannel{failFirst: 10}
	p, _ := newTestPublisher(ch, fastPolicy(2))

	err := p.Publish(context.Background(), []stay.AuditEvent{event("ev-1")})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ev-1")
	assert.Empty(t, ch.published)
}

func TestAMQPPublisher_DialFailure(t *testing.T) {
	p := NewAMQPPublisher("amqp://unused", "custom", fastPolicy(2), quiet())
	p.open = func(context.Context) (channel, error) { return nil, errors.New("connection refused") }

	err := p.Publish(context.Background(), []stay.AuditEvent{event("ev-1")})

	assert.ErrorContains(t, err, "connection refused")
	assert.NoError(t, p.Close())
}

func TestLogSink_WritesOneRecordPerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	e := event("ev-1")
	e.Metadata = map[string]any{"room_id": "room-101"}
	require.NoError(t, sink.Publish(context.Background(), []stay.AuditEvent{e, event("ev-2")}))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, stay.ActionCheckIn, rec["msg"])
	assert.Equal(t, "ev-1", rec["event_id"])
	assert.Equal(t, "audit", rec["component"])
}

type sinkFunc func(ctx context.Context, events []stay.AuditEvent) error

func (f sinkFunc) Publish(ctx context.Context, events []stay.AuditEvent) error { return f(ctx, events) }

func TestFanout_DeliversToAllAndJoinsErrors(t *testing.T) {
	var got int
	ok := sinkFunc(func(_ context.Context, events []stay.AuditEvent) error {
		got += len(events)
		return nil
	})
	broken := sinkFunc(func(context.Context, []stay.AuditEvent) error { return errors.New("broker down") })

	err := Fanout{broken, nil, ok}.Publish(context.Background(), []stay.AuditEvent{event("ev-1")})

	assert.ErrorContains(t, err, "broker down")
	assert.Equal(t, 1, got, "a failing sink does not starve the others")
}
