package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeChannel struct {
	published []amqp.Publishing
	keys      []string
	err       error
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func TestAMQPPublisher_PersistentJSONRoutedByType(t *testing.T) {
	ch := &fakeChannel{}
	p := newAMQPPublisher(ch, DefaultExchange)

	ev := Event{Type: InvoicePaid, ProjectID: "p1", InvoiceNumber: "INV-1", Amount: "600.00", At: time.Unix(0, 0).UTC()}
	require.NoError(t, p.Notify(context.Background(), ev))

	require.Len(t, ch.published, 1)
	assert.Equal(t, "invoice.paid", ch.keys[0])
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.Equal(t, "application/json", ch.published[0].ContentType)

	var got Event
	require.NoError(t, json.Unmarshal(ch.published[0].Body, &got))
	assert.Equal(t, "INV-1", got.InvoiceNumber)
	assert.Equal(t, "600.00", got.Amount)
}

func TestMulti_JoinsErrors(t *testing.T) {
	boom := errors.New("broker down")
	m := Multi{Nop{}, newAMQPPublisher(&fakeChannel{err: boom}, DefaultExchange)}

	err := m.Notify(context.Background(), Event{Type: TaskApproved})
	assert.ErrorIs(t, err, boom)
}

func TestDispatch_LogsFailureInsteadOfReturning(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	failing := newAMQPPublisher(&fakeChannel{err: errors.New("broker down")}, DefaultExchange)

	Dispatch(context.Background(), failing, zap.New(core), Event{Type: InvoicePaid, ProjectID: "p1"})

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "notification failed", logs.All()[0].Message)
}

func TestLog_WritesEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	require.NoError(t, NewLog(zap.New(core)).Notify(context.Background(), Event{Type: ProjectCompleted, ProjectID: "p1"}))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "project.completed", logs.All()[0].ContextMap()["event"])
}
