package remote

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/readsync/internal/testutil"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	sent   []published
	err    error
	closed bool
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, published{exchange, key, msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func TestAMQPPublisher(t *testing.T) {
	ch := &fakeChannel{}
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := NewAMQPPublisher(ch, DefaultExchange, testutil.NewFakeClock(at), nil)
	ctx := context.Background()

	require.NoError(t, p.ReportUnitsRead(ctx, "u1", 4))
	results, err := p.ReportMinutesListened(ctx, "u1", 15)
	require.NoError(t, err)
	assert.Nil(t, results)
	require.NoError(t, p.ReportUnitsRead(ctx, "u1", 0))

	require.Len(t, ch.sent, 2)
	assert.Equal(t, DefaultExchange, ch.sent[0].exchange)
	assert.Equal(t, "activity.reading", ch.sent[0].key)
	assert.Equal(t, "activity.listening", ch.sent[1].key)
	assert.Equal(t, uint8(amqp.Persistent), ch.sent[0].msg.DeliveryMode)

	var ev ActivityEvent
	require.NoError(t, json.Unmarshal(ch.sent[0].msg.Body, &ev))
	assert.Equal(t, ActivityEvent{Owner: "u1", Activity: "reading", Amount: 4, At: at}, ev)

	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestAMQPPublisher_PublishError(t *testing.T) {
	ch := &fakeChannel{err: errors.New("channel closed")}
	p := NewAMQPPublisher(ch, DefaultExchange, testutil.NewFakeClock(time.Now()), nil)
	err := p.ReportUnitsRead(context.Background(), "u1", 1)
	assert.ErrorContains(t, err, "channel closed")
}
