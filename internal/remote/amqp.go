package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/roach88/readsync/internal/clock"
	"github.com/roach88/readsync/internal/ir"
)

// DefaultExchange is the topic exchange activity events are published to.
const DefaultExchange = "readsync_activity"

// ActivityEvent is the JSON body of a published activity message.
type ActivityEvent struct {
	Owner    string          `json:"owner"`
	Activity ir.ActivityKind `json:"activity"`
	Amount   int             `json:"amount"`
	At       time.Time       `json:"at"`
}

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher is an activity collaborator that publishes each report to a
// durable topic exchange, routed by "activity.<kind>".
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       Channel
	exchange string
	clock    clock.Clock
	logger   *slog.Logger
}

// DialAMQP connects to url and declares exchange.
func DialAMQP(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // noWait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	p := NewAMQPPublisher(ch, exchange, clock.Real{}, logger)
	p.conn = conn
	return p, nil
}

// NewAMQPPublisher publishes on an already declared exchange.
func NewAMQPPublisher(ch Channel, exchange string, c clock.Clock, logger *slog.Logger) *AMQPPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AMQPPublisher{ch: ch, exchange: exchange, clock: c, logger: logger}
}

// ReportUnitsRead publishes a reading event.
func (p *AMQPPublisher) ReportUnitsRead(ctx context.Context, owner string, count int) error {
	if count <= 0 {
		return nil
	}
	return p.publish(ctx, ActivityEvent{Owner: owner, Activity: ir.ActivityReading, Amount: count})
}

// ReportMinutesListened publishes a listening event. Completions are
// computed downstream, so none are returned.
func (p *AMQPPublisher) ReportMinutesListened(ctx context.Context, owner string, minutes int) ([]ir.CompletionResult, error) {
	if minutes <= 0 {
		return nil, nil
	}
	return nil, p.publish(ctx, ActivityEvent{Owner: owner, Activity: ir.ActivityListening, Amount: minutes})
}

func (p *AMQPPublisher) publish(ctx context.Context, ev ActivityEvent) error {
	ev.Owner = ir.NormalizeKey(ev.Owner)
	ev.At = p.clock.Now().UTC()
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode activity event: %w", err)
	}
	key := "activity." + string(ev.Activity)
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		AppId:        "readsync/" + ir.AgentVersion,
		Timestamp:    ev.At,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	p.logger.Debug("activity published", "key", key, "owner", ev.Owner, "amount", ev.Amount)
	return nil
}

// Close closes the channel and, when dialled, the connection.
func (p *AMQPPublisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
