package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/visionarychurch/followup/internal/logging"
	"github.com/visionarychurch/followup/internal/metrics"
	"github.com/visionarychurch/followup/internal/models"
)

// ErrInvalidPayload marks a message that can never be processed.
// Such messages are acknowledged and dropped instead of redelivered.
var ErrInvalidPayload = errors.New("invalid trigger payload")

// TriggerHandler enrolls recipients for a trigger.
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, t *models.TriggerEvent) ([]models.TriggerOutcome, error)
}

// Consumer reads trigger events from a durable queue bound to the events
// exchange.
type Consumer struct {
	conn        *amqp091.Connection
	channel     *amqp091.Channel
	queue       string
	routingKeys []string
	handler     TriggerHandler
	timeout     time.Duration
	logger      zerolog.Logger
}

// NewConsumer wires a consumer for queue bound to routingKeys. It declares
// the exchange, the queue and its bindings.
func NewConsumer(url, queue string, routingKeys []string, handler TriggerHandler) (*Consumer, error) {
	conn, err := Dial(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchange(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	for _, key := range routingKeys {
		if err := ch.QueueBind(q.Name, key, ExchangeName, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to bind queue to %s: %w", key, err)
		}
	}

	c := newConsumer(handler)
	c.conn = conn
	c.channel = ch
	c.queue = q.Name
	c.routingKeys = routingKeys

	c.logger.Info().
		Str("queue", q.Name).
		Strs("routing_keys", routingKeys).
		Str("exchange", ExchangeName).
		Msg("consumer initialized")

	return c, nil
}

func newConsumer(handler TriggerHandler) *Consumer {
	return &Consumer{
		handler: handler,
		timeout: 30 * time.Second,
		logger:  logging.Component("mq"),
	}
}

// Close closes the channel and connection.
func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// Run consumes until ctx is cancelled or the channel closes. Every
// delivery is acked or nacked.
func (c *Consumer) Run(ctx context.Context) error {
	if c.channel == nil {
		return errors.New("consumer not connected")
	}
	if err := c.channel.Qos(20, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := c.channel.ConsumeWithContext(ctx, c.queue, "followup", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info().Str("queue", c.queue).Msg("consumer started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("delivery channel closed")
			}
			c.settle(ctx, msg)
		}
	}
}

// settle handles one delivery and acknowledges it. Invalid payloads are
// dropped; any other failure is requeued.
func (c *Consumer) settle(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()
	result := "ok"

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("routing_key", msg.RoutingKey).Msg("handler panic recovered")
			result = "panic"
			if err := msg.Nack(false, true); err != nil {
				c.logger.Error().Err(err).Msg("failed to nack message after panic")
			}
		}
		metrics.ObserveConsume(msg.RoutingKey, result, time.Since(start))
	}()

	hctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.Handle(hctx, msg.RoutingKey, msg.Body)
	switch {
	case err == nil:
		if err := msg.Ack(false); err != nil {
			c.logger.Error().Err(err).Str("routing_key", msg.RoutingKey).Msg("failed to ack message")
		}
	case errors.Is(err, ErrInvalidPayload):
		result = "dropped"
		c.logger.Warn().Err(err).Str("routing_key", msg.RoutingKey).Msg("dropping invalid trigger")
		if err := msg.Ack(false); err != nil {
			c.logger.Error().Err(err).Str("routing_key", msg.RoutingKey).Msg("failed to ack message")
		}
	default:
		result = "requeued"
		c.logger.Error().Err(err).Str("routing_key", msg.RoutingKey).Msg("trigger handling failed")
		if err := msg.Nack(false, true); err != nil {
			c.logger.Error().Err(err).Str("routing_key", msg.RoutingKey).Msg("failed to nack message")
		}
	}
}

// Handle decodes a trigger and passes it to the handler. The trigger event
// defaults to the routing key suffix.
func (c *Consumer) Handle(ctx context.Context, routingKey string, body []byte) error {
	var t models.TriggerEvent
	if err := json.Unmarshal(body, &t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if t.TriggerEvent == "" {
		t.TriggerEvent = models.TriggerEventType(strings.TrimPrefix(routingKey, TriggerPrefix))
	}

	outcomes, err := c.handler.HandleTrigger(ctx, &t)
	if err != nil {
		var verr *models.ValidationErrors
		if errors.As(err, &verr) {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return err
	}

	enrolled := 0
	for _, o := range outcomes {
		if o.Enrolled {
			enrolled++
		}
	}
	c.logger.Debug().
		Str("trigger_id", t.ID).
		Str("tenant_id", t.TenantID).
		Str("trigger_event", string(t.TriggerEvent)).
		Int("matched", len(outcomes)).
		Int("enrolled", enrolled).
		Msg("trigger handled")
	return nil
}
