// Package mq connects the engine to the RabbitMQ events exchange: platform
// triggers come in, engine lifecycle events go out.
package mq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

const (
	// ExchangeName is the shared topic exchange.
	ExchangeName = "events"

	// TriggerPrefix prefixes routing keys of inbound trigger events,
	// e.g. trigger.visit_completed.
	TriggerPrefix = "trigger."

	// EventPrefix prefixes routing keys of published lifecycle events,
	// e.g. followup.enrollment.created.
	EventPrefix = "followup."
)

// Dial opens a RabbitMQ connection.
func Dial(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// DeclareExchange declares the events exchange.
func DeclareExchange(ch *amqp091.Channel) error {
	return ch.ExchangeDeclare(
		ExchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}
