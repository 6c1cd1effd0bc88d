package apiqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streadway/amqp"
)

// NATSDeadLetters publishes dropped requests to the apiqueue.dead.* subjects.
type NATSDeadLetters struct {
	nc MessagePublisher
}

// NewNATSDeadLetters creates a dead-letter sink on a NATS connection.
func NewNATSDeadLetters(nc MessagePublisher) *NATSDeadLetters {
	return &NATSDeadLetters{nc: nc}
}

// DeadLetter implements DeadLetterSink.
func (p *NATSDeadLetters) DeadLetter(_ context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	subject := SubjectForReason(dl.Reason)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// AMQPChannel is the part of *amqp.Channel the AMQP sink uses.
type AMQPChannel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPDeadLetters publishes dropped requests to a RabbitMQ exchange, routed by
// the same keys as the NATS subjects.
type AMQPDeadLetters struct {
	ch       AMQPChannel
	exchange string
}

// NewAMQPDeadLetters creates a dead-letter sink on an AMQP channel.
func NewAMQPDeadLetters(ch AMQPChannel, exchange string) *AMQPDeadLetters {
	return &AMQPDeadLetters{ch: ch, exchange: exchange}
}

// DeadLetter implements DeadLetterSink.
func (p *AMQPDeadLetters) DeadLetter(_ context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	key := SubjectForReason(dl.Reason)
	err = p.ch.Publish(p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    dl.Request.ID,
		Timestamp:    dl.DroppedAt,
		Body:         data,
	})
	if err != nil {
		return fmt.Errorf("publish to %s/%s: %w", p.exchange, key, err)
	}
	return nil
}
