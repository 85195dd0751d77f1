// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/GwynCerbin/go_rabbit/pkg/broker"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Message is the immutable caller-facing view of one delivery.
// It remembers the connection generation it arrived on so Ack and Nack can
// tell whether its channel is still the live one.
type Message struct {
	// deliver holds the original AMQP delivery metadata and payload.
	deliver    amqp091.Delivery
	generation uint64
	// data is the decoded JSON body, nil when decoding was off or failed.
	data   any
	isJSON bool
}

func newMessage(d Delivery, decode bool) *Message {
	m := &Message{
		deliver:    d.deliver,
		generation: d.generation,
	}

	if !decode {
		return m
	}

	var v any
	if err := json.Unmarshal(d.deliver.Body, &v); err == nil {
		m.data, m.isJSON = v, true
	}

	return m
}

// RoutingKey returns the message routing key set on the AMQP delivery.
func (m *Message) RoutingKey() string {
	return m.deliver.RoutingKey
}

// Headers returns the message headers set on the AMQP delivery.
func (m *Message) Headers() map[string]interface{} {
	return m.deliver.Headers
}

// ContentType returns the MIME content type of the message payload.
func (m *Message) ContentType() string {
	return m.deliver.ContentType
}

// MessageID returns the publisher-assigned message id.
func (m *Message) MessageID() string {
	return m.deliver.MessageId
}

// IsRedelivered indicates if the delivery is a redelivery (duplicate) of a previous message.
func (m *Message) IsRedelivered() bool {
	return m.deliver.Redelivered
}

// Body returns the raw message payload as a byte slice.
func (m *Message) Body() []byte {
	return m.deliver.Body
}

// Data returns the decoded JSON payload, or nil if ContentIsJSON is false.
func (m *Message) Data() any {
	return m.data
}

// ContentIsJSON reports whether the body was decoded as JSON.
func (m *Message) ContentIsJSON() bool {
	return m.isJSON
}

// Decode unmarshals the raw body into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.deliver.Body, v); err != nil {
		return fmt.Errorf("decode message body: %w", err)
	}

	return nil
}

func (m *Message) DeliveryTag() uint64 {
	return m.deliver.DeliveryTag
}

func (m *Message) Generation() uint64 {
	return m.generation
}

// Ack acknowledges exactly the delivery behind msg on the consumer channel.
// If a reconnect replaced that channel, nothing is sent and StaleMessageError
// is returned.
func (c *Con) Ack(msg *Message) error {
	ch, err := c.settleChannel(msg)
	if err != nil {
		return err
	}

	if err = ch.Ack(msg.DeliveryTag(), false); err != nil {
		c.log.Warn("rabbit ack failed", zap.Uint64("delivery_tag", msg.DeliveryTag()), zap.Error(err))

		return fmt.Errorf("ack delivery %d: %w", msg.DeliveryTag(), err)
	}

	return nil
}

// Nack rejects the single delivery behind msg, optionally requeuing it.
// Stale messages are handled as in Ack.
func (c *Con) Nack(msg *Message, requeue bool) error {
	ch, err := c.settleChannel(msg)
	if err != nil {
		return err
	}

	if err = ch.Nack(msg.DeliveryTag(), false, requeue); err != nil {
		c.log.Warn("rabbit nack failed", zap.Uint64("delivery_tag", msg.DeliveryTag()), zap.Error(err))

		return fmt.Errorf("nack delivery %d: %w", msg.DeliveryTag(), err)
	}

	return nil
}

func (c *Con) settleChannel(msg *Message) (broker.Channel, error) {
	if msg == nil {
		return nil, MessageEmptyError{}
	}

	ch, gen := c.consumerChannel()
	if ch == nil || gen != msg.generation {
		c.log.Debug("rabbit dropping settlement of stale message",
			zap.Uint64("delivery_tag", msg.DeliveryTag()),
			zap.Uint64("message_generation", msg.generation),
			zap.Uint64("generation", gen),
		)

		return nil, StaleMessageError{}
	}

	return ch, nil
}
