// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package broker describes the transport driver the adapter runs on top of.
// The method sets mirror github.com/rabbitmq/amqp091-go so the real driver
// satisfies them through a thin wrapper and tests can substitute a fake.
package broker

import (
	"context"

	"github.com/rabbitmq/amqp091-go"
)

// Dialer opens a new transport-level connection to the broker.
type Dialer func(url string, cfg amqp091.Config) (Connection, error)

// Connection is a single live session to the broker.
type Connection interface {
	// Channel opens a new channel multiplexed over the connection.
	Channel() (Channel, error)

	// NotifyClose registers a listener for connection shutdown. A graceful close
	// closes c without a value; a failure delivers one error and then closes c.
	NotifyClose(c chan *amqp091.Error) chan *amqp091.Error

	// IsClosed reports whether the connection has been shut down.
	IsClosed() bool

	// Close shuts the connection down. Closing a closed connection returns an error.
	Close() error
}

// Channel is one independently failing sub-session of a Connection.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error

	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error

	// Confirm puts the channel into publisher-confirm mode.
	Confirm(noWait bool) error
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) (Confirmation, error)

	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)

	// NotifyClose has the same semantics as Connection.NotifyClose.
	NotifyClose(c chan *amqp091.Error) chan *amqp091.Error
	Close() error
}

// Confirmation is the pending broker acknowledgement of one publish.
// *amqp091.DeferredConfirmation satisfies it.
type Confirmation interface {
	// WaitContext blocks until the broker acks (true) or nacks (false) the
	// publish, or until ctx is done.
	WaitContext(ctx context.Context) (bool, error)
}
