// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// ErrNotConfirmMode is returned when a deferred-confirm publish is attempted on
// a channel that was never put into confirm mode.
var ErrNotConfirmMode = errors.New("channel is not in confirm mode")

// Dial is the Dialer backed by amqp091-go.
func Dial(url string, cfg amqp091.Config) (Connection, error) {
	con, err := amqp091.DialConfig(url, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial amqp091: %w", err)
	}

	return amqpConnection{con}, nil
}

type amqpConnection struct {
	*amqp091.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return amqpChannel{ch}, nil
}

type amqpChannel struct {
	*amqp091.Channel
}

func (c amqpChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) (Confirmation, error) {
	conf, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, immediate, msg)
	if err != nil {
		return nil, err
	}

	// amqp091 returns a nil confirmation outside confirm mode; a typed nil
	// inside the interface would look valid to callers.
	if conf == nil {
		return nil, ErrNotConfirmMode
	}

	return conf, nil
}
