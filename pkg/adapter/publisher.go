// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/GwynCerbin/go_rabbit/pkg/backoff"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publish sends payload to exchange with routingKey and returns once the
// broker has confirmed it. []byte, string and json.RawMessage are sent as is,
// anything else is JSON encoded.
//
// Every failure (nack, confirm timeout, closed or missing channel) is retried
// forever: wait one publish-backoff interval, force a reconnect, publish
// again. The backoff is shared by all publishes of the connection. Only ctx,
// Close or an unencodable payload end Publish with an error. Delivery is
// at-least-once: a lost confirm leads to a duplicate with the same MessageId.
func (c *Con) Publish(ctx context.Context, exchange, routingKey string, payload any) error {
	body, err := encodePayload(payload)
	if err != nil {
		return err
	}

	msg := amqp091.Publishing{
		ContentType: mimetype.Detect(body).String(),
		Body:        body,
		AppId:       c.appID,
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now(),
	}

	if c.persistent {
		msg.DeliveryMode = amqp091.Persistent
	}

	for attempt := 1; ; attempt++ {
		if c.closed.Load() {
			return ConnClosedError{}
		}

		c.metrics.publishes.Inc()

		err = c.publishOnce(ctx, exchange, routingKey, msg)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.metrics.publishRetries.Inc()

		delay := c.publishBackoff.Next()

		c.log.Warn("rabbit publish failed",
			zap.String("exchange", exchange),
			zap.String("routing_key", routingKey),
			zap.String("message_id", msg.MessageId),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if err = backoff.Sleep(ctx, delay); err != nil {
			return err
		}

		if err = c.Reconnect(ctx); err != nil {
			return err
		}
	}
}

// publishOnce publishes on the confirm channel and waits for the broker's verdict.
func (c *Con) publishOnce(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
	ch, _ := c.publisherChannel()
	if ch == nil {
		return NotConnectedError{}
	}

	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	acked, err := conf.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("wait confirm: %w", err)
	}

	if !acked {
		return PublishNackedError{}
	}

	return nil
}

func encodePayload(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", PayloadEncodeError{}, err)
	}

	return body, nil
}
