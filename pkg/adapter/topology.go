// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"fmt"

	"github.com/GwynCerbin/go_rabbit/pkg/broker"

	"go.uber.org/zap"
)

// Configure asserts the exchanges, then the queues with their bindings, on the
// publisher channel, one after another. The first failure is returned as a
// *ConfigureError and nothing is retried: a refused declaration is a
// programming error, not a transient one. Declarations are idempotent, so
// running the same Topology twice is harmless.
func (c *Con) Configure(ctx context.Context, t Topology) error {
	ch, err := c.topologyChannel()
	if err != nil {
		return err
	}

	for _, ex := range t.Exchanges {
		if err = ctx.Err(); err != nil {
			return err
		}

		if err = ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, ex.AutoDelete, ex.Internal, false, ex.Args); err != nil {
			return &ConfigureError{Kind: "exchange", Name: ex.Name, Err: err}
		}

		c.log.Debug("rabbit exchange declared", zap.String("exchange", ex.Name), zap.String("type", ex.Type))
	}

	for _, q := range t.Queues {
		if err = ctx.Err(); err != nil {
			return err
		}

		queue, err := ch.QueueDeclare(q.Name, q.Durable, q.AutoDelete, q.Exclusive, false, q.arguments())
		if err != nil {
			return &ConfigureError{Kind: "queue", Name: q.Name, Err: err}
		}

		for _, b := range q.Bindings {
			if err = ch.QueueBind(queue.Name, b.RoutingKey, b.Exchange, false, b.Args); err != nil {
				return &ConfigureError{Kind: "binding", Name: queue.Name + "->" + b.Exchange, Err: err}
			}
		}

		c.log.Debug("rabbit queue declared", zap.String("queue", queue.Name), zap.Int("bindings", len(q.Bindings)))
	}

	return nil
}

// DeleteExchange removes an existing exchange by name.
func (c *Con) DeleteExchange(name string) error {
	ch, err := c.topologyChannel()
	if err != nil {
		return err
	}

	if err = ch.ExchangeDelete(name, false, false); err != nil {
		return fmt.Errorf("delete exchange: %w", err)
	}

	return nil
}

// DeleteQueue removes an existing queue by name.
func (c *Con) DeleteQueue(name string) error {
	ch, err := c.topologyChannel()
	if err != nil {
		return err
	}

	if _, err = ch.QueueDelete(name, false, false, false); err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}

	return nil
}

func (c *Con) topologyChannel() (broker.Channel, error) {
	if c.closed.Load() {
		return nil, ConnClosedError{}
	}

	ch, _ := c.publisherChannel()
	if ch == nil {
		return nil, NotConnectedError{}
	}

	return ch, nil
}
