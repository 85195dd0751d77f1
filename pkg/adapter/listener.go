// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"iter"

	"go.uber.org/zap"
)

// Listener decorates a Subscription: it decodes bodies into Messages and
// rejects, without requeue, deliveries whose routing key was not asked for.
// This lets several listeners share one queue split by routing key.
type Listener struct {
	con  *Con
	sub  *Subscription
	json bool
	keys map[string]struct{}
}

// Listen subscribes to queue and returns the message sequence for it.
func (c *Con) Listen(queue string, opts ...ListenOption) *Listener {
	o := defaultListenOptions()
	for _, opt := range opts {
		opt(&o)
	}

	l := &Listener{
		con:  c,
		sub:  c.Subscribe(queue, o.prefetch),
		json: o.json,
	}

	if len(o.routingKeys) > 0 {
		l.keys = make(map[string]struct{}, len(o.routingKeys))
		for _, k := range o.routingKeys {
			l.keys[k] = struct{}{}
		}
	}

	return l
}

// Next returns the next accepted message in broker delivery order.
func (l *Listener) Next(ctx context.Context) (*Message, error) {
	for {
		d, err := l.sub.Next(ctx)
		if err != nil {
			return nil, err
		}

		msg := newMessage(d, l.json)

		if l.accepts(msg.RoutingKey()) {
			return msg, nil
		}

		l.reject(msg)
	}
}

func (l *Listener) accepts(key string) bool {
	if l.keys == nil {
		return true
	}

	_, ok := l.keys[key]

	return ok
}

func (l *Listener) reject(msg *Message) {
	l.con.metrics.rejected.WithLabelValues(l.sub.queue).Inc()

	l.con.log.Debug("rabbit rejecting unlistened routing key",
		zap.String("queue", l.sub.queue),
		zap.String("routing_key", msg.RoutingKey()),
	)

	if err := l.con.Nack(msg, false); err != nil && !errors.Is(err, StaleMessageError{}) {
		l.con.log.Warn("rabbit reject failed", zap.String("queue", l.sub.queue), zap.Error(err))
	}
}

// Messages ranges over the listener until ctx ends or the listener is closed;
// the terminating error is yielded once as the last element.
//
//	for msg, err := range listener.Messages(ctx) {
//		if err != nil {
//			return err
//		}
//		...
//	}
func (l *Listener) Messages(ctx context.Context) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		for {
			msg, err := l.Next(ctx)
			if err != nil {
				yield(nil, err)

				return
			}

			if !yield(msg, nil) {
				return
			}
		}
	}
}

// Queue returns the consumed queue name.
func (l *Listener) Queue() string {
	return l.sub.queue
}

// Close cancels the underlying subscription.
func (l *Listener) Close() error {
	return l.sub.Close()
}
