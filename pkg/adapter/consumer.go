// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/GwynCerbin/go_rabbit/pkg/backoff"
	"github.com/GwynCerbin/go_rabbit/pkg/broker"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Delivery is a raw broker delivery tagged with the consumer channel
// generation it arrived on. Settle it through Con.Ack or Con.Nack.
type Delivery struct {
	deliver    amqp091.Delivery
	generation uint64
}

// Body returns the raw payload.
func (d Delivery) Body() []byte {
	return d.deliver.Body
}

// RoutingKey returns the routing key the message was published with.
func (d Delivery) RoutingKey() string {
	return d.deliver.RoutingKey
}

// DeliveryTag returns the channel-scoped delivery tag.
func (d Delivery) DeliveryTag() uint64 {
	return d.deliver.DeliveryTag
}

// Generation returns the consumer channel generation the delivery arrived on.
func (d Delivery) Generation() uint64 {
	return d.generation
}

// Subscription turns the broker's push deliveries for one queue into a pull
// sequence. Deliveries are buffered in arrival order until Next takes them.
// The subscription survives reconnects: the connection re-registers it on
// every new consumer channel and the buffer of the dead one is dropped.
//
// A subscription the broker refuses (missing queue, exclusive lock) retries on
// its own backoff; the connection and other subscriptions are not affected.
type Subscription struct {
	// con is the parent connection wrapper for reconnection logic.
	con      *Con
	queue    string
	prefetch int
	// tag is the consumer tag, stable across reconnects.
	tag string

	// setup serialises registrations racing between Subscribe, logins and retries.
	setup   sync.Mutex
	backoff *backoff.Backoff

	mute       sync.Mutex
	buffer     []Delivery
	generation uint64
	active     bool
	retrying   bool
	closed     bool

	// wake is the single pending-consumer slot; a send never blocks.
	wake chan struct{}
	done chan struct{}
	// ctx ends on Close or when the connection closes.
	ctx    context.Context
	cancel context.CancelFunc
}

// Subscribe starts consuming queue with the given prefetch limit. If the
// connection is currently recovering, the subscription is registered by the
// login in progress.
func (c *Con) Subscribe(queue string, prefetch int) *Subscription {
	ctx, cancel := context.WithCancel(c.ctx)

	s := &Subscription{
		con:      c,
		queue:    queue,
		prefetch: prefetch,
		tag:      "go_rabbit-" + uuid.NewString(),
		backoff:  backoff.New(c.retryBase, c.retryMax),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	if c.closed.Load() {
		s.closed = true
		close(s.done)
		cancel()

		return s
	}

	// Register first so a concurrent login cannot miss it.
	c.subsMute.Lock()
	c.subs[s] = struct{}{}
	c.subsMute.Unlock()

	if ch, gen := c.consumerChannel(); ch != nil {
		s.resume(ch, gen)
	}

	return s
}

// resume registers the subscription on a fresh consumer channel unless its
// retry loop currently owns it.
func (s *Subscription) resume(ch broker.Channel, gen uint64) {
	s.setup.Lock()
	defer s.setup.Unlock()

	s.mute.Lock()
	busy := s.retrying
	s.mute.Unlock()

	if busy {
		return
	}

	err := s.subscribe(ch, gen)
	if err == nil {
		return
	}

	s.con.log.Warn("rabbit subscribe failed",
		zap.String("queue", s.queue),
		zap.Uint64("generation", gen),
		zap.Duration("retry_within", s.backoff.Current()),
		zap.Error(err),
	)

	s.mute.Lock()
	start := !s.closed && !s.retrying
	s.retrying = start
	s.mute.Unlock()

	if start {
		go s.retry()
	}
}

// retry re-registers the subscription on whatever consumer channel is
// current, pacing attempts with the subscription's own backoff.
func (s *Subscription) retry() {
	for attempt := 2; ; attempt++ {
		if err := s.backoff.Wait(s.ctx); err != nil {
			return
		}

		ch, gen := s.con.consumerChannel()
		if ch == nil {
			continue
		}

		s.setup.Lock()
		err := s.subscribe(ch, gen)
		if err == nil {
			s.mute.Lock()
			s.retrying = false
			s.mute.Unlock()
		}
		s.setup.Unlock()

		if err == nil {
			s.backoff.Reset()
			s.con.log.Info("rabbit subscription resumed",
				zap.String("queue", s.queue),
				zap.Int("attempt", attempt),
				zap.Uint64("generation", gen),
			)

			return
		}

		s.con.log.Warn("rabbit subscribe failed",
			zap.String("queue", s.queue),
			zap.Int("attempt", attempt),
			zap.Duration("retry_within", s.backoff.Current()),
			zap.Error(err),
		)
	}
}

// subscribe sets the prefetch and registers the consumer on ch. It is a no-op
// if the subscription already runs on generation gen or a newer one. The
// caller holds s.setup.
func (s *Subscription) subscribe(ch broker.Channel, gen uint64) error {
	s.mute.Lock()
	skip := s.closed || s.generation > gen || (s.generation == gen && s.active)
	s.mute.Unlock()

	if skip {
		return nil
	}

	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(s.queue, s.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	s.mute.Lock()
	if s.closed {
		s.mute.Unlock()

		// Close ran while the consumer was being registered.
		if err = ch.Cancel(s.tag, false); err != nil {
			s.con.log.Debug("rabbit cancel after close", zap.String("queue", s.queue), zap.Error(err))
		}

		go s.pump(deliveries, gen)

		return nil
	}

	clear(s.buffer)
	s.buffer = s.buffer[:0]
	s.generation = gen
	s.active = true
	s.mute.Unlock()

	go s.pump(deliveries, gen)

	return nil
}

// pump drains one consumer registration until the driver closes it.
func (s *Subscription) pump(deliveries <-chan amqp091.Delivery, gen uint64) {
	for d := range deliveries {
		s.push(Delivery{deliver: d, generation: gen})
	}

	s.mute.Lock()
	if s.generation == gen {
		s.active = false
	}
	s.mute.Unlock()
}

func (s *Subscription) push(d Delivery) {
	s.mute.Lock()

	if s.closed {
		s.mute.Unlock()
		s.release(d)

		return
	}

	if d.generation != s.generation {
		s.mute.Unlock()

		return
	}

	s.buffer = append(s.buffer, d)
	s.mute.Unlock()

	s.con.metrics.deliveries.WithLabelValues(s.queue).Inc()
	s.signal()
}

// release hands an undeliverable message back to the broker.
func (s *Subscription) release(d Delivery) {
	ch, gen := s.con.consumerChannel()
	if ch == nil || gen != d.generation {
		return
	}

	if err := ch.Nack(d.DeliveryTag(), false, true); err != nil {
		s.con.log.Debug("rabbit requeue after close", zap.String("queue", s.queue), zap.Error(err))
	}
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next returns the oldest buffered delivery, waiting for one if the buffer is
// empty. It returns ctx.Err() when ctx ends and SubscriptionClosedError once
// the subscription is closed. A disconnect never ends the sequence.
func (s *Subscription) Next(ctx context.Context) (Delivery, error) {
	for {
		s.mute.Lock()

		if s.closed {
			s.mute.Unlock()

			return Delivery{}, SubscriptionClosedError{}
		}

		if len(s.buffer) > 0 {
			d := s.buffer[0]
			s.buffer[0] = Delivery{}
			s.buffer = s.buffer[1:]
			more := len(s.buffer) > 0
			s.mute.Unlock()

			// Pass the wake-up on in case several callers are waiting.
			if more {
				s.signal()
			}

			return d, nil
		}

		s.mute.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-s.done:
		case <-s.wake:
		}
	}
}

// Buffered reports the number of deliveries waiting for Next.
func (s *Subscription) Buffered() int {
	s.mute.Lock()
	defer s.mute.Unlock()

	return len(s.buffer)
}

// Queue returns the consumed queue name.
func (s *Subscription) Queue() string {
	return s.queue
}

// Close cancels the broker-side consumer, requeues buffered deliveries and
// wakes pending Next calls. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.mute.Lock()
	if s.closed {
		s.mute.Unlock()

		return nil
	}

	s.closed = true
	pending, gen, active := s.buffer, s.generation, s.active
	s.buffer = nil
	s.mute.Unlock()

	s.cancel()
	close(s.done)
	s.con.unsubscribe(s)

	ch, cur := s.con.consumerChannel()
	if ch == nil || cur != gen {
		// The consumer died with its channel; the broker already requeued.
		// A registration still in flight cancels itself once it sees closed.
		return nil
	}

	var errs []error

	if active {
		if err := ch.Cancel(s.tag, false); err != nil {
			errs = append(errs, fmt.Errorf("cancel consumer %s: %w", s.tag, err))
		}
	}

	for _, d := range pending {
		if err := ch.Nack(d.DeliveryTag(), false, true); err != nil {
			errs = append(errs, fmt.Errorf("requeue delivery %d: %w", d.DeliveryTag(), err))
		}
	}

	return errors.Join(errs...)
}
