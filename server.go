// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbit

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/GwynCerbin/go_rabbit/pkg/adapter"

	"go.uber.org/zap"
)

// Server dispatches the messages of one queue to a Router.
//   - con:    the resilient connection the queue is consumed from.
//   - router: routing key → handler; a snapshot is taken by Serve.
//   - opts:   listen options applied before the router's key filter.
//
// Messages are handled one at a time in delivery order. Run several Servers
// for parallelism.
type Server struct {
	con    *adapter.Con
	queue  string
	router Router
	opts   []adapter.ListenOption
	log    *zap.Logger

	mute     sync.Mutex
	listener *adapter.Listener
	done     chan struct{}
}

// NewServer constructs a Server for queue. Nothing is consumed until Serve.
func NewServer(con *adapter.Con, queue string, router Router, opts ...adapter.ListenOption) *Server {
	return &Server{
		con:    con,
		queue:  queue,
		router: router,
		opts:   opts,
		log:    zap.NewNop(),
	}
}

// SetLogger overrides the default no-op logger.
// Pass nil to silence the server again.
func (s *Server) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s.log = logger.Named("rabbit.server")
}

// Serve listens on the queue and handles messages until ctx ends or Shutdown
// is called. Keys missing from the router never reach a handler: the listener
// rejects them. Serve returns ctx.Err() on cancellation and ServerClosedError
// after Shutdown. Once it has returned, Serve may be called again.
func (s *Server) Serve(ctx context.Context) error {
	if len(s.router) == 0 {
		return EmptyRouteError{}
	}

	router := maps.Clone(s.router)

	s.mute.Lock()
	if s.done != nil {
		s.mute.Unlock()

		return ServerStartedError{}
	}

	opts := append(slices.Clone(s.opts), adapter.WithRoutingKeys(router.Keys()...))
	l := s.con.Listen(s.queue, opts...)
	done := make(chan struct{})
	s.listener, s.done = l, done
	s.mute.Unlock()

	defer func() {
		s.closeListener(l)

		s.mute.Lock()
		s.listener, s.done = nil, nil
		s.mute.Unlock()

		close(done)
	}()

	s.log.Info("rabbit server started", zap.String("queue", s.queue), zap.Strings("routing_keys", router.Keys()))

	for msg, err := range l.Messages(ctx) {
		if err != nil {
			if errors.Is(err, adapter.SubscriptionClosedError{}) {
				return ServerClosedError{}
			}

			return err
		}

		s.handle(ctx, router, msg)
	}

	return nil
}

func (s *Server) handle(ctx context.Context, router Router, msg *adapter.Message) {
	h, ok := router[msg.RoutingKey()]
	if !ok {
		s.log.Warn("rabbit message rejected", zap.Error(fmt.Errorf("%w, routing key: %s", UnroutedMessageError{}, msg.RoutingKey())))
		s.settle(msg, s.con.Nack(msg, false))

		return
	}

	if err := h(ctx, msg); err != nil {
		s.log.Warn("rabbit handler failed",
			zap.String("queue", s.queue),
			zap.String("routing_key", msg.RoutingKey()),
			zap.String("message_id", msg.MessageID()),
			zap.Error(err),
		)
		s.settle(msg, s.con.Nack(msg, false))

		return
	}

	s.settle(msg, s.con.Ack(msg))
}

func (s *Server) settle(msg *adapter.Message, err error) {
	if err == nil {
		return
	}

	s.log.Warn("rabbit settle failed",
		zap.String("routing_key", msg.RoutingKey()),
		zap.Uint64("delivery_tag", msg.DeliveryTag()),
		zap.Error(err),
	)
}

func (s *Server) closeListener(l *adapter.Listener) {
	if err := l.Close(); err != nil {
		s.log.Warn("rabbit server stop", zap.Error(fmt.Errorf("%w: %w", ConsumerCloseError{}, err)))
	}
}

// Shutdown stops a running Serve and waits for the message in hand to be
// handled or for ctx to end. It does nothing when Serve is not running, and a
// later Serve starts consuming again.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mute.Lock()
	l, done := s.listener, s.done
	s.mute.Unlock()

	if l == nil {
		return nil
	}

	s.closeListener(l)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
