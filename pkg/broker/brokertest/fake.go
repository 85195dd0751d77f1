// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package brokertest provides an in-memory broker.Dialer for exercising the
// adapter without a running RabbitMQ. Failures are scripted: dials can be
// failed or held, confirms can be nacked or hung, connections and channels
// can be dropped with an error, consumes can be refused or held.
package brokertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/GwynCerbin/go_rabbit/pkg/broker"
	"github.com/rabbitmq/amqp091-go"
)

// ConfirmResult scripts the outcome of one publish attempt.
type ConfirmResult int

const (
	// ConfirmAck makes the broker acknowledge the publish.
	ConfirmAck ConfirmResult = iota
	// ConfirmNack makes the broker reject the publish.
	ConfirmNack
	// ConfirmHang never resolves the confirmation; only the waiter's context ends it.
	ConfirmHang
	// ConfirmClosed fails the publish call itself with amqp091.ErrClosed.
	ConfirmClosed
)

// Published is one publish attempt seen by the fake broker.
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp091.Publishing
	Result     ConfirmResult
}

// Settlement is one ack or nack received on a channel.
type Settlement struct {
	Channel  int
	Tag      uint64
	Ack      bool
	Requeue  bool
	Multiple bool
}

// Binding is a recorded queue binding.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Broker is the shared state behind every connection it dials.
type Broker struct {
	mu sync.Mutex

	dials     int
	dialErrs  []error
	gate      chan struct{}
	dialing   chan struct{}
	conns     []*Connection
	nextChan  int
	confirms  []ConfirmResult
	published []Published
	settled   []Settlement
	cancels   []string

	exchanges   map[string]string
	queues      map[string]amqp091.Table
	bindings    map[Binding]struct{}
	declareErrs map[string]*amqp091.Error
	consumeErrs map[string]*amqp091.Error
	consumeHold map[string]*hold
	consumers   map[string][]*consumer
}

type hold struct {
	entered chan struct{}
	gate    chan struct{}
}

// New returns an empty fake broker.
func New() *Broker {
	return &Broker{
		dialing:     make(chan struct{}, 64),
		exchanges:   map[string]string{},
		queues:      map[string]amqp091.Table{},
		bindings:    map[Binding]struct{}{},
		declareErrs: map[string]*amqp091.Error{},
		consumeErrs: map[string]*amqp091.Error{},
		consumeHold: map[string]*hold{},
		consumers:   map[string][]*consumer{},
	}
}

// Dial implements broker.Dialer.
func (b *Broker) Dial(string, amqp091.Config) (broker.Connection, error) {
	b.mu.Lock()
	b.dials++
	gate := b.gate

	select {
	case b.dialing <- struct{}{}:
	default:
	}
	b.mu.Unlock()

	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]

		return nil, err
	}

	con := &Connection{broker: b, id: len(b.conns)}
	b.conns = append(b.conns, con)

	return con, nil
}

// FailDials makes the next n dials return err.
func (b *Broker) FailDials(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for range n {
		b.dialErrs = append(b.dialErrs, err)
	}
}

// HoldDials blocks every subsequent dial until release is called.
func (b *Broker) HoldDials() (release func()) {
	gate := make(chan struct{})

	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.gate = nil
			b.mu.Unlock()
			close(gate)
		})
	}
}

// Dialing receives a value every time a dial starts.
func (b *Broker) Dialing() <-chan struct{} {
	return b.dialing
}

// Dials reports how many dials were attempted.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dials
}

// Connections returns every connection dialed so far, oldest first.
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]*Connection(nil), b.conns...)
}

// LastConnection returns the most recently dialed connection or nil.
func (b *Broker) LastConnection() *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.conns) == 0 {
		return nil
	}

	return b.conns[len(b.conns)-1]
}

// ScriptConfirms queues outcomes for the next publishes; afterwards publishes are acked.
func (b *Broker) ScriptConfirms(results ...ConfirmResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.confirms = append(b.confirms, results...)
}

// Published returns every publish attempt.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Published(nil), b.published...)
}

// Settlements returns every ack and nack received.
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Settlement(nil), b.settled...)
}

// Cancels returns the consumer tags cancelled so far.
func (b *Broker) Cancels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.cancels...)
}

// FailDeclare makes declaring the named exchange or queue fail with a channel exception.
func (b *Broker) FailDeclare(name string, err *amqp091.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.declareErrs[name] = err
}

// FailConsume makes consuming queue fail with a channel exception, as the
// broker does for a missing or exclusively locked queue. A nil err lifts it.
func (b *Broker) FailConsume(queue string, err *amqp091.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		delete(b.consumeErrs, queue)

		return
	}

	b.consumeErrs[queue] = err
}

// HoldConsume blocks every subsequent Consume on queue until release is
// called. entered receives a value when a Consume starts waiting.
func (b *Broker) HoldConsume(queue string) (entered <-chan struct{}, release func()) {
	h := &hold{
		entered: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}

	b.mu.Lock()
	b.consumeHold[queue] = h
	b.mu.Unlock()

	var once sync.Once

	return h.entered, func() {
		once.Do(func() {
			b.mu.Lock()
			if b.consumeHold[queue] == h {
				delete(b.consumeHold, queue)
			}
			b.mu.Unlock()
			close(h.gate)
		})
	}
}

// Exchanges returns declared exchanges mapped to their kind.
func (b *Broker) Exchanges() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]string, len(b.exchanges))
	for k, v := range b.exchanges {
		out[k] = v
	}

	return out
}

// Queues returns declared queues mapped to their arguments.
func (b *Broker) Queues() map[string]amqp091.Table {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]amqp091.Table, len(b.queues))
	for k, v := range b.queues {
		out[k] = v
	}

	return out
}

// Bindings returns the distinct bindings declared so far.
func (b *Broker) Bindings() []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Binding, 0, len(b.bindings))
	for k := range b.bindings {
		out = append(out, k)
	}

	return out
}

// Consumers reports how many live consumers are registered on queue.
func (b *Broker) Consumers(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.consumers[queue])
}

// Deliver pushes a message to the most recently registered live consumer of queue.
func (b *Broker) Deliver(queue, routingKey string, body []byte) error {
	b.mu.Lock()
	list := b.consumers[queue]
	if len(list) == 0 {
		b.mu.Unlock()

		return fmt.Errorf("no consumer on queue %q", queue)
	}

	cons := list[len(list)-1]
	b.mu.Unlock()

	return cons.channel.deliver(cons, amqp091.Delivery{
		RoutingKey: routingKey,
		Body:       body,
	})
}

func (b *Broker) removeConsumer(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.consumers[c.queue]
	for i, v := range list {
		if v == c {
			b.consumers[c.queue] = append(list[:i:i], list[i+1:]...)

			break
		}
	}
}

// Connection is a fake broker.Connection.
type Connection struct {
	broker *Broker
	id     int

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp091.Error
	channels []*Channel
}

// Channel implements broker.Connection.
func (c *Connection) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp091.ErrClosed
	}

	c.broker.mu.Lock()
	c.broker.nextChan++
	id := c.broker.nextChan
	c.broker.mu.Unlock()

	ch := &Channel{conn: c, id: id, consumers: map[string]*consumer{}}
	c.channels = append(c.channels, ch)

	return ch, nil
}

// Channels returns the channels opened on this connection, oldest first.
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*Channel(nil), c.channels...)
}

// NotifyClose implements broker.Connection.
func (c *Connection) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		close(receiver)

		return receiver
	}

	c.notify = append(c.notify, receiver)

	return receiver
}

// IsClosed implements broker.Connection.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// Close implements broker.Connection.
func (c *Connection) Close() error {
	if !c.shutdown(nil) {
		return amqp091.ErrClosed
	}

	return nil
}

// Drop simulates a network failure: listeners receive err and every channel dies.
func (c *Connection) Drop(err *amqp091.Error) {
	c.shutdown(err)
}

func (c *Connection) shutdown(err *amqp091.Error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return false
	}

	c.closed = true
	channels, notify := c.channels, c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}

	for _, n := range notify {
		if err != nil {
			n <- err
		}

		close(n)
	}

	return true
}

type consumer struct {
	channel    *Channel
	queue      string
	tag        string
	deliveries chan amqp091.Delivery
}

// Channel is a fake broker.Channel.
type Channel struct {
	conn *Connection
	id   int

	mu        sync.Mutex
	closed    bool
	confirm   bool
	prefetch  int
	nextTag   uint64
	notify    []chan *amqp091.Error
	consumers map[string]*consumer
}

// ID is unique across the broker.
func (ch *Channel) ID() int {
	return ch.id
}

// Prefetch returns the last Qos prefetch count set on the channel.
func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.prefetch
}

// IsConfirm reports whether Confirm was called.
func (ch *Channel) IsConfirm() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.confirm
}

// IsClosed reports whether the channel is shut down.
func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	return ch.closed
}

// Fail simulates a channel exception.
func (ch *Channel) Fail(err *amqp091.Error) {
	ch.shutdown(err)
}

func (ch *Channel) shutdown(err *amqp091.Error) bool {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()

		return false
	}

	ch.closed = true
	notify, consumers := ch.notify, ch.consumers
	ch.notify, ch.consumers = nil, map[string]*consumer{}
	ch.mu.Unlock()

	for _, c := range consumers {
		ch.conn.broker.removeConsumer(c)
		close(c.deliveries)
	}

	for _, n := range notify {
		if err != nil {
			n <- err
		}

		close(n)
	}

	return true
}

func (ch *Channel) deliver(c *consumer, d amqp091.Delivery) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed || ch.consumers[c.tag] != c {
		return amqp091.ErrClosed
	}

	ch.nextTag++
	d.DeliveryTag = ch.nextTag
	d.ConsumerTag = c.tag

	c.deliveries <- d

	return nil
}

func (ch *Channel) check() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return amqp091.ErrClosed
	}

	return nil
}

// Qos implements broker.Channel.
func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return amqp091.ErrClosed
	}

	ch.prefetch = prefetchCount

	return nil
}

// Consume implements broker.Channel.
func (ch *Channel) Consume(queue, tag string, _, _, _, _ bool, _ amqp091.Table) (<-chan amqp091.Delivery, error) {
	b := ch.conn.broker

	b.mu.Lock()
	h, amqpErr := b.consumeHold[queue], b.consumeErrs[queue]
	b.mu.Unlock()

	if h != nil {
		select {
		case h.entered <- struct{}{}:
		default:
		}

		<-h.gate
	}

	if amqpErr != nil {
		ch.shutdown(amqpErr)

		return nil, amqpErr
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()

		return nil, amqp091.ErrClosed
	}

	if tag == "" {
		tag = fmt.Sprintf("ctag-%d-%d", ch.id, len(ch.consumers))
	}

	c := &consumer{
		channel:    ch,
		queue:      queue,
		tag:        tag,
		deliveries: make(chan amqp091.Delivery, 256),
	}
	ch.consumers[tag] = c
	ch.mu.Unlock()

	b.mu.Lock()
	b.consumers[queue] = append(b.consumers[queue], c)
	b.mu.Unlock()

	return c.deliveries, nil
}

// Cancel implements broker.Channel.
func (ch *Channel) Cancel(tag string, _ bool) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()

		return amqp091.ErrClosed
	}

	c, ok := ch.consumers[tag]
	delete(ch.consumers, tag)
	ch.mu.Unlock()

	b := ch.conn.broker
	b.mu.Lock()
	b.cancels = append(b.cancels, tag)
	b.mu.Unlock()

	if ok {
		b.removeConsumer(c)
		close(c.deliveries)
	}

	return nil
}

// Ack implements broker.Channel.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(Settlement{Channel: ch.id, Tag: tag, Ack: true, Multiple: multiple})
}

// Nack implements broker.Channel.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(Settlement{Channel: ch.id, Tag: tag, Requeue: requeue, Multiple: multiple})
}

func (ch *Channel) settle(s Settlement) error {
	if err := ch.check(); err != nil {
		return err
	}

	b := ch.conn.broker
	b.mu.Lock()
	b.settled = append(b.settled, s)
	b.mu.Unlock()

	return nil
}

// Confirm implements broker.Channel.
func (ch *Channel) Confirm(bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return amqp091.ErrClosed
	}

	ch.confirm = true

	return nil
}

// PublishWithDeferredConfirmWithContext implements broker.Channel.
func (ch *Channel) PublishWithDeferredConfirmWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) (broker.Confirmation, error) {
	ch.mu.Lock()
	closed, confirm := ch.closed, ch.confirm
	ch.mu.Unlock()

	if closed {
		return nil, amqp091.ErrClosed
	}

	if !confirm {
		return nil, broker.ErrNotConfirmMode
	}

	b := ch.conn.broker
	b.mu.Lock()
	result := ConfirmAck
	if len(b.confirms) > 0 {
		result = b.confirms[0]
		b.confirms = b.confirms[1:]
	}
	b.published = append(b.published, Published{
		Exchange:   exchange,
		RoutingKey: key,
		Msg:        msg,
		Result:     result,
	})
	b.mu.Unlock()

	if result == ConfirmClosed {
		return nil, amqp091.ErrClosed
	}

	return confirmation(result), nil
}

type confirmation ConfirmResult

func (c confirmation) WaitContext(ctx context.Context) (bool, error) {
	if ConfirmResult(c) == ConfirmHang {
		<-ctx.Done()

		return false, ctx.Err()
	}

	return ConfirmResult(c) == ConfirmAck, nil
}

func (ch *Channel) declareFailure(name string) error {
	b := ch.conn.broker
	b.mu.Lock()
	amqpErr, ok := b.declareErrs[name]
	b.mu.Unlock()

	if !ok {
		return nil
	}

	ch.shutdown(amqpErr)

	return amqpErr
}

// ExchangeDeclare implements broker.Channel.
func (ch *Channel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp091.Table) error {
	if err := ch.check(); err != nil {
		return err
	}

	if err := ch.declareFailure(name); err != nil {
		return err
	}

	b := ch.conn.broker
	b.mu.Lock()
	b.exchanges[name] = kind
	b.mu.Unlock()

	return nil
}

// ExchangeDelete implements broker.Channel.
func (ch *Channel) ExchangeDelete(name string, _, _ bool) error {
	if err := ch.check(); err != nil {
		return err
	}

	b := ch.conn.broker
	b.mu.Lock()
	delete(b.exchanges, name)
	b.mu.Unlock()

	return nil
}

// QueueDeclare implements broker.Channel.
func (ch *Channel) QueueDeclare(name string, _, _, _, _ bool, args amqp091.Table) (amqp091.Queue, error) {
	if err := ch.check(); err != nil {
		return amqp091.Queue{}, err
	}

	if err := ch.declareFailure(name); err != nil {
		return amqp091.Queue{}, err
	}

	b := ch.conn.broker
	b.mu.Lock()
	b.queues[name] = args
	b.mu.Unlock()

	return amqp091.Queue{Name: name}, nil
}

// QueueBind implements broker.Channel.
func (ch *Channel) QueueBind(name, key, exchange string, _ bool, _ amqp091.Table) error {
	if err := ch.check(); err != nil {
		return err
	}

	b := ch.conn.broker
	b.mu.Lock()
	b.bindings[Binding{Queue: name, Exchange: exchange, RoutingKey: key}] = struct{}{}
	b.mu.Unlock()

	return nil
}

// QueueDelete implements broker.Channel.
func (ch *Channel) QueueDelete(name string, _, _, _ bool) (int, error) {
	if err := ch.check(); err != nil {
		return 0, err
	}

	b := ch.conn.broker
	b.mu.Lock()
	delete(b.queues, name)
	b.mu.Unlock()

	return 0, nil
}

// NotifyClose implements broker.Channel.
func (ch *Channel) NotifyClose(receiver chan *amqp091.Error) chan *amqp091.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		close(receiver)

		return receiver
	}

	ch.notify = append(ch.notify, receiver)

	return receiver
}

// Close implements broker.Channel.
func (ch *Channel) Close() error {
	if !ch.shutdown(nil) {
		return amqp091.ErrClosed
	}

	return nil
}
