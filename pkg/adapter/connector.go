// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GwynCerbin/go_rabbit/pkg/backoff"
	"github.com/GwynCerbin/go_rabbit/pkg/broker"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// loginKey is the single singleflight key: all recovery requests coalesce.
const loginKey = "login"

// Con encapsulates a RabbitMQ connection with automatic reconnection logic.
// It owns one connection and two channels over it: a consumer channel and a
// publisher channel in confirm mode. Both channels are replaced together on
// every reconnect. A consumer channel closed by the broker alone is reopened
// on the live connection. Every new consumer channel bumps the generation.
type Con struct {
	// url is the target URI for dialing the broker.
	url string
	// cfg stores the AMQP client configuration.
	cfg amqp091.Config
	// dial opens transport connections.
	dial broker.Dialer
	log  *zap.Logger
	// metrics is never nil.
	metrics *metrics

	appID          string
	persistent     bool
	confirmTimeout time.Duration
	// retryBase and retryMax bound the per-subscription retry delay.
	retryBase      time.Duration
	retryMax       time.Duration

	// mute guards connection, consumer, publisher and generation.
	mute       sync.RWMutex
	connection broker.Connection
	consumer   broker.Channel
	publisher  broker.Channel
	generation uint64

	// login coalesces concurrent reconnect requests into one in-flight sequence.
	login            singleflight.Group
	logins           atomic.Int64
	reconnectBackoff *backoff.Backoff
	publishBackoff   *backoff.Backoff

	subsMute sync.Mutex
	subs     map[*Subscription]struct{}

	// ctx lives until Close; recovery loops run on it.
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// Connect dials url and blocks until the connection and both channels are
// ready. Failures are retried forever with backoff; only ctx ends the wait.
func Connect(ctx context.Context, url string, opts ...Option) (*Con, error) {
	c := newCon(url, opts...)

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// Dial establishes an AMQP connection using the provided client configuration.
// It returns a Con instance ready to declare topology, listen and publish.
func Dial(ctx context.Context, cfg *Client, opts ...Option) (*Con, error) {
	c, err := newClientCon(cfg, opts...)
	if err != nil {
		return nil, err
	}

	if err = c.connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

// newClientCon maps the Client configuration onto options; explicit opts win.
func newClientCon(cfg *Client, opts ...Option) (*Con, error) {
	if cfg == nil {
		return nil, ConConfEmptyError{}
	}

	heartbeat := cfg.TcpHeartBeat
	if heartbeat == 0 {
		heartbeat = defaultHeartbeat
	}

	var (
		clientCfg = amqp091.Config{
			SASL: []amqp091.Authentication{
				&amqp091.PlainAuth{Username: cfg.Username, Password: cfg.Password},
			},
			Vhost:      cfg.VHost,
			Properties: cfg.Properties,
			Heartbeat:  heartbeat,
			Locale:     defaultLocale,
		}
		uri = &url.URL{
			Scheme: "amqp",
			Host:   cfg.Host,
		}
		base = []Option{
			withAMQPConfig(clientCfg),
			WithAppID(cfg.AppId),
			WithConfirmTimeout(cfg.ConfirmTimeout),
		}
	)

	if cfg.MaxReconnectTime > 0 {
		base = append(base, WithReconnectBackoff(min(defaultReconnectBase, cfg.MaxReconnectTime), cfg.MaxReconnectTime))
	}

	if cfg.MaxPublishDelay > 0 {
		base = append(base, WithPublishBackoff(min(defaultPublishBase, cfg.MaxPublishDelay), cfg.MaxPublishDelay))
	}

	if cfg.Persistent {
		base = append(base, WithPersistentMessages())
	}

	if cfg.Logging {
		if logger, err := zap.NewDevelopment(); err == nil {
			base = append(base, WithLogger(logger))
		}
	}

	return newCon(uri.String(), append(base, opts...)...), nil
}

func newCon(url string, opts ...Option) *Con {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if o.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			logger = zap.NewNop()
		}

		o.logger = logger
	}

	mimetype.SetLimit(mimeReadLimit)

	ctx, cancel := context.WithCancel(context.Background())

	return &Con{
		url:              url,
		cfg:              o.amqpConfig,
		dial:             o.dialer,
		log:              o.logger.Named("rabbit"),
		metrics:          newMetrics(o.registerer),
		appID:            o.appID,
		persistent:       o.persistent,
		confirmTimeout:   o.confirmTimeout,
		retryBase:        o.reconnectBase,
		retryMax:         o.reconnectMax,
		reconnectBackoff: backoff.New(o.reconnectBase, o.reconnectMax),
		publishBackoff:   backoff.New(o.publishBase, o.publishMax),
		subs:             make(map[*Subscription]struct{}),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// connect runs the first login. If ctx ends first the background attempt is
// stopped as well.
func (c *Con) connect(ctx context.Context) error {
	if err := c.Reconnect(ctx); err != nil {
		_ = c.Close()

		return err
	}

	return nil
}

// Reconnect tears down the current connection and establishes a new one.
// Concurrent callers share the in-flight attempt and observe its outcome.
// The attempt runs on the connection's own lifetime, so cancelling ctx only
// stops this caller from waiting.
func (c *Con) Reconnect(ctx context.Context) error {
	if c.closed.Load() {
		return ConnClosedError{}
	}

	res := c.login.DoChan(loginKey, func() (any, error) {
		return nil, c.loginLoop()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-res:
		return r.Err
	}
}

// loginLoop retries establish with the reconnect backoff until it succeeds or
// the connection is closed.
func (c *Con) loginLoop() error {
	for attempt := 1; ; attempt++ {
		if c.ctx.Err() != nil {
			return ConnClosedError{}
		}

		c.log.Info("rabbit login attempt", zap.Int("attempt", attempt))

		err := c.establish()
		if err == nil {
			c.reconnectBackoff.Reset()
			c.publishBackoff.Reset()

			return nil
		}

		if errors.Is(err, ConnClosedError{}) {
			return err
		}

		delay := c.reconnectBackoff.Next()

		c.log.Warn("rabbit login failed",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		if err = backoff.Sleep(c.ctx, delay); err != nil {
			return ConnClosedError{}
		}
	}
}

// establish runs one full login sequence: teardown, dial, consumer channel,
// publisher channel, state swap, resubscribe. Nothing is published to other
// goroutines until both channels are open. A subscription the broker refuses
// does not fail the login; it retries on its own.
func (c *Con) establish() (err error) {
	c.logins.Add(1)
	c.metrics.logins.Inc()

	c.teardown()

	con, err := c.dial(c.url, c.cfg)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	var consumer, publisher broker.Channel

	defer func() {
		if err != nil {
			closeQuietly(publisher, consumer, con)
		}
	}()

	conNotify := con.NotifyClose(make(chan *amqp091.Error, 1))

	if consumer, err = con.Channel(); err != nil {
		return fmt.Errorf("create consumer channel: %w", err)
	}

	consumerNotify := consumer.NotifyClose(make(chan *amqp091.Error, 1))

	if publisher, err = con.Channel(); err != nil {
		return fmt.Errorf("create publisher channel: %w", err)
	}

	if err = publisher.Confirm(false); err != nil {
		return fmt.Errorf("confirm channel for publisher: %w", err)
	}

	publisherNotify := publisher.NotifyClose(make(chan *amqp091.Error, 1))

	c.mute.Lock()
	if c.closed.Load() {
		c.mute.Unlock()

		return ConnClosedError{}
	}

	c.generation++
	gen := c.generation
	c.connection, c.consumer, c.publisher = con, consumer, publisher
	c.mute.Unlock()

	go c.watchConnection(con, conNotify)
	go c.watchConsumer(consumer, consumerNotify)
	go c.watchPublisher(publisher, publisherNotify)

	c.log.Info("rabbit connected", zap.Uint64("generation", gen))

	c.resubscribe(consumer, gen)

	return nil
}

// resubscribe registers every live subscription on the consumer channel of
// generation gen.
func (c *Con) resubscribe(ch broker.Channel, gen uint64) {
	for _, sub := range c.subscriptions() {
		sub.resume(ch, gen)
	}
}

// teardown detaches the current connection and closes it. Errors are
// ignored: the resources may already be half dead.
func (c *Con) teardown() {
	c.mute.Lock()
	con, consumer, publisher := c.connection, c.consumer, c.publisher
	c.connection, c.consumer, c.publisher = nil, nil, nil
	c.mute.Unlock()

	closeQuietly(publisher, consumer, con)
}

// watchConnection triggers recovery when con fails. Notifications from
// replaced connections are ignored.
func (c *Con) watchConnection(con broker.Connection, notify <-chan *amqp091.Error) {
	amqpErr, ok := <-notify

	if !c.isCurrent(con) {
		return
	}

	if ok {
		c.log.Error("rabbit connection lost", zap.Uint64("generation", c.Generation()), zap.Error(amqpErr))
	} else {
		c.log.Warn("rabbit connection closed without reason", zap.Uint64("generation", c.Generation()))
	}

	c.metrics.reconnects.Inc()

	// A login already in flight may settle on the very connection that just
	// died; keep going until a newer one is published.
	for c.isCurrent(con) {
		if err := c.Reconnect(c.ctx); err != nil {
			return
		}
	}
}

// watchConsumer reopens the consumer channel when the broker closes it while
// the connection stays up, e.g. after a failed ack or a refused consume.
func (c *Con) watchConsumer(ch broker.Channel, notify <-chan *amqp091.Error) {
	amqpErr, ok := <-notify

	if !c.isConsumer(ch) {
		return
	}

	c.mute.RLock()
	con := c.connection
	c.mute.RUnlock()

	// The connection watcher recovers a dead connection.
	if con == nil || con.IsClosed() {
		return
	}

	if ok {
		c.log.Error("rabbit consumer channel closed", zap.Uint64("generation", c.Generation()), zap.Error(amqpErr))
	} else {
		c.log.Warn("rabbit consumer channel closed without reason", zap.Uint64("generation", c.Generation()))
	}

	c.metrics.consumerReopens.Inc()

	for c.isConsumer(ch) {
		if err := c.recoverConsumer(ch); err != nil {
			return
		}
	}
}

// recoverConsumer replaces the dead consumer channel. It shares the login key,
// so it never races a full reconnect.
func (c *Con) recoverConsumer(dead broker.Channel) error {
	res := c.login.DoChan(loginKey, func() (any, error) {
		return nil, c.reopenConsumer(dead)
	})

	select {
	case <-c.ctx.Done():
		return ConnClosedError{}
	case r := <-res:
		return r.Err
	}
}

// reopenConsumer opens a new consumer channel on the live connection and
// resubscribes on it. It falls back to a full login when the connection is
// gone too.
func (c *Con) reopenConsumer(dead broker.Channel) error {
	c.mute.RLock()
	con, current := c.connection, c.consumer == dead
	c.mute.RUnlock()

	if !current {
		return nil
	}

	if con == nil || con.IsClosed() {
		return c.loginLoop()
	}

	consumer, err := con.Channel()
	if err != nil {
		c.log.Warn("rabbit reopen consumer channel", zap.Error(err))

		return c.loginLoop()
	}

	notify := consumer.NotifyClose(make(chan *amqp091.Error, 1))

	c.mute.Lock()
	if c.closed.Load() || c.connection != con || c.consumer != dead {
		c.mute.Unlock()
		closeQuietly(consumer)

		if c.closed.Load() {
			return ConnClosedError{}
		}

		return nil
	}

	c.generation++
	gen := c.generation
	c.consumer = consumer
	c.mute.Unlock()

	go c.watchConsumer(consumer, notify)

	c.log.Info("rabbit consumer channel reopened", zap.Uint64("generation", gen))

	c.resubscribe(consumer, gen)

	return nil
}

// watchPublisher only logs: a publish on a dead channel fails and Publish
// recovers through Reconnect.
func (c *Con) watchPublisher(ch broker.Channel, notify <-chan *amqp091.Error) {
	amqpErr, ok := <-notify
	if !ok {
		return
	}

	c.mute.RLock()
	current := c.publisher == ch
	c.mute.RUnlock()

	if current {
		c.log.Error("rabbit publisher channel closed", zap.Uint64("generation", c.Generation()), zap.Error(amqpErr))
	}
}

func (c *Con) isCurrent(con broker.Connection) bool {
	c.mute.RLock()
	defer c.mute.RUnlock()

	return c.connection != nil && c.connection == con
}

func (c *Con) isConsumer(ch broker.Channel) bool {
	c.mute.RLock()
	defer c.mute.RUnlock()

	return c.consumer != nil && c.consumer == ch
}

func (c *Con) consumerChannel() (broker.Channel, uint64) {
	c.mute.RLock()
	defer c.mute.RUnlock()

	return c.consumer, c.generation
}

func (c *Con) publisherChannel() (broker.Channel, uint64) {
	c.mute.RLock()
	defer c.mute.RUnlock()

	return c.publisher, c.generation
}

// Generation identifies the current consumer channel. It grows on every
// successful login and on every reopen of the consumer channel.
func (c *Con) Generation() uint64 {
	c.mute.RLock()
	defer c.mute.RUnlock()

	return c.generation
}

// IsConnected reports whether a live connection is currently installed.
func (c *Con) IsConnected() bool {
	c.mute.RLock()
	defer c.mute.RUnlock()

	return c.connection != nil && !c.connection.IsClosed()
}

// LoginAttempts reports how many login sequences have been started.
func (c *Con) LoginAttempts() int64 {
	return c.logins.Load()
}

func (c *Con) subscriptions() []*Subscription {
	c.subsMute.Lock()
	defer c.subsMute.Unlock()

	out := make([]*Subscription, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}

	return out
}

func (c *Con) unsubscribe(s *Subscription) {
	c.subsMute.Lock()
	delete(c.subs, s)
	c.subsMute.Unlock()
}

// Close gracefully shuts down the connection: recovery stops, subscriptions
// are cancelled, then both channels and the connection are closed.
func (c *Con) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ConnClosedError{}
	}

	c.cancel()

	for _, sub := range c.subscriptions() {
		if err := sub.Close(); err != nil {
			c.log.Warn("rabbit close subscription", zap.String("queue", sub.queue), zap.Error(err))
		}
	}

	c.mute.Lock()
	con, consumer, publisher := c.connection, c.consumer, c.publisher
	c.connection, c.consumer, c.publisher = nil, nil, nil
	c.mute.Unlock()

	closeQuietly(publisher, consumer)

	if con == nil {
		return nil
	}

	if err := con.Close(); err != nil {
		return fmt.Errorf("close connection error: %w", err)
	}

	return nil
}

func closeQuietly(closers ...io.Closer) {
	for _, cl := range closers {
		if cl != nil {
			_ = cl.Close()
		}
	}
}
