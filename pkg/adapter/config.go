// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"time"

	"github.com/GwynCerbin/go_rabbit/pkg/broker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const mimeReadLimit = 512 //bytes that mime will read

const (
	defaultReconnectBase  = time.Second
	defaultReconnectMax   = 32 * time.Second
	defaultPublishBase    = 100 * time.Millisecond
	defaultPublishMax     = 10 * time.Second
	defaultConfirmTimeout = 30 * time.Second
	defaultHeartbeat      = 10 * time.Second
	defaultLocale         = "en_US"
	defaultPrefetch       = 10
)

type Client struct {
	Username         string        `env:"USERNAME" yaml:"-"`
	Password         string        `env:"PASSWORD" yaml:"-"`
	Host             string        `env:"HOST" yaml:"host"`
	VHost            string        `env:"VHOST" yaml:"vhost"`
	TcpHeartBeat     time.Duration `env:"HEARTBEAT" yaml:"tcp_heartbeat"`
	Properties       amqp091.Table `env:"PROPERTIES" yaml:"properties"`
	MaxReconnectTime time.Duration `env:"RECONNECT" yaml:"reconnect"`
	MaxPublishDelay  time.Duration `env:"PUBLISH_DELAY" yaml:"publish_delay"`
	ConfirmTimeout   time.Duration `env:"CONFIRM_TIMEOUT" yaml:"confirm_timeout"`
	AppId            string        `env:"APP_ID" yaml:"app_id"`
	Persistent       bool          `env:"PERSISTENT" yaml:"is_persistent"`
	Logging          bool          `env:"LOGGING" yaml:"logging"`
}

type ExchangeDeclare struct {
	Name       string        `env:"NAME" yaml:"name"`
	Type       string        `env:"TYPE" yaml:"type"`
	Durable    bool          `env:"DURABLE" yaml:"durable"`
	AutoDelete bool          `env:"AUTO_DELETE" yaml:"auto_delete"`
	Internal   bool          `env:"INTERNAL" yaml:"internal"`
	Args       amqp091.Table `env:"ARGS" yaml:"args"`
}

type QueueDeclare struct {
	Name                 string        `env:"NAME" yaml:"name"`
	Durable              bool          `env:"DURABLE" yaml:"durable"`
	AutoDelete           bool          `env:"AUTO_DELETE" yaml:"auto_delete"`
	Exclusive            bool          `env:"EXCLUSIVE" yaml:"exclusive"`
	DeadLetterExchange   string        `env:"DLX" yaml:"dead_letter_exchange"`
	DeadLetterRoutingKey string        `env:"DLX_ROUTING_KEY" yaml:"dead_letter_routing_key"`
	MessageTTL           time.Duration `env:"MESSAGE_TTL" yaml:"message_ttl"`
	MaxLength            int           `env:"MAX_LENGTH" yaml:"max_length"`
	Args                 amqp091.Table `env:"ARGS" yaml:"args"`
	Bindings             []Binding     `yaml:"bindings"`
}

type Binding struct {
	Exchange   string        `yaml:"exchange"`
	RoutingKey string        `yaml:"routing_key"`
	Args       amqp091.Table `yaml:"args"`
}

// Topology is the declarative descriptor accepted by Con.Configure.
type Topology struct {
	Exchanges []ExchangeDeclare `yaml:"exchanges"`
	Queues    []QueueDeclare    `yaml:"queues"`
}

// arguments merges the typed queue settings into the raw argument table.
func (q QueueDeclare) arguments() amqp091.Table {
	args := amqp091.Table{}
	for k, v := range q.Args {
		args[k] = v
	}

	if q.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = q.DeadLetterExchange
	}

	if q.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = q.DeadLetterRoutingKey
	}

	if q.MessageTTL > 0 {
		args["x-message-ttl"] = q.MessageTTL.Milliseconds()
	}

	if q.MaxLength > 0 {
		args["x-max-length"] = int64(q.MaxLength)
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// Option configures runtime collaborators of a Con.
type Option func(*options)

type options struct {
	logger         *zap.Logger
	dialer         broker.Dialer
	amqpConfig     amqp091.Config
	reconnectBase  time.Duration
	reconnectMax   time.Duration
	publishBase    time.Duration
	publishMax     time.Duration
	confirmTimeout time.Duration
	registerer     prometheus.Registerer
	appID          string
	persistent     bool
}

func defaultOptions() options {
	return options{
		dialer: broker.Dial,
		amqpConfig: amqp091.Config{
			Heartbeat: defaultHeartbeat,
			Locale:    defaultLocale,
		},
		reconnectBase:  defaultReconnectBase,
		reconnectMax:   defaultReconnectMax,
		publishBase:    defaultPublishBase,
		publishMax:     defaultPublishMax,
		confirmTimeout: defaultConfirmTimeout,
	}
}

// WithLogger replaces the default production zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDialer replaces the amqp091 transport, mostly for tests.
func WithDialer(dialer broker.Dialer) Option {
	return func(o *options) {
		if dialer != nil {
			o.dialer = dialer
		}
	}
}

// WithReconnectBackoff sets the bounds of the connection-level retry delay.
func WithReconnectBackoff(base, max time.Duration) Option {
	return func(o *options) {
		o.reconnectBase, o.reconnectMax = base, max
	}
}

// WithPublishBackoff sets the bounds of the delay between publish retries.
func WithPublishBackoff(base, max time.Duration) Option {
	return func(o *options) {
		o.publishBase, o.publishMax = base, max
	}
}

// WithConfirmTimeout bounds how long one publish attempt waits for its broker confirm.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(o *options) {
		if timeout > 0 {
			o.confirmTimeout = timeout
		}
	}
}

// WithMetrics registers the connection counters on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithAppID stamps every published message with the given application id.
func WithAppID(appID string) Option {
	return func(o *options) {
		o.appID = appID
	}
}

// WithPersistentMessages publishes with delivery mode 2.
func WithPersistentMessages() Option {
	return func(o *options) {
		o.persistent = true
	}
}

func withAMQPConfig(cfg amqp091.Config) Option {
	return func(o *options) {
		o.amqpConfig = cfg
	}
}

// ListenOption configures a Listener.
type ListenOption func(*listenOptions)

type listenOptions struct {
	json        bool
	prefetch    int
	routingKeys []string
}

func defaultListenOptions() listenOptions {
	return listenOptions{
		json:     true,
		prefetch: defaultPrefetch,
	}
}

// WithJSON toggles JSON decoding of message bodies (on by default).
func WithJSON(enabled bool) ListenOption {
	return func(o *listenOptions) {
		o.json = enabled
	}
}

// WithPrefetch sets the unacknowledged-delivery limit of the subscription.
func WithPrefetch(n int) ListenOption {
	return func(o *listenOptions) {
		if n > 0 {
			o.prefetch = n
		}
	}
}

// WithRoutingKeys restricts the listener to the given routing keys. Anything
// else is rejected without requeue. An empty list disables filtering.
func WithRoutingKeys(keys ...string) ListenOption {
	return func(o *listenOptions) {
		o.routingKeys = append([]string(nil), keys...)
	}
}
