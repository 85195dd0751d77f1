// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "go_rabbit"

// metrics holds the connection counters. Collectors always exist so the hot
// paths never branch on whether a registerer was supplied.
type metrics struct {
	logins          prometheus.Counter
	reconnects      prometheus.Counter
	consumerReopens prometheus.Counter
	publishes       prometheus.Counter
	publishRetries  prometheus.Counter
	deliveries      *prometheus.CounterVec
	rejected        *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		logins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "login_attempts_total",
			Help:      "Connection login sequences started.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connection_losses_total",
			Help:      "Connection failures reported by the broker transport.",
		}),
		consumerReopens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "consumer_channel_losses_total",
			Help:      "Consumer channels closed by the broker while the connection stayed up.",
		}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publish_attempts_total",
			Help:      "Publish attempts, including retries.",
		}),
		publishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publish_retries_total",
			Help:      "Publish attempts that failed and were scheduled for retry.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Deliveries buffered per queue.",
		}, []string{"queue"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejected_deliveries_total",
			Help:      "Deliveries rejected because their routing key was not listened for.",
		}, []string{"queue"}),
	}

	if reg == nil {
		return m
	}

	m.logins = register(reg, m.logins)
	m.reconnects = register(reg, m.reconnects)
	m.consumerReopens = register(reg, m.consumerReopens)
	m.publishes = register(reg, m.publishes)
	m.publishRetries = register(reg, m.publishRetries)
	m.deliveries = register(reg, m.deliveries)
	m.rejected = register(reg, m.rejected)

	return m
}

// register reuses an already registered collector so several connections can
// share one registry.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}

	return c
}
