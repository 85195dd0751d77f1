// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/GwynCerbin/go_rabbit/pkg/broker/brokertest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishConfirmed(t *testing.T) {
	fake := brokertest.New()
	c := newTestCon(t, fake, WithAppID("billing"), WithPersistentMessages())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(t, c.Publish(ctx, "events", "order.created", map[string]int{"id": 7}))

	published := fake.Published()
	require.Len(t, published, 1)

	p := published[0]
	assert.Equal(t, "events", p.Exchange)
	assert.Equal(t, "order.created", p.RoutingKey)
	assert.JSONEq(t, `{"id":7}`, string(p.Msg.Body))
	assert.Equal(t, "application/json", p.Msg.ContentType)
	assert.Equal(t, "billing", p.Msg.AppId)
	assert.Equal(t, amqp091.Persistent, p.Msg.DeliveryMode)
	assert.NotEmpty(t, p.Msg.MessageId)
	assert.False(t, p.Msg.Timestamp.IsZero())
}

func TestPublishPassesRawPayloads(t *testing.T) {
	fake := brokertest.New()
	c := newTestCon(t, fake)

	ctx := context.Background()

	require.NoError(t, c.Publish(ctx, "", "q", "plain text"))
	require.NoError(t, c.Publish(ctx, "", "q", []byte("raw")))
	require.NoError(t, c.Publish(ctx, "", "q", json.RawMessage(`[1,2]`)))

	published := fake.Published()
	require.Len(t, published, 3)

	assert.Equal(t, "plain text", string(published[0].Msg.Body))
	assert.Equal(t, "text/plain; charset=utf-8", published[0].Msg.ContentType)
	assert.Equal(t, "raw", string(published[1].Msg.Body))
	assert.Equal(t, "[1,2]", string(published[2].Msg.Body))
	assert.Equal(t, uint8(0), published[0].Msg.DeliveryMode)
}

func TestPublishRetriesNacksWithReconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	fake := brokertest.New()
	c := newTestCon(t, fake, WithMetrics(reg))

	fake.ScriptConfirms(brokertest.ConfirmNack, brokertest.ConfirmNack)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(t, c.Publish(ctx, "events", "order.paid", "x"))

	published := fake.Published()
	require.Len(t, published, 3)

	assert.Equal(t, brokertest.ConfirmNack, published[0].Result)
	assert.Equal(t, brokertest.ConfirmNack, published[1].Result)
	assert.Equal(t, brokertest.ConfirmAck, published[2].Result)

	// The same message is retried.
	assert.Equal(t, published[0].Msg.MessageId, published[2].Msg.MessageId)

	assert.Equal(t, int64(3), c.LoginAttempts())
	assert.Equal(t, uint64(3), c.Generation())
	assert.Equal(t, float64(3), testutil.ToFloat64(c.metrics.publishes))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.metrics.publishRetries))
}

func TestPublishRetriesClosedChannel(t *testing.T) {
	fake := brokertest.New()
	c := newTestCon(t, fake)

	fake.ScriptConfirms(brokertest.ConfirmClosed)

	require.NoError(t, c.Publish(context.Background(), "", "q", "x"))
	assert.Len(t, fake.Published(), 2)
	assert.Equal(t, uint64(2), c.Generation())
}

func TestPublishRetriesConfirmTimeout(t *testing.T) {
	fake := brokertest.New()
	c := newTestCon(t, fake, WithConfirmTimeout(20*time.Millisecond))

	fake.ScriptConfirms(brokertest.ConfirmHang)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(t, c.Publish(ctx, "", "q", "x"))

	published := fake.Published()
	require.Len(t, published, 2)
	assert.Equal(t, brokertest.ConfirmHang, published[0].Result)
	assert.Equal(t, brokertest.ConfirmAck, published[1].Result)
}

func TestPublishStopsOnContext(t *testing.T) {
	fake := brokertest.New()
	c := newTestCon(t, fake)

	fake.ScriptConfirms(brokertest.ConfirmHang)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.Publish(ctx, "", "q", "x"), context.DeadlineExceeded)
}

func TestPublishAfterClose(t *testing.T) {
	fake := brokertest.New()
	c := newTestCon(t, fake)

	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Publish(context.Background(), "", "q", "x"), ConnClosedError{})
	assert.Empty(t, fake.Published())
}

func TestPublishUnencodablePayload(t *testing.T) {
	fake := brokertest.New()
	c := newTestCon(t, fake)

	err := c.Publish(context.Background(), "", "q", make(chan int))

	require.ErrorIs(t, err, PayloadEncodeError{})

	var typeErr *json.UnsupportedTypeError
	assert.ErrorAs(t, err, &typeErr)
	assert.Empty(t, fake.Published())
}

func TestPublishWaitsForRecovery(t *testing.T) {
	fake := brokertest.New()
	c := newTestCon(t, fake)

	fake.FailDials(3, errRefused)
	dropConnection(t, fake)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	require.NoError(t, c.Publish(ctx, "", "q", "x"))

	published := fake.Published()
	assert.Equal(t, brokertest.ConfirmAck, published[len(published)-1].Result)
	assert.True(t, c.IsConnected())
}
