// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/GwynCerbin/go_rabbit/pkg/broker"
	"github.com/GwynCerbin/go_rabbit/pkg/broker/brokertest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFXModuleLifecycle(t *testing.T) {
	fake := brokertest.New()

	var con *Con

	app := fxtest.New(t,
		FXModule,
		fx.Supply(Client{Host: "rabbit:5672", Username: "guest", Password: "guest"}),
		fx.Supply(zap.NewNop()),
		fx.Provide(
			func() broker.Dialer { return fake.Dial },
			func() prometheus.Registerer { return prometheus.NewRegistry() },
		),
		fx.Populate(&con),
	)

	app.RequireStart()

	require.NotNil(t, con)
	require.Eventually(t, con.IsConnected, waitFor, tick)
	assert.Equal(t, 1, fake.Dials())

	app.RequireStop()

	assert.True(t, fake.LastConnection().IsClosed())
	assert.ErrorIs(t, con.Publish(context.Background(), "", "q", "x"), ConnClosedError{})
}

func TestFXModuleWithoutOptionalDependencies(t *testing.T) {
	var con *Con

	app := fxtest.New(t,
		FXModule,
		fx.Supply(Client{Host: "rabbit:5672"}),
		fx.Populate(&con),
	)

	require.NoError(t, app.Err())
	require.NotNil(t, con)
	assert.NotNil(t, con.log)
	assert.NotNil(t, con.metrics)

	// Never started: the Con is built but not connected.
	assert.False(t, con.IsConnected())
	require.NoError(t, con.Close())
}

func TestFXModuleStopDuringInitialLoginLogsNoError(t *testing.T) {
	fake := brokertest.New()

	release := fake.HoldDials()
	defer release()

	core, logs := observer.New(zap.InfoLevel)

	app := fxtest.New(t,
		FXModule,
		fx.Supply(Client{Host: "rabbit:5672"}),
		fx.Supply(zap.New(core)),
		fx.Provide(func() broker.Dialer { return fake.Dial }),
	)

	app.RequireStart()

	select {
	case <-fake.Dialing():
	case <-time.After(waitFor):
		t.Fatal("initial login did not start")
	}

	app.RequireStop()

	assert.Zero(t, logs.FilterLevelExact(zap.ErrorLevel).Len())
	assert.Zero(t, logs.FilterMessage("rabbit initial login").Len())
}
