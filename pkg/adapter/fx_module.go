// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package adapter

import (
	"context"
	"errors"
	"sync"

	"github.com/GwynCerbin/go_rabbit/pkg/broker"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// FXModule provides a *Con built from a Client config and ties its login and
// shutdown to the fx lifecycle.
//
//	app := fx.New(
//	    adapter.FXModule,
//	    fx.Provide(func() adapter.Client { return loadRabbitConfig() }),
//	)
var FXModule = fx.Module("go_rabbit",
	fx.Provide(NewConWithDI),
	fx.Invoke(RegisterConLifecycle),
)

// ConParams groups the dependencies of a Con. Only Config is required.
type ConParams struct {
	fx.In

	Config     Client
	Logger     *zap.Logger           `optional:"true"`
	Registerer prometheus.Registerer `optional:"true"`
	Dialer     broker.Dialer         `optional:"true"`
}

// NewConWithDI builds a Con without connecting; the login starts with the
// application.
func NewConWithDI(params ConParams) (*Con, error) {
	opts := []Option{
		WithLogger(params.Logger),
		WithDialer(params.Dialer),
	}

	if params.Registerer != nil {
		opts = append(opts, WithMetrics(params.Registerer))
	}

	return newClientCon(&params.Config, opts...)
}

// ConLifecycleParams groups the dependencies of RegisterConLifecycle.
type ConLifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Con       *Con
}

// RegisterConLifecycle starts the first login in the background on start, so a
// missing broker does not block the application, and closes the Con on stop.
func RegisterConLifecycle(params ConLifecycleParams) {
	wg := &sync.WaitGroup{}

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			wg.Add(1)

			go func(c *Con) {
				defer wg.Done()

				err := c.Reconnect(c.ctx)
				if err == nil || errors.Is(err, ConnClosedError{}) || errors.Is(err, context.Canceled) {
					return
				}

				c.log.Error("rabbit initial login", zap.Error(err))
			}(params.Con)

			return nil
		},
		OnStop: func(context.Context) error {
			err := params.Con.Close()

			wg.Wait()

			if errors.Is(err, ConnClosedError{}) {
				return nil
			}

			return err
		},
	})
}
