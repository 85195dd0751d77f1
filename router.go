// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbit

import (
	"context"
	"maps"
	"slices"

	"github.com/GwynCerbin/go_rabbit/pkg/adapter"
)

// HandlerFunc processes one message. A nil error acks the message, anything
// else rejects it without requeue.
type HandlerFunc func(ctx context.Context, msg *adapter.Message) error

// Router maps a routing key to its handler.
type Router map[string]HandlerFunc

func NewRouter() Router {
	return make(Router)
}

func (r Router) Add(key string, f HandlerFunc) {
	r[key] = f
}

// Keys returns the routed keys in lexical order.
func (r Router) Keys() []string {
	return slices.Sorted(maps.Keys(r))
}
