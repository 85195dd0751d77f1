// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package backoff provides the jittered exponential delay sequence used to pace
// reconnect and publish retries.
package backoff

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// defaultBase is used when a non-positive base delay is passed to New.
const defaultBase = 100 * time.Millisecond

// Backoff is a stateful delay generator. Every Next call returns a delay in
// [current/2, current) and then doubles current, saturating at max.
// A Backoff is safe for concurrent use.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
	mute    sync.Mutex
}

// New returns a Backoff starting at base and never exceeding max.
func New(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = defaultBase
	}

	if max < base {
		max = base
	}

	return &Backoff{
		base:    base,
		max:     max,
		current: base,
	}
}

// Next returns the next jittered delay and advances the sequence.
func (b *Backoff) Next() time.Duration {
	b.mute.Lock()
	defer b.mute.Unlock()

	cur := b.current

	b.current = min(b.current<<1, b.max)
	if b.current <= 0 { // shift overflow
		b.current = b.max
	}

	// cur >= 1ns, so cur-half is always positive.
	half := cur / 2

	return half + rand.N(cur-half)
}

// Reset moves the sequence back to its base delay.
func (b *Backoff) Reset() {
	b.mute.Lock()
	b.current = b.base
	b.mute.Unlock()
}

// Current reports the upper bound of the delay the next call to Next will return.
func (b *Backoff) Current() time.Duration {
	b.mute.Lock()
	defer b.mute.Unlock()

	return b.current
}

// Wait sleeps for Next() or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	return Sleep(ctx, b.Next())
}

// Sleep pauses for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
