// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbit

type EmptyRouteError struct {
}

func (EmptyRouteError) Error() string {
	return "empty route"
}

type UnroutedMessageError struct {
}

func (UnroutedMessageError) Error() string {
	return "unrouted message"
}

type ConsumerCloseError struct {
}

func (ConsumerCloseError) Error() string {
	return "close consumer, dropped with error"
}

// ServerClosedError is returned by Serve after Shutdown.
type ServerClosedError struct {
}

func (ServerClosedError) Error() string {
	return "server closed"
}

type ServerStartedError struct {
}

func (ServerStartedError) Error() string {
	return "server already started"
}
