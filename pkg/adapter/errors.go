package adapter

import "fmt"

// ConnClosedError is returned when operations are attempted on a closed connection.
type ConnClosedError struct{}

// ConConfEmptyError indicates that a nil client configuration was passed to Dial.
type ConConfEmptyError struct{}

// NotConnectedError is returned when no channel is available because the
// connection is being (re)established.
type NotConnectedError struct{}

// SubscriptionClosedError is returned when consuming is attempted after the subscription has been closed.
type SubscriptionClosedError struct{}

// PublishNackedError signals that the broker negatively confirmed a publish.
type PublishNackedError struct{}

// PayloadEncodeError wraps a failure to serialise a publish payload.
type PayloadEncodeError struct{}

// StaleMessageError is returned by Ack and Nack when the message was delivered
// on a channel that a reconnect has since replaced. Nothing is sent to the broker.
type StaleMessageError struct{}

// MessageEmptyError is returned when a nil message is acknowledged.
type MessageEmptyError struct{}

// Error implements the error interface for ConnClosedError.
// It indicates the client explicitly closed the connection.
func (e ConnClosedError) Error() string {
	return "connection closed by client"
}

// Error implements the error interface for ConConfEmptyError.
func (ConConfEmptyError) Error() string {
	return "empty client config passed, unable to dial"
}

// Error implements the error interface for NotConnectedError.
func (NotConnectedError) Error() string {
	return "connection is not established"
}

// Error implements the error interface for SubscriptionClosedError.
// It signals that the subscription has already been closed.
func (SubscriptionClosedError) Error() string {
	return "subscription already closed, unable to provide"
}

// Error implements the error interface for PublishNackedError.
func (PublishNackedError) Error() string {
	return "publish rejected by broker"
}

// Error implements the error interface for PayloadEncodeError.
func (PayloadEncodeError) Error() string {
	return "encode payload"
}

// Error implements the error interface for StaleMessageError.
func (StaleMessageError) Error() string {
	return "message belongs to a replaced channel"
}

// Error implements the error interface for MessageEmptyError.
func (MessageEmptyError) Error() string {
	return "empty message passed, unable to settle"
}

// ConfigureError reports the topology object the broker refused.
type ConfigureError struct {
	Kind string
	Name string
	Err  error
}

func (e *ConfigureError) Error() string {
	return fmt.Sprintf("declare %s %q: %v", e.Kind, e.Name, e.Err)
}

func (e *ConfigureError) Unwrap() error {
	return e.Err
}
