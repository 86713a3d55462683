// Package mcp implements the client-side protocol endpoint: the connector
// state machine with request correlation and the stdio and streamable HTTP
// transports it runs over.
package mcp

import "context"

// Transport moves serialized JSON-RPC envelopes to and from one server.
// Inbound traffic is delivered on the Messages channel so the transport
// never calls back into the connector.
type Transport interface {
	// Start establishes the underlying channel: spawns the child process
	// for stdio, or prepares the HTTP client. It must be called before
	// Send.
	Start(ctx context.Context) error
	// Send writes one serialized envelope.
	Send(ctx context.Context, msg []byte) error
	// Messages returns the inbound message stream. The channel is closed
	// when the transport terminates, whether by Close or by failure.
	Messages() <-chan []byte
	// Err reports why Messages closed. It is nil after an orderly Close
	// and non-nil after a transport failure.
	Err() error
	// Close tears the transport down. Idempotent. For stdio transports
	// this runs the shutdown escalation against the child process.
	Close() error
}

// TransportFactory builds a fresh transport for each connection attempt.
// Reconnecting a connector never reuses a transport instance.
type TransportFactory func() Transport
