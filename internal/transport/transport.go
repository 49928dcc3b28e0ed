// Package transport carries engine messages between one server and its
// clients. Implementations must provide ordered, reliable, message-based
// bidirectional delivery; the engine layers no retry or reordering logic
// on top.
//
// Messages are (channel, payload) pairs. On the wire a message is framed
// as a one-byte channel-name length, the channel name, and the payload.
package transport

import (
	"context"
	"fmt"
)

// Conn is one connected client as seen by the server.
type Conn interface {
	// ID identifies the connection for the lifetime of the session.
	ID() string

	// Send delivers one message to the client.
	Send(channel string, payload []byte) error

	// Close tears the connection down; the disconnect callback fires.
	Close() error
}

// ServerTransport accepts client connections and delivers their
// messages. Callbacks are registered before Start; per connection they
// fire sequentially in arrival order.
type ServerTransport interface {
	OnConnect(fn func(Conn))
	OnDisconnect(fn func(Conn))
	OnMessage(fn func(conn Conn, channel string, payload []byte))

	// Start accepts connections until ctx is canceled.
	Start(ctx context.Context) error

	// Close stops accepting and drops all connections.
	Close() error
}

// ClientTransport is the client's side of the channel.
type ClientTransport interface {
	OnMessage(fn func(channel string, payload []byte))
	OnDisconnect(fn func(err error))

	Connect(ctx context.Context) error
	Send(channel string, payload []byte) error
	Close() error
}

// frame encodes a (channel, payload) message for byte-stream transports.
func frame(channel string, payload []byte) ([]byte, error) {
	if len(channel) == 0 || len(channel) > 255 {
		return nil, fmt.Errorf("channel name length %d out of range [1, 255]", len(channel))
	}
	buf := make([]byte, 0, 1+len(channel)+len(payload))
	buf = append(buf, byte(len(channel)))
	buf = append(buf, channel...)
	buf = append(buf, payload...)
	return buf, nil
}

// unframe decodes a framed message.
func unframe(data []byte) (channel string, payload []byte, err error) {
	if len(data) < 1 {
		return "", nil, fmt.Errorf("empty frame")
	}
	n := int(data[0])
	if n == 0 || len(data) < 1+n {
		return "", nil, fmt.Errorf("truncated frame: channel length %d, frame length %d", n, len(data))
	}
	return string(data[1 : 1+n]), data[1+n:], nil
}
