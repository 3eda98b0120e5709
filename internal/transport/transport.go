// Package transport hides the wire protocol to the coordinator behind a
// single interface with two implementations: a bidirectional gRPC stream and
// a message-correlated WebSocket fallback for networks that block gRPC.
package transport

import (
	"context"
	"time"

	"github.com/avkcode/termlink/internal/wire"
)

// Transport is one logical connection to the coordinator.
type Transport interface {
	// Open creates a session. One-shot request/response on every variant.
	Open(ctx context.Context, req wire.OpenRequest) (wire.OpenResponse, error)

	// Channel opens the long-lived duplex stream. Messages sent on the
	// client channel are delivered in order for the lifetime of this
	// channel instance; no ordering is guaranteed across reconnects.
	Channel(ctx context.Context) (<-chan wire.ServerMessage, chan<- wire.ClientMessage, error)

	// Close tears down the session on the coordinator.
	Close(ctx context.Context, req wire.CloseRequest) error

	// ConnectionType names the transport for log lines.
	ConnectionType() string

	// Cleanup releases the underlying connection. Safe to call repeatedly.
	Cleanup() error
}

// Method is the connection method that succeeded.
type Method int

const (
	// MethodGRPC is the primary bidirectional-RPC transport.
	MethodGRPC Method = iota
	// MethodWebSocket is the fallback used when gRPC is unreachable.
	MethodWebSocket
)

func (m Method) String() string {
	switch m {
	case MethodGRPC:
		return "gRPC"
	case MethodWebSocket:
		return "WebSocket"
	default:
		return "unknown"
	}
}

// channelBuffer bounds the per-direction message queues of one Channel.
const channelBuffer = 256

// Config bounds the connection attempts made by ConnectWithFallback.
type Config struct {
	GRPCTimeout      time.Duration
	WebSocketTimeout time.Duration
}

// DefaultConfig returns the standard connection timeouts.
func DefaultConfig() Config {
	return Config{
		GRPCTimeout:      3 * time.Second,
		WebSocketTimeout: 5 * time.Second,
	}
}
