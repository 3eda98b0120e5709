package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/avkcode/termlink/internal/wire"
)

// Full method names of the coordinator's session service. The client builds
// calls directly on the connection; message bodies are CBOR envelopes.
const (
	methodOpen    = "/termlink.SessionService/Open"
	methodClose   = "/termlink.SessionService/Close"
	methodChannel = "/termlink.SessionService/Channel"
)

var channelStreamDesc = &grpc.StreamDesc{
	StreamName:    "Channel",
	ClientStreams: true,
	ServerStreams: true,
}

// GRPC is the primary transport: unary Open/Close and one bidirectional
// stream per Channel call, all on a single client connection.
type GRPC struct {
	conn   *grpc.ClientConn
	logger *slog.Logger
}

// DialGRPC connects to the coordinator's gRPC endpoint. HTTPS origins get
// TLS credentials; everything else is assumed to be a local plaintext server.
// The context bounds the block until the connection is ready.
func DialGRPC(ctx context.Context, origin string, logger *slog.Logger) (*GRPC, error) {
	creds := insecure.NewCredentials()
	if strings.HasPrefix(origin, "https://") {
		creds = credentials.NewTLS(&tls.Config{})
	}
	conn, err := grpc.DialContext(ctx, grpcTarget(origin),
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(wire.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", origin, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GRPC{conn: conn, logger: logger}, nil
}

// Open creates a session with a unary call.
func (g *GRPC) Open(ctx context.Context, req wire.OpenRequest) (wire.OpenResponse, error) {
	var resp wire.OpenResponse
	if err := g.conn.Invoke(ctx, methodOpen, &req, &resp); err != nil {
		return wire.OpenResponse{}, fmt.Errorf("open session: %w", err)
	}
	return resp, nil
}

// Close tears down a session with a unary call.
func (g *GRPC) Close(ctx context.Context, req wire.CloseRequest) error {
	var resp struct{}
	if err := g.conn.Invoke(ctx, methodClose, &req, &resp); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// Channel opens the bidirectional stream and maps it onto a pair of
// channels: one forwarder drains the client channel to the wire, the other
// feeds received envelopes to the server channel until the stream breaks.
func (g *GRPC) Channel(ctx context.Context) (<-chan wire.ServerMessage, chan<- wire.ClientMessage, error) {
	stream, err := g.conn.NewStream(ctx, channelStreamDesc, methodChannel)
	if err != nil {
		return nil, nil, fmt.Errorf("start channel stream: %w", err)
	}

	serverCh := make(chan wire.ServerMessage, channelBuffer)
	clientCh := make(chan wire.ClientMessage, channelBuffer)

	go func() {
		defer func() {
			if err := stream.CloseSend(); err != nil {
				g.logger.Debug("close send stream", "err", err)
			}
		}()
		for {
			select {
			case msg, ok := <-clientCh:
				if !ok {
					return
				}
				if err := stream.SendMsg(&wire.ClientUpdate{Msg: msg}); err != nil {
					g.logger.Debug("send client update", "err", err)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer close(serverCh)
		for {
			var update wire.ServerUpdate
			if err := stream.RecvMsg(&update); err != nil {
				if !errors.Is(err, io.EOF) {
					g.logger.Debug("receive server update", "err", err)
				}
				return
			}
			select {
			case serverCh <- update.Msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	return serverCh, clientCh, nil
}

// ConnectionType names the transport for log lines.
func (g *GRPC) ConnectionType() string { return "gRPC" }

// Cleanup closes the client connection.
func (g *GRPC) Cleanup() error {
	if g.conn != nil {
		return g.conn.Close()
	}
	return nil
}

// grpcTarget strips the URL down to a host:port dial target, defaulting the
// port by scheme when none is given.
func grpcTarget(origin string) string {
	target := strings.TrimPrefix(origin, "https://")
	secure := target != origin
	target = strings.TrimPrefix(target, "http://")
	if idx := strings.Index(target, "/"); idx != -1 {
		target = target[:idx]
	}
	if !strings.Contains(target, ":") {
		if secure {
			target += ":443"
		} else {
			target += ":8051"
		}
	}
	return target
}
