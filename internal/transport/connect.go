package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/avkcode/termlink/internal/wire"
)

// Result is a successful connection with its opened session.
type Result struct {
	Transport Transport
	Response  wire.OpenResponse
	Method    Method
}

// ConnectWithFallback establishes a session on the coordinator, preferring
// the gRPC transport and falling back to WebSocket when gRPC cannot dial or
// its Open call fails (typical behind restrictive proxies). The Open request
// rides along so a transport only counts as connected once the session
// actually exists; callers remember the returned method and reconnect
// directly with it.
func ConnectWithFallback(ctx context.Context, origin, sessionName string, req wire.OpenRequest, cfg Config, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.GRPCTimeout == 0 || cfg.WebSocketTimeout == 0 {
		def := DefaultConfig()
		if cfg.GRPCTimeout == 0 {
			cfg.GRPCTimeout = def.GRPCTimeout
		}
		if cfg.WebSocketTimeout == 0 {
			cfg.WebSocketTimeout = def.WebSocketTimeout
		}
	}

	res, grpcErr := tryGRPC(ctx, origin, req, cfg, logger)
	if grpcErr == nil {
		return res, nil
	}
	logger.Info("gRPC connection failed, attempting WebSocket fallback", "err", grpcErr)

	res, wsErr := tryWebSocket(ctx, origin, sessionName, req, cfg, logger)
	if wsErr == nil {
		return res, nil
	}
	return nil, fmt.Errorf("connect to %s failed on both transports: %w", origin, errors.Join(grpcErr, wsErr))
}

func tryGRPC(ctx context.Context, origin string, req wire.OpenRequest, cfg Config, logger *slog.Logger) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.GRPCTimeout)
	defer cancel()

	t, err := DialGRPC(ctx, origin, logger)
	if err != nil {
		return nil, err
	}
	resp, err := t.Open(ctx, req)
	if err != nil {
		_ = t.Cleanup()
		return nil, err
	}
	return &Result{Transport: t, Response: resp, Method: MethodGRPC}, nil
}

func tryWebSocket(ctx context.Context, origin, sessionName string, req wire.OpenRequest, cfg Config, logger *slog.Logger) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.WebSocketTimeout)
	defer cancel()

	endpoint := WebSocketURL(origin, sessionName)
	t, err := DialWebSocket(ctx, endpoint, logger)
	if err != nil {
		return nil, err
	}
	resp, err := t.Open(ctx, req)
	if err != nil {
		_ = t.Cleanup()
		return nil, err
	}
	return &Result{Transport: t, Response: resp, Method: MethodWebSocket}, nil
}
