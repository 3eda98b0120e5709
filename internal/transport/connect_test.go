package transport

import (
	"context"
	"testing"
	"time"

	"github.com/avkcode/termlink/internal/wire"
)

// The test server speaks only HTTP/1.1 + WebSocket, so the gRPC attempt
// connects at the TCP level but cannot complete an Open call; the fallback
// must kick in and succeed.
func TestConnectWithFallback(t *testing.T) {
	srv := newWSTestServer(t)

	cfg := Config{
		GRPCTimeout:      500 * time.Millisecond,
		WebSocketTimeout: 5 * time.Second,
	}
	req := wire.OpenRequest{
		Origin:         srv.URL,
		EncryptedZeros: wire.Bytes{0xaa},
		Name:           "fallback-session",
	}
	res, err := ConnectWithFallback(context.Background(), srv.URL, "fallback-session", req, cfg, nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer res.Transport.Cleanup()

	if res.Method != MethodWebSocket {
		t.Fatalf("method = %v, want WebSocket", res.Method)
	}
	if res.Transport.ConnectionType() != "WebSocket" {
		t.Fatalf("connection type = %q", res.Transport.ConnectionType())
	}
	if res.Response.Token == "" || res.Response.URL == "" {
		t.Fatalf("open response not populated: %+v", res.Response)
	}
}

func TestConnectWithFallbackBothFail(t *testing.T) {
	cfg := Config{
		GRPCTimeout:      200 * time.Millisecond,
		WebSocketTimeout: 200 * time.Millisecond,
	}
	// Reserved TEST-NET address; nothing listens there.
	origin := "http://192.0.2.1:9"
	_, err := ConnectWithFallback(context.Background(), origin, "s", wire.OpenRequest{}, cfg, nil)
	if err == nil {
		t.Fatalf("expected error when both transports fail")
	}
}

func TestGRPCTarget(t *testing.T) {
	cases := []struct {
		origin, want string
	}{
		{"https://example.com", "example.com:443"},
		{"https://example.com:8443/path", "example.com:8443"},
		{"http://localhost", "localhost:8051"},
		{"http://localhost:9000", "localhost:9000"},
		{"127.0.0.1:8051", "127.0.0.1:8051"},
	}
	for _, tc := range cases {
		if got := grpcTarget(tc.origin); got != tc.want {
			t.Errorf("grpcTarget(%q) = %q, want %q", tc.origin, got, tc.want)
		}
	}
}

func TestMethodString(t *testing.T) {
	if MethodGRPC.String() != "gRPC" || MethodWebSocket.String() != "WebSocket" {
		t.Fatalf("unexpected method names: %v, %v", MethodGRPC, MethodWebSocket)
	}
}
