package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/avkcode/termlink/internal/wire"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsRequestTimeout   = 30 * time.Second
	wsPingInterval     = 30 * time.Second
	wsReadDeadline     = 120 * time.Second
	wsWriteTimeout     = 10 * time.Second
)

// pendingTable correlates request ids with their one-shot response slots.
// Each WebSocket owns its table, so multiple sessions can coexist in one
// process.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan wire.ResponseBody
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan wire.ResponseBody)}
}

func (p *pendingTable) add(id string) chan wire.ResponseBody {
	ch := make(chan wire.ResponseBody, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *pendingTable) resolve(id string, body wire.ResponseBody) {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	if ok {
		delete(p.waiters, id)
	}
	p.mu.Unlock()
	if ok {
		ch <- body
	}
}

func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

// WebSocket is the fallback transport. Requests are wrapped with correlation
// ids; envelopes streamed during the channel phase are pushed under the wire
// sentinel id. A background receiver demultiplexes both.
type WebSocket struct {
	conn    *websocket.Conn
	pending *pendingTable
	pushes  chan wire.ServerMessage
	done    chan struct{}
	logger  *slog.Logger

	mu     sync.Mutex // guards writes to conn and the closed flag
	closed bool
}

// DialWebSocket connects to the coordinator's WebSocket endpoint.
func DialWebSocket(ctx context.Context, endpoint string, logger *slog.Logger) (*WebSocket, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, parsed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &WebSocket{
		conn:    conn,
		pending: newPendingTable(),
		pushes:  make(chan wire.ServerMessage, channelBuffer),
		done:    make(chan struct{}),
		logger:  logger,
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})
	go w.readLoop()
	go w.pingLoop()
	return w, nil
}

// WebSocketURL converts a server origin to the per-session WebSocket
// endpoint, switching the scheme accordingly.
func WebSocketURL(origin, sessionName string) string {
	u := strings.Replace(origin, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimSuffix(u, "/") + "/api/client/" + sessionName
}

// Open creates a session with a correlated request.
func (w *WebSocket) Open(ctx context.Context, req wire.OpenRequest) (wire.OpenResponse, error) {
	body, err := w.roundTrip(ctx, req)
	if err != nil {
		return wire.OpenResponse{}, fmt.Errorf("open session: %w", err)
	}
	switch resp := body.(type) {
	case wire.OpenResponse:
		return resp, nil
	case wire.ServerError:
		return wire.OpenResponse{}, fmt.Errorf("open session: %s", resp.Message)
	default:
		return wire.OpenResponse{}, fmt.Errorf("open session: unexpected response %T", body)
	}
}

// Close tears down a session with a correlated request.
func (w *WebSocket) Close(ctx context.Context, req wire.CloseRequest) error {
	body, err := w.roundTrip(ctx, req)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	switch resp := body.(type) {
	case wire.SessionClosed:
		return nil
	case wire.ServerError:
		return fmt.Errorf("close session: %s", resp.Message)
	default:
		return fmt.Errorf("close session: unexpected response %T", body)
	}
}

// Channel starts the streaming phase. The first client message must be the
// Hello, which is translated into a correlated StartChannel request; once
// acknowledged, remaining client messages are streamed under the sentinel id
// and server pushes are forwarded to the returned channel.
func (w *WebSocket) Channel(ctx context.Context) (<-chan wire.ServerMessage, chan<- wire.ClientMessage, error) {
	serverCh := make(chan wire.ServerMessage, channelBuffer)
	clientCh := make(chan wire.ClientMessage, channelBuffer)

	go func() {
		defer close(serverCh)

		hello, ok := w.awaitHello(ctx, clientCh)
		if !ok {
			return
		}
		start := wire.StartChannelRequest{Name: hello.Name, Token: hello.Token}
		body, err := w.roundTrip(ctx, start)
		if err != nil {
			w.logger.Warn("start channel", "err", err)
			return
		}
		switch resp := body.(type) {
		case wire.ChannelStarted:
		case wire.ServerError:
			w.logger.Warn("start channel rejected", "err", resp.Message)
			return
		default:
			w.logger.Warn("start channel: unexpected response", "type", fmt.Sprintf("%T", body))
			return
		}

		// Streaming phase: one goroutine drains outbound messages, this one
		// forwards pushes so closing serverCh reports stream death upward.
		go func() {
			for {
				select {
				case msg, ok := <-clientCh:
					if !ok {
						return
					}
					if _, isHeartbeat := msg.(wire.Heartbeat); isHeartbeat {
						// Protocol pings already keep the socket alive.
						continue
					}
					data, err := wire.EncodeClientFrame(msg)
					if err != nil {
						w.logger.Warn("encode client frame", "err", err)
						continue
					}
					if err := w.write(websocket.TextMessage, data); err != nil {
						w.logger.Debug("send client frame", "err", err)
						return
					}
				case <-ctx.Done():
					return
				case <-w.done:
					return
				}
			}
		}()

		for {
			select {
			case msg, ok := <-w.pushes:
				if !ok {
					return
				}
				select {
				case serverCh <- msg:
				case <-ctx.Done():
					return
				case <-w.done:
					return
				}
			case <-ctx.Done():
				return
			case <-w.done:
				return
			}
		}
	}()

	return serverCh, clientCh, nil
}

// awaitHello consumes client messages until the Hello arrives. Heartbeats
// are tolerated before it; anything else is a protocol bug on the caller's
// side and kills the channel.
func (w *WebSocket) awaitHello(ctx context.Context, clientCh <-chan wire.ClientMessage) (wire.Hello, bool) {
	for {
		select {
		case msg, ok := <-clientCh:
			if !ok {
				return wire.Hello{}, false
			}
			switch m := msg.(type) {
			case wire.Hello:
				return m, true
			case wire.Heartbeat:
			default:
				w.logger.Warn("expected hello before streaming", "got", fmt.Sprintf("%T", msg))
				return wire.Hello{}, false
			}
		case <-ctx.Done():
			return wire.Hello{}, false
		case <-w.done:
			return wire.Hello{}, false
		}
	}
}

// ConnectionType names the transport for log lines.
func (w *WebSocket) ConnectionType() string { return "WebSocket" }

// Cleanup closes the socket and wakes every background loop and waiter.
func (w *WebSocket) Cleanup() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
	return w.conn.Close()
}

// roundTrip sends one correlated request and waits for its response.
func (w *WebSocket) roundTrip(ctx context.Context, req wire.RequestBody) (wire.ResponseBody, error) {
	id := uuid.NewString()
	data, err := wire.EncodeRequest(id, req)
	if err != nil {
		return nil, err
	}

	waiter := w.pending.add(id)
	if err := w.write(websocket.TextMessage, data); err != nil {
		w.pending.remove(id)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, wsRequestTimeout)
	defer cancel()
	select {
	case body := <-waiter:
		return body, nil
	case <-ctx.Done():
		w.pending.remove(id)
		return nil, fmt.Errorf("request timed out: %w", ctx.Err())
	case <-w.done:
		return nil, fmt.Errorf("transport closed")
	}
}

func (w *WebSocket) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("transport closed")
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteMessage(messageType, data)
}

// readLoop demultiplexes inbound frames: sentinel-id frames are server
// pushes, everything else resolves a pending request. Exiting the loop marks
// the connection dead.
func (w *WebSocket) readLoop() {
	defer func() {
		close(w.pushes)
		_ = w.Cleanup()
	}()

	for {
		_ = w.conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!strings.Contains(err.Error(), "use of closed network connection") {
				w.logger.Debug("websocket read", "err", err)
			}
			return
		}

		frame, err := wire.DecodeFrame(data)
		if err != nil {
			w.logger.Warn("malformed websocket frame", "err", err)
			continue
		}
		if frame.ID == wire.StreamID {
			msg, err := frame.ServerMessage()
			if err != nil {
				w.logger.Warn("malformed server push", "err", err)
				continue
			}
			select {
			case w.pushes <- msg:
			case <-w.done:
				return
			}
			continue
		}
		body, err := frame.Response()
		if err != nil {
			w.logger.Warn("malformed response", "id", frame.ID, "err", err)
			continue
		}
		w.pending.resolve(frame.ID, body)
	}
}

// pingLoop keeps the connection alive with protocol-level pings; the pong
// handler extends the read deadline.
func (w *WebSocket) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if w.closed {
				w.mu.Unlock()
				return
			}
			err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			w.mu.Unlock()
			if err != nil {
				w.logger.Debug("websocket ping", "err", err)
				return
			}
		case <-w.done:
			return
		}
	}
}
