// Package client implements the session controller: it opens a session on
// the coordinator, multiplexes any number of local shells through one
// transport channel, and keeps reconnecting until closed.
package client

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/avkcode/termlink/internal/keystream"
	"github.com/avkcode/termlink/internal/transport"
	"github.com/avkcode/termlink/internal/wire"
)

const (
	heartbeatInterval = 2 * time.Second
	// reconnectInterval bounds how long any single channel is trusted; the
	// controller deliberately reconnects when it fires.
	reconnectInterval = 60 * time.Second

	// backoffRetryCap caps the exponential backoff at 2^4 = 16 seconds.
	backoffRetryCap = 4
	// backoffResetAfter treats a failure after this much healthy time as
	// the first failure again.
	backoffResetAfter = 10 * time.Second

	outputBuffer = 64
	shellBuffer  = 16

	closeTimeout = 5 * time.Second
)

// Config describes a session to open.
type Config struct {
	// Origin is the coordinator URL, e.g. "https://termlink.example".
	Origin string
	// Name is the session title; defaults server-side when empty.
	Name string
	// Runner produces shell tasks; ShellRunner for real PTYs.
	Runner Runner
	// EnableReaders generates a separate write password so the plain URL
	// grants read-only access.
	EnableReaders bool
	// Connection bounds the initial transport attempts.
	Connection transport.Config
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Controller owns one session: its transport, credentials, cipher, and the
// set of live shell tasks.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	// transportMu guards transport: the Run goroutine replaces it on
	// WebSocket reconnects while Close reads it from the caller's goroutine.
	transportMu sync.Mutex
	transport   transport.Transport
	method      transport.Method

	// redial recreates the fallback transport for a reconnect attempt.
	redial func(ctx context.Context) (transport.Transport, error)

	cipher        *keystream.Cipher
	encryptionKey string

	name     string
	token    string
	url      string
	writeURL string

	// shells routes inbound items to each shell task. The lock is held only
	// for map access, never across a channel send.
	shellsMu sync.RWMutex
	shells   map[uint32]chan ShellEvent

	// output is the bounded bus every shell task and acknowledgment path
	// feeds; tryChannel drains it to the wire.
	output chan wire.ClientMessage

	ctx    context.Context
	cancel context.CancelFunc

	heartbeatEvery time.Duration
	reconnectEvery time.Duration
}

// Open creates a session on the coordinator. A failure here is fatal: no
// retries are attempted before a session exists.
func Open(ctx context.Context, cfg Config) (*Controller, error) {
	if cfg.Runner == nil {
		cfg.Runner = ShellRunner{Logger: cfg.Logger}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	encryptionKey := randAlphanumeric(14) // ~83 bits of entropy
	cipher := keystream.Derive(encryptionKey)

	var writePassword string
	var writePasswordHash wire.Bytes
	if cfg.EnableReaders {
		writePassword = randAlphanumeric(14)
		writePasswordHash = keystream.Derive(writePassword).Zeros()
	}

	req := wire.OpenRequest{
		Origin:            cfg.Origin,
		EncryptedZeros:    cipher.Zeros(),
		Name:              cfg.Name,
		WritePasswordHash: writePasswordHash,
	}
	res, err := transport.ConnectWithFallback(ctx, cfg.Origin, cfg.Name, req, cfg.Connection, logger)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	logger.Info("connected", "origin", cfg.Origin, "transport", res.Method)

	c := newController(cfg, logger, res.Transport, res.Method)
	c.cipher = cipher
	c.encryptionKey = encryptionKey
	c.name = res.Response.Name
	c.token = res.Response.Token
	c.url = res.Response.URL + "#" + encryptionKey
	if writePassword != "" {
		c.writeURL = c.url + "," + writePassword
	}
	return c, nil
}

// newController wires the channel plumbing; Open fills in session identity.
func newController(cfg Config, logger *slog.Logger, t transport.Transport, method transport.Method) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:            cfg,
		logger:         logger,
		transport:      t,
		method:         method,
		shells:         make(map[uint32]chan ShellEvent),
		output:         make(chan wire.ClientMessage, outputBuffer),
		ctx:            ctx,
		cancel:         cancel,
		heartbeatEvery: heartbeatInterval,
		reconnectEvery: reconnectInterval,
	}
	c.redial = c.dialFallback
	return c
}

func (c *Controller) dialFallback(ctx context.Context) (transport.Transport, error) {
	return transport.DialWebSocket(ctx, transport.WebSocketURL(c.cfg.Origin, c.name), c.logger)
}

// Name returns the server-assigned session name.
func (c *Controller) Name() string { return c.name }

// URL returns the shareable session URL; the fragment carries the
// encryption key so it never reaches the server.
func (c *Controller) URL() string { return c.url }

// WriteURL returns the writer URL when EnableReaders was set.
func (c *Controller) WriteURL() (string, bool) { return c.writeURL, c.writeURL != "" }

// EncryptionKey returns the client-generated session secret.
func (c *Controller) EncryptionKey() string { return c.encryptionKey }

// ConnectionMethod reports which transport the session settled on.
func (c *Controller) ConnectionMethod() transport.Method { return c.method }

// Run streams the session until Close or a cancelled context, recovering
// from every transient channel failure with bounded exponential backoff.
func (c *Controller) Run() error {
	lastAttempt := time.Now()
	retries := 0

	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		if err := c.tryChannel(); err != nil {
			var delay time.Duration
			delay, retries = nextBackoff(retries, time.Since(lastAttempt))
			c.logger.Info("disconnected, retrying", "delay", delay, "err", err)
			select {
			case <-time.After(delay):
			case <-c.ctx.Done():
				return c.ctx.Err()
			}
		} else {
			// Clean return means the reconnect timer fired; go straight
			// back around.
			retries = 0
		}
		lastAttempt = time.Now()
	}
}

// nextBackoff computes the wait before the next attempt: doubling delays
// capped at 16s, restarting from 1s when the previous attempt survived
// longer than the reset window.
func nextBackoff(retries int, sinceLastAttempt time.Duration) (time.Duration, int) {
	if sinceLastAttempt >= backoffResetAfter {
		retries = 0
	}
	delay := time.Second << min(retries, backoffRetryCap)
	return delay, retries + 1
}

// tryChannel runs one streaming attempt: establish the channel,
// authenticate, then multiplex heartbeats, shell output, inbound messages,
// and the forced-reconnect timer until something breaks.
func (c *Controller) tryChannel() error {
	c.transportMu.Lock()
	t := c.transport
	c.transportMu.Unlock()

	// Fallback connections cannot be resumed after failure; recreate the
	// transport before every attempt past the first.
	if c.method == transport.MethodWebSocket {
		_ = t.Cleanup()
		fresh, err := c.redial(c.ctx)
		if err != nil {
			return fmt.Errorf("reconnect websocket: %w", err)
		}
		c.transportMu.Lock()
		if err := c.ctx.Err(); err != nil {
			// Close won the race; it never saw this transport, so release
			// it here.
			c.transportMu.Unlock()
			_ = fresh.Cleanup()
			return err
		}
		c.transport = fresh
		c.transportMu.Unlock()
		t = fresh
	}

	// The attempt context bounds this channel's forwarder goroutines so a
	// forced reconnect does not strand them along with a half-open stream.
	attemptCtx, cancelAttempt := context.WithCancel(c.ctx)
	defer cancelAttempt()

	serverCh, clientCh, err := t.Channel(attemptCtx)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}

	select {
	case clientCh <- wire.Hello{Name: c.name, Token: c.token}:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	heartbeat := time.NewTicker(c.heartbeatEvery)
	defer heartbeat.Stop()
	reconnect := time.NewTimer(c.reconnectEvery)
	defer reconnect.Stop()

	for {
		select {
		case <-heartbeat.C:
			select {
			case clientCh <- wire.Heartbeat{}:
			case <-c.ctx.Done():
				return c.ctx.Err()
			}

		case msg := <-c.output:
			select {
			case clientCh <- msg:
			case <-c.ctx.Done():
				return c.ctx.Err()
			}

		case msg, ok := <-serverCh:
			if !ok {
				return fmt.Errorf("server channel closed")
			}
			for _, reply := range c.handleServerMessage(msg) {
				select {
				case clientCh <- reply:
				case <-c.ctx.Done():
					return c.ctx.Err()
				}
			}

		case <-reconnect.C:
			return nil

		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

// handleServerMessage dispatches one inbound envelope and returns any
// replies the caller must write to the wire itself. Replies cannot go
// through the output bus here: this runs on the goroutine that drains the
// bus, so a blocking send could deadlock when the bus is full. Nothing here
// is fatal: malformed or stale messages are logged and dropped so the
// channel loop survives anything the server sends.
func (c *Controller) handleServerMessage(msg wire.ServerMessage) []wire.ClientMessage {
	switch m := msg.(type) {
	case wire.TerminalInput:
		data := c.cipher.Segment(inputStreamID, m.Offset, m.Data)
		c.shellsMu.RLock()
		events, ok := c.shells[m.ID]
		c.shellsMu.RUnlock()
		if !ok {
			c.logger.Warn("input for unknown shell", "shell", m.ID)
			return nil
		}
		select {
		case events <- ShellEvent{Kind: EventData, Data: data}:
		default:
			c.logger.Warn("shell queue full, dropping input", "shell", m.ID)
		}
		return nil

	case wire.CreateShell:
		c.shellsMu.Lock()
		_, exists := c.shells[m.ID]
		if !exists {
			c.spawnShellTask(m.ID, m.X, m.Y)
		}
		c.shellsMu.Unlock()
		if exists {
			c.logger.Warn("duplicate create for shell", "shell", m.ID)
		}
		return nil

	case wire.CloseShell:
		// Closing the queue unwinds the task, whose teardown sends the
		// ClosedShell acknowledgment.
		c.shellsMu.Lock()
		if events, ok := c.shells[m.ID]; ok {
			close(events)
			delete(c.shells, m.ID)
		}
		c.shellsMu.Unlock()
		return nil

	case wire.Sync:
		var replies []wire.ClientMessage
		for id, seq := range m.Seqs {
			c.shellsMu.RLock()
			events, ok := c.shells[id]
			c.shellsMu.RUnlock()
			if !ok {
				// Stale shell on the server; acknowledge the close so it
				// can garbage-collect.
				c.logger.Warn("sync for unknown shell", "shell", id)
				replies = append(replies, wire.ClosedShell{ID: id})
				continue
			}
			select {
			case events <- ShellEvent{Kind: EventSync, Seq: seq}:
			default:
				// Droppable: the next sync self-corrects.
			}
		}
		return replies

	case wire.Resize:
		c.shellsMu.RLock()
		events, ok := c.shells[m.ID]
		c.shellsMu.RUnlock()
		if !ok {
			c.logger.Warn("resize for unknown shell", "shell", m.ID)
			return nil
		}
		select {
		case events <- ShellEvent{Kind: EventSize, Rows: m.Rows, Cols: m.Cols}:
		default:
			// Droppable: the latest size wins.
		}
		return nil

	case wire.Ping:
		return []wire.ClientMessage{wire.Pong{Timestamp: m.Timestamp}}

	case wire.ServerError:
		c.logger.Error("server reported error", "err", m.Message)
		return nil

	default:
		c.logger.Warn("unhandled server message", "type", fmt.Sprintf("%T", msg))
		return nil
	}
}

// send enqueues an outbound message, blocking so acknowledgments are never
// silently dropped. Cancellation is the only way out.
func (c *Controller) send(msg wire.ClientMessage) {
	select {
	case c.output <- msg:
	case <-c.ctx.Done():
	}
}

// spawnShellTask starts a shell task and registers its event queue. The
// caller holds shellsMu.
func (c *Controller) spawnShellTask(id uint32, x, y int32) {
	events := make(chan ShellEvent, shellBuffer)
	c.shells[id] = events

	go func() {
		defer func() {
			// The id may have been closed and recreated while this task was
			// unwinding; only deregister our own queue.
			c.shellsMu.Lock()
			if cur, ok := c.shells[id]; ok && cur == events {
				delete(c.shells, id)
			}
			c.shellsMu.Unlock()
			c.send(wire.ClosedShell{ID: id})
		}()

		c.logger.Info("spawning shell", "shell", id)
		c.send(wire.CreatedShell{ID: id, X: x, Y: y})

		if err := c.cfg.Runner.Run(c.ctx, id, c.cipher, events, c.output); err != nil {
			if c.ctx.Err() == nil {
				c.send(wire.ClientError{Message: fmt.Sprintf("shell %d: %v", id, err)})
			}
		}
	}()
}

// Close terminates the session: a best-effort server-side teardown followed
// by unconditional local teardown. Cancelling first stops the Run goroutine
// from installing another transport behind the snapshot taken here.
func (c *Controller) Close() error {
	c.cancel()

	c.transportMu.Lock()
	t := c.transport
	c.transportMu.Unlock()
	defer func() { _ = t.Cleanup() }()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := t.Close(ctx, wire.CloseRequest{Name: c.name, Token: c.token}); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	return nil
}

// randAlphanumeric generates a cryptographically secure random string.
func randAlphanumeric(length int) string {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			panic(fmt.Sprintf("read random: %v", err))
		}
		out[i] = charset[n.Int64()]
	}
	return string(out)
}
