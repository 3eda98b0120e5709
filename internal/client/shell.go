package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"

	"github.com/avkcode/termlink/internal/keystream"
	"github.com/avkcode/termlink/internal/terminal"
	"github.com/avkcode/termlink/internal/wire"
)

const (
	// chunkSize caps a single outbound data frame even when the server has
	// fallen far behind.
	chunkSize = 1 << 16
	// rollingBytes is the replayable backlog guaranteed to a lagging viewer.
	rollingBytes = 8 << 20
	// pruneBytes is the buffer size that triggers discarding old content.
	pruneBytes = 12 << 20

	// outputStreamBase tags each shell's output keystream; the low 32 bits
	// carry the shell id.
	outputStreamBase = 0x100000000
	// inputStreamID is the single time-multiplexed client input keystream.
	inputStreamID = 0x200000000

	// seqOutdatedThreshold is how many consecutive stale syncs it takes
	// before the server's sequence number is trusted over the local one.
	seqOutdatedThreshold = 3
)

// EventKind discriminates items routed to a shell task.
type EventKind int

const (
	// EventData is decrypted user input to write to the terminal.
	EventData EventKind = iota
	// EventSync reports the server's acknowledged byte offset.
	EventSync
	// EventSize resizes the terminal window.
	EventSize
)

// ShellEvent is one inbound item for a shell task.
type ShellEvent struct {
	Kind EventKind
	Data []byte
	Seq  uint64
	Rows uint32
	Cols uint32
}

// Runner produces and consumes the byte streams of a single shell.
type Runner interface {
	Run(ctx context.Context, id uint32, cipher *keystream.Cipher, events <-chan ShellEvent, output chan<- wire.ClientMessage) error
}

// ShellRunner spawns a PTY-backed subprocess per shell.
type ShellRunner struct {
	Shell  string
	Logger *slog.Logger
}

// Run bridges one PTY process and the controller's message bus.
func (r ShellRunner) Run(ctx context.Context, id uint32, cipher *keystream.Cipher, events <-chan ShellEvent, output chan<- wire.ClientMessage) error {
	command := r.Shell
	if command == "" {
		command = terminal.DefaultShell()
	}
	term, err := terminal.New(command)
	if err != nil {
		return fmt.Errorf("create terminal: %w", err)
	}
	defer term.Close()

	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return runShell(ctx, id, cipher, term, events, output, logger)
}

// pty is the slice of terminal.Terminal the shell loop needs; tests inject
// an in-memory fake.
type pty interface {
	io.ReadWriter
	SetWinsize(rows, cols uint16) error
}

// runShell is the event loop of one shell: a reader goroutine feeds terminal
// output while this goroutine applies inbound items, flushing and pruning
// the rolling buffer after every step.
func runShell(ctx context.Context, id uint32, cipher *keystream.Cipher, term pty, events <-chan ShellEvent, output chan<- wire.ClientMessage, logger *slog.Logger) error {
	if err := term.SetWinsize(24, 80); err != nil {
		logger.Warn("set initial window size", "shell", id, "err", err)
	}

	state := newShellState(id, cipher)

	termOut := make(chan []byte, 100)
	termErr := make(chan error, 1)
	go func() {
		defer close(termOut)
		buf := make([]byte, 4096)
		for {
			n, err := term.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case termOut <- data:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					termErr <- err
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case data, ok := <-termOut:
			if !ok {
				return nil
			}
			state.append(data)

		case err := <-termErr:
			return fmt.Errorf("terminal read: %w", err)

		case item, ok := <-events:
			if !ok {
				return nil
			}
			switch item.Kind {
			case EventData:
				if _, err := term.Write(item.Data); err != nil {
					return fmt.Errorf("terminal write: %w", err)
				}
			case EventSync:
				state.applySync(item.Seq)
			case EventSize:
				if err := term.SetWinsize(uint16(item.Rows), uint16(item.Cols)); err != nil {
					logger.Warn("resize terminal", "shell", id, "err", err)
				}
			}
		}

		if msg, ok := state.nextChunk(); ok {
			select {
			case output <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		state.prune()
	}
}

// shellState is the rolling output buffer and sequence bookkeeping of one
// shell. It is synchronous; runShell serializes all access.
type shellState struct {
	id     uint32
	cipher *keystream.Cipher

	content       []byte
	contentOffset int // absolute stream offset of content[0]
	seq           int // last offset we believe the server acknowledged
	seqOutdated   int // consecutive syncs reporting an older seq
}

func newShellState(id uint32, cipher *keystream.Cipher) *shellState {
	return &shellState{id: id, cipher: cipher}
}

// append adds terminal output, decoding best-effort as UTF-8: invalid lead
// bytes are dropped one at a time so a corrupt byte never stalls the stream.
func (s *shellState) append(data []byte) {
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			data = data[1:]
			continue
		}
		s.content = append(s.content, data[:size]...)
		data = data[size:]
	}
}

// applySync records the server's acknowledged offset. A lower value than
// ours is counted as outdated; after three in a row the server's value is
// trusted, which recovers from genuine server-side state loss while
// tolerating transiently reordered syncs.
func (s *shellState) applySync(seq uint64) {
	if seq < uint64(s.seq) {
		s.seqOutdated++
		if s.seqOutdated >= seqOutdatedThreshold {
			s.seq = int(seq)
		}
	}
}

// nextChunk returns the next data frame when the server is behind our
// buffer. The chunk starts at the acknowledged offset and carries at most
// chunkSize bytes, both ends snapped to UTF-8 boundaries; the local seq
// advances optimistically to the chunk's end.
func (s *shellState) nextChunk() (wire.ClientMessage, bool) {
	if s.contentOffset+len(s.content) <= s.seq {
		return nil, false
	}
	start := prevCharBoundary(s.content, s.seq-s.contentOffset)
	end := prevCharBoundary(s.content, min(start+chunkSize, len(s.content)))
	if end <= start {
		return nil, false
	}
	data := s.cipher.Segment(
		outputStreamBase|uint64(s.id),
		uint64(s.contentOffset+start),
		s.content[start:end],
	)
	msg := wire.TerminalData{
		ID:   s.id,
		Data: data,
		Seq:  uint64(s.contentOffset + start),
	}
	s.seq = s.contentOffset + end
	s.seqOutdated = 0
	return msg, true
}

// prune discards acknowledged history once the buffer outgrows pruneBytes,
// keeping rollingBytes of backlog behind the acknowledged offset so a
// lagging viewer can still be replayed to.
func (s *shellState) prune() {
	if len(s.content) <= pruneBytes || s.seq-rollingBytes <= s.contentOffset {
		return
	}
	pruned := prevCharBoundary(s.content, s.seq-rollingBytes-s.contentOffset)
	s.content = append(s.content[:0:0], s.content[pruned:]...)
	s.contentOffset += pruned
}

// prevCharBoundary snaps an index down to the nearest UTF-8 rune start.
func prevCharBoundary(b []byte, i int) int {
	if i >= len(b) {
		return len(b)
	}
	if i <= 0 {
		return 0
	}
	for i > 0 && !utf8.RuneStart(b[i]) {
		i--
	}
	return i
}

// EchoRunner is a conformance variant without a PTY: it re-encrypts and
// echoes whatever data it receives, using a monotonic byte counter as its
// sequence space. It validates the framing and encryption path independent
// of any OS process.
type EchoRunner struct{}

// Run implements Runner.
func (EchoRunner) Run(ctx context.Context, id uint32, cipher *keystream.Cipher, events <-chan ShellEvent, output chan<- wire.ClientMessage) error {
	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-events:
			if !ok {
				return nil
			}
			if item.Kind != EventData {
				continue
			}
			msg := wire.TerminalData{
				ID:   id,
				Data: cipher.Segment(outputStreamBase|uint64(id), seq, item.Data),
				Seq:  seq,
			}
			select {
			case output <- msg:
			case <-ctx.Done():
				return ctx.Err()
			}
			seq += uint64(len(item.Data))
		}
	}
}
