package client

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/avkcode/termlink/internal/keystream"
	"github.com/avkcode/termlink/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decryptChunk(cipher *keystream.Cipher, msg wire.TerminalData) []byte {
	return cipher.Segment(outputStreamBase|uint64(msg.ID), msg.Seq, msg.Data)
}

func TestShellStateChunking(t *testing.T) {
	cipher := keystream.Derive("chunking")
	state := newShellState(3, cipher)

	data := bytes.Repeat([]byte("0123456789abcdef"), (chunkSize+chunkSize/2)/16)
	state.append(data)

	msg, ok := state.nextChunk()
	if !ok {
		t.Fatal("expected a chunk")
	}
	first := msg.(wire.TerminalData)
	if first.Seq != 0 {
		t.Errorf("first chunk seq = %d, want 0", first.Seq)
	}
	if len(first.Data) > chunkSize {
		t.Errorf("chunk size = %d, want <= %d", len(first.Data), chunkSize)
	}
	if got := decryptChunk(cipher, first); !bytes.Equal(got, data[:len(first.Data)]) {
		t.Error("first chunk does not decrypt to the buffer prefix")
	}

	msg, ok = state.nextChunk()
	if !ok {
		t.Fatal("expected a second chunk")
	}
	second := msg.(wire.TerminalData)
	if second.Seq != uint64(len(first.Data)) {
		t.Errorf("second chunk seq = %d, want %d", second.Seq, len(first.Data))
	}
	if got := decryptChunk(cipher, second); !bytes.Equal(got, data[len(first.Data):]) {
		t.Error("second chunk does not decrypt to the buffer suffix")
	}

	if _, ok := state.nextChunk(); ok {
		t.Error("expected no chunk once fully sent")
	}
}

func TestShellStateChunkSnapsRuneBoundary(t *testing.T) {
	cipher := keystream.Derive("boundary")
	state := newShellState(1, cipher)

	// Fill so a multi-byte rune straddles the chunk limit.
	state.append(bytes.Repeat([]byte("x"), chunkSize-1))
	state.append([]byte("é~")) // 2-byte rune at offset chunkSize-1

	msg, ok := state.nextChunk()
	if !ok {
		t.Fatal("expected a chunk")
	}
	data := decryptChunk(cipher, msg.(wire.TerminalData))
	if len(data) != chunkSize-1 {
		t.Errorf("chunk length = %d, want %d (snapped below the split rune)", len(data), chunkSize-1)
	}

	msg, ok = state.nextChunk()
	if !ok {
		t.Fatal("expected the remainder chunk")
	}
	if got := decryptChunk(cipher, msg.(wire.TerminalData)); string(got) != "é~" {
		t.Errorf("remainder = %q, want %q", got, "é~")
	}
}

func TestShellStateResync(t *testing.T) {
	cipher := keystream.Derive("resync")
	state := newShellState(2, cipher)

	state.append([]byte("hello, world"))
	if _, ok := state.nextChunk(); !ok {
		t.Fatal("expected initial chunk")
	}

	// Two stale acknowledgments are tolerated as reordering.
	state.applySync(5)
	state.applySync(5)
	if state.seq != 12 {
		t.Fatalf("seq adopted after %d stale syncs, want %d", state.seqOutdated, seqOutdatedThreshold)
	}
	if _, ok := state.nextChunk(); ok {
		t.Fatal("no chunk expected while the local seq is trusted")
	}

	// The third consecutive one means the server really lost state.
	state.applySync(5)
	if state.seq != 5 {
		t.Fatalf("seq = %d after threshold, want 5", state.seq)
	}

	msg, ok := state.nextChunk()
	if !ok {
		t.Fatal("expected a resent chunk")
	}
	resent := msg.(wire.TerminalData)
	if resent.Seq != 5 {
		t.Errorf("resent seq = %d, want 5", resent.Seq)
	}
	if got := decryptChunk(cipher, resent); string(got) != ", world" {
		t.Errorf("resent data = %q, want %q", got, ", world")
	}
	if state.seqOutdated != 0 {
		t.Errorf("seqOutdated = %d after flush, want 0", state.seqOutdated)
	}
}

func TestShellStateResendAfterReconnect(t *testing.T) {
	cipher := keystream.Derive("reconnect")
	state := newShellState(5, cipher)

	total := 100000
	payload := bytes.Repeat([]byte("r"), total)
	state.append(payload)
	for {
		if _, ok := state.nextChunk(); !ok {
			break
		}
	}
	if state.seq != total {
		t.Fatalf("seq = %d after full flush, want %d", state.seq, total)
	}

	// A fresh channel reports the server's durable position; after the
	// threshold the buffered tail is resent from there.
	for i := 0; i < seqOutdatedThreshold; i++ {
		state.applySync(50000)
	}

	var resent []byte
	next := uint64(50000)
	for {
		msg, ok := state.nextChunk()
		if !ok {
			break
		}
		data := msg.(wire.TerminalData)
		if data.Seq != next {
			t.Fatalf("chunk seq = %d, want %d", data.Seq, next)
		}
		plain := decryptChunk(cipher, data)
		resent = append(resent, plain...)
		next += uint64(len(plain))
	}
	if !bytes.Equal(resent, payload[50000:]) {
		t.Errorf("resent %d bytes, want the %d-byte tail from offset 50000", len(resent), total-50000)
	}
}

func TestShellStateResyncCounterResets(t *testing.T) {
	state := newShellState(1, keystream.Derive("reset"))
	state.append([]byte("0123456789"))
	if _, ok := state.nextChunk(); !ok {
		t.Fatal("expected chunk")
	}

	state.applySync(3)
	state.applySync(3)
	state.append([]byte("more"))
	if _, ok := state.nextChunk(); !ok {
		t.Fatal("expected chunk")
	}
	// The flush reset the stale counter, so two more are tolerated again.
	state.applySync(3)
	state.applySync(3)
	if state.seq != 14 {
		t.Errorf("seq = %d, want 14 (counter should have reset on flush)", state.seq)
	}
}

func TestShellStatePrune(t *testing.T) {
	if testing.Short() {
		t.Skip("allocates tens of megabytes")
	}
	state := newShellState(1, keystream.Derive("prune"))

	chunk := bytes.Repeat([]byte("a"), 1<<20)
	for i := 0; i < 13; i++ {
		state.append(chunk)
		for {
			if _, ok := state.nextChunk(); !ok {
				break
			}
		}
		state.prune()
	}

	if state.contentOffset > state.seq {
		t.Errorf("contentOffset %d exceeds acknowledged seq %d", state.contentOffset, state.seq)
	}
	if retained := state.seq - state.contentOffset; retained < rollingBytes {
		t.Errorf("retained %d bytes behind seq, want >= %d", retained, rollingBytes)
	}
	if state.contentOffset == 0 {
		t.Error("expected pruning to discard old content")
	}
	if len(state.content) > pruneBytes {
		t.Errorf("buffer still %d bytes after prune, want <= %d", len(state.content), pruneBytes)
	}
}

func TestShellStateAppendFiltersInvalidBytes(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"ascii", []byte("plain"), "plain"},
		{"multibyte", []byte("héllo"), "héllo"},
		{"lone continuation", []byte{'a', 0x80, 'b'}, "ab"},
		{"truncated rune", []byte{'a', 0xE2, 0x82}, "a"},
		{"all invalid", []byte{0xFF, 0xFE}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := newShellState(1, keystream.Derive("utf8"))
			state.append(tt.in)
			if string(state.content) != tt.want {
				t.Errorf("append(%q) kept %q, want %q", tt.in, state.content, tt.want)
			}
		})
	}
}

func TestPrevCharBoundary(t *testing.T) {
	b := []byte("aé€b") // 1 + 2 + 3 + 1 bytes
	tests := []struct {
		i, want int
	}{
		{0, 0},
		{1, 1},
		{2, 1},
		{3, 3},
		{4, 3},
		{5, 3},
		{6, 6},
		{7, 7},
		{99, 7},
	}
	for _, tt := range tests {
		if got := prevCharBoundary(b, tt.i); got != tt.want {
			t.Errorf("prevCharBoundary(%d) = %d, want %d", tt.i, got, tt.want)
		}
	}
}

// fakePTY is an in-memory stand-in for a terminal process.
type fakePTY struct {
	reads  chan []byte
	writes chan []byte
	sizes  chan [2]uint16
}

func newFakePTY() *fakePTY {
	return &fakePTY{
		reads:  make(chan []byte, 8),
		writes: make(chan []byte, 8),
		sizes:  make(chan [2]uint16, 8),
	}
}

func (f *fakePTY) Read(p []byte) (int, error) {
	data, ok := <-f.reads
	if !ok {
		return 0, io.EOF
	}
	return copy(p, data), nil
}

func (f *fakePTY) Write(p []byte) (int, error) {
	f.writes <- append([]byte(nil), p...)
	return len(p), nil
}

func (f *fakePTY) SetWinsize(rows, cols uint16) error {
	f.sizes <- [2]uint16{rows, cols}
	return nil
}

func TestRunShell(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cipher := keystream.Derive("runshell")
	term := newFakePTY()
	events := make(chan ShellEvent, 4)
	output := make(chan wire.ClientMessage, 4)

	done := make(chan error, 1)
	go func() {
		done <- runShell(ctx, 7, cipher, term, events, output, testLogger())
	}()

	if size := <-term.sizes; size != [2]uint16{24, 80} {
		t.Errorf("initial winsize = %v, want {24 80}", size)
	}

	// Terminal output gets encrypted and framed.
	term.reads <- []byte("prompt$ ")
	select {
	case msg := <-output:
		data := msg.(wire.TerminalData)
		if data.ID != 7 || data.Seq != 0 {
			t.Errorf("frame id/seq = %d/%d, want 7/0", data.ID, data.Seq)
		}
		if got := decryptChunk(cipher, data); string(got) != "prompt$ " {
			t.Errorf("frame decrypts to %q, want %q", got, "prompt$ ")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for output frame")
	}

	// Input and resize events reach the terminal.
	events <- ShellEvent{Kind: EventData, Data: []byte("ls\n")}
	if got := <-term.writes; string(got) != "ls\n" {
		t.Errorf("terminal received %q, want %q", got, "ls\n")
	}
	events <- ShellEvent{Kind: EventSize, Rows: 50, Cols: 120}
	if size := <-term.sizes; size != [2]uint16{50, 120} {
		t.Errorf("winsize = %v, want {50 120}", size)
	}

	// Closing the event queue ends the task cleanly.
	close(events)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("runShell returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for task exit")
	}
}

func TestEchoRunner(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cipher := keystream.Derive("echo")
	events := make(chan ShellEvent, 4)
	output := make(chan wire.ClientMessage, 4)

	done := make(chan error, 1)
	go func() {
		done <- EchoRunner{}.Run(ctx, 9, cipher, events, output)
	}()

	events <- ShellEvent{Kind: EventData, Data: []byte("abc")}
	events <- ShellEvent{Kind: EventSync, Seq: 0} // ignored
	events <- ShellEvent{Kind: EventData, Data: []byte("defg")}

	first := (<-output).(wire.TerminalData)
	if first.Seq != 0 || string(decryptChunk(cipher, first)) != "abc" {
		t.Errorf("first echo seq=%d data=%q", first.Seq, decryptChunk(cipher, first))
	}
	second := (<-output).(wire.TerminalData)
	if second.Seq != 3 || string(decryptChunk(cipher, second)) != "defg" {
		t.Errorf("second echo seq=%d data=%q", second.Seq, decryptChunk(cipher, second))
	}

	close(events)
	if err := <-done; err != nil {
		t.Errorf("echo runner returned %v, want nil", err)
	}
}
