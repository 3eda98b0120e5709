// Package terminal wraps a local subprocess behind a PTY. The rest of the
// client treats it as an opaque byte pipe with a window size; no escape
// sequences are interpreted here.
package terminal

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
)

// Terminal is one PTY-backed subprocess.
type Terminal struct {
	cmd *exec.Cmd
	f   *os.File
}

// New starts command under a fresh PTY.
func New(command string) (*Terminal, error) {
	cmd := exec.Command(command)
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"TERM_PROGRAM=termlink",
	)
	f, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return &Terminal{cmd: cmd, f: f}, nil
}

// Read reads output produced by the subprocess.
func (t *Terminal) Read(p []byte) (int, error) { return t.f.Read(p) }

// Write feeds input to the subprocess.
func (t *Terminal) Write(p []byte) (int, error) { return t.f.Write(p) }

// SetWinsize resizes the PTY.
func (t *Terminal) SetWinsize(rows, cols uint16) error {
	return pty.Setsize(t.f, &pty.Winsize{Rows: rows, Cols: cols})
}

// Close releases the PTY and terminates the subprocess, escalating from
// SIGINT to SIGKILL if it does not exit within two seconds.
func (t *Terminal) Close() error {
	var firstErr error
	if t.f != nil {
		if err := t.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		t.f = nil
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Signal(os.Interrupt)
		done := make(chan error, 1)
		go func() { done <- t.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			if err := t.cmd.Process.Kill(); err != nil && firstErr == nil {
				firstErr = err
			}
			<-done
		}
		t.cmd = nil
	}
	return firstErr
}

// DefaultShell returns $SHELL or the first common shell found on disk.
func DefaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	for _, shell := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(shell); err == nil {
			return shell
		}
	}
	return "sh"
}

var _ io.ReadWriteCloser = (*Terminal)(nil)
