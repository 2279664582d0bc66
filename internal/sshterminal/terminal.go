// Package sshterminal provides interactive remote shells over SSH and the
// session bookkeeping around them: persisted session records, activity
// tracking and idle eviction.
package sshterminal

import (
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// MaxInputMessageSize is the maximum size in bytes for a single terminal
// input frame. Larger frames are dropped.
const MaxInputMessageSize = 64 * 1024

// MaxResizeCols and MaxResizeRows bound terminal resize requests.
const (
	MaxResizeCols uint16 = 500
	MaxResizeRows uint16 = 500
)

// Terminal wraps an SSH session with a PTY for interactive shell access.
type Terminal struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	Session *ssh.Session
}

// Resize changes the PTY dimensions, clamping to the allowed bounds.
func (t *Terminal) Resize(cols, rows uint16) error {
	if cols > MaxResizeCols {
		cols = MaxResizeCols
	}
	if rows > MaxResizeRows {
		rows = MaxResizeRows
	}
	return t.Session.WindowChange(int(rows), int(cols))
}

// Close terminates the SSH session.
func (t *Terminal) Close() error {
	return t.Session.Close()
}

// NewTerminal opens an SSH session with a PTY and starts the remote user's
// login shell. Stderr is merged into the PTY stream by the remote side.
func NewTerminal(client *ssh.Client) (*Terminal, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &Terminal{
		Stdin:   stdin,
		Stdout:  stdout,
		Session: session,
	}, nil
}
