// Package sshclient implements the relay's remote session client on top of
// golang.org/x/crypto/ssh: password-authenticated connections and PTY-backed
// interactive shells with resize support.
package sshclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/webterm/internal/relay"
)

// DefaultTimeout bounds the TCP connect and SSH handshake when the dialer is
// created with a zero timeout.
const DefaultTimeout = 10 * time.Second

// Dialer opens SSH connections using the per-session credentials supplied by
// the client. Host keys are not verified: targets are chosen by the end user
// per session, so there is no key store to verify against.
type Dialer struct {
	Timeout time.Duration
}

// Dial connects and authenticates to the target. Password auth is tried
// first; keyboard-interactive answers every challenge with the same password
// for servers that only enable that method.
func (d *Dialer) Dial(ctx context.Context, target relay.RemoteTarget) (relay.RemoteConn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	password := target.Password
	conf := &ssh.ClientConfig{
		User: target.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := target.Addr()
	nd := net.Dialer{Timeout: timeout}
	netConn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, conf)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return &conn{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

type conn struct {
	client *ssh.Client
}

// OpenShell starts an interactive shell with a PTY of the given terminal
// type and geometry.
func (c *conn) OpenShell(termType string, rows, cols int) (relay.RemoteStream, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if err := session.RequestPty(termType, rows, cols, modes); err != nil {
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

	return &stream{session: session, stdin: stdin, stdout: stdout}, nil
}

func (c *conn) Close() error {
	return c.client.Close()
}

// stream adapts an ssh.Session to relay.RemoteStream. With a PTY allocated,
// stderr is merged into stdout by the remote side.
type stream struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (s *stream) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *stream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

func (s *stream) SetWindow(rows, cols int) error {
	return s.session.WindowChange(rows, cols)
}

// Close ends the SSH session, which unblocks any pending Read.
func (s *stream) Close() error {
	return s.session.Close()
}
