// Package relay implements the session lifecycle core of the terminal relay:
// a bounded session registry, a per-session state machine driven by an
// explicit event loop, an idle watchdog, and a graceful drain for shutdown.
//
// The package is transport- and protocol-agnostic at its edges: the browser
// side is a ClientTransport (a WebSocket in production), the remote side is a
// RemoteDialer (SSH in production). Both are narrow interfaces so the state
// machine can be tested against in-memory fakes.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"
)

// ErrCapacity is returned by Registry.Admit when the concurrent session
// ceiling has been reached. The transport is never registered; the caller
// sends a single error envelope and closes it.
var ErrCapacity = errors.New("session limit reached")

// ClientTransport is the browser-facing duplex channel. A session owns its
// transport exclusively. Closing the transport must unblock a pending
// ReadMessage promptly.
type ClientTransport interface {
	// ReadMessage blocks until the next inbound message or a terminal error.
	ReadMessage(ctx context.Context) ([]byte, error)
	// WriteMessage sends one outbound message.
	WriteMessage(ctx context.Context, data []byte) error
	// Close ends the connection with an optional human-readable reason.
	// Repeated calls are harmless.
	Close(reason string) error
}

// RemoteTarget identifies the remote host a session connects to. Set once per
// session upon the connect request and never mutated afterward.
type RemoteTarget struct {
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns the dialable host:port string.
func (t RemoteTarget) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// RemoteDialer opens authenticated connections to remote hosts. Implemented
// by sshclient in production.
type RemoteDialer interface {
	Dial(ctx context.Context, target RemoteTarget) (RemoteConn, error)
}

// RemoteConn is an authenticated connection to a remote host.
type RemoteConn interface {
	// OpenShell starts an interactive shell with the given terminal type and
	// initial geometry, returning its duplex byte stream.
	OpenShell(termType string, rows, cols int) (RemoteStream, error)
	Close() error
}

// RemoteStream is the duplex byte channel to a remote shell. Read returns
// io.EOF on orderly shell exit. Close must unblock a pending Read.
type RemoteStream interface {
	io.ReadWriteCloser
	// SetWindow forwards a terminal geometry change.
	SetWindow(rows, cols int) error
}

// Recorder receives session lifecycle events for auditing. Implementations
// must be safe for concurrent use and must never block for long; failures are
// theirs to log.
type Recorder interface {
	RecordEvent(sessionID, kind, host, username, detail string)
}

// nopRecorder is used when auditing is disabled.
type nopRecorder struct{}

func (nopRecorder) RecordEvent(string, string, string, string, string) {}

// Options configures a Registry and the sessions it creates.
type Options struct {
	// MaxSessions is the concurrent session ceiling. Zero or negative falls
	// back to DefaultMaxSessions.
	MaxSessions int
	// IdleTimeout closes a session after this long without an inbound client
	// message. Zero or negative disables the watchdog.
	IdleTimeout time.Duration
	// TermType is the terminal type requested from the remote shell.
	TermType string
	// RateLimit and RateBurst bound inbound client messages per second.
	RateLimit int
	RateBurst int

	Dialer   RemoteDialer
	Recorder Recorder
}

// Defaults applied by NewRegistry.
const (
	DefaultMaxSessions = 10
	DefaultIdleTimeout = 5 * time.Minute
	DefaultTermType    = "xterm-256color"
	DefaultRateLimit   = 200
	DefaultRateBurst   = 200
)

func (o *Options) applyDefaults() {
	if o.MaxSessions <= 0 {
		o.MaxSessions = DefaultMaxSessions
	}
	if o.TermType == "" {
		o.TermType = DefaultTermType
	}
	if o.RateLimit <= 0 {
		o.RateLimit = DefaultRateLimit
	}
	if o.RateBurst <= 0 {
		o.RateBurst = DefaultRateBurst
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
}
