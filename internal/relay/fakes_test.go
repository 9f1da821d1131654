package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

var errTransportClosed = errors.New("transport closed")

// fakeTransport is an in-memory ClientTransport. Tests push inbound messages
// through send and observe outbound envelopes through the outbound channel.
type fakeTransport struct {
	inbound  chan []byte
	outbound chan []byte

	mu          sync.Mutex
	closed      bool
	closeReason string
	closedCh    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan []byte, 64),
		outbound: make(chan []byte, 256),
		closedCh: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-t.inbound:
		return msg, nil
	case <-t.closedCh:
		return nil, errTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) WriteMessage(ctx context.Context, data []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errTransportClosed
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case t.outbound <- cp:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.closeReason = reason
		close(t.closedCh)
	}
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) send(tb testing.TB, raw string) {
	tb.Helper()
	select {
	case t.inbound <- []byte(raw):
	case <-time.After(time.Second):
		tb.Fatalf("timeout sending %q", raw)
	}
}

// wireEnvelope mirrors the outbound JSON shape for assertions.
type wireEnvelope struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// nextEnvelope waits for the next outbound envelope.
func (t *fakeTransport) nextEnvelope(tb testing.TB) wireEnvelope {
	tb.Helper()
	select {
	case data := <-t.outbound:
		var env wireEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			tb.Fatalf("malformed outbound envelope %q: %v", data, err)
		}
		return env
	case <-time.After(2 * time.Second):
		tb.Fatal("timeout waiting for outbound envelope")
		return wireEnvelope{}
	}
}

func (t *fakeTransport) expectEnvelope(tb testing.TB, typ string) wireEnvelope {
	tb.Helper()
	env := t.nextEnvelope(tb)
	if env.Type != typ {
		tb.Fatalf("expected %s envelope, got %s (content %s)", typ, env.Type, env.Content)
	}
	return env
}

func (t *fakeTransport) expectNoEnvelope(tb testing.TB, wait time.Duration) {
	tb.Helper()
	select {
	case data := <-t.outbound:
		tb.Fatalf("unexpected outbound envelope %s", data)
	case <-time.After(wait):
	}
}

// fakeStream is an in-memory RemoteStream. The remote side pushes output via
// push and ends the stream via closeRemote. blockWrites parks Write until the
// stream closes, mimicking an exhausted channel window; writeErr fails every
// Write immediately.
type fakeStream struct {
	out         chan []byte
	resizes     chan [2]int
	blockWrites bool
	writeErr    error

	mu      sync.Mutex
	written bytes.Buffer
	readErr error

	closeOnce sync.Once
	closedCh  chan struct{}
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		out:      make(chan []byte, 64),
		resizes:  make(chan [2]int, 16),
		closedCh: make(chan struct{}),
	}
}

func (s *fakeStream) Read(p []byte) (int, error) {
	select {
	case data := <-s.out:
		n := copy(p, data)
		return n, nil
	case <-s.closedCh:
		// Drain anything queued before the close.
		select {
		case data := <-s.out:
			n := copy(p, data)
			return n, nil
		default:
		}
		s.mu.Lock()
		err := s.readErr
		s.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
}

func (s *fakeStream) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.blockWrites {
		<-s.closedCh
		return 0, errors.New("stream closed")
	}
	select {
	case <-s.closedCh:
		return 0, errors.New("stream closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written.Write(p)
	return len(p), nil
}

func (s *fakeStream) SetWindow(rows, cols int) error {
	s.resizes <- [2]int{rows, cols}
	return nil
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closedCh) })
	return nil
}

// push queues remote output for the session to read.
func (s *fakeStream) push(data string) {
	s.out <- []byte(data)
}

// closeRemote ends the stream as the remote side would, optionally with an
// error instead of EOF.
func (s *fakeStream) closeRemote(err error) {
	s.mu.Lock()
	s.readErr = err
	s.mu.Unlock()
	s.Close()
}

func (s *fakeStream) writtenString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

type fakeConn struct {
	stream   *fakeStream
	shellErr error

	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) OpenShell(termType string, rows, cols int) (RemoteStream, error) {
	if c.shellErr != nil {
		return nil, c.shellErr
	}
	return c.stream, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer hands out fakeConns and records dial attempts. blockWrites and
// writeErr are propagated to the streams it creates.
type fakeDialer struct {
	mu          sync.Mutex
	dialErr     error
	shellErr    error
	blockWrites bool
	writeErr    error
	conns       []*fakeConn
	targets     []RemoteTarget
}

func (d *fakeDialer) Dial(ctx context.Context, target RemoteTarget) (RemoteConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.targets = append(d.targets, target)
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	stream := newFakeStream()
	stream.blockWrites = d.blockWrites
	stream.writeErr = d.writeErr
	conn := &fakeConn{stream: stream, shellErr: d.shellErr}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.targets)
}

func (d *fakeDialer) lastConn(tb testing.TB) *fakeConn {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		n := len(d.conns)
		var conn *fakeConn
		if n > 0 {
			conn = d.conns[n-1]
		}
		d.mu.Unlock()
		if conn != nil {
			return conn
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatal("timeout waiting for a dialed connection")
	return nil
}

// recordingRecorder captures audit callbacks for assertions.
type recordingRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	SessionID, Kind, Host, Username, Detail string
}

func (r *recordingRecorder) RecordEvent(sessionID, kind, host, username, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{sessionID, kind, host, username, detail})
}

func (r *recordingRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("timeout waiting for %s", what)
}
