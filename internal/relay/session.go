package relay

import (
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gluk-w/webterm/internal/protocol"
)

// Phase is a session's position in its lifecycle state machine.
type Phase string

const (
	// PhaseAdmitted: registered, waiting for a connect request.
	PhaseAdmitted Phase = "admitted"
	// PhaseConnecting: remote handshake in flight.
	PhaseConnecting Phase = "connecting"
	// PhaseActive: shell stream open, bytes relaying both ways.
	PhaseActive Phase = "active"
	// PhaseClosing: teardown in progress.
	PhaseClosing Phase = "closing"
	// PhaseClosed: terminal state, removed from the registry.
	PhaseClosed Phase = "closed"
)

// MaxInputMessageSize is the maximum size in bytes for a single inbound
// client message. Larger messages are dropped.
const MaxInputMessageSize = 64 * 1024

// MaxResizeRows and MaxResizeCols bound terminal resize requests.
const (
	MaxResizeRows = 500
	MaxResizeCols = 500
)

// Initial PTY geometry until the client sends a resize.
const (
	defaultRows = 24
	defaultCols = 80
)

// sendTimeout bounds a single outbound transport write.
const sendTimeout = 5 * time.Second

type eventKind int

const (
	evClientEnvelope eventKind = iota
	evClientMalformed
	evClientClosed
	evRemoteReady
	evRemoteFailed
	evRemoteData
	evRemoteClosed
	evRemoteWriteFailed
	evIdleTimeout
)

type event struct {
	kind   eventKind
	env    protocol.ClientEnvelope
	err    error
	conn   RemoteConn
	stream RemoteStream
	data   []byte
}

// Session owns one client connection end to end: admission, remote
// handshake, bidirectional relay, and teardown. All state transitions happen
// on a single event loop goroutine fed by an explicit event channel; the
// client reader, the remote reader, the remote writer, the dial helper, and
// the watchdog only post events. Remote writes go through a dedicated writer
// goroutine so a stalled remote can never block the loop; teardown closes the
// stream, which unblocks a parked write. Outbound envelope writes are
// serialized by sendMu so the shutdown sweep can inject a disconnect
// concurrently with the loop.
type Session struct {
	id        int64
	createdAt time.Time
	transport ClientTransport
	reg       *Registry
	opts      Options

	events chan event
	writes chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	sendMu    sync.Mutex

	mu       sync.Mutex
	phase    Phase
	target   RemoteTarget
	remote   RemoteConn
	stream   RemoteStream
	watchdog *watchdog
}

func newSession(id int64, transport ClientTransport, reg *Registry, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		createdAt: time.Now(),
		transport: transport,
		reg:       reg,
		opts:      opts,
		events:    make(chan event, 64),
		writes:    make(chan []byte, 64),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		phase:     PhaseAdmitted,
	}
	s.watchdog = newWatchdog(opts.IdleTimeout, func() {
		s.post(event{kind: evIdleTimeout})
	})
	return s
}

// ID returns the session's numeric id.
func (s *Session) ID() int64 { return s.id }

// IDString returns the session id as assigned on the wire and in audit rows.
func (s *Session) IDString() string { return strconv.FormatInt(s.id, 10) }

// CreatedAt returns the admission time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Target returns the remote target, zero until a connect request was accepted.
func (s *Session) Target() RemoteTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.target
	t.Password = ""
	return t
}

// Done is closed when the session reaches PhaseClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the session until teardown. It blocks; the caller is typically
// the WebSocket handler goroutine. Cancelling ctx tears the session down.
func (s *Session) Run(ctx context.Context) {
	defer s.teardown("")

	go func() {
		select {
		case <-ctx.Done():
			s.teardown("")
		case <-s.done:
		}
	}()

	go s.readClient()
	s.loop()
}

// Shutdown sends a best-effort disconnect envelope with the given reason and
// tears the session down. Safe to call from any goroutine, any number of
// times, in any phase.
func (s *Session) Shutdown(reason string) {
	if s.Phase() == PhaseClosed {
		return
	}
	s.send(protocol.Disconnect(reason))
	s.teardown(reason)
}

// post delivers an event to the loop, giving up once teardown has begun.
func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// readClient pumps inbound transport messages into the event loop. Runs until
// the transport fails or the session context ends. Rate limiting and the
// input size cap live here so a flooding client cannot fill the event queue.
func (s *Session) readClient() {
	limiter := newTokenBucket(s.opts.RateBurst, s.opts.RateLimit)
	for {
		data, err := s.transport.ReadMessage(s.ctx)
		if err != nil {
			s.post(event{kind: evClientClosed, err: err})
			return
		}
		if !limiter.allow() {
			continue
		}
		if len(data) > MaxInputMessageSize {
			log.Printf("[session %d] dropping oversized message (%d bytes, limit %d)", s.id, len(data), MaxInputMessageSize)
			continue
		}
		env, err := protocol.DecodeClient(data)
		if err != nil {
			if !s.post(event{kind: evClientMalformed, err: err}) {
				return
			}
			continue
		}
		if !s.post(event{kind: evClientEnvelope, env: env}) {
			return
		}
	}
}

// loop is the single goroutine that owns all state transitions.
func (s *Session) loop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ev)
		}
		// Teardown cancels the context; prefer that over a racing event.
		select {
		case <-s.ctx.Done():
			return
		default:
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evClientEnvelope:
		s.watchdog.Arm()
		s.handleEnvelope(ev.env)

	case evClientMalformed:
		s.watchdog.Arm()
		log.Printf("[session %d] %v", s.id, ev.err)
		s.send(protocol.Error(ev.err.Error()))

	case evClientClosed:
		// No further sends possible.
		s.teardown("client transport closed")

	case evRemoteReady:
		if s.Phase() != PhaseConnecting {
			// Teardown raced the handshake; release the late arrivals.
			ev.stream.Close()
			ev.conn.Close()
			return
		}
		s.mu.Lock()
		s.remote = ev.conn
		s.stream = ev.stream
		s.phase = PhaseActive
		target := s.target
		s.mu.Unlock()

		log.Printf("[session %d] connected to %s as %s", s.id, target.Addr(), target.Username)
		s.opts.Recorder.RecordEvent(s.IDString(), "connected", target.Host, target.Username, "")
		s.send(protocol.Connected())
		go s.readRemote(ev.stream)
		go s.writeRemote(ev.stream)

	case evRemoteFailed:
		log.Printf("[session %d] remote handshake failed: %v", s.id, ev.err)
		s.send(protocol.Error(ev.err.Error()))
		s.teardown(fmt.Sprintf("remote handshake failed: %v", ev.err))

	case evRemoteData:
		s.send(protocol.Data(string(ev.data)))

	case evRemoteWriteFailed:
		log.Printf("[session %d] remote write failed: %v", s.id, ev.err)
		s.send(protocol.Error(fmt.Sprintf("remote write failed: %v", ev.err)))
		s.teardown(fmt.Sprintf("remote write failed: %v", ev.err))

	case evRemoteClosed:
		if ev.err != nil && ev.err != io.EOF {
			log.Printf("[session %d] remote stream error: %v", s.id, ev.err)
			s.send(protocol.Error(fmt.Sprintf("remote stream error: %v", ev.err)))
			s.teardown(fmt.Sprintf("remote stream error: %v", ev.err))
			return
		}
		s.send(protocol.Disconnect(""))
		s.teardown("remote stream closed")

	case evIdleTimeout:
		phase := s.Phase()
		if phase != PhaseConnecting && phase != PhaseActive {
			// Firing is only defined while connecting or active.
			s.watchdog.Arm()
			return
		}
		log.Printf("[session %d] idle timeout after %s", s.id, s.opts.IdleTimeout)
		s.send(protocol.Disconnect("idle"))
		s.teardown("idle")
	}
}

func (s *Session) handleEnvelope(env protocol.ClientEnvelope) {
	switch env.Type {
	case protocol.TypeConnect:
		if s.Phase() != PhaseAdmitted {
			log.Printf("[session %d] ignoring connect in phase %s", s.id, s.Phase())
			return
		}
		if err := env.Connect.Validate(); err != nil {
			s.send(protocol.Error(err.Error()))
			return
		}
		target := RemoteTarget{
			Host:     env.Connect.Host,
			Port:     env.Connect.Port,
			Username: env.Connect.Username,
			Password: env.Connect.Password,
		}
		s.mu.Lock()
		s.target = target
		s.phase = PhaseConnecting
		s.mu.Unlock()
		log.Printf("[session %d] connecting to %s as %s", s.id, target.Addr(), target.Username)
		go s.dialRemote(target)

	case protocol.TypeData:
		if s.Phase() != PhaseActive {
			log.Printf("[session %d] ignoring data in phase %s", s.id, s.Phase())
			return
		}
		// Hand off to the writer goroutine; the loop must never block on the
		// remote. A full queue means the remote stopped consuming stdin.
		select {
		case s.writes <- []byte(env.Data):
		default:
			log.Printf("[session %d] dropping %d bytes of input: remote write queue full", s.id, len(env.Data))
		}

	case protocol.TypeResize:
		if s.Phase() != PhaseActive {
			log.Printf("[session %d] ignoring resize in phase %s", s.id, s.Phase())
			return
		}
		rows, cols := env.Resize.Rows, env.Resize.Cols
		if rows <= 0 || cols <= 0 {
			log.Printf("[session %d] ignoring resize to %dx%d", s.id, rows, cols)
			return
		}
		if rows > MaxResizeRows {
			rows = MaxResizeRows
		}
		if cols > MaxResizeCols {
			cols = MaxResizeCols
		}
		if err := s.currentStream().SetWindow(rows, cols); err != nil {
			log.Printf("[session %d] resize to %dx%d failed: %v", s.id, rows, cols, err)
		}

	case protocol.TypeDisconnect:
		// Voluntary; no error envelope.
		s.teardown("client disconnect")

	case protocol.TypePing:
		s.send(protocol.Pong())

	default:
		log.Printf("[session %d] ignoring unknown envelope type %q", s.id, env.Unknown)
	}
}

func (s *Session) currentStream() RemoteStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// dialRemote performs the remote handshake off the loop and posts the result.
func (s *Session) dialRemote(target RemoteTarget) {
	conn, err := s.opts.Dialer.Dial(s.ctx, target)
	if err != nil {
		s.post(event{kind: evRemoteFailed, err: err})
		return
	}
	stream, err := conn.OpenShell(s.opts.TermType, defaultRows, defaultCols)
	if err != nil {
		conn.Close()
		s.post(event{kind: evRemoteFailed, err: err})
		return
	}
	if !s.post(event{kind: evRemoteReady, conn: conn, stream: stream}) {
		stream.Close()
		conn.Close()
	}
}

// writeRemote owns all writes to the remote stream. Queued input drains in
// FIFO order; a write parked on a stalled remote is unblocked when teardown
// closes the stream.
func (s *Session) writeRemote(stream RemoteStream) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.writes:
			if _, err := stream.Write(data); err != nil {
				s.post(event{kind: evRemoteWriteFailed, err: err})
				return
			}
		}
	}
}

// readRemote pumps remote shell output into the event loop, preserving FIFO
// order relative to the stream-closed event.
func (s *Session) readRemote(stream RemoteStream) {
	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !s.post(event{kind: evRemoteData, data: data}) {
				return
			}
		}
		if err != nil {
			s.post(event{kind: evRemoteClosed, err: err})
			return
		}
	}
}

// send encodes and writes one outbound envelope. Write failures are logged,
// not fatal: if the transport is truly gone the reader will notice and tear
// the session down through its own path.
func (s *Session) send(env protocol.ServerEnvelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		log.Printf("[session %d] %v", s.id, err)
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.transport.WriteMessage(ctx, data); err != nil {
		log.Printf("[session %d] write %s envelope: %v", s.id, env.Type, err)
	}
}

// teardown runs the single cleanup path: disarm the watchdog, close the
// remote stream and connection, close the client transport, remove the
// session from the registry. Each step tolerates failure independently, and
// the whole thing runs at most once; later calls are no-ops.
func (s *Session) teardown(reason string) {
	s.closeOnce.Do(func() {
		s.setPhase(PhaseClosing)
		s.cancel()
		s.watchdog.Cancel()

		s.mu.Lock()
		stream, remote := s.stream, s.remote
		target := s.target
		s.mu.Unlock()

		if stream != nil {
			if err := stream.Close(); err != nil {
				log.Printf("[session %d] close remote stream: %v", s.id, err)
			}
		}
		if remote != nil {
			if err := remote.Close(); err != nil {
				log.Printf("[session %d] close remote connection: %v", s.id, err)
			}
		}
		if err := s.transport.Close(reason); err != nil {
			log.Printf("[session %d] close transport: %v", s.id, err)
		}

		s.setPhase(PhaseClosed)
		s.reg.remove(s.id)
		s.opts.Recorder.RecordEvent(s.IDString(), "closed", target.Host, target.Username, reason)
		log.Printf("[session %d] closed: %s", s.id, reason)
		close(s.done)
	})
}
