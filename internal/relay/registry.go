package relay

import (
	"log"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Registry is the source of truth for live sessions. It owns the id→session
// table, enforces the concurrent session ceiling at admission, and hands out
// monotonically increasing session ids. Entries are removed exactly once, by
// the owning session's teardown.
type Registry struct {
	mu       sync.Mutex
	opts     Options
	nextID   int64
	sessions map[int64]*Session
}

// NewRegistry creates a registry with the given options, filling defaults.
func NewRegistry(opts Options) *Registry {
	opts.applyDefaults()
	return &Registry{
		opts:     opts,
		sessions: make(map[int64]*Session),
	}
}

// Admit allocates a session for the transport, or returns ErrCapacity when
// the ceiling is reached. The check and the insert happen under one lock so
// concurrent admissions can never overshoot the ceiling. A rejected transport
// is never registered; closing it is the caller's job.
func (r *Registry) Admit(transport ClientTransport) (*Session, error) {
	r.mu.Lock()
	if len(r.sessions) >= r.opts.MaxSessions {
		count := len(r.sessions)
		r.mu.Unlock()
		log.Printf("[registry] admission rejected: %d/%d sessions in use", count, r.opts.MaxSessions)
		return nil, ErrCapacity
	}
	r.nextID++
	s := newSession(r.nextID, transport, r, r.opts)
	r.sessions[s.id] = s
	r.mu.Unlock()

	log.Printf("[registry] session %d admitted (%d/%d)", s.id, r.Count(), r.opts.MaxSessions)
	r.opts.Recorder.RecordEvent(s.IDString(), "admitted", "", "", "")
	return s, nil
}

// remove drops the entry for id. No-op when absent. Called from session
// teardown only, with no session lock held.
func (r *Registry) remove(id int64) {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		log.Printf("[registry] session %d removed (%d/%d)", id, r.Count(), r.opts.MaxSessions)
	}
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Max returns the configured session ceiling.
func (r *Registry) Max() int {
	return r.opts.MaxSessions
}

// SessionSummary is a read-only view of one session for observability.
type SessionSummary struct {
	ID         string    `json:"id"`
	Phase      Phase     `json:"phase"`
	RemoteHost string    `json:"remote_host,omitempty"`
	Username   string    `json:"username,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Snapshot returns summaries of all registered sessions ordered by id.
func (r *Registry) Snapshot() []SessionSummary {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })

	out := make([]SessionSummary, len(sessions))
	for i, s := range sessions {
		target := s.Target()
		out[i] = SessionSummary{
			ID:         strconv.FormatInt(s.id, 10),
			Phase:      s.Phase(),
			RemoteHost: target.Host,
			Username:   target.Username,
			CreatedAt:  s.createdAt,
		}
	}
	return out
}

// Drain performs the shutdown sweep: every registered session gets a
// best-effort disconnect envelope with the given reason and is torn down.
// Per-session failures are logged by the session and never abort the sweep.
func (r *Registry) Drain(reason string) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	log.Printf("[registry] draining %d sessions: %s", len(sessions), reason)
	for _, s := range sessions {
		s.Shutdown(reason)
	}
}
