package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dim-network/godim/internal/dim"
)

// Snapshot is a read-only view of one session for the admin API. All
// fields are copied; no references to mutable state are held.
type Snapshot struct {
	// Key is the session key (truncated for display by callers).
	Key string `json:"key"`

	// ID is the bound user identifier ("" before handshake).
	ID string `json:"id"`

	// Active reports whether the session is marked online.
	Active bool `json:"active"`

	// RemoteAddr is the peer address.
	RemoteAddr string `json:"remote_addr"`

	// Framing is the sniffed wire format.
	Framing string `json:"framing"`
}

// Center is the process-wide session index: user ID -> set of sessions.
// Its lifecycle equals the process lifetime; sessions register themselves
// in Run and are removed when Run returns.
//
// A single mutex protects the maps. Iteration hands out shallow copies so
// no I/O runs under the lock.
type Center struct {
	mu   sync.Mutex
	all  map[*Session]struct{}
	byID map[string]map[*Session]struct{}

	logger *slog.Logger
}

// NewCenter creates an empty session center.
func NewCenter(logger *slog.Logger) *Center {
	return &Center{
		all:    make(map[*Session]struct{}),
		byID:   make(map[string]map[*Session]struct{}),
		logger: logger.With(slog.String("component", "session.center")),
	}
}

// add registers a session. Called from Session.Run.
func (c *Center) add(s *Session) {
	c.mu.Lock()
	c.all[s] = struct{}{}
	if id := s.ID(); id != "" {
		c.bind(s, id)
	}
	c.mu.Unlock()
}

// remove drops a session and its ID binding. Called when Session.Run
// returns.
func (c *Center) remove(s *Session) {
	c.mu.Lock()
	delete(c.all, s)
	if id := s.ID(); id != "" {
		c.unbind(s, id)
	}
	c.mu.Unlock()

	c.logger.Debug("session removed",
		slog.String("remote", s.RemoteAddr().String()),
		slog.String("id", s.ID()),
	)
}

// update moves a session from its previous ID binding to a new one.
// Called from Session.SetID.
func (c *Center) update(s *Session, previous, current string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, tracked := c.all[s]; !tracked {
		return
	}
	if previous != "" {
		c.unbind(s, previous)
	}
	if current != "" {
		c.bind(s, current)
	}
}

// bind adds the session to the ID set. Caller holds the lock.
func (c *Center) bind(s *Session, id string) {
	set, ok := c.byID[id]
	if !ok {
		set = make(map[*Session]struct{})
		c.byID[id] = set
	}
	set[s] = struct{}{}
}

// unbind removes the session from the ID set. Caller holds the lock.
func (c *Center) unbind(s *Session, id string) {
	set, ok := c.byID[id]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(c.byID, id)
	}
}

// ActiveSessions returns a snapshot of the active sessions bound to the
// given identifier.
func (c *Center) ActiveSessions(id dim.ID) []*Session {
	key := id.Bare().String()

	c.mu.Lock()
	defer c.mu.Unlock()

	set := c.byID[key]
	out := make([]*Session, 0, len(set))
	for s := range set {
		if s.Active() {
			out = append(out, s)
		}
	}
	return out
}

// IsActive reports whether the identifier has at least one active session.
func (c *Center) IsActive(id dim.ID) bool {
	return len(c.ActiveSessions(id)) > 0
}

// AllUsers returns the identifiers with at least one bound session.
func (c *Center) AllUsers() []dim.ID {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]dim.ID, 0, len(c.byID))
	for key := range c.byID {
		if id, err := dim.ParseID(key); err == nil {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of tracked sessions.
func (c *Center) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.all)
}

// Snapshots returns a copy of all sessions' state for the admin API.
func (c *Center) Snapshots() []Snapshot {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.all))
	for s := range c.all {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Snapshot{
			Key:        s.Key(),
			ID:         s.ID(),
			Active:     s.Active(),
			RemoteAddr: s.RemoteAddr().String(),
			Framing:    s.Gate().Framing().String(),
		})
	}
	return out
}

// StopAll closes every tracked session's gate. Used on shutdown; the
// sessions remove themselves as their Run loops unwind.
func (c *Center) StopAll() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.all))
	for s := range c.all {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.SetActive(false, time.Now())
		s.Stop()
	}
	c.logger.Info("all sessions stopped", slog.Int("count", len(sessions)))
}
