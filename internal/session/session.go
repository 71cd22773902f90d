// Package session implements the per-connection session runtime of a DIM
// station: the server Session bound to one transport gate, the process-wide
// SessionCenter index, and the client-side session state machine used by
// the station bridge.
package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dim-network/godim/internal/gate"
)

// sessionKeyLen is the number of random bytes in a session key (hex encoded
// on the wire).
const sessionKeyLen = 32

// generateSessionKey returns a fresh random session key.
func generateSessionKey() string {
	raw := make([]byte, sessionKeyLen)
	_, _ = rand.Read(raw)
	return hex.EncodeToString(raw)
}

// Handler processes one inbound payload for a session and returns zero or
// more response payloads. The station wires its messenger here.
type Handler interface {
	ProcessPackage(s *Session, payload []byte) [][]byte
}

// Session is one server-side connection: it owns the gate, the outbound
// departure queue, a session key generated at construction, and the bound
// user identifier once handshake succeeds.
//
// The key never changes for the session's lifetime. The identifier is set
// on successful handshake and only reassigned by an authenticated login.
type Session struct {
	key    string
	center *Center
	queue  *gate.DepartureQueue
	gate   *gate.Gate
	logger *slog.Logger

	handler   Handler
	activated func(*Session)

	mu         sync.Mutex
	identifier string
	active     bool
	lastActive time.Time
}

// NewSession wraps an accepted connection. queueCap <= 0 uses the default
// departure queue capacity.
func NewSession(conn net.Conn, center *Center, logger *slog.Logger, queueCap int) *Session {
	s := &Session{
		key:    generateSessionKey(),
		center: center,
		queue:  gate.NewDepartureQueue(queueCap),
		logger: logger.With(
			slog.String("component", "session"),
			slog.String("remote", conn.RemoteAddr().String()),
		),
	}
	s.gate = gate.NewGate(conn, s.queue, s, logger)
	return s
}

// SetHandler wires the inbound payload handler. Must be called before Run.
func (s *Session) SetHandler(h Handler) { s.handler = h }

// SetActivatedCallback registers the hook invoked when the session flips
// active with a bound identifier (offline message reload).
func (s *Session) SetActivatedCallback(fn func(*Session)) { s.activated = fn }

// Key returns the session key generated at construction.
func (s *Session) Key() string { return s.key }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr { return s.gate.RemoteAddr() }

// Gate returns the transport gate owned by this session.
func (s *Session) Gate() *gate.Gate { return s.gate }

// ID returns the bound user identifier ("" before handshake).
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identifier
}

// SetID binds the user identifier after a verified handshake (or rebinds
// it on an authenticated login) and moves the session under the new ID in
// the center. Binding the same identifier again is a no-op.
func (s *Session) SetID(identifier string) {
	s.mu.Lock()
	previous := s.identifier
	if previous == identifier {
		s.mu.Unlock()
		return
	}
	s.identifier = identifier
	s.mu.Unlock()

	s.center.update(s, previous, identifier)
	s.logger.Info("session bound",
		slog.String("id", identifier),
		slog.String("key", s.key[:8]),
	)
}

// Active reports whether the session is marked online.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetActive flips the active flag. The flip only takes effect when `when`
// is later than the last recorded transition (later wins). Flipping to
// true with a bound identifier triggers the offline reload callback.
// Returns true when the flag actually changed.
func (s *Session) SetActive(active bool, when time.Time) bool {
	s.mu.Lock()
	if !s.lastActive.IsZero() && !when.After(s.lastActive) {
		s.mu.Unlock()
		return false
	}
	s.lastActive = when
	changed := s.active != active
	s.active = active
	identifier := s.identifier
	s.mu.Unlock()

	if changed && active && identifier != "" && s.activated != nil {
		s.activated(s)
	}
	return changed
}

// QueuePayload pushes one outbound payload with the given priority.
// onSent fires after the frame is written; onFailed when it is dropped.
func (s *Session) QueuePayload(payload []byte, priority int, onSent func(), onFailed func(error)) bool {
	err := s.gate.Send(&gate.Departure{
		Payload:  payload,
		Priority: priority,
		Retries:  gate.MessageRetries,
		OnSent:   onSent,
		OnFailed: onFailed,
	})
	if err != nil {
		s.logger.Debug("queue payload failed", slog.Any("error", err))
		return false
	}
	return true
}

// Run registers the session in the center and drives the gate until the
// connection breaks or ctx is cancelled. The session is removed from the
// center on return.
func (s *Session) Run(ctx context.Context) error {
	s.center.add(s)
	defer s.center.remove(s)
	return s.gate.Run(ctx)
}

// Stop signals the gate to close. No queues are drained; pending
// departures fail and the center binding is removed when Run returns.
func (s *Session) Stop() { s.gate.Close() }

// OnGateStatus implements gate.Delegate. A broken or closed gate marks the
// session inactive; stored messages stay for the next login.
func (s *Session) OnGateStatus(_, current gate.Status) {
	if current == gate.StatusError || current == gate.StatusClosed {
		s.SetActive(false, time.Now())
	}
}

// OnGateArrival implements gate.Delegate: one arrival payload may carry
// several JSON message objects separated by newlines; each is handed to
// the handler and all responses are collected for the same arrival.
func (s *Session) OnGateArrival(a *gate.Arrival) [][]byte {
	if s.handler == nil {
		return nil
	}
	var responses [][]byte
	for _, pack := range SplitPackages(a.Payload) {
		responses = append(responses, s.handler.ProcessPackage(s, pack)...)
	}
	return responses
}

// SplitPackages splits an arrival payload into individual JSON objects.
// Payloads are JSON in lines; anything not starting with '{' is returned
// as a single opaque package.
func SplitPackages(payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}
	if payload[0] != '{' {
		return [][]byte{payload}
	}
	var packs [][]byte
	for _, line := range bytes.Split(payload, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			packs = append(packs, line)
		}
	}
	return packs
}
