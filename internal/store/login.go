package store

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/dim-network/godim/internal/dim"
)

// loginRecord is the on-disk shape of private/{address}/login.js.
type loginRecord struct {
	Cmd map[string]any `json:"cmd"`
	Msg map[string]any `json:"msg"`
}

// LoginStore persists the latest login command per user. The roamer
// consults it to find the station a user is currently attached to.
type LoginStore struct {
	db     Database
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]loginRecord
}

// NewLoginStore creates a login store over the given layout.
func NewLoginStore(db Database, logger *slog.Logger) *LoginStore {
	return &LoginStore{
		db:     db,
		logger: logger.With(slog.String("component", "store.login")),
		cache:  make(map[string]loginRecord),
	}
}

// SaveLogin stores a login command with its carrier message, replacing any
// earlier record for the same user. A record older than the cached one
// (by content time) is ignored and reported as not saved.
func (s *LoginStore) SaveLogin(cmd dim.Content, msg *dim.ReliableMessage) (bool, error) {
	user := msg.Sender().Bare()
	key := user.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.load(user); ok {
		oldTime := dim.ContentTime(dim.Content(old.Cmd))
		newTime := dim.ContentTime(cmd)
		if !newTime.IsZero() && !oldTime.IsZero() && newTime.Before(oldTime) {
			return false, nil
		}
	}

	rec := loginRecord{Cmd: cmd, Msg: msg.Map()}
	if err := writeJSON(s.db.loginPath(user.Address), rec); err != nil {
		return false, err
	}
	s.cache[key] = rec
	s.logger.Debug("login saved", slog.String("user", key))
	return true, nil
}

// Login returns the stored login command and its carrier message for the
// user, or nil when no record exists.
func (s *LoginStore) Login(user dim.ID) (dim.Content, *dim.ReliableMessage) {
	user = user.Bare()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.load(user)
	if !ok {
		return nil, nil
	}
	msg, err := dim.ReliableMessageFromMap(rec.Msg)
	if err != nil {
		return dim.Content(rec.Cmd), nil
	}
	return dim.Content(rec.Cmd), msg
}

// RoamingStation returns the station ID the user's latest login points at,
// or the nil ID when unknown.
func (s *LoginStore) RoamingStation(user dim.ID) dim.ID {
	cmd, _ := s.Login(user)
	if cmd == nil {
		return dim.ID{}
	}
	return dim.LoginStation(cmd)
}

// load reads the user's record from cache or disk. Caller holds the lock.
func (s *LoginStore) load(user dim.ID) (loginRecord, bool) {
	key := user.String()
	if rec, ok := s.cache[key]; ok {
		return rec, true
	}
	var rec loginRecord
	if err := readJSON(s.db.loginPath(user.Address), &rec); err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("login record unreadable",
				slog.String("user", key),
				slog.Any("error", err),
			)
		}
		return loginRecord{}, false
	}
	s.cache[key] = rec
	return rec, true
}
