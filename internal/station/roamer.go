package station

import (
	"log/slog"
	"time"

	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/gate"
	"github.com/dim-network/godim/internal/session"
	"github.com/dim-network/godim/internal/store"
)

// roamingPageLimit is the offline-store page size used when replaying a
// roaming user's backlog.
const roamingPageLimit = 1024

// Roamer redirects messages for users whose active session lives on
// another station: directly into a neighbor-station session when one is
// connected, else via the octopus bridge session with msg["target"] set.
type Roamer struct {
	local   dim.ID
	logins  *store.LoginStore
	offline *store.OfflineStore
	center  *session.Center
	logger  *slog.Logger
}

// NewRoamer creates a roamer for the local station.
func NewRoamer(
	local dim.ID,
	logins *store.LoginStore,
	offline *store.OfflineStore,
	center *session.Center,
	logger *slog.Logger,
) *Roamer {
	return &Roamer{
		local:   local.Bare(),
		logins:  logins,
		offline: offline,
		center:  center,
		logger:  logger.With(slog.String("component", "station.roamer")),
	}
}

// RoamingStation resolves where the receiver currently resides: stations
// are their own target; users are looked up in the login store. The nil
// ID means unknown or local, and local delivery should continue.
func (r *Roamer) RoamingStation(receiver dim.ID) dim.ID {
	var roaming dim.ID
	if receiver.Type() == dim.TypeStation {
		roaming = receiver.Bare()
	} else {
		roaming = r.logins.RoamingStation(receiver)
	}
	if roaming.IsNil() || roaming.Equal(r.local) {
		return dim.ID{}
	}
	return roaming
}

// Redirect pushes one message toward the roaming station. Direct first:
// any active session bound to the neighbor station. Else via the bridge:
// the octopus inner session is bound to the local station's own ID and
// consumes msg["target"]. Redirected traffic rides at the slow priority
// so interactive responses are not starved. Returns false when neither
// path has a session.
func (r *Roamer) Redirect(msg *dim.ReliableMessage, receiver, roaming dim.ID) bool {
	// Direct neighbor push keeps the message untouched.
	if r.pushTo(roaming, msg, receiver) {
		return true
	}

	// Bridge push marks the actual receiver for the peer edge.
	redirected := msg.Clone()
	redirected.SetTarget(receiver.Bare())
	if r.pushTo(r.local, redirected, receiver) {
		r.logger.Debug("redirected via bridge",
			slog.String("receiver", receiver.String()),
			slog.String("roaming", roaming.String()),
		)
		return true
	}
	return false
}

// pushTo queues the message on the first active session bound to the
// carrier ID. onSent removes the stored copy for the original receiver.
func (r *Roamer) pushTo(carrier dim.ID, msg *dim.ReliableMessage, receiver dim.ID) bool {
	sessions := r.center.ActiveSessions(carrier)
	if len(sessions) == 0 {
		return false
	}
	payload, err := msg.Encode()
	if err != nil {
		r.logger.Warn("redirect encode failed", slog.Any("error", err))
		return false
	}
	stored := msg
	for _, s := range sessions {
		ok := s.QueuePayload(payload, gate.PrioritySlower,
			func() { r.offline.Remove(stored, receiver) },
			func(error) { s.SetActive(false, time.Now()) },
		)
		if ok {
			return true
		}
	}
	return false
}

// Replay drains the user's offline backlog toward the roaming station in
// pages, stopping when the store is empty or no path accepts messages.
// Called from the dispatcher's background loop.
func (r *Roamer) Replay(user, roaming dim.ID) {
	total := 0
	for {
		page, remaining := r.offline.Fetch(user, 0, roamingPageLimit)
		if len(page) == 0 {
			break
		}
		accepted := 0
		for _, msg := range page {
			if r.Redirect(msg, user, roaming) {
				accepted++
			}
		}
		total += accepted
		if accepted == 0 || remaining == 0 {
			break
		}
	}
	if total > 0 {
		r.logger.Info("roaming backlog replayed",
			slog.String("user", user.String()),
			slog.String("roaming", roaming.String()),
			slog.Int("messages", total),
		)
	}
}
