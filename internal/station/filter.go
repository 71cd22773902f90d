package station

import (
	"log/slog"
	"sync"

	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/session"
	"github.com/dim-network/godim/internal/store"
)

// Filter makes the pre-routing drop decisions: blocked senders, trace
// cycles, and the trust shortcut that lets authenticated senders and
// neighbor stations skip signature verification.
type Filter struct {
	local     dim.ID
	neighbors *store.NeighborStore
	logger    *slog.Logger

	mu      sync.RWMutex
	blocked map[string]struct{}
}

// NewFilter creates a filter for the local station.
func NewFilter(local dim.ID, neighbors *store.NeighborStore, logger *slog.Logger) *Filter {
	return &Filter{
		local:     local.Bare(),
		neighbors: neighbors,
		logger:    logger.With(slog.String("component", "station.filter")),
		blocked:   make(map[string]struct{}),
	}
}

// Block adds a sender to the block list.
func (f *Filter) Block(id dim.ID) {
	f.mu.Lock()
	f.blocked[id.Bare().String()] = struct{}{}
	f.mu.Unlock()
}

// Unblock removes a sender from the block list.
func (f *Filter) Unblock(id dim.ID) {
	f.mu.Lock()
	delete(f.blocked, id.Bare().String())
	f.mu.Unlock()
}

// Blocked reports whether the sender is on the block list.
func (f *Filter) Blocked(sender dim.ID) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.blocked[sender.Bare().String()]
	return ok
}

// CheckTraced evaluates the cycle rule and stamps the local trace.
// Returns true when the message must be dropped: the local station is
// already in traces and the receiver is a station or broadcast. When the
// message survives and is not yet traced, the local ID is appended, so
// the local ID appears in traces at most once.
func (f *Filter) CheckTraced(msg *dim.ReliableMessage) bool {
	receiver := msg.Receiver()
	if msg.IsTraced(f.local) {
		if receiver.Type() == dim.TypeStation || receiver.IsBroadcast() {
			f.logger.Warn("trace cycle, message dropped",
				slog.String("sender", msg.Sender().String()),
				slog.String("receiver", receiver.String()),
				slog.String("sig", msg.Sig()),
			)
			return true
		}
		return false
	}
	msg.AppendTrace(f.local)
	return false
}

// TrustedSender reports whether the sender may skip verification: it is
// the session's bound identifier, or a station from the neighbor tables.
func (f *Filter) TrustedSender(s *session.Session, sender dim.ID) bool {
	if s != nil && s.ID() != "" && s.ID() == sender.Bare().String() {
		return true
	}
	if sender.Type() != dim.TypeStation {
		return false
	}
	for _, st := range f.neighbors.AllStations() {
		if st.ID.Equal(sender.Bare()) {
			return true
		}
	}
	return false
}
