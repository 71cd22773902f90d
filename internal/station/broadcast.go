package station

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/session"
	"github.com/dim-network/godim/internal/store"
)

// neighborSnapshotTTL is how long the computed neighbor set is reused
// before the tables and the session center are consulted again.
const neighborSnapshotTTL = 128 * time.Second

// BroadcastManager expands a broadcast receiver into the concrete
// recipient set: neighbor stations from the provider tables, proactively
// connected stations from the session center, and the station bots.
type BroadcastManager struct {
	local     dim.ID
	ans       *ANS
	neighbors *store.NeighborStore
	center    *session.Center
	bots      []dim.ID
	logger    *slog.Logger

	mu         sync.Mutex
	snapshot   []dim.ID
	snapshotAt time.Time
}

// NewBroadcastManager creates a broadcast manager. bots is the configured
// station-bot set; when empty, the bot-typed ANS records are used.
func NewBroadcastManager(
	local dim.ID,
	ans *ANS,
	neighbors *store.NeighborStore,
	center *session.Center,
	bots []dim.ID,
	logger *slog.Logger,
) *BroadcastManager {
	if len(bots) == 0 {
		bots = ans.Bots()
	}
	return &BroadcastManager{
		local:     local.Bare(),
		ans:       ans,
		neighbors: neighbors,
		center:    center,
		bots:      bots,
		logger:    logger.With(slog.String("component", "station.broadcast")),
	}
}

// neighborStations returns the cached union of configured neighbors and
// connected stations, recomputing after the snapshot TTL.
func (b *BroadcastManager) neighborStations() []dim.ID {
	b.mu.Lock()
	defer b.mu.Unlock()

	if time.Since(b.snapshotAt) < neighborSnapshotTTL && b.snapshot != nil {
		return b.snapshot
	}

	seen := make(map[string]bool)
	var out []dim.ID
	add := func(id dim.ID) {
		id = id.Bare()
		if id.IsNil() || seen[id.String()] {
			return
		}
		seen[id.String()] = true
		out = append(out, id)
	}
	for _, st := range b.neighbors.AllStations() {
		add(st.ID)
	}
	for _, id := range b.center.AllUsers() {
		if id.Type() == dim.TypeStation {
			add(id)
		}
	}

	b.snapshot = out
	b.snapshotAt = time.Now()
	return out
}

// Expand computes the new recipient set for a broadcast message and
// stamps msg["recipients"] with the union, so downstream hops cannot
// re-enumerate the same targets. Targets equal to the sender or the local
// station are never returned.
func (b *BroadcastManager) Expand(msg *dim.ReliableMessage) []dim.ID {
	receiver := msg.Receiver().Bare()

	var candidates []dim.ID
	switch {
	case receiver.Equal(dim.EveryStation):
		candidates = b.neighborStations()
	case receiver.Equal(dim.Everyone):
		candidates = append(append([]dim.ID(nil), b.neighborStations()...), b.bots...)
	default:
		// User broadcast: "name@anywhere" resolves via ANS to one entity.
		if id, ok := b.ans.Resolve(receiver.Name); ok {
			candidates = []dim.ID{id.Bare()}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	traced := make(map[string]bool)
	for _, t := range msg.Traces() {
		traced[t.Bare().String()] = true
	}
	enumerated := make(map[string]bool)
	for _, r := range msg.Recipients() {
		enumerated[r.Bare().String()] = true
	}
	sender := msg.Sender().Bare()

	var fresh []dim.ID
	for _, c := range candidates {
		key := c.String()
		if traced[key] || enumerated[key] {
			continue
		}
		enumerated[key] = true
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return nil
	}
	msg.AddRecipients(fresh)

	targets := make([]dim.ID, 0, len(fresh))
	for _, c := range fresh {
		if c.Equal(sender) || c.Equal(b.local) {
			continue
		}
		targets = append(targets, c)
	}
	b.logger.Debug("broadcast expanded",
		slog.String("receiver", receiver.String()),
		slog.Int("targets", len(targets)),
	)
	return targets
}
