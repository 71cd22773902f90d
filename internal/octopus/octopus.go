package octopus

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/session"
	"github.com/dim-network/godim/internal/station"
	"github.com/dim-network/godim/internal/store"
)

// defaultReconcile is how often the neighbor table is re-read to connect
// new peers and drop vanished ones.
const defaultReconcile = 60 * time.Second

// Config carries the bridge wiring.
type Config struct {
	// Local is the local station entity the bridge represents.
	Local dim.ID

	// LocalHost and LocalPort locate the local station's client port.
	LocalHost string
	LocalPort int

	// Crypto signs bridge-originated commands.
	Crypto station.Crypto

	// Neighbors is the provider/station table to reconcile against.
	Neighbors *store.NeighborStore

	// ReconcileInterval overrides the neighbor reconciliation period.
	ReconcileInterval time.Duration

	// KeepAliveInterval overrides the link keep-alive period.
	KeepAliveInterval time.Duration
}

// outerLink pairs an outer terminal with its cancel handle so a vanished
// neighbor can be torn down.
type outerLink struct {
	terminal *Terminal
	cancel   context.CancelFunc
}

// Octopus is the edge bridge runtime: one inner link to the local station
// and one outer link per neighbor station, reconciled periodically from
// the neighbor table. Messages flowing out of the local station fan out to
// the outer links; messages arriving from a neighbor are forwarded in.
type Octopus struct {
	cfg    Config
	logger *slog.Logger

	inner *Terminal

	mu     sync.Mutex
	outers map[string]*outerLink

	wg sync.WaitGroup
}

// New creates the bridge. The inner link is created immediately; outer
// links come and go with the neighbor table.
func New(cfg Config, logger *slog.Logger) *Octopus {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcile
	}
	o := &Octopus{
		cfg: cfg,
		logger: logger.With(
			slog.String("component", "octopus"),
			slog.String("station", cfg.Local.Bare().String()),
		),
		outers: make(map[string]*outerLink),
	}
	o.inner = NewTerminal(
		cfg.Local, cfg.Local,
		net.JoinHostPort(cfg.LocalHost, strconv.Itoa(cfg.LocalPort)),
		cfg.Crypto, o.outgo, cfg.KeepAliveInterval, logger,
	)
	return o
}

// Run drives the bridge until ctx is cancelled.
func (o *Octopus) Run(ctx context.Context) error {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.inner.Run(ctx)
	}()

	o.reconcile(ctx)
	tick := time.NewTicker(o.cfg.ReconcileInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			o.reconcile(ctx)
		case <-ctx.Done():
			o.wg.Wait()
			return ctx.Err()
		}
	}
}

// reconcile diffs the neighbor table against the running outer links:
// unknown stations get a link, vanished stations lose theirs.
func (o *Octopus) reconcile(ctx context.Context) {
	stations := o.cfg.Neighbors.AllStations()
	local := o.cfg.Local.Bare()

	wanted := make(map[string]store.StationInfo, len(stations))
	for _, st := range stations {
		if st.ID.Bare().Equal(local) {
			continue
		}
		wanted[st.ID.Bare().String()] = st
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for key, link := range o.outers {
		if _, ok := wanted[key]; !ok {
			o.logger.Info("neighbor removed", slog.String("peer", key))
			link.cancel()
			delete(o.outers, key)
		}
	}
	for key, st := range wanted {
		if _, ok := o.outers[key]; ok {
			continue
		}
		o.logger.Info("neighbor added",
			slog.String("peer", key),
			slog.String("host", st.Host),
			slog.Int("port", st.Port),
		)
		term := NewTerminal(
			o.cfg.Local, st.ID,
			net.JoinHostPort(st.Host, strconv.Itoa(st.Port)),
			o.cfg.Crypto, o.income, o.cfg.KeepAliveInterval, o.logger,
		)
		linkCtx, cancel := context.WithCancel(ctx)
		o.outers[key] = &outerLink{terminal: term, cancel: cancel}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			_ = term.Run(linkCtx)
		}()
	}
}

// connectedPeers snapshots the outer links that completed handshake.
func (o *Octopus) connectedPeers() ([]dim.ID, map[string]*Terminal) {
	o.mu.Lock()
	defer o.mu.Unlock()

	peers := make([]dim.ID, 0, len(o.outers))
	byKey := make(map[string]*Terminal, len(o.outers))
	for key, link := range o.outers {
		if link.terminal.State() != session.StateRunning {
			continue
		}
		peers = append(peers, link.terminal.Peer())
		byKey[key] = link.terminal
	}
	return peers, byKey
}

// income forwards a message that arrived from a neighbor into the local
// station. Messages originated by the local station come back only on a
// routing cycle and are dropped.
func (o *Octopus) income(from *Terminal, msg *dim.ReliableMessage) {
	sender := msg.Sender().Bare()
	if sender.Equal(o.cfg.Local.Bare()) || sender.Equal(msg.Receiver().Bare()) {
		o.logger.Debug("inbound cycle dropped",
			slog.String("peer", from.Peer().String()),
			slog.String("sender", sender.String()),
		)
		return
	}
	if err := o.inner.SendMessage(msg); err != nil {
		o.logger.Warn("inbound forward failed",
			slog.String("peer", from.Peer().String()),
			slog.Any("error", err),
		)
	}
}

// outgo fans a message pushed out by the local station to the neighbor
// links selected for it. The chosen peers are recorded in the recipients
// list so the next hop does not visit them again; a neighbor pin is
// consumed here.
func (o *Octopus) outgo(_ *Terminal, msg *dim.ReliableMessage) {
	peers, byKey := o.connectedPeers()

	targets := SelectTargets(o.cfg.Local, msg, peers)
	msg.RemoveNeighbor()
	if len(targets) == 0 {
		o.logger.Debug("outbound message has no route",
			slog.String("receiver", msg.Receiver().String()),
			slog.String("sig", msg.Sig()),
		)
		return
	}
	msg.AddRecipients(targets)

	for _, target := range targets {
		term := byKey[target.Bare().String()]
		if term == nil {
			continue
		}
		if err := term.SendMessage(msg); err != nil {
			o.logger.Warn("outbound forward failed",
				slog.String("peer", target.String()),
				slog.Any("error", err),
			)
		}
	}
}

// SelectTargets decides which connected neighbor stations should receive
// one outbound message:
//
//   - a sender == receiver cycle goes nowhere;
//   - a neighbor pin restricts the route to exactly that peer;
//   - a concrete station receiver routes to the matching peer only;
//   - everything else (broadcast, bridged user traffic) fans out to every
//     connected peer not already visited via traces or recipients.
func SelectTargets(local dim.ID, msg *dim.ReliableMessage, connected []dim.ID) []dim.ID {
	sender := msg.Sender().Bare()
	receiver := msg.Receiver().Bare()
	if sender.Equal(receiver) {
		return nil
	}

	if pin := msg.Neighbor(); !pin.IsNil() {
		for _, peer := range connected {
			if peer.Bare().Equal(pin.Bare()) {
				return []dim.ID{peer}
			}
		}
		return nil
	}

	if !receiver.IsBroadcast() && receiver.Type() == dim.TypeStation {
		for _, peer := range connected {
			if peer.Bare().Equal(receiver) {
				return []dim.ID{peer}
			}
		}
		return nil
	}

	visited := make(map[string]bool)
	for _, id := range msg.Recipients() {
		visited[id.Bare().String()] = true
	}

	var targets []dim.ID
	for _, peer := range connected {
		bare := peer.Bare()
		if bare.Equal(sender) || bare.Equal(local.Bare()) {
			continue
		}
		if msg.IsTraced(bare) || visited[bare.String()] {
			continue
		}
		targets = append(targets, peer)
	}
	return targets
}
