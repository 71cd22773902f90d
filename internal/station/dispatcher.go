package station

import (
	"context"
	"log/slog"

	"github.com/dim-network/godim/internal/dim"
	dimmetrics "github.com/dim-network/godim/internal/metrics"
	"github.com/dim-network/godim/internal/push"
	"github.com/dim-network/godim/internal/session"
	"github.com/dim-network/godim/internal/store"
)

// roamingJobCap bounds the redirect job queue. Jobs beyond it are dropped
// with a warning; the next login enqueues a fresh one.
const roamingJobCap = 4096

// roamingJob is one queued backlog replay.
type roamingJob struct {
	user    dim.ID
	station dim.ID
}

// DispatcherConfig carries the collaborators a dispatcher routes through.
type DispatcherConfig struct {
	Local     dim.ID
	Center    *session.Center
	Offline   *store.OfflineStore
	Logins    *store.LoginStore
	Accounts  *store.AccountStore
	Neighbors *store.NeighborStore
	ANS       *ANS
	Push      *push.Center
	Bots      []dim.ID
	Metrics   dimmetrics.Reporter
	Logger    *slog.Logger
}

// Dispatcher selects a deliver strategy per receiver and owns the
// background loop that replays offline backlogs for roaming users.
// Constructed once at boot and shared by all session tasks.
type Dispatcher struct {
	local  dim.ID
	roamer *Roamer
	logger *slog.Logger

	user      Deliver
	bot       Deliver
	group     Deliver
	station   Deliver
	broadcast Deliver

	jobs chan roamingJob
}

// NewDispatcher wires the deliver strategies. Metrics may be nil.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Metrics == nil {
		cfg.Metrics = dimmetrics.Noop{}
	}
	logger := cfg.Logger.With(slog.String("component", "station.dispatcher"))

	roamer := NewRoamer(cfg.Local, cfg.Logins, cfg.Offline, cfg.Center, cfg.Logger)
	manager := NewBroadcastManager(cfg.Local, cfg.ANS, cfg.Neighbors, cfg.Center, cfg.Bots, cfg.Logger)
	pusher := NewPusher(cfg.Accounts, cfg.Push)

	d := &Dispatcher{
		local:  cfg.Local.Bare(),
		roamer: roamer,
		logger: logger,
		jobs:   make(chan roamingJob, roamingJobCap),
	}
	d.user = &UserDeliver{
		center: cfg.Center, offline: cfg.Offline, roamer: roamer,
		pusher: pusher, metrics: cfg.Metrics, logger: logger, notify: true,
	}
	d.bot = &UserDeliver{
		center: cfg.Center, offline: cfg.Offline, roamer: roamer,
		pusher: pusher, metrics: cfg.Metrics, logger: logger, notify: false,
	}
	d.group = &GroupDeliver{
		center: cfg.Center, offline: cfg.Offline, accounts: cfg.Accounts,
		ans: cfg.ANS, metrics: cfg.Metrics, logger: logger,
	}
	d.station = &StationDeliver{
		center: cfg.Center, offline: cfg.Offline, roamer: roamer,
		metrics: cfg.Metrics, logger: logger,
	}
	d.broadcast = &BroadcastDeliver{
		manager: manager, dispatcher: d, metrics: cfg.Metrics, logger: logger,
	}
	return d
}

// Roamer exposes the roaming resolver shared with the command processor.
func (d *Dispatcher) Roamer() *Roamer { return d.roamer }

// Deliver routes one message to the strategy matching the receiver and
// returns the response contents for the sender. Never fails outward.
func (d *Dispatcher) Deliver(msg *dim.ReliableMessage, receiver dim.ID) []dim.Content {
	switch {
	case receiver.IsBroadcast():
		return d.broadcast.Deliver(msg, receiver)
	case receiver.IsGroup():
		return d.group.Deliver(msg, receiver)
	case receiver.Type() == dim.TypeStation:
		return d.station.Deliver(msg, receiver)
	case receiver.Type() == dim.TypeBot:
		return d.bot.Deliver(msg, receiver)
	default:
		return d.user.Deliver(msg, receiver)
	}
}

// AddRoaming enqueues a backlog replay toward the user's new station.
func (d *Dispatcher) AddRoaming(user, station dim.ID) {
	select {
	case d.jobs <- roamingJob{user: user.Bare(), station: station.Bare()}:
	default:
		d.logger.Warn("roaming job queue full, job dropped",
			slog.String("user", user.String()),
		)
	}
}

// Run drains roaming jobs until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped", slog.Int("pending", len(d.jobs)))
			return ctx.Err()
		case job := <-d.jobs:
			d.roamer.Replay(job.user, job.station)
		}
	}
}
