package station

import (
	"log/slog"
	"time"

	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/gate"
	"github.com/dim-network/godim/internal/session"
	dimmetrics "github.com/dim-network/godim/internal/metrics"
	"github.com/dim-network/godim/internal/store"
)

// Receipt texts returned to senders. Best-effort acknowledgements, not
// delivery guarantees.
const (
	receiptMessage   = "Message delivering"
	receiptGroup     = "Group message delivering"
	receiptBroadcast = "Broadcast message delivering"
)

// Deliver is one routing strategy. It returns zero or more response
// contents the messenger wraps and sends back to the sender. Strategies
// never fail outward; everything is best effort plus logging.
type Deliver interface {
	Deliver(msg *dim.ReliableMessage, receiver dim.ID) []dim.Content
}

// pushToSessions queues the encoded message on every active session of
// the carrier and returns the accepted count. onSent removes the stored
// copy for the receiver; onFailed marks the session inactive so the
// message stays stored for the next login.
func pushToSessions(
	center *session.Center,
	offline *store.OfflineStore,
	msg *dim.ReliableMessage,
	carrier, receiver dim.ID,
	priority int,
	logger *slog.Logger,
) int {
	sessions := center.ActiveSessions(carrier)
	if len(sessions) == 0 {
		return 0
	}
	payload, err := msg.Encode()
	if err != nil {
		logger.Warn("deliver encode failed", slog.Any("error", err))
		return 0
	}
	pushed := 0
	for _, s := range sessions {
		s := s
		ok := s.QueuePayload(payload, priority,
			func() { offline.Remove(msg, receiver) },
			func(error) { s.SetActive(false, time.Now()) },
		)
		if ok {
			pushed++
		}
	}
	return pushed
}

// -------------------------------------------------------------------------
// UserDeliver
// -------------------------------------------------------------------------

// UserDeliver routes messages to ordinary users: active sessions first,
// then roaming redirect, then offline store plus push notification.
type UserDeliver struct {
	center  *session.Center
	offline *store.OfflineStore
	roamer  *Roamer
	pusher  *Pusher
	metrics dimmetrics.Reporter
	logger  *slog.Logger

	// notify is false for the bot variant: bots get no notifications.
	notify bool
}

// Deliver implements the user strategy.
func (d *UserDeliver) Deliver(msg *dim.ReliableMessage, receiver dim.ID) []dim.Content {
	receiver = receiver.Bare()

	// The store holds the message until each session confirms the send.
	stored := d.offline.Save(msg, receiver)

	if pushed := pushToSessions(d.center, d.offline, msg, receiver, receiver, gate.PriorityNormal, d.logger); pushed > 0 {
		d.metrics.MessageRouted(dimmetrics.KindUser)
		return []dim.Content{dim.NewReceipt(receiptMessage, msg)}
	}

	if roaming := d.roamer.RoamingStation(receiver); !roaming.IsNil() {
		if d.roamer.Redirect(msg, receiver, roaming) {
			d.metrics.MessageRouted(dimmetrics.KindRoaming)
			return []dim.Content{dim.NewReceipt(receiptMessage, msg)}
		}
	}

	if !stored {
		// Not storable (station traffic) and nowhere to push.
		d.metrics.MessageDropped(dimmetrics.ReasonUnroutable)
		d.logger.Warn("message unroutable, dropped",
			slog.String("receiver", receiver.String()),
			slog.String("sig", msg.Sig()),
		)
		return nil
	}
	if d.notify {
		d.pusher.Notify(msg, receiver)
	}
	d.metrics.MessageRouted(dimmetrics.KindUser)
	return []dim.Content{dim.NewReceipt(receiptMessage, msg)}
}

// -------------------------------------------------------------------------
// GroupDeliver
// -------------------------------------------------------------------------

// GroupDeliver routes grouped messages to the group's assistant bot. The
// assistant splits and re-sends per member; the station only relays.
type GroupDeliver struct {
	center   *session.Center
	offline  *store.OfflineStore
	accounts *store.AccountStore
	ans      *ANS
	metrics  dimmetrics.Reporter
	logger   *slog.Logger
}

// assistants resolves the group's assistant bots: the group document's
// "assistants" list first, then the ANS "assistant" record.
func (d *GroupDeliver) assistants(group dim.ID) []dim.ID {
	if doc := d.accounts.Document(group, "bulletin"); doc != nil {
		if list, ok := doc["assistants"].([]any); ok {
			var out []dim.ID
			for _, v := range list {
				if s, ok := v.(string); ok {
					if id, err := dim.ParseID(s); err == nil {
						out = append(out, id)
					}
				}
			}
			if len(out) > 0 {
				return out
			}
		}
	}
	if id, ok := d.ans.Resolve("assistant"); ok {
		return []dim.ID{id}
	}
	return nil
}

// Deliver implements the group strategy.
func (d *GroupDeliver) Deliver(msg *dim.ReliableMessage, receiver dim.ID) []dim.Content {
	bots := d.assistants(receiver)
	if len(bots) == 0 {
		d.metrics.MessageDropped(dimmetrics.ReasonUnroutable)
		d.logger.Warn("group has no assistant, dropped",
			slog.String("group", receiver.String()),
		)
		return nil
	}

	for _, bot := range bots {
		if pushToSessions(d.center, d.offline, msg, bot.Bare(), bot.Bare(), gate.PriorityNormal, d.logger) > 0 {
			d.metrics.MessageRouted(dimmetrics.KindGroup)
			return []dim.Content{dim.NewReceipt(receiptGroup, msg)}
		}
	}

	// No assistant online: hold for the first-listed one.
	d.offline.Save(msg, bots[0].Bare())
	d.metrics.MessageRouted(dimmetrics.KindGroup)
	return []dim.Content{dim.NewReceipt(receiptGroup, msg)}
}

// -------------------------------------------------------------------------
// StationDeliver
// -------------------------------------------------------------------------

// StationDeliver routes messages addressed to another station: a bound
// neighbor session first, else the bridge. Station traffic is never
// persisted.
type StationDeliver struct {
	center  *session.Center
	offline *store.OfflineStore
	roamer  *Roamer
	metrics dimmetrics.Reporter
	logger  *slog.Logger
}

// Deliver implements the station strategy.
func (d *StationDeliver) Deliver(msg *dim.ReliableMessage, receiver dim.ID) []dim.Content {
	receiver = receiver.Bare()
	if pushToSessions(d.center, d.offline, msg, receiver, receiver, gate.PriorityNormal, d.logger) > 0 {
		d.metrics.MessageRouted(dimmetrics.KindStation)
		return []dim.Content{dim.NewReceipt(receiptMessage, msg)}
	}
	if d.roamer.Redirect(msg, receiver, receiver) {
		d.metrics.MessageRouted(dimmetrics.KindBridge)
		return []dim.Content{dim.NewReceipt(receiptMessage, msg)}
	}
	d.metrics.MessageDropped(dimmetrics.ReasonUnroutable)
	d.logger.Warn("station unreachable, dropped",
		slog.String("station", receiver.String()),
		slog.String("sig", msg.Sig()),
	)
	return nil
}

// -------------------------------------------------------------------------
// BroadcastDeliver
// -------------------------------------------------------------------------

// BroadcastDeliver expands the recipient set and re-dispatches one copy
// per concrete target. Broadcast messages are never persisted.
type BroadcastDeliver struct {
	manager    *BroadcastManager
	dispatcher *Dispatcher
	metrics    dimmetrics.Reporter
	logger     *slog.Logger
}

// Deliver implements the broadcast strategy.
func (d *BroadcastDeliver) Deliver(msg *dim.ReliableMessage, receiver dim.ID) []dim.Content {
	targets := d.manager.Expand(msg)
	for _, target := range targets {
		d.dispatcher.Deliver(msg.Clone(), target)
	}
	d.metrics.MessageRouted(dimmetrics.KindBroadcast)

	receiver = receiver.Bare()
	if receiver.Equal(dim.Everyone) || receiver.Equal(dim.EveryStation) {
		return []dim.Content{dim.NewReceipt(receiptBroadcast, msg)}
	}
	// User broadcast (name@anywhere): the resolved entity answers itself.
	return nil
}
