// Package octopus implements the edge bridge: mirrored client links that
// relay messages between the local station and its neighbor stations.
// One inner link attaches to the local station; one outer link per known
// neighbor. Both sides authenticate as the local station's entity, so the
// peer sees an ordinary neighbor-station session.
package octopus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/gate"
	"github.com/dim-network/godim/internal/session"
	"github.com/dim-network/godim/internal/station"
)

const (
	// dialTimeout bounds one connection attempt.
	dialTimeout = 10 * time.Second

	// reconnectDelay is the pause between connection attempts.
	reconnectDelay = 5 * time.Second

	// stateTick is the state machine evaluation interval.
	stateTick = 100 * time.Millisecond

	// defaultKeepAlive is the report-online interval on an established link.
	defaultKeepAlive = 5 * time.Minute
)

// ErrLinkDown is returned by SendMessage when the link has no ready gate.
var ErrLinkDown = errors.New("station link down")

// MessageHandler receives reliable messages that arrived on a link and are
// not addressed to the bridge entity itself.
type MessageHandler func(t *Terminal, msg *dim.ReliableMessage)

// Terminal is one client link to a station. It dials, handshakes as the
// local station's entity, keeps the link alive with periodic online
// reports, and reconnects with a fixed backoff when the link breaks.
//
// The lifecycle is driven by the session state machine: a fresh connection
// walks Connecting -> Connected -> Handshaking -> Running; a broken gate
// drops to Error and the terminal redials.
type Terminal struct {
	local   dim.ID
	peer    dim.ID
	addr    string
	crypto  station.Crypto
	handler MessageHandler
	logger  *slog.Logger

	keepAlive time.Duration

	mu         sync.Mutex
	gate       *gate.Gate
	state      session.State
	stateSince time.Time
	sessionKey string
	hasKey     bool
}

// NewTerminal creates a link from the local station entity to the station
// at addr. keepAlive <= 0 uses the default interval.
func NewTerminal(
	local, peer dim.ID,
	addr string,
	crypto station.Crypto,
	handler MessageHandler,
	keepAlive time.Duration,
	logger *slog.Logger,
) *Terminal {
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	return &Terminal{
		local:   local.Bare(),
		peer:    peer.Bare(),
		addr:    addr,
		crypto:  crypto,
		handler: handler,
		logger: logger.With(
			slog.String("component", "octopus.terminal"),
			slog.String("peer", peer.Bare().String()),
			slog.String("addr", addr),
		),
		keepAlive:  keepAlive,
		state:      session.StateDefault,
		stateSince: time.Now(),
	}
}

// Peer returns the station entity this link connects to.
func (t *Terminal) Peer() dim.ID { return t.peer }

// State returns the current link state.
func (t *Terminal) State() session.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Run drives the link until ctx is cancelled, redialing after failures.
func (t *Terminal) Run(ctx context.Context) error {
	for {
		if err := t.runOnce(ctx); err != nil && ctx.Err() == nil {
			t.logger.Debug("station link broke", slog.Any("error", err))
		}
		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce dials and drives one connection to completion.
func (t *Terminal) runOnce(ctx context.Context) error {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("dial station: %w", err)
	}

	queue := gate.NewDepartureQueue(0)
	g := gate.NewClientGate(conn, gate.FramingMTP, queue, t, t.logger)

	t.mu.Lock()
	t.gate = g
	t.state = session.StateDefault
	t.stateSince = time.Now()
	t.sessionKey = ""
	t.hasKey = false
	t.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	tick := time.NewTicker(stateTick)
	defer tick.Stop()

	var lastReport time.Time
	for {
		select {
		case err := <-done:
			t.mu.Lock()
			t.gate = nil
			t.state = session.StateDefault
			t.stateSince = time.Now()
			t.hasKey = false
			t.mu.Unlock()
			return err
		case <-tick.C:
			state := t.evaluate(g)
			if state != session.StateRunning {
				lastReport = time.Time{}
				continue
			}
			// The Running entry action already reported online; the
			// ticker only covers the steady state.
			if lastReport.IsZero() {
				lastReport = time.Now()
			} else if time.Since(lastReport) >= t.keepAlive {
				lastReport = time.Now()
				t.sendCommand(dim.NewReportCommand(dim.ReportOnline), gate.PriorityNormal)
			}
		}
	}
}

// evaluate runs one state machine step and fires the entry action when a
// transition happens.
func (t *Terminal) evaluate(g *gate.Gate) session.State {
	t.mu.Lock()
	current := t.state
	next := session.NextState(current, session.StateInput{
		HasUser:     true,
		GateStatus:  g.Status(),
		HasKey:      t.hasKey,
		TimeInState: time.Since(t.stateSince),
	})
	if next != current {
		t.state = next
		t.stateSince = time.Now()
	}
	key := t.sessionKey
	t.mu.Unlock()

	if next == current {
		return next
	}
	t.logger.Debug("link state changed",
		slog.String("from", current.String()),
		slog.String("to", next.String()),
	)
	switch next {
	case session.StateHandshaking:
		t.sendCommand(dim.HandshakeOffer(key), gate.PriorityUrgent)
	case session.StateRunning:
		t.logger.Info("station link established")
		t.sendCommand(dim.NewReportCommand(dim.ReportOnline), gate.PriorityNormal)
	}
	return next
}

// SendMessage queues one reliable message on the link.
func (t *Terminal) SendMessage(msg *dim.ReliableMessage) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	return t.send(payload, gate.PriorityNormal)
}

// sendCommand packages a station command as a signed message to the peer.
func (t *Terminal) sendCommand(content dim.Content, priority int) {
	data, err := content.Encode()
	if err != nil {
		t.logger.Warn("command encode failed", slog.Any("error", err))
		return
	}
	msg := dim.NewReliableMessage(dim.Envelope{
		Sender:   t.local,
		Receiver: t.peer,
		Time:     time.Now(),
		Type:     content.Type(),
	}, data, t.crypto.Sign(data))

	payload, err := msg.Encode()
	if err != nil {
		t.logger.Warn("command encode failed", slog.Any("error", err))
		return
	}
	if err := t.send(payload, priority); err != nil {
		t.logger.Debug("command send failed", slog.Any("error", err))
	}
}

// send queues one payload on the current gate.
func (t *Terminal) send(payload []byte, priority int) error {
	t.mu.Lock()
	g := t.gate
	t.mu.Unlock()
	if g == nil {
		return ErrLinkDown
	}
	return g.Send(&gate.Departure{
		Payload:  payload,
		Priority: priority,
		Retries:  gate.MessageRetries,
	})
}

// -------------------------------------------------------------------------
// gate.Delegate
// -------------------------------------------------------------------------

// OnGateStatus implements gate.Delegate. Transitions feed the state
// machine via the tick loop; nothing to do here beyond logging.
func (t *Terminal) OnGateStatus(previous, current gate.Status) {
	t.logger.Debug("gate status changed",
		slog.String("from", previous.String()),
		slog.String("to", current.String()),
	)
}

// OnGateArrival implements gate.Delegate: messages addressed to the bridge
// entity are handled as control traffic (handshake, receipts); everything
// else goes to the relay handler. Responses ride SendMessage, never the
// arrival ack path.
func (t *Terminal) OnGateArrival(a *gate.Arrival) [][]byte {
	for _, pack := range session.SplitPackages(a.Payload) {
		msg, err := dim.ParseReliableMessage(pack)
		if err != nil {
			t.logger.Debug("unparsable frame dropped", slog.Any("error", err))
			continue
		}
		if msg.Receiver().Bare().Equal(t.local) {
			t.handleControl(msg)
			continue
		}
		if t.handler != nil {
			t.handler(t, msg)
		}
	}
	return nil
}

// handleControl processes a command addressed to the bridge entity.
func (t *Terminal) handleControl(msg *dim.ReliableMessage) {
	body, err := t.crypto.Decrypt(msg)
	if err != nil {
		t.logger.Debug("control decrypt failed", slog.Any("error", err))
		return
	}
	content, err := dim.ParseContent(body)
	if err != nil || !content.IsCommand() {
		return
	}
	switch content.Command() {
	case dim.CmdHandshake:
		t.handleHandshake(content)
	case dim.CmdReceipt:
		// Delivery acks from the peer station; nothing to track yet.
	default:
		t.logger.Debug("control command ignored",
			slog.String("command", content.Command()),
		)
	}
}

// handleHandshake walks the client side of the four-step protocol: a DIM?
// challenge restarts the offer with the issued key, DIM! marks the link
// authenticated.
func (t *Terminal) handleHandshake(content dim.Content) {
	switch dim.HandshakeTitle(content) {
	case dim.HandshakeAgain:
		key := dim.HandshakeSession(content)
		t.mu.Lock()
		t.sessionKey = key
		t.mu.Unlock()
		t.sendCommand(dim.HandshakeOffer(key), gate.PriorityUrgent)
	case dim.HandshakeSuccess:
		t.mu.Lock()
		t.hasKey = true
		t.mu.Unlock()
	}
}
