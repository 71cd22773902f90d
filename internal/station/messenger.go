package station

import (
	"log/slog"
	"time"

	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/gate"
	dimmetrics "github.com/dim-network/godim/internal/metrics"
	"github.com/dim-network/godim/internal/session"
	"github.com/dim-network/godim/internal/store"
)

// offlineReloadPage is the fetch page size when replaying a user's
// backlog into a freshly activated session.
const offlineReloadPage = 1024

// Messenger is the station-side message pipeline: cycle check, trust and
// verification, destination classification, session gating and response
// packaging. It implements session.Handler, so every inbound package on
// every session flows through here.
type Messenger struct {
	local      dim.ID
	crypto     Crypto
	filter     *Filter
	processor  *Processor
	dispatcher *Dispatcher
	accounts   *store.AccountStore
	offline    *store.OfflineStore
	metrics    dimmetrics.Reporter
	logger     *slog.Logger
}

// NewMessenger wires the pipeline. Metrics may be nil.
func NewMessenger(
	local dim.ID,
	crypto Crypto,
	filter *Filter,
	processor *Processor,
	dispatcher *Dispatcher,
	accounts *store.AccountStore,
	offline *store.OfflineStore,
	metrics dimmetrics.Reporter,
	logger *slog.Logger,
) *Messenger {
	if metrics == nil {
		metrics = dimmetrics.Noop{}
	}
	return &Messenger{
		local:      local.Bare(),
		crypto:     crypto,
		filter:     filter,
		processor:  processor,
		dispatcher: dispatcher,
		accounts:   accounts,
		offline:    offline,
		metrics:    metrics,
		logger:     logger.With(slog.String("component", "station.messenger")),
	}
}

// ProcessPackage implements session.Handler for one JSON message object.
func (m *Messenger) ProcessPackage(s *session.Session, payload []byte) [][]byte {
	msg, err := dim.ParseReliableMessage(payload)
	if err != nil {
		m.logger.Debug("unparsable package dropped", slog.Any("error", err))
		return nil
	}
	sender := msg.Sender()

	if m.filter.Blocked(sender) {
		m.metrics.MessageDropped(dimmetrics.ReasonBlocked)
		m.logger.Warn("blocked sender, message dropped",
			slog.String("sender", sender.String()),
		)
		return nil
	}
	if m.filter.CheckTraced(msg) {
		m.metrics.MessageDropped(dimmetrics.ReasonCycle)
		return nil
	}
	if !m.filter.TrustedSender(s, sender) && !m.crypto.Verify(msg) {
		m.metrics.MessageDropped(dimmetrics.ReasonVerify)
		m.logger.Warn("signature verification failed, message dropped",
			slog.String("sender", sender.String()),
			slog.String("sig", msg.Sig()),
		)
		return nil
	}

	receiver := msg.Receiver().Bare()
	var responses []dim.Content
	attachDocs := false

	switch {
	case receiver.Equal(m.local), receiver.Equal(dim.AnyStation), receiver.Equal(dim.Anyone):
		// Local commands and plaintext broadcasts run pre-handshake.
		attachDocs = receiver.Equal(dim.AnyStation)
		responses = m.processLocal(s, msg)

	default:
		if s != nil && (!s.Active() || s.ID() == "") {
			// Relaying needs an authenticated session: force a new
			// handshake and let the client re-send.
			ask := dim.HandshakeAsk(s.Key())
			ask["force"] = true
			responses = []dim.Content{ask}
			break
		}
		responses = m.dispatcher.Deliver(msg, receiver)
		if receiver.Equal(dim.Everyone) || receiver.Equal(dim.EveryStation) {
			// Station-wide broadcasts keep one local copy.
			responses = append(responses, m.processLocal(s, msg)...)
			attachDocs = true
		}
	}

	// Stations never want receipts or error texts back.
	if sender.Type() == dim.TypeStation {
		responses = dropEcho(responses)
	}
	return m.packResponses(msg, responses, attachDocs)
}

// processLocal decrypts the body and runs the command processor.
func (m *Messenger) processLocal(s *session.Session, msg *dim.ReliableMessage) []dim.Content {
	body, err := m.crypto.Decrypt(msg)
	if err != nil {
		m.logger.Warn("body decrypt failed",
			slog.String("sender", msg.Sender().String()),
			slog.Any("error", err),
		)
		return nil
	}
	content, err := dim.ParseContent(body)
	if err != nil {
		m.logger.Debug("unparsable content dropped", slog.Any("error", err))
		return nil
	}
	return m.processor.Process(s, content, msg)
}

// dropEcho removes receipts and plain texts from station-bound responses.
func dropEcho(responses []dim.Content) []dim.Content {
	out := responses[:0]
	for _, c := range responses {
		if c.Type() == dim.ContentText || c.Command() == dim.CmdReceipt {
			continue
		}
		out = append(out, c)
	}
	return out
}

// packResponses wraps response contents into signed messages from the
// station back to the sender. When attachDocs is set, the first response
// carries the station's meta and visa so first-contact clients can
// verify subsequent frames.
func (m *Messenger) packResponses(msg *dim.ReliableMessage, responses []dim.Content, attachDocs bool) [][]byte {
	if len(responses) == 0 {
		return nil
	}
	receiver := msg.Sender()

	out := make([][]byte, 0, len(responses))
	for i, content := range responses {
		body, err := content.Encode()
		if err != nil {
			m.logger.Warn("response encode failed", slog.Any("error", err))
			continue
		}
		env := dim.Envelope{
			Sender:   m.local,
			Receiver: receiver,
			Time:     time.Now(),
			Type:     content.Type(),
		}
		reply := dim.NewReliableMessage(env, body, m.crypto.Sign(body))
		if attachDocs && i == 0 {
			if meta := m.accounts.Meta(m.local); meta != nil {
				reply.SetMeta(meta)
			}
			if visa := m.accounts.Document(m.local, ""); visa != nil {
				reply.SetVisa(visa)
			}
		}
		payload, err := reply.Encode()
		if err != nil {
			m.logger.Warn("response encode failed", slog.Any("error", err))
			continue
		}
		out = append(out, payload)
	}
	return out
}

// ReloadOffline replays the stored backlog into a freshly activated
// session. Wired as the session's activated callback; each message is
// removed from the store only when its send is confirmed.
func (m *Messenger) ReloadOffline(s *session.Session) {
	id, err := dim.ParseID(s.ID())
	if err != nil {
		return
	}
	id = id.Bare()

	start := 0
	queued := 0
	for {
		page, remaining := m.offline.Fetch(id, start, offlineReloadPage)
		if len(page) == 0 {
			break
		}
		for _, msg := range page {
			payload, err := msg.Encode()
			if err != nil {
				continue
			}
			stored := msg
			ok := s.QueuePayload(payload, gate.PriorityNormal,
				func() { m.offline.Remove(stored, id) },
				func(error) { s.SetActive(false, time.Now()) },
			)
			if ok {
				queued++
			}
		}
		if remaining == 0 {
			break
		}
		start += len(page)
	}
	if queued > 0 {
		m.logger.Info("offline backlog reloaded",
			slog.String("user", id.String()),
			slog.Int("messages", queued),
		)
	}
}
