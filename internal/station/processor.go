package station

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/session"
	"github.com/dim-network/godim/internal/store"
)

// HandlerFunc processes one station-local command and returns the
// response contents for the sender.
type HandlerFunc func(s *session.Session, cmd dim.Content, msg *dim.ReliableMessage) []dim.Content

// Processor dispatches station-local commands (handshake, login, report,
// document, meta, ans) to their handlers by command name.
type Processor struct {
	local      dim.ID
	logins     *store.LoginStore
	accounts   *store.AccountStore
	ans        *ANS
	dispatcher *Dispatcher
	logger     *slog.Logger

	handlers map[string]HandlerFunc
}

// NewProcessor registers the built-in command handlers.
func NewProcessor(
	local dim.ID,
	logins *store.LoginStore,
	accounts *store.AccountStore,
	ans *ANS,
	dispatcher *Dispatcher,
	logger *slog.Logger,
) *Processor {
	p := &Processor{
		local:      local.Bare(),
		logins:     logins,
		accounts:   accounts,
		ans:        ans,
		dispatcher: dispatcher,
		logger:     logger.With(slog.String("component", "station.processor")),
	}
	p.handlers = map[string]HandlerFunc{
		dim.CmdHandshake: p.processHandshake,
		dim.CmdLogin:     p.processLogin,
		dim.CmdReport:    p.processReport,
		dim.CmdDocument:  p.processDocument,
		dim.CmdMeta:      p.processMeta,
		dim.CmdANS:       p.processANS,
	}
	return p
}

// Process routes one decrypted content to its handler. Non-command
// contents addressed to the station get a bare receipt.
func (p *Processor) Process(s *session.Session, content dim.Content, msg *dim.ReliableMessage) []dim.Content {
	if !content.IsCommand() {
		return []dim.Content{dim.NewReceipt("Message received", msg)}
	}
	name := content.Command()
	handler, ok := p.handlers[name]
	if !ok {
		p.logger.Debug("unsupported command",
			slog.String("command", name),
			slog.String("sender", msg.Sender().String()),
		)
		return []dim.Content{dim.NewTextContent(fmt.Sprintf("Command not supported: %s", name))}
	}
	return handler(s, content, msg)
}

// processHandshake runs the station side of the four-step protocol: an
// offer with the issued session key binds the sender; anything else is
// answered with a fresh challenge.
func (p *Processor) processHandshake(s *session.Session, cmd dim.Content, msg *dim.ReliableMessage) []dim.Content {
	if s == nil {
		return nil
	}
	title := dim.HandshakeTitle(cmd)
	if title != dim.HandshakeHello {
		// "DIM?"/"DIM!" only travel station-to-client.
		return nil
	}
	if dim.HandshakeSession(cmd) == s.Key() {
		sender := msg.Sender().Bare()
		s.SetID(sender.String())
		s.SetActive(true, time.Now())
		p.logger.Info("handshake accepted", slog.String("user", sender.String()))
		return []dim.Content{dim.HandshakeAccepted("")}
	}
	return []dim.Content{dim.HandshakeAsk(s.Key())}
}

// processLogin persists the login, marks the session active and enqueues
// a roaming replay when the user attached to another station.
func (p *Processor) processLogin(s *session.Session, cmd dim.Content, msg *dim.ReliableMessage) []dim.Content {
	saved, err := p.logins.SaveLogin(cmd, msg)
	if err != nil {
		p.logger.Warn("login save failed", slog.Any("error", err))
		return []dim.Content{dim.NewTextContent("Login not saved")}
	}

	user := msg.Sender().Bare()
	if s != nil && s.ID() == user.String() {
		when := dim.ContentTime(cmd)
		if when.IsZero() {
			when = time.Now()
		}
		s.SetActive(true, when)
	}

	if saved {
		if station := dim.LoginStation(cmd); !station.IsNil() && !station.Equal(p.local) {
			p.dispatcher.AddRoaming(user, station)
		}
	}
	return []dim.Content{dim.NewReceipt("Login received", msg)}
}

// processReport flips the session's active flag with the command's time,
// so stale reports arriving out of order cannot win.
func (p *Processor) processReport(s *session.Session, cmd dim.Content, msg *dim.ReliableMessage) []dim.Content {
	if s == nil {
		return nil
	}
	when := dim.ContentTime(cmd)
	if when.IsZero() {
		when = time.Now()
	}
	switch cmd.GetString("title") {
	case dim.ReportOnline:
		s.SetActive(true, when)
	case dim.ReportOffline:
		s.SetActive(false, when)
	}
	return []dim.Content{dim.NewReceipt("Report received", msg)}
}

// processDocument answers document queries and stores published ones.
func (p *Processor) processDocument(_ *session.Session, cmd dim.Content, msg *dim.ReliableMessage) []dim.Content {
	id := dim.DocumentID(cmd)
	if id.IsNil() {
		id = p.local
	}

	if doc, ok := cmd["document"].(map[string]any); ok {
		if meta, ok := cmd["meta"].(map[string]any); ok {
			if err := p.accounts.SaveMeta(id, meta); err != nil && !errors.Is(err, store.ErrMetaExists) {
				p.logger.Warn("meta save failed", slog.Any("error", err))
			}
		}
		if err := p.accounts.SaveDocument(id, doc); err != nil {
			p.logger.Warn("document rejected",
				slog.String("entity", id.String()),
				slog.Any("error", err),
			)
			return []dim.Content{dim.NewTextContent("Document not accepted")}
		}
		return []dim.Content{dim.NewReceipt("Document received", msg)}
	}

	meta := p.accounts.Meta(id)
	doc := p.accounts.Document(id, "")
	if meta == nil && doc == nil {
		return []dim.Content{dim.NewTextContent(fmt.Sprintf("Document not found: %s", id))}
	}
	return []dim.Content{dim.NewDocumentCommand(id, meta, doc)}
}

// processMeta answers meta queries and stores published metas.
func (p *Processor) processMeta(_ *session.Session, cmd dim.Content, msg *dim.ReliableMessage) []dim.Content {
	id := dim.DocumentID(cmd)
	if id.IsNil() {
		id = p.local
	}

	if meta, ok := cmd["meta"].(map[string]any); ok {
		if err := p.accounts.SaveMeta(id, meta); err != nil {
			if errors.Is(err, store.ErrMetaExists) {
				return []dim.Content{dim.NewReceipt("Meta received", msg)}
			}
			p.logger.Warn("meta save failed", slog.Any("error", err))
			return []dim.Content{dim.NewTextContent("Meta not accepted")}
		}
		return []dim.Content{dim.NewReceipt("Meta received", msg)}
	}

	meta := p.accounts.Meta(id)
	if meta == nil {
		return []dim.Content{dim.NewTextContent(fmt.Sprintf("Meta not found: %s", id))}
	}
	return []dim.Content{dim.NewDocumentCommand(id, meta, nil)}
}

// processANS answers name queries from the fixed registry.
func (p *Processor) processANS(_ *session.Session, cmd dim.Content, _ *dim.ReliableMessage) []dim.Content {
	names := dim.ANSNames(cmd)
	if len(names) == 0 {
		// A records-only payload is a client-side response, nothing to do.
		return nil
	}
	return []dim.Content{dim.NewANSResponse(p.ans.ResolveMany(names))}
}
