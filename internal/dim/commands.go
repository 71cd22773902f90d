package dim

import "time"

// Station-local command names.
const (
	// CmdHandshake establishes the session key and binds the identifier.
	CmdHandshake = "handshake"

	// CmdLogin states which station a user is currently attached to.
	CmdLogin = "login"

	// CmdReport flips the session's active flag (online/offline).
	CmdReport = "report"

	// CmdDocument queries or publishes entity documents.
	CmdDocument = "document"

	// CmdMeta queries or publishes entity meta.
	CmdMeta = "meta"

	// CmdANS queries or responds with address-name records.
	CmdANS = "ans"

	// CmdReceipt acknowledges message handling back to the sender.
	CmdReceipt = "receipt"

	// CmdPush asks the push relay bot to notify a device.
	CmdPush = "push"
)

// Handshake titles. The four-step protocol:
//
//	1. C->S "Hello world!" without session key  (offer)
//	2. S->C "DIM?" with freshly generated key   (challenge)
//	3. C->S "Hello world!" with that key        (restart)
//	4. S->C "DIM!"                              (accepted)
const (
	// HandshakeHello is the client greeting (steps 1 and 3).
	HandshakeHello = "Hello world!"

	// HandshakeAgain asks the client to sign with a new session key (step 2).
	HandshakeAgain = "DIM?"

	// HandshakeSuccess notifies the client that handshake is accepted (step 4).
	HandshakeSuccess = "DIM!"
)

// Report titles.
const (
	// ReportOnline marks the session active.
	ReportOnline = "online"

	// ReportOffline marks the session inactive.
	ReportOffline = "offline"
)

// -------------------------------------------------------------------------
// Command constructors
// -------------------------------------------------------------------------

// newCommand creates a command content with the given name.
func newCommand(name string) Content {
	c := NewContent(ContentCommand)
	c["command"] = name
	return c
}

// HandshakeOffer creates the client greeting, optionally carrying a
// previously issued session key (steps 1 and 3).
func HandshakeOffer(sessionKey string) Content {
	c := newCommand(CmdHandshake)
	c["title"] = HandshakeHello
	if sessionKey != "" {
		c["session"] = sessionKey
	}
	return c
}

// HandshakeAsk creates the station challenge with a new session key (step 2).
func HandshakeAsk(sessionKey string) Content {
	c := newCommand(CmdHandshake)
	c["title"] = HandshakeAgain
	c["session"] = sessionKey
	return c
}

// HandshakeAccepted creates the station acceptance notice (step 4).
func HandshakeAccepted(sessionKey string) Content {
	c := newCommand(CmdHandshake)
	c["title"] = HandshakeSuccess
	if sessionKey != "" {
		c["session"] = sessionKey
	}
	return c
}

// HandshakeTitle reads the handshake title field.
func HandshakeTitle(c Content) string { return c.GetString("title") }

// HandshakeSession reads the handshake session key field.
func HandshakeSession(c Content) string { return c.GetString("session") }

// NewLoginCommand creates a login command stating that user is attached to
// the given station.
func NewLoginCommand(user ID, station ID, host string, port int) Content {
	c := newCommand(CmdLogin)
	c["ID"] = user.String()
	c["station"] = map[string]any{
		"ID":   station.String(),
		"host": host,
		"port": float64(port),
	}
	return c
}

// LoginStation extracts the station ID a login command points at.
func LoginStation(c Content) ID {
	station, ok := c["station"].(map[string]any)
	if !ok {
		return ID{}
	}
	s, ok := station["ID"].(string)
	if !ok {
		return ID{}
	}
	id, err := ParseID(s)
	if err != nil {
		return ID{}
	}
	return id
}

// NewReportCommand creates an online/offline report.
func NewReportCommand(title string) Content {
	c := newCommand(CmdReport)
	c["title"] = title
	return c
}

// NewANSQuery creates an address-name query for the given names.
func NewANSQuery(names []string) Content {
	c := newCommand(CmdANS)
	list := make([]any, 0, len(names))
	for _, n := range names {
		list = append(list, n)
	}
	c["names"] = list
	return c
}

// NewANSResponse creates an address-name response with resolved records.
func NewANSResponse(records map[string]ID) Content {
	c := newCommand(CmdANS)
	dict := make(map[string]any, len(records))
	for name, id := range records {
		dict[name] = id.String()
	}
	c["records"] = dict
	return c
}

// ANSNames reads the queried names from an ans command.
func ANSNames(c Content) []string {
	list, ok := c["names"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// NewDocumentCommand creates a document response carrying an entity's
// meta and document.
func NewDocumentCommand(id ID, meta, document map[string]any) Content {
	c := newCommand(CmdDocument)
	c["ID"] = id.String()
	if meta != nil {
		c["meta"] = meta
	}
	if document != nil {
		c["document"] = document
	}
	return c
}

// DocumentID reads the entity ID a document command refers to.
func DocumentID(c Content) ID {
	s, ok := c["ID"].(string)
	if !ok {
		return ID{}
	}
	id, err := ParseID(s)
	if err != nil {
		return ID{}
	}
	return id
}

// NewReceipt creates a receipt acknowledging the given message. The origin
// block carries just enough of the envelope for the sender to match it.
func NewReceipt(text string, msg *ReliableMessage) Content {
	c := newCommand(CmdReceipt)
	c["text"] = text
	origin := map[string]any{
		"sender":   msg.Sender().String(),
		"receiver": msg.Receiver().String(),
	}
	if t := msg.Time(); !t.IsZero() {
		origin["time"] = float64(t.UnixMilli()) / 1000
	}
	if sig := msg.Sig(); sig != "" {
		origin["signature"] = sig
	}
	c["origin"] = origin
	return c
}

// PushItem is one rendered notification inside a push command.
type PushItem struct {
	// Receiver is the user to notify.
	Receiver ID

	// Title, Content, Image, Badge and Sound are provider hints.
	Title   string
	Content string
	Image   string
	Badge   int
	Sound   string
}

// NewPushCommand creates a push command carrying the given notifications
// for the push relay bot.
func NewPushCommand(items []PushItem) Content {
	c := newCommand(CmdPush)
	list := make([]any, 0, len(items))
	for _, it := range items {
		m := map[string]any{
			"receiver": it.Receiver.String(),
			"title":    it.Title,
			"content":  it.Content,
		}
		if it.Image != "" {
			m["image"] = it.Image
		}
		if it.Badge != 0 {
			m["badge"] = float64(it.Badge)
		}
		if it.Sound != "" {
			m["sound"] = it.Sound
		}
		list = append(list, m)
	}
	c["items"] = list
	return c
}

// NewTextContent creates a plain text content (error responses).
func NewTextContent(text string) Content {
	c := NewContent(ContentText)
	c["text"] = text
	return c
}

// ContentTime returns the content's declared time (zero when absent).
func ContentTime(c Content) time.Time {
	if f, ok := c["time"].(float64); ok {
		return time.UnixMilli(int64(f * 1000))
	}
	return time.Time{}
}
