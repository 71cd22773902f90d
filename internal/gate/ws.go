package gate

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket framing: the connection is sniffed as HTTP ("GET /..."), the
// upgrade is served over the already-open socket by a one-shot http.Server,
// and from then on each binary frame payload is one inner DIM frame.

// wsHandshakeTimeout bounds the HTTP upgrade exchange.
const wsHandshakeTimeout = 10 * time.Second

// errWSNoUpgrade indicates the HTTP request never upgraded.
var errWSNoUpgrade = errors.New("websocket upgrade did not complete")

// wsUpgrader accepts any origin: DIM clients are not browsers bound by a
// same-origin policy, and authentication happens at the handshake layer.
var wsUpgrader = websocket.Upgrader{
	HandshakeTimeout: wsHandshakeTimeout,
	CheckOrigin:      func(*http.Request) bool { return true },
}

// upgradeWebSocket serves the HTTP upgrade on an already-sniffed
// connection. prefix holds the bytes consumed by the sniffer.
func upgradeWebSocket(conn net.Conn, prefix []byte) (*websocket.Conn, error) {
	wsCh := make(chan *websocket.Conn, 1)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error response.
			return
		}
		wsCh <- ws
	})

	lst := &oneConnListener{conn: &prefixConn{Conn: conn, prefix: prefix}}
	// Serve exactly one connection; Accept returns io.EOF afterwards and
	// Serve exits. The upgraded conn is hijacked and stays open.
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: wsHandshakeTimeout}
	_ = srv.Serve(lst)

	select {
	case ws := <-wsCh:
		return ws, nil
	default:
		return nil, errWSNoUpgrade
	}
}

// -------------------------------------------------------------------------
// Listener / conn shims for the one-shot upgrade
// -------------------------------------------------------------------------

// oneConnListener yields a single connection and then reports EOF.
type oneConnListener struct {
	conn net.Conn
	done bool
}

func (l *oneConnListener) Accept() (net.Conn, error) {
	if l.done || l.conn == nil {
		return nil, io.EOF
	}
	l.done = true
	return l.conn, nil
}

func (l *oneConnListener) Close() error { return nil }

func (l *oneConnListener) Addr() net.Addr {
	if l.conn != nil {
		return l.conn.LocalAddr()
	}
	return &net.TCPAddr{}
}

// prefixConn replays sniffed bytes before reading from the socket.
type prefixConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixConn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}

// wsRead reads one inbound frame as an Arrival. Control frames are handled
// by gorilla internally (pings are answered automatically).
func wsRead(ws *websocket.Conn) (*Arrival, error) {
	msgType, payload, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	_ = msgType // text and binary frames both carry DIM payloads
	return &Arrival{Payload: payload, Framing: FramingWS}, nil
}

// wsWrite sends one payload as a binary frame.
func wsWrite(ws *websocket.Conn, payload []byte, deadline time.Time) error {
	_ = ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}
