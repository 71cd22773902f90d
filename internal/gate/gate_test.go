package gate_test

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dim-network/godim/internal/gate"
)

// testDelegate records status transitions and answers every arrival with a
// fixed reply (nil means no reply).
type testDelegate struct {
	mu       sync.Mutex
	statuses []gate.Status
	arrivals [][]byte
	reply    []byte
}

func (d *testDelegate) OnGateStatus(_, current gate.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, current)
}

func (d *testDelegate) OnGateArrival(a *gate.Arrival) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.arrivals = append(d.arrivals, append([]byte(nil), a.Payload...))
	if d.reply == nil {
		return nil
	}
	return [][]byte{d.reply}
}

func (d *testDelegate) sawStatus(s gate.Status) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, got := range d.statuses {
		if got == s {
			return true
		}
	}
	return false
}

// startGate runs a gate over the server side of a pipe and returns the
// client side plus a cleanup that waits for the gate to unwind.
func startGate(t *testing.T, d *testDelegate) net.Conn {
	t.Helper()

	srv, cli := net.Pipe()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := gate.NewGate(srv, gate.NewDepartureQueue(0), d, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = g.Run(ctx)
	}()
	t.Cleanup(func() {
		_ = cli.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("gate did not shut down")
		}
	})
	return cli
}

// readMTP reads one MTP frame off the wire.
func readMTP(t *testing.T, conn net.Conn) (dataType byte, sn, body []byte) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	header := make([]byte, 16)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read MTP header: %v", err)
	}
	bodyLen := binary.BigEndian.Uint32(header[12:16])
	body = make([]byte, bodyLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read MTP body: %v", err)
	}
	return header[3] & 0x0F, header[4:12], body
}

// readMars reads one Mars frame off the wire.
func readMars(t *testing.T, conn net.Conn) (cmd, seq uint32, body []byte) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	header := make([]byte, 20)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read Mars header: %v", err)
	}
	bodyLen := binary.BigEndian.Uint32(header[16:20])
	body = make([]byte, bodyLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read Mars body: %v", err)
	}
	return binary.BigEndian.Uint32(header[8:12]), binary.BigEndian.Uint32(header[12:16]), body
}

// -------------------------------------------------------------------------
// TestGateMTPRequestResponse — sniffed MTP frames reach the delegate and
// responses bind to the request transaction ID
// -------------------------------------------------------------------------

func TestGateMTPRequestResponse(t *testing.T) {
	t.Parallel()

	d := &testDelegate{reply: []byte(`{"ack":true}`)}
	cli := startGate(t, d)

	var f gate.MTPFramer
	request := f.EncodeMessage([]byte(`{"type":136}`))
	if _, err := cli.Write(request); err != nil {
		t.Fatalf("write request: %v", err)
	}

	dataType, sn, body := readMTP(t, cli)
	if dataType != gate.MTPMessageResponse {
		t.Errorf("response type = %#x, want %#x", dataType, gate.MTPMessageResponse)
	}
	if string(sn) != string(request[4:12]) {
		t.Errorf("response SN = %x, want %x", sn, request[4:12])
	}
	if string(body) != `{"ack":true}` {
		t.Errorf("response body = %q", body)
	}
	if !d.sawStatus(gate.StatusReady) {
		t.Error("gate never reached ready")
	}
}

// -------------------------------------------------------------------------
// TestGateMarsAlwaysResponds — a Mars request with no delegate reply still
// gets an empty-body ack
// -------------------------------------------------------------------------

func TestGateMarsAlwaysResponds(t *testing.T) {
	t.Parallel()

	d := &testDelegate{reply: nil}
	cli := startGate(t, d)

	if _, err := cli.Write(marsFrame(gate.MarsSendMsg, 5, []byte(`{"type":1}`))); err != nil {
		t.Fatalf("write request: %v", err)
	}

	cmd, seq, body := readMars(t, cli)
	if cmd != gate.MarsSendMsg {
		t.Errorf("ack cmd = %d, want %d", cmd, gate.MarsSendMsg)
	}
	if seq != 5 {
		t.Errorf("ack seq = %d, want 5", seq)
	}
	if len(body) != 0 {
		t.Errorf("ack body = %q, want empty", body)
	}
}

// -------------------------------------------------------------------------
// TestGateMarsPingPong — transport heartbeats never reach the delegate
// -------------------------------------------------------------------------

func TestGateMarsPingPong(t *testing.T) {
	t.Parallel()

	d := &testDelegate{reply: []byte("should not be used")}
	cli := startGate(t, d)

	if _, err := cli.Write(marsFrame(gate.MarsNoop, 1, []byte("PING"))); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	cmd, seq, body := readMars(t, cli)
	if cmd != gate.MarsNoop {
		t.Errorf("pong cmd = %d, want %d", cmd, gate.MarsNoop)
	}
	if seq != 1 {
		t.Errorf("pong seq = %d, want 1", seq)
	}
	if string(body) != "PONG" {
		t.Errorf("pong body = %q, want PONG", body)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.arrivals) != 0 {
		t.Errorf("delegate saw %d arrivals, want 0", len(d.arrivals))
	}
}

// -------------------------------------------------------------------------
// TestGateWebSocket — an HTTP GET prefix upgrades the connection and frames
// flow as binary WebSocket messages
// -------------------------------------------------------------------------

func TestGateWebSocket(t *testing.T) {
	t.Parallel()

	d := &testDelegate{reply: []byte(`{"ack":"ws"}`)}
	cli := startGate(t, d)

	dialer := websocket.Dialer{
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return cli, nil
		},
		HandshakeTimeout: 5 * time.Second,
	}
	ws, _, err := dialer.DialContext(context.Background(), "ws://station/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteMessage(websocket.BinaryMessage, []byte(`{"type":136}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, body, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != `{"ack":"ws"}` {
		t.Errorf("response = %q", body)
	}
}

// -------------------------------------------------------------------------
// TestGateSniffSkipsGarbage — leading junk before a valid MTP frame is
// discarded by the sniffer
// -------------------------------------------------------------------------

func TestGateSniffSkipsGarbage(t *testing.T) {
	t.Parallel()

	d := &testDelegate{reply: []byte("ok")}
	cli := startGate(t, d)

	var f gate.MTPFramer
	junk := make([]byte, 32)
	for i := range junk {
		junk[i] = 0xFF
	}
	payload := append(junk, f.EncodeMessage([]byte("real"))...)
	if _, err := cli.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	dataType, _, body := readMTP(t, cli)
	if dataType != gate.MTPMessageResponse {
		t.Errorf("response type = %#x, want %#x", dataType, gate.MTPMessageResponse)
	}
	if string(body) != "ok" {
		t.Errorf("response body = %q, want ok", body)
	}
}
