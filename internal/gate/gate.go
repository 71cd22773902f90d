package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// -------------------------------------------------------------------------
// Gate status
// -------------------------------------------------------------------------

// Status is the lifecycle state of one gate.
type Status uint8

const (
	// StatusPreparing means the framing has not been sniffed yet.
	StatusPreparing Status = iota

	// StatusReady means frames are flowing.
	StatusReady

	// StatusError means an I/O error broke the connection.
	StatusError

	// StatusClosed means the gate shut down cleanly.
	StatusClosed
)

// String returns the human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusPreparing:
		return "preparing"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// -------------------------------------------------------------------------
// Delegate
// -------------------------------------------------------------------------

// Delegate receives gate events. OnGateArrival returns zero or more
// response payloads bound to the same arrival; the gate packages them in
// the connection's framing. Callbacks run on the gate's reader goroutine.
type Delegate interface {
	// OnGateStatus reports a lifecycle transition.
	OnGateStatus(previous, current Status)

	// OnGateArrival handles one inbound payload and returns the response
	// payloads to send back, if any.
	OnGateArrival(a *Arrival) [][]byte
}

// -------------------------------------------------------------------------
// Gate
// -------------------------------------------------------------------------

const (
	// sniffLen is the number of bytes needed to classify a connection:
	// a Mars header (20) covers "GET " (4) and the MTP magic (3).
	sniffLen = marsHeaderLen

	// writeTimeout bounds one frame write.
	writeTimeout = 30 * time.Second

	// readBufCap is the initial capacity of the inbound buffer.
	readBufCap = 4096
)

// httpGet marks an HTTP request line, i.e. a WebSocket upgrade attempt.
var httpGet = []byte("GET ")

// ErrGateClosed is returned by Send on a gate that already shut down.
var ErrGateClosed = errors.New("gate closed")

// Gate drives one stream connection: it sniffs the framing from the first
// bytes, decodes inbound frames to the delegate, and drains the departure
// queue to the wire. One reader and one writer goroutine per gate.
type Gate struct {
	conn     net.Conn
	queue    *DepartureQueue
	delegate Delegate
	logger   *slog.Logger

	mtp  MTPFramer
	mars MarsFramer
	ws   *websocket.Conn

	framing atomic.Uint32
	status  atomic.Uint32

	closeOnce sync.Once
	done      chan struct{}
}

// NewGate wraps an accepted connection. The gate does not own the queue's
// lifetime; Close fails its pending departures but the session creates it.
func NewGate(conn net.Conn, queue *DepartureQueue, delegate Delegate, logger *slog.Logger) *Gate {
	g := &Gate{
		conn:     conn,
		queue:    queue,
		delegate: delegate,
		logger: logger.With(
			slog.String("component", "gate"),
			slog.String("remote", conn.RemoteAddr().String()),
		),
		done: make(chan struct{}),
	}
	g.status.Store(uint32(StatusPreparing))
	return g
}

// NewClientGate wraps an outgoing connection with a fixed framing. Client
// gates (station bridge, test harnesses) speak first, so there is nothing
// to sniff.
func NewClientGate(conn net.Conn, framing Framing, queue *DepartureQueue, delegate Delegate, logger *slog.Logger) *Gate {
	g := NewGate(conn, queue, delegate, logger)
	g.framing.Store(uint32(framing))
	return g
}

// Framing returns the wire format sniffed for this connection.
func (g *Gate) Framing() Framing { return Framing(g.framing.Load()) }

// Status returns the current lifecycle state.
func (g *Gate) Status() Status { return Status(g.status.Load()) }

// RemoteAddr returns the peer address.
func (g *Gate) RemoteAddr() net.Addr { return g.conn.RemoteAddr() }

// setStatus transitions the lifecycle state and notifies the delegate.
func (g *Gate) setStatus(next Status) {
	prev := Status(g.status.Swap(uint32(next)))
	if prev == next {
		return
	}
	if g.delegate != nil {
		g.delegate.OnGateStatus(prev, next)
	}
}

// Send queues a payload for delivery.
func (g *Gate) Send(d *Departure) error {
	select {
	case <-g.done:
		return ErrGateClosed
	default:
	}
	return g.queue.Push(d)
}

// Close tears the gate down: the connection is closed, pending departures
// fail, and the reader/writer loops unwind.
func (g *Gate) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
		if ws := g.ws; ws != nil {
			_ = ws.Close()
		}
		_ = g.conn.Close()
		g.queue.Close()
	})
}

// Run drives the gate until the connection breaks or ctx is cancelled.
func (g *Gate) Run(ctx context.Context) error {
	defer g.Close()

	stop := context.AfterFunc(ctx, g.Close)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.writeLoop()
	}()

	err := g.readLoop()
	g.Close()
	wg.Wait()

	switch {
	case ctx.Err() != nil:
		g.setStatus(StatusClosed)
		return ctx.Err()
	case err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
		g.setStatus(StatusClosed)
		return nil
	default:
		g.setStatus(StatusError)
		return err
	}
}

// -------------------------------------------------------------------------
// Reader
// -------------------------------------------------------------------------

// readLoop sniffs the framing from the first bytes, then decodes frames
// until the stream ends.
func (g *Gate) readLoop() error {
	buf := make([]byte, 0, readBufCap)
	chunk := make([]byte, readBufCap)

	for g.Framing() == FramingUnknown {
		n, err := g.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		for g.Framing() == FramingUnknown {
			if bytes.HasPrefix(buf, httpGet) {
				return g.runWebSocket(buf)
			}
			if g.mtp.Recognize(buf) {
				g.framing.Store(uint32(FramingMTP))
				break
			}
			if g.mars.Recognize(buf) {
				g.framing.Store(uint32(FramingMars))
				break
			}
			if len(buf) < sniffLen {
				// Not enough bytes to rule everything out yet.
				break
			}
			// Unrecognizable prefix, skip a byte and re-sniff.
			buf = buf[1:]
		}
		if g.Framing() == FramingUnknown && err != nil {
			return fmt.Errorf("sniff framing: %w", err)
		}
	}

	framing := g.Framing()
	g.logger.Debug("connection framing detected", slog.String("framing", framing.String()))
	g.setStatus(StatusReady)

	for {
		var arrivals []Arrival
		var consumed int
		switch framing {
		case FramingMTP:
			arrivals, consumed = g.mtp.Decode(buf)
		case FramingMars:
			arrivals, consumed = g.mars.Decode(buf)
		}
		buf = buf[consumed:]
		for i := range arrivals {
			g.handleArrival(&arrivals[i])
		}

		n, err := g.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return err
		}
	}
}

// runWebSocket upgrades the sniffed HTTP request and pumps frames from the
// upgraded connection.
func (g *Gate) runWebSocket(prefix []byte) error {
	ws, err := upgradeWebSocket(g.conn, prefix)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	g.ws = ws
	g.framing.Store(uint32(FramingWS))
	g.logger.Debug("connection framing detected", slog.String("framing", "WebSocket"))
	g.setStatus(StatusReady)

	for {
		arrival, err := wsRead(ws)
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		g.handleArrival(arrival)
	}
}

// handleArrival answers transport-level frames in place and forwards the
// rest to the delegate. Mars clients always get a response, empty body if
// nothing else, so their request does not time out.
func (g *Gate) handleArrival(a *Arrival) {
	if IsPing(a) {
		g.pushResponse(Pong(), a)
		return
	}
	var responses [][]byte
	if len(a.Payload) > 0 && g.delegate != nil {
		responses = g.delegate.OnGateArrival(a)
	}
	for _, payload := range responses {
		g.pushResponse(payload, a)
	}
	if len(responses) == 0 && a.Framing == FramingMars {
		g.pushResponse(nil, a)
	}
}

// pushResponse queues a response bound to the arrival it answers.
func (g *Gate) pushResponse(payload []byte, ack *Arrival) {
	err := g.queue.Push(&Departure{
		Payload:  payload,
		Priority: PriorityUrgent,
		Retries:  ResponseRetries,
		Ack:      ack,
	})
	if err != nil {
		g.logger.Warn("response dropped", slog.Any("error", err))
	}
}

// -------------------------------------------------------------------------
// Writer
// -------------------------------------------------------------------------

// writeLoop drains the departure queue to the wire. Departures queued
// before the framing is sniffed wait until the first inbound frame settles
// it.
func (g *Gate) writeLoop() {
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		if g.Framing() == FramingUnknown {
			select {
			case <-tick.C:
				continue
			case <-g.done:
				return
			}
		}
		d := g.queue.Pop()
		if d == nil {
			select {
			case <-g.queue.Wait():
				continue
			case <-g.done:
				return
			}
		}
		if err := g.writeDeparture(d); err != nil {
			// A write error means the stream is broken; the retry budget
			// covers resends on a live link, not a dead one.
			if d.OnFailed != nil {
				d.OnFailed(err)
			}
			g.logger.Debug("frame write failed", slog.Any("error", err))
			g.Close()
			return
		}
		if d.OnSent != nil {
			d.OnSent()
		}
	}
}

// writeDeparture packages one departure in the connection's framing and
// writes it.
func (g *Gate) writeDeparture(d *Departure) error {
	deadline := time.Now().Add(writeTimeout)
	switch g.Framing() {
	case FramingWS:
		if d.Payload == nil {
			// WebSocket needs no empty acks; the frame itself is the unit.
			return nil
		}
		return wsWrite(g.ws, d.Payload, deadline)
	case FramingMTP:
		var frame []byte
		if d.Ack != nil {
			frame = g.mtp.EncodeAck(d.Ack, d.Payload)
		} else {
			frame = g.mtp.EncodeMessage(d.Payload)
		}
		return g.writeRaw(frame, deadline)
	case FramingMars:
		var frame []byte
		if d.Ack != nil {
			frame = g.mars.EncodeAck(d.Ack, d.Payload)
		} else {
			frame = g.mars.EncodeMessage(d.Payload)
		}
		return g.writeRaw(frame, deadline)
	default:
		return g.queue.Push(d)
	}
}

func (g *Gate) writeRaw(frame []byte, deadline time.Time) error {
	_ = g.conn.SetWriteDeadline(deadline)
	if _, err := g.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
