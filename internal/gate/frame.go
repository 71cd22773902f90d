// Package gate implements the transport layer of a DIM station: one gate
// per stream connection, with three mutually recognizable wire framings
// (MTP, Mars, WebSocket) selected by sniffing the first bytes, and an
// outbound departure queue ordered by priority.
package gate

import (
	"errors"
	"sync"
)

// -------------------------------------------------------------------------
// Framing kinds
// -------------------------------------------------------------------------

// Framing identifies the wire format negotiated for one connection.
type Framing uint8

const (
	// FramingUnknown means the first frame has not arrived yet.
	FramingUnknown Framing = iota

	// FramingMTP is the length-prefixed typed-packet framing.
	FramingMTP

	// FramingMars is the Tencent Mars longlink framing.
	FramingMars

	// FramingWS is RFC 6455 WebSocket after HTTP upgrade.
	FramingWS
)

// String returns the human-readable framing name.
func (f Framing) String() string {
	switch f {
	case FramingMTP:
		return "MTP"
	case FramingMars:
		return "Mars"
	case FramingWS:
		return "WebSocket"
	default:
		return "Unknown"
	}
}

// -------------------------------------------------------------------------
// Arrival & Departure
// -------------------------------------------------------------------------

// Arrival is one inbound frame surfaced by a framer. The transport header
// needed to acknowledge it (transaction ID, Mars seq) rides along so the
// response can be packaged for the same request.
type Arrival struct {
	// Payload is the inner DIM frame (JSON, possibly several objects in
	// lines). Empty for transport-level frames handled inside the gate.
	Payload []byte

	// Framing is the wire format this frame arrived in.
	Framing Framing

	// SN is the MTP transaction ID or Mars sequence marker used to
	// acknowledge this frame. nil for WebSocket.
	SN []byte

	// MarsCmd is the Mars command ID (SEND_MSG, NOOP), 0 otherwise.
	MarsCmd uint32
}

// Departure priorities. Lower is earlier.
const (
	// PriorityUrgent jumps the queue (command responses, handshake).
	PriorityUrgent = -1

	// PriorityNormal is the default for user messages.
	PriorityNormal = 0

	// PrioritySlower is used for redirected (roaming/bridge) traffic.
	PrioritySlower = 1
)

// Departure retry budgets.
const (
	// MessageRetries is the retry budget for message frames.
	MessageRetries = 3

	// ResponseRetries is the retry budget for response frames: a lost
	// response is recovered by the peer re-sending the request.
	ResponseRetries = 1
)

// Departure is one outbound frame waiting in a gate's queue.
type Departure struct {
	// Payload is the inner DIM frame to send.
	Payload []byte

	// Priority orders the queue; see the Priority constants.
	Priority int

	// Retries is the remaining retry budget.
	Retries int

	// Ack, when non-nil, marks this departure as the response to the
	// given arrival; the framer packages it accordingly.
	Ack *Arrival

	// OnSent is invoked after the frame is written to the wire.
	OnSent func()

	// OnFailed is invoked when the frame is dropped (overflow or write
	// error with exhausted budget).
	OnFailed func(err error)
}

// -------------------------------------------------------------------------
// Departure queue — priority-sorted, FIFO within priority
// -------------------------------------------------------------------------

// ErrQueueOverflow is reported to the OnFailed callback of a departure
// dropped because the queue exceeded its capacity.
var ErrQueueOverflow = errors.New("departure queue overflow")

// ErrQueueClosed is returned by Push after Close.
var ErrQueueClosed = errors.New("departure queue closed")

// defaultQueueCap bounds one session's outbound queue. Overflow drops the
// oldest departure of the lowest-priority non-empty bucket.
const defaultQueueCap = 2048

// DepartureQueue is the per-gate outbound queue: single producer side
// (session push), single consumer (gate writer loop).
type DepartureQueue struct {
	mu      sync.Mutex
	buckets map[int][]*Departure
	size    int
	cap     int
	closed  bool
	wakeCh  chan struct{}
}

// NewDepartureQueue creates a bounded departure queue. capacity <= 0 uses
// the default.
func NewDepartureQueue(capacity int) *DepartureQueue {
	if capacity <= 0 {
		capacity = defaultQueueCap
	}
	return &DepartureQueue{
		buckets: make(map[int][]*Departure),
		cap:     capacity,
		wakeCh:  make(chan struct{}, 1),
	}
}

// Push appends a departure to its priority bucket. On overflow the oldest
// departure of the slowest bucket is dropped and its OnFailed invoked.
func (q *DepartureQueue) Push(d *Departure) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.buckets[d.Priority] = append(q.buckets[d.Priority], d)
	q.size++
	var dropped *Departure
	if q.size > q.cap {
		dropped = q.dropOldestSlowest()
	}
	q.mu.Unlock()

	if dropped != nil && dropped.OnFailed != nil {
		dropped.OnFailed(ErrQueueOverflow)
	}
	q.wake()
	return nil
}

// dropOldestSlowest removes the head of the lowest-priority non-empty
// bucket. Caller holds the lock.
func (q *DepartureQueue) dropOldestSlowest() *Departure {
	worst := 0
	found := false
	for p, b := range q.buckets {
		if len(b) == 0 {
			continue
		}
		if !found || p > worst {
			worst = p
			found = true
		}
	}
	if !found {
		return nil
	}
	b := q.buckets[worst]
	d := b[0]
	q.buckets[worst] = b[1:]
	q.size--
	return d
}

// Pop removes the next departure: lowest priority value first, FIFO within
// a priority. Returns nil when the queue is empty.
func (q *DepartureQueue) Pop() *Departure {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := 0
	found := false
	for p, b := range q.buckets {
		if len(b) == 0 {
			continue
		}
		if !found || p < best {
			best = p
			found = true
		}
	}
	if !found {
		return nil
	}
	b := q.buckets[best]
	d := b[0]
	q.buckets[best] = b[1:]
	q.size--
	return d
}

// Len returns the number of queued departures.
func (q *DepartureQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Wait returns a channel that receives a tick whenever the queue may have
// become non-empty.
func (q *DepartureQueue) Wait() <-chan struct{} { return q.wakeCh }

// Close rejects further pushes and fails all queued departures.
func (q *DepartureQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var pending []*Departure
	for p, b := range q.buckets {
		pending = append(pending, b...)
		q.buckets[p] = nil
	}
	q.size = 0
	q.mu.Unlock()

	for _, d := range pending {
		if d.OnFailed != nil {
			d.OnFailed(ErrQueueClosed)
		}
	}
	q.wake()
}

func (q *DepartureQueue) wake() {
	select {
	case q.wakeCh <- struct{}{}:
	default:
	}
}
