package store

import (
	"log/slog"
	"sync"

	"github.com/dim-network/godim/internal/dim"
	dimmetrics "github.com/dim-network/godim/internal/metrics"
)

// DefaultOfflineCap is the per-receiver message cap. Overflow evicts the
// oldest entry.
const DefaultOfflineCap = 71680

// OfflineStore holds undelivered messages per receiver, FIFO, deduplicated
// by signature. Station-to-station and broadcast traffic is never kept.
//
// The store is memory-only: a station restart loses pending messages and
// senders re-send on missing receipts. Each receiver has its own queue and
// lock; cross-receiver operations do not contend.
type OfflineStore struct {
	capacity int
	metrics  dimmetrics.Reporter
	logger   *slog.Logger

	mu     sync.RWMutex
	queues map[string]*offlineQueue
}

// offlineQueue is one receiver's FIFO plus its signature index.
type offlineQueue struct {
	mu   sync.Mutex
	msgs []*dim.ReliableMessage
	seen map[string]struct{}
}

// NewOfflineStore creates an offline store. capacity <= 0 uses
// DefaultOfflineCap; metrics may be nil.
func NewOfflineStore(capacity int, metrics dimmetrics.Reporter, logger *slog.Logger) *OfflineStore {
	if capacity <= 0 {
		capacity = DefaultOfflineCap
	}
	if metrics == nil {
		metrics = dimmetrics.Noop{}
	}
	return &OfflineStore{
		capacity: capacity,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "store.offline")),
		queues:   make(map[string]*offlineQueue),
	}
}

// queue returns the receiver's queue, creating it on first use.
func (s *OfflineStore) queue(receiver dim.ID) *offlineQueue {
	key := receiver.Bare().String()

	s.mu.RLock()
	q := s.queues[key]
	s.mu.RUnlock()
	if q != nil {
		return q
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q = s.queues[key]; q == nil {
		q = &offlineQueue{seen: make(map[string]struct{})}
		s.queues[key] = q
	}
	return q
}

// sigKey returns the dedupe key for a message. Unsigned messages get no
// key and are never deduplicated.
func sigKey(msg *dim.ReliableMessage) string {
	sig := msg.Signature()
	if len(sig) == 0 {
		return ""
	}
	return string(sig)
}

// Save appends a message to the receiver's queue. It returns false for
// duplicates (same signature) and for traffic that is never persisted:
// broadcast receivers and station-to-station messages. On overflow the
// oldest entry is evicted; eviction is not an error but is counted.
func (s *OfflineStore) Save(msg *dim.ReliableMessage, receiver dim.ID) bool {
	if receiver.IsBroadcast() {
		return false
	}
	if msg.Sender().Type() == dim.TypeStation || receiver.Type() == dim.TypeStation {
		return false
	}

	q := s.queue(receiver)
	key := sigKey(msg)

	q.mu.Lock()
	defer q.mu.Unlock()

	if key != "" {
		if _, dup := q.seen[key]; dup {
			return false
		}
		q.seen[key] = struct{}{}
	}
	q.msgs = append(q.msgs, msg)
	s.metrics.OfflineStored()

	if len(q.msgs) > s.capacity {
		evicted := q.msgs[0]
		q.msgs = q.msgs[1:]
		if k := sigKey(evicted); k != "" {
			delete(q.seen, k)
		}
		s.metrics.OfflineDropped()
		s.logger.Warn("offline queue overflow, oldest dropped",
			slog.String("receiver", receiver.String()),
			slog.Int("cap", s.capacity),
		)
	}
	return true
}

// Remove deletes the message with the same signature from the receiver's
// queue. Idempotent: removing an absent message is a no-op.
func (s *OfflineStore) Remove(msg *dim.ReliableMessage, receiver dim.ID) {
	q := s.queue(receiver)
	key := sigKey(msg)
	if key == "" {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.seen[key]; !ok {
		return
	}
	delete(q.seen, key)
	for i, m := range q.msgs {
		if sigKey(m) == key {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			break
		}
	}
	s.metrics.OfflineRemoved()
}

// Fetch returns a contiguous page of the receiver's queue starting at
// start (negative counts from the tail) with at most limit entries, plus
// the count of messages after the returned page.
func (s *OfflineStore) Fetch(receiver dim.ID, start, limit int) ([]*dim.ReliableMessage, int) {
	q := s.queue(receiver)

	q.mu.Lock()
	defer q.mu.Unlock()

	total := len(q.msgs)
	if start < 0 {
		start += total
		if start < 0 {
			start = 0
		}
	}
	if start >= total {
		return nil, 0
	}
	end := total
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	page := make([]*dim.ReliableMessage, end-start)
	copy(page, q.msgs[start:end])
	return page, total - end
}

// Count returns the number of messages queued for the receiver.
func (s *OfflineStore) Count(receiver dim.ID) int {
	q := s.queue(receiver)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}
