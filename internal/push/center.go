// Package push implements the station's notification center: a bounded
// FIFO queue drained by one background task that fans each notification
// out to the registered push services (APNs relay bots, webhooks).
package push

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/dim-network/godim/internal/dim"
	dimmetrics "github.com/dim-network/godim/internal/metrics"
)

const (
	// DefaultQueueCap is the hard queue bound; new notifications are
	// dropped beyond it.
	DefaultQueueCap = 100000

	// DefaultWarnDepth is the queue length that triggers a warning log.
	DefaultWarnDepth = 65535
)

// Notification is one push request synthesized from a stored message.
type Notification struct {
	// ID is a unique notification identifier for provider-side dedupe.
	ID string

	// Sender and Receiver are the message endpoints.
	Sender   dim.ID
	Receiver dim.ID

	// Title and Content are the rendered notification text.
	Title   string
	Content string

	// Image, Badge and Sound are optional provider hints.
	Image string
	Badge int
	Sound string
}

// Service delivers one notification to a provider. Implementations must
// be safe for calls from the center's background task.
type Service interface {
	Push(ctx context.Context, n *Notification) error
}

// Center is the process-wide push queue. Producers enqueue from session
// tasks; one Run loop drains and fans out to the registered services.
type Center struct {
	queue   chan *Notification
	warnAt  int
	metrics dimmetrics.Reporter
	logger  *slog.Logger

	mu       sync.Mutex
	services []Service
}

// NewCenter creates a push center. queueCap/warnDepth <= 0 use the
// defaults; metrics may be nil.
func NewCenter(queueCap, warnDepth int, metrics dimmetrics.Reporter, logger *slog.Logger) *Center {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	if warnDepth <= 0 || warnDepth > queueCap {
		warnDepth = DefaultWarnDepth
	}
	if metrics == nil {
		metrics = dimmetrics.Noop{}
	}
	return &Center{
		queue:   make(chan *Notification, queueCap),
		warnAt:  warnDepth,
		metrics: metrics,
		logger:  logger.With(slog.String("component", "push.center")),
	}
}

// AddService registers a push provider. Safe to call while running.
func (c *Center) AddService(s Service) {
	c.mu.Lock()
	c.services = append(c.services, s)
	c.mu.Unlock()
}

// AddNotification enqueues one notification. Returns false when the queue
// is full; the drop is counted, never surfaced as an error.
func (c *Center) AddNotification(n *Notification) bool {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	select {
	case c.queue <- n:
	default:
		c.metrics.PushDropped()
		c.logger.Warn("push queue full, notification dropped",
			slog.String("receiver", n.Receiver.String()),
		)
		return false
	}

	depth := len(c.queue)
	c.metrics.PushQueued()
	c.metrics.PushQueueDepth(depth)
	if depth >= c.warnAt {
		c.logger.Warn("push queue depth high", slog.Int("depth", depth))
	}
	return true
}

// Run drains the queue until ctx is cancelled. Pending notifications at
// cancellation are abandoned; providers are expected to tolerate gaps.
func (c *Center) Run(ctx context.Context) error {
	c.logger.Info("push center started", slog.Int("cap", cap(c.queue)))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("push center stopped", slog.Int("pending", len(c.queue)))
			return ctx.Err()
		case n := <-c.queue:
			c.metrics.PushQueueDepth(len(c.queue))
			c.dispatch(ctx, n)
		}
	}
}

// dispatch hands one notification to every registered service. A failing
// service does not stop the others.
func (c *Center) dispatch(ctx context.Context, n *Notification) {
	c.mu.Lock()
	services := append([]Service(nil), c.services...)
	c.mu.Unlock()

	for _, svc := range services {
		if err := svc.Push(ctx, n); err != nil {
			c.logger.Warn("push service failed",
				slog.String("notification", n.ID),
				slog.String("receiver", n.Receiver.String()),
				slog.Any("error", err),
			)
		}
	}
}
