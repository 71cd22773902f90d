package push_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/push"
)

var (
	alice = dim.NewID("alice", dim.TypeUser, []byte("alice"))
	bob   = dim.NewID("bob", dim.TypeUser, []byte("bob"))
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingService collects pushed notifications.
type recordingService struct {
	mu   sync.Mutex
	got  []*push.Notification
	fail bool
}

func (s *recordingService) Push(_ context.Context, n *push.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	if s.fail {
		return errors.New("provider unavailable")
	}
	return nil
}

func (s *recordingService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

// startCenter runs the center until test cleanup.
func startCenter(t *testing.T, c *push.Center) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("push center did not stop")
		}
	})
}

// -------------------------------------------------------------------------
// TestPushFanOut — every registered service sees every notification
// -------------------------------------------------------------------------

func TestPushFanOut(t *testing.T) {
	t.Parallel()

	c := push.NewCenter(0, 0, nil, testLogger())
	a := &recordingService{}
	b := &recordingService{fail: true} // failure must not stop the other
	c.AddService(a)
	c.AddService(b)
	startCenter(t, c)

	if !c.AddNotification(&push.Notification{
		Sender: bob, Receiver: alice,
		Title: "Message", Content: "Bob: [new message]",
	}) {
		t.Fatal("AddNotification = false")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && (a.count() < 1 || b.count() < 1) {
		time.Sleep(10 * time.Millisecond)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("services saw %d/%d notifications, want 1/1", a.count(), b.count())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.got[0]
	if n.ID == "" {
		t.Error("notification has no ID")
	}
	if !n.Receiver.Equal(alice) || n.Title != "Message" {
		t.Errorf("notification = %+v", n)
	}
}

// -------------------------------------------------------------------------
// TestPushBackPressure — a full queue drops new notifications
// -------------------------------------------------------------------------

func TestPushBackPressure(t *testing.T) {
	t.Parallel()

	// Tiny queue, no consumer: the third enqueue must be dropped.
	c := push.NewCenter(2, 1, nil, testLogger())

	if !c.AddNotification(&push.Notification{Receiver: alice, Title: "1"}) {
		t.Fatal("first AddNotification = false")
	}
	if !c.AddNotification(&push.Notification{Receiver: alice, Title: "2"}) {
		t.Fatal("second AddNotification = false")
	}
	if c.AddNotification(&push.Notification{Receiver: alice, Title: "3"}) {
		t.Error("overflow AddNotification = true, want false")
	}
}
