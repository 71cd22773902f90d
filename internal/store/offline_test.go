package store_test

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	alice = dim.NewID("alice", dim.TypeUser, []byte("alice"))
	bob   = dim.NewID("bob", dim.TypeUser, []byte("bob"))
	relay = dim.NewID("relay", dim.TypeStation, []byte("relay"))
)

// testMessage builds a signed message from sender to receiver; sig makes
// the signature unique.
func testMessage(sender, receiver dim.ID, sig string) *dim.ReliableMessage {
	env := dim.Envelope{Sender: sender, Receiver: receiver, Time: time.Now()}
	return dim.NewReliableMessage(env, []byte("ciphertext"), []byte(sig))
}

// -------------------------------------------------------------------------
// TestOfflineSaveFetch — FIFO order survives a paged fetch
// -------------------------------------------------------------------------

func TestOfflineSaveFetch(t *testing.T) {
	t.Parallel()

	s := store.NewOfflineStore(0, nil, testLogger())
	for i := 0; i < 5; i++ {
		msg := testMessage(bob, alice, fmt.Sprintf("sig-%d", i))
		if !s.Save(msg, alice) {
			t.Fatalf("Save(%d) = false", i)
		}
	}

	page, remaining := s.Fetch(alice, 0, 3)
	if len(page) != 3 || remaining != 2 {
		t.Fatalf("Fetch(0,3) = %d msgs, %d remaining; want 3, 2", len(page), remaining)
	}
	if string(page[0].Signature()) != "sig-0" {
		t.Errorf("first message signature = %q, want sig-0", page[0].Signature())
	}

	page, remaining = s.Fetch(alice, 3, 3)
	if len(page) != 2 || remaining != 0 {
		t.Fatalf("Fetch(3,3) = %d msgs, %d remaining; want 2, 0", len(page), remaining)
	}
	if string(page[1].Signature()) != "sig-4" {
		t.Errorf("last message signature = %q, want sig-4", page[1].Signature())
	}
}

// -------------------------------------------------------------------------
// TestOfflineNegativeStart — negative start counts from the tail
// -------------------------------------------------------------------------

func TestOfflineNegativeStart(t *testing.T) {
	t.Parallel()

	s := store.NewOfflineStore(0, nil, testLogger())
	for i := 0; i < 4; i++ {
		s.Save(testMessage(bob, alice, fmt.Sprintf("sig-%d", i)), alice)
	}

	page, remaining := s.Fetch(alice, -2, 10)
	if len(page) != 2 || remaining != 0 {
		t.Fatalf("Fetch(-2,10) = %d msgs, %d remaining; want 2, 0", len(page), remaining)
	}
	if string(page[0].Signature()) != "sig-2" {
		t.Errorf("page[0] signature = %q, want sig-2", page[0].Signature())
	}

	// A start further back than the queue clamps to the head.
	page, _ = s.Fetch(alice, -100, 1)
	if len(page) != 1 || string(page[0].Signature()) != "sig-0" {
		t.Errorf("Fetch(-100,1) first = %v", page)
	}
}

// -------------------------------------------------------------------------
// TestOfflineDedupe — a second save with the same signature is rejected
// -------------------------------------------------------------------------

func TestOfflineDedupe(t *testing.T) {
	t.Parallel()

	s := store.NewOfflineStore(0, nil, testLogger())
	msg := testMessage(bob, alice, "dup")
	if !s.Save(msg, alice) {
		t.Fatal("first Save = false")
	}
	if s.Save(msg.Clone(), alice) {
		t.Error("duplicate Save = true, want false")
	}
	if s.Count(alice) != 1 {
		t.Errorf("Count = %d, want 1", s.Count(alice))
	}
}

// -------------------------------------------------------------------------
// TestOfflineRemove — removal is by signature and idempotent
// -------------------------------------------------------------------------

func TestOfflineRemove(t *testing.T) {
	t.Parallel()

	s := store.NewOfflineStore(0, nil, testLogger())
	msg := testMessage(bob, alice, "gone")
	s.Save(msg, alice)
	s.Save(testMessage(bob, alice, "stays"), alice)

	s.Remove(msg.Clone(), alice)
	s.Remove(msg.Clone(), alice) // second remove is a no-op

	if s.Count(alice) != 1 {
		t.Fatalf("Count = %d, want 1", s.Count(alice))
	}
	page, _ := s.Fetch(alice, 0, 10)
	if string(page[0].Signature()) != "stays" {
		t.Errorf("remaining signature = %q, want stays", page[0].Signature())
	}

	// A removed message may arrive again later.
	if !s.Save(msg, alice) {
		t.Error("re-save after remove = false")
	}
}

// -------------------------------------------------------------------------
// TestOfflineOverflow — the cap evicts the oldest entry
// -------------------------------------------------------------------------

func TestOfflineOverflow(t *testing.T) {
	t.Parallel()

	s := store.NewOfflineStore(3, nil, testLogger())
	for i := 0; i < 5; i++ {
		s.Save(testMessage(bob, alice, fmt.Sprintf("sig-%d", i)), alice)
	}

	if s.Count(alice) != 3 {
		t.Fatalf("Count = %d, want 3", s.Count(alice))
	}
	page, _ := s.Fetch(alice, 0, 10)
	if string(page[0].Signature()) != "sig-2" {
		t.Errorf("oldest surviving = %q, want sig-2", page[0].Signature())
	}

	// An evicted signature is forgotten and may be stored again.
	if !s.Save(testMessage(bob, alice, "sig-0"), alice) {
		t.Error("save of evicted signature = false")
	}
}

// -------------------------------------------------------------------------
// TestOfflineNeverPersistsStationTraffic — station and broadcast messages
// are not stored
// -------------------------------------------------------------------------

func TestOfflineNeverPersistsStationTraffic(t *testing.T) {
	t.Parallel()

	s := store.NewOfflineStore(0, nil, testLogger())

	if s.Save(testMessage(relay, alice, "s1"), alice) {
		t.Error("message from a station was stored")
	}
	if s.Save(testMessage(bob, relay, "s2"), relay) {
		t.Error("message to a station was stored")
	}
	if s.Save(testMessage(bob, dim.Everyone, "s3"), dim.Everyone) {
		t.Error("broadcast message was stored")
	}
}

// -------------------------------------------------------------------------
// TestOfflineReceiversIndependent — queues do not share state
// -------------------------------------------------------------------------

func TestOfflineReceiversIndependent(t *testing.T) {
	t.Parallel()

	s := store.NewOfflineStore(0, nil, testLogger())
	s.Save(testMessage(bob, alice, "same-sig"), alice)
	if !s.Save(testMessage(alice, bob, "same-sig"), bob) {
		t.Error("same signature for a different receiver was rejected")
	}
	if s.Count(alice) != 1 || s.Count(bob) != 1 {
		t.Errorf("counts = %d, %d; want 1, 1", s.Count(alice), s.Count(bob))
	}
}
