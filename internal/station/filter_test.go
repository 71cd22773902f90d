package station_test

import (
	"testing"

	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/station"
	"github.com/dim-network/godim/internal/store"
)

func testFilter(t *testing.T) (*station.Filter, dim.ID, *store.NeighborStore) {
	t.Helper()

	local := dim.NewID("gsp-s001", dim.TypeStation, []byte("local-station"))
	neighbors := store.NewNeighborStore(store.NewDatabase(t.TempDir(), "", ""), testLogger())
	return station.NewFilter(local, neighbors, testLogger()), local, neighbors
}

// -------------------------------------------------------------------------
// TestTraceAppendedOnce — the local ID lands in traces at most once
// -------------------------------------------------------------------------

func TestTraceAppendedOnce(t *testing.T) {
	t.Parallel()

	f, local, _ := testFilter(t)
	msg := cipherMessage(bob, alice, "x")

	if f.CheckTraced(msg) {
		t.Fatal("fresh message dropped")
	}
	if got := traceCount(msg, local); got != 1 {
		t.Fatalf("trace count = %d, want 1", got)
	}

	// A second pass toward a user receiver relays without re-stamping.
	if f.CheckTraced(msg) {
		t.Fatal("traced message toward a user dropped")
	}
	if got := traceCount(msg, local); got != 1 {
		t.Errorf("trace count after second pass = %d, want 1", got)
	}
}

// -------------------------------------------------------------------------
// TestTraceCycleDrops — traced plus station or broadcast receiver
// -------------------------------------------------------------------------

func TestTraceCycleDrops(t *testing.T) {
	t.Parallel()

	f, local, _ := testFilter(t)

	tests := []struct {
		name     string
		receiver dim.ID
		wantDrop bool
	}{
		{"station receiver", relay, true},
		{"every station", dim.EveryStation, true},
		{"everyone", dim.Everyone, true},
		{"user receiver", alice, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := cipherMessage(bob, tt.receiver, "x")
			msg.AppendTrace(local)
			if got := f.CheckTraced(msg); got != tt.wantDrop {
				t.Errorf("CheckTraced() = %v, want %v", got, tt.wantDrop)
			}
		})
	}
}

// -------------------------------------------------------------------------
// TestTrustedSender — bound identifier or registered neighbor station
// -------------------------------------------------------------------------

func TestTrustedSender(t *testing.T) {
	t.Parallel()

	f, _, neighbors := testFilter(t)

	if f.TrustedSender(nil, alice) {
		t.Error("user without session trusted")
	}
	if f.TrustedSender(nil, relay) {
		t.Error("unknown station trusted")
	}

	if err := neighbors.AddProvider(store.ProviderInfo{ID: gsp}); err != nil {
		t.Fatalf("AddProvider: %v", err)
	}
	err := neighbors.UpdateStation(store.StationInfo{
		ID: relay, Host: "relay.example.com", Port: 9394, Provider: gsp,
	})
	if err != nil {
		t.Fatalf("UpdateStation: %v", err)
	}
	if !f.TrustedSender(nil, relay) {
		t.Error("registered neighbor station not trusted")
	}
}

// -------------------------------------------------------------------------
// TestBlockList
// -------------------------------------------------------------------------

func TestBlockList(t *testing.T) {
	t.Parallel()

	f, _, _ := testFilter(t)

	if f.Blocked(bob) {
		t.Fatal("bob blocked from the start")
	}
	f.Block(bob)
	if !f.Blocked(bob) {
		t.Error("bob not blocked after Block")
	}
	f.Unblock(bob)
	if f.Blocked(bob) {
		t.Error("bob still blocked after Unblock")
	}
}
