package station_test

import (
	"testing"

	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/session"
	"github.com/dim-network/godim/internal/station"
	"github.com/dim-network/godim/internal/store"
)

func testManager(t *testing.T) (*station.BroadcastManager, dim.ID) {
	t.Helper()

	local := dim.NewID("gsp-s001", dim.TypeStation, []byte("local-station"))
	neighbors := store.NewNeighborStore(store.NewDatabase(t.TempDir(), "", ""), testLogger())
	if err := neighbors.AddProvider(store.ProviderInfo{ID: gsp}); err != nil {
		t.Fatalf("AddProvider: %v", err)
	}
	err := neighbors.UpdateStation(store.StationInfo{
		ID: relay, Host: "relay.example.com", Port: 9394, Provider: gsp,
	})
	if err != nil {
		t.Fatalf("UpdateStation: %v", err)
	}

	ans := station.NewANS(map[string]string{"archivist": archivist.String()}, testLogger())
	center := session.NewCenter(testLogger())
	return station.NewBroadcastManager(local, ans, neighbors, center, nil, testLogger()), local
}

// -------------------------------------------------------------------------
// TestExpandEveryone — neighbors plus bots, recipients stamped
// -------------------------------------------------------------------------

func TestExpandEveryone(t *testing.T) {
	t.Parallel()

	m, _ := testManager(t)
	msg := cipherMessage(bob, dim.Everyone, "x")

	targets := m.Expand(msg)
	if !containsID(targets, relay.Bare()) || !containsID(targets, archivist.Bare()) {
		t.Fatalf("targets = %v, want relay and archivist", targets)
	}
	recipients := msg.Recipients()
	if !containsID(recipients, relay.Bare()) || !containsID(recipients, archivist.Bare()) {
		t.Errorf("recipients = %v, want relay and archivist", recipients)
	}
}

// -------------------------------------------------------------------------
// TestExpandEveryStation — bots excluded
// -------------------------------------------------------------------------

func TestExpandEveryStation(t *testing.T) {
	t.Parallel()

	m, _ := testManager(t)
	msg := cipherMessage(bob, dim.EveryStation, "x")

	targets := m.Expand(msg)
	if !containsID(targets, relay.Bare()) {
		t.Errorf("targets = %v, want relay", targets)
	}
	if containsID(targets, archivist.Bare()) {
		t.Errorf("targets = %v, bots belong to EVERYONE only", targets)
	}
}

// -------------------------------------------------------------------------
// TestExpandSkipsEnumerated — upstream recipients are never re-targeted
// -------------------------------------------------------------------------

func TestExpandSkipsEnumerated(t *testing.T) {
	t.Parallel()

	m, _ := testManager(t)
	msg := cipherMessage(bob, dim.Everyone, "x")
	msg.AddRecipients([]dim.ID{relay.Bare()})

	targets := m.Expand(msg)
	if containsID(targets, relay.Bare()) {
		t.Errorf("targets = %v, relay was already enumerated upstream", targets)
	}
	if !containsID(targets, archivist.Bare()) {
		t.Errorf("targets = %v, want archivist", targets)
	}
}

// -------------------------------------------------------------------------
// TestExpandExcludesSenderFromTargets — sender enumerated, never targeted
// -------------------------------------------------------------------------

func TestExpandExcludesSenderFromTargets(t *testing.T) {
	t.Parallel()

	m, _ := testManager(t)
	msg := cipherMessage(relay, dim.EveryStation, "x")

	targets := m.Expand(msg)
	if containsID(targets, relay.Bare()) {
		t.Errorf("targets = %v, sender must not receive its own broadcast", targets)
	}
	if !containsID(msg.Recipients(), relay.Bare()) {
		t.Errorf("recipients = %v, sender still counts as enumerated", msg.Recipients())
	}
}

// -------------------------------------------------------------------------
// TestExpandUserBroadcast — name@anywhere resolves through the ANS
// -------------------------------------------------------------------------

func TestExpandUserBroadcast(t *testing.T) {
	t.Parallel()

	m, _ := testManager(t)

	anyArchivist := dim.ID{Name: "archivist", Address: dim.AddressAnywhere}
	targets := m.Expand(cipherMessage(bob, anyArchivist, "x"))
	if len(targets) != 1 || !targets[0].Equal(archivist.Bare()) {
		t.Errorf("targets = %v, want exactly the archivist", targets)
	}

	if got := m.Expand(cipherMessage(bob, dim.ID{Name: "nobody", Address: dim.AddressAnywhere}, "x")); len(got) != 0 {
		t.Errorf("targets for unknown name = %v, want none", got)
	}
}

// -------------------------------------------------------------------------
// TestExpandTracedExcluded — stations already in traces are skipped
// -------------------------------------------------------------------------

func TestExpandTracedExcluded(t *testing.T) {
	t.Parallel()

	m, _ := testManager(t)
	msg := cipherMessage(bob, dim.EveryStation, "x")
	msg.AppendTrace(relay)

	if targets := m.Expand(msg); containsID(targets, relay.Bare()) {
		t.Errorf("targets = %v, relay already relayed this message", targets)
	}
}
