package station_test

import (
	"testing"
	"time"

	"github.com/dim-network/godim/internal/dim"
)

// -------------------------------------------------------------------------
// TestReportTogglesActive
// -------------------------------------------------------------------------

func TestReportTogglesActive(t *testing.T) {
	e := newEnv(t)
	s, cli := e.connectAs(t, alice)

	send(t, cli, commandMessage(t, alice, e.local, dim.NewReportCommand(dim.ReportOffline)))
	receipt := contentOf(t, readMessage(t, cli))
	if got := receipt.GetString("text"); got != "Report received" {
		t.Errorf("receipt text = %q, want Report received", got)
	}
	waitFor(t, "session inactive", func() bool { return !s.Active() })

	send(t, cli, commandMessage(t, alice, e.local, dim.NewReportCommand(dim.ReportOnline)))
	readMessage(t, cli)
	waitFor(t, "session active again", func() bool { return s.Active() })
}

// -------------------------------------------------------------------------
// TestLoginTriggersRoamingReplay — a roamed login drains the backlog
// toward the new station
// -------------------------------------------------------------------------

func TestLoginTriggersRoamingReplay(t *testing.T) {
	e := newEnv(t)
	_, bobConn := e.connectAs(t, bob)

	send(t, bobConn, cipherMessage(bob, alice, "catch up"))
	readMessage(t, bobConn) // receipt
	waitFor(t, "message stored", func() bool {
		return e.offline.Count(alice) == 1
	})

	_, relayConn := e.connectAs(t, relay)
	login := dim.NewLoginCommand(alice, relay, "relay.example.com", 9394)
	send(t, relayConn, commandMessage(t, alice, e.local, login))

	// Two frames ride the relay session in either order: the login
	// receipt for alice and the replayed backlog message.
	sawBacklog := false
	for i := 0; i < 2; i++ {
		msg := readMessage(t, relayConn)
		if string(msg.Data()) == "catch up" {
			sawBacklog = true
		}
	}
	if !sawBacklog {
		t.Fatal("stored message did not ride the relay session")
	}
	waitFor(t, "offline store drained", func() bool {
		return e.offline.Count(alice) == 0
	})
}

// -------------------------------------------------------------------------
// TestStaleLoginIgnored — an older login cannot overwrite a newer one
// -------------------------------------------------------------------------

func TestStaleLoginIgnored(t *testing.T) {
	e := newEnv(t)
	e.login(t, alice, relay)

	stale := dim.NewLoginCommand(alice, e.local, "localhost", 9394)
	stale["time"] = float64(time.Now().Add(-time.Hour).UnixMilli()) / 1000
	msg := commandMessage(t, alice, e.local, stale)
	if _, err := e.logins.SaveLogin(stale, msg); err != nil {
		t.Fatalf("SaveLogin: %v", err)
	}

	if got := e.logins.RoamingStation(alice); !got.Equal(relay.Bare()) {
		t.Errorf("roaming station = %s, want relay", got)
	}
}

// -------------------------------------------------------------------------
// TestANSQuery
// -------------------------------------------------------------------------

func TestANSQuery(t *testing.T) {
	e := newEnv(t)
	_, cli := e.connectAs(t, alice)

	send(t, cli, commandMessage(t, alice, e.local, dim.NewANSQuery([]string{"archivist", "nobody"})))

	resp := contentOf(t, readMessage(t, cli))
	if got := resp.Command(); got != dim.CmdANS {
		t.Fatalf("response command = %q, want ans", got)
	}
	records, _ := resp["records"].(map[string]any)
	if got, _ := records["archivist"].(string); got != archivist.String() {
		t.Errorf("archivist record = %q, want %s", got, archivist)
	}
	if _, ok := records["nobody"]; ok {
		t.Error("unknown name resolved")
	}
}

// -------------------------------------------------------------------------
// TestDocumentPublishAndQuery
// -------------------------------------------------------------------------

func TestDocumentPublishAndQuery(t *testing.T) {
	e := newEnv(t)
	_, cli := e.connectAs(t, alice)

	meta := map[string]any{"version": float64(1), "key": "pub"}
	doc := map[string]any{
		"ID":   alice.String(),
		"type": "visa",
		"name": "Alice",
		"time": float64(time.Now().UnixMilli()) / 1000,
	}
	publish := dim.NewDocumentCommand(alice, meta, doc)
	send(t, cli, commandMessage(t, alice, e.local, publish))

	receipt := contentOf(t, readMessage(t, cli))
	if got := receipt.GetString("text"); got != "Document received" {
		t.Fatalf("receipt text = %q, want Document received", got)
	}

	send(t, cli, commandMessage(t, alice, e.local, dim.NewDocumentCommand(alice, nil, nil)))
	resp := contentOf(t, readMessage(t, cli))
	if got := resp.Command(); got != dim.CmdDocument {
		t.Fatalf("response command = %q, want document", got)
	}
	gotDoc, _ := resp["document"].(map[string]any)
	if got, _ := gotDoc["name"].(string); got != "Alice" {
		t.Errorf("document name = %q, want Alice", got)
	}
}

// -------------------------------------------------------------------------
// TestFutureDocumentRejected
// -------------------------------------------------------------------------

func TestFutureDocumentRejected(t *testing.T) {
	e := newEnv(t)
	_, cli := e.connectAs(t, alice)

	doc := map[string]any{
		"ID":   alice.String(),
		"type": "visa",
		"time": float64(time.Now().Add(10*time.Minute).UnixMilli()) / 1000,
	}
	send(t, cli, commandMessage(t, alice, e.local, dim.NewDocumentCommand(alice, nil, doc)))

	resp := contentOf(t, readMessage(t, cli))
	if got := resp.GetString("text"); got != "Document not accepted" {
		t.Errorf("response text = %q, want Document not accepted", got)
	}
}

// -------------------------------------------------------------------------
// TestUnsupportedCommand
// -------------------------------------------------------------------------

func TestUnsupportedCommand(t *testing.T) {
	e := newEnv(t)
	_, cli := e.connectAs(t, alice)

	search := dim.NewContent(dim.ContentCommand)
	search["command"] = "search"
	send(t, cli, commandMessage(t, alice, e.local, search))

	resp := contentOf(t, readMessage(t, cli))
	if got := resp.GetString("text"); got != "Command not supported: search" {
		t.Errorf("response text = %q, want the unsupported notice", got)
	}
}
