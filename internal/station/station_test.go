package station_test

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dim-network/godim/internal/dim"
	"github.com/dim-network/godim/internal/gate"
	"github.com/dim-network/godim/internal/push"
	"github.com/dim-network/godim/internal/session"
	"github.com/dim-network/godim/internal/station"
	"github.com/dim-network/godim/internal/store"
)

var (
	alice     = dim.NewID("alice", dim.TypeUser, []byte("alice"))
	bob       = dim.NewID("bob", dim.TypeUser, []byte("bob"))
	relay     = dim.NewID("relay", dim.TypeStation, []byte("relay"))
	archivist = dim.NewID("archivist", dim.TypeBot, []byte("archivist"))
	gsp       = dim.NewID("gsp", dim.TypeISP, []byte("gsp"))
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingService collects notifications from the push center.
type recordingService struct {
	mu  sync.Mutex
	got []*push.Notification
}

func (s *recordingService) Push(_ context.Context, n *push.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, n)
	return nil
}

func (s *recordingService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

// env is one fully wired station pipeline over temp storage.
type env struct {
	local      dim.ID
	center     *session.Center
	offline    *store.OfflineStore
	logins     *store.LoginStore
	accounts   *store.AccountStore
	neighbors  *store.NeighborStore
	filter     *station.Filter
	dispatcher *station.Dispatcher
	messenger  *station.Messenger
	pushed     *recordingService
}

func newEnv(t *testing.T) *env {
	t.Helper()

	logger := testLogger()
	local := dim.NewID("gsp-s001", dim.TypeStation, []byte("local-station"))
	db := store.NewDatabase(t.TempDir(), "", "")

	e := &env{
		local:     local,
		center:    session.NewCenter(logger),
		offline:   store.NewOfflineStore(0, nil, logger),
		logins:    store.NewLoginStore(db, logger),
		accounts:  store.NewAccountStore(db, logger),
		neighbors: store.NewNeighborStore(db, logger),
		pushed:    &recordingService{},
	}

	ans := station.NewANS(map[string]string{
		"station":   local.String(),
		"archivist": archivist.String(),
	}, logger)

	pushCenter := push.NewCenter(0, 0, nil, logger)
	pushCenter.AddService(e.pushed)

	e.dispatcher = station.NewDispatcher(station.DispatcherConfig{
		Local:     local,
		Center:    e.center,
		Offline:   e.offline,
		Logins:    e.logins,
		Accounts:  e.accounts,
		Neighbors: e.neighbors,
		ANS:       ans,
		Push:      pushCenter,
		Bots:      []dim.ID{archivist},
		Logger:    logger,
	})
	processor := station.NewProcessor(local, e.logins, e.accounts, ans, e.dispatcher, logger)
	e.filter = station.NewFilter(local, e.neighbors, logger)
	e.messenger = station.NewMessenger(
		local, station.DigestCrypto{}, e.filter, processor, e.dispatcher,
		e.accounts, e.offline, nil, logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = e.dispatcher.Run(ctx) }()
	go func() { defer wg.Done(); _ = pushCenter.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("background loops did not stop")
		}
	})
	return e
}

// connect starts one session wired to the messenger and primes the MTP
// framing with an ignorable frame.
func (e *env) connect(t *testing.T) (*session.Session, net.Conn) {
	t.Helper()

	srv, cli := net.Pipe()
	s := session.NewSession(srv, e.center, testLogger(), 0)
	s.SetHandler(e.messenger)
	s.SetActivatedCallback(e.messenger.ReloadOffline)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		_ = cli.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("session did not shut down")
		}
	})

	var f gate.MTPFramer
	if _, err := cli.Write(f.EncodeMessage([]byte("{}"))); err != nil {
		t.Fatalf("prime framing: %v", err)
	}
	return s, cli
}

// connectAs starts a session already bound and active for the entity,
// skipping the handshake round trip.
func (e *env) connectAs(t *testing.T, id dim.ID) (*session.Session, net.Conn) {
	t.Helper()

	s, cli := e.connect(t)
	bind(s, id)
	return s, cli
}

// login records the user as attached to the given station.
func (e *env) login(t *testing.T, user, station dim.ID) {
	t.Helper()

	cmd := dim.NewLoginCommand(user, station, "relay.example.com", 9394)
	msg := commandMessage(t, user, e.local, cmd)
	if _, err := e.logins.SaveLogin(cmd, msg); err != nil {
		t.Fatalf("save login: %v", err)
	}
}

// bind marks a session authenticated for the given entity.
func bind(s *session.Session, id dim.ID) {
	s.SetID(id.Bare().String())
	s.SetActive(true, time.Now())
}

// sign produces the digest signature DigestCrypto accepts.
func sign(body []byte) []byte {
	sum := sha256.Sum256(body)
	return sum[:]
}

// commandMessage wraps a command content in a signed message.
func commandMessage(t *testing.T, sender, receiver dim.ID, content dim.Content) *dim.ReliableMessage {
	t.Helper()

	body, err := content.Encode()
	if err != nil {
		t.Fatalf("encode content: %v", err)
	}
	env := dim.Envelope{Sender: sender, Receiver: receiver, Time: time.Now(), Type: content.Type()}
	return dim.NewReliableMessage(env, body, sign(body))
}

// cipherMessage builds a signed opaque-payload message.
func cipherMessage(sender, receiver dim.ID, payload string) *dim.ReliableMessage {
	env := dim.Envelope{
		Sender: sender, Receiver: receiver,
		Time: time.Now(), Type: dim.ContentText,
	}
	return dim.NewReliableMessage(env, []byte(payload), sign([]byte(payload)))
}

// send writes one message as an MTP frame.
func send(t *testing.T, conn net.Conn, msg *dim.ReliableMessage) {
	t.Helper()

	payload, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}
	var f gate.MTPFramer
	if _, err := conn.Write(f.EncodeMessage(payload)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// readMTP reads one MTP frame and returns its type and body.
func readMTP(t *testing.T, conn net.Conn) (dataType byte, body []byte) {
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
	return header[3] & 0x0F, body
}

// readMessage reads one frame and decodes the message it carries.
func readMessage(t *testing.T, conn net.Conn) *dim.ReliableMessage {
	t.Helper()

	_, body := readMTP(t, conn)
	msg, err := dim.ParseReliableMessage(body)
	if err != nil {
		t.Fatalf("parse message %q: %v", body, err)
	}
	return msg
}

// contentOf decrypts a station response body (plaintext under
// DigestCrypto) into a content dictionary.
func contentOf(t *testing.T, msg *dim.ReliableMessage) dim.Content {
	t.Helper()

	c, err := dim.ParseContent(msg.Data())
	if err != nil {
		t.Fatalf("parse content %q: %v", msg.Data(), err)
	}
	return c
}

// waitFor polls until the condition holds or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
