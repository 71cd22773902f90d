package dim_test

import (
	"errors"
	"testing"
	"time"

	"github.com/dim-network/godim/internal/dim"
)

var (
	msgSender   = dim.NewID("alice", dim.TypeUser, []byte("alice-key"))
	msgReceiver = dim.NewID("bob", dim.TypeUser, []byte("bob-key"))
	msgStation  = dim.NewID("gsp", dim.TypeStation, []byte("station-key"))
	msgRelay    = dim.NewID("relay", dim.TypeStation, []byte("relay-key"))
)

func newTestMessage(t *testing.T) *dim.ReliableMessage {
	t.Helper()

	return dim.NewReliableMessage(dim.Envelope{
		Sender:   msgSender,
		Receiver: msgReceiver,
		Time:     time.Unix(1700000000, 500e6),
		Type:     dim.ContentText,
	}, []byte("ciphertext"), []byte("signature-bytes"))
}

func TestReliableMessageRoundTrip(t *testing.T) {
	t.Parallel()

	msg := newTestMessage(t)
	msg.AppendTrace(msgStation)

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := dim.ParseReliableMessage(data)
	if err != nil {
		t.Fatalf("ParseReliableMessage() error = %v", err)
	}

	if !got.Sender().Equal(msgSender) {
		t.Errorf("Sender() = %v, want %v", got.Sender(), msgSender)
	}
	if !got.Receiver().Equal(msgReceiver) {
		t.Errorf("Receiver() = %v, want %v", got.Receiver(), msgReceiver)
	}
	if got.Type() != dim.ContentText {
		t.Errorf("Type() = %v, want %v", got.Type(), dim.ContentText)
	}
	if !got.Time().Equal(time.Unix(1700000000, 500e6)) {
		t.Errorf("Time() = %v", got.Time())
	}
	if string(got.Data()) != "ciphertext" {
		t.Errorf("Data() = %q", got.Data())
	}
	if string(got.Signature()) != "signature-bytes" {
		t.Errorf("Signature() = %q", got.Signature())
	}
	if !got.IsTraced(msgStation) {
		t.Error("trace lost in round trip")
	}
}

func TestReliableMessageValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		dict    map[string]any
		wantErr error
	}{
		{
			name:    "no sender",
			dict:    map[string]any{"receiver": msgReceiver.String()},
			wantErr: dim.ErrNoSender,
		},
		{
			name:    "no receiver",
			dict:    map[string]any{"sender": msgSender.String()},
			wantErr: dim.ErrNoReceiver,
		},
		{
			name:    "unparsable sender",
			dict:    map[string]any{"sender": "x@y", "receiver": msgReceiver.String()},
			wantErr: dim.ErrNoSender,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := dim.ReliableMessageFromMap(tt.dict)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ReliableMessageFromMap() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnknownFieldsSurvive(t *testing.T) {
	t.Parallel()

	msg := newTestMessage(t)
	msg.Map()["x-custom"] = "opaque"

	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := dim.ParseReliableMessage(data)
	if err != nil {
		t.Fatalf("ParseReliableMessage() error = %v", err)
	}

	if got.Map()["x-custom"] != "opaque" {
		t.Error("unknown field dropped in round trip")
	}
}

func TestAppendTraceOrder(t *testing.T) {
	t.Parallel()

	msg := newTestMessage(t)
	msg.AppendTrace(msgStation)
	msg.AppendTrace(msgRelay)

	traces := msg.Traces()
	if len(traces) != 2 {
		t.Fatalf("Traces() has %d entries, want 2", len(traces))
	}
	if !traces[0].Equal(msgStation) || !traces[1].Equal(msgRelay) {
		t.Errorf("Traces() = %v, want [%v %v]", traces, msgStation, msgRelay)
	}
	if msg.IsTraced(msgSender) {
		t.Error("IsTraced reported an untraced ID")
	}
}

func TestAddRecipientsUnion(t *testing.T) {
	t.Parallel()

	msg := newTestMessage(t)
	msg.AddRecipients([]dim.ID{msgStation})
	msg.AddRecipients([]dim.ID{msgStation, msgRelay})

	got := msg.Recipients()
	if len(got) != 2 {
		t.Fatalf("Recipients() has %d entries, want 2 (duplicates must merge)", len(got))
	}
	if !got[0].Equal(msgStation) || !got[1].Equal(msgRelay) {
		t.Errorf("Recipients() = %v", got)
	}
}

func TestTargetAndNeighbor(t *testing.T) {
	t.Parallel()

	msg := newTestMessage(t)

	if !msg.Target().IsNil() {
		t.Error("fresh message has a target")
	}
	msg.SetTarget(msgReceiver)
	if !msg.Target().Equal(msgReceiver) {
		t.Errorf("Target() = %v, want %v", msg.Target(), msgReceiver)
	}
	msg.RemoveTarget()
	if !msg.Target().IsNil() {
		t.Error("RemoveTarget left the marker in place")
	}

	msg.Map()["neighbor"] = msgRelay.String()
	if !msg.Neighbor().Equal(msgRelay) {
		t.Errorf("Neighbor() = %v, want %v", msg.Neighbor(), msgRelay)
	}
	msg.RemoveNeighbor()
	if !msg.Neighbor().IsNil() {
		t.Error("RemoveNeighbor left the pin in place")
	}
}

func TestCloneIsolation(t *testing.T) {
	t.Parallel()

	msg := newTestMessage(t)
	clone := msg.Clone()
	clone.SetTarget(msgReceiver)
	clone.AppendTrace(msgStation)

	if !msg.Target().IsNil() {
		t.Error("clone target leaked into the original")
	}
	if msg.IsTraced(msgStation) {
		t.Error("clone trace leaked into the original")
	}
	if !clone.Sender().Equal(msgSender) {
		t.Error("clone lost the envelope")
	}
}

func TestSigFingerprint(t *testing.T) {
	t.Parallel()

	msg := newTestMessage(t)

	sig := msg.Sig()
	if len(sig) != 8 {
		t.Errorf("Sig() = %q, want 8-character fingerprint", sig)
	}
}

func TestOriginEnvelope(t *testing.T) {
	t.Parallel()

	group := dim.NewID("club", dim.TypeGroup, []byte("club-key"))

	msg := newTestMessage(t)
	msg.Map()["origin"] = map[string]any{
		"sender":   msgReceiver.String(),
		"receiver": group.String(),
		"type":     float64(dim.ContentText),
	}

	env := msg.OriginEnvelope()
	if !env.Sender.Equal(msgReceiver) || !env.Receiver.Equal(group) {
		t.Errorf("OriginEnvelope() = %+v", env)
	}
	if _, ok := msg.Map()["origin"]; ok {
		t.Error("origin marker not consumed")
	}

	// Without an origin marker the message's own envelope comes back.
	env = msg.OriginEnvelope()
	if !env.Sender.Equal(msgSender) {
		t.Errorf("fallback envelope sender = %v, want %v", env.Sender, msgSender)
	}
}
