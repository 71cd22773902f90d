package dim

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// -------------------------------------------------------------------------
// Envelope
// -------------------------------------------------------------------------

// Envelope is the routing header shared by all message layers.
type Envelope struct {
	// Sender is the message originator. Never mutated in transit.
	Sender ID

	// Receiver is the final destination. Never mutated in transit.
	Receiver ID

	// Time is the sender-declared message time.
	Time time.Time

	// Type is the inner content type, exposed for push notification
	// synthesis. Zero when unknown (the station cannot decrypt).
	Type ContentType

	// Group is the group ID for grouped messages (nil ID otherwise).
	Group ID
}

// -------------------------------------------------------------------------
// ReliableMessage
// -------------------------------------------------------------------------

// Sentinel errors for message decoding.
var (
	// ErrNoSender indicates a message without a parsable sender field.
	ErrNoSender = errors.New("message has no sender")

	// ErrNoReceiver indicates a message without a parsable receiver field.
	ErrNoReceiver = errors.New("message has no receiver")

	// ErrNoSignature indicates a message without a signature field.
	ErrNoSignature = errors.New("message has no signature")
)

// sigFingerprintLen is the number of trailing base64 signature characters
// used as the message's log fingerprint.
const sigFingerprintLen = 8

// ReliableMessage is a signed ciphertext envelope routed by the station.
//
// The message is a JSON dictionary on the wire. The station reads and
// rewrites only transport metadata (traces, recipients, target, neighbor);
// sender, receiver, data and signature pass through untouched. Unknown
// fields survive a round trip.
type ReliableMessage struct {
	dict map[string]any
}

// NewReliableMessage builds a message from an envelope, ciphertext and
// signature. Used by the station when packaging command responses.
func NewReliableMessage(env Envelope, data, signature []byte) *ReliableMessage {
	dict := map[string]any{
		"sender":    env.Sender.String(),
		"receiver":  env.Receiver.String(),
		"time":      float64(env.Time.UnixMilli()) / 1000,
		"data":      base64.StdEncoding.EncodeToString(data),
		"signature": base64.StdEncoding.EncodeToString(signature),
	}
	if env.Type != 0 {
		dict["type"] = float64(env.Type)
	}
	if !env.Group.IsNil() {
		dict["group"] = env.Group.String()
	}
	return &ReliableMessage{dict: dict}
}

// ParseReliableMessage decodes one JSON message object.
func ParseReliableMessage(data []byte) (*ReliableMessage, error) {
	dict := make(map[string]any)
	if err := json.Unmarshal(data, &dict); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return ReliableMessageFromMap(dict)
}

// ReliableMessageFromMap wraps an already-decoded dictionary, validating
// the mandatory envelope fields.
func ReliableMessageFromMap(dict map[string]any) (*ReliableMessage, error) {
	msg := &ReliableMessage{dict: dict}
	if msg.Sender().IsNil() {
		return nil, ErrNoSender
	}
	if msg.Receiver().IsNil() {
		return nil, ErrNoReceiver
	}
	return msg, nil
}

// Encode renders the message as one JSON object.
func (m *ReliableMessage) Encode() ([]byte, error) {
	data, err := json.Marshal(m.dict)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Map returns the underlying dictionary. Callers must not mutate envelope
// fields; transport metadata has dedicated mutators below.
func (m *ReliableMessage) Map() map[string]any { return m.dict }

// Clone returns a shallow copy with an independent top-level dictionary,
// so per-recipient metadata rewrites do not leak between deliveries.
func (m *ReliableMessage) Clone() *ReliableMessage {
	dict := make(map[string]any, len(m.dict))
	for k, v := range m.dict {
		dict[k] = v
	}
	return &ReliableMessage{dict: dict}
}

// -------------------------------------------------------------------------
// Envelope accessors
// -------------------------------------------------------------------------

// Sender returns the message originator (nil ID when unparsable).
func (m *ReliableMessage) Sender() ID { return m.getID("sender") }

// Receiver returns the final destination (nil ID when unparsable).
func (m *ReliableMessage) Receiver() ID { return m.getID("receiver") }

// Group returns the group ID, or the nil ID when absent.
func (m *ReliableMessage) Group() ID { return m.getID("group") }

// Time returns the sender-declared message time (zero when absent).
func (m *ReliableMessage) Time() time.Time {
	if f, ok := m.dict["time"].(float64); ok {
		return time.UnixMilli(int64(f * 1000))
	}
	return time.Time{}
}

// Type returns the declared content type (0 when absent).
func (m *ReliableMessage) Type() ContentType {
	if f, ok := m.dict["type"].(float64); ok {
		return ContentType(f)
	}
	return 0
}

// Envelope assembles the routing header.
func (m *ReliableMessage) Envelope() Envelope {
	return Envelope{
		Sender:   m.Sender(),
		Receiver: m.Receiver(),
		Time:     m.Time(),
		Type:     m.Type(),
		Group:    m.Group(),
	}
}

// Data returns the encrypted payload bytes.
func (m *ReliableMessage) Data() []byte { return m.getBase64("data") }

// Signature returns the raw signature bytes.
func (m *ReliableMessage) Signature() []byte { return m.getBase64("signature") }

// Sig returns the message's log fingerprint: the last 8 characters of the
// base64 signature field.
func (m *ReliableMessage) Sig() string {
	s, _ := m.dict["signature"].(string)
	if len(s) > sigFingerprintLen {
		return s[len(s)-sigFingerprintLen:]
	}
	return s
}

// Meta returns the attached sender meta dictionary, if any.
func (m *ReliableMessage) Meta() map[string]any {
	d, _ := m.dict["meta"].(map[string]any)
	return d
}

// SetMeta attaches the sender's meta for first-contact receivers.
func (m *ReliableMessage) SetMeta(meta map[string]any) { m.dict["meta"] = meta }

// Visa returns the attached sender visa document, if any.
func (m *ReliableMessage) Visa() map[string]any {
	d, _ := m.dict["visa"].(map[string]any)
	return d
}

// SetVisa attaches the sender's visa document.
func (m *ReliableMessage) SetVisa(visa map[string]any) { m.dict["visa"] = visa }

// -------------------------------------------------------------------------
// Transport metadata — traces / recipients / target / neighbor
// -------------------------------------------------------------------------

// Traces returns the ordered list of station IDs this message has passed.
func (m *ReliableMessage) Traces() []ID {
	return m.getIDList("traces")
}

// IsTraced reports whether the given station already appears in traces.
func (m *ReliableMessage) IsTraced(station ID) bool {
	for _, t := range m.Traces() {
		if t.Equal(station) {
			return true
		}
	}
	return false
}

// AppendTrace appends the local station to traces. Append-only: existing
// entries are never removed or reordered.
func (m *ReliableMessage) AppendTrace(station ID) {
	list, _ := m.dict["traces"].([]any)
	m.dict["traces"] = append(list, station.String())
}

// Recipients returns the stations already enumerated for broadcast
// expansion on earlier hops.
func (m *ReliableMessage) Recipients() []ID {
	return m.getIDList("recipients")
}

// AddRecipients unions the given targets into the recipients list so that
// downstream hops cannot re-enumerate them.
func (m *ReliableMessage) AddRecipients(targets []ID) {
	seen := make(map[string]bool)
	list, _ := m.dict["recipients"].([]any)
	for _, v := range list {
		if s, ok := v.(string); ok {
			seen[s] = true
		}
	}
	for _, t := range targets {
		s := t.String()
		if !seen[s] {
			list = append(list, s)
			seen[s] = true
		}
	}
	m.dict["recipients"] = list
}

// Target returns the explicit redirect destination set by the roamer for
// bridge delivery, or the nil ID.
func (m *ReliableMessage) Target() ID { return m.getID("target") }

// SetTarget marks the actual receiver for bridge delivery.
func (m *ReliableMessage) SetTarget(user ID) { m.dict["target"] = user.String() }

// RemoveTarget strips the redirect marker before final delivery.
func (m *ReliableMessage) RemoveTarget() { delete(m.dict, "target") }

// Neighbor returns the pinned forward peer for the bridge, or the nil ID.
func (m *ReliableMessage) Neighbor() ID { return m.getID("neighbor") }

// RemoveNeighbor strips the pin after the bridge consumed it.
func (m *ReliableMessage) RemoveNeighbor() { delete(m.dict, "neighbor") }

// OriginEnvelope returns the original envelope for a forwarded group
// message (the "origin" field), or the message's own envelope. The origin
// marker is consumed.
func (m *ReliableMessage) OriginEnvelope() Envelope {
	origin, ok := m.dict["origin"].(map[string]any)
	if !ok {
		return m.Envelope()
	}
	delete(m.dict, "origin")
	env := Envelope{}
	if s, ok := origin["sender"].(string); ok {
		env.Sender, _ = ParseID(s)
	}
	if s, ok := origin["receiver"].(string); ok {
		env.Receiver, _ = ParseID(s)
	}
	if f, ok := origin["type"].(float64); ok {
		env.Type = ContentType(f)
	}
	if s, ok := origin["group"].(string); ok {
		env.Group, _ = ParseID(s)
	}
	return env
}

// -------------------------------------------------------------------------
// Internal dictionary helpers
// -------------------------------------------------------------------------

func (m *ReliableMessage) getID(key string) ID {
	s, ok := m.dict[key].(string)
	if !ok {
		return ID{}
	}
	id, err := ParseID(s)
	if err != nil {
		return ID{}
	}
	return id
}

func (m *ReliableMessage) getIDList(key string) []ID {
	list, ok := m.dict[key].([]any)
	if !ok {
		return nil
	}
	out := make([]ID, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if id, err := ParseID(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}

func (m *ReliableMessage) getBase64(key string) []byte {
	s, ok := m.dict[key].(string)
	if !ok {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil
	}
	return raw
}
