package gate

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"
)

// Mars longlink framing (Tencent Mars).
//
// Header layout (20 bytes, all fields big-endian uint32):
//
//	| head length | version | cmd | seq | body length |
//
// The body of a SEND_MSG frame may begin with "Mars SN:<base64>\n" to
// override the sequence-derived SN. A NOOP frame with payload "PING" is
// answered with "PONG" at the transport level. The station must always
// respond something to a Mars client request, even an empty body.

// Mars command IDs.
const (
	// MarsSendMsg carries a client request payload.
	MarsSendMsg = 3

	// MarsNoop is the longlink heartbeat.
	MarsNoop = 6

	// MarsPushMessage is a server-initiated push.
	MarsPushMessage = 10001
)

const (
	marsHeaderLen = 20
	marsVersion   = 200

	// marsMaxBody rejects absurd body lengths from a corrupted stream.
	marsMaxBody = 1 << 24
)

// Transport-level ping payloads.
var (
	marsPing = []byte("PING")
	marsPong = []byte("PONG")

	// marsSNPrefix introduces an explicit SN override in a body.
	marsSNPrefix = []byte("Mars SN:")
)

// MarsFramer encodes and decodes Mars longlink frames. Push sequence
// numbers are generated per connection.
type MarsFramer struct {
	pushSeq atomic.Uint32
}

// Recognize reports whether the buffer starts like a Mars frame:
// head length == 20 and a known version.
func (*MarsFramer) Recognize(buf []byte) bool {
	if len(buf) < 8 {
		return false
	}
	headLen := binary.BigEndian.Uint32(buf[0:4])
	version := binary.BigEndian.Uint32(buf[4:8])
	return headLen == marsHeaderLen && version == marsVersion
}

// Decode parses as many complete frames as the buffer holds, skipping
// malformed prefixes one byte at a time.
func (f *MarsFramer) Decode(buf []byte) ([]Arrival, int) {
	var arrivals []Arrival
	offset := 0
	for {
		rest := buf[offset:]
		if len(rest) < marsHeaderLen {
			break
		}
		if !f.Recognize(rest) {
			offset++
			continue
		}
		cmd := binary.BigEndian.Uint32(rest[8:12])
		seq := binary.BigEndian.Uint32(rest[12:16])
		bodyLen := binary.BigEndian.Uint32(rest[16:20])
		if bodyLen > marsMaxBody {
			offset++
			continue
		}
		total := marsHeaderLen + int(bodyLen)
		if len(rest) < total {
			break
		}
		body := append([]byte(nil), rest[marsHeaderLen:total]...)
		offset += total

		sn := seqToSN(seq)
		// "Mars SN:<base64>\n" overrides the sequence-derived SN.
		if bytes.HasPrefix(body, marsSNPrefix) {
			if i := bytes.IndexByte(body, '\n'); i > 0 {
				sn = append([]byte(nil), body[len(marsSNPrefix):i]...)
				body = body[i+1:]
			}
		}
		arrivals = append(arrivals, Arrival{
			Payload: body,
			Framing: FramingMars,
			SN:      sn,
			MarsCmd: cmd,
		})
	}
	return arrivals, offset
}

// EncodeMessage packages a payload as a PUSH_MESSAGE frame with a fresh
// sequence number.
func (f *MarsFramer) EncodeMessage(payload []byte) []byte {
	seq := f.pushSeq.Add(1)
	return marsEncode(MarsPushMessage, seq, payload)
}

// EncodeAck packages a payload as the response to the given arrival,
// echoing its command and sequence.
func (f *MarsFramer) EncodeAck(ack *Arrival, payload []byte) []byte {
	seq := snToSeq(ack.SN)
	cmd := ack.MarsCmd
	if cmd != MarsSendMsg && cmd != MarsNoop {
		cmd = MarsSendMsg
	}
	return marsEncode(cmd, seq, payload)
}

// IsPing reports whether the arrival is a transport heartbeat.
func IsPing(a *Arrival) bool {
	return a.Framing == FramingMars && bytes.Equal(a.Payload, marsPing)
}

// Pong returns the heartbeat reply payload.
func Pong() []byte { return append([]byte(nil), marsPong...) }

func marsEncode(cmd, seq uint32, payload []byte) []byte {
	out := make([]byte, marsHeaderLen+len(payload))
	binary.BigEndian.PutUint32(out[0:4], marsHeaderLen)
	binary.BigEndian.PutUint32(out[4:8], marsVersion)
	binary.BigEndian.PutUint32(out[8:12], cmd)
	binary.BigEndian.PutUint32(out[12:16], seq)
	binary.BigEndian.PutUint32(out[16:20], uint32(len(payload)))
	copy(out[marsHeaderLen:], payload)
	return out
}

// seqToSN renders a Mars sequence as a 4-byte SN.
func seqToSN(seq uint32) []byte {
	sn := make([]byte, 4)
	binary.BigEndian.PutUint32(sn, seq)
	return sn
}

// snToSeq recovers a sequence from a 4-byte SN (0 for override SNs).
func snToSeq(sn []byte) uint32 {
	if len(sn) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(sn)
}
