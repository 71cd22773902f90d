package gate

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
)

// MTP stream framing: length-prefixed typed packets.
//
// Header layout (16 bytes in stream mode):
//
//	 0                   1                   2                   3
//	|0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1|
//	|      'D'      |      'I'      |      'M'      | H-Len | D-Type|
//	|                     Transaction ID (8 bytes)                   |
//	|                              ...                               |
//	|                       Body Length (4 bytes)                    |
//
// H-Len is the header length divided by 4 (always 4 here). D-Type selects
// the packet kind. A malformed prefix drops one byte and retries until a
// valid header or the buffer is exhausted.

// MTP packet types.
const (
	// MTPCommand is a transport command packet.
	MTPCommand = 0x00

	// MTPCommandResponse closes a command request.
	MTPCommandResponse = 0x01

	// MTPMessage carries a DIM message payload.
	MTPMessage = 0x02

	// MTPMessageResponse acknowledges a message page.
	MTPMessageResponse = 0x03
)

const (
	mtpHeaderLen = 16
	mtpSNLen     = 8

	// mtpMaxBody rejects absurd body lengths from a corrupted stream.
	mtpMaxBody = 1 << 24
)

// mtpMagic is the 3-byte packet magic.
var mtpMagic = []byte{'D', 'I', 'M'}

// errMTPBodyTooLarge indicates a parsed body length over the sanity cap.
var errMTPBodyTooLarge = errors.New("mtp body length too large")

// MTPFramer encodes and decodes MTP stream packets. Stateless except for
// nothing: buffering lives in the gate.
type MTPFramer struct{}

// Recognize reports whether the buffer starts like an MTP packet.
func (MTPFramer) Recognize(buf []byte) bool {
	if len(buf) < len(mtpMagic) {
		return false
	}
	return buf[0] == mtpMagic[0] && buf[1] == mtpMagic[1] && buf[2] == mtpMagic[2]
}

// Decode parses as many complete packets as the buffer holds.
// Returns the arrivals, the number of consumed bytes, and never an error:
// garbage is skipped byte-by-byte (seek until a valid header).
func (f MTPFramer) Decode(buf []byte) ([]Arrival, int) {
	var arrivals []Arrival
	offset := 0
	for {
		rest := buf[offset:]
		if len(rest) < mtpHeaderLen {
			break
		}
		if !f.Recognize(rest) || rest[3]>>4 != mtpHeaderLen/4 {
			// Malformed prefix: drop one byte and retry.
			offset++
			continue
		}
		bodyLen := binary.BigEndian.Uint32(rest[4+mtpSNLen : mtpHeaderLen])
		if bodyLen > mtpMaxBody {
			offset++
			continue
		}
		total := mtpHeaderLen + int(bodyLen)
		if len(rest) < total {
			// Partial packet: wait for more bytes.
			break
		}
		dataType := rest[3] & 0x0F
		sn := make([]byte, mtpSNLen)
		copy(sn, rest[4:4+mtpSNLen])
		arrival := Arrival{
			Framing: FramingMTP,
			SN:      sn,
		}
		if dataType == MTPMessage || dataType == MTPCommand {
			arrival.Payload = append([]byte(nil), rest[mtpHeaderLen:total]...)
			arrivals = append(arrivals, arrival)
		}
		// Responses carry no payload for the station; drop silently.
		offset += total
	}
	return arrivals, offset
}

// EncodeMessage packages a payload as an MTP message packet with a fresh
// transaction ID.
func (f MTPFramer) EncodeMessage(payload []byte) []byte {
	sn := make([]byte, mtpSNLen)
	_, _ = rand.Read(sn)
	return f.encode(MTPMessage, sn, payload)
}

// EncodeAck packages a payload as the response to the given arrival,
// reusing its transaction ID.
func (f MTPFramer) EncodeAck(ack *Arrival, payload []byte) []byte {
	return f.encode(MTPMessageResponse, ack.SN, payload)
}

func (MTPFramer) encode(dataType byte, sn, payload []byte) []byte {
	out := make([]byte, mtpHeaderLen+len(payload))
	copy(out, mtpMagic)
	out[3] = mtpHeaderLen/4<<4 | dataType&0x0F
	copy(out[4:], sn)
	binary.BigEndian.PutUint32(out[4+mtpSNLen:], uint32(len(payload)))
	copy(out[mtpHeaderLen:], payload)
	return out
}
