// Package station implements the message routing core of a DIM relay:
// the messenger that verifies and classifies inbound envelopes, the
// command processor, the dispatcher with its deliver strategies, the
// broadcast expansion, the roaming redirector and the push synthesizer.
package station

import (
	"bytes"
	"crypto/sha256"

	"github.com/dim-network/godim/internal/dim"
)

// Crypto is the station's signing and verification surface. Key formats
// and algorithms are deployment concerns; mains wire an implementation
// backed by the station's identity key.
type Crypto interface {
	// Verify checks a message's signature against its sender.
	Verify(msg *dim.ReliableMessage) bool

	// Sign produces the signature for station-originated payloads.
	Sign(data []byte) []byte

	// Decrypt recovers the plaintext body of a message addressed to the
	// station. Broadcast bodies are not encrypted and pass through.
	Decrypt(msg *dim.ReliableMessage) ([]byte, error)
}

// DigestCrypto is an integrity-only Crypto: signatures are SHA-256
// digests of the payload and bodies pass through unencrypted. It protects
// against framing corruption, not against forgery; deployments with a key
// provider replace it.
type DigestCrypto struct{}

// Verify recomputes the payload digest and compares it to the signature.
func (DigestCrypto) Verify(msg *dim.ReliableMessage) bool {
	data := msg.Data()
	sig := msg.Signature()
	if len(data) == 0 || len(sig) == 0 {
		return false
	}
	sum := sha256.Sum256(data)
	return bytes.Equal(sig, sum[:])
}

// Sign returns the SHA-256 digest of data.
func (DigestCrypto) Sign(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Decrypt returns the message body as-is.
func (DigestCrypto) Decrypt(msg *dim.ReliableMessage) ([]byte, error) {
	return msg.Data(), nil
}
