package dim

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"
)

// -------------------------------------------------------------------------
// Content Type
// -------------------------------------------------------------------------

// ContentType is the numeric message content type. The station only uses
// it to classify commands and to synthesize push notification text.
type ContentType uint16

const (
	// ContentText is a plain text message.
	ContentText ContentType = 0x01

	// ContentFile is a file attachment.
	ContentFile ContentType = 0x10

	// ContentImage is an image attachment.
	ContentImage ContentType = 0x12

	// ContentAudio is a voice message.
	ContentAudio ContentType = 0x14

	// ContentVideo is a video attachment.
	ContentVideo ContentType = 0x16

	// ContentMoney is a money content.
	ContentMoney ContentType = 0x40

	// ContentTransfer is a money transfer content.
	ContentTransfer ContentType = 0x41

	// ContentCommand is a station command.
	ContentCommand ContentType = 0x88

	// ContentHistory is a history command.
	ContentHistory ContentType = 0x89

	// ContentForward is a wrapped (forwarded) message.
	ContentForward ContentType = 0xFF
)

// -------------------------------------------------------------------------
// Content
// -------------------------------------------------------------------------

// Content is a decrypted message body: a JSON dictionary with at least
// "type" and "sn". Station-local commands additionally carry "command".
type Content map[string]any

// NewContent creates a content dictionary with a fresh serial number.
func NewContent(t ContentType) Content {
	return Content{
		"type": float64(t),
		"sn":   float64(newSerialNumber()),
		"time": float64(time.Now().UnixMilli()) / 1000,
	}
}

// newSerialNumber returns a random positive 31-bit serial number.
// Uniqueness only matters within one sender's recent window.
func newSerialNumber() uint32 {
	return rand.Uint32()%0x7FFFFFFF + 1
}

// ParseContent decodes a JSON content body.
func ParseContent(data []byte) (Content, error) {
	c := make(Content)
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return c, nil
}

// Encode renders the content as JSON.
func (c Content) Encode() ([]byte, error) {
	data, err := json.Marshal(map[string]any(c))
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return data, nil
}

// Type returns the content type (0 when absent).
func (c Content) Type() ContentType {
	if f, ok := c["type"].(float64); ok {
		return ContentType(f)
	}
	return 0
}

// SN returns the serial number (0 when absent).
func (c Content) SN() uint32 {
	if f, ok := c["sn"].(float64); ok {
		return uint32(f)
	}
	return 0
}

// Command returns the command name for command contents ("" otherwise).
// Both the current "command" key and the legacy "cmd" key are accepted.
func (c Content) Command() string {
	if s, ok := c["command"].(string); ok {
		return s
	}
	s, _ := c["cmd"].(string)
	return s
}

// IsCommand reports whether the content is a station command.
func (c Content) IsCommand() bool {
	t := c.Type()
	return t == ContentCommand || t == ContentHistory
}

// Group returns the content's group ID, or the nil ID.
func (c Content) Group() ID {
	s, ok := c["group"].(string)
	if !ok {
		return ID{}
	}
	id, err := ParseID(s)
	if err != nil {
		return ID{}
	}
	return id
}

// GetString reads a string field ("" when absent or mistyped).
func (c Content) GetString(key string) string {
	s, _ := c[key].(string)
	return s
}

// GetInt reads a numeric field (0 when absent or mistyped).
func (c Content) GetInt(key string) int {
	f, _ := c[key].(float64)
	return int(f)
}
