// Package dim implements the DIM network data model: entity identifiers,
// message envelopes, reliable (signed ciphertext) messages, and the
// station-local command set.
//
// The station never decrypts user payloads; everything in this package is
// routing metadata and command plumbing.
package dim

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// -------------------------------------------------------------------------
// Entity Type
// -------------------------------------------------------------------------

// EntityType is the numeric network type carried by an entity address.
type EntityType uint8

const (
	// TypeUser is an ordinary user account.
	TypeUser EntityType = 0x00

	// TypeGroup is a multi-member conversation.
	TypeGroup EntityType = 0x01

	// TypeStation is a relay server node.
	TypeStation EntityType = 0x02

	// TypeISP is a station service provider.
	TypeISP EntityType = 0x03

	// TypeBot is a service bot (group assistant, archivist, APNs relay).
	TypeBot EntityType = 0x04

	// TypeICP is a bot content provider.
	TypeICP EntityType = 0x05

	// TypeAny is the broadcast type for "anywhere" addresses.
	TypeAny EntityType = 0x80

	// TypeEvery is the broadcast type for "everywhere" addresses.
	TypeEvery EntityType = 0x81
)

// String returns the human-readable name for the entity type.
func (t EntityType) String() string {
	switch t {
	case TypeUser:
		return "User"
	case TypeGroup:
		return "Group"
	case TypeStation:
		return "Station"
	case TypeISP:
		return "ISP"
	case TypeBot:
		return "Bot"
	case TypeICP:
		return "ICP"
	case TypeAny:
		return "Any"
	case TypeEvery:
		return "Every"
	default:
		return "Unknown"
	}
}

// -------------------------------------------------------------------------
// Address
// -------------------------------------------------------------------------

// Broadcast address constants. An identifier whose address part equals one
// of these is a broadcast ID and carries no key material.
const (
	// AddressAnywhere is the broadcast address for "any one node".
	AddressAnywhere = "anywhere"

	// AddressEverywhere is the broadcast address for "every node".
	AddressEverywhere = "everywhere"
)

// addressChecksumLen is the length of the double-SHA256 checksum suffix.
const addressChecksumLen = 4

// addressDigestLen is the length of the account digest inside an address.
const addressDigestLen = 20

// Sentinel errors for identifier parsing.
var (
	// ErrEmptyID indicates an empty identifier string.
	ErrEmptyID = errors.New("empty identifier")

	// ErrBadAddress indicates an address that is neither broadcast nor a
	// valid base58-check encoded account address.
	ErrBadAddress = errors.New("invalid address")
)

// Address is the location part of an identifier. Concrete addresses are
// base58-check strings carrying the entity type in their first payload
// byte; broadcast addresses are the literals "anywhere" and "everywhere".
type Address string

// IsBroadcast reports whether the address is "anywhere" or "everywhere".
func (a Address) IsBroadcast() bool {
	return a == AddressAnywhere || a == AddressEverywhere
}

// Network returns the entity type encoded in the address.
// Broadcast addresses map to TypeAny / TypeEvery. A malformed concrete
// address decodes to TypeUser; routing treats unknown entities as users.
func (a Address) Network() EntityType {
	switch a {
	case AddressAnywhere:
		return TypeAny
	case AddressEverywhere:
		return TypeEvery
	}
	raw, err := base58.Decode(string(a))
	if err != nil || len(raw) != 1+addressDigestLen+addressChecksumLen {
		return TypeUser
	}
	return EntityType(raw[0])
}

// Valid reports whether the address is broadcast or passes the
// base58-check checksum.
func (a Address) Valid() bool {
	if a.IsBroadcast() {
		return true
	}
	raw, err := base58.Decode(string(a))
	if err != nil || len(raw) != 1+addressDigestLen+addressChecksumLen {
		return false
	}
	body := raw[:1+addressDigestLen]
	sum := checksum(body)
	return string(sum) == string(raw[1+addressDigestLen:])
}

// NewAddress builds a concrete address from an entity type and a seed.
// The account digest is SHA-256(seed) truncated to 20 bytes; the suffix is
// a 4-byte double-SHA256 checksum, base58 encoded as one string.
func NewAddress(network EntityType, seed []byte) Address {
	digest := sha256.Sum256(seed)
	body := make([]byte, 0, 1+addressDigestLen+addressChecksumLen)
	body = append(body, byte(network))
	body = append(body, digest[:addressDigestLen]...)
	body = append(body, checksum(body)...)
	return Address(base58.Encode(body))
}

// checksum returns the first 4 bytes of SHA-256(SHA-256(data)).
func checksum(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:addressChecksumLen]
}

// -------------------------------------------------------------------------
// ID — name@address[/terminal]
// -------------------------------------------------------------------------

// ID is an entity identifier with parts "name@address[/terminal]".
// The zero value is the nil identifier.
type ID struct {
	// Name is the account seed name (may be empty for anonymous IDs).
	Name string

	// Address locates the entity and carries its type.
	Address Address

	// Terminal is an optional client resource marker ("/home", "/office").
	// It does not participate in equality for routing purposes.
	Terminal string
}

// Well-known broadcast singletons.
var (
	// Anyone is the user broadcast ID "anyone@anywhere".
	Anyone = ID{Name: "anyone", Address: AddressAnywhere}

	// Everyone is the group broadcast ID "everyone@everywhere".
	Everyone = ID{Name: "everyone", Address: AddressEverywhere}

	// AnyStation is the station broadcast ID "station@anywhere".
	AnyStation = ID{Name: "station", Address: AddressAnywhere}

	// EveryStation is the stations broadcast ID "stations@everywhere".
	EveryStation = ID{Name: "stations", Address: AddressEverywhere}
)

// ParseID parses "name@address[/terminal]" into an ID.
// A bare address without '@' is accepted as an anonymous identifier.
func ParseID(s string) (ID, error) {
	if s == "" {
		return ID{}, ErrEmptyID
	}
	var id ID
	if i := strings.IndexByte(s, '/'); i >= 0 {
		id.Terminal = s[i+1:]
		s = s[:i]
	}
	if i := strings.IndexByte(s, '@'); i >= 0 {
		id.Name = s[:i]
		s = s[i+1:]
	}
	id.Address = Address(s)
	if !id.Address.Valid() {
		return ID{}, fmt.Errorf("parse %q: %w", s, ErrBadAddress)
	}
	return id, nil
}

// MustParseID parses an identifier and panics on failure.
// For tests and package-level well-known IDs only.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// NewID builds an identifier from a name and a generated address.
func NewID(name string, network EntityType, seed []byte) ID {
	return ID{Name: name, Address: NewAddress(network, seed)}
}

// IsNil reports whether the identifier is the zero value.
func (id ID) IsNil() bool { return id.Address == "" }

// Type returns the entity type carried by the address.
func (id ID) Type() EntityType { return id.Address.Network() }

// IsBroadcast reports whether the address part is broadcast.
func (id ID) IsBroadcast() bool { return id.Address.IsBroadcast() }

// IsGroup reports whether the identifier names a group conversation.
// "everywhere" broadcast IDs (everyone@everywhere, stations@everywhere)
// count as groups: they address a recipient set, not a single entity.
func (id ID) IsGroup() bool {
	return id.Address == AddressEverywhere || id.Type() == TypeGroup
}

// IsUser reports whether the identifier names a single entity
// (user, station, bot, or an "anywhere" broadcast).
func (id ID) IsUser() bool { return !id.IsGroup() }

// Equal compares two identifiers ignoring the terminal part.
func (id ID) Equal(other ID) bool {
	return id.Name == other.Name && id.Address == other.Address
}

// Bare returns the identifier without the terminal part.
func (id ID) Bare() ID { return ID{Name: id.Name, Address: id.Address} }

// String renders "name@address[/terminal]".
func (id ID) String() string {
	var sb strings.Builder
	if id.Name != "" {
		sb.WriteString(id.Name)
		sb.WriteByte('@')
	}
	sb.WriteString(string(id.Address))
	if id.Terminal != "" {
		sb.WriteByte('/')
		sb.WriteString(id.Terminal)
	}
	return sb.String()
}

// RevertIDs renders a list of identifiers as strings.
func RevertIDs(members []ID) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.String())
	}
	return out
}

// ConvertIDs parses a list of identifier strings, skipping invalid entries.
func ConvertIDs(members []string) []ID {
	out := make([]ID, 0, len(members))
	for _, s := range members {
		if id, err := ParseID(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}
