/*
File Name:  types.go
Package:    types

Shared data model for the Mimir protocol core. These types are the wire-
independent representations produced and consumed by codec, session,
server, mediator, mediatormanager and assembler.
*/
package types

import (
	"encoding/hex"
	"errors"
	"time"
)

// PeerKeySize is the length in bytes of an Ed25519 public key, the stable
// identity of every endpoint in the network.
const PeerKeySize = 32

// PeerKey is a 32-byte Ed25519 public key. Identity everywhere. Immutable.
type PeerKey [PeerKeySize]byte

// String returns the lower-case hex encoding, the wire format used by
// configuration files.
func (k PeerKey) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether the key is the zero value (never a valid identity).
func (k PeerKey) IsZero() bool {
	return k == PeerKey{}
}

// ParsePeerKey decodes a 64-char lower-case hex string into a PeerKey.
func ParsePeerKey(s string) (PeerKey, error) {
	var k PeerKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(b) != PeerKeySize {
		return k, errors.New("types: peer key must be 32 bytes")
	}
	copy(k[:], b)
	return k, nil
}

// OverlayAddrSize is the length in bytes of an overlay (Yggdrasil-style)
// routing address.
const OverlayAddrSize = 32

// OverlayAddr is the 32-byte address used to reach a peer through the
// underlying routing mesh.
type OverlayAddr [OverlayAddrSize]byte

// NATSubnetPrefix is the first byte of overlay addresses considered to be
// behind network address translation.
const NATSubnetPrefix = 0x03

// IsNAT reports whether the address falls in the 0x03::/8 NATed subnet.
func (a OverlayAddr) IsNAT() bool {
	return a[0] == NATSubnetPrefix
}

// Contact is the local record of a person the user can message directly,
// keyed by PeerKey. Mutated by info-response handling.
type Contact struct {
	PubKey           PeerKey
	LastAddr         OverlayAddr
	LastAddrKnown    bool
	LastProfileSync  time.Time
	Nickname         string
	Info             string
	Avatar           []byte
}

// Peer is a directory (tracker) record.
type Peer struct {
	OverlayAddress OverlayAddr
	ClientID       uint32
	Priority       uint8
	Expiration     time.Time
}

// Expired reports whether the record has passed its expiration time as of now.
func (p Peer) Expired(now time.Time) bool {
	return !p.Expiration.After(now)
}

// OutboundMessage is a message queued for delivery to a single peer.
// guid is locally generated and globally unique within the sender; the
// record is persisted by Storage until an OK(guid) receipt arrives.
type OutboundMessage struct {
	GUID     uint64
	ReplyTo  uint64
	SendTime uint64
	EditTime uint64
	Type     uint16
	Data     []byte
}

// ConnectionState is the state of a single P2P session socket.
type ConnectionState int

const (
	StateCreated ConnectionState = iota
	StateConnectedIn
	StateConnectedOut
	StateHelloSent
	StateChallengeSent
	StateChallengeAnswered
	StateAuthDone
	StateChallenge2Sent
	StateChallenge2Answered
	StateAuth2Done
)

func (s ConnectionState) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateConnectedIn:
		return "ConnectedIn"
	case StateConnectedOut:
		return "ConnectedOut"
	case StateHelloSent:
		return "HelloSent"
	case StateChallengeSent:
		return "ChallengeSent"
	case StateChallengeAnswered:
		return "ChallengeAnswered"
	case StateAuthDone:
		return "AuthDone"
	case StateChallenge2Sent:
		return "Challenge2Sent"
	case StateChallenge2Answered:
		return "Challenge2Answered"
	case StateAuth2Done:
		return "Auth2Done"
	default:
		return "Unknown"
	}
}

// GroupChat is a mediator-hosted group conversation.
type GroupChat struct {
	ChatID         uint64
	MediatorPubKey PeerKey
	SharedKey      [32]byte
	Name           string
	Description    string
	Avatar         []byte
	Subscribed     bool
	Muted          bool
}

// MemberPermission bits for GroupMember.Permissions.
const (
	PermWrite uint8 = 1 << iota
	PermInvite
	PermKick
	PermAdmin
)

// GroupMember is a single member record of a GroupChat.
type GroupMember struct {
	ChatID        uint64
	PubKey        PeerKey
	Nickname      string
	Info          string
	Avatar        []byte
	Permissions   uint8
	Online        bool
	LastSeen      uint64
	InfoUpdatedAt uint64
}

// System message event codes carried by a mediator push whose author is
// the mediator's own public key.
const (
	EventUserAdded      uint8 = 0x01
	EventUserEntered    uint8 = 0x02
	EventUserLeft       uint8 = 0x03
	EventUserBanned     uint8 = 0x04
	EventChatDeleted    uint8 = 0x05
	EventChatInfoChange uint8 = 0x06
	EventPermsChanged   uint8 = 0x07
	EventMessageDeleted uint8 = 0x08
)

// GroupMessage is a single mediator-ordered group message.
type GroupMessage struct {
	ChatID      uint64
	ServerMsgID uint64
	GUID        uint64
	Author      PeerKey
	Timestamp   uint64
	Type        uint16
	System      bool
	Data        []byte
}

// Sentinel errors. Components wrap these with fmt.Errorf("...: %w", Err...)
// so callers can classify failures with errors.Is while still getting
// context in the message.
var (
	ErrMalformed    = errors.New("mimir: malformed frame")
	ErrAuthFail     = errors.New("mimir: authentication failed")
	ErrWrongNumber  = errors.New("mimir: hello receiver mismatch")
	ErrSpoofing     = errors.New("mimir: address does not match advertised subnet")
	ErrTimeout      = errors.New("mimir: operation timed out")
	ErrCryptoFail   = errors.New("mimir: decryption failed")
	ErrDisconnected = errors.New("mimir: connection closed")
	ErrExhausted    = errors.New("mimir: reconnect attempts exhausted")
)
