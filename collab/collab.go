/*
File Name:  collab.go
Package:    collab

Capability interfaces for the collaborators external to this core:
Transport (the overlay byte-stream provider), Storage (persistent
message/contact store), Crypto (signing and AEAD), and InfoProvider (the
local user's profile). Every component in this module is built against
these interfaces, never a concrete implementation.
*/
package collab

import (
	"crypto/ed25519"
	"time"

	"github.com/mimir-im/mimir/types"
)

// Connection is a single bidirectional byte stream to one peer, as
// provided by the overlay Transport.
type Connection interface {
	Write(b []byte) (n int, err error)
	Read(b []byte) (n int, err error)
	ReadTimeout(b []byte, timeout time.Duration) (n int, err error)
	Close() error

	// RemoteAddr is the overlay address of the other end, when known.
	RemoteAddr() types.OverlayAddr
}

// Transport provides bidirectional byte streams keyed by a 32-byte peer
// public key, plus overlay peer/path introspection for the peer
// controller.
type Transport interface {
	Connect(peerPubKey types.PeerKey) (Connection, error)
	CloseConnection(peerPubKey types.PeerKey) error

	// PeersJSON and PathsJSON mirror the JSON snapshots the overlay
	// transport exposes for peer-health monitoring.
	PeersJSON() ([]byte, error)
	PathsJSON() ([]byte, error)

	AddPeer(uri string) error
	RemovePeer(uri string) error

	PublicKey() types.PeerKey
	LocalAddress() types.OverlayAddr

	// Accept blocks until an inbound connection arrives or the deadline
	// passes, returning (nil, err) with a timeout error such as
	// os.ErrDeadlineExceeded so the supervisor accept loop can poll for
	// address changes.
	Accept(timeout time.Duration) (Connection, error)

	// Listen (re)opens the local listening socket. Called on startup and
	// whenever the supervisor detects the overlay address changed.
	Listen() error
	Close() error
}

// Storage is the persistent message/contact/group store. Only
// the methods this core actually calls are declared.
type Storage interface {
	GetContactsWithUnsentMessages() ([]types.PeerKey, error)
	GetContactPeers(pubKey types.PeerKey) ([]types.Peer, error)
	SaveIP(pubKey types.PeerKey, addr types.OverlayAddr, clientID uint32, priority uint8, expiration time.Time) error
	GetUnsentMessages(pubKey types.PeerKey) ([]types.OutboundMessage, error)
	GetMessage(guid uint64) (types.OutboundMessage, bool, error)
	MarkDelivered(pubKey types.PeerKey, guid uint64) error

	GetGroupChat(chatID uint64) (types.GroupChat, bool, error)
	GetGroupChatList() ([]types.GroupChat, error)
	AddGroupMessage(msg types.GroupMessage) error
	DeleteGroupMessageByGUID(chatID uint64, guid uint64) error
	CheckGroupMessageExists(chatID uint64, guid uint64) (bool, error)
	GetGroupChatTimestamp(chatID uint64) (uint64, error)

	UpdateGroupMemberInfo(member types.GroupMember) error
	GetLatestGroupMemberUpdateTime(chatID uint64, pubKey types.PeerKey) (uint64, error)
	UpdateGroupMemberOnlineStatus(chatID uint64, pubKey types.PeerKey, online bool, lastSeen uint64) error
}

// Crypto is the signing/AEAD collaborator, implemented by
// mimircrypto.Facade.
type Crypto interface {
	Sign(priv ed25519.PrivateKey, msg []byte) [64]byte
	Verify(pub types.PeerKey, msg []byte, sig []byte) bool
	Encrypt(plaintext []byte, sharedKey [32]byte) ([]byte, error)
	Decrypt(envelope []byte, sharedKey [32]byte) ([]byte, error)
}

// MyInfo is the local user's profile as of a point in time.
type MyInfo struct {
	Nickname string
	Info     string
	Avatar   []byte
	Time     uint64
}

// InfoProvider supplies the local profile for INFO_RESPONSE frames and
// group member-info replication.
type InfoProvider interface {
	GetMyInfo(since uint64) (MyInfo, bool)
	GetContactUpdateTime(pubKey types.PeerKey) uint64
	UpdateContactInfo(pubKey types.PeerKey, info MyInfo) error
}
