package server

import (
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/mimir-im/mimir/codec"
	"github.com/mimir-im/mimir/collab"
	"github.com/mimir-im/mimir/session"
	"github.com/mimir-im/mimir/types"
)

type pipeConn struct {
	net.Conn
	remote types.OverlayAddr
}

func (p pipeConn) ReadTimeout(b []byte, timeout time.Duration) (int, error) {
	p.Conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := p.Conn.Read(b)
	p.Conn.SetReadDeadline(time.Time{})
	return n, err
}
func (p pipeConn) RemoteAddr() types.OverlayAddr { return p.remote }

type fakeCrypto struct{}

func (fakeCrypto) Sign(priv ed25519.PrivateKey, msg []byte) [64]byte { return [64]byte{} }
func (fakeCrypto) Verify(types.PeerKey, []byte, []byte) bool        { return true }
func (fakeCrypto) Encrypt(plaintext []byte, _ [32]byte) ([]byte, error) {
	return plaintext, nil
}
func (fakeCrypto) Decrypt(ciphertext []byte, _ [32]byte) ([]byte, error) {
	return ciphertext, nil
}

type fakeStorage struct {
	unsent     []types.OutboundMessage
	delivered  []uint64
	savedPeers []types.Peer
	contacts   []types.Peer
}

func (s *fakeStorage) GetContactsWithUnsentMessages() ([]types.PeerKey, error) { return nil, nil }
func (s *fakeStorage) GetContactPeers(types.PeerKey) ([]types.Peer, error)     { return s.contacts, nil }
func (s *fakeStorage) SaveIP(_ types.PeerKey, addr types.OverlayAddr, clientID uint32, priority uint8, exp time.Time) error {
	s.savedPeers = append(s.savedPeers, types.Peer{OverlayAddress: addr, ClientID: clientID, Priority: priority, Expiration: exp})
	return nil
}
func (s *fakeStorage) GetUnsentMessages(types.PeerKey) ([]types.OutboundMessage, error) {
	return s.unsent, nil
}
func (s *fakeStorage) GetMessage(uint64) (types.OutboundMessage, bool, error) {
	return types.OutboundMessage{}, false, nil
}
func (s *fakeStorage) MarkDelivered(_ types.PeerKey, guid uint64) error {
	s.delivered = append(s.delivered, guid)
	return nil
}
func (s *fakeStorage) GetGroupChat(uint64) (types.GroupChat, bool, error) { return types.GroupChat{}, false, nil }
func (s *fakeStorage) GetGroupChatList() ([]types.GroupChat, error)       { return nil, nil }
func (s *fakeStorage) AddGroupMessage(types.GroupMessage) error          { return nil }
func (s *fakeStorage) DeleteGroupMessageByGUID(uint64, uint64) error     { return nil }
func (s *fakeStorage) CheckGroupMessageExists(uint64, uint64) (bool, error) { return false, nil }
func (s *fakeStorage) GetGroupChatTimestamp(uint64) (uint64, error)      { return 0, nil }
func (s *fakeStorage) UpdateGroupMemberInfo(types.GroupMember) error     { return nil }
func (s *fakeStorage) GetLatestGroupMemberUpdateTime(uint64, types.PeerKey) (uint64, error) {
	return 0, nil
}
func (s *fakeStorage) UpdateGroupMemberOnlineStatus(uint64, types.PeerKey, bool, uint64) error {
	return nil
}

type fakeInfo struct {
	my       collab.MyInfo
	hasMy    bool
	received map[types.PeerKey]collab.MyInfo
}

func (f *fakeInfo) GetMyInfo(since uint64) (collab.MyInfo, bool) { return f.my, f.hasMy }
func (f *fakeInfo) GetContactUpdateTime(types.PeerKey) uint64    { return 0 }
func (f *fakeInfo) UpdateContactInfo(pubKey types.PeerKey, info collab.MyInfo) error {
	if f.received == nil {
		f.received = make(map[types.PeerKey]collab.MyInfo)
	}
	f.received[pubKey] = info
	return nil
}

func newTestSession(peer types.PeerKey) *session.Session {
	client, _ := net.Pipe()
	conn := pipeConn{Conn: client}
	identity := session.Identity{PubKey: types.PeerKey{0xAA}}
	return session.NewOutbound(conn, identity, peer, fakeCrypto{}, nil)
}

func TestOnMessageDeliveredMarksStorage(t *testing.T) {
	storage := &fakeStorage{}
	s := New(nil, storage, fakeCrypto{}, nil, session.Identity{}, nil)

	s.OnMessageDelivered(types.PeerKey{1}, 42)

	if len(storage.delivered) != 1 || storage.delivered[0] != 42 {
		t.Fatalf("expected guid 42 marked delivered, got %v", storage.delivered)
	}
}

func TestOnClientConnectedRegistersSessionUnderPeerKey(t *testing.T) {
	storage := &fakeStorage{unsent: []types.OutboundMessage{{GUID: 1}, {GUID: 2}}}
	s := New(nil, storage, fakeCrypto{}, nil, session.Identity{}, nil)
	peer := types.PeerKey{9}
	sess := newTestSession(peer)

	s.OnClientConnected(sess)

	s.mu.Lock()
	_, ok := s.connections[peer]
	s.mu.Unlock()
	if !ok {
		t.Fatalf("expected session registered under peer key")
	}
}

func TestOnClientConnectedNewerSessionWinsSlotForSamePeer(t *testing.T) {
	storage := &fakeStorage{}
	s := New(nil, storage, fakeCrypto{}, nil, session.Identity{}, nil)
	peer := types.PeerKey{3}

	first := newTestSession(peer)
	s.OnClientConnected(first)

	second := newTestSession(peer)
	s.OnClientConnected(second)

	s.mu.Lock()
	current := s.connections[peer]
	s.mu.Unlock()
	if current != second {
		t.Fatalf("expected the newer session to win the slot")
	}
}

func TestOnConnectionClosedRemovesSession(t *testing.T) {
	s := New(nil, &fakeStorage{}, fakeCrypto{}, nil, session.Identity{}, nil)
	peer := types.PeerKey{5}
	sess := newTestSession(peer)
	s.OnClientConnected(sess)

	s.OnConnectionClosed(sess, nil)

	s.mu.Lock()
	_, ok := s.connections[peer]
	s.mu.Unlock()
	if ok {
		t.Fatalf("expected session removed after close")
	}
}

func TestOnMessageReceivedDelegatesToOnMessageWithResolvedPeer(t *testing.T) {
	s := New(nil, &fakeStorage{}, fakeCrypto{}, nil, session.Identity{}, nil)
	peer := types.PeerKey{7}
	sess := newTestSession(peer)

	var gotPeer types.PeerKey
	var gotMsg codec.MessageText
	s.OnMessage = func(p types.PeerKey, msg codec.MessageText) {
		gotPeer = p
		gotMsg = msg
	}

	s.OnMessageReceived(sess, codec.MessageText{Header: codec.MessageTextHeader{GUID: 11}})

	if gotPeer != peer || gotMsg.Header.GUID != 11 {
		t.Fatalf("expected message delegated with peer %v, got peer=%v msg=%+v", peer, gotPeer, gotMsg)
	}
}

func TestOnProfileRequestedReturnsCurrentProfile(t *testing.T) {
	info := &fakeInfo{my: collab.MyInfo{Nickname: "alice", Time: 5}, hasMy: true}
	s := New(nil, &fakeStorage{}, fakeCrypto{}, nil, session.Identity{}, info)

	resp := s.OnProfileRequested(types.PeerKey{1}, 0)

	if resp.Nick != "alice" || resp.Time != 5 {
		t.Fatalf("unexpected profile response: %+v", resp)
	}
}

func TestOnProfileRequestedNoInfoProviderReturnsZeroValue(t *testing.T) {
	s := New(nil, &fakeStorage{}, fakeCrypto{}, nil, session.Identity{}, nil)
	resp := s.OnProfileRequested(types.PeerKey{1}, 0)
	if resp.Nick != "" || resp.Time != 0 {
		t.Fatalf("expected zero-value response without an InfoProvider, got %+v", resp)
	}
}

func TestOnProfileReceivedUpdatesContactInfo(t *testing.T) {
	info := &fakeInfo{}
	s := New(nil, &fakeStorage{}, fakeCrypto{}, nil, session.Identity{}, info)
	peer := types.PeerKey{2}

	s.OnProfileReceived(peer, codec.InfoResponse{Nick: "bob", Time: 9})

	got, ok := info.received[peer]
	if !ok || got.Nickname != "bob" || got.Time != 9 {
		t.Fatalf("expected contact info updated, got %+v ok=%v", got, ok)
	}
}

func TestResolveCandidatesFallsBackToStorageContactPeers(t *testing.T) {
	now := time.Now()
	storage := &fakeStorage{contacts: []types.Peer{
		{OverlayAddress: types.OverlayAddr{1}, Priority: 2, Expiration: now.Add(time.Hour)},
		{OverlayAddress: types.OverlayAddr{2}, Priority: 1, Expiration: now.Add(time.Hour)},
		{OverlayAddress: types.OverlayAddr{3}, Priority: 0, Expiration: now.Add(-time.Hour)}, // expired
	}}
	s := New(nil, storage, fakeCrypto{}, nil, session.Identity{}, nil)

	got := s.resolveCandidates(types.PeerKey{1})

	if len(got) != 2 {
		t.Fatalf("expected expired candidate filtered out, got %d", len(got))
	}
	if got[0].Priority != 1 || got[1].Priority != 2 {
		t.Fatalf("expected candidates sorted by ascending priority, got %+v", got)
	}
}

func TestDedupByAddressKeepsFirstOccurrence(t *testing.T) {
	addrA := types.OverlayAddr{1}
	peers := []types.Peer{
		{OverlayAddress: addrA, Priority: 0},
		{OverlayAddress: addrA, Priority: 5},
	}

	got := dedupByAddress(peers)

	if len(got) != 1 || got[0].Priority != 0 {
		t.Fatalf("expected dedup to keep first occurrence, got %+v", got)
	}
}

func TestConnectionsReturnsSnapshot(t *testing.T) {
	s := New(nil, &fakeStorage{}, fakeCrypto{}, nil, session.Identity{}, nil)
	peer := types.PeerKey{4}
	s.OnClientConnected(newTestSession(peer))

	got := s.Connections()
	if len(got) != 1 || got[0] != peer {
		t.Fatalf("expected one connected peer, got %+v", got)
	}
}
