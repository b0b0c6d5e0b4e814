package mediatormanager

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/mimir-im/mimir/codec"
	"github.com/mimir-im/mimir/mediator"
	"github.com/mimir-im/mimir/types"
)

type fakeStorage struct {
	chatList       []types.GroupChat
	deletedGUID    uint64
	deletedChat    uint64
	onlineUpdates  []bool
	onlineTargets  []types.PeerKey
}

func (s *fakeStorage) GetContactsWithUnsentMessages() ([]types.PeerKey, error) { return nil, nil }
func (s *fakeStorage) GetContactPeers(types.PeerKey) ([]types.Peer, error)     { return nil, nil }
func (s *fakeStorage) SaveIP(types.PeerKey, types.OverlayAddr, uint32, uint8, time.Time) error {
	return nil
}
func (s *fakeStorage) GetUnsentMessages(types.PeerKey) ([]types.OutboundMessage, error) {
	return nil, nil
}
func (s *fakeStorage) GetMessage(uint64) (types.OutboundMessage, bool, error) {
	return types.OutboundMessage{}, false, nil
}
func (s *fakeStorage) MarkDelivered(types.PeerKey, uint64) error { return nil }

func (s *fakeStorage) GetGroupChat(chatID uint64) (types.GroupChat, bool, error) {
	for _, c := range s.chatList {
		if c.ChatID == chatID {
			return c, true, nil
		}
	}
	return types.GroupChat{}, false, nil
}
func (s *fakeStorage) GetGroupChatList() ([]types.GroupChat, error) { return s.chatList, nil }
func (s *fakeStorage) AddGroupMessage(types.GroupMessage) error     { return nil }
func (s *fakeStorage) DeleteGroupMessageByGUID(chatID uint64, guid uint64) error {
	s.deletedChat = chatID
	s.deletedGUID = guid
	return nil
}
func (s *fakeStorage) CheckGroupMessageExists(uint64, uint64) (bool, error) { return false, nil }
func (s *fakeStorage) GetGroupChatTimestamp(uint64) (uint64, error)         { return 0, nil }
func (s *fakeStorage) UpdateGroupMemberInfo(types.GroupMember) error        { return nil }
func (s *fakeStorage) GetLatestGroupMemberUpdateTime(uint64, types.PeerKey) (uint64, error) {
	return 0, nil
}
func (s *fakeStorage) UpdateGroupMemberOnlineStatus(chatID uint64, pub types.PeerKey, online bool, lastSeen uint64) error {
	s.onlineUpdates = append(s.onlineUpdates, online)
	s.onlineTargets = append(s.onlineTargets, pub)
	return nil
}

type fakeCrypto struct{}

func (fakeCrypto) Sign(priv ed25519.PrivateKey, msg []byte) [64]byte { return [64]byte{} }
func (fakeCrypto) Verify(types.PeerKey, []byte, []byte) bool        { return true }
func (fakeCrypto) Encrypt(plaintext []byte, _ [32]byte) ([]byte, error) {
	return plaintext, nil
}
func (fakeCrypto) Decrypt(ciphertext []byte, _ [32]byte) ([]byte, error) {
	return ciphertext, nil
}

type fakeAssembler struct {
	groupMsgs  []codec.GroupMessagePush
	systemMsgs []codec.GroupMessagePush
}

func (a *fakeAssembler) HandleGroupMessage(push codec.GroupMessagePush) {
	a.groupMsgs = append(a.groupMsgs, push)
}
func (a *fakeAssembler) HandleSystemMessage(push codec.GroupMessagePush) {
	a.systemMsgs = append(a.systemMsgs, push)
}

type fakeChatListener struct {
	received []codec.GroupMessagePush
}

func (l *fakeChatListener) OnGroupMessage(msg codec.GroupMessagePush) {
	l.received = append(l.received, msg)
}

func newTestManager(assembler MessageAssembler) *Manager {
	return New(nil, &fakeStorage{}, fakeCrypto{}, types.PeerKey{1}, nil, nil, assembler)
}

func TestNewDefaultsToAlwaysOnline(t *testing.T) {
	m := newTestManager(nil)
	if !m.network.Online() {
		t.Fatalf("expected default network status to report online")
	}
}

func TestDispatchGroupMessageRoutesToAssemblerAndListeners(t *testing.T) {
	asm := &fakeAssembler{}
	m := newTestManager(asm)
	listener := &fakeChatListener{}
	m.RegisterChatListener(5, listener)

	push := codec.GroupMessagePush{ChatID: 5, GUID: 1}
	m.dispatchGroupMessage(push)

	if len(asm.groupMsgs) != 1 {
		t.Fatalf("expected assembler to receive 1 message, got %d", len(asm.groupMsgs))
	}
	if len(listener.received) != 1 {
		t.Fatalf("expected listener to receive 1 message, got %d", len(listener.received))
	}
}

func TestDispatchGroupMessageOnlyNotifiesMatchingChatListeners(t *testing.T) {
	m := newTestManager(&fakeAssembler{})
	a := &fakeChatListener{}
	b := &fakeChatListener{}
	m.RegisterChatListener(1, a)
	m.RegisterChatListener(2, b)

	m.dispatchGroupMessage(codec.GroupMessagePush{ChatID: 1})

	if len(a.received) != 1 {
		t.Fatalf("expected listener for chat 1 to fire, got %d", len(a.received))
	}
	if len(b.received) != 0 {
		t.Fatalf("expected listener for chat 2 not to fire, got %d", len(b.received))
	}
}

func TestHandleSystemMessageDeletedDeletesAndDoesNotStore(t *testing.T) {
	storage := &fakeStorage{}
	asm := &fakeAssembler{}
	m := New(nil, storage, fakeCrypto{}, types.PeerKey{1}, nil, nil, asm)

	blob := codec.EncodeSystemMessage(codec.SystemMessage{Event: types.EventMessageDeleted, DeletedGUID: 42})
	m.handleSystemMessage(nil, codec.GroupMessagePush{ChatID: 9, Blob: blob})

	if storage.deletedChat != 9 || storage.deletedGUID != 42 {
		t.Fatalf("expected delete(9, 42), got delete(%d, %d)", storage.deletedChat, storage.deletedGUID)
	}
	if len(asm.systemMsgs) != 0 {
		t.Fatalf("expected no assembler store for a deleted-message system event, got %d", len(asm.systemMsgs))
	}
}

func TestHandleSystemMessageUserLeftMarksOffline(t *testing.T) {
	storage := &fakeStorage{}
	asm := &fakeAssembler{}
	m := New(nil, storage, fakeCrypto{}, types.PeerKey{1}, nil, nil, asm)
	target := types.PeerKey{7}

	blob := codec.EncodeSystemMessage(codec.SystemMessage{Event: types.EventUserLeft, Target: target})
	m.handleSystemMessage(nil, codec.GroupMessagePush{ChatID: 3, Blob: blob})

	if len(storage.onlineUpdates) != 1 || storage.onlineUpdates[0] != false {
		t.Fatalf("expected one offline update, got %+v", storage.onlineUpdates)
	}
	if storage.onlineTargets[0] != target {
		t.Fatalf("expected update targeting %v, got %v", target, storage.onlineTargets[0])
	}
	if len(asm.systemMsgs) != 1 {
		t.Fatalf("expected system event stored via assembler, got %d", len(asm.systemMsgs))
	}
}

func TestHandleSystemMessageUserEnteredMarksOnline(t *testing.T) {
	storage := &fakeStorage{}
	m := New(nil, storage, fakeCrypto{}, types.PeerKey{1}, nil, nil, &fakeAssembler{})

	blob := codec.EncodeSystemMessage(codec.SystemMessage{Event: types.EventUserEntered, Target: types.PeerKey{3}})
	m.handleSystemMessage(nil, codec.GroupMessagePush{ChatID: 3, Blob: blob})

	if len(storage.onlineUpdates) != 1 || storage.onlineUpdates[0] != true {
		t.Fatalf("expected one online update, got %+v", storage.onlineUpdates)
	}
}

func TestHandleSystemMessageNotifiesListenersWithRawPush(t *testing.T) {
	m := newTestManager(&fakeAssembler{})
	listener := &fakeChatListener{}
	m.RegisterChatListener(4, listener)

	blob := codec.EncodeSystemMessage(codec.SystemMessage{Event: types.EventChatInfoChange})
	push := codec.GroupMessagePush{ChatID: 4, Blob: blob}
	m.handleSystemMessage(nil, push)

	if len(listener.received) != 1 {
		t.Fatalf("expected listener notified of system event, got %d", len(listener.received))
	}
}

func TestOnMemberInfoRequestedDelegatesToHandler(t *testing.T) {
	m := newTestManager(&fakeAssembler{})
	var gotChatID uint64
	var gotReq codec.MemberInfoPushRequest
	m.MemberInfoHandler = func(c *mediator.Client, chatID uint64, req codec.MemberInfoPushRequest) {
		gotChatID = chatID
		gotReq = req
	}

	m.OnMemberInfoRequested(nil, codec.MemberInfoPushRequest{ChatID: 11, LastUpdate: 99})

	if gotChatID != 11 || gotReq.LastUpdate != 99 {
		t.Fatalf("expected delegate called with chat 11 / lastUpdate 99, got chatID=%d req=%+v", gotChatID, gotReq)
	}
}

func TestOnInviteDelegatesToHandler(t *testing.T) {
	m := newTestManager(&fakeAssembler{})
	var got codec.InvitePush
	m.InviteHandler = func(c *mediator.Client, invite codec.InvitePush) {
		got = invite
	}

	m.OnInvite(nil, codec.InvitePush{ChatID: 3, Name: "friends"})

	if got.ChatID != 3 || got.Name != "friends" {
		t.Fatalf("expected delegate called with invite, got %+v", got)
	}
}

func TestIsSubscribedReflectsInternalState(t *testing.T) {
	m := newTestManager(&fakeAssembler{})
	if m.IsSubscribed(10) {
		t.Fatalf("expected chat 10 to start unsubscribed")
	}
	m.mu.Lock()
	m.subscribed[10] = true
	m.mu.Unlock()
	if !m.IsSubscribed(10) {
		t.Fatalf("expected chat 10 to report subscribed")
	}
}

func TestRegisterChatListenerAppendsRatherThanReplaces(t *testing.T) {
	m := newTestManager(&fakeAssembler{})
	a := &fakeChatListener{}
	b := &fakeChatListener{}
	m.RegisterChatListener(1, a)
	m.RegisterChatListener(1, b)

	m.dispatchGroupMessage(codec.GroupMessagePush{ChatID: 1})

	if len(a.received) != 1 || len(b.received) != 1 {
		t.Fatalf("expected both listeners notified, got a=%d b=%d", len(a.received), len(b.received))
	}
}
