package assembler

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mimir-im/mimir/codec"
	"github.com/mimir-im/mimir/types"
)

type fakeStorage struct {
	chats  map[uint64]types.GroupChat
	exists map[[2]uint64]bool
	added  []types.GroupMessage
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{chats: map[uint64]types.GroupChat{}, exists: map[[2]uint64]bool{}}
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
	c, ok := s.chats[chatID]
	return c, ok, nil
}
func (s *fakeStorage) GetGroupChatList() ([]types.GroupChat, error) { return nil, nil }
func (s *fakeStorage) AddGroupMessage(msg types.GroupMessage) error {
	s.added = append(s.added, msg)
	s.exists[[2]uint64{msg.ChatID, msg.GUID}] = true
	return nil
}
func (s *fakeStorage) DeleteGroupMessageByGUID(chatID uint64, guid uint64) error { return nil }
func (s *fakeStorage) CheckGroupMessageExists(chatID uint64, guid uint64) (bool, error) {
	return s.exists[[2]uint64{chatID, guid}], nil
}
func (s *fakeStorage) GetGroupChatTimestamp(uint64) (uint64, error) { return 0, nil }
func (s *fakeStorage) UpdateGroupMemberInfo(types.GroupMember) error { return nil }
func (s *fakeStorage) GetLatestGroupMemberUpdateTime(uint64, types.PeerKey) (uint64, error) {
	return 0, nil
}
func (s *fakeStorage) UpdateGroupMemberOnlineStatus(uint64, types.PeerKey, bool, uint64) error {
	return nil
}

type fakeCrypto struct{ fail bool }

func (c fakeCrypto) Sign(priv ed25519.PrivateKey, msg []byte) [64]byte { return [64]byte{} }
func (c fakeCrypto) Verify(pub types.PeerKey, msg []byte, sig []byte) bool { return true }
func (c fakeCrypto) Encrypt(plaintext []byte, key [32]byte) ([]byte, error) {
	return plaintext, nil
}
func (c fakeCrypto) Decrypt(ciphertext []byte, key [32]byte) ([]byte, error) {
	if c.fail {
		return nil, errors.New("boom")
	}
	return ciphertext, nil
}

type fakeAttachmentStore struct{ saved [][]byte }

func (a *fakeAttachmentStore) SaveFile(data []byte) (string, error) {
	a.saved = append(a.saved, data)
	return "saved-file-name", nil
}

func TestHandleGroupMessageStoresDecryptedText(t *testing.T) {
	storage := newFakeStorage()
	chatID := uint64(77)
	storage.chats[chatID] = types.GroupChat{ChatID: chatID, SharedKey: [32]byte{1}}

	body, err := codec.EncodeMessageText(codec.MessageText{
		Header: codec.MessageTextHeader{GUID: 42, SendTime: 100, Type: 0},
	})
	if err != nil {
		t.Fatalf("encode message text: %v", err)
	}

	a := New(storage, fakeCrypto{}, nil)
	a.HandleGroupMessage(codec.GroupMessagePush{
		ChatID:      chatID,
		ServerMsgID: 101,
		GUID:        42,
		Author:      types.PeerKey{9},
		Timestamp:   100,
		Blob:        body,
	})

	if len(storage.added) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(storage.added))
	}
	if storage.added[0].GUID != 42 || storage.added[0].System {
		t.Fatalf("unexpected stored message: %+v", storage.added[0])
	}
}

func TestHandleGroupMessageDedupsByChatAndGUID(t *testing.T) {
	storage := newFakeStorage()
	chatID := uint64(1)
	storage.chats[chatID] = types.GroupChat{ChatID: chatID}
	storage.exists[[2]uint64{chatID, 5}] = true

	a := New(storage, fakeCrypto{}, nil)
	a.HandleGroupMessage(codec.GroupMessagePush{ChatID: chatID, GUID: 5})

	if len(storage.added) != 0 {
		t.Fatalf("expected dedup to skip insert, got %d rows", len(storage.added))
	}
}

func TestHandleGroupMessageUnknownChatDropped(t *testing.T) {
	storage := newFakeStorage()
	a := New(storage, fakeCrypto{}, nil)
	a.HandleGroupMessage(codec.GroupMessagePush{ChatID: 999, GUID: 1})
	if len(storage.added) != 0 {
		t.Fatalf("expected no insert for unknown chat, got %d", len(storage.added))
	}
}

func TestHandleGroupMessageCryptoFailStoresPlaceholder(t *testing.T) {
	storage := newFakeStorage()
	chatID := uint64(2)
	storage.chats[chatID] = types.GroupChat{ChatID: chatID}

	a := New(storage, fakeCrypto{fail: true}, nil)
	a.HandleGroupMessage(codec.GroupMessagePush{ChatID: chatID, GUID: 7})

	if len(storage.added) != 1 {
		t.Fatalf("expected placeholder row, got %d", len(storage.added))
	}
	var parsed map[string]string
	if err := json.Unmarshal(storage.added[0].Data, &parsed); err != nil {
		t.Fatalf("placeholder is not JSON: %v", err)
	}
	if parsed["error"] == "" {
		t.Fatalf("expected an error placeholder, got %+v", parsed)
	}
}

func TestHandleSystemMessageStoresSystemRow(t *testing.T) {
	storage := newFakeStorage()
	a := New(storage, fakeCrypto{}, nil)
	a.HandleSystemMessage(codec.GroupMessagePush{ChatID: 1, GUID: 3, Author: types.PeerKey{1}})

	if len(storage.added) != 1 || !storage.added[0].System {
		t.Fatalf("expected one system row, got %+v", storage.added)
	}
}

func TestExtractAttachmentWritesFileAndRewritesMetadata(t *testing.T) {
	store := &fakeAttachmentStore{}
	a := New(newFakeStorage(), fakeCrypto{}, store)

	metaJSON := []byte(`{"filename":"original.png","size":3}`)
	payload := codec.EncodeAttachmentPayload(codec.AttachmentPayload{MetaJSON: metaJSON, FileData: []byte("abc")})

	out := a.extractAttachment(payload)

	var parsed map[string]interface{}
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("rewritten metadata is not JSON: %v", err)
	}
	if parsed["filename"] != "saved-file-name" {
		t.Fatalf("expected rewritten filename, got %+v", parsed)
	}
	if len(store.saved) != 1 || string(store.saved[0]) != "abc" {
		t.Fatalf("expected file bytes saved, got %+v", store.saved)
	}
}

func TestExtractAttachmentWithoutStoreUsesContentAddressedName(t *testing.T) {
	a := New(newFakeStorage(), fakeCrypto{}, nil)
	payload := codec.EncodeAttachmentPayload(codec.AttachmentPayload{MetaJSON: []byte(`{}`), FileData: []byte("same bytes")})

	out1 := a.extractAttachment(payload)
	out2 := a.extractAttachment(payload)

	var p1, p2 map[string]string
	if err := json.Unmarshal(out1, &p1); err != nil {
		t.Fatalf("unmarshal out1: %v", err)
	}
	if err := json.Unmarshal(out2, &p2); err != nil {
		t.Fatalf("unmarshal out2: %v", err)
	}
	if p1["filename"] == "" || p1["filename"] != p2["filename"] {
		t.Fatalf("expected identical bytes to yield the same content-addressed filename, got %q vs %q", p1["filename"], p2["filename"])
	}
}

func TestExtractAttachmentCorruptedMetadataYieldsPlaceholder(t *testing.T) {
	a := New(newFakeStorage(), fakeCrypto{}, nil)
	payload := codec.EncodeAttachmentPayload(codec.AttachmentPayload{MetaJSON: []byte("not json"), FileData: []byte("x")})

	out := a.extractAttachment(payload)

	var parsed map[string]string
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("expected a JSON placeholder, got: %s", out)
	}
	if parsed["error"] == "" {
		t.Fatalf("expected error placeholder, got %+v", parsed)
	}
}
