/*
File Name:  assembler.go
Package:    assembler

Message assembler: turns inbound mediator group-message pushes into
Storage rows. Decrypts with the chat's shared key, dedups by
(chat_id, guid), extracts attachment payloads to the attachments
directory, and reuses the P2P codec to decode the inner MESSAGE_TEXT
frame carried inside the decrypted blob.
*/
package assembler

import (
	"encoding/hex"
	"encoding/json"
	"log"

	"lukechampine.com/blake3"

	"github.com/mimir-im/mimir/codec"
	"github.com/mimir-im/mimir/collab"
	"github.com/mimir-im/mimir/types"
)

// AttachmentStore is the subset of file I/O this core consumes to persist
// attachment bytes extracted from a decrypted group message.
type AttachmentStore interface {
	// SaveFile persists data under a fresh, randomly generated name and
	// returns that name (not a full path) for substitution into the
	// rewritten metadata JSON.
	SaveFile(data []byte) (filename string, err error)
}

// Assembler turns decrypted pushes into stored messages.
type Assembler struct {
	storage     collab.Storage
	crypto      collab.Crypto
	attachments AttachmentStore
}

// New constructs an Assembler.
func New(storage collab.Storage, crypto collab.Crypto, attachments AttachmentStore) *Assembler {
	return &Assembler{storage: storage, crypto: crypto, attachments: attachments}
}

// corruptedPlaceholder is substituted for data that fails to parse as
// valid attachment metadata JSON.
func corruptedPlaceholder() []byte {
	return []byte(`{"error":"corrupted attachment"}`)
}

// errorPlaceholder is stored in place of a group message whose ciphertext
// fails to decrypt under the chat's shared key, so the UI can show a gap
// instead of silently dropping the message.
func errorPlaceholder() []byte {
	return []byte(`{"error":"decryption failed"}`)
}

// HandleGroupMessage processes one non-system inbound group-message
// push. System messages are handled by the mediator manager before
// reaching here; only user-authored pushes are passed in.
func (a *Assembler) HandleGroupMessage(push codec.GroupMessagePush) {
	chat, ok, err := a.storage.GetGroupChat(push.ChatID)
	if err != nil {
		log.Printf("assembler: get chat %d: %v", push.ChatID, err)
		return
	}
	if !ok {
		// The chat must exist locally before any message carrying its
		// chat_id is accepted.
		log.Printf("assembler: chat %d unknown, dropping message", push.ChatID)
		return
	}

	exists, err := a.storage.CheckGroupMessageExists(push.ChatID, push.GUID)
	if err != nil {
		log.Printf("assembler: check existing guid %d on chat %d: %v", push.GUID, push.ChatID, err)
		return
	}
	if exists {
		return // already stored under this (chat_id, guid)
	}

	plaintext, err := a.crypto.Decrypt(push.Blob, chat.SharedKey)
	if err != nil {
		log.Printf("assembler: decrypt chat %d guid %d: %v", push.ChatID, push.GUID, err)
		a.store(types.GroupMessage{
			ChatID:      push.ChatID,
			ServerMsgID: push.ServerMsgID,
			GUID:        push.GUID,
			Author:      push.Author,
			Timestamp:   push.Timestamp,
			Type:        1000,
			System:      false,
			Data:        errorPlaceholder(),
		})
		return
	}

	msg, err := codec.DecodeMessageText(plaintext)
	if err != nil {
		log.Printf("assembler: decode message text chat %d guid %d: %v", push.ChatID, push.GUID, err)
		a.store(types.GroupMessage{
			ChatID:      push.ChatID,
			ServerMsgID: push.ServerMsgID,
			GUID:        push.GUID,
			Author:      push.Author,
			Timestamp:   push.Timestamp,
			Type:        1000,
			System:      false,
			Data:        errorPlaceholder(),
		})
		return
	}

	data := msg.Payload
	if msg.Header.HasAttachment() {
		data = a.extractAttachment(msg.Payload)
	}

	a.store(types.GroupMessage{
		ChatID:      push.ChatID,
		ServerMsgID: push.ServerMsgID,
		GUID:        msg.Header.GUID,
		Author:      push.Author,
		Timestamp:   push.Timestamp,
		Type:        msg.Header.Type,
		System:      false,
		Data:        data,
	})
}

// HandleSystemMessage stores a non-deleted mediator-authored system event
// as a type=1000, system=true row. MessageDeleted never
// reaches here: the mediator manager deletes the referenced row and never
// calls back into the assembler for it.
func (a *Assembler) HandleSystemMessage(push codec.GroupMessagePush) {
	exists, err := a.storage.CheckGroupMessageExists(push.ChatID, push.GUID)
	if err != nil {
		log.Printf("assembler: check existing system guid %d on chat %d: %v", push.GUID, push.ChatID, err)
		return
	}
	if exists {
		return
	}
	a.store(types.GroupMessage{
		ChatID:      push.ChatID,
		ServerMsgID: push.ServerMsgID,
		GUID:        push.GUID,
		Author:      push.Author,
		Timestamp:   push.Timestamp,
		Type:        1000,
		System:      true,
		Data:        push.Blob,
	})
}

// extractAttachment splits a MESSAGE_TEXT attachment payload into its
// metadata and file bytes, hands the file bytes to the AttachmentStore
// (which saves them under a name it chooses), rewrites the metadata to
// point at that name, and returns the rewritten metadata JSON. With no
// AttachmentStore configured the file bytes are not saved anywhere and
// the name is the hex blake3 hash of the bytes. On any parse or save
// failure it returns a corrupted-placeholder JSON instead.
func (a *Assembler) extractAttachment(payload []byte) []byte {
	parsed, err := codec.DecodeAttachmentPayload(payload)
	if err != nil {
		log.Printf("assembler: decode attachment payload: %v", err)
		return corruptedPlaceholder()
	}

	var meta map[string]interface{}
	if err := json.Unmarshal(parsed.MetaJSON, &meta); err != nil {
		log.Printf("assembler: attachment metadata is not valid JSON: %v", err)
		return corruptedPlaceholder()
	}

	// Content-addressed fallback name, so identical attachment bytes
	// always land on the same name even without an AttachmentStore
	// assigning one.
	sum := blake3.Sum256(parsed.FileData)
	filename := hex.EncodeToString(sum[:])
	if a.attachments != nil {
		saved, err := a.attachments.SaveFile(parsed.FileData)
		if err != nil {
			log.Printf("assembler: save attachment file: %v", err)
			return corruptedPlaceholder()
		}
		filename = saved
	}
	meta["filename"] = filename

	rewritten, err := json.Marshal(meta)
	if err != nil {
		log.Printf("assembler: re-marshal attachment metadata: %v", err)
		return corruptedPlaceholder()
	}
	return rewritten
}

func (a *Assembler) store(msg types.GroupMessage) {
	if err := a.storage.AddGroupMessage(msg); err != nil {
		log.Printf("assembler: add group message chat %d guid %d: %v", msg.ChatID, msg.GUID, err)
	}
}
