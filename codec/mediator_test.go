package codec

import (
	"bytes"
	"testing"

	"github.com/mimir-im/mimir/types"
)

func TestMediatorRequestRoundTrip(t *testing.T) {
	req := MediatorRequest{Cmd: 5, ReqID: 1234, Payload: []byte("payload")}
	raw := EncodeMediatorRequest(req)

	decoded, err := DecodeMediatorRequest(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("DecodeMediatorRequest: %v", err)
	}
	if decoded.Cmd != req.Cmd || decoded.ReqID != req.ReqID || !bytes.Equal(decoded.Payload, req.Payload) {
		t.Fatalf("mismatch: %+v", decoded)
	}
}

func TestMediatorResponsePushReqIDsNeverMatchPending(t *testing.T) {
	for _, id := range []uint16{ReqIDGroupMessage, ReqIDMessagePush, ReqIDInvitePush, ReqIDMemberInfoReq} {
		if !IsPush(id) {
			t.Fatalf("expected %x to be a reserved push id", id)
		}
	}
	if IsPush(1) {
		t.Fatalf("ordinary req_id 1 must not be classified as a push")
	}
}

func TestSystemMessageDeletedRoundTrip(t *testing.T) {
	m := SystemMessage{Event: types.EventMessageDeleted, DeletedGUID: 0xABCD}
	decoded, err := DecodeSystemMessage(EncodeSystemMessage(m))
	if err != nil {
		t.Fatalf("DecodeSystemMessage: %v", err)
	}
	if decoded.Event != m.Event || decoded.DeletedGUID != m.DeletedGUID {
		t.Fatalf("mismatch: %+v", decoded)
	}
}

func TestSystemMessageOrdinaryRoundTrip(t *testing.T) {
	var target, actor types.PeerKey
	target[0] = 1
	actor[0] = 2
	m := SystemMessage{Event: types.EventUserAdded, Target: target, Actor: actor}

	decoded, err := DecodeSystemMessage(EncodeSystemMessage(m))
	if err != nil {
		t.Fatalf("DecodeSystemMessage: %v", err)
	}
	if decoded.Target != target || decoded.Actor != actor {
		t.Fatalf("mismatch: %+v", decoded)
	}
}

func TestInvitePushRoundTrip(t *testing.T) {
	var inviter types.PeerKey
	inviter[0] = 5
	var key [32]byte
	key[31] = 0xFF
	p := InvitePush{ChatID: 12, Inviter: inviter, Name: "friends", SharedKey: key}

	decoded, err := DecodeInvitePush(EncodeInvitePush(p))
	if err != nil {
		t.Fatalf("DecodeInvitePush: %v", err)
	}
	if decoded != p {
		t.Fatalf("mismatch: got %+v want %+v", decoded, p)
	}
}

func TestCreateChatRequestRoundTrip(t *testing.T) {
	var nonce [32]byte
	nonce[0] = 0xAB
	var sig [64]byte
	sig[2] = 0x11
	r := CreateChatRequest{Nonce: nonce, Counter: 40000, Sig: sig, Name: "general"}

	decoded, err := DecodeCreateChatRequest(EncodeCreateChatRequest(r))
	if err != nil {
		t.Fatalf("DecodeCreateChatRequest: %v", err)
	}
	if decoded != r {
		t.Fatalf("mismatch: got %+v want %+v", decoded, r)
	}
}

func TestGroupMessagePushRoundTrip(t *testing.T) {
	var author types.PeerKey
	author[0] = 7
	p := GroupMessagePush{ChatID: 77, ServerMsgID: 101, GUID: 555, Author: author, Timestamp: 99, Blob: []byte("ciphertext")}

	decoded, err := DecodeGroupMessagePush(EncodeGroupMessagePush(p))
	if err != nil {
		t.Fatalf("DecodeGroupMessagePush: %v", err)
	}
	if decoded.ChatID != p.ChatID || decoded.ServerMsgID != p.ServerMsgID || decoded.GUID != p.GUID || decoded.Author != p.Author || !bytes.Equal(decoded.Blob, p.Blob) {
		t.Fatalf("mismatch: %+v", decoded)
	}
}
