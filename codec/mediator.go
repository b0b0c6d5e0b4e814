/*
File Name:  mediator.go
Package:    codec

Mediator protocol framing. Bidirectional. Request: version(u8)=1,
cmd(u8), req_id(u16), len(u32), payload. Response: status(u8), req_id(u16),
len(u32), payload. Status 0=OK, 1=ERR with payload msg_len(u16)+msg(utf8).
A single 0x00 selector byte is sent once on connect, before any framed
request/response traffic.
*/
package codec

import (
	"bytes"
	"io"

	"github.com/mimir-im/mimir/types"
)

// MediatorProtocolSelector is the single byte sent once immediately after
// connecting to a mediator, selecting this protocol over the stream.
const MediatorProtocolSelector uint8 = 0x00

// MediatorVersion is the current mediator protocol version.
const MediatorVersion uint8 = 1

// Mediator response status codes.
const (
	StatusOK  uint8 = 0
	StatusErr uint8 = 1
)

// Reserved req_id values used for server-initiated pushes; these never
// match a pending client request.
const (
	ReqIDGroupMessage  uint16 = 0x32
	ReqIDMessagePush   uint16 = 0x34
	ReqIDInvitePush    uint16 = 0x41
	ReqIDMemberInfoReq uint16 = 0x51
)

// Mediator command codes. Values are this core's own
// enumeration; the wire only requires client and server to agree.
const (
	CmdGetNonce         uint8 = 0x01
	CmdAuth             uint8 = 0x02
	CmdCreateChat       uint8 = 0x10
	CmdDeleteChat       uint8 = 0x11
	CmdAddUser          uint8 = 0x12
	CmdDeleteUser       uint8 = 0x13
	CmdLeaveChat        uint8 = 0x14
	CmdSubscribe        uint8 = 0x20
	CmdGetLastMsgID     uint8 = 0x21
	CmdGetMessagesSince uint8 = 0x22
	CmdSendMessage      uint8 = 0x23
	CmdSendInvite       uint8 = 0x30
	CmdRespondInvite    uint8 = 0x31
	CmdUpdateMemberInfo uint8 = 0x40
	CmdGetMembersInfo   uint8 = 0x41
	CmdGetMembers       uint8 = 0x42
	CmdPing             uint8 = 0xF0
)

// GetNonceRequest is the GET_NONCE command payload: the connecting peer's
// public key.
type GetNonceRequest struct {
	PubKey types.PeerKey
}

// EncodeGetNonceRequest encodes a GET_NONCE request payload.
func EncodeGetNonceRequest(r GetNonceRequest) []byte {
	return append([]byte(nil), r.PubKey[:]...)
}

// DecodeGetNonceRequest decodes a GET_NONCE request payload.
func DecodeGetNonceRequest(body []byte) (GetNonceRequest, error) {
	if len(body) != types.PeerKeySize {
		return GetNonceRequest{}, types.ErrMalformed
	}
	var r GetNonceRequest
	copy(r.PubKey[:], body)
	return r, nil
}

// GetNonceResponse carries the server-issued challenge nonce.
type GetNonceResponse struct {
	Nonce [32]byte
}

// EncodeGetNonceResponse encodes a GET_NONCE response payload.
func EncodeGetNonceResponse(r GetNonceResponse) []byte {
	return append([]byte(nil), r.Nonce[:]...)
}

// DecodeGetNonceResponse decodes a GET_NONCE response payload.
func DecodeGetNonceResponse(body []byte) (GetNonceResponse, error) {
	if len(body) != 32 {
		return GetNonceResponse{}, types.ErrMalformed
	}
	var r GetNonceResponse
	copy(r.Nonce[:], body)
	return r, nil
}

// AuthRequest is the AUTH command payload: pubkey, nonce and a signature
// over that nonce.
type AuthRequest struct {
	PubKey types.PeerKey
	Nonce  [32]byte
	Sig    [64]byte
}

// EncodeAuthRequest encodes an AUTH request payload.
func EncodeAuthRequest(a AuthRequest) []byte {
	var buf []byte
	buf = append(buf, a.PubKey[:]...)
	buf = append(buf, a.Nonce[:]...)
	buf = append(buf, a.Sig[:]...)
	return buf
}

// DecodeAuthRequest decodes an AUTH request payload.
func DecodeAuthRequest(body []byte) (AuthRequest, error) {
	var a AuthRequest
	if len(body) != types.PeerKeySize+32+64 {
		return a, types.ErrMalformed
	}
	copy(a.PubKey[:], body[0:32])
	copy(a.Nonce[:], body[32:64])
	copy(a.Sig[:], body[64:128])
	return a, nil
}

// CreateChatRequest is the create_chat payload, carrying the
// proof-of-work counter alongside the signature so the server can
// reproduce the signed message.
type CreateChatRequest struct {
	Nonce   [32]byte
	Counter uint32
	Sig     [64]byte
	Name    string
}

// EncodeCreateChatRequest encodes a create_chat request payload.
func EncodeCreateChatRequest(r CreateChatRequest) []byte {
	var buf []byte
	buf = append(buf, r.Nonce[:]...)
	putUint32(&buf, r.Counter)
	buf = append(buf, r.Sig[:]...)
	putLengthPrefixedString(&buf, r.Name)
	return buf
}

// DecodeCreateChatRequest decodes a create_chat request payload.
func DecodeCreateChatRequest(body []byte) (CreateChatRequest, error) {
	r0 := bytes.NewReader(body)
	var r CreateChatRequest

	nonce, err := readFull(r0, 32)
	if err != nil {
		return r, err
	}
	copy(r.Nonce[:], nonce)

	counter, err := readUint32(r0)
	if err != nil {
		return r, err
	}
	r.Counter = counter

	sig, err := readFull(r0, 64)
	if err != nil {
		return r, err
	}
	copy(r.Sig[:], sig)

	name, err := readLengthPrefixedString(r0)
	if err != nil {
		return r, err
	}
	r.Name = name

	return r, nil
}

// CreateChatSignedMessage builds the byte sequence signed for proof-of-work:
// nonce || counter as a big-endian u32.
func CreateChatSignedMessage(nonce [32]byte, counter uint32) []byte {
	var buf []byte
	buf = append(buf, nonce[:]...)
	putUint32(&buf, counter)
	return buf
}

// SatisfiesCreateChatPOW reports whether sig passes the server's
// proof-of-work predicate.
func SatisfiesCreateChatPOW(sig [64]byte) bool {
	return sig[0] == 0 && sig[1] == 0
}

// ChatIDRequest is the payload shape shared by delete_chat, leave_chat,
// subscribe and get_last_message_id: a bare chat_id.
type ChatIDRequest struct {
	ChatID uint64
}

// EncodeChatIDRequest encodes a bare chat_id request payload.
func EncodeChatIDRequest(r ChatIDRequest) []byte {
	var buf []byte
	putUint64(&buf, r.ChatID)
	return buf
}

// DecodeChatIDRequest decodes a bare chat_id request payload.
func DecodeChatIDRequest(body []byte) (ChatIDRequest, error) {
	r0 := bytes.NewReader(body)
	id, err := readUint64(r0)
	if err != nil {
		return ChatIDRequest{}, err
	}
	return ChatIDRequest{ChatID: id}, nil
}

// MemberRequest is the payload for add_user/delete_user: chat_id + member pubkey.
type MemberRequest struct {
	ChatID uint64
	Member types.PeerKey
}

// EncodeMemberRequest encodes an add_user/delete_user request payload.
func EncodeMemberRequest(r MemberRequest) []byte {
	var buf []byte
	putUint64(&buf, r.ChatID)
	buf = append(buf, r.Member[:]...)
	return buf
}

// DecodeMemberRequest decodes an add_user/delete_user request payload.
func DecodeMemberRequest(body []byte) (MemberRequest, error) {
	if len(body) != 8+types.PeerKeySize {
		return MemberRequest{}, types.ErrMalformed
	}
	r0 := bytes.NewReader(body[:8])
	id, err := readUint64(r0)
	if err != nil {
		return MemberRequest{}, err
	}
	var r MemberRequest
	r.ChatID = id
	copy(r.Member[:], body[8:])
	return r, nil
}

// SubscribeResponse carries the mediator's current last server message id
// for the subscribed chat.
type SubscribeResponse struct {
	LastServerMsgID uint64
}

// EncodeSubscribeResponse encodes a subscribe response payload.
func EncodeSubscribeResponse(r SubscribeResponse) []byte {
	var buf []byte
	putUint64(&buf, r.LastServerMsgID)
	return buf
}

// DecodeSubscribeResponse decodes a subscribe response payload.
func DecodeSubscribeResponse(body []byte) (SubscribeResponse, error) {
	r0 := bytes.NewReader(body)
	id, err := readUint64(r0)
	if err != nil {
		return SubscribeResponse{}, err
	}
	return SubscribeResponse{LastServerMsgID: id}, nil
}

// GetMessagesSinceRequest is the get_messages_since request payload.
type GetMessagesSinceRequest struct {
	ChatID uint64
	Since  uint64
	Limit  uint16
}

// EncodeGetMessagesSinceRequest encodes a get_messages_since request payload.
func EncodeGetMessagesSinceRequest(r GetMessagesSinceRequest) []byte {
	var buf []byte
	putUint64(&buf, r.ChatID)
	putUint64(&buf, r.Since)
	putUint16(&buf, r.Limit)
	return buf
}

// DecodeGetMessagesSinceRequest decodes a get_messages_since request payload.
func DecodeGetMessagesSinceRequest(body []byte) (GetMessagesSinceRequest, error) {
	r0 := bytes.NewReader(body)
	var r GetMessagesSinceRequest

	chatID, err := readUint64(r0)
	if err != nil {
		return r, err
	}
	r.ChatID = chatID

	since, err := readUint64(r0)
	if err != nil {
		return r, err
	}
	r.Since = since

	limit, err := readUint16(r0)
	if err != nil {
		return r, err
	}
	r.Limit = limit

	return r, nil
}

// GetMessagesSinceResponse is the get_messages_since response payload: a
// count-prefixed list of group message pushes.
type GetMessagesSinceResponse struct {
	Messages []GroupMessagePush
}

// EncodeGetMessagesSinceResponse encodes a get_messages_since response payload.
func EncodeGetMessagesSinceResponse(r GetMessagesSinceResponse) []byte {
	var buf []byte
	putUint32(&buf, uint32(len(r.Messages)))
	for _, m := range r.Messages {
		putLengthPrefixedBytes(&buf, EncodeGroupMessagePush(m))
	}
	return buf
}

// DecodeGetMessagesSinceResponse decodes a get_messages_since response payload.
func DecodeGetMessagesSinceResponse(body []byte) (GetMessagesSinceResponse, error) {
	r0 := bytes.NewReader(body)
	var r GetMessagesSinceResponse

	count, err := readUint32(r0)
	if err != nil {
		return r, err
	}
	r.Messages = make([]GroupMessagePush, 0, count)
	for i := uint32(0); i < count; i++ {
		raw, err := readLengthPrefixedBytes(r0)
		if err != nil {
			return r, err
		}
		msg, err := DecodeGroupMessagePush(raw)
		if err != nil {
			return r, err
		}
		r.Messages = append(r.Messages, msg)
	}
	return r, nil
}

// SendMessageRequest is the send_message request payload.
type SendMessageRequest struct {
	ChatID uint64
	GUID   uint64
	Blob   []byte
}

// EncodeSendMessageRequest encodes a send_message request payload.
func EncodeSendMessageRequest(r SendMessageRequest) []byte {
	var buf []byte
	putUint64(&buf, r.ChatID)
	putUint64(&buf, r.GUID)
	putLengthPrefixedBytes(&buf, r.Blob)
	return buf
}

// DecodeSendMessageRequest decodes a send_message request payload.
func DecodeSendMessageRequest(body []byte) (SendMessageRequest, error) {
	r0 := bytes.NewReader(body)
	var r SendMessageRequest

	chatID, err := readUint64(r0)
	if err != nil {
		return r, err
	}
	r.ChatID = chatID

	guid, err := readUint64(r0)
	if err != nil {
		return r, err
	}
	r.GUID = guid

	blob, err := readLengthPrefixedBytes(r0)
	if err != nil {
		return r, err
	}
	r.Blob = blob

	return r, nil
}

// SendMessageResponse carries the server-assigned message id.
type SendMessageResponse struct {
	ServerMsgID uint64
}

// EncodeSendMessageResponse encodes a send_message response payload.
func EncodeSendMessageResponse(r SendMessageResponse) []byte {
	var buf []byte
	putUint64(&buf, r.ServerMsgID)
	return buf
}

// DecodeSendMessageResponse decodes a send_message response payload.
func DecodeSendMessageResponse(body []byte) (SendMessageResponse, error) {
	r0 := bytes.NewReader(body)
	id, err := readUint64(r0)
	if err != nil {
		return SendMessageResponse{}, err
	}
	return SendMessageResponse{ServerMsgID: id}, nil
}

// UpdateMemberInfoRequest is the update_member_info request payload: the
// member's profile, encrypted under the chat's shared_key by the caller.
type UpdateMemberInfoRequest struct {
	ChatID    uint64
	Blob      []byte
	UpdatedAt uint64
}

// EncodeUpdateMemberInfoRequest encodes an update_member_info request payload.
func EncodeUpdateMemberInfoRequest(r UpdateMemberInfoRequest) []byte {
	var buf []byte
	putUint64(&buf, r.ChatID)
	putUint64(&buf, r.UpdatedAt)
	putLengthPrefixedBytes(&buf, r.Blob)
	return buf
}

// DecodeUpdateMemberInfoRequest decodes an update_member_info request payload.
func DecodeUpdateMemberInfoRequest(body []byte) (UpdateMemberInfoRequest, error) {
	r0 := bytes.NewReader(body)
	var r UpdateMemberInfoRequest

	chatID, err := readUint64(r0)
	if err != nil {
		return r, err
	}
	r.ChatID = chatID

	updatedAt, err := readUint64(r0)
	if err != nil {
		return r, err
	}
	r.UpdatedAt = updatedAt

	blob, err := readLengthPrefixedBytes(r0)
	if err != nil {
		return r, err
	}
	r.Blob = blob

	return r, nil
}

// GetMembersInfoRequest is the get_members_info request payload.
type GetMembersInfoRequest struct {
	ChatID  uint64
	SinceTS uint64
}

// EncodeGetMembersInfoRequest encodes a get_members_info request payload.
func EncodeGetMembersInfoRequest(r GetMembersInfoRequest) []byte {
	var buf []byte
	putUint64(&buf, r.ChatID)
	putUint64(&buf, r.SinceTS)
	return buf
}

// DecodeGetMembersInfoRequest decodes a get_members_info request payload.
func DecodeGetMembersInfoRequest(body []byte) (GetMembersInfoRequest, error) {
	r0 := bytes.NewReader(body)
	var r GetMembersInfoRequest

	chatID, err := readUint64(r0)
	if err != nil {
		return r, err
	}
	r.ChatID = chatID

	since, err := readUint64(r0)
	if err != nil {
		return r, err
	}
	r.SinceTS = since

	return r, nil
}

// MemberInfoRecord is one member's record as returned by get_members_info.
type MemberInfoRecord struct {
	PubKey    types.PeerKey
	Blob      []byte
	UpdatedAt uint64
}

// GetMembersInfoResponse is the get_members_info response payload.
type GetMembersInfoResponse struct {
	Members []MemberInfoRecord
}

// EncodeGetMembersInfoResponse encodes a get_members_info response payload.
func EncodeGetMembersInfoResponse(r GetMembersInfoResponse) []byte {
	var buf []byte
	putUint32(&buf, uint32(len(r.Members)))
	for _, m := range r.Members {
		buf = append(buf, m.PubKey[:]...)
		putUint64(&buf, m.UpdatedAt)
		putLengthPrefixedBytes(&buf, m.Blob)
	}
	return buf
}

// DecodeGetMembersInfoResponse decodes a get_members_info response payload.
func DecodeGetMembersInfoResponse(body []byte) (GetMembersInfoResponse, error) {
	r0 := bytes.NewReader(body)
	var r GetMembersInfoResponse

	count, err := readUint32(r0)
	if err != nil {
		return r, err
	}
	r.Members = make([]MemberInfoRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		pub, err := readFull(r0, types.PeerKeySize)
		if err != nil {
			return r, err
		}
		var m MemberInfoRecord
		copy(m.PubKey[:], pub)

		updatedAt, err := readUint64(r0)
		if err != nil {
			return r, err
		}
		m.UpdatedAt = updatedAt

		blob, err := readLengthPrefixedBytes(r0)
		if err != nil {
			return r, err
		}
		m.Blob = blob

		r.Members = append(r.Members, m)
	}
	return r, nil
}

// GetMembersResponse is the get_members response payload: the bare list of
// member public keys.
type GetMembersResponse struct {
	Members []types.PeerKey
}

// EncodeGetMembersResponse encodes a get_members response payload.
func EncodeGetMembersResponse(r GetMembersResponse) []byte {
	var buf []byte
	putUint32(&buf, uint32(len(r.Members)))
	for _, m := range r.Members {
		buf = append(buf, m[:]...)
	}
	return buf
}

// DecodeGetMembersResponse decodes a get_members response payload.
func DecodeGetMembersResponse(body []byte) (GetMembersResponse, error) {
	r0 := bytes.NewReader(body)
	var r GetMembersResponse

	count, err := readUint32(r0)
	if err != nil {
		return r, err
	}
	r.Members = make([]types.PeerKey, 0, count)
	for i := uint32(0); i < count; i++ {
		pub, err := readFull(r0, types.PeerKeySize)
		if err != nil {
			return r, err
		}
		var k types.PeerKey
		copy(k[:], pub)
		r.Members = append(r.Members, k)
	}
	return r, nil
}

// SendInviteRequest is the send_invite request payload.
type SendInviteRequest struct {
	ChatID uint64
	Target types.PeerKey
}

// EncodeSendInviteRequest encodes a send_invite request payload.
func EncodeSendInviteRequest(r SendInviteRequest) []byte {
	var buf []byte
	putUint64(&buf, r.ChatID)
	buf = append(buf, r.Target[:]...)
	return buf
}

// DecodeSendInviteRequest decodes a send_invite request payload.
func DecodeSendInviteRequest(body []byte) (SendInviteRequest, error) {
	if len(body) != 8+types.PeerKeySize {
		return SendInviteRequest{}, types.ErrMalformed
	}
	r0 := bytes.NewReader(body[:8])
	chatID, err := readUint64(r0)
	if err != nil {
		return SendInviteRequest{}, err
	}
	var r SendInviteRequest
	r.ChatID = chatID
	copy(r.Target[:], body[8:])
	return r, nil
}

// RespondToInviteRequest is the respond_to_invite request payload.
type RespondToInviteRequest struct {
	ChatID   uint64
	Accepted bool
}

// EncodeRespondToInviteRequest encodes a respond_to_invite request payload.
func EncodeRespondToInviteRequest(r RespondToInviteRequest) []byte {
	var buf []byte
	putUint64(&buf, r.ChatID)
	accepted := uint8(0)
	if r.Accepted {
		accepted = 1
	}
	putUint8(&buf, accepted)
	return buf
}

// DecodeRespondToInviteRequest decodes a respond_to_invite request payload.
func DecodeRespondToInviteRequest(body []byte) (RespondToInviteRequest, error) {
	if len(body) != 9 {
		return RespondToInviteRequest{}, types.ErrMalformed
	}
	r0 := bytes.NewReader(body[:8])
	chatID, err := readUint64(r0)
	if err != nil {
		return RespondToInviteRequest{}, err
	}
	return RespondToInviteRequest{ChatID: chatID, Accepted: body[8] != 0}, nil
}

// IsPush reports whether reqID is one of the reserved server-push identifiers.
func IsPush(reqID uint16) bool {
	switch reqID {
	case ReqIDGroupMessage, ReqIDMessagePush, ReqIDInvitePush, ReqIDMemberInfoReq:
		return true
	default:
		return false
	}
}

// MediatorRequest is a single client->server request frame.
type MediatorRequest struct {
	Cmd     uint8
	ReqID   uint16
	Payload []byte
}

// EncodeMediatorRequest encodes a mediator request frame.
func EncodeMediatorRequest(req MediatorRequest) []byte {
	var buf []byte
	putUint8(&buf, MediatorVersion)
	putUint8(&buf, req.Cmd)
	putUint16(&buf, req.ReqID)
	putLengthPrefixedBytes(&buf, req.Payload)
	return buf
}

// DecodeMediatorRequest decodes a mediator request frame from r.
func DecodeMediatorRequest(r io.Reader) (MediatorRequest, error) {
	var req MediatorRequest

	version, err := readUint8(r)
	if err != nil {
		return req, err
	}
	if version != MediatorVersion {
		return req, types.ErrMalformed
	}

	cmd, err := readUint8(r)
	if err != nil {
		return req, err
	}
	req.Cmd = cmd

	reqID, err := readUint16(r)
	if err != nil {
		return req, err
	}
	req.ReqID = reqID

	payload, err := readLengthPrefixedBytes(r)
	if err != nil {
		return req, err
	}
	req.Payload = payload

	return req, nil
}

// MediatorResponse is a single server->client response frame, either a
// reply to a pending request or a server-initiated push (identified by
// ReqID being one of the reserved push values).
type MediatorResponse struct {
	Status  uint8
	ReqID   uint16
	Payload []byte
}

// EncodeMediatorResponse encodes a mediator response frame.
func EncodeMediatorResponse(resp MediatorResponse) []byte {
	var buf []byte
	putUint8(&buf, resp.Status)
	putUint16(&buf, resp.ReqID)
	putLengthPrefixedBytes(&buf, resp.Payload)
	return buf
}

// DecodeMediatorResponse decodes a mediator response frame from r.
func DecodeMediatorResponse(r io.Reader) (MediatorResponse, error) {
	var resp MediatorResponse

	status, err := readUint8(r)
	if err != nil {
		return resp, err
	}
	resp.Status = status

	reqID, err := readUint16(r)
	if err != nil {
		return resp, err
	}
	resp.ReqID = reqID

	payload, err := readLengthPrefixedBytes(r)
	if err != nil {
		return resp, err
	}
	resp.Payload = payload

	return resp, nil
}

// EncodeErrorPayload encodes an ERR response payload: msg_len(u16) + msg(utf8).
func EncodeErrorPayload(msg string) []byte {
	var buf []byte
	b := []byte(msg)
	putUint16(&buf, uint16(len(b)))
	buf = append(buf, b...)
	return buf
}

// DecodeErrorPayload decodes an ERR response payload.
func DecodeErrorPayload(payload []byte) (string, error) {
	r := bytes.NewReader(payload)
	n, err := readUint16(r)
	if err != nil {
		return "", err
	}
	msg, err := readFull(r, int(n))
	if err != nil {
		return "", err
	}
	return string(msg), nil
}

// SystemMessage is the decoded body of a group-message push whose author
// is the mediator's own public key. Exactly which fields are
// populated depends on Event.
type SystemMessage struct {
	Event       uint8
	Target      types.PeerKey // ordinary events: the affected member
	Actor       types.PeerKey // ordinary events: who performed the action
	Nonce       [32]byte      // ordinary events: replay-resistance nonce
	DeletedGUID uint64        // EventMessageDeleted only
}

// EncodeSystemMessage encodes a system message body.
func EncodeSystemMessage(m SystemMessage) []byte {
	var buf []byte
	putUint8(&buf, m.Event)
	if m.Event == types.EventMessageDeleted {
		putUint64(&buf, m.DeletedGUID)
		return buf
	}
	buf = append(buf, m.Target[:]...)
	buf = append(buf, m.Actor[:]...)
	buf = append(buf, m.Nonce[:]...)
	return buf
}

// DecodeSystemMessage decodes a system message body.
func DecodeSystemMessage(body []byte) (SystemMessage, error) {
	var m SystemMessage
	if len(body) < 1 {
		return m, types.ErrMalformed
	}
	m.Event = body[0]
	rest := body[1:]

	if m.Event == types.EventMessageDeleted {
		if len(rest) != 8 {
			return m, types.ErrMalformed
		}
		r := bytes.NewReader(rest)
		id, err := readUint64(r)
		if err != nil {
			return m, err
		}
		m.DeletedGUID = id
		return m, nil
	}

	if len(rest) != types.PeerKeySize*2+32 {
		return m, types.ErrMalformed
	}
	copy(m.Target[:], rest[0:32])
	copy(m.Actor[:], rest[32:64])
	copy(m.Nonce[:], rest[64:96])
	return m, nil
}

// MemberInfoPushRequest is the payload of a 0x51 push: (chat_id, last_update).
type MemberInfoPushRequest struct {
	ChatID     uint64
	LastUpdate uint64
}

// EncodeMemberInfoPushRequest encodes a member-info-request push payload.
func EncodeMemberInfoPushRequest(req MemberInfoPushRequest) []byte {
	var buf []byte
	putUint64(&buf, req.ChatID)
	putUint64(&buf, req.LastUpdate)
	return buf
}

// DecodeMemberInfoPushRequest decodes a member-info-request push payload.
func DecodeMemberInfoPushRequest(body []byte) (MemberInfoPushRequest, error) {
	r := bytes.NewReader(body)
	var req MemberInfoPushRequest

	chatID, err := readUint64(r)
	if err != nil {
		return req, err
	}
	req.ChatID = chatID

	last, err := readUint64(r)
	if err != nil {
		return req, err
	}
	req.LastUpdate = last

	return req, nil
}

// InvitePush is the payload of a 0x41 push: a chat invitation carrying
// everything the recipient needs to join.
type InvitePush struct {
	ChatID    uint64
	Inviter   types.PeerKey
	Name      string
	SharedKey [32]byte
}

// EncodeInvitePush encodes an invite push payload.
func EncodeInvitePush(p InvitePush) []byte {
	var buf []byte
	putUint64(&buf, p.ChatID)
	buf = append(buf, p.Inviter[:]...)
	putLengthPrefixedString(&buf, p.Name)
	buf = append(buf, p.SharedKey[:]...)
	return buf
}

// DecodeInvitePush decodes an invite push payload.
func DecodeInvitePush(body []byte) (InvitePush, error) {
	r := bytes.NewReader(body)
	var p InvitePush

	chatID, err := readUint64(r)
	if err != nil {
		return p, err
	}
	p.ChatID = chatID

	inviter, err := readFull(r, types.PeerKeySize)
	if err != nil {
		return p, err
	}
	copy(p.Inviter[:], inviter)

	name, err := readLengthPrefixedString(r)
	if err != nil {
		return p, err
	}
	p.Name = name

	key, err := readFull(r, 32)
	if err != nil {
		return p, err
	}
	copy(p.SharedKey[:], key)

	return p, nil
}

// GroupMessagePush is the payload of a group-message push (req_id 0x32/0x34).
type GroupMessagePush struct {
	ChatID      uint64
	ServerMsgID uint64
	GUID        uint64
	Author      types.PeerKey
	Timestamp   uint64
	Blob        []byte // ciphertext for user messages, SystemMessage encoding for mediator-authored ones
}

// EncodeGroupMessagePush encodes a group-message push payload.
func EncodeGroupMessagePush(p GroupMessagePush) []byte {
	var buf []byte
	putUint64(&buf, p.ChatID)
	putUint64(&buf, p.ServerMsgID)
	putUint64(&buf, p.GUID)
	buf = append(buf, p.Author[:]...)
	putUint64(&buf, p.Timestamp)
	putLengthPrefixedBytes(&buf, p.Blob)
	return buf
}

// DecodeGroupMessagePush decodes a group-message push payload.
func DecodeGroupMessagePush(body []byte) (GroupMessagePush, error) {
	r := bytes.NewReader(body)
	var p GroupMessagePush

	chatID, err := readUint64(r)
	if err != nil {
		return p, err
	}
	p.ChatID = chatID

	serverMsgID, err := readUint64(r)
	if err != nil {
		return p, err
	}
	p.ServerMsgID = serverMsgID

	guid, err := readUint64(r)
	if err != nil {
		return p, err
	}
	p.GUID = guid

	author, err := readFull(r, types.PeerKeySize)
	if err != nil {
		return p, err
	}
	copy(p.Author[:], author)

	ts, err := readUint64(r)
	if err != nil {
		return p, err
	}
	p.Timestamp = ts

	blob, err := readLengthPrefixedBytes(r)
	if err != nil {
		return p, err
	}
	p.Blob = blob

	return p, nil
}
