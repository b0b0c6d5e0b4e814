/*
File Name:  p2p.go
Package:    codec

P2P session framing. Every record is prefixed by a header
(stream: u32, type: u32, size: u64). Size is the length of the body that
follows and is pre-read before the body is parsed, so decoding a frame
never blocks partially.
*/
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mimir-im/mimir/types"
)

// P2P frame type codes.
const (
	TypeHello             uint32 = 1
	TypeChallenge         uint32 = 2
	TypeChallengeAnswer   uint32 = 3
	TypeChallenge2        uint32 = 4
	TypeChallengeAnswer2  uint32 = 5
	TypeInfoRequest       uint32 = 6
	TypeInfoResponse      uint32 = 7
	TypePing              uint32 = 8
	TypePong              uint32 = 9
	TypeMessageText       uint32 = 1000
	TypeCallOffer         uint32 = 2000
	TypeCallAnswer        uint32 = 2001
	TypeCallHang          uint32 = 2002
	TypeCallPacket        uint32 = 2003
	TypeOK                uint32 = 32767
)

// FrameHeader is the 16-byte header prefixing every P2P record.
type FrameHeader struct {
	Stream uint32
	Type   uint32
	Size   uint64
}

// Frame is a decoded P2P record: the header plus its raw, still-encoded body.
type Frame struct {
	FrameHeader
	Body []byte
}

// EncodeFrame serialises a header + body into a single wire buffer.
func EncodeFrame(stream uint32, typ uint32, body []byte) []byte {
	var buf []byte
	putUint32(&buf, stream)
	putUint32(&buf, typ)
	putUint64(&buf, uint64(len(body)))
	buf = append(buf, body...)
	return buf
}

// DecodeFrame reads one header + body from r. The full declared body
// length is read before any higher-level parsing is attempted.
func DecodeFrame(r io.Reader) (*Frame, error) {
	stream, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	typ, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	size, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	if size > maxFrameSize {
		return nil, types.ErrMalformed
	}
	body, err := readFull(r, int(size))
	if err != nil {
		return nil, err
	}
	return &Frame{FrameHeader: FrameHeader{Stream: stream, Type: typ, Size: size}, Body: body}, nil
}

// Hello is the handshake's first message.
type Hello struct {
	Version    uint32
	PubKey     types.PeerKey // sender's public key
	Receiver   types.PeerKey // claimed receiver public key ("wrong-number check")
	ClientID   uint32
	HasAddr    bool
	Addr       types.OverlayAddr // present only if the sender's local address is in the NATed subnet
}

// EncodeHello encodes a HELLO body.
func EncodeHello(h Hello) []byte {
	var buf []byte
	putUint32(&buf, h.Version)
	putFixed(&buf, h.PubKey[:])
	putFixed(&buf, h.Receiver[:])
	putUint32(&buf, h.ClientID)
	if h.HasAddr {
		putFixed(&buf, h.Addr[:])
	}
	return buf
}

// DecodeHello decodes a HELLO body. The optional address field is present
// whenever trailing bytes remain after the mandatory fields.
func DecodeHello(body []byte) (Hello, error) {
	r := bytes.NewReader(body)
	var h Hello

	version, err := readUint32(r)
	if err != nil {
		return h, err
	}
	h.Version = version

	pub, err := readFixed(r, types.PeerKeySize)
	if err != nil {
		return h, err
	}
	copy(h.PubKey[:], pub)

	recv, err := readFixed(r, types.PeerKeySize)
	if err != nil {
		return h, err
	}
	copy(h.Receiver[:], recv)

	clientID, err := readUint32(r)
	if err != nil {
		return h, err
	}
	h.ClientID = clientID

	if r.Len() > 0 {
		addr, err := readFixed(r, types.OverlayAddrSize)
		if err != nil {
			return h, err
		}
		copy(h.Addr[:], addr)
		h.HasAddr = true
	}

	return h, nil
}

// EncodeChallenge encodes a CHALLENGE/CHALLENGE2 body: len + random[32].
func EncodeChallenge(random [32]byte) []byte {
	var buf []byte
	putFixed(&buf, random[:])
	return buf
}

// DecodeChallenge decodes a CHALLENGE/CHALLENGE2 body.
func DecodeChallenge(body []byte) (random [32]byte, err error) {
	r := bytes.NewReader(body)
	b, err := readFixed(r, 32)
	if err != nil {
		return random, err
	}
	copy(random[:], b)
	return random, nil
}

// EncodeChallengeAnswer encodes a CHALLENGE_ANSWER/CHALLENGE_ANSWER2 body: len + sig[64].
func EncodeChallengeAnswer(sig [64]byte) []byte {
	var buf []byte
	putFixed(&buf, sig[:])
	return buf
}

// DecodeChallengeAnswer decodes a CHALLENGE_ANSWER/CHALLENGE_ANSWER2 body.
func DecodeChallengeAnswer(body []byte) (sig [64]byte, err error) {
	r := bytes.NewReader(body)
	b, err := readFixed(r, 64)
	if err != nil {
		return sig, err
	}
	copy(sig[:], b)
	return sig, nil
}

// EncodeInfoRequest encodes an INFO_REQUEST body: since u64.
func EncodeInfoRequest(since uint64) []byte {
	var buf []byte
	putUint64(&buf, since)
	return buf
}

// DecodeInfoRequest decodes an INFO_REQUEST body.
func DecodeInfoRequest(body []byte) (since uint64, err error) {
	r := bytes.NewReader(body)
	return readUint64(r)
}

// InfoResponse carries the sender's profile.
type InfoResponse struct {
	Time    uint64
	Nick    string
	Info    string
	Avatar  []byte
}

// EncodeInfoResponse encodes an INFO_RESPONSE body.
func EncodeInfoResponse(resp InfoResponse) []byte {
	var buf []byte
	putUint64(&buf, resp.Time)
	putLengthPrefixedString(&buf, resp.Nick)
	putLengthPrefixedString(&buf, resp.Info)
	putLengthPrefixedBytes(&buf, resp.Avatar)
	return buf
}

// DecodeInfoResponse decodes an INFO_RESPONSE body.
func DecodeInfoResponse(body []byte) (InfoResponse, error) {
	r := bytes.NewReader(body)
	var resp InfoResponse

	t, err := readUint64(r)
	if err != nil {
		return resp, err
	}
	resp.Time = t

	nick, err := readLengthPrefixedString(r)
	if err != nil {
		return resp, err
	}
	resp.Nick = nick

	info, err := readLengthPrefixedString(r)
	if err != nil {
		return resp, err
	}
	resp.Info = info

	avatar, err := readLengthPrefixedBytes(r)
	if err != nil {
		return resp, err
	}
	resp.Avatar = avatar

	return resp, nil
}

// MessageTextHeader is the JSON header preceding an optional raw payload
// in a MESSAGE_TEXT frame.
type MessageTextHeader struct {
	GUID        uint64 `json:"guid"`
	ReplyTo     uint64 `json:"replyTo,omitempty"`
	SendTime    uint64 `json:"sendTime"`
	EditTime    uint64 `json:"editTime,omitempty"`
	Type        uint16 `json:"type"`
	PayloadSize uint32 `json:"payloadSize,omitempty"`
}

// MessageText is a fully decoded MESSAGE_TEXT frame.
type MessageText struct {
	Header  MessageTextHeader
	Payload []byte // raw payload, present only when Header.PayloadSize > 0
}

// AttachmentTypeImage and AttachmentTypeFile are the MessageTextHeader.Type
// values that carry an attachment payload.
const (
	AttachmentTypeImage uint16 = 1
	AttachmentTypeFile  uint16 = 3
)

// HasAttachment reports whether t's type indicates the payload is
// jsonSize + attachmentMetaJson + fileBytes rather than an opaque blob.
func (t MessageTextHeader) HasAttachment() bool {
	return t.Type == AttachmentTypeImage || t.Type == AttachmentTypeFile
}

// EncodeMessageText encodes a MESSAGE_TEXT body: JSON header followed by
// the optional raw payload.
func EncodeMessageText(msg MessageText) ([]byte, error) {
	msg.Header.PayloadSize = uint32(len(msg.Payload))
	headerJSON, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, err
	}

	var buf []byte
	putLengthPrefixedBytes(&buf, headerJSON)
	putLengthPrefixedBytes(&buf, msg.Payload)
	return buf, nil
}

// DecodeMessageText decodes a MESSAGE_TEXT body.
func DecodeMessageText(body []byte) (MessageText, error) {
	r := bytes.NewReader(body)
	var msg MessageText

	headerJSON, err := readLengthPrefixedBytes(r)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(headerJSON, &msg.Header); err != nil {
		return msg, fmt.Errorf("%w: %v", types.ErrMalformed, err)
	}

	payload, err := readLengthPrefixedBytes(r)
	if err != nil {
		return msg, err
	}
	msg.Payload = payload

	return msg, nil
}

// AttachmentPayload is the inner layout of a MESSAGE_TEXT payload when
// MessageTextHeader.HasAttachment() is true: jsonSize(u32) + metaJSON + fileBytes.
type AttachmentPayload struct {
	MetaJSON []byte
	FileData []byte
}

// EncodeAttachmentPayload encodes the inner attachment payload.
func EncodeAttachmentPayload(a AttachmentPayload) []byte {
	var buf []byte
	putUint32(&buf, uint32(len(a.MetaJSON)))
	buf = append(buf, a.MetaJSON...)
	buf = append(buf, a.FileData...)
	return buf
}

// DecodeAttachmentPayload splits a MESSAGE_TEXT attachment payload into
// its metadata JSON and file bytes, using the embedded jsonSize to slice
// the two apart.
func DecodeAttachmentPayload(payload []byte) (AttachmentPayload, error) {
	var a AttachmentPayload
	if len(payload) < 4 {
		return a, types.ErrMalformed
	}
	r := bytes.NewReader(payload)
	jsonSize, err := readUint32(r)
	if err != nil {
		return a, err
	}
	if int(jsonSize) > len(payload)-4 {
		return a, types.ErrMalformed
	}
	a.MetaJSON = payload[4 : 4+jsonSize]
	a.FileData = payload[4+jsonSize:]
	return a, nil
}

// EncodeOK encodes an OK body: id u64 (0 = handshake ACK, else the guid of
// a delivered message).
func EncodeOK(id uint64) []byte {
	var buf []byte
	putUint64(&buf, id)
	return buf
}

// DecodeOK decodes an OK body.
func DecodeOK(body []byte) (id uint64, err error) {
	r := bytes.NewReader(body)
	return readUint64(r)
}

// CallSignal is an opaque audio-call signalling payload for
// CALL_OFFER/ANSWER/HANG/PACKET frames. The inner shape is
// owned by the application layer; the codec only frames it.
type CallSignal struct {
	Data []byte
}

// EncodeCallSignal encodes a call-signalling body.
func EncodeCallSignal(s CallSignal) []byte {
	return append([]byte(nil), s.Data...)
}

// DecodeCallSignal decodes a call-signalling body.
func DecodeCallSignal(body []byte) CallSignal {
	return CallSignal{Data: append([]byte(nil), body...)}
}
