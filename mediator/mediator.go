/*
File Name:  mediator.go
Package:    mediator

Single persistent stream to one mediator. Opens with the 0x00 protocol
selector, then mutually authenticates via GET_NONCE/AUTH. Outbound
requests are multiplexed by req_id against a pending map holding one
response channel per in-flight request.
*/
package mediator

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mimir-im/mimir/codec"
	"github.com/mimir-im/mimir/collab"
	"github.com/mimir-im/mimir/types"
)

// RequestTimeout bounds how long request() waits for a matching response
// before giving up and returning nil.
const RequestTimeout = 10 * time.Second

// KeepaliveInterval is how long the client waits without activity before
// issuing a PING, comfortably inside the overlay transport's own idle
// timeout.
const KeepaliveInterval = 240 * time.Second

// MaxMessagesSincePage is the upper bound on get_messages_since's limit
// parameter.
const MaxMessagesSincePage = 500

// Listener receives mediator-client lifecycle and push events.
type Listener interface {
	OnConnected(c *Client)
	OnDisconnected(c *Client, err error)
	OnGroupMessage(c *Client, msg codec.GroupMessagePush)
	OnMemberInfoRequested(c *Client, req codec.MemberInfoPushRequest)
	OnInvite(c *Client, invite codec.InvitePush)
}

type pendingEntry struct {
	replyCh chan codec.MediatorResponse
}

// Client is a single mediator connection.
type Client struct {
	instanceID  uuid.UUID // distinguishes overlapping reconnects of the same mediator in log lines
	mediatorKey types.PeerKey
	identity    types.PeerKey
	privKey     ed25519.PrivateKey
	crypto      collab.Crypto
	listener    Listener

	conn   collab.Connection
	reader *bufio.Reader // single reader for the connection's whole lifetime

	mu      sync.Mutex
	pending map[uint16]pendingEntry
	nextID  uint16
	running bool

	lastActivity time.Time
	writeMu      sync.Mutex

	stop chan struct{}
	once sync.Once
}

// Dial opens a connection to the mediator over transport, sends the
// protocol selector, and completes the GET_NONCE/AUTH handshake.
func Dial(transport collab.Transport, mediatorKey types.PeerKey, identity types.PeerKey, priv ed25519.PrivateKey, crypto collab.Crypto, listener Listener) (*Client, error) {
	conn, err := transport.Connect(mediatorKey)
	if err != nil {
		return nil, fmt.Errorf("mediator: connect: %w", err)
	}

	c := &Client{
		instanceID:   uuid.New(),
		mediatorKey:  mediatorKey,
		identity:     identity,
		privKey:      priv,
		crypto:       crypto,
		listener:     listener,
		conn:         conn,
		reader:       codec.NewReader(conn),
		pending:      make(map[uint16]pendingEntry),
		lastActivity: time.Now(),
		stop:         make(chan struct{}),
	}

	if err := c.handshake(); err != nil {
		conn.Close()
		return nil, err
	}

	c.running = true
	go c.readLoop()
	go c.keepaliveLoop()

	if listener != nil {
		listener.OnConnected(c)
	}
	return c, nil
}

func (c *Client) handshake() error {
	if _, err := c.conn.Write([]byte{codec.MediatorProtocolSelector}); err != nil {
		return fmt.Errorf("mediator: selector: %w", err)
	}

	nonceResp, err := c.requestRaw(codec.CmdGetNonce, codec.EncodeGetNonceRequest(codec.GetNonceRequest{PubKey: c.identity}))
	if err != nil {
		return err
	}
	nonce, err := codec.DecodeGetNonceResponse(nonceResp.Payload)
	if err != nil {
		return fmt.Errorf("mediator: decode nonce: %w", err)
	}

	sig := c.crypto.Sign(c.privKey, nonce.Nonce[:])
	authResp, err := c.requestRaw(codec.CmdAuth, codec.EncodeAuthRequest(codec.AuthRequest{
		PubKey: c.identity,
		Nonce:  nonce.Nonce,
		Sig:    sig,
	}))
	if err != nil {
		return err
	}
	if authResp.Status != codec.StatusOK {
		return types.ErrAuthFail
	}
	return nil
}

// requestRaw performs a single framed request/response round trip before
// the read loop is running (used only during the handshake).
func (c *Client) requestRaw(cmd uint8, payload []byte) (codec.MediatorResponse, error) {
	reqID := c.allocReqID()
	frame := codec.EncodeMediatorRequest(codec.MediatorRequest{Cmd: cmd, ReqID: reqID, Payload: payload})
	if _, err := c.conn.Write(frame); err != nil {
		return codec.MediatorResponse{}, fmt.Errorf("mediator: write: %w", err)
	}
	resp, err := codec.DecodeMediatorResponse(c.reader)
	if err != nil {
		return codec.MediatorResponse{}, fmt.Errorf("mediator: read: %w", err)
	}
	if resp.ReqID != reqID {
		return codec.MediatorResponse{}, types.ErrMalformed
	}
	return resp, nil
}

func (c *Client) allocReqID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		c.nextID++
		if c.nextID != 0 && !codec.IsPush(c.nextID) {
			return c.nextID
		}
	}
}

// request issues cmd/payload and blocks up to RequestTimeout for the
// matching response, returning (nil, nil) on timeout.
func (c *Client) request(cmd uint8, payload []byte) (*codec.MediatorResponse, error) {
	reqID := c.allocReqID()
	replyCh := make(chan codec.MediatorResponse, 1)

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil, types.ErrDisconnected
	}
	c.pending[reqID] = pendingEntry{replyCh: replyCh}
	c.mu.Unlock()

	frame := codec.EncodeMediatorRequest(codec.MediatorRequest{Cmd: cmd, ReqID: reqID, Payload: payload})
	c.writeMu.Lock()
	_, err := c.conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(reqID)
		c.closeWith(err)
		return nil, fmt.Errorf("mediator: write: %w", err)
	}

	select {
	case resp := <-replyCh:
		return &resp, nil
	case <-time.After(RequestTimeout):
		c.removePending(reqID)
		return nil, nil
	case <-c.stop:
		return nil, types.ErrDisconnected
	}
}

func (c *Client) removePending(reqID uint16) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	for {
		resp, err := codec.DecodeMediatorResponse(c.reader)
		if err != nil {
			c.closeWith(err)
			return
		}
		c.touch()

		if codec.IsPush(resp.ReqID) {
			c.dispatchPush(resp)
			continue
		}

		c.mu.Lock()
		entry, ok := c.pending[resp.ReqID]
		if ok {
			delete(c.pending, resp.ReqID)
		}
		c.mu.Unlock()
		if ok {
			entry.replyCh <- resp
		}
	}
}

func (c *Client) dispatchPush(resp codec.MediatorResponse) {
	if c.listener == nil {
		return
	}
	switch resp.ReqID {
	case codec.ReqIDGroupMessage, codec.ReqIDMessagePush:
		msg, err := codec.DecodeGroupMessagePush(resp.Payload)
		if err != nil {
			log.Printf("mediator: malformed group message push: %v", err)
			return
		}
		c.listener.OnGroupMessage(c, msg)
	case codec.ReqIDMemberInfoReq:
		req, err := codec.DecodeMemberInfoPushRequest(resp.Payload)
		if err != nil {
			log.Printf("mediator: malformed member-info push: %v", err)
			return
		}
		c.listener.OnMemberInfoRequested(c, req)
	case codec.ReqIDInvitePush:
		invite, err := codec.DecodeInvitePush(resp.Payload)
		if err != nil {
			log.Printf("mediator: malformed invite push: %v", err)
			return
		}
		c.listener.OnInvite(c, invite)
	default:
		log.Printf("mediator[%s]: unhandled push req_id 0x%x", c.instanceID, resp.ReqID)
	}
}

func (c *Client) keepaliveLoop() {
	ticker := time.NewTicker(KeepaliveInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastActivity)
			c.mu.Unlock()
			if idle < KeepaliveInterval {
				continue
			}
			resp, err := c.request(codec.CmdPing, nil)
			if err != nil {
				return
			}
			if resp == nil {
				// A keepalive timing out means the stream is dead even if
				// the socket has not errored yet.
				c.closeWith(types.ErrTimeout)
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Client) closeWith(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.running = false
		c.pending = make(map[uint16]pendingEntry)
		c.mu.Unlock()

		close(c.stop)
		c.conn.Close()
		if c.listener != nil {
			c.listener.OnDisconnected(c, err)
		}
	})
}

// Running reports whether the client's read/keepalive loops are active.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// InstanceID identifies this particular connection's lifetime, so
// overlapping reconnects of the same mediator are distinguishable in log
// lines.
func (c *Client) InstanceID() uuid.UUID {
	return c.instanceID
}

// MediatorKey returns the public key of the mediator this client talks to.
func (c *Client) MediatorKey() types.PeerKey {
	return c.mediatorKey
}

// Close tears down the connection and fails all pending requests.
func (c *Client) Close() {
	c.closeWith(types.ErrDisconnected)
}

// CreateChat performs the proof-of-work loop and issues create_chat,
// returning the assigned chat id.
func (c *Client) CreateChat(name string) (uint64, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return 0, fmt.Errorf("mediator: nonce: %w", err)
	}

	var counter uint32
	var sig [64]byte
	for {
		msg := codec.CreateChatSignedMessage(nonce, counter)
		sig = c.crypto.Sign(c.privKey, msg)
		if codec.SatisfiesCreateChatPOW(sig) {
			break
		}
		counter++
	}

	resp, err := c.request(codec.CmdCreateChat, codec.EncodeCreateChatRequest(codec.CreateChatRequest{
		Nonce:   nonce,
		Counter: counter,
		Sig:     sig,
		Name:    name,
	}))
	if err != nil || resp == nil {
		return 0, err
	}
	if resp.Status != codec.StatusOK {
		return 0, mediatorError(resp.Payload)
	}
	out, err := codec.DecodeChatIDRequest(resp.Payload)
	if err != nil {
		return 0, err
	}
	return out.ChatID, nil
}

// DeleteChat issues delete_chat for chatID.
func (c *Client) DeleteChat(chatID uint64) error {
	return c.simpleChatCommand(codec.CmdDeleteChat, chatID)
}

// LeaveChat issues leave_chat for chatID.
func (c *Client) LeaveChat(chatID uint64) error {
	return c.simpleChatCommand(codec.CmdLeaveChat, chatID)
}

func (c *Client) simpleChatCommand(cmd uint8, chatID uint64) error {
	resp, err := c.request(cmd, codec.EncodeChatIDRequest(codec.ChatIDRequest{ChatID: chatID}))
	if err != nil {
		return err
	}
	if resp == nil {
		return types.ErrTimeout
	}
	if resp.Status != codec.StatusOK {
		return mediatorError(resp.Payload)
	}
	return nil
}

// AddUser issues add_user(chatID, member).
func (c *Client) AddUser(chatID uint64, member types.PeerKey) error {
	return c.memberCommand(codec.CmdAddUser, chatID, member)
}

// DeleteUser issues delete_user(chatID, member).
func (c *Client) DeleteUser(chatID uint64, member types.PeerKey) error {
	return c.memberCommand(codec.CmdDeleteUser, chatID, member)
}

func (c *Client) memberCommand(cmd uint8, chatID uint64, member types.PeerKey) error {
	resp, err := c.request(cmd, codec.EncodeMemberRequest(codec.MemberRequest{ChatID: chatID, Member: member}))
	if err != nil {
		return err
	}
	if resp == nil {
		return types.ErrTimeout
	}
	if resp.Status != codec.StatusOK {
		return mediatorError(resp.Payload)
	}
	return nil
}

// Subscribe issues subscribe(chatID), returning the server's last message id.
func (c *Client) Subscribe(chatID uint64) (uint64, error) {
	resp, err := c.request(codec.CmdSubscribe, codec.EncodeChatIDRequest(codec.ChatIDRequest{ChatID: chatID}))
	if err != nil || resp == nil {
		return 0, err
	}
	if resp.Status != codec.StatusOK {
		return 0, mediatorError(resp.Payload)
	}
	out, err := codec.DecodeSubscribeResponse(resp.Payload)
	if err != nil {
		return 0, err
	}
	return out.LastServerMsgID, nil
}

// GetLastMessageID issues get_last_message_id(chatID).
func (c *Client) GetLastMessageID(chatID uint64) (uint64, error) {
	resp, err := c.request(codec.CmdGetLastMsgID, codec.EncodeChatIDRequest(codec.ChatIDRequest{ChatID: chatID}))
	if err != nil || resp == nil {
		return 0, err
	}
	if resp.Status != codec.StatusOK {
		return 0, mediatorError(resp.Payload)
	}
	out, err := codec.DecodeSubscribeResponse(resp.Payload)
	if err != nil {
		return 0, err
	}
	return out.LastServerMsgID, nil
}

// GetMessagesSince issues get_messages_since(chatID, since, limit), capping
// limit at MaxMessagesSincePage.
func (c *Client) GetMessagesSince(chatID uint64, since uint64, limit uint16) ([]codec.GroupMessagePush, error) {
	if limit > MaxMessagesSincePage {
		limit = MaxMessagesSincePage
	}
	resp, err := c.request(codec.CmdGetMessagesSince, codec.EncodeGetMessagesSinceRequest(codec.GetMessagesSinceRequest{
		ChatID: chatID,
		Since:  since,
		Limit:  limit,
	}))
	if err != nil || resp == nil {
		return nil, err
	}
	if resp.Status != codec.StatusOK {
		return nil, mediatorError(resp.Payload)
	}
	out, err := codec.DecodeGetMessagesSinceResponse(resp.Payload)
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendMessage issues send_message(chatID, guid, blob), returning the
// server-assigned message id.
func (c *Client) SendMessage(chatID uint64, guid uint64, blob []byte) (uint64, error) {
	resp, err := c.request(codec.CmdSendMessage, codec.EncodeSendMessageRequest(codec.SendMessageRequest{
		ChatID: chatID,
		GUID:   guid,
		Blob:   blob,
	}))
	if err != nil || resp == nil {
		return 0, err
	}
	if resp.Status != codec.StatusOK {
		return 0, mediatorError(resp.Payload)
	}
	out, err := codec.DecodeSendMessageResponse(resp.Payload)
	if err != nil {
		return 0, err
	}
	return out.ServerMsgID, nil
}

// SendInvite issues send_invite(chatID, target).
func (c *Client) SendInvite(chatID uint64, target types.PeerKey) error {
	resp, err := c.request(codec.CmdSendInvite, codec.EncodeSendInviteRequest(codec.SendInviteRequest{ChatID: chatID, Target: target}))
	if err != nil {
		return err
	}
	if resp == nil {
		return types.ErrTimeout
	}
	if resp.Status != codec.StatusOK {
		return mediatorError(resp.Payload)
	}
	return nil
}

// RespondToInvite issues respond_to_invite(chatID, accepted).
func (c *Client) RespondToInvite(chatID uint64, accepted bool) error {
	resp, err := c.request(codec.CmdRespondInvite, codec.EncodeRespondToInviteRequest(codec.RespondToInviteRequest{ChatID: chatID, Accepted: accepted}))
	if err != nil {
		return err
	}
	if resp == nil {
		return types.ErrTimeout
	}
	if resp.Status != codec.StatusOK {
		return mediatorError(resp.Payload)
	}
	return nil
}

// UpdateMemberInfo issues update_member_info with blob already encrypted
// under the chat's shared_key by the caller.
func (c *Client) UpdateMemberInfo(chatID uint64, blob []byte, updatedAt uint64) error {
	resp, err := c.request(codec.CmdUpdateMemberInfo, codec.EncodeUpdateMemberInfoRequest(codec.UpdateMemberInfoRequest{
		ChatID:    chatID,
		Blob:      blob,
		UpdatedAt: updatedAt,
	}))
	if err != nil {
		return err
	}
	if resp == nil {
		return types.ErrTimeout
	}
	if resp.Status != codec.StatusOK {
		return mediatorError(resp.Payload)
	}
	return nil
}

// GetMembersInfo issues get_members_info(chatID, sinceTS).
func (c *Client) GetMembersInfo(chatID uint64, sinceTS uint64) ([]codec.MemberInfoRecord, error) {
	resp, err := c.request(codec.CmdGetMembersInfo, codec.EncodeGetMembersInfoRequest(codec.GetMembersInfoRequest{
		ChatID:  chatID,
		SinceTS: sinceTS,
	}))
	if err != nil || resp == nil {
		return nil, err
	}
	if resp.Status != codec.StatusOK {
		return nil, mediatorError(resp.Payload)
	}
	out, err := codec.DecodeGetMembersInfoResponse(resp.Payload)
	if err != nil {
		return nil, err
	}
	return out.Members, nil
}

// GetMembers issues get_members(chatID).
func (c *Client) GetMembers(chatID uint64) ([]types.PeerKey, error) {
	resp, err := c.request(codec.CmdGetMembers, codec.EncodeChatIDRequest(codec.ChatIDRequest{ChatID: chatID}))
	if err != nil || resp == nil {
		return nil, err
	}
	if resp.Status != codec.StatusOK {
		return nil, mediatorError(resp.Payload)
	}
	out, err := codec.DecodeGetMembersResponse(resp.Payload)
	if err != nil {
		return nil, err
	}
	return out.Members, nil
}

// Ping issues a bare keepalive ping.
func (c *Client) Ping() error {
	_, err := c.request(codec.CmdPing, nil)
	return err
}

func mediatorError(payload []byte) error {
	msg, err := codec.DecodeErrorPayload(payload)
	if err != nil {
		return types.ErrMalformed
	}
	return fmt.Errorf("mediator: %s", msg)
}
