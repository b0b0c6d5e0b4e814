/*
File Name:  session.go
Package:    session

Peer-to-peer session: one ConnectionHandler per peer socket running the
mutual double-challenge Ed25519 handshake, an outbound send queue,
delivery-receipt matching, and the 120s idle policy.

The initiating side's transition to Auth2Done happens exactly once,
right after CHALLENGE_ANSWER2 verifies and the final OK(0) has been
written, so OnClientConnected fires exactly once per session. Only the
JSON-header MESSAGE_TEXT shape is supported; there is no
interoperability with any legacy binary framing.
*/
package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mimir-im/mimir/codec"
	"github.com/mimir-im/mimir/collab"
	"github.com/mimir-im/mimir/types"
)

// HeaderPollTimeout bounds each attempt to read the next frame's header.
// A timed-out attempt with zero bytes read means the socket was quiet for
// that tick; the main loop uses the gap to drain the send queue and check
// the idle timeout.
const HeaderPollTimeout = 250 * time.Millisecond

// BodyReadTimeout bounds each read once a frame header has arrived; the
// remaining body is expected promptly after it.
const BodyReadTimeout = 5 * time.Second

// IdleTimeout is the total inactivity duration after which the session
// is closed.
const IdleTimeout = 120 * time.Second

// MaxFrameSize guards a corrupt or hostile length field from provoking an
// unbounded allocation.
const MaxFrameSize = 4 << 20

// EventListener is the capability interface the P2P supervisor
// implements to learn about session lifecycle events, the non-owning
// callback side of the cyclic supervisor<->session relationship.
type EventListener interface {
	OnClientConnected(s *Session)
	OnMessageDelivered(peer types.PeerKey, guid uint64)
	OnConnectionClosed(s *Session, err error)
	OnMessageReceived(s *Session, msg codec.MessageText)
	OnProfileRequested(peer types.PeerKey, since uint64) codec.InfoResponse
	OnProfileReceived(peer types.PeerKey, resp codec.InfoResponse)

	// ContactUpdateTime returns the last known profile update time for
	// peer, sent as the since field of the post-handshake INFO_REQUEST so
	// an unchanged profile is not retransmitted.
	ContactUpdateTime(peer types.PeerKey) uint64
}

// Identity is this node's own Ed25519 keypair and client metadata, handed
// to every Session the supervisor creates.
type Identity struct {
	PubKey   types.PeerKey
	PrivKey  ed25519.PrivateKey
	ClientID uint32
	Addr     types.OverlayAddr // local overlay address; advertised in HELLO only if NATed
}

// Session is one P2P ConnectionHandler.
type Session struct {
	instanceID uuid.UUID // distinguishes overlapping reconnects of the same peer in log lines
	conn       collab.Connection
	identity   Identity
	crypto     collab.Crypto
	listener   EventListener

	outbound bool // true if this side dialed (sent HELLO first)

	mu            sync.Mutex
	state         types.ConnectionState
	peer          types.PeerKey
	peerKnown     bool
	lastActivity  time.Time
	lastChallenge [32]byte // nonce this side generated and is awaiting an answer for
	queue         []types.OutboundMessage

	closeOnce sync.Once
	closed    chan struct{}
}

// NewOutbound creates a session that will send HELLO first, for a peer
// whose public key is already known (it was the dial target).
func NewOutbound(conn collab.Connection, identity Identity, peer types.PeerKey, crypto collab.Crypto, listener EventListener) *Session {
	s := newSession(conn, identity, crypto, listener, true)
	s.state = types.StateConnectedOut
	s.peer = peer
	s.peerKnown = true
	return s
}

// NewInbound creates a session for a freshly accepted socket; the peer's
// public key is not yet known and will be learned from the incoming HELLO.
func NewInbound(conn collab.Connection, identity Identity, crypto collab.Crypto, listener EventListener) *Session {
	s := newSession(conn, identity, crypto, listener, false)
	s.state = types.StateConnectedIn
	return s
}

func newSession(conn collab.Connection, identity Identity, crypto collab.Crypto, listener EventListener, outbound bool) *Session {
	return &Session{
		instanceID:   uuid.New(),
		conn:         conn,
		identity:     identity,
		crypto:       crypto,
		listener:     listener,
		outbound:     outbound,
		state:        types.StateCreated,
		lastActivity: time.Now(),
		closed:       make(chan struct{}),
	}
}

// InstanceID identifies this particular socket's lifetime, so overlapping
// reconnects of the same peer are distinguishable in log lines.
func (s *Session) InstanceID() uuid.UUID {
	return s.instanceID
}

// State returns the session's current ConnectionState.
func (s *Session) State() types.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peer returns the remote peer's public key and whether it is known yet.
func (s *Session) Peer() (types.PeerKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer, s.peerKnown
}

// SendMessage appends msg to the in-memory outbound FIFO; the main loop
// drains one entry per turn once the handshake reaches Auth2Done. Persistence and resend-after-reconnect is Storage's
// responsibility (external collaborator); this queue is purely in-memory.
func (s *Session) SendMessage(msg types.OutboundMessage) {
	s.mu.Lock()
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
}

// Close tears the session down exactly once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// Run drives the session until the connection closes or Close is called.
// It performs the handshake, then loops delivering queued outbound
// messages and handling inbound frames.
func (s *Session) Run() error {
	if s.outbound {
		if err := s.sendHello(); err != nil {
			s.closeWith(err)
			return err
		}
	}

	for {
		select {
		case <-s.closed:
			return types.ErrDisconnected
		default:
		}

		frame, err := s.readFrame()
		if err != nil {
			if errors.Is(err, errNoFrameYet) {
				if s.idleExpired() {
					timeoutErr := fmt.Errorf("%w: idle timeout", types.ErrDisconnected)
					s.closeWith(timeoutErr)
					return timeoutErr
				}
				if s.State() == types.StateAuth2Done {
					s.drainOneMessage()
				}
				continue
			}
			s.closeWith(err)
			return err
		}

		s.touch()

		if err := s.handleFrame(frame); err != nil {
			s.closeWith(err)
			return err
		}
	}
}

func (s *Session) idleExpired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity) >= IdleTimeout
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) closeWith(err error) {
	s.Close()
	s.listener.OnConnectionClosed(s, err)
}

var errNoFrameYet = errors.New("session: no frame arrived within the poll window")

// readExactly fills buf by repeatedly calling ReadTimeout, since a single
// call may return fewer bytes than requested.
func (s *Session) readExactly(buf []byte, timeout time.Duration) error {
	for total := 0; total < len(buf); {
		n, err := s.conn.ReadTimeout(buf[total:], timeout)
		total += n
		if err != nil {
			if total == 0 && isTimeout(err) {
				return errNoFrameYet
			}
			return fmt.Errorf("%w: %v", types.ErrDisconnected, err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return errors.Is(err, types.ErrTimeout)
}

// readFrame reads exactly one frame header and body. Only the header read
// uses the short poll timeout; once a header has started arriving the
// session commits to reading the rest of that frame.
func (s *Session) readFrame() (*codec.Frame, error) {
	header := make([]byte, 16)
	if err := s.readExactly(header, HeaderPollTimeout); err != nil {
		return nil, err
	}

	stream := binary.BigEndian.Uint32(header[0:4])
	typ := binary.BigEndian.Uint32(header[4:8])
	size := binary.BigEndian.Uint64(header[8:16])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame size %d exceeds limit", types.ErrMalformed, size)
	}

	body := make([]byte, size)
	if size > 0 {
		if err := s.readExactly(body, BodyReadTimeout); err != nil {
			if errors.Is(err, errNoFrameYet) {
				return nil, fmt.Errorf("%w: frame body did not arrive", types.ErrTimeout)
			}
			return nil, err
		}
	}

	return &codec.Frame{FrameHeader: codec.FrameHeader{Stream: stream, Type: typ, Size: size}, Body: body}, nil
}

func (s *Session) writeFrame(typ uint32, body []byte) error {
	_, err := s.conn.Write(codec.EncodeFrame(0, typ, body))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrDisconnected, err)
	}
	s.touch()
	return nil
}

func (s *Session) sendHello() error {
	hello := codec.Hello{
		Version:  0,
		PubKey:   s.identity.PubKey,
		Receiver: s.peer,
		ClientID: s.identity.ClientID,
	}
	if s.identity.Addr.IsNAT() {
		hello.HasAddr = true
		hello.Addr = s.identity.Addr
	}

	if err := s.writeFrame(codec.TypeHello, codec.EncodeHello(hello)); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = types.StateHelloSent
	s.mu.Unlock()
	return nil
}

func (s *Session) drainOneMessage() {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	s.mu.Unlock()

	body, err := codec.EncodeMessageText(codec.MessageText{
		Header: codec.MessageTextHeader{
			GUID:     msg.GUID,
			ReplyTo:  msg.ReplyTo,
			SendTime: msg.SendTime,
			EditTime: msg.EditTime,
			Type:     msg.Type,
		},
		Payload: msg.Data,
	})
	if err != nil {
		log.Printf("session[%s]: encode outbound message %d: %v", s.instanceID, msg.GUID, err)
		return
	}

	if err := s.writeFrame(codec.TypeMessageText, body); err != nil {
		// Re-queue at the front; Storage still has the durable copy and
		// the supervisor will retry on the next session.
		s.mu.Lock()
		s.queue = append([]types.OutboundMessage{msg}, s.queue...)
		s.mu.Unlock()
		log.Printf("session[%s]: send outbound message %d: %v", s.instanceID, msg.GUID, err)
	}
}

// handleFrame dispatches a decoded frame.
func (s *Session) handleFrame(frame *codec.Frame) error {
	switch frame.Type {
	case codec.TypeHello:
		return s.onHello(frame.Body)
	case codec.TypeChallenge:
		return s.onChallenge(frame.Body)
	case codec.TypeChallengeAnswer:
		return s.onChallengeAnswer(frame.Body)
	case codec.TypeChallenge2:
		return s.onChallenge2(frame.Body)
	case codec.TypeChallengeAnswer2:
		return s.onChallengeAnswer2(frame.Body)
	case codec.TypeOK:
		return s.onOK(frame.Body)
	case codec.TypeInfoRequest:
		return s.onInfoRequest(frame.Body)
	case codec.TypeInfoResponse:
		return s.onInfoResponse(frame.Body)
	case codec.TypePing:
		return s.writeFrame(codec.TypePong, nil)
	case codec.TypePong:
		return nil
	case codec.TypeMessageText:
		return s.onMessageText(frame.Body)
	case codec.TypeCallOffer, codec.TypeCallAnswer, codec.TypeCallHang, codec.TypeCallPacket:
		// Call signalling is opaque to this core; simply accepted without
		// further interpretation.
		return nil
	default:
		return fmt.Errorf("%w: unknown frame type %d", types.ErrMalformed, frame.Type)
	}
}

func (s *Session) onHello(body []byte) error {
	s.mu.Lock()
	alreadyKnown := s.peerKnown
	s.mu.Unlock()
	if alreadyKnown {
		return nil // duplicate HELLO after peer is already set: ignore
	}

	hello, err := codec.DecodeHello(body)
	if err != nil {
		return err
	}

	if hello.Receiver != s.identity.PubKey {
		// Wrong-number check: abort with no reply.
		return fmt.Errorf("%w", types.ErrWrongNumber)
	}

	if hello.HasAddr {
		remote := s.conn.RemoteAddr()
		if !remote.IsNAT() || remote[0] != hello.Addr[0] {
			// Spoofing: sender's socket address subnet does not match its
			// claimed NATed overlay address.
			return fmt.Errorf("%w", types.ErrSpoofing)
		}
	}

	s.mu.Lock()
	s.peer = hello.PubKey
	s.peerKnown = true
	s.mu.Unlock()

	random, err := randomNonce()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastChallenge = random
	s.state = types.StateChallengeSent
	s.mu.Unlock()

	return s.writeFrame(codec.TypeChallenge, codec.EncodeChallenge(random))
}

func (s *Session) onChallenge(body []byte) error {
	random, err := codec.DecodeChallenge(body)
	if err != nil {
		return err
	}

	sig := s.crypto.Sign(s.identity.PrivKey, random[:])
	s.mu.Lock()
	s.state = types.StateChallengeAnswered
	s.mu.Unlock()

	return s.writeFrame(codec.TypeChallengeAnswer, codec.EncodeChallengeAnswer(sig))
}

func (s *Session) onChallengeAnswer(body []byte) error {
	s.mu.Lock()
	state := s.state
	random := s.lastChallenge
	peer := s.peer
	s.mu.Unlock()

	if state != types.StateChallengeSent {
		return nil // CHALLENGE_ANSWER before CHALLENGE was sent: ignore
	}

	sig, err := codec.DecodeChallengeAnswer(body)
	if err != nil {
		return err
	}

	if !s.crypto.Verify(peer, random[:], sig[:]) {
		return fmt.Errorf("%w", types.ErrAuthFail)
	}

	s.mu.Lock()
	s.state = types.StateAuthDone
	s.mu.Unlock()

	// Only the dialing side initiates CHALLENGE2, on receipt of this
	// OK(0); this side waits for it in AuthDone.
	return s.writeFrame(codec.TypeOK, codec.EncodeOK(0))
}

func (s *Session) onChallenge2(body []byte) error {
	random, err := codec.DecodeChallenge(body)
	if err != nil {
		return err
	}

	sig := s.crypto.Sign(s.identity.PrivKey, random[:])
	s.mu.Lock()
	s.state = types.StateChallenge2Answered
	s.mu.Unlock()

	return s.writeFrame(codec.TypeChallengeAnswer2, codec.EncodeChallengeAnswer(sig))
}

func (s *Session) onChallengeAnswer2(body []byte) error {
	s.mu.Lock()
	state := s.state
	random := s.lastChallenge
	peer := s.peer
	s.mu.Unlock()

	if state != types.StateChallenge2Sent {
		return nil
	}

	sig, err := codec.DecodeChallengeAnswer(body)
	if err != nil {
		return err
	}

	if !s.crypto.Verify(peer, random[:], sig[:]) {
		return fmt.Errorf("%w", types.ErrAuthFail)
	}

	if err := s.writeFrame(codec.TypeOK, codec.EncodeOK(0)); err != nil {
		return err
	}

	// Canonical, single transition to Auth2Done:
	// only here, after verification succeeded and the OK(0) was written.
	s.becomeAuth2Done()

	return nil
}

func (s *Session) onOK(body []byte) error {
	id, err := codec.DecodeOK(body)
	if err != nil {
		return err
	}

	if id != 0 {
		// Delivery receipt, regardless of current state.
		peer, _ := s.Peer()
		s.listener.OnMessageDelivered(peer, id)
		return nil
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case types.StateChallengeAnswered:
		s.mu.Lock()
		s.state = types.StateAuthDone
		s.mu.Unlock()

		random2, err := randomNonce()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.lastChallenge = random2
		s.state = types.StateChallenge2Sent
		s.mu.Unlock()
		return s.writeFrame(codec.TypeChallenge2, codec.EncodeChallenge(random2))

	case types.StateChallenge2Answered:
		s.becomeAuth2Done()
		return nil

	default:
		return nil // OK(0) in any other state: no-op
	}
}

func (s *Session) becomeAuth2Done() {
	s.mu.Lock()
	s.state = types.StateAuth2Done
	s.mu.Unlock()

	s.listener.OnClientConnected(s)

	peer, _ := s.Peer()
	since := s.listener.ContactUpdateTime(peer)
	if err := s.writeFrame(codec.TypeInfoRequest, codec.EncodeInfoRequest(since)); err != nil {
		log.Printf("session: info request to %s: %v", peer, err)
	}
}

func (s *Session) onInfoRequest(body []byte) error {
	since, err := codec.DecodeInfoRequest(body)
	if err != nil {
		return err
	}
	peer, _ := s.Peer()
	resp := s.listener.OnProfileRequested(peer, since)
	return s.writeFrame(codec.TypeInfoResponse, codec.EncodeInfoResponse(resp))
}

func (s *Session) onInfoResponse(body []byte) error {
	resp, err := codec.DecodeInfoResponse(body)
	if err != nil {
		return err
	}
	peer, _ := s.Peer()
	s.listener.OnProfileReceived(peer, resp)
	return nil
}

func (s *Session) onMessageText(body []byte) error {
	msg, err := codec.DecodeMessageText(body)
	if err != nil {
		return err
	}

	s.listener.OnMessageReceived(s, msg)

	return s.writeFrame(codec.TypeOK, codec.EncodeOK(msg.Header.GUID))
}

// randomNonce generates a fresh 32-byte handshake challenge. Overridable
// in tests via randomBytesFn for deterministic nonces.
func randomNonce() (out [32]byte, err error) {
	b := make([]byte, 32)
	if _, err := randomBytesFn(b); err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}

var randomBytesFn = rand.Read
