/*
File Name:  server.go
Package:    server

P2P supervisor: the root object that owns the listening socket, the
at-most-one-session-per-peer connections map, the in-flight outbound
dial set, and the announce cadence.
*/
package server

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/mimir-im/mimir/codec"
	"github.com/mimir-im/mimir/collab"
	"github.com/mimir-im/mimir/directory"
	"github.com/mimir-im/mimir/session"
	"github.com/mimir-im/mimir/types"
)

// DialAttempts and DialTimeout bound each outbound connection attempt
// against a single candidate address.
const (
	DialAttempts = 5
	DialTimeout  = 3 * time.Second
)

// AddressPollInterval is how often the accept loop's timeout fires while
// idle, giving it a chance to notice a local overlay address change.
const AddressPollInterval = 2 * time.Second

// Server is the P2P supervisor. It owns the connections map and is
// the only mutator of it; sessions hold only a non-owning EventListener
// reference back into it.
type Server struct {
	transport collab.Transport
	storage   collab.Storage
	crypto    collab.Crypto
	directory *directory.Client
	identity  session.Identity
	info      collab.InfoProvider

	// OnMessage is invoked for every fully received MESSAGE_TEXT frame.
	// Top-level composition wires it to Backend.OnDirectMessage; a nil
	// handler drops the frame.
	OnMessage func(peer types.PeerKey, msg codec.MessageText)

	mu          sync.Mutex
	connections map[types.PeerKey]*session.Session
	byAddr      map[types.OverlayAddr]*session.Session // inbound sessions, before the HELLO rekeys them
	connecting  map[types.PeerKey]bool

	announceTTL time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	lastAddr types.OverlayAddr
}

// New constructs a Server. Call Start to begin accepting and dialing.
func New(transport collab.Transport, storage collab.Storage, crypto collab.Crypto, dir *directory.Client, identity session.Identity, info collab.InfoProvider) *Server {
	return &Server{
		transport:   transport,
		storage:     storage,
		crypto:      crypto,
		directory:   dir,
		identity:    identity,
		info:        info,
		connections: make(map[types.PeerKey]*session.Session),
		byAddr:      make(map[types.OverlayAddr]*session.Session),
		connecting:  make(map[types.PeerKey]bool),
		stop:        make(chan struct{}),
		announceTTL: 5 * time.Minute,
	}
}

// Start opens the listening socket and launches the accept loop and the
// pending-message dial loop.
func (s *Server) Start() error {
	if err := s.transport.Listen(); err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.lastAddr = s.transport.LocalAddress()

	if s.directory != nil {
		s.directory.OnAnnounceSuccess = s.onAnnounceSuccess
		s.directory.OnResolveError = func(err error) { log.Printf("server: resolve error: %v", err) }
	}

	s.wg.Add(3)
	go s.acceptLoop()
	go s.dialLoop()
	go s.announceLoop()
	return nil
}

// Stop signals all loops and sessions to exit and waits for them to do so.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.connections)+len(s.byAddr))
	for _, sess := range s.connections {
		sessions = append(sessions, sess)
	}
	for _, sess := range s.byAddr {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}

	s.wg.Wait()
	s.transport.Close()
}

func (s *Server) onAnnounceSuccess(ttl time.Duration) {
	s.mu.Lock()
	s.announceTTL = ttl
	s.mu.Unlock()
}

// announceLoop re-announces at the cadence of the last TTL received from
// a tracker.
func (s *Server) announceLoop() {
	defer s.wg.Done()
	if s.directory == nil {
		return
	}
	for {
		s.mu.Lock()
		ttl := s.announceTTL
		s.mu.Unlock()

		select {
		case <-time.After(ttl):
		case <-s.stop:
			return
		}

		peer := types.Peer{OverlayAddress: s.transport.LocalAddress(), Priority: 0}
		if err := s.directory.Announce(s.identity.PubKey, s.identity.PrivKey, peer, s.identity.ClientID); err != nil {
			log.Printf("server: announce: %v", err)
		}
	}
}

// acceptLoop accepts inbound sockets and, during idle periods, polls for
// an overlay address change; on change it tears down and reopens the
// listening socket so all existing sessions die and are recreated on
// demand.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		conn, err := s.transport.Accept(AddressPollInterval)
		if err != nil {
			if s.addressChanged() {
				s.reopenListener()
			}
			continue
		}

		inbound := session.NewInbound(conn, s.identity, s.crypto, s)
		s.mu.Lock()
		s.byAddr[conn.RemoteAddr()] = inbound
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			inbound.Run()
		}()
	}
}

func (s *Server) addressChanged() bool {
	current := s.transport.LocalAddress()
	s.mu.Lock()
	defer s.mu.Unlock()
	if current != s.lastAddr {
		s.lastAddr = current
		return true
	}
	return false
}

func (s *Server) reopenListener() {
	log.Printf("server: overlay address changed, reopening listener")
	s.transport.Close()
	if err := s.transport.Listen(); err != nil {
		log.Printf("server: reopen listener: %v", err)
	}
}

// dialLoop periodically scans Storage for contacts with pending outbound
// messages and, for any that lack a live session, resolves addresses and
// dials.
func (s *Server) dialLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.scanAndDial()
		case <-s.stop:
			return
		}
	}
}

func (s *Server) scanAndDial() {
	contacts, err := s.storage.GetContactsWithUnsentMessages()
	if err != nil {
		log.Printf("server: get contacts with unsent messages: %v", err)
		return
	}
	for _, pubKey := range contacts {
		s.mu.Lock()
		_, hasSession := s.connections[pubKey]
		dialing := s.connecting[pubKey]
		s.mu.Unlock()
		if hasSession || dialing {
			continue
		}

		s.mu.Lock()
		s.connecting[pubKey] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go func(peer types.PeerKey) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.connecting, peer)
				s.mu.Unlock()
			}()
			s.dialPeer(peer)
		}(pubKey)
	}
}

// dialPeer resolves candidate addresses (local cache first, then the
// tracker if every cached entry is expired), sorts them by priority
// ascending and dedups by address, then attempts each in turn.
func (s *Server) dialPeer(peer types.PeerKey) {
	candidates := s.resolveCandidates(peer)
	if len(candidates) == 0 {
		log.Printf("server: no addresses for %s", peer)
		return
	}

	for _, addr := range candidates {
		// The overlay Transport routes strictly by public key; candidate
		// addresses are persisted for Storage's benefit (and to drive the
		// priority-ordered retry below), not passed to Connect directly.
		if err := s.storage.SaveIP(peer, addr.OverlayAddress, addr.ClientID, addr.Priority, addr.Expiration); err != nil {
			log.Printf("server: save ip for %s: %v", peer, err)
		}

		conn, err := s.dialAddress(peer)
		if err != nil {
			continue
		}
		out := session.NewOutbound(conn, s.identity, peer, s.crypto, s)
		s.mu.Lock()
		s.connections[peer] = out
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			out.Run()
		}()
		return
	}
	log.Printf("server: exhausted all addresses for %s", peer)
}

func (s *Server) resolveCandidates(peer types.PeerKey) []types.Peer {
	var candidates []types.Peer
	if s.directory != nil {
		if cached, ok := s.directory.CachedAddrs(peer); ok {
			now := time.Now()
			for _, c := range cached {
				if !c.Expired(now) {
					candidates = append(candidates, c)
				}
			}
		}
	}

	if len(candidates) == 0 {
		cached, err := s.storage.GetContactPeers(peer)
		if err == nil {
			now := time.Now()
			for _, c := range cached {
				if !c.Expired(now) {
					candidates = append(candidates, c)
				}
			}
		}
	}

	if len(candidates) == 0 && s.directory != nil {
		resolved, err := s.directory.ResolveAddrs(peer)
		if err != nil {
			log.Printf("server: resolve %s: %v", peer, err)
		}
		candidates = resolved
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})
	return dedupByAddress(candidates)
}

func dedupByAddress(peers []types.Peer) []types.Peer {
	seen := make(map[types.OverlayAddr]bool, len(peers))
	out := make([]types.Peer, 0, len(peers))
	for _, p := range peers {
		if seen[p.OverlayAddress] {
			continue
		}
		seen[p.OverlayAddress] = true
		out = append(out, p)
	}
	return out
}

// dialAddress makes up to DialAttempts connection attempts to peer, each
// bounded by DialTimeout, waiting i seconds before the i-th retry.
func (s *Server) dialAddress(peer types.PeerKey) (collab.Connection, error) {
	var lastErr error
	for attempt := 0; attempt < DialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-s.stop:
				return nil, types.ErrDisconnected
			}
		}

		done := make(chan struct{})
		var conn collab.Connection
		var err error
		go func() {
			conn, err = s.transport.Connect(peer)
			close(done)
		}()

		select {
		case <-done:
			if err == nil {
				return conn, nil
			}
			lastErr = err
		case <-time.After(DialTimeout):
			lastErr = types.ErrTimeout
		}
	}
	return nil, fmt.Errorf("server: dial %s: %w", peer, lastErr)
}

// --- session.EventListener ---

// OnClientConnected rekeys an inbound session from its socket address to
// the now-known sender public key, and registers an outbound session
// under its already-known key.
func (s *Server) OnClientConnected(sess *session.Session) {
	peer, ok := sess.Peer()
	if !ok {
		return
	}

	s.mu.Lock()
	for addr, v := range s.byAddr {
		if v == sess {
			delete(s.byAddr, addr)
		}
	}
	if existing, ok := s.connections[peer]; ok && existing != sess {
		// At most one active session per peer: the
		// loser is closed.
		s.mu.Unlock()
		existing.Close()
		s.mu.Lock()
	}
	s.connections[peer] = sess
	s.mu.Unlock()

	msgs, err := s.storage.GetUnsentMessages(peer)
	if err != nil {
		log.Printf("server: get unsent messages for %s: %v", peer, err)
		return
	}
	for _, m := range msgs {
		sess.SendMessage(m)
	}
}

// OnMessageDelivered marks a message delivered in Storage once the peer's
// OK(guid) receipt arrives.
func (s *Server) OnMessageDelivered(peer types.PeerKey, guid uint64) {
	if err := s.storage.MarkDelivered(peer, guid); err != nil {
		log.Printf("server: mark delivered %s/%d: %v", peer, guid, err)
	}
}

// OnConnectionClosed removes the session from the connections map; any
// persisted-but-unsent messages remain for the next dial attempt.
func (s *Server) OnConnectionClosed(sess *session.Session, err error) {
	s.mu.Lock()
	if peer, ok := sess.Peer(); ok {
		if s.connections[peer] == sess {
			delete(s.connections, peer)
		}
	}
	for addr, v := range s.byAddr {
		if v == sess {
			delete(s.byAddr, addr)
		}
	}
	s.mu.Unlock()
}

// OnMessageReceived hands a fully decoded MESSAGE_TEXT frame to the
// registered OnMessage handler.
func (s *Server) OnMessageReceived(sess *session.Session, msg codec.MessageText) {
	if s.OnMessage == nil {
		return
	}
	peer, ok := sess.Peer()
	if !ok {
		return
	}
	s.OnMessage(peer, msg)
}

// OnProfileRequested answers an INFO_REQUEST with the local InfoProvider's
// current profile.
func (s *Server) OnProfileRequested(peer types.PeerKey, since uint64) codec.InfoResponse {
	if s.info == nil {
		return codec.InfoResponse{}
	}
	my, ok := s.info.GetMyInfo(since)
	if !ok {
		return codec.InfoResponse{}
	}
	return codec.InfoResponse{Time: my.Time, Nick: my.Nickname, Info: my.Info, Avatar: my.Avatar}
}

// ContactUpdateTime supplies the since value of the post-handshake
// INFO_REQUEST from the InfoProvider's contact bookkeeping.
func (s *Server) ContactUpdateTime(peer types.PeerKey) uint64 {
	if s.info == nil {
		return 0
	}
	return s.info.GetContactUpdateTime(peer)
}

// OnProfileReceived persists a peer's profile update into Storage via the
// InfoProvider.
func (s *Server) OnProfileReceived(peer types.PeerKey, resp codec.InfoResponse) {
	if s.info == nil {
		return
	}
	if err := s.info.UpdateContactInfo(peer, collab.MyInfo{Nickname: resp.Nick, Info: resp.Info, Avatar: resp.Avatar, Time: resp.Time}); err != nil {
		log.Printf("server: update contact info for %s: %v", peer, err)
	}
}

// Connections returns a snapshot of peers with an active session.
func (s *Server) Connections() []types.PeerKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.PeerKey, 0, len(s.connections))
	for k := range s.connections {
		out = append(out, k)
	}
	return out
}
