/*
File Name:  mediatormanager.go
Package:    mediatormanager

Mediator manager: a keyed pool of mediator.Client instances, per-chat
subscription state, reconnect-with-backoff, and push routing to
registered chat listeners.
*/
package mediatormanager

import (
	"crypto/ed25519"
	"log"
	"sync"
	"time"

	"github.com/mimir-im/mimir/codec"
	"github.com/mimir-im/mimir/collab"
	"github.com/mimir-im/mimir/mediator"
	"github.com/mimir-im/mimir/types"
)

// ReconnectBaseDelay, ReconnectMaxDelay and MaxReconnectAttempts implement
// the exponential backoff schedule 2s -> 4s -> ... -> 60s, capped, up to
// 30 attempts per disconnect episode.
const (
	ReconnectBaseDelay   = 2 * time.Second
	ReconnectMaxDelay    = 60 * time.Second
	MaxReconnectAttempts = 30
)

// BackfillPageSize mirrors mediator.MaxMessagesSincePage.
const BackfillPageSize = mediator.MaxMessagesSincePage

// ChatListener is the per-chat callback surface the application layer
// registers with the manager.
type ChatListener interface {
	OnGroupMessage(msg codec.GroupMessagePush)
}

// NetworkStatus reports whether the local network is currently usable;
// the reconnect controller cancels pending retries while offline.
type NetworkStatus interface {
	Online() bool
}

// alwaysOnline is the default NetworkStatus when none is supplied.
type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// MessageAssembler is the subset of the message assembler the
// manager calls before routing a push to registered chat listeners: it
// decrypts, dedups and inserts into Storage. Satisfied by
// *assembler.Assembler.
type MessageAssembler interface {
	HandleGroupMessage(push codec.GroupMessagePush)
	HandleSystemMessage(push codec.GroupMessagePush)
}

type mediatorEntry struct {
	dialMu sync.Mutex // serializes dial attempts for this mediator

	mu       sync.Mutex
	client   *mediator.Client
	attempts int
	delay    time.Duration
}

// Manager is the mediator connection pool.
type Manager struct {
	transport collab.Transport
	storage   collab.Storage
	crypto    collab.Crypto
	identity  types.PeerKey
	privKey   ed25519.PrivateKey
	network   NetworkStatus
	assembler MessageAssembler

	mu         sync.Mutex
	clients    map[types.PeerKey]*mediatorEntry
	listeners  map[uint64][]ChatListener // chat_id -> listeners
	subscribed map[uint64]bool

	// OnChatReconnected fires after a successful resubscribe+backfill for
	// a chat, so the caller can retry undelivered messages.
	OnChatReconnected func(chatID uint64)
	// MemberInfoHandler fires for a 0x51 push; the caller (InfoProvider-
	// driven) answers by calling UpdateMemberInfo on the given client.
	MemberInfoHandler func(c *mediator.Client, chatID uint64, req codec.MemberInfoPushRequest)
	// InviteHandler fires for a 0x41 push, handing the application layer a
	// new chat invitation to accept or decline via RespondToInvite.
	InviteHandler func(c *mediator.Client, invite codec.InvitePush)

	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs an empty manager. Use GetOrCreate to establish clients.
func New(transport collab.Transport, storage collab.Storage, crypto collab.Crypto, identity types.PeerKey, priv ed25519.PrivateKey, network NetworkStatus, assembler MessageAssembler) *Manager {
	if network == nil {
		network = alwaysOnline{}
	}
	return &Manager{
		transport:  transport,
		storage:    storage,
		crypto:     crypto,
		identity:   identity,
		privKey:    priv,
		network:    network,
		assembler:  assembler,
		clients:    make(map[types.PeerKey]*mediatorEntry),
		listeners:  make(map[uint64][]ChatListener),
		subscribed: make(map[uint64]bool),
		stop:       make(chan struct{}),
	}
}

// Stop closes every pooled client.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	entries := make([]*mediatorEntry, 0, len(m.clients))
	for _, e := range m.clients {
		entries = append(entries, e)
	}
	m.mu.Unlock()
	for _, e := range entries {
		e.mu.Lock()
		c := e.client
		e.mu.Unlock()
		if c != nil {
			c.Close()
		}
	}
}

// RegisterChatListener adds l as a recipient of pushes for chatID.
func (m *Manager) RegisterChatListener(chatID uint64, l ChatListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[chatID] = append(m.listeners[chatID], l)
}

// GetOrCreate returns the running client for mediatorKey, reusing it if
// still running, constructing (and dialing) a new one otherwise.
func (m *Manager) GetOrCreate(mediatorKey types.PeerKey) (*mediator.Client, error) {
	m.mu.Lock()
	entry, ok := m.clients[mediatorKey]
	if !ok {
		entry = &mediatorEntry{delay: ReconnectBaseDelay}
		m.clients[mediatorKey] = entry
	}
	m.mu.Unlock()

	// dialMu, not mu, is held across the dial: Dial fires OnConnected
	// synchronously, and OnConnected takes mu to reset the backoff.
	entry.dialMu.Lock()
	defer entry.dialMu.Unlock()

	entry.mu.Lock()
	client := entry.client
	entry.mu.Unlock()
	if client != nil && client.Running() {
		return client, nil
	}

	client, err := mediator.Dial(m.transport, mediatorKey, m.identity, m.privKey, m.crypto, m)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	entry.client = client
	entry.attempts = 0
	entry.delay = ReconnectBaseDelay
	entry.mu.Unlock()
	return client, nil
}

// --- mediator.Listener ---

// OnConnected resets backoff, then resubscribes and backfills every chat
// persisted against this mediator.
func (m *Manager) OnConnected(c *mediator.Client) {
	mediatorKey := c.MediatorKey()

	m.mu.Lock()
	entry := m.clients[mediatorKey]
	m.mu.Unlock()
	if entry != nil {
		entry.mu.Lock()
		entry.attempts = 0
		entry.delay = ReconnectBaseDelay
		entry.mu.Unlock()
	}

	chats, err := m.storage.GetGroupChatList()
	if err != nil {
		log.Printf("mediatormanager: list chats: %v", err)
		return
	}
	for _, chat := range chats {
		if chat.MediatorPubKey != mediatorKey {
			continue
		}
		go m.resubscribe(c, chat.ChatID)
	}
}

func (m *Manager) resubscribe(c *mediator.Client, chatID uint64) {
	serverLastID, err := c.Subscribe(chatID)
	if err != nil {
		log.Printf("mediatormanager: subscribe chat %d: %v", chatID, err)
		return
	}

	localMax, err := m.storage.GetGroupChatTimestamp(chatID)
	if err != nil {
		log.Printf("mediatormanager: local max for chat %d: %v", chatID, err)
		return
	}

	since := localMax
	for since < serverLastID {
		msgs, err := c.GetMessagesSince(chatID, since, BackfillPageSize)
		if err != nil {
			log.Printf("mediatormanager: backfill chat %d since %d: %v", chatID, since, err)
			return
		}
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			if msg.ChatID != chatID {
				// A record tagged with a different chat is suspect but not fatal.
				log.Printf("mediatormanager: backfill chat %d: record carries chatId %d, dropping", chatID, msg.ChatID)
				continue
			}
			m.dispatchGroupMessage(msg)
			if msg.ServerMsgID > since {
				since = msg.ServerMsgID
			}
		}
	}

	m.mu.Lock()
	m.subscribed[chatID] = true
	m.mu.Unlock()

	if m.OnChatReconnected != nil {
		m.OnChatReconnected(chatID)
	}
}

// OnDisconnected marks every chat on this mediator unsubscribed, then
// schedules reconnection with exponential backoff. A retry that comes due
// while the network is offline is skipped (it still counts as an
// attempt), and the loop gives up once attempts are exhausted.
func (m *Manager) OnDisconnected(c *mediator.Client, err error) {
	mediatorKey := c.MediatorKey()

	chats, listErr := m.storage.GetGroupChatList()
	if listErr == nil {
		m.mu.Lock()
		for _, chat := range chats {
			if chat.MediatorPubKey == mediatorKey {
				delete(m.subscribed, chat.ChatID)
			}
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	entry := m.clients[mediatorKey]
	m.mu.Unlock()
	if entry == nil {
		return
	}
	go m.reconnectLoop(mediatorKey, entry)
}

func (m *Manager) reconnectLoop(mediatorKey types.PeerKey, entry *mediatorEntry) {
	for {
		entry.mu.Lock()
		entry.attempts++
		attempts := entry.attempts
		delay := entry.delay
		entry.delay *= 2
		if entry.delay > ReconnectMaxDelay {
			entry.delay = ReconnectMaxDelay
		}
		entry.mu.Unlock()

		if attempts > MaxReconnectAttempts {
			log.Printf("mediatormanager: %v: mediator %s", types.ErrExhausted, mediatorKey)
			return
		}

		select {
		case <-time.After(delay):
		case <-m.stop:
			return
		}

		if !m.network.Online() {
			continue
		}

		if _, err := m.GetOrCreate(mediatorKey); err == nil {
			return
		}
	}
}

// OnGroupMessage routes a regular push to every listener registered for
// its chat; a push authored by the mediator itself is a system message
// and is handled separately.
func (m *Manager) OnGroupMessage(c *mediator.Client, msg codec.GroupMessagePush) {
	if msg.Author == c.MediatorKey() {
		m.handleSystemMessage(c, msg)
		return
	}
	m.dispatchGroupMessage(msg)
}

func (m *Manager) dispatchGroupMessage(msg codec.GroupMessagePush) {
	if m.assembler != nil {
		m.assembler.HandleGroupMessage(msg)
	}

	m.mu.Lock()
	listeners := append([]ChatListener(nil), m.listeners[msg.ChatID]...)
	m.mu.Unlock()
	for _, l := range listeners {
		l.OnGroupMessage(msg)
	}
}

// handleSystemMessage decodes a mediator-authored push and applies its
// membership effect. MessageDeleted deletes the referenced row and stores
// nothing for the system message itself; every other event is stored as
// type=1000, system=true via the message assembler, which owns the
// actual Storage write.
func (m *Manager) handleSystemMessage(c *mediator.Client, push codec.GroupMessagePush) {
	sys, err := codec.DecodeSystemMessage(push.Blob)
	if err != nil {
		log.Printf("mediatormanager: malformed system message on chat %d: %v", push.ChatID, err)
		return
	}

	switch sys.Event {
	case types.EventMessageDeleted:
		if err := m.storage.DeleteGroupMessageByGUID(push.ChatID, sys.DeletedGUID); err != nil {
			log.Printf("mediatormanager: delete guid %d on chat %d: %v", sys.DeletedGUID, push.ChatID, err)
		}
		return
	case types.EventUserLeft, types.EventUserBanned:
		if err := m.storage.UpdateGroupMemberOnlineStatus(push.ChatID, sys.Target, false, push.Timestamp); err != nil {
			log.Printf("mediatormanager: offline %s on chat %d: %v", sys.Target, push.ChatID, err)
		}
	case types.EventUserEntered:
		if err := m.storage.UpdateGroupMemberOnlineStatus(push.ChatID, sys.Target, true, push.Timestamp); err != nil {
			log.Printf("mediatormanager: online %s on chat %d: %v", sys.Target, push.ChatID, err)
		}
	}

	if m.assembler != nil {
		m.assembler.HandleSystemMessage(push)
	}

	m.mu.Lock()
	listeners := append([]ChatListener(nil), m.listeners[push.ChatID]...)
	m.mu.Unlock()
	for _, l := range listeners {
		l.OnGroupMessage(push)
	}
}

// OnMemberInfoRequested answers a 0x51 push by delegating to the
// registered callback, which is expected to look up the local profile,
// encrypt it under the chat's shared key, and call UpdateMemberInfo.
func (m *Manager) OnMemberInfoRequested(c *mediator.Client, req codec.MemberInfoPushRequest) {
	if m.MemberInfoHandler == nil {
		return
	}
	m.MemberInfoHandler(c, req.ChatID, req)
}

// OnInvite delegates a 0x41 push to the registered callback.
func (m *Manager) OnInvite(c *mediator.Client, invite codec.InvitePush) {
	if m.InviteHandler == nil {
		return
	}
	m.InviteHandler(c, invite)
}

// IsSubscribed reports whether chatID's resubscribe+backfill has
// completed since the owning client's most recent connect.
func (m *Manager) IsSubscribed(chatID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed[chatID]
}
