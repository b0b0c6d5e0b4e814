/*
File Name:  mimir.go
Package:    mimir

Top-level wiring. Backend is the dependency-injected root object a
frontend constructs once: Init loads configuration and builds every
component wired to its collaborators, Connect starts the supervisor
loops.
*/
package mimir

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mimir-im/mimir/assembler"
	"github.com/mimir-im/mimir/codec"
	"github.com/mimir-im/mimir/collab"
	"github.com/mimir-im/mimir/config"
	"github.com/mimir-im/mimir/directory"
	"github.com/mimir-im/mimir/mediator"
	"github.com/mimir-im/mimir/mediatormanager"
	"github.com/mimir-im/mimir/mimircrypto"
	"github.com/mimir-im/mimir/peercontroller"
	"github.com/mimir-im/mimir/server"
	"github.com/mimir-im/mimir/session"
	"github.com/mimir-im/mimir/types"
)

// Backend is the assembled Mimir core. Every field is a concrete
// component built from Config; a frontend drives the whole stack
// through these, never by constructing a component itself.
type Backend struct {
	Config *config.Config

	Crypto    *mimircrypto.Facade
	Directory *directory.Client
	Server    *server.Server
	Mediators *mediatormanager.Manager
	Peers     *peercontroller.Controller
	Assembler *assembler.Assembler

	// OnDirectMessage is invoked for every fully received direct P2P
	// MESSAGE_TEXT frame; storing it is the frontend's responsibility.
	OnDirectMessage func(peer types.PeerKey, msg codec.MessageText)

	identity session.Identity
}

// Init loads configFilename (falling back to the embedded default, per
// config.Load), builds every component, and wires their callbacks
// together, but does not start any goroutine (call Connect for that).
// transport, storage and info are the external collaborators this core
// never implements itself.
func Init(configFilename string, transport collab.Transport, storage collab.Storage, info collab.InfoProvider) (*Backend, error) {
	cfg, err := config.Load(configFilename)
	if err != nil {
		return nil, fmt.Errorf("mimir: load config: %w", err)
	}
	if err := config.InitLog(cfg); err != nil {
		return nil, fmt.Errorf("mimir: init log: %w", err)
	}

	crypto := mimircrypto.New()

	identity, err := loadOrGenerateIdentity(configFilename, cfg, crypto)
	if err != nil {
		return nil, fmt.Errorf("mimir: identity: %w", err)
	}
	identity.Addr = transport.LocalAddress()

	trackerKeys, err := cfg.TrackerKeys()
	if err != nil {
		return nil, fmt.Errorf("mimir: %w", err)
	}

	var cache directory.Cache
	if cfg.CacheFile != "" {
		db, err := directory.NewPogrebCache(cfg.CacheFile)
		if err != nil {
			return nil, fmt.Errorf("mimir: open directory cache: %w", err)
		}
		cache = db
	}
	dir := directory.New(transport, crypto, cache, trackerKeys)

	srv := server.New(transport, storage, crypto, dir, identity, info)

	var attachments assembler.AttachmentStore
	if cfg.AttachmentsDir != "" {
		attachments = &fsAttachmentStore{dir: cfg.AttachmentsDir}
	}
	asm := assembler.New(storage, crypto, attachments)

	mediators := mediatormanager.New(transport, storage, crypto, identity.PubKey, identity.PrivKey, nil, asm)

	peers := peercontroller.New(transport)

	b := &Backend{
		Config:    cfg,
		Crypto:    crypto,
		Directory: dir,
		Server:    srv,
		Mediators: mediators,
		Peers:     peers,
		Assembler: asm,
		identity:  identity,
	}

	srv.OnMessage = func(peer types.PeerKey, msg codec.MessageText) {
		if b.OnDirectMessage != nil {
			b.OnDirectMessage(peer, msg)
		}
	}
	peers.ForceAnnounce = func() {
		peer := types.Peer{OverlayAddress: transport.LocalAddress(), Priority: 0}
		if err := dir.Announce(identity.PubKey, identity.PrivKey, peer, identity.ClientID); err != nil {
			fmt.Fprintf(os.Stderr, "mimir: force announce: %v\n", err)
		}
	}

	return b, nil
}

// Connect starts the supervisor's accept/dial/announce loops and the
// peer-health monitor. Mediator clients are dialed lazily via
// Mediators.GetOrCreate.
func (b *Backend) Connect() error {
	if err := b.Server.Start(); err != nil {
		return fmt.Errorf("mimir: start server: %w", err)
	}
	b.Peers.Start()
	return nil
}

// Close tears the whole stack down.
func (b *Backend) Close() {
	b.Peers.Stop()
	b.Mediators.Stop()
	b.Server.Stop()
}

// Identity returns this node's own public key.
func (b *Backend) Identity() types.PeerKey {
	return b.identity.PubKey
}

// MediatorClient returns (dialing if necessary) the client for the given
// mediator, so a frontend can issue commands (CreateChat, SendMessage,
// ...) against it directly.
func (b *Backend) MediatorClient(mediatorKey types.PeerKey) (*mediator.Client, error) {
	return b.Mediators.GetOrCreate(mediatorKey)
}

func loadOrGenerateIdentity(configFilename string, cfg *config.Config, crypto *mimircrypto.Facade) (session.Identity, error) {
	if cfg.PrivateKey != "" {
		seed, err := hex.DecodeString(cfg.PrivateKey)
		if err != nil {
			return session.Identity{}, fmt.Errorf("private key is not valid hex: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return session.Identity{}, fmt.Errorf("private key must be a %d-byte seed, got %d bytes", ed25519.SeedSize, len(seed))
		}
		priv := ed25519.NewKeyFromSeed(seed)
		var pub types.PeerKey
		copy(pub[:], priv.Public().(ed25519.PublicKey))
		return session.Identity{PubKey: pub, PrivKey: priv, ClientID: cfg.ClientID}, nil
	}

	pub, priv, err := crypto.GenerateKey()
	if err != nil {
		return session.Identity{}, fmt.Errorf("generate identity: %w", err)
	}
	cfg.PrivateKey = hex.EncodeToString(priv.Seed())
	if err := config.Save(configFilename, cfg); err != nil {
		return session.Identity{}, fmt.Errorf("persist generated identity: %w", err)
	}
	return session.Identity{PubKey: pub, PrivKey: priv, ClientID: cfg.ClientID}, nil
}

// fsAttachmentStore persists attachment bytes under Config.AttachmentsDir,
// the default implementation of assembler.AttachmentStore for frontends
// that don't supply their own.
type fsAttachmentStore struct {
	dir string
}

func (f *fsAttachmentStore) SaveFile(data []byte) (string, error) {
	name, err := mimircrypto.RandomBytes(16)
	if err != nil {
		return "", err
	}
	filename := hex.EncodeToString(name)
	if err := os.MkdirAll(f.dir, 0755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(f.dir, filename), data, 0644); err != nil {
		return "", err
	}
	return filename, nil
}
