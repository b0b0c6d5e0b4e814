/*
File Name:  directory.go
Package:    directory

Directory (tracker) client. Maintains a latency-ranked list of
trackers, announces the local peer's address, and resolves a remote
peer's addresses, with an on-disk pogreb cache consulted before a
tracker is dialed.
*/
package directory

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/akrylysov/pogreb"

	"github.com/mimir-im/mimir/codec"
	"github.com/mimir-im/mimir/collab"
	"github.com/mimir-im/mimir/types"
)

// AnnounceTimeout bounds a single announce round-trip.
const AnnounceTimeout = 1500 * time.Millisecond

// ScorePenalty is added to a tracker's latency score after a failed attempt.
const ScorePenalty = 25 * time.Millisecond

// trackerState tracks one tracker's ranking.
type trackerState struct {
	pubKey types.PeerKey
	score  time.Duration // observed latency; lower is better
}

// Cache is the subset of a key-value store the directory client uses to
// remember resolved peer addresses between resolve calls. A *pogreb.DB
// satisfies it directly.
type Cache interface {
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
}

// Client is the directory (tracker) client.
type Client struct {
	transport collab.Transport
	crypto    *trackerCrypto
	cache     Cache

	// mu guards the tracker list and scores only. It is released while a
	// request is on the wire, so concurrent Announce/ResolveAddrs calls are
	// not serialized against each other; each call opens its own stream.
	mu       sync.Mutex
	trackers []*trackerState

	// OnAnnounceSuccess is invoked with the tracker-provided TTL after a
	// successful announce. The caller re-announces at this cadence.
	OnAnnounceSuccess func(ttl time.Duration)
	// OnResolveError fires when a resolve_addrs reply was empty or all of
	// its records failed signature verification.
	OnResolveError func(err error)
}

type trackerCrypto struct {
	sign   func(priv ed25519.PrivateKey, msg []byte) [64]byte
	verify func(pub types.PeerKey, msg []byte, sig []byte) bool
}

// New creates a directory client over the given trackers, in list order
// (score ties break toward the earliest entry).
func New(transport collab.Transport, crypto collab.Crypto, cache Cache, trackers []types.PeerKey) *Client {
	states := make([]*trackerState, 0, len(trackers))
	for _, t := range trackers {
		states = append(states, &trackerState{pubKey: t})
	}
	return &Client{
		transport: transport,
		crypto: &trackerCrypto{
			sign:   crypto.Sign,
			verify: crypto.Verify,
		},
		cache:    cache,
		trackers: states,
	}
}

// BestTracker returns the tracker with the lowest observed-latency score.
// Ties resolve toward the earliest entry in the configured list (stable).
func (c *Client) BestTracker() (types.PeerKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bestTrackerLocked()
}

func (c *Client) bestTrackerLocked() (types.PeerKey, bool) {
	if len(c.trackers) == 0 {
		return types.PeerKey{}, false
	}
	best := c.trackers[0]
	for _, t := range c.trackers[1:] {
		if t.score < best.score {
			best = t
		}
	}
	return best.pubKey, true
}

func (c *Client) penalize(tracker types.PeerKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.trackers {
		if t.pubKey == tracker {
			t.score += ScorePenalty
			return
		}
	}
}

func (c *Client) recordRTT(tracker types.PeerKey, rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.trackers {
		if t.pubKey == tracker {
			t.score = rtt
			return
		}
	}
}

// Announce opens a fresh stream to the best tracker, announces the local
// peer's overlay address, and updates that tracker's latency score from
// the measured round-trip time.
func (c *Client) Announce(pubKey types.PeerKey, priv ed25519.PrivateKey, peer types.Peer, clientID uint32) error {
	c.mu.Lock()
	tracker, ok := c.bestTrackerLocked()
	c.mu.Unlock()
	if !ok {
		return errors.New("directory: no trackers configured")
	}

	start := time.Now()

	conn, err := c.transport.Connect(tracker)
	if err != nil {
		c.penalize(tracker)
		return fmt.Errorf("directory: connect tracker: %w", err)
	}
	defer conn.Close()

	sig := c.crypto.sign(priv, codec.AnnounceSignedMessage(peer.OverlayAddress))
	nonce := rand.Uint32()
	raw := codec.EncodeAnnounce(nonce, codec.Announce{
		PubKey:   pubKey,
		Priority: peer.Priority,
		ClientID: clientID,
		Addr:     peer.OverlayAddress,
		Sig:      sig,
	})

	if _, err := conn.Write(raw); err != nil {
		c.penalize(tracker)
		return fmt.Errorf("directory: write announce: %w", err)
	}

	resp := make([]byte, 256)
	n, err := conn.ReadTimeout(resp, AnnounceTimeout)
	if err != nil {
		c.penalize(tracker)
		return fmt.Errorf("%w: announce reply", types.ErrTimeout)
	}

	rtt := time.Since(start)

	header, ttl, err := decodeAnnounceResponse(resp[:n])
	if err != nil {
		c.penalize(tracker)
		return err
	}
	if header.Nonce != nonce {
		c.penalize(tracker)
		return fmt.Errorf("directory: %w: nonce mismatch", types.ErrMalformed)
	}

	c.recordRTT(tracker, rtt)

	if c.OnAnnounceSuccess != nil {
		c.OnAnnounceSuccess(time.Duration(ttl) * time.Second)
	}

	return nil
}

// ResolveAddrs fetches the current addresses for pubKey from the best
// tracker, verifying each returned record's signature under pubKey before
// admitting it. Records failing verification are silently dropped: they
// are never returned, and never penalize the tracker. An
// entirely empty (post-filter) reply fires OnResolveError.
func (c *Client) ResolveAddrs(pubKey types.PeerKey) ([]types.Peer, error) {
	c.mu.Lock()
	tracker, ok := c.bestTrackerLocked()
	c.mu.Unlock()
	if !ok {
		return nil, errors.New("directory: no trackers configured")
	}

	conn, err := c.transport.Connect(tracker)
	if err != nil {
		c.penalize(tracker)
		return nil, fmt.Errorf("directory: connect tracker: %w", err)
	}
	defer conn.Close()

	nonce := rand.Uint32()
	raw := codec.EncodeGetAddrs(nonce, codec.GetAddrs{PubKey: pubKey})

	if _, err := conn.Write(raw); err != nil {
		c.penalize(tracker)
		return nil, fmt.Errorf("directory: write get_addrs: %w", err)
	}

	resp := make([]byte, 8192)
	n, err := conn.ReadTimeout(resp, AnnounceTimeout)
	if err != nil {
		c.penalize(tracker)
		return nil, fmt.Errorf("%w: resolve reply", types.ErrTimeout)
	}

	records, err := decodeGetAddrsResponse(resp[:n])
	if err != nil {
		c.penalize(tracker)
		return nil, err
	}

	now := time.Now()
	peers := make([]types.Peer, 0, len(records))
	for _, rec := range records {
		if !c.crypto.verify(pubKey, codec.AnnounceSignedMessage(rec.Addr), rec.Sig[:]) {
			continue // dropped silently, no tracker penalty
		}
		peers = append(peers, types.Peer{
			OverlayAddress: rec.Addr,
			ClientID:       rec.ClientID,
			Priority:       rec.Priority,
			Expiration:     now.Add(time.Duration(rec.TTL) * time.Second),
		})
	}

	if len(peers) == 0 {
		if c.OnResolveError != nil {
			c.OnResolveError(errors.New("directory: empty or all-invalid resolve reply"))
		}
		return nil, nil
	}

	c.cachePeers(pubKey, peers)

	return peers, nil
}

// CachedAddrs returns the last resolved addresses for pubKey from the
// local on-disk cache, without contacting a tracker. Used by the P2P
// supervisor's "local cache first" address resolution.
func (c *Client) CachedAddrs(pubKey types.PeerKey) ([]types.Peer, bool) {
	if c.cache == nil {
		return nil, false
	}
	data, err := c.cache.Get(pubKey[:])
	if err != nil || len(data) == 0 {
		return nil, false
	}
	peers, err := decodeCachedPeers(data)
	if err != nil {
		return nil, false
	}
	return peers, true
}

func (c *Client) cachePeers(pubKey types.PeerKey, peers []types.Peer) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Put(pubKey[:], encodeCachedPeers(peers)); err != nil {
		log.Printf("directory: cache peers for %s: %v", pubKey, err)
	}
}

// NewPogrebCache opens (or creates) a pogreb-backed on-disk cache at filename.
func NewPogrebCache(filename string) (*pogreb.DB, error) {
	return pogreb.Open(filename, nil)
}

func decodeAnnounceResponse(raw []byte) (codec.TrackerHeader, uint64, error) {
	r := newByteReader(raw)
	header, err := codec.DecodeTrackerHeader(r)
	if err != nil {
		return header, 0, err
	}
	ttl, err := codec.DecodeAnnounceResponseBody(r)
	return header, ttl, err
}

func decodeGetAddrsResponse(raw []byte) ([]codec.PeerRecord, error) {
	r := newByteReader(raw)
	if _, err := codec.DecodeTrackerHeader(r); err != nil {
		return nil, err
	}
	return codec.DecodeGetAddrsResponseBody(r)
}

// encodeCachedPeers/decodeCachedPeers is a tiny fixed-width encoding for
// the on-disk address cache: count(u32) then (addr[32], client_id(u32),
// priority(u8), expiration_unix(u64)) per entry.
func encodeCachedPeers(peers []types.Peer) []byte {
	buf := make([]byte, 4, 4+len(peers)*(32+4+1+8))
	binary.BigEndian.PutUint32(buf, uint32(len(peers)))
	for _, p := range peers {
		buf = append(buf, p.OverlayAddress[:]...)
		var clientID [4]byte
		binary.BigEndian.PutUint32(clientID[:], p.ClientID)
		buf = append(buf, clientID[:]...)
		buf = append(buf, p.Priority)
		var exp [8]byte
		binary.BigEndian.PutUint64(exp[:], uint64(p.Expiration.Unix()))
		buf = append(buf, exp[:]...)
	}
	return buf
}

func decodeCachedPeers(data []byte) ([]types.Peer, error) {
	if len(data) < 4 {
		return nil, types.ErrMalformed
	}
	count := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	const recSize = 32 + 4 + 1 + 8
	peers := make([]types.Peer, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < recSize {
			return nil, types.ErrMalformed
		}
		var p types.Peer
		copy(p.OverlayAddress[:], data[:32])
		p.ClientID = binary.BigEndian.Uint32(data[32:36])
		p.Priority = data[36]
		p.Expiration = time.Unix(int64(binary.BigEndian.Uint64(data[37:45])), 0)
		peers = append(peers, p)
		data = data[recSize:]
	}
	return peers, nil
}
