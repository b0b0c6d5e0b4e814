/*
File Name:  peercontroller.go
Package:    peercontroller

Peer controller: a monitor goroutine that reads the overlay's peers
snapshot, tracks per-candidate (fails, cost), and drives best-peer
selection, jump-on-failure, and online-transition broadcasts.
*/
package peercontroller

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/mimir-im/mimir/collab"
)

// PollInterval is the steady-state cadence of the monitor loop.
const PollInterval = 15 * time.Second

// BestPeerSwitchAfter is how long the controller waits on a single peer
// before considering a switch to a lower-cost candidate.
const BestPeerSwitchAfter = 30 * time.Second

// CostSwitchMax bounds the cost window a candidate must fall in to be
// considered for a best-peer switch: (0, CostSwitchMax).
const CostSwitchMax = 300

// JumpGracePeriod is how long the controller waits after the current peer
// goes Up=false before it is eligible to jump.
const JumpGracePeriod = 12 * time.Second

// MinJumpInterval and MinSinceNetworkChange are the hysteresis floors
// before a jump is allowed.
const (
	MinJumpInterval       = 10 * time.Second
	MinSinceNetworkChange = 5 * time.Second
)

// overlayPeer mirrors one entry of the transport's PeersJSON snapshot.
type overlayPeer struct {
	URI  string `json:"uri"`
	Up   bool   `json:"up"`
	Cost int    `json:"cost"`
}

type candidate struct {
	uri   string
	fails int
	cost  int
	up    bool
}

// Listener is notified of online/offline transitions for the current peer.
type Listener interface {
	OnPeerStateChange(online bool, host string, cost int)
}

// Controller is the peer-health monitor.
type Controller struct {
	transport collab.Transport

	mu         sync.Mutex
	candidates map[string]*candidate
	current    string
	currentAt  time.Time
	lastJump   time.Time
	lastChange time.Time
	downSince  time.Time
	wasOnline  bool

	listeners []Listener
	signal    chan struct{}

	// ForceAnnounce is invoked when a peer transitions online, so C3 can
	// re-announce immediately.
	ForceAnnounce func()

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Controller over transport. Call Start to begin monitoring.
func New(transport collab.Transport) *Controller {
	return &Controller{
		transport:  transport,
		candidates: make(map[string]*candidate),
		signal:     make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// AddListener registers l to receive online/offline transitions.
func (c *Controller) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Start launches the monitor goroutine.
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop signals the monitor goroutine to exit and waits for it to do so.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// NotifyNetworkChange wakes the monitor loop early, e.g. when the
// platform reports a link change, and records the change time for the
// jump hysteresis.
func (c *Controller) NotifyNetworkChange() {
	c.mu.Lock()
	c.lastChange = time.Now()
	c.mu.Unlock()
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Controller) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		c.tick()

		select {
		case <-ticker.C:
		case <-c.signal:
		case <-c.stop:
			return
		}
	}
}

func (c *Controller) tick() {
	raw, err := c.transport.PeersJSON()
	if err != nil {
		log.Printf("peercontroller: peers json: %v", err)
		return
	}
	var peers []overlayPeer
	if err := json.Unmarshal(raw, &peers); err != nil {
		log.Printf("peercontroller: decode peers json: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(peers))
	for _, p := range peers {
		seen[p.URI] = true
		cand, ok := c.candidates[p.URI]
		if !ok {
			cand = &candidate{uri: p.URI}
			c.candidates[p.URI] = cand
		}
		cand.up = p.Up
		cand.cost = p.Cost
		if !p.Up {
			cand.fails++
		}
	}
	for uri := range c.candidates {
		if !seen[uri] {
			delete(c.candidates, uri)
		}
	}

	if c.current == "" {
		// On startup pick the first peer the transport reports.
		for _, p := range peers {
			c.setCurrentLocked(p.URI)
			break
		}
		return
	}

	c.evaluateLocked()
}

// setCurrentLocked assigns uri as the current peer and resets the timers
// that gate switches away from it. Caller holds c.mu.
func (c *Controller) setCurrentLocked(uri string) {
	c.current = uri
	c.currentAt = time.Now()
	c.downSince = time.Time{}
}

func (c *Controller) evaluateLocked() {
	cur, ok := c.candidates[c.current]
	if !ok {
		return
	}

	online := cur.up
	if online != c.wasOnline {
		c.wasOnline = online
		c.broadcastLocked(online, c.current, cur.cost)
		if online && c.ForceAnnounce != nil {
			go c.ForceAnnounce()
		}
	}

	if !cur.up {
		if c.downSince.IsZero() {
			c.downSince = time.Now()
		}
		c.maybeJumpLocked()
		return
	}
	c.downSince = time.Time{}

	c.maybeSwitchToBestLocked()
}

// maybeSwitchToBestLocked implements the "After 30s on a single peer, if
// the transport lists >1 peer with cost in (0, 300), switch to the
// lowest-cost candidate and drop the others" policy.
func (c *Controller) maybeSwitchToBestLocked() {
	if time.Since(c.currentAt) < BestPeerSwitchAfter {
		return
	}

	var inWindow []*candidate
	for _, cand := range c.candidates {
		if cand.cost > 0 && cand.cost < CostSwitchMax {
			inWindow = append(inWindow, cand)
		}
	}
	if len(inWindow) <= 1 {
		return
	}

	best := inWindow[0]
	for _, cand := range inWindow[1:] {
		if cand.cost < best.cost {
			best = cand
		}
	}
	if best.uri == c.current {
		return
	}

	for _, cand := range inWindow {
		if cand.uri != best.uri {
			c.transport.RemovePeer(cand.uri)
		}
	}
	c.setCurrentLocked(best.uri)
}

// maybeJumpLocked implements the grace-period-then-jump-to-least-fails
// policy, gated by the 10s/5s hysteresis floors.
func (c *Controller) maybeJumpLocked() {
	if time.Since(c.downSince) < JumpGracePeriod {
		return
	}
	if !c.lastJump.IsZero() && time.Since(c.lastJump) < MinJumpInterval {
		return
	}
	if !c.lastChange.IsZero() && time.Since(c.lastChange) < MinSinceNetworkChange {
		return
	}

	c.jumpLocked()
}

func (c *Controller) jumpLocked() {
	var best *candidate
	for uri, cand := range c.candidates {
		if uri == c.current {
			continue
		}
		if best == nil || cand.fails < best.fails || (cand.fails == best.fails && cand.cost < best.cost) {
			best = cand
		}
	}
	if best == nil {
		return
	}

	c.setCurrentLocked(best.uri)
	c.lastJump = time.Now()
}

func (c *Controller) broadcastLocked(online bool, host string, cost int) {
	for _, l := range c.listeners {
		go l.OnPeerStateChange(online, host, cost)
	}
}

// CurrentPeer returns the URI the controller currently considers active.
func (c *Controller) CurrentPeer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
