package peercontroller

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mimir-im/mimir/collab"
	"github.com/mimir-im/mimir/types"
)

type fakeTransport struct {
	peersJSON []byte
	removed   []string
}

func (f *fakeTransport) Connect(types.PeerKey) (collab.Connection, error) { return nil, nil }
func (f *fakeTransport) CloseConnection(types.PeerKey) error              { return nil }
func (f *fakeTransport) PeersJSON() ([]byte, error)                       { return f.peersJSON, nil }
func (f *fakeTransport) PathsJSON() ([]byte, error)                       { return nil, nil }
func (f *fakeTransport) AddPeer(string) error                             { return nil }
func (f *fakeTransport) RemovePeer(uri string) error {
	f.removed = append(f.removed, uri)
	return nil
}
func (f *fakeTransport) PublicKey() types.PeerKey        { return types.PeerKey{} }
func (f *fakeTransport) LocalAddress() types.OverlayAddr { return types.OverlayAddr{} }
func (f *fakeTransport) Accept(time.Duration) (collab.Connection, error) {
	return nil, nil
}
func (f *fakeTransport) Listen() error { return nil }
func (f *fakeTransport) Close() error  { return nil }

func marshalPeers(t *testing.T, peers []overlayPeer) []byte {
	t.Helper()
	raw, err := json.Marshal(peers)
	if err != nil {
		t.Fatalf("marshal peers: %v", err)
	}
	return raw
}

func TestTickPicksFirstPeerOnStartup(t *testing.T) {
	ft := &fakeTransport{peersJSON: marshalPeers(t, []overlayPeer{
		{URI: "peer-a", Up: true, Cost: 10},
		{URI: "peer-b", Up: true, Cost: 20},
	})}
	c := New(nil)
	c.transport = ft
	c.tick()

	if got := c.CurrentPeer(); got != "peer-a" {
		t.Fatalf("expected peer-a selected on startup, got %q", got)
	}
}

func TestTickPrunesStaleCandidates(t *testing.T) {
	ft := &fakeTransport{peersJSON: marshalPeers(t, []overlayPeer{{URI: "peer-a", Up: true}})}
	c := New(nil)
	c.transport = ft
	c.tick()

	ft.peersJSON = marshalPeers(t, []overlayPeer{{URI: "peer-b", Up: true}})
	c.tick()

	c.mu.Lock()
	_, stillThere := c.candidates["peer-a"]
	_, present := c.candidates["peer-b"]
	c.mu.Unlock()

	if stillThere {
		t.Fatalf("expected peer-a to be pruned once absent from a snapshot")
	}
	if !present {
		t.Fatalf("expected peer-b to be tracked")
	}
}

type recordingListener struct {
	events chan struct {
		online bool
		host   string
		cost   int
	}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{events: make(chan struct {
		online bool
		host   string
		cost   int
	}, 4)}
}

func (l *recordingListener) OnPeerStateChange(online bool, host string, cost int) {
	l.events <- struct {
		online bool
		host   string
		cost   int
	}{online, host, cost}
}

func TestEvaluateLockedBroadcastsOnlineTransition(t *testing.T) {
	c := New(nil)
	listener := newRecordingListener()
	c.AddListener(listener)

	c.mu.Lock()
	c.current = "peer-a"
	c.candidates["peer-a"] = &candidate{uri: "peer-a", up: true, cost: 5}
	c.wasOnline = false
	c.evaluateLocked()
	c.mu.Unlock()

	select {
	case ev := <-listener.events:
		if !ev.online || ev.host != "peer-a" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for online transition broadcast")
	}
}

func TestMaybeSwitchToBestLockedPicksLowestCostAndRemovesRest(t *testing.T) {
	ft := &fakeTransport{}
	c := New(nil)
	c.transport = ft
	c.mu.Lock()
	c.current = "peer-a"
	c.currentAt = time.Now().Add(-2 * BestPeerSwitchAfter)
	c.candidates["peer-a"] = &candidate{uri: "peer-a", up: true, cost: 100}
	c.candidates["peer-b"] = &candidate{uri: "peer-b", up: true, cost: 20}
	c.candidates["peer-c"] = &candidate{uri: "peer-c", up: true, cost: 50}
	c.maybeSwitchToBestLocked()
	current := c.current
	c.mu.Unlock()

	if current != "peer-b" {
		t.Fatalf("expected switch to lowest-cost peer-b, got %q", current)
	}
	if len(ft.removed) != 2 {
		t.Fatalf("expected the two non-winning peers removed, got %v", ft.removed)
	}
}

func TestMaybeSwitchToBestLockedNoOpBeforeDelay(t *testing.T) {
	c := New(nil)
	c.mu.Lock()
	c.current = "peer-a"
	c.currentAt = time.Now()
	c.candidates["peer-a"] = &candidate{uri: "peer-a", up: true, cost: 100}
	c.candidates["peer-b"] = &candidate{uri: "peer-b", up: true, cost: 20}
	c.maybeSwitchToBestLocked()
	current := c.current
	c.mu.Unlock()

	if current != "peer-a" {
		t.Fatalf("expected no switch before BestPeerSwitchAfter elapses, got %q", current)
	}
}

func TestMaybeJumpLockedPicksLeastFailsAfterGracePeriod(t *testing.T) {
	c := New(nil)
	c.mu.Lock()
	c.current = "peer-a"
	c.downSince = time.Now().Add(-2 * JumpGracePeriod)
	c.candidates["peer-a"] = &candidate{uri: "peer-a", up: false, fails: 5}
	c.candidates["peer-b"] = &candidate{uri: "peer-b", up: false, fails: 1, cost: 10}
	c.candidates["peer-c"] = &candidate{uri: "peer-c", up: false, fails: 1, cost: 5}
	c.maybeJumpLocked()
	current := c.current
	c.mu.Unlock()

	if current != "peer-c" {
		t.Fatalf("expected jump to peer-c (tie-broken by lowest cost), got %q", current)
	}
}

func TestMaybeJumpLockedRespectsGracePeriod(t *testing.T) {
	c := New(nil)
	c.mu.Lock()
	c.current = "peer-a"
	c.downSince = time.Now()
	c.candidates["peer-a"] = &candidate{uri: "peer-a", up: false}
	c.candidates["peer-b"] = &candidate{uri: "peer-b", up: false, fails: 0}
	c.maybeJumpLocked()
	current := c.current
	c.mu.Unlock()

	if current != "peer-a" {
		t.Fatalf("expected no jump within grace period, got %q", current)
	}
}
