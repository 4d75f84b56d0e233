package node

import (
	"sync"
	"testing"
	"time"

	"github.com/ryandielhenn/zephyrswim/pkg/kv"
	"github.com/ryandielhenn/zephyrswim/pkg/ring"
	"github.com/ryandielhenn/zephyrswim/pkg/swim"
)

// memNetwork/memTransport mirror the harness in pkg/swim's own engine
// tests: an in-process message switch so mirroring behavior can be
// exercised without real sockets.
type memNetwork struct {
	mu    sync.Mutex
	nodes map[string]*memTransport
}

func newMemNetwork() *memNetwork {
	return &memNetwork{nodes: make(map[string]*memTransport)}
}

func (n *memNetwork) register(t *memTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[t.local.Address] = t
}

func (n *memNetwork) deliver(msg swim.Message, sender, target swim.MemberID) error {
	n.mu.Lock()
	dst, ok := n.nodes[target.Address]
	n.mu.Unlock()
	if !ok {
		return swim.ErrSendFailed
	}
	select {
	case dst.incoming <- swim.Incoming{Message: msg, Sender: sender}:
		return nil
	default:
		return swim.ErrSendFailed
	}
}

type memTransport struct {
	net      *memNetwork
	local    swim.MemberID
	incoming chan swim.Incoming
	mu       sync.Mutex
	dropTo   map[string]bool
}

func newMemTransport(net *memNetwork, local swim.MemberID) *memTransport {
	t := &memTransport{net: net, local: local, incoming: make(chan swim.Incoming, 256), dropTo: make(map[string]bool)}
	net.register(t)
	return t
}

func (t *memTransport) Send(msg swim.Message, target swim.MemberID) error {
	t.mu.Lock()
	drop := t.dropTo[target.Address]
	t.mu.Unlock()
	if drop {
		return swim.ErrSendFailed
	}
	return t.net.deliver(msg, t.local, target)
}

func (t *memTransport) setDrop(addr string, drop bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dropTo[addr] = drop
}

func (t *memTransport) Incoming() <-chan swim.Incoming { return t.incoming }
func (t *memTransport) LocalAddress() string           { return t.local.Address }

func fastConfig() swim.Config {
	c := swim.DefaultConfig()
	c.ProtocolPeriod = 30 * time.Millisecond
	c.PingTimeout = 15 * time.Millisecond
	c.IndirectProbeCount = 2
	c.SuspicionMultiplier = 2.0
	c.DeadRetention = 0
	return c
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func newNode(t *testing.T, net *memNetwork, id string) (*Node, *memTransport) {
	t.Helper()
	return newNodeWithConfig(t, net, id, fastConfig())
}

func newNodeWithConfig(t *testing.T, net *memNetwork, id string, cfg swim.Config) (*Node, *memTransport) {
	t.Helper()
	member := swim.MemberID{ID: id, Address: id}
	tr := newMemTransport(net, member)
	engine, err := swim.New(member, cfg, tr)
	if err != nil {
		t.Fatalf("swim.New(%s): %v", id, err)
	}
	store := kv.NewStore(1 << 20)
	r := ring.New(8, ring.FNV32a)
	return New(store, r, id, 2, engine, nil), tr
}

func TestNodeMirrorsJoinIntoRing(t *testing.T) {
	net := newMemNetwork()
	a, _ := newNode(t, net, "a")
	b, _ := newNode(t, net, "b")

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()
	defer b.Stop()

	if err := a.Engine().Join([]swim.MemberID{{ID: "b", Address: "b"}}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, ok := a.ring.Addr("b")
		return ok
	})
	waitFor(t, 2*time.Second, func() bool {
		_, ok := b.ring.Addr("a")
		return ok
	})
}

func TestNodeMirrorsFailureOutOfRing(t *testing.T) {
	net := newMemNetwork()
	a, _ := newNode(t, net, "a")
	b, _ := newNode(t, net, "b")

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()

	if err := a.Engine().Join([]swim.MemberID{{ID: "b", Address: "b"}}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok := a.ring.Addr("b")
		return ok
	})

	// b's engine goroutines stop responding entirely; its transport stays
	// registered on the network, so a's probes and indirect probes are
	// simply never answered, exactly like a hung or partitioned process.
	b.engine.Stop()

	waitFor(t, 3*time.Second, func() bool {
		_, ok := a.ring.Addr("b")
		return !ok
	})
}

func TestNodeMirrorsRecoveryBackIntoRing(t *testing.T) {
	net := newMemNetwork()
	// A wider suspicion window than fastConfig gives the test a
	// comfortable margin to observe Suspect and clear the drop before
	// the timer would otherwise promote b to Dead.
	cfg := fastConfig()
	cfg.SuspicionMultiplier = 8.0
	a, trA := newNodeWithConfig(t, net, "a", cfg)
	b, _ := newNodeWithConfig(t, net, "b", cfg)

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()
	defer b.Stop()

	if err := a.Engine().Join([]swim.MemberID{{ID: "b", Address: "b"}}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok := a.ring.Addr("b")
		return ok
	})

	// Drop a's outbound traffic to b just long enough to push b into
	// Suspect, then restore it. EventSuspected carries no ring change, so
	// b must never leave the ring during the outage, and Recovered must
	// put it right back if MarkAlive ever did remove it.
	trA.setDrop("b", true)

	waitFor(t, 2*time.Second, func() bool {
		for _, m := range a.Engine().Members() {
			if m.ID.ID == "b" && m.Status == swim.StatusSuspect {
				return true
			}
		}
		return false
	})

	if _, ok := a.ring.Addr("b"); !ok {
		t.Fatalf("member removed from ring on mere suspicion")
	}

	trA.setDrop("b", false)

	waitFor(t, 2*time.Second, func() bool {
		for _, m := range a.Engine().Members() {
			if m.ID.ID == "b" && m.Status == swim.StatusAlive {
				return true
			}
		}
		return false
	})

	if _, ok := a.ring.Addr("b"); !ok {
		t.Fatalf("member missing from ring after recovering to Alive")
	}
}
