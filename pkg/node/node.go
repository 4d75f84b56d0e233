package node

import (
	"github.com/ryandielhenn/zephyrswim/pkg/kv"
	"github.com/ryandielhenn/zephyrswim/pkg/ring"
	"github.com/ryandielhenn/zephyrswim/pkg/swim"
	"go.uber.org/zap"
)

// Node is a cache node whose cluster view comes entirely from a SWIM
// engine: the ring is a projection of the engine's membership stream,
// never touched directly except by that projection.
type Node struct {
	kv     *kv.Store
	ring   *ring.HashRing
	addr   string
	engine *swim.Engine
	rf     int
	log    *zap.SugaredLogger
}

// New builds a Node around an already-constructed engine. The engine is
// not started here; call Start once the node is otherwise ready to serve.
func New(store *kv.Store, r *ring.HashRing, addr string, replicationFactor int, engine *swim.Engine, log *zap.SugaredLogger) *Node {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Node{
		kv:     store,
		ring:   r,
		addr:   addr,
		engine: engine,
		rf:     replicationFactor,
		log:    log,
	}
}

// Start seeds the ring with the local member, starts the SWIM engine,
// and begins mirroring its membership events into the ring. It returns
// once the mirroring goroutine is running.
func (n *Node) Start() error {
	local := n.engine.Local()
	n.ring.Add(local.ID.ID, local.ID.Address)

	// Subscribe before the engine starts so no event emitted after Start
	// returns (e.g. by an immediate Join) is missed.
	events, cancel := n.engine.Events()
	if err := n.engine.Start(); err != nil {
		cancel()
		return err
	}
	go n.mirrorMembership(events, cancel)
	return nil
}

// Stop leaves the cluster (gossiping a final Dead record) and stops the
// engine and its background goroutines.
func (n *Node) Stop() {
	n.engine.Leave()
}

// mirrorMembership consumes the engine's event stream for the lifetime
// of the engine, translating Joined/Failed/Recovered into ring
// membership changes. Suspected carries no ring change: a merely
// suspect node can still be routed to until it is confirmed dead or
// refutes the suspicion.
func (n *Node) mirrorMembership(events <-chan swim.Event, cancel func()) {
	defer cancel()

	for ev := range events {
		switch ev.Kind {
		case swim.EventJoined:
			n.log.Infow("member joined", "id", ev.Member.ID.String())
			n.ring.Add(ev.Member.ID.ID, ev.Member.ID.Address)
		case swim.EventFailed:
			n.log.Infow("member failed", "id", ev.Member.ID.String())
			n.ring.Remove(ev.Member.ID.ID)
		case swim.EventRecovered:
			n.log.Infow("member recovered", "id", ev.Member.ID.String())
			n.ring.Add(ev.Member.ID.ID, ev.Member.ID.Address)
		case swim.EventSuspected:
			n.log.Debugw("member suspected", "id", ev.Member.ID.String())
		case swim.EventIncarnationIncremented:
			n.log.Debugw("refuted suspicion", "incarnation", ev.Incarnation)
		case swim.EventLocalLeft:
			return
		}
	}
}

// AddPeer adds a node to the ring directly, outside the SWIM event
// stream.
func (n *Node) AddPeer(id string, hostport string) {
	n.ring.Add(id, hostport)
}

// Addr returns this node's advertised address.
func (n *Node) Addr() string {
	return n.addr
}

// Engine exposes the underlying SWIM engine, e.g. so callers can Join a
// seed list once HTTP handlers are wired up.
func (n *Node) Engine() *swim.Engine {
	return n.engine
}
