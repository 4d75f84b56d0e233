package swim

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Engine is the top-level SWIM actor. It owns the membership table, the
// broadcast queue, the suspicion timer set, and the pending-probe map,
// and drives the probe loop, the receive loop, and suspicion callbacks
// through a single logical serialisation point.
type Engine struct {
	local     MemberID
	config    Config
	transport Transport
	log       *zap.SugaredLogger

	table   *Table
	queue   *Queue
	diss    *Disseminator
	timers  *TimerSet
	events  *EventBus
	metrics EngineMetrics

	seq atomic.Uint64

	mu      sync.Mutex // serializes local incarnation bumps and the pending-probe map
	pending map[uint64]*pendingProbe

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// pendingProbe tracks one in-flight correlation token. It is removed by
// whichever waiter owns it, on ack or on deadline.
type pendingProbe struct {
	target MemberID
	ackCh  chan struct{}
	once   sync.Once

	// requester is set when this pending entry exists to service an
	// inbound PingReq: the engine is probing target on requester's
	// behalf and must relay an Ack or Nack back to requester using
	// requesterSeq, rather than concluding a local probe round.
	requester    *MemberID
	requesterSeq uint64
}

func (p *pendingProbe) signal() {
	p.once.Do(func() { close(p.ackCh) })
}

// EngineMetrics receives counters describing protocol activity. An Engine
// built without WithMetrics uses a sink whose methods are no-ops.
type EngineMetrics interface {
	ProbeRound()
	ProbeTimeout()
	Suspicion()
	MembersGauge(alive, suspect, dead int)
	Incarnation(n uint64)
}

type noopMetrics struct{}

func (noopMetrics) ProbeRound()              {}
func (noopMetrics) ProbeTimeout()            {}
func (noopMetrics) Suspicion()               {}
func (noopMetrics) MembersGauge(_, _, _ int) {}
func (noopMetrics) Incarnation(_ uint64)     {}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger attaches a structured logger. The default is a no-op
// logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics attaches a metrics sink. The default records nothing.
func WithMetrics(m EngineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New constructs an Engine for localMember, driven by transport and
// config. The local member starts Alive at incarnation 0.
func New(local MemberID, config Config, transport Transport, opts ...Option) (*Engine, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("swim: transport is required")
	}

	table := NewTable()
	table.Upsert(Member{ID: local, Status: StatusAlive, Incarnation: 0})

	e := &Engine{
		local:     local,
		config:    config,
		transport: transport,
		log:       zap.NewNop().Sugar(),
		table:     table,
		queue:     NewQueue(),
		timers:    NewTimerSet(),
		events:    NewEventBus(config.EventBuffer),
		metrics:   noopMetrics{},
		pending:   make(map[uint64]*pendingProbe),
	}
	e.diss = NewDisseminator(e.queue, e.table, config.MaxPayloadSize, config.BaseDisseminationLimit)

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start launches the receive loop, the probe loop, and the periodic
// dead-member GC. It returns immediately.
func (e *Engine) Start() error {
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.wg.Add(3)
	go e.receiveLoop()
	go e.probeLoop()
	go e.gcLoop()

	e.log.Infow("swim engine started", "local", e.local.String())
	return nil
}

// Stop cancels the probe loop, the receive loop, all outstanding
// indirect-probe waits, and all suspicion timers, then closes the event
// stream. It is idempotent and blocks until every goroutine has exited.
func (e *Engine) Stop() {
	if !e.stopped.CompareAndSwap(false, true) {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	e.timers.CancelAll()
	e.wg.Wait()
	e.events.Close()
	e.log.Infow("swim engine stopped", "local", e.local.String())
}

func (e *Engine) nextSeq() uint64 {
	return e.seq.Add(1)
}

// Members returns a snapshot of every member currently tracked, in no
// particular order.
func (e *Engine) Members() []Member {
	return e.table.Snapshot()
}

// AliveCount returns the number of members currently Alive.
func (e *Engine) AliveCount() int {
	return e.table.AliveCount()
}

// Local returns the current record for the local member.
func (e *Engine) Local() Member {
	m, _ := e.table.Get(e.local)
	return m
}

// Events subscribes to the engine's event stream. The returned channel
// receives events in emission order; the cancel function must be called
// to release the subscription.
func (e *Engine) Events() (<-chan Event, func()) {
	return e.events.Subscribe()
}

// Join contacts each seed not equal to the local member with a fresh
// Alive(0) record and an initial Ping. It succeeds if any seed send
// succeeded.
func (e *Engine) Join(seeds []MemberID) error {
	if e.stopped.Load() {
		return ErrEngineStopped
	}
	if len(seeds) == 0 {
		return fmt.Errorf("%w: %w", ErrJoinFailed, ErrNoSeeds)
	}

	anySucceeded := false
	for _, seed := range seeds {
		if seed == e.local {
			continue
		}
		if change, accepted := e.table.Upsert(Member{ID: seed, Status: StatusAlive, Incarnation: 0}); accepted && change != nil {
			e.queue.Push(MembershipUpdate{Member: change.Member})
			e.emitChanges([]Change{*change})
		}

		msg := Message{Type: MsgPing, Seq: 0, Payload: e.diss.PayloadForMessage()}
		if err := e.transport.Send(msg, seed); err != nil {
			e.log.Warnw("join: send failed", "seed", seed.String(), "error", err)
			continue
		}
		anySucceeded = true
	}
	if !anySucceeded {
		return fmt.Errorf("%w: all seed sends failed", ErrJoinFailed)
	}
	return nil
}

// Leave marks the local member Dead, disseminates that fact to a small
// sample of alive peers, emits LocalLeft, and stops the engine.
func (e *Engine) Leave() {
	local := e.Local()
	dead := Member{ID: e.local, Status: StatusDead, Incarnation: local.Incarnation}
	e.table.MarkDead(e.local, local.Incarnation)
	e.queue.Push(MembershipUpdate{Member: dead})

	sample := e.table.RandomAlive(3, map[MemberID]struct{}{e.local: {}})
	payload := GossipPayload{{Member: dead}}
	for _, peer := range sample {
		msg := Message{Type: MsgPing, Seq: e.nextSeq(), Payload: payload}
		if err := e.transport.Send(msg, peer.ID); err != nil {
			e.log.Warnw("leave: send failed", "peer", peer.ID.String(), "error", err)
		}
	}

	e.events.Publish(Event{Kind: EventLocalLeft, LocalID: e.local})
	e.Stop()
}

// emitChanges translates membership-table Changes into engine events,
// skipping changes about the local member (those are handled by the
// self-refutation path instead).
func (e *Engine) emitChanges(changes []Change) {
	for _, c := range changes {
		if c.Member.ID == e.local {
			continue
		}
		switch c.Kind {
		case ChangeJoined:
			e.events.Publish(Event{Kind: EventJoined, Member: c.Member})
		case ChangeStatus:
			switch c.Member.Status {
			case StatusSuspect:
				e.events.Publish(Event{Kind: EventSuspected, Member: c.Member})
				e.metrics.Suspicion()
			case StatusDead:
				e.events.Publish(Event{Kind: EventFailed, Member: c.Member})
			case StatusAlive:
				if c.From != StatusAlive {
					e.events.Publish(Event{Kind: EventRecovered, Member: c.Member})
				}
			}
		}
	}
	e.publishMemberGauge()
}

func (e *Engine) publishMemberGauge() {
	members := e.table.Snapshot()
	var alive, suspect, dead int
	for _, m := range members {
		switch m.Status {
		case StatusAlive:
			alive++
		case StatusSuspect:
			suspect++
		case StatusDead:
			dead++
		}
	}
	e.metrics.MembersGauge(alive, suspect, dead)
}

// ingestAndRefute applies payload to the table, emits the resulting
// events, then checks the self-refutation condition against the
// incarnation the local member held before ingestion.
func (e *Engine) ingestAndRefute(payload GossipPayload) {
	localBefore := e.Local()

	changes := e.diss.Ingest(payload)
	e.emitChanges(changes)

	for _, u := range payload {
		if u.Member.ID == e.local && u.Member.Status != StatusAlive && u.Member.Incarnation >= localBefore.Incarnation {
			e.refute(u.Member.Incarnation)
			return
		}
	}
}

// refute advances the local incarnation past observedInc and gossips the
// new Alive record, per spec.md's self-refutation rule.
func (e *Engine) refute(observedInc Incarnation) {
	e.mu.Lock()
	newInc := observedInc + 1
	self := Member{ID: e.local, Status: StatusAlive, Incarnation: newInc}
	e.mu.Unlock()

	if _, accepted := e.table.Upsert(self); !accepted {
		return
	}
	e.queue.Push(MembershipUpdate{Member: self})
	e.events.Publish(Event{Kind: EventIncarnationIncremented, Incarnation: newInc})
	e.metrics.Incarnation(uint64(newInc))
	e.log.Infow("refuted suspicion", "incarnation", uint64(newInc))
}

func (e *Engine) gcLoop() {
	defer e.wg.Done()
	if e.config.DeadRetention <= 0 {
		<-e.ctx.Done()
		return
	}
	ticker := time.NewTicker(e.config.DeadRetention / 2)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			for _, id := range e.table.GC(e.config.DeadRetention) {
				e.queue.Remove(id)
				e.timers.Cancel(id)
			}
		}
	}
}
