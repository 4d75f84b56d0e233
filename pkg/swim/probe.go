package swim

import (
	"math"
	"time"
)

// probeLoop drives the periodic probe round: pick a target, ping it
// directly, fall back to indirect probing on timeout, and escalate to
// suspicion when both fail.
func (e *Engine) probeLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.ProtocolPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.runProbeRound()
		}
	}
}

func (e *Engine) runProbeRound() {
	e.metrics.ProbeRound()

	target, ok := e.table.NextRoundRobin(map[MemberID]struct{}{e.local: {}})
	if !ok {
		return
	}

	seq := e.nextSeq()
	pp := &pendingProbe{target: target.ID, ackCh: make(chan struct{})}
	e.mu.Lock()
	e.pending[seq] = pp
	e.mu.Unlock()
	defer e.clearPending(seq)

	msg := Message{Type: MsgPing, Seq: seq, Payload: e.diss.PayloadForMessage()}
	if err := e.transport.Send(msg, target.ID); err != nil {
		e.log.Debugw("probe: direct send failed", "target", target.ID.String(), "error", err)
	}

	if e.waitForAck(pp, e.config.PingTimeout) {
		return // alive
	}

	e.metrics.ProbeTimeout()
	if e.indirectProbe(pp, target, seq) {
		return // alive-indirect
	}

	e.suspect(target)
}

// waitForAck blocks until pp's ack channel closes or timeout elapses, or
// the engine is stopped.
func (e *Engine) waitForAck(pp *pendingProbe, timeout time.Duration) bool {
	select {
	case <-pp.ackCh:
		return true
	case <-time.After(timeout):
		return false
	case <-e.ctx.Done():
		return false
	}
}

func (e *Engine) clearPending(seq uint64) {
	e.mu.Lock()
	delete(e.pending, seq)
	e.mu.Unlock()
}

// indirectProbe asks up to IndirectProbeCount random alive members
// (excluding self and target) to ping target on this engine's behalf,
// reusing pp's ack channel since a correlated Ack from target satisfies
// either path.
func (e *Engine) indirectProbe(pp *pendingProbe, target Member, seq uint64) bool {
	helpers := e.table.RandomAlive(e.config.IndirectProbeCount, map[MemberID]struct{}{
		e.local:   {},
		target.ID: {},
	})
	if len(helpers) == 0 {
		return false
	}

	payload := e.diss.PayloadForMessage()
	for _, h := range helpers {
		msg := Message{Type: MsgPingReq, Seq: seq, Target: target.ID, Payload: payload}
		if err := e.transport.Send(msg, h.ID); err != nil {
			e.log.Debugw("probe: indirect send failed", "helper", h.ID.String(), "error", err)
		}
	}

	return e.waitForAck(pp, e.config.PingTimeout)
}

// suspect marks target Suspect, enqueues the resulting update for
// gossip, and arms a suspicion timer that promotes it to Dead on expiry.
func (e *Engine) suspect(target Member) {
	change, accepted := e.table.MarkSuspect(target.ID, target.Incarnation)
	if !accepted {
		return
	}
	e.queue.Push(MembershipUpdate{Member: change.Member})
	e.emitChanges([]Change{*change})

	timeout := e.suspicionTimeout()
	observedInc := change.Member.Incarnation
	e.timers.Start(target.ID, timeout, func() {
		e.expireSuspicion(target.ID, observedInc)
	})
}

// suspicionTimeout computes max(1, log(N)) * SuspicionMultiplier *
// ProtocolPeriod.
func (e *Engine) suspicionTimeout() time.Duration {
	n := e.table.Count()
	logN := math.Log(float64(n))
	if logN < 1 {
		logN = 1
	}
	scaled := float64(e.config.ProtocolPeriod) * e.config.SuspicionMultiplier * logN
	return time.Duration(scaled)
}

// expireSuspicion runs when a suspicion deadline fires without having
// been cancelled. It takes the engine's serialisation point before
// calling MarkDead so a racing MarkAlive is guaranteed to have already
// committed.
func (e *Engine) expireSuspicion(id MemberID, observedInc Incarnation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	change, accepted := e.table.MarkDead(id, observedInc)
	if !accepted {
		return
	}
	e.queue.Push(MembershipUpdate{Member: change.Member})
	e.emitChanges([]Change{*change})
}
