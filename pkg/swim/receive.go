package swim

// receiveLoop drains the transport's incoming stream until it closes or
// the engine is stopped. Within a single incoming message, payload
// ingestion always completes before any reply is built, so a reply is
// never constructed from stale gossip.
func (e *Engine) receiveLoop() {
	defer e.wg.Done()

	incoming := e.transport.Incoming()
	for {
		select {
		case <-e.ctx.Done():
			return
		case pair, ok := <-incoming:
			if !ok {
				return
			}
			e.dispatch(pair)
		}
	}
}

func (e *Engine) dispatch(pair Incoming) {
	switch pair.Message.Type {
	case MsgPing:
		e.handlePing(pair.Sender, pair.Message)
	case MsgPingReq:
		// handlePingReq waits for the target's Ack, which only this loop
		// can deliver, so it runs as its own short-lived task.
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handlePingReq(pair.Sender, pair.Message)
		}()
	case MsgAck:
		e.handleAck(pair.Sender, pair.Message)
	case MsgNack:
		e.handleNack(pair.Sender, pair.Message)
	default:
		e.log.Warnw("dispatch: unknown message type", "type", pair.Message.Type)
	}
}

// handlePing ingests the piggybacked payload, ensures the sender is
// known (join-by-observation), and replies with a fresh Ack.
func (e *Engine) handlePing(sender MemberID, msg Message) {
	e.ingestAndRefute(msg.Payload)

	if change, accepted := e.table.Upsert(Member{ID: sender, Status: StatusAlive, Incarnation: 0}); accepted && change != nil {
		e.queue.Push(MembershipUpdate{Member: change.Member})
		e.emitChanges([]Change{*change})
	}

	ack := Message{
		Type:      MsgAck,
		Seq:       msg.Seq,
		Responder: e.local,
		Payload:   e.diss.PayloadForMessage(),
	}
	if err := e.transport.Send(ack, sender); err != nil {
		e.log.Debugw("ping: ack send failed", "sender", sender.String(), "error", err)
	}
}

// handlePingReq acts as an indirect prober on behalf of sender: it pings
// msg.Target itself and relays an Ack or Nack back to sender depending
// on the outcome.
func (e *Engine) handlePingReq(sender MemberID, msg Message) {
	e.ingestAndRefute(msg.Payload)

	seqLocal := e.nextSeq()
	pp := &pendingProbe{
		target:       msg.Target,
		ackCh:        make(chan struct{}),
		requester:    &sender,
		requesterSeq: msg.Seq,
	}
	e.mu.Lock()
	e.pending[seqLocal] = pp
	e.mu.Unlock()
	defer e.clearPending(seqLocal)

	ping := Message{Type: MsgPing, Seq: seqLocal, Payload: e.diss.PayloadForMessage()}
	if err := e.transport.Send(ping, msg.Target); err != nil {
		e.log.Debugw("ping-req: send to target failed", "target", msg.Target.String(), "error", err)
		e.replyNack(sender, msg.Seq, msg.Target)
		return
	}

	if e.waitForAck(pp, e.config.PingTimeout) {
		ack := Message{
			Type:      MsgAck,
			Seq:       msg.Seq,
			Responder: msg.Target,
			Payload:   e.diss.PayloadForMessage(),
		}
		if err := e.transport.Send(ack, sender); err != nil {
			e.log.Debugw("ping-req: ack relay failed", "requester", sender.String(), "error", err)
		}
		return
	}
	e.replyNack(sender, msg.Seq, msg.Target)
}

func (e *Engine) replyNack(to MemberID, seq uint64, target MemberID) {
	nack := Message{Type: MsgNack, Seq: seq, Target: target}
	if err := e.transport.Send(nack, to); err != nil {
		e.log.Debugw("nack send failed", "to", to.String(), "error", err)
	}
}

// handleAck ingests the payload, satisfies any pending probe correlated
// by seq and sender identity, cancels the sender's suspicion timer, and
// applies a refutation-by-evidence if the sender was Suspect.
func (e *Engine) handleAck(sender MemberID, msg Message) {
	e.ingestAndRefute(msg.Payload)

	e.mu.Lock()
	pp, ok := e.pending[msg.Seq]
	e.mu.Unlock()
	// A relayed indirect Ack arrives from the helper, not the target: the
	// transport attributes sender to whoever sent the datagram, but
	// Responder carries the identity the Ack is actually attesting to.
	if ok && (pp.target == sender || pp.target == msg.Responder) {
		pp.signal()
	}

	e.timers.Cancel(sender)

	if cur, ok := e.table.Get(sender); ok && cur.Status == StatusSuspect {
		if change, accepted := e.table.MarkAlive(sender, cur.Incarnation+1); accepted {
			e.queue.Push(MembershipUpdate{Member: change.Member})
			e.emitChanges([]Change{*change})
		}
	}
}

// handleNack is informational only: it never mutates suspicion or table
// state.
func (e *Engine) handleNack(sender MemberID, msg Message) {
	e.log.Debugw("received nack", "from", sender.String(), "target", msg.Target.String(), "seq", msg.Seq)
}
