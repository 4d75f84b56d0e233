package swim

import "math"

// Disseminator is a thin coordinator over a Queue and a Table: it decides
// what to piggyback outbound and how to apply what arrives inbound so
// accepted updates keep propagating (the "infection" step).
type Disseminator struct {
	queue *Queue
	table *Table

	maxPayload int
	base       float64
}

// NewDisseminator constructs a Disseminator over queue and table.
// maxPayload bounds how many updates are piggybacked per message; base
// scales the log(N) dissemination limit.
func NewDisseminator(queue *Queue, table *Table, maxPayload int, base float64) *Disseminator {
	return &Disseminator{queue: queue, table: table, maxPayload: maxPayload, base: base}
}

// disseminationLimit computes ceil(base * log(N)). N is taken as at least
// 2 so a single-member cluster does not get a zero budget, and the result
// is never less than 1.
func (d *Disseminator) disseminationLimit() int {
	n := d.table.Count()
	if n < 2 {
		n = 2
	}
	limit := int(math.Ceil(d.base * math.Log(float64(n))))
	if limit < 1 {
		limit = 1
	}
	return limit
}

// PayloadForMessage peeks up to maxPayload updates, bumps their
// counters, drops any that have now reached the dissemination limit, and
// returns them. An empty queue yields an empty payload.
func (d *Disseminator) PayloadForMessage() GossipPayload {
	picked := d.queue.Peek(d.maxPayload)
	if len(picked) == 0 {
		return GossipPayload{}
	}

	ids := make([]MemberID, len(picked))
	for i, u := range picked {
		ids[i] = u.Member.ID
	}
	d.queue.IncrementCounters(ids)
	d.queue.RemoveExpired(d.disseminationLimit())

	payload := make(GossipPayload, len(picked))
	copy(payload, picked)
	return payload
}

// Ingest applies each update in payload to the table via Upsert; any
// update that was actually accepted is pushed back into the queue so it
// keeps propagating. It returns the Changes produced by accepted
// updates, in payload order.
func (d *Disseminator) Ingest(payload GossipPayload) []Change {
	var changes []Change
	for _, u := range payload {
		change, accepted := d.table.Upsert(u.Member)
		if !accepted {
			continue
		}
		d.queue.Push(MembershipUpdate{Member: u.Member})
		if change != nil {
			changes = append(changes, *change)
		}
	}
	return changes
}
