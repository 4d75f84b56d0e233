package swim

import (
	"math/rand"
	"sync"
	"time"
)

// Table is the authoritative local map from MemberID to (Status,
// Incarnation), guarded by a single critical section so every operation
// below is atomic with respect to the others. It maintains three
// auxiliary index sets (Alive, Suspect, Dead) that at all times exactly
// partition its keyspace, so random selection never scans the full map.
type Table struct {
	mu      sync.Mutex
	members map[MemberID]Member
	byState map[Status]map[MemberID]struct{}
	deadAt  map[MemberID]time.Time

	rrOrder  []MemberID
	rrCursor int

	rng *rand.Rand
}

// NewTable constructs an empty membership table.
func NewTable() *Table {
	return &Table{
		members: make(map[MemberID]Member),
		byState: map[Status]map[MemberID]struct{}{
			StatusAlive:   {},
			StatusSuspect: {},
			StatusDead:    {},
		},
		deadAt: make(map[MemberID]time.Time),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (t *Table) indexInsertLocked(id MemberID, s Status) {
	t.byState[s][id] = struct{}{}
}

func (t *Table) indexRemoveLocked(id MemberID, s Status) {
	delete(t.byState[s], id)
}

// Upsert applies the conflict-resolution rules: a strictly higher
// incarnation always wins; a strictly lower incarnation is always
// rejected; at equal incarnation the higher-severity status wins.
func (t *Table) Upsert(m Member) (*Change, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, exists := t.members[m.ID]
	if !exists {
		t.members[m.ID] = m
		t.indexInsertLocked(m.ID, m.Status)
		if m.Status == StatusDead {
			t.deadAt[m.ID] = time.Now()
		}
		return &Change{Kind: ChangeJoined, Member: m}, true
	}

	accept := false
	switch {
	case m.Incarnation > cur.Incarnation:
		accept = true
	case m.Incarnation < cur.Incarnation:
		accept = false
	default:
		accept = m.Status.severity() > cur.Status.severity()
	}
	if !accept {
		return nil, false
	}

	t.members[m.ID] = m
	if m.Status != cur.Status {
		t.indexRemoveLocked(m.ID, cur.Status)
		t.indexInsertLocked(m.ID, m.Status)
		if m.Status == StatusDead {
			t.deadAt[m.ID] = time.Now()
		} else {
			delete(t.deadAt, m.ID)
		}
		return &Change{Kind: ChangeStatus, Member: m, From: cur.Status}, true
	}
	// Pure incarnation bump: state observably unchanged.
	return nil, true
}

// Get returns the current record for id, if any.
func (t *Table) Get(id MemberID) (Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[id]
	return m, ok
}

// MarkSuspect transitions id from Alive to Suspect. It only succeeds when
// the current record is Alive at exactly incarnationObserved.
func (t *Table) MarkSuspect(id MemberID, incarnationObserved Incarnation) (*Change, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.members[id]
	if !ok || cur.Status != StatusAlive || cur.Incarnation != incarnationObserved {
		return nil, false
	}
	next := cur
	next.Status = StatusSuspect
	t.members[id] = next
	t.indexRemoveLocked(id, StatusAlive)
	t.indexInsertLocked(id, StatusSuspect)
	return &Change{Kind: ChangeStatus, Member: next, From: StatusAlive}, true
}

// MarkDead transitions id to Dead. It succeeds when the current
// incarnation is at most incarnationObserved and the current status is
// not already Dead; on success the stored incarnation takes the observed
// value.
func (t *Table) MarkDead(id MemberID, incarnationObserved Incarnation) (*Change, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.members[id]
	if !ok || cur.Status == StatusDead || cur.Incarnation > incarnationObserved {
		return nil, false
	}
	from := cur.Status
	next := cur
	next.Status = StatusDead
	next.Incarnation = incarnationObserved
	t.members[id] = next
	t.indexRemoveLocked(id, from)
	t.indexInsertLocked(id, StatusDead)
	t.deadAt[id] = time.Now()
	return &Change{Kind: ChangeStatus, Member: next, From: from}, true
}

// MarkAlive applies a refutation: it only succeeds when incarnationNew is
// strictly greater than the currently stored incarnation.
func (t *Table) MarkAlive(id MemberID, incarnationNew Incarnation) (*Change, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.members[id]
	if !ok || incarnationNew <= cur.Incarnation {
		return nil, false
	}
	from := cur.Status
	next := cur
	next.Status = StatusAlive
	next.Incarnation = incarnationNew
	t.members[id] = next
	if from != StatusAlive {
		t.indexRemoveLocked(id, from)
		t.indexInsertLocked(id, StatusAlive)
		delete(t.deadAt, id)
		return &Change{Kind: ChangeStatus, Member: next, From: from}, true
	}
	return nil, true
}

// Remove deletes id from the table entirely.
func (t *Table) Remove(id MemberID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.members[id]
	if !ok {
		return
	}
	t.indexRemoveLocked(id, cur.Status)
	delete(t.members, id)
	delete(t.deadAt, id)
}

// RandomAlive returns up to k distinct Alive members, excluding any
// MemberID present in excluding.
func (t *Table) RandomAlive(k int, excluding map[MemberID]struct{}) []Member {
	return t.randomFrom(k, excluding, StatusAlive)
}

// RandomProbable returns members drawn from Alive ∪ Suspect, excluding
// any MemberID present in excluding.
func (t *Table) RandomProbable(excluding map[MemberID]struct{}) []Member {
	t.mu.Lock()
	candidates := make([]MemberID, 0, len(t.byState[StatusAlive])+len(t.byState[StatusSuspect]))
	for id := range t.byState[StatusAlive] {
		candidates = append(candidates, id)
	}
	for id := range t.byState[StatusSuspect] {
		candidates = append(candidates, id)
	}
	out := t.pickLocked(candidates, len(candidates), excluding)
	t.mu.Unlock()
	return out
}

func (t *Table) randomFrom(k int, excluding map[MemberID]struct{}, s Status) []Member {
	t.mu.Lock()
	candidates := make([]MemberID, 0, len(t.byState[s]))
	for id := range t.byState[s] {
		candidates = append(candidates, id)
	}
	out := t.pickLocked(candidates, k, excluding)
	t.mu.Unlock()
	return out
}

func (t *Table) pickLocked(candidates []MemberID, k int, excluding map[MemberID]struct{}) []Member {
	t.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	out := make([]Member, 0, k)
	for _, id := range candidates {
		if len(out) >= k {
			break
		}
		if _, excl := excluding[id]; excl {
			continue
		}
		out = append(out, t.members[id])
	}
	return out
}

// NextRoundRobin returns the next member in a fair rotation over Alive ∪
// Suspect, excluding any MemberID present in excluding. The rotation is
// reshuffled and restarted whenever it is exhausted.
func (t *Table) NextRoundRobin(excluding map[MemberID]struct{}) (Member, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for pass := 0; pass < 2; pass++ {
		for t.rrCursor < len(t.rrOrder) {
			id := t.rrOrder[t.rrCursor]
			t.rrCursor++
			if _, excl := excluding[id]; excl {
				continue
			}
			m, ok := t.members[id]
			if !ok || (m.Status != StatusAlive && m.Status != StatusSuspect) {
				continue
			}
			return m, true
		}
		t.rebuildProbeOrderLocked()
		if len(t.rrOrder) == 0 {
			return Member{}, false
		}
	}
	return Member{}, false
}

func (t *Table) rebuildProbeOrderLocked() {
	order := make([]MemberID, 0, len(t.byState[StatusAlive])+len(t.byState[StatusSuspect]))
	for id := range t.byState[StatusAlive] {
		order = append(order, id)
	}
	for id := range t.byState[StatusSuspect] {
		order = append(order, id)
	}
	t.rng.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	t.rrOrder = order
	t.rrCursor = 0
}

// Count returns the total number of members tracked, regardless of
// status. It is used to scale suspicion timeouts and dissemination
// limits by log(N).
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.members)
}

// AliveCount returns the number of members currently Alive.
func (t *Table) AliveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byState[StatusAlive])
}

// Snapshot returns a copy of every member currently tracked.
func (t *Table) Snapshot() []Member {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Member, 0, len(t.members))
	for _, m := range t.members {
		out = append(out, m)
	}
	return out
}

// GC removes members that have been Dead for at least retention,
// returning the removed IDs. Retaining Dead members briefly lets the
// broadcast queue finish disseminating their tombstone before they are
// forgotten.
func (t *Table) GC(retention time.Duration) []MemberID {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var removed []MemberID
	for id, at := range t.deadAt {
		if now.Sub(at) >= retention {
			cur := t.members[id]
			t.indexRemoveLocked(id, cur.Status)
			delete(t.members, id)
			delete(t.deadAt, id)
			removed = append(removed, id)
		}
	}
	return removed
}
