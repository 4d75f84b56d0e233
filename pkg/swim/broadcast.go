package swim

import (
	"sort"
	"sync"
)

// Queue holds at most one pending MembershipUpdate per MemberID, ranked
// for dissemination by (1) higher status severity, (2) lower
// dissemination counter — newer wins, (3) higher incarnation.
type Queue struct {
	mu      sync.Mutex
	entries map[MemberID]MembershipUpdate
}

// NewQueue constructs an empty broadcast queue.
func NewQueue() *Queue {
	return &Queue{entries: make(map[MemberID]MembershipUpdate)}
}

// dominates reports whether candidate should replace existing per the
// push rule: strictly greater incarnation always wins; at equal
// incarnation, higher severity wins.
func dominates(candidate, existing Member) bool {
	if candidate.Incarnation != existing.Incarnation {
		return candidate.Incarnation > existing.Incarnation
	}
	return candidate.Status.severity() > existing.Status.severity()
}

// Push inserts update if no entry exists for its MemberID, or replaces
// the existing entry when update's Member would dominate it.
func (q *Queue) Push(update MembershipUpdate) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.entries[update.Member.ID]
	if !ok || dominates(update.Member, cur.Member) {
		q.entries[update.Member.ID] = update
	}
}

// Peek returns up to k updates in priority order without mutating the
// queue.
func (q *Queue) Peek(k int) []MembershipUpdate {
	q.mu.Lock()
	defer q.mu.Unlock()

	all := make([]MembershipUpdate, 0, len(q.entries))
	for _, u := range q.entries {
		all = append(all, u)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Member.Status.severity() != b.Member.Status.severity() {
			return a.Member.Status.severity() > b.Member.Status.severity()
		}
		if a.Counter != b.Counter {
			return a.Counter < b.Counter
		}
		return a.Member.Incarnation > b.Member.Incarnation
	})
	if k >= 0 && k < len(all) {
		all = all[:k]
	}
	return all
}

// IncrementCounters bumps the dissemination counter on each named entry
// that is still present.
func (q *Queue) IncrementCounters(ids []MemberID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		if u, ok := q.entries[id]; ok {
			u.Counter++
			q.entries[id] = u
		}
	}
}

// RemoveExpired drops any entry whose counter has reached limit,
// returning the removed MemberIDs.
func (q *Queue) RemoveExpired(limit int) []MemberID {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []MemberID
	for id, u := range q.entries {
		if u.Counter >= limit {
			expired = append(expired, id)
			delete(q.entries, id)
		}
	}
	return expired
}

// Remove drops the entry for id, if any.
func (q *Queue) Remove(id MemberID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = make(map[MemberID]MembershipUpdate)
}

// Len reports the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
