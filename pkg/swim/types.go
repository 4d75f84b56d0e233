// Package swim implements the SWIM membership and failure-detection
// protocol: a periodic-probe, gossip-disseminated, incarnation-versioned
// view of which peers in a cluster are alive, suspected, or dead.
package swim

import "fmt"

// MemberID identifies a peer. Equality and hashing use both fields, so two
// members with the same ID but different addresses are distinct.
type MemberID struct {
	ID      string
	Address string
}

func (m MemberID) String() string {
	return fmt.Sprintf("%s(%s)", m.ID, m.Address)
}

// Status is the totally-ordered health state of a Member. The zero value
// is StatusAlive.
type Status uint8

const (
	StatusAlive Status = iota
	StatusSuspect
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusSuspect:
		return "suspect"
	case StatusDead:
		return "dead"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// severity orders Status by how bad it is: Alive < Suspect < Dead.
func (s Status) severity() int {
	return int(s)
}

// Incarnation is a per-member monotonic version number. Only the owner of
// a MemberID may advance its own incarnation.
type Incarnation uint64

// Member is the authoritative local record for one peer.
type Member struct {
	ID          MemberID
	Status      Status
	Incarnation Incarnation
}

// MembershipUpdate is a Member observation carrying a dissemination
// counter used only inside the broadcast queue; it is never put on the
// wire.
type MembershipUpdate struct {
	Member  Member
	Counter int
}

// GossipPayload is an ordered sequence of updates piggybacked on a
// message. Order on the wire is whatever order the sender selected.
type GossipPayload []MembershipUpdate

// ChangeKind distinguishes the two observable membership-table mutations.
type ChangeKind uint8

const (
	// ChangeJoined fires when a MemberID is inserted for the first time.
	ChangeJoined ChangeKind = iota
	// ChangeStatus fires when a stored Member's status differs from its
	// prior value.
	ChangeStatus
)

// Change is emitted by the membership table whenever a mutation is
// observable from the outside — a fresh join or a status transition. Pure
// incarnation bumps with no status change do not produce a Change.
type Change struct {
	Kind   ChangeKind
	Member Member
	// From is the previous status; only meaningful when Kind is
	// ChangeStatus.
	From Status
}
