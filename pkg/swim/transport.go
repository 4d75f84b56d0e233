package swim

// Incoming pairs a decoded Message with the MemberID the transport
// attributes it to. Once a pair is yielded, engine-level ordering
// begins; the transport itself may batch or reorder across different
// pairs.
type Incoming struct {
	Message Message
	Sender  MemberID
}

// Transport is the engine's view of the network. Implementations are
// responsible for address parsing, delivery, and sender identification;
// they do not interpret message semantics. A Transport is constructed
// once and handed to an Engine — engines never attempt to restart it.
type Transport interface {
	// Send transmits msg to target. A returned error is treated by the
	// engine as a probe timeout, never propagated to callers except
	// through Join.
	Send(msg Message, target MemberID) error

	// Incoming returns the channel of received (message, sender) pairs.
	// It is closed when the transport shuts down; the sequence is
	// finite and non-restartable.
	Incoming() <-chan Incoming

	// LocalAddress returns the address this transport is bound to.
	LocalAddress() string
}
