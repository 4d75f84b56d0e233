package swim

import (
	"fmt"
	"time"
)

// Config is the recognized, enumerated SWIM option set.
type Config struct {
	// ProtocolPeriod is the interval between probe rounds.
	ProtocolPeriod time.Duration
	// PingTimeout bounds a direct or indirect probe's wait for an ack.
	PingTimeout time.Duration
	// IndirectProbeCount is the number of intermediaries asked to probe
	// on this node's behalf when a direct probe times out.
	IndirectProbeCount int
	// SuspicionMultiplier scales the suspicion deadline:
	// max(1, log(N)) * SuspicionMultiplier * ProtocolPeriod.
	SuspicionMultiplier float64
	// MaxPayloadSize bounds how many updates are piggybacked per
	// message.
	MaxPayloadSize int
	// BaseDisseminationLimit scales the per-update repeat budget:
	// ceil(BaseDisseminationLimit * log(N)).
	BaseDisseminationLimit float64
	// DeadRetention is how long a Dead member is kept in the table
	// before being garbage-collected. Zero disables GC.
	DeadRetention time.Duration
	// EventBuffer bounds each subscriber's event channel; the bus drops
	// the subscriber's oldest buffered event when it is full.
	EventBuffer int
}

// DefaultConfig returns the option defaults from the protocol
// specification.
func DefaultConfig() Config {
	return Config{
		ProtocolPeriod:         200 * time.Millisecond,
		PingTimeout:            100 * time.Millisecond,
		IndirectProbeCount:     3,
		SuspicionMultiplier:    5.0,
		MaxPayloadSize:         10,
		BaseDisseminationLimit: 3.0,
		DeadRetention:          30 * time.Minute,
		EventBuffer:            256,
	}
}

func (c Config) validate() error {
	if c.ProtocolPeriod <= 0 {
		return fmt.Errorf("swim: ProtocolPeriod must be positive")
	}
	if c.PingTimeout <= 0 {
		return fmt.Errorf("swim: PingTimeout must be positive")
	}
	if c.PingTimeout >= c.ProtocolPeriod {
		return fmt.Errorf("swim: PingTimeout must be less than ProtocolPeriod")
	}
	if c.IndirectProbeCount < 0 {
		return fmt.Errorf("swim: IndirectProbeCount must be non-negative")
	}
	if c.MaxPayloadSize < 0 {
		return fmt.Errorf("swim: MaxPayloadSize must be non-negative")
	}
	if c.SuspicionMultiplier <= 0 {
		return fmt.Errorf("swim: SuspicionMultiplier must be positive")
	}
	if c.BaseDisseminationLimit <= 0 {
		return fmt.Errorf("swim: BaseDisseminationLimit must be positive")
	}
	return nil
}
