package swim

import "errors"

// Codec errors, raised by Encode/Decode. On ingress the transport logs and
// drops the offending datagram rather than propagating these — the
// protocol is loss-tolerant by design.
var (
	ErrTruncated = errors.New("swim: truncated message")
	ErrBadType   = errors.New("swim: unknown message type")
	ErrBadUTF8   = errors.New("swim: invalid utf-8 in string field")
	ErrTooLarge  = errors.New("swim: message exceeds maximum size")
)

// Transport errors. A send failure is treated as a probe timeout and does
// not propagate to callers except through Join.
var (
	ErrSendFailed           = errors.New("swim: transport send failed")
	ErrTransportUnavailable = errors.New("swim: transport unavailable")
)

// ErrJoinFailed is returned from Engine.Join when seeds is empty or every
// seed send failed.
var ErrJoinFailed = errors.New("swim: join failed")

// ErrNoSeeds is returned from Engine.Join when called with an empty seed
// list; it is wrapped by ErrJoinFailed.
var ErrNoSeeds = errors.New("swim: no seeds supplied")

// ErrEngineStopped is returned by operations attempted after Stop has
// been called.
var ErrEngineStopped = errors.New("swim: engine stopped")
