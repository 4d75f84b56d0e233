// Package transport provides a UDP implementation of the swim.Transport
// interface: it owns a bound UDP socket, envelopes every datagram with
// the sender's identity, and feeds decoded (message, sender) pairs to
// the engine as a single ordered channel.
package transport

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/ryandielhenn/zephyrswim/pkg/swim"
	"go.uber.org/zap"
)

// maxDatagram bounds a single UDP read; it must be at least as large as
// the largest possible envelope (self MemberID + the codec's own
// 65536-byte ceiling), rounded to a comfortable UDP payload size.
const maxDatagram = 65536 + 512

// UDPTransport sends and receives SWIM datagrams over a single UDP
// socket, matching the style of the teacher's TCP-accept-loop transports:
// one long-lived goroutine reading the socket and publishing decoded
// pairs to a channel, with Send used directly for outbound writes.
type UDPTransport struct {
	conn *net.UDPConn
	self swim.MemberID
	log  *zap.SugaredLogger

	incoming chan swim.Incoming
	closed   chan struct{}
}

// New binds a UDP socket at self.Address and starts the receive
// goroutine. self is embedded in every outbound envelope so peers can
// identify this node without a separate handshake.
func New(self swim.MemberID, log *zap.SugaredLogger) (*UDPTransport, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	addr, err := net.ResolveUDPAddr("udp", self.Address)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", self.Address, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", self.Address, err)
	}

	t := &UDPTransport{
		conn:     conn,
		self:     self,
		log:      log,
		incoming: make(chan swim.Incoming, 256),
		closed:   make(chan struct{}),
	}
	go t.recvLoop()
	return t, nil
}

// Send envelopes msg with this node's identity and writes it as a single
// UDP datagram to target's address.
func (t *UDPTransport) Send(msg swim.Message, target swim.MemberID) error {
	body, err := swim.Encode(msg)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	envelope := encodeEnvelope(t.self, body)

	addr, err := net.ResolveUDPAddr("udp", target.Address)
	if err != nil {
		return fmt.Errorf("transport: resolve target %q: %w", target.Address, err)
	}
	if _, err := t.conn.WriteToUDP(envelope, addr); err != nil {
		return fmt.Errorf("%w: %v", swim.ErrSendFailed, err)
	}
	return nil
}

// Incoming returns the channel of decoded (message, sender) pairs.
func (t *UDPTransport) Incoming() <-chan swim.Incoming {
	return t.incoming
}

// LocalAddress returns the address this transport is bound to.
func (t *UDPTransport) LocalAddress() string {
	return t.self.Address
}

// Close shuts the socket down, ending the receive loop and closing the
// Incoming channel.
func (t *UDPTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
		close(t.closed)
	}
	return t.conn.Close()
}

func (t *UDPTransport) recvLoop() {
	defer close(t.incoming)

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				t.log.Debugw("transport: read error", "error", err)
				return
			}
		}

		sender, body, err := decodeEnvelope(buf[:n])
		if err != nil {
			t.log.Debugw("transport: bad envelope, dropping datagram", "error", err)
			continue
		}
		msg, err := swim.Decode(body)
		if err != nil {
			t.log.Debugw("transport: codec error, dropping datagram", "error", err)
			continue
		}

		select {
		case t.incoming <- swim.Incoming{Message: msg, Sender: sender}:
		case <-t.closed:
			return
		}
	}
}

// encodeEnvelope prefixes body with the sender's MemberID, using the
// same length-prefixed UTF-8 layout as the SWIM wire codec so the whole
// datagram stays bit-exact and inspectable.
func encodeEnvelope(sender swim.MemberID, body []byte) []byte {
	size := 2 + len(sender.ID) + 2 + len(sender.Address) + len(body)
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint16(buf[off:], uint16(len(sender.ID)))
	off += 2
	off += copy(buf[off:], sender.ID)
	binary.BigEndian.PutUint16(buf[off:], uint16(len(sender.Address)))
	off += 2
	off += copy(buf[off:], sender.Address)
	copy(buf[off:], body)
	return buf
}

func decodeEnvelope(buf []byte) (swim.MemberID, []byte, error) {
	if len(buf) < 2 {
		return swim.MemberID{}, nil, fmt.Errorf("transport: envelope truncated")
	}
	idLen := int(binary.BigEndian.Uint16(buf))
	off := 2
	if off+idLen > len(buf) {
		return swim.MemberID{}, nil, fmt.Errorf("transport: envelope truncated")
	}
	id := string(buf[off : off+idLen])
	off += idLen

	if off+2 > len(buf) {
		return swim.MemberID{}, nil, fmt.Errorf("transport: envelope truncated")
	}
	addrLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+addrLen > len(buf) {
		return swim.MemberID{}, nil, fmt.Errorf("transport: envelope truncated")
	}
	addr := string(buf[off : off+addrLen])
	off += addrLen

	return swim.MemberID{ID: id, Address: addr}, buf[off:], nil
}
