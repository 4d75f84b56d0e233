package swim

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// MsgType tags the four wire message variants.
type MsgType uint8

const (
	MsgPing    MsgType = 0x01
	MsgPingReq MsgType = 0x02
	MsgAck     MsgType = 0x03
	MsgNack    MsgType = 0x04
)

func (t MsgType) String() string {
	switch t {
	case MsgPing:
		return "ping"
	case MsgPingReq:
		return "ping-req"
	case MsgAck:
		return "ack"
	case MsgNack:
		return "nack"
	default:
		return fmt.Sprintf("msgtype(%#02x)", uint8(t))
	}
}

// maxMessageSize is the hard wire limit from spec: encode/decode reject at
// this boundary rather than truncating or growing silently.
const maxMessageSize = 65536

// Message is the tagged-variant wire message. Which fields are meaningful
// depends on Type:
//
//	Ping:     Seq, Payload
//	PingReq:  Seq, Target, Payload
//	Ack:      Seq, Responder, Payload
//	Nack:     Seq, Target
type Message struct {
	Type      MsgType
	Seq       uint64
	Target    MemberID
	Responder MemberID
	Payload   GossipPayload
}

// Encode serializes m into a single pre-sized buffer. It never allocates
// more than once for the returned slice.
func Encode(m Message) ([]byte, error) {
	size := 1 + 8 // type + seq
	switch m.Type {
	case MsgPing:
		size += payloadSize(m.Payload)
	case MsgPingReq:
		size += memberIDSize(m.Target) + payloadSize(m.Payload)
	case MsgAck:
		size += memberIDSize(m.Responder) + payloadSize(m.Payload)
	case MsgNack:
		size += memberIDSize(m.Target)
	default:
		return nil, fmt.Errorf("%w: %v", ErrBadType, m.Type)
	}
	if size > maxMessageSize {
		return nil, ErrTooLarge
	}

	buf := make([]byte, size)
	off := 0
	buf[off] = byte(m.Type)
	off++
	binary.BigEndian.PutUint64(buf[off:], m.Seq)
	off += 8

	switch m.Type {
	case MsgPing:
		putPayload(buf, &off, m.Payload)
	case MsgPingReq:
		putMemberID(buf, &off, m.Target)
		putPayload(buf, &off, m.Payload)
	case MsgAck:
		putMemberID(buf, &off, m.Responder)
		putPayload(buf, &off, m.Payload)
	case MsgNack:
		putMemberID(buf, &off, m.Target)
	}
	return buf, nil
}

// Decode parses a wire datagram. It never mutates buf.
func Decode(buf []byte) (Message, error) {
	if len(buf) > maxMessageSize {
		return Message{}, ErrTooLarge
	}
	if len(buf) < 9 {
		return Message{}, ErrTruncated
	}
	typ := MsgType(buf[0])
	seq := binary.BigEndian.Uint64(buf[1:9])
	off := 9

	m := Message{Type: typ, Seq: seq}
	var err error
	switch typ {
	case MsgPing:
		m.Payload, off, err = getPayload(buf, off)
	case MsgPingReq:
		m.Target, off, err = getMemberID(buf, off)
		if err == nil {
			m.Payload, off, err = getPayload(buf, off)
		}
	case MsgAck:
		m.Responder, off, err = getMemberID(buf, off)
		if err == nil {
			m.Payload, off, err = getPayload(buf, off)
		}
	case MsgNack:
		m.Target, off, err = getMemberID(buf, off)
	default:
		return Message{}, fmt.Errorf("%w: %#02x", ErrBadType, byte(typ))
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func memberIDSize(id MemberID) int {
	return 2 + len(id.ID) + 2 + len(id.Address)
}

func updateSize() int {
	// MemberId + Status(1) + Incarnation(8), sized per-member below since
	// MemberId is variable length.
	return 1 + 8
}

func payloadSize(p GossipPayload) int {
	total := 2 // count
	for _, u := range p {
		total += memberIDSize(u.Member.ID) + updateSize()
	}
	return total
}

func putMemberID(buf []byte, off *int, id MemberID) {
	binary.BigEndian.PutUint16(buf[*off:], uint16(len(id.ID)))
	*off += 2
	copy(buf[*off:], id.ID)
	*off += len(id.ID)
	binary.BigEndian.PutUint16(buf[*off:], uint16(len(id.Address)))
	*off += 2
	copy(buf[*off:], id.Address)
	*off += len(id.Address)
}

func getMemberID(buf []byte, off int) (MemberID, int, error) {
	if off+2 > len(buf) {
		return MemberID{}, off, ErrTruncated
	}
	idLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+idLen > len(buf) {
		return MemberID{}, off, ErrTruncated
	}
	idBytes := buf[off : off+idLen]
	if !utf8.Valid(idBytes) {
		return MemberID{}, off, ErrBadUTF8
	}
	id := string(idBytes)
	off += idLen

	if off+2 > len(buf) {
		return MemberID{}, off, ErrTruncated
	}
	addrLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+addrLen > len(buf) {
		return MemberID{}, off, ErrTruncated
	}
	addrBytes := buf[off : off+addrLen]
	if !utf8.Valid(addrBytes) {
		return MemberID{}, off, ErrBadUTF8
	}
	addr := string(addrBytes)
	off += addrLen

	return MemberID{ID: id, Address: addr}, off, nil
}

func putPayload(buf []byte, off *int, p GossipPayload) {
	binary.BigEndian.PutUint16(buf[*off:], uint16(len(p)))
	*off += 2
	for _, u := range p {
		putMemberID(buf, off, u.Member.ID)
		buf[*off] = byte(u.Member.Status)
		*off++
		binary.BigEndian.PutUint64(buf[*off:], uint64(u.Member.Incarnation))
		*off += 8
	}
}

func getPayload(buf []byte, off int) (GossipPayload, int, error) {
	if off+2 > len(buf) {
		return nil, off, ErrTruncated
	}
	count := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2

	payload := make(GossipPayload, 0, count)
	for i := 0; i < count; i++ {
		id, newOff, err := getMemberID(buf, off)
		if err != nil {
			return nil, off, err
		}
		off = newOff
		if off+1+8 > len(buf) {
			return nil, off, ErrTruncated
		}
		status := Status(buf[off])
		if status != StatusAlive && status != StatusSuspect && status != StatusDead {
			return nil, off, fmt.Errorf("%w: status %d", ErrBadType, status)
		}
		off++
		inc := Incarnation(binary.BigEndian.Uint64(buf[off:]))
		off += 8
		payload = append(payload, MembershipUpdate{
			Member: Member{ID: id, Status: status, Incarnation: inc},
		})
	}
	return payload, off, nil
}
