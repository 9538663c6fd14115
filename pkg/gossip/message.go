package gossip

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Wire protocol. Every field is little-endian and fixed width:
//
//	type(1) | from(6) | reserved(1) | heartbeat(8)
//
// JoinRep and Gossip append a 4-byte entry count and that many 22-byte
// entries. Entries are written field by field so the in-memory layout of
// MemberList never leaks onto the wire.

type MsgType uint8

const (
	MsgJoinReq MsgType = iota
	MsgJoinRep
	MsgGossip
)

func (t MsgType) String() string {
	switch t {
	case MsgJoinReq:
		return "join_req"
	case MsgJoinRep:
		return "join_rep"
	case MsgGossip:
		return "gossip"
	default:
		return "unknown"
	}
}

// hasEntries reports whether messages of this type carry a table snapshot.
func (t MsgType) hasEntries() bool {
	return t == MsgJoinRep || t == MsgGossip
}

const (
	headerSize = 1 + AddressSize + 1 + 8
	countSize  = 4
	// EntrySize is the encoded width of one membership entry.
	EntrySize = 4 + 2 + 8 + 8
)

// Message is a decoded protocol message. Entries is nil for join requests.
type Message struct {
	Type      MsgType
	From      Address
	Heartbeat uint64
	Entries   []Entry
}

// Encode serializes m.
func Encode(m *Message) ([]byte, error) {
	return m.MarshalBinary()
}

// Decode parses a buffer produced by Encode. Any malformed input returns an
// error wrapping ErrCorruptMessage.
func Decode(b []byte) (*Message, error) {
	m := &Message{}
	if err := m.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Message) MarshalBinary() ([]byte, error) {
	if m.Type > MsgGossip {
		return nil, errors.Errorf("cannot encode message type %d", m.Type)
	}
	if !m.Type.hasEntries() && len(m.Entries) > 0 {
		return nil, errors.Errorf("%s message cannot carry entries", m.Type)
	}

	size := headerSize
	if m.Type.hasEntries() {
		size += countSize + len(m.Entries)*EntrySize
	}
	buf := make([]byte, size)

	buf[0] = byte(m.Type)
	putAddress(buf[1:], m.From)
	buf[1+AddressSize] = 0
	binary.LittleEndian.PutUint64(buf[2+AddressSize:], m.Heartbeat)

	if !m.Type.hasEntries() {
		return buf, nil
	}

	off := headerSize
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(m.Entries)))
	off += countSize
	for _, e := range m.Entries {
		putEntry(buf[off:], e)
		off += EntrySize
	}

	return buf, nil
}

func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < headerSize {
		return errors.Wrapf(ErrCorruptMessage, "short header: %d bytes", len(b))
	}

	t := MsgType(b[0])
	if t > MsgGossip {
		return errors.Wrapf(ErrCorruptMessage, "unknown message type %d", b[0])
	}

	msg := Message{
		Type:      t,
		From:      readAddress(b[1:]),
		Heartbeat: binary.LittleEndian.Uint64(b[2+AddressSize:]),
	}

	rest := b[headerSize:]
	if !t.hasEntries() {
		if len(rest) != 0 {
			return errors.Wrapf(ErrCorruptMessage, "%s has %d trailing bytes", t, len(rest))
		}
		*m = msg
		return nil
	}

	if len(rest) < countSize {
		return errors.Wrapf(ErrCorruptMessage, "%s missing entry count", t)
	}
	count := uint64(binary.LittleEndian.Uint32(rest))
	rest = rest[countSize:]
	if count*EntrySize != uint64(len(rest)) {
		return errors.Wrapf(ErrCorruptMessage, "%s declares %d entries but carries %d bytes", t, count, len(rest))
	}

	if count > 0 {
		msg.Entries = make([]Entry, count)
		for i := range msg.Entries {
			msg.Entries[i] = readEntry(rest[i*EntrySize:])
		}
	}

	*m = msg
	return nil
}

func putAddress(b []byte, a Address) {
	binary.LittleEndian.PutUint32(b, a.ID)
	binary.LittleEndian.PutUint16(b[4:], a.Port)
}

func readAddress(b []byte) Address {
	return Address{
		ID:   binary.LittleEndian.Uint32(b),
		Port: binary.LittleEndian.Uint16(b[4:]),
	}
}

func putEntry(b []byte, e Entry) {
	binary.LittleEndian.PutUint32(b, e.ID)
	binary.LittleEndian.PutUint16(b[4:], e.Port)
	binary.LittleEndian.PutUint64(b[6:], e.Heartbeat)
	binary.LittleEndian.PutUint64(b[14:], uint64(e.Timestamp))
}

func readEntry(b []byte) Entry {
	return Entry{
		ID:        binary.LittleEndian.Uint32(b),
		Port:      binary.LittleEndian.Uint16(b[4:]),
		Heartbeat: binary.LittleEndian.Uint64(b[6:]),
		Timestamp: int64(binary.LittleEndian.Uint64(b[14:])),
	}
}
