package gossip

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
	}{
		{
			name: "join request",
			msg:  Message{Type: MsgJoinReq, From: Address{ID: 2}, Heartbeat: 0},
		},
		{
			name: "empty join reply",
			msg:  Message{Type: MsgJoinRep, From: Address{ID: 1}, Heartbeat: 7},
		},
		{
			name: "gossip with entries",
			msg: Message{
				Type:      MsgGossip,
				From:      Address{ID: 3, Port: 9000},
				Heartbeat: 42,
				Entries: []Entry{
					{ID: 1, Port: 0, Heartbeat: 10, Timestamp: 5},
					{ID: 3, Port: 9000, Heartbeat: 42, Timestamp: 12},
					{ID: 65535, Port: 65535, Heartbeat: 1 << 40, Timestamp: 1 << 33},
				},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Encode(&tc.msg)
			require.NoError(t, err)

			got, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, tc.msg, *got)
		})
	}
}

func TestEncodeLayout(t *testing.T) {
	b, err := Encode(&Message{
		Type:      MsgGossip,
		From:      Address{ID: 0x01020304, Port: 0x0506},
		Heartbeat: 9,
		Entries:   []Entry{{ID: 7, Port: 8, Heartbeat: 9, Timestamp: 10}},
	})
	require.NoError(t, err)
	require.Len(t, b, headerSize+countSize+EntrySize)

	assert.Equal(t, byte(MsgGossip), b[0])
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01, 0x06, 0x05}, b[1:7])
	assert.Equal(t, byte(0), b[7])
	assert.Equal(t, uint64(9), binary.LittleEndian.Uint64(b[8:16]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(b[16:20]))
	assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(b[20:24]))
	assert.Equal(t, uint16(8), binary.LittleEndian.Uint16(b[24:26]))
	assert.Equal(t, uint64(9), binary.LittleEndian.Uint64(b[26:34]))
	assert.Equal(t, uint64(10), binary.LittleEndian.Uint64(b[34:42]))

	req, err := Encode(&Message{Type: MsgJoinReq, From: Address{ID: 2}})
	require.NoError(t, err)
	assert.Len(t, req, headerSize)
}

func TestEncodeRejectsInvalidMessages(t *testing.T) {
	_, err := Encode(&Message{Type: MsgType(9)})
	assert.Error(t, err)

	_, err = Encode(&Message{Type: MsgJoinReq, Entries: []Entry{{ID: 1}}})
	assert.Error(t, err)
}

func TestDecodeCorrupt(t *testing.T) {
	valid, err := Encode(&Message{
		Type:    MsgGossip,
		From:    Address{ID: 1},
		Entries: []Entry{{ID: 1, Heartbeat: 1}, {ID: 2, Heartbeat: 2}},
	})
	require.NoError(t, err)

	badType := append([]byte(nil), valid...)
	badType[0] = 7

	overCount := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(overCount[headerSize:], 3)

	hugeCount := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(hugeCount[headerSize:], 0xFFFFFFFF)

	req, err := Encode(&Message{Type: MsgJoinReq, From: Address{ID: 2}})
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":              nil,
		"short header":       valid[:headerSize-1],
		"unknown type":       badType,
		"missing count":      valid[:headerSize+2],
		"truncated entries":  valid[:len(valid)-1],
		"trailing bytes":     append(append([]byte(nil), valid...), 0),
		"count exceeds data": overCount,
		"count overflows":    hugeCount,
		"join req trailing":  append(req, 1, 2, 3),
	}

	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			m, err := Decode(b)
			assert.Nil(t, m)
			assert.True(t, errors.Is(err, ErrCorruptMessage), "got %v", err)
		})
	}
}

func TestMsgTypeString(t *testing.T) {
	assert.Equal(t, "join_req", MsgJoinReq.String())
	assert.Equal(t, "join_rep", MsgJoinRep.String())
	assert.Equal(t, "gossip", MsgGossip.String())
	assert.Equal(t, "unknown", MsgType(200).String())
}
