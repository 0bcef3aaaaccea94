package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomServerMessages(t *testing.T) {
	cases := []RoomMessage{
		RoomDataMsg{Version: NetplayVersion, DeviceName: "living-room", RomMD5: "9E16B3B4D8ABC3A8D41E4F6F0F9B1A2C"},
		RoomRegistrationMsg{RegID: 123456, Player: 2, ServerPort: 45000, VideoPlugin: "parallel", RSPPlugin: "parallel-rsp"},
		RoomRegistrationMsg{RegID: 9, Player: NoPlayer},
		StartPlayMsg{},
		ServerPortMsg{Port: 45001},
	}
	for _, m := range cases {
		data, err := EncodeRoomMessage(m)
		require.NoError(t, err)

		got, err := ReadServerRoomMessage(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestRoomClientMessages(t *testing.T) {
	cases := []RoomMessage{
		GetRoomDataMsg{},
		RegisterToRoomMsg{DeviceName: "pixel"},
		LeaveRoomMsg{},
	}
	for _, m := range cases {
		data, err := EncodeRoomMessage(m)
		require.NoError(t, err)

		got, err := ReadClientRoomMessage(bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestRoomFieldWidths(t *testing.T) {
	data, err := EncodeRoomMessage(RoomDataMsg{Version: 1, DeviceName: "a", RomMD5: "b"})
	require.NoError(t, err)
	assert.Len(t, data, 4+4+NameFieldSize+MD5FieldSize)

	data, err = EncodeRoomMessage(RoomRegistrationMsg{})
	require.NoError(t, err)
	assert.Len(t, data, 4+3*4+2*PluginFieldSize)

	data, err = EncodeRoomMessage(StartPlayMsg{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 6}, data)
}

func TestRoomFieldTooLong(t *testing.T) {
	_, err := EncodeRoomMessage(RegisterToRoomMsg{DeviceName: strings.Repeat("x", NameFieldSize)})
	assert.ErrorIs(t, err, ErrFieldTooLong)

	_, err = EncodeRoomMessage(RegisterToRoomMsg{DeviceName: strings.Repeat("x", NameFieldSize-1)})
	assert.NoError(t, err)
}

func TestRoomUnknownID(t *testing.T) {
	wire := NewPacketBuilder().WriteInt32(99).Build()
	_, err := ReadClientRoomMessage(bytes.NewReader(wire))
	assert.ErrorIs(t, err, ErrUnknownMessage)

	// server-bound IDs are not valid on the client side and vice versa
	wire = NewPacketBuilder().WriteInt32(RoomGetRoomData).Build()
	_, err = ReadServerRoomMessage(bytes.NewReader(wire))
	assert.ErrorIs(t, err, ErrUnknownMessage)
}
