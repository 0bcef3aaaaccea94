package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettingsUpdateWire(t *testing.T) {
	s := CoreSettings{CountPerOp: 2, DisableExtraMem: 0, SiDMADuration: 2304, EmuMode: 1, NoCompiledJump: 0}
	data := EncodeSettingsUpdate(s)

	require.Len(t, data, 1+5*4)
	assert.Equal(t, MsgSettingsUpdate, data[0])
	// big-endian 2304 = 0x00000900
	assert.Equal(t, []byte{0x00, 0x00, 0x09, 0x00}, data[9:13])

	r := bytes.NewReader(data)
	id, err := ReadGameplayID(r)
	require.NoError(t, err)
	msg, err := ReadGameplayBody(id, r)
	require.NoError(t, err)
	assert.Equal(t, SettingsUpdateMsg{Settings: s}, msg)
	assert.Zero(t, r.Len())
}

func TestPlayerRegistrationWire(t *testing.T) {
	in := PlayerRegistrationMsg{Player: 2, Plugin: PluginMemPak, Raw: true, RegID: -559038737}
	data := EncodePlayerRegistration(in)
	assert.Equal(t, []byte{MsgPlayerRegistration, 2, PluginMemPak, 1, 0xDE, 0xAD, 0xBE, 0xEF}, data)

	r := bytes.NewReader(data[1:])
	out, err := ReadPlayerRegistration(r)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRegistrationReply(t *testing.T) {
	accepted, target, err := ReadRegistrationReply(bytes.NewReader(EncodeRegistrationReply(true, 3)))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 3, target)
}

func TestRegistrationsTable(t *testing.T) {
	var regs [MaxPlayers]Registration
	regs[0] = Registration{RegID: 11, Plugin: PluginMemPak}
	regs[2] = Registration{RegID: 33, Plugin: PluginRumblePak, Raw: true}

	data := EncodeRegistrations(regs)
	require.Len(t, data, MaxPlayers*6)

	out, err := ReadRegistrations(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, regs, out)
}

func TestSaveFileDataWire(t *testing.T) {
	payload := bytes.Repeat([]byte{0xA5}, 32*1024)
	data, err := EncodeSaveFileData("MARIO.eep", payload)
	require.NoError(t, err)

	r := bytes.NewReader(data)
	id, err := ReadGameplayID(r)
	require.NoError(t, err)
	require.Equal(t, MsgSaveFileData, id)

	msg, err := ReadGameplayBody(id, r)
	require.NoError(t, err)
	save := msg.(SaveFileDataMsg)
	assert.Equal(t, "MARIO.eep", save.Name)
	assert.Equal(t, payload, save.Data)
	assert.Zero(t, r.Len())
}

func TestSaveFileDataEmpty(t *testing.T) {
	data, err := EncodeSaveFileData("empty.sra", nil)
	require.NoError(t, err)

	msg, err := ReadSaveFileData(bytes.NewReader(data[1:]))
	require.NoError(t, err)
	assert.Equal(t, "empty.sra", msg.Name)
	assert.Empty(t, msg.Data)
}

func TestSaveFileTooLarge(t *testing.T) {
	_, err := EncodeSaveFileData("big.fla", make([]byte, MaxSaveFileSize+1))
	assert.ErrorIs(t, err, ErrSaveFileTooLarge)

	// a declared size over the cap is rejected before any data is read
	wire := NewPacketBuilder().
		WriteNullString("big.fla").
		WriteInt32(MaxSaveFileSize + 1).
		Build()
	_, err = ReadSaveFileData(bytes.NewReader(wire))
	assert.ErrorIs(t, err, ErrSaveFileTooLarge)

	wire = NewPacketBuilder().WriteNullString("neg.fla").WriteInt32(-4).Build()
	_, err = ReadSaveFileData(bytes.NewReader(wire))
	assert.ErrorIs(t, err, ErrSaveFileTooLarge)
}

func TestSaveFileAtCap(t *testing.T) {
	data, err := EncodeSaveFileData("cap.fla", make([]byte, MaxSaveFileSize))
	require.NoError(t, err)
	msg, err := ReadSaveFileData(bytes.NewReader(data[1:]))
	require.NoError(t, err)
	assert.Len(t, msg.Data, MaxSaveFileSize)
}

func TestFilenameRules(t *testing.T) {
	_, err := EncodeRequestSaveFileData("bad\x00name")
	assert.Error(t, err)

	_, err = EncodeRequestSaveFileData(string(bytes.Repeat([]byte{'a'}, MaxFilenameSize+1)))
	assert.ErrorIs(t, err, ErrFilenameTooLong)

	// unterminated stream
	_, err = ReadFilename(bytes.NewReader([]byte("abc")))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	data, err := EncodeRequestSaveFileData("PAPER.fla")
	require.NoError(t, err)
	name, err := ReadFilename(bytes.NewReader(data[1:]))
	require.NoError(t, err)
	assert.Equal(t, "PAPER.fla", name)
}

func TestUnknownGameplayID(t *testing.T) {
	_, err := ReadGameplayBody(0x42, bytes.NewReader(nil))
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestShortReads(t *testing.T) {
	_, err := ReadGameplayID(bytes.NewReader(nil))
	assert.ErrorIs(t, err, io.EOF)

	full := EncodeSettingsUpdate(CoreSettings{CountPerOp: 1})
	_, err = ReadSettings(bytes.NewReader(full[1:11]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	full = EncodePlayerRegistration(PlayerRegistrationMsg{Player: 1, RegID: 5})
	_, err = ReadPlayerRegistration(bytes.NewReader(full[1:5]))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

// trickleReader hands out one byte per Read call.
type trickleReader struct {
	data []byte
}

func (r *trickleReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestReadersLoopOnPartialReads(t *testing.T) {
	payload := []byte("0123456789abcdef")
	data, err := EncodeSaveFileData("slow.eep", payload)
	require.NoError(t, err)

	r := &trickleReader{data: data}
	id, err := ReadGameplayID(r)
	require.NoError(t, err)
	msg, err := ReadGameplayBody(id, r)
	require.NoError(t, err)
	assert.Equal(t, payload, msg.(SaveFileDataMsg).Data)
}

func TestPlayerDisconnectWire(t *testing.T) {
	data := EncodePlayerDisconnect(77)
	r := bytes.NewReader(data)
	id, err := ReadGameplayID(r)
	require.NoError(t, err)
	msg, err := ReadGameplayBody(id, r)
	require.NoError(t, err)
	assert.Equal(t, PlayerDisconnectMsg{RegID: 77}, msg)
}

func TestWrappedReadKeepsCause(t *testing.T) {
	_, err := ReadRegistrations(bytes.NewReader(make([]byte, 7)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Contains(t, err.Error(), "slot")
}
