package protocol

import (
	"fmt"
	"io"
	"strings"
)

// GameplayMessage is a fully parsed gameplay-channel message.
type GameplayMessage interface {
	ID() byte
}

// PlayerRegistrationMsg asks the host to bind a registration ID to a slot.
type PlayerRegistrationMsg struct {
	Player byte
	Plugin byte
	Raw    bool
	RegID  int32
}

// RequestPlayerRegistrationMsg asks for the current slot table.
type RequestPlayerRegistrationMsg struct{}

// SettingsUpdateMsg overwrites the session core settings.
type SettingsUpdateMsg struct {
	Settings CoreSettings
}

// RequestSettingsMsg asks for the session core settings.
type RequestSettingsMsg struct{}

// SaveFileDataMsg uploads a named save file.
type SaveFileDataMsg struct {
	Name string
	Data []byte
}

// RequestSaveFileDataMsg asks for a named save file.
type RequestSaveFileDataMsg struct {
	Name string
}

// PlayerDisconnectMsg frees the slot held by a registration ID.
type PlayerDisconnectMsg struct {
	RegID int32
}

func (PlayerRegistrationMsg) ID() byte        { return MsgPlayerRegistration }
func (RequestPlayerRegistrationMsg) ID() byte { return MsgRequestPlayerRegistration }
func (SettingsUpdateMsg) ID() byte            { return MsgSettingsUpdate }
func (RequestSettingsMsg) ID() byte           { return MsgRequestSettings }
func (SaveFileDataMsg) ID() byte              { return MsgSaveFileData }
func (RequestSaveFileDataMsg) ID() byte       { return MsgRequestSaveFileData }
func (PlayerDisconnectMsg) ID() byte          { return MsgPlayerDisconnect }

// ReadGameplayID reads the 1-byte message ID. A clean end of stream is
// returned as io.EOF unwrapped so callers can treat it as a normal close.
func ReadGameplayID(r io.Reader) (byte, error) {
	return readByte(r)
}

// ReadGameplayBody parses the body of the message identified by id. It
// returns ErrUnknownMessage for IDs outside the gameplay channel.
func ReadGameplayBody(id byte, r io.Reader) (GameplayMessage, error) {
	switch id {
	case MsgPlayerRegistration:
		return ReadPlayerRegistration(r)
	case MsgRequestPlayerRegistration:
		return RequestPlayerRegistrationMsg{}, nil
	case MsgSettingsUpdate:
		s, err := ReadSettings(r)
		if err != nil {
			return nil, err
		}
		return SettingsUpdateMsg{Settings: s}, nil
	case MsgRequestSettings:
		return RequestSettingsMsg{}, nil
	case MsgSaveFileData:
		return ReadSaveFileData(r)
	case MsgRequestSaveFileData:
		name, err := ReadFilename(r)
		if err != nil {
			return nil, err
		}
		return RequestSaveFileDataMsg{Name: name}, nil
	case MsgPlayerDisconnect:
		return ReadPlayerDisconnect(r)
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownMessage, id)
	}
}

// ReadPlayerRegistration parses player:u8, plugin:u8, raw:u8, regID:i32.
func ReadPlayerRegistration(r io.Reader) (PlayerRegistrationMsg, error) {
	var m PlayerRegistrationMsg
	var err error
	if m.Player, err = readByte(r); err != nil {
		return m, wrapRead("registration player", err)
	}
	if m.Plugin, err = readByte(r); err != nil {
		return m, wrapRead("registration plugin", err)
	}
	if m.Raw, err = readBool(r); err != nil {
		return m, wrapRead("registration raw flag", err)
	}
	if m.RegID, err = readInt32(r); err != nil {
		return m, wrapRead("registration id", err)
	}
	return m, nil
}

// EncodePlayerRegistration builds a PlayerRegistration message.
func EncodePlayerRegistration(m PlayerRegistrationMsg) []byte {
	return NewPacketBuilder().
		WriteByte(MsgPlayerRegistration).
		WriteByte(m.Player).
		WriteByte(m.Plugin).
		WriteBool(m.Raw).
		WriteInt32(m.RegID).
		Build()
}

// EncodeRegistrationReply builds the accepted:u8, bufferTarget:u8 reply.
func EncodeRegistrationReply(accepted bool, bufferTarget int) []byte {
	return NewPacketBuilder().
		WriteBool(accepted).
		WriteByte(byte(bufferTarget)).
		Build()
}

// ReadRegistrationReply parses the reply to a PlayerRegistration.
func ReadRegistrationReply(r io.Reader) (accepted bool, bufferTarget int, err error) {
	if accepted, err = readBool(r); err != nil {
		return false, 0, wrapRead("registration reply", err)
	}
	b, err := readByte(r)
	if err != nil {
		return false, 0, wrapRead("buffer target", err)
	}
	return accepted, int(b), nil
}

// EncodeRequestPlayerRegistration builds the header-only request.
func EncodeRequestPlayerRegistration() []byte {
	return []byte{MsgRequestPlayerRegistration}
}

// EncodeRegistrations builds the 4 x {regID, plugin, raw} reply.
func EncodeRegistrations(regs [MaxPlayers]Registration) []byte {
	b := NewPacketBuilder()
	for _, reg := range regs {
		b.WriteInt32(reg.RegID).WriteByte(reg.Plugin).WriteBool(reg.Raw)
	}
	return b.Build()
}

// ReadRegistrations parses the slot table reply.
func ReadRegistrations(r io.Reader) ([MaxPlayers]Registration, error) {
	var regs [MaxPlayers]Registration
	for i := range regs {
		var err error
		if regs[i].RegID, err = readInt32(r); err != nil {
			return regs, wrapRead("slot registration id", err)
		}
		if regs[i].Plugin, err = readByte(r); err != nil {
			return regs, wrapRead("slot plugin", err)
		}
		if regs[i].Raw, err = readBool(r); err != nil {
			return regs, wrapRead("slot raw flag", err)
		}
	}
	return regs, nil
}

// EncodeSettingsUpdate builds a SettingsUpdate message.
func EncodeSettingsUpdate(s CoreSettings) []byte {
	return append([]byte{MsgSettingsUpdate}, EncodeSettings(s)...)
}

// EncodeSettings writes the five settings fields without a message ID; it
// is both the SettingsUpdate body and the RequestSettings reply.
func EncodeSettings(s CoreSettings) []byte {
	return NewPacketBuilder().
		WriteInt32(s.CountPerOp).
		WriteInt32(s.DisableExtraMem).
		WriteInt32(s.SiDMADuration).
		WriteInt32(s.EmuMode).
		WriteInt32(s.NoCompiledJump).
		Build()
}

// ReadSettings parses the five settings fields.
func ReadSettings(r io.Reader) (CoreSettings, error) {
	var s CoreSettings
	fields := []struct {
		name string
		dst  *int32
	}{
		{"count_per_op", &s.CountPerOp},
		{"disable_extra_mem", &s.DisableExtraMem},
		{"si_dma_duration", &s.SiDMADuration},
		{"emu_mode", &s.EmuMode},
		{"no_compiled_jump", &s.NoCompiledJump},
	}
	for _, f := range fields {
		v, err := readInt32(r)
		if err != nil {
			return s, wrapRead(f.name, err)
		}
		*f.dst = v
	}
	return s, nil
}

// EncodeRequestSettings builds the header-only request.
func EncodeRequestSettings() []byte {
	return []byte{MsgRequestSettings}
}

// EncodeSaveFileData builds a SaveFileData message. Oversized files and
// names that cannot be NUL-terminated are rejected rather than truncated.
func EncodeSaveFileData(name string, data []byte) ([]byte, error) {
	if err := checkFilename(name); err != nil {
		return nil, err
	}
	if len(data) > MaxSaveFileSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrSaveFileTooLarge, len(data), MaxSaveFileSize)
	}
	return NewPacketBuilder().
		WriteByte(MsgSaveFileData).
		WriteNullString(name).
		WriteInt32(int32(len(data))).
		WriteBytes(data).
		Build(), nil
}

// ReadSaveFileData parses filename\0, size:i32 and size raw bytes.
func ReadSaveFileData(r io.Reader) (SaveFileDataMsg, error) {
	var m SaveFileDataMsg
	name, err := ReadFilename(r)
	if err != nil {
		return m, err
	}
	size, err := readInt32(r)
	if err != nil {
		return m, wrapRead("save file size", err)
	}
	if size < 0 || size > MaxSaveFileSize {
		return m, fmt.Errorf("%w: %s declares %d bytes (max %d)", ErrSaveFileTooLarge, name, size, MaxSaveFileSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return m, wrapRead("save file data", err)
	}
	m.Name = name
	m.Data = data
	return m, nil
}

// EncodeRequestSaveFileData builds a RequestSaveFileData message.
func EncodeRequestSaveFileData(name string) ([]byte, error) {
	if err := checkFilename(name); err != nil {
		return nil, err
	}
	return NewPacketBuilder().
		WriteByte(MsgRequestSaveFileData).
		WriteNullString(name).
		Build(), nil
}

// ReadFilename parses a NUL-terminated filename.
func ReadFilename(r io.Reader) (string, error) {
	name, err := readNullString(r, MaxFilenameSize)
	if err != nil {
		return "", wrapRead("filename", err)
	}
	return name, nil
}

// ReadPlayerDisconnect parses regID:i32.
func ReadPlayerDisconnect(r io.Reader) (PlayerDisconnectMsg, error) {
	regID, err := readInt32(r)
	if err != nil {
		return PlayerDisconnectMsg{}, wrapRead("disconnect registration id", err)
	}
	return PlayerDisconnectMsg{RegID: regID}, nil
}

// EncodePlayerDisconnect builds a PlayerDisconnect message.
func EncodePlayerDisconnect(regID int32) []byte {
	return NewPacketBuilder().
		WriteByte(MsgPlayerDisconnect).
		WriteInt32(regID).
		Build()
}

func checkFilename(name string) error {
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("filename %q contains NUL", name)
	}
	if len(name) > MaxFilenameSize {
		return ErrFilenameTooLong
	}
	return nil
}
