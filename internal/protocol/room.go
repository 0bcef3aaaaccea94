package protocol

import (
	"fmt"
	"io"
)

// RoomMessage is a fully parsed room-negotiation message.
type RoomMessage interface {
	RoomID() int32
}

// GetRoomDataMsg asks the host for its room metadata.
type GetRoomDataMsg struct{}

// RegisterToRoomMsg asks the host for a player slot.
type RegisterToRoomMsg struct {
	DeviceName string
}

// LeaveRoomMsg tells the host the client is leaving.
type LeaveRoomMsg struct{}

// RoomDataMsg is the host's reply to GetRoomDataMsg.
type RoomDataMsg struct {
	Version    int32  `json:"version"`
	DeviceName string `json:"device_name"`
	RomMD5     string `json:"rom_md5"`
}

// RoomRegistrationMsg is pushed by the host once a client holds a slot.
// Player is NoPlayer when the room was full.
type RoomRegistrationMsg struct {
	RegID       int32  `json:"reg_id"`
	Player      int32  `json:"player"`
	ServerPort  int32  `json:"server_port"`
	VideoPlugin string `json:"video_plugin"`
	RSPPlugin   string `json:"rsp_plugin"`
}

// StartPlayMsg signals that the game begins.
type StartPlayMsg struct{}

// ServerPortMsg announces a new gameplay-channel port.
type ServerPortMsg struct {
	Port int32
}

func (GetRoomDataMsg) RoomID() int32      { return RoomGetRoomData }
func (RegisterToRoomMsg) RoomID() int32   { return RoomRegisterToRoom }
func (LeaveRoomMsg) RoomID() int32        { return RoomLeaveRoom }
func (RoomDataMsg) RoomID() int32         { return RoomData }
func (RoomRegistrationMsg) RoomID() int32 { return RoomRegistration }
func (StartPlayMsg) RoomID() int32        { return RoomStartPlay }
func (ServerPortMsg) RoomID() int32       { return RoomServerPort }

// ReadRoomID reads a 4-byte room-channel message ID. A clean end of stream
// is returned as io.EOF unwrapped.
func ReadRoomID(r io.Reader) (int32, error) {
	return readInt32(r)
}

// ReadClientRoomMessage reads one client-to-host message.
func ReadClientRoomMessage(r io.Reader) (RoomMessage, error) {
	id, err := ReadRoomID(r)
	if err != nil {
		return nil, err
	}
	switch id {
	case RoomGetRoomData:
		return GetRoomDataMsg{}, nil
	case RoomRegisterToRoom:
		name, err := ReadDeviceName(r)
		if err != nil {
			return nil, err
		}
		return RegisterToRoomMsg{DeviceName: name}, nil
	case RoomLeaveRoom:
		return LeaveRoomMsg{}, nil
	default:
		return nil, fmt.Errorf("%w: room id %d", ErrUnknownMessage, id)
	}
}

// ReadServerRoomMessage reads one host-to-client message.
func ReadServerRoomMessage(r io.Reader) (RoomMessage, error) {
	id, err := ReadRoomID(r)
	if err != nil {
		return nil, err
	}
	switch id {
	case RoomData:
		return ReadRoomData(r)
	case RoomRegistration:
		return ReadRegistration(r)
	case RoomStartPlay:
		return StartPlayMsg{}, nil
	case RoomServerPort:
		return ReadServerPort(r)
	default:
		return nil, fmt.Errorf("%w: room id %d", ErrUnknownMessage, id)
	}
}

// ReadDeviceName parses the fixed-width device name of RegisterToRoom.
func ReadDeviceName(r io.Reader) (string, error) {
	name, err := readFixedString(r, NameFieldSize)
	if err != nil {
		return "", wrapRead("device name", err)
	}
	return name, nil
}

// ReadServerPort parses the body of a ServerPort push.
func ReadServerPort(r io.Reader) (ServerPortMsg, error) {
	port, err := readInt32(r)
	if err != nil {
		return ServerPortMsg{}, wrapRead("server port", err)
	}
	return ServerPortMsg{Port: port}, nil
}

// ReadRoomData parses version:i32, device name and ROM MD5.
func ReadRoomData(r io.Reader) (RoomDataMsg, error) {
	var m RoomDataMsg
	var err error
	if m.Version, err = readInt32(r); err != nil {
		return m, wrapRead("netplay version", err)
	}
	if m.DeviceName, err = readFixedString(r, NameFieldSize); err != nil {
		return m, wrapRead("device name", err)
	}
	if m.RomMD5, err = readFixedString(r, MD5FieldSize); err != nil {
		return m, wrapRead("rom md5", err)
	}
	return m, nil
}

// ReadRegistration parses the body of a pushed Registration.
func ReadRegistration(r io.Reader) (RoomRegistrationMsg, error) {
	var m RoomRegistrationMsg
	var err error
	if m.RegID, err = readInt32(r); err != nil {
		return m, wrapRead("registration id", err)
	}
	if m.Player, err = readInt32(r); err != nil {
		return m, wrapRead("player number", err)
	}
	if m.ServerPort, err = readInt32(r); err != nil {
		return m, wrapRead("server port", err)
	}
	if m.VideoPlugin, err = readFixedString(r, PluginFieldSize); err != nil {
		return m, wrapRead("video plugin", err)
	}
	if m.RSPPlugin, err = readFixedString(r, PluginFieldSize); err != nil {
		return m, wrapRead("rsp plugin", err)
	}
	return m, nil
}

// EncodeRoomMessage serializes any room-negotiation message, ID included.
func EncodeRoomMessage(m RoomMessage) ([]byte, error) {
	b := NewPacketBuilder().WriteInt32(m.RoomID())
	switch v := m.(type) {
	case GetRoomDataMsg, LeaveRoomMsg, StartPlayMsg:
	case RegisterToRoomMsg:
		if !FitsField(v.DeviceName, NameFieldSize) {
			return nil, fmt.Errorf("%w: device name %q", ErrFieldTooLong, v.DeviceName)
		}
		b.WriteFixedString(v.DeviceName, NameFieldSize)
	case RoomDataMsg:
		if !FitsField(v.DeviceName, NameFieldSize) || !FitsField(v.RomMD5, MD5FieldSize) {
			return nil, fmt.Errorf("%w: room data", ErrFieldTooLong)
		}
		b.WriteInt32(v.Version).
			WriteFixedString(v.DeviceName, NameFieldSize).
			WriteFixedString(v.RomMD5, MD5FieldSize)
	case RoomRegistrationMsg:
		if !FitsField(v.VideoPlugin, PluginFieldSize) || !FitsField(v.RSPPlugin, PluginFieldSize) {
			return nil, fmt.Errorf("%w: plugin name", ErrFieldTooLong)
		}
		b.WriteInt32(v.RegID).
			WriteInt32(v.Player).
			WriteInt32(v.ServerPort).
			WriteFixedString(v.VideoPlugin, PluginFieldSize).
			WriteFixedString(v.RSPPlugin, PluginFieldSize)
	case ServerPortMsg:
		b.WriteInt32(v.Port)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, m)
	}
	return b.Build(), nil
}
