// Package protocol implements the binary wire formats used by netplay64:
// the gameplay channel (1-byte message IDs), the room-negotiation channel
// (4-byte message IDs with fixed-width string fields), the rendezvous
// request/response protocol and the LAN discovery announcement.
// All integers are big-endian.
package protocol

import (
	"errors"
	"fmt"
)

// NetplayVersion is the compiled-in protocol revision. Peers must match it
// exactly; there is no partial compatibility between revisions.
const NetplayVersion int32 = 17

// Gameplay channel message IDs (1 byte).
const (
	MsgSaveFileData              byte = 1 // filename\0, size:i32, size bytes
	MsgRequestSaveFileData       byte = 2 // filename\0 -> raw file bytes
	MsgSettingsUpdate            byte = 3 // five i32 core settings
	MsgRequestSettings           byte = 4 // -> five i32 core settings
	MsgPlayerRegistration        byte = 5 // player:u8, plugin:u8, raw:u8, regID:i32 -> accepted:u8, buffer:u8
	MsgRequestPlayerRegistration byte = 6 // -> 4 x {regID:i32, plugin:u8, raw:u8}
	MsgPlayerDisconnect          byte = 7 // regID:i32
)

// Room-negotiation channel message IDs (4 bytes).
const (
	RoomGetRoomData    int32 = 1 // client -> server, no body
	RoomRegisterToRoom int32 = 2 // client -> server, device name
	RoomLeaveRoom      int32 = 3 // client -> server, no body
	RoomData           int32 = 4 // server -> client, reply to RoomGetRoomData
	RoomRegistration   int32 = 5 // server -> client, pushed after RoomRegisterToRoom
	RoomStartPlay      int32 = 6 // server -> client, no body
	RoomServerPort     int32 = 7 // server -> client, gameplay port changed
)

// Fixed field widths on the room-negotiation channel. Strings are
// NUL-padded to exactly this many bytes.
const (
	NameFieldSize   = 64
	MD5FieldSize    = 64
	PluginFieldSize = 64
	HostFieldSize   = 64
)

// MaxPlayers is the number of player slots in a session.
const MaxPlayers = 4

// MaxSaveFileSize bounds the size of a transferred save file.
const MaxSaveFileSize = 512 * 1024

// MaxFilenameSize bounds a NUL-terminated filename on the gameplay channel.
const MaxFilenameSize = 1024

// Controller plugin selectors carried in PlayerRegistration.
const (
	PluginNone        byte = 1
	PluginMemPak      byte = 2 // controller (expansion) memory pak
	PluginRumblePak   byte = 3
	PluginTransferPak byte = 4
	PluginRaw         byte = 5
)

// PluginName returns a display name for a controller plugin selector.
func PluginName(plugin byte) string {
	switch plugin {
	case PluginNone:
		return "none"
	case PluginMemPak:
		return "mempak"
	case PluginRumblePak:
		return "rumblepak"
	case PluginTransferPak:
		return "transferpak"
	case PluginRaw:
		return "raw"
	}
	return fmt.Sprintf("unknown(%d)", plugin)
}

// NoPlayer is pushed as the player number of a Registration when the room
// is full, and returned as the port of a rendezvous lookup miss.
const NoPlayer int32 = -1

var (
	// ErrUnknownMessage is returned for a message ID the codec does not know.
	ErrUnknownMessage = errors.New("unknown message id")
	// ErrSaveFileTooLarge is returned when a save file exceeds MaxSaveFileSize.
	ErrSaveFileTooLarge = errors.New("save file exceeds receive buffer")
	// ErrFilenameTooLong is returned when a filename is not terminated in time.
	ErrFilenameTooLong = errors.New("filename too long")
	// ErrFieldTooLong is returned when a string does not fit its fixed width.
	ErrFieldTooLong = errors.New("string exceeds fixed field width")
	// ErrBadMagic is returned for a discovery datagram from another service.
	ErrBadMagic = errors.New("bad announcement magic")
)

// CoreSettings are the emulation parameters that must be identical on every
// instance for the simulations to stay in lockstep.
type CoreSettings struct {
	CountPerOp      int32 `json:"count_per_op"`
	DisableExtraMem int32 `json:"disable_extra_mem"`
	SiDMADuration   int32 `json:"si_dma_duration"`
	EmuMode         int32 `json:"emu_mode"`
	NoCompiledJump  int32 `json:"no_compiled_jump"`
}

// Registration is one slot entry on the gameplay channel.
type Registration struct {
	RegID  int32 `json:"reg_id"`
	Plugin byte  `json:"plugin"`
	Raw    bool  `json:"raw"`
}
