// Package events defines event types and enumerations for the netplay64 event system.
package events

import "github.com/netplay64/netplay64/internal/protocol"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Session (gameplay channel) events
	EventPlayerRegistered EventType = "player_registered"
	EventPlayerRemoved    EventType = "player_removed"
	EventSettingsUpdated  EventType = "settings_updated"
	EventSaveFileStored   EventType = "save_file_stored"

	// Room server events
	EventClientRegistered EventType = "client_registered"
	EventClientLeft       EventType = "client_left"
	EventGameStarted      EventType = "game_started"
	EventServerPortChange EventType = "server_port_changed"
	EventRoomCodeAssigned EventType = "room_code_assigned"

	// Joining side events
	EventServerFound      EventType = "server_found"
	EventNotice           EventType = "notice"
	EventJoinState        EventType = "join_state"
	EventJoinRegistered   EventType = "join_registered"
	EventJoinStarted      EventType = "join_started"
	EventJoinServerPort   EventType = "join_server_port"
	EventJoinDisconnected EventType = "join_disconnected"

	// Notification events
	EventNotifyMQTT EventType = "notify_mqtt"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// JoinState is the client-perceived state of joining a session.
type JoinState int

const (
	JoinDiscovering JoinState = iota
	JoinCandidateSelected
	JoinManualEntry
	JoinRegistering
	JoinWaitingForStart
	JoinPlaying
	JoinCancelled
)

// joinStateStrings maps JoinState values to their lowercase JSON string representation.
var joinStateStrings = map[JoinState]string{
	JoinDiscovering:       "discovering",
	JoinCandidateSelected: "candidate_selected",
	JoinManualEntry:       "manual_entry",
	JoinRegistering:       "registering",
	JoinWaitingForStart:   "waiting_for_start",
	JoinPlaying:           "playing",
	JoinCancelled:         "cancelled",
}

// String returns the string representation of JoinState.
func (s JoinState) String() string {
	if str, ok := joinStateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes JoinState as a JSON string (e.g. "registering").
func (s JoinState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// NoticeKind classifies a user-facing notice raised while joining.
type NoticeKind int

const (
	NoticeVersionMismatch NoticeKind = iota + 1
	NoticeRomMismatch
	NoticeConnectFailed
	NoticeCodeNotFound
	NoticeRoomFull
)

// String returns the string representation of NoticeKind.
func (k NoticeKind) String() string {
	switch k {
	case NoticeVersionMismatch:
		return "VERSION_MISMATCH"
	case NoticeRomMismatch:
		return "ROM_MISMATCH"
	case NoticeConnectFailed:
		return "CONNECT_FAILED"
	case NoticeCodeNotFound:
		return "CODE_NOT_FOUND"
	case NoticeRoomFull:
		return "ROOM_FULL"
	default:
		return "UNKNOWN"
	}
}

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// PlayerPayload accompanies EventPlayerRegistered and EventPlayerRemoved.
type PlayerPayload struct {
	Slot   int
	RegID  int32
	Plugin byte
	Raw    bool
}

// SettingsPayload accompanies EventSettingsUpdated.
type SettingsPayload struct {
	Settings protocol.CoreSettings
}

// SaveFilePayload accompanies EventSaveFileStored.
type SaveFilePayload struct {
	Name string
	Size int
}

// RoomClientPayload accompanies EventClientRegistered and EventClientLeft.
type RoomClientPayload struct {
	RegID      int32
	Player     int32
	DeviceName string
	RemoteAddr string
}

// GameStartedPayload accompanies EventGameStarted.
type GameStartedPayload struct {
	Clients int
}

// ServerPortPayload accompanies EventServerPortChange and EventJoinServerPort.
type ServerPortPayload struct {
	Port int32
}

// RoomCodePayload accompanies EventRoomCodeAssigned.
type RoomCodePayload struct {
	Code int32
}

// ServerFoundPayload accompanies EventServerFound.
type ServerFoundPayload struct {
	Version  int32
	ServerID int32
	Name     string
	RomMD5   string
	Host     string
	Port     int
}

// NoticePayload accompanies EventNotice.
type NoticePayload struct {
	Kind    NoticeKind
	Message string
}

// JoinStatePayload accompanies EventJoinState. Handlers run concurrently,
// so transitions may be delivered out of order; Seq increases by one per
// transition and the payload with the highest Seq carries the current
// state.
type JoinStatePayload struct {
	Seq  uint64
	From JoinState
	To   JoinState
}

// JoinRegisteredPayload accompanies EventJoinRegistered. GameplayAddr is the
// host:port of the gameplay channel.
type JoinRegisteredPayload struct {
	RegID        int32
	Player       int32
	GameplayAddr string
	VideoPlugin  string
	RSPPlugin    string
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
