// Package session holds the authoritative in-memory state of one hosted
// netplay session: the player slot table, the core settings, stored save
// files and the buffer target.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/protocol"
)

var (
	// ErrInvalidSlot is returned for a player slot outside 0..MaxPlayers-1.
	ErrInvalidSlot = errors.New("invalid player slot")
	// ErrFileUnavailable is returned when a save file did not arrive within
	// the polling bound.
	ErrFileUnavailable = errors.New("save file unavailable")
)

// Default polling bound for WaitForFile.
const (
	DefaultFilePollAttempts = 100
	DefaultFilePollInterval = 100 * time.Millisecond
)

// PlayerData is one entry of the slot table. A zero RegID marks a free slot.
type PlayerData struct {
	RegID  int32 `json:"reg_id"`
	Plugin byte  `json:"plugin"`
	Raw    bool  `json:"raw"`
}

// Registered reports whether the slot is held.
func (p PlayerData) Registered() bool {
	return p.RegID != 0
}

// RegistrationResult is the outcome of RegisterPlayer.
type RegistrationResult struct {
	Accepted     bool
	BufferTarget int
}

// Options configures a State.
type Options struct {
	BufferTarget     int
	FilePollAttempts int
	FilePollInterval time.Duration
	Settings         protocol.CoreSettings
	Bus              *events.EventBus
}

// Snapshot is a consistent copy of the session for display.
type Snapshot struct {
	Players      [protocol.MaxPlayers]PlayerData `json:"players"`
	Settings     protocol.CoreSettings           `json:"settings"`
	Files        map[string]int                  `json:"files"`
	BufferTarget int                             `json:"buffer_target"`
}

// State is the per-session authoritative state. All access goes through a
// single mutex.
type State struct {
	mu       sync.Mutex
	players  [protocol.MaxPlayers]PlayerData
	settings protocol.CoreSettings
	files    map[string][]byte

	bufferTarget int
	pollAttempts int
	pollInterval time.Duration

	bus    *events.EventBus
	logger zerolog.Logger
}

// NewState creates the state for one hosted session.
func NewState(opts Options) *State {
	if opts.FilePollAttempts <= 0 {
		opts.FilePollAttempts = DefaultFilePollAttempts
	}
	if opts.FilePollInterval <= 0 {
		opts.FilePollInterval = DefaultFilePollInterval
	}
	return &State{
		settings:     opts.Settings,
		files:        make(map[string][]byte),
		bufferTarget: opts.BufferTarget,
		pollAttempts: opts.FilePollAttempts,
		pollInterval: opts.FilePollInterval,
		bus:          opts.Bus,
		logger:       log.With().Str("component", "session").Logger(),
	}
}

// RegisterPlayer binds regID to slot. The first registration of a slot
// wins; a repeat with the same regID is accepted without change and any
// other regID is rejected in-band. The reserved ID 0 marks a free slot and
// is always rejected in-band. Only slot 0 may use the memory pak, so other
// slots asking for it are given the rumble pak instead.
func (s *State) RegisterPlayer(slot int, regID int32, plugin byte, raw bool) (RegistrationResult, error) {
	if slot < 0 || slot >= protocol.MaxPlayers {
		return RegistrationResult{}, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	if regID == 0 {
		s.logger.Warn().Int("slot", slot).Msg("registration id 0 is reserved, registration rejected")
		return RegistrationResult{BufferTarget: s.BufferTarget()}, nil
	}
	if slot != 0 && plugin == protocol.PluginMemPak {
		plugin = protocol.PluginRumblePak
	}

	s.mu.Lock()
	current := s.players[slot]
	result := RegistrationResult{BufferTarget: s.bufferTarget}
	fresh := false
	switch {
	case !current.Registered():
		s.players[slot] = PlayerData{RegID: regID, Plugin: plugin, Raw: raw}
		result.Accepted = true
		fresh = true
	case current.RegID == regID:
		result.Accepted = true
	}
	s.mu.Unlock()

	if fresh {
		s.logger.Info().
			Int("slot", slot).
			Int32("reg_id", regID).
			Uint8("plugin", plugin).
			Bool("raw", raw).
			Msg("player registered")
		s.emit(events.EventPlayerRegistered, events.PlayerPayload{Slot: slot, RegID: regID, Plugin: plugin, Raw: raw})
	} else if !result.Accepted {
		s.logger.Warn().
			Int("slot", slot).
			Int32("reg_id", regID).
			Int32("holder", current.RegID).
			Msg("slot already taken, registration rejected")
	}
	return result, nil
}

// RemovePlayer frees every slot held by regID and reports whether any was.
func (s *State) RemovePlayer(regID int32) bool {
	if regID == 0 {
		return false
	}

	var freed []events.PlayerPayload
	s.mu.Lock()
	for slot, p := range s.players {
		if p.RegID == regID {
			freed = append(freed, events.PlayerPayload{Slot: slot, RegID: regID, Plugin: p.Plugin, Raw: p.Raw})
			s.players[slot] = PlayerData{}
		}
	}
	s.mu.Unlock()

	for _, p := range freed {
		s.logger.Info().Int("slot", p.Slot).Int32("reg_id", regID).Msg("player removed")
		s.emit(events.EventPlayerRemoved, p)
	}
	return len(freed) > 0
}

// Players returns a copy of the slot table.
func (s *State) Players() [protocol.MaxPlayers]PlayerData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.players
}

// Registrations returns the slot table in its wire form.
func (s *State) Registrations() [protocol.MaxPlayers]protocol.Registration {
	var regs [protocol.MaxPlayers]protocol.Registration
	for i, p := range s.Players() {
		regs[i] = protocol.Registration{RegID: p.RegID, Plugin: p.Plugin, Raw: p.Raw}
	}
	return regs
}

// UpdateSettings overwrites the core settings. Any peer may do this; there
// is no sender check.
func (s *State) UpdateSettings(settings protocol.CoreSettings) {
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()

	s.logger.Debug().Interface("settings", settings).Msg("core settings updated")
	s.emit(events.EventSettingsUpdated, events.SettingsPayload{Settings: settings})
}

// Settings returns the current core settings.
func (s *State) Settings() protocol.CoreSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// AddFile stores a save file, replacing any earlier copy.
func (s *State) AddFile(name string, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.files[name] = buf
	s.mu.Unlock()

	s.logger.Info().Str("file", name).Int("size", len(buf)).Msg("save file stored")
	s.emit(events.EventSaveFileStored, events.SaveFilePayload{Name: name, Size: len(buf)})
}

// File returns a stored save file.
func (s *State) File(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	return data, ok
}

// WaitForFile polls for a save file that may still be in flight on another
// connection. It gives up with ErrFileUnavailable after the configured
// number of attempts.
func (s *State) WaitForFile(ctx context.Context, name string) ([]byte, error) {
	for attempt := 0; attempt < s.pollAttempts; attempt++ {
		if data, ok := s.File(name); ok {
			return data, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrFileUnavailable, name, s.pollAttempts)
}

// FileNames returns the stored save file names in sorted order.
func (s *State) FileNames() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.files))
	for name := range s.files {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

// BufferTarget returns the input buffering depth every instance must use.
func (s *State) BufferTarget() int {
	return s.bufferTarget
}

// Snapshot returns a consistent copy of the whole session.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := make(map[string]int, len(s.files))
	for name, data := range s.files {
		files[name] = len(data)
	}
	return Snapshot{
		Players:      s.players,
		Settings:     s.settings,
		Files:        files,
		BufferTarget: s.bufferTarget,
	}
}

func (s *State) emit(t events.EventType, payload interface{}) {
	events.Publish(context.Background(), s.bus, "session", t, payload)
}
