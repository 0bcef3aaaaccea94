package session

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/protocol"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	return NewState(Options{BufferTarget: 2, FilePollAttempts: 5, FilePollInterval: 10 * time.Millisecond})
}

func TestRegisterFirstWins(t *testing.T) {
	s := newTestState(t)

	res, err := s.RegisterPlayer(1, 100, protocol.PluginNone, false)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, 2, res.BufferTarget)

	res, err = s.RegisterPlayer(1, 200, protocol.PluginNone, false)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, int32(100), s.Players()[1].RegID)
}

func TestRegisterIdempotent(t *testing.T) {
	s := newTestState(t)

	_, err := s.RegisterPlayer(2, 7, protocol.PluginRumblePak, true)
	require.NoError(t, err)
	before := s.Players()

	res, err := s.RegisterPlayer(2, 7, protocol.PluginNone, false)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, before, s.Players())
}

func TestMemPakRewrite(t *testing.T) {
	s := newTestState(t)

	_, err := s.RegisterPlayer(0, 1, protocol.PluginMemPak, false)
	require.NoError(t, err)
	for slot := 1; slot < protocol.MaxPlayers; slot++ {
		_, err := s.RegisterPlayer(slot, int32(slot+1), protocol.PluginMemPak, false)
		require.NoError(t, err)
	}

	players := s.Players()
	assert.Equal(t, protocol.PluginMemPak, players[0].Plugin)
	for slot := 1; slot < protocol.MaxPlayers; slot++ {
		assert.Equal(t, protocol.PluginRumblePak, players[slot].Plugin, "slot %d", slot)
	}
}

func TestRegisterInvalid(t *testing.T) {
	s := newTestState(t)

	_, err := s.RegisterPlayer(4, 1, protocol.PluginNone, false)
	assert.ErrorIs(t, err, ErrInvalidSlot)
	_, err = s.RegisterPlayer(-1, 1, protocol.PluginNone, false)
	assert.ErrorIs(t, err, ErrInvalidSlot)
}

func TestRegisterZeroIDRejectedInBand(t *testing.T) {
	s := newTestState(t)

	res, err := s.RegisterPlayer(0, 0, protocol.PluginNone, false)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, 2, res.BufferTarget)
	assert.False(t, s.Players()[0].Registered())

	// the slot is still free for a real ID
	res, err = s.RegisterPlayer(0, 9, protocol.PluginNone, false)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestRemovePlayer(t *testing.T) {
	s := newTestState(t)

	_, err := s.RegisterPlayer(0, 11, protocol.PluginNone, false)
	require.NoError(t, err)
	_, err = s.RegisterPlayer(3, 11, protocol.PluginNone, false)
	require.NoError(t, err)
	_, err = s.RegisterPlayer(1, 22, protocol.PluginNone, false)
	require.NoError(t, err)

	assert.True(t, s.RemovePlayer(11))
	assert.False(t, s.RemovePlayer(11))

	players := s.Players()
	assert.False(t, players[0].Registered())
	assert.False(t, players[3].Registered())
	assert.Equal(t, int32(22), players[1].RegID)

	// freed slot can be taken again
	res, err := s.RegisterPlayer(0, 33, protocol.PluginNone, false)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestConcurrentRegistration(t *testing.T) {
	for round := 0; round < 50; round++ {
		s := newTestState(t)
		ids := [protocol.MaxPlayers]int32{}
		for i := range ids {
			ids[i] = int32(i+1)*1000 + rand.Int32N(1000)
		}

		var wg sync.WaitGroup
		for slot := 0; slot < protocol.MaxPlayers; slot++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				time.Sleep(time.Duration(rand.IntN(200)) * time.Microsecond)
				res, err := s.RegisterPlayer(slot, ids[slot], protocol.PluginNone, slot%2 == 0)
				assert.NoError(t, err)
				assert.True(t, res.Accepted)
			}()
		}
		wg.Wait()

		players := s.Players()
		for slot, p := range players {
			assert.Equal(t, ids[slot], p.RegID, "round %d slot %d", round, slot)
			assert.Equal(t, slot%2 == 0, p.Raw)
		}
	}
}

func TestSettings(t *testing.T) {
	s := newTestState(t)
	want := protocol.CoreSettings{CountPerOp: 2, SiDMADuration: 2304, EmuMode: 1}
	s.UpdateSettings(want)
	assert.Equal(t, want, s.Settings())
}

func TestFiles(t *testing.T) {
	s := newTestState(t)

	data := []byte{1, 2, 3}
	s.AddFile("b.eep", data)
	s.AddFile("a.sra", nil)
	data[0] = 9

	got, ok := s.File("b.eep")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, got)
	assert.Equal(t, []string{"a.sra", "b.eep"}, s.FileNames())

	_, ok = s.File("missing")
	assert.False(t, ok)

	snap := s.Snapshot()
	assert.Equal(t, map[string]int{"a.sra": 0, "b.eep": 3}, snap.Files)
}

func TestWaitForFileArrives(t *testing.T) {
	s := NewState(Options{FilePollAttempts: 50, FilePollInterval: 10 * time.Millisecond})

	go func() {
		time.Sleep(30 * time.Millisecond)
		s.AddFile("late.fla", []byte("late"))
	}()

	data, err := s.WaitForFile(context.Background(), "late.fla")
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), data)
}

func TestWaitForFileBounded(t *testing.T) {
	s := newTestState(t)

	start := time.Now()
	_, err := s.WaitForFile(context.Background(), "never.fla")
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrFileUnavailable)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestWaitForFileCancelled(t *testing.T) {
	s := NewState(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.WaitForFile(ctx, "never.fla")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStateEmitsEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	ch := bus.Channel("test", 8, events.EventPlayerRegistered, events.EventPlayerRemoved, events.EventSaveFileStored)

	s := NewState(Options{Bus: bus})
	_, err := s.RegisterPlayer(1, 5, protocol.PluginMemPak, false)
	require.NoError(t, err)

	ev := receive(t, ch)
	assert.Equal(t, events.EventPlayerRegistered, ev.Type)
	assert.Equal(t, events.PlayerPayload{Slot: 1, RegID: 5, Plugin: protocol.PluginRumblePak}, ev.Payload)

	s.RemovePlayer(5)
	ev = receive(t, ch)
	assert.Equal(t, events.EventPlayerRemoved, ev.Type)
}

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}
