package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netplay64/netplay64/internal/config"
	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/nat"
	"github.com/netplay64/netplay64/internal/protocol"
	"github.com/netplay64/netplay64/internal/room"
	"github.com/netplay64/netplay64/internal/session"
)

type stubSession struct{ snap session.Snapshot }

func (s stubSession) Snapshot() session.Snapshot { return s.snap }

type stubRoom struct {
	clients []room.ClientInfo
	started bool
}

func (r *stubRoom) Clients() []room.ClientInfo { return r.clients }
func (r *stubRoom) Started() bool             { return r.started }

func (r *stubRoom) StartGame(context.Context) error {
	if r.started {
		return room.ErrAlreadyStarted
	}
	r.started = true
	return nil
}

type stubNAT []nat.Mapping

func (n stubNAT) Mappings() []nat.Mapping { return n }

func run(t *testing.T, host Host, bus *events.EventBus, input ...string) (string, *config.Config) {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	var out bytes.Buffer
	c := NewCLI(cfg, bus, host, strings.NewReader(strings.Join(input, "\n")+"\n"), &out)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Start(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("console did not stop at end of input")
	}
	return out.String(), cfg
}

func testHost() (Host, *stubRoom) {
	snap := session.Snapshot{
		BufferTarget: 2,
		Settings:     protocol.CoreSettings{CountPerOp: 2, SiDMADuration: 2304},
		Files:        map[string]int{"mario.eep": 512, "a.sra": 32768},
	}
	snap.Players[0] = session.PlayerData{RegID: 77, Plugin: protocol.PluginMemPak}
	rm := &stubRoom{clients: []room.ClientInfo{
		{RegID: 11, Player: 1, DeviceName: "guest-one", RemoteAddr: "192.0.2.5:50000"},
		{RegID: 12, DeviceName: "lurker", RemoteAddr: "192.0.2.6:50001"},
	}}
	return Host{Session: stubSession{snap: snap}, Room: rm}, rm
}

func TestTables(t *testing.T) {
	host, _ := testHost()
	out, _ := run(t, host, nil, "players", "clients", "settings", "files")

	assert.Contains(t, out, "mempak")
	assert.Contains(t, out, "77")
	assert.Contains(t, out, "Buffer target: 2")
	assert.Contains(t, out, "guest-one")
	assert.Contains(t, out, "lurker")
	assert.Contains(t, out, "2304")
	assert.Contains(t, out, "32768")
	assert.Less(t, strings.Index(out, "a.sra"), strings.Index(out, "mario.eep"))
}

func TestCodeAndNAT(t *testing.T) {
	host, _ := testHost()
	out, _ := run(t, host, nil, "code", "nat")
	assert.Contains(t, out, "No room code assigned.")
	assert.Contains(t, out, "NAT-PMP is disabled.")

	host.RoomCode = func() int32 { return 482913 }
	host.NAT = stubNAT{{Protocol: "tcp", InternalPort: 45000, ExternalPort: 45010, ExternalIP: "203.0.113.9"}}
	out, _ = run(t, host, nil, "code", "nat")
	assert.Contains(t, out, "Room code: 482913")
	assert.Contains(t, out, "203.0.113.9:45010")
}

func TestStartTwice(t *testing.T) {
	host, rm := testHost()
	out, _ := run(t, host, nil, "start", "start")

	assert.True(t, rm.started)
	assert.Contains(t, out, "Game started for 2 client(s)")
	assert.Contains(t, out, "Error: the game is already running")
}

func TestSetConfig(t *testing.T) {
	host, _ := testHost()
	out, cfg := run(t, host, nil,
		"setconfig buffer_target 5",
		"setconfig device_name living room",
		"setconfig buffer_target 900",
		"setconfig nope 1",
	)

	assert.Equal(t, 5, cfg.GetNetplay().BufferTarget)
	assert.Equal(t, "living room", cfg.GetNetplay().DeviceName)
	assert.Equal(t, 2, strings.Count(out, "Error:"))
}

func TestQuitPublishesShutdown(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	shutdown := bus.Channel("test", 1, events.EventShutdown)

	host, _ := testHost()
	out, _ := run(t, host, bus, "bogus", "quit", "players")

	assert.Contains(t, out, "Unknown command: 'bogus'")
	assert.NotContains(t, out, "mempak", "commands after quit are not run")
	select {
	case ev := <-shutdown:
		assert.Equal(t, "cli", ev.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("no shutdown event")
	}
}
