package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netplay64/netplay64/internal/protocol"
	"github.com/netplay64/netplay64/internal/session"
)

type harness struct {
	state  *session.State
	server *GameplayServer
	addr   string
}

func startServer(t *testing.T, opts session.Options) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	state := session.NewState(opts)
	srv := NewGameplayServer("127.0.0.1:0", state)
	require.NoError(t, srv.Listen(ctx))

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("gameplay server did not stop")
		}
	})

	return &harness{state: state, server: srv, addr: fmt.Sprintf("127.0.0.1:%d", srv.Port())}
}

func (h *harness) dial(t *testing.T) *GameplayClient {
	t.Helper()
	c, err := DialGameplay(context.Background(), h.addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRegistrationOverWire(t *testing.T) {
	h := startServer(t, session.Options{BufferTarget: 3})
	a := h.dial(t)
	b := h.dial(t)

	accepted, target, err := a.RegisterPlayer(0, protocol.PluginMemPak, false, 1001)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, 3, target)

	// same slot, other id
	accepted, _, err = b.RegisterPlayer(0, protocol.PluginNone, false, 2002)
	require.NoError(t, err)
	assert.False(t, accepted)

	accepted, _, err = b.RegisterPlayer(1, protocol.PluginMemPak, true, 2002)
	require.NoError(t, err)
	assert.True(t, accepted)

	regs, err := b.Registrations()
	require.NoError(t, err)
	assert.Equal(t, protocol.Registration{RegID: 1001, Plugin: protocol.PluginMemPak}, regs[0])
	assert.Equal(t, protocol.Registration{RegID: 2002, Plugin: protocol.PluginRumblePak, Raw: true}, regs[1])
	assert.Zero(t, regs[2].RegID)
}

func TestSettingsOverWire(t *testing.T) {
	h := startServer(t, session.Options{})
	a := h.dial(t)
	b := h.dial(t)

	want := protocol.CoreSettings{CountPerOp: 2, DisableExtraMem: 1, SiDMADuration: 2304, EmuMode: 2, NoCompiledJump: 1}
	require.NoError(t, a.SendSettings(want))

	assert.Eventually(t, func() bool { return h.state.Settings() == want }, 2*time.Second, 5*time.Millisecond)
	got, err := b.RequestSettings()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSaveFileRoundTrip(t *testing.T) {
	h := startServer(t, session.Options{FilePollAttempts: 100, FilePollInterval: 10 * time.Millisecond})
	uploader := h.dial(t)
	downloader := h.dial(t)

	payload := bytes.Repeat([]byte{0x5A, 0xC3}, 16*1024)

	type result struct {
		data []byte
		err  error
	}
	res := make(chan result, 1)
	go func() {
		data, err := downloader.RequestSaveFile("ZELDA.fla", len(payload))
		res <- result{data, err}
	}()

	// the request is already pending when the file arrives
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, uploader.SendSaveFile("ZELDA.fla", payload))

	select {
	case r := <-res:
		require.NoError(t, r.err)
		assert.Equal(t, payload, r.data)
	case <-time.After(5 * time.Second):
		t.Fatal("save file never delivered")
	}
	assert.Equal(t, []string{"ZELDA.fla"}, h.state.FileNames())
}

func TestSaveFileUnavailableClosesConnection(t *testing.T) {
	h := startServer(t, session.Options{FilePollAttempts: 3, FilePollInterval: 10 * time.Millisecond})
	c := h.dial(t)

	start := time.Now()
	_, err := c.RequestSaveFile("never.eep", 512)
	assert.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestOversizeSaveFileRejected(t *testing.T) {
	h := startServer(t, session.Options{})
	conn, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer conn.Close()

	header := protocol.NewPacketBuilder().
		WriteByte(protocol.MsgSaveFileData).
		WriteNullString("huge.fla").
		WriteInt32(protocol.MaxSaveFileSize + 1).
		Build()
	_, err = conn.Write(header)
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Empty(t, h.state.FileNames())
}

func TestMalformedIDRemovesOnlyThatPlayer(t *testing.T) {
	h := startServer(t, session.Options{})
	good := h.dial(t)

	accepted, _, err := good.RegisterPlayer(0, protocol.PluginNone, false, 111)
	require.NoError(t, err)
	require.True(t, accepted)

	bad, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer bad.Close()

	_, err = bad.Write(protocol.EncodePlayerRegistration(protocol.PlayerRegistrationMsg{Player: 1, Plugin: protocol.PluginNone, RegID: 222}))
	require.NoError(t, err)
	reply := make([]byte, 2)
	_, err = io.ReadFull(bad, reply)
	require.NoError(t, err)
	require.Equal(t, byte(1), reply[0])
	require.Equal(t, int32(222), h.state.Players()[1].RegID)

	_, err = bad.Write([]byte{0xEE})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return !h.state.Players()[1].Registered()
	}, 2*time.Second, 5*time.Millisecond)

	bad.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = bad.Read(make([]byte, 1))
	assert.Error(t, err, "server should close the offending connection")

	// the other player is untouched and still served
	assert.Equal(t, int32(111), h.state.Players()[0].RegID)
	regs, err := good.Registrations()
	require.NoError(t, err)
	assert.Equal(t, int32(111), regs[0].RegID)
}

func TestDisconnectReleasesSlot(t *testing.T) {
	h := startServer(t, session.Options{})
	c := h.dial(t)

	accepted, _, err := c.RegisterPlayer(2, protocol.PluginNone, false, 77)
	require.NoError(t, err)
	require.True(t, accepted)

	require.NoError(t, c.Disconnect(77))
	assert.Eventually(t, func() bool { return !h.state.Players()[2].Registered() }, 2*time.Second, 5*time.Millisecond)
}

func TestCloseReleasesRegistrations(t *testing.T) {
	h := startServer(t, session.Options{})
	c := h.dial(t)

	accepted, _, err := c.RegisterPlayer(3, protocol.PluginNone, false, 88)
	require.NoError(t, err)
	require.True(t, accepted)
	require.Len(t, h.server.Connections(), 1)

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		return !h.state.Players()[3].Registered() && len(h.server.Connections()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInvalidSlotClosesConnection(t *testing.T) {
	h := startServer(t, session.Options{})
	c := h.dial(t)

	_, _, err := c.RegisterPlayer(9, protocol.PluginNone, false, 5)
	assert.Error(t, err)
}

func TestReconnectKeepsSlot(t *testing.T) {
	h := startServer(t, session.Options{})
	stale := h.dial(t)

	accepted, _, err := stale.RegisterPlayer(1, protocol.PluginNone, false, 42)
	require.NoError(t, err)
	require.True(t, accepted)

	// the same client re-confirms its ID over a fresh socket
	fresh := h.dial(t)
	accepted, _, err = fresh.RegisterPlayer(1, protocol.PluginNone, false, 42)
	require.NoError(t, err)
	require.True(t, accepted)

	require.NoError(t, stale.Close())
	require.Eventually(t, func() bool { return len(h.server.Connections()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Never(t, func() bool { return !h.state.Players()[1].Registered() }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, int32(42), h.state.Players()[1].RegID)

	conns := h.server.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, []int32{42}, conns[0].RegIDs)

	// the new owner still releases the slot when it goes away
	require.NoError(t, fresh.Close())
	assert.Eventually(t, func() bool { return !h.state.Players()[1].Registered() }, 2*time.Second, 5*time.Millisecond)
}

func TestZeroRegIDRejectedInBand(t *testing.T) {
	h := startServer(t, session.Options{BufferTarget: 4})
	c := h.dial(t)

	accepted, target, err := c.RegisterPlayer(0, protocol.PluginNone, false, 0)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, 4, target)
	assert.False(t, h.state.Players()[0].Registered())

	// the connection stays usable
	accepted, _, err = c.RegisterPlayer(0, protocol.PluginNone, false, 7)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Len(t, h.server.Connections(), 1)
}
