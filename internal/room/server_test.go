package room

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/protocol"
)

const testMD5 = "0123456789abcdef0123456789abcdef"

func startServer(t *testing.T, cfg ServerConfig, bus *events.EventBus, setup ...func(*Server)) *Server {
	t.Helper()
	cfg.ListenAddr = "127.0.0.1:0"
	if cfg.DeviceName == "" {
		cfg.DeviceName = "host"
	}
	if cfg.RomMD5 == "" {
		cfg.RomMD5 = testMD5
	}
	if cfg.GameplayPort == 0 {
		cfg.GameplayPort = 45100
	}

	srv := NewServer(cfg, bus)
	for _, fn := range setup {
		fn(srv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, srv.Listen(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		srv.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("room server did not stop")
		}
	})
	return srv
}

func roomAddr(srv *Server) string {
	return fmt.Sprintf("127.0.0.1:%d", srv.Port())
}

func dialRoom(t *testing.T, srv *Server) *Client {
	t.Helper()
	c, err := Dial(context.Background(), roomAddr(srv))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func recv(t *testing.T, c *Client) protocol.RoomMessage {
	t.Helper()
	select {
	case msg, ok := <-c.Messages():
		require.True(t, ok, "room connection closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for room message")
		return nil
	}
}

func registerClient(t *testing.T, srv *Server, name string) (*Client, protocol.RoomRegistrationMsg) {
	t.Helper()
	c := dialRoom(t, srv)
	require.NoError(t, c.Register(name))
	reg, ok := recv(t, c).(protocol.RoomRegistrationMsg)
	require.True(t, ok)
	return c, reg
}

func TestRoomDataReply(t *testing.T) {
	srv := startServer(t, ServerConfig{DeviceName: "den"}, nil)
	c := dialRoom(t, srv)

	require.NoError(t, c.RequestRoomData())
	data, ok := recv(t, c).(protocol.RoomDataMsg)
	require.True(t, ok)
	assert.Equal(t, protocol.NetplayVersion, data.Version)
	assert.Equal(t, "den", data.DeviceName)
	assert.Equal(t, testMD5, data.RomMD5)
}

func TestRegisterAssignsSlotsInOrder(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	registered := bus.Channel("test", 4, events.EventClientRegistered)

	srv := startServer(t, ServerConfig{VideoPlugin: "GLideN64", RSPPlugin: "parallel"}, bus)

	_, first := registerClient(t, srv, "alice")
	_, second := registerClient(t, srv, "bob")

	assert.Equal(t, int32(1), first.Player)
	assert.Equal(t, int32(2), second.Player)
	assert.NotEqual(t, first.RegID, second.RegID)
	assert.Equal(t, int32(45100), first.ServerPort)
	assert.Equal(t, "GLideN64", first.VideoPlugin)
	assert.Equal(t, "parallel", first.RSPPlugin)

	clients := srv.Clients()
	require.Len(t, clients, 2)
	assert.Equal(t, "alice", clients[0].DeviceName)
	assert.Equal(t, "bob", clients[1].DeviceName)

	for i := 0; i < 2; i++ {
		select {
		case ev := <-registered:
			assert.IsType(t, events.RoomClientPayload{}, ev.Payload)
		case <-time.After(2 * time.Second):
			t.Fatal("missing registration event")
		}
	}
}

func TestRegisterTwiceKeepsSlot(t *testing.T) {
	srv := startServer(t, ServerConfig{}, nil)
	c, first := registerClient(t, srv, "alice")

	require.NoError(t, c.Register("alice"))
	again, ok := recv(t, c).(protocol.RoomRegistrationMsg)
	require.True(t, ok)
	assert.Equal(t, first, again)
}

func TestRoomFull(t *testing.T) {
	srv := startServer(t, ServerConfig{}, nil)
	for i := 1; i < protocol.MaxPlayers; i++ {
		_, reg := registerClient(t, srv, fmt.Sprintf("p%d", i))
		assert.Equal(t, int32(i), reg.Player)
	}

	_, reg := registerClient(t, srv, "late")
	assert.Equal(t, protocol.NoPlayer, reg.Player)
	assert.NotZero(t, reg.RegID)
}

func TestRegIDCollisionIsRetried(t *testing.T) {
	ids := []int32{0, 7, 7, 0, 9}
	var next atomic.Int32
	srv := startServer(t, ServerConfig{}, nil, func(s *Server) {
		s.randID = func() int32 {
			i := next.Add(1) - 1
			return ids[int(i)%len(ids)]
		}
	})

	_, first := registerClient(t, srv, "a")
	_, second := registerClient(t, srv, "b")
	assert.Equal(t, int32(7), first.RegID)
	assert.Equal(t, int32(9), second.RegID)
}

func TestLeaveFreesSlot(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	left := bus.Channel("test", 1, events.EventClientLeft)

	srv := startServer(t, ServerConfig{}, bus)
	first, reg := registerClient(t, srv, "alice")
	registerClient(t, srv, "bob")

	require.NoError(t, first.Leave())
	require.Eventually(t, func() bool { return len(srv.Clients()) == 1 }, 2*time.Second, 10*time.Millisecond)

	select {
	case ev := <-left:
		p := ev.Payload.(events.RoomClientPayload)
		assert.Equal(t, reg.RegID, p.RegID)
		assert.Equal(t, int32(1), p.Player)
	case <-time.After(2 * time.Second):
		t.Fatal("missing leave event")
	}

	_, again := registerClient(t, srv, "carol")
	assert.Equal(t, int32(1), again.Player)
}

func TestDisconnectWithoutRegisteringIsQuiet(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	left := bus.Channel("test", 1, events.EventClientLeft)

	srv := startServer(t, ServerConfig{}, bus)
	c := dialRoom(t, srv)
	require.Eventually(t, func() bool { return len(srv.Clients()) == 1 }, 2*time.Second, 10*time.Millisecond)
	c.Close()
	require.Eventually(t, func() bool { return len(srv.Clients()) == 0 }, 2*time.Second, 10*time.Millisecond)

	select {
	case <-left:
		t.Fatal("unregistered client must not emit a leave event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStartGameAndPortChange(t *testing.T) {
	srv := startServer(t, ServerConfig{}, nil)
	c, _ := registerClient(t, srv, "alice")

	ctx := context.Background()
	require.NoError(t, srv.StartGame(ctx))
	assert.True(t, srv.Started())
	assert.IsType(t, protocol.StartPlayMsg{}, recv(t, c))
	assert.ErrorIs(t, srv.StartGame(ctx), ErrAlreadyStarted)

	_, err := Dial(ctx, roomAddr(srv))
	assert.Error(t, err, "listener closes once the game starts")

	srv.UpdateServerPort(ctx, 46000)
	port, ok := recv(t, c).(protocol.ServerPortMsg)
	require.True(t, ok)
	assert.Equal(t, int32(46000), port.Port)

	require.NoError(t, c.Register("alice"))
	reg, ok := recv(t, c).(protocol.RoomRegistrationMsg)
	require.True(t, ok)
	assert.Equal(t, int32(46000), reg.ServerPort)
}

type countingAdvertiser struct {
	n atomic.Int32
}

func (a *countingAdvertiser) Announce(context.Context) error {
	a.n.Add(1)
	return nil
}

func TestAdvertiseUntilStart(t *testing.T) {
	srv := startServer(t, ServerConfig{
		AnnounceInitial:  5 * time.Millisecond,
		AnnounceInterval: 5 * time.Millisecond,
	}, nil)

	adv := &countingAdvertiser{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Advertise(context.Background(), adv)
	}()

	require.Eventually(t, func() bool { return adv.n.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, srv.StartGame(context.Background()))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("advertising did not stop after start")
	}
}
