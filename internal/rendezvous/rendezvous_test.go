package rendezvous

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netplay64/netplay64/internal/db"
	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/protocol"
)

func startRendezvous(t *testing.T, bus *events.EventBus) *Client {
	t.Helper()
	store, err := db.NewRoomStore(filepath.Join(t.TempDir(), "rooms.db"), 6, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ServerConfig{ListenAddr: "127.0.0.1:0"}, store, bus)
	require.NoError(t, srv.Listen(ctx))

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("rendezvous server did not stop")
		}
		store.Close()
	})

	return NewClient(fmt.Sprintf("127.0.0.1:%d", srv.Port()), 2*time.Second)
}

func TestRegisterLookupUnregister(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	assigned := bus.Channel("test", 1, events.EventRoomCodeAssigned)

	c := startRendezvous(t, bus)
	ctx := context.Background()

	code, err := c.Register(ctx, 45123, "basement")
	require.NoError(t, err)

	select {
	case ev := <-assigned:
		assert.Equal(t, code, ev.Payload.(events.RoomCodePayload).Code)
	case <-time.After(2 * time.Second):
		t.Fatal("no room code event")
	}

	room, err := c.Lookup(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", room.Host)
	assert.Equal(t, 45123, room.Port)
	assert.Equal(t, "127.0.0.1:45123", room.Addr())

	ok, err := c.Unregister(ctx, code)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = c.Lookup(ctx, code)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestLookupUnknownCode(t *testing.T) {
	c := startRendezvous(t, nil)

	_, err := c.Lookup(context.Background(), 999999)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRegisterInvalidPort(t *testing.T) {
	c := startRendezvous(t, nil)

	_, err := c.Register(context.Background(), 0, "nope")
	assert.ErrorIs(t, err, ErrRegisterRefused)
}

func TestMalformedRequestIsDropped(t *testing.T) {
	c := startRendezvous(t, nil)

	conn, err := net.Dial("tcp", c.addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(protocol.NewPacketBuilder().WriteInt32(77).Build())
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)

	// the server keeps serving
	_, err = c.Lookup(context.Background(), 123456)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestClientUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewClient(addr, time.Second).Lookup(context.Background(), 1)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrRoomNotFound)
}
