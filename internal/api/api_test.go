package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netplay64/netplay64/internal/config"
	"github.com/netplay64/netplay64/internal/db"
	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/health"
	"github.com/netplay64/netplay64/internal/protocol"
	"github.com/netplay64/netplay64/internal/room"
	"github.com/netplay64/netplay64/internal/session"
)

type fakeSession struct{ snap session.Snapshot }

func (f *fakeSession) Snapshot() session.Snapshot { return f.snap }

type fakeRoom struct {
	mu      sync.Mutex
	clients []room.ClientInfo
	started bool
}

func (f *fakeRoom) Clients() []room.ClientInfo { return f.clients }

func (f *fakeRoom) Started() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeRoom) StartGame(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return room.ErrAlreadyStarted
	}
	f.started = true
	return nil
}

type fakeJoiner struct{ state events.JoinState }

func (f *fakeJoiner) State() events.JoinState { return f.state }

func (f *fakeJoiner) Registration() (events.JoinRegisteredPayload, bool) {
	return events.JoinRegisteredPayload{}, false
}

func newTestServer(t *testing.T, opts Options, bus *events.EventBus) (*Server, *config.Config) {
	t.Helper()
	if opts.Config == nil {
		cfg, err := config.Load(t.TempDir())
		require.NoError(t, err)
		opts.Config = cfg
	}
	srv := NewServer(opts, bus)
	gin.SetMode(gin.TestMode)
	return srv, opts.Config
}

func do(t *testing.T, srv *Server, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestPing(t *testing.T) {
	srv, _ := newTestServer(t, Options{Role: "host"}, nil)

	code, body := do(t, srv, http.MethodGet, "/api/public/ping", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "host", body["role"])

	code, body = do(t, srv, http.MethodGet, "/api/public/info", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, protocol.NetplayVersion, body["netplay_version"])
}

type fakeHealth []health.Result

func (f fakeHealth) Results() []health.Result { return f }

func (f fakeHealth) Healthy() bool {
	for _, r := range f {
		if !r.Healthy {
			return false
		}
	}
	return true
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, Options{Role: "rendezvous"}, nil)
	code, body := do(t, srv, http.MethodGet, "/api/public/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["healthy"])

	checks := fakeHealth{{Name: "room_db", Healthy: true}, {Name: "listener", Healthy: false, Message: "port 45064 not accepting"}}
	srv, _ = newTestServer(t, Options{Role: "rendezvous", Health: checks}, nil)
	code, body = do(t, srv, http.MethodGet, "/api/public/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, body["healthy"])
	assert.Len(t, body["checks"], 2)
}

func TestHostRoutes(t *testing.T) {
	sess := &fakeSession{}
	sess.snap.Players[0] = session.PlayerData{RegID: 5, Plugin: protocol.PluginMemPak}
	sess.snap.Players[2] = session.PlayerData{RegID: 9, Plugin: protocol.PluginRumblePak, Raw: true}
	sess.snap.Files = map[string]int{"mario.eep": 512}

	rm := &fakeRoom{clients: []room.ClientInfo{{RegID: 9, Player: 2, DeviceName: "guest"}}}
	var roomCode int32
	srv, _ := newTestServer(t, Options{
		Role: "host",
		Host: &Host{Session: sess, Room: rm, RoomCode: func() int32 { return roomCode }},
	}, nil)

	code, body := do(t, srv, http.MethodGet, "/api/session/players", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["total"])
	players := body["players"].([]interface{})
	first := players[0].(map[string]interface{})
	assert.EqualValues(t, 0, first["slot"])
	assert.Equal(t, "mempak", first["plugin"])

	code, body = do(t, srv, http.MethodGet, "/api/session/files", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 512, body["files"].(map[string]interface{})["mario.eep"])

	code, body = do(t, srv, http.MethodGet, "/api/room/clients", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])
	assert.Equal(t, false, body["started"])

	code, _ = do(t, srv, http.MethodGet, "/api/room/code", "")
	assert.Equal(t, http.StatusNotFound, code)
	roomCode = 123456
	code, body = do(t, srv, http.MethodGet, "/api/room/code", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 123456, body["code"])

	code, body = do(t, srv, http.MethodGet, "/api/room/nat", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["enabled"])

	code, body = do(t, srv, http.MethodGet, "/api/session/connections", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["total"])
}

func TestStartGame(t *testing.T) {
	rm := &fakeRoom{}
	srv, _ := newTestServer(t, Options{Host: &Host{Session: &fakeSession{}, Room: rm}}, nil)

	code, body := do(t, srv, http.MethodPost, "/api/room/start", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "started", body["status"])
	assert.True(t, rm.Started())

	code, _ = do(t, srv, http.MethodPost, "/api/room/start", "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestRoutesNeedBackend(t *testing.T) {
	srv, _ := newTestServer(t, Options{Role: "rendezvous"}, nil)

	for _, path := range []string{"/api/session", "/api/room/clients", "/api/rooms", "/api/join/state"} {
		code, body := do(t, srv, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, code, path)
		assert.Equal(t, "endpoint not found", body["error"], path)
	}
}

func TestRoomDirectoryRoutes(t *testing.T) {
	store, err := db.NewRoomStore(filepath.Join(t.TempDir(), "rooms.db"), 6, time.Hour)
	require.NoError(t, err)
	defer store.Close()

	r, err := store.CreateRoom("198.51.100.4", 45000, "living room")
	require.NoError(t, err)

	srv, _ := newTestServer(t, Options{Role: "rendezvous", Rooms: store}, nil)

	code, body := do(t, srv, http.MethodGet, "/api/rooms", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["total"])

	code, _ = do(t, srv, http.MethodDelete, "/api/rooms/abc", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = do(t, srv, http.MethodDelete, "/api/rooms/-4", "")
	assert.Equal(t, http.StatusBadRequest, code)

	path := "/api/rooms/" + jsonNumber(r.Code)
	code, body = do(t, srv, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "deleted", body["status"])

	code, _ = do(t, srv, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNotFound, code)
}

func jsonNumber(n int32) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestJoinRoutes(t *testing.T) {
	srv, _ := newTestServer(t, Options{
		Role: "join",
		Join: &Join{Joiner: &fakeJoiner{state: events.JoinWaitingForStart}},
	}, nil)

	code, body := do(t, srv, http.MethodGet, "/api/join/state", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "waiting_for_start", body["state"])
	assert.NotContains(t, body, "registration")

	code, body = do(t, srv, http.MethodGet, "/api/join/servers", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["total"])
}

func TestSetNetplay(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	changes := bus.Channel("test", 4, events.EventConfigChanged)

	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	srv, _ := newTestServer(t, Options{Config: cfg}, bus)

	netplay := cfg.GetNetplay()
	netplay.DeviceName = "couch"
	data, err := json.Marshal(netplay)
	require.NoError(t, err)

	code, _ := do(t, srv, http.MethodPost, "/api/configure/netplay", string(data))
	require.Equal(t, http.StatusOK, code)
	select {
	case ev := <-changes:
		assert.Equal(t, "netplay", ev.Payload.(events.ConfigChangedPayload).Section)
	case <-time.After(2 * time.Second):
		t.Fatal("no config change event")
	}

	reloaded, err := config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "couch", reloaded.GetNetplay().DeviceName)

	netplay.BufferTarget = 300
	data, err = json.Marshal(netplay)
	require.NoError(t, err)
	code, body := do(t, srv, http.MethodPost, "/api/configure/netplay", string(data))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.NotEmpty(t, body["errors"])
	assert.Equal(t, "couch", cfg.GetNetplay().DeviceName)
}

func TestUpdateNetplayField(t *testing.T) {
	srv, cfg := newTestServer(t, Options{}, nil)
	before := cfg.GetNetplay().BufferTarget

	code, _ := do(t, srv, http.MethodPatch, "/api/configure/netplay/device_name", `{"value":"den"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "den", cfg.GetNetplay().DeviceName)

	code, _ = do(t, srv, http.MethodPatch, "/api/configure/netplay/buffer_target", `{"value":999}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, before, cfg.GetNetplay().BufferTarget)

	code, _ = do(t, srv, http.MethodPatch, "/api/configure/netplay/no_such_key", `{"value":1}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestIPWhitelist(t *testing.T) {
	gin.SetMode(gin.TestMode)
	serve := func(list []string) int {
		r := gin.New()
		r.Use(IPWhitelist(list))
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "192.0.2.10:5555"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, serve(nil))
	assert.Equal(t, http.StatusNoContent, serve([]string{"192.0.2.10"}))
	assert.Equal(t, http.StatusNoContent, serve([]string{"192.0.2.0/24"}))
	assert.Equal(t, http.StatusForbidden, serve([]string{"10.0.0.0/8"}))
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(1)
	now := time.Now()

	assert.True(t, rl.allow("a", now))
	assert.True(t, rl.allow("a", now))
	assert.False(t, rl.allow("a", now))
	assert.True(t, rl.allow("b", now), "buckets are per client")
	assert.True(t, rl.allow("a", now.Add(time.Second)))
}

func TestReadRecentLogEntries(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, lines ...string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(strings.Join(lines, "\n")+"\n"), 0644))
	}
	write("host_2024-01-01.log", `{"level":"info","message":"old"}`)
	write("host_2024-01-02.log",
		`{"level":"info","message":"one","time":"t1"}`,
		`{"level":"warn","message":"two","component":"room_server"}`,
		`not json`,
	)
	write("rendezvous_2024-12-31.log", `{"level":"info","message":"other app"}`)

	entries, err := readRecentLogEntries(dir, "host", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "two", entries[0].Message)
	assert.Equal(t, "room_server", entries[0].Fields["component"])
	assert.Equal(t, "not json", entries[1].Message)

	entries, err = readRecentLogEntries(dir, "host", 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "t1", entries[0].Timestamp)

	entries, err = readRecentLogEntries(dir, "join", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
