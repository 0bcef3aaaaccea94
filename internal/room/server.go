// Package room implements the room-negotiation channel: the host-side
// Server that hands out registration IDs and player slots, and the
// joining-side Client and Joiner.
package room

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/network"
	"github.com/netplay64/netplay64/internal/protocol"
)

// Default re-announce schedule for LAN discovery.
const (
	DefaultAnnounceInitial  = 500 * time.Millisecond
	DefaultAnnounceInterval = 2 * time.Second
)

const writeTimeout = 10 * time.Second

// ErrAlreadyStarted is returned by StartGame on a second call.
var ErrAlreadyStarted = errors.New("game already started")

// Advertiser publishes the room on the local network once per call.
type Advertiser interface {
	Announce(ctx context.Context) error
}

// ServerConfig configures a room Server.
type ServerConfig struct {
	ListenAddr       string
	DeviceName       string
	RomMD5           string
	VideoPlugin      string
	RSPPlugin        string
	GameplayPort     int
	AnnounceInitial  time.Duration
	AnnounceInterval time.Duration
}

// ClientInfo describes a connected room client.
type ClientInfo struct {
	RegID      int32  `json:"reg_id"`
	Player     int32  `json:"player"`
	DeviceName string `json:"device_name"`
	RemoteAddr string `json:"remote_addr"`
}

// Registered reports whether the client holds a player slot.
func (c ClientInfo) Registered() bool {
	return c.Player > 0
}

type roomClient struct {
	regID  int32
	conn   net.Conn
	remote string

	wmu sync.Mutex

	// guarded by Server.mu
	player     int32
	deviceName string
}

func (c *roomClient) send(m protocol.RoomMessage) error {
	data, err := protocol.EncodeRoomMessage(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write room message: %w", err)
	}
	return nil
}

// Server is the host side of the room-negotiation channel. The host owns
// player slot 0; joining clients are given slots 1 to 3 in order.
type Server struct {
	cfg      ServerConfig
	eventBus *events.EventBus
	logger   zerolog.Logger
	randID   func() int32

	mu           sync.Mutex
	listener     net.Listener
	clients      map[int32]*roomClient
	gameplayPort int32
	started      bool
	closed       bool
	stopAdvert   chan struct{}
	wg           sync.WaitGroup
}

// NewServer creates a room server.
func NewServer(cfg ServerConfig, eventBus *events.EventBus) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":0"
	}
	if cfg.AnnounceInitial <= 0 {
		cfg.AnnounceInitial = DefaultAnnounceInitial
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}
	return &Server{
		cfg:          cfg,
		eventBus:     eventBus,
		logger:       log.With().Str("component", "room_server").Logger(),
		randID:       rand.Int32,
		clients:      make(map[int32]*roomClient),
		gameplayPort: int32(cfg.GameplayPort),
		stopAdvert:   make(chan struct{}),
	}
}

// Listen binds the room listener. It is closed when ctx ends.
func (s *Server) Listen(ctx context.Context) error {
	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to start room listener on %s: %w", s.cfg.ListenAddr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("room listener started")
	return nil
}

// Port returns the bound room port, or 0 before Listen.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Serve runs the accept loop until the game starts or the server closes.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("room server is not listening")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.started || s.closed
			s.mu.Unlock()
			if stopped || ctx.Err() != nil {
				s.logger.Info().Msg("room listener stopping")
				return nil
			}
			s.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		c := s.track(conn)
		if c == nil {
			conn.Close()
			continue
		}

		s.logger.Debug().
			Int32("reg_id", c.regID).
			Str("remote", c.remote).
			Msg("new room client")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleClient(ctx, c)
		}()
	}
}

// track mints a registration ID unique among tracked clients and records
// the client. Random draws that collide or are zero are retried.
func (s *Server) track(conn net.Conn) *roomClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	var id int32
	for {
		id = s.randID()
		if id == 0 {
			continue
		}
		if _, taken := s.clients[id]; !taken {
			break
		}
	}

	c := &roomClient{
		regID:  id,
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		player: protocol.NoPlayer,
	}
	s.clients[id] = c
	return c
}

func (s *Server) handleClient(ctx context.Context, c *roomClient) {
	logger := s.logger.With().Int32("reg_id", c.regID).Str("remote", c.remote).Logger()
	reader := bufio.NewReader(c.conn)

	defer s.release(ctx, c)

	for {
		msg, err := protocol.ReadClientRoomMessage(reader)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownMessage) {
				logger.Warn().Err(err).Msg("unknown room message, closing connection")
			} else {
				logger.Debug().Err(err).Msg("room client disconnected")
			}
			return
		}

		switch m := msg.(type) {
		case protocol.GetRoomDataMsg:
			err = c.send(protocol.RoomDataMsg{
				Version:    protocol.NetplayVersion,
				DeviceName: s.cfg.DeviceName,
				RomMD5:     s.cfg.RomMD5,
			})
		case protocol.RegisterToRoomMsg:
			err = s.register(ctx, c, m.DeviceName)
		case protocol.LeaveRoomMsg:
			logger.Info().Msg("room client left")
			return
		}
		if err != nil {
			logger.Warn().Err(err).Msg("failed to reply to room client, closing connection")
			return
		}
	}
}

// register assigns the next free slot and pushes the Registration. A full
// room is answered with player NoPlayer.
func (s *Server) register(ctx context.Context, c *roomClient, deviceName string) error {
	s.mu.Lock()
	fresh := false
	if c.player == protocol.NoPlayer {
		taken := make(map[int32]bool, len(s.clients))
		for _, other := range s.clients {
			if other.player > 0 {
				taken[other.player] = true
			}
		}
		for slot := int32(1); slot < protocol.MaxPlayers; slot++ {
			if !taken[slot] {
				c.player = slot
				c.deviceName = deviceName
				fresh = true
				break
			}
		}
	}
	reply := protocol.RoomRegistrationMsg{
		RegID:       c.regID,
		Player:      c.player,
		ServerPort:  s.gameplayPort,
		VideoPlugin: s.cfg.VideoPlugin,
		RSPPlugin:   s.cfg.RSPPlugin,
	}
	s.mu.Unlock()

	if reply.Player == protocol.NoPlayer {
		s.logger.Warn().Int32("reg_id", c.regID).Str("device", deviceName).Msg("room full, registration refused")
		return c.send(reply)
	}

	if err := c.send(reply); err != nil {
		return err
	}
	if fresh {
		s.logger.Info().
			Int32("reg_id", c.regID).
			Int32("player", reply.Player).
			Str("device", deviceName).
			Msg("client registered")
		events.Publish(ctx, s.eventBus, "room_server", events.EventClientRegistered, events.RoomClientPayload{
			RegID:      c.regID,
			Player:     reply.Player,
			DeviceName: deviceName,
			RemoteAddr: c.remote,
		})
	}
	return nil
}

func (s *Server) release(ctx context.Context, c *roomClient) {
	c.conn.Close()

	s.mu.Lock()
	delete(s.clients, c.regID)
	info := ClientInfo{RegID: c.regID, Player: c.player, DeviceName: c.deviceName, RemoteAddr: c.remote}
	s.mu.Unlock()

	if info.Registered() {
		s.logger.Info().Int32("reg_id", info.RegID).Int32("player", info.Player).Msg("client left room")
		events.Publish(ctx, s.eventBus, "room_server", events.EventClientLeft, events.RoomClientPayload{
			RegID:      info.RegID,
			Player:     info.Player,
			DeviceName: info.DeviceName,
			RemoteAddr: info.RemoteAddr,
		})
	}
}

// Advertise re-announces the room through adv until the game starts, the
// server closes or ctx ends. The first announcement goes out after the
// initial delay and the rest at the steady interval.
func (s *Server) Advertise(ctx context.Context, adv Advertiser) {
	timer := time.NewTimer(s.cfg.AnnounceInitial)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopAdvert:
			s.logger.Debug().Msg("advertising stopped")
			return
		case <-timer.C:
			if err := adv.Announce(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("failed to announce room")
			}
			timer.Reset(s.cfg.AnnounceInterval)
		}
	}
}

// StartGame tells every connected client to begin, stops accepting new
// clients and stops advertising. Client connections stay open so port
// changes can still be pushed.
func (s *Server) StartGame(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	ln := s.listener
	clients := s.snapshotLocked()
	s.stopAdvertisingLocked()
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}

	for _, c := range clients {
		if err := c.send(protocol.StartPlayMsg{}); err != nil {
			s.logger.Warn().Err(err).Int32("reg_id", c.regID).Msg("failed to send start")
		}
	}

	s.logger.Info().Int("clients", len(clients)).Msg("game started")
	events.Publish(ctx, s.eventBus, "room_server", events.EventGameStarted, events.GameStartedPayload{Clients: len(clients)})
	return nil
}

// UpdateServerPort records a new gameplay port and pushes it to every
// connected client.
func (s *Server) UpdateServerPort(ctx context.Context, port int) {
	s.mu.Lock()
	s.gameplayPort = int32(port)
	clients := s.snapshotLocked()
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.send(protocol.ServerPortMsg{Port: int32(port)}); err != nil {
			s.logger.Warn().Err(err).Int32("reg_id", c.regID).Msg("failed to push server port")
		}
	}

	s.logger.Info().Int("port", port).Msg("gameplay port updated")
	events.Publish(ctx, s.eventBus, "room_server", events.EventServerPortChange, events.ServerPortPayload{Port: int32(port)})
}

// Started reports whether StartGame has been called.
func (s *Server) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Clients returns the connected clients ordered by player slot.
func (s *Server) Clients() []ClientInfo {
	s.mu.Lock()
	infos := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		infos = append(infos, ClientInfo{RegID: c.regID, Player: c.player, DeviceName: c.deviceName, RemoteAddr: c.remote})
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Player != infos[j].Player {
			return infos[i].Player < infos[j].Player
		}
		return infos[i].RegID < infos[j].RegID
	})
	return infos
}

// Close stops the server and disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	if s.started {
		ln = nil
	}
	clients := s.snapshotLocked()
	s.stopAdvertisingLocked()
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range clients {
		c.conn.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) snapshotLocked() []*roomClient {
	clients := make([]*roomClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	return clients
}

func (s *Server) stopAdvertisingLocked() {
	select {
	case <-s.stopAdvert:
	default:
		close(s.stopAdvert)
	}
}
