// Package rendezvous implements the internet room-code service: hosts
// register their public room port and receive a short numeric code, and
// joiners resolve the code back to an address. Each TCP connection carries
// exactly one request and its reply.
package rendezvous

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netplay64/netplay64/internal/db"
	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/network"
	"github.com/netplay64/netplay64/internal/protocol"
)

// DefaultRequestTimeout bounds one request/reply exchange.
const DefaultRequestTimeout = 10 * time.Second

// ServerConfig configures a rendezvous Server.
type ServerConfig struct {
	ListenAddr     string
	RequestTimeout time.Duration
}

// Server answers rendezvous requests from a RoomStore.
type Server struct {
	cfg      ServerConfig
	store    *db.RoomStore
	eventBus *events.EventBus
	logger   zerolog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a rendezvous server over store.
func NewServer(cfg ServerConfig, store *db.RoomStore, eventBus *events.EventBus) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":45000"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Server{
		cfg:      cfg,
		store:    store,
		eventBus: eventBus,
		logger:   log.With().Str("component", "rendezvous").Logger(),
	}
}

// Listen binds the listener. It is closed when ctx ends.
func (s *Server) Listen(ctx context.Context) error {
	lc := network.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to start rendezvous listener on %s: %w", s.cfg.ListenAddr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("rendezvous listener started")
	return nil
}

// Port returns the bound port, or 0 before Listen.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Serve runs the accept loop until the server closes.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("rendezvous server is not listening")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || ctx.Err() != nil {
				s.logger.Info().Msg("rendezvous listener stopping")
				s.wg.Wait()
				return nil
			}
			s.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

// Close stops accepting connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.cfg.RequestTimeout))

	remote := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	logger := s.logger.With().Str("remote", remote).Logger()

	req, err := protocol.ReadRendezvousRequest(bufio.NewReader(conn))
	if err != nil {
		logger.Warn().Err(err).Msg("malformed rendezvous request")
		return
	}

	var reply []byte
	switch req.Kind {
	case protocol.RendezvousRegister:
		reply = s.register(ctx, logger, host, req)
	case protocol.RendezvousLookup:
		reply = s.lookup(logger, req.Code)
	case protocol.RendezvousUnregister:
		ok, err := s.store.DeleteRoom(req.Code)
		if err != nil {
			logger.Error().Err(err).Int32("code", req.Code).Msg("unregister failed")
		}
		reply = protocol.EncodeRendezvousAck(ok)
	}

	if _, err := conn.Write(reply); err != nil {
		logger.Warn().Err(err).Msg("failed to write rendezvous reply")
	}
}

func (s *Server) register(ctx context.Context, logger zerolog.Logger, host string, req protocol.RendezvousRequest) []byte {
	if req.Port <= 0 || req.Port > 65535 {
		logger.Warn().Int32("port", req.Port).Msg("refusing room with invalid port")
		return protocol.EncodeRendezvousCode(protocol.NoPlayer)
	}
	room, err := s.store.CreateRoom(host, int(req.Port), req.Name)
	if err != nil {
		logger.Error().Err(err).Msg("room registration failed")
		return protocol.EncodeRendezvousCode(protocol.NoPlayer)
	}
	events.Publish(ctx, s.eventBus, "rendezvous", events.EventRoomCodeAssigned, events.RoomCodePayload{Code: room.Code})
	return protocol.EncodeRendezvousCode(room.Code)
}

func (s *Server) lookup(logger zerolog.Logger, code int32) []byte {
	room, err := s.store.LookupRoom(code)
	if err != nil {
		if !errors.Is(err, db.ErrRoomNotFound) {
			logger.Error().Err(err).Int32("code", code).Msg("room lookup failed")
		} else {
			logger.Debug().Int32("code", code).Msg("room code not found")
		}
		return protocol.EncodeRendezvousLookupReply(protocol.RendezvousLookupReply{Port: protocol.NoPlayer})
	}
	return protocol.EncodeRendezvousLookupReply(protocol.RendezvousLookupReply{Port: int32(room.Port), Host: room.Host})
}
