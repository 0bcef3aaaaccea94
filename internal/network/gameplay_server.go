package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netplay64/netplay64/internal/protocol"
	"github.com/netplay64/netplay64/internal/session"
)

// GameplayServer accepts gameplay-channel connections and processes their
// messages against one session.State. Each connection runs its own
// blocking read loop; state changes reach the event bus through the
// session.State.
type GameplayServer struct {
	listenAddr string
	state      *session.State
	registry   *ConnectionRegistry
	logger     zerolog.Logger

	// ownerMu serializes slot ownership changes. owners maps each accepted
	// registration ID to the one connection allowed to release it.
	ownerMu sync.Mutex
	owners  map[int32]uint64

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewGameplayServer creates a gameplay server bound to state. An empty
// listenAddr picks an ephemeral port on all interfaces.
func NewGameplayServer(listenAddr string, state *session.State) *GameplayServer {
	if listenAddr == "" {
		listenAddr = ":0"
	}
	return &GameplayServer{
		listenAddr: listenAddr,
		state:      state,
		registry:   NewConnectionRegistry(),
		owners:     make(map[int32]uint64),
		logger:     log.With().Str("component", "gameplay_server").Logger(),
	}
}

// Listen binds the listening socket. The listener is closed when ctx ends.
func (s *GameplayServer) Listen(ctx context.Context) error {
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to start gameplay listener on %s: %w", s.listenAddr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("gameplay listener started")
	return nil
}

// Port returns the bound TCP port, or 0 before Listen.
func (s *GameplayServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Serve runs the accept loop until the listener is closed.
func (s *GameplayServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("gameplay server is not listening")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || ctx.Err() != nil {
				s.logger.Info().Msg("gameplay listener stopping")
				s.wg.Wait()
				return nil
			}
			s.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		s.logger.Debug().
			Str("remote", conn.RemoteAddr().String()).
			Msg("new gameplay connection")

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// Close stops accepting and closes every open gameplay connection.
func (s *GameplayServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	s.registry.CloseAll()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (s *GameplayServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Connections returns status snapshots of the open gameplay connections.
func (s *GameplayServer) Connections() []ConnectionInfo {
	return s.registry.Infos()
}

// handleConnection runs READING_ID -> READING_BODY -> PROCESSING until the
// peer closes, a codec or I/O error occurs, or processing fails. Every
// registration made over the connection is released afterwards.
func (s *GameplayServer) handleConnection(ctx context.Context, rawConn net.Conn) {
	conn := NewConnection(rawConn)
	s.registry.Register(conn)
	if s.isClosed() {
		conn.Close()
	}

	logger := s.logger.With().
		Uint64("conn", conn.ID()).
		Str("remote", rawConn.RemoteAddr().String()).
		Logger()

	defer func() {
		s.registry.Unregister(conn.ID())
		s.releaseOwned(conn)
	}()

	for {
		conn.setState(StateReadingID)
		id, err := protocol.ReadGameplayID(conn.Reader())
		if err != nil {
			if errors.Is(err, io.EOF) || conn.IsClosed() {
				logger.Debug().Msg("peer closed gameplay connection")
			} else {
				logger.Warn().Err(err).Msg("read error, closing connection")
			}
			return
		}

		conn.setState(StateReadingBody)
		msg, err := protocol.ReadGameplayBody(id, conn.Reader())
		if err != nil {
			logger.Warn().Err(err).Uint8("msg_id", id).Msg("malformed message, closing connection")
			return
		}
		conn.Touch()

		conn.setState(StateProcessing)
		if err := s.process(ctx, conn, msg); err != nil {
			logger.Warn().Err(err).Uint8("msg_id", id).Msg("failed to process message, closing connection")
			return
		}
	}
}

func (s *GameplayServer) process(ctx context.Context, conn *Connection, msg protocol.GameplayMessage) error {
	switch m := msg.(type) {
	case protocol.PlayerRegistrationMsg:
		res, err := s.register(conn, m)
		if err != nil {
			return err
		}
		return conn.Write(protocol.EncodeRegistrationReply(res.Accepted, res.BufferTarget))

	case protocol.RequestPlayerRegistrationMsg:
		return conn.Write(protocol.EncodeRegistrations(s.state.Registrations()))

	case protocol.SettingsUpdateMsg:
		s.state.UpdateSettings(m.Settings)
		return nil

	case protocol.RequestSettingsMsg:
		return conn.Write(protocol.EncodeSettings(s.state.Settings()))

	case protocol.SaveFileDataMsg:
		s.state.AddFile(m.Name, m.Data)
		return nil

	case protocol.RequestSaveFileDataMsg:
		data, err := s.state.WaitForFile(ctx, m.Name)
		if err != nil {
			return err
		}
		return conn.Write(data)

	case protocol.PlayerDisconnectMsg:
		s.ownerMu.Lock()
		s.state.RemovePlayer(m.RegID)
		delete(s.owners, m.RegID)
		s.registry.ReleaseRegID(m.RegID)
		s.ownerMu.Unlock()
		return nil

	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnknownMessage, msg)
	}
}

// register records a slot request. An accepted ID is owned by conn from
// now on; a client that re-confirms its ID over a new socket takes it over
// from the stale one, whose later close no longer frees the slot.
func (s *GameplayServer) register(conn *Connection, m protocol.PlayerRegistrationMsg) (session.RegistrationResult, error) {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()

	res, err := s.state.RegisterPlayer(int(m.Player), m.RegID, m.Plugin, m.Raw)
	if err != nil || !res.Accepted {
		return res, err
	}

	if prev, ok := s.owners[m.RegID]; ok && prev != conn.ID() {
		s.logger.Info().
			Int32("reg_id", m.RegID).
			Uint64("from_conn", prev).
			Uint64("to_conn", conn.ID()).
			Msg("registration moved to new connection")
	}
	s.owners[m.RegID] = conn.ID()
	s.registry.ClaimRegID(conn, m.RegID)
	return res, nil
}

// releaseOwned frees the slots a finished connection still owns. IDs that
// moved to another connection are left alone.
func (s *GameplayServer) releaseOwned(conn *Connection) {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()

	for _, regID := range conn.RegIDs() {
		conn.UntrackRegID(regID)
		if s.owners[regID] != conn.ID() {
			continue
		}
		delete(s.owners, regID)
		s.state.RemovePlayer(regID)
	}
}
