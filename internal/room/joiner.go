package room

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netplay64/netplay64/internal/discovery"
	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/protocol"
	"github.com/netplay64/netplay64/internal/rendezvous"
)

var (
	// ErrInvalidState is returned for an operation the current join state
	// does not allow.
	ErrInvalidState = errors.New("operation not allowed in current join state")
	// ErrVersionMismatch is returned when the host speaks another protocol
	// revision.
	ErrVersionMismatch = errors.New("netplay version mismatch")
	// ErrRomMismatch is returned when the host runs a different ROM.
	ErrRomMismatch = errors.New("rom mismatch")
)

// DefaultHandshakeTimeout bounds the wait for the host's room data.
const DefaultHandshakeTimeout = 5 * time.Second

// RoomResolver maps a room code to the host's room address.
type RoomResolver interface {
	Lookup(ctx context.Context, code int32) (rendezvous.Room, error)
}

// JoinerConfig configures a Joiner.
type JoinerConfig struct {
	DeviceName       string
	RomMD5           string
	Resolver         RoomResolver
	HandshakeTimeout time.Duration
}

// Joiner drives the joining side from discovery to the start of play.
// Progress is reported on the event bus.
//
//	DISCOVERING -> CANDIDATE_SELECTED -> REGISTERING -> WAITING_FOR_START -> PLAYING
//	DISCOVERING -> MANUAL_ENTRY -> REGISTERING
//	any -> CANCELLED
//
// Failures before registration return to the state the attempt started
// from.
type Joiner struct {
	cfg      JoinerConfig
	eventBus *events.EventBus
	logger   zerolog.Logger

	mu           sync.Mutex
	state        events.JoinState
	stateSeq     uint64
	entry        events.JoinState
	busy         bool
	client       *Client
	registration *events.JoinRegisteredPayload
	started      chan struct{}
}

// NewJoiner creates a Joiner in DISCOVERING.
func NewJoiner(cfg JoinerConfig, eventBus *events.EventBus) *Joiner {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Joiner{
		cfg:      cfg,
		eventBus: eventBus,
		logger:   log.With().Str("component", "joiner").Logger(),
		state:    events.JoinDiscovering,
		entry:    events.JoinDiscovering,
		started:  make(chan struct{}),
	}
}

// State returns the current join state. It is authoritative; EventJoinState
// notifications may arrive out of order.
func (j *Joiner) State() events.JoinState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Registration returns the slot assigned by the host once registered.
func (j *Joiner) Registration() (events.JoinRegisteredPayload, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.registration == nil {
		return events.JoinRegisteredPayload{}, false
	}
	return *j.registration, true
}

// Started is closed when the host starts the game.
func (j *Joiner) Started() <-chan struct{} {
	return j.started
}

func (j *Joiner) setStateLocked(ctx context.Context, to events.JoinState) {
	from := j.state
	if from == to {
		return
	}
	j.state = to
	j.stateSeq++
	j.logger.Debug().Stringer("from", from).Stringer("to", to).Uint64("seq", j.stateSeq).Msg("join state changed")
	events.Publish(ctx, j.eventBus, "joiner", events.EventJoinState, events.JoinStatePayload{Seq: j.stateSeq, From: from, To: to})
}

func (j *Joiner) notice(ctx context.Context, kind events.NoticeKind, msg string) {
	j.logger.Warn().Stringer("notice", kind).Msg(msg)
	events.Publish(ctx, j.eventBus, "joiner", events.EventNotice, events.NoticePayload{Kind: kind, Message: msg})
}

// EnterManual switches from browsing to manual address entry.
func (j *Joiner) EnterManual(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.state {
	case events.JoinDiscovering:
		j.entry = events.JoinManualEntry
		j.setStateLocked(ctx, events.JoinManualEntry)
		return nil
	case events.JoinManualEntry:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrInvalidState, j.state)
	}
}

// SelectCandidate joins a session found by discovery.
func (j *Joiner) SelectCandidate(ctx context.Context, srv discovery.NetplayServer) error {
	if err := j.begin(ctx, events.JoinDiscovering, events.JoinCandidateSelected); err != nil {
		return err
	}
	if !srv.Compatible() {
		msg := fmt.Sprintf("%s runs netplay version %d, this build speaks %d", srv.Name, srv.Version, protocol.NetplayVersion)
		j.notice(ctx, events.NoticeVersionMismatch, msg)
		j.rollback(ctx)
		return fmt.Errorf("%w: %s", ErrVersionMismatch, msg)
	}
	return j.connect(ctx, srv.Addr())
}

// ConnectManual joins the room at host:port entered by hand.
func (j *Joiner) ConnectManual(ctx context.Context, host string, port int) error {
	if err := j.EnterManual(ctx); err != nil {
		return err
	}
	if err := j.begin(ctx, events.JoinManualEntry, events.JoinManualEntry); err != nil {
		return err
	}
	return j.connect(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
}

// ConnectRoomCode resolves a room code through the rendezvous service and
// joins the room it names.
func (j *Joiner) ConnectRoomCode(ctx context.Context, code int32) error {
	if j.cfg.Resolver == nil {
		return fmt.Errorf("no rendezvous service configured")
	}
	if err := j.EnterManual(ctx); err != nil {
		return err
	}
	if err := j.begin(ctx, events.JoinManualEntry, events.JoinManualEntry); err != nil {
		return err
	}

	room, err := j.cfg.Resolver.Lookup(ctx, code)
	if err != nil {
		if errors.Is(err, rendezvous.ErrRoomNotFound) {
			j.notice(ctx, events.NoticeCodeNotFound, fmt.Sprintf("room code %d not found", code))
		} else {
			j.notice(ctx, events.NoticeConnectFailed, fmt.Sprintf("rendezvous lookup failed: %v", err))
		}
		j.rollback(ctx)
		return err
	}
	return j.connect(ctx, room.Addr())
}

// begin checks the state an attempt may start from and marks it in
// progress by moving to next.
func (j *Joiner) begin(ctx context.Context, from, next events.JoinState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != from || j.busy {
		return fmt.Errorf("%w: %s", ErrInvalidState, j.state)
	}
	j.busy = true
	j.entry = from
	j.setStateLocked(ctx, next)
	return nil
}

// rollback returns to the entry state unless the attempt was cancelled.
func (j *Joiner) rollback(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.client != nil {
		j.client.Close()
		j.client = nil
	}
	j.busy = false
	if j.state != events.JoinCancelled {
		j.setStateLocked(ctx, j.entry)
	}
}

func (j *Joiner) connect(ctx context.Context, addr string) error {
	client, err := Dial(ctx, addr)
	if err != nil {
		j.notice(ctx, events.NoticeConnectFailed, fmt.Sprintf("could not connect to %s: %v", addr, err))
		j.rollback(ctx)
		return err
	}

	j.mu.Lock()
	if j.state == events.JoinCancelled {
		j.mu.Unlock()
		client.Close()
		return fmt.Errorf("%w: %s", ErrInvalidState, events.JoinCancelled)
	}
	j.client = client
	j.mu.Unlock()

	if err := j.handshake(ctx, client); err != nil {
		j.rollback(ctx)
		return err
	}

	j.mu.Lock()
	if j.state == events.JoinCancelled {
		j.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInvalidState, events.JoinCancelled)
	}
	j.setStateLocked(ctx, events.JoinRegistering)
	j.mu.Unlock()

	if err := client.Register(j.cfg.DeviceName); err != nil {
		j.notice(ctx, events.NoticeConnectFailed, fmt.Sprintf("registration with %s failed: %v", addr, err))
		j.rollback(ctx)
		return err
	}

	go j.run(ctx, client)
	return nil
}

// handshake fetches the room data and checks the host is compatible.
func (j *Joiner) handshake(ctx context.Context, client *Client) error {
	if err := client.RequestRoomData(); err != nil {
		j.notice(ctx, events.NoticeConnectFailed, fmt.Sprintf("could not query room: %v", err))
		return err
	}

	timer := time.NewTimer(j.cfg.HandshakeTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			j.notice(ctx, events.NoticeConnectFailed, "host did not answer the room query")
			return fmt.Errorf("room handshake timed out")
		case msg, ok := <-client.Messages():
			if !ok {
				j.notice(ctx, events.NoticeConnectFailed, "host closed the connection")
				return fmt.Errorf("room connection closed during handshake: %w", client.Err())
			}
			data, isData := msg.(protocol.RoomDataMsg)
			if !isData {
				continue
			}
			if data.Version != protocol.NetplayVersion {
				msg := fmt.Sprintf("%s runs netplay version %d, this build speaks %d", data.DeviceName, data.Version, protocol.NetplayVersion)
				j.notice(ctx, events.NoticeVersionMismatch, msg)
				return fmt.Errorf("%w: %s", ErrVersionMismatch, msg)
			}
			if !strings.EqualFold(data.RomMD5, j.cfg.RomMD5) {
				msg := fmt.Sprintf("%s is playing a different ROM (%s)", data.DeviceName, data.RomMD5)
				j.notice(ctx, events.NoticeRomMismatch, msg)
				return fmt.Errorf("%w: %s", ErrRomMismatch, msg)
			}
			return nil
		}
	}
}

// run relays host pushes until the connection ends.
func (j *Joiner) run(ctx context.Context, client *Client) {
	for msg := range client.Messages() {
		switch m := msg.(type) {
		case protocol.RoomRegistrationMsg:
			if m.Player == protocol.NoPlayer {
				j.notice(ctx, events.NoticeRoomFull, "room is full")
				j.rollback(ctx)
				return
			}
			reg := events.JoinRegisteredPayload{
				RegID:        m.RegID,
				Player:       m.Player,
				GameplayAddr: net.JoinHostPort(client.Host(), strconv.Itoa(int(m.ServerPort))),
				VideoPlugin:  m.VideoPlugin,
				RSPPlugin:    m.RSPPlugin,
			}
			j.mu.Lock()
			j.registration = &reg
			if j.state == events.JoinRegistering {
				j.setStateLocked(ctx, events.JoinWaitingForStart)
			}
			j.mu.Unlock()
			j.logger.Info().Int32("player", reg.Player).Str("gameplay", reg.GameplayAddr).Msg("registered with host")
			events.Publish(ctx, j.eventBus, "joiner", events.EventJoinRegistered, reg)

		case protocol.StartPlayMsg:
			j.mu.Lock()
			if j.state == events.JoinWaitingForStart {
				j.setStateLocked(ctx, events.JoinPlaying)
				close(j.started)
			}
			j.mu.Unlock()
			j.logger.Info().Msg("host started the game")
			events.Publish(ctx, j.eventBus, "joiner", events.EventJoinStarted, nil)

		case protocol.ServerPortMsg:
			j.mu.Lock()
			if j.registration != nil {
				j.registration.GameplayAddr = net.JoinHostPort(client.Host(), strconv.Itoa(int(m.Port)))
			}
			j.mu.Unlock()
			events.Publish(ctx, j.eventBus, "joiner", events.EventJoinServerPort, events.ServerPortPayload{Port: m.Port})
		}
	}

	j.mu.Lock()
	state := j.state
	j.mu.Unlock()
	if state == events.JoinCancelled || state == events.JoinPlaying {
		return
	}
	events.Publish(ctx, j.eventBus, "joiner", events.EventJoinDisconnected, nil)
	j.rollback(ctx)
}

// Cancel abandons the join. A connected client tells the host it leaves.
func (j *Joiner) Cancel(ctx context.Context) {
	j.mu.Lock()
	client := j.client
	j.client = nil
	j.setStateLocked(ctx, events.JoinCancelled)
	j.mu.Unlock()

	if client != nil {
		if err := client.Leave(); err != nil {
			j.logger.Debug().Err(err).Msg("failed to send leave")
		}
	}
}
