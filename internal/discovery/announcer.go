// Package discovery advertises hosted sessions on the local network and
// collects the advertisements of others. Announcements are small UDP
// datagrams sent to a multicast group, or to any unicast address for
// networks without multicast.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"

	"github.com/netplay64/netplay64/internal/protocol"
)

// DefaultGroup is the multicast group and port announcements are sent to.
const DefaultGroup = "239.255.64.64:45064"

// AnnouncerConfig configures an Announcer.
type AnnouncerConfig struct {
	Target   string // multicast group or unicast host:port
	TTL      int
	ServerID int32
	Port     int
	Name     string
	RomMD5   string
	Instance uuid.UUID
}

// Announcer sends the announcement of one hosted session.
type Announcer struct {
	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	target *net.UDPAddr
	logger zerolog.Logger

	payload []byte

	// mu serializes Announce: the outgoing multicast interface is socket
	// state.
	mu sync.Mutex
}

// NewAnnouncer opens the sending socket.
func NewAnnouncer(cfg AnnouncerConfig) (*Announcer, error) {
	if cfg.Target == "" {
		cfg.Target = DefaultGroup
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 1
	}
	if cfg.Instance == uuid.Nil {
		cfg.Instance = uuid.New()
	}

	payload, err := protocol.EncodeAnnouncement(protocol.Announcement{
		Version:  protocol.NetplayVersion,
		ServerID: cfg.ServerID,
		Port:     int32(cfg.Port),
		Instance: cfg.Instance,
		Name:     cfg.Name,
		RomMD5:   cfg.RomMD5,
	})
	if err != nil {
		return nil, err
	}

	target, err := net.ResolveUDPAddr("udp4", cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve announce target %s: %w", cfg.Target, err)
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("failed to open announce socket: %w", err)
	}

	a := &Announcer{
		conn:    conn,
		pc:      ipv4.NewPacketConn(conn),
		target:  target,
		payload: payload,
		logger:  log.With().Str("component", "announcer").Str("target", target.String()).Logger(),
	}
	if target.IP.IsMulticast() {
		if err := a.pc.SetMulticastTTL(cfg.TTL); err != nil {
			a.logger.Debug().Err(err).Msg("failed to set multicast TTL")
		}
		if err := a.pc.SetMulticastLoopback(true); err != nil {
			a.logger.Debug().Err(err).Msg("failed to enable multicast loopback")
		}
	}
	return a, nil
}

// Announce sends one announcement. Multicast targets are written once per
// multicast-capable interface that is up.
func (a *Announcer) Announce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	payload := a.payload

	if !a.target.IP.IsMulticast() {
		if _, err := a.conn.WriteToUDP(payload, a.target); err != nil {
			return fmt.Errorf("failed to send announcement: %w", err)
		}
		return nil
	}

	intfs, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("failed to list interfaces: %w", err)
	}
	sent := 0
	var errs []error
	for i := range intfs {
		intf := &intfs[i]
		if intf.Flags&net.FlagUp == 0 || intf.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := a.pc.SetMulticastInterface(intf); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", intf.Name, err))
			continue
		}
		if _, err := a.pc.WriteTo(payload, nil, a.target); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", intf.Name, err))
			continue
		}
		sent++
	}
	if sent == 0 && len(errs) > 0 {
		return fmt.Errorf("failed to send announcement: %w", errors.Join(errs...))
	}
	a.logger.Trace().Int("interfaces", sent).Msg("announcement sent")
	return nil
}

// Close closes the sending socket.
func (a *Announcer) Close() error {
	return a.conn.Close()
}
