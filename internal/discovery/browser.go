package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"

	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/network"
	"github.com/netplay64/netplay64/internal/protocol"
)

// NetplayServer is a session seen on the local network. It lives only as
// long as the Browser that found it.
type NetplayServer struct {
	Version  int32     `json:"version"`
	ServerID int32     `json:"server_id"`
	Name     string    `json:"name"`
	RomMD5   string    `json:"rom_md5"`
	Host     string    `json:"host"`
	Port     int       `json:"port"`
	Instance uuid.UUID `json:"instance"`
	LastSeen time.Time `json:"last_seen"`
}

// Addr returns the room address as host:port.
func (s NetplayServer) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Compatible reports whether the session speaks this build's protocol.
func (s NetplayServer) Compatible() bool {
	return s.Version == protocol.NetplayVersion
}

// BrowserConfig configures a Browser.
type BrowserConfig struct {
	ListenAddr string // local address to receive announcements on
	Group      string // multicast group to join; empty for unicast only
}

// Browser receives announcements and keeps one record per session
// instance.
type Browser struct {
	conn     net.PacketConn
	pc       *ipv4.PacketConn
	eventBus *events.EventBus
	logger   zerolog.Logger

	mu      sync.Mutex
	servers map[uuid.UUID]NetplayServer
}

// NewBrowser opens the receiving socket and joins the multicast group on
// every multicast-capable interface.
func NewBrowser(ctx context.Context, cfg BrowserConfig, eventBus *events.EventBus) (*Browser, error) {
	if cfg.ListenAddr == "" {
		_, port, err := net.SplitHostPort(DefaultGroup)
		if err != nil {
			return nil, err
		}
		cfg.ListenAddr = ":" + port
	}

	lc := network.ReuseAddrListenConfig()
	conn, err := lc.ListenPacket(ctx, "udp4", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for announcements on %s: %w", cfg.ListenAddr, err)
	}

	b := &Browser{
		conn:     conn,
		pc:       ipv4.NewPacketConn(conn),
		eventBus: eventBus,
		logger:   log.With().Str("component", "browser").Logger(),
		servers:  make(map[uuid.UUID]NetplayServer),
	}

	if cfg.Group != "" {
		if err := b.join(cfg.Group); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *Browser) join(group string) error {
	gaddr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return fmt.Errorf("failed to resolve discovery group %s: %w", group, err)
	}
	intfs, err := net.Interfaces()
	if err != nil {
		return fmt.Errorf("failed to list interfaces: %w", err)
	}

	joined := 0
	for i := range intfs {
		intf := &intfs[i]
		if intf.Flags&net.FlagUp == 0 || intf.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := b.pc.JoinGroup(intf, &net.UDPAddr{IP: gaddr.IP}); err != nil {
			b.logger.Debug().Err(err).Str("interface", intf.Name).Msg("failed to join discovery group")
			continue
		}
		joined++
	}
	if joined == 0 {
		b.logger.Warn().Str("group", group).Msg("no interface joined the discovery group, only unicast announcements will be seen")
	}
	return nil
}

// LocalAddr returns the address announcements are received on.
func (b *Browser) LocalAddr() net.Addr {
	return b.conn.LocalAddr()
}

// Run reads announcements until ctx ends or the browser is closed.
func (b *Browser) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		b.conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, src, err := b.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to read announcement: %w", err)
		}

		a, err := protocol.DecodeAnnouncement(buf[:n])
		if err != nil {
			b.logger.Trace().Err(err).Str("src", src.String()).Msg("ignoring datagram")
			continue
		}
		udp, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		b.record(ctx, a, udp.IP.String())
	}
}

func (b *Browser) record(ctx context.Context, a protocol.Announcement, host string) {
	srv := NetplayServer{
		Version:  a.Version,
		ServerID: a.ServerID,
		Name:     a.Name,
		RomMD5:   a.RomMD5,
		Host:     host,
		Port:     int(a.Port),
		Instance: a.Instance,
		LastSeen: time.Now(),
	}

	b.mu.Lock()
	prev, known := b.servers[srv.Instance]
	b.servers[srv.Instance] = srv
	b.mu.Unlock()

	if known && prev.Port == srv.Port && prev.Host == srv.Host && prev.Name == srv.Name {
		return
	}

	b.logger.Info().
		Str("name", srv.Name).
		Str("addr", srv.Addr()).
		Int32("version", srv.Version).
		Msg("session found")
	events.Publish(ctx, b.eventBus, "browser", events.EventServerFound, events.ServerFoundPayload{
		Version:  srv.Version,
		ServerID: srv.ServerID,
		Name:     srv.Name,
		RomMD5:   srv.RomMD5,
		Host:     srv.Host,
		Port:     srv.Port,
	})
}

// Candidates returns the sessions seen so far, ordered by name.
func (b *Browser) Candidates() []NetplayServer {
	b.mu.Lock()
	out := make([]NetplayServer, 0, len(b.servers))
	for _, s := range b.servers {
		out = append(out, s)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Addr() < out[j].Addr()
	})
	return out
}

// Expire drops sessions not heard from within maxAge and returns how many
// were dropped.
func (b *Browser) Expire(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for id, s := range b.servers {
		if s.LastSeen.Before(cutoff) {
			delete(b.servers, id)
			dropped++
		}
	}
	return dropped
}

// Close closes the receiving socket.
func (b *Browser) Close() error {
	return b.conn.Close()
}
