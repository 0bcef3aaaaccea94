// Package nat maps the host's room and gameplay ports on a NAT-PMP
// gateway so internet players can reach them, and keeps the leases alive.
package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Defaults for NAT-PMP leases.
const (
	DefaultLease   = time.Hour
	DefaultTimeout = 3 * time.Second
)

// ErrNoGateway is returned when no NAT-PMP capable gateway answers.
var ErrNoGateway = errors.New("no NAT-PMP gateway found")

// Gateway is the subset of a NAT-PMP client the Mapper uses.
type Gateway interface {
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
}

// Mapping is one leased port mapping.
type Mapping struct {
	Protocol     string    `json:"protocol"`
	InternalPort int       `json:"internal_port"`
	ExternalPort int       `json:"external_port"`
	ExternalIP   string    `json:"external_ip"`
	Expires      time.Time `json:"expires"`
}

// ExternalAddr returns the public address as host:port.
func (m Mapping) ExternalAddr() string {
	return net.JoinHostPort(m.ExternalIP, fmt.Sprint(m.ExternalPort))
}

// Mapper owns the port mappings on one gateway.
type Mapper struct {
	gw     Gateway
	lease  time.Duration
	logger zerolog.Logger

	// OnChange is called when a renewal lands on a different external
	// port. It must be set before Run.
	OnChange func(Mapping)

	mu       sync.Mutex
	mappings map[string]*Mapping
}

// Discover finds the default gateway and checks that it speaks NAT-PMP.
func Discover(ctx context.Context, lease, timeout time.Duration) (*Mapper, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var ip net.IP
	err := callWithContext(ctx, func() error {
		var err error
		ip, err = gateway.DiscoverGateway()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discover gateway: %w", err)
	}
	if ip == nil || ip.IsUnspecified() {
		return nil, ErrNoGateway
	}

	client := natpmp.NewClientWithTimeout(ip, timeout)
	err = callWithContext(ctx, func() error {
		_, err := client.GetExternalAddress()
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w at %s: %v", ErrNoGateway, ip, err)
	}

	log.Info().Str("gateway", ip.String()).Msg("NAT-PMP gateway found")
	return NewMapper(client, lease), nil
}

// NewMapper creates a Mapper on gw. Leases last lease and are renewed at
// half that.
func NewMapper(gw Gateway, lease time.Duration) *Mapper {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Mapper{
		gw:       gw,
		lease:    lease,
		logger:   log.With().Str("component", "nat").Logger(),
		mappings: make(map[string]*Mapping),
	}
}

// ExternalIP asks the gateway for its public address.
func (m *Mapper) ExternalIP(ctx context.Context) (net.IP, error) {
	var res *natpmp.GetExternalAddressResult
	err := callWithContext(ctx, func() error {
		var err error
		res, err = m.gw.GetExternalAddress()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get external address: %w", err)
	}
	a := res.ExternalIPAddress
	return net.IPv4(a[0], a[1], a[2], a[3]), nil
}

// Map leases internalPort for protocol ("tcp" or "udp"), asking for the
// same external port.
func (m *Mapper) Map(ctx context.Context, protocol string, internalPort int) (Mapping, error) {
	protocol = strings.ToLower(protocol)
	mapping, err := m.add(ctx, protocol, internalPort, internalPort)
	if err != nil {
		return Mapping{}, err
	}

	m.mu.Lock()
	m.mappings[key(protocol, internalPort)] = &mapping
	m.mu.Unlock()

	m.logger.Info().
		Str("protocol", protocol).
		Int("internal", internalPort).
		Str("external", mapping.ExternalAddr()).
		Msg("port mapped")
	return mapping, nil
}

func (m *Mapper) add(ctx context.Context, protocol string, internalPort, externalPort int) (Mapping, error) {
	ip, err := m.ExternalIP(ctx)
	if err != nil {
		return Mapping{}, err
	}

	secs := int(m.lease / time.Second)
	if secs < 1 {
		secs = 1
	}

	var res *natpmp.AddPortMappingResult
	err = callWithContext(ctx, func() error {
		var err error
		res, err = m.gw.AddPortMapping(protocol, internalPort, externalPort, secs)
		return err
	})
	if err != nil {
		return Mapping{}, fmt.Errorf("failed to map %s port %d: %w", protocol, internalPort, err)
	}

	lifetime := time.Duration(res.PortMappingLifetimeInSeconds) * time.Second
	if lifetime <= 0 {
		lifetime = m.lease
	}
	return Mapping{
		Protocol:     protocol,
		InternalPort: internalPort,
		ExternalPort: int(res.MappedExternalPort),
		ExternalIP:   ip.String(),
		Expires:      time.Now().Add(lifetime),
	}, nil
}

// Mappings returns the current leases ordered by internal port.
func (m *Mapper) Mappings() []Mapping {
	m.mu.Lock()
	out := make([]Mapping, 0, len(m.mappings))
	for _, mp := range m.mappings {
		out = append(out, *mp)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].InternalPort != out[j].InternalPort {
			return out[i].InternalPort < out[j].InternalPort
		}
		return out[i].Protocol < out[j].Protocol
	})
	return out
}

// Run renews every lease at half its lifetime until ctx ends, then
// releases the mappings.
func (m *Mapper) Run(ctx context.Context) {
	ticker := time.NewTicker(m.lease / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.release()
			return
		case <-ticker.C:
			m.Renew(ctx)
		}
	}
}

// Renew refreshes every lease once, keeping the current external port.
func (m *Mapper) Renew(ctx context.Context) {
	for _, old := range m.Mappings() {
		fresh, err := m.add(ctx, old.Protocol, old.InternalPort, old.ExternalPort)
		if err != nil {
			m.logger.Warn().Err(err).Int("port", old.InternalPort).Msg("failed to renew port mapping")
			continue
		}

		m.mu.Lock()
		m.mappings[key(fresh.Protocol, fresh.InternalPort)] = &fresh
		m.mu.Unlock()

		if fresh.ExternalPort != old.ExternalPort || fresh.ExternalIP != old.ExternalIP {
			m.logger.Warn().
				Str("old", old.ExternalAddr()).
				Str("new", fresh.ExternalAddr()).
				Msg("port mapping moved")
			if m.OnChange != nil {
				m.OnChange(fresh)
			}
		}
	}
}

// release removes every mapping; a zero lifetime deletes it on the gateway.
func (m *Mapper) release() {
	m.mu.Lock()
	mappings := m.mappings
	m.mappings = make(map[string]*Mapping)
	m.mu.Unlock()

	for _, mp := range mappings {
		if _, err := m.gw.AddPortMapping(mp.Protocol, mp.InternalPort, 0, 0); err != nil {
			m.logger.Debug().Err(err).Int("port", mp.InternalPort).Msg("failed to release port mapping")
		}
	}
}

func key(protocol string, port int) string {
	return fmt.Sprintf("%s/%d", protocol, port)
}

// callWithContext runs fn and returns early with ctx's error if ctx ends
// first. fn keeps running in the background in that case.
func callWithContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
