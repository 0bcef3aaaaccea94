// Package health runs periodic checks on the subsystems of a netplay64
// process: its listeners, the room database, NAT leases and disk space.
// Results back the health endpoint and a telemetry heartbeat.
package health

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netplay64/netplay64/internal/db"
	"github.com/netplay64/netplay64/internal/events"
	"github.com/netplay64/netplay64/internal/nat"
	"github.com/netplay64/netplay64/internal/util"
)

// Check returns nil when the subsystem is healthy.
type Check func(ctx context.Context) error

// Result is the outcome of the latest run of one check.
type Result struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

type check struct {
	name     string
	interval time.Duration
	fn       Check
}

// Manager runs registered checks, each on its own ticker.
type Manager struct {
	eventBus *events.EventBus
	logger   zerolog.Logger

	mu      sync.RWMutex
	checks  []check
	results map[string]Result

	heartbeat time.Duration
	status    func() map[string]interface{}
}

// NewManager creates a health check manager.
func NewManager(eventBus *events.EventBus) *Manager {
	return &Manager{
		eventBus: eventBus,
		logger:   util.ComponentLogger("health"),
		results:  make(map[string]Result),
	}
}

// Register adds a check. Checks with a non-positive interval are ignored.
func (m *Manager) Register(name string, interval time.Duration, fn Check) {
	if interval <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, check{name: name, interval: interval, fn: fn})
}

// Heartbeat publishes status() for telemetry every interval.
func (m *Manager) Heartbeat(interval time.Duration, status func() map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeat = interval
	m.status = status
}

// Start runs every check immediately and then on its ticker until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.RLock()
	checks := append([]check(nil), m.checks...)
	heartbeat, status := m.heartbeat, m.status
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(c.interval)
			defer ticker.Stop()

			m.run(ctx, c)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.run(ctx, c)
				}
			}
		}()
	}

	if heartbeat > 0 && status != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.heartbeatLoop(ctx, heartbeat, status)
		}()
	}

	m.logger.Info().Int("checks", len(checks)).Msg("health check manager started")
	<-ctx.Done()
	wg.Wait()
	m.logger.Info().Msg("health check manager stopped")
}

// run executes one check and records the result. State changes are
// logged and published.
func (m *Manager) run(ctx context.Context, c check) {
	err := c.fn(ctx)
	res := Result{Name: c.name, Healthy: err == nil, CheckedAt: time.Now()}
	if err != nil {
		res.Message = err.Error()
	}

	m.mu.Lock()
	prev, seen := m.results[c.name]
	m.results[c.name] = res
	m.mu.Unlock()

	if seen && prev.Healthy == res.Healthy {
		return
	}
	if res.Healthy {
		if seen {
			m.logger.Info().Str("check", c.name).Msg("check recovered")
		}
	} else {
		m.logger.Warn().Str("check", c.name).Str("reason", res.Message).Msg("check failing")
	}
	events.Publish(ctx, m.eventBus, "health", events.EventNotifyMQTT, map[string]interface{}{
		"type":    "health",
		"check":   res.Name,
		"healthy": res.Healthy,
		"message": res.Message,
	})
}

func (m *Manager) heartbeatLoop(ctx context.Context, interval time.Duration, status func() map[string]interface{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload := status()
			payload["type"] = "heartbeat"
			payload["healthy"] = m.Healthy()
			payload["timestamp"] = time.Now().Unix()
			events.Publish(ctx, m.eventBus, "heartbeat", events.EventNotifyMQTT, payload)
		}
	}
}

// Results returns the latest result of every check that has run, by name.
func (m *Manager) Results() []Result {
	m.mu.RLock()
	out := make([]Result, 0, len(m.results))
	for _, r := range m.results {
		out = append(out, r)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every check passed on its latest run.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.results {
		if !r.Healthy {
			return false
		}
	}
	return true
}

// Listening checks that a local TCP listener accepts connections.
func Listening(port func() int) Check {
	return func(ctx context.Context) error {
		p := port()
		if p <= 0 {
			return fmt.Errorf("not listening")
		}
		dialer := net.Dialer{Timeout: 2 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
		if err != nil {
			return fmt.Errorf("port %d not accepting: %w", p, err)
		}
		return conn.Close()
	}
}

// RoomStore checks that the room database answers queries.
func RoomStore(store *db.RoomStore) Check {
	return func(ctx context.Context) error {
		if _, err := store.ListRooms(); err != nil {
			return fmt.Errorf("room database unavailable: %w", err)
		}
		return nil
	}
}

// NATLeases fails when a port mapping has expired, which means renewals
// are no longer reaching the gateway.
func NATLeases(mappings func() []nat.Mapping) Check {
	return func(ctx context.Context) error {
		now := time.Now()
		for _, mp := range mappings() {
			if mp.Expires.Before(now) {
				return fmt.Errorf("%s mapping for port %d expired at %s",
					mp.Protocol, mp.InternalPort, mp.Expires.Format(time.RFC3339))
			}
		}
		return nil
	}
}

// DiskSpace fails when the volume holding path is fuller than maxPercent.
func DiskSpace(path string, maxPercent float64) Check {
	return func(ctx context.Context) error {
		usage, err := util.GetDiskUsage(path)
		if err != nil {
			return err
		}
		if usage.UsedPercent > maxPercent {
			return fmt.Errorf("disk usage at %.1f%% (%d MB free)", usage.UsedPercent, usage.FreeMB)
		}
		return nil
	}
}
