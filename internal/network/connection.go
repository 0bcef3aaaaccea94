// Package network implements the gameplay channel: the TCP server that
// processes gameplay messages against the session state and the client
// side used by joining instances.
package network

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WriteTimeout bounds a single write on a gameplay connection.
const WriteTimeout = 10 * time.Second

// ConnState is the state of the per-connection message loop.
type ConnState int32

const (
	StateReadingID ConnState = iota
	StateReadingBody
	StateProcessing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateReadingID:
		return "reading_id"
	case StateReadingBody:
		return "reading_body"
	case StateProcessing:
		return "processing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var connCounter atomic.Uint64

// Connection wraps one gameplay-channel TCP connection. It remembers every
// registration ID accepted over it so they can be released when it closes.
type Connection struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	id     uint64
	logger zerolog.Logger

	// Timestamps
	connectedAt  time.Time
	lastActivity time.Time

	// State
	state  atomic.Int32
	regIDs map[int32]struct{}
	closed bool
}

// NewConnection wraps an existing net.Conn.
func NewConnection(conn net.Conn) *Connection {
	now := time.Now()
	id := connCounter.Add(1)
	return &Connection{
		conn:         conn,
		reader:       bufio.NewReader(conn),
		id:           id,
		connectedAt:  now,
		lastActivity: now,
		regIDs:       make(map[int32]struct{}),
		logger: log.With().
			Str("component", "gameplay_conn").
			Uint64("conn", id).
			Str("remote", conn.RemoteAddr().String()).
			Logger(),
	}
}

// ID returns the process-unique connection number.
func (c *Connection) ID() uint64 {
	return c.id
}

// Reader returns the buffered reader all inbound messages are parsed from.
func (c *Connection) Reader() io.Reader {
	return c.reader
}

// State returns the current message-loop state.
func (c *Connection) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Connection) setState(s ConnState) {
	c.state.Store(int32(s))
}

// Touch records read activity.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Write sends raw bytes through the connection.
func (c *Connection) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("connection is closed")
	}

	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	c.lastActivity = time.Now()
	return nil
}

// TrackRegID remembers a registration ID accepted over this connection.
func (c *Connection) TrackRegID(regID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regIDs[regID] = struct{}{}
}

// UntrackRegID forgets a registration ID released over this connection.
func (c *Connection) UntrackRegID(regID int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.regIDs, regID)
}

// RegIDs returns the registration IDs accepted over this connection.
func (c *Connection) RegIDs() []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int32, 0, len(c.regIDs))
	for id := range c.regIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close closes the connection. Any goroutine blocked reading from it is
// released with an I/O error.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.setState(StateClosed)
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last read/write activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ConnectionInfo describes a live connection for status displays.
type ConnectionInfo struct {
	ID           uint64    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	State        string    `json:"state"`
	RegIDs       []int32   `json:"reg_ids"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Info returns a status snapshot of the connection.
func (c *Connection) Info() ConnectionInfo {
	return ConnectionInfo{
		ID:           c.id,
		RemoteAddr:   c.RemoteAddr().String(),
		State:        c.State().String(),
		RegIDs:       c.RegIDs(),
		ConnectedAt:  c.connectedAt,
		LastActivity: c.LastActivity(),
	}
}

// ConnectionRegistry tracks active gameplay connections.
type ConnectionRegistry struct {
	mu    sync.RWMutex
	conns map[uint64]*Connection
}

// NewConnectionRegistry creates a new ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[uint64]*Connection),
	}
}

// Register adds a connection to the registry.
func (r *ConnectionRegistry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
	log.Debug().Uint64("conn", conn.ID()).Msg("connection registered")
}

// Unregister removes a connection from the registry and closes it.
func (r *ConnectionRegistry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[id]; ok {
		conn.Close()
		delete(r.conns, id)
		log.Debug().Uint64("conn", id).Msg("connection unregistered")
	}
}

// ClaimRegID makes owner the only registered connection tracking regID.
func (r *ConnectionRegistry) ClaimRegID(owner *Connection, regID int32) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, c := range r.conns {
		if id != owner.ID() {
			c.UntrackRegID(regID)
		}
	}
	owner.TrackRegID(regID)
}

// ReleaseRegID stops every connection from tracking regID.
func (r *ConnectionRegistry) ReleaseRegID(regID int32) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		c.UntrackRegID(regID)
	}
}

// Infos returns status snapshots of all active connections, oldest first.
func (r *ConnectionRegistry) Infos() []ConnectionInfo {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	infos := make([]ConnectionInfo, len(conns))
	for i, c := range conns {
		infos[i] = c.Info()
	}
	return infos
}

// Count returns the number of active connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every connection. Their handlers clean up on their own.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.conns {
		conn.Close()
	}
}
