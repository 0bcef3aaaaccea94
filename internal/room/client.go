package room

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/netplay64/netplay64/internal/protocol"
)

// Client is the joining side of one room-negotiation connection. Messages
// pushed by the host are delivered on Messages, which is closed when the
// connection ends.
type Client struct {
	conn   net.Conn
	host   string
	logger zerolog.Logger

	wmu  sync.Mutex
	msgs chan protocol.RoomMessage
	done chan struct{}

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

// Dial connects to a room server at addr (host:port) and starts the read
// loop.
func Dial(ctx context.Context, addr string) (*Client, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid room address %q: %w", addr, err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to room %s: %w", addr, err)
	}

	c := &Client{
		conn:   conn,
		host:   host,
		logger: log.With().Str("component", "room_client").Str("remote", addr).Logger(),
		msgs:   make(chan protocol.RoomMessage, 8),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.msgs)
	reader := bufio.NewReader(c.conn)
	for {
		msg, err := protocol.ReadServerRoomMessage(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.logger.Debug().Err(err).Msg("room connection ended")
			}
			c.setErr(err)
			c.Close()
			return
		}
		select {
		case c.msgs <- msg:
		case <-c.done:
			return
		}
	}
}

// Messages returns the stream of host-pushed messages.
func (c *Client) Messages() <-chan protocol.RoomMessage {
	return c.msgs
}

// Err returns the error that ended the read loop, if it has ended.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

// Host returns the host part of the dialed address.
func (c *Client) Host() string {
	return c.host
}

func (c *Client) send(m protocol.RoomMessage) error {
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

// RequestRoomData asks for the host's version, device name and ROM MD5.
// The reply arrives on Messages as a RoomDataMsg.
func (c *Client) RequestRoomData() error {
	return c.send(protocol.GetRoomDataMsg{})
}

// Register asks for a player slot. The host answers with a pushed
// RoomRegistrationMsg.
func (c *Client) Register(deviceName string) error {
	return c.send(protocol.RegisterToRoomMsg{DeviceName: deviceName})
}

// Leave tells the host this client is leaving, then closes.
func (c *Client) Leave() error {
	err := c.send(protocol.LeaveRoomMsg{})
	c.Close()
	return err
}

// Close closes the connection; the read loop ends and Messages closes.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
