package rendezvous

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/netplay64/netplay64/internal/protocol"
)

var (
	// ErrRoomNotFound is returned by Lookup for an unknown room code.
	ErrRoomNotFound = errors.New("room code not found")
	// ErrRegisterRefused is returned when the service declines a room.
	ErrRegisterRefused = errors.New("rendezvous service refused the room")
)

// Room is a resolved room code.
type Room struct {
	Code int32
	Host string
	Port int
}

// Addr returns the room address as host:port.
func (r Room) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// Client talks to a rendezvous server.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient creates a client for the server at addr (host:port).
func NewClient(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Client{addr: addr, timeout: timeout}
}

// Register publishes the room listening on port and returns its code. The
// service records the address it sees the request come from.
func (c *Client) Register(ctx context.Context, port int, name string) (int32, error) {
	var code int32
	err := c.roundTrip(ctx, protocol.RendezvousRequest{Kind: protocol.RendezvousRegister, Port: int32(port), Name: name},
		func(r io.Reader) error {
			var err error
			code, err = protocol.ReadRendezvousCode(r)
			return err
		})
	if err != nil {
		return 0, err
	}
	if code == protocol.NoPlayer {
		return 0, ErrRegisterRefused
	}
	return code, nil
}

// Lookup resolves a room code.
func (c *Client) Lookup(ctx context.Context, code int32) (Room, error) {
	var reply protocol.RendezvousLookupReply
	err := c.roundTrip(ctx, protocol.RendezvousRequest{Kind: protocol.RendezvousLookup, Code: code},
		func(r io.Reader) error {
			var err error
			reply, err = protocol.ReadRendezvousLookupReply(r)
			return err
		})
	if err != nil {
		return Room{}, err
	}
	if !reply.Found() {
		return Room{}, fmt.Errorf("%w: %d", ErrRoomNotFound, code)
	}
	return Room{Code: code, Host: reply.Host, Port: int(reply.Port)}, nil
}

// Unregister withdraws a room code and reports whether it existed.
func (c *Client) Unregister(ctx context.Context, code int32) (bool, error) {
	var ok bool
	err := c.roundTrip(ctx, protocol.RendezvousRequest{Kind: protocol.RendezvousUnregister, Code: code},
		func(r io.Reader) error {
			var err error
			ok, err = protocol.ReadRendezvousAck(r)
			return err
		})
	return ok, err
}

func (c *Client) roundTrip(ctx context.Context, req protocol.RendezvousRequest, read func(io.Reader) error) error {
	data, err := protocol.EncodeRendezvousRequest(req)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to rendezvous %s: %w", c.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("failed to send rendezvous request: %w", err)
	}
	if err := read(bufio.NewReader(conn)); err != nil {
		return fmt.Errorf("failed to read rendezvous reply: %w", err)
	}
	return nil
}
