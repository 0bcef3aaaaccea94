package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/netplay64/netplay64/internal/protocol"
)

// GameplayClient is the joining side of the gameplay channel. Calls are
// serialized because replies carry no message ID and are matched to their
// request by order.
type GameplayClient struct {
	reqMu sync.Mutex
	conn  *Connection
}

// DialGameplay connects to a gameplay server at addr (host:port).
func DialGameplay(ctx context.Context, addr string) (*GameplayClient, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gameplay server %s: %w", addr, err)
	}
	return &GameplayClient{conn: NewConnection(raw)}, nil
}

// RegisterPlayer claims a slot and returns the host's verdict and buffer
// target.
func (c *GameplayClient) RegisterPlayer(player byte, plugin byte, raw bool, regID int32) (accepted bool, bufferTarget int, err error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	msg := protocol.PlayerRegistrationMsg{Player: player, Plugin: plugin, Raw: raw, RegID: regID}
	if err := c.conn.Write(protocol.EncodePlayerRegistration(msg)); err != nil {
		return false, 0, err
	}
	return protocol.ReadRegistrationReply(c.conn.Reader())
}

// Registrations fetches the host's slot table.
func (c *GameplayClient) Registrations() ([protocol.MaxPlayers]protocol.Registration, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.conn.Write(protocol.EncodeRequestPlayerRegistration()); err != nil {
		return [protocol.MaxPlayers]protocol.Registration{}, err
	}
	return protocol.ReadRegistrations(c.conn.Reader())
}

// SendSettings overwrites the session core settings.
func (c *GameplayClient) SendSettings(s protocol.CoreSettings) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.conn.Write(protocol.EncodeSettingsUpdate(s))
}

// RequestSettings fetches the session core settings.
func (c *GameplayClient) RequestSettings() (protocol.CoreSettings, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.conn.Write(protocol.EncodeRequestSettings()); err != nil {
		return protocol.CoreSettings{}, err
	}
	return protocol.ReadSettings(c.conn.Reader())
}

// SendSaveFile uploads a save file to the host.
func (c *GameplayClient) SendSaveFile(name string, data []byte) error {
	msg, err := protocol.EncodeSaveFileData(name, data)
	if err != nil {
		return err
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.conn.Write(msg)
}

// RequestSaveFile downloads a save file. The reply carries no length, so
// the caller passes the size it expects for the save type.
func (c *GameplayClient) RequestSaveFile(name string, size int) ([]byte, error) {
	if size < 0 || size > protocol.MaxSaveFileSize {
		return nil, fmt.Errorf("%w: %d bytes", protocol.ErrSaveFileTooLarge, size)
	}
	msg, err := protocol.EncodeRequestSaveFileData(name)
	if err != nil {
		return nil, err
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if err := c.conn.Write(msg); err != nil {
		return nil, err
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(c.conn.Reader(), data); err != nil {
		return nil, fmt.Errorf("failed to read save file %s: %w", name, err)
	}
	return data, nil
}

// Disconnect releases the slot held by regID.
func (c *GameplayClient) Disconnect(regID int32) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return c.conn.Write(protocol.EncodePlayerDisconnect(regID))
}

// Close closes the connection.
func (c *GameplayClient) Close() error {
	return c.conn.Close()
}
