package protocol

import (
	"fmt"
	"io"
)

// Rendezvous request IDs (4 bytes). Each connection carries one request and
// its reply.
const (
	RendezvousRegister   int32 = 1 // port:i32, name:fixed -> code:i32
	RendezvousLookup     int32 = 2 // code:i32 -> port:i32, host:fixed
	RendezvousUnregister int32 = 3 // code:i32 -> ok:u8
)

// RendezvousRequest is a parsed rendezvous request.
type RendezvousRequest struct {
	Kind int32
	Code int32
	Port int32
	Name string
}

// RendezvousLookupReply is the reply to a lookup. Port is NoPlayer (-1)
// when the code is unknown.
type RendezvousLookupReply struct {
	Port int32
	Host string
}

// Found reports whether the lookup resolved to a host.
func (r RendezvousLookupReply) Found() bool {
	return r.Port != NoPlayer
}

// EncodeRendezvousRequest serializes a rendezvous request.
func EncodeRendezvousRequest(req RendezvousRequest) ([]byte, error) {
	b := NewPacketBuilder().WriteInt32(req.Kind)
	switch req.Kind {
	case RendezvousRegister:
		if !FitsField(req.Name, NameFieldSize) {
			return nil, fmt.Errorf("%w: room name %q", ErrFieldTooLong, req.Name)
		}
		b.WriteInt32(req.Port).WriteFixedString(req.Name, NameFieldSize)
	case RendezvousLookup, RendezvousUnregister:
		b.WriteInt32(req.Code)
	default:
		return nil, fmt.Errorf("%w: rendezvous id %d", ErrUnknownMessage, req.Kind)
	}
	return b.Build(), nil
}

// ReadRendezvousRequest parses one rendezvous request.
func ReadRendezvousRequest(r io.Reader) (RendezvousRequest, error) {
	var req RendezvousRequest
	var err error
	if req.Kind, err = readInt32(r); err != nil {
		return req, wrapRead("rendezvous id", err)
	}
	switch req.Kind {
	case RendezvousRegister:
		if req.Port, err = readInt32(r); err != nil {
			return req, wrapRead("room port", err)
		}
		if req.Name, err = readFixedString(r, NameFieldSize); err != nil {
			return req, wrapRead("room name", err)
		}
	case RendezvousLookup, RendezvousUnregister:
		if req.Code, err = readInt32(r); err != nil {
			return req, wrapRead("room code", err)
		}
	default:
		return req, fmt.Errorf("%w: rendezvous id %d", ErrUnknownMessage, req.Kind)
	}
	return req, nil
}

// EncodeRendezvousCode builds the reply to a register request.
func EncodeRendezvousCode(code int32) []byte {
	return NewPacketBuilder().WriteInt32(code).Build()
}

// ReadRendezvousCode parses the reply to a register request.
func ReadRendezvousCode(r io.Reader) (int32, error) {
	code, err := readInt32(r)
	if err != nil {
		return 0, wrapRead("room code", err)
	}
	return code, nil
}

// EncodeRendezvousLookupReply builds the reply to a lookup request.
func EncodeRendezvousLookupReply(reply RendezvousLookupReply) []byte {
	return NewPacketBuilder().
		WriteInt32(reply.Port).
		WriteFixedString(reply.Host, HostFieldSize).
		Build()
}

// ReadRendezvousLookupReply parses the reply to a lookup request.
func ReadRendezvousLookupReply(r io.Reader) (RendezvousLookupReply, error) {
	var reply RendezvousLookupReply
	var err error
	if reply.Port, err = readInt32(r); err != nil {
		return reply, wrapRead("room port", err)
	}
	if reply.Host, err = readFixedString(r, HostFieldSize); err != nil {
		return reply, wrapRead("room host", err)
	}
	return reply, nil
}

// EncodeRendezvousAck builds the reply to an unregister request.
func EncodeRendezvousAck(ok bool) []byte {
	return NewPacketBuilder().WriteBool(ok).Build()
}

// ReadRendezvousAck parses the reply to an unregister request.
func ReadRendezvousAck(r io.Reader) (bool, error) {
	ok, err := readBool(r)
	if err != nil {
		return false, wrapRead("unregister ack", err)
	}
	return ok, nil
}
