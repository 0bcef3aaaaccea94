package protocol

import (
	"bytes"
	"fmt"
	"io"
)

// ServiceType identifies netplay64 announcements on the local network.
const ServiceType = "_n64netplay._tcp"

// serviceFieldSize is the width of the service type field that opens every
// announcement datagram.
const serviceFieldSize = 32

// AnnouncementSize is the exact size of an encoded announcement.
const AnnouncementSize = serviceFieldSize + 4 + 4 + 4 + 16 + NameFieldSize + MD5FieldSize

// Announcement advertises a hosted session on the local network.
type Announcement struct {
	Version  int32
	ServerID int32
	Port     int32
	Instance [16]byte
	Name     string
	RomMD5   string
}

// EncodeAnnouncement serializes an announcement datagram.
func EncodeAnnouncement(a Announcement) ([]byte, error) {
	if !FitsField(a.Name, NameFieldSize) || !FitsField(a.RomMD5, MD5FieldSize) {
		return nil, fmt.Errorf("%w: announcement", ErrFieldTooLong)
	}
	return NewPacketBuilder().
		WriteFixedString(ServiceType, serviceFieldSize).
		WriteInt32(a.Version).
		WriteInt32(a.ServerID).
		WriteInt32(a.Port).
		WriteBytes(a.Instance[:]).
		WriteFixedString(a.Name, NameFieldSize).
		WriteFixedString(a.RomMD5, MD5FieldSize).
		Build(), nil
}

// DecodeAnnouncement parses an announcement datagram. Datagrams from other
// services fail with ErrBadMagic.
func DecodeAnnouncement(data []byte) (Announcement, error) {
	var a Announcement
	if len(data) != AnnouncementSize {
		return a, fmt.Errorf("%w: %d byte datagram", ErrBadMagic, len(data))
	}
	r := bytes.NewReader(data)
	service, err := readFixedString(r, serviceFieldSize)
	if err != nil || service != ServiceType {
		return a, ErrBadMagic
	}
	if a.Version, err = readInt32(r); err != nil {
		return a, wrapRead("announcement version", err)
	}
	if a.ServerID, err = readInt32(r); err != nil {
		return a, wrapRead("announcement server id", err)
	}
	if a.Port, err = readInt32(r); err != nil {
		return a, wrapRead("announcement port", err)
	}
	if _, err = io.ReadFull(r, a.Instance[:]); err != nil {
		return a, wrapRead("announcement instance", err)
	}
	if a.Name, err = readFixedString(r, NameFieldSize); err != nil {
		return a, wrapRead("announcement name", err)
	}
	if a.RomMD5, err = readFixedString(r, MD5FieldSize); err != nil {
		return a, wrapRead("announcement rom md5", err)
	}
	return a, nil
}
