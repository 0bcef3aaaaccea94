package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Every read helper below consumes exactly the bytes it declares through
// io.ReadFull, so a short TCP read is looped until satisfied and a stream
// ending mid-field surfaces as io.ErrUnexpectedEOF.

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func readInt32(r io.Reader) (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b[:])), nil
}

func readBool(r io.Reader) (bool, error) {
	b, err := readByte(r)
	return b != 0, err
}

// readNullString reads bytes up to and excluding a NUL terminator. The
// stream is consumed one byte at a time so nothing past the terminator is
// swallowed.
func readNullString(r io.Reader, max int) (string, error) {
	var buf []byte
	for {
		b, err := readByte(r)
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		if len(buf) >= max {
			return "", ErrFilenameTooLong
		}
		buf = append(buf, b)
	}
}

// readFixedString reads a NUL-padded field of exactly width bytes.
func readFixedString(r io.Reader, width int) (string, error) {
	buf := make([]byte, width)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

// wrapRead annotates a read error with the field being read, keeping EOF
// detectable with errors.Is.
func wrapRead(field string, err error) error {
	return fmt.Errorf("failed to read %s: %w", field, err)
}
