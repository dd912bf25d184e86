package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic opens every handshake.
const Magic = "NLMV"

// Version is the protocol version spoken by this package.
const Version uint32 = 1

// Role identifies what kind of server answered a handshake.
type Role byte

const (
	RoleLoadBalancer Role = 0
	RoleDataServer   Role = 1
)

const (
	clientHandshakeSize = len(Magic) + 4
	serverHandshakeSize = len(Magic) + 4 + 1
)

var (
	// ErrBadMagic is returned when the peer does not speak this protocol.
	ErrBadMagic = errors.New("wire: bad handshake magic")
	// ErrVersion is returned for an unsupported protocol version.
	ErrVersion = errors.New("wire: unsupported protocol version")
)

// WriteClientHandshake sends the client half of the handshake.
func WriteClientHandshake(w io.Writer) error {
	buf := make([]byte, clientHandshakeSize)
	copy(buf, Magic)
	binary.BigEndian.PutUint32(buf[len(Magic):], Version)
	_, err := w.Write(buf)
	return err
}

// ReadClientHandshake reads and validates the client half of the handshake.
func ReadClientHandshake(r io.Reader) (uint32, error) {
	buf := make([]byte, clientHandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, fmt.Errorf("wire: read client handshake: %w", err)
	}
	if !bytes.Equal(buf[:len(Magic)], []byte(Magic)) {
		return 0, ErrBadMagic
	}
	version := binary.BigEndian.Uint32(buf[len(Magic):])
	if version != Version {
		return version, fmt.Errorf("%w: %d", ErrVersion, version)
	}
	return version, nil
}

// WriteServerHandshake answers a client handshake.
func WriteServerHandshake(w io.Writer, role Role) error {
	buf := make([]byte, serverHandshakeSize)
	copy(buf, Magic)
	binary.BigEndian.PutUint32(buf[len(Magic):], Version)
	buf[serverHandshakeSize-1] = byte(role)
	_, err := w.Write(buf)
	return err
}

// ReadServerHandshake reads the server half of the handshake.
func ReadServerHandshake(r io.Reader) (uint32, Role, error) {
	buf := make([]byte, serverHandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, 0, fmt.Errorf("wire: read server handshake: %w", err)
	}
	if !bytes.Equal(buf[:len(Magic)], []byte(Magic)) {
		return 0, 0, ErrBadMagic
	}
	version := binary.BigEndian.Uint32(buf[len(Magic):])
	if version != Version {
		return version, 0, fmt.Errorf("%w: %d", ErrVersion, version)
	}
	return version, Role(buf[serverHandshakeSize-1]), nil
}
