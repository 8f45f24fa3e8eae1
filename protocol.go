// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// HeaderSize is the size of the request ID and type fields that follow the length prefix.
const HeaderSize = 4 + 4

// WrapperSize is the cumulative size of non-body bytes that contribute to the packet length that
// precedes a binary packet: eight bytes for the request ID and type, and a single terminator
// byte. The length prefix itself is not included.
//
// The commonly documented protocol ends packets in two zero bytes. Servers accept the single
// terminator, and the response reassembly in [Session] is paired with it.
const WrapperSize = HeaderSize + 1

// MaximumPacketSize is the largest length prefix accepted on a received packet. Anything larger
// is treated as a corrupted or hostile length field and rejected before any allocation.
const MaximumPacketSize = 4110

// FragmentSize is the body size of a non-final response fragment. A response body of exactly
// this many bytes signals that more fragments sharing the same request ID follow.
const FragmentSize = 4096

// AuthFailedID is the request ID a server returns in response to a login packet carrying the
// wrong password.
const AuthFailedID uint32 = 0xFFFFFFFF

// PacketType indicates the purpose of a packet.
type PacketType uint32

const (
	// PacketTypeResponse is a server response packet containing the output of a command.
	PacketTypeResponse PacketType = 0

	// PacketTypeCommand is a client request packet containing a command to execute.
	PacketTypeCommand PacketType = 2

	// PacketTypeLogin is a client authorization request packet. Its body is the server password.
	PacketTypeLogin PacketType = 3
)

// String returns the name of the packet type.
func (t PacketType) String() string {
	switch t {
	case PacketTypeResponse:
		return "response"
	case PacketTypeCommand:
		return "command"
	case PacketTypeLogin:
		return "login"
	}
	return fmt.Sprintf("PacketType(%d)", uint32(t))
}

var (
	errPacketTooLarge = errors.New("packet too large")
	errPacketTooSmall = errors.New("packet too small")
	errNotTerminated  = errors.New("packet incorrectly terminated")
	errTrailingBytes  = errors.New("trailing bytes after packet")
)

var latin1 = charmap.ISO8859_1

// Packet is a singular RCON protocol packet, either as a request from a client or a response from
// a server.
type Packet struct {
	// ID correlates request packets with response packets. A response to a login request carrying
	// [AuthFailedID] signals that authentication failed.
	ID uint32

	// Type indicates the purpose of the packet.
	Type PacketType

	// Body holds the payload as raw Latin-1 bytes, without the terminator.
	Body []byte
}

// NewPacket encodes text as Latin-1 and returns a packet carrying it. Characters that have no
// Latin-1 representation are substituted.
func NewPacket(text string, typ PacketType, id uint32) (Packet, error) {
	body, err := encoding.ReplaceUnsupported(latin1.NewEncoder()).Bytes([]byte(text))
	if err != nil {
		return Packet{}, err
	}
	return Packet{ID: id, Type: typ, Body: body}, nil
}

// Text decodes the packet body from Latin-1.
func (p Packet) Text() string {
	return latin1Text(p.Body)
}

func latin1Text(b []byte) string {
	// Every byte maps to exactly one rune, so decoding cannot fail.
	s, _ := latin1.NewDecoder().Bytes(b)
	return string(s)
}

// MarshalBinary encodes the receiving [Packet] into binary form and returns the result. This
// satisfies the encoding.BinaryMarshaler interface.
func (p Packet) MarshalBinary() ([]byte, error) {
	packetSize := len(p.Body) + WrapperSize
	if packetSize > MaximumPacketSize {
		return nil, errPacketTooLarge
	}

	b := make([]byte, 4+packetSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(packetSize))
	binary.LittleEndian.PutUint32(b[4:], p.ID)
	binary.LittleEndian.PutUint32(b[8:], uint32(p.Type))
	copy(b[12:], p.Body)
	// The final byte is left as the zero terminator.

	return b, nil
}

// WriteTo writes a binary representation of the packet to [io.Writer] w. This method satisfies the
// [io.WriterTo] interface.
func (p Packet) WriteTo(w io.Writer) (int64, error) {
	bs, err := p.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(bs)

	return int64(n), err
}

// UnmarshalBinary decodes the binary encoded packet b, including its length prefix, into the
// receiving [Packet]. Trailing bytes beyond the declared length are rejected. This satisfies the
// encoding.BinaryUnmarshaler interface.
func (p *Packet) UnmarshalBinary(b []byte) error {
	r := bytes.NewReader(b)
	if _, err := p.ReadFrom(r); err != nil {
		return err
	}
	if r.Len() != 0 {
		return errTrailingBytes
	}
	return nil
}

// ReadFrom reads a length-prefixed binary packet into the receiving [Packet]. The length prefix is
// validated before the rest of the packet is read, so an oversized prefix results in no further
// reads. This method satisfies the [io.ReaderFrom] interface.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var prefix [4]byte
	n, err := io.ReadFull(r, prefix[:])
	if err != nil {
		return int64(n), err
	}

	packetSize, err := checkPacketSize(binary.LittleEndian.Uint32(prefix[:]))
	if err != nil {
		return int64(n), err
	}

	frame := make([]byte, packetSize)
	m, err := io.ReadFull(r, frame)
	if err != nil {
		return int64(n + m), err
	}

	return int64(n + m), p.decodeFrame(frame)
}

// checkPacketSize validates a length prefix read off the wire.
func checkPacketSize(size uint32) (int, error) {
	switch {
	case size > MaximumPacketSize:
		return 0, fmt.Errorf("%w: declared length %d", errPacketTooLarge, size)
	case size < WrapperSize:
		return 0, fmt.Errorf("%w: declared length %d", errPacketTooSmall, size)
	}
	return int(size), nil
}

// decodeFrame decodes everything that follows the length prefix: ID, type, body and terminator.
func (p *Packet) decodeFrame(frame []byte) error {
	if len(frame) < WrapperSize {
		return errPacketTooSmall
	}
	if frame[len(frame)-1] != 0 {
		return errNotTerminated
	}
	p.ID = binary.LittleEndian.Uint32(frame[0:])
	p.Type = PacketType(binary.LittleEndian.Uint32(frame[4:]))
	p.Body = append([]byte(nil), frame[HeaderSize:len(frame)-1]...)
	return nil
}

// EqualTo determines if the provided Packet content matches the receiving Packet content.
func (p Packet) EqualTo(p2 Packet) bool {
	switch {
	case p.ID != p2.ID:
		return false
	case p.Type != p2.Type:
		return false
	case !bytes.Equal(p.Body, p2.Body):
		return false
	}
	return true
}

// Clone returns a deep copy of the receiving Packet.
func (p Packet) Clone() Packet {
	p.Body = bytes.Clone(p.Body)
	return p
}

// final reports whether the packet is the last fragment of a response.
func (p Packet) final() bool {
	return len(p.Body) != FragmentSize
}
