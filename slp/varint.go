// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package slp

import (
	"errors"
	"io"
)

// MaxVarIntLen is the number of bytes after which decoding stops, whether or not the last byte
// read carries a continuation bit. Five groups of seven bits cover 35 bits.
const MaxVarIntLen = 5

var errVarIntTruncated = errors.New("slp: varint truncated")

// AppendVarInt appends the varint encoding of v to dst and returns the extended slice. Seven bits
// are emitted per byte, least significant group first, with the high bit set on every byte except
// the last.
func AppendVarInt(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// VarIntLen returns the number of bytes AppendVarInt emits for v.
func VarIntLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// DecodeVarInt decodes a varint from the start of b and returns the value and the number of bytes
// consumed. If b ends before the varint does, n is zero.
//
// Decoding never reads more than [MaxVarIntLen] bytes. When the fifth byte still has its
// continuation bit set the value accumulated so far is returned as is. Hostile input therefore
// cannot force an unbounded read, at the cost of not decoding values wider than 35 bits.
func DecodeVarInt(b []byte) (value uint64, n int) {
	for shift := 0; n < MaxVarIntLen; shift += 7 {
		if n >= len(b) {
			return 0, 0
		}
		c := b[n]
		n++
		value |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			break
		}
	}
	return value, n
}

// ReadVarInt reads a varint from r one byte at a time, with the same five byte limit as
// [DecodeVarInt].
func ReadVarInt(r io.ByteReader) (uint64, error) {
	var value uint64
	for i := 0; i < MaxVarIntLen; i++ {
		c, err := r.ReadByte()
		if err != nil {
			if err == io.EOF && i > 0 {
				return 0, errVarIntTruncated
			}
			return 0, err
		}
		value |= uint64(c&0x7f) << (7 * i)
		if c&0x80 == 0 {
			break
		}
	}
	return value, nil
}
