// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

/*
Package rcon provides mechanisms for administering game servers over the Source RCON protocol as
described by Valve Software at https://developer.valvesoftware.com/wiki/Source_RCON_Protocol.

A [Session] owns one authenticated connection and executes one command at a time, reassembling
fragmented responses. A [Registry] maps each [Server] to at most one live [Session]. The
companion package slp polls the same servers for status without authentication.

Payload text is carried as Latin-1, one byte per character. Packets written by this package end
in a single terminator byte, and the final byte of every reassembled response is dropped; the two
behaviors are paired and must be changed together.
*/
package rcon
