// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

/*
Package slp implements the client side of the Server List Ping status query: a handshake
announcing the status state, an empty status request, and a JSON status response. Every packet on
the wire is prefixed with its length as a varint.

Queries are unauthenticated and stateless. [Pinger.Ping] collapses every failure into a nil
[Status] so that polling many servers tolerates any of them being unreachable.
*/
package slp
