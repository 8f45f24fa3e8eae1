// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"net"
	"strconv"
)

// DefaultRCONPort is the port assumed for a [Server] that does not specify one.
const DefaultRCONPort uint16 = 25575

// Server identifies a remote game server and the credentials used to administer it. A Server is
// immutable once it has been issued an ID by the server list.
type Server struct {
	// ID is unique within the persisted server list. It is assigned as one more than the largest
	// existing ID.
	ID int `json:"id"`

	// Host is the hostname or IP address of the server.
	Host string `json:"ip"`

	// Name is a display label chosen by the user.
	Name string `json:"name"`

	// RCONPort is the TCP port of the RCON listener.
	RCONPort uint16 `json:"rconPort"`

	// StatusPort is the TCP port answering status queries. A nil value disables status polling.
	StatusPort *uint16 `json:"serverPort,omitempty"`

	// Password is sent in plaintext once, at login.
	Password string `json:"password"`
}

// RCONAddr returns the host:port address of the server's RCON listener.
func (s Server) RCONAddr() string {
	port := s.RCONPort
	if port == 0 {
		port = DefaultRCONPort
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(int(port)))
}

// StatusAddr returns the host:port address used for status queries and whether one is configured.
func (s Server) StatusAddr() (string, bool) {
	if s.StatusPort == nil {
		return "", false
	}
	return net.JoinHostPort(s.Host, strconv.Itoa(int(*s.StatusPort))), true
}

// Label returns the display name of the server, falling back on its address.
func (s Server) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.RCONAddr()
}
