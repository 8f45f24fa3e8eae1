// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon_test

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schultz-is/mcrcon"
)

// pipeSession returns an unauthenticated session over one end of an in-memory pipe along with the
// server end.
func pipeSession(t *testing.T, config rcon.SessionConfig) (*rcon.Session, net.Conn) {
	t.Helper()

	cc, sc := net.Pipe()
	t.Cleanup(func() {
		_ = cc.Close()
		_ = sc.Close()
	})
	return rcon.NewSession(cc, config), sc
}

// authenticatedSession returns a session that has completed login over an in-memory pipe.
func authenticatedSession(t *testing.T, config rcon.SessionConfig) (*rcon.Session, net.Conn) {
	t.Helper()

	s, sc := pipeSession(t, config)
	done := make(chan struct{})
	go func() {
		defer close(done)
		req := readRequest(t, sc)
		writePacket(t, sc, req.ID, rcon.PacketTypeCommand, "")
	}()

	require.NoError(t, s.Authenticate(t.Context(), "secret"))
	<-done
	return s, sc
}

// serve runs handler against the server end of a pipe. The test waits for it to return before
// the pipe is torn down.
func serve(t *testing.T, sc net.Conn, handler func(sc net.Conn)) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler(sc)
	}()
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Server handler did not return")
		}
	})
}

func readRequest(t *testing.T, sc net.Conn) rcon.Packet {
	var p rcon.Packet
	_, err := p.ReadFrom(sc)
	assert.NoError(t, err, "Failed to read request packet from client")
	return p
}

func writePacket(t *testing.T, sc net.Conn, id uint32, typ rcon.PacketType, body string) {
	p := rcon.Packet{ID: id, Type: typ, Body: []byte(body)}
	_, err := p.WriteTo(sc)
	assert.NoError(t, err, "Failed to write packet to client")
}

// respond writes a response the way servers do, with the payload string carrying its own
// terminator.
func respond(t *testing.T, sc net.Conn, id uint32, text string) {
	writePacket(t, sc, id, rcon.PacketTypeResponse, text+"\x00")
}

// fakeServer is a loopback RCON server that accepts one password and echoes commands back.
type fakeServer struct {
	ln         net.Listener
	password   string
	loginDelay time.Duration
	accepts    atomic.Int32

	mu    sync.Mutex
	conns []net.Conn
	wg    sync.WaitGroup
}

func startFakeServer(t *testing.T, password string) *fakeServer {
	t.Helper()
	return startSlowFakeServer(t, password, 0)
}

// startSlowFakeServer starts a fake server that waits loginDelay before answering a login.
func startSlowFakeServer(t *testing.T, password string, loginDelay time.Duration) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeServer{ln: ln, password: password, loginDelay: loginDelay}
	f.wg.Add(1)
	go f.acceptLoop()

	t.Cleanup(func() {
		_ = ln.Close()
		f.mu.Lock()
		for _, conn := range f.conns {
			_ = conn.Close()
		}
		f.mu.Unlock()
		f.wg.Wait()
	})
	return f
}

// server returns a server entry pointing at the fake server.
func (f *fakeServer) server(id int, password string) rcon.Server {
	return rcon.Server{
		ID:       id,
		Host:     "127.0.0.1",
		RCONPort: uint16(f.ln.Addr().(*net.TCPAddr).Port),
		Password: password,
	}
}

func (f *fakeServer) acceptLoop() {
	defer f.wg.Done()
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.accepts.Add(1)

		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		f.wg.Add(1)
		go f.handle(conn)
	}
}

func (f *fakeServer) handle(conn net.Conn) {
	defer f.wg.Done()
	defer conn.Close()

	for {
		var req rcon.Packet
		if _, err := req.ReadFrom(conn); err != nil {
			return
		}

		resp := rcon.Packet{ID: req.ID, Type: rcon.PacketTypeResponse}
		if req.Type == rcon.PacketTypeLogin {
			time.Sleep(f.loginDelay)
			resp.Type = rcon.PacketTypeCommand
			if string(req.Body) != f.password {
				resp.ID = rcon.AuthFailedID
			}
		} else {
			resp.Body = append([]byte("echo: "+string(req.Body)), 0)
		}

		if _, err := resp.WriteTo(conn); err != nil {
			return
		}
	}
}

// unusedPort returns a loopback port with nothing listening on it.
func unusedPort(t *testing.T) uint16 {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return uint16(port)
}
