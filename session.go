// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultConnectTimeout bounds establishing the TCP connection at login.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultReadTimeout bounds every individual read from the connection.
	DefaultReadTimeout = 1 * time.Second

	// DefaultWriteTimeout bounds every individual write to the connection.
	DefaultWriteTimeout = 5 * time.Second

	// DefaultDrainWindow is how long a session waits for residual bytes when clearing the
	// connection before a command.
	DefaultDrainWindow = 1 * time.Millisecond
)

const (
	// maxStrayFrames bounds how many frames under foreign request IDs are skipped while waiting
	// for the awaited one.
	maxStrayFrames = 16

	// maxResponseSize bounds the reassembled body of a single fragmented response.
	maxResponseSize = 1 << 20
)

// State is the lifecycle state of a [Session].
type State int32

const (
	// StateUnauthenticated is a connected session that has not completed login.
	StateUnauthenticated State = iota

	// StateAuthenticated is a session that accepts commands.
	StateAuthenticated

	// StateClosed is a session whose connection has been torn down.
	StateClosed
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Session is a single RCON connection. While the RCON protocol specifies transport over TCP, a
// session accepts anything that satisfies the [net.Conn] interface when created through
// [NewSession]; [Login] dials TCP itself.
//
// A session executes at most one command at a time. Concurrent callers of [Session.Send] block
// until the command ahead of them has completed or failed; no two requests are ever interleaved
// on the wire.
//
// RCON does not specify any keep alive functionality, so a session may return [ErrClosed] when
// idle for an extended period. A failed command does not close the session; whether to
// disconnect afterwards is left to the caller.
type Session struct {
	// seq is the next request ID. Login consumes ID zero, so the first command is sent as one.
	seq atomic.Uint32

	// state holds a State. It is written with mu held and may be read without it.
	state atomic.Int32

	// mu is held for the full round trip of every request.
	mu sync.Mutex

	// conn is the underlying connection RCON messages are sent and received over.
	conn net.Conn

	// pending holds at most one frame that arrived under a request ID nobody was waiting for.
	pending *Packet

	readTimeout  time.Duration
	writeTimeout time.Duration
	drainWindow  time.Duration

	logger  zerolog.Logger
	metrics *Metrics

	// logOutboundAuthPackets disables scrubbing of login packets in debug logs.
	logOutboundAuthPackets bool
}

// SessionConfig contains settings to control [Session] instances. The zero value is usable.
type SessionConfig struct {
	// ConnectTimeout limits establishing the TCP connection in [Login]. Zero means
	// [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// ReadTimeout limits every individual read. Zero means [DefaultReadTimeout].
	ReadTimeout time.Duration

	// WriteTimeout limits every individual write. Zero means [DefaultWriteTimeout].
	WriteTimeout time.Duration

	// DrainWindow is how long residual bytes are drained before each command. Zero means
	// [DefaultDrainWindow].
	DrainWindow time.Duration

	// Logger receives log entries from a session. Packets are traced at debug level.
	Logger *zerolog.Logger

	// Metrics, when set, records logins and command round trips.
	Metrics *Metrics

	// LogOutboundAuthPackets enables debug logging of login packets, exposing server passwords in
	// plaintext. When false (the default), login packet bodies are scrubbed before logging.
	//
	// WARNING: Only enable this flag if you are aware of the implications and are willing to accept
	// the risks!
	LogOutboundAuthPackets bool
}

func (c SessionConfig) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return DefaultConnectTimeout
}

// NewSession creates an unauthenticated [Session] that uses conn as its transport. Call
// [Session.Authenticate] before sending commands.
//
// Once a conn is provided to NewSession, it should not be used outside of the session in order to
// ensure reliable message delivery.
func NewSession(conn net.Conn, config SessionConfig) *Session {
	s := &Session{
		conn:                   conn,
		readTimeout:            orDefault(config.ReadTimeout, DefaultReadTimeout),
		writeTimeout:           orDefault(config.WriteTimeout, DefaultWriteTimeout),
		drainWindow:            orDefault(config.DrainWindow, DefaultDrainWindow),
		logger:                 zerolog.Nop(),
		metrics:                config.Metrics,
		logOutboundAuthPackets: config.LogOutboundAuthPackets,
	}
	if config.Logger != nil {
		s.logger = config.Logger.With().Str("component", "session").Logger()
	}
	s.state.Store(int32(StateUnauthenticated))
	return s
}

// Login dials the RCON port of srv and authenticates with its password. On failure no session is
// returned and the connection, if any, is closed.
func Login(ctx context.Context, srv Server, config SessionConfig) (*Session, error) {
	d := net.Dialer{Timeout: config.connectTimeout()}
	conn, err := d.DialContext(ctx, "tcp", srv.RCONAddr())
	if err != nil {
		err = &OpError{Op: "dial " + srv.RCONAddr(), Kind: ErrConnectFailed, Err: err}
		config.Metrics.ObserveLogin(err)
		return nil, err
	}

	s := NewSession(conn, config)
	s.logger = s.logger.With().Int("server_id", srv.ID).Str("addr", srv.RCONAddr()).Logger()

	if err := s.Authenticate(ctx, srv.Password); err != nil {
		return nil, err
	}
	return s, nil
}

// State returns the current lifecycle state of the session.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Authenticate sends the login packet carrying password and waits for the server's verdict. Any
// response type is accepted, because some servers echo the login packet before answering it. If
// the verdict carries [AuthFailedID], the connection is closed and [ErrAuthenticationFailed] is
// returned. Any other failure also closes the connection.
func (s *Session) Authenticate(ctx context.Context, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := contextError(ctx, "login")
	if err != nil {
		_ = s.closeLocked()
	} else {
		err = s.authenticate(password)
	}
	s.metrics.ObserveLogin(err)
	return err
}

func (s *Session) authenticate(password string) error {
	if s.State() != StateUnauthenticated {
		return &OpError{Op: "login", Kind: ErrClosed, Err: fmt.Errorf("session is %s", s.State())}
	}

	req, err := NewPacket(password, PacketTypeLogin, s.nextID())
	if err != nil {
		_ = s.closeLocked()
		return protocolError("encode login", err)
	}
	if err := s.write(req); err != nil {
		_ = s.closeLocked()
		return err
	}

	id, _, err := s.receive(req.ID, true)
	if err != nil {
		_ = s.closeLocked()
		return err
	}
	if id == AuthFailedID {
		_ = s.closeLocked()
		return &OpError{Op: "login", Kind: ErrAuthenticationFailed}
	}

	s.state.Store(int32(StateAuthenticated))
	s.logger.Debug().Msg("authenticated")
	return nil
}

// Send executes command on the server and returns its response text. The session lock is held for
// the entire round trip. A context that is already done when the lock is acquired aborts the
// command before anything is written, with an [ErrTimeout] kind wrapping the context's error;
// once written, the command runs to completion or until a read exceeds its timeout.
func (s *Session) Send(ctx context.Context, command string) (string, error) {
	if err := contextError(ctx, "send"); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := contextError(ctx, "send"); err != nil {
		return "", err
	}

	start := time.Now()
	resp, err := s.send(command)
	s.metrics.ObserveCommand(err, time.Since(start))
	if err != nil {
		s.logger.Debug().Err(err).Str("command", command).Msg("command failed")
	}
	return resp, err
}

func (s *Session) send(command string) (string, error) {
	if s.State() != StateAuthenticated {
		return "", &OpError{Op: "send", Kind: ErrClosed, Err: fmt.Errorf("session is %s", s.State())}
	}

	if err := s.drain(); err != nil {
		return "", err
	}

	req, err := NewPacket(command, PacketTypeCommand, s.nextID())
	if err != nil {
		return "", protocolError("encode command", err)
	}
	if err := s.write(req); err != nil {
		return "", err
	}

	id, text, err := s.receive(req.ID, false)
	if err != nil {
		return "", err
	}
	if id != req.ID {
		return "", protocolError("read response", fmt.Errorf("response ID %d does not match request ID %d", id, req.ID))
	}
	return text, nil
}

// Close closes the underlying connection. It is safe to call more than once; only the first call
// reports an error from the connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if State(s.state.Swap(int32(StateClosed))) == StateClosed {
		return nil
	}
	s.pending = nil
	s.logger.Debug().Msg("connection closed")
	return s.conn.Close()
}

// receive reads the response to request await, reassembling fragments. Frames under foreign IDs
// are held in the single pending slot, replacing whatever it held. When login is set the first
// frame is accepted whatever its ID or type, since a failed login answers under [AuthFailedID].
//
// The final byte of the reassembled body is dropped: it is the terminator servers append to the
// payload string itself.
func (s *Session) receive(await uint32, login bool) (uint32, string, error) {
	var (
		body    []byte
		id      = await
		matched bool
		strays  int
	)

	for {
		var p Packet
		if !login && s.pending != nil && s.pending.ID == await {
			p, s.pending = *s.pending, nil
			s.logger.Debug().Uint32("id", p.ID).Msg("serving buffered frame")
		} else {
			var (
				started bool
				err     error
			)
			p, started, err = s.readPacket()
			if err != nil {
				// A final fragment of exactly FragmentSize bytes is indistinguishable from a
				// non-final one; a read that times out before any byte of the next frame arrives
				// ends the response. A frame cut off partway is still a timeout.
				if matched && !started && errors.Is(err, ErrTimeout) {
					break
				}
				return 0, "", err
			}
		}

		if login && !matched {
			id = p.ID
		}

		if p.ID != id {
			s.logger.Debug().Uint32("id", p.ID).Uint32("awaiting", id).Msg("buffering out-of-order frame")
			held := p
			s.pending = &held
			if matched {
				break
			}
			strays++
			if strays > maxStrayFrames {
				return 0, "", protocolError("read response", fmt.Errorf("no response to request %d after %d foreign frames", await, strays))
			}
			continue
		}

		if !login && p.Type != PacketTypeResponse {
			return 0, "", protocolError("read response", fmt.Errorf("unexpected %s packet", p.Type))
		}

		body = append(body, p.Body...)
		matched = true
		if len(body) > maxResponseSize {
			return 0, "", protocolError("read response", fmt.Errorf("response exceeds %d bytes", maxResponseSize))
		}
		if p.final() {
			break
		}
	}

	if len(body) > 0 {
		body = body[:len(body)-1]
	}
	return id, latin1Text(body), nil
}

// readPacket reads a single frame off the connection. The length prefix is checked before the
// body is allocated or read. started reports whether any byte of the frame was consumed.
func (s *Session) readPacket() (p Packet, started bool, err error) {
	var prefix [4]byte
	n, err := s.readFull(prefix[:])
	if err != nil {
		return Packet{}, n > 0, transportError("read length", err)
	}

	size, err := checkPacketSize(binary.LittleEndian.Uint32(prefix[:]))
	if err != nil {
		return Packet{}, true, protocolError("read length", err)
	}

	frame := make([]byte, size)
	if _, err := s.readFull(frame); err != nil {
		return Packet{}, true, transportError("read body", err)
	}

	if err := p.decodeFrame(frame); err != nil {
		return Packet{}, true, protocolError("read body", err)
	}
	s.logPacket("received packet", p)
	return p, true, nil
}

func (s *Session) readFull(b []byte) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return 0, err
	}
	return io.ReadFull(s.conn, b)
}

func (s *Session) write(p Packet) error {
	bs, err := p.MarshalBinary()
	if err != nil {
		return protocolError("encode "+p.Type.String(), err)
	}
	s.logPacket("sending packet", p)

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return transportError("write "+p.Type.String(), err)
	}
	if _, err := s.conn.Write(bs); err != nil {
		return transportError("write "+p.Type.String(), err)
	}
	return nil
}

// drain discards whatever is waiting on the connection, such as the tail of a response that was
// abandoned on an earlier timeout. It gives up as soon as no bytes arrive within the drain window.
func (s *Session) drain() error {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.drainWindow)); err != nil {
		return transportError("drain", err)
	}

	var (
		buf       [512]byte
		discarded int
	)
	for {
		n, err := s.conn.Read(buf[:])
		discarded += n
		if err != nil {
			if errors.Is(transportError("drain", err), ErrTimeout) {
				break
			}
			return transportError("drain", err)
		}
	}

	if discarded > 0 {
		s.logger.Debug().Int("bytes", discarded).Msg("drained residual bytes")
	}
	return nil
}

// nextID returns and then increments the session's request ID. The sequence wraps to one, never
// producing [AuthFailedID] or reusing the login ID.
func (s *Session) nextID() uint32 {
	for {
		id := s.seq.Load()
		next := id + 1
		if next == AuthFailedID {
			next = 1
		}
		if s.seq.CompareAndSwap(id, next) {
			return id
		}
	}
}

// logPacket traces the hex encoding of a packet at debug level. Login packet bodies are replaced
// to keep plaintext passwords out of logs unless explicitly allowed.
func (s *Session) logPacket(msg string, packet Packet) {
	e := s.logger.Debug()
	if !e.Enabled() {
		return
	}

	if packet.Type == PacketTypeLogin && !s.logOutboundAuthPackets {
		packet.Body = []byte{'x', 'x', 'x', 'x', 'x'}
	}

	bs, err := packet.MarshalBinary()
	if err != nil {
		e.Discard()
		s.logger.Error().Err(err).Msg("failed to marshal packet for logging")
		return
	}

	e.Str("packet", hex.EncodeToString(bs)).Msg(msg)
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
