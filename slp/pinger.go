// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package slp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/schultz-is/mcrcon"
)

const (
	// DefaultConnectTimeout bounds establishing the TCP connection of a query.
	DefaultConnectTimeout = 5 * time.Second

	// DefaultReadTimeout bounds every individual read of a query.
	DefaultReadTimeout = 1 * time.Second

	// DefaultWriteTimeout bounds every individual write of a query.
	DefaultWriteTimeout = 5 * time.Second

	// MaxPacketLength is the largest declared packet length accepted from a server.
	MaxPacketLength = 1<<21 - 1
)

const (
	packetIDHandshake      = 0x00
	packetIDStatusRequest  = 0x00
	packetIDStatusResponse = 0x00
	packetIDPing           = 0x01

	// unknownProtocolVersion is -1 as a 32-bit value, announcing no particular client version.
	unknownProtocolVersion = 0xFFFFFFFF

	nextStateStatus = 0x01
)

var (
	errMalformedLength   = errors.New("slp: malformed packet length")
	errUnexpectedPacket  = errors.New("slp: unexpected packet id")
	errTruncatedResponse = errors.New("slp: truncated status response")
)

// Config contains settings to control a [Pinger]. The zero value is usable.
type Config struct {
	// ConnectTimeout limits establishing each connection. Zero means [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// ReadTimeout limits every individual read. Zero means [DefaultReadTimeout].
	ReadTimeout time.Duration

	// WriteTimeout limits every individual write. Zero means [DefaultWriteTimeout].
	WriteTimeout time.Duration

	// Logger receives the cause of failed pings at debug level.
	Logger *zerolog.Logger

	// Metrics, when set, records the outcome of every [Pinger.Ping].
	Metrics *rcon.Metrics
}

// Pinger queries servers for their status using the Server List Ping protocol. It holds no
// connection state: every query opens and closes its own connection, so a Pinger is safe for
// concurrent use, including alongside RCON sessions to the same servers.
type Pinger struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration

	logger  zerolog.Logger
	metrics *rcon.Metrics
}

// NewPinger creates a [Pinger] configured by config.
func NewPinger(config Config) *Pinger {
	p := &Pinger{
		connectTimeout: orDefault(config.ConnectTimeout, DefaultConnectTimeout),
		readTimeout:    orDefault(config.ReadTimeout, DefaultReadTimeout),
		writeTimeout:   orDefault(config.WriteTimeout, DefaultWriteTimeout),
		logger:         zerolog.Nop(),
		metrics:        config.Metrics,
	}
	if config.Logger != nil {
		p.logger = config.Logger.With().Str("component", "slp").Logger()
	}
	return p
}

// Ping queries the status port of srv. It returns nil when srv has no status port or when the
// query fails for any reason; the cause is only logged. Callers polling many servers are never
// handed an error for any one of them.
func (p *Pinger) Ping(ctx context.Context, srv rcon.Server) *Status {
	if srv.StatusPort == nil {
		return nil
	}

	st, err := p.Query(ctx, srv.Host, *srv.StatusPort)
	if err != nil {
		p.logger.Debug().Err(err).Int("server_id", srv.ID).Str("host", srv.Host).Msg("status ping failed")
		p.metrics.ObservePing(srv.ID, false, 0, 0)
		return nil
	}

	p.metrics.ObservePing(srv.ID, true, st.PlayerCount, st.PlayerMax)
	return st
}

// Result pairs a server with the outcome of pinging it. Status is nil when the ping failed.
type Result struct {
	Server rcon.Server
	Status *Status
}

// PingAll pings every server, at most concurrency at a time, and returns the results in the order
// of servers. A concurrency of zero or less means no limit.
func (p *Pinger) PingAll(ctx context.Context, servers []rcon.Server, concurrency int) []Result {
	results := make([]Result, len(servers))

	var g errgroup.Group
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, srv := range servers {
		g.Go(func() error {
			results[i] = Result{Server: srv, Status: p.Ping(ctx, srv)}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Query performs a single status query against host:port and returns the parsed status. Unlike
// [Pinger.Ping] it reports why a query failed.
func (p *Pinger) Query(ctx context.Context, host string, port uint16) (*Status, error) {
	d := net.Dialer{Timeout: p.connectTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := p.write(conn, handshakePacket(host, port)); err != nil {
		return nil, fmt.Errorf("slp: write handshake: %w", err)
	}
	if err := p.write(conn, statusRequestPacket()); err != nil {
		return nil, fmt.Errorf("slp: write status request: %w", err)
	}
	// Best effort; the pong is never read.
	_ = p.write(conn, pingPacket())

	r := bufio.NewReader(&deadlineReader{conn: conn, timeout: p.readTimeout})
	body, err := readPacket(r)
	if err != nil {
		return nil, err
	}
	return parseStatusResponse(body)
}

func (p *Pinger) write(conn net.Conn, b []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return err
	}
	_, err := conn.Write(b)
	return err
}

// handshakePacket builds the handshake announcing a status query for host:port.
func handshakePacket(host string, port uint16) []byte {
	body := AppendVarInt(nil, packetIDHandshake)
	body = AppendVarInt(body, unknownProtocolVersion)
	body = AppendVarInt(body, uint64(len(host)))
	body = append(body, host...)
	body = binary.BigEndian.AppendUint16(body, port)
	body = append(body, nextStateStatus)
	return framePacket(body)
}

func statusRequestPacket() []byte {
	return framePacket([]byte{packetIDStatusRequest})
}

// pingPacket carries an all-zero eight byte payload.
func pingPacket() []byte {
	return framePacket(append([]byte{packetIDPing}, make([]byte, 8)...))
}

// framePacket prefixes body with its varint length.
func framePacket(body []byte) []byte {
	return append(AppendVarInt(nil, uint64(len(body))), body...)
}

// readPacket reads one varint length prefixed packet. The declared length is checked before the
// body is allocated.
func readPacket(r *bufio.Reader) ([]byte, error) {
	length, err := ReadVarInt(r)
	if err != nil {
		return nil, fmt.Errorf("slp: read length: %w", err)
	}
	if length == 0 || length > MaxPacketLength {
		return nil, fmt.Errorf("%w: %d", errMalformedLength, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("slp: read body: %w", err)
	}
	return body, nil
}

// parseStatusResponse checks the packet ID of a status response and parses the JSON document
// that follows it.
func parseStatusResponse(body []byte) (*Status, error) {
	id, n := DecodeVarInt(body)
	if n == 0 {
		return nil, errTruncatedResponse
	}
	if id != packetIDStatusResponse {
		return nil, fmt.Errorf("%w: 0x%02x", errUnexpectedPacket, id)
	}

	size, m := DecodeVarInt(body[n:])
	if m == 0 {
		return nil, errTruncatedResponse
	}
	doc := body[n+m:]
	if size > uint64(len(doc)) {
		return nil, errTruncatedResponse
	}

	st, err := ParseStatus(doc[:size])
	if err != nil {
		return nil, fmt.Errorf("slp: parse status: %w", err)
	}
	return st, nil
}

// deadlineReader extends the read deadline of conn before every read, bounding each read rather
// than the query as a whole.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (r *deadlineReader) Read(b []byte) (int, error) {
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return 0, err
	}
	return r.conn.Read(b)
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
