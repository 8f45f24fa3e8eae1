// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Error kinds. Every error returned by a [Session] or [Registry] matches exactly one of these
// through [errors.Is].
var (
	// ErrConnectFailed indicates the TCP connection could not be established: refused,
	// unreachable, unresolvable, or timed out while connecting.
	ErrConnectFailed = errors.New("connect failed")

	// ErrAuthenticationFailed indicates the server rejected the login password.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrProtocolViolation indicates the peer sent something that cannot be trusted: an oversized
	// or undersized length prefix, a response under the wrong ID or type, or a malformed fragment
	// sequence.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTimeout indicates a read or write did not complete within its bound, or that the caller's
	// context was already done before the operation started.
	ErrTimeout = errors.New("timeout")

	// ErrClosed indicates the session or its connection has already been torn down.
	ErrClosed = errors.New("connection closed")
)

// OpError describes a failed operation. It unwraps to both its Kind, one of the sentinel errors
// above, and the underlying cause, if any.
type OpError struct {
	// Op names the operation that failed, such as "login" or "read response".
	Op string

	// Kind is one of [ErrConnectFailed], [ErrAuthenticationFailed], [ErrProtocolViolation],
	// [ErrTimeout], or [ErrClosed].
	Kind error

	// Err is the underlying cause. It may be nil.
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	s := "rcon: " + e.Op + ": " + e.Kind.Error()
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the error kind and the cause to [errors.Is] and [errors.As].
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the sentinel kind of err, or nil when err did not originate from this package.
func KindOf(err error) error {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return nil
}

// KindLabel returns a short stable label for the kind of err, suitable for metrics.
func KindLabel(err error) string {
	switch KindOf(err) {
	case nil:
		if err == nil {
			return "ok"
		}
		return "other"
	case ErrConnectFailed:
		return "connect_failed"
	case ErrAuthenticationFailed:
		return "auth_failed"
	case ErrProtocolViolation:
		return "protocol_violation"
	case ErrTimeout:
		return "timeout"
	case ErrClosed:
		return "closed"
	}
	return "other"
}

// contextError reports a context that is already done as an [ErrTimeout] kind. The context's own
// error stays reachable through [errors.Is].
func contextError(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &OpError{Op: op, Kind: ErrTimeout, Err: err}
	}
	return nil
}

func protocolError(op string, err error) error {
	return &OpError{Op: op, Kind: ErrProtocolViolation, Err: err}
}

// transportError maps a failure from the underlying connection into the error taxonomy. Errors
// that already carry a kind are returned unchanged.
func transportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}

	var ne net.Error
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return &OpError{Op: op, Kind: ErrTimeout, Err: err}
	case errors.As(err, &ne) && ne.Timeout():
		return &OpError{Op: op, Kind: ErrTimeout, Err: err}
	case errors.Is(err, io.ErrUnexpectedEOF):
		// A frame cut short mid-body is untrustworthy even though the cause is a hang-up.
		return &OpError{Op: op, Kind: ErrProtocolViolation, Err: err}
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return &OpError{Op: op, Kind: ErrClosed, Err: err}
	}
	return &OpError{Op: op, Kind: ErrClosed, Err: err}
}
