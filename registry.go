// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Registry maps each [Server] to at most one live [Session]. Lookups and mutations are serialized
// under a single lock that is never held during network I/O; concurrent connects to the same
// server share one login.
//
// A Registry must be created with [NewRegistry] and is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[int]*Session
	closed   bool

	logins singleflight.Group

	config  SessionConfig
	logger  zerolog.Logger
	metrics *Metrics
}

// NewRegistry creates an empty registry whose sessions are created with config.
func NewRegistry(config SessionConfig) *Registry {
	r := &Registry{
		sessions: make(map[int]*Session),
		config:   config,
		logger:   zerolog.Nop(),
		metrics:  config.Metrics,
	}
	if config.Logger != nil {
		r.logger = config.Logger.With().Str("component", "registry").Logger()
	}
	return r
}

// Connect returns the session registered for srv.ID, logging in first if there is none. A failed
// login registers nothing and its error is returned unchanged.
//
// The login is shared by every concurrent caller for srv.ID and is not bound to any one caller's
// context: a caller whose ctx is done stops waiting with an [ErrTimeout] kind while the login
// carries on for the others. Once [Registry.CloseAll] has been called, Connect fails with
// [ErrClosed].
func (r *Registry) Connect(ctx context.Context, srv Server) (*Session, error) {
	r.mu.Lock()
	s, ok := r.sessions[srv.ID]
	closed := r.closed
	r.mu.Unlock()
	switch {
	case closed:
		return nil, &OpError{Op: "connect", Kind: ErrClosed}
	case ok:
		return s, nil
	}

	login := context.WithoutCancel(ctx)
	ch := r.logins.DoChan(strconv.Itoa(srv.ID), func() (any, error) {
		if s, ok := r.Session(srv); ok {
			return s, nil
		}

		s, err := Login(login, srv, r.config)
		if err != nil {
			r.logger.Warn().Err(err).Int("server_id", srv.ID).Msg("login failed")
			return nil, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = s.Close()
			return nil, &OpError{Op: "connect", Kind: ErrClosed}
		}
		r.sessions[srv.ID] = s
		r.mu.Unlock()
		r.metrics.SessionOpened()

		r.logger.Info().Int("server_id", srv.ID).Str("addr", srv.RCONAddr()).Msg("connected")
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, contextError(ctx, "connect")
	}
}

// Disconnect removes every registry entry holding s, by identity, and then closes it. It is safe
// to call on a session that has already been removed.
func (r *Registry) Disconnect(s *Session) {
	if s == nil {
		return
	}

	r.mu.Lock()
	removed := 0
	for id, held := range r.sessions {
		if held == s {
			delete(r.sessions, id)
			removed++
		}
	}
	r.mu.Unlock()

	for i := 0; i < removed; i++ {
		r.metrics.SessionClosed()
	}
	if err := s.Close(); err != nil {
		r.logger.Debug().Err(err).Msg("error closing session")
	}
	if removed > 0 {
		r.logger.Info().Msg("disconnected")
	}
}

// IsConnected reports whether a session is registered for srv. It performs no I/O.
func (r *Registry) IsConnected(srv Server) bool {
	_, ok := r.Session(srv)
	return ok
}

// Session returns the session registered for srv, if any.
func (r *Registry) Session(srv Server) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[srv.ID]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// CloseAll disconnects every registered session and refuses further connects. A login still in
// flight is closed when it completes instead of being registered. It is intended for process
// teardown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	held := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		held = append(held, s)
	}
	r.mu.Unlock()

	for _, s := range held {
		r.Disconnect(s)
	}
}
