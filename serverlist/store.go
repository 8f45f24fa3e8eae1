// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Package serverlist persists the list of administered servers as a JSON array file.
package serverlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/schultz-is/mcrcon"
)

// ErrNotFound is returned when no server has the requested ID.
var ErrNotFound = errors.New("serverlist: server not found")

// Store holds the server list in memory and rewrites the whole file after every change. It is
// safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	path    string
	servers []rcon.Server
	logger  zerolog.Logger
}

// Open reads the server list at path. A missing, unreadable or unparseable file yields an empty
// list rather than an error; the file is only written by the next change.
func Open(path string, logger *zerolog.Logger) *Store {
	s := &Store{path: path, logger: zerolog.Nop()}
	if logger != nil {
		s.logger = logger.With().Str("component", "serverlist").Logger()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to read server list, starting empty")
		}
		return s
	}

	var servers []rcon.Server
	if err := json.Unmarshal(data, &servers); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("failed to parse server list, starting empty")
		return s
	}
	s.servers = servers

	s.logger.Debug().Str("path", path).Int("servers", len(servers)).Msg("server list loaded")
	return s
}

// Path returns the file the list is persisted to.
func (s *Store) Path() string {
	return s.path
}

// List returns a copy of every stored server in insertion order.
func (s *Store) List() []rcon.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.servers)
}

// Get returns the server with the given ID.
func (s *Store) Get(id int) (rcon.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, srv := range s.servers {
		if srv.ID == id {
			return srv, nil
		}
	}
	return rcon.Server{}, fmt.Errorf("%w: %d", ErrNotFound, id)
}

// Add assigns info a new ID, one more than the largest ID in the list, appends it and saves the
// list. IDs are never reused after removal as long as a larger ID remains. The stored server is
// returned.
func (s *Store) Add(info rcon.Server) (rcon.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxID := 0
	for _, srv := range s.servers {
		maxID = max(maxID, srv.ID)
	}
	info.ID = maxID + 1
	if info.RCONPort == 0 {
		info.RCONPort = rcon.DefaultRCONPort
	}

	s.servers = append(s.servers, info)
	if err := s.saveLocked(); err != nil {
		s.servers = s.servers[:len(s.servers)-1]
		return rcon.Server{}, err
	}

	s.logger.Info().Int("server_id", info.ID).Str("host", info.Host).Msg("server added")
	return info, nil
}

// Remove deletes the server with the given ID and saves the list.
func (s *Store) Remove(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := slices.IndexFunc(s.servers, func(srv rcon.Server) bool { return srv.ID == id })
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	prev := slices.Clone(s.servers)
	s.servers = slices.Delete(s.servers, i, i+1)
	if err := s.saveLocked(); err != nil {
		s.servers = prev
		return err
	}

	s.logger.Info().Int("server_id", id).Msg("server removed")
	return nil
}

// saveLocked writes the list to a temporary file beside the target and renames it into place, so
// readers never observe a partially written list.
func (s *Store) saveLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create server list directory: %w", err)
	}

	servers := s.servers
	if servers == nil {
		servers = []rcon.Server{}
	}
	data, err := json.MarshalIndent(servers, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal server list: %w", err)
	}

	f, err := os.CreateTemp(dir, ".servers-*.json")
	if err != nil {
		return fmt.Errorf("failed to create server list: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write server list: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write server list: %w", err)
	}
	// CreateTemp leaves the file at 0600; the list holds passwords.
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace server list: %w", err)
	}

	s.logger.Debug().Str("path", s.path).Msg("server list saved")
	return nil
}
