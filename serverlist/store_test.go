// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package serverlist_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schultz-is/mcrcon"
	"github.com/schultz-is/mcrcon/serverlist"
)

func TestStore(t *testing.T) {
	t.Run(
		"missing file starts empty",
		func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "servers.json")

			s := serverlist.Open(path, nil)
			assert.Empty(t, s.List())
			assert.Equal(t, path, s.Path())

			_, err := os.Stat(path)
			assert.ErrorIs(t, err, os.ErrNotExist, "opening must not create the file")
		},
	)

	t.Run(
		"add assigns increasing IDs",
		func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", "servers.json")
			s := serverlist.Open(path, nil)

			a, err := s.Add(rcon.Server{Name: "survival", Host: "192.0.2.1", Password: "a"})
			require.NoError(t, err)
			assert.Equal(t, 1, a.ID)
			assert.Equal(t, rcon.DefaultRCONPort, a.RCONPort)

			b, err := s.Add(rcon.Server{Name: "creative", Host: "192.0.2.2", RCONPort: 25576, Password: "b"})
			require.NoError(t, err)
			assert.Equal(t, 2, b.ID)
			assert.Equal(t, uint16(25576), b.RCONPort)

			require.NoError(t, s.Remove(1))
			c, err := s.Add(rcon.Server{Host: "192.0.2.3"})
			require.NoError(t, err)
			assert.Equal(t, 3, c.ID, "IDs follow the largest remaining ID")

			got, err := s.Get(2)
			require.NoError(t, err)
			assert.Equal(t, b, got)

			ids := []int{}
			for _, srv := range s.List() {
				ids = append(ids, srv.ID)
			}
			assert.Equal(t, []int{2, 3}, ids)
		},
	)

	t.Run(
		"changes persist",
		func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "servers.json")
			s := serverlist.Open(path, nil)

			port := uint16(25565)
			added, err := s.Add(rcon.Server{Name: "lobby", Host: "mc.example.com", StatusPort: &port, Password: "pw"})
			require.NoError(t, err)
			_, err = s.Add(rcon.Server{Host: "192.0.2.9"})
			require.NoError(t, err)
			require.NoError(t, s.Remove(2))

			reopened := serverlist.Open(path, nil)
			require.Len(t, reopened.List(), 1)
			assert.Equal(t, added, reopened.List()[0])

			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
		},
	)

	t.Run(
		"file format",
		func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "servers.json")
			data := `[
				{"id": 4, "ip": "192.0.2.1", "name": "old", "rconPort": 25575, "serverPort": 25565, "password": "x"},
				{"id": 9, "ip": "192.0.2.2", "name": "", "rconPort": 25580, "password": "y"}
			]`
			require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

			s := serverlist.Open(path, nil)
			servers := s.List()
			require.Len(t, servers, 2)
			require.NotNil(t, servers[0].StatusPort)
			assert.Equal(t, uint16(25565), *servers[0].StatusPort)
			assert.Nil(t, servers[1].StatusPort)
			assert.Equal(t, "192.0.2.2:25580", servers[1].Label())

			added, err := s.Add(rcon.Server{Host: "192.0.2.3"})
			require.NoError(t, err)
			assert.Equal(t, 10, added.ID)

			require.NoError(t, s.Remove(4))
			raw, err := os.ReadFile(path)
			require.NoError(t, err)

			var records []map[string]any
			require.NoError(t, json.Unmarshal(raw, &records))
			require.Len(t, records, 2)
			assert.Equal(t, "192.0.2.2", records[0]["ip"])
			assert.Equal(t, float64(25580), records[0]["rconPort"])
			assert.NotContains(t, records[0], "serverPort")
		},
	)

	t.Run(
		"removing the last server writes an empty array",
		func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "servers.json")
			s := serverlist.Open(path, nil)

			_, err := s.Add(rcon.Server{Host: "192.0.2.1"})
			require.NoError(t, err)
			require.NoError(t, s.Remove(1))

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.JSONEq(t, `[]`, string(raw))
		},
	)

	t.Run(
		"unknown IDs",
		func(t *testing.T) {
			s := serverlist.Open(filepath.Join(t.TempDir(), "servers.json"), nil)

			_, err := s.Get(1)
			assert.ErrorIs(t, err, serverlist.ErrNotFound)
			assert.ErrorIs(t, s.Remove(1), serverlist.ErrNotFound)
		},
	)

	t.Run(
		"corrupt file starts empty",
		func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "servers.json")
			require.NoError(t, os.WriteFile(path, []byte(`{"not": "a list"`), 0o600))

			var buf bytes.Buffer
			logger := zerolog.New(&buf)

			s := serverlist.Open(path, &logger)
			assert.Empty(t, s.List())
			assert.Contains(t, buf.String(), "failed to parse server list")

			srv, err := s.Add(rcon.Server{Host: "192.0.2.1"})
			require.NoError(t, err)
			assert.Equal(t, 1, srv.ID)
		},
	)
}
