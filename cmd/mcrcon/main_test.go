// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schultz-is/mcrcon"
)

// writeConfig writes a config file keeping all state inside a temporary directory.
func writeConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	data := fmt.Sprintf(`
[rcon]
read_timeout_seconds = 2

[storage]
servers_file = %q

[logging]
level = "error"
console = false
`, filepath.Join(dir, "servers.json"))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func runCLI(t *testing.T, configPath string, args ...string) (int, string, string) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	code := run(append([]string{"-config", configPath}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// startEchoServer runs a loopback RCON server that accepts password and echoes commands.
func startEchoServer(t *testing.T, password string) uint16 {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer conn.Close()
				for {
					var req rcon.Packet
					if _, err := req.ReadFrom(conn); err != nil {
						return
					}
					resp := rcon.Packet{ID: req.ID, Type: rcon.PacketTypeResponse}
					if req.Type == rcon.PacketTypeLogin {
						resp.Type = rcon.PacketTypeCommand
						if string(req.Body) != password {
							resp.ID = rcon.AuthFailedID
						}
					} else {
						resp.Body = append([]byte("echo: "+string(req.Body)), 0)
					}
					if _, err := resp.WriteTo(conn); err != nil {
						return
					}
				}
			}()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func TestRunServerLifecycle(t *testing.T) {
	configPath := writeConfig(t)
	port := startEchoServer(t, "secret")

	code, out, errOut := runCLI(t, configPath, "list")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "No servers stored")

	code, out, errOut = runCLI(t, configPath, "add",
		"-name", "survival",
		"-host", "127.0.0.1",
		"-rcon-port", strconv.Itoa(int(port)),
		"-password", "secret",
	)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Added server 1 (survival)")

	code, out, errOut = runCLI(t, configPath, "list")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "survival")
	assert.Contains(t, out, "127.0.0.1")
	assert.Contains(t, out, strconv.Itoa(int(port)))

	code, out, errOut = runCLI(t, configPath, "exec", "1", "say", "hello")
	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "echo: say hello\n", out)

	code, out, errOut = runCLI(t, configPath, "status")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "NO STATUS PORT")

	code, out, errOut = runCLI(t, configPath, "remove", "1")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Removed server 1")

	code, _, errOut = runCLI(t, configPath, "exec", "1", "list")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "server not found")
}

func TestRunErrors(t *testing.T) {
	configPath := writeConfig(t)
	port := startEchoServer(t, "secret")

	code, _, errOut := runCLI(t, configPath)
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Usage: mcrcon")

	code, _, _ = runCLI(t, configPath, "help")
	assert.Equal(t, 2, code)

	code, _, errOut = runCLI(t, configPath, "frobnicate")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, `unknown command "frobnicate"`)

	code, _, errOut = runCLI(t, configPath, "add", "-name", "no host")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "-host is required")

	code, _, errOut = runCLI(t, configPath, "exec", "abc", "list")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, `invalid server id "abc"`)

	code, _, errOut = runCLI(t, configPath, "add",
		"-host", "127.0.0.1",
		"-rcon-port", strconv.Itoa(int(port)),
		"-password", "wrong",
	)
	require.Equal(t, 0, code, errOut)

	code, _, errOut = runCLI(t, configPath, "exec", "1", "list")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "authentication failed")
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "A Minecraft Server", firstLine("A Minecraft Server\nsecond line"))
	assert.Equal(t, "single", firstLine("single"))
	assert.Equal(t, "", firstLine(""))
}
