// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package slp

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image/png"
)

// faviconPrefixLen is the length of the "data:image/png;base64," scheme prefix of a favicon.
const faviconPrefixLen = 22

var errNotAnObject = errors.New("slp: status document is not a JSON object")

// Status is a snapshot of a server as reported by a status query. A fresh Status is produced by
// every query; it is never cached or mutated afterwards.
type Status struct {
	// VersionName is the server's version string, empty when not reported.
	VersionName string

	// ProtocolVersion is the server's protocol number, -1 when not reported.
	ProtocolVersion int

	// PlayerCount is the number of players online.
	PlayerCount int

	// PlayerMax is the player capacity of the server.
	PlayerMax int

	// MOTD is the raw message of the day, including any inline style codes.
	MOTD string

	// Favicon holds the server icon as PNG bytes, or nil.
	Favicon []byte
}

// ParseStatus parses a status response document. Every field is optional and a field of the
// wrong JSON type is treated as absent; only a document that is not a JSON object is an error.
// A favicon that does not decode to a PNG image is dropped rather than failing the parse.
func ParseStatus(doc []byte) (*Status, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, err
	}
	if root == nil {
		return nil, errNotAnObject
	}

	st := &Status{ProtocolVersion: -1}

	if version := object(root["version"]); version != nil {
		st.VersionName = stringField(version["name"])
		st.ProtocolVersion = intField(version["protocol"], -1)
	}

	if players := object(root["players"]); players != nil {
		st.PlayerCount = intField(players["online"], 0)
		st.PlayerMax = intField(players["max"], 0)
	}

	st.MOTD = description(root["description"])
	st.Favicon = decodeFavicon(stringField(root["favicon"]))

	return st, nil
}

// description extracts the MOTD from either a text component object or a bare string.
func description(raw json.RawMessage) string {
	if d := object(raw); d != nil {
		return stringField(d["text"])
	}
	return stringField(raw)
}

func decodeFavicon(uri string) []byte {
	if len(uri) <= faviconPrefixLen {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(uri[faviconPrefixLen:])
	if err != nil {
		return nil
	}
	if _, err := png.DecodeConfig(bytes.NewReader(b)); err != nil {
		return nil
	}
	return b
}

func object(raw json.RawMessage) map[string]json.RawMessage {
	var m map[string]json.RawMessage
	if json.Unmarshal(raw, &m) != nil {
		return nil
	}
	return m
}

func stringField(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func intField(raw json.RawMessage, def int) int {
	v := def
	if json.Unmarshal(raw, &v) != nil {
		return def
	}
	return v
}
