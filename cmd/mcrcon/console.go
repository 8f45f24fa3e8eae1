// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ergochat/readline"
	"golang.org/x/term"

	"github.com/schultz-is/mcrcon"
)

const (
	historyFileName = ".mcrcon_history"
	historySize     = 500
)

// cmdConsole runs an interactive console over a single session until the input ends, the user
// types "quit", or the session is closed underneath it. Failed commands are reported and the
// console carries on.
func (a *app) cmdConsole(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	srv, err := a.server(args[0])
	if err != nil {
		return err
	}

	s, err := a.registry.Connect(ctx, srv)
	if err != nil {
		return err
	}
	defer a.registry.Disconnect(s)

	le := newLineEditor(os.Stdin)
	defer le.Close()

	fmt.Fprintf(a.out, "Connected to %s. Type \"quit\" to leave.\n", srv.Label())
	prompt := srv.Label() + "> "

	for {
		line, err := le.GetLine(prompt)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "quit", "exit":
			return nil
		}

		resp, err := s.Send(ctx, line)
		if err != nil {
			if errors.Is(err, rcon.ErrClosed) || ctx.Err() != nil {
				return err
			}
			fmt.Fprintf(a.out, "Error: %v\n", err)
			continue
		}
		if resp != "" {
			fmt.Fprintln(a.out, resp)
		}
	}
}

// lineEditor reads console input with history and line editing when stdin is a terminal, and
// line by line otherwise.
type lineEditor struct {
	rl      *readline.Instance
	scanner *bufio.Scanner
	out     io.Writer
}

func newLineEditor(in *os.File) *lineEditor {
	if !term.IsTerminal(int(in.Fd())) {
		return &lineEditor{scanner: bufio.NewScanner(in), out: os.Stdout}
	}

	historyPath := ""
	if home, err := os.UserHomeDir(); err == nil {
		historyPath = filepath.Join(home, historyFileName)
	}

	rl, err := readline.NewFromConfig(&readline.Config{
		HistoryFile:            historyPath,
		HistoryLimit:           historySize,
		DisableAutoSaveHistory: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: readline init failed (%v), using basic input\n", err)
		return &lineEditor{scanner: bufio.NewScanner(in), out: os.Stdout}
	}
	return &lineEditor{rl: rl}
}

// GetLine displays prompt and returns the next line of input, or io.EOF when input ends or the
// user interrupts.
func (le *lineEditor) GetLine(prompt string) (string, error) {
	if le.rl == nil {
		fmt.Fprint(le.out, prompt)
		if !le.scanner.Scan() {
			if err := le.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return le.scanner.Text(), nil
	}

	le.rl.SetPrompt(prompt)
	line, err := le.rl.Readline()
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) {
			return "", io.EOF
		}
		return "", err
	}

	if trimmed := strings.TrimSpace(line); trimmed != "" {
		le.rl.SaveToHistory(trimmed)
	}
	return line, nil
}

func (le *lineEditor) Close() {
	if le.rl != nil {
		le.rl.Close()
	}
}
