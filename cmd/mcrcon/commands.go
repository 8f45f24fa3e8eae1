// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/schultz-is/mcrcon"
)

// cmdList displays the stored servers in a table.
func (a *app) cmdList() error {
	servers := a.store.List()
	if len(servers) == 0 {
		fmt.Fprintf(a.out, "No servers stored in %s\n", a.store.Path())
		return nil
	}

	tw := tablewriter.NewWriter(a.out)
	tw.SetHeader([]string{"ID", "Name", "Host", "RCON Port", "Status Port", "Connected"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, srv := range servers {
		statusPort := "-"
		if srv.StatusPort != nil {
			statusPort = strconv.Itoa(int(*srv.StatusPort))
		}
		tw.Append([]string{
			strconv.Itoa(srv.ID),
			srv.Name,
			srv.Host,
			strconv.Itoa(int(srv.RCONPort)),
			statusPort,
			strconv.FormatBool(a.registry.IsConnected(srv)),
		})
	}

	tw.Render()
	return nil
}

func (a *app) cmdAdd(args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	name := fs.String("name", "", "display name")
	host := fs.String("host", "", "hostname or IP address")
	rconPort := fs.Uint("rcon-port", uint(rcon.DefaultRCONPort), "RCON port")
	statusPort := fs.Uint("status-port", 0, "status query port, 0 to disable status polling")
	password := fs.String("password", "", "RCON password, prompted for when omitted on a terminal")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	if *host == "" {
		return errors.New("add: -host is required")
	}
	if *rconPort == 0 || *rconPort > 65535 || *statusPort > 65535 {
		return errors.New("add: ports must be between 1 and 65535")
	}

	if *password == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(a.out, "Password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(a.out)
		if err != nil {
			return fmt.Errorf("add: read password: %w", err)
		}
		*password = string(pw)
	}

	info := rcon.Server{
		Name:     *name,
		Host:     *host,
		RCONPort: uint16(*rconPort),
		Password: *password,
	}
	if *statusPort != 0 {
		p := uint16(*statusPort)
		info.StatusPort = &p
	}

	srv, err := a.store.Add(info)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Added server %d (%s)\n", srv.ID, srv.Label())
	return nil
}

func (a *app) cmdRemove(args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	srv, err := a.server(args[0])
	if err != nil {
		return err
	}

	if s, ok := a.registry.Session(srv); ok {
		a.registry.Disconnect(s)
	}
	if err := a.store.Remove(srv.ID); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Removed server %d (%s)\n", srv.ID, srv.Label())
	return nil
}

// cmdStatus pings the given servers, or every stored server, and displays the results.
func (a *app) cmdStatus(ctx context.Context, args []string) error {
	servers, err := a.servers(args)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Fprintln(a.out, "No servers to ping")
		return nil
	}

	results := a.pinger.PingAll(ctx, servers, a.cfg.Status.Concurrency)

	tw := tablewriter.NewWriter(a.out)
	tw.SetHeader([]string{"ID", "Name", "Status", "Version", "Players", "MOTD"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, res := range results {
		row := []string{strconv.Itoa(res.Server.ID), res.Server.Label()}
		switch {
		case res.Server.StatusPort == nil:
			row = append(row, "NO STATUS PORT", "-", "-", "-")
		case res.Status == nil:
			row = append(row, "OFFLINE", "-", "-", "-")
		default:
			st := res.Status
			row = append(row,
				"ONLINE",
				st.VersionName,
				fmt.Sprintf("%d/%d", st.PlayerCount, st.PlayerMax),
				firstLine(st.MOTD),
			)
		}
		tw.Append(row)
	}

	tw.Render()
	return nil
}

// cmdExec connects, runs a single command, prints the response and disconnects.
func (a *app) cmdExec(ctx context.Context, args []string) error {
	if len(args) < 2 {
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

	resp, err := s.Send(ctx, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, resp)
	return nil
}

// cmdWatch polls every stored server on the configured interval and serves the resulting metrics
// until ctx is done.
func (a *app) cmdWatch(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	a.logger.Info().Str("listen", srv.Addr).Dur("interval", a.cfg.PollInterval()).Msg("watching servers")

	ticker := time.NewTicker(a.cfg.PollInterval())
	defer ticker.Stop()

	for {
		a.poll(ctx)

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return fmt.Errorf("metrics server: %w", err)
		case <-ticker.C:
		}
	}
}

func (a *app) poll(ctx context.Context) {
	results := a.pinger.PingAll(ctx, a.store.List(), a.cfg.Status.Concurrency)

	online := 0
	for _, res := range results {
		if res.Status != nil {
			online++
		}
	}
	a.logger.Info().Int("servers", len(results)).Int("online", online).Msg("status poll complete")
}

// server resolves a server ID argument.
func (a *app) server(arg string) (rcon.Server, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return rcon.Server{}, fmt.Errorf("invalid server id %q", arg)
	}
	return a.store.Get(id)
}

// servers resolves server ID arguments, or every stored server when none are given.
func (a *app) servers(args []string) ([]rcon.Server, error) {
	if len(args) == 0 {
		return a.store.List(), nil
	}
	servers := make([]rcon.Server, 0, len(args))
	for _, arg := range args {
		srv, err := a.server(arg)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
