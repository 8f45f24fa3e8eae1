// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package rcon

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by sessions, the registry and status polling.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	logins          *prometheus.CounterVec // by result
	commands        *prometheus.CounterVec // by result
	commandDuration prometheus.Histogram
	activeSessions  prometheus.Gauge

	pings         *prometheus.CounterVec // by result
	serverUp      *prometheus.GaugeVec
	playersOnline *prometheus.GaugeVec
	playersMax    *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		logins: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcrcon_logins_total",
				Help: "RCON login attempts by result",
			},
			[]string{"result"},
		),
		commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcrcon_commands_total",
				Help: "RCON commands executed by result",
			},
			[]string{"result"},
		),
		commandDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mcrcon_command_duration_seconds",
				Help:    "Round trip time of RCON commands",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		activeSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "mcrcon_active_sessions",
				Help: "Number of sessions held by the registry",
			},
		),
		pings: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcrcon_status_pings_total",
				Help: "Status pings by result",
			},
			[]string{"result"},
		),
		serverUp: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcrcon_server_up",
				Help: "Whether the last status ping of a server succeeded",
			},
			[]string{"server_id"},
		),
		playersOnline: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcrcon_players_online",
				Help: "Players online as reported by the last status ping",
			},
			[]string{"server_id"},
		),
		playersMax: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcrcon_players_max",
				Help: "Player capacity as reported by the last status ping",
			},
			[]string{"server_id"},
		),
	}
}

// ObserveLogin records the outcome of a login attempt.
func (m *Metrics) ObserveLogin(err error) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(KindLabel(err)).Inc()
}

// ObserveCommand records the outcome and duration of a command round trip.
func (m *Metrics) ObserveCommand(err error, d time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(KindLabel(err)).Inc()
	m.commandDuration.Observe(d.Seconds())
}

// SessionOpened records a session entering the registry.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionClosed records a session leaving the registry.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// ObservePing records a status ping of server id. Player counts are only updated on success.
func (m *Metrics) ObservePing(id int, ok bool, online, capacity int) {
	if m == nil {
		return
	}
	label := strconv.Itoa(id)
	if !ok {
		m.pings.WithLabelValues("failed").Inc()
		m.serverUp.WithLabelValues(label).Set(0)
		return
	}
	m.pings.WithLabelValues("ok").Inc()
	m.serverUp.WithLabelValues(label).Set(1)
	m.playersOnline.WithLabelValues(label).Set(float64(online))
	m.playersMax.WithLabelValues(label).Set(float64(capacity))
}
