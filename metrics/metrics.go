// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics exports the diagnostic events of voice clients and
// sessions as Prometheus metrics.
package metrics

import (
	"errors"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/LorisFriedel/discordvoice/event"
	"github.com/LorisFriedel/discordvoice/voice"
)

// Config names the exported metrics.
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig returns the names used for empty fields.
func DefaultConfig() Config {
	return Config{
		Namespace: "discordvoice",
		Subsystem: "client",
	}
}

// ClientEvents is the set of client hooks the collector observes.
// *voice.Client implements it.
type ClientEvents interface {
	ReceivedEvent() event.Source[voice.Frame]
	ReceivedPacket() event.Source[[]byte]
	Disconnected() event.Source[error]
	SentRequest() event.Source[voice.Request]
	SentDiscovery() event.Source[uint32]
	SentData() event.Source[int]
}

// SessionEvents is the set of session hooks the collector observes.
// *voice.Session implements it.
type SessionEvents interface {
	Connected() event.Source[struct{}]
	LatencyUpdated() event.Source[voice.Latency]
	StreamCreated() event.Source[voice.Stream]
	StreamDestroyed() event.Source[voice.Stream]
}

// Collector holds the voice metrics registered on one registerer.
type Collector struct {
	framesSent        *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	sendDuration      prometheus.Histogram
	datagramsSent     prometheus.Counter
	bytesSent         prometheus.Counter
	datagramsReceived prometheus.Counter
	bytesReceived     prometheus.Counter
	discoveries       prometheus.Counter
	disconnects       *prometheus.CounterVec
	sessionsConnected prometheus.Counter
	controlLatency    prometheus.Gauge
	udpLatency        prometheus.Gauge
	streamsActive     prometheus.Gauge
}

// New registers the voice metrics on reg. A nil reg selects the default
// registerer.
func New(reg prometheus.Registerer, cfg Config) *Collector {
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = def.Subsystem
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "frames_sent_total",
			Help:      "Control frames written to the voice websocket",
		}, []string{"op"}),
		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "frames_received_total",
			Help:      "Control frames decoded from the voice websocket",
		}, []string{"op"}),
		sendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "frame_send_duration_seconds",
			Help:      "Time spent writing a control frame",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		datagramsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "datagrams_sent_total",
			Help:      "Datagrams sent on the UDP transport",
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "datagram_bytes_sent_total",
			Help:      "Bytes sent on the UDP transport",
		}),
		datagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "datagrams_received_total",
			Help:      "Datagrams received on the UDP transport",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "datagram_bytes_received_total",
			Help:      "Bytes received on the UDP transport",
		}),
		discoveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "discoveries_sent_total",
			Help:      "IP discovery datagrams sent",
		}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "disconnects_total",
			Help:      "Voice websocket closures by cause",
		}, []string{"cause"}),
		sessionsConnected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "sessions_connected_total",
			Help:      "Voice handshakes completed",
		}),
		controlLatency: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "control_latency_seconds",
			Help:      "Last heartbeat round trip",
		}),
		udpLatency: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "udp_latency_seconds",
			Help:      "Last keepalive round trip",
		}),
		streamsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "streams_active",
			Help:      "Remote media streams currently known",
		}),
	}
}

// InstrumentClient subscribes to the client hooks. The returned function
// removes the subscriptions.
func (c *Collector) InstrumentClient(client ClientEvents) func() {
	var undo []func()

	undo = append(undo, subscribe(client.SentRequest(), func(r voice.Request) {
		c.framesSent.WithLabelValues(r.Op.String()).Inc()
		c.sendDuration.Observe(r.Elapsed.Seconds())
	}))
	undo = append(undo, subscribe(client.ReceivedEvent(), func(f voice.Frame) {
		c.framesReceived.WithLabelValues(f.Op.String()).Inc()
	}))
	undo = append(undo, subscribe(client.SentData(), func(n int) {
		c.datagramsSent.Inc()
		c.bytesSent.Add(float64(n))
	}))
	undo = append(undo, subscribe(client.ReceivedPacket(), func(packet []byte) {
		c.datagramsReceived.Inc()
		c.bytesReceived.Add(float64(len(packet)))
	}))
	undo = append(undo, subscribe(client.SentDiscovery(), func(uint32) {
		c.discoveries.Inc()
	}))
	undo = append(undo, subscribe(client.Disconnected(), func(err error) {
		c.disconnects.WithLabelValues(DisconnectCause(err)).Inc()
	}))

	return unsubscribeAll(undo)
}

// InstrumentSession subscribes to the session hooks. The returned function
// removes the subscriptions.
func (c *Collector) InstrumentSession(session SessionEvents) func() {
	var undo []func()

	undo = append(undo, subscribe(session.Connected(), func(struct{}) {
		c.sessionsConnected.Inc()
	}))
	undo = append(undo, subscribe(session.LatencyUpdated(), func(l voice.Latency) {
		if l.Control > 0 {
			c.controlLatency.Set(l.Control.Seconds())
		}
		if l.UDP > 0 {
			c.udpLatency.Set(l.UDP.Seconds())
		}
	}))
	undo = append(undo, subscribe(session.StreamCreated(), func(voice.Stream) {
		c.streamsActive.Inc()
	}))
	undo = append(undo, subscribe(session.StreamDestroyed(), func(voice.Stream) {
		c.streamsActive.Dec()
	}))

	return unsubscribeAll(undo)
}

// DisconnectCause labels a websocket closure: "local" for a requested
// disconnect, the close code for a close frame, "error" otherwise.
func DisconnectCause(err error) string {
	if err == nil {
		return "local"
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return strconv.Itoa(closeErr.Code)
	}
	return "error"
}

func subscribe[T any](source event.Source[T], h event.Handler[T]) func() {
	sub := source.Add(h)
	return func() { source.Remove(sub) }
}

func unsubscribeAll(undo []func()) func() {
	return func() {
		for _, u := range undo {
			u()
		}
	}
}
