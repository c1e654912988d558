// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command voiceprobe opens one Discord voice session with credentials
// obtained from the main gateway and reports its events, latencies and
// metrics until interrupted.
//
// Usage:
//
//	voiceprobe --config probe.yaml [--duration 30s] [--metrics-addr :9090]
//
// Credentials may also come from DISCORDVOICE_* variables or a .env file.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LorisFriedel/discordvoice/logging"
	"github.com/LorisFriedel/discordvoice/metrics"
	"github.com/LorisFriedel/discordvoice/voice"
)

var (
	cfgFile string
	envFile string
	flags   probeConfig
)

var rootCmd = &cobra.Command{
	Use:   "voiceprobe",
	Short: "Open a Discord voice session and report its health",
	Long: `voiceprobe connects to a Discord voice server with the session id and
token handed out by the main gateway, completes the voice handshake and
logs heartbeat and UDP keepalive latencies, speaking updates and remote
streams until interrupted or until --duration elapses.`,
	SilenceUsage: true,
	RunE:         runProbe,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&cfgFile, "config", "", "YAML config file")
	f.StringVar(&envFile, "env-file", ".env", "dotenv file with DISCORDVOICE_* variables")
	f.StringVar(&flags.Endpoint, "endpoint", "", "voice server endpoint")
	f.StringVar(&flags.GuildID, "guild", "", "guild id")
	f.StringVar(&flags.UserID, "user", "", "user id")
	f.StringVar(&flags.SessionID, "session", "", "voice session id")
	f.DurationVar(&flags.Duration, "duration", 0, "disconnect after this long (0 waits for a signal)")
	f.BoolVar(&flags.Speaking, "speaking", false, "announce speaking once connected")
	f.StringVar(&flags.LogLevel, "log-level", "", "log level")
	f.StringVar(&flags.LogFormat, "log-format", "", "log format, text or json")
	f.StringVar(&flags.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runProbe(cmd *cobra.Command, _ []string) error {
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", envFile, err)
	}

	cfg, err := loadConfig(cfgFile)
	if err != nil {
		return err
	}
	cfg.applyEnv(os.LookupEnv)
	applyFlags(cmd, &cfg)
	if err := cfg.validate(); err != nil {
		return err
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	collector := metrics.New(reg, cfg.Metrics)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warnf("error stopping metrics server, %s", err)
			}
		}()
	}

	wsp, udpp := cfg.Voice.Providers()
	client := voice.NewClient(cfg.GuildID, wsp, udpp, nil)
	session := voice.NewSession(client, cfg.Voice)
	defer session.Close()

	defer collector.InstrumentClient(client)()
	defer collector.InstrumentSession(session)()
	logSessionEvents(session)

	if err := session.Connect(ctx, cfg.sessionInfo()); err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Endpoint, err)
	}
	log.WithFields(log.Fields{
		"guild": cfg.GuildID,
		"ssrc":  session.SSRC(),
		"port":  client.UDPPort(),
	}).Info("voice session established")

	if cfg.Speaking {
		if err := session.SetSpeaking(true); err != nil {
			log.Warnf("error announcing speaking, %s", err)
		}
	}

	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}

	dropped := make(chan error, 1)
	session.Disconnected().Add(func(err error) {
		select {
		case dropped <- err:
		default:
		}
	})

	select {
	case <-ctx.Done():
		log.Info("disconnecting")
		return session.Disconnect()
	case err := <-dropped:
		if err == nil {
			return nil
		}
		return fmt.Errorf("voice connection lost: %w", err)
	}
}

// applyFlags overrides cfg with the flags set on the command line.
func applyFlags(cmd *cobra.Command, cfg *probeConfig) {
	f := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if f.Changed(name) {
			*dst = v
		}
	}
	set("endpoint", &cfg.Endpoint, flags.Endpoint)
	set("guild", &cfg.GuildID, flags.GuildID)
	set("user", &cfg.UserID, flags.UserID)
	set("session", &cfg.SessionID, flags.SessionID)
	set("log-level", &cfg.LogLevel, flags.LogLevel)
	set("log-format", &cfg.LogFormat, flags.LogFormat)
	set("metrics-addr", &cfg.MetricsAddr, flags.MetricsAddr)
	if f.Changed("duration") {
		cfg.Duration = flags.Duration
	}
	if f.Changed("speaking") {
		cfg.Speaking = flags.Speaking
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server failed, %s", err)
		}
	}()
	log.Infof("serving metrics on %s/metrics", addr)
	return srv
}

func logSessionEvents(session *voice.Session) {
	session.LatencyUpdated().Add(func(l voice.Latency) {
		log.WithFields(log.Fields{"control": l.Control, "udp": l.UDP}).Debug("latency updated")
	})
	session.SpeakingUpdated().Add(func(u voice.SpeakingUpdate) {
		log.WithField("user", u.UserID).Infof("speaking %t", u.Speaking)
	})
	session.StreamCreated().Add(func(s voice.Stream) {
		log.WithFields(log.Fields{"user": s.UserID, "ssrc": s.SSRC}).Info("stream created")
	})
	session.StreamDestroyed().Add(func(s voice.Stream) {
		log.WithFields(log.Fields{"user": s.UserID, "ssrc": s.SSRC}).Info("stream destroyed")
	})
	session.Disconnected().Add(func(err error) {
		log.WithField("cause", metrics.DisconnectCause(err)).Info("voice websocket closed")
	})
}
