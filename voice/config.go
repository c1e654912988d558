// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package voice

import (
	"time"

	"github.com/LorisFriedel/discordvoice/udp"
	"github.com/LorisFriedel/discordvoice/ws"
)

// Config gathers the settings of a voice session and of the sockets the
// default providers create.
type Config struct {
	WebSocket ws.Config  `yaml:"websocket"`
	UDP       udp.Config `yaml:"udp"`

	// ReadyTimeout bounds the handshake performed by Session.Connect.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	// KeepaliveInterval is the period of UDP keepalive datagrams.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

// DefaultConfig returns the settings used for zero fields.
func DefaultConfig() Config {
	return Config{
		WebSocket:         ws.DefaultConfig(),
		UDP:               udp.DefaultConfig(),
		ReadyTimeout:      10 * time.Second,
		KeepaliveInterval: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = def.ReadyTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = def.KeepaliveInterval
	}
	return c
}

// Providers returns socket providers building the default sockets with the
// settings of c.
func (c Config) Providers() (ControlSocketProvider, DatagramSocketProvider) {
	return func() ControlSocket { return ws.New(c.WebSocket) },
		func() DatagramSocket { return udp.New(c.UDP) }
}
