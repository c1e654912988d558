// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LorisFriedel/discordvoice/metrics"
	"github.com/LorisFriedel/discordvoice/voice"
)

// envPrefix prefixes the environment variables overriding the config file.
const envPrefix = "DISCORDVOICE_"

type probeConfig struct {
	Endpoint  string `yaml:"endpoint"`
	GuildID   string `yaml:"guild_id"`
	UserID    string `yaml:"user_id"`
	SessionID string `yaml:"session_id"`
	Token     string `yaml:"token"`

	Duration time.Duration `yaml:"duration"`
	Speaking bool          `yaml:"speaking"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`

	Voice   voice.Config   `yaml:"voice"`
	Metrics metrics.Config `yaml:"metrics"`
}

func defaultProbeConfig() probeConfig {
	return probeConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Voice:     voice.DefaultConfig(),
		Metrics:   metrics.DefaultConfig(),
	}
}

// loadConfig reads the YAML file at path over the defaults. An empty path
// returns the defaults.
func loadConfig(path string) (probeConfig, error) {
	cfg := defaultProbeConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv overrides the session fields from DISCORDVOICE_* variables.
func (c *probeConfig) applyEnv(lookup func(string) (string, bool)) {
	fields := map[string]*string{
		"ENDPOINT":     &c.Endpoint,
		"GUILD_ID":     &c.GuildID,
		"USER_ID":      &c.UserID,
		"SESSION_ID":   &c.SessionID,
		"TOKEN":        &c.Token,
		"LOG_LEVEL":    &c.LogLevel,
		"METRICS_ADDR": &c.MetricsAddr,
	}
	for name, field := range fields {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*field = v
		}
	}
}

func (c probeConfig) validate() error {
	var missing []error
	if c.Endpoint == "" {
		missing = append(missing, errors.New("endpoint is required"))
	}
	if c.GuildID == "" {
		missing = append(missing, errors.New("guild id is required"))
	}
	if c.UserID == "" {
		missing = append(missing, errors.New("user id is required"))
	}
	if c.SessionID == "" {
		missing = append(missing, errors.New("session id is required"))
	}
	if c.Token == "" {
		missing = append(missing, errors.New("token is required"))
	}
	if c.Duration < 0 {
		missing = append(missing, fmt.Errorf("negative duration %s", c.Duration))
	}
	return errors.Join(missing...)
}

func (c probeConfig) sessionInfo() voice.SessionInfo {
	return voice.SessionInfo{
		Endpoint:  c.Endpoint,
		UserID:    c.UserID,
		SessionID: c.SessionID,
		Token:     c.Token,
	}
}
