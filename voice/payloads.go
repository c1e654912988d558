// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package voice

const (
	// Mode is the only encryption mode this client announces.
	Mode = "xsalsa20_poly1305"

	// MaxBitrate is the highest bitrate accepted by a voice server.
	MaxBitrate = 128 * 1024
)

// Opcode 0 - CLIENT
type IdentifyData struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// Opcode 1 - CLIENT
type SelectProtocolData struct {
	Protocol string          `json:"protocol"` // Always "udp"
	Data     UDPProtocolInfo `json:"data"`
}

type UDPProtocolInfo struct {
	Address string `json:"address"` // Public IP of machine running this code
	Port    int    `json:"port"`    // UDP Port of machine running this code
	Mode    string `json:"mode"`    // always "xsalsa20_poly1305"
}

// Opcode 2 - SERVER
type ReadyData struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// Opcode 4 - SERVER
type SessionDescriptionData struct {
	SecretKey [32]byte `json:"secret_key"`
	Mode      string   `json:"mode"`
}

// Opcode 5 - CLIENT
type SpeakingData struct {
	Speaking bool `json:"speaking"`
	Delay    int  `json:"delay"`
}

// Opcode 5 - SERVER
type SpeakingUpdateData struct {
	UserID   string `json:"user_id"`
	SSRC     uint32 `json:"ssrc"`
	Speaking bool   `json:"speaking"`
}

// Opcode 8 - SERVER
type HelloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"` // in milliseconds (ms)
}

// Opcode 13 - SERVER
type ClientDisconnectData struct {
	UserID string `json:"user_id"`
}
