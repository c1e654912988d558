// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package voice

import "strconv"

// Opcode is the operation code of a control frame.
type Opcode int

const (
	// Name					  Code	  Sent by		Description
	OpIdentify           Opcode = 0  // client		begin a voice websocket connection
	OpSelectProtocol     Opcode = 1  // client		select the voice protocol
	OpReady              Opcode = 2  // server		complete the websocket handshake
	OpHeartbeat          Opcode = 3  // client		keep the websocket connection alive
	OpSessionDescription Opcode = 4  // server		describe the session
	OpSpeaking           Opcode = 5  // client/server	indicate which users are speaking
	OpHeartbeatACK       Opcode = 6  // server		sent immediately following a received client heartbeat
	OpResume             Opcode = 7  // client		resume a connection
	OpHello              Opcode = 8  // server		the continuous interval in milliseconds after which the client should send a heartbeat
	OpResumed            Opcode = 9  // server		acknowledge Resume
	OpClientDisconnect   Opcode = 13 // server		a client has disconnected from the voice channel
)

var opcodeNames = map[Opcode]string{
	OpIdentify:           "identify",
	OpSelectProtocol:     "select_protocol",
	OpReady:              "ready",
	OpHeartbeat:          "heartbeat",
	OpSessionDescription: "session_description",
	OpSpeaking:           "speaking",
	OpHeartbeatACK:       "heartbeat_ack",
	OpResume:             "resume",
	OpHello:              "hello",
	OpResumed:            "resumed",
	OpClientDisconnect:   "client_disconnect",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return "unknown_" + strconv.Itoa(int(o))
}

// Close codes sent by the voice server when it terminates the websocket.
const (
	CloseUnknownOpcode         = 4001
	CloseFailedToDecode        = 4002
	CloseNotAuthenticated      = 4003
	CloseAuthenticationFailed  = 4004
	CloseAlreadyAuthenticated  = 4005
	CloseSessionNoLongerValid  = 4006
	CloseSessionTimeout        = 4009
	CloseServerNotFound        = 4011
	CloseUnknownProtocol       = 4012
	CloseDisconnected          = 4014
	CloseVoiceServerCrashed    = 4015
	CloseUnknownEncryptionMode = 4016
)
