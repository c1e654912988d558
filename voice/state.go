// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package voice

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
	log "github.com/sirupsen/logrus"
)

// ConnectionState is the lifecycle state of a Client.
type ConnectionState string

const (
	StateDisconnected  ConnectionState = "disconnected"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateDisconnecting ConnectionState = "disconnecting"
)

func (s ConnectionState) String() string { return string(s) }

const (
	eventConnect      = "connect"
	eventConnected    = "connected"
	eventDisconnect   = "disconnect"
	eventDisconnected = "disconnected"
)

/*
Transitions:

[Disconnected] → [Connecting] → [Connected] → [Disconnecting] → [Disconnected]
[Connecting] → [Disconnecting]                  (rollback of a failed connect)
[Disconnecting] → [Connecting]                  (connect after a channel move)
*/
func newStateMachine(guildID string) *fsm.FSM {
	return fsm.NewFSM(
		string(StateDisconnected),
		fsm.Events{
			{Name: eventConnect, Src: []string{string(StateDisconnected), string(StateDisconnecting)}, Dst: string(StateConnecting)},
			{Name: eventConnected, Src: []string{string(StateConnecting)}, Dst: string(StateConnected)},
			{Name: eventDisconnect, Src: []string{string(StateConnecting), string(StateConnected)}, Dst: string(StateDisconnecting)},
			{Name: eventDisconnected, Src: []string{string(StateDisconnecting)}, Dst: string(StateDisconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.WithField("guild", guildID).Debugf("voice state %s -> %s", e.Src, e.Dst)
			},
		},
	)
}

// transition fires event on the state machine. Firing an event whose
// destination is the current state is not an error.
func transition(machine *fsm.FSM, event string) error {
	err := machine.Event(context.Background(), event)

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}
