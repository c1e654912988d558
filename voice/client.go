// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package voice coordinates the control and media channels of a Discord
// voice session.
package voice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	log "github.com/sirupsen/logrus"

	"github.com/LorisFriedel/discordvoice/event"
	"github.com/LorisFriedel/discordvoice/ws"
)

var (
	// ErrNotConnected is returned by sends while the client is disconnected.
	ErrNotConnected = errors.New("voice client not connected")

	// ErrAlreadyConnected is returned by Connect on a connected client.
	ErrAlreadyConnected = errors.New("voice client already connected")

	// ErrClosed is returned by Connect once the client has been closed.
	ErrClosed = errors.New("voice client closed")

	// ErrShortPacket is returned when a frame or datagram is truncated.
	ErrShortPacket = errors.New("packet too small")

	// ErrMalformedPacket is returned when a datagram has the right size but
	// unusable content.
	ErrMalformedPacket = errors.New("malformed packet")
)

// ControlSocket is the message framed channel used for signaling.
type ControlSocket interface {
	Connect(ctx context.Context, url string) error
	Disconnect() error
	Send(messageType int, data []byte) error
	SetCancelContext(ctx context.Context)
	Messages() event.Source[ws.Message]
	Closed() event.Source[error]
	Close() error
}

// DatagramSocket is the unreliable channel carrying media, discovery and
// keepalive datagrams.
type DatagramSocket interface {
	Start() error
	Stop() error
	Send(data []byte) error
	SetDestination(host string, port int) error
	SetCancelContext(ctx context.Context)
	Port() int
	Received() event.Source[[]byte]
	Close() error
}

// ControlSocketProvider creates the control socket of a Client.
type ControlSocketProvider func() ControlSocket

// DatagramSocketProvider creates the datagram socket of a Client.
type DatagramSocketProvider func() DatagramSocket

// Request describes a control frame written to the websocket.
type Request struct {
	Op      Opcode
	Elapsed time.Duration
}

// A Client manages one voice session: the control websocket, the UDP
// transport and the state machine binding their lifecycles.
type Client struct {
	guildID string
	codec   Codec
	ws      ControlSocket
	udp     DatagramSocket

	// connectionLock serializes Connect and Disconnect.
	connectionLock sync.Mutex
	state          *fsm.FSM

	cancelMu sync.Mutex
	cancel   context.CancelFunc
	closed   bool

	closeOnce sync.Once

	nextKeepalive atomic.Uint64

	// lost is set when the websocket ended without a local Disconnect.
	lost atomic.Bool

	receivedEvent      event.Emitter[Frame]
	receivedPacket     event.Emitter[[]byte]
	disconnected       event.Emitter[error]
	sentGatewayMessage event.Emitter[Opcode]
	sentRequest        event.Emitter[Request]
	sentDiscovery      event.Emitter[uint32]
	sentData           event.Emitter[int]
}

// NewClient creates a Client for the given guild. Nil providers or codec
// select the websocket, UDP and JSON defaults.
func NewClient(guildID string, wsp ControlSocketProvider, udpp DatagramSocketProvider, codec Codec) *Client {
	defWS, defUDP := DefaultConfig().Providers()
	if wsp == nil {
		wsp = defWS
	}
	if udpp == nil {
		udpp = defUDP
	}
	if codec == nil {
		codec = JSONCodec
	}

	c := &Client{
		guildID: guildID,
		codec:   codec,
		ws:      wsp(),
		udp:     udpp(),
		state:   newStateMachine(guildID),
	}

	c.ws.Messages().Add(c.onMessage)
	c.ws.Closed().Add(func(err error) {
		if err != nil {
			c.lost.Store(true)
		}
		c.disconnected.Emit(err)
	})
	c.udp.Received().Add(func(packet []byte) {
		c.receivedPacket.Emit(packet)
	})

	return c
}

// GuildID returns the guild this client was created for.
func (c *Client) GuildID() string { return c.guildID }

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Current())
}

// ChannelLost reports whether the control websocket was closed by the server
// or failed since the last Connect. A lost client stays in its state until
// it is disconnected or connected again.
func (c *Client) ChannelLost() bool { return c.lost.Load() }

// UDPPort returns the local port of the UDP transport, 0 when stopped.
func (c *Client) UDPPort() int { return c.udp.Port() }

// ReceivedEvent is raised for every decoded control frame, in the order the
// websocket delivered them.
func (c *Client) ReceivedEvent() event.Source[Frame] { return &c.receivedEvent }

// ReceivedPacket is raised for every datagram received on the UDP transport.
func (c *Client) ReceivedPacket() event.Source[[]byte] { return &c.receivedPacket }

// Disconnected is raised whenever the control websocket closes, whether or
// not Disconnect was called. The error is nil for a local close.
func (c *Client) Disconnected() event.Source[error] { return &c.disconnected }

// SentGatewayMessage is raised with the opcode of every control frame sent.
func (c *Client) SentGatewayMessage() event.Source[Opcode] { return &c.sentGatewayMessage }

// SentRequest is raised with the opcode and write duration of every control
// frame sent.
func (c *Client) SentRequest() event.Source[Request] { return &c.sentRequest }

// SentDiscovery is raised with the SSRC of every discovery datagram sent.
func (c *Client) SentDiscovery() event.Source[uint32] { return &c.sentDiscovery }

// SentData is raised with the size of every datagram sent.
func (c *Client) SentData() event.Source[int] { return &c.sentData }

// Connect opens the control websocket to url, then starts the UDP
// transport. On failure the client is rolled back to disconnected and the
// original error is returned.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.connectionLock.Lock()
	defer c.connectionLock.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if c.State() == StateConnected {
		if !c.ChannelLost() {
			return ErrAlreadyConnected
		}
		// tear down what is left of a connection the server dropped
		if err := c.disconnect(false); err != nil {
			log.WithField("guild", c.guildID).Warnf("error closing lost voice connection, %s", err)
		}
	}

	return c.connect(ctx, url)
}

func (c *Client) connect(ctx context.Context, url string) (err error) {
	logger := log.WithFields(log.Fields{
		"guild":   c.guildID,
		"attempt": uuid.NewString(),
	})

	if err = transition(c.state, eventConnect); err != nil {
		return err
	}

	defer func() {
		if err == nil {
			return
		}
		logger.Warnf("voice connect failed, %s", err)
		if rbErr := c.disconnect(false); rbErr != nil {
			logger.Errorf("error rolling back voice connection, %s", rbErr)
		}
	}()

	sessionCtx, cancel := context.WithCancel(context.Background())

	c.cancelMu.Lock()
	if c.closed {
		c.cancelMu.Unlock()
		cancel()
		return ErrClosed
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.cancelMu.Unlock()

	c.ws.SetCancelContext(sessionCtx)
	c.udp.SetCancelContext(sessionCtx)

	c.lost.Store(false)

	logger.Infof("connecting to voice endpoint %s", url)
	if err = c.ws.Connect(ctx, url); err != nil {
		return err
	}

	if err = c.udp.Start(); err != nil {
		return err
	}

	if err = transition(c.state, eventConnected); err != nil {
		return err
	}

	logger.Info("voice connection established")
	return nil
}

// Disconnect stops the UDP transport and closes the control websocket. When
// isChangingChannel is true the websocket stays open and the client is left
// in StateDisconnecting, ready to be connected against a new server.
func (c *Client) Disconnect(isChangingChannel bool) error {
	c.connectionLock.Lock()
	defer c.connectionLock.Unlock()

	return c.disconnect(isChangingChannel)
}

func (c *Client) disconnect(isChangingChannel bool) error {
	state := c.State()
	if state == StateDisconnected {
		return nil
	}

	if state != StateDisconnecting {
		if err := transition(c.state, eventDisconnect); err != nil {
			return err
		}
	}

	c.cancelMu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancelMu.Unlock()

	err := c.udp.Stop()
	if err != nil {
		log.WithField("guild", c.guildID).Warnf("error stopping udp transport, %s", err)
	}

	if isChangingChannel {
		return err
	}

	if wsErr := c.ws.Disconnect(); wsErr != nil && err == nil {
		err = wsErr
	}
	if tErr := transition(c.state, eventDisconnected); tErr != nil && err == nil {
		err = tErr
	}
	return err
}

// Close releases the sockets and aborts an in-flight Connect. It is safe to
// call more than once and never fails.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancelMu.Lock()
		c.closed = true
		if c.cancel != nil {
			c.cancel()
		}
		c.cancelMu.Unlock()

		if err := c.udp.Close(); err != nil {
			log.Debugf("error closing udp transport, %s", err)
		}
		if err := c.ws.Close(); err != nil {
			log.Debugf("error closing voice websocket, %s", err)
		}
	})
	return nil
}

func (c *Client) isClosed() bool {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	return c.closed
}

// Send wraps payload in an operation envelope and writes it to the control
// websocket.
func (c *Client) Send(op Opcode, payload interface{}) error {
	if c.State() == StateDisconnected {
		return ErrNotConnected
	}

	data, err := encodeFrame(c.codec, op, payload)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := c.ws.Send(ws.TextMessage, data); err != nil {
		return err
	}

	c.sentGatewayMessage.Emit(op)
	c.sentRequest.Emit(Request{Op: op, Elapsed: time.Since(start)})
	return nil
}

// SendHeartbeat sends a heartbeat carrying nonce, which the server echoes
// in its acknowledgement.
func (c *Client) SendHeartbeat(nonce int64) error {
	return c.Send(OpHeartbeat, nonce)
}

// SendIdentity identifies this client on a freshly opened websocket.
func (c *Client) SendIdentity(userID, sessionID, token string) error {
	return c.Send(OpIdentify, IdentifyData{
		ServerID:  c.guildID,
		UserID:    userID,
		SessionID: sessionID,
		Token:     token,
	})
}

// SendSelectProtocol tells the server our external UDP address.
func (c *Client) SendSelectProtocol(address string, port int) error {
	return c.Send(OpSelectProtocol, SelectProtocolData{
		Protocol: "udp",
		Data: UDPProtocolInfo{
			Address: address,
			Port:    port,
			Mode:    Mode,
		},
	})
}

// SendSetSpeaking sends a speaking notification. This must be sent as true
// prior to sending audio and should be set to false once finished.
func (c *Client) SendSetSpeaking(speaking bool) error {
	return c.Send(OpSpeaking, SpeakingData{Speaking: speaking, Delay: 0})
}

// SendDatagram writes data to the UDP destination.
func (c *Client) SendDatagram(data []byte) error {
	if err := c.udp.Send(data); err != nil {
		return err
	}
	c.sentData.Emit(len(data))
	return nil
}

// SendDiscovery sends the IP discovery datagram for ssrc.
func (c *Client) SendDiscovery(ssrc uint32) error {
	if err := c.SendDatagram(discoveryPacket(ssrc)); err != nil {
		return err
	}
	c.sentDiscovery.Emit(ssrc)
	return nil
}

// SendKeepalive sends the next keepalive datagram and returns its sequence
// number so the caller can match the server's echo.
func (c *Client) SendKeepalive() (uint64, error) {
	sequence := c.nextKeepalive.Add(1) - 1
	if err := c.SendDatagram(keepalivePacket(sequence)); err != nil {
		return sequence, err
	}
	return sequence, nil
}

// SetUDPEndpoint sets the voice server address used for datagrams.
func (c *Client) SetUDPEndpoint(host string, port int) error {
	return c.udp.SetDestination(host, port)
}

// Decode unmarshals the payload of f into v.
func (c *Client) Decode(f Frame, v interface{}) error {
	return c.codec.Unmarshal(f.Payload, v)
}

func (c *Client) onMessage(m ws.Message) {
	f, err := decodeFrame(c.codec, m.Type, m.Data)
	if err != nil {
		log.WithField("guild", c.guildID).Warnf("dropping voice frame, %s", err)
		return
	}

	log.Debugf("received voice op %s: %s", f.Op, string(f.Payload))
	c.receivedEvent.Emit(f)
}
