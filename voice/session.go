// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/LorisFriedel/discordvoice/endpoint"
	"github.com/LorisFriedel/discordvoice/event"
)

var (
	// ErrReadyTimeout is returned by Session.Connect when the server does not
	// complete the handshake within Config.ReadyTimeout.
	ErrReadyTimeout = errors.New("timeout waiting for voice")

	// ErrUnsupportedMode is returned when the server does not offer Mode.
	ErrUnsupportedMode = errors.New("voice server does not support " + Mode)

	// ErrHandshakeAborted is returned when the websocket closes cleanly
	// before the handshake completed.
	ErrHandshakeAborted = errors.New("voice connection closed during handshake")
)

// keepaliveWindow bounds the number of unanswered keepalives remembered for
// latency measurement.
const keepaliveWindow = 32

// SessionInfo carries what the main gateway handed out for a voice session.
type SessionInfo struct {
	Endpoint  string
	UserID    string
	SessionID string
	Token     string
}

// Latency holds the last measured round trips of both channels.
type Latency struct {
	Control time.Duration
	UDP     time.Duration
}

// SpeakingUpdate is raised when a user starts or stops speaking.
type SpeakingUpdate struct {
	UserID   string
	Speaking bool
}

// Stream identifies the media source of a remote user.
type Stream struct {
	UserID string
	SSRC   uint32
}

// A Session drives the voice handshake over a Client: identify, heartbeats,
// IP discovery, protocol selection and UDP keepalives. It turns the raw
// client events into connection, latency, speaking and stream events.
type Session struct {
	client *Client
	cfg    Config

	// connectLock serializes Connect.
	connectLock sync.Mutex

	mu             sync.Mutex
	cancel         context.CancelFunc
	loopCtx        context.Context
	ready          chan error
	heartbeating   bool
	ssrc           uint32
	discovering    bool
	heartbeatNonce int64
	heartbeatSent  time.Time
	keepalives     map[uint64]time.Time
	latency        Latency
	streams        map[string]uint32

	connected       event.Emitter[struct{}]
	disconnected    event.Emitter[error]
	latencyUpdated  event.Emitter[Latency]
	speakingUpdated event.Emitter[SpeakingUpdate]
	streamCreated   event.Emitter[Stream]
	streamDestroyed event.Emitter[Stream]
}

// NewSession wraps client. The session takes ownership of the client and
// closes it on Close.
func NewSession(client *Client, cfg Config) *Session {
	s := &Session{
		client:     client,
		cfg:        cfg.withDefaults(),
		keepalives: make(map[uint64]time.Time),
		streams:    make(map[string]uint32),
	}

	client.ReceivedEvent().Add(s.onFrame)
	client.ReceivedPacket().Add(s.onPacket)
	client.Disconnected().Add(s.onDisconnected)

	return s
}

// Client returns the underlying voice client.
func (s *Session) Client() *Client { return s.client }

// Connected is raised once the handshake completed.
func (s *Session) Connected() event.Source[struct{}] { return &s.connected }

// Disconnected is raised when the control websocket closes.
func (s *Session) Disconnected() event.Source[error] { return &s.disconnected }

// LatencyUpdated is raised after every heartbeat or keepalive round trip.
func (s *Session) LatencyUpdated() event.Source[Latency] { return &s.latencyUpdated }

// SpeakingUpdated is raised for every speaking notification from the server.
func (s *Session) SpeakingUpdated() event.Source[SpeakingUpdate] { return &s.speakingUpdated }

// StreamCreated is raised the first time a user is seen with a given SSRC.
func (s *Session) StreamCreated() event.Source[Stream] { return &s.streamCreated }

// StreamDestroyed is raised when a user with a known stream leaves.
func (s *Session) StreamDestroyed() event.Source[Stream] { return &s.streamDestroyed }

// SSRC returns the synchronization source assigned by the server.
func (s *Session) SSRC() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ssrc
}

// Latency returns the last measured round trips.
func (s *Session) Latency() Latency {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

// Connect opens the voice connection described by info and blocks until the
// server sent its session description. A live session is left untouched
// and ErrAlreadyConnected returned; one whose websocket was dropped by the
// server is torn down and connected again.
func (s *Session) Connect(ctx context.Context, info SessionInfo) error {
	s.connectLock.Lock()
	defer s.connectLock.Unlock()

	switch s.client.State() {
	case StateDisconnected:
	case StateConnected:
		if !s.client.ChannelLost() {
			return ErrAlreadyConnected
		}
		fallthrough
	default:
		// a websocket left open by a channel move, or dropped by the server
		if err := s.client.Disconnect(false); err != nil {
			log.WithField("guild", s.client.GuildID()).Warnf("error closing previous voice connection, %s", err)
		}
	}

	result := s.reset()

	if err := s.client.Connect(ctx, endpoint.VoiceGateway(info.Endpoint)); err != nil {
		s.stopLoops()
		return err
	}

	if err := s.client.SendIdentity(info.UserID, info.SessionID, info.Token); err != nil {
		s.abort()
		return fmt.Errorf("sending identify packet: %w", err)
	}

	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		if err != nil {
			s.abort()
			return err
		}
	case <-timer.C:
		s.abort()
		return ErrReadyTimeout
	case <-ctx.Done():
		s.abort()
		return ctx.Err()
	}

	log.WithField("guild", s.client.GuildID()).Info("voice session ready")
	s.connected.Emit(struct{}{})
	return nil
}

// Disconnect stops the heartbeat and keepalive loops and closes the voice
// connection.
func (s *Session) Disconnect() error {
	s.stopLoops()
	return s.client.Disconnect(false)
}

// SetSpeaking announces whether audio is about to be sent.
func (s *Session) SetSpeaking(speaking bool) error {
	return s.client.SendSetSpeaking(speaking)
}

// Close stops the session and disposes the client.
func (s *Session) Close() error {
	s.stopLoops()
	return s.client.Close()
}

// reset prepares the per-connection state and returns the channel the
// handshake result is delivered on.
func (s *Session) reset() chan error {
	s.clearStreams()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.loopCtx, s.cancel = context.WithCancel(context.Background())
	s.ready = make(chan error, 1)
	s.heartbeating = false
	s.discovering = false
	s.ssrc = 0
	s.keepalives = make(map[uint64]time.Time)
	return s.ready
}

// clearStreams forgets every known stream and reports each one destroyed.
func (s *Session) clearStreams() {
	s.mu.Lock()
	streams := s.streams
	s.streams = make(map[string]uint32)
	s.mu.Unlock()

	for userID, ssrc := range streams {
		s.streamDestroyed.Emit(Stream{UserID: userID, SSRC: ssrc})
	}
}

func (s *Session) stopLoops() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) abort() {
	s.stopLoops()
	if err := s.client.Disconnect(false); err != nil {
		log.WithField("guild", s.client.GuildID()).Warnf("error closing voice connection, %s", err)
	}
}

// finish delivers the handshake result. Only the first result counts.
func (s *Session) finish(err error) {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()

	if ready == nil {
		return
	}
	select {
	case ready <- err:
	default:
	}
}

func (s *Session) onFrame(f Frame) {
	logger := log.WithFields(log.Fields{"guild": s.client.GuildID(), "op": f.Op})

	switch f.Op {
	case OpHello:
		var hello HelloData
		if err := s.client.Decode(f, &hello); err != nil {
			logger.Errorf("OP8 unmarshall error, %s, %s", err, string(f.Payload))
			return
		}
		s.onHello(hello)

	case OpReady:
		var ready ReadyData
		if err := s.client.Decode(f, &ready); err != nil {
			logger.Errorf("OP2 unmarshall error, %s, %s", err, string(f.Payload))
			s.finish(err)
			return
		}
		if err := s.onReady(ready); err != nil {
			logger.Errorf("error opening udp connection, %s", err)
			s.finish(err)
		}

	case OpSessionDescription:
		var desc SessionDescriptionData
		if err := s.client.Decode(f, &desc); err != nil {
			logger.Errorf("OP4 unmarshall error, %s", err)
			s.finish(err)
			return
		}
		if desc.Mode != Mode {
			s.finish(fmt.Errorf("session description mode %q: %w", desc.Mode, ErrUnsupportedMode))
			return
		}
		s.finish(nil)

	case OpHeartbeatACK:
		var nonce int64
		if err := s.client.Decode(f, &nonce); err != nil {
			logger.Debugf("OP6 unmarshall error, %s", err)
			return
		}
		s.onHeartbeatAck(nonce)

	case OpSpeaking:
		var update SpeakingUpdateData
		if err := s.client.Decode(f, &update); err != nil {
			logger.Errorf("OP5 unmarshall error, %s, %s", err, string(f.Payload))
			return
		}
		s.onSpeaking(update)

	case OpClientDisconnect:
		var gone ClientDisconnectData
		if err := s.client.Decode(f, &gone); err != nil {
			logger.Errorf("OP13 unmarshall error, %s", err)
			return
		}
		s.onClientDisconnect(gone)

	default:
		logger.Debugf("unhandled voice operation, %s", string(f.Payload))
	}
}

func (s *Session) onHello(hello HelloData) {
	interval := time.Duration(hello.HeartbeatInterval * float64(time.Millisecond))
	if interval <= 0 {
		log.Warnf("ignoring heartbeat interval of %v ms", hello.HeartbeatInterval)
		return
	}

	s.mu.Lock()
	if s.heartbeating {
		s.mu.Unlock()
		return
	}
	s.heartbeating = true
	ctx := s.loopCtx
	s.mu.Unlock()

	log.Debugf("heartbeat interval for voice websocket: %v", interval)
	go s.heartbeat(ctx, interval)
}

func (s *Session) onReady(ready ReadyData) error {
	supported := false
	for _, m := range ready.Modes {
		if m == Mode {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("offered modes %v: %w", ready.Modes, ErrUnsupportedMode)
	}

	if err := s.client.SetUDPEndpoint(ready.IP, ready.Port); err != nil {
		return err
	}

	s.mu.Lock()
	s.ssrc = ready.SSRC
	s.discovering = true
	ctx := s.loopCtx
	s.mu.Unlock()

	if err := s.client.SendDiscovery(ready.SSRC); err != nil {
		return fmt.Errorf("sending discovery packet: %w", err)
	}

	go s.keepalive(ctx, s.cfg.KeepaliveInterval)
	return nil
}

func (s *Session) onHeartbeatAck(nonce int64) {
	s.mu.Lock()
	if nonce != s.heartbeatNonce || s.heartbeatSent.IsZero() {
		s.mu.Unlock()
		return
	}
	s.latency.Control = time.Since(s.heartbeatSent)
	s.heartbeatSent = time.Time{}
	latency := s.latency
	s.mu.Unlock()

	s.latencyUpdated.Emit(latency)
}

func (s *Session) onSpeaking(update SpeakingUpdateData) {
	s.mu.Lock()
	previous, known := s.streams[update.UserID]
	created := !known || previous != update.SSRC
	if created {
		s.streams[update.UserID] = update.SSRC
	}
	s.mu.Unlock()

	if created {
		if known {
			s.streamDestroyed.Emit(Stream{UserID: update.UserID, SSRC: previous})
		}
		s.streamCreated.Emit(Stream{UserID: update.UserID, SSRC: update.SSRC})
	}
	s.speakingUpdated.Emit(SpeakingUpdate{UserID: update.UserID, Speaking: update.Speaking})
}

func (s *Session) onClientDisconnect(gone ClientDisconnectData) {
	s.mu.Lock()
	ssrc, known := s.streams[gone.UserID]
	delete(s.streams, gone.UserID)
	s.mu.Unlock()

	if known {
		s.streamDestroyed.Emit(Stream{UserID: gone.UserID, SSRC: ssrc})
	}
}

func (s *Session) onPacket(packet []byte) {
	switch len(packet) {
	case DiscoveryPacketSize:
		s.mu.Lock()
		discovering := s.discovering
		s.discovering = false
		s.mu.Unlock()
		if !discovering {
			return
		}

		address, port, err := ParseDiscoveryResponse(packet)
		if err != nil {
			s.finish(err)
			return
		}
		log.Debugf("discovered external address %s:%d", address, port)

		// off the receive loop, this writes to the websocket
		go func() {
			if err := s.client.SendSelectProtocol(address, port); err != nil {
				s.finish(fmt.Errorf("sending select protocol: %w", err))
			}
		}()

	case KeepalivePacketSize:
		sequence, _ := ParseKeepalive(packet)

		s.mu.Lock()
		sent, ok := s.keepalives[sequence]
		if !ok {
			s.mu.Unlock()
			return
		}
		delete(s.keepalives, sequence)
		s.latency.UDP = time.Since(sent)
		latency := s.latency
		s.mu.Unlock()

		s.latencyUpdated.Emit(latency)
	}
}

func (s *Session) onDisconnected(err error) {
	s.stopLoops()
	s.clearStreams()

	if err == nil {
		s.finish(ErrHandshakeAborted)
	} else {
		s.finish(err)
	}
	s.disconnected.Emit(err)
}

// heartbeat sends regular heartbeats to Discord so it knows the client
// is still connected. If you do not send these heartbeats Discord will
// disconnect the websocket connection after a few seconds.
func (s *Session) heartbeat(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		nonce := time.Now().UnixMilli()

		s.mu.Lock()
		s.heartbeatNonce = nonce
		s.heartbeatSent = time.Now()
		s.mu.Unlock()

		log.Debug("sending heartbeat packet")
		if err := s.client.SendHeartbeat(nonce); err != nil {
			log.Errorf("error sending heartbeat to voice endpoint, %s", err)
			return
		}

		select {
		case <-ticker.C:
			// continue loop and send heartbeat
		case <-ctx.Done():
			return
		}
	}
}

// keepalive sends a udp packet to keep the udp connection open and to
// measure its round trip.
func (s *Session) keepalive(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		// mu is held across the send: the echo handler must find the entry
		s.mu.Lock()
		sent := time.Now()
		sequence, err := s.client.SendKeepalive()
		if err == nil {
			s.keepalives[sequence] = sent
			for seq := range s.keepalives {
				if sequence-seq >= keepaliveWindow {
					delete(s.keepalives, seq)
				}
			}
		}
		s.mu.Unlock()

		if err != nil {
			log.Errorf("udp keepalive write error, %s", err)
			return
		}

		select {
		case <-ticker.C:
			// continue loop and send keepalive
		case <-ctx.Done():
			return
		}
	}
}
