// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ws implements the control channel of a voice session on top of
// gorilla/websocket.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/LorisFriedel/discordvoice/event"
)

// Frame types accepted by Send and reported in Message.Type.
const (
	TextMessage   = websocket.TextMessage
	BinaryMessage = websocket.BinaryMessage
)

var (
	// ErrNotConnected is returned by Send when no websocket is open.
	ErrNotConnected = errors.New("no websocket connection exists")

	// ErrClosed is returned by Connect once the Client has been closed.
	ErrClosed = errors.New("websocket client closed")
)

// Config holds the websocket timeouts.
type Config struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	// CloseGracePeriod is how long Disconnect waits for the server to close
	// the connection after our close frame.
	CloseGracePeriod time.Duration `yaml:"close_grace_period"`
}

// DefaultConfig returns the settings used by New when fields are zero.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 15 * time.Second,
		WriteTimeout:     10 * time.Second,
		CloseGracePeriod: time.Second,
	}
}

// Message is one frame read from the websocket.
type Message struct {
	Type int
	Data []byte
}

// A Client owns at most one websocket connection at a time.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	// lock serializes Connect, Disconnect and Close.
	lock   sync.Mutex
	closed bool

	parentMu sync.Mutex
	parent   context.Context

	connMu sync.RWMutex
	conn   *connection

	wsMutex sync.Mutex

	messages event.Emitter[Message]
	closedEv event.Emitter[error]
}

// connection is one dialed websocket and its read loop.
type connection struct {
	ws   *websocket.Conn
	done chan struct{}

	// guarded by Client.connMu
	closing bool
	manual  bool
}

// New returns a disconnected Client.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.CloseGracePeriod <= 0 {
		cfg.CloseGracePeriod = def.CloseGracePeriod
	}

	return &Client{
		cfg:    cfg,
		parent: context.Background(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy:            websocket.DefaultDialer.Proxy,
		},
	}
}

// Messages is raised for every text or binary frame, in the order the frames
// were read, on the read loop goroutine.
func (c *Client) Messages() event.Source[Message] {
	return &c.messages
}

// Closed is raised once per connection when it ends. The error is nil when
// the connection was closed by Disconnect.
func (c *Client) Closed() event.Source[error] {
	return &c.closedEv
}

// SetCancelContext links a parent scope that aborts an in-flight Connect.
// An established connection is not torn down by it.
func (c *Client) SetCancelContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.parentMu.Lock()
	c.parent = ctx
	c.parentMu.Unlock()
}

// Connect dials url, replacing any open connection.
func (c *Client) Connect(ctx context.Context, url string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return ErrClosed
	}

	if err := c.disconnect(); err != nil {
		log.Warnf("error closing previous websocket, %s", err)
	}

	c.parentMu.Lock()
	parent := c.parent
	c.parentMu.Unlock()

	if err := parent.Err(); err != nil {
		return err
	}

	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(parent, cancel)
	defer stop()

	log.Infof("connecting to voice endpoint %s", url)
	conn, _, err := c.dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		log.Warnf("error connecting to voice endpoint %s, %s", url, err)
		return err
	}

	cn := &connection{ws: conn, done: make(chan struct{})}

	c.connMu.Lock()
	c.conn = cn
	c.connMu.Unlock()

	go c.listen(cn)
	return nil
}

// Disconnect closes the open connection. It is a no-op when there is none.
func (c *Client) Disconnect() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.disconnect()
}

// Close disconnects and disposes the Client.
func (c *Client) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.disconnect()
}

// disconnect must be called with lock held. Closed is raised before it
// returns when the connection ended because of it.
func (c *Client) disconnect() error {
	c.connMu.Lock()
	cn := c.conn
	if cn != nil {
		cn.closing = true
	}
	c.connMu.Unlock()

	if cn == nil {
		return nil
	}

	log.Debug("sending close frame")

	// To cleanly close a connection, a client should send a close
	// frame and wait for the server to close the connection.
	c.wsMutex.Lock()
	err := cn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.cfg.WriteTimeout))
	c.wsMutex.Unlock()
	if err != nil {
		log.Debugf("error sending close frame, %s", err)
	} else {
		select {
		case <-cn.done:
		case <-time.After(c.cfg.CloseGracePeriod):
		}
	}

	log.Debug("closing websocket")
	closeErr := cn.ws.Close()
	<-cn.done

	c.connMu.RLock()
	manual := cn.manual
	c.connMu.RUnlock()

	if manual {
		c.closedEv.Emit(nil)
	}

	if closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		return fmt.Errorf("closing websocket: %w", closeErr)
	}
	return nil
}

// Send writes one frame of the given type.
func (c *Client) Send(messageType int, data []byte) error {
	c.connMu.RLock()
	cn := c.conn
	closing := cn != nil && cn.closing
	c.connMu.RUnlock()

	if cn == nil || closing {
		return ErrNotConnected
	}

	c.wsMutex.Lock()
	defer c.wsMutex.Unlock()

	if err := cn.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return cn.ws.WriteMessage(messageType, data)
}

// listen reads frames until the connection fails or is closed. A failure
// the Client did not ask for raises Closed with the read error.
func (c *Client) listen(cn *connection) {
	var cause error

	for {
		messageType, message, err := cn.ws.ReadMessage()
		if err != nil {
			cause = err
			break
		}

		c.messages.Emit(Message{Type: messageType, Data: message})
	}

	c.connMu.Lock()
	cn.manual = cn.closing
	if c.conn == cn {
		c.conn = nil
	}
	c.connMu.Unlock()

	// the connection is unusable after a read error
	cn.ws.Close()
	close(cn.done)

	if !cn.manual {
		log.Warnf("voice websocket closed unexpectedly, %s", cause)
		c.closedEv.Emit(cause)
	}
}
