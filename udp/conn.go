// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package udp implements the media channel of a voice session: one UDP
// socket bound to an ephemeral local port, a cancellable receive loop and a
// mutable remote destination.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/LorisFriedel/discordvoice/event"
)

var (
	// ErrNoDestination is returned by Send before SetDestination was called.
	ErrNoDestination = errors.New("udp destination not set")

	// ErrNotStarted is returned by Send when no socket is open.
	ErrNotStarted = errors.New("udp socket not started")

	// ErrClosed is returned by Start once the Conn has been closed.
	ErrClosed = errors.New("udp socket closed")
)

// Config holds the tunables of a Conn.
type Config struct {
	// ReadBufferSize is the largest datagram that can be received.
	ReadBufferSize int `yaml:"read_buffer_size"`
	// QueueSize is how many received datagrams may wait for delivery while
	// subscribers are busy.
	QueueSize int `yaml:"queue_size"`
}

// DefaultConfig returns the settings used by New when fields are zero.
func DefaultConfig() Config {
	return Config{
		ReadBufferSize: 4096,
		QueueSize:      64,
	}
}

// A Conn is the datagram transport of a voice session. The socket is
// recreated on every Start and released on Stop.
type Conn struct {
	cfg Config

	// lock serializes Start, Stop and Close.
	lock sync.Mutex

	parentMu sync.Mutex
	parent   context.Context

	// guarded by lock
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	connMu sync.RWMutex
	conn   net.PacketConn

	destMu sync.RWMutex
	dest   *net.UDPAddr

	received event.Emitter[[]byte]

	listen func(network, address string) (net.PacketConn, error)
}

// New returns a stopped Conn.
func New(cfg Config) *Conn {
	def := DefaultConfig()
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = def.ReadBufferSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}

	return &Conn{
		cfg:    cfg,
		parent: context.Background(),
		listen: net.ListenPacket,
	}
}

// Received is raised once per datagram with exactly the bytes read. Handlers
// run on the receive loop goroutine, in arrival order.
func (c *Conn) Received() event.Source[[]byte] {
	return &c.received
}

// SetCancelContext links a parent scope: cancelling ctx stops the receive
// loop. It takes effect on the next Start.
func (c *Conn) SetCancelContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.parentMu.Lock()
	c.parent = ctx
	c.parentMu.Unlock()
}

// SetDestination sets the remote endpoint used by subsequent sends.
func (c *Conn) SetDestination(host string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("resolving udp destination %s:%d: %w", host, port, err)
	}

	c.destMu.Lock()
	c.dest = addr
	c.destMu.Unlock()

	log.Debugf("udp destination set to %s", addr)
	return nil
}

// Destination returns the current remote endpoint, or nil.
func (c *Conn) Destination() *net.UDPAddr {
	c.destMu.RLock()
	defer c.destMu.RUnlock()
	return c.dest
}

// Port returns the local port of the current socket, 0 when there is none.
func (c *Conn) Port() int {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if c.conn == nil {
		return 0
	}
	if addr, ok := c.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// Start binds a fresh socket and launches the receive loop. Any previous
// socket is stopped first.
func (c *Conn) Start() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.stop(false)

	c.parentMu.Lock()
	parent := c.parent
	c.parentMu.Unlock()

	ctx, cancel := context.WithCancel(parent)

	conn, err := c.listen("udp", ":0")
	if err != nil {
		cancel()
		return fmt.Errorf("binding udp socket: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.cancel = cancel
	c.done = make(chan struct{})

	queue := make(chan []byte, c.cfg.QueueSize)
	go c.read(ctx, conn, queue)
	go c.run(ctx, queue, c.done)

	log.Debugf("udp socket listening on %s", conn.LocalAddr())
	return nil
}

// Stop cancels the receive loop, waits for it to exit and releases the
// socket. Stopping a Conn that is not running is a no-op.
func (c *Conn) Stop() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.stop(false)
	return nil
}

// Close stops the Conn without waiting for the receive loop and disposes
// it. Further Starts fail with ErrClosed.
func (c *Conn) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.stop(true)
	return nil
}

// stop must be called with lock held.
func (c *Conn) stop(disposing bool) {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	if !disposing && c.done != nil {
		<-c.done
	}
	c.done = nil

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Debugf("error closing udp socket, %s", err)
		}
	}
}

// Send writes data as a single datagram to the current destination.
func (c *Conn) Send(data []byte) error {
	dest := c.Destination()
	if dest == nil {
		return ErrNoDestination
	}

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotStarted
	}

	_, err := conn.WriteTo(data, dest)
	return err
}

// read blocks on the socket and hands every datagram to the run loop. It
// exits when the socket is closed.
func (c *Conn) read(ctx context.Context, conn net.PacketConn, queue chan<- []byte) {
	buf := make([]byte, c.cfg.ReadBufferSize)

	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Debugf("udp read error, %s", err)
			continue
		}

		packet := make([]byte, n)
		copy(packet, buf[:n])

		select {
		case queue <- packet:
		case <-ctx.Done():
			return
		}
	}
}

// run publishes queued datagrams until ctx is cancelled.
func (c *Conn) run(ctx context.Context, queue <-chan []byte, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case packet := <-queue:
			c.received.Emit(packet)
		}
	}
}
