package voice

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LorisFriedel/discordvoice/ws"
)

const testURL = "wss://voice.example/?v=4"

func TestConnectThenDisconnect(t *testing.T) {
	c, control, datagram := newTestClient()

	assert.Equal(t, StateDisconnected, c.State())
	require.NoError(t, c.Connect(context.Background(), testURL))

	assert.Equal(t, StateConnected, c.State())
	assert.True(t, control.isConnected())
	assert.True(t, datagram.isStarted())
	assert.Equal(t, []string{testURL}, control.urls)

	require.NoError(t, c.Disconnect(false))

	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, control.isConnected())
	assert.False(t, datagram.isStarted())
}

func TestDisconnectWhenDisconnectedIsNoop(t *testing.T) {
	c, control, datagram := newTestClient()

	require.NoError(t, c.Disconnect(false))
	assert.Equal(t, StateDisconnected, c.State())
	assert.Zero(t, control.disconnects)
	assert.Zero(t, datagram.stops)
}

func TestDisconnectChangingChannelKeepsControlChannel(t *testing.T) {
	c, control, datagram := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))

	require.NoError(t, c.Disconnect(true))

	assert.Equal(t, StateDisconnecting, c.State())
	assert.True(t, control.isConnected())
	assert.False(t, datagram.isStarted())

	// control frames still flow during a channel move
	require.NoError(t, c.SendSetSpeaking(false))

	require.NoError(t, c.Disconnect(true))
	assert.Equal(t, StateDisconnecting, c.State())

	require.NoError(t, c.Disconnect(false))
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, control.isConnected())
}

func TestConnectAfterChannelMove(t *testing.T) {
	c, _, datagram := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))
	require.NoError(t, c.Disconnect(true))

	require.NoError(t, c.Connect(context.Background(), testURL))
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, 2, datagram.starts)
}

func TestConnectRollbackOnDatagramFailure(t *testing.T) {
	c, control, datagram := newTestClient()
	startErr := errors.New("bind: address in use")
	datagram.startErr = startErr

	err := c.Connect(context.Background(), testURL)

	assert.Same(t, startErr, err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, control.isConnected())
	assert.Equal(t, 1, control.disconnects)
}

func TestConnectRollbackOnControlFailure(t *testing.T) {
	c, control, datagram := newTestClient()
	dialErr := errors.New("dial tcp: connection refused")
	control.connectErr = dialErr

	err := c.Connect(context.Background(), testURL)

	assert.Same(t, dialErr, err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.Zero(t, datagram.starts)
	assert.False(t, control.isConnected())
}

func TestConnectAlreadyConnected(t *testing.T) {
	c, control, _ := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))

	assert.ErrorIs(t, c.Connect(context.Background(), testURL), ErrAlreadyConnected)
	assert.Len(t, control.urls, 1)
	assert.Equal(t, StateConnected, c.State())
}

func TestConcurrentConnectNotInterleaved(t *testing.T) {
	c, control, _ := newTestClient()

	var inside, overlaps atomic.Int32
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	control.beforeConnect = func() {
		if inside.Add(1) > 1 {
			overlaps.Add(1)
		}
		entered <- struct{}{}
		<-release
		inside.Add(-1)
	}

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- c.Connect(context.Background(), testURL) }()
	}

	<-entered
	select {
	case <-entered:
		t.Fatal("second connect entered while the first was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	results := []error{<-errs, <-errs}
	assert.Contains(t, results, nil)
	assert.Contains(t, results, ErrAlreadyConnected)
	assert.Zero(t, overlaps.Load())
	assert.Equal(t, StateConnected, c.State())
}

func TestSessionScopeLinkedToSockets(t *testing.T) {
	c, control, datagram := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))

	wsParent := control.parentContext()
	udpParent := datagram.parentContext()
	require.NotNil(t, wsParent)
	require.Same(t, wsParent, udpParent)
	assert.NoError(t, wsParent.Err())

	require.NoError(t, c.Disconnect(true))
	assert.ErrorIs(t, wsParent.Err(), context.Canceled)
}

func TestDiscoveryPacket(t *testing.T) {
	c, _, datagram := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))
	require.NoError(t, c.SetUDPEndpoint("203.0.113.7", 50000))

	var discovered []uint32
	var sizes []int
	c.SentDiscovery().Add(func(ssrc uint32) { discovered = append(discovered, ssrc) })
	c.SentData().Add(func(n int) { sizes = append(sizes, n) })

	require.NoError(t, c.SendDiscovery(0x01020304))

	want := append([]byte{0x01, 0x02, 0x03, 0x04}, make([]byte, 66)...)
	require.Len(t, datagram.datagrams(), 1)
	assert.Equal(t, want, datagram.datagrams()[0])
	assert.Equal(t, []uint32{0x01020304}, discovered)
	assert.Equal(t, []int{70}, sizes)
}

func TestKeepaliveSequence(t *testing.T) {
	c, _, datagram := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))
	require.NoError(t, c.SetUDPEndpoint("203.0.113.7", 50000))

	for want := uint64(0); want < 3; want++ {
		got, err := c.SendKeepalive()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	sent := datagram.datagrams()
	require.Len(t, sent, 3)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0}, sent[0])
	assert.Equal(t, []byte{1, 0, 0, 0, 0, 0, 0, 0}, sent[1])
	assert.Equal(t, []byte{2, 0, 0, 0, 0, 0, 0, 0}, sent[2])
}

func TestKeepaliveWraps(t *testing.T) {
	c, _, datagram := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))
	require.NoError(t, c.SetUDPEndpoint("203.0.113.7", 50000))

	c.nextKeepalive.Store(math.MaxUint64)

	got, err := c.SendKeepalive()
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), got)

	got, err = c.SendKeepalive()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got)

	sent := datagram.datagrams()
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 8), sent[0])
	assert.Equal(t, make([]byte, 8), sent[1])
}

func TestKeepaliveConcurrentSendsAreUnique(t *testing.T) {
	c, _, _ := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))
	require.NoError(t, c.SetUDPEndpoint("203.0.113.7", 50000))

	const senders = 64
	values := make(chan uint64, senders)
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.SendKeepalive()
			assert.NoError(t, err)
			values <- v
		}()
	}
	wg.Wait()
	close(values)

	seen := make(map[uint64]bool)
	for v := range values {
		assert.False(t, seen[v], "sequence %d sent twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, senders)
}

func TestSendDatagramFailsFastWhenStopped(t *testing.T) {
	c, _, _ := newTestClient()
	require.NoError(t, c.SetUDPEndpoint("203.0.113.7", 50000))

	_, err := c.SendKeepalive()
	assert.Error(t, err)
}

func TestSendControlFrame(t *testing.T) {
	c, control, _ := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))

	var ops []Opcode
	var requests []Request
	c.SentGatewayMessage().Add(func(op Opcode) { ops = append(ops, op) })
	c.SentRequest().Add(func(r Request) { requests = append(requests, r) })

	require.NoError(t, c.SendIdentity("42", "session", "token"))
	require.NoError(t, c.SendSelectProtocol("203.0.113.7", 50000))
	require.NoError(t, c.SendSetSpeaking(true))
	require.NoError(t, c.SendHeartbeat(1700000000000))

	require.Len(t, control.sent, 4)
	assert.JSONEq(t, `{"op":0,"d":{"server_id":"1234","user_id":"42","session_id":"session","token":"token"}}`, string(control.sent[0]))
	assert.JSONEq(t, `{"op":1,"d":{"protocol":"udp","data":{"address":"203.0.113.7","port":50000,"mode":"xsalsa20_poly1305"}}}`, string(control.sent[1]))
	assert.JSONEq(t, `{"op":5,"d":{"speaking":true,"delay":0}}`, string(control.sent[2]))
	assert.JSONEq(t, `{"op":3,"d":1700000000000}`, string(control.sent[3]))

	assert.Equal(t, []Opcode{OpIdentify, OpSelectProtocol, OpSpeaking, OpHeartbeat}, ops)
	require.Len(t, requests, 4)
	assert.Equal(t, OpHeartbeat, requests[3].Op)
}

func TestSendWhileDisconnected(t *testing.T) {
	c, _, _ := newTestClient()
	assert.ErrorIs(t, c.SendSetSpeaking(true), ErrNotConnected)
}

func TestSendEncodingFailure(t *testing.T) {
	c, control, _ := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))

	var ops []Opcode
	c.SentGatewayMessage().Add(func(op Opcode) { ops = append(ops, op) })

	assert.Error(t, c.Send(OpSpeaking, make(chan int)))
	assert.Empty(t, control.sent)
	assert.Empty(t, ops)
}

func TestReceivedEventFromTextFrame(t *testing.T) {
	c, control, _ := newTestClient()

	got := make(chan Frame, 1)
	c.ReceivedEvent().Add(func(f Frame) { got <- f })

	control.messages.Emit(ws.Message{Type: ws.TextMessage, Data: []byte(`{"op":8,"d":{"heartbeat_interval":41250}}`)})

	f := <-got
	assert.Equal(t, OpHello, f.Op)

	var hello HelloData
	require.NoError(t, c.Decode(f, &hello))
	assert.Equal(t, 41250.0, hello.HeartbeatInterval)
}

func TestReceivedEventFromCompressedFrame(t *testing.T) {
	c, control, _ := newTestClient()

	got := make(chan Frame, 1)
	c.ReceivedEvent().Add(func(f Frame) { got <- f })

	var buf bytes.Buffer
	buf.Write([]byte{0x78, 0x9c})
	z, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = z.Write([]byte(`{"op":6,"d":1700000000000}`))
	require.NoError(t, err)
	require.NoError(t, z.Close())

	control.messages.Emit(ws.Message{Type: ws.BinaryMessage, Data: buf.Bytes()})

	f := <-got
	assert.Equal(t, OpHeartbeatACK, f.Op)
	assert.JSONEq(t, `1700000000000`, string(f.Payload))
}

func TestMalformedFramesDropped(t *testing.T) {
	c, control, _ := newTestClient()

	var frames []Frame
	c.ReceivedEvent().Add(func(f Frame) { frames = append(frames, f) })

	control.messages.Emit(ws.Message{Type: ws.TextMessage, Data: []byte(`not json`)})
	control.messages.Emit(ws.Message{Type: ws.BinaryMessage, Data: []byte{0x78}})
	control.messages.Emit(ws.Message{Type: ws.BinaryMessage, Data: []byte{0x78, 0x9c, 0xff, 0xff}})
	control.messages.Emit(ws.Message{Type: ws.TextMessage, Data: []byte(`{"op":9,"d":null}`)})

	require.Len(t, frames, 1)
	assert.Equal(t, OpResumed, frames[0].Op)
}

func TestReceivedPacketRepublished(t *testing.T) {
	c, _, datagram := newTestClient()

	var packets [][]byte
	c.ReceivedPacket().Add(func(p []byte) { packets = append(packets, p) })

	datagram.received.Emit([]byte{1, 2, 3})
	assert.Equal(t, [][]byte{{1, 2, 3}}, packets)
}

func TestDisconnectedRaisedOnRemoteClose(t *testing.T) {
	c, control, _ := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))

	got := make(chan error, 1)
	c.Disconnected().Add(func(err error) { got <- err })

	closeErr := errors.New("websocket: close 4006 (session no longer valid)")
	control.closed.Emit(closeErr)

	assert.Same(t, closeErr, <-got)
}

func TestCloseIsIdempotent(t *testing.T) {
	c, control, datagram := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))

	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())

	assert.Equal(t, 1, control.closes)
	assert.Equal(t, 1, datagram.closes)
	assert.ErrorIs(t, c.Connect(context.Background(), testURL), ErrClosed)
}

func TestCloseCancelsSessionScope(t *testing.T) {
	c, control, _ := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))

	parent := control.parentContext()
	require.NoError(t, c.Close())
	assert.Error(t, parent.Err())
}

func TestUDPPort(t *testing.T) {
	c, _, _ := newTestClient()
	assert.Equal(t, 0, c.UDPPort())
	require.NoError(t, c.Connect(context.Background(), testURL))
	assert.Equal(t, 50123, c.UDPPort())
	assert.Equal(t, "1234", c.GuildID())
}

func TestConnectAfterRemoteClose(t *testing.T) {
	c, control, datagram := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))

	control.drop(errors.New("websocket: close 4006 (session no longer valid)"))

	assert.True(t, c.ChannelLost())
	assert.Equal(t, StateConnected, c.State())

	require.NoError(t, c.Connect(context.Background(), testURL))

	assert.False(t, c.ChannelLost())
	assert.Equal(t, StateConnected, c.State())
	assert.True(t, control.isConnected())
	assert.Len(t, control.urls, 2)
	assert.Equal(t, 2, datagram.starts)
	assert.Equal(t, 1, datagram.stops)
}

func TestLocalDisconnectNotReportedLost(t *testing.T) {
	c, _, _ := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))
	require.NoError(t, c.Disconnect(false))

	assert.False(t, c.ChannelLost())
}

func TestDisconnectContinuesAfterStopError(t *testing.T) {
	c, control, datagram := newTestClient()
	require.NoError(t, c.Connect(context.Background(), testURL))

	stopErr := errors.New("udp: stop failed")
	datagram.stopErr = stopErr

	err := c.Disconnect(false)

	assert.Same(t, stopErr, err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, control.isConnected())
}

func TestConnectRollbackSurvivesStopError(t *testing.T) {
	c, control, datagram := newTestClient()
	startErr := errors.New("bind: address in use")
	datagram.startErr = startErr
	datagram.stopErr = errors.New("udp: stop failed")

	err := c.Connect(context.Background(), testURL)

	assert.Same(t, startErr, err)
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, control.isConnected())
}
