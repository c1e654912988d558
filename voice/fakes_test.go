package voice

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/LorisFriedel/discordvoice/event"
	"github.com/LorisFriedel/discordvoice/udp"
	"github.com/LorisFriedel/discordvoice/ws"
)

type fakeControl struct {
	mu          sync.Mutex
	connectErr  error
	connected   bool
	urls        []string
	disconnects int
	closes      int
	sent        [][]byte
	parent      context.Context

	// beforeConnect runs outside the lock at the start of Connect.
	beforeConnect func()
	// onSend runs outside the lock after a frame was recorded.
	onSend func(f Frame)

	messages event.Emitter[ws.Message]
	closed   event.Emitter[error]
}

func (f *fakeControl) Connect(ctx context.Context, url string) error {
	if f.beforeConnect != nil {
		f.beforeConnect()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.urls = append(f.urls, url)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeControl) Disconnect() error {
	f.mu.Lock()
	wasConnected := f.connected
	f.connected = false
	f.disconnects++
	f.mu.Unlock()

	if wasConnected {
		f.closed.Emit(nil)
	}
	return nil
}

func (f *fakeControl) Send(messageType int, data []byte) error {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return ws.ErrNotConnected
	}
	f.sent = append(f.sent, data)
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		var frame Frame
		if err := json.Unmarshal(data, &frame); err == nil {
			hook(frame)
		}
	}
	return nil
}

func (f *fakeControl) SetCancelContext(ctx context.Context) {
	f.mu.Lock()
	f.parent = ctx
	f.mu.Unlock()
}

func (f *fakeControl) Messages() event.Source[ws.Message] { return &f.messages }
func (f *fakeControl) Closed() event.Source[error]        { return &f.closed }

func (f *fakeControl) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return f.Disconnect()
}

func (f *fakeControl) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeControl) frames() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()

	frames := make([]Frame, 0, len(f.sent))
	for _, data := range f.sent {
		var frame Frame
		if err := json.Unmarshal(data, &frame); err == nil {
			frames = append(frames, frame)
		}
	}
	return frames
}

func (f *fakeControl) parentContext() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parent
}

// drop ends the connection as if the server closed it.
func (f *fakeControl) drop(err error) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()

	f.closed.Emit(err)
}

// push delivers a text frame as if read from the websocket.
func (f *fakeControl) push(op Opcode, payload interface{}) {
	data, err := json.Marshal(outgoingFrame{Op: op, Payload: payload})
	if err != nil {
		panic(err)
	}
	f.messages.Emit(ws.Message{Type: ws.TextMessage, Data: data})
}

type fakeDatagram struct {
	mu       sync.Mutex
	startErr error
	stopErr  error
	started  bool
	starts   int
	stops    int
	closes   int
	host     string
	port     int
	sent     [][]byte
	parent   context.Context

	// onSend runs outside the lock after a datagram was recorded.
	onSend func(data []byte)

	received event.Emitter[[]byte]
}

func (f *fakeDatagram) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeDatagram) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stops++
	f.started = false
	return f.stopErr
}

func (f *fakeDatagram) Send(data []byte) error {
	f.mu.Lock()
	if f.host == "" {
		f.mu.Unlock()
		return udp.ErrNoDestination
	}
	if !f.started {
		f.mu.Unlock()
		return udp.ErrNotStarted
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(data)
	}
	return nil
}

func (f *fakeDatagram) SetDestination(host string, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.host, f.port = host, port
	return nil
}

func (f *fakeDatagram) SetCancelContext(ctx context.Context) {
	f.mu.Lock()
	f.parent = ctx
	f.mu.Unlock()
}

func (f *fakeDatagram) Port() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return 50123
	}
	return 0
}

func (f *fakeDatagram) Received() event.Source[[]byte] { return &f.received }

func (f *fakeDatagram) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.started = false
	return nil
}

func (f *fakeDatagram) datagrams() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

func (f *fakeDatagram) isStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started
}

func (f *fakeDatagram) parentContext() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parent
}

func newTestClient() (*Client, *fakeControl, *fakeDatagram) {
	control := &fakeControl{}
	datagram := &fakeDatagram{}
	c := NewClient("1234",
		func() ControlSocket { return control },
		func() DatagramSocket { return datagram },
		nil)
	return c, control, datagram
}
