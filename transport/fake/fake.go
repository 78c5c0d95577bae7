// Package fake provides an in-memory transport.Socket whose lifecycle is
// driven by the test: connect, fail, deliver frames, observe writes.
package fake

import (
	"context"
	"sync"

	"github.com/risa-org/chatmux/frame"
	"github.com/risa-org/chatmux/transport"
)

// Socket is a scripted transport.Socket.
type Socket struct {
	Endpoint transport.Endpoint

	autoConnect bool
	events      chan transport.Event
	writes      chan []byte

	mu           sync.Mutex
	connected    bool
	closed       bool
	connectCalls int
	pings        int
	writeErr     error
	writeGate    chan struct{}
}

// NewSocket creates a socket. With autoConnect it reports EventConnected as
// soon as Connect is called.
func NewSocket(ep transport.Endpoint, autoConnect bool) *Socket {
	return &Socket{
		Endpoint:    ep,
		autoConnect: autoConnect,
		events:      make(chan transport.Event, 256),
		writes:      make(chan []byte, 256),
	}
}

func (s *Socket) Connect(ctx context.Context) {
	s.mu.Lock()
	s.connectCalls++
	auto := s.autoConnect
	s.mu.Unlock()
	if auto {
		s.Open()
	}
}

// Open reports a successful handshake.
func (s *Socket) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.connected {
		return
	}
	s.connected = true
	s.events <- transport.Event{Kind: transport.EventConnected}
}

// Fail reports a terminal failure as if the network dropped.
func (s *Socket) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.connected = false
	s.events <- transport.Event{Kind: transport.EventDisconnected, Reason: transport.ReasonNetworkError, Err: err}
	close(s.events)
}

// Deliver injects one inbound record.
func (s *Socket) Deliver(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- transport.Event{Kind: transport.EventFrame, Payload: payload}
}

// DeliverFrame encodes and injects f.
func (s *Socket) DeliverFrame(f frame.Frame) error {
	b, err := frame.Encode(f)
	if err != nil {
		return err
	}
	s.Deliver(b)
	return nil
}

func (s *Socket) Write(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	gate := s.writeGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.closed {
		return transport.ErrTransportClosed
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.writes <- cp
	return nil
}

// FailWrites makes every subsequent Write return err.
func (s *Socket) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// HoldWrites makes every Write block, as on a stalled network, until
// release is called or the write's context ends.
func (s *Socket) HoldWrites() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.writeGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.writeGate = nil
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Writes yields every record written, in order.
func (s *Socket) Writes() <-chan []byte {
	return s.writes
}

func (s *Socket) SendPing(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.closed {
		return transport.ErrTransportClosed
	}
	s.pings++
	return nil
}

func (s *Socket) Events() <-chan transport.Event {
	return s.events
}

// Disconnect closes the event channel without a terminal event, like a
// real socket torn down locally.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.connected = false
	close(s.events)
	return nil
}

// Closed reports whether the socket was torn down.
func (s *Socket) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pings reports how many pings were sent.
func (s *Socket) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// ConnectCalls reports how many times Connect was invoked.
func (s *Socket) ConnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectCalls
}

// Factory hands out fake sockets and remembers them.
type Factory struct {
	AutoConnect bool

	mu      sync.Mutex
	sockets []*Socket
	created chan *Socket
}

// NewFactory creates a factory whose sockets auto-connect when asked.
func NewFactory(autoConnect bool) *Factory {
	return &Factory{AutoConnect: autoConnect, created: make(chan *Socket, 64)}
}

// New satisfies transport.Factory.
func (f *Factory) New(ep transport.Endpoint) transport.Socket {
	s := NewSocket(ep, f.AutoConnect)
	f.mu.Lock()
	f.sockets = append(f.sockets, s)
	f.mu.Unlock()
	f.created <- s
	return s
}

// Created yields each socket as it is made.
func (f *Factory) Created() <-chan *Socket {
	return f.created
}

// Sockets returns every socket made so far.
func (f *Factory) Sockets() []*Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Socket(nil), f.sockets...)
}

// Last returns the most recent socket, or nil.
func (f *Factory) Last() *Socket {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sockets) == 0 {
		return nil
	}
	return f.sockets[len(f.sockets)-1]
}
