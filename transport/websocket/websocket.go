package websocket

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"github.com/risa-org/chatmux/frame"
	"github.com/risa-org/chatmux/transport"
	"nhooyr.io/websocket"
)

// Socket implements transport.Socket over a WebSocket connection.
// Every binary message is exactly one frame; WebSocket already has
// message boundaries built in, so no extra framing is needed.
type Socket struct {
	ep        transport.Endpoint
	readLimit int64
	events    chan transport.Event
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates an unconnected socket for ep.
func New(ep transport.Endpoint) *Socket {
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		ep:        ep,
		readLimit: frame.DefaultMaxSize,
		events:    make(chan transport.Event, 64),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Factory satisfies transport.Factory.
func Factory(ep transport.Endpoint) transport.Socket {
	return New(ep)
}

func (s *Socket) Connect(ctx context.Context) {
	s.startOnce.Do(func() {
		go s.run(ctx)
	})
}

func (s *Socket) Events() <-chan transport.Event {
	return s.events
}

func (s *Socket) Write(ctx context.Context, payload []byte) error {
	conn := s.current()
	if conn == nil {
		return transport.ErrTransportClosed
	}
	if err := conn.Write(ctx, websocket.MessageBinary, payload); err != nil {
		return errors.Wrapf(transport.ErrTransportClosed, "websocket write: %v", err)
	}
	return nil
}

func (s *Socket) SendPing(ctx context.Context) error {
	conn := s.current()
	if conn == nil {
		return transport.ErrTransportClosed
	}
	return errors.Wrap(conn.Ping(ctx), "websocket ping")
}

// Disconnect starts a graceful close and returns without waiting for the
// peer's close frame. The read loop then ends and the event channel closes.
func (s *Socket) Disconnect() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			s.cancel()
			return
		}
		go func() {
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			s.cancel()
		}()
	})
	return nil
}

func (s *Socket) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Socket) dialOptions() (*websocket.DialOptions, error) {
	opts := &websocket.DialOptions{HTTPHeader: s.ep.Header}
	if s.ep.ProxyURL != "" {
		proxy, err := url.Parse(s.ep.ProxyURL)
		if err != nil {
			return nil, errors.Wrap(err, "parse proxy url")
		}
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxy)},
		}
	}
	return opts, nil
}

func (s *Socket) run(dialCtx context.Context) {
	defer close(s.events)

	// the dial stops on either the caller's deadline or a local Disconnect
	ctx, cancel := context.WithCancel(dialCtx)
	stop := context.AfterFunc(s.ctx, cancel)
	opts, err := s.dialOptions()
	var conn *websocket.Conn
	if err == nil {
		conn, _, err = websocket.Dial(ctx, s.ep.URL, opts)
	}
	stop()
	cancel()
	if err != nil {
		s.signalDisconnect(err)
		return
	}
	conn.SetReadLimit(s.readLimit)

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "closed")
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.emit(transport.Event{Kind: transport.EventConnected})
	s.readLoop(conn)
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(s.ctx)
		if err != nil {
			s.signalDisconnect(err)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		s.emit(transport.Event{Kind: transport.EventFrame, Payload: data})
	}
}

func (s *Socket) emit(ev transport.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// signalDisconnect sends exactly one disconnect event.
// StatusNormalClosure (1000) and StatusGoingAway (1001) are both clean closes.
// Different WebSocket implementations and shutdown timing produce either code.
// Context cancellation means we closed it ourselves, also clean.
func (s *Socket) signalDisconnect(err error) {
	event := transport.Event{Kind: transport.EventDisconnected}

	status := websocket.CloseStatus(err)
	switch {
	case status == websocket.StatusNormalClosure,
		status == websocket.StatusGoingAway,
		s.ctx.Err() != nil:
		event.Reason = transport.ReasonClosedClean
	case errors.Is(err, context.DeadlineExceeded):
		event.Reason = transport.ReasonTimeout
		event.Err = err
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	s.emit(event)
}
