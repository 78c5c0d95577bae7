package tcp

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"github.com/risa-org/chatmux/frame"
	"github.com/risa-org/chatmux/transport"
	"golang.org/x/net/proxy"
)

// Socket implements transport.Socket over a raw TCP connection.
//
// Wire format for each record:
//
//	[4 bytes: payload length uint32 big-endian][N bytes: payload]
//
// TCP is a stream protocol with no message boundaries, so every frame is
// length-prefixed. A zero-length record is a ping and never surfaces as a
// frame. The first record a client writes is a CONNECT preamble carrying the
// endpoint's path, query and static headers, standing in for the HTTP
// upgrade request a websocket would make.
type Socket struct {
	ep        transport.Endpoint
	maxSize   int
	events    chan transport.Event
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	writeMu   sync.Mutex // one writer at a time, records must not interleave

	mu   sync.Mutex
	conn net.Conn
}

// New creates an unconnected socket. ep.URL has the form tcp://host:port/path?query.
func New(ep transport.Endpoint) *Socket {
	ctx, cancel := context.WithCancel(context.Background())
	return &Socket{
		ep:      ep,
		maxSize: frame.DefaultMaxSize,
		events:  make(chan transport.Event, 64),
		ctx:     ctx,
		cancel:  cancel,
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
	return s.writeRecord(ctx, conn, payload)
}

func (s *Socket) SendPing(ctx context.Context) error {
	conn := s.current()
	if conn == nil {
		return transport.ErrTransportClosed
	}
	return s.writeRecord(ctx, conn, nil)
}

// Disconnect closes the TCP connection.
// Safe to call multiple times; cleanup runs once.
func (s *Socket) Disconnect() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		if conn := s.current(); conn != nil {
			err = conn.Close()
		}
	})
	return err
}

func (s *Socket) current() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Socket) dial(ctx context.Context, addr string) (net.Conn, error) {
	if s.ep.ProxyURL == "" {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	pu, err := url.Parse(s.ep.ProxyURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse proxy url")
	}
	d, err := proxy.FromURL(pu, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(err, "proxy dialer")
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return d.Dial("tcp", addr)
}

func (s *Socket) run(dialCtx context.Context) {
	defer close(s.events)

	u, err := url.Parse(s.ep.URL)
	if err != nil {
		s.signalDisconnect(errors.Wrap(err, "parse endpoint url"))
		return
	}

	ctx, cancel := context.WithCancel(dialCtx)
	stop := context.AfterFunc(s.ctx, cancel)
	conn, err := s.dial(ctx, u.Host)
	if err == nil {
		err = s.writePreamble(ctx, conn, u)
		if err != nil {
			conn.Close()
		}
	}
	stop()
	cancel()
	if err != nil {
		s.signalDisconnect(err)
		return
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	s.emit(transport.Event{Kind: transport.EventConnected})
	s.readLoop(conn)
}

func (s *Socket) writePreamble(ctx context.Context, conn net.Conn, u *url.URL) error {
	b, err := frame.Encode(frame.NewRequest(frame.Request{
		Verb:    "CONNECT",
		Path:    u.RequestURI(),
		Headers: frame.HeaderLines(s.ep.Header),
	}))
	if err != nil {
		return err
	}
	return s.writeRecord(ctx, conn, b)
}

// writeRecord writes one length-prefixed record, honoring ctx's deadline.
func (s *Socket) writeRecord(ctx context.Context, conn net.Conn, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	_ = conn.SetWriteDeadline(deadline)
	if err := WriteRecord(conn, payload); err != nil {
		return errors.Wrapf(transport.ErrTransportClosed, "tcp write: %v", err)
	}
	return nil
}

// readLoop runs in a goroutine and continuously reads records from the
// TCP connection. When the connection closes it signals disconnect and exits.
func (s *Socket) readLoop(conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := ReadRecord(conn, s.maxSize)
		if err != nil {
			s.signalDisconnect(err)
			return
		}
		if len(payload) == 0 {
			continue // ping
		}
		s.emit(transport.Event{Kind: transport.EventFrame, Payload: payload})
	}
}

func (s *Socket) emit(ev transport.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// signalDisconnect figures out the reason for disconnection and
// sends exactly one event on the event channel.
func (s *Socket) signalDisconnect(err error) {
	event := transport.Event{Kind: transport.EventDisconnected}

	var netErr net.Error
	switch {
	case err == nil, errors.Is(err, io.EOF), s.ctx.Err() != nil:
		// EOF means the remote side closed cleanly
		event.Reason = transport.ReasonClosedClean
	case errors.As(err, &netErr) && netErr.Timeout():
		event.Reason = transport.ReasonTimeout
		event.Err = err
	default:
		event.Reason = transport.ReasonNetworkError
		event.Err = err
	}

	s.emit(event)
}

// WriteRecord writes payload with its length prefix. A nil payload writes a ping.
func WriteRecord(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadRecord reads exactly one length-prefixed record.
func ReadRecord(r io.Reader, maxSize int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if maxSize > 0 && int64(n) > int64(maxSize) {
		return nil, errors.Wrapf(frame.ErrFrameTooLarge, "record of %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
