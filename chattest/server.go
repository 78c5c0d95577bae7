// Package chattest runs an in-process chat server speaking the frame
// protocol over websockets. Tests and the example drive it directly: answer
// client requests, push envelopes, signal an empty queue, drop sockets.
package chattest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/risa-org/chatmux/frame"
	"github.com/rs/zerolog"
)

// ErrConnClosed is returned when writing to a connection that has gone away.
var ErrConnClosed = errors.New("chattest: connection closed")

// Handler answers one client request. The response ID is filled in.
type Handler func(c *Conn, req frame.Request) frame.Response

// Authenticator decides whether login/password may connect. Returning false
// rejects the websocket upgrade with 401.
type Authenticator func(login, password string) bool

// Option configures a Server.
type Option func(*Server)

// WithHandler answers client requests automatically. Without one they
// queue on Conn.Requests.
func WithHandler(h Handler) Option {
	return func(s *Server) { s.handler = h }
}

// WithAuthenticator checks credentials on connections that carry them.
func WithAuthenticator(a Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithLogger logs server side activity.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l.With().Str("component", "chattest").Logger() }
}

// Server is a test chat server.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	handler  Handler
	auth     Authenticator
	log      zerolog.Logger
	accepted chan *Conn

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewServer starts a server on a loopback port.
func NewServer(opts ...Option) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:      zerolog.Nop(),
		accepted: make(chan *Conn, 64),
		conns:    make(map[*Conn]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveWS))
	return s
}

// URL is the websocket endpoint, e.g. ws://127.0.0.1:1234/v1/websocket/.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/v1/websocket/"
}

// Accepted yields every connection as it is upgraded.
func (s *Server) Accepted() <-chan *Conn {
	return s.accepted
}

// Conns returns the connections currently open.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Close drops every connection and stops the listener.
func (s *Server) Close() {
	for _, c := range s.Conns() {
		c.Drop()
	}
	s.srv.Close()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if login := q.Get("login"); login != "" && s.auth != nil && !s.auth(login, q.Get("password")) {
		s.log.Info().Str("login", login).Msg("rejecting credentials")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := &Conn{
		server:   s,
		ws:       ws,
		Query:    q,
		Header:   r.Header.Clone(),
		requests: make(chan frame.Request, 256),
		acks:     make(chan frame.Response, 256),
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.log.Debug().Bool("identified", c.Identified()).Msg("accepted")

	select {
	case s.accepted <- c:
	default:
	}
	go c.readLoop()
}

func (s *Server) forget(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Conn is the server side of one client connection.
type Conn struct {
	server *Server
	ws     *websocket.Conn
	Query  url.Values
	Header http.Header

	writeMu  sync.Mutex
	requests chan frame.Request
	acks     chan frame.Response
	done     chan struct{}
	once     sync.Once
}

// Identified reports whether the client sent credentials.
func (c *Conn) Identified() bool {
	return c.Query.Get("login") != ""
}

// Requests yields client requests when the server has no Handler.
func (c *Conn) Requests() <-chan frame.Request {
	return c.requests
}

// Acks yields every response the client sent, i.e. its acknowledgements of
// pushed requests.
func (c *Conn) Acks() <-chan frame.Response {
	return c.acks
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Respond answers a client request.
func (c *Conn) Respond(resp frame.Response) error {
	return c.write(frame.NewResponse(resp))
}

// Push sends a server-initiated request.
func (c *Conn) Push(req frame.Request) error {
	return c.write(frame.NewRequest(req))
}

// PushMessage delivers one envelope with a server timestamp in ms.
func (c *Conn) PushMessage(id uint64, envelope []byte, timestamp uint64) error {
	return c.Push(frame.Request{
		Verb:    http.MethodPut,
		Path:    frame.PathMessage,
		ID:      id,
		Headers: []string{frame.HeaderTimestamp + ":" + strconv.FormatUint(timestamp, 10)},
		Body:    envelope,
	})
}

// PushQueueEmpty tells the client the backlog has been delivered.
func (c *Conn) PushQueueEmpty(id uint64) error {
	return c.Push(frame.Request{Verb: http.MethodPut, Path: frame.PathQueueEmpty, ID: id})
}

// Close ends the connection with a normal close frame.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	err := c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	if err != nil {
		c.Drop()
		return errors.Wrap(err, "write close")
	}
	return nil
}

// Drop closes the TCP connection without a close frame, as a dying
// network would.
func (c *Conn) Drop() {
	c.ws.Close()
}

func (c *Conn) write(f frame.Frame) error {
	b, err := frame.Encode(f)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return errors.Wrap(ErrConnClosed, err.Error())
	}
	return nil
}

func (c *Conn) readLoop() {
	defer func() {
		c.once.Do(func() { close(c.done) })
		c.server.forget(c)
		c.ws.Close()
	}()
	for {
		kind, b, err := c.ws.ReadMessage()
		if err != nil {
			c.server.log.Debug().Err(err).Msg("read loop ended")
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		f, err := frame.Decode(b, 0)
		if err != nil {
			c.server.log.Warn().Err(err).Msg("bad frame from client")
			continue
		}
		switch f.Type {
		case frame.TypeRequest:
			c.handleRequest(*f.Request)
		case frame.TypeResponse:
			select {
			case c.acks <- *f.Response:
			default:
			}
		}
	}
}

func (c *Conn) handleRequest(req frame.Request) {
	if c.server.handler == nil {
		select {
		case c.requests <- req:
		default:
			c.server.log.Warn().Uint64("request", req.ID).Msg("request queue full, dropping")
		}
		return
	}
	resp := c.server.handler(c, req)
	resp.ID = req.ID
	if err := c.Respond(resp); err != nil {
		c.server.log.Debug().Err(err).Msg("respond failed")
	}
}
