package connection

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/risa-org/chatmux/request"
	"github.com/risa-org/chatmux/transport"
	"github.com/risa-org/chatmux/workqueue"
	"github.com/rs/zerolog"
)

// ErrNotOpen is returned when writing on a connection that is not open.
var ErrNotOpen = errors.New("connection not open")

// Hooks receives everything that happens off the owner's goroutine: socket
// events from the pump, failed writes from the writer and timer expiries.
// Implementations must not block; the owner is expected to post these into
// its own serialized loop.
type Hooks interface {
	SocketEvent(connID uint64, ev transport.Event)
	WriteFailed(connID, requestID uint64, err error)
	RequestTimedOut(connID, requestID uint64)
	HeartbeatDue(connID uint64)
}

// Options configures a Connection.
type Options struct {
	ID                uint64
	Socket            transport.Socket
	RequestTimeout    time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	Hooks             Hooks
	Logger            zerolog.Logger
}

// Connection is exactly one physical link and the requests in flight on it.
//
// Everything except the snapshot getters (State, HasFullyDrainedBacklogOnce)
// must be called from the owner's goroutine.
type Connection struct {
	id        uint64
	socket    transport.Socket
	opts      Options
	hooks     Hooks
	log       zerolog.Logger
	createdAt time.Time

	state         atomic.Int32
	drained       atomic.Bool
	started       bool
	reset         bool
	everConnected bool
	pending       map[uint64]*request.Ticket
	stopHeartbeat chan struct{}
	outbox        *workqueue.Mailbox
	writerStarted bool
}

// outbound is one queued frame. requestID is zero for acks.
type outbound struct {
	requestID uint64
	payload   []byte
}

// New creates a connection in StateClosed. Nothing happens until Start.
func New(opts Options) *Connection {
	return &Connection{
		id:        opts.ID,
		socket:    opts.Socket,
		opts:      opts,
		hooks:     opts.Hooks,
		log:       opts.Logger.With().Uint64("conn", opts.ID).Logger(),
		createdAt: time.Now(),
		pending:   make(map[uint64]*request.Ticket),
		outbox:    workqueue.NewMailbox(),
	}
}

func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// PendingCount reports how many requests await a response.
func (c *Connection) PendingCount() int { return len(c.pending) }

// HasEverConnected reports whether the socket ever reached Open.
func (c *Connection) HasEverConnected() bool { return c.everConnected }

// State may be read from any goroutine.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// HasFullyDrainedBacklogOnce may be read from any goroutine.
func (c *Connection) HasFullyDrainedBacklogOnce() bool {
	return c.drained.Load()
}

// MarkDrained flips the drained flag. Returns true only the first time.
func (c *Connection) MarkDrained() bool {
	return c.drained.CompareAndSwap(false, true)
}

func (c *Connection) transition(next State) bool {
	cur := c.State()
	if !isValidTransition(cur, next, c.started) {
		return false
	}
	c.state.Store(int32(next))
	if next == StateConnecting {
		c.started = true
	}
	c.log.Debug().Str("from", cur.String()).Str("to", next.String()).Msg("connection state")
	return true
}

// Start begins connecting and forwards every socket event to Hooks.
func (c *Connection) Start(ctx context.Context) {
	if !c.transition(StateConnecting) {
		return
	}
	events := c.socket.Events()
	go func() {
		for ev := range events {
			c.hooks.SocketEvent(c.id, ev)
		}
	}()
	c.socket.Connect(ctx)
}

// HandleConnected moves Connecting to Open and starts the heartbeat.
func (c *Connection) HandleConnected() bool {
	if !c.transition(StateOpen) {
		return false
	}
	c.everConnected = true
	c.startWriter()
	c.startHeartbeat()
	return true
}

// NextRequestID returns a random correlation id not currently in flight.
func (c *Connection) NextRequestID() uint64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			// crypto/rand never fails on supported platforms
			panic(err)
		}
		id := binary.BigEndian.Uint64(b[:])
		if _, taken := c.pending[id]; id != 0 && !taken {
			return id
		}
	}
}

// SendRequest registers t, queues payload and arms the per-request timeout.
// On error the ticket has already been failed and removed. A write that
// fails later is reported through Hooks.WriteFailed; the ticket stays
// pending for the owner to fail.
func (c *Connection) SendRequest(t *request.Ticket, payload []byte) error {
	if c.State() != StateOpen {
		t.Fail(request.NewNetworkFailure(request.FailureGeneric, ErrNotOpen))
		return ErrNotOpen
	}

	c.pending[t.ID] = t
	connID, reqID := c.id, t.ID
	t.SetTimer(time.AfterFunc(c.opts.RequestTimeout, func() {
		c.hooks.RequestTimedOut(connID, reqID)
	}))

	if err := c.enqueue(outbound{requestID: t.ID, payload: payload}); err != nil {
		delete(c.pending, t.ID)
		t.Fail(request.NewNetworkFailure(request.FailureGeneric, err))
		return err
	}
	return nil
}

// PopRequest removes and returns the ticket for id, or nil.
func (c *Connection) PopRequest(id uint64) *request.Ticket {
	t, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return t
}

// Write queues one encoded frame, such as an ack, behind everything
// queued before it. It never waits for the socket.
func (c *Connection) Write(payload []byte) error {
	return c.enqueue(outbound{payload: payload})
}

func (c *Connection) enqueue(o outbound) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	if !c.outbox.Push(o) {
		return ErrNotOpen
	}
	return nil
}

// startWriter drains the outbox in order on its own goroutine, so a
// stalled socket only delays frames and never the owner.
func (c *Connection) startWriter() {
	if c.writerStarted {
		return
	}
	c.writerStarted = true
	go func() {
		for {
			v, ok := c.outbox.Pop()
			if !ok {
				return
			}
			o := v.(outbound)
			if c.State() != StateOpen {
				continue
			}
			ctx, cancel := c.writeContext()
			err := c.socket.Write(ctx, o.payload)
			cancel()
			if err != nil && c.State() == StateOpen {
				c.log.Debug().Err(err).Uint64("request", o.requestID).Msg("write failed")
				c.hooks.WriteFailed(c.id, o.requestID, err)
			}
		}
	}()
}

// Ping sends a transport ping without blocking the caller. A failed ping
// is only logged; a dead socket reports its own disconnect.
func (c *Connection) Ping() {
	if c.State() != StateOpen {
		return
	}
	go func() {
		ctx, cancel := c.writeContext()
		defer cancel()
		if err := c.socket.SendPing(ctx); err != nil {
			c.log.Debug().Err(err).Msg("ping failed")
		}
	}()
}

// Reset tears the connection down: disconnects the socket, stops the
// heartbeat and the writer, drops queued frames and fails every pending ticket with cause. Idempotent; returns
// how many tickets it failed.
func (c *Connection) Reset(cause error) int {
	if c.reset {
		return 0
	}
	c.reset = true
	c.transition(StateClosed)
	c.state.Store(int32(StateClosed))

	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
		c.stopHeartbeat = nil
	}
	c.outbox.Close()
	if err := c.socket.Disconnect(); err != nil {
		c.log.Debug().Err(err).Msg("disconnect")
	}

	pending := c.pending
	c.pending = make(map[uint64]*request.Ticket)
	failed := 0
	for _, t := range pending {
		if t.Fail(request.NewNetworkFailure(request.FailureTeardown, cause)) {
			failed++
		}
	}
	if failed > 0 {
		c.log.Info().Int("requests", failed).Msg("failed pending requests on reset")
	}
	return failed
}

func (c *Connection) writeContext() (context.Context, context.CancelFunc) {
	if c.opts.WriteTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), c.opts.WriteTimeout)
}

func (c *Connection) startHeartbeat() {
	if c.opts.HeartbeatInterval <= 0 || c.stopHeartbeat != nil {
		return
	}
	stop := make(chan struct{})
	c.stopHeartbeat = stop
	interval, id, hooks := c.opts.HeartbeatInterval, c.id, c.hooks
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hooks.HeartbeatDue(id)
			case <-stop:
				return
			}
		}
	}()
}
