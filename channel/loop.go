package channel

import (
	"time"

	"github.com/pkg/errors"
	"github.com/risa-org/chatmux/connection"
	"github.com/risa-org/chatmux/frame"
	"github.com/risa-org/chatmux/request"
	"github.com/risa-org/chatmux/transport"
)

type timerKind int

const (
	timerReconnect       timerKind = iota // periodic recheck while open is wanted
	timerRetry                            // backoff after a socket failure
	timerConnectWatchdog                  // cycles a connection stuck connecting
	timerBackgroundPoll                   // re-evaluates while open in background
	timerKinds
)

func (k timerKind) String() string {
	switch k {
	case timerReconnect:
		return "reconnect"
	case timerRetry:
		return "retry"
	case timerConnectWatchdog:
		return "connect watchdog"
	case timerBackgroundPoll:
		return "background poll"
	default:
		return "unknown"
	}
}

// timerSlot holds at most one pending timer. Every arm or disarm bumps
// gen, so a timer that fires after being replaced is recognized as stale.
type timerSlot struct {
	t   *time.Timer
	gen uint64
}

func (e *Engine) arm(kind timerKind, d time.Duration) {
	s := &e.timers[kind]
	if s.t != nil {
		s.t.Stop()
	}
	s.gen++
	gen := s.gen
	s.t = time.AfterFunc(d, func() {
		e.post(evTimer{kind: kind, gen: gen})
	})
}

func (e *Engine) disarm(kind timerKind) {
	s := &e.timers[kind]
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
	s.gen++
}

func (e *Engine) armed(kind timerKind) bool {
	return e.timers[kind].t != nil
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		v, ok := e.box.Pop()
		if !ok {
			break
		}
		e.handle(v)
	}
	if e.ownsQueue {
		e.processing.Close()
	}
}

func (e *Engine) handle(v interface{}) {
	switch ev := v.(type) {
	case evSocket:
		e.handleSocketEvent(ev)
	case evWriteFailed:
		e.handleWriteFailed(ev)
	case evRequestTimeout:
		e.handleRequestTimeout(ev)
	case evHeartbeat:
		e.handleHeartbeat(ev)
	case evTimer:
		e.handleTimer(ev)
	case evRecompute:
		e.log.Debug().Str("reason", ev.reason).Msg("recompute desired state")
		e.applyDesiredState()
	case evSetAppActive:
		e.appActive = ev.active
		e.applyDesiredState()
	case evKeepAlive:
		e.extendKeepAlive(ev.reason)
		e.applyDesiredState()
	case evPushReceived:
		e.extendKeepAlive(KeepAlivePushReceived)
		if e.conn == nil {
			e.drain.pushWhileDisconnectedAt = time.Now()
		}
		e.applyDesiredState()
	case evCycle:
		e.cycle(ev.reason)
	case evMakeRequest:
		e.makeRequest(ev.desc, ev.onSuccess, ev.onFailure)
	case evProcessed:
		e.handleProcessed(ev)
	case evDrainFlushed:
		e.handleDrainFlushed(ev)
	case evWaitOpen:
		e.handleWaitOpen(ev)
	case evSetCredentials:
		e.credentials = &credentials{login: ev.login, password: ev.password}
		e.cycle("credentials changed")
	case evSetProxy:
		e.proxyURL = ev.proxyURL
		e.cycle("proxy changed")
	case evSync:
		close(ev.done)
	case evShutdown:
		e.handleShutdown()
	default:
		e.log.Error().Msgf("unexpected event %T", v)
	}
}

func (e *Engine) signals(now time.Time) Signals {
	s := Signals{
		Now:          now,
		Shutdown:     e.shutdown,
		RequiresAuth: e.id.RequiresAuth(),
		Expired:      e.expiry.IsExpired(),
		AppActive:    e.appActive,
		Tokens:       int(e.tokens.Load()),
		KeepAlive:    e.keepAlive,
	}
	if s.RequiresAuth {
		s.Registered = e.registration.IsRegistered()
	}
	alive, drained := false, false
	if e.conn != nil {
		alive = true
		drained = e.conn.HasFullyDrainedBacklogOnce()
		s.PendingRequests = e.conn.PendingCount()
	}
	s.ShouldDrainBacklog = e.drain.shouldDrain(e.id.HasBacklog(), alive, drained)
	return s
}

// applyDesiredState brings the connection in line with the policy. Safe to
// run as often as anything changes; it never creates a second connection.
func (e *Engine) applyDesiredState() {
	d := ComputeDesiredState(e.signals(time.Now()))
	if prev := e.desired.Load(); *prev != d {
		e.log.Info().Msgf("desired %s", d)
	}
	e.desired.Store(&d)

	if d.Open {
		if e.conn == nil {
			e.openConnection()
		}
		if !e.armed(timerReconnect) {
			e.arm(timerReconnect, e.cfg.Timing.ReconnectInterval)
		}
	} else {
		e.disarm(timerReconnect)
		e.disarm(timerRetry)
		if e.conn != nil {
			e.teardown(errors.Wrap(ErrShouldBeClosed, d.Reason))
		}
		e.resolveWaiters(ErrShouldBeClosed)
	}
	e.updateBackgroundHold(d)
}

// updateBackgroundHold keeps a poll timer and a background task while the
// channel is open with the app inactive, and drops both otherwise.
func (e *Engine) updateBackgroundHold(d DesiredState) {
	if d.Open && !e.appActive {
		if e.endBackground == nil {
			e.endBackground = e.background.BeginBackgroundTask("chat " + e.id.String())
		}
		if !e.armed(timerBackgroundPoll) {
			e.arm(timerBackgroundPoll, e.cfg.Timing.BackgroundPoll)
		}
		return
	}
	e.disarm(timerBackgroundPoll)
	if e.endBackground != nil {
		e.endBackground()
		e.endBackground = nil
	}
}

func (e *Engine) openConnection() {
	now := time.Now()
	if now.Before(e.retryAt) {
		if !e.armed(timerRetry) {
			e.arm(timerRetry, e.retryAt.Sub(now))
		}
		return
	}
	ep, err := e.endpoint()
	if err != nil {
		e.log.Error().Err(err).Msg("cannot address connection")
		return
	}

	id := connIDs.Add(1)
	conn := connection.New(connection.Options{
		ID:                id,
		Socket:            e.factory(ep),
		RequestTimeout:    e.cfg.Timing.RequestTimeout,
		WriteTimeout:      e.cfg.Timing.WriteTimeout,
		HeartbeatInterval: e.cfg.Timing.HeartbeatInterval,
		Hooks:             hooks{e: e},
		Logger:            e.log,
	})
	e.conn = conn
	e.drain.connectionCreatedAt = conn.CreatedAt()
	e.drainedOnce.Store(false)

	e.log.Info().Uint64("conn", id).Str("url", ep.Redacted()).Msg("connecting")
	e.arm(timerConnectWatchdog, e.cfg.Timing.ConnectTimeout)
	e.publishState(connection.StateConnecting)
	conn.Start(e.ctx)
}

// teardown resets and forgets the current connection. Pending requests
// fail with a network failure carrying cause.
func (e *Engine) teardown(cause error) {
	conn := e.conn
	if conn == nil {
		return
	}
	e.conn = nil
	e.disarm(timerConnectWatchdog)
	e.log.Info().Uint64("conn", conn.ID()).Str("cause", cause.Error()).Msg("closing connection")
	conn.Reset(cause)
	e.drainedOnce.Store(false)
	e.publishState(connection.StateClosed)
}

func (e *Engine) cycle(reason string) {
	if e.conn != nil {
		e.log.Warn().Str("reason", reason).Msg("cycling connection")
		e.teardown(errors.Errorf("connection cycled: %s", reason))
	}
	e.retryAt = time.Time{}
	e.disarm(timerRetry)
	e.applyDesiredState()
}

func (e *Engine) extendKeepAlive(reason KeepAliveReason) {
	d := keepAliveDuration(e.cfg.Timing.KeepAlive, reason)
	if d <= 0 {
		return
	}
	e.keepAlive = e.keepAlive.Extend(reason, time.Now(), d)
}

// current returns the connection if id still names it.
func (e *Engine) current(id uint64) *connection.Connection {
	if e.conn == nil || e.conn.ID() != id {
		return nil
	}
	return e.conn
}

func (e *Engine) handleSocketEvent(ev evSocket) {
	conn := e.current(ev.connID)
	if conn == nil {
		e.log.Debug().Uint64("conn", ev.connID).Str("event", ev.ev.Kind.String()).Msg("ignoring event from stale connection")
		return
	}
	switch ev.ev.Kind {
	case transport.EventConnected:
		if !conn.HandleConnected() {
			return
		}
		e.disarm(timerConnectWatchdog)
		e.retryAt = time.Time{}
		e.outage.ReportConnectionSuccess()
		e.publishState(connection.StateOpen)
		e.resolveWaiters(nil)
		e.applyDesiredState()
	case transport.EventFrame:
		e.handleFrame(conn, ev.ev.Payload)
	case transport.EventDisconnected:
		e.handleDisconnected(conn, ev)
	}
}

func (e *Engine) handleDisconnected(conn *connection.Connection, ev evSocket) {
	reason := ev.ev.Reason
	cause := ev.ev.Err
	if cause == nil {
		cause = errors.Errorf("socket closed: %s", reason)
	}
	e.log.Warn().Err(ev.ev.Err).Uint64("conn", conn.ID()).
		Str("reason", reason.String()).
		Bool("was_open", conn.HasEverConnected()).
		Msg("connection lost")
	e.teardown(cause)
	e.outage.ReportConnectionFailure()

	now := time.Now()
	if delay := e.failures.next(now, e.cfg.Backoff); delay > 0 {
		e.retryAt = now.Add(delay)
		e.log.Info().Dur("delay", delay).Msg("reconnect scheduled")
	}
	e.applyDesiredState()
}

// handleWriteFailed fails the request whose frame could not be written, if
// any, and replaces the connection.
func (e *Engine) handleWriteFailed(ev evWriteFailed) {
	conn := e.current(ev.connID)
	if conn == nil {
		return
	}
	if t := conn.PopRequest(ev.requestID); t != nil {
		t.Fail(request.NewNetworkFailure(request.FailureGeneric, ev.err))
	}
	e.log.Warn().Err(ev.err).Uint64("conn", ev.connID).Uint64("request", ev.requestID).Msg("write failed")
	e.cycle("write failed")
}

func (e *Engine) handleRequestTimeout(ev evRequestTimeout) {
	conn := e.current(ev.connID)
	if conn == nil {
		return
	}
	t := conn.PopRequest(ev.requestID)
	if t == nil {
		return
	}
	e.log.Warn().Uint64("request", ev.requestID).Str("target", t.Target.String()).Msg("request timed out")
	t.Fail(request.NewNetworkFailure(request.FailureTimeout, errors.New("request timed out")))
	e.cycle("request timeout")
}

func (e *Engine) handleHeartbeat(ev evHeartbeat) {
	conn := e.current(ev.connID)
	if conn == nil || conn.State() != connection.StateOpen {
		return
	}
	if !ComputeDesiredState(e.signals(time.Now())).Open {
		e.applyDesiredState()
		return
	}
	conn.Ping()
	if e.id.RequiresAuth() && e.cfg.KeepalivePath != "" {
		e.sendKeepalive()
	}
}

// sendKeepalive asks the server to confirm the session. Only the outcome
// is logged; a dead connection is noticed by the request timeout.
func (e *Engine) sendKeepalive() {
	d := request.Descriptor{Method: "GET", URL: e.cfg.KeepalivePath}
	e.makeRequest(d,
		func(request.Response) {
			e.log.Debug().Msg("keepalive ok")
		},
		func(err error) {
			e.log.Warn().Err(err).Msg("keepalive failed")
		})
}

func (e *Engine) handleTimer(ev evTimer) {
	s := &e.timers[ev.kind]
	if ev.gen != s.gen || s.t == nil {
		return
	}
	s.t = nil
	switch ev.kind {
	case timerConnectWatchdog:
		if e.conn != nil && e.conn.State() != connection.StateOpen {
			e.log.Warn().Uint64("conn", e.conn.ID()).Msg("connect timed out")
			e.outage.ReportConnectionFailure()
			e.cycle("connect timeout")
		}
	default:
		e.applyDesiredState()
	}
}

// makeRequest checks expiry, then the descriptor, then the connection, and
// only then writes. Every path completes the request exactly once.
func (e *Engine) makeRequest(d request.Descriptor, onSuccess func(request.Response), onFailure func(error)) {
	fail := func(err error) {
		if onFailure != nil {
			onFailure(err)
		}
	}
	if e.expiry.IsExpired() {
		fail(request.ErrInvalidAppState)
		return
	}
	fr, err := d.Frame(0)
	if err != nil {
		fail(err)
		return
	}
	conn := e.conn
	if conn == nil || conn.State() != connection.StateOpen {
		fail(request.NewNetworkFailure(request.FailureGeneric, ErrNoConnection))
		return
	}

	fr.ID = conn.NextRequestID()
	payload, err := frame.Encode(frame.NewRequest(fr))
	if err != nil {
		fail(errors.Wrap(request.ErrInvalidRequest, err.Error()))
		return
	}
	t := request.NewTicket(fr.ID, d, onSuccess, onFailure)
	e.log.Debug().Uint64("request", fr.ID).Str("target", d.String()).Msg("sending request")
	if err := conn.SendRequest(t, payload); err != nil {
		e.cycle("write failed")
	}
}

func (e *Engine) handleWaitOpen(ev evWaitOpen) {
	switch {
	case e.shutdown:
		ev.reply <- ErrEngineClosed
	case e.conn != nil && e.conn.State() == connection.StateOpen:
		ev.reply <- nil
	case !e.Desired().Open:
		ev.reply <- ErrShouldBeClosed
	default:
		e.waiters = append(e.waiters, ev.reply)
	}
}

func (e *Engine) resolveWaiters(err error) {
	for _, w := range e.waiters {
		w <- err
	}
	e.waiters = nil
}

func (e *Engine) handleShutdown() {
	if e.shutdown {
		return
	}
	e.shutdown = true
	e.resolveWaiters(ErrEngineClosed)
	e.applyDesiredState()
	for k := timerKind(0); k < timerKinds; k++ {
		e.disarm(k)
	}
	e.cancel()
	e.closeSubscribers()
	e.log.Debug().Msg("engine closed")
}
