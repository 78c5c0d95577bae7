package channel

import (
	"net/http"
	"strings"
	"time"

	"github.com/risa-org/chatmux/connection"
	"github.com/risa-org/chatmux/frame"
	"github.com/risa-org/chatmux/request"
)

// Statuses with a meaning beyond the request that received them.
const (
	StatusAppExpired   = 499
	StatusUnauthorized = http.StatusUnauthorized
	StatusForbidden    = http.StatusForbidden
)

// AlertIdlePrimaryDevice is the server alert sent when the primary device
// has not been seen for a while.
const AlertIdlePrimaryDevice = "idle-primary-device"

func (e *Engine) handleFrame(conn *connection.Connection, payload []byte) {
	f, err := frame.Decode(payload, e.cfg.MaxFrameSize)
	if err != nil {
		e.log.Warn().Err(err).Int("bytes", len(payload)).Msg("dropping undecodable frame")
		return
	}
	switch f.Type {
	case frame.TypeResponse:
		e.handleResponse(conn, *f.Response)
	case frame.TypeRequest:
		e.handleServerRequest(conn, *f.Request)
	}
}

func (e *Engine) handleResponse(conn *connection.Connection, r frame.Response) {
	t := conn.PopRequest(r.ID)
	if t == nil {
		e.log.Warn().Uint64("request", r.ID).Int("status", r.Status).Msg("dropping response for unknown request")
		return
	}
	headers := frame.ParseHeaders(r.Headers)
	e.extendKeepAlive(KeepAliveResponseReceived)
	e.handleAlerts(headers)

	if r.Status >= 200 && r.Status < 300 {
		t.Succeed(request.Response{URL: t.Target.URL, Status: r.Status, Headers: headers, Body: r.Body})
	} else {
		e.log.Info().Uint64("request", r.ID).Int("status", r.Status).Str("target", t.Target.String()).Msg("request failed")
		e.handleReservedStatus(r.Status)
		t.Fail(&request.ServiceResponseError{Status: r.Status, Headers: headers, Body: r.Body})
	}
	e.applyDesiredState()
}

// handleReservedStatus flips the global oracles. Every engine then
// recomputes through OnAppStateChange.
func (e *Engine) handleReservedStatus(status int) {
	changed := false
	switch {
	case status == StatusAppExpired:
		if !e.expiry.IsExpired() {
			e.log.Warn().Msg("server says this app version has expired")
			e.expiry.SetExpired()
			changed = true
		}
	case e.id.RequiresAuth() && (status == StatusUnauthorized || status == StatusForbidden):
		if e.registration.IsRegistered() {
			e.log.Warn().Int("status", status).Msg("server rejected credentials, marking deregistered")
			e.registration.SetDeregistered()
			changed = true
		}
	}
	if changed && e.onAppState != nil {
		e.onAppState()
	}
}

func (e *Engine) handleAlerts(headers http.Header) {
	if e.alerts == nil {
		return
	}
	var alerts []string
	for _, v := range headers.Values(frame.HeaderAlert) {
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				alerts = append(alerts, a)
			}
		}
	}
	if len(alerts) > 0 {
		e.alerts.HandleAlerts(e.id, alerts)
	}
}

func (e *Engine) handleServerRequest(conn *connection.Connection, r frame.Request) {
	switch r.Path {
	case frame.PathMessage:
		e.handleMessage(conn, r)
	case frame.PathQueueEmpty:
		e.ack(conn, r.ID)
		connID := conn.ID()
		if !e.processing.Flush(func() { e.post(evDrainFlushed{connID: connID}) }) {
			e.log.Warn().Msg("processing queue closed, backlog drain not recorded")
		}
	default:
		e.log.Debug().Str("verb", r.Verb).Str("path", r.Path).Msg("acknowledging unhandled server request")
		e.ack(conn, r.ID)
	}
}

// handleMessage hands the envelope to the processor off the loop. The ack
// is written only once the verdict comes back, and only if the same
// connection is still current.
func (e *Engine) handleMessage(conn *connection.Connection, r frame.Request) {
	e.extendKeepAlive(KeepAliveMessageReceived)
	e.applyDesiredState()

	ts, ok := frame.Timestamp(r.Headers)
	if !ok {
		e.log.Warn().Uint64("request", r.ID).Msg("message without server timestamp")
	}
	connID, requestID, envelope := conn.ID(), r.ID, r.Body
	processor := e.processor
	submitted := e.processing.Submit(func() {
		verdict := processor.Process(envelope, ts)
		e.post(evProcessed{connID: connID, requestID: requestID, verdict: verdict})
	})
	if !submitted {
		e.log.Warn().Uint64("request", requestID).Msg("processing queue closed, message left on server")
	}
}

func (e *Engine) handleProcessed(ev evProcessed) {
	conn := e.current(ev.connID)
	if conn == nil {
		e.log.Info().Uint64("request", ev.requestID).Msg("connection replaced before processing finished, not acknowledging")
		return
	}
	if !ev.verdict.Ack {
		e.log.Info().Uint64("request", ev.requestID).Str("reason", ev.verdict.Reason).Msg("not acknowledging message")
		return
	}
	e.ack(conn, ev.requestID)
}

func (e *Engine) handleDrainFlushed(ev evDrainFlushed) {
	conn := e.current(ev.connID)
	if conn == nil || !conn.MarkDrained() {
		return
	}
	e.drain.drainedAt = time.Now()
	e.drainedOnce.Store(true)
	e.log.Info().Uint64("conn", conn.ID()).Msg("backlog drained")
	e.applyDesiredState()
}

func (e *Engine) ack(conn *connection.Connection, id uint64) {
	b, err := frame.Encode(frame.NewAck(id))
	if err != nil {
		e.log.Error().Err(err).Msg("encode ack")
		return
	}
	if err := conn.Write(b); err != nil {
		e.log.Warn().Err(err).Uint64("request", id).Msg("ack failed")
	}
}
