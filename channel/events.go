package channel

import (
	"github.com/risa-org/chatmux/request"
	"github.com/risa-org/chatmux/transport"
)

// Everything that can change an engine arrives as one of these, one at a
// time, on the engine's mailbox.

type evSocket struct {
	connID uint64
	ev     transport.Event
}

type evWriteFailed struct {
	connID, requestID uint64
	err               error
}

type evRequestTimeout struct {
	connID, requestID uint64
}

type evHeartbeat struct {
	connID uint64
}

type evTimer struct {
	kind timerKind
	gen  uint64
}

type evRecompute struct {
	reason string
}

type evSetAppActive struct {
	active bool
}

type evKeepAlive struct {
	reason KeepAliveReason
}

type evPushReceived struct{}

type evCycle struct {
	reason string
}

type evMakeRequest struct {
	desc      request.Descriptor
	onSuccess func(request.Response)
	onFailure func(error)
}

type evProcessed struct {
	connID, requestID uint64
	verdict           AckVerdict
}

type evDrainFlushed struct {
	connID uint64
}

type evWaitOpen struct {
	reply chan error
}

type evSetCredentials struct {
	login, password string
}

type evSetProxy struct {
	proxyURL string
}

type evSync struct {
	done chan struct{}
}

type evShutdown struct{}

// hooks adapts connection callbacks into mailbox posts.
type hooks struct {
	e *Engine
}

func (h hooks) SocketEvent(connID uint64, ev transport.Event) {
	h.e.post(evSocket{connID: connID, ev: ev})
}

func (h hooks) WriteFailed(connID, requestID uint64, err error) {
	h.e.post(evWriteFailed{connID: connID, requestID: requestID, err: err})
}

func (h hooks) RequestTimedOut(connID, requestID uint64) {
	h.e.post(evRequestTimeout{connID: connID, requestID: requestID})
}

func (h hooks) HeartbeatDue(connID uint64) {
	h.e.post(evHeartbeat{connID: connID})
}
