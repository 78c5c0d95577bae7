package request

import (
	"sync/atomic"
	"time"
)

// Ticket is one outstanding request's completion contract. Whichever of
// server response, local timeout, connection teardown or pre-send failure
// gets there first completes it; every later attempt is a no-op.
type Ticket struct {
	ID        uint64
	Target    Descriptor
	CreatedAt time.Time

	done      atomic.Bool
	onSuccess func(Response)
	onFailure func(error)
	timer     *time.Timer
}

// NewTicket creates an incomplete ticket.
func NewTicket(id uint64, target Descriptor, onSuccess func(Response), onFailure func(error)) *Ticket {
	return &Ticket{
		ID:        id,
		Target:    target,
		CreatedAt: time.Now(),
		onSuccess: onSuccess,
		onFailure: onFailure,
	}
}

// Succeed completes the ticket with r. Returns false if already complete.
func (t *Ticket) Succeed(r Response) bool {
	if !t.complete() {
		return false
	}
	if t.onSuccess != nil {
		t.onSuccess(r)
	}
	t.release()
	return true
}

// Fail completes the ticket with err. Returns false if already complete.
func (t *Ticket) Fail(err error) bool {
	if !t.complete() {
		return false
	}
	if t.onFailure != nil {
		t.onFailure(err)
	}
	t.release()
	return true
}

// Complete reports whether the ticket has been resolved.
func (t *Ticket) Complete() bool {
	return t.done.Load()
}

// SetTimer attaches the per-request timeout so completion can stop it.
func (t *Ticket) SetTimer(timer *time.Timer) {
	t.timer = timer
}

func (t *Ticket) complete() bool {
	if !t.done.CompareAndSwap(false, true) {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

// release drops the callbacks so a completed ticket pins nothing.
func (t *Ticket) release() {
	t.onSuccess = nil
	t.onFailure = nil
}
