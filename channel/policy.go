package channel

import (
	"time"

	"github.com/risa-org/chatmux/config"
)

// KeepAliveReason names why a background hold-open window was granted.
type KeepAliveReason int

const (
	KeepAlivePushReceived KeepAliveReason = iota + 1
	KeepAliveMessageReceived
	KeepAliveResponseReceived
)

func (r KeepAliveReason) String() string {
	switch r {
	case KeepAlivePushReceived:
		return "push received"
	case KeepAliveMessageReceived:
		return "message received"
	case KeepAliveResponseReceived:
		return "response received"
	default:
		return "none"
	}
}

// KeepAliveWindow holds the channel open in the background until ExpiresAt.
// Only the latest-expiring window is kept.
type KeepAliveWindow struct {
	Reason    KeepAliveReason
	ExpiresAt time.Time
}

// Extend returns the more permissive of w and a new window ending at
// now+d. A window never shortens.
func (w KeepAliveWindow) Extend(reason KeepAliveReason, now time.Time, d time.Duration) KeepAliveWindow {
	exp := now.Add(d)
	if w.Reason != 0 && !exp.After(w.ExpiresAt) {
		return w
	}
	return KeepAliveWindow{Reason: reason, ExpiresAt: exp}
}

// Active reports whether the window is still open at now.
func (w KeepAliveWindow) Active(now time.Time) bool {
	return w.Reason != 0 && now.Before(w.ExpiresAt)
}

func keepAliveDuration(k config.KeepAlive, r KeepAliveReason) time.Duration {
	switch r {
	case KeepAlivePushReceived:
		return k.PushReceived
	case KeepAliveMessageReceived:
		return k.MessageReceived
	case KeepAliveResponseReceived:
		return k.ResponseReceived
	default:
		return 0
	}
}

// DesiredState is what the policy wants the connection to be, with a
// human readable reason for logs.
type DesiredState struct {
	Open   bool
	Reason string
}

func (d DesiredState) String() string {
	if d.Open {
		return "open: " + d.Reason
	}
	return "closed: " + d.Reason
}

func openBecause(reason string) DesiredState { return DesiredState{Open: true, Reason: reason} }
func closedBecause(reason string) DesiredState { return DesiredState{Reason: reason} }

// Signals is everything the desired state depends on, captured at one
// instant.
type Signals struct {
	Now                time.Time
	Shutdown           bool
	RequiresAuth       bool
	Registered         bool
	Expired            bool
	AppActive          bool
	Tokens             int
	PendingRequests    int
	ShouldDrainBacklog bool
	KeepAlive          KeepAliveWindow
}

// ComputeDesiredState is the whole open/close policy. Reasons to stay
// closed win over reasons to be open; among the open reasons the first
// match names the state.
func ComputeDesiredState(s Signals) DesiredState {
	switch {
	case s.Shutdown:
		return closedBecause("engine closed")
	case s.RequiresAuth && !s.Registered:
		return closedBecause("not registered")
	case s.Expired:
		return closedBecause("app expired")
	case s.Tokens > 0:
		return openBecause("unsubmitted requests")
	case s.PendingRequests > 0:
		return openBecause("pending requests")
	case s.AppActive:
		return openBecause("app active")
	case s.ShouldDrainBacklog:
		return openBecause("draining backlog")
	case s.KeepAlive.Active(s.Now):
		return openBecause("keep alive: " + s.KeepAlive.Reason.String())
	default:
		return closedBecause("app inactive")
	}
}

// drainHistory records the timestamps the backlog heuristic compares.
// Zero means never.
type drainHistory struct {
	connectionCreatedAt     time.Time
	drainedAt               time.Time
	pushWhileDisconnectedAt time.Time
}

// shouldDrain errs toward staying open. A push seen while disconnected
// holds the channel open until a drain completes after it; otherwise a
// live connection is held open until it drains once, and until some
// drain happened after it was created.
func (h drainHistory) shouldDrain(hasBacklog, connAlive, connDrained bool) bool {
	if !hasBacklog {
		return false
	}
	if !h.pushWhileDisconnectedAt.IsZero() && !h.drainedAt.After(h.pushWhileDisconnectedAt) {
		return true
	}
	if !connAlive {
		return false
	}
	if !connDrained {
		return true
	}
	return !h.drainedAt.After(h.connectionCreatedAt)
}
