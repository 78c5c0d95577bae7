package channel

import "sync/atomic"

// Token is an unsubmitted-request token. While any token is held the
// channel wants to be open, so a caller can prepare a request while the
// connection comes up.
type Token struct {
	e        *Engine
	released atomic.Bool
}

// AcquireToken takes a token. Release it exactly once.
func (e *Engine) AcquireToken() *Token {
	e.tokens.Add(1)
	e.post(evRecompute{reason: "token acquired"})
	return &Token{e: e}
}

// Release gives the token back. Returns false on every call after the first.
func (t *Token) Release() bool {
	if !t.released.CompareAndSwap(false, true) {
		return false
	}
	t.e.tokens.Add(-1)
	t.e.post(evRecompute{reason: "token released"})
	return true
}
