// Package workqueue provides the two execution contexts the multiplexer
// runs on: an unbounded mailbox drained by a single goroutine, and a serial
// executor of closures built on top of it.
package workqueue

import (
	"sync"

	"github.com/eapache/queue"
)

// Mailbox is an unbounded FIFO. Push never blocks, so timers, socket
// pumps and the consumer itself can all post without risking deadlock.
type Mailbox struct {
	mu     sync.Mutex
	items  *queue.Queue
	signal chan struct{}
	closed bool
}

// NewMailbox creates an empty, open mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		items:  queue.New(),
		signal: make(chan struct{}, 1),
	}
}

// Push appends v. Returns false if the mailbox is closed.
func (m *Mailbox) Push(v interface{}) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items.Add(v)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until an item is available. It returns false once the mailbox
// is closed and everything pushed before Close has been handed out.
func (m *Mailbox) Pop() (interface{}, bool) {
	for {
		m.mu.Lock()
		if m.items.Length() > 0 {
			v := m.items.Remove()
			m.mu.Unlock()
			return v, true
		}
		if m.closed {
			m.mu.Unlock()
			return nil, false
		}
		m.mu.Unlock()
		<-m.signal
	}
}

// Len reports how many items are waiting.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items.Length()
}

// Close stops accepting new items. Items already queued are still delivered.
// Safe to call multiple times.
func (m *Mailbox) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Serial runs submitted closures one at a time, in submission order, on a
// dedicated goroutine.
type Serial struct {
	box  *Mailbox
	done chan struct{}
}

// NewSerial starts the executor goroutine.
func NewSerial() *Serial {
	s := &Serial{box: NewMailbox(), done: make(chan struct{})}
	go s.run()
	return s
}

// Submit enqueues fn. Returns false if the executor is closed.
func (s *Serial) Submit(fn func()) bool {
	return s.box.Push(fn)
}

// Flush runs fn after everything submitted before it has completed.
// Returns false if the executor is closed, in which case fn never runs.
func (s *Serial) Flush(fn func()) bool {
	return s.Submit(fn)
}

// Close stops the executor once already-submitted work has run and waits
// for that to happen.
func (s *Serial) Close() {
	s.box.Close()
	<-s.done
}

func (s *Serial) run() {
	defer close(s.done)
	for {
		v, ok := s.box.Pop()
		if !ok {
			return
		}
		v.(func())()
	}
}
