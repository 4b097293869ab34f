package pipeline

import (
	"sync"
	"sync/atomic"
)

// Mailbox is a single-slot buffer between two tiers.
//
// Put never blocks: a value that has not been taken yet is replaced by the
// newer one and counted as dropped. The consumer waits on Ready and then
// drains the slot with TryTake.
type Mailbox[T any] struct {
	mu     sync.Mutex
	value  T
	full   bool
	closed bool
	ready  chan struct{}

	puts    atomic.Uint64
	dropped atomic.Uint64
	taken   atomic.Uint64
}

// MailboxStats is a snapshot of mailbox counters.
type MailboxStats struct {
	Puts    uint64
	Dropped uint64
	Taken   uint64
}

// NewMailbox creates an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		ready: make(chan struct{}, 1),
	}
}

// Put stores v, replacing any unconsumed value. It reports whether a value
// was replaced. Put on a closed mailbox is a no-op.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}

	replaced := m.full
	m.value = v
	m.full = true
	m.mu.Unlock()

	m.puts.Add(1)
	if replaced {
		m.dropped.Add(1)
	}

	// Wake the consumer if it is not already signalled
	select {
	case m.ready <- struct{}{}:
	default:
	}

	return replaced
}

// TryTake removes and returns the stored value, if any.
func (m *Mailbox[T]) TryTake() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	if !m.full {
		return zero, false
	}

	v := m.value
	m.value = zero
	m.full = false
	m.taken.Add(1)

	return v, true
}

// Ready is signalled after every Put. It may fire spuriously, so consumers
// always use TryTake.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Pending reports whether an unconsumed value is stored.
func (m *Mailbox[T]) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.full
}

// Close makes further Puts no-ops. A stored value can still be taken.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// Stats returns the mailbox counters.
func (m *Mailbox[T]) Stats() MailboxStats {
	return MailboxStats{
		Puts:    m.puts.Load(),
		Dropped: m.dropped.Load(),
		Taken:   m.taken.Load(),
	}
}
