// Package pulse counts debounced edges on digital inputs, such as the S0
// outputs of gas, water or sub meters.
package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/itohio/goemon/pkg/config"
)

// Edge selects which level transitions are counted.
type Edge int

const (
	Rising Edge = iota
	Falling
	Both
)

// ParseEdge maps a config edge name to an Edge.
func ParseEdge(s string) (Edge, error) {
	switch s {
	case config.EdgeRising, "":
		return Rising, nil
	case config.EdgeFalling:
		return Falling, nil
	case config.EdgeBoth:
		return Both, nil
	}
	return Rising, fmt.Errorf("unknown pulse edge %q", s)
}

// Input reads the level of a digital input.
type Input interface {
	Read() bool
}

// Counter counts edges on one input. A level change is only accepted after
// blank consecutive polls agree on it, so contact bounce shorter than the
// blanking window is ignored.
//
// Update must be called from a single goroutine; Count and SetCount are safe
// for concurrent use.
type Counter struct {
	in   Input
	edge Edge
	mask uint32
	hist uint32 // last polls, newest in bit 0
	high bool   // accepted level

	count atomic.Uint64
}

// NewCounter creates a counter and takes the current input level as the
// accepted level. blank is clamped to [1, 32].
func NewCounter(in Input, edge Edge, blank int) *Counter {
	blank = min(max(blank, 1), 32)
	c := &Counter{
		in:   in,
		edge: edge,
		mask: uint32(1)<<uint(blank) - 1,
	}
	c.high = in.Read()
	if c.high {
		c.hist = c.mask
	}
	return c
}

// Update polls the input once and reports whether a pulse was counted.
func (c *Counter) Update() bool {
	c.hist <<= 1
	if c.in.Read() {
		c.hist |= 1
	}

	level := c.high
	switch c.hist & c.mask {
	case 0:
		level = false
	case c.mask:
		level = true
	}
	if level == c.high {
		return false
	}
	c.high = level

	if c.edge == Both || (c.edge == Rising) == level {
		c.count.Add(1)
		return true
	}
	return false
}

// Count returns the number of counted pulses.
func (c *Counter) Count() uint64 {
	return c.count.Load()
}

// SetCount overrides the pulse count, e.g. with a value restored at startup.
func (c *Counter) SetCount(v uint64) {
	c.count.Store(v)
}

// Bank polls a set of counters at a fixed period.
type Bank struct {
	counters []*Counter
	period   time.Duration
	closer   func() error
}

// NewBank creates a bank polling counters every period.
func NewBank(period time.Duration, counters ...*Counter) *Bank {
	return &Bank{
		counters: counters,
		period:   period,
	}
}

// Len returns the number of counters.
func (b *Bank) Len() int {
	return len(b.counters)
}

// Poll updates every counter once.
func (b *Bank) Poll() {
	for _, c := range b.counters {
		c.Update()
	}
}

// Run polls the counters until ctx is cancelled.
func (b *Bank) Run(ctx context.Context) {
	ticker := time.NewTicker(b.period)
	defer ticker.Stop()

	slog.Info("pulse counters running", "inputs", len(b.counters), "period", b.period)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Poll()
		}
	}
}

// Counts returns a snapshot of all pulse counts.
func (b *Bank) Counts() []uint64 {
	counts := make([]uint64, len(b.counters))
	for i, c := range b.counters {
		counts[i] = c.Count()
	}
	return counts
}

// Restore sets the counts of the first len(counts) counters.
func (b *Bank) Restore(counts []uint64) {
	for i, v := range counts {
		if i >= len(b.counters) {
			break
		}
		b.counters[i].SetCount(v)
	}
}

// Close releases the inputs.
func (b *Bank) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}
