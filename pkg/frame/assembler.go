package frame

// Stats holds assembler counters.
type Stats struct {
	Frames         uint64 // Completed frames handed out
	Resyncs        uint64 // Partial scans discarded because of a channel order mismatch
	DroppedSamples uint64 // Samples discarded while resynchronizing
	Clipped        uint64 // Codes above full scale that were clipped
}

// Assembler collects samples delivered one at a time in round-robin channel
// order into frames of exactly scansPerFrame*Layout.Total() samples.
//
// Push and PushChannel never block and never grow the buffer past one frame.
// PushChannel discards samples until the first channel 0 arrives (sync
// acquisition, not counted as a resync). Once locked, a sample out of order
// drops the partial scan and the assembler waits for the next channel 0
// sample to resynchronize.
//
// An Assembler is not safe for concurrent use; it belongs to the sampling tier.
type Assembler struct {
	layout   Layout
	capacity int
	maxCode  uint16

	buf     Frame
	next    int  // expected channel of the next sample
	syncing bool // waiting for channel 0 after a mismatch
	locked  bool // a channel 0 sample has been accepted since start or Reset

	stats Stats
}

// NewAssembler creates an assembler. scansPerFrame below 1 is treated as 1 and
// adcBits outside [1, 16] as 16.
func NewAssembler(layout Layout, scansPerFrame int, adcBits uint) *Assembler {
	if scansPerFrame < 1 {
		scansPerFrame = 1
	}
	if adcBits == 0 || adcBits > 16 {
		adcBits = 16
	}
	capacity := layout.Total() * scansPerFrame
	return &Assembler{
		layout:   layout,
		capacity: capacity,
		maxCode:  uint16((uint32(1) << adcBits) - 1),
		buf:      make(Frame, 0, capacity),
	}
}

// Capacity returns the number of samples in a completed frame.
func (a *Assembler) Capacity() int {
	return a.capacity
}

// Push appends the next sample in fixed channel order. It returns the completed
// frame once the buffer is full; the caller owns the returned frame.
func (a *Assembler) Push(code uint16) (Frame, bool) {
	if a.capacity == 0 {
		return nil, false
	}
	if code > a.maxCode {
		code = a.maxCode
		a.stats.Clipped++
	}

	a.buf = append(a.buf, code)
	a.next++
	if a.next == a.layout.Total() {
		a.next = 0
	}

	if len(a.buf) < a.capacity {
		return nil, false
	}

	out := a.buf
	a.buf = make(Frame, 0, a.capacity)
	a.next = 0
	a.stats.Frames++
	return out, true
}

// PushChannel appends a sample after checking that ch is the channel expected
// at this position of the scan. A mismatch drops the partial scan and the
// assembler resynchronizes on the next channel 0 sample.
func (a *Assembler) PushChannel(ch int, code uint16) (Frame, bool) {
	if !a.locked {
		if ch != 0 {
			a.stats.DroppedSamples++
			return nil, false
		}
		a.locked = true
	}

	if a.syncing {
		if ch != 0 {
			a.stats.DroppedSamples++
			return nil, false
		}
		a.syncing = false
	}

	if ch != a.next {
		a.dropPartial()
		if ch != 0 {
			a.stats.DroppedSamples++
			a.syncing = true
			return nil, false
		}
	}

	return a.Push(code)
}

// Reset discards any partially assembled frame.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.next = 0
	a.syncing = false
	a.locked = false
}

// Pending returns the number of samples waiting for the frame to complete.
func (a *Assembler) Pending() int {
	return len(a.buf)
}

// Stats returns a copy of the assembler counters.
func (a *Assembler) Stats() Stats {
	return a.stats
}

// dropPartial discards the samples of the scan in progress. Complete scans
// already buffered for a multi-scan frame are discarded too, since the frame
// could no longer represent consecutive scans.
func (a *Assembler) dropPartial() {
	a.stats.Resyncs++
	a.stats.DroppedSamples += uint64(len(a.buf))
	a.buf = a.buf[:0]
	a.next = 0
}
