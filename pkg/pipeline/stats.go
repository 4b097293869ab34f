package pipeline

import "time"

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Sampling TierState
	Metering TierState
	Output   TierState

	// Sampling tier
	Ticks           uint64
	Samples         uint64
	SourceUnderruns uint64 // ticks that ran out of source samples
	SampleOverruns  uint64 // ticks over the execution or jitter bound
	MaxJitter       time.Duration
	MaxExecution    time.Duration
	Frames          uint64 // frames assembled
	Resyncs         uint64
	DroppedSamples  uint64
	ClippedSamples  uint64
	FrameDrops      uint64 // frames overwritten before metering

	// Metering tier
	FramesProcessed     uint64
	InsufficientSamples uint64
	ClockNonMonotonic   uint64
	Reports             uint64
	ReportDrops         uint64 // reports overwritten before output
	CommandsApplied     uint64
	CommandErrors       uint64
	CommandDrops        uint64 // commands rejected with ErrCommandQueueFull

	// Output tier
	SinkWrites uint64
	SinkErrors uint64
}

// Faulted reports whether any buffer overflowed or the sample stream lost
// synchronization.
func (s Stats) Faulted() bool {
	return s.FrameDrops > 0 || s.ReportDrops > 0 || s.CommandDrops > 0 || s.Resyncs > 0
}

// Stats returns a snapshot of the pipeline counters. Safe for concurrent use.
func (p *Pipeline) Stats() Stats {
	frames := p.frames.Stats()
	reports := p.reports.Stats()
	diag := p.engine.Diagnostics()

	return Stats{
		Sampling: TierState(p.states[tierSampling].Load()),
		Metering: TierState(p.states[tierMetering].Load()),
		Output:   TierState(p.states[tierOutput].Load()),

		Ticks:           p.ticks.Load(),
		Samples:         p.samples.Load(),
		SourceUnderruns: p.sourceUnderruns.Load(),
		SampleOverruns:  p.sampleOverruns.Load(),
		MaxJitter:       time.Duration(p.maxJitter.Load()),
		MaxExecution:    time.Duration(p.maxExecution.Load()),
		Frames:          p.asmFrames.Load(),
		Resyncs:         p.resyncs.Load(),
		DroppedSamples:  p.dropped.Load(),
		ClippedSamples:  p.clipped.Load(),
		FrameDrops:      frames.Dropped,

		FramesProcessed:     p.framesProcessed.Load(),
		InsufficientSamples: p.insufficientSamples.Load(),
		ClockNonMonotonic:   diag.ClockNonMonotonic,
		Reports:             reports.Puts,
		ReportDrops:         reports.Dropped,
		CommandsApplied:     p.commandsApplied.Load(),
		CommandErrors:       p.commandErrors.Load(),
		CommandDrops:        p.commandDrops.Load(),

		SinkWrites: p.sinkWrites.Load(),
		SinkErrors: p.sinkErrors.Load(),
	}
}
