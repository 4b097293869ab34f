// Package pipeline runs the sampling, metering and output tiers.
//
// The sampling tier reads the ADC source on every trigger tick and assembles
// frames. The metering tier owns the engine and turns frames into reports.
// The output tier hands reports to the sinks. Tiers talk through single-slot
// mailboxes, so a slow lower tier never stalls a higher one; it loses
// intermediate values instead, and every loss is counted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/goemon/pkg/adc"
	"github.com/itohio/goemon/pkg/command"
	"github.com/itohio/goemon/pkg/config"
	"github.com/itohio/goemon/pkg/frame"
	"github.com/itohio/goemon/pkg/meter"
)

var (
	// ErrCommandQueueFull is returned by Submit when the command queue has no room.
	ErrCommandQueueFull = errors.New("command queue full")
	// ErrNotRunning is returned by Submit after the pipeline stopped.
	ErrNotRunning = errors.New("pipeline not running")
	// ErrAlreadyRunning is returned by Run when called twice.
	ErrAlreadyRunning = errors.New("pipeline already running")
)

// Sink receives every emitted report.
type Sink interface {
	Name() string
	Write(ctx context.Context, r *meter.Report) error
}

// TierState describes what a tier is doing.
type TierState int32

const (
	Idle    TierState = iota // waiting for work
	Ready                    // work queued, not yet picked up
	Running                  // processing
)

func (s TierState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ready:
		return "ready"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	tierSampling = iota
	tierMetering
	tierOutput
	tierCount
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock replaces the wall clock used for execution time measurements.
func WithClock(c Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithTrigger replaces the periodic ticker driving the sampling tier.
func WithTrigger(t Trigger) Option {
	return func(p *Pipeline) { p.trigger = t }
}

// WithPulseCounts attaches the counts returned by counts to every report.
func WithPulseCounts(counts func() []uint64) Option {
	return func(p *Pipeline) { p.pulses = counts }
}

// Pipeline wires the three tiers together.
type Pipeline struct {
	source  adc.Source
	engine  meter.PowerMeter
	asm     *frame.Assembler
	layout  frame.Layout
	sinks   []Sink
	clock   Clock
	trigger Trigger
	pulses  func() []uint64

	period         time.Duration
	samplePeriod   time.Duration
	samplesPerTick int
	jitterLimit    time.Duration

	frames   *Mailbox[frame.Stamped]
	reports  *Mailbox[*meter.Report]
	commands chan command.Command

	states  [tierCount]atomic.Int32
	running atomic.Bool
	stopped atomic.Bool

	// Sampling tier, written only by the sampling goroutine
	start     time.Time
	lastTick  time.Time
	haveTick  bool
	frameSeq  uint64
	asmFrames atomic.Uint64
	resyncs   atomic.Uint64
	dropped   atomic.Uint64
	clipped   atomic.Uint64

	ticks           atomic.Uint64
	samples         atomic.Uint64
	sourceUnderruns atomic.Uint64
	sampleOverruns  atomic.Uint64
	maxJitter       atomic.Int64
	maxExecution    atomic.Int64

	framesProcessed     atomic.Uint64
	insufficientSamples atomic.Uint64
	commandsApplied     atomic.Uint64
	commandErrors       atomic.Uint64
	commandDrops        atomic.Uint64
	sinkWrites          atomic.Uint64
	sinkErrors          atomic.Uint64
}

// New creates a pipeline reading from src and metering with engine.
// Returns concrete type (*Pipeline).
func New(cfg *config.Config, src adc.Source, engine meter.PowerMeter, sinks []Sink, opts ...Option) (*Pipeline, error) {
	layout := frame.Layout{Voltage: cfg.Channels.Voltage, Current: cfg.Channels.Current}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	period := cfg.TickPeriod()
	if period <= 0 {
		return nil, fmt.Errorf("invalid tick period %v", period)
	}
	perTick := cfg.Scheduler.SamplesPerTick
	if perTick < 1 {
		perTick = 1
	}
	queue := cfg.Scheduler.CommandQueue
	if queue < 1 {
		queue = 1
	}

	p := &Pipeline{
		source:         src,
		engine:         engine,
		asm:            frame.NewAssembler(layout, cfg.Engine.ScansPerFrame, cfg.ADC.Bits),
		layout:         layout,
		sinks:          sinks,
		clock:          SystemClock(),
		period:         period,
		samplePeriod:   period / time.Duration(perTick),
		samplesPerTick: perTick,
		jitterLimit:    time.Duration(cfg.Scheduler.JitterTolerance * float64(period)),
		frames:         NewMailbox[frame.Stamped](),
		reports:        NewMailbox[*meter.Report](),
		commands:       make(chan command.Command, queue),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Period returns the nominal sampling tick period.
func (p *Pipeline) Period() time.Duration {
	return p.period
}

// Run starts the tiers and blocks until ctx is cancelled and all tiers exit.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		p.stopped.Store(true)
		p.running.Store(false)
	}()

	if p.trigger == nil {
		p.trigger = NewTicker(p.period)
	}
	defer p.trigger.Stop()

	p.start = p.clock.Now()
	slog.Info("pipeline started",
		"period", p.period,
		"samples_per_tick", p.samplesPerTick,
		"frame_samples", p.asm.Capacity(),
		"sinks", len(p.sinks))

	var wg sync.WaitGroup
	wg.Add(tierCount)
	go func() {
		defer wg.Done()
		p.samplingLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		p.meteringLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		p.outputLoop(ctx)
	}()
	wg.Wait()

	p.frames.Close()
	p.reports.Close()
	slog.Info("pipeline stopped")

	return nil
}

// Submit queues a control command for the metering tier without blocking.
// Channel indices are validated immediately.
func (p *Pipeline) Submit(cmd command.Command) error {
	if p.stopped.Load() {
		return ErrNotRunning
	}

	switch cmd.Kind {
	case command.Calibrate:
		if cmd.Channel < 0 || cmd.Channel >= p.layout.Total() {
			return &meter.ChannelError{Kind: "combined", Channel: cmd.Channel, Limit: p.layout.Total()}
		}
	case command.ResetEnergy, command.LogSettings:
	default:
		return fmt.Errorf("%v: %w", cmd.Kind, command.ErrUnknownCommand)
	}

	select {
	case p.commands <- cmd:
		return nil
	default:
		p.commandDrops.Add(1)
		return ErrCommandQueueFull
	}
}

func (p *Pipeline) setState(tier int, s TierState) {
	p.states[tier].Store(int32(s))
}

// samplingLoop runs the sampling tier until ctx is cancelled.
func (p *Pipeline) samplingLoop(ctx context.Context) {
	ticks := p.trigger.C()
	for {
		p.setState(tierSampling, Idle)
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				<-ctx.Done()
				return
			}
			p.setState(tierSampling, Running)
			p.sampleTick(tick)
		}
	}
}

// sampleTick reads one tick worth of samples, publishes completed frames and
// checks the tick against its deadline.
func (p *Pipeline) sampleTick(tick time.Time) {
	begin := p.clock.Now()
	p.ticks.Add(1)

	overrun := false
	if p.haveTick {
		jitter := tick.Sub(p.lastTick) - p.period
		if jitter < 0 {
			jitter = -jitter
		}
		storeMax(&p.maxJitter, jitter)
		if jitter > p.jitterLimit {
			overrun = true
		}
	}
	p.lastTick = tick
	p.haveTick = true

	base := tick.Sub(p.start)
	for i := 0; i < p.samplesPerTick; i++ {
		s, ok := p.source.Read()
		if !ok {
			p.sourceUnderruns.Add(1)
			break
		}
		p.samples.Add(1)

		f, ok := p.asm.PushChannel(s.Channel, s.Code)
		if !ok {
			continue
		}
		p.frameSeq++
		ts := base + time.Duration(i)*p.samplePeriod
		if p.frames.Put(frame.Stamped{Frame: f, TimestampMs: ts.Milliseconds(), Seq: p.frameSeq}) {
			slog.Debug("frame overwritten before metering", "seq", p.frameSeq-1)
		}
		p.states[tierMetering].CompareAndSwap(int32(Idle), int32(Ready))
	}

	st := p.asm.Stats()
	p.asmFrames.Store(st.Frames)
	p.resyncs.Store(st.Resyncs)
	p.dropped.Store(st.DroppedSamples)
	p.clipped.Store(st.Clipped)

	exec := p.clock.Now().Sub(begin)
	storeMax(&p.maxExecution, exec)
	if exec > p.period {
		overrun = true
	}
	if overrun {
		p.sampleOverruns.Add(1)
	}
}

// meteringLoop runs the metering tier until ctx is cancelled.
func (p *Pipeline) meteringLoop(ctx context.Context) {
	for {
		if !p.frames.Pending() {
			p.setState(tierMetering, Idle)
		}
		select {
		case <-ctx.Done():
			p.setState(tierMetering, Idle)
			return
		case cmd := <-p.commands:
			p.setState(tierMetering, Running)
			p.apply(cmd)
		case <-p.frames.Ready():
			p.setState(tierMetering, Running)
			for {
				sf, ok := p.frames.TryTake()
				if !ok {
					break
				}
				p.process(sf)
			}
		}
	}
}

func (p *Pipeline) process(sf frame.Stamped) {
	r, err := p.engine.ProcessFrame(sf.Frame, sf.TimestampMs)
	p.framesProcessed.Add(1)
	if err != nil {
		if errors.Is(err, meter.ErrInsufficientSamples) {
			p.insufficientSamples.Add(1)
			return
		}
		slog.Error("frame processing failed", "seq", sf.Seq, "error", err)
		return
	}
	if r == nil {
		return
	}
	if p.pulses != nil {
		r.Pulses = p.pulses()
	}

	if p.reports.Put(r) {
		slog.Warn("report overwritten before output", "seq", r.Seq)
	}
	p.states[tierOutput].CompareAndSwap(int32(Idle), int32(Ready))
}

// apply executes a control command. It runs on the metering goroutine,
// between frames.
func (p *Pipeline) apply(cmd command.Command) {
	var err error
	switch cmd.Kind {
	case command.Calibrate:
		if cmd.Channel < p.layout.Voltage {
			err = p.engine.SetVoltageCalibration(cmd.Channel, cmd.Scale)
		} else {
			err = p.engine.SetCurrentCalibration(cmd.Channel-p.layout.Voltage, cmd.Scale)
		}
		if err == nil {
			slog.Info("calibration updated", "channel", cmd.Channel, "scale", cmd.Scale)
		}
	case command.ResetEnergy:
		p.engine.ResetEnergy()
		slog.Info("energy accumulators reset")
	case command.LogSettings:
		cal := p.engine.Calibration()
		d := p.engine.Diagnostics()
		slog.Info("settings",
			"voltage_cal", cal.Voltage,
			"current_cal", cal.Current,
			"energy_wh", p.engine.EnergyTotals(),
			"frames", d.Frames,
			"reports", d.Reports,
			"clock_non_monotonic", d.ClockNonMonotonic)
	}

	if err != nil {
		p.commandErrors.Add(1)
		slog.Warn("command failed", "command", cmd.Kind, "error", err)
		return
	}
	p.commandsApplied.Add(1)
}

// outputLoop runs the output tier until ctx is cancelled. A report pending at
// cancellation is still written.
func (p *Pipeline) outputLoop(ctx context.Context) {
	for {
		if !p.reports.Pending() {
			p.setState(tierOutput, Idle)
		}
		select {
		case <-ctx.Done():
			if r, ok := p.reports.TryTake(); ok {
				p.setState(tierOutput, Running)
				p.emit(context.WithoutCancel(ctx), r)
			}
			p.setState(tierOutput, Idle)
			return
		case <-p.reports.Ready():
			p.setState(tierOutput, Running)
			for {
				r, ok := p.reports.TryTake()
				if !ok {
					break
				}
				p.emit(ctx, r)
			}
		}
	}
}

func (p *Pipeline) emit(ctx context.Context, r *meter.Report) {
	for _, s := range p.sinks {
		if err := s.Write(ctx, r); err != nil {
			p.sinkErrors.Add(1)
			slog.Warn("sink write failed", "sink", s.Name(), "seq", r.Seq, "error", err)
			continue
		}
		p.sinkWrites.Add(1)
	}
}

func storeMax(v *atomic.Int64, d time.Duration) {
	for {
		cur := v.Load()
		if int64(d) <= cur || v.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}
