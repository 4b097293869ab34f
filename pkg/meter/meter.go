// Package meter computes RMS voltage/current, power, power factor and energy
// from frames of interleaved ADC codes.
package meter

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/itohio/goemon/pkg/config"
	"github.com/itohio/goemon/pkg/frame"
	"github.com/itohio/goemon/pkg/mathx"
)

var _ PowerMeter = (*Engine)(nil)

const (
	// Apparent power (VA) below which the power factor is not recomputed.
	pfMinApparent float32 = 0.01
	msPerHour             = 3_600_000
	// Gain of the DC offset low-pass filter per sample.
	offsetFilterDiv float32 = 1024
)

// PowerMeter turns frames into periodic metering reports.
type PowerMeter interface {
	ProcessFrame(f frame.Frame, timestampMs int64) (*Report, error)
	SetVoltageCalibration(ch int, scale float32) error
	SetCurrentCalibration(ch int, scale float32) error
	ResetEnergy()
	EnergyTotals() []float64
	Calibration() Calibration
	Diagnostics() Diagnostics
}

// Engine implements PowerMeter.
// It is not safe for concurrent use except for Diagnostics, which may be read
// from any goroutine.
type Engine struct {
	math   mathx.Backend
	layout frame.Layout

	ref          int     // reference voltage channel
	processed    int     // number of current channels processed
	lsb          float32 // VREF / 2^bits
	midScale     float32
	reportCycles int
	frequency    float32
	removeDC     bool
	latest       bool
	meterID      uuid.UUID

	cal    Calibration
	energy []float64 // Wh per current channel
	pf     []float32 // last valid power factor per processed channel
	offset []float32 // DC estimate per channel in codes

	frameAcc  accumulator
	windowAcc accumulator
	scan      []float32 // scaled voltage values of the current scan
	latestRpt *Report

	framesSinceReport int
	lastTimestampMs   int64
	haveTimestamp     bool
	seq               uint64

	frames              atomic.Uint64
	reports             atomic.Uint64
	insufficientSamples atomic.Uint64
	clockNonMonotonic   atomic.Uint64
}

// New creates a metering engine from configuration.
// Returns concrete type (*Engine).
func New(cfg *config.Config, backend mathx.Backend) (*Engine, error) {
	layout := frame.Layout{Voltage: cfg.Channels.Voltage, Current: cfg.Channels.Current}
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if cfg.Channels.Reference < 0 || cfg.Channels.Reference >= layout.Voltage {
		return nil, &ChannelError{Kind: "voltage", Channel: cfg.Channels.Reference, Limit: layout.Voltage}
	}
	if cfg.Engine.ReportCycles <= 0 {
		return nil, fmt.Errorf("report cycles must be > 0, got %d", cfg.Engine.ReportCycles)
	}
	if cfg.ADC.Bits == 0 || cfg.ADC.Bits > 16 {
		return nil, fmt.Errorf("adc bits must be in [1, 16], got %d", cfg.ADC.Bits)
	}
	if len(cfg.Calibration.Voltage) != layout.Voltage || len(cfg.Calibration.Current) != layout.Current {
		return nil, fmt.Errorf("calibration needs %d voltage and %d current entries, got %d and %d",
			layout.Voltage, layout.Current, len(cfg.Calibration.Voltage), len(cfg.Calibration.Current))
	}
	if backend == nil {
		backend = mathx.Float32{}
	}

	var meterID uuid.UUID
	if cfg.MeterID != "" {
		id, err := uuid.Parse(cfg.MeterID)
		if err != nil {
			return nil, fmt.Errorf("invalid meter id: %w", err)
		}
		meterID = id
	}

	processed := layout.Current
	if cfg.Channels.MaxCurrent > 0 && cfg.Channels.MaxCurrent < processed {
		processed = cfg.Channels.MaxCurrent
	}

	full := float32(uint32(1) << cfg.ADC.Bits)
	e := &Engine{
		math:         backend,
		layout:       layout,
		ref:          cfg.Channels.Reference,
		processed:    processed,
		lsb:          cfg.ADC.VRef / full,
		midScale:     full / 2,
		reportCycles: cfg.Engine.ReportCycles,
		frequency:    cfg.Engine.MainsFrequency,
		removeDC:     cfg.Engine.RemoveDCOffset,
		latest:       cfg.Engine.ReportMode == config.ReportLatest,
		meterID:      meterID,
		cal: Calibration{
			Voltage: cfg.Calibration.Voltage,
			Current: cfg.Calibration.Current,
			Phase:   cfg.Calibration.Phase,
		}.clone(),
		energy:    make([]float64, layout.Current),
		pf:        make([]float32, processed),
		offset:    make([]float32, layout.Total()),
		frameAcc:  newAccumulator(layout.Voltage, processed),
		windowAcc: newAccumulator(layout.Voltage, processed),
		scan:      make([]float32, layout.Voltage),
		latestRpt: newReport(layout.Voltage, layout.Current),
	}
	for i := range e.offset {
		e.offset[i] = e.midScale
	}

	return e, nil
}

// Layout returns the channel layout the engine was built for.
func (e *Engine) Layout() frame.Layout {
	return e.layout
}

// ProcessedChannels returns the number of current channels that are metered.
func (e *Engine) ProcessedChannels() int {
	return e.processed
}

// ProcessFrame accumulates one frame and integrates energy using the time
// elapsed since the previous frame. It returns a report every reportCycles
// frames and nil otherwise.
func (e *Engine) ProcessFrame(f frame.Frame, timestampMs int64) (*Report, error) {
	scans := f.Scans(e.layout)
	if scans == 0 {
		e.insufficientSamples.Add(1)
		return nil, ErrInsufficientSamples
	}

	e.frameAcc.reset()
	e.accumulate(f, scans)

	elapsedMs := timestampMs - e.lastTimestampMs
	switch {
	case e.haveTimestamp && elapsedMs > 0:
		hours := e.math.Div(float32(elapsedMs), msPerHour)
		for c := 0; c < e.processed; c++ {
			p := e.frameAcc.realPower(e.math, c)
			e.energy[c] += float64(e.math.Mul(p, hours))
		}
	case e.haveTimestamp:
		e.clockNonMonotonic.Add(1)
	}
	e.lastTimestampMs = timestampMs
	e.haveTimestamp = true

	if e.latest {
		e.fill(e.latestRpt, &e.frameAcc)
	} else {
		e.windowAcc.merge(e.math, &e.frameAcc)
	}

	e.frames.Add(1)
	e.framesSinceReport++
	if e.framesSinceReport < e.reportCycles {
		return nil, nil
	}
	e.framesSinceReport = 0

	var r *Report
	if e.latest {
		r = e.latestRpt.clone()
	} else {
		r = newReport(e.layout.Voltage, e.layout.Current)
		e.fill(r, &e.windowAcc)
		e.windowAcc.reset()
	}

	e.seq++
	r.Seq = e.seq
	r.MeterID = e.meterID
	r.TimestampMs = timestampMs
	r.Frames = e.reportCycles
	r.Frequency = e.frequency
	copy(r.EnergyWh, e.energy)

	e.reports.Add(1)
	return r, nil
}

// accumulate adds every scan of f to the frame accumulator.
func (e *Engine) accumulate(f frame.Frame, scans int) {
	m := e.math
	total := e.layout.Total()
	acc := &e.frameAcc

	for s := 0; s < scans; s++ {
		base := s * total
		for v := 0; v < e.layout.Voltage; v++ {
			x := e.value(v, f[base+v], e.cal.Voltage[v])
			e.scan[v] = x
			acc.sumVSq[v] = m.Add(acc.sumVSq[v], m.Mul(x, x))
		}
		vref := e.scan[e.ref]
		for c := 0; c < e.processed; c++ {
			ch := e.layout.Voltage + c
			i := e.value(ch, f[base+ch], e.cal.Current[c])
			acc.sumISq[c] = m.Add(acc.sumISq[c], m.Mul(i, i))
			acc.sumVI[c] = m.Add(acc.sumVI[c], m.Mul(vref, i))
		}
		acc.scans++
	}
}

// value converts a raw code on channel ch into physical units.
func (e *Engine) value(ch int, code uint16, cal float32) float32 {
	m := e.math
	x := float32(code)
	if e.removeDC {
		off := e.offset[ch]
		off = m.Add(off, m.Div(m.Sub(x, off), offsetFilterDiv))
		e.offset[ch] = off
		x = m.Sub(x, off)
	}
	return m.Mul(m.Mul(x, e.lsb), cal)
}

// fill computes the metrics of acc into r and updates the retained power factors.
func (e *Engine) fill(r *Report, acc *accumulator) {
	m := e.math
	for v := 0; v < e.layout.Voltage; v++ {
		r.VoltageRMS[v] = acc.voltageRMS(m, v)
	}
	vref := r.VoltageRMS[e.ref]

	for c := 0; c < e.processed; c++ {
		irms := acc.currentRMS(m, c)
		p := acc.realPower(m, c)
		s := m.Mul(vref, irms)
		if s > pfMinApparent {
			pf := m.Div(p, s)
			if !math.IsNaN(float64(pf)) {
				e.pf[c] = mathx.Clamp(pf, -1, 1)
			}
		}
		r.CurrentRMS[c] = irms
		r.RealPower[c] = p
		r.ApparentPower[c] = s
		r.PowerFactor[c] = e.pf[c]
	}
}

// SetVoltageCalibration sets the scale factor of voltage channel ch.
func (e *Engine) SetVoltageCalibration(ch int, scale float32) error {
	if ch < 0 || ch >= len(e.cal.Voltage) {
		return &ChannelError{Kind: "voltage", Channel: ch, Limit: len(e.cal.Voltage)}
	}
	e.cal.Voltage[ch] = scale
	return nil
}

// SetCurrentCalibration sets the scale factor of current channel ch.
func (e *Engine) SetCurrentCalibration(ch int, scale float32) error {
	if ch < 0 || ch >= len(e.cal.Current) {
		return &ChannelError{Kind: "current", Channel: ch, Limit: len(e.cal.Current)}
	}
	e.cal.Current[ch] = scale
	return nil
}

// ResetEnergy zeroes the energy accumulators.
func (e *Engine) ResetEnergy() {
	clear(e.energy)
}

// EnergyTotals returns a copy of the accumulated energy per current channel (Wh).
func (e *Engine) EnergyTotals() []float64 {
	return append([]float64(nil), e.energy...)
}

// Calibration returns a copy of the active calibration.
func (e *Engine) Calibration() Calibration {
	return e.cal.clone()
}

func (e *Engine) Diagnostics() Diagnostics {
	return Diagnostics{
		Frames:              e.frames.Load(),
		Reports:             e.reports.Load(),
		InsufficientSamples: e.insufficientSamples.Load(),
		ClockNonMonotonic:   e.clockNonMonotonic.Load(),
	}
}
