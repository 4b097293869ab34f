package meter

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInsufficientSamples is returned for frames shorter than one scan.
	ErrInsufficientSamples = errors.New("insufficient samples in frame")
	// ErrInvalidChannel is wrapped by every *ChannelError.
	ErrInvalidChannel = errors.New("invalid channel index")
)

// ChannelError reports a channel index outside the configured layout.
type ChannelError struct {
	Kind    string // "voltage" or "current"
	Channel int
	Limit   int
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s channel %d out of range [0, %d)", e.Kind, e.Channel, e.Limit)
}

func (e *ChannelError) Unwrap() error { return ErrInvalidChannel }

// Calibration holds per channel scale factors. Phase is reserved.
type Calibration struct {
	Voltage []float32 `json:"voltage"`
	Current []float32 `json:"current"`
	Phase   []float32 `json:"phase"`
}

func (c Calibration) clone() Calibration {
	return Calibration{
		Voltage: append([]float32(nil), c.Voltage...),
		Current: append([]float32(nil), c.Current...),
		Phase:   append([]float32(nil), c.Phase...),
	}
}

// Report is the metering result emitted once per report cycle.
// Current channel slices hold every configured CT; channels beyond the
// processed limit stay zero.
type Report struct {
	Seq           uint64    `json:"seq" msgpack:"seq"`
	MeterID       uuid.UUID `json:"meter_id" msgpack:"meter_id"`
	TimestampMs   int64     `json:"timestamp_ms" msgpack:"timestamp_ms"`
	Frames        int       `json:"frames" msgpack:"frames"`
	Frequency     float32   `json:"frequency" msgpack:"frequency"`
	VoltageRMS    []float32 `json:"voltage_rms" msgpack:"voltage_rms"`
	CurrentRMS    []float32 `json:"current_rms" msgpack:"current_rms"`
	RealPower     []float32 `json:"real_power" msgpack:"real_power"`
	ApparentPower []float32 `json:"apparent_power" msgpack:"apparent_power"`
	PowerFactor   []float32 `json:"power_factor" msgpack:"power_factor"`
	EnergyWh      []float64 `json:"energy_wh" msgpack:"energy_wh"`
	Pulses        []uint64  `json:"pulses,omitempty" msgpack:"pulses,omitempty"` // counts per pulse input
}

func newReport(voltage, current int) *Report {
	return &Report{
		VoltageRMS:    make([]float32, voltage),
		CurrentRMS:    make([]float32, current),
		RealPower:     make([]float32, current),
		ApparentPower: make([]float32, current),
		PowerFactor:   make([]float32, current),
		EnergyWh:      make([]float64, current),
	}
}

func (r *Report) clone() *Report {
	c := *r
	c.VoltageRMS = append([]float32(nil), r.VoltageRMS...)
	c.CurrentRMS = append([]float32(nil), r.CurrentRMS...)
	c.RealPower = append([]float32(nil), r.RealPower...)
	c.ApparentPower = append([]float32(nil), r.ApparentPower...)
	c.PowerFactor = append([]float32(nil), r.PowerFactor...)
	c.EnergyWh = append([]float64(nil), r.EnergyWh...)
	return &c
}

// Diagnostics is a snapshot of engine counters.
type Diagnostics struct {
	Frames              uint64
	Reports             uint64
	InsufficientSamples uint64
	ClockNonMonotonic   uint64
}
