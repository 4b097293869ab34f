package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/itohio/goemon/pkg/meter"
)

const (
	KindVoltage = "voltage"
	KindCurrent = "current"
	KindPulse   = "pulse"
)

// StoredReport is one persisted report. Per channel values live in
// StoredChannel rows.
type StoredReport struct {
	ID          uuid.UUID
	MeterID     uuid.UUID `gorm:"index"`
	Seq         uint64
	Time        time.Time `gorm:"index"`
	TimestampMs int64
	Frames      int
	Frequency   float32
}

// StoredChannel holds the values of one voltage, current or pulse channel of
// a stored report. Power fields are zero for voltage channels, pulse rows only
// carry Count.
type StoredChannel struct {
	ID            uint      `gorm:"primaryKey"`
	ReportID      uuid.UUID `gorm:"index"`
	Kind          string
	Channel       int
	RMS           float32
	RealPower     float32
	ApparentPower float32
	PowerFactor   float32
	EnergyWh      float64
	Count         uint64
}

func newStoredReport(r *meter.Report, ts time.Time) (StoredReport, []StoredChannel) {
	report := StoredReport{
		ID:          uuid.New(),
		MeterID:     r.MeterID,
		Seq:         r.Seq,
		Time:        ts,
		TimestampMs: r.TimestampMs,
		Frames:      r.Frames,
		Frequency:   r.Frequency,
	}

	channels := make([]StoredChannel, 0, len(r.VoltageRMS)+len(r.CurrentRMS)+len(r.Pulses))
	for i, v := range r.VoltageRMS {
		channels = append(channels, StoredChannel{
			ReportID: report.ID,
			Kind:     KindVoltage,
			Channel:  i,
			RMS:      v,
		})
	}
	for i := range r.CurrentRMS {
		channels = append(channels, StoredChannel{
			ReportID:      report.ID,
			Kind:          KindCurrent,
			Channel:       i,
			RMS:           r.CurrentRMS[i],
			RealPower:     r.RealPower[i],
			ApparentPower: r.ApparentPower[i],
			PowerFactor:   r.PowerFactor[i],
			EnergyWh:      r.EnergyWh[i],
		})
	}
	for i, n := range r.Pulses {
		channels = append(channels, StoredChannel{
			ReportID: report.ID,
			Kind:     KindPulse,
			Channel:  i,
			Count:    n,
		})
	}

	return report, channels
}
