package sink

import (
	"context"
	"log/slog"

	"github.com/itohio/goemon/pkg/meter"
)

// Log writes one structured log line per report.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a log sink. A nil logger means slog.Default().
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Name returns the sink name.
func (s *Log) Name() string {
	return "log"
}

func (s *Log) Write(ctx context.Context, r *meter.Report) error {
	s.logger.InfoContext(ctx, "report",
		"seq", r.Seq,
		"meter_id", r.MeterID,
		"timestamp_ms", r.TimestampMs,
		"frames", r.Frames,
		"v_rms", r.VoltageRMS,
		"i_rms", r.CurrentRMS,
		"p", r.RealPower,
		"pf", r.PowerFactor,
		"e_wh", r.EnergyWh,
		"pulses", r.Pulses,
	)
	return nil
}
