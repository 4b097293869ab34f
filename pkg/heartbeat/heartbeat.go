// Package heartbeat signals liveness of the metering pipeline to a status
// LED and to the systemd watchdog.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/itohio/goemon/pkg/pipeline"
)

// Health is sampled once per beat.
type Health struct {
	Progress bool // frames were processed since the previous beat
	Faulted  bool // a buffer overflowed or the sample stream resynchronized
}

// Beat is an indicator driven by Run.
type Beat interface {
	Beat(h Health) error
	Close() error
}

// FromStats returns a probe deriving Health from pipeline counters.
func FromStats(stats func() pipeline.Stats) func() Health {
	var last uint64
	return func() Health {
		s := stats()
		h := Health{
			Progress: s.FramesProcessed > last,
			Faulted:  s.Faulted(),
		}
		last = s.FramesProcessed
		return h
	}
}

// Run drives every beat once per interval until ctx is cancelled, then
// closes them. Beat errors are logged once per beat and otherwise ignored.
func Run(ctx context.Context, interval time.Duration, probe func() Health, beats ...Beat) error {
	if interval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failing := make([]bool, len(beats))
	var prev Health
	for {
		select {
		case <-ctx.Done():
			var errs []error
			for _, b := range beats {
				errs = append(errs, b.Close())
			}
			return errors.Join(errs...)
		case <-ticker.C:
			h := probe()
			if h != prev {
				slog.Info("pipeline health changed", "progress", h.Progress, "faulted", h.Faulted)
				prev = h
			}
			for i, b := range beats {
				err := b.Beat(h)
				if err != nil && !failing[i] {
					slog.Warn("heartbeat failed", "error", err)
				}
				failing[i] = err != nil
			}
		}
	}
}
