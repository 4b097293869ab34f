// Package metrics exports pipeline counters and pulse counts to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itohio/goemon/pkg/pipeline"
)

const namespace = "emon"

type statMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(pipeline.Stats) float64
}

func counter(name, help string, value func(pipeline.Stats) uint64) statMetric {
	return statMetric{
		desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		valueType: prometheus.CounterValue,
		value:     func(s pipeline.Stats) float64 { return float64(value(s)) },
	}
}

func gauge(name, help string, value func(pipeline.Stats) float64) statMetric {
	return statMetric{
		desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		valueType: prometheus.GaugeValue,
		value:     value,
	}
}

// Collector reads a pipeline.Stats snapshot on every scrape.
type Collector struct {
	stats  func() pipeline.Stats
	pulses func() []uint64

	metrics   []statMetric
	tierState *prometheus.Desc
	pulse     *prometheus.Desc
}

// NewCollector creates a collector over stats. pulses may be nil.
func NewCollector(stats func() pipeline.Stats, pulses func() []uint64) *Collector {
	return &Collector{
		stats:  stats,
		pulses: pulses,
		metrics: []statMetric{
			counter("ticks_total", "Sampling tier ticks.", func(s pipeline.Stats) uint64 { return s.Ticks }),
			counter("samples_total", "ADC samples read.", func(s pipeline.Stats) uint64 { return s.Samples }),
			counter("source_underruns_total", "Ticks that ran out of source samples.", func(s pipeline.Stats) uint64 { return s.SourceUnderruns }),
			counter("sample_overruns_total", "Ticks over the execution or jitter bound.", func(s pipeline.Stats) uint64 { return s.SampleOverruns }),
			counter("frames_total", "Frames assembled.", func(s pipeline.Stats) uint64 { return s.Frames }),
			counter("resyncs_total", "Channel sequence resynchronizations.", func(s pipeline.Stats) uint64 { return s.Resyncs }),
			counter("dropped_samples_total", "Samples discarded while out of sync.", func(s pipeline.Stats) uint64 { return s.DroppedSamples }),
			counter("clipped_samples_total", "Samples at the ADC rails.", func(s pipeline.Stats) uint64 { return s.ClippedSamples }),
			counter("frame_drops_total", "Frames overwritten before metering.", func(s pipeline.Stats) uint64 { return s.FrameDrops }),
			counter("frames_processed_total", "Frames metered.", func(s pipeline.Stats) uint64 { return s.FramesProcessed }),
			counter("insufficient_samples_total", "Frames shorter than one scan.", func(s pipeline.Stats) uint64 { return s.InsufficientSamples }),
			counter("clock_non_monotonic_total", "Frames with a timestamp behind the previous one.", func(s pipeline.Stats) uint64 { return s.ClockNonMonotonic }),
			counter("reports_total", "Reports produced.", func(s pipeline.Stats) uint64 { return s.Reports }),
			counter("report_drops_total", "Reports overwritten before output.", func(s pipeline.Stats) uint64 { return s.ReportDrops }),
			counter("commands_applied_total", "Control commands applied.", func(s pipeline.Stats) uint64 { return s.CommandsApplied }),
			counter("command_errors_total", "Control commands that failed.", func(s pipeline.Stats) uint64 { return s.CommandErrors }),
			counter("command_drops_total", "Control commands rejected on a full queue.", func(s pipeline.Stats) uint64 { return s.CommandDrops }),
			counter("sink_writes_total", "Successful sink writes.", func(s pipeline.Stats) uint64 { return s.SinkWrites }),
			counter("sink_errors_total", "Failed sink writes.", func(s pipeline.Stats) uint64 { return s.SinkErrors }),
			gauge("max_jitter_seconds", "Largest sampling tick jitter seen.", func(s pipeline.Stats) float64 { return s.MaxJitter.Seconds() }),
			gauge("max_execution_seconds", "Longest sampling tick execution seen.", func(s pipeline.Stats) float64 { return s.MaxExecution.Seconds() }),
			gauge("faulted", "1 once a buffer overflowed or the sample stream lost sync.", func(s pipeline.Stats) float64 {
				if s.Faulted() {
					return 1
				}
				return 0
			}),
		},
		tierState: prometheus.NewDesc(prometheus.BuildFQName(namespace, "tier", "state"),
			"Tier state: 0 idle, 1 ready, 2 running.", []string{"tier"}, nil),
		pulse: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "pulses_total"),
			"Pulses counted per input.", []string{"input"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
	ch <- c.tierState
	ch <- c.pulse
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, m.value(st))
	}

	ch <- prometheus.MustNewConstMetric(c.tierState, prometheus.GaugeValue, float64(st.Sampling), "sampling")
	ch <- prometheus.MustNewConstMetric(c.tierState, prometheus.GaugeValue, float64(st.Metering), "metering")
	ch <- prometheus.MustNewConstMetric(c.tierState, prometheus.GaugeValue, float64(st.Output), "output")

	if c.pulses == nil {
		return
	}
	for i, n := range c.pulses() {
		ch <- prometheus.MustNewConstMetric(c.pulse, prometheus.CounterValue, float64(n), strconv.Itoa(i+1))
	}
}

// Handler returns an HTTP handler exposing the metrics of reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Serve exposes reg on addr at path until ctx is cancelled.
func Serve(ctx context.Context, addr, path string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle(path, Handler(reg))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("metrics endpoint listening", "addr", addr, "path", path)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("metrics endpoint %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("stop metrics endpoint: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
