package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/itohio/goemon/pkg/adc"
	"github.com/itohio/goemon/pkg/config"
	"github.com/itohio/goemon/pkg/heartbeat"
	"github.com/itohio/goemon/pkg/mathx"
	"github.com/itohio/goemon/pkg/meter"
	"github.com/itohio/goemon/pkg/metrics"
	"github.com/itohio/goemon/pkg/pipeline"
	"github.com/itohio/goemon/pkg/pulse"
)

func main() {
	var (
		portFlag      = flag.String("p", "", "ADC serial port override (e.g., COM3 or /dev/ttyACM0)")
		configFlag    = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag      = flag.Bool("mock", false, "Use the simulated ADC instead of a serial port")
		listPortsFlag = flag.Bool("list-ports", false, "List serial ports and exit")
		levelFlag     = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	)
	flag.Parse()

	if *listPortsFlag {
		if err := listPorts(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// Load configuration
	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *portFlag != "" {
		cfg.Source.Kind = config.SourceSerial
		cfg.Source.Port = *portFlag
	}
	if *mockFlag {
		cfg.Source.Kind = config.SourceMock
	}
	if *levelFlag != "" {
		cfg.Log.Level = *levelFlag
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.Log.Level),
	})))

	if cfg.MeterID == "" {
		cfg.MeterID = uuid.NewString()
		if err := cfg.Save(*configFlag); err != nil {
			slog.Warn("failed to persist generated meter id", "meter_id", cfg.MeterID, "error", err)
		} else {
			slog.Info("generated meter id", "meter_id", cfg.MeterID, "config", *configFlag)
		}
	}

	if err := run(cfg); err != nil {
		slog.Error("emond failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := mathx.ByName(cfg.Engine.MathBackend)
	if err != nil {
		return err
	}
	engine, err := meter.New(cfg, backend)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	src := newSource(cfg)
	if err := src.Connect(); err != nil {
		return fmt.Errorf("connect adc source: %w", err)
	}
	defer src.Close()

	out, err := openOutputs(ctx, cfg)
	if err != nil {
		return err
	}
	defer out.Close()

	// Helpers below run until ctx is done and are waited for before the
	// outputs close.
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()

	var (
		opts   []pipeline.Option
		pulses func() []uint64
	)
	if len(cfg.Pulse.Inputs) > 0 {
		bank, err := pulse.Open(cfg.Pulse)
		if err != nil {
			return err
		}
		restorePulses(ctx, cfg, out, bank)

		pulses = bank.Counts
		opts = append(opts, pipeline.WithPulseCounts(pulses))
		wg.Add(1)
		go func() {
			defer wg.Done()
			bank.Run(ctx)
			if err := bank.Close(); err != nil {
				slog.Warn("close pulse inputs", "error", err)
			}
		}()
	}

	p, err := pipeline.New(cfg, src, engine, out.sinks, opts...)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}
	out.listen(ctx, p.Submit)

	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			metrics.NewCollector(p.Stats, pulses),
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metrics.Serve(ctx, cfg.Metrics.Listen, cfg.Metrics.Path, reg); err != nil {
				slog.Warn("metrics endpoint stopped", "error", err)
			}
		}()
	}

	beats := openBeats(cfg)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		if err := heartbeat.Run(ctx, cfg.Heartbeat.Interval, heartbeat.FromStats(p.Stats), beats...); err != nil {
			slog.Warn("heartbeat stopped", "error", err)
		}
	}()

	slog.Info("emond running",
		"meter_id", cfg.MeterID,
		"source", cfg.Source.Kind,
		"voltage_channels", cfg.Channels.Voltage,
		"current_channels", cfg.Channels.Current,
		"pulse_inputs", len(cfg.Pulse.Inputs),
		"backend", backend.Name())

	err = p.Run(ctx)
	<-hbDone

	st := p.Stats()
	slog.Info("emond stopped",
		"frames", st.FramesProcessed,
		"reports", st.Reports,
		"frame_drops", st.FrameDrops,
		"report_drops", st.ReportDrops,
		"sink_errors", st.SinkErrors,
		"faulted", st.Faulted())

	return err
}

// restorePulses seeds the pulse counters with the last stored counts.
func restorePulses(ctx context.Context, cfg *config.Config, out *outputs, bank *pulse.Bank) {
	if out.store == nil {
		return
	}
	id, err := uuid.Parse(cfg.MeterID)
	if err != nil {
		return
	}
	counts, err := out.store.LatestPulseCounts(ctx, id)
	if err != nil {
		slog.Warn("pulse counts not restored", "error", err)
		return
	}
	if counts != nil {
		bank.Restore(counts)
		slog.Info("pulse counts restored", "counts", bank.Counts())
	}
}

func newSource(cfg *config.Config) adc.Source {
	if cfg.Source.Kind == config.SourceSerial {
		return adc.NewSerial(cfg.Source.Port, cfg.Source.BaudRate, cfg.Source.BufferSize, cfg.ADC.Bits)
	}
	return adc.NewMock(cfg)
}

func openBeats(cfg *config.Config) []heartbeat.Beat {
	var beats []heartbeat.Beat
	if cfg.Heartbeat.LEDPin >= 0 {
		led, err := heartbeat.OpenLED(cfg.Heartbeat.LEDPin)
		if err != nil {
			slog.Warn("status led disabled", "pin", cfg.Heartbeat.LEDPin, "error", err)
		} else {
			beats = append(beats, led)
		}
	}
	if cfg.Heartbeat.Systemd {
		sd, err := heartbeat.NewSystemd()
		if err != nil {
			slog.Warn("systemd notify disabled", "error", err)
		} else {
			if wd := sd.WatchdogInterval(); wd > 0 && cfg.Heartbeat.Interval > wd/2 {
				slog.Warn("heartbeat interval exceeds half the systemd watchdog timeout",
					"interval", cfg.Heartbeat.Interval, "watchdog", wd)
			}
			beats = append(beats, sd)
		}
	}
	return beats
}

func listPorts() error {
	ports, err := adc.Ports()
	if err != nil {
		return err
	}
	for _, p := range ports {
		fmt.Println(p.Name)
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
