package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goemon/pkg/adc"
	"github.com/itohio/goemon/pkg/config"
	"github.com/itohio/goemon/pkg/meter"
	"github.com/itohio/goemon/pkg/pulse"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("WARN"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestNewSource(t *testing.T) {
	cfg := config.Default()
	assert.IsType(t, &adc.Mock{}, newSource(cfg))

	cfg.Source.Kind = config.SourceSerial
	cfg.Source.Port = "/dev/ttyACM0"
	assert.IsType(t, &adc.Serial{}, newSource(cfg))
}

func TestOpenOutputs_LogOnly(t *testing.T) {
	cfg := config.Default()
	cfg.Output = config.OutputConfig{Log: config.LogOutputConfig{Enabled: true}}

	out, err := openOutputs(testContext(t), cfg)
	assert.NoError(t, err)
	assert.Len(t, out.sinks, 1)
	assert.Equal(t, "log", out.sinks[0].Name())
	out.Close()
}

func TestRestorePulses(t *testing.T) {
	cfg := config.Default()
	cfg.MeterID = "6f1c2e1a-8f3b-4a51-9d7e-2b5c1f0a9e44"
	cfg.Output = config.OutputConfig{Store: config.StoreConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "reports.sqlite")}}

	out, err := openOutputs(testContext(t), cfg)
	require.NoError(t, err)
	defer out.Close()

	_, err = out.store.AddReport(testContext(t), &meter.Report{
		Seq:     1,
		MeterID: uuid.MustParse(cfg.MeterID),
		Pulses:  []uint64{1500, 3},
	}, time.Now())
	require.NoError(t, err)

	bank := pulse.NewBank(time.Millisecond, pulse.NewCounter(low{}, pulse.Rising, 1), pulse.NewCounter(low{}, pulse.Rising, 1))
	restorePulses(testContext(t), cfg, out, bank)
	assert.Equal(t, []uint64{1500, 3}, bank.Counts())

	// Without a store the counters start at zero.
	bank = pulse.NewBank(time.Millisecond, pulse.NewCounter(low{}, pulse.Rising, 1))
	restorePulses(testContext(t), cfg, &outputs{}, bank)
	assert.Equal(t, []uint64{0}, bank.Counts())
}

type low struct{}

func (low) Read() bool { return false }

// testContext stands in for testing.T.Context (Go 1.24+): a context
// cancelled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
