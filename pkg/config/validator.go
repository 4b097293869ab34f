package config

import (
	"fmt"

	"github.com/google/uuid"
)

// Validate checks if the configuration is consistent.
func (c *Config) Validate() error {
	if c.MeterID != "" {
		if _, err := uuid.Parse(c.MeterID); err != nil {
			return fmt.Errorf("meter_id must be a UUID: %w", err)
		}
	}

	if c.ADC.Bits == 0 || c.ADC.Bits > 16 {
		return fmt.Errorf("adc.bits must be in [1, 16], got %d", c.ADC.Bits)
	}
	if c.ADC.VRef <= 0 {
		return fmt.Errorf("adc.vref must be > 0")
	}
	if c.ADC.SampleRate <= 0 {
		return fmt.Errorf("adc.sample_rate must be > 0")
	}

	if c.Channels.Voltage <= 0 {
		return fmt.Errorf("channels.voltage must be > 0")
	}
	if c.Channels.Current <= 0 {
		return fmt.Errorf("channels.current must be > 0")
	}
	if c.Channels.MaxCurrent < 0 {
		return fmt.Errorf("channels.max_current_channels must be >= 0")
	}
	if c.Channels.Reference < 0 || c.Channels.Reference >= c.Channels.Voltage {
		return fmt.Errorf("channels.reference_voltage %d out of range [0, %d)",
			c.Channels.Reference, c.Channels.Voltage)
	}
	if len(c.Calibration.Voltage) != c.Channels.Voltage {
		return fmt.Errorf("calibration.voltage needs %d entries, got %d",
			c.Channels.Voltage, len(c.Calibration.Voltage))
	}
	if len(c.Calibration.Current) != c.Channels.Current {
		return fmt.Errorf("calibration.current needs %d entries, got %d",
			c.Channels.Current, len(c.Calibration.Current))
	}

	if c.Engine.ReportCycles <= 0 {
		return fmt.Errorf("engine.report_cycles must be > 0")
	}
	switch c.Engine.ReportMode {
	case ReportWindow, ReportLatest:
	default:
		return fmt.Errorf("engine.report_mode must be %q or %q, got %q",
			ReportWindow, ReportLatest, c.Engine.ReportMode)
	}
	if c.Engine.ScansPerFrame <= 0 {
		return fmt.Errorf("engine.scans_per_frame must be > 0")
	}

	if c.Scheduler.SamplesPerTick <= 0 {
		return fmt.Errorf("scheduler.samples_per_tick must be > 0")
	}
	if c.Scheduler.JitterTolerance <= 0 {
		return fmt.Errorf("scheduler.jitter_tolerance must be > 0")
	}
	if c.Scheduler.CommandQueue <= 0 {
		return fmt.Errorf("scheduler.command_queue must be > 0")
	}

	switch c.Source.Kind {
	case SourceMock, SourceSerial:
	default:
		return fmt.Errorf("source.kind must be %q or %q, got %q", SourceMock, SourceSerial, c.Source.Kind)
	}

	switch c.Output.MQTT.Encoding {
	case "json", "msgpack":
	default:
		return fmt.Errorf("output.mqtt.encoding must be json or msgpack, got %q", c.Output.MQTT.Encoding)
	}

	if len(c.Pulse.Inputs) > 0 && c.Pulse.Period <= 0 {
		return fmt.Errorf("pulse.period must be > 0")
	}
	for i, in := range c.Pulse.Inputs {
		if in.Pin < 0 {
			return fmt.Errorf("pulse.inputs[%d].pin must be >= 0", i)
		}
		switch in.Edge {
		case EdgeRising, EdgeFalling, EdgeBoth:
		default:
			return fmt.Errorf("pulse.inputs[%d].edge must be rising, falling or both, got %q", i, in.Edge)
		}
		if in.Blank < 1 || in.Blank > 32 {
			return fmt.Errorf("pulse.inputs[%d].blank must be in [1, 32], got %d", i, in.Blank)
		}
		switch in.Pull {
		case "up", "down", "off":
		default:
			return fmt.Errorf("pulse.inputs[%d].pull must be up, down or off, got %q", i, in.Pull)
		}
	}

	return nil
}
