package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/itohio/goemon/pkg/command"
	"github.com/itohio/goemon/pkg/config"
	"github.com/itohio/goemon/pkg/pipeline"
	"github.com/itohio/goemon/pkg/sink"
	"github.com/itohio/goemon/pkg/store"
)

// outputs owns the enabled sinks and their command inputs.
type outputs struct {
	sinks []pipeline.Sink

	serial *sink.Serial
	mqtt   *sink.MQTT
	influx *sink.Influx
	modbus *sink.Modbus
	store  *store.Repository

	serialCommands bool
}

// openOutputs opens every enabled sink. On error the sinks opened so far are
// closed.
func openOutputs(ctx context.Context, cfg *config.Config) (_ *outputs, err error) {
	o := &outputs{}
	defer func() {
		if err != nil {
			o.Close()
		}
	}()

	out := cfg.Output
	if out.Serial.Enabled {
		if o.serial, err = sink.NewSerial(out.Serial); err != nil {
			return nil, err
		}
		o.serialCommands = out.Serial.Commands
		o.sinks = append(o.sinks, o.serial)
	}

	if out.MQTT.Enabled {
		o.mqtt = sink.NewMQTT(out.MQTT, cfg.MeterID)
		if err = o.mqtt.Connect(ctx); err != nil {
			return nil, err
		}
		o.sinks = append(o.sinks, o.mqtt)
	}

	if out.Influx.Enabled {
		o.influx = sink.NewInflux(out.Influx)
		o.sinks = append(o.sinks, o.influx)
	}

	if out.Modbus.Enabled {
		if o.modbus, err = sink.NewModbus(out.Modbus, cfg.Channels.Voltage, cfg.Channels.Current); err != nil {
			return nil, err
		}
		if err = o.modbus.Start(); err != nil {
			o.modbus = nil
			return nil, err
		}
		o.sinks = append(o.sinks, o.modbus)
	}

	if out.Store.Enabled {
		if o.store, err = store.New(out.Store.Path); err != nil {
			return nil, fmt.Errorf("open report store %s: %w", out.Store.Path, err)
		}
		o.sinks = append(o.sinks, o.store)
	}

	if out.Log.Enabled {
		o.sinks = append(o.sinks, sink.NewLog(nil))
	}

	return o, nil
}

// listen routes console and MQTT control commands to submit.
func (o *outputs) listen(ctx context.Context, submit func(command.Command) error) {
	if o.serial != nil && o.serialCommands {
		o.serial.Listen(ctx, submit)
	}
	if o.mqtt != nil {
		if err := o.mqtt.Subscribe(submit); err != nil {
			slog.Warn("mqtt control disabled", "error", err)
		}
	}
}

// Close flushes and closes every opened sink.
func (o *outputs) Close() {
	if o.serial != nil {
		if err := o.serial.Close(); err != nil {
			slog.Warn("close serial output", "error", err)
		}
	}
	if o.mqtt != nil {
		o.mqtt.Disconnect()
	}
	if o.influx != nil {
		o.influx.Close()
	}
	if o.modbus != nil {
		if err := o.modbus.Stop(); err != nil {
			slog.Warn("stop modbus server", "error", err)
		}
	}
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			slog.Warn("close report store", "error", err)
		}
	}
}
