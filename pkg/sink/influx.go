package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/itohio/goemon/pkg/config"
	"github.com/itohio/goemon/pkg/meter"
)

// Influx writes one point per report through the non-blocking write API.
type Influx struct {
	measurement string
	client      influxdb2.Client
	writeAPI    api.WriteAPI

	errors atomic.Uint64
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewInflux creates the client and starts draining asynchronous write errors.
func NewInflux(cfg config.InfluxConfig) *Influx {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := &Influx{
		measurement: cfg.Measurement,
		client:      client,
		writeAPI:    client.WriteAPI(cfg.Org, cfg.Bucket),
		stop:        make(chan struct{}),
	}

	errs := s.writeAPI.Errors()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case err, ok := <-errs:
				if !ok {
					return
				}
				if s.errors.Add(1) == 1 {
					slog.Error("influx write failed", "url", cfg.URL, "error", err)
				} else {
					slog.Debug("influx write failed", "error", err)
				}
			case <-s.stop:
				return
			}
		}
	}()

	slog.Info("influx output enabled", "url", cfg.URL, "org", cfg.Org, "bucket", cfg.Bucket)
	return s
}

// Name returns the sink name.
func (s *Influx) Name() string {
	return "influx"
}

// Write queues r as a point. Delivery errors surface through Errors.
func (s *Influx) Write(_ context.Context, r *meter.Report) error {
	s.writeAPI.WritePoint(Point(s.measurement, r, time.Now().UTC()))
	return nil
}

// Errors returns the number of failed asynchronous writes.
func (s *Influx) Errors() uint64 {
	return s.errors.Load()
}

// Close flushes pending points and closes the client.
func (s *Influx) Close() {
	s.writeAPI.Flush()
	s.client.Close()
	close(s.stop)
	s.wg.Wait()
}

// Point builds the InfluxDB point for a report. Fields are numbered from 1:
// v1_rms for voltages, i1_rms, p1, s1, pf1, e1_wh for current channels and
// pulse1 for pulse inputs.
func Point(measurement string, r *meter.Report, ts time.Time) *write.Point {
	tags := map[string]string{
		"meter_id": r.MeterID.String(),
	}

	fields := make(map[string]interface{}, 2+len(r.VoltageRMS)+5*len(r.CurrentRMS)+len(r.Pulses))
	fields["seq"] = r.Seq
	fields["frequency"] = r.Frequency
	for i, v := range r.VoltageRMS {
		fields[fmt.Sprintf("v%d_rms", i+1)] = v
	}
	for i := range r.CurrentRMS {
		n := i + 1
		fields[fmt.Sprintf("i%d_rms", n)] = r.CurrentRMS[i]
		fields[fmt.Sprintf("p%d", n)] = r.RealPower[i]
		fields[fmt.Sprintf("s%d", n)] = r.ApparentPower[i]
		fields[fmt.Sprintf("pf%d", n)] = r.PowerFactor[i]
		fields[fmt.Sprintf("e%d_wh", n)] = r.EnergyWh[i]
	}
	for i, v := range r.Pulses {
		fields[fmt.Sprintf("pulse%d", i+1)] = v
	}

	return influxdb2.NewPoint(measurement, tags, fields, ts)
}
