// Package sink contains report outputs: the serial report line, MQTT,
// InfluxDB, a Modbus TCP register server and a structured log line.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/itohio/goemon/pkg/meter"
)

// Writer writes one line per report to an io.Writer.
type Writer struct {
	name   string
	asJSON bool

	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a line writer. With asJSON set every report is written
// as a JSON object, otherwise the MSG line format is used.
func NewWriter(name string, w io.Writer, asJSON bool) *Writer {
	return &Writer{
		name:   name,
		asJSON: asJSON,
		w:      w,
	}
}

// Name returns the sink name.
func (s *Writer) Name() string {
	return s.name
}

// Write formats r and writes it as a single line.
func (s *Writer) Write(_ context.Context, r *meter.Report) error {
	line, err := Format(r, s.asJSON)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(line); err != nil {
		return fmt.Errorf("write report %d: %w", r.Seq, err)
	}
	return nil
}

// Format renders a report as one CRLF terminated line:
//
//	MSG:<seq>,V1:<vrms>,...,P1:<watts>,E1:<wh>,...,pulse1:<count>,...
//
// Energy is written as whole watt hours.
func Format(r *meter.Report, asJSON bool) ([]byte, error) {
	if asJSON {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal report %d: %w", r.Seq, err)
		}
		return append(b, '\r', '\n'), nil
	}

	b := make([]byte, 0, 32+24*(len(r.VoltageRMS)+len(r.RealPower)))
	b = append(b, "MSG:"...)
	b = strconv.AppendUint(b, r.Seq, 10)
	for i, v := range r.VoltageRMS {
		b = appendField(b, 'V', i)
		b = strconv.AppendFloat(b, float64(v), 'f', 2, 32)
	}
	for i, p := range r.RealPower {
		b = appendField(b, 'P', i)
		b = strconv.AppendFloat(b, float64(p), 'f', 2, 32)
		b = appendField(b, 'E', i)
		b = strconv.AppendInt(b, int64(r.EnergyWh[i]), 10)
	}
	for i, n := range r.Pulses {
		b = append(b, ",pulse"...)
		b = strconv.AppendInt(b, int64(i+1), 10)
		b = append(b, ':')
		b = strconv.AppendUint(b, n, 10)
	}
	return append(b, '\r', '\n'), nil
}

func appendField(b []byte, prefix byte, i int) []byte {
	b = append(b, ',', prefix)
	b = strconv.AppendInt(b, int64(i+1), 10)
	return append(b, ':')
}
