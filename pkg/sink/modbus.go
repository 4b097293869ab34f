package sink

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/simonvetter/modbus"

	"github.com/itohio/goemon/pkg/config"
	"github.com/itohio/goemon/pkg/meter"
)

// Input register map. Every value is a big endian float32 spanning two
// registers, except the report sequence which is a big endian uint32 and
// the pulse counts which are big endian uint64 over four registers.
const (
	RegFrequency   = 0
	RegSeq         = 2
	RegPulseBase   = 8  // pulse1 at 8, pulse2 at 12
	MaxPulses      = 2  // pulse inputs mapped
	RegVoltageBase = 16 // V1 rms at 16, V2 at 18, ...
	RegCurrentBase = 64 // first CT block
	CTStride       = 10 // registers per CT block

	// Offsets inside a CT block.
	CTCurrentRMS    = 0
	CTRealPower     = 2
	CTApparentPower = 4
	CTPowerFactor   = 6
	CTEnergyWh      = 8
)

// Modbus serves the latest report as read-only input registers.
type Modbus struct {
	url    string
	server *modbus.ModbusServer
	regs   *registerMap
}

// NewModbus creates a Modbus TCP server sized for the given channel layout.
// The server is started by Start.
func NewModbus(cfg config.ModbusConfig, voltage, current int) (*Modbus, error) {
	if voltage > (RegCurrentBase-RegVoltageBase)/2 {
		return nil, fmt.Errorf("modbus map holds at most %d voltage channels", (RegCurrentBase-RegVoltageBase)/2)
	}

	regs := newRegisterMap(current)
	server, err := modbus.NewServer(&modbus.ServerConfiguration{
		URL:        cfg.URL,
		Timeout:    30 * time.Second,
		MaxClients: cfg.MaxClients,
	}, regs)
	if err != nil {
		return nil, fmt.Errorf("create modbus server: %w", err)
	}

	return &Modbus{
		url:    cfg.URL,
		server: server,
		regs:   regs,
	}, nil
}

// Start begins accepting clients.
func (s *Modbus) Start() error {
	if err := s.server.Start(); err != nil {
		return fmt.Errorf("start modbus server %s: %w", s.url, err)
	}
	slog.Info("modbus register server listening", "url", s.url)
	return nil
}

// Stop closes the listener and all client connections.
func (s *Modbus) Stop() error {
	return s.server.Stop()
}

// Name returns the sink name.
func (s *Modbus) Name() string {
	return "modbus"
}

// Write publishes r to the register map.
func (s *Modbus) Write(_ context.Context, r *meter.Report) error {
	s.regs.update(r)
	return nil
}

// registerMap implements modbus.RequestHandler over a snapshot of the
// latest report.
type registerMap struct {
	mu   sync.RWMutex
	regs []uint16
}

func newRegisterMap(current int) *registerMap {
	return &registerMap{
		regs: make([]uint16, RegCurrentBase+CTStride*current),
	}
}

func (m *registerMap) update(r *meter.Report) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.putFloat(RegFrequency, r.Frequency)
	m.putUint32(RegSeq, uint32(r.Seq))
	for i, n := range r.Pulses {
		if i >= MaxPulses {
			break
		}
		m.putUint64(RegPulseBase+4*i, n)
	}
	for i, v := range r.VoltageRMS {
		m.putFloat(RegVoltageBase+2*i, v)
	}
	for i := range r.CurrentRMS {
		base := RegCurrentBase + CTStride*i
		if base+CTStride > len(m.regs) {
			break
		}
		m.putFloat(base+CTCurrentRMS, r.CurrentRMS[i])
		m.putFloat(base+CTRealPower, r.RealPower[i])
		m.putFloat(base+CTApparentPower, r.ApparentPower[i])
		m.putFloat(base+CTPowerFactor, r.PowerFactor[i])
		m.putFloat(base+CTEnergyWh, float32(r.EnergyWh[i]))
	}
}

func (m *registerMap) putFloat(addr int, v float32) {
	m.putUint32(addr, math.Float32bits(v))
}

func (m *registerMap) putUint32(addr int, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	m.regs[addr] = binary.BigEndian.Uint16(b[0:2])
	m.regs[addr+1] = binary.BigEndian.Uint16(b[2:4])
}

func (m *registerMap) putUint64(addr int, v uint64) {
	m.putUint32(addr, uint32(v>>32))
	m.putUint32(addr+2, uint32(v))
}

func (m *registerMap) HandleInputRegisters(req *modbus.InputRegistersRequest) ([]uint16, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	end := int(req.Addr) + int(req.Quantity)
	if req.Quantity == 0 || end > len(m.regs) {
		return nil, modbus.ErrIllegalDataAddress
	}

	res := make([]uint16, req.Quantity)
	copy(res, m.regs[req.Addr:end])
	return res, nil
}

func (m *registerMap) HandleHoldingRegisters(req *modbus.HoldingRegistersRequest) ([]uint16, error) {
	return nil, modbus.ErrIllegalFunction
}

func (m *registerMap) HandleCoils(req *modbus.CoilsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}

func (m *registerMap) HandleDiscreteInputs(req *modbus.DiscreteInputsRequest) ([]bool, error) {
	return nil, modbus.ErrIllegalFunction
}
