package adc

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/goemon/pkg/config"
)

const (
	pi    = float32(math.Pi)
	sqrt2 = float32(math.Sqrt2)
)

// Mock synthesizes sinusoidal voltage and current waveforms. Samples are
// produced on demand, one per Read, in round-robin channel order, so the
// caller's read rate acts as the conversion clock.
type Mock struct {
	mu        sync.Mutex
	connected bool
	startTime time.Time

	voltage    int
	total      int
	sampleRate float64
	cycles     float64 // mains cycles per scan
	bias       float32
	noise      float32
	maxCode    float32
	amplitude  []float32 // peak in codes per channel
	phase      []float32 // rad per channel

	k uint64 // samples produced since Connect
}

// NewMock creates a mocked source from configuration.
func NewMock(cfg *config.Config) *Mock {
	full := float32(uint32(1) << cfg.ADC.Bits)
	lsb := cfg.ADC.VRef / full

	m := &Mock{
		voltage:    cfg.Channels.Voltage,
		total:      cfg.Channels.Voltage + cfg.Channels.Current,
		sampleRate: cfg.ADC.SampleRate,
		bias:       float32(cfg.Mock.Bias),
		noise:      float32(cfg.Mock.NoiseLevel),
		maxCode:    full - 1,
	}
	if m.bias == 0 {
		m.bias = full / 2
	}
	if m.sampleRate > 0 {
		m.cycles = float64(cfg.Engine.MainsFrequency) / m.sampleRate
	}

	m.amplitude = make([]float32, m.total)
	m.phase = make([]float32, m.total)
	for v := 0; v < m.voltage; v++ {
		m.amplitude[v] = peakCodes(float32(cfg.Mock.VoltageRMS), lsb, calibration(cfg.Calibration.Voltage, v))
	}
	for c := 0; c < cfg.Channels.Current; c++ {
		if c < len(cfg.Mock.CurrentRMS) {
			m.amplitude[m.voltage+c] = peakCodes(float32(cfg.Mock.CurrentRMS[c]), lsb, calibration(cfg.Calibration.Current, c))
		}
		if c < len(cfg.Mock.CurrentPhaseDeg) {
			m.phase[m.voltage+c] = float32(cfg.Mock.CurrentPhaseDeg[c]) * pi / 180
		}
	}

	return m
}

func calibration(cal []float32, i int) float32 {
	if i < len(cal) && cal[i] != 0 {
		return cal[i]
	}
	return 1
}

// peakCodes converts an RMS value in physical units into a peak amplitude in codes.
func peakCodes(rms, lsb, cal float32) float32 {
	return rms * sqrt2 / (lsb * cal)
}

// Connect starts the simulated conversion sequence at channel 0.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return fmt.Errorf("already connected")
	}

	m.connected = true
	m.startTime = time.Now()
	m.k = 0

	return nil
}

// Close stops the mocked source.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connected = false
	return nil
}

// IsConnected returns whether the source is currently connected.
func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Read generates the next sample.
func (m *Mock) Read() (RawSample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected || m.total == 0 {
		return RawSample{}, false
	}

	ch := int(m.k % uint64(m.total))
	scan := m.k / uint64(m.total)
	m.k++

	// Phase is reduced to one mains period in float64 before the float32 sine.
	turn := math.Mod(float64(scan)*m.cycles, 1)
	x := m.bias + m.amplitude[ch]*math32.Sin(float32(2*math.Pi*turn)-m.phase[ch])

	// Deterministic pseudo noise
	n := float64(m.k)
	a := float32(math.Mod(n*0.7071, 2*math.Pi))
	b := float32(math.Mod(n*0.0013, 2*math.Pi))
	x += (math32.Sin(a) + math32.Cos(b)) * m.noise * 0.5

	if x < 0 {
		x = 0
	} else if x > m.maxCode {
		x = m.maxCode
	}

	return RawSample{
		Channel:   ch,
		Code:      uint16(math32.Floor(x+0.5)),
		Timestamp: m.startTime.Add(time.Duration(float64(scan) / m.sampleRate * float64(time.Second))),
	}, true
}
