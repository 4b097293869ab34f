package adc

import (
	"math"
	"testing"
	"time"

	"github.com/itohio/goemon/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockConfig() *config.Config {
	cfg := config.Default()
	cfg.ADC.Bits = 12
	cfg.ADC.VRef = 4.096
	cfg.ADC.SampleRate = 4800
	cfg.Channels = config.ChannelsConfig{Voltage: 1, Current: 2}
	cfg.Calibration = config.CalibrationConfig{
		Voltage: []float32{200},
		Current: []float32{10, 10},
	}
	cfg.Engine.MainsFrequency = 50
	cfg.Mock = config.MockConfig{
		VoltageRMS:      230,
		CurrentRMS:      []float64{10},
		CurrentPhaseDeg: []float64{0},
	}
	return cfg
}

func TestMock_NotConnected(t *testing.T) {
	m := NewMock(mockConfig())
	assert.False(t, m.IsConnected())

	_, ok := m.Read()
	assert.False(t, ok)
}

func TestMock_ConnectTwice(t *testing.T) {
	m := NewMock(mockConfig())
	require.NoError(t, m.Connect())
	assert.Error(t, m.Connect())
	require.NoError(t, m.Close())
	assert.False(t, m.IsConnected())
}

func TestMock_RoundRobin(t *testing.T) {
	m := NewMock(mockConfig())
	require.NoError(t, m.Connect())
	defer m.Close()

	var prev time.Time
	for i := 0; i < 30; i++ {
		s, ok := m.Read()
		require.True(t, ok)
		assert.Equal(t, i%3, s.Channel)
		if i%3 == 0 && i > 0 {
			assert.InDelta(t, float64(time.Second/4800), float64(s.Timestamp.Sub(prev)), 1000)
		}
		if i%3 == 0 {
			prev = s.Timestamp
		}
	}
}

func TestMock_Waveform(t *testing.T) {
	cfg := mockConfig()
	m := NewMock(cfg)
	require.NoError(t, m.Connect())
	defer m.Close()

	const scans = 96 // one 50 Hz cycle at 4.8 kHz
	var sumV, sumI, sumVI float64
	for i := 0; i < scans; i++ {
		var codes [3]uint16
		for ch := range codes {
			s, ok := m.Read()
			require.True(t, ok)
			codes[ch] = s.Code
		}
		v := (float64(codes[0]) - 2048) * 0.001 * 200
		c := (float64(codes[1]) - 2048) * 0.001 * 10
		sumV += v * v
		sumI += c * c
		sumVI += v * c

		assert.Equal(t, uint16(2048), codes[2], "idle CT sits at mid scale")
	}

	assert.InEpsilon(t, 230, math.Sqrt(sumV/scans), 0.01)
	assert.InEpsilon(t, 10, math.Sqrt(sumI/scans), 0.01)
	assert.InEpsilon(t, 2300, sumVI/scans, 0.02)
}

func TestMock_Clipping(t *testing.T) {
	cfg := mockConfig()
	cfg.Mock.VoltageRMS = 10000
	m := NewMock(cfg)
	require.NoError(t, m.Connect())
	defer m.Close()

	seen := map[uint16]bool{}
	for i := 0; i < 96*3; i++ {
		s, ok := m.Read()
		require.True(t, ok)
		if s.Channel == 0 {
			seen[s.Code] = true
			assert.LessOrEqual(t, s.Code, uint16(4095))
		}
	}
	assert.True(t, seen[0])
	assert.True(t, seen[4095])
}

// acRMS reads n scans and returns the AC RMS in codes of channel ch.
func acRMS(t *testing.T, m *Mock, ch, total, n int) float64 {
	t.Helper()
	var sum, sumSq float64
	for i := 0; i < n*total; i++ {
		s, ok := m.Read()
		require.True(t, ok)
		if s.Channel != ch {
			continue
		}
		x := float64(s.Code)
		sum += x
		sumSq += x * x
	}
	mean := sum / float64(n)
	return math.Sqrt(sumSq/float64(n) - mean*mean)
}

func TestMock_LongRunAmplitude(t *testing.T) {
	cfg := mockConfig()
	cfg.Mock.NoiseLevel = 0

	m := NewMock(cfg)
	require.NoError(t, m.Connect())
	defer m.Close()

	const total = 3
	start := acRMS(t, m, 0, total, 96)

	for _, hours := range []uint64{1, 10, 24, 24 * 30} {
		m.mu.Lock()
		m.k = hours * 3600 * 4800 * total
		m.mu.Unlock()

		assert.InDelta(t, start, acRMS(t, m, 0, total, 96), start*0.01, "after %d h", hours)
	}
}
