package meter

import "github.com/itohio/goemon/pkg/mathx"

// accumulator holds running sums over one or more scans.
type accumulator struct {
	scans  int
	sumVSq []float32 // per voltage channel
	sumISq []float32 // per processed current channel
	sumVI  []float32 // per processed current channel, against the reference voltage
}

func newAccumulator(voltage, processed int) accumulator {
	return accumulator{
		sumVSq: make([]float32, voltage),
		sumISq: make([]float32, processed),
		sumVI:  make([]float32, processed),
	}
}

func (a *accumulator) reset() {
	a.scans = 0
	clear(a.sumVSq)
	clear(a.sumISq)
	clear(a.sumVI)
}

func (a *accumulator) merge(m mathx.Backend, b *accumulator) {
	a.scans += b.scans
	for i := range a.sumVSq {
		a.sumVSq[i] = m.Add(a.sumVSq[i], b.sumVSq[i])
	}
	for i := range a.sumISq {
		a.sumISq[i] = m.Add(a.sumISq[i], b.sumISq[i])
		a.sumVI[i] = m.Add(a.sumVI[i], b.sumVI[i])
	}
}

// realPower returns mean(v·i) for a processed current channel.
func (a *accumulator) realPower(m mathx.Backend, c int) float32 {
	if a.scans == 0 {
		return 0
	}
	return m.Div(a.sumVI[c], float32(a.scans))
}

func (a *accumulator) voltageRMS(m mathx.Backend, v int) float32 {
	if a.scans == 0 {
		return 0
	}
	return m.Sqrt(m.Div(a.sumVSq[v], float32(a.scans)))
}

func (a *accumulator) currentRMS(m mathx.Backend, c int) float32 {
	if a.scans == 0 {
		return 0
	}
	return m.Sqrt(m.Div(a.sumISq[c], float32(a.scans)))
}
