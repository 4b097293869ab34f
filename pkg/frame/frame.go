// Package frame assembles round-robin ADC samples into fixed-order scans.
package frame

import "fmt"

// Layout describes how many voltage and current channels one scan contains.
// Channels [0, Voltage) are voltage inputs, [Voltage, Voltage+Current) are CTs.
type Layout struct {
	Voltage int
	Current int
}

// Total returns the number of samples in one scan (VCT_TOTAL).
func (l Layout) Total() int {
	return l.Voltage + l.Current
}

// IsVoltage reports whether ch is a voltage channel.
func (l Layout) IsVoltage(ch int) bool {
	return ch >= 0 && ch < l.Voltage
}

// IsCurrent reports whether ch is a current channel.
func (l Layout) IsCurrent(ch int) bool {
	return ch >= l.Voltage && ch < l.Total()
}

// Validate checks that the layout has at least one voltage and one current channel.
func (l Layout) Validate() error {
	if l.Voltage <= 0 {
		return fmt.Errorf("layout needs at least one voltage channel, got %d", l.Voltage)
	}
	if l.Current <= 0 {
		return fmt.Errorf("layout needs at least one current channel, got %d", l.Current)
	}
	return nil
}

// Frame is one or more complete scans of raw ADC codes in channel order
// V0..V(n-1), CT0..CT(m-1), repeated per scan.
type Frame []uint16

// Scans returns the number of complete scans the frame holds for the layout.
func (f Frame) Scans(l Layout) int {
	total := l.Total()
	if total == 0 {
		return 0
	}
	return len(f) / total
}

// Stamped is a completed frame together with the sampling timestamp and its
// position in the arrival order.
type Stamped struct {
	Frame       Frame
	TimestampMs int64
	Seq         uint64
}
