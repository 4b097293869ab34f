package adc

import "time"

// RawSample is a single conversion result.
// Channels [0, V) are voltage inputs, [V, V+CT) current transformers.
type RawSample struct {
	Channel   int
	Code      uint16
	Timestamp time.Time
}

// Source defines the interface for sample sources (real or mocked).
// Read never blocks; it reports false when no sample is available.
type Source interface {
	Connect() error
	Close() error
	Read() (RawSample, bool)
	IsConnected() bool
}

// Ensure Serial implements Source.
var _ Source = (*Serial)(nil)

// Ensure Mock implements Source.
var _ Source = (*Mock)(nil)
