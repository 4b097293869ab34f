package heartbeat

import (
	"fmt"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/itohio/goemon/pkg/gpio"
)

type pin interface {
	High()
	Low()
	Toggle()
}

// LED blinks while the pipeline makes progress, stays lit once a fault
// was recorded and goes dark when the pipeline stalls.
type LED struct {
	pin    pin
	closer func() error
}

// OpenLED maps GPIO memory and configures the BCM pin as output.
func OpenLED(bcm int) (*LED, error) {
	if err := gpio.Open(); err != nil {
		return nil, fmt.Errorf("status led on pin %d: %w", bcm, err)
	}
	p := rpio.Pin(bcm)
	p.Output()
	p.Low()
	return &LED{pin: p, closer: gpio.Close}, nil
}

// Beat updates the LED.
func (l *LED) Beat(h Health) error {
	switch {
	case h.Faulted:
		l.pin.High()
	case h.Progress:
		l.pin.Toggle()
	default:
		l.pin.Low()
	}
	return nil
}

// Close switches the LED off and unmaps GPIO memory.
func (l *LED) Close() error {
	l.pin.Low()
	if l.closer == nil {
		return nil
	}
	return l.closer()
}
