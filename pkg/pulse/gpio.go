package pulse

import (
	"fmt"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/itohio/goemon/pkg/config"
	"github.com/itohio/goemon/pkg/gpio"
)

type rpioInput rpio.Pin

func (p rpioInput) Read() bool {
	return rpio.Pin(p).Read() == rpio.High
}

// Open configures the BCM pins of cfg as inputs and returns a bank counting
// their pulses.
func Open(cfg config.PulseConfig) (*Bank, error) {
	if err := gpio.Open(); err != nil {
		return nil, fmt.Errorf("pulse inputs: %w", err)
	}

	counters := make([]*Counter, 0, len(cfg.Inputs))
	for i, in := range cfg.Inputs {
		edge, err := ParseEdge(in.Edge)
		if err != nil {
			gpio.Close()
			return nil, fmt.Errorf("pulse input %d: %w", i, err)
		}

		p := rpio.Pin(in.Pin)
		p.Input()
		switch in.Pull {
		case "up":
			p.PullUp()
		case "down":
			p.PullDown()
		default:
			p.PullOff()
		}

		counters = append(counters, NewCounter(rpioInput(p), edge, in.Blank))
	}

	b := NewBank(cfg.Period, counters...)
	b.closer = gpio.Close
	return b, nil
}
