// Package gpio shares the go-rpio memory mapping between the status LED and
// the pulse inputs.
package gpio

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"
)

var (
	mu   sync.Mutex
	refs int
)

// Open maps GPIO memory on first use. Every successful Open must be paired
// with a Close.
func Open() error {
	mu.Lock()
	defer mu.Unlock()

	if refs == 0 {
		if err := rpio.Open(); err != nil {
			return fmt.Errorf("open gpio: %w", err)
		}
	}
	refs++
	return nil
}

// Close unmaps GPIO memory once the last user is gone.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if refs == 0 {
		return nil
	}
	refs--
	if refs > 0 {
		return nil
	}
	return rpio.Close()
}
