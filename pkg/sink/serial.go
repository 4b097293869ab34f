package sink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"github.com/itohio/goemon/pkg/command"
	"github.com/itohio/goemon/pkg/config"
)

// Serial writes report lines to a serial port and optionally reads console
// commands from the same port.
type Serial struct {
	*Writer

	portName string
	port     serial.Port

	wg sync.WaitGroup
}

// NewSerial opens the configured port.
func NewSerial(cfg config.SerialOutputConfig) (*Serial, error) {
	port, err := serial.Open(cfg.Port, &serial.Mode{
		BaudRate: cfg.BaudRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}

	slog.Info("serial report output opened", "port", cfg.Port, "baud", cfg.BaudRate, "json", cfg.JSON)

	return &Serial{
		Writer:   NewWriter("serial", port, cfg.JSON),
		portName: cfg.Port,
		port:     port,
	}, nil
}

// Listen reads console commands from the port in the background and passes
// them to submit until ctx is cancelled or the port is closed.
func (s *Serial) Listen(ctx context.Context, submit func(command.Command) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := command.Scan(ctx, s.port, submit); err != nil {
			slog.Error("serial console stopped", "port", s.portName, "error", err)
		}
	}()
}

// Close closes the port and waits for the console reader to exit.
func (s *Serial) Close() error {
	err := s.port.Close()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close serial port %s: %w", s.portName, err)
	}
	return nil
}
