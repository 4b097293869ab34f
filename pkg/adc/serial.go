package adc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the standard baud rate of the sampling MCU link.
	DefaultBaudRate = 115200
	// DefaultBufferSize is the default size for the samples channel buffer.
	DefaultBufferSize = 4096
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Serial reads "channel,code" lines produced by an external ADC front end.
type Serial struct {
	port     string
	baudRate int
	bufSize  int
	maxCode  uint64

	conn      io.ReadCloser
	samples   chan RawSample
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	done      chan struct{}

	dropped     atomic.Uint64
	parseErrors atomic.Uint64
}

// NewSerial creates a new serial source with the specified port, baud rate,
// buffer size and converter resolution.
func NewSerial(port string, baudRate int, bufSize int, bits uint) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if bufSize == 0 {
		bufSize = DefaultBufferSize
	}
	if bits == 0 || bits > 16 {
		bits = 16
	}

	return &Serial{
		port:     port,
		baudRate: baudRate,
		bufSize:  bufSize,
		maxCode:  uint64(1)<<bits - 1,
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{
			Name:        name,
			Description: name,
		})
	}

	return result, nil
}

// Connect opens the serial port and starts reading samples.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	port, err := serial.Open(d.port, &serial.Mode{
		BaudRate: d.baudRate,
	})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	d.attach(port)
	slog.Info("adc serial source connected", "port", d.port, "baud", d.baudRate)

	return nil
}

// attach starts reading from conn. Caller holds d.mu.
func (d *Serial) attach(conn io.ReadCloser) {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.conn = conn
	d.samples = make(chan RawSample, d.bufSize)
	d.done = make(chan struct{})
	d.connected = true

	go d.readSamples(d.ctx, conn, d.samples, d.done)
}

// Close closes the connection and stops reading samples.
func (d *Serial) Close() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}

	d.cancel()
	var err error
	if d.conn != nil {
		if err = d.conn.Close(); err != nil {
			err = fmt.Errorf("failed to close serial port %s: %w", d.port, err)
		}
		d.conn = nil
	}
	d.connected = false
	done := d.done
	d.mu.Unlock()

	// The reader exits once the port is closed.
	<-done
	return err
}

// Read returns the next buffered sample without blocking.
func (d *Serial) Read() (RawSample, bool) {
	d.mu.RLock()
	samples := d.samples
	d.mu.RUnlock()

	if samples == nil {
		return RawSample{}, false
	}

	select {
	case s, ok := <-samples:
		return s, ok
	default:
		return RawSample{}, false
	}
}

// IsConnected returns whether the source is currently connected.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Dropped returns the number of samples discarded because the buffer was full.
func (d *Serial) Dropped() uint64 {
	return d.dropped.Load()
}

// ParseErrors returns the number of malformed lines.
func (d *Serial) ParseErrors() uint64 {
	return d.parseErrors.Load()
}

// readSamples reads lines from src and parses them into RawSample.
func (d *Serial) readSamples(ctx context.Context, src io.Reader, out chan<- RawSample, done chan<- struct{}) {
	defer close(done)
	defer close(out)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in adc reader", "panic", r)
		}
	}()

	scanner := bufio.NewScanner(src)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		sample, err := parseLine(line, d.maxCode)
		if err != nil {
			if d.parseErrors.Add(1) == 1 {
				slog.Warn("failed to parse adc line", "line", line, "error", err)
			}
			continue
		}
		sample.Timestamp = time.Now()

		// Send sample to channel (non-blocking)
		select {
		case out <- sample:
		case <-ctx.Done():
			return
		default:
			d.dropped.Add(1)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		slog.Error("error reading from adc serial port", "port", d.port, "error", err)
	}
}

// parseLine parses a line from the ADC front end into a RawSample.
// Format: channel,code
// Example: 3,2048
func parseLine(line string, maxCode uint64) (RawSample, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return RawSample{}, fmt.Errorf("invalid line format: expected 2 comma-separated values, got %d", len(parts))
	}

	ch, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return RawSample{}, fmt.Errorf("invalid channel: %w", err)
	}
	if ch < 0 {
		return RawSample{}, fmt.Errorf("channel out of range: %d", ch)
	}

	code, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
	if err != nil {
		return RawSample{}, fmt.Errorf("invalid code: %w", err)
	}
	if code > maxCode {
		return RawSample{}, fmt.Errorf("code out of range: %d (max %d)", code, maxCode)
	}

	return RawSample{
		Channel: ch,
		Code:    uint16(code),
	}, nil
}
