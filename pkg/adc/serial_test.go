package adc

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    RawSample
		wantErr bool
	}{
		{
			name: "valid line",
			line: "3,2048",
			want: RawSample{Channel: 3, Code: 2048},
		},
		{
			name: "valid line - spaces",
			line: " 14 , 7 ",
			want: RawSample{Channel: 14, Code: 7},
		},
		{
			name: "valid line - max code",
			line: "0,2047",
			want: RawSample{Channel: 0, Code: 2047},
		},
		{
			name:    "invalid - missing code",
			line:    "3",
			wantErr: true,
		},
		{
			name:    "invalid - too many fields",
			line:    "3,2048,1",
			wantErr: true,
		},
		{
			name:    "invalid - non-numeric channel",
			line:    "a,2048",
			wantErr: true,
		},
		{
			name:    "invalid - negative channel",
			line:    "-1,2048",
			wantErr: true,
		},
		{
			name:    "invalid - non-numeric code",
			line:    "3,abc",
			wantErr: true,
		},
		{
			name:    "invalid - code above 11 bits",
			line:    "3,4000",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLine(tt.line, 2047)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Channel, got.Channel)
			assert.Equal(t, tt.want.Code, got.Code)
		})
	}
}

func TestNewSerial(t *testing.T) {
	dev := NewSerial("/dev/ttyACM0", 57600, 100, 12)
	assert.NotNil(t, dev)
	assert.Equal(t, "/dev/ttyACM0", dev.port)
	assert.Equal(t, 57600, dev.baudRate)
	assert.Equal(t, 100, dev.bufSize)
	assert.Equal(t, uint64(4095), dev.maxCode)
	assert.False(t, dev.IsConnected())

	_, ok := dev.Read()
	assert.False(t, ok, "no samples before Connect")
}

func TestNewSerial_Defaults(t *testing.T) {
	dev := NewSerial("/dev/ttyACM0", 0, 0, 0)
	assert.NotNil(t, dev)
	assert.Equal(t, DefaultBaudRate, dev.baudRate)
	assert.Equal(t, DefaultBufferSize, dev.bufSize)
	assert.Equal(t, uint64(65535), dev.maxCode)
}

// readAll polls the source until n samples arrive or the timeout expires.
func readAll(t *testing.T, src Source, n int) []RawSample {
	t.Helper()
	var out []RawSample
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < n && time.Now().Before(deadline) {
		if s, ok := src.Read(); ok {
			out = append(out, s)
			continue
		}
		time.Sleep(time.Millisecond)
	}
	return out
}

func TestSerial_ReadsLines(t *testing.T) {
	dev := NewSerial("test", 0, 16, 11)
	input := "# header\n0,100\n\n1,200\nbogus\n2,300\r\n3,9999\n"

	dev.mu.Lock()
	dev.attach(io.NopCloser(strings.NewReader(input)))
	dev.mu.Unlock()
	assert.True(t, dev.IsConnected())

	samples := readAll(t, dev, 3)
	require.Len(t, samples, 3)
	assert.Equal(t, 0, samples[0].Channel)
	assert.Equal(t, uint16(100), samples[0].Code)
	assert.Equal(t, 1, samples[1].Channel)
	assert.Equal(t, uint16(300), samples[2].Code)
	assert.False(t, samples[2].Timestamp.IsZero())

	require.NoError(t, dev.Close())
	assert.Equal(t, uint64(2), dev.ParseErrors())
	assert.False(t, dev.IsConnected())
}

func TestSerial_DropsWhenFull(t *testing.T) {
	dev := NewSerial("test", 0, 2, 11)
	input := "0,1\n1,2\n2,3\n3,4\n4,5\n"

	dev.mu.Lock()
	dev.attach(io.NopCloser(strings.NewReader(input)))
	done := dev.done
	dev.mu.Unlock()

	// Wait for the reader to hit EOF.
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not finish")
	}

	samples := readAll(t, dev, 5)
	assert.Len(t, samples, 2)
	assert.Equal(t, uint64(3), dev.Dropped())
	require.NoError(t, dev.Close())
}

// TestSerial_GracefulShutdown tests that Close stops a reader blocked on the port.
func TestSerial_GracefulShutdown(t *testing.T) {
	r, w := io.Pipe()
	dev := NewSerial("test", 0, 16, 11)

	dev.mu.Lock()
	dev.attach(r)
	dev.mu.Unlock()

	_, err := w.Write([]byte("5,42\n"))
	require.NoError(t, err)
	samples := readAll(t, dev, 1)
	require.Len(t, samples, 1)
	assert.Equal(t, 5, samples[0].Channel)

	closed := make(chan error, 1)
	go func() { closed <- dev.Close() }()

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return within timeout")
	}

	_, ok := dev.Read()
	assert.False(t, ok)
	assert.NoError(t, dev.Close(), "second Close is a no-op")
}
