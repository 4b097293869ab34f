package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/goemon/pkg/pipeline"
)

type fakeBeat struct {
	mu     sync.Mutex
	beats  []Health
	closed bool
	err    error
}

func (b *fakeBeat) Beat(h Health) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.beats = append(b.beats, h)
	return b.err
}

func (b *fakeBeat) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *fakeBeat) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.beats)
}

func TestRun(t *testing.T) {
	ok := &fakeBeat{}
	failing := &fakeBeat{err: errors.New("gpio")}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, 2*time.Millisecond, func() Health { return Health{Progress: true} }, ok, failing)
	}()

	require.Eventually(t, func() bool { return ok.count() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop")
	}
	assert.True(t, ok.closed)
	assert.True(t, failing.closed)
	assert.GreaterOrEqual(t, failing.count(), 3)
	assert.True(t, ok.beats[0].Progress)
}

func TestRun_InvalidInterval(t *testing.T) {
	err := Run(context.Background(), 0, func() Health { return Health{} })
	assert.Error(t, err)
}

func TestFromStats(t *testing.T) {
	var st pipeline.Stats
	probe := FromStats(func() pipeline.Stats { return st })

	assert.Equal(t, Health{}, probe())

	st.FramesProcessed = 5
	assert.Equal(t, Health{Progress: true}, probe())
	assert.Equal(t, Health{}, probe())

	st.FramesProcessed = 6
	st.FrameDrops = 1
	assert.Equal(t, Health{Progress: true, Faulted: true}, probe())
	assert.Equal(t, Health{Faulted: true}, probe())
}

type fakePin struct {
	on      bool
	toggles int
}

func (p *fakePin) High() { p.on = true }
func (p *fakePin) Low()  { p.on = false }
func (p *fakePin) Toggle() {
	p.on = !p.on
	p.toggles++
}

func TestLED(t *testing.T) {
	p := &fakePin{}
	led := &LED{pin: p}

	require.NoError(t, led.Beat(Health{Progress: true}))
	assert.True(t, p.on)
	require.NoError(t, led.Beat(Health{Progress: true}))
	assert.False(t, p.on)
	assert.Equal(t, 2, p.toggles)

	require.NoError(t, led.Beat(Health{Progress: true, Faulted: true}))
	assert.True(t, p.on)
	require.NoError(t, led.Beat(Health{Progress: true, Faulted: true}))
	assert.True(t, p.on)
	assert.Equal(t, 2, p.toggles)

	require.NoError(t, led.Beat(Health{}))
	assert.False(t, p.on)

	p.on = true
	require.NoError(t, led.Close())
	assert.False(t, p.on)
}

func TestSystemd(t *testing.T) {
	var sent []string
	notify := func(state string) (bool, error) {
		sent = append(sent, state)
		return true, nil
	}

	s, err := newSystemd(10*time.Second, notify)
	require.NoError(t, err)
	assert.Equal(t, []string{daemon.SdNotifyReady}, sent)
	assert.Equal(t, 10*time.Second, s.WatchdogInterval())

	sent = nil
	require.NoError(t, s.Beat(Health{Progress: true}))
	require.NoError(t, s.Beat(Health{Progress: true}))
	assert.Equal(t, []string{"STATUS=metering", daemon.SdNotifyWatchdog, daemon.SdNotifyWatchdog}, sent)

	sent = nil
	require.NoError(t, s.Beat(Health{}))
	assert.Equal(t, []string{"STATUS=stalled"}, sent)

	sent = nil
	require.NoError(t, s.Close())
	assert.Equal(t, []string{daemon.SdNotifyStopping}, sent)
}

func TestSystemd_WatchdogDisabled(t *testing.T) {
	var sent []string
	s, err := newSystemd(0, func(state string) (bool, error) {
		sent = append(sent, state)
		return false, nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Beat(Health{Progress: true, Faulted: true}))
	assert.Equal(t, []string{daemon.SdNotifyReady, "STATUS=metering (faults recorded)"}, sent)
}

func TestSystemd_NotifyError(t *testing.T) {
	_, err := newSystemd(0, func(string) (bool, error) { return false, errors.New("socket") })
	assert.Error(t, err)
}
