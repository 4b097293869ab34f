package heartbeat

import (
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Systemd reports readiness to systemd and pings the watchdog while the
// pipeline makes progress. A stalled pipeline stops the pings so systemd
// can restart the service.
type Systemd struct {
	watchdog time.Duration
	status   string
	notify   func(state string) (bool, error)
}

// NewSystemd sends READY=1. It is a no-op outside systemd.
func NewSystemd() (*Systemd, error) {
	watchdog, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return nil, fmt.Errorf("query systemd watchdog: %w", err)
	}
	return newSystemd(watchdog, func(state string) (bool, error) {
		return daemon.SdNotify(false, state)
	})
}

func newSystemd(watchdog time.Duration, notify func(string) (bool, error)) (*Systemd, error) {
	s := &Systemd{
		watchdog: watchdog,
		notify:   notify,
	}
	if _, err := s.notify(daemon.SdNotifyReady); err != nil {
		return nil, fmt.Errorf("notify ready: %w", err)
	}
	return s, nil
}

// WatchdogInterval returns the systemd watchdog timeout, zero if disabled.
// The heartbeat interval should be at most half of it.
func (s *Systemd) WatchdogInterval() time.Duration {
	return s.watchdog
}

// Beat pings the watchdog on progress and publishes a status line.
func (s *Systemd) Beat(h Health) error {
	status := "STATUS=metering"
	switch {
	case !h.Progress:
		status = "STATUS=stalled"
	case h.Faulted:
		status = "STATUS=metering (faults recorded)"
	}
	if status != s.status {
		if _, err := s.notify(status); err != nil {
			return err
		}
		s.status = status
	}

	if s.watchdog == 0 || !h.Progress {
		return nil
	}
	_, err := s.notify(daemon.SdNotifyWatchdog)
	return err
}

// Close sends STOPPING=1.
func (s *Systemd) Close() error {
	_, err := s.notify(daemon.SdNotifyStopping)
	return err
}
