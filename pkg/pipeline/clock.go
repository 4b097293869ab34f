package pipeline

import "time"

// Clock supplies the current time to the sampling tier.
type Clock interface {
	Now() time.Time
}

// Trigger delivers the sampling ticks.
type Trigger interface {
	C() <-chan time.Time
	Stop()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock (monotonic reading included).
func SystemClock() Clock { return systemClock{} }

type tickerTrigger struct {
	t *time.Ticker
}

// NewTicker returns a Trigger firing every period.
func NewTicker(period time.Duration) Trigger {
	return &tickerTrigger{t: time.NewTicker(period)}
}

func (t *tickerTrigger) C() <-chan time.Time { return t.t.C }
func (t *tickerTrigger) Stop()               { t.t.Stop() }
