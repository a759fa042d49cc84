package app

import "time"

// Ticker abstracts the cycle clock so tests can drive cycles by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// intervalTicker wraps time.Ticker.
type intervalTicker struct {
	t *time.Ticker
}

func NewIntervalTicker(d time.Duration) Ticker {
	return &intervalTicker{t: time.NewTicker(d)}
}

func (i *intervalTicker) C() <-chan time.Time { return i.t.C }
func (i *intervalTicker) Stop()               { i.t.Stop() }

// ManualTicker fires only when Fire is called. For tests.
type ManualTicker struct {
	ch chan time.Time
}

func NewManualTicker() *ManualTicker {
	return &ManualTicker{ch: make(chan time.Time, 1)}
}

func (m *ManualTicker) C() <-chan time.Time { return m.ch }
func (m *ManualTicker) Stop()               {}

// Fire triggers one tick, blocking until the scheduler picks it up or the
// buffer accepts it.
func (m *ManualTicker) Fire() { m.ch <- time.Now() }
