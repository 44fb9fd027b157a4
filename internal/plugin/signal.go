package plugin

import (
	"context"
	"sync"
)

// Signal fires once. Waiting after it fired returns immediately.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal creates an unfired signal
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Fire fires the signal. Later calls do nothing.
func (s *Signal) Fire() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// Done is closed once the signal fired
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Fired reports whether the signal fired
func (s *Signal) Fired() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the signal fires or ctx ends
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signals are the relay lifecycle events plugins may wait on
type Signals struct {
	PluginsLoaded *Signal
	Shutdown      *Signal
}

// NewSignals creates unfired lifecycle signals
func NewSignals() *Signals {
	return &Signals{
		PluginsLoaded: NewSignal(),
		Shutdown:      NewSignal(),
	}
}
