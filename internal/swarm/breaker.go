package swarm

import (
	"errors"
	"sync"
	"time"
)

// ErrRelayUnavailable is returned while a relay's breaker is open
var ErrRelayUnavailable = errors.New("relay unavailable")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// BreakerOptions configures per-relay circuit breaking
type BreakerOptions struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

const (
	defaultFailureThreshold = 3
	defaultRecoveryTimeout  = 30 * time.Second
)

// breaker stops dialing a relay after consecutive transport failures and
// lets a single trial call through once RecoveryTimeout has passed
type breaker struct {
	state    breakerState
	failures int
	lastFail time.Time
	probing  bool
}

// breakers tracks one breaker per relay
type breakers struct {
	opts  BreakerOptions
	now   func() time.Time
	mu    sync.Mutex
	peers map[string]*breaker
}

func newBreakers(opts BreakerOptions) *breakers {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = defaultRecoveryTimeout
	}
	return &breakers{
		opts:  opts,
		now:   time.Now,
		peers: make(map[string]*breaker),
	}
}

// allow reports whether relay may be dialed now
func (b *breakers) allow(relay string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	br, ok := b.peers[relay]
	if !ok {
		return true
	}

	switch br.state {
	case breakerOpen:
		if b.now().Sub(br.lastFail) < b.opts.RecoveryTimeout {
			return false
		}
		br.state = breakerHalfOpen
		br.probing = true
		return true
	case breakerHalfOpen:
		if br.probing {
			return false
		}
		br.probing = true
		return true
	default:
		return true
	}
}

func (b *breakers) success(relay string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.peers, relay)
}

// release gives back a trial call that ended without an answer, such as one the
// caller canceled. The breaker stays open and the next caller may try.
func (b *breakers) release(relay string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br, ok := b.peers[relay]
	if !ok || br.state != breakerHalfOpen {
		return
	}
	br.state = breakerOpen
	br.probing = false
}

func (b *breakers) failure(relay string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br, ok := b.peers[relay]
	if !ok {
		br = &breaker{}
		b.peers[relay] = br
	}

	br.lastFail = b.now()
	br.probing = false

	switch br.state {
	case breakerClosed:
		br.failures++
		if br.failures >= b.opts.FailureThreshold {
			br.state = breakerOpen
		}
	case breakerHalfOpen:
		br.state = breakerOpen
	}
}
