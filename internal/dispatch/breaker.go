// internal/dispatch/breaker.go
package dispatch

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

type serviceState struct {
	state               breakerState
	consecutiveFailures int
	openedAt            time.Time
}

// Breaker tracks consecutive delivery failures per service. After threshold
// failures the service is rejected until cooldown passes, then a single trial
// is let through.
type Breaker struct {
	mu        sync.Mutex
	states    map[string]*serviceState
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		states:    make(map[string]*serviceState),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

func (b *Breaker) Allow(service string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[service]
	if !ok {
		return nil
	}

	switch s.state {
	case stateOpen:
		if b.now().Sub(s.openedAt) >= b.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) RecordSuccess(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[service]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

func (b *Breaker) RecordFailure(service string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[service]
	if !ok {
		s = &serviceState{}
		b.states[service] = s
	}

	s.consecutiveFailures++
	if s.state == stateHalfOpen || s.consecutiveFailures >= b.threshold {
		s.state = stateOpen
		s.openedAt = b.now()
	}
}

// Open reports whether deliveries to service are currently being rejected.
func (b *Breaker) Open(service string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[service]
	return ok && s.state != stateClosed
}
