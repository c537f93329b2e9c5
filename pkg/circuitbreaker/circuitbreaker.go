package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without running the call while the breaker is open
var ErrOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// consecutive failures that open the breaker
	FailureThreshold int
	// how long the breaker stays open before one trial call is let through
	OpenTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Breaker stops calling a failing dependency for a while. In half-open
// state a single trial call decides whether it closes again.
type Breaker struct {
	config Config
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	onStateChange func(from, to State)
}

func New(config Config) *Breaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 1
	}
	return &Breaker{config: config, now: time.Now}
}

// OnStateChange registers fn, called synchronously on every transition
func (b *Breaker) OnStateChange(fn func(from, to State)) {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
}

// Do runs fn unless the breaker is open
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.OpenTimeout {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if err != nil {
			b.open()
		} else {
			b.failures = 0
			b.transition(StateClosed)
		}
		return
	}

	if err == nil {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.config.FailureThreshold {
		b.open()
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(StateOpen)
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
