package resilience

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState is the state of one provider's circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls immediately after repeated failures.
	CircuitOpen
	// CircuitHalfOpen admits a single probe call to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a provider call is rejected because its
// circuit is open. It classifies as a connection error, so rejected tasks
// remain retryable.
var ErrCircuitOpen = NewProviderError(KindConnectionError, eris.New("provider circuit is open"))

// BreakerConfig controls circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive tripping failures before
	// the circuit opens. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before admitting a
	// probe. Default: 30s.
	ResetTimeout time.Duration
}

// DefaultBreakerConfig returns sensible defaults for provider calls.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker is a circuit breaker guarding one provider. Only retryable failure
// kinds count toward the threshold: an auth or validation error means the
// request was bad, not that the provider is down.
type Breaker struct {
	cfg BreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewBreaker creates a circuit breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Allow reports whether a call may proceed, returning ErrCircuitOpen when the
// circuit is open and the reset timeout has not elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen {
		if b.nowFunc().Sub(b.lastFailureTime) < b.cfg.ResetTimeout {
			return ErrCircuitOpen
		}
		b.state = CircuitHalfOpen
	}
	return nil
}

// Record feeds a call outcome back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !Classify(err).Retryable() {
		b.consecutiveFailures = 0
		b.state = CircuitClosed
		return
	}

	b.consecutiveFailures++
	b.lastFailureTime = b.nowFunc()

	switch b.state {
	case CircuitHalfOpen:
		// A failed probe reopens immediately.
		b.state = CircuitOpen
	case CircuitClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = CircuitOpen
		}
	}
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.nowFunc().Sub(b.lastFailureTime) >= b.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return b.state
}

// ProviderBreakers manages one circuit breaker per provider id.
type ProviderBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

// NewProviderBreakers creates a registry of per-provider circuit breakers.
func NewProviderBreakers(cfg BreakerConfig) *ProviderBreakers {
	return &ProviderBreakers{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for a provider, creating one if needed.
func (pb *ProviderBreakers) Get(provider string) *Breaker {
	pb.mu.RLock()
	b, ok := pb.breakers[provider]
	pb.mu.RUnlock()
	if ok {
		return b
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	if b, ok = pb.breakers[provider]; ok {
		return b
	}
	b = NewBreaker(pb.cfg)
	pb.breakers[provider] = b
	return b
}

// States returns a snapshot of all breaker states keyed by provider id.
func (pb *ProviderBreakers) States() map[string]CircuitState {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	states := make(map[string]CircuitState, len(pb.breakers))
	for name, b := range pb.breakers {
		states[name] = b.State()
	}
	return states
}
