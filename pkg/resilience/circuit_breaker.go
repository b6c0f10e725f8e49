package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned instead of gobreaker's own open/half-open errors.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker wraps sony/gobreaker for calls into external collaborators
// such as tag servers and historians.
type CircuitBreaker struct {
	cb   *gobreaker.CircuitBreaker
	name string
}

type CircuitBreakerConfig struct {
	Name          string
	MaxRequests   uint32        // Max requests in half-open state
	Interval      time.Duration // Cyclic period for clearing counts
	Timeout       time.Duration // Period of open state before half-open
	FailureRatio  float64       // Failure ratio to trip the breaker
	MinRequests   uint32        // Minimum requests before evaluating
	IsSuccessful  func(err error) bool
	OnStateChange func(name string, from, to gobreaker.State)
}

func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:         name,
		MaxRequests:  3,
		Interval:     30 * time.Second,
		Timeout:      10 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	isSuccessful := cfg.IsSuccessful
	if isSuccessful == nil {
		// Caller cancellation says nothing about the collaborator's health.
		isSuccessful = func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		}
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureRatio
		},
		IsSuccessful:  isSuccessful,
		OnStateChange: cfg.OnStateChange,
	}

	return &CircuitBreaker{
		cb:   gobreaker.NewCircuitBreaker(settings),
		name: cfg.Name,
	}
}

// ExecuteWithContext runs fn under breaker protection. Open-state rejections
// are reported as ErrCircuitOpen.
func (c *CircuitBreaker) ExecuteWithContext(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	result, err := c.cb.Execute(func() (interface{}, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	return result, err
}

func (c *CircuitBreaker) State() gobreaker.State {
	return c.cb.State()
}

func (c *CircuitBreaker) Name() string {
	return c.name
}

// CircuitBreakerRegistry hands out one breaker per name.
type CircuitBreakerRegistry struct {
	breakers map[string]*CircuitBreaker
	mu       sync.RWMutex
	config   CircuitBreakerConfig
}

func NewCircuitBreakerRegistry(defaultConfig CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   defaultConfig,
	}
}

// Get returns a circuit breaker by name, creating one if it doesn't exist
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	cfg := r.config
	cfg.Name = name
	cb = NewCircuitBreaker(cfg)
	r.breakers[name] = cb

	return cb
}

// States returns the state name of every breaker, for health reporting.
func (r *CircuitBreakerRegistry) States() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State().String()
	}
	return states
}
