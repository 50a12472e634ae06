// Package breaker provides per-operation circuit breakers. State is
// process-local: each instance degrades independently, there is no
// cross-instance coordination.
package breaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fansvoice/backend/internal/apperr"
)

// State of a single breaker.
type State string

const (
	StateClosed   State = "Closed"
	StateOpen     State = "Open"
	StateHalfOpen State = "HalfOpen"
)

const (
	// DefaultThreshold is the number of consecutive failures that opens a breaker.
	DefaultThreshold = 3
	// DefaultBreakDuration is how long an open breaker rejects calls before probing.
	DefaultBreakDuration = 30 * time.Second
)

// Policy configures a breaker for one operation key.
type Policy struct {
	Threshold     int
	BreakDuration time.Duration
}

// Metrics is a point-in-time view of one breaker.
type Metrics struct {
	OperationKey    string        `json:"operation_key"`
	State           State         `json:"state"`
	FailureCount    int           `json:"failure_count"`
	LastFailureTime *time.Time    `json:"last_failure_time,omitempty"`
	LastSuccessTime *time.Time    `json:"last_success_time,omitempty"`
	Threshold       int           `json:"threshold"`
	BreakDuration   time.Duration `json:"break_duration"`
}

type breakerState struct {
	state        State
	failureCount int
	lastFailure  *time.Time
	lastSuccess  *time.Time
	policy       Policy
	// probing marks the single admitted half-open trial call.
	probing bool
}

// Registry owns the operation key -> breaker mapping. It must be constructed
// in main and injected; there is no package-level instance.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*breakerState
	defaults Policy
	logger   *zap.Logger
	now      func() time.Time
}

// NewRegistry creates a breaker registry with the default policy.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers: make(map[string]*breakerState),
		defaults: Policy{Threshold: DefaultThreshold, BreakDuration: DefaultBreakDuration},
		logger:   logger,
		now:      time.Now,
	}
}

// SetDefaults replaces the default policy applied to operation keys that
// have no explicit override. Zero fields keep the built-in defaults.
func (r *Registry) SetDefaults(p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Threshold > 0 {
		r.defaults.Threshold = p.Threshold
	}
	if p.BreakDuration > 0 {
		r.defaults.BreakDuration = p.BreakDuration
	}
}

// SetPolicy overrides the policy for one operation key.
func (r *Registry) SetPolicy(operationKey string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(operationKey)
	if p.Threshold > 0 {
		b.policy.Threshold = p.Threshold
	}
	if p.BreakDuration > 0 {
		b.policy.BreakDuration = p.BreakDuration
	}
	r.logger.Info("circuit breaker policy set",
		zap.String("operation_key", operationKey),
		zap.Int("threshold", b.policy.Threshold),
		zap.Duration("break_duration", b.policy.BreakDuration),
	)
}

// locked; creates the breaker on first use.
func (r *Registry) get(operationKey string) *breakerState {
	b, ok := r.breakers[operationKey]
	if !ok {
		b = &breakerState{state: StateClosed, policy: r.defaults}
		r.breakers[operationKey] = b
	}
	return b
}

// Do runs fn under the breaker for operationKey. While the breaker is open
// and the break duration has not elapsed, Do fails immediately with a
// CircuitOpen error without invoking fn. After the break elapses exactly one
// caller is admitted as the half-open trial; its outcome closes or reopens
// the breaker.
func (r *Registry) Do(ctx context.Context, operationKey string, fn func(ctx context.Context) error) error {
	if err := r.admit(operationKey); err != nil {
		return err
	}

	err := fn(ctx)
	r.record(operationKey, err)
	return err
}

func (r *Registry) admit(operationKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(operationKey)
	switch b.state {
	case StateOpen:
		if b.lastFailure == nil || r.now().Sub(*b.lastFailure) < b.policy.BreakDuration {
			return apperr.CircuitOpen(operationKey)
		}
		// This caller becomes the half-open trial.
		b.state = StateHalfOpen
		b.probing = true
		r.logger.Info("circuit breaker half-open", zap.String("operation_key", operationKey))
	case StateHalfOpen:
		if b.probing {
			return apperr.CircuitOpen(operationKey)
		}
		b.probing = true
	}
	return nil
}

func (r *Registry) record(operationKey string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(operationKey)
	now := r.now()
	if err == nil {
		if b.state == StateHalfOpen {
			r.logger.Info("circuit breaker closed after successful probe", zap.String("operation_key", operationKey))
		}
		b.state = StateClosed
		b.failureCount = 0
		b.lastSuccess = &now
		b.probing = false
		return
	}

	b.failureCount++
	b.lastFailure = &now
	b.probing = false
	if b.state == StateHalfOpen || b.failureCount >= b.policy.Threshold {
		b.state = StateOpen
		r.logger.Warn("circuit breaker opened",
			zap.String("operation_key", operationKey),
			zap.Int("failure_count", b.failureCount),
			zap.Error(err),
		)
	}
}

// Metrics returns the state of a breaker, or nil if the key is unknown.
func (r *Registry) Metrics(operationKey string) *Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[operationKey]
	if !ok {
		return nil
	}
	return &Metrics{
		OperationKey:    operationKey,
		State:           b.state,
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailure,
		LastSuccessTime: b.lastSuccess,
		Threshold:       b.policy.Threshold,
		BreakDuration:   b.policy.BreakDuration,
	}
}

// Reset closes a breaker and clears its failure history.
func (r *Registry) Reset(operationKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[operationKey]; ok {
		b.state = StateClosed
		b.failureCount = 0
		b.lastFailure = nil
		b.probing = false
		r.logger.Info("circuit breaker reset", zap.String("operation_key", operationKey))
	}
}
