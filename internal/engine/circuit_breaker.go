package engine

import (
	"sync"
	"time"

	"github.com/rendis/automata/pkg/schema"
)

// BreakerState is the state of one action breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures the action breakers. A zero FailureThreshold disables them.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

type breaker struct {
	state         BreakerState
	failures      int
	openedAt      time.Time
	trialInFlight bool
}

// ActionBreakers trips per (organization, action) so one tenant's failing
// integration never blocks another tenant's calls to the same action.
type ActionBreakers struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*breaker
	now      func() time.Time
}

// NewActionBreakers creates the breaker set.
func NewActionBreakers(cfg BreakerConfig) *ActionBreakers {
	return &ActionBreakers{
		config:   cfg,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

func breakerKey(organizationID, action string) string {
	return organizationID + "/" + action
}

// Allow returns nil when a call may proceed. While open it returns a retryable
// ACTION_EXECUTION_ERROR; after the cooldown one trial call is let through.
func (r *ActionBreakers) Allow(organizationID, action string) error {
	if r == nil || r.config.FailureThreshold <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(organizationID, action)
	switch b.state {
	case BreakerOpen:
		if r.now().Sub(b.openedAt) < r.config.Cooldown {
			return schema.NewErrorf(schema.ErrCodeActionExecution,
				"action %q is failing repeatedly (%d consecutive failures); calls paused", action, b.failures).
				WithDetails(map[string]any{"action": action, "breaker": b.state.String()})
		}
		b.state = BreakerHalfOpen
		b.trialInFlight = true
		return nil
	case BreakerHalfOpen:
		if b.trialInFlight {
			return schema.NewErrorf(schema.ErrCodeActionExecution, "action %q is on a trial call; calls paused", action)
		}
		b.trialInFlight = true
	}
	return nil
}

// Success closes the breaker.
func (r *ActionBreakers) Success(organizationID, action string) {
	if r == nil || r.config.FailureThreshold <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(organizationID, action)
	*b = breaker{state: BreakerClosed}
}

// Failure counts a failed call and returns the resulting state.
func (r *ActionBreakers) Failure(organizationID, action string) BreakerState {
	if r == nil || r.config.FailureThreshold <= 0 {
		return BreakerClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(organizationID, action)
	b.failures++
	b.trialInFlight = false
	if b.state == BreakerHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = BreakerOpen
		b.openedAt = r.now()
	}
	return b.state
}

// State returns the current state of a breaker.
func (r *ActionBreakers) State(organizationID, action string) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(organizationID, action).state
}

func (r *ActionBreakers) get(organizationID, action string) *breaker {
	key := breakerKey(organizationID, action)
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{}
		r.breakers[key] = b
	}
	return b
}
