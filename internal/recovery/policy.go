package recovery

import (
	"math"
	"time"

	"github.com/fyrsmithlabs/sentinel/internal/queue"
)

// Backoff selects how the delay before a retry grows.
type Backoff string

const (
	BackoffNone        Backoff = "none"
	BackoffExponential Backoff = "exponential"
	BackoffProvided    Backoff = "provided"
	BackoffExtend      Backoff = "extend_timeout"
	BackoffFixed       Backoff = "fixed"
	BackoffImmediate   Backoff = "immediate"
)

// Exhaustion is what happens when a category gives up retrying.
type Exhaustion string

const (
	OnExhaustEnqueue  Exhaustion = "enqueue"
	OnExhaustPause    Exhaustion = "pause"
	OnExhaustBlock    Exhaustion = "block"
	OnExhaustEscalate Exhaustion = "escalate"
	// OnExhaustEscalateRepeat escalates once the category has failed
	// RepeatThreshold times in total, and enqueues before that.
	OnExhaustEscalateRepeat Exhaustion = "escalate_on_repeat"
)

// Policy is the recovery policy for one category.
type Policy struct {
	Category     Category
	Backoff      Backoff
	Base         time.Duration
	Cap          time.Duration
	Multiplier   float64
	MaxRetries   int
	OnExhaustion Exhaustion
	// Priority of the work item raised on exhaustion, when one is raised.
	Priority        queue.Priority
	RepeatThreshold int
}

// AutoRetry reports whether the category retries at all.
func (p Policy) AutoRetry() bool {
	return p.MaxRetries > 0
}

// Delay returns the wait before retry number attempt (1-based). provided
// is a server-supplied delay and only applies to BackoffProvided.
func (p Policy) Delay(attempt int, provided time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Backoff {
	case BackoffExponential:
		d = p.exponential(attempt)
	case BackoffProvided:
		if provided > 0 {
			return provided
		}
		d = p.exponential(attempt)
	case BackoffFixed:
		d = p.Base
	default:
		return 0
	}
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d
}

// TimeoutMultiplier returns the factor to stretch the operation's timeout
// by on retry number attempt. It is 1 for every backoff but extend_timeout.
func (p Policy) TimeoutMultiplier(attempt int) float64 {
	if p.Backoff != BackoffExtend || attempt < 1 {
		return 1
	}
	return math.Pow(p.Multiplier, float64(attempt))
}

func (p Policy) exponential(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	return time.Duration(float64(p.Base) * math.Pow(mult, float64(attempt-1)))
}

// DefaultPolicies returns the built-in policy table.
func DefaultPolicies() map[Category]Policy {
	return map[Category]Policy{
		Network: {
			Category: Network, Backoff: BackoffExponential,
			Base: 2 * time.Second, Cap: 60 * time.Second, Multiplier: 2,
			MaxRetries: 3, OnExhaustion: OnExhaustEnqueue, Priority: queue.S1,
		},
		RateLimit: {
			Category: RateLimit, Backoff: BackoffProvided,
			Base: 60 * time.Second, Multiplier: 2,
			MaxRetries: 3, OnExhaustion: OnExhaustPause, Priority: queue.S1,
		},
		Timeout: {
			Category: Timeout, Backoff: BackoffExtend, Multiplier: 1.5,
			MaxRetries: 2, OnExhaustion: OnExhaustEnqueue, Priority: queue.S1,
		},
		Syntax: {
			Category: Syntax, Backoff: BackoffNone,
			OnExhaustion: OnExhaustEnqueue, Priority: queue.S0,
		},
		Permission: {
			Category: Permission, Backoff: BackoffNone,
			OnExhaustion: OnExhaustEscalate, Priority: queue.S0,
		},
		Resource: {
			Category: Resource, Backoff: BackoffFixed, Base: 30 * time.Second,
			MaxRetries: 2, OnExhaustion: OnExhaustEscalate, Priority: queue.S1,
		},
		Validation: {
			Category: Validation, Backoff: BackoffNone,
			OnExhaustion: OnExhaustEnqueue, Priority: queue.S1,
		},
		External: {
			Category: External, Backoff: BackoffExponential,
			Base: 10 * time.Second, Cap: 120 * time.Second, Multiplier: 2,
			MaxRetries: 2, OnExhaustion: OnExhaustBlock, Priority: queue.S1,
		},
		Unknown: {
			Category: Unknown, Backoff: BackoffImmediate,
			MaxRetries: 1, OnExhaustion: OnExhaustEscalateRepeat, Priority: queue.S2,
			RepeatThreshold: 3,
		},
	}
}
