package retry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/angelmondragon/jobcore/pkg/enums"
)

// Action is what the coordinator does with a failed delivery.
type Action string

const (
	ActionRetry      Action = "retry"
	ActionDeadLetter Action = "dead_letter"
)

// Decision is the outcome of Decide. Delay is set for ActionRetry and Reason
// for ActionDeadLetter.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason enums.DeadLetterReason
	Kind   Kind
	Error  string
}

// Policy computes exponential backoff capped at Cap with multiplicative jitter
// drawn from [0.5, 1.5].
type Policy struct {
	Base time.Duration
	Cap  time.Duration
	// Jitter returns a value in [0, 1). Defaults to math/rand.
	Jitter func() float64
}

func DefaultPolicy() Policy {
	return Policy{Base: time.Second, Cap: 5 * time.Minute}
}

// Delay is the jitter-free delay for attempt: min(Cap, Base*2^attempt).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.Base) * math.Pow(2, float64(attempt))
	if delay > float64(p.Cap) || math.IsInf(delay, 1) {
		return p.Cap
	}
	return time.Duration(delay)
}

// Backoff applies jitter to Delay and clamps the result to Cap.
func (p Policy) Backoff(attempt int) time.Duration {
	jitter := rand.Float64
	if p.Jitter != nil {
		jitter = p.Jitter
	}
	factor := 0.5 + jitter()
	delay := time.Duration(float64(p.Delay(attempt)) * factor)
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}

// NextAttemptTime is now plus Backoff(attempt).
func (p Policy) NextAttemptTime(now time.Time, attempt int) time.Time {
	return now.Add(p.Backoff(attempt))
}

// Decide picks retry or dead-letter for a job that failed on its
// attemptCount-th delivery. Permanent and cancelled errors dead-letter
// regardless of attempts left.
func (p Policy) Decide(attemptCount, maxAttempts int, err error, classify Classifier) Decision {
	if classify == nil {
		classify = DefaultClassifier
	}
	kind := classify(err)
	message := ""
	if err != nil {
		message = err.Error()
	}

	if kind == KindTransient && attemptCount < maxAttempts {
		return Decision{
			Action: ActionRetry,
			Delay:  p.Backoff(attemptCount),
			Kind:   kind,
			Error:  message,
		}
	}
	return Decision{
		Action: ActionDeadLetter,
		Reason: reasonFor(kind),
		Kind:   kind,
		Error:  message,
	}
}
