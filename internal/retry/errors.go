package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/angelmondragon/jobcore/pkg/db"
	"github.com/angelmondragon/jobcore/pkg/enums"
	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
)

// Kind is the closed error taxonomy the policy decides on.
type Kind string

const (
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
	KindCancelled Kind = "cancelled"
)

// Classifier maps a handler error to a Kind. Implementations must look at
// typed values only, never at message text.
type Classifier func(error) Kind

// Error carries an explicit classification chosen by the code that failed.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent marks err as never retryable. reason is recorded with the dead letter.
func Permanent(reason string, err error) error {
	return &Error{Kind: KindPermanent, Reason: reason, Err: err}
}

// Cancelled marks a deliberately cancelled job.
func Cancelled(err error) error {
	return &Error{Kind: KindCancelled, Err: err}
}

// DefaultClassifier honours explicit *Error values, then the pkg/errors code
// table, then context sentinels, then driver error codes. Driver errors that
// are not transient (constraint violations, bad SQL) are permanent. Unknown
// errors are transient.
func DefaultClassifier(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	if coded := pkgerrors.As(err); coded != nil {
		if pkgerrors.MetadataFor(coded.Code()).Retryable {
			return KindTransient
		}
		return KindPermanent
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if db.IsTransient(err) {
		return KindTransient
	}
	if db.IsUniqueViolation(err) || db.IsDriverError(err) {
		return KindPermanent
	}
	return KindTransient
}

func reasonFor(kind Kind) enums.DeadLetterReason {
	switch kind {
	case KindPermanent:
		return enums.DeadLetterReasonPermanent
	case KindCancelled:
		return enums.DeadLetterReasonCancelled
	}
	return enums.DeadLetterReasonMaxAttempts
}
