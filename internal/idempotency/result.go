package idempotency

import (
	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
)

// Outcome is the closed set of reservation results.
type Outcome string

const (
	OutcomeReserved Outcome = "reserved"
	OutcomeReplay   Outcome = "replay"
	OutcomeConflict Outcome = "conflict"
)

// ConflictReason distinguishes a reused key from a concurrent duplicate.
type ConflictReason string

const (
	ConflictFingerprintMismatch ConflictReason = "fingerprint_mismatch"
	ConflictInProgress          ConflictReason = "in_progress"
)

// Response is the stored outcome of a guarded action. Body is kept verbatim so
// a replay is byte-identical to the original.
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// Reservation identifies one lease on (Scope, Key). Token changes whenever an
// expired lease is taken over.
type Reservation struct {
	Scope string
	Key   string
	Token uuid.UUID
}

func (r Reservation) Valid() bool {
	return r.Scope != "" && r.Key != "" && r.Token != uuid.Nil
}

// Result is what Reserve observed. Reservation is set only for
// OutcomeReserved, Response only for OutcomeReplay and Reason only for
// OutcomeConflict.
type Result struct {
	Outcome     Outcome
	Reason      ConflictReason
	Reservation Reservation
	Response    *Response
}

// Processing reports whether the key is held by an unfinished attempt.
func (r Result) Processing() bool {
	return r.Outcome == OutcomeConflict && r.Reason == ConflictInProgress
}

// Err maps a conflict to the error a caller surfaces as a 4xx. Reserved and
// Replay return nil.
func (r Result) Err() error {
	if r.Outcome != OutcomeConflict {
		return nil
	}
	if r.Reason == ConflictFingerprintMismatch {
		return pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with a different request")
	}
	return pkgerrors.New(pkgerrors.CodeConflict, "request with this idempotency key is still processing").
		WithDetails(map[string]any{"processing": true})
}
