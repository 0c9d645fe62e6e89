package webhooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	pkgerrors "github.com/angelmondragon/jobcore/pkg/errors"
)

// Handler applies the side effects of one inbound event.
type Handler func(ctx context.Context, payload []byte) error

// PayloadHash is the sha256 hex digest stored with each event.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Process claims eventID, runs fn and releases the claim with fn's result.
// A redelivery of an event that already reached a final state, or one racing a
// live holder, is a no-op that returns nil so the sender stops retrying.
func (s *Store) Process(ctx context.Context, source, eventID string, payload []byte, fn Handler) error {
	claim, err := s.Claim(ctx, source, eventID, PayloadHash(payload))
	if err != nil {
		return err
	}

	switch claim.Outcome {
	case AlreadyProcessed:
		if s.logg != nil {
			s.logg.Info(s.logg.WithFields(ctx, map[string]any{"event_id": eventID, "source": source}), "webhook.duplicate_ignored")
		}
		return nil
	case Locked:
		if s.logg != nil {
			s.logg.Info(s.logg.WithFields(ctx, map[string]any{"event_id": eventID, "source": source}), "webhook.duplicate_in_flight")
		}
		return nil
	}

	procErr := fn(ctx, payload)
	if releaseErr := s.Release(ctx, eventID, claim.LockToken, procErr); releaseErr != nil {
		if s.logg != nil {
			s.logg.Error(s.logg.WithField(ctx, "event_id", eventID), "webhook.release_failed", releaseErr)
		}
		return errors.Join(procErr, releaseErr)
	}
	if procErr != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, procErr, "webhook handler failed")
	}
	return nil
}
