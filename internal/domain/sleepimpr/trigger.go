package sleepimpr

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// IdempotencyKey is unique per encounter so re-ingesting a visit never queues
// a second submission.
func IdempotencyKey(encounterID string) string {
	return ActionClaimsSubmit + ":" + encounterID
}

// Emitter queues claims.submit steps for delivered encounters.
type Emitter struct {
	sink   Sink
	logger zerolog.Logger
	now    func() time.Time
	newID  func() uuid.UUID
}

func NewEmitter(sink Sink, logger zerolog.Logger) *Emitter {
	return &Emitter{
		sink:   sink,
		logger: logger.With().Str("component", "trigger").Logger(),
		now:    time.Now,
		newID:  uuid.New,
	}
}

// NewClaimsSubmitStep builds the pending step for enc.
func NewClaimsSubmitStep(id uuid.UUID, enc *Encounter, now time.Time) *AutomationStep {
	return &AutomationStep{
		ID:             id,
		ActionType:     ActionClaimsSubmit,
		Status:         StepStatusPending,
		IdempotencyKey: IdempotencyKey(enc.EncounterID),
		EncounterID:    enc.EncounterID,
		Metadata: map[string]any{
			"encounter_id": enc.EncounterID,
			"patient_id":   enc.PatientID,
			"service_date": enc.ServiceDate.Format(DateLayout),
			"stage":        strPtrVal(enc.Stage),
			"source":       SourceTag,
			"source_file":  enc.SourceFile,
		},
		CreatedAt: now.UTC(),
	}
}

// MaybeEnqueue queues a claims.submit step when enc is at the Delivery stage.
// It reports whether a new step was written; an existing step for the same
// encounter is left untouched.
func (e *Emitter) MaybeEnqueue(ctx context.Context, enc *Encounter) (bool, error) {
	if enc == nil || !enc.IsDelivery() {
		return false, nil
	}
	step := NewClaimsSubmitStep(e.newID(), enc, e.now())
	inserted, err := e.sink.InsertOnce(ctx, TableAutomationSteps, step, "idempotency_key")
	if err != nil {
		return false, err
	}
	if inserted {
		e.logger.Info().Str("encounter_id", enc.EncounterID).Str("step_id", step.ID.String()).Msg("claims.submit queued")
	} else {
		e.logger.Debug().Str("encounter_id", enc.EncounterID).Msg("claims.submit already queued")
	}
	return inserted, nil
}
