package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/makeasinger/kiemusic/internal/service"
)

// Submitter is the part of GenerationService the worker drives
type Submitter interface {
	StartSubmission(ctx context.Context, id int64) error
}

// SubmitWorker processes queued submissions
type SubmitWorker struct {
	submitter Submitter
}

// NewSubmitWorker creates a new submit worker
func NewSubmitWorker(s Submitter) *SubmitWorker {
	return &SubmitWorker{submitter: s}
}

// ProcessTask handles generation:submit tasks. Storage failures before the
// provider call are returned so asynq retries them. A malformed payload or a
// task the provider already accepted is never retried.
func (w *SubmitWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload service.SubmitPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	log.Info().Int64("generation_id", payload.GenerationID).Msg("processing submission")
	return w.submitter.StartSubmission(ctx, payload.GenerationID)
}
