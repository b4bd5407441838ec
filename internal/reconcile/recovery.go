package reconcile

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/makeasinger/kiemusic/internal/model"
)

// RecoveryResult summarizes a startup recovery pass
type RecoveryResult struct {
	Resumed int
	Failed  int
	Skipped int
}

// Recover resumes polling for every generation left non-terminal by a previous
// process. Generations that never received a task handle cannot be resumed
// and are marked as failed. Run it once, before accepting new submissions.
func (e *Engine) Recover(ctx context.Context) (RecoveryResult, error) {
	var result RecoveryResult

	pending, err := e.store.ListPendingGenerations(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list pending generations: %w", err)
	}
	if len(pending) == 0 {
		log.Info().Msg("recovery: no incomplete generations")
		return result, nil
	}
	log.Info().Int("count", len(pending)).Msg("recovery: resuming incomplete generations")

	for _, g := range pending {
		if g.TaskID == nil || *g.TaskID == "" {
			msg := model.MessageInterruptedCreate
			if err := e.store.UpdateStatus(ctx, g.ID, model.StatusError, &msg); err != nil {
				log.Warn().Err(err).Int64("generation_id", g.ID).Msg("recovery: failed to mark generation as interrupted")
				result.Skipped++
				continue
			}
			e.notifier.Broadcast(g.ID, model.EventGenerationError, model.Patch{Status: model.StatusError, ErrorMessage: &msg})
			log.Info().Int64("generation_id", g.ID).Msg("recovery: generation has no task id, marked as error")
			result.Failed++
			continue
		}

		if e.Start(LoopSpec{GenerationID: g.ID, TaskID: *g.TaskID, Status: g.Status, Recovery: true}) {
			result.Resumed++
		} else {
			result.Skipped++
		}
	}

	log.Info().
		Int("resumed", result.Resumed).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("recovery complete")
	return result, nil
}
