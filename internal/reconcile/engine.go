// Package reconcile drives every in-flight generation to a terminal state by
// polling the provider and recording what it reports.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/makeasinger/kiemusic/internal/client"
	"github.com/makeasinger/kiemusic/internal/model"
	"github.com/makeasinger/kiemusic/internal/store"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 120
)

// Notifier publishes live events. hub.Hub implements it.
type Notifier interface {
	Broadcast(generationID int64, eventType model.EventType, patch model.Patch)
}

// Options tunes the engine. Zero values fall back to the defaults.
type Options struct {
	Interval    time.Duration
	MaxAttempts int
	Clock       Clock
	// Archiver receives the raw snapshot of every completed generation
	Archiver client.SnapshotArchiver
}

// LoopSpec describes one poll loop
type LoopSpec struct {
	GenerationID int64
	TaskID       string
	// Status is the stored status when the loop starts
	Status      model.Status
	MaxAttempts int
	Recovery    bool
}

// Engine owns the poll loops. At most one loop runs per generation.
type Engine struct {
	store       store.Store
	client      client.JobClient
	notifier    Notifier
	clock       Clock
	archiver    client.SnapshotArchiver
	interval    time.Duration
	maxAttempts int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[int64]context.CancelFunc
}

// New creates an engine. Loops run until their generation is terminal or
// Stop is called.
func New(s store.Store, c client.JobClient, n Notifier, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:       s,
		client:      c,
		notifier:    n,
		clock:       opts.Clock,
		archiver:    opts.Archiver,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		ctx:         ctx,
		cancel:      cancel,
		active:      make(map[int64]context.CancelFunc),
	}
}

// Start launches a poll loop for spec.GenerationID. It returns false when a
// loop for that generation is already running or the engine is stopped.
func (e *Engine) Start(spec LoopSpec) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx.Err() != nil {
		return false
	}
	if _, ok := e.active[spec.GenerationID]; ok {
		log.Debug().Int64("generation_id", spec.GenerationID).Msg("poll loop already running")
		return false
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.active[spec.GenerationID] = cancel

	e.wg.Add(1)
	go e.run(ctx, spec)
	return true
}

// Active returns the number of running loops
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// IsActive reports whether a loop is running for the generation
func (e *Engine) IsActive(generationID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[generationID]
	return ok
}

// Cancel ends the loop for one generation without touching its stored
// state. It reports whether a loop was running.
func (e *Engine) Cancel(generationID int64) bool {
	e.mu.Lock()
	cancel, ok := e.active[generationID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Wait blocks until every running loop has ended
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Stop cancels all loops and waits for them. Stored state is left as is so
// the next process resumes the jobs through Recover.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.cancel()
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) release(generationID int64) {
	e.mu.Lock()
	if cancel, ok := e.active[generationID]; ok {
		cancel()
		delete(e.active, generationID)
	}
	e.mu.Unlock()
}

type loop struct {
	e      *Engine
	spec   LoopSpec
	status model.Status
	logger zerolog.Logger
}

func (e *Engine) run(ctx context.Context, spec LoopSpec) {
	defer e.wg.Done()
	defer e.release(spec.GenerationID)

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.maxAttempts
	}
	status := spec.Status
	if status == "" {
		status = model.StatusProcessing
	}

	l := &loop{
		e:      e,
		spec:   spec,
		status: status,
		logger: log.With().
			Int64("generation_id", spec.GenerationID).
			Str("task_id", spec.TaskID).
			Bool("recovery", spec.Recovery).
			Logger(),
	}
	l.logger.Info().Int("max_attempts", maxAttempts).Msg("polling started")

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				l.logger.Info().Int("attempt", attempt).Msg("polling stopped")
				return
			case <-e.clock.After(e.interval):
			}
		}

		done, err := l.attempt(ctx, attempt)
		if done {
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			l.logger.Info().Int("attempt", attempt).Msg("polling stopped")
			return
		}
	}

	l.timeout(ctx, lastErr)
}

// attempt performs one poll. It reports whether the loop is finished; a
// non-nil error means the attempt failed and the loop should retry.
func (l *loop) attempt(ctx context.Context, n int) (bool, error) {
	resp, err := l.e.client.GetMusicDetails(ctx, l.spec.TaskID)
	if err != nil {
		l.logger.Warn().Err(err).Int("attempt", n).Msg("poll failed")
		return false, err
	}

	if resp.Code != client.CodeOK {
		msg := resp.Msg
		if msg == "" {
			msg = fmt.Sprintf("KIE API returned code %d", resp.Code)
		}
		return l.fail(ctx, msg)
	}

	details := &resp.Data
	l.logger.Debug().Int("attempt", n).Str("remote_status", string(details.Status)).Msg("poll result")

	if details.Status.IsFailure() {
		msg := string(details.Status)
		if details.ErrorMessage != nil && *details.ErrorMessage != "" {
			msg = *details.ErrorMessage
		}
		return l.fail(ctx, msg)
	}

	rt1, rt2 := details.Tracks()
	if details.Status.IsSuccess() && trackComplete(rt1) && trackComplete(rt2) {
		raw := []byte(resp.Raw)
		if len(raw) == 0 {
			encoded, err := json.Marshal(details)
			if err != nil {
				l.logger.Warn().Err(err).Msg("failed to encode snapshot, storing it empty")
			}
			raw = encoded
		}
		return l.complete(ctx, rt1, rt2, raw)
	}

	return l.progress(ctx, details.Status, rt1, rt2)
}

func (l *loop) progress(ctx context.Context, remote client.RemoteStatus, rt1, rt2 *client.RemoteTrack) (bool, error) {
	id := l.spec.GenerationID

	next := localStatus(remote)
	if !l.status.CanTransitionTo(next) {
		next = l.status
	}
	if next != l.status {
		if err := l.e.store.UpdateStatus(ctx, id, next, nil); err != nil {
			return l.storeFailure("failed to update status", err)
		}
		l.status = next
	}

	patch := model.Patch{Status: next}
	if carriesTracks(remote) && (hasStream(rt1) || hasStream(rt2)) {
		t1, t2 := toTrack(rt1), toTrack(rt2)
		if err := l.e.store.UpdateTracks(ctx, id, t1, t2, nil); err != nil {
			return l.storeFailure("failed to update tracks", err)
		}
		patch = patch.WithTracks(t1, t2)
		l.logger.Debug().Bool("track1", hasStream(rt1)).Bool("track2", hasStream(rt2)).Msg("stream urls updated")
	}

	l.e.notifier.Broadcast(id, model.EventGenerationUpdate, patch)
	return false, nil
}

func (l *loop) complete(ctx context.Context, rt1, rt2 *client.RemoteTrack, raw []byte) (bool, error) {
	id := l.spec.GenerationID
	t1, t2 := toTrack(rt1), toTrack(rt2)
	snapshot := string(raw)

	if err := l.e.store.CompleteGeneration(ctx, id, t1, t2, snapshot); err != nil {
		return l.storeFailure("failed to complete generation", err)
	}

	patch := model.Patch{Status: model.StatusSuccess, ResponseData: &snapshot}.WithTracks(t1, t2)
	l.e.notifier.Broadcast(id, model.EventGenerationComplete, patch)
	l.logger.Info().Msg("generation complete")

	l.archive(ctx, raw)
	return true, nil
}

func (l *loop) fail(ctx context.Context, msg string) (bool, error) {
	id := l.spec.GenerationID
	if err := l.e.store.UpdateStatus(ctx, id, model.StatusError, &msg); err != nil {
		return l.storeFailure("failed to record error", err)
	}

	l.e.notifier.Broadcast(id, model.EventGenerationError, model.Patch{Status: model.StatusError, ErrorMessage: &msg})
	l.logger.Warn().Str("error", msg).Msg("generation failed")
	return true, nil
}

func (l *loop) timeout(ctx context.Context, lastErr error) {
	msg := model.MessageTimedOut
	if lastErr != nil {
		msg = fmt.Sprintf("%s: %v", model.MessageTimedOut, lastErr)
	}

	if err := l.e.store.UpdateStatus(ctx, l.spec.GenerationID, model.StatusError, &msg); err != nil {
		if !isGone(err) {
			l.logger.Error().Err(err).Msg("failed to record timeout")
		}
		return
	}
	l.e.notifier.Broadcast(l.spec.GenerationID, model.EventGenerationError, model.Patch{Status: model.StatusError, ErrorMessage: &msg})
	l.logger.Warn().Str("error", msg).Msg("generation timed out")
}

// storeFailure ends the loop when the generation is gone or already final.
// Any other storage error fails only the current attempt.
func (l *loop) storeFailure(action string, err error) (bool, error) {
	if isGone(err) {
		l.logger.Info().Err(err).Msg("generation no longer pollable")
		return true, nil
	}
	l.logger.Error().Err(err).Msg(action)
	return false, fmt.Errorf("%s: %w", action, err)
}

func (l *loop) archive(ctx context.Context, raw []byte) {
	if l.e.archiver == nil {
		return
	}
	url, err := l.e.archiver.ArchiveSnapshot(ctx, l.spec.GenerationID, raw)
	if err != nil {
		l.logger.Warn().Err(err).Msg("failed to archive snapshot")
		return
	}
	l.logger.Debug().Str("url", url).Msg("snapshot archived")
}

func isGone(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrTerminal)
}

// localStatus maps a non-terminal remote label. Unknown labels count as
// processing.
func localStatus(remote client.RemoteStatus) model.Status {
	switch remote {
	case client.RemoteTextSuccess:
		return model.StatusTextSuccess
	case client.RemoteFirstSuccess:
		return model.StatusFirstSuccess
	}
	return model.StatusProcessing
}

func carriesTracks(remote client.RemoteStatus) bool {
	return remote == client.RemoteTextSuccess || remote == client.RemoteFirstSuccess || remote == client.RemoteSuccess
}

func hasStream(t *client.RemoteTrack) bool {
	return t != nil && t.StreamAudioURL != ""
}

// trackComplete reports whether the provider has finished a track
func trackComplete(t *client.RemoteTrack) bool {
	return t != nil && t.ID != "" && t.AudioURL != ""
}

func toTrack(t *client.RemoteTrack) model.Track {
	if t == nil {
		return model.Track{}
	}
	return model.Track{
		StreamURL: model.StringPtr(t.StreamAudioURL),
		AudioURL:  model.StringPtr(t.AudioURL),
		ImageURL:  model.StringPtr(t.ImageURL),
		Duration:  model.FloatPtr(t.Duration),
		AudioID:   model.StringPtr(t.ID),
	}
}
