package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/makeasinger/kiemusic/internal/client"
	"github.com/makeasinger/kiemusic/internal/model"
	"github.com/makeasinger/kiemusic/internal/reconcile"
	"github.com/makeasinger/kiemusic/internal/store"
)

const (
	TaskTypeSubmit = "generation:submit"
	QueueSubmit    = "submit"

	// Recording the task handle is retried locally because the provider has
	// already accepted the job and a redelivery would submit it again
	assignAttempts = 3
	assignBackoff  = 200 * time.Millisecond
)

var (
	// ErrSongNotFound is returned when a generation has no track with the audio id
	ErrSongNotFound = errors.New("song not found")
	// ErrDispatch is returned when a generation was recorded but could not be queued
	ErrDispatch = errors.New("failed to dispatch generation")
)

// SubmitPayload is the asynq payload of a submission task
type SubmitPayload struct {
	GenerationID int64 `json:"generationId"`
}

// GenerationService creates generations, hands them to the provider and
// starts their poll loops.
type GenerationService struct {
	store    store.Store
	client   client.JobClient
	engine   *reconcile.Engine
	notifier reconcile.Notifier

	queue *asynq.Client
	sem   chan struct{}
	wg    sync.WaitGroup

	assignBackoff time.Duration
}

// NewGenerationService creates a service that submits inline, at most
// concurrency submissions at a time.
func NewGenerationService(s store.Store, c client.JobClient, e *reconcile.Engine, n reconcile.Notifier, concurrency int) *GenerationService {
	if concurrency <= 0 {
		concurrency = 10
	}
	return &GenerationService{
		store:    s,
		client:   c,
		engine:   e,
		notifier: n,
		sem:      make(chan struct{}, concurrency),

		assignBackoff: assignBackoff,
	}
}

// UseQueue routes submissions through asynq instead of in-process goroutines
func (s *GenerationService) UseQueue(queue *asynq.Client) {
	s.queue = queue
}

// CreateProject creates a project
func (s *GenerationService) CreateProject(ctx context.Context, req *model.CreateProjectRequest) (*model.Project, error) {
	return s.store.CreateProject(ctx, req.Name)
}

// GetProject returns a project and its generations, newest first
func (s *GenerationService) GetProject(ctx context.Context, id int64) (*model.ProjectResponse, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	gens, err := s.store.ListGenerationsByProject(ctx, id)
	if err != nil {
		return nil, err
	}
	return &model.ProjectResponse{Project: p, Generations: gens}, nil
}

// ListProjects returns every project, most recently updated first
func (s *GenerationService) ListProjects(ctx context.Context) ([]model.Project, error) {
	return s.store.ListProjects(ctx)
}

func (s *GenerationService) RenameProject(ctx context.Context, id int64, req *model.RenameProjectRequest) error {
	return s.store.RenameProject(ctx, id, req.Name)
}

// DeleteProject removes a project with its generations and stops polling
// for any of them that were still running
func (s *GenerationService) DeleteProject(ctx context.Context, id int64) error {
	gens, err := s.store.ListGenerationsByProject(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteProject(ctx, id); err != nil {
		return err
	}

	stopped := 0
	for _, g := range gens {
		if s.engine.Cancel(g.ID) {
			stopped++
		}
	}
	log.Info().Int64("project_id", id).Int("generations", len(gens)).Int("stopped_loops", stopped).Msg("project deleted")
	return nil
}

// Submit records a new generation and submits it in the background. The
// returned record is still pending.
func (s *GenerationService) Submit(ctx context.Context, req *model.CreateGenerationRequest) (*model.Generation, error) {
	g, err := s.store.CreateGeneration(ctx, model.NewGeneration{
		ProjectID: req.ProjectID,
		Title:     req.Title,
		Style:     req.Style,
		Lyrics:    req.Lyrics,
	})
	if err != nil {
		return nil, err
	}
	if err := s.dispatch(ctx, g.ID); err != nil {
		return nil, err
	}
	return g, nil
}

// Extend records a generation continuing one track of an earlier generation
func (s *GenerationService) Extend(ctx context.Context, req *model.ExtendGenerationRequest) (*model.Generation, error) {
	parent, err := s.store.GetGeneration(ctx, req.GenerationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrInvalidLineage
		}
		return nil, err
	}

	g, err := s.store.CreateGeneration(ctx, model.NewGeneration{
		ProjectID: parent.ProjectID,
		Title:     req.Title,
		Style:     req.Style,
		Lyrics:    req.Lyrics,
		Extends: &model.Lineage{
			GenerationID: parent.ID,
			AudioID:      req.AudioID,
			ContinueAt:   req.ContinueAt,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := s.dispatch(ctx, g.ID); err != nil {
		return nil, err
	}
	return g, nil
}

func (s *GenerationService) Get(ctx context.Context, id int64) (*model.Generation, error) {
	return s.store.GetGeneration(ctx, id)
}

func (s *GenerationService) GetByTaskID(ctx context.Context, taskID string) (*model.Generation, error) {
	return s.store.GetGenerationByTaskID(ctx, taskID)
}

// Song returns one track of a generation with the generations extending it
func (s *GenerationService) Song(ctx context.Context, generationID int64, audioID string) (*model.SongResponse, error) {
	g, err := s.store.GetGeneration(ctx, generationID)
	if err != nil {
		return nil, err
	}
	track, n, ok := g.TrackByAudioID(audioID)
	if !ok {
		return nil, ErrSongNotFound
	}
	extensions, err := s.store.ListExtensions(ctx, generationID, audioID)
	if err != nil {
		return nil, err
	}

	return &model.SongResponse{
		GenerationID: g.ID,
		Track:        n,
		ID:           audioID,
		Title:        fmt.Sprintf("%s - Track %d", g.Title, n),
		StreamURL:    track.StreamURL,
		AudioURL:     track.AudioURL,
		ImageURL:     track.ImageURL,
		Duration:     track.Duration,
		Extensions:   extensions,
	}, nil
}

// Wait blocks until inline submissions have finished
func (s *GenerationService) Wait() {
	s.wg.Wait()
}

func (s *GenerationService) dispatch(ctx context.Context, id int64) error {
	if s.queue == nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.sem <- struct{}{}
			defer func() { <-s.sem }()

			if err := s.StartSubmission(context.Background(), id); err != nil {
				log.Error().Err(err).Int64("generation_id", id).Msg("submission failed")
			}
		}()
		return nil
	}

	task, err := newSubmitTask(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	_, err = s.queue.EnqueueContext(ctx, task,
		asynq.Queue(QueueSubmit),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		s.fail(ctx, id, "Failed to queue generation")
		return fmt.Errorf("%w: %w", ErrDispatch, err)
	}
	return nil
}

// StartSubmission creates the remote task for a pending generation, records
// its handle and starts polling. Provider failures end the generation. Storage
// failures before the provider call are returned for retry; once the provider
// has accepted the job the error wraps asynq.SkipRetry so the job is never
// submitted twice. Calling it for a generation that already has a task is a
// no-op.
func (s *GenerationService) StartSubmission(ctx context.Context, id int64) error {
	g, err := s.store.GetGeneration(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn().Int64("generation_id", id).Msg("submission for unknown generation")
			return nil
		}
		return fmt.Errorf("failed to load generation: %w", err)
	}
	if g.Status.IsTerminal() || g.TaskID != nil {
		log.Debug().Int64("generation_id", id).Str("status", string(g.Status)).Msg("generation already submitted")
		return nil
	}

	resp, err := s.submit(ctx, g)
	if err != nil {
		s.fail(ctx, id, err.Error())
		return nil
	}
	if resp.Code != client.CodeOK {
		msg := resp.Msg
		if msg == "" {
			msg = fmt.Sprintf("KIE API returned code %d", resp.Code)
		}
		s.fail(ctx, id, msg)
		return nil
	}
	taskID := resp.Data.TaskID
	if taskID == "" {
		s.fail(ctx, id, "KIE API returned no task id")
		return nil
	}

	if err := s.assignTask(ctx, id, taskID); err != nil {
		if errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrNotFound) {
			return nil
		}
		log.Error().Err(err).Int64("generation_id", id).Str("task_id", taskID).Msg("failed to record provider task")
		s.fail(ctx, id, "Failed to record provider task "+taskID)
		return fmt.Errorf("failed to assign task %s: %v: %w", taskID, err, asynq.SkipRetry)
	}
	s.notifier.Broadcast(id, model.EventGenerationUpdate, model.Patch{Status: model.StatusProcessing, TaskID: &taskID})
	log.Info().Int64("generation_id", id).Str("task_id", taskID).Msg("generation submitted")

	s.engine.Start(reconcile.LoopSpec{GenerationID: id, TaskID: taskID, Status: model.StatusProcessing})
	return nil
}

// assignTask records the handle, retrying storage failures a few times
func (s *GenerationService) assignTask(ctx context.Context, id int64, taskID string) error {
	var err error
	for attempt := 1; attempt <= assignAttempts; attempt++ {
		err = s.store.AssignTask(ctx, id, taskID)
		if err == nil || errors.Is(err, store.ErrTerminal) || errors.Is(err, store.ErrNotFound) {
			return err
		}
		if attempt == assignAttempts {
			break
		}
		log.Warn().Err(err).Int64("generation_id", id).Int("attempt", attempt).Msg("retrying task assignment")
		select {
		case <-ctx.Done():
			return err
		case <-time.After(s.assignBackoff):
		}
	}
	return err
}

func (s *GenerationService) submit(ctx context.Context, g *model.Generation) (*client.GenerateMusicResponse, error) {
	if g.ExtendsAudioID != nil {
		req := &client.ExtendMusicRequest{
			DefaultParamFlag: true,
			AudioID:          *g.ExtendsAudioID,
			Prompt:           g.Lyrics,
			Style:            g.Style,
			Title:            g.Title,
		}
		if g.ContinueAt != nil {
			req.ContinueAt = *g.ContinueAt
		}
		return s.client.ExtendMusic(ctx, req)
	}

	return s.client.GenerateMusic(ctx, &client.GenerateMusicRequest{
		Prompt:       g.Lyrics,
		Style:        g.Style,
		Title:        g.Title,
		CustomMode:   true,
		Instrumental: false,
	})
}

func (s *GenerationService) fail(ctx context.Context, id int64, msg string) {
	if err := s.store.UpdateStatus(ctx, id, model.StatusError, &msg); err != nil {
		log.Error().Err(err).Int64("generation_id", id).Msg("failed to record submission error")
		return
	}
	s.notifier.Broadcast(id, model.EventGenerationError, model.Patch{Status: model.StatusError, ErrorMessage: &msg})
	log.Warn().Int64("generation_id", id).Str("error", msg).Msg("submission failed")
}

func newSubmitTask(id int64) (*asynq.Task, error) {
	data, err := json.Marshal(SubmitPayload{GenerationID: id})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSubmit, data), nil
}
