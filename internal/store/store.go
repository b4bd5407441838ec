// Package store persists generations and is the single source of truth for
// their status. Implementations must be safe for concurrent use by many
// reconciliation loops.
package store

import (
	"context"
	"errors"

	"github.com/makeasinger/kiemusic/internal/model"
)

var (
	ErrNotFound          = errors.New("generation not found")
	ErrProjectNotFound   = errors.New("project not found")
	ErrTerminal          = errors.New("generation already finished")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidLineage    = errors.New("invalid lineage reference")
)

// Store is the access contract the reconciliation core needs
type Store interface {
	CreateProject(ctx context.Context, name string) (*model.Project, error)
	GetProject(ctx context.Context, id int64) (*model.Project, error)
	// ListProjects returns every project, most recently updated first
	ListProjects(ctx context.Context) ([]model.Project, error)
	RenameProject(ctx context.Context, id int64, name string) error
	// DeleteProject removes a project together with its generations
	DeleteProject(ctx context.Context, id int64) error

	// CreateGeneration inserts a pending generation. A lineage reference must
	// point at an existing generation and one of its two track audio ids.
	CreateGeneration(ctx context.Context, in model.NewGeneration) (*model.Generation, error)
	GetGeneration(ctx context.Context, id int64) (*model.Generation, error)
	GetGenerationByTaskID(ctx context.Context, taskID string) (*model.Generation, error)
	ListGenerationsByProject(ctx context.Context, projectID int64) ([]model.Generation, error)
	ListPendingGenerations(ctx context.Context) ([]model.Generation, error)
	ListExtensions(ctx context.Context, generationID int64, audioID string) ([]model.Generation, error)

	// AssignTask records the remote task handle and moves the job to processing
	AssignTask(ctx context.Context, id int64, taskID string) error
	UpdateStatus(ctx context.Context, id int64, status model.Status, errMsg *string) error
	// UpdateTracks merges both tracks; nil fields leave stored values untouched
	UpdateTracks(ctx context.Context, id int64, t1, t2 model.Track, responseData *string) error
	// CompleteGeneration sets success, merges both tracks and stores the snapshot
	// in one write
	CompleteGeneration(ctx context.Context, id int64, t1, t2 model.Track, responseData string) error

	Close() error
}

// CheckTransition validates a status write against the current status
func CheckTransition(current, next model.Status) error {
	if current.IsTerminal() {
		return ErrTerminal
	}
	if !current.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	return nil
}

// CheckLineage validates an extend reference against the parent generation
func CheckLineage(parent *model.Generation, l *model.Lineage) error {
	if parent == nil {
		return ErrInvalidLineage
	}
	if _, _, ok := parent.TrackByAudioID(l.AudioID); !ok {
		return ErrInvalidLineage
	}
	return nil
}
