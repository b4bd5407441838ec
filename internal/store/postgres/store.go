// Package postgres is a Store backed by PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makeasinger/kiemusic/internal/model"
	"github.com/makeasinger/kiemusic/internal/store"
)

var _ store.Store = (*Store)(nil)

const generationColumns = `id, project_id, task_id, title, style, lyrics, status, error_message,
	track1_stream_url, track1_audio_url, track1_image_url, track1_duration, track1_audio_id,
	track2_stream_url, track2_audio_url, track2_image_url, track2_duration, track2_audio_id,
	response_data, extends_generation_id, extends_audio_id, continue_at, created_at, updated_at`

// Store persists projects and generations in PostgreSQL
type Store struct {
	pool *pgxpool.Pool
}

// Connect creates a connection pool, runs pending migrations and returns the store
func Connect(ctx context.Context, databaseURL string, maxConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) CreateProject(ctx context.Context, name string) (*model.Project, error) {
	if name == "" {
		name = "New Project"
	}
	var p model.Project
	err := s.pool.QueryRow(ctx,
		`INSERT INTO projects (name) VALUES ($1) RETURNING id, name, created_at, updated_at`, name).
		Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert project: %w", err)
	}
	return &p, nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	var p model.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, created_at, updated_at FROM projects ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	out := []model.Project{}
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}
	return out, nil
}

func (s *Store) RenameProject(ctx context.Context, id int64, name string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE projects SET name = $1, updated_at = NOW() WHERE id = $2`, name, id)
	if err != nil {
		return fmt.Errorf("failed to rename project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrProjectNotFound
	}
	return nil
}

// DeleteProject relies on ON DELETE CASCADE to drop the project's generations
func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrProjectNotFound
	}
	return nil
}

func (s *Store) CreateGeneration(ctx context.Context, in model.NewGeneration) (*model.Generation, error) {
	var g *model.Generation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE projects SET updated_at = NOW() WHERE id = $1`, in.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to touch project: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrProjectNotFound
		}

		var (
			parentID   *int64
			audioID    *string
			continueAt *float64
		)
		if in.Extends != nil {
			// FOR SHARE keeps the parent's audio ids stable until the insert commits
			parent, err := getGeneration(ctx, tx, in.Extends.GenerationID, " FOR SHARE")
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if err := store.CheckLineage(parent, in.Extends); err != nil {
				return err
			}
			parentID = &in.Extends.GenerationID
			audioID = &in.Extends.AudioID
			continueAt = &in.Extends.ContinueAt
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO generations (project_id, title, style, lyrics, status,
				extends_generation_id, extends_audio_id, continue_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING `+generationColumns,
			in.ProjectID, in.Title, in.Style, in.Lyrics, string(model.StatusPending),
			parentID, audioID, continueAt)
		if g, err = scanGeneration(row); err != nil {
			return fmt.Errorf("failed to insert generation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *Store) GetGeneration(ctx context.Context, id int64) (*model.Generation, error) {
	return getGeneration(ctx, s.pool, id, "")
}

func (s *Store) GetGenerationByTaskID(ctx context.Context, taskID string) (*model.Generation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE task_id = $1 ORDER BY id DESC LIMIT 1`, taskID)
	g, err := scanGeneration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation by task: %w", err)
	}
	return g, nil
}

func (s *Store) ListGenerationsByProject(ctx context.Context, projectID int64) ([]model.Generation, error) {
	return s.list(ctx, `WHERE project_id = $1 ORDER BY created_at DESC, id DESC`, projectID)
}

func (s *Store) ListPendingGenerations(ctx context.Context) ([]model.Generation, error) {
	return s.list(ctx, `WHERE status NOT IN ('success', 'error') ORDER BY id ASC`)
}

func (s *Store) ListExtensions(ctx context.Context, generationID int64, audioID string) ([]model.Generation, error) {
	return s.list(ctx, `WHERE extends_generation_id = $1 AND extends_audio_id = $2 ORDER BY id ASC`, generationID, audioID)
}

func (s *Store) AssignTask(ctx context.Context, id int64, taskID string) error {
	return s.mutate(ctx, id, func(g *model.Generation) error {
		if err := store.CheckTransition(g.Status, model.StatusProcessing); err != nil {
			return err
		}
		g.TaskID = &taskID
		g.Status = model.StatusProcessing
		return nil
	})
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, status model.Status, errMsg *string) error {
	return s.mutate(ctx, id, func(g *model.Generation) error {
		if err := store.CheckTransition(g.Status, status); err != nil {
			return err
		}
		g.Status = status
		g.ErrorMessage = errMsg
		return nil
	})
}

func (s *Store) UpdateTracks(ctx context.Context, id int64, t1, t2 model.Track, responseData *string) error {
	return s.mutate(ctx, id, func(g *model.Generation) error {
		if g.Status.IsTerminal() {
			return store.ErrTerminal
		}
		g.Track1 = g.Track1.Merge(t1)
		g.Track2 = g.Track2.Merge(t2)
		if responseData != nil {
			g.ResponseData = responseData
		}
		return nil
	})
}

func (s *Store) CompleteGeneration(ctx context.Context, id int64, t1, t2 model.Track, responseData string) error {
	return s.mutate(ctx, id, func(g *model.Generation) error {
		if err := store.CheckTransition(g.Status, model.StatusSuccess); err != nil {
			return err
		}
		g.Status = model.StatusSuccess
		g.ErrorMessage = nil
		g.Track1 = g.Track1.Merge(t1)
		g.Track2 = g.Track2.Merge(t2)
		g.ResponseData = &responseData
		return nil
	})
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getGeneration(ctx context.Context, q querier, id int64, lock string) (*model.Generation, error) {
	row := q.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1`+lock, id)
	g, err := scanGeneration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}
	return g, nil
}

func scanGeneration(row pgx.Row) (*model.Generation, error) {
	var (
		g                model.Generation
		status           string
		created, updated time.Time
	)
	err := row.Scan(
		&g.ID, &g.ProjectID, &g.TaskID, &g.Title, &g.Style, &g.Lyrics, &status, &g.ErrorMessage,
		&g.Track1.StreamURL, &g.Track1.AudioURL, &g.Track1.ImageURL, &g.Track1.Duration, &g.Track1.AudioID,
		&g.Track2.StreamURL, &g.Track2.AudioURL, &g.Track2.ImageURL, &g.Track2.Duration, &g.Track2.AudioID,
		&g.ResponseData, &g.ExtendsGenerationID, &g.ExtendsAudioID, &g.ContinueAt, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	g.Status = model.Status(status)
	g.CreatedAt = created
	g.UpdatedAt = updated
	return &g, nil
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]model.Generation, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+generationColumns+` FROM generations `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	defer rows.Close()

	out := []model.Generation{}
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan generation: %w", err)
		}
		out = append(out, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate generations: %w", err)
	}
	return out, nil
}

// mutate locks the row, applies fn and writes every mutable column back
func (s *Store) mutate(ctx context.Context, id int64, fn func(g *model.Generation) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		g, err := getGeneration(ctx, tx, id, " FOR UPDATE")
		if err != nil {
			return err
		}
		if err := fn(g); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE generations SET
				task_id = $2, status = $3, error_message = $4,
				track1_stream_url = $5, track1_audio_url = $6, track1_image_url = $7, track1_duration = $8, track1_audio_id = $9,
				track2_stream_url = $10, track2_audio_url = $11, track2_image_url = $12, track2_duration = $13, track2_audio_id = $14,
				response_data = $15, updated_at = NOW()
			WHERE id = $1`,
			id, g.TaskID, string(g.Status), g.ErrorMessage,
			g.Track1.StreamURL, g.Track1.AudioURL, g.Track1.ImageURL, g.Track1.Duration, g.Track1.AudioID,
			g.Track2.StreamURL, g.Track2.AudioURL, g.Track2.ImageURL, g.Track2.Duration, g.Track2.AudioID,
			g.ResponseData)
		if err != nil {
			return fmt.Errorf("failed to update generation: %w", err)
		}
		return nil
	})
}
