// Package sqlite is the default Store, backed by a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/makeasinger/kiemusic/internal/model"
	"github.com/makeasinger/kiemusic/internal/store"
)

var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS generations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	task_id TEXT,
	title TEXT NOT NULL,
	style TEXT NOT NULL,
	lyrics TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	error_message TEXT,
	track1_stream_url TEXT,
	track1_audio_url TEXT,
	track1_image_url TEXT,
	track1_duration REAL,
	track1_audio_id TEXT,
	track2_stream_url TEXT,
	track2_audio_url TEXT,
	track2_image_url TEXT,
	track2_duration REAL,
	track2_audio_id TEXT,
	response_data TEXT,
	extends_generation_id INTEGER REFERENCES generations(id) ON DELETE SET NULL,
	extends_audio_id TEXT,
	continue_at REAL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generations_project ON generations(project_id);
CREATE INDEX IF NOT EXISTS idx_generations_task ON generations(task_id);
CREATE INDEX IF NOT EXISTS idx_generations_status ON generations(status);
CREATE INDEX IF NOT EXISTS idx_generations_extends ON generations(extends_generation_id, extends_audio_id);
`

const generationColumns = `id, project_id, task_id, title, style, lyrics, status, error_message,
	track1_stream_url, track1_audio_url, track1_image_url, track1_duration, track1_audio_id,
	track2_stream_url, track2_audio_url, track2_image_url, track2_duration, track2_audio_id,
	response_data, extends_generation_id, extends_audio_id, continue_at, created_at, updated_at`

// Store persists projects and generations in SQLite. All access goes through
// one connection so writes are serialized.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures the schema exists
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("sqlite store opened")
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateProject(ctx context.Context, name string) (*model.Project, error) {
	if name == "" {
		name = "New Project"
	}
	now := time.UnixMilli(s.now().UnixMilli())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, created_at, updated_at) VALUES (?, ?, ?)`,
		name, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read project id: %w", err)
	}
	return &model.Project{ID: id, Name: name, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	var (
		p                model.Project
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at, updated_at FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	p.CreatedAt = time.UnixMilli(created)
	p.UpdatedAt = time.UnixMilli(updated)
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at, updated_at FROM projects ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	out := []model.Project{}
	for rows.Next() {
		var (
			p                model.Project
			created, updated int64
		)
		if err := rows.Scan(&p.ID, &p.Name, &created, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		p.CreatedAt = time.UnixMilli(created)
		p.UpdatedAt = time.UnixMilli(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) RenameProject(ctx context.Context, id int64, name string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, updated_at = ? WHERE id = ?`, name, s.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to rename project: %w", err)
	}
	return projectAffected(res)
}

// DeleteProject relies on the foreign keys to drop the project's generations
func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	return projectAffected(res)
}

func projectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return store.ErrProjectNotFound
	}
	return nil
}

func (s *Store) CreateGeneration(ctx context.Context, in model.NewGeneration) (*model.Generation, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM projects WHERE id = ?`, in.ProjectID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrProjectNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check project: %w", err)
		}

		var (
			parentID   *int64
			audioID    *string
			continueAt *float64
		)
		if in.Extends != nil {
			parent, err := getGeneration(ctx, tx, in.Extends.GenerationID)
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

		now := s.now().UnixMilli()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO generations (project_id, title, style, lyrics, status,
				extends_generation_id, extends_audio_id, continue_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.ProjectID, in.Title, in.Style, in.Lyrics, string(model.StatusPending),
			parentID, audioID, continueAt, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert generation: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read generation id: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at = ? WHERE id = ?`, now, in.ProjectID); err != nil {
			return fmt.Errorf("failed to touch project: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetGeneration(ctx, id)
}

func (s *Store) GetGeneration(ctx context.Context, id int64) (*model.Generation, error) {
	return getGeneration(ctx, s.db, id)
}

func (s *Store) GetGenerationByTaskID(ctx context.Context, taskID string) (*model.Generation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+generationColumns+` FROM generations WHERE task_id = ? ORDER BY id DESC LIMIT 1`, taskID)
	g, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation by task: %w", err)
	}
	return g, nil
}

func (s *Store) ListGenerationsByProject(ctx context.Context, projectID int64) ([]model.Generation, error) {
	return s.list(ctx, `WHERE project_id = ? ORDER BY created_at DESC, id DESC`, projectID)
}

func (s *Store) ListPendingGenerations(ctx context.Context) ([]model.Generation, error) {
	return s.list(ctx, `WHERE status IN (?, ?, ?, ?) ORDER BY id ASC`,
		string(model.StatusPending), string(model.StatusProcessing),
		string(model.StatusTextSuccess), string(model.StatusFirstSuccess))
}

func (s *Store) ListExtensions(ctx context.Context, generationID int64, audioID string) ([]model.Generation, error) {
	return s.list(ctx, `WHERE extends_generation_id = ? AND extends_audio_id = ? ORDER BY id ASC`, generationID, audioID)
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
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getGeneration(ctx context.Context, q querier, id int64) (*model.Generation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = ?`, id)
	g, err := scanGeneration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}
	return g, nil
}

func scanGeneration(row scanner) (*model.Generation, error) {
	var (
		g                model.Generation
		status           string
		created, updated int64
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
	g.CreatedAt = time.UnixMilli(created)
	g.UpdatedAt = time.UnixMilli(updated)
	return &g, nil
}

func (s *Store) list(ctx context.Context, where string, args ...any) ([]model.Generation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+generationColumns+` FROM generations `+where, args...)
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

// mutate reads the row, applies fn and writes every mutable column back in
// one transaction
func (s *Store) mutate(ctx context.Context, id int64, fn func(g *model.Generation) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		g, err := getGeneration(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(g); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE generations SET
				task_id = ?, status = ?, error_message = ?,
				track1_stream_url = ?, track1_audio_url = ?, track1_image_url = ?, track1_duration = ?, track1_audio_id = ?,
				track2_stream_url = ?, track2_audio_url = ?, track2_image_url = ?, track2_duration = ?, track2_audio_id = ?,
				response_data = ?, updated_at = ?
			WHERE id = ?`,
			g.TaskID, string(g.Status), g.ErrorMessage,
			g.Track1.StreamURL, g.Track1.AudioURL, g.Track1.ImageURL, g.Track1.Duration, g.Track1.AudioID,
			g.Track2.StreamURL, g.Track2.AudioURL, g.Track2.ImageURL, g.Track2.Duration, g.Track2.AudioID,
			g.ResponseData, s.now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("failed to update generation: %w", err)
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
