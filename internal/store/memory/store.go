// Package memory is an in-process Store used by tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/makeasinger/kiemusic/internal/model"
	"github.com/makeasinger/kiemusic/internal/store"
)

var _ store.Store = (*Store)(nil)

type lineageKey struct {
	generationID int64
	audioID      string
}

// Store keeps projects and generations in maps guarded by a single mutex
type Store struct {
	mu          sync.RWMutex
	projects    map[int64]*model.Project
	generations map[int64]*model.Generation
	byTask      map[string]int64
	extensions  map[lineageKey][]int64
	nextProject int64
	nextGen     int64
	now         func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		projects:    make(map[int64]*model.Project),
		generations: make(map[int64]*model.Generation),
		byTask:      make(map[string]int64),
		extensions:  make(map[lineageKey][]int64),
		now:         time.Now,
	}
}

func (s *Store) CreateProject(_ context.Context, name string) (*model.Project, error) {
	if name == "" {
		name = "New Project"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextProject++
	now := s.now()
	p := &model.Project{ID: s.nextProject, Name: name, CreatedAt: now, UpdatedAt: now}
	s.projects[p.ID] = p
	cp := *p
	return &cp, nil
}

func (s *Store) GetProject(_ context.Context, id int64) (*model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListProjects(_ context.Context) ([]model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *Store) RenameProject(_ context.Context, id int64, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return store.ErrProjectNotFound
	}
	next := *p
	next.Name = name
	next.UpdatedAt = s.now()
	s.projects[id] = &next
	return nil
}

func (s *Store) DeleteProject(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[id]; !ok {
		return store.ErrProjectNotFound
	}
	delete(s.projects, id)

	removed := make(map[int64]bool)
	for gid, g := range s.generations {
		if g.ProjectID != id {
			continue
		}
		removed[gid] = true
		if g.TaskID != nil {
			delete(s.byTask, *g.TaskID)
		}
		delete(s.generations, gid)
	}

	for key, ids := range s.extensions {
		if removed[key.generationID] {
			delete(s.extensions, key)
			continue
		}
		kept := ids[:0]
		for _, gid := range ids {
			if !removed[gid] {
				kept = append(kept, gid)
			}
		}
		if len(kept) == 0 {
			delete(s.extensions, key)
		} else {
			s.extensions[key] = kept
		}
	}

	// Survivors that extended a removed generation lose the reference
	for gid, g := range s.generations {
		if g.ExtendsGenerationID != nil && removed[*g.ExtendsGenerationID] {
			next := *g
			next.ExtendsGenerationID = nil
			s.generations[gid] = &next
		}
	}
	return nil
}

func (s *Store) CreateGeneration(_ context.Context, in model.NewGeneration) (*model.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	project, ok := s.projects[in.ProjectID]
	if !ok {
		return nil, store.ErrProjectNotFound
	}
	if in.Extends != nil {
		if err := store.CheckLineage(s.generations[in.Extends.GenerationID], in.Extends); err != nil {
			return nil, err
		}
	}

	s.nextGen++
	now := s.now()
	g := &model.Generation{
		ID:        s.nextGen,
		ProjectID: in.ProjectID,
		Title:     in.Title,
		Style:     in.Style,
		Lyrics:    in.Lyrics,
		Status:    model.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.Extends != nil {
		parentID, audioID, continueAt := in.Extends.GenerationID, in.Extends.AudioID, in.Extends.ContinueAt
		g.ExtendsGenerationID = &parentID
		g.ExtendsAudioID = &audioID
		g.ContinueAt = &continueAt
		key := lineageKey{generationID: parentID, audioID: audioID}
		s.extensions[key] = append(s.extensions[key], g.ID)
	}
	s.generations[g.ID] = g
	project.UpdatedAt = now

	cp := *g
	return &cp, nil
}

func (s *Store) GetGeneration(_ context.Context, id int64) (*model.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.generations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *Store) GetGenerationByTaskID(ctx context.Context, taskID string) (*model.Generation, error) {
	s.mu.RLock()
	id, ok := s.byTask[taskID]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetGeneration(ctx, id)
}

func (s *Store) ListGenerationsByProject(_ context.Context, projectID int64) ([]model.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Generation
	for _, g := range s.generations {
		if g.ProjectID == projectID {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *Store) ListPendingGenerations(_ context.Context) ([]model.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Generation
	for _, g := range s.generations {
		if g.Status.IsGenerating() {
			out = append(out, *g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListExtensions(_ context.Context, generationID int64, audioID string) ([]model.Generation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.extensions[lineageKey{generationID: generationID, audioID: audioID}]
	out := make([]model.Generation, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.generations[id])
	}
	return out, nil
}

func (s *Store) AssignTask(_ context.Context, id int64, taskID string) error {
	return s.mutate(id, func(g *model.Generation) error {
		if err := store.CheckTransition(g.Status, model.StatusProcessing); err != nil {
			return err
		}
		g.TaskID = &taskID
		g.Status = model.StatusProcessing
		s.byTask[taskID] = id
		return nil
	})
}

func (s *Store) UpdateStatus(_ context.Context, id int64, status model.Status, errMsg *string) error {
	return s.mutate(id, func(g *model.Generation) error {
		if err := store.CheckTransition(g.Status, status); err != nil {
			return err
		}
		g.Status = status
		g.ErrorMessage = errMsg
		return nil
	})
}

func (s *Store) UpdateTracks(_ context.Context, id int64, t1, t2 model.Track, responseData *string) error {
	return s.mutate(id, func(g *model.Generation) error {
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

func (s *Store) CompleteGeneration(_ context.Context, id int64, t1, t2 model.Track, responseData string) error {
	return s.mutate(id, func(g *model.Generation) error {
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

func (s *Store) Close() error { return nil }

// mutate applies fn to a copy and commits it only when fn succeeds
func (s *Store) mutate(id int64, fn func(g *model.Generation) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.generations[id]
	if !ok {
		return store.ErrNotFound
	}
	next := *g
	if err := fn(&next); err != nil {
		return err
	}
	next.UpdatedAt = s.now()
	s.generations[id] = &next
	return nil
}
