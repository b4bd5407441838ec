// Package storetest holds behavioral tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/makeasinger/kiemusic/internal/model"
	"github.com/makeasinger/kiemusic/internal/store"
)

// Factory returns a fresh, empty store for one subtest
type Factory func(t *testing.T) store.Store

// Run executes the shared suite against stores built by newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("UnknownProject", func(t *testing.T) { testUnknownProject(t, newStore(t)) })
	t.Run("ListAndRenameProjects", func(t *testing.T) { testListAndRenameProjects(t, newStore(t)) })
	t.Run("DeleteProject", func(t *testing.T) { testDeleteProject(t, newStore(t)) })
	t.Run("AssignTask", func(t *testing.T) { testAssignTask(t, newStore(t)) })
	t.Run("ForwardOnly", func(t *testing.T) { testForwardOnly(t, newStore(t)) })
	t.Run("MergeTracks", func(t *testing.T) { testMergeTracks(t, newStore(t)) })
	t.Run("Complete", func(t *testing.T) { testComplete(t, newStore(t)) })
	t.Run("ListPending", func(t *testing.T) { testListPending(t, newStore(t)) })
	t.Run("Lineage", func(t *testing.T) { testLineage(t, newStore(t)) })
	t.Run("ConcurrentWrites", func(t *testing.T) { testConcurrentWrites(t, newStore(t)) })
}

func strp(s string) *string { return &s }

func seed(t *testing.T, s store.Store) (*model.Project, *model.Generation) {
	t.Helper()
	ctx := context.Background()
	p, err := s.CreateProject(ctx, "Demo")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	g, err := s.CreateGeneration(ctx, model.NewGeneration{
		ProjectID: p.ID,
		Title:     "Test",
		Style:     "pop",
		Lyrics:    "la la",
	})
	if err != nil {
		t.Fatalf("create generation: %v", err)
	}
	return p, g
}

func mustGet(t *testing.T, s store.Store, id int64) *model.Generation {
	t.Helper()
	g, err := s.GetGeneration(context.Background(), id)
	if err != nil {
		t.Fatalf("get generation %d: %v", id, err)
	}
	return g
}

func testCreateAndGet(t *testing.T, s store.Store) {
	p, g := seed(t, s)

	if g.Status != model.StatusPending {
		t.Errorf("expected pending, got %s", g.Status)
	}
	if g.TaskID != nil {
		t.Errorf("expected no task id, got %s", *g.TaskID)
	}

	got := mustGet(t, s, g.ID)
	if got.Title != "Test" || got.Style != "pop" || got.Lyrics != "la la" || got.ProjectID != p.ID {
		t.Errorf("unexpected generation: %+v", got)
	}

	list, err := s.ListGenerationsByProject(context.Background(), p.ID)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected 1 generation for project, got %d (%v)", len(list), err)
	}

	if _, err := s.GetGeneration(context.Background(), g.ID+100); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testUnknownProject(t *testing.T, s store.Store) {
	_, err := s.CreateGeneration(context.Background(), model.NewGeneration{ProjectID: 999, Title: "x", Style: "y", Lyrics: "z"})
	if !errors.Is(err, store.ErrProjectNotFound) {
		t.Errorf("expected ErrProjectNotFound, got %v", err)
	}
	if _, err := s.GetProject(context.Background(), 999); !errors.Is(err, store.ErrProjectNotFound) {
		t.Errorf("expected ErrProjectNotFound, got %v", err)
	}
}

func testListAndRenameProjects(t *testing.T, s store.Store) {
	ctx := context.Background()

	list, err := s.ListProjects(ctx)
	if err != nil || len(list) != 0 {
		t.Fatalf("expected no projects, got %v (%v)", list, err)
	}

	first, _ := seed(t, s)
	second, err := s.CreateProject(ctx, "")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	if second.Name != "New Project" {
		t.Errorf("expected default name, got %q", second.Name)
	}

	list, err = s.ListProjects(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("expected 2 projects, got %v (%v)", list, err)
	}
	if list[0].ID != second.ID {
		t.Errorf("expected newest project first, got %d", list[0].ID)
	}

	if err := s.RenameProject(ctx, first.ID, "Renamed"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, err := s.GetProject(ctx, first.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if got.Name != "Renamed" {
		t.Errorf("expected renamed project, got %q", got.Name)
	}
	if got.UpdatedAt.Before(first.UpdatedAt) {
		t.Errorf("rename moved updated_at backwards: %v < %v", got.UpdatedAt, first.UpdatedAt)
	}

	if err := s.RenameProject(ctx, 999, "x"); !errors.Is(err, store.ErrProjectNotFound) {
		t.Errorf("expected ErrProjectNotFound, got %v", err)
	}
}

func testDeleteProject(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, g := seed(t, s)
	if err := s.AssignTask(ctx, g.ID, "T1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.UpdateTracks(ctx, g.ID, model.Track{AudioID: strp("a1")}, model.Track{AudioID: strp("a2")}, nil); err != nil {
		t.Fatalf("update tracks: %v", err)
	}

	// An extension kept in another project outlives its parent
	other, err := s.CreateProject(ctx, "Other")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	child, err := s.CreateGeneration(ctx, model.NewGeneration{
		ProjectID: other.ID, Title: "more", Style: "pop", Lyrics: "la",
		Extends: &model.Lineage{GenerationID: g.ID, AudioID: "a1", ContinueAt: 10},
	})
	if err != nil {
		t.Fatalf("create extension: %v", err)
	}

	if err := s.DeleteProject(ctx, p.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.GetProject(ctx, p.ID); !errors.Is(err, store.ErrProjectNotFound) {
		t.Errorf("expected project to be gone, got %v", err)
	}
	if _, err := s.GetGeneration(ctx, g.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected generation to be gone, got %v", err)
	}
	if _, err := s.GetGenerationByTaskID(ctx, "T1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected task lookup to miss, got %v", err)
	}
	if err := s.UpdateStatus(ctx, g.ID, model.StatusTextSuccess, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected writes to a deleted generation to fail with ErrNotFound, got %v", err)
	}
	for _, pending := range mustPending(t, s) {
		if pending.ID == g.ID {
			t.Error("deleted generation is still listed as pending")
		}
	}

	survivor := mustGet(t, s, child.ID)
	if survivor.ExtendsGenerationID != nil {
		t.Errorf("expected lineage to be cleared, got %d", *survivor.ExtendsGenerationID)
	}
	if ext, _ := s.ListExtensions(ctx, g.ID, "a1"); len(ext) != 0 {
		t.Errorf("expected no extensions of a deleted generation, got %d", len(ext))
	}

	if err := s.DeleteProject(ctx, p.ID); !errors.Is(err, store.ErrProjectNotFound) {
		t.Errorf("expected ErrProjectNotFound on second delete, got %v", err)
	}
}

func mustPending(t *testing.T, s store.Store) []model.Generation {
	t.Helper()
	list, err := s.ListPendingGenerations(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	return list
}

func testAssignTask(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, g := seed(t, s)

	if err := s.AssignTask(ctx, g.ID, "T1"); err != nil {
		t.Fatalf("assign task: %v", err)
	}

	got, err := s.GetGenerationByTaskID(ctx, "T1")
	if err != nil {
		t.Fatalf("get by task: %v", err)
	}
	if got.ID != g.ID || got.Status != model.StatusProcessing {
		t.Errorf("expected generation %d processing, got %d %s", g.ID, got.ID, got.Status)
	}
	if _, err := s.GetGenerationByTaskID(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testForwardOnly(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, g := seed(t, s)

	if err := s.AssignTask(ctx, g.ID, "T1"); err != nil {
		t.Fatalf("assign task: %v", err)
	}
	if err := s.UpdateStatus(ctx, g.ID, model.StatusFirstSuccess, nil); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := s.UpdateStatus(ctx, g.ID, model.StatusTextSuccess, nil); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on regression, got %v", err)
	}
	if got := mustGet(t, s, g.ID); got.Status != model.StatusFirstSuccess {
		t.Errorf("expected status to stay first_success, got %s", got.Status)
	}

	if err := s.UpdateStatus(ctx, g.ID, model.StatusError, strp("boom")); err != nil {
		t.Fatalf("update to error: %v", err)
	}
	got := mustGet(t, s, g.ID)
	if got.Status != model.StatusError || got.ErrorMessage == nil || *got.ErrorMessage != "boom" {
		t.Errorf("expected error/boom, got %s %v", got.Status, got.ErrorMessage)
	}

	if err := s.UpdateStatus(ctx, g.ID, model.StatusProcessing, nil); !errors.Is(err, store.ErrTerminal) {
		t.Errorf("expected ErrTerminal, got %v", err)
	}
	if err := s.UpdateTracks(ctx, g.ID, model.Track{StreamURL: strp("x")}, model.Track{}, nil); !errors.Is(err, store.ErrTerminal) {
		t.Errorf("expected ErrTerminal on track update, got %v", err)
	}
	if err := s.UpdateStatus(ctx, g.ID+100, model.StatusError, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testMergeTracks(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, g := seed(t, s)

	d := 61.2
	if err := s.UpdateTracks(ctx, g.ID,
		model.Track{StreamURL: strp("s1"), ImageURL: strp("i1"), AudioID: strp("a1")},
		model.Track{StreamURL: strp("s2")},
		nil,
	); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := s.UpdateTracks(ctx, g.ID,
		model.Track{AudioURL: strp("d1"), Duration: &d},
		model.Track{},
		strp(`{"status":"FIRST_SUCCESS"}`),
	); err != nil {
		t.Fatalf("second update: %v", err)
	}

	got := mustGet(t, s, g.ID)
	t1 := got.Track1
	if t1.StreamURL == nil || *t1.StreamURL != "s1" || t1.ImageURL == nil || *t1.ImageURL != "i1" {
		t.Errorf("expected earlier track1 fields to survive, got %+v", t1)
	}
	if t1.AudioURL == nil || *t1.AudioURL != "d1" || t1.Duration == nil || *t1.Duration != 61.2 {
		t.Errorf("expected new track1 fields, got %+v", t1)
	}
	if got.Track2.StreamURL == nil || *got.Track2.StreamURL != "s2" {
		t.Errorf("expected track2 stream url to survive an empty update, got %+v", got.Track2)
	}
	if got.ResponseData == nil {
		t.Error("expected response data to be set")
	}
}

func testComplete(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, g := seed(t, s)

	if err := s.AssignTask(ctx, g.ID, "T1"); err != nil {
		t.Fatalf("assign task: %v", err)
	}
	d1, d2 := 120.0, 118.5
	t1 := model.Track{StreamURL: strp("s1"), AudioURL: strp("a1"), ImageURL: strp("i1"), Duration: &d1, AudioID: strp("id1")}
	t2 := model.Track{StreamURL: strp("s2"), AudioURL: strp("a2"), ImageURL: strp("i2"), Duration: &d2, AudioID: strp("id2")}
	if err := s.CompleteGeneration(ctx, g.ID, t1, t2, `{"status":"SUCCESS"}`); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got := mustGet(t, s, g.ID)
	if got.Status != model.StatusSuccess {
		t.Errorf("expected success, got %s", got.Status)
	}
	if got.Track2.AudioID == nil || *got.Track2.AudioID != "id2" || got.Track2.Duration == nil || *got.Track2.Duration != 118.5 {
		t.Errorf("unexpected track2: %+v", got.Track2)
	}
	if got.ResponseData == nil || *got.ResponseData != `{"status":"SUCCESS"}` {
		t.Errorf("unexpected response data: %v", got.ResponseData)
	}

	if err := s.CompleteGeneration(ctx, g.ID, t1, t2, "{}"); !errors.Is(err, store.ErrTerminal) {
		t.Errorf("expected ErrTerminal on second completion, got %v", err)
	}
}

func testListPending(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, g1 := seed(t, s)
	g2, err := s.CreateGeneration(ctx, model.NewGeneration{ProjectID: p.ID, Title: "b", Style: "rock", Lyrics: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	g3, err := s.CreateGeneration(ctx, model.NewGeneration{ProjectID: p.ID, Title: "c", Style: "jazz", Lyrics: "y"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.AssignTask(ctx, g2.ID, "T2"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.UpdateStatus(ctx, g3.ID, model.StatusError, strp("x")); err != nil {
		t.Fatalf("update: %v", err)
	}

	pending, err := s.ListPendingGenerations(ctx)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending generations, got %d", len(pending))
	}
	seen := map[int64]bool{}
	for _, g := range pending {
		seen[g.ID] = true
	}
	if !seen[g1.ID] || !seen[g2.ID] {
		t.Errorf("expected generations %d and %d, got %v", g1.ID, g2.ID, seen)
	}
}

func testLineage(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, parent := seed(t, s)

	if err := s.UpdateTracks(ctx, parent.ID, model.Track{AudioID: strp("a1")}, model.Track{AudioID: strp("a2")}, nil); err != nil {
		t.Fatalf("update tracks: %v", err)
	}

	child, err := s.CreateGeneration(ctx, model.NewGeneration{
		ProjectID: p.ID, Title: "more", Style: "pop", Lyrics: "la",
		Extends: &model.Lineage{GenerationID: parent.ID, AudioID: "a2", ContinueAt: 30},
	})
	if err != nil {
		t.Fatalf("create extension: %v", err)
	}
	if child.ExtendsGenerationID == nil || *child.ExtendsGenerationID != parent.ID {
		t.Errorf("expected lineage to parent %d, got %v", parent.ID, child.ExtendsGenerationID)
	}
	if child.ContinueAt == nil || *child.ContinueAt != 30 {
		t.Errorf("expected continue_at 30, got %v", child.ContinueAt)
	}

	ext, err := s.ListExtensions(ctx, parent.ID, "a2")
	if err != nil || len(ext) != 1 || ext[0].ID != child.ID {
		t.Errorf("expected one extension %d, got %v (%v)", child.ID, ext, err)
	}
	if ext, _ := s.ListExtensions(ctx, parent.ID, "a1"); len(ext) != 0 {
		t.Errorf("expected no extensions of a1, got %d", len(ext))
	}

	_, err = s.CreateGeneration(ctx, model.NewGeneration{
		ProjectID: p.ID, Title: "bad", Style: "pop", Lyrics: "la",
		Extends: &model.Lineage{GenerationID: parent.ID, AudioID: "nope", ContinueAt: 5},
	})
	if !errors.Is(err, store.ErrInvalidLineage) {
		t.Errorf("expected ErrInvalidLineage for unknown audio id, got %v", err)
	}
	_, err = s.CreateGeneration(ctx, model.NewGeneration{
		ProjectID: p.ID, Title: "bad", Style: "pop", Lyrics: "la",
		Extends: &model.Lineage{GenerationID: parent.ID + 100, AudioID: "a1", ContinueAt: 5},
	})
	if !errors.Is(err, store.ErrInvalidLineage) {
		t.Errorf("expected ErrInvalidLineage for unknown parent, got %v", err)
	}
}

func testConcurrentWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	p, _ := seed(t, s)

	const n = 8
	ids := make([]int64, n)
	for i := range ids {
		g, err := s.CreateGeneration(ctx, model.NewGeneration{ProjectID: p.ID, Title: "t", Style: "s", Lyrics: "l"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids[i] = g.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for _, st := range []model.Status{model.StatusProcessing, model.StatusTextSuccess, model.StatusFirstSuccess} {
				if err := s.UpdateStatus(ctx, id, st, nil); err != nil {
					t.Errorf("update %d to %s: %v", id, st, err)
				}
				if err := s.UpdateTracks(ctx, id, model.Track{StreamURL: strp("s")}, model.Track{}, nil); err != nil {
					t.Errorf("update tracks %d: %v", id, err)
				}
			}
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		if got := mustGet(t, s, id); got.Status != model.StatusFirstSuccess {
			t.Errorf("expected %d first_success, got %s", id, got.Status)
		}
	}
}
