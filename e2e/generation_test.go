package e2e

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/makeasinger/kiemusic/internal/model"
)

func submitGeneration(t *testing.T, ta *testApp, projectID int64, title string) int64 {
	t.Helper()
	body := fmt.Sprintf(`{"projectId":%d,"title":%q,"style":"pop","lyrics":"la la"}`, projectID, title)
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generations", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	result := parseJSON(t, resp)
	id, ok := result["id"].(float64)
	if !ok {
		t.Fatalf("expected numeric generation id, got %v", result["id"])
	}
	return int64(id)
}

func TestGeneration_RunsToCompletion(t *testing.T) {
	ta := setupApp(t)
	projectID := createProject(t, ta.app)

	id := submitGeneration(t, ta, projectID, "Test")
	g := waitForStatus(t, ta.app, id, model.StatusSuccess)

	if g.TaskID == nil || *g.TaskID != "T1" {
		t.Errorf("expected task id T1, got %v", g.TaskID)
	}
	if g.Track1.AudioURL == nil || *g.Track1.AudioURL != "a1" {
		t.Errorf("expected track 1 audio a1, got %v", g.Track1.AudioURL)
	}
	if g.Track2.AudioURL == nil || *g.Track2.AudioURL != "a2" {
		t.Errorf("expected track 2 audio a2, got %v", g.Track2.AudioURL)
	}
	if g.Track1.StreamURL == nil || *g.Track1.StreamURL != "u1" {
		t.Errorf("expected track 1 stream u1, got %v", g.Track1.StreamURL)
	}
	if g.ResponseData == nil || !strings.Contains(*g.ResponseData, "T1-a2") {
		t.Errorf("expected raw snapshot with both tracks, got %v", g.ResponseData)
	}

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/generations/by-task/T1", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	body := parseJSON(t, resp)
	if body["status"] != "success" || body["status_label"] != "Complete" {
		t.Errorf("unexpected by-task view: %v", body)
	}
}

func TestGeneration_RejectedByProvider(t *testing.T) {
	ta := setupApp(t)
	projectID := createProject(t, ta.app)

	id := submitGeneration(t, ta, projectID, rejectedTitle)
	g := waitForStatus(t, ta.app, id, model.StatusError)

	if g.ErrorMessage == nil || *g.ErrorMessage != "prompt rejected" {
		t.Errorf("expected provider message, got %v", g.ErrorMessage)
	}
	if g.TaskID != nil {
		t.Errorf("expected no task id, got %q", *g.TaskID)
	}
}

func TestGeneration_MissingFields(t *testing.T) {
	ta := setupApp(t)
	projectID := createProject(t, ta.app)

	body := fmt.Sprintf(`{"projectId":%d,"title":"Test"}`, projectID)
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generations", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)

	result := parseJSON(t, resp)
	errObj, ok := result["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error object, got %v", result)
	}
	if errObj["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR, got %v", errObj["code"])
	}
	if errObj["message"] != "Missing required fields" {
		t.Errorf("unexpected message %v", errObj["message"])
	}
}

func TestGeneration_UnknownProject(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generations",
		`{"projectId":999,"title":"Test","style":"pop","lyrics":"la la"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestGeneration_NotFound(t *testing.T) {
	ta := setupApp(t)

	for _, path := range []string{"/api/generations/42", "/api/generations/by-task/nope"} {
		resp, err := doAuthRequest(t, ta.app, http.MethodGet, path, "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusNotFound)
	}

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/generations/abc", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestGeneration_RequiresAuth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/generations",
		`{"projectId":1,"title":"Test","style":"pop","lyrics":"la la"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)

	resp, err = doRequest(ta.app, http.MethodGet, "/api/generations/1", "", map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestGateway_TrustsIdentityHeaders(t *testing.T) {
	ta := setupAppWith(t, true)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/projects", `{"name":"Demo"}`, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)

	resp, err = doRequest(ta.app, http.MethodPost, "/api/projects", `{"name":"Demo"}`, map[string]string{
		"X-User-Id": "gateway-user",
	})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusCreated)
}

func TestProject_ListsGenerations(t *testing.T) {
	ta := setupApp(t)
	projectID := createProject(t, ta.app)

	first := submitGeneration(t, ta, projectID, "First")
	second := submitGeneration(t, ta, projectID, "Second")
	waitForStatus(t, ta.app, first, model.StatusSuccess)
	waitForStatus(t, ta.app, second, model.StatusSuccess)

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, fmt.Sprintf("/api/projects/%d", projectID), "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	gens, ok := body["generations"].([]interface{})
	if !ok || len(gens) != 2 {
		t.Fatalf("expected 2 generations, got %v", body["generations"])
	}
	newest := gens[0].(map[string]interface{})
	if newest["title"] != "Second" {
		t.Errorf("expected newest first, got %v", newest["title"])
	}

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/projects/999", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestExtend_AndSongView(t *testing.T) {
	ta := setupApp(t)
	projectID := createProject(t, ta.app)

	parent := submitGeneration(t, ta, projectID, "Test")
	waitForStatus(t, ta.app, parent, model.StatusSuccess)

	body := fmt.Sprintf(`{"generationId":%d,"audioId":"T1-a1","continueAt":60,"title":"Test part 2","style":"pop","lyrics":"la la la"}`, parent)
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generations/extend", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	child := int64(result["id"].(float64))
	if result["extends_audio_id"] != "T1-a1" {
		t.Errorf("expected lineage on the new generation, got %v", result["extends_audio_id"])
	}
	waitForStatus(t, ta.app, child, model.StatusSuccess)

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, fmt.Sprintf("/api/generations/%d/songs/T1-a1", parent), "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	song := parseJSON(t, resp)
	if song["title"] != "Test - Track 1" {
		t.Errorf("unexpected song title %v", song["title"])
	}
	extensions, ok := song["extensions"].([]interface{})
	if !ok || len(extensions) != 1 {
		t.Fatalf("expected one extension, got %v", song["extensions"])
	}

	// Unknown track on a known generation
	resp, err = doAuthRequest(t, ta.app, http.MethodPost, "/api/generations/extend",
		fmt.Sprintf(`{"generationId":%d,"audioId":"missing","continueAt":60,"title":"x","style":"pop","lyrics":"la"}`, parent))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, fmt.Sprintf("/api/generations/%d/songs/missing", parent), "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestEvents_StreamsGenerationLifecycle(t *testing.T) {
	ta := setupApp(t)
	projectID := createProject(t, ta.app)

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, "/events", nil)
		resp, err := ta.app.Test(req, -1)
		done <- result{resp, err}
	}()

	for i := 0; ta.hub.Count() == 0; i++ {
		if i > 200 {
			t.Fatal("event stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	id := submitGeneration(t, ta, projectID, "Test")
	waitForStatus(t, ta.app, id, model.StatusSuccess)
	ta.events.Close()

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not end")
	}
	if r.err != nil {
		t.Fatalf("stream request failed: %v", r.err)
	}
	if ct := r.resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("unexpected content type %q", ct)
	}

	body := readBody(t, r.resp)
	for _, want := range []string{
		`"type":"generation_update"`,
		`"status":"processing","task_id":"T1"`,
		`"status":"text_success"`,
		`"track1_stream_url":"u1"`,
		`"type":"generation_complete"`,
		`"track2_audio_url":"a2"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %s\nbody: %s", want, body)
		}
	}
	if strings.Count(body, `"type":"generation_complete"`) != 1 {
		t.Errorf("expected exactly one completion event\nbody: %s", body)
	}
}
