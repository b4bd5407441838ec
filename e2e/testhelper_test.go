package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/kiemusic/internal/auth"
	"github.com/makeasinger/kiemusic/internal/client"
	"github.com/makeasinger/kiemusic/internal/handler"
	"github.com/makeasinger/kiemusic/internal/hub"
	"github.com/makeasinger/kiemusic/internal/model"
	"github.com/makeasinger/kiemusic/internal/reconcile"
	"github.com/makeasinger/kiemusic/internal/service"
	"github.com/makeasinger/kiemusic/internal/store/memory"
)

const testJWTSecret = "test-secret-for-e2e"

const (
	// rejectedTitle makes the fake provider refuse the submission
	rejectedTitle = "reject me"
	// heldTitle makes every poll of the task block until its context ends
	heldTitle = "hold me"
)

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	hub      *hub.Hub
	events   *handler.EventsHandler
	engine   *reconcile.Engine
	service  *service.GenerationService
	provider *fakeProvider
}

// fakeProvider accepts every submission with a new task id. Each task first
// reports a streamable first track, then two finished tracks.
type fakeProvider struct {
	mu    sync.Mutex
	next  int
	polls map[string]int
	held  map[string]bool
}

func (p *fakeProvider) accept(title string) *client.GenerateMusicResponse {
	resp := &client.GenerateMusicResponse{}
	if title == rejectedTitle {
		resp.Code = 400
		resp.Msg = "prompt rejected"
		return resp
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	resp.Code = client.CodeOK
	resp.Msg = "success"
	resp.Data.TaskID = fmt.Sprintf("T%d", p.next)
	if title == heldTitle {
		p.held[resp.Data.TaskID] = true
	}
	return resp
}

func (p *fakeProvider) GenerateMusic(ctx context.Context, req *client.GenerateMusicRequest) (*client.GenerateMusicResponse, error) {
	return p.accept(req.Title), nil
}

func (p *fakeProvider) ExtendMusic(ctx context.Context, req *client.ExtendMusicRequest) (*client.GenerateMusicResponse, error) {
	return p.accept(req.Title), nil
}

func (p *fakeProvider) GetMusicDetails(ctx context.Context, taskID string) (*client.MusicDetailsResponse, error) {
	p.mu.Lock()
	p.polls[taskID]++
	n := p.polls[taskID]
	held := p.held[taskID]
	p.mu.Unlock()

	if held {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	resp := &client.MusicDetailsResponse{Code: client.CodeOK, Msg: "success"}
	resp.Data.TaskID = taskID
	tracks := []client.RemoteTrack{{ID: taskID + "-a1", StreamAudioURL: "u1"}}
	resp.Data.Status = client.RemoteTextSuccess
	if n > 1 {
		resp.Data.Status = client.RemoteSuccess
		tracks = []client.RemoteTrack{
			{ID: taskID + "-a1", StreamAudioURL: "u1", AudioURL: "a1", ImageURL: "i1", Duration: 180},
			{ID: taskID + "-a2", StreamAudioURL: "u2", AudioURL: "a2", ImageURL: "i2", Duration: 175},
		}
	}
	resp.Data.Response = &struct {
		TaskID   string               `json:"taskId"`
		SunoData []client.RemoteTrack `json:"sunoData"`
	}{TaskID: taskID, SunoData: tracks}
	resp.Raw, _ = json.Marshal(resp.Data)
	return resp, nil
}

type instantClock struct{}

func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

// setupApp wires the router the same way main.go does, on an in-memory
// store and a scripted provider
func setupApp(t *testing.T) *testApp {
	return setupAppWith(t, false)
}

func setupAppWith(t *testing.T, gateway bool) *testApp {
	t.Helper()

	st := memory.New()
	eventHub := hub.New()
	provider := &fakeProvider{polls: make(map[string]int), held: make(map[string]bool)}

	engine := reconcile.New(st, provider, eventHub, reconcile.Options{
		Clock:       instantClock{},
		MaxAttempts: 10,
	})
	svc := service.NewGenerationService(st, provider, engine, eventHub, 4)
	events := handler.NewEventsHandler(eventHub, time.Hour)
	t.Cleanup(func() {
		events.Close()
		svc.Wait()
		engine.Stop()
	})

	app := fiber.New()
	handler.SetupRouter(app, handler.RouterConfig{
		Service:       svc,
		Engine:        engine,
		Hub:           eventHub,
		Events:        events,
		Authenticator: auth.NewAuthenticator(nil, testJWTSecret),
		Gateway:       gateway,
		// nil limiter lets every request through
		RateLimiter:   nil,
		SubmitPerHour: 20,
		Services:      map[string]bool{"kie": true, "r2": false, "redis": false, "queue": false, "auth": true},
	})

	return &testApp{
		app:      app,
		hub:      eventHub,
		events:   events,
		engine:   engine,
		service:  svc,
		provider: provider,
	}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.IssueLegacyToken(testJWTSecret, "test-user-123", "test@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// parseJSONArray parses a response body holding a JSON array
func parseJSONArray(t *testing.T, resp *http.Response) []interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result []interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON array: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// createProject creates a project and returns its id
func createProject(t *testing.T, app *fiber.App) int64 {
	t.Helper()
	resp, err := doAuthRequest(t, app, http.MethodPost, "/api/projects", `{"name":"Demo"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusCreated)
	body := parseJSON(t, resp)
	id, ok := body["id"].(float64)
	if !ok {
		t.Fatalf("expected numeric project id, got %v", body["id"])
	}
	return int64(id)
}

// getGeneration fetches a generation over the API
func getGeneration(t *testing.T, app *fiber.App, id int64) model.Generation {
	t.Helper()
	resp, err := doAuthRequest(t, app, http.MethodGet, fmt.Sprintf("/api/generations/%d", id), "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	var g model.Generation
	body := readBody(t, resp)
	if err := json.Unmarshal([]byte(body), &g); err != nil {
		t.Fatalf("failed to parse generation: %v\nbody: %s", err, body)
	}
	return g
}

// waitForStatus polls the API until the generation reaches want
func waitForStatus(t *testing.T, app *fiber.App, id int64, want model.Status) model.Generation {
	t.Helper()
	var g model.Generation
	for i := 0; i < 200; i++ {
		g = getGeneration(t, app, id)
		if g.Status == want {
			return g
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("generation %d stuck in %q, want %q", id, g.Status, want)
	return g
}
