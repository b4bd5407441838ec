package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/makeasinger/kiemusic/internal/client"
	"github.com/makeasinger/kiemusic/internal/model"
	"github.com/makeasinger/kiemusic/internal/store"
	"github.com/makeasinger/kiemusic/internal/store/memory"
)

// --- test doubles ---

type pollResult struct {
	resp *client.MusicDetailsResponse
	err  error
}

// fakeClient replays a script of poll results per task. The last result
// repeats once the script is exhausted.
type fakeClient struct {
	mu      sync.Mutex
	scripts map[string][]pollResult
	calls   map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{scripts: make(map[string][]pollResult), calls: make(map[string]int)}
}

func (c *fakeClient) script(taskID string, results ...pollResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[taskID] = results
}

func (c *fakeClient) callCount(taskID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[taskID]
}

func (c *fakeClient) GenerateMusic(ctx context.Context, req *client.GenerateMusicRequest) (*client.GenerateMusicResponse, error) {
	return nil, errors.New("not used")
}

func (c *fakeClient) ExtendMusic(ctx context.Context, req *client.ExtendMusicRequest) (*client.GenerateMusicResponse, error) {
	return nil, errors.New("not used")
}

func (c *fakeClient) GetMusicDetails(ctx context.Context, taskID string) (*client.MusicDetailsResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[taskID]++
	script := c.scripts[taskID]
	if len(script) == 0 {
		return nil, fmt.Errorf("%w: no script for %s", client.ErrTransport, taskID)
	}
	r := script[0]
	if len(script) > 1 {
		c.scripts[taskID] = script[1:]
	}
	return r.resp, r.err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.Event
}

func (n *recordingNotifier) Broadcast(generationID int64, eventType model.EventType, patch model.Patch) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, model.Event{Type: eventType, GenerationID: generationID, Data: patch})
}

func (n *recordingNotifier) all() []model.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Event(nil), n.events...)
}

// stepClock hands every wait to the test, which decides when it fires
type stepClock struct {
	waits chan chan time.Time
}

func newStepClock() *stepClock {
	return &stepClock{waits: make(chan chan time.Time, 16)}
}

func (c *stepClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.waits <- ch
	return ch
}

// next blocks until a loop has finished an attempt and is waiting
func (c *stepClock) next(t *testing.T) chan time.Time {
	t.Helper()
	select {
	case ch := <-c.waits:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop never waited for the next tick")
		return nil
	}
}

// instantClock fires immediately
type instantClock struct{}

func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

// --- response builders ---

func details(status client.RemoteStatus, tracks ...client.RemoteTrack) pollResult {
	resp := &client.MusicDetailsResponse{Code: client.CodeOK, Msg: "success"}
	resp.Data.TaskID = "T1"
	resp.Data.Status = status
	if len(tracks) > 0 {
		resp.Data.Response = &struct {
			TaskID   string               `json:"taskId"`
			SunoData []client.RemoteTrack `json:"sunoData"`
		}{TaskID: "T1", SunoData: tracks}
	}
	return pollResult{resp: resp}
}

func failed(status client.RemoteStatus, msg string) pollResult {
	r := details(status)
	if msg != "" {
		r.resp.Data.ErrorMessage = &msg
	}
	return r
}

func transportErr() pollResult {
	return pollResult{err: fmt.Errorf("%w: connection refused", client.ErrTransport)}
}

func streaming(id, stream string) client.RemoteTrack {
	return client.RemoteTrack{ID: id, StreamAudioURL: stream, ImageURL: "img-" + id}
}

func finished(id string, duration float64) client.RemoteTrack {
	return client.RemoteTrack{
		ID: id, StreamAudioURL: "stream-" + id, AudioURL: "audio-" + id,
		ImageURL: "img-" + id, Duration: duration,
	}
}

// --- fixture ---

type fixture struct {
	store    *memory.Store
	client   *fakeClient
	notifier *recordingNotifier
	engine   *Engine
}

func newFixture(t *testing.T, clock Clock, maxAttempts int) *fixture {
	t.Helper()
	f := &fixture{store: memory.New(), client: newFakeClient(), notifier: &recordingNotifier{}}
	f.engine = New(f.store, f.client, f.notifier, Options{
		Interval:    time.Millisecond,
		MaxAttempts: maxAttempts,
		Clock:       clock,
	})
	t.Cleanup(f.engine.Stop)
	return f
}

// submitted creates a generation that already has a task handle
func (f *fixture) submitted(t *testing.T, taskID string) *model.Generation {
	t.Helper()
	ctx := context.Background()
	p, err := f.store.CreateProject(ctx, "Demo")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	g, err := f.store.CreateGeneration(ctx, model.NewGeneration{ProjectID: p.ID, Title: "Test", Style: "pop", Lyrics: "la la"})
	if err != nil {
		t.Fatalf("create generation: %v", err)
	}
	if err := f.store.AssignTask(ctx, g.ID, taskID); err != nil {
		t.Fatalf("assign task: %v", err)
	}
	return f.get(t, g.ID)
}

func (f *fixture) get(t *testing.T, id int64) *model.Generation {
	t.Helper()
	g, err := f.store.GetGeneration(context.Background(), id)
	if err != nil {
		t.Fatalf("get generation: %v", err)
	}
	return g
}

func (f *fixture) start(t *testing.T, g *model.Generation) {
	t.Helper()
	if !f.engine.Start(LoopSpec{GenerationID: g.ID, TaskID: *g.TaskID, Status: g.Status}) {
		t.Fatal("expected loop to start")
	}
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

// --- tests ---

func TestScenarioStreamsThenCompletes(t *testing.T) {
	clock := newStepClock()
	f := newFixture(t, clock, 120)
	g := f.submitted(t, "T1")

	f.client.script("T1",
		details(client.RemotePending),
		details(client.RemoteTextSuccess, streaming("a1", "s1"), streaming("a2", "s2")),
		details(client.RemoteFirstSuccess, streaming("a1", "s1"), streaming("a2", "s2")),
		details(client.RemoteSuccess, finished("a1", 120), finished("a2", 118.5)),
	)
	f.start(t, g)

	tick := clock.next(t)
	if got := f.get(t, g.ID); got.Status != model.StatusProcessing {
		t.Errorf("after PENDING expected processing, got %s", got.Status)
	}
	tick <- time.Now()

	tick = clock.next(t)
	got := f.get(t, g.ID)
	if got.Status != model.StatusTextSuccess {
		t.Errorf("after TEXT_SUCCESS expected text_success, got %s", got.Status)
	}
	if deref(got.Track1.StreamURL) != "s1" || deref(got.Track2.StreamURL) != "s2" {
		t.Errorf("expected stream urls to be stored, got %s %s", deref(got.Track1.StreamURL), deref(got.Track2.StreamURL))
	}
	if got.Track1.AudioURL != nil {
		t.Errorf("expected no audio url yet, got %s", *got.Track1.AudioURL)
	}
	tick <- time.Now()

	tick = clock.next(t)
	if got := f.get(t, g.ID); got.Status != model.StatusFirstSuccess {
		t.Errorf("after FIRST_SUCCESS expected first_success, got %s", got.Status)
	}
	tick <- time.Now()

	f.engine.Wait()

	got = f.get(t, g.ID)
	if got.Status != model.StatusSuccess {
		t.Fatalf("expected success, got %s", got.Status)
	}
	if deref(got.Track1.AudioURL) != "audio-a1" || deref(got.Track2.AudioID) != "a2" {
		t.Errorf("unexpected final tracks: %+v %+v", got.Track1, got.Track2)
	}
	if got.Track2.Duration == nil || *got.Track2.Duration != 118.5 {
		t.Errorf("expected track2 duration 118.5, got %v", got.Track2.Duration)
	}
	if got.ResponseData == nil || !json.Valid([]byte(*got.ResponseData)) {
		t.Errorf("expected a JSON snapshot, got %v", got.ResponseData)
	}
	if f.client.callCount("T1") != 4 {
		t.Errorf("expected 4 polls, got %d", f.client.callCount("T1"))
	}

	events := f.notifier.all()
	if len(events) != 4 {
		t.Fatalf("expected one event per attempt, got %d", len(events))
	}
	if events[0].Type != model.EventGenerationUpdate || events[0].Data.Status != model.StatusProcessing {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if deref(events[1].Data.Track1StreamURL) != "s1" || events[1].Data.Status != model.StatusTextSuccess {
		t.Errorf("expected the text_success event to carry stream urls, got %+v", events[1].Data)
	}
	last := events[3]
	if last.Type != model.EventGenerationComplete || last.Data.Status != model.StatusSuccess {
		t.Errorf("expected completion event, got %+v", last)
	}
	if deref(last.Data.Track1AudioURL) != "audio-a1" || deref(last.Data.Track2AudioID) != "a2" || last.Data.ResponseData == nil {
		t.Errorf("expected completion event to carry full data, got %+v", last.Data)
	}
	if f.engine.Active() != 0 {
		t.Errorf("expected registration to be released, %d active", f.engine.Active())
	}
}

func TestTransportFailuresExhaustBudget(t *testing.T) {
	f := newFixture(t, instantClock{}, 120)
	g := f.submitted(t, "T1")
	f.client.script("T1", transportErr())

	f.start(t, g)
	f.engine.Wait()

	if n := f.client.callCount("T1"); n != 120 {
		t.Errorf("expected exactly 120 attempts, got %d", n)
	}
	got := f.get(t, g.ID)
	if got.Status != model.StatusError {
		t.Fatalf("expected error, got %s", got.Status)
	}
	if msg := deref(got.ErrorMessage); !strings.HasPrefix(msg, model.MessageTimedOut+": ") || !strings.Contains(msg, "connection refused") {
		t.Errorf("expected timeout message with last error, got %q", msg)
	}

	events := f.notifier.all()
	if len(events) != 1 || events[0].Type != model.EventGenerationError {
		t.Fatalf("expected a single error event, got %+v", events)
	}
	if deref(events[0].Data.ErrorMessage) != deref(got.ErrorMessage) {
		t.Errorf("expected event and record to carry the same message")
	}
}

func TestTimeoutAfterProgress(t *testing.T) {
	f := newFixture(t, instantClock{}, 3)
	g := f.submitted(t, "T1")
	f.client.script("T1", details(client.RemotePending))

	f.start(t, g)
	f.engine.Wait()

	got := f.get(t, g.ID)
	if got.Status != model.StatusError || deref(got.ErrorMessage) != model.MessageTimedOut {
		t.Errorf("expected plain timeout, got %s %q", got.Status, deref(got.ErrorMessage))
	}
	events := f.notifier.all()
	if len(events) != 4 {
		t.Fatalf("expected 3 updates and 1 error, got %d", len(events))
	}
	if events[3].Type != model.EventGenerationError {
		t.Errorf("expected final error event, got %s", events[3].Type)
	}
}

func TestIncompleteSuccessKeepsPolling(t *testing.T) {
	f := newFixture(t, instantClock{}, 10)
	g := f.submitted(t, "T1")
	f.client.script("T1",
		details(client.RemoteSuccess, finished("a1", 100)),
		details(client.RemoteSuccess, finished("a1", 100), streaming("a2", "s2")),
		details(client.RemoteSuccess, finished("a1", 100), finished("a2", 90)),
	)

	f.start(t, g)
	f.engine.Wait()

	if n := f.client.callCount("T1"); n != 3 {
		t.Errorf("expected 3 polls, got %d", n)
	}
	got := f.get(t, g.ID)
	if got.Status != model.StatusSuccess {
		t.Fatalf("expected success, got %s", got.Status)
	}

	events := f.notifier.all()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for _, e := range events[:2] {
		if e.Type != model.EventGenerationUpdate {
			t.Errorf("expected progress events before completion, got %s", e.Type)
		}
	}
	if deref(events[1].Data.Track2StreamURL) != "s2" {
		t.Errorf("expected partial track2 stream url, got %+v", events[1].Data)
	}
}

func TestRemoteFailureStatuses(t *testing.T) {
	cases := []struct {
		name   string
		result pollResult
		want   string
	}{
		{"with message", failed(client.RemoteGenerateFailed, "audio generation failed"), "audio generation failed"},
		{"label only", failed(client.RemoteSensitiveWordError, ""), "SENSITIVE_WORD_ERROR"},
		{"provider code", pollResult{resp: &client.MusicDetailsResponse{Code: 501, Msg: "task not found"}}, "task not found"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			f := newFixture(t, instantClock{}, 120)
			g := f.submitted(t, "T1")
			f.client.script("T1", c.result)

			f.start(t, g)
			f.engine.Wait()

			if n := f.client.callCount("T1"); n != 1 {
				t.Errorf("expected polling to stop after one attempt, got %d", n)
			}
			got := f.get(t, g.ID)
			if got.Status != model.StatusError || deref(got.ErrorMessage) != c.want {
				t.Errorf("expected error %q, got %s %q", c.want, got.Status, deref(got.ErrorMessage))
			}
			events := f.notifier.all()
			if len(events) != 1 || events[0].Type != model.EventGenerationError || deref(events[0].Data.ErrorMessage) != c.want {
				t.Errorf("unexpected events: %+v", events)
			}
		})
	}
}

func TestStatusNeverRegresses(t *testing.T) {
	clock := newStepClock()
	f := newFixture(t, clock, 120)
	g := f.submitted(t, "T1")
	f.client.script("T1",
		details(client.RemoteFirstSuccess),
		details(client.RemotePending),
		details(client.RemoteTextSuccess),
		details(client.RemoteSuccess, finished("a1", 1), finished("a2", 2)),
	)
	f.start(t, g)

	for i := 0; i < 3; i++ {
		tick := clock.next(t)
		if got := f.get(t, g.ID); got.Status != model.StatusFirstSuccess {
			t.Errorf("attempt %d: expected first_success to hold, got %s", i+1, got.Status)
		}
		tick <- time.Now()
	}
	f.engine.Wait()

	for i, e := range f.notifier.all()[:3] {
		if e.Data.Status != model.StatusFirstSuccess {
			t.Errorf("event %d: expected first_success, got %s", i, e.Data.Status)
		}
	}
	if got := f.get(t, g.ID); got.Status != model.StatusSuccess {
		t.Errorf("expected success, got %s", got.Status)
	}
}

func TestStartIsDeduplicated(t *testing.T) {
	clock := newStepClock()
	f := newFixture(t, clock, 120)
	g := f.submitted(t, "T1")
	f.client.script("T1", details(client.RemotePending))

	f.start(t, g)
	clock.next(t)

	if f.engine.Start(LoopSpec{GenerationID: g.ID, TaskID: "T1"}) {
		t.Error("expected a second start for the same generation to be absorbed")
	}
	if !f.engine.IsActive(g.ID) || f.engine.Active() != 1 {
		t.Errorf("expected exactly one active loop, got %d", f.engine.Active())
	}

	f.engine.Stop()

	if f.engine.Active() != 0 {
		t.Errorf("expected no active loops after stop, got %d", f.engine.Active())
	}
	if got := f.get(t, g.ID); got.Status != model.StatusProcessing {
		t.Errorf("expected stop to leave the job untouched, got %s", got.Status)
	}
	if f.engine.Start(LoopSpec{GenerationID: g.ID, TaskID: "T1"}) {
		t.Error("expected start after stop to be refused")
	}
	if n := f.client.callCount("T1"); n != 1 {
		t.Errorf("expected a single poll, got %d", n)
	}
}

func TestLoopEndsWhenGenerationAlreadyFinal(t *testing.T) {
	f := newFixture(t, instantClock{}, 120)
	g := f.submitted(t, "T1")
	msg := "cancelled elsewhere"
	if err := f.store.UpdateStatus(context.Background(), g.ID, model.StatusError, &msg); err != nil {
		t.Fatalf("update: %v", err)
	}
	f.client.script("T1", details(client.RemoteSuccess, finished("a1", 1), finished("a2", 2)))

	f.start(t, g)
	f.engine.Wait()

	got := f.get(t, g.ID)
	if got.Status != model.StatusError || deref(got.ErrorMessage) != msg {
		t.Errorf("expected the final record to be untouched, got %s %q", got.Status, deref(got.ErrorMessage))
	}
	if len(f.notifier.all()) != 0 {
		t.Errorf("expected no events, got %+v", f.notifier.all())
	}
}

// flakyStore fails the first n status writes
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) UpdateStatus(ctx context.Context, id int64, status model.Status, errMsg *string) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("disk I/O error")
	}
	s.mu.Unlock()
	return s.Store.UpdateStatus(ctx, id, status, errMsg)
}

func TestStorageFailureFailsOnlyTheAttempt(t *testing.T) {
	mem := memory.New()
	fc := newFakeClient()
	n := &recordingNotifier{}
	e := New(&flakyStore{Store: mem, failures: 1}, fc, n, Options{MaxAttempts: 5, Clock: instantClock{}})
	defer e.Stop()

	ctx := context.Background()
	p, _ := mem.CreateProject(ctx, "Demo")
	g, _ := mem.CreateGeneration(ctx, model.NewGeneration{ProjectID: p.ID, Title: "Test", Style: "pop", Lyrics: "la la"})
	if err := mem.AssignTask(ctx, g.ID, "T1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	fc.script("T1",
		details(client.RemoteTextSuccess),
		details(client.RemoteTextSuccess),
		details(client.RemoteSuccess, finished("a1", 1), finished("a2", 2)),
	)

	e.Start(LoopSpec{GenerationID: g.ID, TaskID: "T1", Status: model.StatusProcessing})
	e.Wait()

	if c := fc.callCount("T1"); c != 3 {
		t.Errorf("expected 3 polls, got %d", c)
	}
	events := n.all()
	if len(events) != 2 {
		t.Fatalf("expected the failed attempt to emit nothing, got %d events", len(events))
	}
	if events[0].Data.Status != model.StatusTextSuccess || events[1].Type != model.EventGenerationComplete {
		t.Errorf("unexpected events: %+v", events)
	}
	got, _ := mem.GetGeneration(ctx, g.ID)
	if got.Status != model.StatusSuccess {
		t.Errorf("expected success, got %s", got.Status)
	}
}

type fakeArchiver struct {
	mu   sync.Mutex
	got  map[int64][]byte
	fail bool
}

func (a *fakeArchiver) ArchiveSnapshot(ctx context.Context, generationID int64, snapshot []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail {
		return "", errors.New("bucket unavailable")
	}
	a.got[generationID] = snapshot
	return client.SnapshotKey(generationID), nil
}

func TestCompletionArchivesSnapshot(t *testing.T) {
	for _, fail := range []bool{false, true} {
		mem := memory.New()
		fc := newFakeClient()
		archiver := &fakeArchiver{got: make(map[int64][]byte), fail: fail}
		e := New(mem, fc, &recordingNotifier{}, Options{Clock: instantClock{}, Archiver: archiver})

		ctx := context.Background()
		p, _ := mem.CreateProject(ctx, "Demo")
		g, _ := mem.CreateGeneration(ctx, model.NewGeneration{ProjectID: p.ID, Title: "Test", Style: "pop", Lyrics: "la la"})
		mem.AssignTask(ctx, g.ID, "T1")
		fc.script("T1", details(client.RemoteSuccess, finished("a1", 1), finished("a2", 2)))

		e.Start(LoopSpec{GenerationID: g.ID, TaskID: "T1", Status: model.StatusProcessing})
		e.Wait()
		e.Stop()

		got, _ := mem.GetGeneration(ctx, g.ID)
		if got.Status != model.StatusSuccess {
			t.Errorf("fail=%v: expected success regardless of archiving, got %s", fail, got.Status)
		}
		if !fail && string(archiver.got[g.ID]) != deref(got.ResponseData) {
			t.Errorf("expected the archived snapshot to match the stored one")
		}
	}
}

func TestCompletionWithUnencodableDetails(t *testing.T) {
	f := newFixture(t, instantClock{}, 10)
	g := f.submitted(t, "T1")

	r := details(client.RemoteSuccess, finished("a1", 1), finished("a2", 2))
	r.resp.Data.ErrorCode = make(chan int)
	f.client.script("T1", r)

	f.start(t, g)
	f.engine.Wait()

	got := f.get(t, g.ID)
	if got.Status != model.StatusSuccess {
		t.Fatalf("expected success without a snapshot, got %s", got.Status)
	}
	if deref(got.ResponseData) != "" {
		t.Errorf("expected empty snapshot, got %q", deref(got.ResponseData))
	}
	if deref(got.Track2.AudioURL) != "audio-a2" {
		t.Errorf("expected tracks to be stored, got %v", got.Track2.AudioURL)
	}
}

func TestCancelEndsOneLoop(t *testing.T) {
	clock := newStepClock()
	f := newFixture(t, clock, 120)
	g := f.submitted(t, "T1")
	other := f.submitted(t, "T2")

	f.client.script("T1", details(client.RemotePending))
	f.client.script("T2", details(client.RemotePending))
	f.start(t, g)
	f.start(t, other)
	clock.next(t)
	clock.next(t)

	if !f.engine.Cancel(g.ID) {
		t.Fatal("expected a running loop to be cancelled")
	}
	for i := 0; f.engine.IsActive(g.ID); i++ {
		if i > 200 {
			t.Fatal("cancelled loop still registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !f.engine.IsActive(other.ID) {
		t.Error("cancelling one generation stopped another")
	}
	if got := f.get(t, g.ID); got.Status != model.StatusProcessing {
		t.Errorf("cancel must leave stored state alone, got %s", got.Status)
	}
	if f.engine.Cancel(g.ID) {
		t.Error("expected second cancel to report no loop")
	}
}
