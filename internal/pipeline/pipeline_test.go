package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fpang/frigate-ai-analyzer/internal/classify"
	"github.com/fpang/frigate-ai-analyzer/internal/config"
	"github.com/fpang/frigate-ai-analyzer/internal/frames"
	"github.com/fpang/frigate-ai-analyzer/internal/frigate"
)

type fakeFetcher struct {
	t   *testing.T
	err error

	mu    sync.Mutex
	calls int
	paths []string
}

func (f *fakeFetcher) FetchClip(_ context.Context, eventID string) (*frigate.Clip, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	path := filepath.Join(f.t.TempDir(), eventID+".mp4")
	if err := os.WriteFile(path, []byte("clip"), 0o644); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()
	return &frigate.Clip{EventID: eventID, Path: path, SizeBytes: 4}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSampler struct {
	err error

	mu        sync.Mutex
	maxFrames []int
}

func (s *fakeSampler) Sample(_ context.Context, _ string, maxFrames int) ([]frames.Frame, error) {
	s.mu.Lock()
	s.maxFrames = append(s.maxFrames, maxFrames)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return []frames.Frame{{Index: 0, JPEG: []byte{0xff, 0xd8}}}, nil
}

type fakeClassifier struct {
	verdict classify.Verdict
	err     error

	mu      sync.Mutex
	targets []string
}

func (c *fakeClassifier) Classify(_ context.Context, _ []frames.Frame, target string) (classify.Verdict, error) {
	c.mu.Lock()
	c.targets = append(c.targets, target)
	c.mu.Unlock()
	return c.verdict, c.err
}

func (c *fakeClassifier) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.targets)
}

type capturingPublisher struct {
	mu       sync.Mutex
	verdicts []VerdictMessage
	progress []string
}

func (p *capturingPublisher) Publish(v VerdictMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.verdicts = append(p.verdicts, v)
}

func (p *capturingPublisher) Progress(eventID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, eventID+":"+status)
}

func (p *capturingPublisher) all() []VerdictMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]VerdictMessage, len(p.verdicts))
	copy(out, p.verdicts)
	return out
}

func testStore(t *testing.T, filters []config.FilterRule) *config.Store {
	t.Helper()
	store, err := config.Open(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := store.Snapshot()
	s.Filters = filters
	if err := store.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	return store
}

func eventPayload(t *testing.T, id, camera, label string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"type": "end",
		"after": map[string]any{
			"id":     id,
			"camera": camera,
			"label":  label,
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestHandleMessageFilteredEvent(t *testing.T) {
	store := testStore(t, []config.FilterRule{{Camera: "front_door", Label: "person"}})
	fetcher := &fakeFetcher{t: t}
	pub := &capturingPublisher{}
	deps := NewDeps(fetcher, &fakeSampler{}, &fakeClassifier{}, pub, 4)

	orch := New(context.Background(), store, deps)
	orch.HandleMessage("frigate/events", eventPayload(t, "ev-1", "backyard", "cat"))
	orch.Wait()

	if fetcher.callCount() != 0 {
		t.Fatalf("filtered event fetched a clip %d times, want 0", fetcher.callCount())
	}
	verdicts := pub.all()
	if len(verdicts) != 1 {
		t.Fatalf("got %d verdicts, want 1", len(verdicts))
	}
	v := verdicts[0]
	if v.Status != StatusFiltered {
		t.Errorf("status = %q, want %q", v.Status, StatusFiltered)
	}
	if v.EventID != "ev-1" || v.Camera != "backyard" || v.Label != "cat" {
		t.Errorf("verdict identity = %+v", v)
	}
	if v.TargetPresent != nil || v.Probability != nil {
		t.Errorf("filtered verdict carries classification fields: %+v", v)
	}
}

// The bus delivery loop calls HandleMessage directly, so the unmatched path
// must hand its verdict publication to a goroutine instead of waiting on the
// broker inline, same as the matched path does.
func TestHandleMessageFilteredDoesNotBlockOnPublish(t *testing.T) {
	store := testStore(t, []config.FilterRule{{Camera: "front_door", Label: "person"}})
	pub := &stallingPublisher{delay: 500 * time.Millisecond}
	deps := NewDeps(&fakeFetcher{t: t}, &fakeSampler{}, &fakeClassifier{}, pub, 4)

	orch := New(context.Background(), store, deps)
	start := time.Now()
	orch.HandleMessage("frigate/events", eventPayload(t, "ev-slow", "backyard", "cat"))
	elapsed := time.Since(start)
	orch.Wait()

	if elapsed >= pub.delay {
		t.Errorf("HandleMessage waited %v on the verdict publication", elapsed)
	}
	verdicts := pub.all()
	if len(verdicts) != 1 || verdicts[0].Status != StatusFiltered {
		t.Fatalf("verdicts after wait = %+v", verdicts)
	}
}

type stallingPublisher struct {
	capturingPublisher
	delay time.Duration
}

func (p *stallingPublisher) Publish(v VerdictMessage) {
	time.Sleep(p.delay)
	p.capturingPublisher.Publish(v)
}

func TestHandleMessageSuccessfulAnalysis(t *testing.T) {
	store := testStore(t, []config.FilterRule{{Camera: "front_door", Label: "person"}})
	fetcher := &fakeFetcher{t: t}
	sampler := &fakeSampler{}
	classifier := &fakeClassifier{verdict: classify.Verdict{Present: true, Probability: 0.93}}
	pub := &capturingPublisher{}
	deps := NewDeps(fetcher, sampler, classifier, pub, 4)

	orch := New(context.Background(), store, deps)
	orch.HandleMessage("frigate/events", eventPayload(t, "ev-2", "front_door", "person"))
	orch.Wait()

	verdicts := pub.all()
	if len(verdicts) != 1 {
		t.Fatalf("got %d verdicts, want 1", len(verdicts))
	}
	v := verdicts[0]
	if v.Status != StatusAnalyzed {
		t.Fatalf("status = %q, want %q: detail=%q", v.Status, StatusAnalyzed, v.ErrorDetail)
	}
	if v.TargetPresent == nil || !*v.TargetPresent {
		t.Errorf("target_present = %v, want true", v.TargetPresent)
	}
	if v.Probability == nil || *v.Probability != 0.93 {
		t.Errorf("probability = %v, want 0.93", v.Probability)
	}
	if v.Timestamp.IsZero() {
		t.Error("verdict timestamp is zero")
	}

	classifier.mu.Lock()
	targets := classifier.targets
	classifier.mu.Unlock()
	if len(targets) != 1 || targets[0] != "person" {
		t.Errorf("classifier targets = %v, want [person]", targets)
	}

	sampler.mu.Lock()
	maxFrames := sampler.maxFrames
	sampler.mu.Unlock()
	want := store.Snapshot().MaxFrames
	if len(maxFrames) != 1 || maxFrames[0] != want {
		t.Errorf("sampler maxFrames = %v, want [%d]", maxFrames, want)
	}

	for _, path := range fetcher.paths {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("clip file %s not cleaned up", path)
		}
	}
}

func TestHandleMessageFetchFailure(t *testing.T) {
	store := testStore(t, []config.FilterRule{{Camera: "front_door", Label: "person"}})
	fetcher := &fakeFetcher{t: t, err: errors.New("clip not ready")}
	classifier := &fakeClassifier{}
	pub := &capturingPublisher{}
	deps := NewDeps(fetcher, &fakeSampler{}, classifier, pub, 4)

	orch := New(context.Background(), store, deps)
	orch.HandleMessage("frigate/events", eventPayload(t, "ev-3", "front_door", "person"))
	orch.Wait()

	verdicts := pub.all()
	if len(verdicts) != 1 {
		t.Fatalf("got %d verdicts, want 1", len(verdicts))
	}
	v := verdicts[0]
	if v.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", v.Status, StatusFailed)
	}
	if v.ErrorDetail == "" {
		t.Error("failed verdict is missing error detail")
	}
	if v.TargetPresent != nil || v.Probability != nil {
		t.Errorf("failed verdict carries classification fields: %+v", v)
	}
	if classifier.callCount() != 0 {
		t.Errorf("classifier called %d times after fetch failure, want 0", classifier.callCount())
	}
}

func TestHandleMessageNoDecodableFrames(t *testing.T) {
	store := testStore(t, []config.FilterRule{{Camera: "front_door", Label: "person"}})
	fetcher := &fakeFetcher{t: t}
	sampler := &fakeSampler{err: frames.ErrNoFrames}
	classifier := &fakeClassifier{}
	pub := &capturingPublisher{}
	deps := NewDeps(fetcher, sampler, classifier, pub, 4)

	orch := New(context.Background(), store, deps)
	orch.HandleMessage("frigate/events", eventPayload(t, "ev-4", "front_door", "person"))
	orch.Wait()

	verdicts := pub.all()
	if len(verdicts) != 1 {
		t.Fatalf("got %d verdicts, want 1", len(verdicts))
	}
	v := verdicts[0]
	if v.Status != StatusFailed {
		t.Fatalf("status = %q, want %q", v.Status, StatusFailed)
	}
	if v.ErrorDetail != "no decodable frames in clip" {
		t.Errorf("error detail = %q", v.ErrorDetail)
	}
	if classifier.callCount() != 0 {
		t.Errorf("classifier called %d times with no frames, want 0", classifier.callCount())
	}
	for _, path := range fetcher.paths {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("clip file %s not cleaned up after sampler failure", path)
		}
	}
}

func TestHandleMessageMalformedPayloadDropped(t *testing.T) {
	store := testStore(t, []config.FilterRule{{Camera: "front_door", Label: "person"}})
	fetcher := &fakeFetcher{t: t}
	pub := &capturingPublisher{}
	deps := NewDeps(fetcher, &fakeSampler{}, &fakeClassifier{}, pub, 4)

	orch := New(context.Background(), store, deps)
	orch.HandleMessage("frigate/events", []byte("not json at all"))
	orch.HandleMessage("frigate/events", []byte(`"just a string"`))
	orch.Wait()

	if got := len(pub.all()); got != 0 {
		t.Errorf("malformed payloads produced %d verdicts, want 0", got)
	}
	if fetcher.callCount() != 0 {
		t.Errorf("malformed payloads triggered %d fetches, want 0", fetcher.callCount())
	}
}

func TestHandleMessageConcurrentEvents(t *testing.T) {
	store := testStore(t, []config.FilterRule{{Camera: "front_door", Label: "person"}})
	fetcher := &fakeFetcher{t: t}
	classifier := &fakeClassifier{verdict: classify.Verdict{Present: true, Probability: 0.5}}
	pub := &capturingPublisher{}
	deps := NewDeps(fetcher, &fakeSampler{}, classifier, pub, 2)

	orch := New(context.Background(), store, deps)
	for i := 0; i < 8; i++ {
		id := "ev-" + string(rune('a'+i))
		orch.HandleMessage("frigate/events", eventPayload(t, id, "front_door", "person"))
	}
	orch.Wait()

	verdicts := pub.all()
	if len(verdicts) != 8 {
		t.Fatalf("got %d verdicts, want 8", len(verdicts))
	}
	seen := make(map[string]bool)
	for _, v := range verdicts {
		if v.Status != StatusAnalyzed {
			t.Errorf("event %s status = %q, want %q", v.EventID, v.Status, StatusAnalyzed)
		}
		if seen[v.EventID] {
			t.Errorf("duplicate verdict for event %s", v.EventID)
		}
		seen[v.EventID] = true
	}
}

// Duplicate ids are not coalesced: each delivery runs its own task and
// publishes its own terminal verdict.
func TestHandleMessageDuplicateEventIDs(t *testing.T) {
	store := testStore(t, []config.FilterRule{{Camera: "front_door", Label: "person"}})
	fetcher := &fakeFetcher{t: t}
	classifier := &fakeClassifier{verdict: classify.Verdict{Present: true, Probability: 0.7}}
	pub := &capturingPublisher{}
	deps := NewDeps(fetcher, &fakeSampler{}, classifier, pub, 4)

	orch := New(context.Background(), store, deps)
	payload := eventPayload(t, "ev-dup", "front_door", "person")
	orch.HandleMessage("frigate/events", payload)
	orch.HandleMessage("frigate/events", payload)
	orch.Wait()

	verdicts := pub.all()
	if len(verdicts) != 2 {
		t.Fatalf("got %d verdicts for two deliveries of one id, want 2", len(verdicts))
	}
	for _, v := range verdicts {
		if v.EventID != "ev-dup" || v.Status != StatusAnalyzed {
			t.Errorf("verdict = %+v", v)
		}
	}
	if fetcher.callCount() != 2 {
		t.Errorf("clip fetched %d times, want 2", fetcher.callCount())
	}
	if classifier.callCount() != 2 {
		t.Errorf("classifier called %d times, want 2", classifier.callCount())
	}
}

// A reload mid-flight must not disturb tasks already running: they finish
// against the dependency bundle and settings they captured at admission.
func TestSwapDoesNotAffectInFlightTask(t *testing.T) {
	store := testStore(t, []config.FilterRule{{Camera: "front_door", Label: "person"}})

	release := make(chan struct{})
	started := make(chan struct{})
	blockingClassifier := &blockedClassifier{
		started: started,
		release: release,
		verdict: classify.Verdict{Present: true, Probability: 0.8},
	}
	oldPub := &capturingPublisher{}
	oldDeps := NewDeps(&fakeFetcher{t: t}, &fakeSampler{}, blockingClassifier, oldPub, 1)

	orch := New(context.Background(), store, oldDeps)
	orch.HandleMessage("frigate/events", eventPayload(t, "ev-old", "front_door", "person"))

	<-started

	newPub := &capturingPublisher{}
	orch.Swap(NewDeps(&fakeFetcher{t: t}, &fakeSampler{}, &fakeClassifier{}, newPub, 1))

	close(release)
	orch.Wait()

	old := oldPub.all()
	if len(old) != 1 || old[0].Status != StatusAnalyzed {
		t.Fatalf("in-flight task did not finish on its captured publisher: %+v", old)
	}
	if got := len(newPub.all()); got != 0 {
		t.Errorf("swapped-in publisher received %d verdicts from the old task, want 0", got)
	}
}

type blockedClassifier struct {
	started chan struct{}
	release chan struct{}
	verdict classify.Verdict

	once sync.Once
}

func (c *blockedClassifier) Classify(ctx context.Context, _ []frames.Frame, _ string) (classify.Verdict, error) {
	c.once.Do(func() { close(c.started) })
	select {
	case <-c.release:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}
	return c.verdict, nil
}
