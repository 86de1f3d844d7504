// Package pipeline sequences the per-event analysis: normalize and filter the
// bus message, then fetch clip → sample frames → classify → publish verdict →
// clean up, one concurrently scheduled task per matched event. A stage failure
// turns into a Failed verdict; it never escapes to the bus delivery loop, and
// one event's failure cannot affect another's task.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/frigate-ai-analyzer/internal/classify"
	"github.com/fpang/frigate-ai-analyzer/internal/config"
	"github.com/fpang/frigate-ai-analyzer/internal/event"
	"github.com/fpang/frigate-ai-analyzer/internal/frames"
	"github.com/fpang/frigate-ai-analyzer/internal/frigate"
	"github.com/fpang/frigate-ai-analyzer/internal/metrics"
)

// ClipFetcher retrieves an event's video clip.
type ClipFetcher interface {
	FetchClip(ctx context.Context, eventID string) (*frigate.Clip, error)
}

// FrameSampler produces a bounded set of stills from a clip.
type FrameSampler interface {
	Sample(ctx context.Context, clipPath string, maxFrames int) ([]frames.Frame, error)
}

// Classifier decides whether the target object appears in the frames.
type Classifier interface {
	Classify(ctx context.Context, frameSet []frames.Frame, target string) (classify.Verdict, error)
}

// Publisher delivers verdicts and progress updates. Implementations are
// best-effort; a failed publication must not fail the pipeline task.
type Publisher interface {
	Publish(v VerdictMessage)
	Progress(eventID string, status string)
}

// Deps bundles the collaborators a task needs, captured atomically at
// admission time. Reloading the settings builds a fresh Deps and swaps it in;
// in-flight tasks finish against the bundle they captured.
type Deps struct {
	Fetcher    ClipFetcher
	Sampler    FrameSampler
	Classifier Classifier
	Publisher  Publisher

	// admission bounds concurrently running analyses; nil means unbounded.
	admission chan struct{}
}

// NewDeps builds a dependency bundle. maxConcurrent <= 0 disables the
// admission limit (the original's unbounded behavior).
func NewDeps(fetcher ClipFetcher, sampler FrameSampler, classifier Classifier, publisher Publisher, maxConcurrent int) *Deps {
	d := &Deps{
		Fetcher:    fetcher,
		Sampler:    sampler,
		Classifier: classifier,
		Publisher:  publisher,
	}
	if maxConcurrent > 0 {
		d.admission = make(chan struct{}, maxConcurrent)
	}
	return d
}

// Orchestrator drives the per-event state machine. HandleMessage is safe to
// call from the bus delivery loop: it never blocks on I/O, it only spawns.
type Orchestrator struct {
	ctx   context.Context
	store *config.Store
	deps  atomic.Pointer[Deps]
	wg    sync.WaitGroup
}

// New creates an Orchestrator. ctx bounds all task lifetimes; cancelling it
// aborts in-flight network and decode work.
func New(ctx context.Context, store *config.Store, deps *Deps) *Orchestrator {
	o := &Orchestrator{ctx: ctx, store: store}
	o.deps.Store(deps)
	return o
}

// Swap atomically replaces the dependency bundle. Tasks already running keep
// the bundle they captured.
func (o *Orchestrator) Swap(deps *Deps) {
	o.deps.Store(deps)
}

// Wait blocks until all in-flight analysis tasks have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// HandleMessage is the bus message entry point. Malformed payloads are
// dropped with a debug log; matched events are handed to their own task
// immediately so the delivery loop is never blocked.
func (o *Orchestrator) HandleMessage(topic string, payload []byte) {
	ev, err := event.Normalize(topic, payload)
	if err != nil {
		log.Debug().Str("topic", topic).Err(err).Msg("Ignoring unparseable message")
		return
	}
	if ev == nil {
		return
	}

	snap := o.store.Snapshot()
	deps := o.deps.Load()

	log.Info().
		Str("event_id", ev.ID).
		Str("camera", ev.Camera).
		Str("label", ev.Label).
		Msg("Detection event received")

	if !event.Matches(ev, snap.Filters) {
		log.Info().Str("event_id", ev.ID).Msg("Event did not match any filter")
		metrics.New().Dimension("Camera", ev.Camera).Count("EventsFiltered").Flush()
		// The Filtered publication goes over the broker too, so it gets its
		// own goroutine just like an analysis: the delivery loop must never
		// wait on network I/O.
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			deps.Publisher.Publish(VerdictMessage{
				EventID:   ev.ID,
				Timestamp: time.Now(),
				Camera:    ev.Camera,
				Label:     ev.Label,
				Status:    StatusFiltered,
			})
		}()
		return
	}

	log.Info().Str("event_id", ev.ID).Msg("Event matched filter, scheduling analysis")
	metrics.New().Dimension("Camera", ev.Camera).Count("EventsMatched").Flush()

	// One independent task per event. Duplicate ids run duplicate tasks; no
	// coalescing. The admission limit is acquired inside the task so this
	// path never blocks the delivery loop.
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.analyze(ev, snap, deps)
	}()
}

// analyze runs one event's stage sequence to its single terminal verdict.
func (o *Orchestrator) analyze(ev *event.DetectionEvent, snap *config.Settings, deps *Deps) {
	if deps.admission != nil {
		select {
		case deps.admission <- struct{}{}:
			defer func() { <-deps.admission }()
		case <-o.ctx.Done():
			return
		}
	}

	deps.Publisher.Progress(ev.ID, "Analyzing")

	verdict := VerdictMessage{
		EventID: ev.ID,
		Camera:  ev.Camera,
		Label:   ev.Label,
		Status:  StatusAnalyzed,
	}

	start := time.Now()
	result, err := o.runStages(ev, snap, deps)
	if err != nil {
		verdict.Status = StatusFailed
		verdict.ErrorDetail = errorDetail(err)
		log.Error().
			Str("event_id", ev.ID).
			Str("detail", verdict.ErrorDetail).
			Dur("duration", time.Since(start)).
			Msg("Analysis failed")
		metrics.New().Dimension("Camera", ev.Camera).Count("AnalysesFailed").Flush()
	} else {
		present, probability := result.Present, result.Probability
		verdict.TargetPresent = &present
		verdict.Probability = &probability
		log.Info().
			Str("event_id", ev.ID).
			Bool("target_present", result.Present).
			Float64("probability", result.Probability).
			Dur("duration", time.Since(start)).
			Msg("Analysis complete")
		metrics.New().
			Dimension("Camera", ev.Camera).
			Metric("AnalysisDurationMs", float64(time.Since(start).Milliseconds()), metrics.UnitMilliseconds).
			Count("AnalysesCompleted").
			Flush()
	}

	verdict.Timestamp = time.Now()
	deps.Publisher.Publish(verdict)
}

// runStages is the Fetching → Sampling → Classifying sequence. Cleanup of the
// clip file is a deferred finalizer so it runs on every path out of here.
func (o *Orchestrator) runStages(ev *event.DetectionEvent, snap *config.Settings, deps *Deps) (classify.Verdict, error) {
	clip, err := deps.Fetcher.FetchClip(o.ctx, ev.ID)
	if err != nil {
		return classify.Verdict{}, err
	}
	defer clip.Remove()

	frameSet, err := deps.Sampler.Sample(o.ctx, clip.Path, snap.MaxFrames)
	if err != nil {
		return classify.Verdict{}, err
	}

	return deps.Classifier.Classify(o.ctx, frameSet, ev.Label)
}

// errorDetail turns a stage error into the verdict's error_detail string.
func errorDetail(err error) string {
	if errors.Is(err, frames.ErrNoFrames) {
		return "no decodable frames in clip"
	}
	return err.Error()
}
