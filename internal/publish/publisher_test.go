package publish

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/fpang/frigate-ai-analyzer/internal/pipeline"
)

type fakeBus struct {
	err      error
	topics   []string
	payloads [][]byte
}

func (b *fakeBus) Publish(topic string, payload []byte) error {
	b.topics = append(b.topics, topic)
	b.payloads = append(b.payloads, payload)
	return b.err
}

type recordingObserver struct {
	emitted []any
}

func (o *recordingObserver) Emit(v any) {
	o.emitted = append(o.emitted, v)
}

func sampleVerdict() pipeline.VerdictMessage {
	present := true
	probability := 0.91
	return pipeline.VerdictMessage{
		EventID:       "ev-1",
		Timestamp:     time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		Camera:        "front_door",
		Label:         "person",
		TargetPresent: &present,
		Probability:   &probability,
		Status:        pipeline.StatusAnalyzed,
	}
}

func TestPublishSendsToTopicAndObservers(t *testing.T) {
	bus := &fakeBus{}
	obs := &recordingObserver{}
	p := New(bus, "frigate/analyzer/result")
	p.Attach(obs)

	p.Publish(sampleVerdict())

	if len(bus.topics) != 1 || bus.topics[0] != "frigate/analyzer/result" {
		t.Fatalf("bus topics = %v", bus.topics)
	}
	var got pipeline.VerdictMessage
	if err := json.Unmarshal(bus.payloads[0], &got); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	if got.EventID != "ev-1" || got.TargetPresent == nil || !*got.TargetPresent {
		t.Errorf("round-tripped verdict = %+v", got)
	}
	if got.Probability == nil || *got.Probability != 0.91 {
		t.Errorf("round-tripped probability = %v", got.Probability)
	}
	if len(obs.emitted) != 1 {
		t.Errorf("observer received %d messages, want 1", len(obs.emitted))
	}
}

func TestPublishOmitsErrorDetailWhenEmpty(t *testing.T) {
	bus := &fakeBus{}
	p := New(bus, "t")
	p.Publish(sampleVerdict())

	var doc map[string]any
	if err := json.Unmarshal(bus.payloads[0], &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := doc["error_detail"]; present {
		t.Error("error_detail serialized on a successful verdict")
	}
}

func TestPublishOmitsClassificationFieldsOnFilteredVerdict(t *testing.T) {
	bus := &fakeBus{}
	p := New(bus, "t")
	p.Publish(pipeline.VerdictMessage{
		EventID:   "ev-f",
		Timestamp: time.Now(),
		Camera:    "backyard",
		Label:     "cat",
		Status:    pipeline.StatusFiltered,
	})

	var doc map[string]any
	if err := json.Unmarshal(bus.payloads[0], &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"target_present", "probability", "error_detail"} {
		if _, present := doc[key]; present {
			t.Errorf("%s serialized on a filtered verdict", key)
		}
	}
	if doc["status"] != "Filtered" {
		t.Errorf("status = %v", doc["status"])
	}
}

func TestPublishToleratesNilBus(t *testing.T) {
	obs := &recordingObserver{}
	p := New(nil, "t")
	p.Attach(obs)

	p.Publish(sampleVerdict())

	if len(obs.emitted) != 1 {
		t.Errorf("observer received %d messages with nil bus, want 1", len(obs.emitted))
	}
}

func TestPublishToleratesBusError(t *testing.T) {
	bus := &fakeBus{err: errors.New("broker unreachable")}
	obs := &recordingObserver{}
	p := New(bus, "t")
	p.Attach(obs)

	p.Publish(sampleVerdict())

	if len(obs.emitted) != 1 {
		t.Errorf("observer skipped after bus error: %d messages", len(obs.emitted))
	}
}

func TestProgressReachesObserversOnly(t *testing.T) {
	bus := &fakeBus{}
	obs := &recordingObserver{}
	p := New(bus, "t")
	p.Attach(obs)

	p.Progress("ev-2", "Analyzing")

	if len(bus.payloads) != 0 {
		t.Errorf("progress was published to the broker: %d payloads", len(bus.payloads))
	}
	if len(obs.emitted) != 1 {
		t.Fatalf("observer received %d progress messages, want 1", len(obs.emitted))
	}
	m, ok := obs.emitted[0].(map[string]string)
	if !ok {
		t.Fatalf("progress message type = %T", obs.emitted[0])
	}
	if m["event_id"] != "ev-2" || m["status"] != "Analyzing" {
		t.Errorf("progress message = %v", m)
	}
}

func TestSetBusSwapsDestination(t *testing.T) {
	oldBus := &fakeBus{}
	newBus := &fakeBus{}
	p := New(oldBus, "old/topic")

	p.SetBus(newBus, "new/topic")
	p.Publish(sampleVerdict())

	if len(oldBus.payloads) != 0 {
		t.Errorf("old bus received %d payloads after swap", len(oldBus.payloads))
	}
	if len(newBus.topics) != 1 || newBus.topics[0] != "new/topic" {
		t.Errorf("new bus topics = %v", newBus.topics)
	}
}
