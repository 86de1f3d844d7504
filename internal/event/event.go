// Package event turns raw Frigate MQTT payloads into canonical detection
// events and matches them against configured filter rules. Shape sniffing
// happens here once; downstream stages only ever see DetectionEvent.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/fpang/frigate-ai-analyzer/internal/config"
)

// Kind is the lifecycle state of a tracked object in Frigate.
type Kind string

const (
	KindNew    Kind = "new"
	KindUpdate Kind = "update"
	KindEnd    Kind = "end"
)

// DetectionEvent is the canonical record for one object-detection event.
// ID is always non-empty; Normalize discards events without one. The struct
// is read-only after construction.
type DetectionEvent struct {
	ID     string
	Camera string
	Label  string
	Kind   Kind

	// Raw is the original payload, kept for the dashboard and debugging.
	Raw json.RawMessage
}

// ParseError wraps a payload that could not be interpreted as any known event
// shape. Callers drop these with a debug log; they must never escape the bus
// handling path.
type ParseError struct {
	Topic string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable payload on topic %q: %v", e.Topic, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// frigateMessage covers both payload shapes Frigate publishes: the nested
// lifecycle shape with a "type" field and before/after sub-objects, and the
// flatter shape with the fields at top level.
type frigateMessage struct {
	Type   string         `json:"type"`
	After  *frigateObject `json:"after"`
	ID     string         `json:"id"`
	Camera string         `json:"camera"`
	Label  string         `json:"label"`
}

type frigateObject struct {
	ID     string `json:"id"`
	Camera string `json:"camera"`
	Label  string `json:"label"`
}

// Normalize parses a bus payload into a DetectionEvent.
//
// It returns (nil, *ParseError) for payloads that are not a JSON object, and
// (nil, nil) for well-formed payloads that do not yield an analyzable event:
// non-"end" lifecycle messages, and events missing an id. In the nested shape
// only finalized ("end") events proceed; in the flat shape any well-formed
// event does.
func Normalize(topic string, payload []byte) (*DetectionEvent, error) {
	var probe interface{}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, &ParseError{Topic: topic, Err: err}
	}
	if _, ok := probe.(map[string]interface{}); !ok {
		return nil, &ParseError{Topic: topic, Err: fmt.Errorf("payload is not a JSON object")}
	}

	var msg frigateMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, &ParseError{Topic: topic, Err: err}
	}

	// Nested lifecycle shape: type + after sub-object.
	if msg.Type != "" || msg.After != nil {
		if Kind(msg.Type) != KindEnd {
			return nil, nil
		}
		if msg.After == nil || msg.After.ID == "" {
			return nil, nil
		}
		return &DetectionEvent{
			ID:     msg.After.ID,
			Camera: fallback(msg.After.Camera, "unknown_camera"),
			Label:  fallback(msg.After.Label, "unknown_label"),
			Kind:   KindEnd,
			Raw:    json.RawMessage(payload),
		}, nil
	}

	// Flat shape: id/camera/label at top level.
	if msg.ID == "" {
		return nil, nil
	}
	return &DetectionEvent{
		ID:     msg.ID,
		Camera: fallback(msg.Camera, "unknown_camera"),
		Label:  fallback(msg.Label, "unknown_label"),
		Kind:   KindEnd,
		Raw:    json.RawMessage(payload),
	}, nil
}

// Matches reports whether any rule's (camera, label) equals the event's pair
// exactly.
func Matches(ev *DetectionEvent, rules []config.FilterRule) bool {
	for _, r := range rules {
		if r.Camera == ev.Camera && r.Label == ev.Label {
			return true
		}
	}
	return false
}

func fallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
