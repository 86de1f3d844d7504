// Package publish fans analysis results out to the MQTT result topic and to
// any attached observers (the dashboard's live feed). Delivery is best-effort:
// a broker outage or a slow observer downgrades to a logged warning, never to
// a pipeline failure.
package publish

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/frigate-ai-analyzer/internal/pipeline"
)

// BusPublisher is the slice of the MQTT client this package needs.
type BusPublisher interface {
	Publish(topic string, payload []byte) error
}

// Observer receives every verdict and progress update as a JSON-marshalable
// value. Implementations must not block.
type Observer interface {
	Emit(v any)
}

// Publisher serializes verdicts to the configured result topic and mirrors
// them to observers. Safe for concurrent use.
type Publisher struct {
	mu        sync.RWMutex
	bus       BusPublisher
	topic     string
	observers []Observer
}

// New creates a Publisher. bus may be nil (broker not connected yet); verdicts
// then reach observers only.
func New(bus BusPublisher, topic string) *Publisher {
	return &Publisher{bus: bus, topic: topic}
}

// SetBus swaps the bus connection and result topic, used when a settings
// reload reconnects the broker.
func (p *Publisher) SetBus(bus BusPublisher, topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bus = bus
	p.topic = topic
}

// Attach registers an observer for all future messages.
func (p *Publisher) Attach(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, o)
}

// Publish delivers a terminal verdict to the result topic and to observers.
func (p *Publisher) Publish(v pipeline.VerdictMessage) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("event_id", v.EventID).Msg("Failed to marshal verdict")
		return
	}

	p.mu.RLock()
	bus, topic, observers := p.bus, p.topic, p.observers
	p.mu.RUnlock()

	if bus != nil {
		if err := bus.Publish(topic, payload); err != nil {
			log.Warn().Err(err).Str("event_id", v.EventID).Msg("Failed to publish verdict to broker")
		}
	}
	for _, o := range observers {
		o.Emit(v)
	}
}

// Progress sends an interim status update to observers only; progress never
// goes to the result topic.
func (p *Publisher) Progress(eventID, status string) {
	p.mu.RLock()
	observers := p.observers
	p.mu.RUnlock()

	for _, o := range observers {
		o.Emit(map[string]string{"event_id": eventID, "status": status})
	}
}
