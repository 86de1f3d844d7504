// Package config holds the analyzer's settings document: a flat JSON file
// created with defaults on first run and edited through the dashboard. The
// live settings are exposed as an immutable snapshot behind an atomically
// swapped pointer, so concurrent readers always see a whole document.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// FilterRule is a configured (camera, label) pair. An event is analyzed only
// if some rule equals its camera and label exactly — no wildcards, no case
// folding.
type FilterRule struct {
	Camera string `json:"camera"`
	Label  string `json:"label"`
}

// Settings is the whole settings document. Instances handed out by Store are
// shared between goroutines and must be treated as read-only; to change
// anything, build a new Settings and swap it in.
//
// MaxConcurrent bounds simultaneously running analyses (0 = unbounded, the
// original behavior). Duplicate event ids are NOT deduplicated: two deliveries
// of the same id run two independent analyses.
type Settings struct {
	FrigateURL    string `json:"frigate_url"`
	FrigateAPIKey string `json:"frigate_api_key,omitempty"`

	MQTTBroker   string `json:"mqtt_broker"`
	MQTTPort     int    `json:"mqtt_port"`
	MQTTUsername string `json:"mqtt_username"`
	MQTTPassword string `json:"mqtt_password"`
	EventsTopic  string `json:"mqtt_events_topic"`
	ResultTopic  string `json:"mqtt_result_topic"`

	GeminiAPIKey string `json:"gemini_api_key"`
	GeminiModel  string `json:"gemini_model"`

	MaxFrames     int          `json:"max_frames"`
	MaxConcurrent int          `json:"max_concurrent_analyses"`
	Filters       []FilterRule `json:"filters"`
	Debug         bool         `json:"debug"`
}

// Defaults returns the settings written on first run.
func Defaults() *Settings {
	return &Settings{
		FrigateURL:    "http://192.168.1.10:5000",
		MQTTBroker:    "192.168.1.11",
		MQTTPort:      1883,
		EventsTopic:   "frigate/#",
		ResultTopic:   "frigate/analyzer/result",
		GeminiModel:   "gemini-2.5-flash",
		MaxFrames:     20,
		MaxConcurrent: 4,
		Filters: []FilterRule{
			{Camera: "front_door", Label: "person"},
		},
	}
}

// normalize fills zero-valued fields a running analyzer cannot do without.
// User intent like an empty filter list is left alone.
func (s *Settings) normalize() {
	if s.MQTTPort == 0 {
		s.MQTTPort = 1883
	}
	if s.EventsTopic == "" {
		s.EventsTopic = "frigate/#"
	}
	if s.ResultTopic == "" {
		s.ResultTopic = "frigate/analyzer/result"
	}
	if s.GeminiModel == "" {
		s.GeminiModel = Defaults().GeminiModel
	}
	if s.MaxFrames <= 0 {
		s.MaxFrames = 20
	}
	if s.MaxConcurrent < 0 {
		s.MaxConcurrent = 0
	}
}

// GeminiConfigured reports whether an API key is available for the classifier.
// GEMINI_API_KEY in the environment takes precedence over the settings file.
func (s *Settings) GeminiConfigured() bool {
	return s.ResolveGeminiKey() != ""
}

// ResolveGeminiKey returns the Gemini API key to use: the GEMINI_API_KEY
// environment variable if set, otherwise the settings file value.
func (s *Settings) ResolveGeminiKey() string {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		return key
	}
	return s.GeminiAPIKey
}

// Store owns the settings file and the live snapshot.
type Store struct {
	path string
	snap atomic.Pointer[Settings]
}

// Open loads the settings file at path, creating it with defaults if absent.
func Open(path string) (*Store, error) {
	st := &Store{path: path}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		def := Defaults()
		if err := writeFile(path, def); err != nil {
			return nil, fmt.Errorf("create default settings: %w", err)
		}
		log.Info().Str("path", path).Msg("Settings file created with defaults")
		st.snap.Store(def)
		return st, nil
	}

	s, err := readFile(path)
	if err != nil {
		return nil, err
	}
	st.snap.Store(s)
	return st, nil
}

// Snapshot returns the current settings. The returned value is shared and
// read-only.
func (st *Store) Snapshot() *Settings {
	return st.snap.Load()
}

// Path returns the settings file location.
func (st *Store) Path() string {
	return st.path
}

// Save persists s and atomically swaps it in as the live snapshot. In-flight
// work keeps the snapshot it captured; only subsequently scheduled tasks see
// the new document.
func (st *Store) Save(s *Settings) error {
	s.normalize()
	if err := writeFile(st.path, s); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	st.snap.Store(s)
	log.Info().Str("path", st.path).Int("filters", len(s.Filters)).Msg("Settings saved")
	return nil
}

// Reload re-reads the settings file and swaps in the result.
func (st *Store) Reload() (*Settings, error) {
	s, err := readFile(st.path)
	if err != nil {
		return nil, err
	}
	st.snap.Store(s)
	return s, nil
}

func readFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}
	s.normalize()
	return &s, nil
}

// writeFile writes via a temp file and rename so a crash mid-write never
// leaves a truncated settings document.
func writeFile(path string, s *Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
