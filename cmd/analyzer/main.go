// Command analyzer watches Frigate detection events on MQTT, analyzes matched
// clips with Gemini, publishes verdicts back to the broker and serves the
// dashboard UI.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/frigate-ai-analyzer/internal/classify"
	"github.com/fpang/frigate-ai-analyzer/internal/config"
	"github.com/fpang/frigate-ai-analyzer/internal/dashboard"
	"github.com/fpang/frigate-ai-analyzer/internal/frames"
	"github.com/fpang/frigate-ai-analyzer/internal/frigate"
	"github.com/fpang/frigate-ai-analyzer/internal/logging"
	"github.com/fpang/frigate-ai-analyzer/internal/mqttbus"
	"github.com/fpang/frigate-ai-analyzer/internal/pipeline"
	"github.com/fpang/frigate-ai-analyzer/internal/publish"
)

// CLI flags
var (
	configFlag   string
	portFlag     int
	logLevelFlag string
)

var rootCmd = &cobra.Command{
	Use:   "analyzer",
	Short: "AI-powered event analyzer for Frigate NVR",
	Long: `Analyzer subscribes to Frigate's MQTT event stream, fetches the video
clip of every detection that matches a configured camera/label filter, samples
frames from it and asks a Gemini vision model whether the object is really
present. The verdict is published back to MQTT and mirrored to a live web
dashboard, where filters and connection settings can be edited without a
restart.

Examples:
  analyzer
  analyzer --config /data/config.json --port 5001`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().StringVar(&configFlag, "config", "config.json", "Path to the settings file")
	rootCmd.Flags().IntVar(&portFlag, "port", 5001, "Dashboard port")
	rootCmd.Flags().StringVar(&logLevelFlag, "log-level", "", "Log level override: debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// runtime is the reloadable half of the process: everything rebuilt when the
// operator saves new settings from the dashboard.
type runtime struct {
	mu  sync.Mutex
	bus *mqttbus.Client

	hub       *dashboard.Hub
	orch      *pipeline.Orchestrator
	publisher *publish.Publisher
	web       *dashboard.Server
}

func runMain(cmd *cobra.Command, args []string) {
	godotenv.Load()

	store, err := config.Open(configFlag)
	if err != nil {
		logging.Init(false)
		log.Fatal().Err(err).Str("path", configFlag).Msg("Failed to open settings")
	}
	snap := store.Snapshot()
	logging.Init(snap.Debug)
	logging.SetLevel(logLevelFlag)
	log.Info().Str("config", store.Path()).Msg("Settings loaded")

	if err := frames.NewSampler().Check(); err != nil {
		log.Warn().Err(err).Msg("ffmpeg/ffprobe not available, analyses will fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := dashboard.NewHub()
	logging.SetEmitter(hub.EmitLog)

	rt := &runtime{hub: hub}
	rt.publisher = publish.New(nil, snap.ResultTopic)
	rt.publisher.Attach(hub)
	rt.web = &dashboard.Server{Store: store, Hub: hub}
	rt.orch = pipeline.New(ctx, store, rt.buildDeps(ctx, snap))
	rt.web.OnConfigSaved = func(s *config.Settings) { rt.apply(ctx, s) }

	rt.connectBus(snap)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for {
			select {
			case <-sigCh:
				log.Info().Msg("Shutting down...")
				cancel()
				return
			case <-hupCh:
				// SIGHUP re-reads the settings file, for edits made outside
				// the dashboard.
				fresh, err := store.Reload()
				if err != nil {
					log.Error().Err(err).Str("path", store.Path()).Msg("Failed to reload settings")
					continue
				}
				log.Info().Str("path", store.Path()).Msg("Settings file reloaded")
				rt.apply(ctx, fresh)
			}
		}
	}()

	if err := rt.web.ListenAndServe(ctx, portFlag); err != nil {
		log.Fatal().Err(err).Msg("Dashboard server failed")
	}

	cancel()
	rt.orch.Wait()
	rt.mu.Lock()
	if rt.bus != nil {
		rt.bus.Close()
	}
	rt.mu.Unlock()
	log.Info().Msg("Analyzer stopped")
}

// buildDeps constructs the pipeline collaborators for one settings snapshot.
func (rt *runtime) buildDeps(ctx context.Context, snap *config.Settings) *pipeline.Deps {
	nvr := frigate.NewClient(snap.FrigateURL, snap.FrigateAPIKey)
	rt.web.SetThumbnailFetcher(nvr)

	classifier, err := classify.New(ctx, snap.ResolveGeminiKey(), snap.GeminiModel)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create classifier, analyses will fail until settings change")
		classifier, _ = classify.New(ctx, "", snap.GeminiModel)
	}
	if classifier.Configured() {
		rt.hub.SetStatus("gemini", "configured")
	} else {
		rt.hub.SetStatus("gemini", "not_configured")
		log.Warn().Msg("Gemini API key not set, analyses will fail until it is configured")
	}

	return pipeline.NewDeps(nvr, frames.NewSampler(), classifier, rt.publisher, snap.MaxConcurrent)
}

// connectBus dials the broker and wires the event subscription. A broker that
// is down at startup is logged, not fatal; applying new settings retries.
func (rt *runtime) connectBus(snap *config.Settings) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.bus != nil {
		rt.bus.Close()
		rt.bus = nil
	}

	bus, err := mqttbus.Connect(mqttbus.Config{
		Broker:   snap.MQTTBroker,
		Port:     snap.MQTTPort,
		Username: snap.MQTTUsername,
		Password: snap.MQTTPassword,
	}, func(connected bool) {
		if connected {
			rt.hub.SetStatus("mqtt", "connected")
			log.Info().Str("broker", snap.MQTTBroker).Msg("MQTT connected")
		} else {
			rt.hub.SetStatus("mqtt", "disconnected")
			log.Warn().Str("broker", snap.MQTTBroker).Msg("MQTT connection lost")
		}
	})
	if err != nil {
		log.Error().Err(err).Str("broker", snap.MQTTBroker).Msg("Failed to connect to MQTT broker")
		rt.hub.SetStatus("mqtt", "disconnected")
		rt.publisher.SetBus(nil, snap.ResultTopic)
		return
	}

	if err := bus.Subscribe(snap.EventsTopic, rt.orch.HandleMessage); err != nil {
		log.Error().Err(err).Str("topic", snap.EventsTopic).Msg("Failed to subscribe to events topic")
	}
	rt.publisher.SetBus(bus, snap.ResultTopic)
	rt.bus = bus
}

// apply rebuilds the pipeline against freshly saved settings, in place. Tasks
// already running finish against the snapshot they captured.
func (rt *runtime) apply(ctx context.Context, snap *config.Settings) {
	log.Info().Msg("Applying new settings")
	rt.orch.Swap(rt.buildDeps(ctx, snap))
	rt.connectBus(snap)
}
