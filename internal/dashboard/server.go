package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/frigate-ai-analyzer/internal/config"
)

//go:embed static
var staticFS embed.FS

// ThumbnailFetcher retrieves an event's thumbnail image from the NVR. The
// dashboard proxies thumbnails so the browser never needs direct NVR access.
type ThumbnailFetcher interface {
	FetchThumbnail(ctx context.Context, eventID string) ([]byte, error)
}

// Server is the dashboard HTTP server. OnConfigSaved is invoked after a
// settings save has been persisted, so the caller can rebuild its pipeline
// against the new snapshot.
type Server struct {
	Store         *config.Store
	Hub           *Hub
	OnConfigSaved func(*config.Settings)

	mu         sync.RWMutex
	thumbnails ThumbnailFetcher

	srv *http.Server
}

// SetThumbnailFetcher swaps the NVR client used for thumbnail proxying,
// called after a settings reload changes the NVR address.
func (s *Server) SetThumbnailFetcher(f ThumbnailFetcher) {
	s.mu.Lock()
	s.thumbnails = f
	s.mu.Unlock()
}

func (s *Server) thumbnailFetcher() ThumbnailFetcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.thumbnails
}

// Handler builds the dashboard's route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.Hub.ServeWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/thumbnail/", s.handleThumbnail)
	mux.HandleFunc("/", s.handleIndex)

	return withLogging(withCORS(mux))
}

// ListenAndServe starts the server on the given port and blocks until ctx is
// cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", port).Msg("Starting dashboard server")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		httpError(w, http.StatusNotFound, "not found")
		return
	}
	data, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		httpError(w, http.StatusInternalServerError, "dashboard assets unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Write(data)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, s.Store.Snapshot())
	case http.MethodPost:
		s.handleConfigSave(w, r)
	default:
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleConfigSave(w http.ResponseWriter, r *http.Request) {
	var incoming config.Settings
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&incoming); err != nil {
		httpError(w, http.StatusBadRequest, fmt.Sprintf("invalid settings: %v", err))
		return
	}

	if err := s.Store.Save(&incoming); err != nil {
		log.Error().Err(err).Msg("Failed to save settings")
		httpError(w, http.StatusInternalServerError, "failed to save settings")
		return
	}

	snap := s.Store.Snapshot()
	log.Info().Msg("Settings saved, applying without restart")
	if s.OnConfigSaved != nil {
		s.OnConfigSaved(snap)
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	eventID := strings.TrimPrefix(r.URL.Path, "/api/thumbnail/")
	if eventID == "" || strings.Contains(eventID, "/") {
		httpError(w, http.StatusBadRequest, "missing or invalid event id")
		return
	}

	fetcher := s.thumbnailFetcher()
	if fetcher == nil {
		httpError(w, http.StatusServiceUnavailable, "NVR client not configured")
		return
	}

	data, err := fetcher.FetchThumbnail(r.Context(), eventID)
	if err != nil {
		log.Warn().Err(err).Str("event_id", eventID).Msg("Thumbnail fetch failed")
		httpError(w, http.StatusBadGateway, "failed to fetch thumbnail")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "max-age=300")
	w.Write(data)
}

// --- Middleware ---

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if strings.HasPrefix(r.URL.Path, "/api/") {
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("API request")
		}
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (strings.HasPrefix(origin, "http://localhost:") || strings.HasPrefix(origin, "http://127.0.0.1:")) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
