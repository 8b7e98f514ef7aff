package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"promptsync/internal/config"
	"promptsync/internal/models"
	syncsvc "promptsync/internal/sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Server exposes the daemon's status and controls over HTTP.
type Server struct {
	cfg    config.APIConfig
	userID string
	svc    *syncsvc.Service
	server *http.Server
	logger *zerolog.Logger
}

func NewServer(cfg config.APIConfig, userID string, svc *syncsvc.Service, logger *zerolog.Logger) *Server {
	srv := &Server{cfg: cfg, userID: userID, svc: svc, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/sync/status", srv.handleStatus)
	mux.HandleFunc("/api/v1/sync/force", srv.handleForce)
	mux.HandleFunc("/api/v1/sync/queue", srv.handleQueue)
	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	handler := srv.loggingMiddleware(rateLimitMiddleware(cfg, mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}

	return srv
}

func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("control API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the configured handler chain; tests serve it directly.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

type statusResponse struct {
	Status      models.SyncStatus `json:"status"`
	Online      bool              `json:"online"`
	QueueLength int               `json:"queue_length"`
	LastSyncAt  time.Time         `json:"last_sync_at"`
	LastError   string            `json:"last_error,omitempty"`
	Conflicts   int64             `json:"conflicts"`
	Stats       models.SyncStats  `json:"stats"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	state := s.svc.State()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:      state.Status,
		Online:      state.Online,
		QueueLength: state.QueueLength,
		LastSyncAt:  state.LastSyncAt,
		LastError:   state.LastError,
		Conflicts:   state.Conflicts,
		Stats:       s.svc.Stats(),
	})
}

func (s *Server) handleForce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	tasks, err := s.svc.ForceFullSync(r.Context(), s.userID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pulled_tasks": len(tasks)})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	items := s.svc.QueueSnapshot()
	summaries := make([]map[string]any, 0, len(items))
	for _, item := range items {
		summaries = append(summaries, map[string]any{
			"id":          item.ID,
			"operation":   item.Operation,
			"entity_type": item.EntityType,
			"entity_id":   item.Payload.EntityID(),
			"priority":    item.Priority,
			"retry_count": item.RetryCount,
			"enqueued_at": item.EnqueuedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": summaries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// rateLimitMiddleware applies a per-client token bucket keyed by remote
// host. A zero RPS disables limiting.
func rateLimitMiddleware(cfg config.APIConfig, next http.Handler) http.Handler {
	if cfg.RateLimitRPS <= 0 {
		return next
	}

	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 5
	}
	var limiters sync.Map

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "unknown"
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			key = host
		}

		v, ok := limiters.Load(key)
		if !ok {
			v, _ = limiters.LoadOrStore(key, rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst))
		}
		if !v.(*rate.Limiter).Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
