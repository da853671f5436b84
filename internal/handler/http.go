package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/robtomcowparis/neondefense4-sub001/internal/config"
	"github.com/robtomcowparis/neondefense4-sub001/internal/domain"
	"github.com/robtomcowparis/neondefense4-sub001/internal/metrics"
	"github.com/robtomcowparis/neondefense4-sub001/internal/validate"
	"github.com/robtomcowparis/neondefense4-sub001/internal/websocket"
)

const readyTimeout = 2 * time.Second

// Submitter accepts raw score submissions
type Submitter interface {
	Submit(ctx context.Context, body []byte) (domain.ScoreEntry, error)
}

// Board serves the current top of the leaderboard
type Board interface {
	Snapshot(ctx context.Context) ([]domain.ScoreEntry, error)
}

// Pinger reports whether a backing service is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides the HTTP surface of the score service
type Handler struct {
	submitter Submitter
	board     Board
	hub       *websocket.Hub
	ready     Pinger
	limiter   *RateLimiter
	maxBody   int64
	logger    *slog.Logger
}

// NewHandler creates a new HTTP handler. ready may be nil.
func NewHandler(
	submitter Submitter,
	board Board,
	hub *websocket.Hub,
	ready Pinger,
	cfg *config.SubmitConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		submitter: submitter,
		board:     board,
		hub:       hub,
		ready:     ready,
		limiter:   NewRateLimiter(cfg, m),
		maxBody:   cfg.MaxBodyBytes,
		logger:    logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(h.recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	r.Handle("/metrics", promhttp.Handler())

	// Registered for every method so the handler can answer 405 itself.
	// OPTIONS never gets here: corsMiddleware answers preflight with 200.
	r.With(h.limiter.Handler).HandleFunc("/submitScore", h.SubmitScore)

	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Get("/leaderboard", h.GetLeaderboard)
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers and answers preflight requests
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// recoverer turns a panic into the same opaque 500 as any other server fault
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.Error("panic serving request",
					"panic", rec,
					"path", r.URL.Path,
					"request_id", middleware.GetReqID(r.Context()),
				)
				writeText(w, http.StatusInternalServerError, "Server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeSuccess(w http.ResponseWriter, data any) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// SubmitScore accepts one finished run
func (h *Handler) SubmitScore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeText(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeText(w, http.StatusBadRequest, validate.ReasonBadJSON)
		return
	}

	entry, err := h.submitter.Submit(r.Context(), body)
	if err != nil {
		var rej *validate.Rejection
		if errors.As(err, &rej) {
			writeText(w, http.StatusBadRequest, rej.Reason)
			return
		}
		h.logger.Error("failed to submit score",
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
		writeText(w, http.StatusInternalServerError, "Server error")
		return
	}

	h.logger.Info("score accepted",
		"key", entry.Key,
		"name", entry.Name,
		"waves", entry.Waves,
		"kills", entry.Kills,
	)
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GetLeaderboard returns the current top of the board
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.board.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("failed to read leaderboard", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, domain.ErrInternalError)
		return
	}
	h.writeSuccess(w, entries)
}

// HandleWebSocket handles live feed upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns live feed connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, h.hub.Stats())
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck reports ready once the ranking index answers
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := h.ready.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			h.writeError(w, http.StatusServiceUnavailable, errors.New("ranking index unavailable"))
			return
		}
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}
