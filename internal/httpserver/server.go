package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/radiusdt/channel-roi/internal/attribution"
	"github.com/radiusdt/channel-roi/internal/config"
	"github.com/radiusdt/channel-roi/internal/jobs"
	"github.com/radiusdt/channel-roi/internal/metrics"
	"github.com/radiusdt/channel-roi/internal/middleware"
	"github.com/radiusdt/channel-roi/internal/models"
	"github.com/radiusdt/channel-roi/internal/storage"
	"go.uber.org/zap"
)

// HealthCheck reports whether a backing service is reachable.
type HealthCheck func(ctx context.Context) error

// Dependencies holds everything the HTTP layer serves.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	RateLimit *middleware.RateLimitMiddleware

	Channels  *attribution.ChannelService
	Reference *attribution.ReferenceService
	Engine    *attribution.Engine
	Refresh   *attribution.RefreshService
	Reporting *attribution.ReportingService
	Tasks     *attribution.Tasks
	Jobs      *jobs.Client
	Roi       storage.RoiRepo

	// HealthChecks are run by /health, keyed by component name.
	HealthChecks map[string]HealthCheck
}

// Server wraps HTTP handlers and ROI services.
type Server struct {
	channels  *attribution.ChannelService
	reference *attribution.ReferenceService
	engine    *attribution.Engine
	refresh   *attribution.RefreshService
	reporting *attribution.ReportingService
	tasks     *attribution.Tasks
	jobs      *jobs.Client
	roi       storage.RoiRepo
	checks    map[string]HealthCheck
	logger    *zap.Logger
	config    *config.Config
	metrics   *metrics.Metrics
}

// NewServer constructs a new http.Handler with all routes registered.
func NewServer(deps *Dependencies) http.Handler {
	s := &Server{
		channels:  deps.Channels,
		reference: deps.Reference,
		engine:    deps.Engine,
		refresh:   deps.Refresh,
		reporting: deps.Reporting,
		tasks:     deps.Tasks,
		jobs:      deps.Jobs,
		roi:       deps.Roi,
		checks:    deps.HealthChecks,
		logger:    deps.Logger,
		config:    deps.Config,
		metrics:   deps.Metrics,
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger).Handler)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics).Handler)
	r.Use(middleware.NewAuthMiddleware(deps.Config.Auth, deps.Logger).Handler)
	if deps.RateLimit != nil {
		r.Use(deps.RateLimit.Handler)
	}

	r.Get("/health", s.handleHealth)
	if deps.Config.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Metrics.Path, deps.Metrics.Handler())
	}

	r.Route("/channels", func(r chi.Router) {
		r.Get("/", s.handleListChannels)
		r.Post("/", s.handleCreateChannel)
		r.Get("/{id}", s.handleGetChannel)
		r.Put("/{id}", s.handleUpdateChannel)
		r.Get("/{id}/default-expense", s.handleGetDefaultExpense)
		r.Put("/{id}/default-expense", s.handleSetDefaultExpense)
	})

	r.Route("/exchange-rates", func(r chi.Router) {
		r.Get("/", s.handleListRates)
		r.Get("/default", s.handleGetDefaultRate)
		r.Put("/default", s.handleSetDefaultRate)
		r.Put("/{date}", s.handleSetRate)
		r.Delete("/{date}", s.handleDeleteRate)
	})

	r.Route("/expenses", func(r chi.Router) {
		r.Get("/", s.handleListExpenses)
		r.Put("/{date}/{channel_id}", s.handleSetExpense)
		r.Delete("/{date}/{channel_id}", s.handleDeleteExpense)
	})

	r.Post("/transactions/import", s.handleImport)

	r.Route("/roi", func(r chi.Router) {
		r.Get("/", s.handleListRoi)
		r.Post("/recompute", s.handleRecompute)
		r.Get("/horizon", s.handleHorizon)
	})

	r.Route("/reports", func(r chi.Router) {
		r.Get("/dashboard", s.handleReport(attribution.PolicyLatestDay))
		r.Get("/roi", s.handleReport(attribution.PolicyAverageNonZero))
	})

	r.Get("/jobs/{id}", s.handleGetJob)

	return r
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("component", name), zap.Error(err))
			components[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "up"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	s.writeJSON(w, status, map[string]any{"status": overall, "components": components})
}

// ---- Jobs ----

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	s.jsonResponse(w, job)
}

// ---- Request helpers ----

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.errorResponse(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func pathDate(r *http.Request, name string) (time.Time, error) {
	return models.ParseDate(chi.URLParam(r, name))
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid " + name)
	}
	return id, nil
}

// queryRange reads the required from/to query parameters.
func queryRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	if q.Get("from") == "" || q.Get("to") == "" {
		return time.Time{}, time.Time{}, errors.New("from and to are required (YYYY-MM-DD)")
	}
	from, err := models.ParseDate(q.Get("from"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := models.ParseDate(q.Get("to"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

// queryChannel reads the optional channel_id query parameter.
func queryChannel(r *http.Request) (*int64, error) {
	raw := r.URL.Query().Get("channel_id")
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, errors.New("invalid channel_id")
	}
	return &id, nil
}

// ---- Response helpers ----

func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, data)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, map[string]string{"error": message})
}

// handleError maps service errors to status codes. Unexpected errors are
// logged and reported generically outside development.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, attribution.ErrChannelNotFound),
		errors.Is(err, attribution.ErrNotFound),
		errors.Is(err, jobs.ErrJobNotFound):
		s.errorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, attribution.ErrValidation),
		errors.Is(err, attribution.ErrInvalidDayCount):
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, attribution.ErrConflict):
		s.errorResponse(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", chimw.GetReqID(r.Context())),
			zap.Error(err),
		)
		message := "internal error"
		if s.config.IsDevelopment() {
			message = "internal error: " + err.Error()
		}
		s.errorResponse(w, message, http.StatusInternalServerError)
	}
}
