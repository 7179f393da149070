// Package server exposes populate triggers and the run log over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/street-directory/internal/model"
	"github.com/sells-group/street-directory/internal/store"
)

// Populator populates the directory for one area.
type Populator interface {
	Populate(ctx context.Context, areaID int64) (int, error)
}

// RunStore is the part of the store the server reads.
type RunStore interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.ExtractionRun, error)
	Ping(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Server routes trigger requests. Populate runs in the background, bound to
// the context given to New rather than to the request.
type Server struct {
	router      chi.Router
	postalcodes Populator
	streets     Populator
	runs        RunStore
	ctx         context.Context
	wg          sync.WaitGroup
	log         *zap.Logger
}

// New creates a Server. Background runs are cancelled when ctx is done.
func New(ctx context.Context, postalcodes, streets Populator, runs RunStore, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		router:      chi.NewRouter(),
		postalcodes: postalcodes,
		streets:     streets,
		runs:        runs,
		ctx:         ctx,
		log:         zap.L().With(zap.String("component", "server")),
	}

	s.router.Use(
		middleware.Recoverer,
		middleware.RealIP,
		middleware.RequestID,
		middleware.Timeout(opts.RequestTimeout),
	)
	if len(opts.AllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/runs", s.handleRuns)
	s.router.Post("/postalcodes/populate/{areaId}", s.handlePopulate(model.KindPostalcodes, postalcodes))
	s.router.Post("/streets/populate/{areaId}", s.handlePopulate(model.KindStreets, streets))
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until every background populate run has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Ping(r.Context()); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter store.RunFilter

	if kind := q.Get("kind"); kind != "" {
		k, err := model.ParseEntityKind(kind)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Kind = k
	}
	if area := q.Get("area_id"); area != "" {
		id, err := strconv.ParseInt(area, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "area_id must be an integer")
			return
		}
		filter.AreaID = id
	}
	if status := q.Get("status"); status != "" {
		filter.Status = model.RunStatus(status)
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		s.log.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	if runs == nil {
		runs = []model.ExtractionRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handlePopulate(kind model.EntityKind, p Populator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		areaID, err := strconv.ParseInt(chi.URLParam(r, "areaId"), 10, 64)
		if err != nil || areaID <= 0 {
			writeError(w, http.StatusBadRequest, "areaId must be a positive integer")
			return
		}

		log := s.log.With(zap.String("kind", string(kind)), zap.Int64("area_id", areaID))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			n, err := p.Populate(s.ctx, areaID)
			if err != nil {
				log.Error("triggered populate failed", zap.Error(err))
				return
			}
			log.Info("triggered populate complete", zap.Int("records", n))
		}()

		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":  "accepted",
			"kind":    kind,
			"area_id": areaID,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
