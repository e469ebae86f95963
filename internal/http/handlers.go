package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
)

// ReasonDispatchUnavailable is recorded on rides whose dispatch job could
// not be queued.
const ReasonDispatchUnavailable = "dispatch unavailable"

const readyTimeout = 2 * time.Second

// Rides is the part of ride.Service the intake API uses.
type Rides interface {
	Create(ctx context.Context, req models.RideRequest) (*models.Ride, error)
	Get(ctx context.Context, rideID string) (*models.Ride, error)
	Cancel(ctx context.Context, rideID string, by models.CancelledBy, reason string) (*models.Ride, error)
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type Deps struct {
	Rides    Rides
	Queue    ingest.Producer
	Registry geo.Registry
	// WS serves /ws; it is left unrouted when nil.
	WS     http.Handler
	Checks []Check
}

type Server struct {
	rides    Rides
	queue    ingest.Producer
	registry geo.Registry
	ws       http.Handler
	checks   []Check
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		rides:    deps.Rides,
		queue:    deps.Queue,
		registry: deps.Registry,
		ws:       deps.WS,
		checks:   deps.Checks,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/internal/drivers/{id}/block", s.handleBlock(true)).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/drivers/{id}/block", s.handleBlock(false)).Methods(http.MethodDelete)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.ws != nil {
		s.mux.Handle("/ws", s.ws)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	ride, err := s.rides.Create(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	if err := s.queue.Enqueue(r.Context(), models.DispatchJob{RideID: ride.ID}); err != nil {
		s.logger.Error("enqueue dispatch job", "ride_id", ride.ID, "error", err, "request_id", requestIDFromContext(r.Context()))
		if _, cerr := s.rides.Cancel(r.Context(), ride.ID, models.CancelledBySystem, ReasonDispatchUnavailable); cerr != nil {
			s.logger.Error("cancel undispatchable ride", "ride_id", ride.ID, "error", cerr)
		}
		writeError(w, http.StatusServiceUnavailable, ReasonDispatchUnavailable)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ride": ride})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride.Redacted()})
}

func (s *Server) handleBlock(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.registry.SetBlocked(r.Context(), id, blocked); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		s.logger.Info("driver block updated", "driver_id", id, "blocked", blocked)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	for _, c := range s.checks {
		if err := c.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", c.Name, "error", err)
			http.Error(w, c.Name+" not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
