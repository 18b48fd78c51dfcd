package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Dispatcher is what the API needs from the dispatch service.
type Dispatcher interface {
	Create(ctx context.Context, r *models.RideRequest) error
	Get(ctx context.Context, id string) (*models.RideRequest, error)
	Dispatch(ctx context.Context, id string) (*matcher.Handle, error)
	Cancel(ctx context.Context, id string) (models.Status, error)
	AcceptOffer(ctx context.Context, requestID, driverID string) error
	DeclineOffer(ctx context.Context, requestID, driverID string) error
}

type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

// Deps wires the server. Tokens, Locations and Ready are optional.
type Deps struct {
	Dispatcher Dispatcher
	Geo        geo.Locator
	WS         *dispatch.WSRegistry
	Tokens     *dispatch.TokenRegistry
	Locations  LocationPublisher
	Ready      func(ctx context.Context) error
	Logger     *slog.Logger
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router

	mu     sync.Mutex
	online map[string]struct{}
}

func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		logger: deps.Logger,
		mux:    mux.NewRouter(),
		online: make(map[string]struct{}),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleCreateRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{id}/dispatch", s.handleDispatchRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{id}/accept", s.handleDriverResponse(true)).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{id}/decline", s.handleDriverResponse(false)).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRideRequest struct {
	RiderID       string              `json:"rider_id"`
	Pickup        models.Coord        `json:"pickup"`
	Dropoff       models.Coord        `json:"dropoff"`
	VehicleClass  models.VehicleClass `json:"vehicle_class"`
	ScheduledTime *time.Time          `json:"scheduled_time,omitempty"`
}

type rideResponse struct {
	ID        string        `json:"id"`
	Status    models.Status `json:"status"`
	Scheduled bool          `json:"scheduled,omitempty"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in createRideRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.RiderID == "" {
		writeError(w, http.StatusBadRequest, "rider_id is required")
		return
	}
	if !validCoord(in.Pickup) || !validCoord(in.Dropoff) {
		writeError(w, http.StatusBadRequest, "pickup and dropoff must be valid coordinates")
		return
	}
	req := &models.RideRequest{
		ID:            uuid.NewString(),
		RiderID:       in.RiderID,
		Pickup:        in.Pickup,
		Dropoff:       in.Dropoff,
		VehicleClass:  in.VehicleClass,
		ScheduledTime: in.ScheduledTime,
	}
	if err := s.deps.Dispatcher.Create(r.Context(), req); err != nil {
		s.writeStoreError(w, err)
		return
	}
	_, err := s.deps.Dispatcher.Dispatch(r.Context(), req.ID)
	switch {
	case errors.Is(err, matcher.ErrScheduled):
		writeJSON(w, http.StatusAccepted, rideResponse{ID: req.ID, Status: models.StatusCreated, Scheduled: true})
	case err != nil:
		s.writeStoreError(w, err)
	default:
		writeJSON(w, http.StatusAccepted, rideResponse{ID: req.ID, Status: models.StatusSearching})
	}
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Dispatcher.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, err := s.deps.Dispatcher.Cancel(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	code := http.StatusOK
	if status != models.StatusCanceled {
		// the request settled another way first
		code = http.StatusConflict
	}
	writeJSON(w, code, rideResponse{ID: id, Status: status})
}

func (s *Server) handleDispatchRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h, err := s.deps.Dispatcher.Dispatch(r.Context(), id)
	if errors.Is(err, matcher.ErrScheduled) {
		writeJSON(w, http.StatusAccepted, rideResponse{ID: id, Status: models.StatusCreated, Scheduled: true})
		return
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	select {
	case <-h.Done():
		out, _ := h.Outcome()
		writeJSON(w, http.StatusOK, out)
	default:
		writeJSON(w, http.StatusAccepted, rideResponse{ID: id, Status: models.StatusSearching})
	}
}

type driverResponse struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) handleDriverResponse(accept bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in driverResponse
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.DriverID == "" {
			writeError(w, http.StatusBadRequest, "driver_id is required")
			return
		}
		id := mux.Vars(r)["id"]
		if accept {
			if err := s.deps.Dispatcher.AcceptOffer(r.Context(), id, in.DriverID); err != nil {
				s.writeStoreError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, rideResponse{ID: id, Status: models.StatusAccepted})
			return
		}
		if err := s.deps.Dispatcher.DeclineOffer(r.Context(), id, in.DriverID); err != nil {
			s.writeStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if d.ID == "" || !validCoord(d.Loc) {
		writeError(w, http.StatusBadRequest, "id and a valid loc are required")
		return
	}
	if err := s.deps.Geo.Upsert(r.Context(), d); err != nil {
		s.logger.Error("geo upsert failed", "driver_id", d.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "location store unavailable")
		return
	}
	if s.deps.Tokens != nil {
		s.deps.Tokens.Register(d.ID, d.PushToken)
	}
	if s.deps.Locations != nil {
		if err := s.deps.Locations.PublishLocation(r.Context(), d); err != nil {
			s.logger.Warn("location publish failed", "driver_id", d.ID, "error", err)
		}
	}
	s.trackOnline(d)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) trackOnline(d models.Driver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Online {
		s.online[d.ID] = struct{}{}
	} else {
		delete(s.online, d.ID)
	}
	observability.DriversOnline.Set(float64(len(s.online)))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		return
	}
	s.deps.WS.Serve(r.Context(), id, conn, s.deps.Dispatcher)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrPreconditionFailed), errors.Is(err, storage.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, matcher.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
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

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180 && (c.Lat != 0 || c.Lon != 0)
}
