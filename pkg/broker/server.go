package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/gridworks/gridbox/pkg/devcfg"
	"github.com/gridworks/gridbox/pkg/log"
	"github.com/gridworks/gridbox/pkg/metrics"
)

// ChangeNotification is the wire form of a changed signal.
type ChangeNotification struct {
	ChgType string `json:"chgtype"`
	ResID   string `json:"resid"`
}

// Server exposes the broker operations over HTTP.
type Server struct {
	broker *Broker
	router *mux.Router
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer builds the HTTP front of a broker.
func NewServer(b *Broker, addr string) *Server {
	s := &Server{
		broker: b,
		router: mux.NewRouter(),
		logger: log.WithComponent("cfgbroker-api"),
	}
	s.routes()
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // the change feed is long lived
	}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("broker API listening")
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/ready", s.instrument("ready", s.handleReady)).Methods(http.MethodGet)
	api.HandleFunc("/configuration", s.instrument("configuration", s.handleFullConfiguration)).Methods(http.MethodGet)

	api.HandleFunc("/coordinators", s.instrument("coordinators", s.handleCoordinators)).Methods(http.MethodGet)
	api.HandleFunc("/coordinators/{cid}", s.instrument("coordinator", s.handleCoordinator)).Methods(http.MethodGet)
	api.HandleFunc("/coordinators/{cid}/devices", s.instrument("coordinator_devices", s.handleCoordinatorDevices)).Methods(http.MethodGet)
	api.HandleFunc("/coordinators/{cid}/devices/{did}", s.instrument("device", s.handleDevice)).Methods(http.MethodGet)

	api.HandleFunc("/metadata/coordinators", s.instrument("coordinator_types", s.handleCoordinatorTypes)).Methods(http.MethodGet)
	api.HandleFunc("/metadata/coordinators/{ctype}", s.instrument("coordinator_metadata", s.handleCoordinatorMetadata)).Methods(http.MethodGet)
	api.HandleFunc("/metadata/coordinators/{ctype}/devices", s.instrument("device_types", s.handleDeviceTypes)).Methods(http.MethodGet)
	api.HandleFunc("/metadata/devices/{ctype}/{dtype}", s.instrument("device_metadata", s.handleDeviceMetadata)).Methods(http.MethodGet)

	api.HandleFunc("/changes", s.instrument("notify_change", s.handleNotifyChange)).Methods(http.MethodPost)
	api.HandleFunc("/changes/feed", s.handleChangeFeed).Methods(http.MethodGet)
}

// instrument wraps a handler with the request metrics of its operation.
func (s *Server) instrument(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		timer.ObserveDurationVec(metrics.BrokerRequestDuration, op)
		metrics.BrokerRequestsTotal.WithLabelValues(op, fmt.Sprintf("%d", rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("cannot encode response")
	}
}

func (s *Server) writeRaw(w http.ResponseWriter, raw []byte) {
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(raw); err != nil {
		s.logger.Error().Err(err).Msg("cannot write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	var notFound *devcfg.NotFoundError
	var typeNotFound *devcfg.DeviceTypeNotFoundError
	var invalid *devcfg.InvalidConfigurationError
	var duplicateCoord *devcfg.DuplicateCoordinatorError
	var duplicateDev *devcfg.DuplicateDeviceError

	switch {
	case errors.As(err, &notFound), errors.As(err, &typeNotFound):
		status = http.StatusNotFound
	case errors.As(err, &invalid):
		status = http.StatusBadRequest
	case errors.As(err, &duplicateCoord), errors.As(err, &duplicateDev):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]bool{"ready": s.broker.IsReady()})
}

func (s *Server) handleFullConfiguration(w http.ResponseWriter, r *http.Request) {
	raw, err := s.broker.GetFullConfiguration()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeRaw(w, raw)
}

func (s *Server) handleCoordinators(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.broker.GetCoordinators())
}

func (s *Server) handleCoordinator(w http.ResponseWriter, r *http.Request) {
	raw, err := s.broker.GetCoordinator(mux.Vars(r)["cid"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeRaw(w, raw)
}

func (s *Server) handleCoordinatorDevices(w http.ResponseWriter, r *http.Request) {
	ids, err := s.broker.GetCoordinatorDevices(mux.Vars(r)["cid"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, ids)
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	raw, err := s.broker.GetDevice(vars["cid"], vars["did"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeRaw(w, raw)
}

func (s *Server) handleCoordinatorTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.broker.GetCoordinatorTypes()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, types)
}

func (s *Server) handleCoordinatorMetadata(w http.ResponseWriter, r *http.Request) {
	raw, err := s.broker.GetCoordinatorMetadata(mux.Vars(r)["ctype"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeRaw(w, raw)
}

func (s *Server) handleDeviceTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.broker.GetDeviceTypes(mux.Vars(r)["ctype"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, types)
}

func (s *Server) handleDeviceMetadata(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	raw, err := s.broker.GetDeviceMetadata(vars["ctype"] + ":" + vars["dtype"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeRaw(w, raw)
}

func (s *Server) handleNotifyChange(w http.ResponseWriter, r *http.Request) {
	var change ChangeNotification
	if err := json.NewDecoder(r.Body).Decode(&change); err != nil {
		s.writeError(w, &devcfg.InvalidConfigurationError{Reason: "malformed change notification", Err: err})
		return
	}
	s.broker.NotifyConfigurationChange(change.ChgType, change.ResID)
	w.WriteHeader(http.StatusNoContent)
}

// handleChangeFeed streams the changed signals to the client as
// server-sent events, one JSON object per event.
func (s *Server) handleChangeFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	changes := make(chan ChangeNotification, 16)
	id := s.broker.Subscribe(func(chgtype, resid string) {
		select {
		case changes <- ChangeNotification{ChgType: chgtype, ResID: resid}:
		default:
			// slow consumer: the notification is dropped, the feed is
			// best effort like the bus itself
		}
	})
	defer s.broker.Unsubscribe(id)

	for {
		select {
		case <-r.Context().Done():
			return
		case change := <-changes:
			raw, err := json.Marshal(change)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
