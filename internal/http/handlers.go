package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/push"
	"github.com/example/roadside-dispatch/internal/signaling"
	"github.com/example/roadside-dispatch/internal/storage"
)

// Server exposes the dispatch contract over REST plus the optional
// WebSocket nudge channel for masters.
type Server struct {
	Dispatch  *dispatch.Service
	Signals   signaling.Store
	Directory *dispatch.MemoryDirectory
	Hub       *push.Hub
	Kafka     *ingest.HeartbeatProducer
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(svc *dispatch.Service, signals signaling.Store, dir *dispatch.MemoryDirectory, hub *push.Hub, kafka *ingest.HeartbeatProducer, logger *slog.Logger) *Server {
	s := &Server{
		Dispatch:  svc,
		Signals:   signals,
		Directory: dir,
		Hub:       hub,
		Kafka:     kafka,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/request", s.handleCreate).Methods("POST")
	s.mux.HandleFunc("/request/{id}", s.handleGet).Methods("GET")
	s.mux.HandleFunc("/request/{id}/assign", s.handleAssign).Methods("PATCH")
	s.mux.HandleFunc("/request/{id}/cancelled-master", s.handleMasterDecline).Methods("PATCH")
	s.mux.HandleFunc("/request/{id}/cancel-request", s.handleCancel).Methods("PATCH")
	s.mux.HandleFunc("/request/{id}/missed", s.handleMissed).Methods("PATCH")
	s.mux.HandleFunc("/request/{id}/verify-otp", s.handleVerifyOTP).Methods("POST")
	s.mux.HandleFunc("/request/{id}/start-repair", s.handleStartRepair).Methods("PATCH")
	s.mux.HandleFunc("/request/{id}/complete-repair", s.handleCompleteRepair).Methods("PATCH")
	s.mux.HandleFunc("/request/{id}/rate", s.handleRate).Methods("POST")

	s.mux.HandleFunc("/internal/master/profile", s.handleMasterProfile).Methods("POST")
	s.mux.HandleFunc("/internal/master/heartbeat", s.handleHeartbeat).Methods("POST")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/master/{master_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID      string             `json:"userId"`
		VehicleID   string             `json:"vehicleId"`
		ServiceType models.ServiceType `json:"serviceType"`
		Location    models.Location    `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	req := &models.Request{
		CustomerID:  body.UserID,
		VehicleID:   body.VehicleID,
		ServiceType: body.ServiceType,
		Location:    body.Location,
	}
	created, err := s.Dispatch.Create(r.Context(), req)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	// the OTP rides back on the create response only: this is the
	// out-of-band channel to the customer, never exposed on reads
	writeJSON(w, http.StatusCreated, map[string]any{"request": created, "otp": created.OTP})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.Dispatch.Store.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": req})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MasterID string `json:"masterId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.MasterID == "" {
		writeError(w, http.StatusBadRequest, "masterId required")
		return
	}
	req, err := s.Dispatch.Assign(r.Context(), mux.Vars(r)["id"], body.MasterID)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": req})
}

func (s *Server) handleMasterDecline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MasterID string `json:"masterId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.MasterID == "" {
		writeError(w, http.StatusBadRequest, "masterId required")
		return
	}
	if err := s.Dispatch.DeclineMaster(r.Context(), mux.Vars(r)["id"], body.MasterID); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CancelledBy string `json:"cancelledBy"`
		Reason      string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	if err := s.Dispatch.Cancel(r.Context(), mux.Vars(r)["id"], body.CancelledBy, body.Reason); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMissed(w http.ResponseWriter, r *http.Request) {
	if err := s.Dispatch.MarkMissed(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OTP string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OTP == "" {
		writeError(w, http.StatusBadRequest, "otp required")
		return
	}
	if err := s.Dispatch.VerifyOTP(r.Context(), mux.Vars(r)["id"], body.OTP); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartRepair(w http.ResponseWriter, r *http.Request) {
	if err := s.Dispatch.StartRepair(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompleteRepair(w http.ResponseWriter, r *http.Request) {
	if err := s.Dispatch.CompleteRepair(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role     string `json:"role"`
		Rating   int    `json:"rating"`
		Feedback string `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	rating := models.Rating{
		RequestID: mux.Vars(r)["id"],
		Role:      body.Role,
		Rating:    body.Rating,
		Feedback:  body.Feedback,
	}
	if err := s.Dispatch.Rate(r.Context(), rating); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMasterProfile(w http.ResponseWriter, r *http.Request) {
	var p models.MasterProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.ID == "" {
		writeError(w, http.StatusBadRequest, "profile id required")
		return
	}
	s.Directory.Upsert(p)
	w.WriteHeader(http.StatusNoContent)
}

// handleHeartbeat ingests a master location sample: fan it to Kafka if
// configured (the consumer mirrors it into the presence store), else
// write presence directly.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb models.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil || hb.MasterID == "" {
		writeError(w, http.StatusBadRequest, "master_id required")
		return
	}
	if hb.SentAt.IsZero() {
		hb.SentAt = time.Now()
	}
	if s.Kafka != nil {
		if err := s.Kafka.Publish(r.Context(), hb); err != nil {
			s.logger.Warn("heartbeat publish failed", "master_id", hb.MasterID, "error", err)
		}
	} else {
		p := models.Presence{MasterID: hb.MasterID, Active: hb.Active, Loc: hb.Loc, Updated: hb.SentAt}
		if err := s.Signals.SetPresence(r.Context(), p); err != nil {
			s.logger.Warn("presence write failed", "master_id", hb.MasterID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["master_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "upgrade failed")
		return
	}
	s.Hub.Add(id, conn)
	observability.MastersOnDuty.Inc()
	go func() {
		defer observability.MastersOnDuty.Dec()
		// drain until the peer goes away; masters never send data
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.Hub.Remove(id)
				return
			}
		}
	}()
}

// writeDispatchError maps service errors onto the wire taxonomy the
// device clients decode.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrAlreadyAssigned):
		writeError(w, http.StatusConflict, "already_assigned")
	case errors.Is(err, dispatch.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, "invalid_transition")
	case errors.Is(err, dispatch.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed")
	case errors.Is(err, dispatch.ErrOTPMismatch):
		writeError(w, http.StatusForbidden, "otp_mismatch")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	default:
		s.logger.Error("unhandled dispatch error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
