package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/etera-expander/db"
	"github.com/thatsimonsguy/etera-expander/internal/etera"
	"github.com/thatsimonsguy/etera-expander/internal/model"
)

// Controller is the part of the heating controller the API exposes.
type Controller interface {
	SetLoopMode(id int, mode model.LoopMode) error
	LastReport() model.CycleReport
}

type Expander interface {
	IsReady() bool
	GetSensors(ctx context.Context) ([]etera.SensorID, error)
}

type Server struct {
	db         *sql.DB
	controller Controller
	expander   Expander
}

type LoopResponse struct {
	model.Loop
	Temperature *float64 `json:"temperature,omitempty"`
	Target      *float64 `json:"target,omitempty"`
}

type LoopModeRequest struct {
	Mode string `json:"mode"`
}

type ExpanderResponse struct {
	Ready        bool      `json:"ready"`
	Sensors      []string  `json:"sensors"`
	Temperatures []float64 `json:"temperatures"`
	LastCycle    time.Time `json:"last_cycle"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func NewServer(database *sql.DB, controller Controller, expander Expander) *Server {
	return &Server{
		db:         database,
		controller: controller,
		expander:   expander,
	}
}

// Handler returns the routed API wrapped in the CORS handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/loops", s.handleLoops)
	mux.HandleFunc("/api/loops/", s.handleLoopOperations)
	mux.HandleFunc("/api/expander", s.handleExpander)
	mux.HandleFunc("/api/events", s.handleEvents)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf("0.0.0.0:%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("address", addr).Msg("Starting REST API server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleLoops(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	loops, err := db.GetLoops(s.db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get loops")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	reports := s.loopReports()
	response := make([]LoopResponse, 0, len(loops))
	for _, l := range loops {
		response = append(response, s.loopResponse(l, reports))
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleLoopOperations(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/loops/")
	parts := strings.Split(path, "/")

	id, err := strconv.Atoi(parts[0])
	if err != nil {
		s.writeError(w, http.StatusNotFound, "Loop ID must be a number")
		return
	}

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.getLoop(w, id)
	case len(parts) == 2 && parts[1] == "mode":
		if r.Method != http.MethodPut {
			s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.setLoopMode(w, r, id)
	default:
		s.writeError(w, http.StatusNotFound, "Invalid path")
	}
}

func (s *Server) getLoop(w http.ResponseWriter, id int) {
	l, err := db.GetLoopByID(s.db, id)
	if err != nil {
		if errors.Is(err, db.ErrLoopNotFound) {
			s.writeError(w, http.StatusNotFound, "Loop not found")
		} else {
			log.Error().Err(err).Int("loop", id).Msg("Failed to get loop")
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, s.loopResponse(*l, s.loopReports()))
}

func (s *Server) setLoopMode(w http.ResponseWriter, r *http.Request, id int) {
	var req LoopModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	mode, err := model.ParseLoopMode(req.Mode)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid loop mode. Valid modes: off, on, expedited, standby")
		return
	}

	if err := s.controller.SetLoopMode(id, mode); err != nil {
		if errors.Is(err, db.ErrLoopNotFound) {
			s.writeError(w, http.StatusNotFound, "Loop not found")
			return
		}
		log.Error().Err(err).Int("loop", id).Str("mode", req.Mode).Msg("Failed to update loop mode")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Int("loop", id).Str("mode", string(mode)).Msg("Loop mode updated via API")
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleExpander(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	report := s.controller.LastReport()
	response := ExpanderResponse{
		Ready:        s.expander.IsReady(),
		Sensors:      []string{},
		Temperatures: report.Temperatures,
		LastCycle:    report.At,
	}
	if sensors, err := s.expander.GetSensors(r.Context()); err == nil {
		for _, id := range sensors {
			response.Sensors = append(response.Sensors, id.String())
		}
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	events, err := db.GetRecentDeviceEvents(s.db, limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get device events")
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []db.DeviceEvent{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) loopReports() map[int]model.LoopReport {
	out := map[int]model.LoopReport{}
	for _, r := range s.controller.LastReport().Loops {
		out[r.ID] = r
	}
	return out
}

func (s *Server) loopResponse(l model.Loop, reports map[int]model.LoopReport) LoopResponse {
	resp := LoopResponse{Loop: l}
	if r, ok := reports[l.ID]; ok {
		resp.Temperature = r.Temperature
		resp.Target = r.Target
	}
	return resp
}

func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
