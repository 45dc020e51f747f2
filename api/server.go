package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gregtusar/ltvbot/pkg/models"
	"github.com/gregtusar/ltvbot/pkg/trader"
	"github.com/sirupsen/logrus"
)

// ReportSource publishes monitor cycle reports.
type ReportSource interface {
	LastReport() (trader.CycleReport, bool)
	Subscribe() (<-chan trader.CycleReport, func())
}

// Controller is the part of the monitor the API exposes.
type Controller interface {
	ReportSource
	State() trader.State
	Paused() bool
	Pause()
	Resume()
}

type PositionSource interface {
	GetLoanPositions(ctx context.Context) ([]models.LoanPosition, error)
}

type Server struct {
	monitor     Controller
	positions   PositionSource
	auth        *TokenAuth
	hub         *Hub
	logger      *logrus.Logger
	port        string
	environment string
}

// NewServer wires the status API. A nil auth leaves the control endpoints open.
func NewServer(monitor Controller, positions PositionSource, auth *TokenAuth, logger *logrus.Logger, port, environment string) *Server {
	return &Server{
		monitor:     monitor,
		positions:   positions,
		auth:        auth,
		hub:         NewHub(monitor, logger),
		logger:      logger,
		port:        port,
		environment: environment,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/report", s.handleReport)
	mux.Handle("/api/stream", s.hub)
	mux.Handle("/api/pause", s.requireToken(http.HandlerFunc(s.handlePause)))
	mux.Handle("/api/resume", s.requireToken(http.HandlerFunc(s.handleResume)))

	return corsMiddleware(mux)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.hub.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("API server shutdown")
		}
	}()

	s.logger.Infof("Starting API server on port %s", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"environment": s.environment,
		"state":       s.monitor.State().String(),
		"paused":      s.monitor.Paused(),
		"timestamp":   time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	positions, err := s.positions.GetLoanPositions(r.Context())
	if err != nil {
		s.logger.WithError(err).Warn("Failed to fetch positions for API")
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, ok := s.monitor.LastReport()
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no cycle has run yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.monitor.Pause()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.monitor.Resume()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
