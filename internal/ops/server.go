// Package ops exposes the relay's health and status over HTTP for
// monitoring. It is read-only and meant to be bound to localhost; it is
// not an admin surface.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nhle/licence-relay/internal/model"
)

// Store is the read-only slice of durable state the endpoint reports.
type Store interface {
	Ping(ctx context.Context) error
	RecordCounts(ctx context.Context) (map[model.RecordState]int, error)
	BatchCounts(ctx context.Context) (map[model.BatchStatus]int, error)
}

// Sequence reports run-number positions.
type Sequence interface {
	Snapshot(ctx context.Context) (issued, acknowledged int64, err error)
}

// Probe reports worker liveness.
type Probe interface {
	LastPoll() time.Time
}

// Server serves the health and status endpoints.
type Server struct {
	store        Store
	sequence     Sequence
	probe        Probe
	pollInterval time.Duration
	logger       *slog.Logger
	httpServer   *http.Server
}

// NewServer builds a Server listening on addr. pollInterval is the
// collector's configured interval; a mailbox poll older than three
// intervals degrades the healthcheck.
func NewServer(
	addr string,
	store Store,
	sequence Sequence,
	probe Probe,
	pollInterval time.Duration,
	logger *slog.Logger,
) *Server {
	s := &Server{
		store:        store,
		sequence:     sequence,
		probe:        probe,
		pollInterval: pollInterval,
		logger:       logger,
	}

	r := chi.NewRouter()
	r.Use(recoverMiddleware)
	r.Get("/healthcheck", s.handleHealthcheck)
	r.Get("/status", s.handleStatus)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.logger.Info("ops endpoint listening", "addr", s.httpServer.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return ctx.Err()
}

type healthResponse struct {
	Status   string `json:"status"`
	Store    string `json:"store"`
	Mailbox  string `json:"mailbox"`
	LastPoll string `json:"last_poll,omitempty"`
}

func (s *Server) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok", Mailbox: "ok"}
	code := http.StatusOK

	if err := s.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = err.Error()
		code = http.StatusServiceUnavailable
	}

	last := s.probe.LastPoll()
	if last.IsZero() {
		resp.Mailbox = "no poll completed yet"
	} else {
		resp.LastPoll = last.UTC().Format(time.RFC3339)
		if stale := time.Since(last); stale > 3*s.pollInterval {
			resp.Status = "degraded"
			resp.Mailbox = "last poll " + stale.Round(time.Second).String() + " ago"
			code = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, code, resp)
}

type statusResponse struct {
	IssuedRunNumber       int64          `json:"issued_run_number"`
	AcknowledgedRunNumber int64          `json:"acknowledged_run_number"`
	Records               map[string]int `json:"records"`
	Batches               map[string]int `json:"batches"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	issued, acknowledged, err := s.sequence.Snapshot(ctx)
	if err != nil {
		s.writeFailure(w, "reading run numbers", err)
		return
	}

	records, err := s.store.RecordCounts(ctx)
	if err != nil {
		s.writeFailure(w, "counting records", err)
		return
	}

	batches, err := s.store.BatchCounts(ctx)
	if err != nil {
		s.writeFailure(w, "counting batches", err)
		return
	}

	resp := statusResponse{
		IssuedRunNumber:       issued,
		AcknowledgedRunNumber: acknowledged,
		Records:               make(map[string]int, len(records)),
		Batches:               make(map[string]int, len(batches)),
	}
	for state, n := range records {
		resp.Records[string(state)] = n
	}
	for status, n := range batches {
		resp.Batches[string(status)] = n
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeFailure(w http.ResponseWriter, op string, err error) {
	s.logger.Error("status endpoint failure", "op", op, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"status": "error",
		"error":  op,
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{
					"status": "error",
					"error":  "internal error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
