package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/aridsondez/leaseq/internal/metrics"
	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/pkg/logger"
)

type Server struct {
	engines map[string]*queue.Engine
	addr    string
	timeout time.Duration
}

// NewServer serves the queues in engines, keyed by queue name.
func NewServer(addr string, engines map[string]*queue.Engine) *http.Server {
	srv := &Server{
		engines: engines,
		addr:    addr,
		timeout: 5 * time.Second,
	}
	return &http.Server{
		Addr:              srv.addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: srv.timeout,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(requestDuration)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/queues", func(r chi.Router) {
		r.Get("/", s.handleListQueues)

		r.Route("/{queue}", func(r chi.Router) {
			r.Post("/messages", s.handleEnqueue)
			r.Post("/claim", s.handleClaim)
			r.Post("/leases/{ack}/renew", s.handleRenew)
			r.Post("/leases/{ack}/complete", s.handleComplete)
			r.Post("/reap", s.handleReap)
			r.Get("/stats", s.handleStats)
		})
	})

	return r
}

type enqueueRequest struct {
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Payloads []json.RawMessage `json:"payloads,omitempty"`
	DelayMS  int64             `json:"delay_ms,omitempty"` // milliseconds
}

type enqueueResponse struct {
	IDs []string `json:"ids"`
}

type leaseRequest struct {
	VisibilityMS int64 `json:"visibility_ms,omitempty"`
}

type idResponse struct {
	ID string `json:"id"`
}

type queuesResponse struct {
	Queues []string `json:"queues"`
}

// ---------- Handlers ----------

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.engines))
	for name := range s.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, &queuesResponse{Queues: names})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	payloads := req.Payloads
	switch {
	case len(req.Payload) > 0 && req.Payloads != nil:
		httpError(w, http.StatusBadRequest, "send either `payload` or `payloads`, not both")
		return
	case len(req.Payload) > 0:
		payloads = []json.RawMessage{req.Payload}
	case req.Payloads == nil:
		httpError(w, http.StatusBadRequest, "`payload` is required")
		return
	}

	ids, err := e.Enqueue(r.Context(), payloads, queue.EnqueueOptions{
		Delay: time.Duration(req.DelayMS) * time.Millisecond,
	})
	if err != nil {
		writeError(w, "enqueue", err)
		return
	}
	writeJSON(w, http.StatusCreated, &enqueueResponse{IDs: ids})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req leaseRequest
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	msg, err := e.Claim(r.Context(), queue.ClaimOptions{
		Visibility: time.Duration(req.VisibilityMS) * time.Millisecond,
	})
	if err != nil {
		writeError(w, "claim", err)
		return
	}
	if msg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req leaseRequest
	if err := decodeBody(r, &req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: %v", err)
		return
	}

	id, err := e.Renew(r.Context(), chi.URLParam(r, "ack"), queue.RenewOptions{
		Visibility: time.Duration(req.VisibilityMS) * time.Millisecond,
	})
	if err != nil {
		writeError(w, "renew", err)
		return
	}
	writeJSON(w, http.StatusOK, &idResponse{ID: id})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	id, err := e.Complete(r.Context(), chi.URLParam(r, "ack"))
	if err != nil {
		writeError(w, "complete", err)
		return
	}
	writeJSON(w, http.StatusOK, &idResponse{ID: id})
}

func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	res, err := e.Reap(r.Context())
	if err != nil {
		writeError(w, "reap", err)
		return
	}
	writeJSON(w, http.StatusOK, &res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	stats, err := e.Stats(r.Context())
	if err != nil {
		writeError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, &stats)
}

// ---------- helpers ----------

// engine resolves the {queue} path param, answering 404 itself when the
// queue is not configured.
func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*queue.Engine, bool) {
	qname := chi.URLParam(r, "queue")
	e, ok := s.engines[qname]
	if !ok {
		httpError(w, http.StatusNotFound, "queue %q not found", qname)
		return nil, false
	}
	return e, true
}

// decodeBody decodes an optional JSON body; an empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeError(w http.ResponseWriter, op string, err error) {
	var (
		verr *queue.ValidationError
		aerr *queue.UnknownAckError
	)
	switch {
	case errors.As(err, &verr):
		httpError(w, http.StatusBadRequest, "%s", verr.Error())
	case errors.As(err, &aerr):
		httpError(w, http.StatusNotFound, "%s", aerr.Error())
	default:
		logger.Error(op+" failed", zap.Error(err))
		httpError(w, http.StatusInternalServerError, "%s failed: %v", op, err)
	}
}

func httpError(w http.ResponseWriter, code int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
