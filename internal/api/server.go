package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/config"
	"github.com/JakeFAU/permit-crawler/internal/crawler"
	"github.com/JakeFAU/permit-crawler/internal/metrics"
	"github.com/JakeFAU/permit-crawler/internal/store"
)

const (
	requestTimeout = 60 * time.Second
	sourceAPI      = "api"
)

// SnapshotReader loads the stored permit snapshot.
type SnapshotReader interface {
	Snapshot(ctx context.Context) (crawler.Snapshot, error)
}

// Submitter queues run requests without waiting for room.
// *dispatcher.Dispatcher satisfies it.
type Submitter interface {
	TrySubmit(req crawler.RunRequest) (string, error)
}

// Probe fetches and parses a single key for /api/test.
type Probe struct {
	Fetcher crawler.PageFetcher
	Parser  crawler.RecordParser
}

// Server wires HTTP handlers to the store and dispatcher.
type Server struct {
	router    chi.Router
	snapshots SnapshotReader
	logs      crawler.LogStore
	submitter Submitter
	probe     Probe
	clock     crawler.Clock
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	snapshots SnapshotReader,
	logs crawler.LogStore,
	submitter Submitter,
	probe Probe,
	clock crawler.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		snapshots: snapshots,
		logs:      logs,
		submitter: submitter,
		probe:     probe,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/status", s.status)
		r.Post("/trigger", s.trigger)
		r.Get("/logs", s.listLogs)
		r.Get("/test", s.testKey)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.snapshots.Snapshot(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Status     string                       `json:"status"`
	Progress   map[int]crawler.YearProgress `json:"progress"`
	TotalCount int                          `json:"totalCount"`
	LastUpdate time.Time                    `json:"lastUpdate"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	snap, err := s.snapshots.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("load snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}
	lastUpdate := snap.LastUpdate
	if lastUpdate.IsZero() {
		lastUpdate = s.clock.Now().UTC()
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "running",
		Progress:   store.Progress(snap),
		TotalCount: snap.TotalCount,
		LastUpdate: lastUpdate,
	})
}

type triggerRequest struct {
	Year          *int `json:"year"`
	StartSequence *int `json:"startSequence"`
	EndSequence   *int `json:"endSequence"`
	NoAutoStop    bool `json:"noAutoStop"`
}

func (req triggerRequest) toRunRequest() (crawler.RunRequest, error) {
	if req.Year == nil {
		if req.StartSequence != nil || req.EndSequence != nil {
			return crawler.RunRequest{}, errors.New("year is required with a sequence range")
		}
		return crawler.RunRequest{Planned: true, Source: sourceAPI}, nil
	}
	run := crawler.RunRequest{Year: *req.Year, StartSequence: 1, EndSequence: req.EndSequence, NoAutoStop: req.NoAutoStop, Source: sourceAPI}
	if run.Year < 1 || run.Year > 999 {
		return crawler.RunRequest{}, errors.New("year must be between 1 and 999")
	}
	if req.StartSequence != nil {
		run.StartSequence = *req.StartSequence
	}
	if run.StartSequence < 1 || run.StartSequence > 99999 {
		return crawler.RunRequest{}, errors.New("startSequence must be between 1 and 99999")
	}
	if run.EndSequence != nil && *run.EndSequence < run.StartSequence {
		return crawler.RunRequest{}, errors.New("endSequence must not precede startSequence")
	}
	return run, nil
}

func (s *Server) trigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	run, err := req.toRunRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID, err := s.submitter.TrySubmit(run)
	switch {
	case errors.Is(err, crawler.ErrQueueFull):
		s.logger.Warn("run queue full, rejecting trigger")
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusServiceUnavailable, "run queue is full")
		return
	case errors.Is(err, crawler.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		s.logger.Error("submit run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": runID, "message": "crawl queued"})
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.logs.Logs(r.Context())
	if err != nil {
		s.logger.Error("load crawl logs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load logs")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

type testResponse struct {
	IndexKey string                `json:"indexKey"`
	Outcome  string                `json:"outcome"`
	Result   *crawler.PermitRecord `json:"result"`
	Error    string                `json:"error,omitempty"`
}

func (s *Server) testKey(w http.ResponseWriter, r *http.Request) {
	year, err := queryInt(r, "year", s.cfg.Crawler.StartYear)
	if err != nil || year < 1 || year > 999 {
		writeError(w, http.StatusBadRequest, "invalid year")
		return
	}
	seq, err := queryInt(r, "seq", 1)
	if err != nil || seq < 1 || seq > 99999 {
		writeError(w, http.StatusBadRequest, "invalid seq")
		return
	}
	if s.probe.Fetcher == nil || s.probe.Parser == nil {
		writeError(w, http.StatusServiceUnavailable, "test probe not configured")
		return
	}

	key := crawler.GenerateKey(year, s.cfg.Crawler.RecordType, seq, 0)
	resp := testResponse{IndexKey: key}
	content, err := s.probe.Fetcher.FetchPage(r.Context(), key)
	if err != nil {
		resp.Outcome, resp.Error = metrics.OutcomeFailed, err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	rec, err := s.probe.Parser.Parse(content, key)
	switch {
	case err == nil:
		resp.Outcome, resp.Result = metrics.OutcomeSuccess, &rec
	case errors.Is(err, crawler.ErrNoData):
		resp.Outcome = metrics.OutcomeNoData
	default:
		resp.Outcome, resp.Error = metrics.OutcomeParseFailed, err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
