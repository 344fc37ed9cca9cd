package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oapi-codegen/runtime"

	"scriptguard/internal/domain"
	"scriptguard/internal/ports"
	"scriptguard/internal/services/scanner"
)

// Store is the read side the API needs plus run creation.
type Store interface {
	GetScanRun(ctx context.Context, runID string) (domain.ScanRun, error)
	GetEvidencePack(ctx context.Context, packID string) (domain.EvidencePack, error)
	MarkRunFailed(ctx context.Context, runID string, at time.Time, code, message string) (bool, error)
	ports.RunRegistry
}

// Processor runs one task synchronously; see taskrunner.Runner.ProcessInline.
type Processor interface {
	ProcessInline(ctx context.Context, kind, refID string) error
}

type Options struct {
	MaxAttempts    int
	InlineTimeout  time.Duration
	OriginPatterns []string
}

type Server struct {
	store     Store
	queue     ports.TaskQueue
	processor Processor
	hub       *Hub
	logger    *slog.Logger
	opts      Options
}

func New(store Store, queue ports.TaskQueue, processor Processor, hub *Hub, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.InlineTimeout <= 0 {
		opts.InlineTimeout = 5 * time.Minute
	}
	return &Server{store: store, queue: queue, processor: processor, hub: hub, logger: logger, opts: opts}
}

func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.getHealthz)
	r.Post("/sites/{siteID}/runs", s.postSiteRun)
	r.Route("/runs/{runID}", func(r chi.Router) {
		r.Get("/", s.getRun)
		r.Post("/process", s.postRunProcess)
		r.Get("/events", s.getRunEvents)
	})
	r.Route("/evidence/{evidenceID}", func(r chi.Router) {
		r.Get("/", s.getEvidence)
		r.Post("/process", s.postEvidenceProcess)
	})
	return r
}

type runView struct {
	ID           string     `json:"id"`
	SiteID       string     `json:"site_id"`
	Mode         string     `json:"mode"`
	Status       string     `json:"status"`
	StartedAt    *time.Time `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at"`
	ErrorCode    *string    `json:"error_code"`
	ErrorMessage *string    `json:"error_message"`
	CreatedAt    time.Time  `json:"created_at"`
}

func toRunView(r domain.ScanRun) runView {
	return runView{
		ID: r.ID, SiteID: r.SiteID, Mode: string(r.Mode), Status: string(r.Status),
		StartedAt: r.StartedAt, EndedAt: r.EndedAt,
		ErrorCode: r.ErrorCode, ErrorMessage: r.ErrorMessage, CreatedAt: r.CreatedAt,
	}
}

type packView struct {
	ID        string    `json:"id"`
	SiteID    string    `json:"site_id"`
	FromDate  string    `json:"from_date"`
	ToDate    string    `json:"to_date"`
	Status    string    `json:"status"`
	FileURL   *string   `json:"file_url"`
	CreatedAt time.Time `json:"created_at"`
}

func toPackView(p domain.EvidencePack) packView {
	return packView{
		ID: p.ID, SiteID: p.SiteID, FromDate: p.FromDate, ToDate: p.ToDate,
		Status: string(p.Status), FileURL: p.FileURL, CreatedAt: p.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	var v string
	err := runtime.BindStyledParameterWithOptions("simple", name, chi.URLParam(r, name), &v,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Explode: false, Required: true})
	if err != nil || v == "" {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return v, true
}

// inlineTimeout reads the optional ?timeout=<seconds> query parameter.
func (s *Server) inlineTimeout(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	var secs *int
	if err := runtime.BindQueryParameter("form", true, false, "timeout", r.URL.Query(), &secs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid timeout")
		return 0, false
	}
	if secs != nil && *secs > 0 {
		return time.Duration(*secs) * time.Second, true
	}
	return s.opts.InlineTimeout, true
}

func (s *Server) getHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) lookupError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, ports.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	s.logger.Error("lookup "+what, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

type createRunRequest struct {
	Mode string `json:"mode"`
}

// postSiteRun creates a queued run and its task, refusing while the site
// already has one queued or running.
func (s *Server) postSiteRun(w http.ResponseWriter, r *http.Request) {
	siteID, ok := pathParam(w, r, "siteID")
	if !ok {
		return
	}
	req := createRunRequest{Mode: string(domain.ModeQuick)}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	mode := domain.RunMode(req.Mode)
	if mode != domain.ModeQuick && mode != domain.ModeFull {
		writeError(w, http.StatusBadRequest, "mode must be quick or full")
		return
	}

	run, err := s.store.CreateScanRun(r.Context(), siteID, mode)
	switch {
	case errors.Is(err, ports.ErrRunInProgress):
		writeError(w, http.StatusConflict, "scan already in progress")
		return
	case err != nil:
		s.lookupError(w, err, "site")
		return
	}
	if _, err := s.queue.Enqueue(r.Context(), ports.TaskScanRun, run.ID, s.opts.MaxAttempts); err != nil {
		s.logger.Error("enqueue scan run", "run_id", run.ID, "error", err)
		s.abandonRun(r.Context(), run.ID, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.logger.Info("scan run queued", "run_id", run.ID, "site_id", siteID, "mode", mode)
	writeJSON(w, http.StatusAccepted, toRunView(run))
}

// abandonRun fails a run whose task could not be queued so the site is not
// left blocked behind a run no worker will pick up.
func (s *Server) abandonRun(ctx context.Context, runID string, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.store.MarkRunFailed(ctx, runID, time.Now().UTC(), scanner.CodeTask, "enqueue failed: "+cause.Error()); err != nil {
		s.logger.Error("fail unqueued scan run", "run_id", runID, "error", err)
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathParam(w, r, "runID")
	if !ok {
		return
	}
	run, err := s.store.GetScanRun(r.Context(), runID)
	if err != nil {
		s.lookupError(w, err, "run")
		return
	}
	writeJSON(w, http.StatusOK, toRunView(run))
}

// postRunProcess drives the run synchronously and returns its settled row.
// A run that ended failed is still a 200; its error_code says why.
func (s *Server) postRunProcess(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathParam(w, r, "runID")
	if !ok {
		return
	}
	timeout, ok := s.inlineTimeout(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetScanRun(r.Context(), runID); err != nil {
		s.lookupError(w, err, "run")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	perr := s.processor.ProcessInline(ctx, ports.TaskScanRun, runID)

	run, err := s.store.GetScanRun(r.Context(), runID)
	if err != nil {
		s.lookupError(w, err, "run")
		return
	}
	if perr != nil && !run.Status.Terminal() {
		s.logger.Error("process scan run", "run_id", runID, "error", perr)
		writeError(w, http.StatusInternalServerError, perr.Error())
		return
	}
	writeJSON(w, http.StatusOK, toRunView(run))
}

// getRunEvents streams status and diff events of a run over a websocket.
// The first message is the run's current status.
func (s *Server) getRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathParam(w, r, "runID")
	if !ok {
		return
	}
	run, err := s.store.GetScanRun(r.Context(), runID)
	if err != nil {
		s.lookupError(w, err, "run")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
	if err != nil {
		s.logger.Error("ws accept error", "error", err)
		return
	}
	defer conn.CloseNow()

	s.hub.Subscribe(runID, conn)
	defer s.hub.Unsubscribe(runID, conn)

	snapshot, _ := json.Marshal(eventMessage{
		RunID: run.ID, SiteID: run.SiteID, Kind: "status", Status: string(run.Status), At: time.Now().UTC(),
	})
	if err := conn.Write(r.Context(), websocket.MessageText, snapshot); err != nil {
		return
	}

	ctx := conn.CloseRead(r.Context())
	<-ctx.Done()
}

func (s *Server) getEvidence(w http.ResponseWriter, r *http.Request) {
	packID, ok := pathParam(w, r, "evidenceID")
	if !ok {
		return
	}
	pack, err := s.store.GetEvidencePack(r.Context(), packID)
	if err != nil {
		s.lookupError(w, err, "evidence pack")
		return
	}
	writeJSON(w, http.StatusOK, toPackView(pack))
}

func (s *Server) postEvidenceProcess(w http.ResponseWriter, r *http.Request) {
	packID, ok := pathParam(w, r, "evidenceID")
	if !ok {
		return
	}
	timeout, ok := s.inlineTimeout(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetEvidencePack(r.Context(), packID); err != nil {
		s.lookupError(w, err, "evidence pack")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	perr := s.processor.ProcessInline(ctx, ports.TaskEvidencePack, packID)

	pack, err := s.store.GetEvidencePack(r.Context(), packID)
	if err != nil {
		s.lookupError(w, err, "evidence pack")
		return
	}
	if perr != nil && !pack.Status.Terminal() {
		s.logger.Error("process evidence pack", "evidence_id", packID, "error", perr)
		writeError(w, http.StatusInternalServerError, perr.Error())
		return
	}
	writeJSON(w, http.StatusOK, toPackView(pack))
}
