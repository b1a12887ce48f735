package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"papersynth/internal/config"
	"papersynth/internal/models"
	"papersynth/internal/processor"
	"papersynth/internal/providers"
	"papersynth/internal/session"
	"papersynth/internal/storage"
	"papersynth/internal/synthesis"
	"papersynth/internal/util"
	"papersynth/internal/workflows"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	tclient "go.temporal.io/sdk/client"
)

// Server exposes the session over HTTP. The Temporal client and run repo are
// optional; the durable endpoints answer 503 without them.
type Server struct {
	cfg       config.Config
	sess      *session.Session
	providers *providers.Manager
	runs      *storage.SynthesisRunRepo
	temporal  tclient.Client
	logger    *slog.Logger
}

type Option func(*Server)

func WithProviders(m *providers.Manager) Option {
	return func(s *Server) { s.providers = m }
}

func WithRuns(r *storage.SynthesisRunRepo) Option {
	return func(s *Server) { s.runs = r }
}

func WithTemporal(c tclient.Client) Option {
	return func(s *Server) { s.temporal = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewServer(sess *session.Session, opts ...Option) *Server {
	s := &Server{cfg: sess.Config(), sess: sess, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.accessLogger)
	r.Use(middleware.Recoverer)
	r.Use(withCORS)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeErr(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	})

	r.Get("/healthz", s.handleHealthz)
	r.Route("/documents", func(r chi.Router) {
		r.Get("/", s.handleListDocuments)
		r.Post("/", s.handleUpload)
	})
	r.Route("/ingest", func(r chi.Router) {
		r.Post("/", s.handleIngest)
		r.Get("/{workflowID}/progress", s.handleIngestProgress)
	})
	r.Post("/index/rebuild", s.handleRebuild)
	r.Post("/index/load", s.handleLoad)
	r.Post("/ask", s.handleAsk)
	r.Post("/synthesize", s.handleSynthesize)
	r.Route("/synthesis/runs", func(r chi.Router) {
		r.Post("/", s.handleRuns)
		r.Get("/{runID}", s.handleRun)
		r.Get("/{runID}/report", s.handleRunReport)
	})
	return r
}

func (s *Server) accessLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.logger.Info("access",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	idx := s.sess.Index()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"index_model":   idx.Model().String(),
		"index_entries": idx.Len(),
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"documents": s.sess.Index().Documents()})
}

// handleUpload stores uploaded PDFs under the input root, processes and indexes
// them, then persists the index. Per-file failures are reported, not fatal.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(128 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("no files provided"))
		return
	}
	meta, err := uploadMetadata(r, files)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := util.EnsureDir(s.cfg.DataInRoot); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	inputs := make([]processor.Input, 0, len(files))
	for _, fh := range files {
		if !strings.HasSuffix(strings.ToLower(fh.Filename), ".pdf") {
			continue
		}
		path, err := saveUploadedFile(s.cfg.DataInRoot, fh)
		if err != nil {
			writeErr(w, http.StatusInternalServerError, err)
			return
		}
		inputs = append(inputs, processor.Input{Path: path, Metadata: meta[fh.Filename]})
	}
	if len(inputs) == 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("no files provided"))
		return
	}

	docs, fails, err := s.sess.ProcessDocuments(r.Context(), inputs)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	if err := s.sess.BuildIndex(r.Context(), docs); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	if err := s.sess.SaveIndex(r.Context(), s.cfg.IndexSnapshotPath); err != nil {
		s.logger.Warn("save index after upload", "error", err)
	}

	type uploaded struct {
		DocumentID string `json:"document_id"`
		Title      string `json:"title"`
		Label      string `json:"label"`
		Chunks     int    `json:"chunks"`
	}
	out := make([]uploaded, 0, len(docs))
	for _, d := range docs {
		out = append(out, uploaded{DocumentID: d.ID, Title: d.Title, Label: d.Label(), Chunks: len(d.Chunks)})
	}
	if fails == nil {
		fails = []processor.Failure{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"indexed": out, "failed": fails})
}

// uploadMetadata maps each uploaded filename to its metadata. The author, year
// and title fields describe a single file; several files take a "metadata"
// field holding JSON keyed by filename, as /ingest does.
func uploadMetadata(r *http.Request, files []*multipart.FileHeader) (map[string]models.Metadata, error) {
	out := map[string]models.Metadata{}
	if raw := strings.TrimSpace(r.FormValue("metadata")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("invalid metadata json: %w", err)
		}
	}
	meta, err := formMetadata(r)
	if err != nil {
		return nil, err
	}
	if meta == (models.Metadata{}) {
		return out, nil
	}
	if len(files) > 1 {
		return nil, fmt.Errorf("author, year and title apply to a single file; send metadata keyed by filename for %d files", len(files))
	}
	if _, ok := out[files[0].Filename]; !ok {
		out[files[0].Filename] = meta
	}
	return out, nil
}

func formMetadata(r *http.Request) (models.Metadata, error) {
	meta := models.Metadata{
		Author: strings.TrimSpace(r.FormValue("author")),
		Title:  strings.TrimSpace(r.FormValue("title")),
	}
	if y := strings.TrimSpace(r.FormValue("year")); y != "" {
		year, err := strconv.Atoi(y)
		if err != nil {
			return meta, fmt.Errorf("invalid year %q", y)
		}
		meta.Year = year
	}
	return meta, nil
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.temporal == nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("workflow engine not configured"))
		return
	}
	var req struct {
		InputDir string                     `json:"input_dir"`
		Metadata map[string]models.Metadata `json:"metadata"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.InputDir) == "" {
		req.InputDir = s.cfg.DataInRoot
	}
	we, err := s.temporal.ExecuteWorkflow(r.Context(), tclient.StartWorkflowOptions{
		ID:                                       "ingest-" + uuid.NewString(),
		TaskQueue:                                s.cfg.TemporalTaskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}, workflows.IngestWorkflow, workflows.IngestInput{
		InputDir:  req.InputDir,
		Metadata:  req.Metadata,
		BatchSize: s.cfg.IngestBatchSize,
		Retry:     s.cfg.Retry,
	})
	if err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"workflow_id": we.GetID(), "run_id": we.GetRunID()})
}

func (s *Server) handleIngestProgress(w http.ResponseWriter, r *http.Request) {
	if s.temporal == nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("workflow engine not configured"))
		return
	}
	resp, err := s.temporal.QueryWorkflow(r.Context(), chi.URLParam(r, "workflowID"), "", workflows.QueryGetIngestProgress)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	var prog workflows.IngestProgress
	if err := resp.Get(&prog); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, prog)
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EmbedProvider string `json:"embed_provider"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	embedder := s.sess.Embedder()
	if strings.TrimSpace(req.EmbedProvider) != "" {
		if s.providers == nil {
			writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("provider manager not configured"))
			return
		}
		e, err := s.providers.EmbedderFor(req.EmbedProvider)
		if err != nil {
			writeErr(w, statusFor(err), err)
			return
		}
		embedder = e
	}
	if err := s.sess.Rebuild(r.Context(), embedder); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	if err := s.sess.SaveIndex(r.Context(), s.cfg.IndexSnapshotPath); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	idx := s.sess.Index()
	writeJSON(w, http.StatusOK, map[string]any{"model": idx.Model(), "entries": idx.Len()})
}

// handleLoad reloads the index, from a snapshot file when a path is given and
// from the store otherwise.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.sess.LoadIndex(r.Context(), strings.TrimSpace(req.Path)); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	idx := s.sess.Index()
	writeJSON(w, http.StatusOK, map[string]any{"model": idx.Model(), "entries": idx.Len()})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question string `json:"question"`
		Author   string `json:"author"`
		Year     int    `json:"year"`
		K        int    `json:"k"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("question is required"))
		return
	}
	answer, err := s.sess.Ask(r.Context(), req.Question, models.Filter{Author: req.Author, Year: req.Year}, req.K)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

type synthesisRequest struct {
	DocumentIDs []string `json:"document_ids"`
	Focus       string   `json:"focus"`
	Order       string   `json:"order"`
	Format      string   `json:"format"`
}

func (req synthesisRequest) parse(r *http.Request) (synthesis.Request, error) {
	focus, err := models.ParseFocus(req.Focus)
	if err != nil {
		return synthesis.Request{}, err
	}
	format := req.Format
	if q := r.URL.Query().Get("format"); q != "" {
		format = q
	}
	return synthesis.Request{
		DocumentIDs: req.DocumentIDs,
		Focus:       focus,
		Order:       req.Order,
		Format:      models.ParseExportFormat(format),
	}, nil
}

// handleSynthesize runs a synthesis in-process and returns the report with its
// rendering.
func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var body synthesisRequest
	if err := decodeOptional(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	req, err := body.parse(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	report, err := s.sess.Synthesize(r.Context(), req)
	if err != nil {
		writeSynthesisErr(w, report, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"report":   report,
		"rendered": synthesis.Render(report, report.Format),
	})
}

// handleRuns starts a durable synthesis run on the worker.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.temporal == nil || s.runs == nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("workflow engine not configured"))
		return
	}
	var body synthesisRequest
	if err := decodeOptional(r, &body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	req, err := body.parse(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	runID := uuid.NewString()
	if err := s.runs.CreateRun(r.Context(), runID, string(req.Focus), req.DocumentIDs); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	we, err := s.temporal.ExecuteWorkflow(r.Context(), tclient.StartWorkflowOptions{
		ID:        "synthesis-" + runID,
		TaskQueue: s.cfg.TemporalTaskQueue,
	}, workflows.SynthesisWorkflow, workflows.SynthesisInput{
		RunID:       runID,
		DocumentIDs: req.DocumentIDs,
		Focus:       req.Focus,
		Order:       req.Order,
		Format:      req.Format,
		Concurrency: s.cfg.SynthesisConcurrency,
		Timeout:     s.cfg.GenerationTimeout,
		Retry:       s.cfg.Retry,
	})
	if err != nil {
		writeErr(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"synthesis_run_id": runID, "workflow_id": we.GetID(), "run_id": we.GetRunID()})
}

// loadRun fetches the run named in the path, writing the error response itself
// when it cannot.
func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (storage.SynthesisRun, bool) {
	if s.runs == nil {
		writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("run store not configured"))
		return storage.SynthesisRun{}, false
	}
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			writeErr(w, http.StatusNotFound, err)
			return storage.SynthesisRun{}, false
		}
		writeErr(w, http.StatusInternalServerError, err)
		return storage.SynthesisRun{}, false
	}
	return run, true
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	out := map[string]any{"run": run}
	if s.temporal != nil && run.Status != "completed" && run.Status != "failed" {
		if resp, qerr := s.temporal.QueryWorkflow(r.Context(), "synthesis-"+run.RunID, "", workflows.QueryGetSynthesisProgress); qerr == nil {
			var prog workflows.SynthesisProgress
			if resp.Get(&prog) == nil {
				out["progress"] = prog
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	if run.OutPath == "" {
		writeJSON(w, http.StatusOK, map[string]any{"status": run.Status, "report": ""})
		return
	}
	b, err := os.ReadFile(run.OutPath)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": run.Status, "report": string(b), "path": run.OutPath})
}

// decodeOptional decodes a JSON body; an empty body leaves v untouched.
func decodeOptional(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func saveUploadedFile(dstDir string, fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dstDir, "upload-*.pdf")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
	}()
	if _, err := io.Copy(tmp, src); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	finalPath := filepath.Join(dstDir, filepath.Base(fh.Filename))
	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		return "", fmt.Errorf("atomic move upload: %w", err)
	}
	return finalPath, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, util.ErrConfiguration), errors.Is(err, util.ErrExtraction):
		return http.StatusBadRequest
	case errors.Is(err, util.ErrSynthesis):
		return http.StatusUnprocessableEntity
	case errors.Is(err, util.ErrGeneration), errors.Is(err, util.ErrEmbedding):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": errorBody(code, err)})
}

func errorBody(code int, err error) map[string]any {
	apiErr := toAPIError(code, err)
	return map[string]any{
		"code":    apiErr.Code,
		"message": apiErr.Message,
	}
}

// writeSynthesisErr reports a failed synthesis together with the documents
// that were summarised before it failed.
func writeSynthesisErr(w http.ResponseWriter, report models.SynthesisReport, err error) {
	code := statusFor(err)
	if len(report.Succeeded) == 0 {
		writeErr(w, code, err)
		return
	}
	omitted := report.Omitted
	if omitted == nil {
		omitted = []string{}
	}
	body := errorBody(code, err)
	body["state"] = report.State
	body["succeeded"] = report.Succeeded
	body["omitted"] = omitted
	body["cause"] = firstLine(err)
	writeJSON(w, code, map[string]any{"error": body})
}

type apiError struct {
	Code    string
	Message string
}

func toAPIError(status int, err error) apiError {
	raw := ""
	if err != nil {
		raw = strings.ToLower(err.Error())
	}
	switch {
	case status == http.StatusBadGateway:
		return apiError{Code: "PS-API-5020", Message: "Upstream provider unavailable. Retry shortly."}
	case status == http.StatusServiceUnavailable:
		return apiError{Code: "PS-API-5030", Message: "This deployment has no workflow engine or database configured."}
	case status >= 500:
		switch {
		case strings.Contains(raw, "relation") && strings.Contains(raw, "does not exist"):
			return apiError{Code: "PS-DB-5001", Message: "Database schema is not initialized. Restart the service to apply it."}
		case strings.Contains(raw, "connect"), strings.Contains(raw, "dial tcp"), strings.Contains(raw, "connection refused"):
			return apiError{Code: "PS-DB-5002", Message: "Database connection is unavailable. Check local services and retry."}
		default:
			return apiError{Code: "PS-API-5000", Message: "Internal server error. Please retry or check service logs."}
		}
	case status == http.StatusNotFound:
		return apiError{Code: "PS-API-4004", Message: "Requested resource was not found."}
	case status == http.StatusConflict:
		return apiError{Code: "PS-API-4009", Message: "Operation conflicts with current state. Retry after checking status."}
	case status == http.StatusMethodNotAllowed:
		return apiError{Code: "PS-API-4005", Message: "This endpoint does not support the requested method."}
	case status == http.StatusUnprocessableEntity:
		return apiError{Code: "PS-API-4022", Message: "Synthesis could not produce a report: " + firstLine(err)}
	}

	// 4xx keeps the validation message, which is safe to show.
	msg := "Invalid request. Check inputs and retry."
	switch {
	case strings.Contains(raw, "invalid json"):
		msg = "Malformed JSON request body."
	case strings.Contains(raw, "no files provided"):
		msg = "No PDF files were provided."
	case err != nil:
		msg = firstLine(err)
	}
	return apiError{Code: "PS-API-4001", Message: msg}
}

func firstLine(err error) string {
	if err == nil {
		return ""
	}
	line, _, _ := strings.Cut(err.Error(), "\n")
	return line
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
