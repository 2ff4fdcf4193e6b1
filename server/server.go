// Package server exposes the labeling system over HTTP: corpus import and
// export, message browsing, manual label edits, batch runs with live
// progress events, settings and the offline selftest.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/smsto/smsto/audit"
	"github.com/smsto/smsto/batch"
	"github.com/smsto/smsto/exporter"
	"github.com/smsto/smsto/importer"
	"github.com/smsto/smsto/provider"
	"github.com/smsto/smsto/schema"
	"github.com/smsto/smsto/selftest"
	"github.com/smsto/smsto/settings"
	"github.com/smsto/smsto/store"
)

// Version is stamped into /api/status responses.
const Version = "1.0.0"

const maxUploadBytes = 64 << 20

// Service bundles the application components behind the HTTP API.
type Service struct {
	st       *store.Store
	settings *settings.Manager
	batch    *batch.Manager
	audit    *audit.SQLiteLogger
	selftest *selftest.Runner
	logger   *slog.Logger
}

// NewService wires the handlers. audit may be nil when auditing is off.
func NewService(st *store.Store, set *settings.Manager, bm *batch.Manager, al *audit.SQLiteLogger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		st:       st,
		settings: set,
		batch:    bm,
		audit:    al,
		selftest: selftest.NewRunner(),
		logger:   logger,
	}
}

// Router builds the chi mux with the standard middleware stack.
func (s *Service) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	s.RegisterHTTP(r)
	return r
}

// RegisterHTTP mounts every route on r.
func (s *Service) RegisterHTTP(r chi.Router) {
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/settings", s.handleGetSettings)
	r.Put("/api/settings", s.handleUpdateSettings)
	r.Get("/api/provider/health", s.handleProviderHealth)

	r.Post("/api/import/preview", s.handleImportPreview)
	r.Post("/api/import", s.handleImport)
	r.Get("/api/export", s.handleExport)

	r.Get("/api/messages", s.handleListMessages)
	r.Get("/api/messages/{id}", s.handleGetMessage)
	r.Delete("/api/messages/{id}", s.handleDeleteMessage)
	r.Put("/api/messages/{id}/label", s.handleUpdateLabel)
	r.Get("/api/messages/{id}/audit", s.handleAuditHistory)

	r.Post("/api/batch/start", s.handleBatchStart)
	r.Post("/api/batch/stop", s.handleBatchStop)
	r.Post("/api/batch/retry", s.handleBatchRetry)
	r.Get("/api/batch/status", s.handleBatchStatus)
	r.Get("/api/batch/events", s.handleBatchEvents)

	r.Post("/api/selftest/start", s.handleSelftestStart)
	r.Get("/api/selftest/status", s.handleSelftestStatus)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	meta, err := s.st.MessagesMeta(r.Context())
	if err != nil {
		s.logger.Error("status meta failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":        Version,
		"schema_version": schema.SchemaVersion,
		"rules_version":  schema.RulesVersion,
		"messages":       meta,
		"batch":          s.batch.Status(),
	})
}

func (s *Service) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Service) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var next settings.Settings
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.settings.Update(next); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.logger.Info("settings updated",
		"provider", next.Provider.Kind, "model", next.Provider.Model)
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Service) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, provider.HealthCheck(s.settings.Get().Provider))
}

// uploadFormat resolves the file format from the explicit form field or the
// upload's extension.
func uploadFormat(r *http.Request, filename string) string {
	if f := r.FormValue("format"); f != "" {
		return f
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xlsx":
		return importer.FormatXLSX
	default:
		return importer.FormatCSV
	}
}

func (s *Service) handleImportPreview(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Invalid multipart body", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	hasHeader := r.FormValue("has_header") != "false"
	p, err := importer.PreviewFile(file, uploadFormat(r, header.Filename), hasHeader, 10)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Service) handleImport(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Invalid multipart body", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file field required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	mapping := importer.DefaultMapping()
	if raw := r.FormValue("mapping"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
			http.Error(w, "Invalid mapping JSON", http.StatusBadRequest)
			return
		}
	}
	if mapping.SourceTag == "" {
		mapping.SourceTag = header.Filename
	}

	rep, err := importer.Execute(r.Context(), s.st, file, uploadFormat(r, header.Filename), mapping)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	rep.IDs = nil // counts only on the wire
	s.logger.Info("import finished",
		"file", header.Filename, "imported", rep.Imported,
		"skipped_empty", rep.SkippedEmpty)
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = exporter.FormatCSV
	}
	opts := exporter.Options{
		Format:       format,
		OnlyReviewed: r.URL.Query().Get("only_reviewed") == "true",
	}

	contentType := map[string]string{
		exporter.FormatCSV:   "text/csv",
		exporter.FormatJSONL: "application/x-ndjson",
		exporter.FormatXLSX:  "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}[format]
	if contentType == "" {
		http.Error(w, "unknown format", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="labels.`+format+`"`)

	n, err := exporter.Export(r.Context(), s.st, w, opts)
	if err != nil {
		s.logger.Error("export failed", "format", format, "error", err)
		return
	}
	s.logger.Info("export finished", "format", format, "rows", n)
}

func queryBool(r *http.Request, key string) *bool {
	switch r.URL.Query().Get(key) {
	case "true", "1":
		v := true
		return &v
	case "false", "0":
		v := false
		return &v
	}
	return nil
}

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func (s *Service) handleListMessages(w http.ResponseWriter, r *http.Request) {
	q := store.ListQuery{
		Keyword:     r.URL.Query().Get("keyword"),
		Industry:    r.URL.Query().Get("industry"),
		Type:        r.URL.Query().Get("type"),
		NeedsReview: queryBool(r, "needs_review"),
		IsManual:    queryBool(r, "is_manual"),
		Unlabeled:   r.URL.Query().Get("unlabeled") == "true",
		Limit:       queryInt(r, "limit"),
		Offset:      queryInt(r, "offset"),
	}
	msgs, total, err := s.st.ListMessages(r.Context(), q)
	if err != nil {
		s.logger.Error("list messages failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []schema.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":    total,
		"messages": msgs,
	})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (s *Service) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return
	}
	msg, err := s.st.GetMessage(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get message failed", "id", id, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Service) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return
	}
	err = s.st.DeleteMessage(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("delete message failed", "id", id, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LabelUpdateRequest is the body for PUT /api/messages/{id}/label.
type LabelUpdateRequest struct {
	Label    schema.Label `json:"label"`
	Operator string       `json:"operator"`
}

func (s *Service) handleUpdateLabel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return
	}
	var req LabelUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Operator == "" {
		req.Operator = "unknown"
	}

	err = s.st.UpdateLabelManual(r.Context(), id, req.Label, req.Operator)
	var verr *schema.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"field":  verr.Field,
			"reason": verr.Reason,
		})
		return
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "Message not found", http.StatusNotFound)
		return
	case err != nil:
		s.logger.Error("manual label failed", "id", id, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("label edited", "id", id, "operator", req.Operator,
		"industry", req.Label.Industry, "type", req.Label.Type)
	sl, err := s.st.GetLabel(r.Context(), id)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sl)
}

func (s *Service) handleAuditHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return
	}
	if s.audit == nil {
		writeJSON(w, http.StatusOK, []audit.Entry{})
		return
	}
	entries, err := s.audit.History(r.Context(), id)
	if err != nil {
		s.logger.Error("audit history failed", "id", id, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Service) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	opts := s.settings.Get().Batch
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	err := s.batch.Start(r.Context(), opts)
	switch {
	case errors.Is(err, batch.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusAccepted, s.batch.Status())
}

func (s *Service) handleBatchStop(w http.ResponseWriter, r *http.Request) {
	err := s.batch.Stop()
	if errors.Is(err, batch.ErrNotRunning) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, s.batch.Status())
}

func (s *Service) handleBatchRetry(w http.ResponseWriter, r *http.Request) {
	err := s.batch.RetryFailed(r.Context())
	switch {
	case errors.Is(err, batch.ErrAlreadyRunning):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, batch.ErrNothingToRetry):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, s.batch.Status())
}

func (s *Service) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.batch.Status())
}

// handleBatchEvents streams progress snapshots as server-sent events until
// the client disconnects.
func (s *Service) handleBatchEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := s.batch.Subscribe()
	defer cancel()

	send := func(p batch.Progress) bool {
		data, err := json.Marshal(p)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Current state first, then live updates.
	if !send(s.batch.Status()) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			if !send(p) {
				return
			}
		}
	}
}

func (s *Service) handleSelftestStart(w http.ResponseWriter, r *http.Request) {
	if err := s.selftest.Start(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, s.selftest.Status())
}

func (s *Service) handleSelftestStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.selftest.Status())
}
