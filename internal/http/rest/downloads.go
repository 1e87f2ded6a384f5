// Package rest exposes the download sidecar API: triggering download jobs
// and listing the journal of past attempts.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/matrixinfer-ai/kthena/internal/backend"
	"github.com/matrixinfer-ai/kthena/internal/downloader"
	"github.com/matrixinfer-ai/kthena/internal/logctx"
	"github.com/matrixinfer-ai/kthena/internal/storage"
)

// DownloadStarter runs one download job to completion.
type DownloadStarter interface {
	Download(ctx context.Context, source, modelName string, b backend.Backend) error
}

// Resolver maps a source identifier to a backend variant. It matches
// downloader.Resolve and exists so tests can substitute fakes.
type Resolver func(ctx context.Context, source string, opts backend.Options) (backend.Backend, error)

// DownloadHandler serves the download sidecar endpoints.
type DownloadHandler struct {
	starter DownloadStarter
	journal storage.JournalReader
	opts    backend.Options
	resolve Resolver
}

// NewDownloadHandler creates the handler. journal may be nil, in which case
// the listing endpoint reports an empty set.
func NewDownloadHandler(starter DownloadStarter, journal storage.JournalReader, opts backend.Options) *DownloadHandler {
	return &DownloadHandler{
		starter: starter,
		journal: journal,
		opts:    opts,
		resolve: downloader.Resolve,
	}
}

// Routes wires the handler's endpoints into a chi router.
func (h *DownloadHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/api/v1/downloads", h.startDownload)
	r.Get("/api/v1/downloads", h.listDownloads)
	r.Get("/healthz", h.health)

	return r
}

type downloadRequest struct {
	Source    string `json:"source"`
	ModelName string `json:"model_name"`
}

type downloadResponse struct {
	Source    string `json:"source"`
	ModelName string `json:"model_name"`
	Status    string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// startDownload resolves the source and launches the job in the background.
// Resolution failures (unknown scheme, missing credentials) are surfaced
// immediately; transfer progress is observable via the journal.
func (h *DownloadHandler) startDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	if req.Source == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "source is required"})

		return
	}

	if req.ModelName == "" {
		req.ModelName = downloader.ModelNameFromSource(req.Source)
	}

	b, err := h.resolve(ctx, req.Source, h.opts)
	if err != nil {
		logger.Error("failed to resolve download source", "source", req.Source, "err", err)

		status := http.StatusBadRequest

		var credErr *backend.CredentialError
		if errors.As(err, &credErr) {
			status = http.StatusUnprocessableEntity
		}

		writeJSON(w, status, errorResponse{Error: err.Error()})

		return
	}

	// The job must outlive the request; keep the logger, drop the cancel.
	jobCtx := context.WithoutCancel(ctx)

	go func() {
		if err := h.starter.Download(jobCtx, req.Source, req.ModelName, b); err != nil {
			logctx.LoggerFromContext(jobCtx).Error("background download failed",
				"source", req.Source, "model_name", req.ModelName, "err", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, downloadResponse{
		Source:    req.Source,
		ModelName: req.ModelName,
		Status:    "accepted",
	})
}

func (h *DownloadHandler) listDownloads(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeJSON(w, http.StatusOK, []storage.DownloadRecord{})

		return
	}

	records, err := h.journal.GetDownloads()
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to list downloads", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list downloads"})

		return
	}

	if records == nil {
		records = []storage.DownloadRecord{}
	}

	writeJSON(w, http.StatusOK, records)
}

func (h *DownloadHandler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(payload)
}
