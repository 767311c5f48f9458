package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/voxdeck/internal/render"
	"github.com/kalambet/voxdeck/internal/storage"
)

const defaultMaxUploadSize = 100 << 20 // 100MB

// RunReader looks up runs by id.
type RunReader interface {
	GetRun(ctx context.Context, id string) (storage.Run, error)
}

// Submitter creates runs from incoming audio.
type Submitter interface {
	Save(ctx context.Context, r io.Reader, originalName, recipient, source string) (storage.Run, error)
	Enqueue(ctx context.Context, audioPath, recipient, source string) (storage.Run, error)
	UploadDir() string
}

// Deps holds dependencies for the HTTP API.
type Deps struct {
	Runs      RunReader
	Submitter Submitter
	OutputDir string

	// Token enables bearer auth on /upload-audio and /task when non-empty.
	Token string

	// Messenger is optional; without it the webhook acknowledges but
	// cannot reply or fetch media.
	Messenger   Messenger
	VerifyToken string

	// Messages drops redelivered webhook messages when set.
	Messages MessageLog

	MaxUploadSize int64
}

// TaskResponse is the body of GET /task/{id}.
type TaskResponse struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Result *storage.Result `json:"result"`
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = defaultMaxUploadSize
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	r.Get("/download/{filename}", handleDownload(deps))
	r.Get("/webhook", handleWebhookVerify(deps))
	r.Post("/webhook", handleWebhook(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/upload-audio", handleUpload(deps))
		r.Post("/upload-audio/", handleUpload(deps))
		r.Get("/task/{id}", handleTask(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadSize)
		defer r.Body.Close()

		file, hdr, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "upload exceeds %d bytes", tooLarge.Limit)
				return
			}
			httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart field \"file\" is required: %v", err)
			return
		}
		defer file.Close()

		run, err := deps.Submitter.Save(r.Context(), file, hdr.Filename, "", storage.SourceWeb)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to queue audio: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"task_id": run.ID,
			"message": "Processing started",
		})
	}
}

func handleTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		run, err := deps.Runs.GetRun(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load task: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, taskResponse(run))
	}
}

// taskResponse exposes the result only once the run is terminal, without
// the server-side trace.
func taskResponse(run storage.Run) TaskResponse {
	resp := TaskResponse{TaskID: run.ID, Status: string(run.Status)}
	if run.Status.Terminal() && run.Result != nil {
		res := run.Result.Redacted()
		resp.Result = &res
	}
	return resp
}

func handleDownload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "filename")
		if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
			httpError(w, http.StatusNotFound, "not_found", "File not found")
			return
		}
		path := filepath.Join(deps.OutputDir, name)
		f, err := os.Open(path)
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "File not found")
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || !info.Mode().IsRegular() {
			httpError(w, http.StatusNotFound, "not_found", "File not found")
			return
		}

		w.Header().Set("Content-Type", render.MIMEType(name))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		http.ServeContent(w, r, name, info.ModTime(), f)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
