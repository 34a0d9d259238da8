package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ignatij/trojanwalker/pkg/models"
	"github.com/ignatij/trojanwalker/pkg/service"
	"github.com/ignatij/trojanwalker/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Intake is the part of the analysis service the API exposes.
type Intake interface {
	Submit(ctx context.Context, req service.SubmitRequest) (service.SubmitResult, error)
	GetTask(taskID string) (models.AnalysisTask, error)
	GetByFingerprint(fingerprint string) (models.AnalysisTask, error)
	History(limit int) ([]models.AnalysisTask, error)
}

// QueueDepth reports how many tasks wait for processing.
type QueueDepth interface {
	Len() int
}

type Handler struct {
	svc            Intake
	queue          QueueDepth
	maxUploadBytes int64
	logger         logrus.FieldLogger
}

type submitResponse struct {
	TaskID  string            `json:"task_id"`
	Status  models.TaskStatus `json:"status"`
	SHA256  string            `json:"sha256"`
	Message string            `json:"message"`
}

type resultResponse struct {
	TaskID string             `json:"task_id"`
	Status models.TaskStatus  `json:"status"`
	Result models.TaskResults `json:"result"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func NewRouter(svc Intake, queue QueueDepth, maxUploadBytes int64, logger logrus.FieldLogger) http.Handler {
	h := &Handler{svc: svc, queue: queue, maxUploadBytes: maxUploadBytes, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(logger))
	r.Use(middleware.Recoverer)

	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/analyze", h.Analyze)
		r.Get("/tasks/{taskID}", h.GetTask)
		r.Get("/result/{sha256}", h.GetResult)
		r.Get("/history", h.History)
	})
	return r
}

// StartServer serves handler on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func StartServer(ctx context.Context, addr string, handler http.Handler, shutdownTimeout time.Duration, logger logrus.FieldLogger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting TrojanWalker server on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "listen")
	case <-ctx.Done():
	}

	logger.Infof("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func accessLog(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"remote":     r.RemoteAddr,
			}).Info("request")
		})
	}
}

func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "TrojanWalker API is ready."})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queue_depth": h.queue.Len()})
}

func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the upload limit")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file exceeds the upload limit")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}

	res, err := h.svc.Submit(r.Context(), service.SubmitRequest{
		Fingerprint: r.FormValue("sha256"),
		Filename:    header.Filename,
		Content:     content,
	})
	if err != nil {
		if service.IsValidationError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Errorf("Failed to submit %s: %v", header.Filename, err)
		writeError(w, http.StatusInternalServerError, "failed to create analysis task")
		return
	}

	message := "Analysis queued."
	if !res.Created {
		message = "Analysis already exists."
	}
	writeJSON(w, http.StatusOK, submitResponse{
		TaskID:  res.Task.TaskID,
		Status:  res.Task.Status,
		SHA256:  res.Task.SHA256,
		Message: message,
	})
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.GetTask(chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeLookupError(w, err, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	task, err := h.svc.GetByFingerprint(chi.URLParam(r, "sha256"))
	if err != nil {
		h.writeLookupError(w, err, "Analysis not found")
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{TaskID: task.TaskID, Status: task.Status, Result: task.Results})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	tasks, err := h.svc.History(limit)
	if err != nil {
		h.logger.Errorf("Failed to list history: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) writeLookupError(w http.ResponseWriter, err error, notFound string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, notFound)
	case service.IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Errorf("Lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}
