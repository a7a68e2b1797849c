package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/homework-grader/internal/common"
	"github.com/joseph-ayodele/homework-grader/internal/jobs"
)

const maxSubmitBody = 1 << 20

type submitBody struct {
	PageRefs    []string `json:"page_refs"`
	TimeLimitMS int64    `json:"time_limit_ms"`
	CostUnits   int64    `json:"cost_units"`
}

// HTTPHandler serves the polling API used by dashboards and cmd/gradewatch.
type HTTPHandler struct {
	jobs   JobService
	export Exporter
	logger *slog.Logger
}

func NewHTTPHandler(js JobService, exp Exporter, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{jobs: js, export: exp, logger: logger}
}

// Routes builds the chi router.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", h.submit)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", h.status)
			r.Get("/export.xlsx", h.exportXLSX)
			r.Post("/requeue", h.requeue)
		})
	})
	return r
}

func (h *HTTPHandler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := common.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		h.logger.Debug("http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", common.RequestIDFromContext(ctx),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (h *HTTPHandler) submit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	id, err := h.jobs.Submit(r.Context(), jobs.SubmitRequest{
		PageRefs:  body.PageRefs,
		TimeLimit: time.Duration(body.TimeLimitMS) * time.Millisecond,
		CostUnits: body.CostUnits,
	})
	if err != nil {
		h.fail(w, r, "http.submit.failed", err)
		return
	}
	w.Header().Set("Location", "/v1/jobs/"+id.String())
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id.String(), "status": "queued"})
}

func (h *HTTPHandler) status(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	snap, err := h.jobs.Status(r.Context(), id)
	if err != nil {
		h.fail(w, r, "http.status.failed", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshotView(snap))
}

func (h *HTTPHandler) exportXLSX(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	xlsx, err := h.export.JobXLSX(r.Context(), id)
	if err != nil {
		h.fail(w, r, "export.xlsx.failed", err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "grading-"+id.String()+".xlsx"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(xlsx)
}

func (h *HTTPHandler) requeue(w http.ResponseWriter, r *http.Request) {
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	n, err := h.jobs.Requeue(r.Context(), id)
	if err != nil {
		h.fail(w, r, "http.requeue.failed", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id.String(), "requeued": n})
}

func (h *HTTPHandler) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error(event, "request_id", common.RequestIDFromContext(r.Context()), "err", err)
	}
	writeError(w, code, err.Error())
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "jobID"))
	v := common.NewValidator().Field("job_id", raw, common.Required, common.UUID)
	if v.HasErrors() {
		writeError(w, http.StatusBadRequest, v.ErrorMessage())
		return uuid.Nil, false
	}
	return uuid.MustParse(raw), true
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, common.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrValidation), errors.Is(err, common.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
