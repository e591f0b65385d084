package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pavelanni/examgrader/internal/grading"
	appI18n "github.com/pavelanni/examgrader/internal/i18n"
	"github.com/pavelanni/examgrader/internal/intake"
	"github.com/pavelanni/examgrader/internal/model"
)

const maxBodyBytes = 1 << 20

// ExamService is the submission engine behind the API.
type ExamService interface {
	Submit(ctx context.Context, req model.SubmitRequest) (*model.SubmissionResult, error)
	SubmitAsync(ctx context.Context, req model.SubmitRequest) (*model.SubmissionAck, error)
	Result(ctx context.Context, studentID, examID int64) (*model.ResultView, error)
	ListAvailableExams(ctx context.Context) ([]model.Exam, error)
	ExamPaper(ctx context.Context, examID int64) (*model.ExamPaper, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	svc    ExamService
	inline bool
}

// New creates a new Handler. With inline set, submissions are graded
// before the response is written.
func New(svc ExamService, inline bool) *Handler {
	return &Handler{svc: svc, inline: inline}
}

// NewRouter builds the full HTTP router with logging, recovery and localization.
func NewRouter(h *Handler, lang string, timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))
	if timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}
	h.Routes(r)
	return r
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Route("/api", func(api chi.Router) {
		api.Use(requireStudent)
		api.Get("/exams", h.handleListExams)
		api.Get("/exams/{examID}", h.handleExamPaper)
		api.Post("/exams/{examID}/submit", h.handleSubmit)
		api.Get("/exams/{examID}/result", h.handleResult)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.svc.ListAvailableExams(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if exams == nil {
		exams = []model.Exam{}
	}
	writeJSON(w, http.StatusOK, exams)
}

func (h *Handler) handleExamPaper(w http.ResponseWriter, r *http.Request) {
	examID, ok := examIDParam(w, r)
	if !ok {
		return
	}
	paper, err := h.svc.ExamPaper(r.Context(), examID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paper)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	examID, ok := examIDParam(w, r)
	if !ok {
		return
	}

	var req model.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Debug("bad submit body", "error", err)
		writeMessage(w, r, http.StatusBadRequest, "BadRequest", nil)
		return
	}
	req.StudentID = model.StudentFromContext(r.Context())
	req.ExamID = examID

	if h.inline {
		res, err := h.svc.Submit(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
		return
	}

	ack, err := h.svc.SubmitAsync(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ack.Message = appI18n.T(r.Context(), "ExamSubmitted")
	writeJSON(w, http.StatusCreated, ack)
}

// pendingResult is the body returned while grading is still running.
type pendingResult struct {
	SubmissionID int64                  `json:"submission_id"`
	ExamID       int64                  `json:"exam_id"`
	Status       model.SubmissionStatus `json:"status"`
	Message      string                 `json:"message"`
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	examID, ok := examIDParam(w, r)
	if !ok {
		return
	}
	view, err := h.svc.Result(r.Context(), model.StudentFromContext(r.Context()), examID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !view.Graded() {
		writeJSON(w, http.StatusAccepted, pendingResult{
			SubmissionID: view.SubmissionID,
			ExamID:       view.ExamID,
			Status:       view.Status,
			Message:      appI18n.T(r.Context(), "GradingInProgress"),
		})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func examIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "examID"), 10, 64)
	if err != nil || id <= 0 {
		writeMessage(w, r, http.StatusNotFound, "ExamNotFound", nil)
		return 0, false
	}
	return id, true
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError maps service errors to HTTP statuses and localized messages.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *intake.ValidationError
	switch {
	case errors.As(err, &ve):
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, intake.ErrExamNotFound):
			status = http.StatusNotFound
		case errors.Is(err, intake.ErrDuplicateSubmission):
			status = http.StatusConflict
		}
		writeMessage(w, r, status, ve.MessageID, ve.Data)
	case errors.Is(err, intake.ErrSubmissionNotFound):
		writeMessage(w, r, http.StatusNotFound, "SubmissionNotFound", nil)
	case errors.Is(err, grading.ErrNotImplemented):
		slog.Warn("grader not implemented", "error", err)
		writeMessage(w, r, http.StatusNotImplemented, "GraderNotImplemented", nil)
	default:
		slog.Error("request failed", "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		writeMessage(w, r, http.StatusInternalServerError, "InternalError", nil)
	}
}

func writeMessage(w http.ResponseWriter, r *http.Request, status int, messageID string, data map[string]any) {
	msg := appI18n.Td(r.Context(), messageID, data)
	writeJSON(w, status, errorBody{Error: msg, Code: messageID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
