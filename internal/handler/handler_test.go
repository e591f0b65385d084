package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pavelanni/examgrader/internal/grading"
	appI18n "github.com/pavelanni/examgrader/internal/i18n"
	"github.com/pavelanni/examgrader/internal/intake"
	"github.com/pavelanni/examgrader/internal/model"
)

type fakeService struct {
	submitErr error
	resultErr error
	result    *model.ResultView
	lastReq   model.SubmitRequest
	inline    int
	async     int
}

func (f *fakeService) Submit(_ context.Context, req model.SubmitRequest) (*model.SubmissionResult, error) {
	f.lastReq = req
	f.inline++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &model.SubmissionResult{
		SubmissionID: 1, StudentID: req.StudentID, ExamID: req.ExamID,
		Score: 3.39, MaxScore: 5, OverallScore: "3.39 / 5.00",
	}, nil
}

func (f *fakeService) SubmitAsync(_ context.Context, req model.SubmitRequest) (*model.SubmissionAck, error) {
	f.lastReq = req
	f.async++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &model.SubmissionAck{SubmissionID: 1, Status: model.StatusPending}, nil
}

func (f *fakeService) Result(_ context.Context, studentID, examID int64) (*model.ResultView, error) {
	if f.resultErr != nil {
		return nil, f.resultErr
	}
	return f.result, nil
}

func (f *fakeService) ListAvailableExams(context.Context) ([]model.Exam, error) {
	return nil, nil
}

func (f *fakeService) ExamPaper(_ context.Context, examID int64) (*model.ExamPaper, error) {
	if examID != 4 {
		return nil, &intake.ValidationError{Err: intake.ErrExamNotFound, MessageID: "ExamNotFound"}
	}
	return &model.ExamPaper{ID: 4, Title: "Cells", Questions: []model.PaperQuestion{}}, nil
}

func newTestRouter(t *testing.T, svc ExamService, inline bool) http.Handler {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	return NewRouter(New(svc, inline), "en", 0)
}

func do(t *testing.T, h http.Handler, method, path, student, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if student != "" {
		req.Header.Set(StudentHeader, student)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body
}

const validBody = `{"answers":[{"question_id":1,"selected_choice_id":2},{"question_id":3,"answer_text":"cell"}]}`

func TestHealth(t *testing.T) {
	h := newTestRouter(t, &fakeService{}, false)
	rec := do(t, h, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestRequireStudent(t *testing.T) {
	h := newTestRouter(t, &fakeService{}, false)
	for _, student := range []string{"", "abc", "0", "-3"} {
		rec := do(t, h, http.MethodGet, "/api/exams", student, "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("student %q: expected 401, got %d", student, rec.Code)
		}
	}
	rec := do(t, h, http.MethodGet, "/api/exams", "12", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty list, got %s", rec.Body.String())
	}
}

func TestSubmitDispatched(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(t, svc, false)

	rec := do(t, h, http.MethodPost, "/api/exams/4/submit", "12", validBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if svc.async != 1 || svc.inline != 0 {
		t.Errorf("expected async submit, got async=%d inline=%d", svc.async, svc.inline)
	}
	if svc.lastReq.StudentID != 12 || svc.lastReq.ExamID != 4 || len(svc.lastReq.Answers) != 2 {
		t.Errorf("unexpected request %+v", svc.lastReq)
	}
	var ack model.SubmissionAck
	if err := json.NewDecoder(rec.Body).Decode(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.Status != model.StatusPending || ack.Message != "Exam submitted. Grading in progress." {
		t.Errorf("unexpected ack %+v", ack)
	}
}

func TestSubmitInline(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(t, svc, true)

	rec := do(t, h, http.MethodPost, "/api/exams/4/submit", "12", validBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if svc.inline != 1 {
		t.Errorf("expected inline submit")
	}
	var res model.SubmissionResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.OverallScore != "3.39 / 5.00" {
		t.Errorf("unexpected overall score %q", res.OverallScore)
	}
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		body       string
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{"bad json", nil, `{"answers":`, http.StatusBadRequest, "BadRequest", "Malformed request."},
		{"exam missing", &intake.ValidationError{Err: intake.ErrExamNotFound, MessageID: "ExamNotFound"},
			validBody, http.StatusNotFound, "ExamNotFound", "Exam does not exist."},
		{"not yet available", &intake.ValidationError{Err: intake.ErrExamNotYetAvailable, MessageID: "ExamNotYetAvailable"},
			validBody, http.StatusBadRequest, "ExamNotYetAvailable", "Exam not yet available."},
		{"ended", &intake.ValidationError{Err: intake.ErrExamEnded, MessageID: "ExamEnded"},
			validBody, http.StatusBadRequest, "ExamEnded", "Exam has ended."},
		{"duplicate", &intake.ValidationError{Err: intake.ErrDuplicateSubmission, MessageID: "DuplicateSubmission"},
			validBody, http.StatusConflict, "DuplicateSubmission", "You have already submitted this exam."},
		{"invalid choice", &intake.ValidationError{Err: intake.ErrInvalidChoice, MessageID: "InvalidChoice",
			Data: map[string]any{"ChoiceID": 9, "QuestionID": 1}},
			validBody, http.StatusBadRequest, "InvalidChoice", "Choice 9 not valid for question 1"},
		{"not implemented", fmt.Errorf("grade submission 1: %w", grading.ErrNotImplemented),
			validBody, http.StatusNotImplemented, "GraderNotImplemented", "The configured grader is not implemented."},
		{"internal", errors.New("disk I/O error"),
			validBody, http.StatusInternalServerError, "InternalError", "Internal server error."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(t, &fakeService{submitErr: tt.err}, true)
			rec := do(t, h, http.MethodPost, "/api/exams/4/submit", "12", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			body := decodeError(t, rec)
			if body.Code != tt.wantCode || body.Error != tt.wantMsg {
				t.Errorf("got %+v, want code %q message %q", body, tt.wantCode, tt.wantMsg)
			}
		})
	}
}

func TestResult(t *testing.T) {
	score, maxScore := 3.39, 5.0
	tests := []struct {
		name       string
		svc        *fakeService
		wantStatus int
		wantBody   string
	}{
		{
			name:       "no submission",
			svc:        &fakeService{resultErr: intake.ErrSubmissionNotFound},
			wantStatus: http.StatusNotFound,
			wantBody:   "SubmissionNotFound",
		},
		{
			name: "pending",
			svc: &fakeService{result: &model.ResultView{
				SubmissionID: 1, ExamID: 4, Status: model.StatusPending,
			}},
			wantStatus: http.StatusAccepted,
			wantBody:   "Grading in progress. Please check back shortly.",
		},
		{
			name: "graded",
			svc: &fakeService{result: &model.ResultView{
				SubmissionID: 1, ExamID: 4, Status: model.StatusGraded,
				Score: &score, MaxScore: &maxScore,
			}},
			wantStatus: http.StatusOK,
			wantBody:   `"score":3.39`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(t, tt.svc, false)
			rec := do(t, h, http.MethodGet, "/api/exams/4/result", "12", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body %s does not contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestExamPaper(t *testing.T) {
	h := newTestRouter(t, &fakeService{}, false)

	rec := do(t, h, http.MethodGet, "/api/exams/4", "12", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"title":"Cells"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	for _, path := range []string{"/api/exams/5", "/api/exams/abc"} {
		rec = do(t, h, http.MethodGet, path, "12", "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestLocalizedErrors(t *testing.T) {
	h := newTestRouter(t, &fakeService{
		submitErr: &intake.ValidationError{Err: intake.ErrExamEnded, MessageID: "ExamEnded"},
	}, true)

	req := httptest.NewRequest(http.MethodPost, "/api/exams/4/submit", strings.NewReader(validBody))
	req.Header.Set(StudentHeader, "12")
	req.Header.Set("Accept-Language", "ru")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	body := decodeError(t, rec)
	if body.Error != "Экзамен завершён." || body.Code != "ExamEnded" {
		t.Errorf("unexpected localized body %+v", body)
	}
}
