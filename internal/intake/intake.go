package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinzhu/copier"

	"github.com/pavelanni/examgrader/internal/grading"
	"github.com/pavelanni/examgrader/internal/model"
	"github.com/pavelanni/examgrader/internal/store"
)

// Store is the persistence the intake service needs.
type Store interface {
	GetExam(ctx context.Context, id int64) (model.Exam, error)
	ListAvailableExams(ctx context.Context, now time.Time) ([]model.Exam, error)
	HasSubmission(ctx context.Context, studentID, examID int64) (bool, error)
	CreateSubmission(ctx context.Context, sub model.Submission, answers []model.Answer) (int64, error)
	GetSubmissionByStudentExam(ctx context.Context, studentID, examID int64) (model.Submission, error)
	GetAnswers(ctx context.Context, submissionID int64) ([]model.Answer, error)
}

// Dispatcher hands a submission to background grading without blocking.
type Dispatcher interface {
	Dispatch(submissionID int64) error
}

// ResultCache keeps graded results. Implementations report a miss as (nil, nil).
type ResultCache interface {
	Get(ctx context.Context, studentID, examID int64) (*model.ResultView, error)
	Set(ctx context.Context, view *model.ResultView) error
}

// Service validates and persists submissions and serves their results.
type Service struct {
	store      Store
	grader     grading.Grader
	dispatcher Dispatcher
	cache      ResultCache
	now        func() time.Time
}

// New creates the intake service. dispatcher and cache may be nil.
func New(st Store, grader grading.Grader, dispatcher Dispatcher, cache ResultCache) *Service {
	return &Service{
		store:      st,
		grader:     grader,
		dispatcher: dispatcher,
		cache:      cache,
		now:        time.Now,
	}
}

// Submit validates and persists the answers, then grades them inline.
// A grading failure is returned to the caller and the submission stays pending.
func (s *Service) Submit(ctx context.Context, req model.SubmitRequest) (*model.SubmissionResult, error) {
	sub, err := s.accept(ctx, req)
	if err != nil {
		return nil, err
	}

	details, err := s.grader.Grade(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("grade submission %d: %w", sub.ID, err)
	}
	return &model.SubmissionResult{
		SubmissionID:   sub.ID,
		StudentID:      sub.StudentID,
		ExamID:         sub.ExamID,
		SubmittedAt:    sub.SubmittedAt,
		Score:          details.Score,
		MaxScore:       details.MaxScore,
		OverallScore:   OverallScore(details.Score, details.MaxScore),
		GradingDetails: *details,
	}, nil
}

// SubmitAsync validates and persists the answers, hands the submission to
// the dispatcher and acknowledges it without waiting for grading.
func (s *Service) SubmitAsync(ctx context.Context, req model.SubmitRequest) (*model.SubmissionAck, error) {
	if s.dispatcher == nil {
		return nil, errors.New("no grading dispatcher configured")
	}
	sub, err := s.accept(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.dispatcher.Dispatch(sub.ID); err != nil {
		// The submission is stored; the periodic requeue in serve picks it up.
		slog.Warn("dispatch failed, submission left pending", "submission_id", sub.ID, "error", err)
	}
	return &model.SubmissionAck{
		SubmissionID: sub.ID,
		Status:       sub.Status,
		Message:      "Exam submitted. Grading in progress.",
	}, nil
}

// accept runs the validations in order and stores the pending submission.
func (s *Service) accept(ctx context.Context, req model.SubmitRequest) (model.Submission, error) {
	now := s.now().UTC()

	exam, err := s.store.GetExam(ctx, req.ExamID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Submission{}, invalid(ErrExamNotFound, "ExamNotFound")
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("get exam %d: %w", req.ExamID, err)
	}
	if err := checkWindow(exam, now); err != nil {
		return model.Submission{}, err
	}

	exists, err := s.store.HasSubmission(ctx, req.StudentID, req.ExamID)
	if err != nil {
		return model.Submission{}, fmt.Errorf("check existing submission: %w", err)
	}
	if exists {
		return model.Submission{}, invalid(ErrDuplicateSubmission, "DuplicateSubmission")
	}

	answers, err := validateAnswers(exam, req.Answers)
	if err != nil {
		return model.Submission{}, err
	}

	sub := model.Submission{
		StudentID:   req.StudentID,
		ExamID:      req.ExamID,
		StartedAt:   req.StartedAt,
		SubmittedAt: now,
		Status:      model.StatusPending,
	}
	sub.ID, err = s.store.CreateSubmission(ctx, sub, answers)
	if errors.Is(err, store.ErrDuplicateSubmission) {
		return model.Submission{}, invalid(ErrDuplicateSubmission, "DuplicateSubmission")
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("create submission: %w", err)
	}
	slog.Info("submission accepted", "submission_id", sub.ID, "student_id", sub.StudentID,
		"exam_id", sub.ExamID, "answers", len(answers))
	return sub, nil
}

func checkWindow(exam model.Exam, now time.Time) error {
	if exam.StartAt != nil && now.Before(*exam.StartAt) {
		return invalid(ErrExamNotYetAvailable, "ExamNotYetAvailable")
	}
	if exam.EndAt != nil && now.After(*exam.EndAt) {
		return invalid(ErrExamEnded, "ExamEnded")
	}
	return nil
}

// validateAnswers checks the question and choice references and builds the answer rows.
func validateAnswers(exam model.Exam, inputs []model.AnswerInput) ([]model.Answer, error) {
	if len(inputs) == 0 {
		return nil, invalid(ErrInvalidQuestions, "InvalidQuestions")
	}
	questions := make(map[int64]model.Question, len(exam.Questions))
	for _, q := range exam.Questions {
		questions[q.ID] = q
	}

	seen := make(map[int64]bool, len(inputs))
	matched := 0
	for _, in := range inputs {
		if seen[in.QuestionID] {
			return nil, invalid(ErrInvalidQuestions, "InvalidQuestions")
		}
		seen[in.QuestionID] = true
		if _, ok := questions[in.QuestionID]; ok {
			matched++
		}
	}
	if matched != len(seen) {
		return nil, invalid(ErrInvalidQuestions, "InvalidQuestions")
	}

	answers := make([]model.Answer, 0, len(inputs))
	for _, in := range inputs {
		if in.SelectedChoiceID != nil && !hasChoice(questions[in.QuestionID], *in.SelectedChoiceID) {
			return nil, invalidChoice(*in.SelectedChoiceID, in.QuestionID)
		}
		answers = append(answers, model.Answer{
			QuestionID:       in.QuestionID,
			SelectedChoiceID: in.SelectedChoiceID,
			AnswerText:       in.AnswerText,
		})
	}
	return answers, nil
}

func hasChoice(q model.Question, choiceID int64) bool {
	for _, c := range q.Choices {
		if c.ID == choiceID {
			return true
		}
	}
	return false
}

// OverallScore formats the combined "score / max" display string.
func OverallScore(score, maxScore float64) string {
	return fmt.Sprintf("%.2f / %.2f", score, maxScore)
}

// Result returns the student's submission for an exam. Until it is graded
// only the status is filled in.
func (s *Service) Result(ctx context.Context, studentID, examID int64) (*model.ResultView, error) {
	if s.cache != nil {
		view, err := s.cache.Get(ctx, studentID, examID)
		if err != nil {
			slog.Warn("result cache read failed", "student_id", studentID, "exam_id", examID, "error", err)
		} else if view != nil {
			return view, nil
		}
	}

	sub, err := s.store.GetSubmissionByStudentExam(ctx, studentID, examID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}

	view := &model.ResultView{
		SubmissionID: sub.ID,
		StudentID:    sub.StudentID,
		ExamID:       sub.ExamID,
		Status:       sub.Status,
		SubmittedAt:  sub.SubmittedAt,
	}
	if !view.Graded() {
		return view, nil
	}

	answers, err := s.store.GetAnswers(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("get answers: %w", err)
	}
	view.GradedAt = sub.GradedAt
	view.Score = sub.Score
	view.GradingDetails = sub.GradingDetails
	view.Answers = answers
	if sub.GradingDetails != nil {
		maxScore := sub.GradingDetails.MaxScore
		view.MaxScore = &maxScore
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, view); err != nil {
			slog.Warn("result cache write failed", "submission_id", sub.ID, "error", err)
		}
	}
	return view, nil
}

// ListAvailableExams returns the exams open for submission right now.
func (s *Service) ListAvailableExams(ctx context.Context) ([]model.Exam, error) {
	return s.store.ListAvailableExams(ctx, s.now().UTC())
}

// ExamPaper returns an open exam as shown to students, without the answer key.
func (s *Service) ExamPaper(ctx context.Context, examID int64) (*model.ExamPaper, error) {
	exam, err := s.store.GetExam(ctx, examID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, invalid(ErrExamNotFound, "ExamNotFound")
	}
	if err != nil {
		return nil, fmt.Errorf("get exam %d: %w", examID, err)
	}
	if err := checkWindow(exam, s.now().UTC()); err != nil {
		return nil, err
	}

	var paper model.ExamPaper
	if err := copier.Copy(&paper, &exam); err != nil {
		return nil, fmt.Errorf("build exam paper: %w", err)
	}
	if paper.Questions == nil {
		paper.Questions = []model.PaperQuestion{}
	}
	return &paper, nil
}
