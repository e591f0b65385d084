package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type studentCtxKey struct{}

// ContextWithStudent stores the caller's student ID in the request context.
func ContextWithStudent(ctx context.Context, studentID int64) context.Context {
	return context.WithValue(ctx, studentCtxKey{}, studentID)
}

// StudentFromContext retrieves the student ID from context, or 0 if absent.
func StudentFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(studentCtxKey{}).(int64)
	return id
}

// QuestionType selects the scoring strategy for a question.
type QuestionType string

const (
	QuestionMCQ   QuestionType = "MCQ"
	QuestionShort QuestionType = "SHORT"
	QuestionEssay QuestionType = "ESSAY"
)

// Valid reports whether t is a known question type.
func (t QuestionType) Valid() bool {
	switch t {
	case QuestionMCQ, QuestionShort, QuestionEssay:
		return true
	}
	return false
}

// SubmissionStatus represents the grading state of a submission.
type SubmissionStatus string

const (
	StatusPending   SubmissionStatus = "PENDING"
	StatusGraded    SubmissionStatus = "GRADED"
	StatusSubmitted SubmissionStatus = "SUBMITTED" // submitted, not scored
)

// Exam is a set of questions with an optional availability window.
type Exam struct {
	ID        int64          `json:"id"`
	Title     string         `json:"title"`
	Course    string         `json:"course"`
	Duration  *time.Duration `json:"duration,omitempty"`
	StartAt   *time.Time     `json:"start_at,omitempty"`
	EndAt     *time.Time     `json:"end_at,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Questions []Question     `json:"questions,omitempty"`
}

// OpenAt reports whether the exam window contains t. Nil bounds are open.
func (e Exam) OpenAt(t time.Time) bool {
	if e.StartAt != nil && t.Before(*e.StartAt) {
		return false
	}
	if e.EndAt != nil && t.After(*e.EndAt) {
		return false
	}
	return true
}

// Question belongs to exactly one exam.
type Question struct {
	ID              int64          `json:"id"`
	ExamID          int64          `json:"exam_id"`
	Type            QuestionType   `json:"type"`
	Text            string         `json:"text"`
	ReferenceAnswer *string        `json:"reference_answer,omitempty"`
	MaxScore        float64        `json:"max_score"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Choices         []Choice       `json:"choices,omitempty"`
}

// Validate checks the choice invariants for the question type.
func (q Question) Validate() error {
	if !q.Type.Valid() {
		return fmt.Errorf("unknown question type %q", q.Type)
	}
	if q.MaxScore <= 0 {
		return errors.New("max_score must be positive")
	}
	if q.Type != QuestionMCQ {
		if len(q.Choices) > 0 {
			return fmt.Errorf("%s question must not have choices", q.Type)
		}
		return nil
	}
	if len(q.Choices) == 0 {
		return errors.New("MCQ question needs at least one choice")
	}
	for _, c := range q.Choices {
		if c.IsCorrect {
			return nil
		}
	}
	return errors.New("MCQ question needs at least one correct choice")
}

// Choice is one option of a multiple-choice question.
type Choice struct {
	ID         int64  `json:"id"`
	QuestionID int64  `json:"question_id"`
	Text       string `json:"text"`
	IsCorrect  bool   `json:"is_correct"`
}

// Submission is one student's attempt at one exam.
type Submission struct {
	ID             int64            `json:"id"`
	StudentID      int64            `json:"student_id"`
	ExamID         int64            `json:"exam_id"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	Status         SubmissionStatus `json:"status"`
	Score          *float64         `json:"score,omitempty"`
	GradedAt       *time.Time       `json:"graded_at,omitempty"`
	GradingDetails *GradingDetails  `json:"grading_details,omitempty"`
}

// Feedback is the grader's note on a single answer.
type Feedback struct {
	FeedbackText string `json:"feedback_text"`
}

// Answer is one response to one question within a submission.
type Answer struct {
	ID               int64     `json:"id"`
	SubmissionID     int64     `json:"submission_id"`
	QuestionID       int64     `json:"question_id"`
	SelectedChoiceID *int64    `json:"selected_choice_id,omitempty"`
	AnswerText       *string   `json:"answer_text,omitempty"`
	Score            *float64  `json:"score,omitempty"`
	Feedback         *Feedback `json:"feedback,omitempty"`
}

// GraderInfo identifies the grader that produced a result.
type GraderInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// QuestionGrade is one entry of the per-question breakdown.
type QuestionGrade struct {
	QuestionID int64   `json:"question_id"`
	Score      float64 `json:"score"`
	MaxScore   float64 `json:"max_score"`
	Feedback   string  `json:"feedback"`
}

// GradingDetails summarizes a graded submission.
type GradingDetails struct {
	Score       float64         `json:"score"`
	MaxScore    float64         `json:"max_score"`
	PerQuestion []QuestionGrade `json:"per_question"`
	Grader      GraderInfo      `json:"grader"`
}

// GradingItem is an answer joined with everything needed to score it.
type GradingItem struct {
	Answer   Answer
	Question Question
	// SelectedCorrect is the correctness flag of the selected choice, nil when none is selected.
	SelectedCorrect *bool
}

// AnswerGrade is the score and feedback assigned to one answer.
type AnswerGrade struct {
	AnswerID int64
	Score    float64
	Feedback string
}

// GradeSheet is the outcome of a scoring pass, persisted by the store in one transaction.
type GradeSheet struct {
	Answers []AnswerGrade
	Details GradingDetails
}

// AnswerInput is one answer in a submit request.
type AnswerInput struct {
	QuestionID       int64   `json:"question_id"`
	SelectedChoiceID *int64  `json:"selected_choice_id,omitempty"`
	AnswerText       *string `json:"answer_text,omitempty"`
}

// SubmitRequest is a finalized answer set for one (student, exam) pair.
type SubmitRequest struct {
	StudentID int64         `json:"-"`
	ExamID    int64         `json:"-"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Answers   []AnswerInput `json:"answers"`
}

// SubmissionResult is returned by inline submission after grading.
type SubmissionResult struct {
	SubmissionID   int64          `json:"submission_id"`
	StudentID      int64          `json:"student_id"`
	ExamID         int64          `json:"exam_id"`
	SubmittedAt    time.Time      `json:"submitted_at"`
	Score          float64        `json:"score"`
	MaxScore       float64        `json:"max_score"`
	OverallScore   string         `json:"overall_score"`
	GradingDetails GradingDetails `json:"grading_details"`
}

// SubmissionAck acknowledges a submission whose grading was dispatched.
type SubmissionAck struct {
	SubmissionID int64            `json:"submission_id"`
	Status       SubmissionStatus `json:"status"`
	Message      string           `json:"message"`
}

// ResultView is the polled state of a student's submission.
// Score, details and answers are only set once graded.
type ResultView struct {
	SubmissionID   int64            `json:"submission_id"`
	StudentID      int64            `json:"student_id"`
	ExamID         int64            `json:"exam_id"`
	Status         SubmissionStatus `json:"status"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	GradedAt       *time.Time       `json:"graded_at,omitempty"`
	Score          *float64         `json:"score,omitempty"`
	MaxScore       *float64         `json:"max_score,omitempty"`
	GradingDetails *GradingDetails  `json:"grading_details,omitempty"`
	Answers        []Answer         `json:"answers,omitempty"`
}

// Graded reports whether the result carries a final score.
func (r ResultView) Graded() bool {
	return r.Status == StatusGraded
}

// ExamImport is used for loading exams from JSON.
type ExamImport struct {
	Title     string           `json:"title"`
	Course    string           `json:"course"`
	Duration  string           `json:"duration,omitempty"`
	StartAt   *time.Time       `json:"start_at,omitempty"`
	EndAt     *time.Time       `json:"end_at,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
	Questions []QuestionImport `json:"questions"`
}

// QuestionImport is one question of an ExamImport.
type QuestionImport struct {
	Type            QuestionType   `json:"type"`
	Text            string         `json:"text"`
	ReferenceAnswer *string        `json:"reference_answer,omitempty"`
	MaxScore        float64        `json:"max_score"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Choices         []ChoiceImport `json:"choices,omitempty"`
}

// ChoiceImport is one choice of a QuestionImport.
type ChoiceImport struct {
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

// ToExam converts the import into an Exam, validating every question.
func (ei ExamImport) ToExam() (Exam, error) {
	exam := Exam{
		Title:    ei.Title,
		Course:   ei.Course,
		StartAt:  ei.StartAt,
		EndAt:    ei.EndAt,
		Metadata: ei.Metadata,
	}
	if ei.Title == "" {
		return exam, errors.New("exam title is required")
	}
	if ei.StartAt != nil && ei.EndAt != nil && ei.EndAt.Before(*ei.StartAt) {
		return exam, errors.New("end_at is before start_at")
	}
	if ei.Duration != "" {
		d, err := time.ParseDuration(ei.Duration)
		if err != nil {
			return exam, fmt.Errorf("parse duration: %w", err)
		}
		exam.Duration = &d
	}
	for i, qi := range ei.Questions {
		q := Question{
			Type:            qi.Type,
			Text:            qi.Text,
			ReferenceAnswer: qi.ReferenceAnswer,
			MaxScore:        qi.MaxScore,
			Metadata:        qi.Metadata,
		}
		for _, ci := range qi.Choices {
			q.Choices = append(q.Choices, Choice{Text: ci.Text, IsCorrect: ci.IsCorrect})
		}
		if err := q.Validate(); err != nil {
			return exam, fmt.Errorf("question %d: %w", i+1, err)
		}
		exam.Questions = append(exam.Questions, q)
	}
	return exam, nil
}

// ExamPaper is the student-facing view of an exam: no correctness flags, no reference answers.
type ExamPaper struct {
	ID        int64           `json:"id"`
	Title     string          `json:"title"`
	Course    string          `json:"course"`
	Duration  *time.Duration  `json:"duration,omitempty"`
	StartAt   *time.Time      `json:"start_at,omitempty"`
	EndAt     *time.Time      `json:"end_at,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Questions []PaperQuestion `json:"questions"`
}

// PaperQuestion is a question as shown to a student.
type PaperQuestion struct {
	ID       int64          `json:"id"`
	Type     QuestionType   `json:"type"`
	Text     string         `json:"text"`
	MaxScore float64        `json:"max_score"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Choices  []PaperChoice  `json:"choices,omitempty"`
}

// PaperChoice is a choice as shown to a student.
type PaperChoice struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}
