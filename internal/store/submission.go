package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/examgrader/internal/model"
)

// HasSubmission reports whether the student already submitted the exam.
func (s *Store) HasSubmission(ctx context.Context, studentID, examID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submissions WHERE student_id = ? AND exam_id = ?`,
		studentID, examID,
	).Scan(&n)
	return n > 0, err
}

// CreateSubmission inserts a pending submission and its answers in one transaction.
// A second submission for the same (student, exam) pair fails with ErrDuplicateSubmission.
func (s *Store) CreateSubmission(ctx context.Context, sub model.Submission, answers []model.Answer) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	status := sub.Status
	if status == "" {
		status = model.StatusPending
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO submissions (student_id, exam_id, started_at, submitted_at, status)
		 VALUES (?, ?, ?, ?, ?)`,
		sub.StudentID, sub.ExamID, utcPtr(sub.StartedAt), sub.SubmittedAt.UTC(), status,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateSubmission
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO answers (submission_id, question_id, selected_choice_id, answer_text)
		 VALUES (?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, a := range answers {
		if _, err := stmt.ExecContext(ctx, id, a.QuestionID, a.SelectedChoiceID, a.AnswerText); err != nil {
			return 0, fmt.Errorf("insert answer for question %d: %w", a.QuestionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateSubmission
		}
		return 0, err
	}
	return id, nil
}

const submissionColumns = `id, student_id, exam_id, started_at, submitted_at, status, score, graded_at, grading_details`

func scanSubmission(row rowScanner) (model.Submission, error) {
	var (
		sub     model.Submission
		details sql.NullString
	)
	if err := row.Scan(&sub.ID, &sub.StudentID, &sub.ExamID, &sub.StartedAt, &sub.SubmittedAt,
		&sub.Status, &sub.Score, &sub.GradedAt, &details); err != nil {
		return sub, err
	}
	if details.Valid && details.String != "" {
		var d model.GradingDetails
		if err := json.Unmarshal([]byte(details.String), &d); err != nil {
			return sub, fmt.Errorf("decode grading details: %w", err)
		}
		sub.GradingDetails = &d
	}
	return sub, nil
}

// GetSubmission returns a submission by ID.
func (s *Store) GetSubmission(ctx context.Context, id int64) (model.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return sub, ErrNotFound
	}
	return sub, err
}

// GetSubmissionByStudentExam returns the student's submission for an exam.
func (s *Store) GetSubmissionByStudentExam(ctx context.Context, studentID, examID int64) (model.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE student_id = ? AND exam_id = ?`,
		studentID, examID))
	if errors.Is(err, sql.ErrNoRows) {
		return sub, ErrNotFound
	}
	return sub, err
}

// ListSubmissionsForExam returns all submissions of an exam ordered by submission time.
func (s *Store) ListSubmissionsForExam(ctx context.Context, examID int64) ([]model.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE exam_id = ? ORDER BY submitted_at, id`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var subs []model.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListPendingSubmissionIDs returns the IDs of submissions still waiting for grading, oldest first.
func (s *Store) ListPendingSubmissionIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM submissions WHERE status = ? ORDER BY id`, model.StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetAnswers returns the answers of a submission in insertion order.
func (s *Store) GetAnswers(ctx context.Context, submissionID int64) ([]model.Answer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, submission_id, question_id, selected_choice_id, answer_text, score, feedback
		 FROM answers WHERE submission_id = ? ORDER BY id`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var answers []model.Answer
	for rows.Next() {
		a, err := scanAnswer(rows)
		if err != nil {
			return nil, err
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func scanAnswer(row rowScanner) (model.Answer, error) {
	var (
		a        model.Answer
		feedback sql.NullString
	)
	if err := row.Scan(&a.ID, &a.SubmissionID, &a.QuestionID, &a.SelectedChoiceID,
		&a.AnswerText, &a.Score, &feedback); err != nil {
		return a, err
	}
	if feedback.Valid && feedback.String != "" {
		var f model.Feedback
		if err := json.Unmarshal([]byte(feedback.String), &f); err != nil {
			return a, fmt.Errorf("decode feedback of answer %d: %w", a.ID, err)
		}
		a.Feedback = &f
	}
	return a, nil
}

// GradeSubmission runs one grading pass over a pending submission.
//
// The whole pass is a single write transaction: the submission status is
// checked, the answers are loaded with their questions and the correctness
// of the selected choice, fn scores them, and every answer plus the
// submission row is updated. Any error rolls everything back and the
// submission stays PENDING. A submission that is no longer pending yields
// ErrAlreadyGraded.
func (s *Store) GradeSubmission(ctx context.Context, id int64, gradedAt time.Time, fn func([]model.GradingItem) (model.GradeSheet, error)) (*model.GradingDetails, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var status model.SubmissionStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM submissions WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if status != model.StatusPending {
		return nil, ErrAlreadyGraded
	}

	items, err := loadGradingItems(ctx, tx, id)
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}

	sheet, err := fn(items)
	if err != nil {
		return nil, err
	}

	for _, ag := range sheet.Answers {
		if s.answerUpdateHook != nil {
			if err := s.answerUpdateHook(ag.AnswerID); err != nil {
				return nil, err
			}
		}
		fb, err := json.Marshal(model.Feedback{FeedbackText: ag.Feedback})
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE answers SET score = ?, feedback = ? WHERE id = ? AND submission_id = ?`,
			ag.Score, string(fb), ag.AnswerID, id,
		)
		if err != nil {
			return nil, fmt.Errorf("update answer %d: %w", ag.AnswerID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil, fmt.Errorf("update answer %d: answer not in submission %d", ag.AnswerID, id)
		}
	}

	details, err := json.Marshal(sheet.Details)
	if err != nil {
		return nil, fmt.Errorf("encode grading details: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE submissions SET status = ?, score = ?, graded_at = ?, grading_details = ?
		 WHERE id = ? AND status = ?`,
		model.StatusGraded, sheet.Details.Score, gradedAt.UTC(), string(details), id, model.StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("update submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, ErrAlreadyGraded
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	d := sheet.Details
	return &d, nil
}

func loadGradingItems(ctx context.Context, tx *sql.Tx, submissionID int64) ([]model.GradingItem, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT a.id, a.submission_id, a.question_id, a.selected_choice_id, a.answer_text,
		        q.exam_id, q.type, q.text, q.reference_answer, q.max_score,
		        c.is_correct
		 FROM answers a
		 JOIN questions q ON q.id = a.question_id
		 LEFT JOIN choices c ON c.id = a.selected_choice_id
		 WHERE a.submission_id = ?
		 ORDER BY a.id`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.GradingItem
	for rows.Next() {
		var (
			it      model.GradingItem
			correct sql.NullBool
		)
		if err := rows.Scan(&it.Answer.ID, &it.Answer.SubmissionID, &it.Answer.QuestionID,
			&it.Answer.SelectedChoiceID, &it.Answer.AnswerText,
			&it.Question.ExamID, &it.Question.Type, &it.Question.Text, &it.Question.ReferenceAnswer,
			&it.Question.MaxScore, &correct); err != nil {
			return nil, err
		}
		it.Question.ID = it.Answer.QuestionID
		if it.Answer.SelectedChoiceID != nil && correct.Valid {
			v := correct.Bool
			it.SelectedCorrect = &v
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
