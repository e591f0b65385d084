package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pavelanni/examgrader/internal/model"
)

// CreateExam stores an exam with its questions and choices in one transaction.
func (s *Store) CreateExam(ctx context.Context, e model.Exam) (int64, error) {
	meta, err := metadataJSON(e.Metadata)
	if err != nil {
		return 0, fmt.Errorf("encode exam metadata: %w", err)
	}
	var duration *int64
	if e.Duration != nil {
		secs := int64(e.Duration.Seconds())
		duration = &secs
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO exams (title, course, duration_seconds, start_at, end_at, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Title, e.Course, duration, utcPtr(e.StartAt), utcPtr(e.EndAt), meta, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	examID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, q := range e.Questions {
		qmeta, err := metadataJSON(q.Metadata)
		if err != nil {
			return 0, fmt.Errorf("encode question metadata: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO questions (exam_id, type, text, reference_answer, max_score, metadata)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			examID, q.Type, q.Text, q.ReferenceAnswer, q.MaxScore, qmeta,
		)
		if err != nil {
			return 0, err
		}
		questionID, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		for _, c := range q.Choices {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO choices (question_id, text, is_correct) VALUES (?, ?, ?)`,
				questionID, c.Text, c.IsCorrect,
			); err != nil {
				return 0, err
			}
		}
	}

	return examID, tx.Commit()
}

const examColumns = `id, title, course, duration_seconds, start_at, end_at, metadata, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExam(row rowScanner) (model.Exam, error) {
	var (
		e        model.Exam
		duration *int64
		meta     string
	)
	if err := row.Scan(&e.ID, &e.Title, &e.Course, &duration, &e.StartAt, &e.EndAt, &meta, &e.CreatedAt); err != nil {
		return e, err
	}
	if duration != nil {
		d := time.Duration(*duration) * time.Second
		e.Duration = &d
	}
	m, err := unmarshalMetadata(meta)
	if err != nil {
		return e, fmt.Errorf("decode exam metadata: %w", err)
	}
	e.Metadata = m
	return e, nil
}

// GetExam returns an exam with its questions and their choices, ordered by ID.
func (s *Store) GetExam(ctx context.Context, id int64) (model.Exam, error) {
	e, err := scanExam(s.db.QueryRowContext(ctx, `SELECT `+examColumns+` FROM exams WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}

	questions, err := s.questionsForExam(ctx, id)
	if err != nil {
		return e, err
	}
	e.Questions = questions
	return e, nil
}

func (s *Store) questionsForExam(ctx context.Context, examID int64) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, exam_id, type, text, reference_answer, max_score, metadata
		 FROM questions WHERE exam_id = ? ORDER BY id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	index := make(map[int64]int)
	for rows.Next() {
		var (
			q    model.Question
			meta string
		)
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Type, &q.Text, &q.ReferenceAnswer, &q.MaxScore, &meta); err != nil {
			return nil, err
		}
		if q.Metadata, err = unmarshalMetadata(meta); err != nil {
			return nil, fmt.Errorf("decode question %d metadata: %w", q.ID, err)
		}
		index[q.ID] = len(questions)
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	crows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.question_id, c.text, c.is_correct
		 FROM choices c JOIN questions q ON q.id = c.question_id
		 WHERE q.exam_id = ? ORDER BY c.id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer crows.Close()
	for crows.Next() {
		var c model.Choice
		if err := crows.Scan(&c.ID, &c.QuestionID, &c.Text, &c.IsCorrect); err != nil {
			return nil, err
		}
		if i, ok := index[c.QuestionID]; ok {
			questions[i].Choices = append(questions[i].Choices, c)
		}
	}
	return questions, crows.Err()
}

// ListExams returns all exams without their questions, newest first.
func (s *Store) ListExams(ctx context.Context) ([]model.Exam, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+examColumns+` FROM exams ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// ListAvailableExams returns exams whose availability window contains now.
func (s *Store) ListAvailableExams(ctx context.Context, now time.Time) ([]model.Exam, error) {
	all, err := s.ListExams(ctx)
	if err != nil {
		return nil, err
	}
	var open []model.Exam
	for _, e := range all {
		if e.OpenAt(now) {
			open = append(open, e)
		}
	}
	return open, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
