package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateSubmission is returned when a submission already exists for the (student, exam) pair.
	ErrDuplicateSubmission = errors.New("duplicate submission")
	// ErrAlreadyGraded is returned when grading a submission that is no longer pending.
	ErrAlreadyGraded = errors.New("submission is not pending")
)

type Store struct {
	db *sql.DB

	// answerUpdateHook runs before each answer update inside the grading transaction.
	answerUpdateHook func(answerID int64) error
}

// New opens the SQLite database at dbPath and applies the schema.
// Write transactions start with BEGIN IMMEDIATE so concurrent writers serialize.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		course TEXT NOT NULL,
		duration_seconds INTEGER,
		start_at DATETIME,
		end_at DATETIME,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		UNIQUE (title, course)
	);
	CREATE INDEX IF NOT EXISTS idx_exams_course ON exams(course);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		type TEXT NOT NULL,
		text TEXT NOT NULL,
		reference_answer TEXT,
		max_score REAL NOT NULL DEFAULT 1 CHECK (max_score > 0),
		metadata TEXT NOT NULL DEFAULT '{}',
		FOREIGN KEY (exam_id) REFERENCES exams(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_questions_exam_type ON questions(exam_id, type);

	CREATE TABLE IF NOT EXISTS choices (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		question_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		is_correct INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (question_id) REFERENCES questions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_choices_question ON choices(question_id);

	CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		student_id INTEGER NOT NULL,
		exam_id INTEGER NOT NULL,
		started_at DATETIME,
		submitted_at DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		score REAL,
		graded_at DATETIME,
		grading_details TEXT,
		UNIQUE (student_id, exam_id),
		FOREIGN KEY (exam_id) REFERENCES exams(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_submissions_status ON submissions(status, graded_at);

	CREATE TABLE IF NOT EXISTS answers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		selected_choice_id INTEGER,
		answer_text TEXT,
		score REAL,
		feedback TEXT,
		FOREIGN KEY (submission_id) REFERENCES submissions(id) ON DELETE CASCADE,
		FOREIGN KEY (question_id) REFERENCES questions(id) ON DELETE CASCADE,
		FOREIGN KEY (selected_choice_id) REFERENCES choices(id) ON DELETE SET NULL
	);
	CREATE INDEX IF NOT EXISTS idx_answers_submission ON answers(submission_id, question_id);

	CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		hash TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func metadataJSON(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMetadata(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" || raw == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}
