package model

import "time"

// ExamExport is the top-level JSON structure for exam result export.
type ExamExport struct {
	ExamID     int64           `json:"exam_id"`
	Title      string          `json:"title"`
	Course     string          `json:"course"`
	ExportedAt time.Time       `json:"exported_at"`
	Results    []StudentResult `json:"results"`
}

// StudentResult holds one student's submission for export.
type StudentResult struct {
	SubmissionID   int64            `json:"submission_id"`
	StudentID      int64            `json:"student_id"`
	Status         SubmissionStatus `json:"status"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	GradedAt       *time.Time       `json:"graded_at,omitempty"`
	Score          *float64         `json:"score,omitempty"`
	GradingDetails *GradingDetails  `json:"grading_details,omitempty"`
	Answers        []Answer         `json:"answers"`
}
