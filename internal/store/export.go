package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/examgrader/internal/model"
)

// ExportExam builds export-ready results for every submission of an exam.
func (s *Store) ExportExam(ctx context.Context, examID int64) (model.ExamExport, error) {
	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("get exam %d: %w", examID, err)
	}

	subs, err := s.ListSubmissionsForExam(ctx, examID)
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("list submissions: %w", err)
	}

	export := model.ExamExport{
		ExamID:     exam.ID,
		Title:      exam.Title,
		Course:     exam.Course,
		ExportedAt: time.Now().UTC(),
		Results:    []model.StudentResult{},
	}
	for _, sub := range subs {
		answers, err := s.GetAnswers(ctx, sub.ID)
		if err != nil {
			return export, fmt.Errorf("get answers of submission %d: %w", sub.ID, err)
		}
		export.Results = append(export.Results, model.StudentResult{
			SubmissionID:   sub.ID,
			StudentID:      sub.StudentID,
			Status:         sub.Status,
			StartedAt:      sub.StartedAt,
			SubmittedAt:    sub.SubmittedAt,
			GradedAt:       sub.GradedAt,
			Score:          sub.Score,
			GradingDetails: sub.GradingDetails,
			Answers:        answers,
		})
	}
	return export, nil
}
