package grading

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/pavelanni/examgrader/internal/model"
	"github.com/pavelanni/examgrader/internal/store"
)

func strPtr(s string) *string { return &s }

func int64Ptr(v int64) *int64 { return &v }

func boolPtr(v bool) *bool { return &v }

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", []string{}},
		{"only punctuation", "?! ... ,", []string{}},
		{"single letters dropped", "a b c dd", []string{"dd"}},
		{"lowercased", "The Cell", []string{"the", "cell"}},
		{"two letter words kept", "is of it", []string{"is", "of", "it"}},
		{"digits and underscore", "x_y 42 a1, 7", []string{"x_y", "42", "a1"}},
		{"punctuation splits", "well-known; cells!", []string{"well", "known", "cells"}},
		{"unicode letters", "Ünïcode ÉCOLE я", []string{"ünïcode", "école"}},
		{"order preserved", "cell the cell", []string{"cell", "the", "cell"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.in)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tokenize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTokenizeIdempotent(t *testing.T) {
	inputs := []string{
		"The mitochondria is the powerhouse of the cell.",
		"  A quick, brown fox; jumps over 2 lazy dogs!! ",
		"",
		"Ñandú x_y_z",
	}
	for _, in := range inputs {
		first := Tokenize(in)
		second := Tokenize(strings.Join(first, " "))
		if !reflect.DeepEqual(first, second) {
			t.Errorf("not idempotent for %q: %q then %q", in, first, second)
		}
	}
}

func TestScoreChoice(t *testing.T) {
	q := model.Question{ID: 1, Type: model.QuestionMCQ, MaxScore: 2.5}
	tests := []struct {
		name      string
		selected  *int64
		correct   *bool
		wantScore float64
		wantFB    string
	}{
		{"nothing selected", nil, nil, 0, FeedbackNoChoice},
		{"correct choice", int64Ptr(3), boolPtr(true), 2.5, FeedbackCorrect},
		{"wrong choice", int64Ptr(4), boolPtr(false), 0, FeedbackIncorrect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := model.Answer{SelectedChoiceID: tt.selected, AnswerText: strPtr("ignored text")}
			score, fb := ScoreChoice(q, a, tt.correct)
			if score != tt.wantScore || fb != tt.wantFB {
				t.Errorf("got (%v, %q), want (%v, %q)", score, fb, tt.wantScore, tt.wantFB)
			}
		})
	}
}

func TestScoreText(t *testing.T) {
	ref := "the mitochondria is the powerhouse of the cell"
	tests := []struct {
		name      string
		ref       *string
		answer    *string
		maxScore  float64
		wantScore float64
		wantFB    string
	}{
		{"no answer", strPtr(ref), nil, 4, 0, FeedbackNoContent},
		{"empty answer", strPtr(ref), strPtr(""), 4, 0, FeedbackNoContent},
		{"answer without tokens", strPtr(ref), strPtr("a ! ?"), 4, 0, FeedbackNoContent},
		{"no reference", nil, strPtr("mitochondria"), 4, 0, FeedbackNoContent},
		{"identical", strPtr(ref), strPtr(ref), 4, 4, "Similarity 1.00"},
		{"case and punctuation ignored", strPtr("Cell wall"), strPtr("cell, WALL!"), 3, 3, "Similarity 1.00"},
		{"disjoint", strPtr(ref), strPtr("photosynthesis chlorophyll"), 4, 0, "Similarity 0.00"},
		{"partial overlap", strPtr(ref), strPtr("mitochondria is powerhouse of cell"), 4, 2.39, "Similarity 0.60"},
		// counts matter: "cell cell" vs "cell" is still parallel
		{"term frequency", strPtr("cell"), strPtr("cell cell"), 2, 2, "Similarity 1.00"},
		// similarity is exactly 0.25, so 0.125 and 0.625 are ties broken to even
		{"tie rounds down to even", strPtr("aa bb cc dd"), strPtr("aa ee ff gg"), 0.5, 0.12, "Similarity 0.25"},
		{"tie rounds to even above", strPtr("aa bb cc dd"), strPtr("aa ee ff gg"), 2.5, 0.62, "Similarity 0.25"},
		{"tie already even", strPtr("aa bb cc dd"), strPtr("aa ee ff gg"), 1.5, 0.38, "Similarity 0.25"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := model.Question{Type: model.QuestionEssay, ReferenceAnswer: tt.ref, MaxScore: tt.maxScore}
			score, fb := ScoreText(q, model.Answer{AnswerText: tt.answer})
			if score != tt.wantScore || fb != tt.wantFB {
				t.Errorf("got (%v, %q), want (%v, %q)", score, fb, tt.wantScore, tt.wantFB)
			}
		})
	}
}

func TestCosineSimilarityRange(t *testing.T) {
	pairs := [][2]string{
		{"alpha beta gamma", "alpha alpha alpha"},
		{"one two three four", "four three two one"},
		{"xx yy", "zz"},
		{"repeat repeat repeat", "repeat"},
	}
	for _, p := range pairs {
		sim := CosineSimilarity(Tokenize(p[0]), Tokenize(p[1]))
		if sim < 0 || sim > 1 {
			t.Errorf("similarity of %q and %q out of range: %v", p[0], p[1], sim)
		}
	}
	if got := CosineSimilarity(nil, []string{"x"}); got != 0 {
		t.Errorf("expected 0 for empty input, got %v", got)
	}
	// 1 shared term, |a| = sqrt(2), |b| = 1
	if got := CosineSimilarity([]string{"aa", "bb"}, []string{"aa"}); math.Abs(got-1/math.Sqrt2) > 1e-12 {
		t.Errorf("expected %v, got %v", 1/math.Sqrt2, got)
	}
}

func TestScoreAnswerUnknownType(t *testing.T) {
	_, _, err := ScoreAnswer(model.GradingItem{Question: model.Question{ID: 9, Type: "ORAL"}})
	if err == nil {
		t.Fatal("expected error for unknown question type")
	}
}

func TestScoreAggregates(t *testing.T) {
	items := []model.GradingItem{
		{
			Answer:          model.Answer{ID: 10, QuestionID: 1, SelectedChoiceID: int64Ptr(2)},
			Question:        model.Question{ID: 1, Type: model.QuestionMCQ, MaxScore: 1.5},
			SelectedCorrect: boolPtr(true),
		},
		{
			Answer:   model.Answer{ID: 11, QuestionID: 2, AnswerText: strPtr("cell")},
			Question: model.Question{ID: 2, Type: model.QuestionShort, ReferenceAnswer: strPtr("cell"), MaxScore: 2.25},
		},
		{
			Answer:   model.Answer{ID: 12, QuestionID: 2, AnswerText: strPtr("nothing shared")},
			Question: model.Question{ID: 2, Type: model.QuestionShort, ReferenceAnswer: strPtr("cell"), MaxScore: 2.25},
		},
		{
			Answer:   model.Answer{ID: 13, QuestionID: 3},
			Question: model.Question{ID: 3, Type: model.QuestionMCQ, MaxScore: 1},
		},
	}
	info := model.GraderInfo{Name: "mock", Version: "1.0"}
	sheet, err := Score(items, info)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if sheet.Details.Score != 3.75 {
		t.Errorf("expected score 3.75, got %v", sheet.Details.Score)
	}
	// question 2 counts once
	if sheet.Details.MaxScore != 4.75 {
		t.Errorf("expected max score 4.75, got %v", sheet.Details.MaxScore)
	}
	if sheet.Details.Grader != info {
		t.Errorf("unexpected grader info %+v", sheet.Details.Grader)
	}
	if len(sheet.Answers) != 4 || len(sheet.Details.PerQuestion) != 4 {
		t.Fatalf("expected 4 entries, got %d answers and %d per-question", len(sheet.Answers), len(sheet.Details.PerQuestion))
	}
	for i, it := range items {
		if sheet.Answers[i].AnswerID != it.Answer.ID {
			t.Errorf("entry %d: answer order not preserved", i)
		}
		if sheet.Details.PerQuestion[i].QuestionID != it.Question.ID {
			t.Errorf("entry %d: question order not preserved", i)
		}
	}
	if sheet.Answers[3].Feedback != FeedbackNoChoice {
		t.Errorf("expected %q, got %q", FeedbackNoChoice, sheet.Answers[3].Feedback)
	}

	items = append(items, model.GradingItem{Question: model.Question{ID: 4, Type: "ORAL", MaxScore: 1}})
	if _, err := Score(items, info); err == nil {
		t.Error("expected error for unknown question type")
	}
}

func TestScoreAggregateTies(t *testing.T) {
	items := []model.GradingItem{
		{
			Answer:          model.Answer{ID: 1, QuestionID: 1, SelectedChoiceID: int64Ptr(5)},
			Question:        model.Question{ID: 1, Type: model.QuestionMCQ, MaxScore: 0.625},
			SelectedCorrect: boolPtr(true),
		},
		{
			Answer: model.Answer{ID: 2, QuestionID: 2, AnswerText: strPtr("aa ee ff gg")},
			Question: model.Question{ID: 2, Type: model.QuestionEssay,
				ReferenceAnswer: strPtr("aa bb cc dd"), MaxScore: 0.5},
		},
	}
	sheet, err := Score(items, model.GraderInfo{Name: "mock", Version: "1.0"})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got := sheet.Answers[1].Score; got != 0.12 {
		t.Errorf("essay score = %v, want 0.12", got)
	}
	// 0.625 + 0.12 sits just below 0.745 in binary; 1.125 is an exact tie
	if sheet.Details.Score != 0.74 {
		t.Errorf("total = %v, want 0.74", sheet.Details.Score)
	}
	if sheet.Details.MaxScore != 1.12 {
		t.Errorf("max = %v, want 1.12", sheet.Details.MaxScore)
	}
}

type fakeStore struct {
	items []model.GradingItem
	err   error
	sheet model.GradeSheet
}

func (f *fakeStore) GradeSubmission(_ context.Context, _ int64, _ time.Time,
	fn func([]model.GradingItem) (model.GradeSheet, error)) (*model.GradingDetails, error) {
	if f.err != nil {
		return nil, f.err
	}
	sheet, err := fn(f.items)
	if err != nil {
		return nil, err
	}
	f.sheet = sheet
	return &sheet.Details, nil
}

func TestMockGraderWrapsStoreErrors(t *testing.T) {
	g := NewMockGrader(&fakeStore{err: store.ErrAlreadyGraded})
	_, err := g.Grade(context.Background(), 5)
	if !errors.Is(err, store.ErrAlreadyGraded) {
		t.Errorf("expected ErrAlreadyGraded, got %v", err)
	}
}

func TestMockGraderInfo(t *testing.T) {
	fs := &fakeStore{items: []model.GradingItem{{
		Answer:   model.Answer{ID: 1, AnswerText: strPtr("cell")},
		Question: model.Question{ID: 1, Type: model.QuestionShort, ReferenceAnswer: strPtr("cell"), MaxScore: 1},
	}}}
	g := NewMockGrader(fs)
	details, err := g.Grade(context.Background(), 1)
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if details.Grader.Name != "mock" || details.Grader.Version != "1.0" {
		t.Errorf("unexpected grader info %+v", details.Grader)
	}
	if fs.sheet.Answers[0].Score != 1 {
		t.Errorf("expected full score, got %v", fs.sheet.Answers[0].Score)
	}
}

// TestMitochondriaScenario grades one MCQ and one essay answer end to end.
func TestMitochondriaScenario(t *testing.T) {
	ctx := context.Background()
	st, err := store.New(filepath.Join(t.TempDir(), "grading.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	examID, err := st.CreateExam(ctx, model.Exam{
		Title:  "Cells",
		Course: "Biology",
		Questions: []model.Question{
			{Type: model.QuestionMCQ, Text: "Powerhouse?", MaxScore: 1, Choices: []model.Choice{
				{Text: "C1"}, {Text: "C2", IsCorrect: true},
			}},
			{Type: model.QuestionEssay, Text: "Explain.", MaxScore: 4,
				ReferenceAnswer: strPtr("the mitochondria is the powerhouse of the cell")},
		},
	})
	if err != nil {
		t.Fatalf("CreateExam: %v", err)
	}
	exam, err := st.GetExam(ctx, examID)
	if err != nil {
		t.Fatalf("GetExam: %v", err)
	}
	mcq, essay := exam.Questions[0], exam.Questions[1]
	subID, err := st.CreateSubmission(ctx,
		model.Submission{StudentID: 1, ExamID: examID, SubmittedAt: time.Now()},
		[]model.Answer{
			{QuestionID: mcq.ID, SelectedChoiceID: &mcq.Choices[1].ID},
			{QuestionID: essay.ID, AnswerText: strPtr("mitochondria is powerhouse of cell")},
		})
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}

	details, err := NewMockGrader(st).Grade(ctx, subID)
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	// the: 3, other terms: 1 each; dot = 5, |ref| = sqrt(14), |ans| = sqrt(5)
	wantEssay := math.Round(5/math.Sqrt(70)*4*100) / 100
	if wantEssay != 2.39 {
		t.Fatalf("test arithmetic: expected 2.39, got %v", wantEssay)
	}
	if details.Score != 3.39 {
		t.Errorf("expected aggregate 3.39, got %v", details.Score)
	}
	if details.MaxScore != 5 {
		t.Errorf("expected max score 5, got %v", details.MaxScore)
	}
	want := []model.QuestionGrade{
		{QuestionID: mcq.ID, Score: 1, MaxScore: 1, Feedback: "Correct"},
		{QuestionID: essay.ID, Score: 2.39, MaxScore: 4, Feedback: "Similarity 0.60"},
	}
	if !reflect.DeepEqual(details.PerQuestion, want) {
		t.Errorf("per question = %+v, want %+v", details.PerQuestion, want)
	}

	sub, err := st.GetSubmission(ctx, subID)
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if sub.Status != model.StatusGraded || sub.Score == nil || *sub.Score != 3.39 {
		t.Errorf("submission not graded correctly: %+v", sub)
	}
	answers, err := st.GetAnswers(ctx, subID)
	if err != nil {
		t.Fatalf("GetAnswers: %v", err)
	}
	if answers[1].Feedback == nil || answers[1].Feedback.FeedbackText != "Similarity 0.60" {
		t.Errorf("essay feedback not stored: %+v", answers[1].Feedback)
	}

	if _, err := NewMockGrader(st).Grade(ctx, subID); !errors.Is(err, store.ErrAlreadyGraded) {
		t.Errorf("expected ErrAlreadyGraded on regrade, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("mock", func() (Grader, error) { return NewMockGrader(&fakeStore{}), nil })
	r.Register("broken", func() (Grader, error) { return nil, ErrNotImplemented })

	if got := r.Names(); !reflect.DeepEqual(got, []string{"broken", "mock"}) {
		t.Errorf("Names() = %v", got)
	}
	g, err := r.New("mock")
	if err != nil {
		t.Fatalf("New(mock): %v", err)
	}
	if g.Info().Name != "mock" {
		t.Errorf("unexpected grader %+v", g.Info())
	}
	if _, err := r.New("broken"); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("expected factory error, got %v", err)
	}
	if _, err := r.New("nope"); !errors.Is(err, ErrUnknownGrader) {
		t.Errorf("expected ErrUnknownGrader, got %v", err)
	}
}
