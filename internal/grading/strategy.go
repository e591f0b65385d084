package grading

import (
	"fmt"
	"math"
	"strconv"

	"github.com/pavelanni/examgrader/internal/model"
)

// Feedback texts produced by the scoring strategies.
const (
	FeedbackNoChoice  = "No choice selected"
	FeedbackCorrect   = "Correct"
	FeedbackIncorrect = "Incorrect"
	FeedbackNoContent = "No content to compare"
)

// ScoreChoice scores a multiple-choice answer. correct is the correctness
// flag of the selected choice, nil when nothing was selected.
func ScoreChoice(q model.Question, a model.Answer, correct *bool) (float64, string) {
	if a.SelectedChoiceID == nil || correct == nil {
		return 0, FeedbackNoChoice
	}
	if *correct {
		return q.MaxScore, FeedbackCorrect
	}
	return 0, FeedbackIncorrect
}

// ScoreText scores a free-text answer by the cosine similarity of its term
// frequencies against the question's reference answer.
func ScoreText(q model.Question, a model.Answer) (float64, string) {
	var ref, text string
	if q.ReferenceAnswer != nil {
		ref = *q.ReferenceAnswer
	}
	if a.AnswerText != nil {
		text = *a.AnswerText
	}
	refTokens := Tokenize(ref)
	textTokens := Tokenize(text)
	if len(refTokens) == 0 || len(textTokens) == 0 {
		return 0, FeedbackNoContent
	}
	sim := CosineSimilarity(refTokens, textTokens)
	return round2(sim * q.MaxScore), fmt.Sprintf("Similarity %.2f", sim)
}

// CosineSimilarity compares two token sequences as raw term-frequency vectors.
// It returns 0 when either sequence is empty.
func CosineSimilarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	fa := termFrequencies(a)
	fb := termFrequencies(b)

	var dot, na, nb float64
	for term, ca := range fa {
		na += float64(ca * ca)
		if cb, ok := fb[term]; ok {
			dot += float64(ca * cb)
		}
	}
	for _, cb := range fb {
		nb += float64(cb * cb)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return math.Min(dot/(math.Sqrt(na)*math.Sqrt(nb)), 1)
}

func termFrequencies(tokens []string) map[string]int {
	freq := make(map[string]int, len(tokens))
	for _, t := range tokens {
		freq[t]++
	}
	return freq
}

// ScoreAnswer applies the strategy matching the question type.
func ScoreAnswer(item model.GradingItem) (float64, string, error) {
	switch item.Question.Type {
	case model.QuestionMCQ:
		score, fb := ScoreChoice(item.Question, item.Answer, item.SelectedCorrect)
		return score, fb, nil
	case model.QuestionShort, model.QuestionEssay:
		score, fb := ScoreText(item.Question, item.Answer)
		return score, fb, nil
	default:
		return 0, "", fmt.Errorf("question %d: unknown question type %q", item.Question.ID, item.Question.Type)
	}
}

// Score runs the scoring pass over the answers of one submission.
// The total is the sum of answer scores and the maximum is the sum of the
// max scores of the distinct questions answered, both rounded to 2 decimals.
func Score(items []model.GradingItem, info model.GraderInfo) (model.GradeSheet, error) {
	sheet := model.GradeSheet{
		Answers: make([]model.AnswerGrade, 0, len(items)),
		Details: model.GradingDetails{
			PerQuestion: make([]model.QuestionGrade, 0, len(items)),
			Grader:      info,
		},
	}
	var total, maxTotal float64
	seen := make(map[int64]bool, len(items))
	for _, it := range items {
		score, fb, err := ScoreAnswer(it)
		if err != nil {
			return model.GradeSheet{}, err
		}
		total += score
		if !seen[it.Question.ID] {
			seen[it.Question.ID] = true
			maxTotal += it.Question.MaxScore
		}
		sheet.Answers = append(sheet.Answers, model.AnswerGrade{
			AnswerID: it.Answer.ID,
			Score:    score,
			Feedback: fb,
		})
		sheet.Details.PerQuestion = append(sheet.Details.PerQuestion, model.QuestionGrade{
			QuestionID: it.Question.ID,
			Score:      score,
			MaxScore:   it.Question.MaxScore,
			Feedback:   fb,
		})
	}
	sheet.Details.Score = round2(total)
	sheet.Details.MaxScore = round2(maxTotal)
	return sheet, nil
}

// round2 rounds the exact binary value of x to two decimals, ties to even.
func round2(x float64) float64 {
	r, _ := strconv.ParseFloat(strconv.FormatFloat(x, 'f', 2, 64), 64)
	return r
}
