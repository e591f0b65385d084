package llm

import (
	"bytes"
	"embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/examgrader/internal/model"
)

//go:embed templates/grade.tmpl
var templateFS embed.FS

var gradeTemplate = template.Must(template.ParseFS(templateFS, "templates/grade.tmpl"))

var answerTagRegex = regexp.MustCompile(`(?i)</?\s*(student-answer|reference-answer|question)\b[^>]*>`)

const maxAnswerRunes = 10000

type gradeData struct {
	QuestionText    string
	ReferenceAnswer string
	MaxScore        string
	Answer          string
}

// BuildGradePrompt renders the grading prompt for one free-text answer.
func BuildGradePrompt(item model.GradingItem) (string, error) {
	if item.Question.Type == model.QuestionMCQ {
		return "", fmt.Errorf("question %d: multiple-choice answers are scored without a prompt", item.Question.ID)
	}
	data := gradeData{
		QuestionText: item.Question.Text,
		MaxScore:     strconv.FormatFloat(item.Question.MaxScore, 'f', -1, 64),
	}
	if item.Question.ReferenceAnswer != nil {
		data.ReferenceAnswer = *item.Question.ReferenceAnswer
	}
	var answer string
	if item.Answer.AnswerText != nil {
		answer = *item.Answer.AnswerText
	}
	data.Answer = sanitizeAnswer(answer)

	var buf bytes.Buffer
	if err := gradeTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt for question %d: %w", item.Question.ID, err)
	}
	return buf.String(), nil
}

// sanitizeAnswer strips the prompt's own section tags and caps the length.
func sanitizeAnswer(answer string) string {
	answer = strings.TrimSpace(answerTagRegex.ReplaceAllString(answer, ""))
	if answer == "" {
		return "[No answer provided]"
	}
	if utf8.RuneCountInString(answer) > maxAnswerRunes {
		answer = string([]rune(answer)[:maxAnswerRunes]) + "\n\n[Answer truncated due to length]"
	}
	return answer
}
