package intake

import (
	"errors"
	"fmt"
)

// Validation failures, checked in this order by Submit.
var (
	ErrExamNotFound        = errors.New("exam does not exist")
	ErrExamNotYetAvailable = errors.New("exam not yet available")
	ErrExamEnded           = errors.New("exam has ended")
	ErrDuplicateSubmission = errors.New("exam already submitted")
	ErrInvalidQuestions    = errors.New("one or more questions invalid for this exam")
	ErrInvalidChoice       = errors.New("invalid choice")
)

// ErrSubmissionNotFound is returned by Result when the student has not submitted the exam.
var ErrSubmissionNotFound = errors.New("submission not found")

// ValidationError is a rejected submission. It wraps one of the validation
// sentinels and names the message to show the student.
type ValidationError struct {
	Err       error
	MessageID string
	Data      map[string]any
	detail    string
}

func (e *ValidationError) Error() string {
	if e.detail != "" {
		return e.detail
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error, messageID string) *ValidationError {
	return &ValidationError{Err: err, MessageID: messageID}
}

func invalidChoice(choiceID, questionID int64) *ValidationError {
	return &ValidationError{
		Err:       ErrInvalidChoice,
		MessageID: "InvalidChoice",
		Data:      map[string]any{"ChoiceID": choiceID, "QuestionID": questionID},
		detail:    fmt.Sprintf("choice %d not valid for question %d", choiceID, questionID),
	}
}
