package grading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pavelanni/examgrader/internal/model"
)

// ErrNotImplemented is returned by grader backends that exist only as extension points.
var ErrNotImplemented = errors.New("grader not implemented")

// ErrUnknownGrader is returned by Registry.New for an unregistered backend name.
var ErrUnknownGrader = errors.New("unknown grader")

// Grader grades one submission and returns the persisted grading details.
type Grader interface {
	Info() model.GraderInfo
	Grade(ctx context.Context, submissionID int64) (*model.GradingDetails, error)
}

// SubmissionStore runs a scoring function inside the grading transaction.
type SubmissionStore interface {
	GradeSubmission(ctx context.Context, id int64, gradedAt time.Time,
		fn func([]model.GradingItem) (model.GradeSheet, error)) (*model.GradingDetails, error)
}

// MockGrader is the deterministic grader: exact choice matching for MCQ and
// term-frequency cosine similarity for free text.
type MockGrader struct {
	store SubmissionStore
	now   func() time.Time
}

// NewMockGrader creates the deterministic grader backed by store.
func NewMockGrader(store SubmissionStore) *MockGrader {
	return &MockGrader{store: store, now: time.Now}
}

func (g *MockGrader) Info() model.GraderInfo {
	return model.GraderInfo{Name: "mock", Version: "1.0"}
}

func (g *MockGrader) Grade(ctx context.Context, submissionID int64) (*model.GradingDetails, error) {
	details, err := g.store.GradeSubmission(ctx, submissionID, g.now(), func(items []model.GradingItem) (model.GradeSheet, error) {
		return Score(items, g.Info())
	})
	if err != nil {
		return nil, fmt.Errorf("grade submission %d: %w", submissionID, err)
	}
	return details, nil
}

// Factory builds a grader backend.
type Factory func() (Grader, error)

// Registry maps backend names to their factories.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

// New builds the grader registered under name.
func (r *Registry) New(name string) (Grader, error) {
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownGrader, name, r.Names())
	}
	return f()
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
