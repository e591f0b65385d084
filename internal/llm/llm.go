package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/examgrader/internal/grading"
	"github.com/pavelanni/examgrader/internal/model"
)

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new LLM client.
func New(baseURL, apiKey, modelName string) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Ping checks that the endpoint answers and serves the configured model.
func (c *Client) Ping(ctx context.Context) error {
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	if c.model == "" {
		return nil
	}
	for _, m := range list.Models {
		if m.ID == c.model {
			return nil
		}
	}
	return fmt.Errorf("model %q not served by endpoint", c.model)
}

// Grader is the model-assisted grading backend. It is an extension point:
// Grade renders a prompt for every free-text answer inside the grading
// transaction, then reports grading.ErrNotImplemented so nothing is stored.
type Grader struct {
	client *Client
	store  grading.SubmissionStore
	now    func() time.Time
}

func NewGrader(client *Client, store grading.SubmissionStore) *Grader {
	return &Grader{client: client, store: store, now: time.Now}
}

func (g *Grader) Info() model.GraderInfo {
	return model.GraderInfo{Name: "llm", Version: "0.1"}
}

func (g *Grader) Grade(ctx context.Context, submissionID int64) (*model.GradingDetails, error) {
	_, err := g.store.GradeSubmission(ctx, submissionID, g.now(), func(items []model.GradingItem) (model.GradeSheet, error) {
		prompts := 0
		for _, it := range items {
			if it.Question.Type == model.QuestionMCQ {
				continue
			}
			prompt, err := BuildGradePrompt(it)
			if err != nil {
				return model.GradeSheet{}, err
			}
			prompts++
			slog.Debug("built grading prompt", "submission_id", submissionID,
				"question_id", it.Question.ID, "chars", len(prompt))
		}
		return model.GradeSheet{}, fmt.Errorf("%d prompts for model %q: %w",
			prompts, g.client.Model(), grading.ErrNotImplemented)
	})
	return nil, fmt.Errorf("llm grader, submission %d: %w", submissionID, err)
}
