package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/examgrader/internal/grading"
	"github.com/pavelanni/examgrader/internal/store"
)

var (
	// ErrQueueFull is returned when the queue has no room for another submission.
	ErrQueueFull = errors.New("grading queue is full")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("grading pool is closed")
)

// Pool grades submissions on a fixed set of worker goroutines.
// A submission ID that is queued or being graded is not queued again.
type Pool struct {
	grader grading.Grader
	queue  chan int64
	ctx    context.Context
	group  errgroup.Group

	mu      sync.Mutex
	closed  bool
	pending map[int64]struct{}
}

// New starts workers goroutines reading from a queue of queueSize entries.
// Grading runs on a context detached from ctx's cancellation.
func New(ctx context.Context, grader grading.Grader, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &Pool{
		grader:  grader,
		queue:   make(chan int64, queueSize),
		ctx:     context.WithoutCancel(ctx),
		pending: make(map[int64]struct{}),
	}
	for range workers {
		p.group.Go(p.work)
	}
	slog.Info("grading pool started", "workers", workers, "queue_size", queueSize,
		"grader", grader.Info().Name)
	return p
}

// Dispatch queues a submission for grading without blocking.
func (p *Pool) Dispatch(submissionID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.pending[submissionID]; ok {
		slog.Debug("submission already queued", "submission_id", submissionID)
		return nil
	}
	select {
	case p.queue <- submissionID:
		p.pending[submissionID] = struct{}{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting submissions and waits for the queue to drain.
// It returns the panics recovered by the first worker that had any.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("drain grading queue: %w", ctx.Err())
	}
}

// work grades until the queue is closed. A panicking submission does not
// stop the worker; its panic is reported through the group.
func (p *Pool) work() error {
	var panics []error
	for id := range p.queue {
		if err := p.grade(id); err != nil {
			panics = append(panics, err)
		}
	}
	return errors.Join(panics...)
}

// grade returns an error only when the grader panicked. Grading failures
// are logged and leave the submission pending.
func (p *Pool) grade(id int64) (panicErr error) {
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("grading panicked", "submission_id", id, "panic", r)
			panicErr = fmt.Errorf("grading submission %d panicked: %v", id, r)
		}
	}()

	start := time.Now()
	details, err := p.grader.Grade(p.ctx, id)
	if errors.Is(err, store.ErrAlreadyGraded) {
		slog.Debug("submission already graded", "submission_id", id)
		return nil
	}
	if err != nil {
		slog.Error("grading failed", "submission_id", id, "error", err)
		return nil
	}
	slog.Info("submission graded", "submission_id", id,
		"score", details.Score, "max_score", details.MaxScore,
		"duration", time.Since(start))
	return nil
}
