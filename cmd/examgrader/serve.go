package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/examgrader/internal/cache"
	"github.com/pavelanni/examgrader/internal/dispatch"
	"github.com/pavelanni/examgrader/internal/grading"
	"github.com/pavelanni/examgrader/internal/handler"
	appI18n "github.com/pavelanni/examgrader/internal/i18n"
	"github.com/pavelanni/examgrader/internal/intake"
	"github.com/pavelanni/examgrader/internal/llm"
	"github.com/pavelanni/examgrader/internal/store"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP submission server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "examgrader.db", "SQLite database path")
	f.StringSliceP("exams", "e", nil, "Paths to exam JSON files to import at startup (repeatable)")
	addGraderFlags(cmd)
	f.String("grading-mode", "dispatch", "Grading mode (dispatch, inline)")
	f.IntP("workers", "w", 4, "Number of background grading workers")
	f.Int("queue-size", 256, "Capacity of the grading queue")
	f.Bool("requeue-pending", true, "Queue submissions left pending by a previous run")
	f.Duration("requeue-interval", time.Minute, "How often pending submissions are queued again (0 disables)")
	f.Duration("request-timeout", 30*time.Second, "Per-request timeout (0 disables)")
	f.String("redis-addr", "", "Redis address for the result cache (empty disables caching)")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database number")
	f.Duration("cache-ttl", cache.DefaultTTL, "Lifetime of cached graded results")
	f.StringP("lang", "l", "en", "Default language for messages (en, ru)")
	addLogFlags(cmd)
	return cmd
}

func addGraderFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("grader", "g", "mock", "Grader backend (mock, llm)")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
}

// newGrader selects the grader backend named in the configuration.
func newGrader(v *viper.Viper, db *store.Store) (grading.Grader, error) {
	registry := grading.NewRegistry()
	registry.Register("mock", func() (grading.Grader, error) {
		return grading.NewMockGrader(db), nil
	})
	registry.Register("llm", func() (grading.Grader, error) {
		client := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Ping(ctx); err != nil {
			slog.Warn("LLM health check failed", "url", v.GetString("llm-url"), "error", err)
		}
		return llm.NewGrader(client, db), nil
	})
	return registry.New(v.GetString("grader"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := importExams(ctx, db, v.GetStringSlice("exams")); err != nil {
		return fmt.Errorf("import exams: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	grader, err := newGrader(v, db)
	if err != nil {
		return fmt.Errorf("create grader: %w", err)
	}

	var resultCache intake.ResultCache
	if addr := v.GetString("redis-addr"); addr != "" {
		rc, client, err := cache.Dial(ctx, addr, v.GetString("redis-password"), v.GetInt("redis-db"), v.GetDuration("cache-ttl"))
		if err != nil {
			return fmt.Errorf("connect result cache: %w", err)
		}
		defer client.Close()
		resultCache = rc
		slog.Info("result cache enabled", "addr", addr, "ttl", v.GetDuration("cache-ttl"))
	}

	mode := v.GetString("grading-mode")
	var dispatcher intake.Dispatcher
	switch mode {
	case "inline":
	case "dispatch":
		pool := dispatch.New(ctx, grader, v.GetInt("workers"), v.GetInt("queue-size"))
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := pool.Close(shutdownCtx); err != nil {
				slog.Error("grading pool shutdown", "error", err)
			}
		}()
		dispatcher = pool
		if v.GetBool("requeue-pending") {
			if err := requeuePending(ctx, db, pool); err != nil {
				return fmt.Errorf("requeue pending submissions: %w", err)
			}
		}
		if interval := v.GetDuration("requeue-interval"); interval > 0 {
			go requeueLoop(ctx, db, pool, interval)
		}
	default:
		return fmt.Errorf("unknown grading mode %q (want dispatch or inline)", mode)
	}

	svc := intake.New(db, grader, dispatcher, resultCache)
	router := handler.NewRouter(handler.New(svc, mode == "inline"), lang, v.GetDuration("request-timeout"))

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	slog.Info("starting server",
		"addr", addr,
		"db", v.GetString("db"),
		"grader", grader.Info().Name,
		"grader_version", grader.Info().Version,
		"grading_mode", mode,
		"workers", v.GetInt("workers"),
		"lang", lang,
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// requeuePending hands every pending submission to the dispatcher.
// IDs the pool already holds are ignored by it.
func requeuePending(ctx context.Context, db *store.Store, d intake.Dispatcher) error {
	ids, err := db.ListPendingSubmissionIDs(ctx)
	if err != nil {
		return err
	}
	queued := 0
	for _, id := range ids {
		if err := d.Dispatch(id); err != nil {
			slog.Warn("could not requeue submission", "submission_id", id, "error", err)
			continue
		}
		queued++
	}
	if len(ids) > 0 {
		slog.Info("requeued pending submissions", "queued", queued, "pending", len(ids))
	}
	return nil
}

// requeueLoop runs requeuePending every interval until ctx is done, so
// submissions dropped by a full queue or a failed grading pass are retried.
func requeueLoop(ctx context.Context, db *store.Store, d intake.Dispatcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := requeuePending(ctx, db, d); err != nil && ctx.Err() == nil {
				slog.Error("requeue pending submissions", "error", err)
			}
		}
	}
}
