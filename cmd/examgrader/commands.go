package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/pavelanni/examgrader/internal/grading"
	appI18n "github.com/pavelanni/examgrader/internal/i18n"
	"github.com/pavelanni/examgrader/internal/model"
	"github.com/pavelanni/examgrader/internal/store"
)

func importCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import FILE...",
		Short: "Import exams from JSON files",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runImport,
	}
	cmd.Flags().String("db", "examgrader.db", "SQLite database path")
	addLogFlags(cmd)
	return cmd
}

func regradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regrade",
		Short: "Grade every submission that is still pending",
		RunE:  runRegrade,
	}
	cmd.Flags().String("db", "examgrader.db", "SQLite database path")
	addGraderFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the submissions of an exam as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "examgrader.db", "SQLite database path")
	f.Int64("exam-id", 0, "Exam ID to export (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("exam-id")

	return cmd
}

func resultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Print a results table for an exam",
		RunE:  runResults,
	}
	f := cmd.Flags()
	f.String("db", "examgrader.db", "SQLite database path")
	f.Int64("exam-id", 0, "Exam ID (required)")
	f.StringP("lang", "l", "en", "Language for the summary line (en, ru)")
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("exam-id")

	return cmd
}

func runImport(cmd *cobra.Command, args []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	return importExams(cmd.Context(), db, args)
}

// importExams loads exam files into the store. A file is imported once;
// a changed file is skipped so existing submissions keep their questions.
func importExams(ctx context.Context, db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.ImportedFileHash(ctx, path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash {
			slog.Info("exam file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("exam file changed since last import, skipping to avoid breaking existing submissions",
				"path", path)
			continue
		}

		var imports []model.ExamImport
		if err := json.Unmarshal(data, &imports); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		for i, ei := range imports {
			exam, err := ei.ToExam()
			if err != nil {
				return fmt.Errorf("%s: exam %d: %w", path, i+1, err)
			}
			id, err := db.CreateExam(ctx, exam)
			if err != nil {
				return fmt.Errorf("%s: create exam %q: %w", path, exam.Title, err)
			}
			slog.Info("imported exam", "path", path, "exam_id", id, "title", exam.Title,
				"questions", len(exam.Questions))
		}

		if err := db.SetImportedFileHash(ctx, path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func runRegrade(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx := cmd.Context()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	grader, err := newGrader(v, db)
	if err != nil {
		return fmt.Errorf("create grader: %w", err)
	}

	ids, err := db.ListPendingSubmissionIDs(ctx)
	if err != nil {
		return fmt.Errorf("list pending submissions: %w", err)
	}
	var failed int
	for _, id := range ids {
		details, err := grader.Grade(ctx, id)
		if err != nil {
			failed++
			slog.Error("grading failed", "submission_id", id, "error", err)
			if errors.Is(err, grading.ErrNotImplemented) {
				break
			}
			continue
		}
		slog.Info("submission graded", "submission_id", id, "score", details.Score, "max_score", details.MaxScore)
	}
	slog.Info("regrade finished", "pending", len(ids), "failed", failed, "grader", grader.Info().Name)
	if failed > 0 {
		return fmt.Errorf("%d of %d submissions could not be graded", failed, len(ids))
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx := cmd.Context()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportExam(ctx, v.GetInt64("exam-id"))
	if err != nil {
		return fmt.Errorf("export exam: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	return nil
}

func runResults(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx := cmd.Context()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx = appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(lang))

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportExam(ctx, v.GetInt64("exam-id"))
	if err != nil {
		return fmt.Errorf("load results: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s)\n", export.Title, export.Course)
	renderResults(out, export.Results)

	pending := 0
	for _, r := range export.Results {
		if r.Status == model.StatusPending {
			pending++
		}
	}
	fmt.Fprintln(out, appI18n.Tp(ctx, "SubmissionsCount", len(export.Results)))
	if pending > 0 {
		fmt.Fprintln(out, color.YellowString(appI18n.Tp(ctx, "PendingCount", pending)))
	}
	return nil
}

func renderResults(w io.Writer, results []model.StudentResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Submission", "Student", "Status", "Score", "Max", "Submitted", "Graded"})
	for _, r := range results {
		score, maxScore, graded := "-", "-", "-"
		if r.Score != nil {
			score = strconv.FormatFloat(*r.Score, 'f', 2, 64)
		}
		if r.GradingDetails != nil {
			maxScore = strconv.FormatFloat(r.GradingDetails.MaxScore, 'f', 2, 64)
		}
		if r.GradedAt != nil {
			graded = r.GradedAt.Local().Format(time.DateTime)
		}
		table.Append([]string{
			strconv.FormatInt(r.SubmissionID, 10),
			strconv.FormatInt(r.StudentID, 10),
			statusColor(r.Status),
			score,
			maxScore,
			r.SubmittedAt.Local().Format(time.DateTime),
			graded,
		})
	}
	table.Render()
}

func statusColor(s model.SubmissionStatus) string {
	switch s {
	case model.StatusGraded:
		return color.GreenString(string(s))
	case model.StatusPending:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}
