package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xraph/rerun"
	"github.com/xraph/rerun/executor"
	"github.com/xraph/rerun/job"
	"github.com/xraph/rerun/middleware"
)

var (
	runBatchID  string
	runJobsFile string
)

var runCmd = &cobra.Command{
	Use:   "run [job-id...]",
	Short: "Run a batch of jobs, skipping ones already completed",
	Long: `Run executes the configured command once per job id. Job ids come from
arguments or, with --jobs-file, one per line from a file. Completed jobs
recorded under the same batch id are skipped.`,
	RunE: runBatch,
}

func init() {
	runCmd.Flags().StringVarP(&runBatchID, "batch", "b", "", "batch id (required)")
	runCmd.Flags().StringVar(&runJobsFile, "jobs-file", "", "file with one job id per line")
	_ = runCmd.MarkFlagRequired("batch")
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Command == "" {
		return fmt.Errorf("config has no command template")
	}

	jobIDs, err := collectJobIDs(args)
	if err != nil {
		return err
	}
	batch, err := job.NewBatchFromIDs(runBatchID, jobIDs)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	tr, err := buildTracker(ctx, cfg)
	if err != nil {
		return err
	}

	runner, err := rerun.New(
		rerun.WithTracker(tr),
		rerun.WithExecutor(buildExecutor(cfg, logger)),
		rerun.WithConfig(cfg.Runner),
		rerun.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := runner.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logger.Error("close runner", slog.String("error", closeErr.Error()))
		}
	}()

	report, runErr := runner.RunBatchWithRetries(ctx, batch, commandJobFunc(cfg.Command))
	if report != nil {
		fmt.Println(report.Summary())
	}
	if runErr != nil {
		return runErr
	}
	if report.HasFailures() && !cfg.AlwaysExitZero {
		return fmt.Errorf("%d job(s) failed", len(report.Failed))
	}
	return nil
}

// buildExecutor picks serial or parallel execution from the config and
// wires the standard middleware chain.
func buildExecutor(cfg *cliConfig, logger *slog.Logger) executor.Executor {
	opts := []executor.Option{
		executor.WithLogger(logger),
		executor.WithMiddleware(
			middleware.Recover(logger),
			middleware.Tracing(),
			middleware.Metrics(),
			middleware.Logging(logger),
			middleware.Timeout(cfg.Runner.JobTimeout),
		),
	}
	if cfg.Runner.StopOnFirstFailure {
		opts = append(opts, executor.WithStopOnFirstFailure())
	}

	if cfg.Runner.Concurrency <= 1 {
		return executor.NewSerial(opts...)
	}
	opts = append(opts, executor.WithConcurrency(cfg.Runner.Concurrency))
	return executor.NewParallel(opts...)
}

// collectJobIDs merges ids from the --jobs-file and positional args,
// preserving order.
func collectJobIDs(args []string) ([]string, error) {
	var ids []string

	if runJobsFile != "" {
		f, err := os.Open(runJobsFile)
		if err != nil {
			return nil, fmt.Errorf("open jobs file: %w", err)
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			ids = append(ids, line)
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read jobs file: %w", err)
		}
	}

	ids = append(ids, args...)
	if len(ids) == 0 {
		return nil, fmt.Errorf("no job ids given; pass arguments or --jobs-file")
	}
	return ids, nil
}

// commandJobFunc runs the command template through the shell, with
// {job} replaced by the job id.
func commandJobFunc(template string) executor.JobFunc {
	return func(ctx context.Context, j job.Job) error {
		cmdLine := strings.ReplaceAll(template, "{job}", j.ID)

		cmd := exec.CommandContext(ctx, "sh", "-c", cmdLine)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), "RERUN_JOB_ID="+j.ID)

		if err := cmd.Run(); err != nil {
			return fmt.Errorf("command for job %s: %w", j.ID, err)
		}
		return nil
	}
}
