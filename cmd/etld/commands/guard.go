package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashare-data/etld/internal/model"
	"github.com/ashare-data/etld/internal/runlog"
	"github.com/ashare-data/etld/pkg/config"
	"github.com/ashare-data/etld/pkg/database"
)

var (
	reapThresholdMin int
	reapLimit        int
	reapApply        bool

	guardTaskName       string
	guardIdempotencyKey string
	guardRetries        int
	guardRetryDelaySec  int
	guardTimeoutSec     int
)

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Run-log maintenance and idempotent command execution",
}

var guardReapCmd = &cobra.Command{
	Use:   "reap-zombies",
	Short: "Reclaim stale RUNNING run-log rows",
	RunE:  runGuardReap,
}

var guardRunCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Run a command with retry, timeout, and idempotency-key skip protection",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runGuardRun,
}

func init() {
	rootCmd.AddCommand(guardCmd)
	guardCmd.AddCommand(guardReapCmd)
	guardCmd.AddCommand(guardRunCmd)

	guardReapCmd.Flags().IntVar(&reapThresholdMin, "threshold-minutes", int(runlog.DefaultZombieThreshold.Minutes()), "age in minutes past which a RUNNING row is considered a zombie")
	guardReapCmd.Flags().IntVar(&reapLimit, "limit", 0, "cap the number of rows reclaimed in one pass; 0 means no cap")
	guardReapCmd.Flags().BoolVar(&reapApply, "apply", false, "apply the reclaim; default is dry-run report only")

	guardRunCmd.Flags().StringVar(&guardTaskName, "task-name", "", "logical task name, e.g. ods_incremental (required)")
	guardRunCmd.Flags().StringVar(&guardIdempotencyKey, "idempotency-key", "", "idempotency key, typically task+date (required)")
	guardRunCmd.Flags().IntVar(&guardRetries, "retries", 2, "retries after the first failed attempt")
	guardRunCmd.Flags().IntVar(&guardRetryDelaySec, "retry-delay", 120, "seconds to wait between retries")
	guardRunCmd.Flags().IntVar(&guardTimeoutSec, "timeout", 3600, "per-attempt timeout in seconds")
	_ = guardRunCmd.MarkFlagRequired("task-name")
	_ = guardRunCmd.MarkFlagRequired("idempotency-key")
}

func runGuardReap(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := database.New(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	threshold := time.Duration(reapThresholdMin) * time.Minute
	report, err := runlog.ReapZombies(context.Background(), db.Pool, threshold, reapLimit, reapApply)
	if err != nil {
		return err
	}

	fmt.Printf("threshold=%dm applied=%v rows_updated=%d\n", report.ThresholdMinutes, report.Applied, report.RowsUpdated)
	for api, n := range report.StaleByAPI {
		fmt.Printf("  %-20s %d stale\n", api, n)
	}
	return nil
}

// runGuardRun re-implements stability_guard.py's retry/timeout/idempotency
// wrapper: a SUCCESS row for (task-name, idempotency-key) short-circuits
// the run entirely; otherwise it retries the wrapped command up to
// --retries times, recording each attempt's terminal status.
func runGuardRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := database.New(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	guard := runlog.New(db.Pool, nil)
	ctx := context.Background()

	satisfied, err := guard.AlreadySatisfied(ctx, guardTaskName, guardIdempotencyKey)
	if err != nil {
		return err
	}
	if satisfied {
		fmt.Printf("[SKIP] task=%s key=%s already succeeded, idempotency guard hit\n", guardTaskName, guardIdempotencyKey)
		return nil
	}

	commandArgs := args
	if len(commandArgs) > 0 && commandArgs[0] == "--" {
		commandArgs = commandArgs[1:]
	}

	timeout := time.Duration(guardTimeoutSec) * time.Second
	var lastErr error
	for attempt := 0; attempt <= guardRetries; attempt++ {
		if err := guard.UpsertGuard(ctx, guardTaskName, guardIdempotencyKey, model.StatusRunning, attempt, guardTimeoutSec, ""); err != nil {
			return err
		}

		out, runErr := runUnderTimeout(commandArgs, timeout)
		if runErr == nil {
			if err := guard.UpsertGuard(ctx, guardTaskName, guardIdempotencyKey, model.StatusSuccess, attempt, guardTimeoutSec, ""); err != nil {
				return err
			}
			fmt.Printf("[OK] task=%s succeeded on attempt %d\n", guardTaskName, attempt+1)
			return nil
		}

		lastErr = runErr
		errMsg := fmt.Sprintf("%v; output_tail=%s", runErr, tailString(out, 1000))
		if err := guard.UpsertGuard(ctx, guardTaskName, guardIdempotencyKey, model.StatusFailed, attempt, guardTimeoutSec, errMsg); err != nil {
			return err
		}
		fmt.Printf("[WARN] task=%s attempt=%d failed: %v\n", guardTaskName, attempt+1, runErr)

		if attempt < guardRetries {
			time.Sleep(time.Duration(guardRetryDelaySec) * time.Second)
		}
	}

	wrapped := fmt.Errorf("task %s exhausted retries: %w", guardTaskName, lastErr)
	var exitErr *exec.ExitError
	if errors.As(lastErr, &exitErr) {
		return &SubprocessExitError{Err: wrapped, Code: exitErr.ExitCode()}
	}
	return wrapped
}

func runUnderTimeout(args []string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c := exec.CommandContext(ctx, args[0], args[1:]...)
	var buf bytes.Buffer
	c.Stdout = &buf
	c.Stderr = &buf
	err := c.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return buf.Bytes(), fmt.Errorf("timed out after %s", timeout)
	}
	return buf.Bytes(), err
}

func tailString(b []byte, n int) string {
	s := string(b)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
