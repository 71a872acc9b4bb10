package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xraph/rerun/track"
)

var statusBatchID string

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the tracked state of one job",
	Args:  cobra.ExactArgs(1),
	RunE:  showStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusBatchID, "batch", "b", "", "batch id (required)")
	_ = statusCmd.MarkFlagRequired("batch")
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	tr, err := buildTracker(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	rec, err := tr.Status(ctx, statusBatchID, args[0])
	if err != nil {
		if errors.Is(err, track.ErrNotFound) {
			return fmt.Errorf("no record for job %q in batch %q", args[0], statusBatchID)
		}
		return err
	}

	fmt.Printf("batch:    %s\n", rec.BatchID)
	fmt.Printf("job:      %s\n", rec.JobID)
	fmt.Printf("status:   %s\n", rec.Status)
	fmt.Printf("attempt:  %d\n", rec.Attempt)
	if rec.Owner != "" {
		fmt.Printf("owner:    %s\n", rec.Owner)
	}
	if !rec.StartedAt.IsZero() {
		fmt.Printf("started:  %s\n", rec.StartedAt.Format("2006-01-02 15:04:05 MST"))
	}
	if rec.FinishedAt != nil {
		fmt.Printf("finished: %s\n", rec.FinishedAt.Format("2006-01-02 15:04:05 MST"))
	}
	if rec.Error != "" {
		fmt.Printf("error:    %s\n", rec.Error)
	}
	return nil
}
