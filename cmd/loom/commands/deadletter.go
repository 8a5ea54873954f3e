package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/graphloom/loom/ingest"
)

// DeadLetterCmd groups dead letter inspection and reprocessing commands
var DeadLetterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and reprocess dead-lettered jobs",
	Long: `Inspect and reprocess dead-lettered jobs.

Jobs land here after all retries are exhausted or a permanent failure.
Reprocessing creates a fresh job for the same document; the dead letter
is kept and linked to its replacement.

Commands:
  loom deadletter ls                # List dead letters
  loom deadletter show <id>         # Show failure details
  loom deadletter reprocess <id>    # Re-queue the document`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var deadLetterLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		limit, _ := cmd.Flags().GetInt("limit")
		return runDeadLetterLs(configPath, limit)
	},
}

var deadLetterShowCmd = &cobra.Command{
	Use:   "show <dead-letter-id>",
	Short: "Show dead letter details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runDeadLetterShow(configPath, args[0])
	},
}

var deadLetterReprocessCmd = &cobra.Command{
	Use:   "reprocess <dead-letter-id>",
	Short: "Re-queue a dead-lettered document as a fresh job",
	Long: `Re-queue a dead-lettered document as a fresh job.

The new job starts from the beginning of the pipeline with clean attempt
counters. Each dead letter can only be reprocessed once.

Example:
  loom deadletter reprocess 8c3d91f2-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runDeadLetterReprocess(configPath, args[0])
	},
}

func init() {
	deadLetterLsCmd.Flags().Int("limit", 20, "Maximum number of dead letters to show")
	DeadLetterCmd.AddCommand(deadLetterLsCmd)
	DeadLetterCmd.AddCommand(deadLetterShowCmd)
	DeadLetterCmd.AddCommand(deadLetterReprocessCmd)
}

func runDeadLetterLs(configPath string, limit int) error {
	dbConn, err := openDatabase(configPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	letters, err := ingest.NewDeadLetterStore(dbConn).List(limit)
	if err != nil {
		return err
	}
	if len(letters) == 0 {
		fmt.Println("No dead letters")
		return nil
	}

	fmt.Printf("%-38s %-12s %-10s %s\n", "ID", "STAGE", "CAUSE", "SOURCE")
	for _, dl := range letters {
		marker := ""
		if dl.ReprocessedAs != "" {
			marker = " (reprocessed)"
		}
		fmt.Printf("%-38s %-12s %-10s %s%s\n",
			dl.ID, dl.FailedStage, dl.CauseClass, dl.SourceRef, marker)
	}
	return nil
}

func runDeadLetterShow(configPath, id string) error {
	dbConn, err := openDatabase(configPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	dl, err := ingest.NewDeadLetterStore(dbConn).Get(id)
	if err != nil {
		return err
	}

	fmt.Printf("Dead letter %s\n", dl.ID)
	fmt.Printf("  job:      %s\n", dl.JobID)
	fmt.Printf("  source:   %s\n", dl.SourceRef)
	fmt.Printf("  stage:    %s\n", dl.FailedStage)
	fmt.Printf("  cause:    %s\n", dl.CauseClass)
	fmt.Printf("  created:  %s\n", dl.CreatedAt.Format(time.RFC3339))
	if dl.LastError != "" {
		fmt.Printf("  error:    %s\n", dl.LastError)
	}
	if len(dl.AttemptHistory) > 0 {
		fmt.Println("  attempts:")
		for stage, n := range dl.AttemptHistory {
			fmt.Printf("    %-12s %d\n", stage, n)
		}
	}
	if dl.StagedSnapshot != nil {
		fmt.Printf("  staged mutations: %d (none committed)\n", dl.StagedSnapshot.Count())
	}
	if dl.ReprocessedAs != "" {
		fmt.Printf("  reprocessed as: %s\n", dl.ReprocessedAs)
	}
	return nil
}

func runDeadLetterReprocess(configPath, id string) error {
	dbConn, err := openDatabase(configPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	store := ingest.NewDeadLetterStore(dbConn)
	dl, err := store.Get(id)
	if err != nil {
		return err
	}

	// Mark first so a crash cannot produce two replacements for one letter
	job := ingest.NewJob(dl.SourceRef)
	if err := store.MarkReprocessed(dl.ID, job.ID); err != nil {
		return err
	}
	if err := ingest.NewQueue(dbConn).Enqueue(job); err != nil {
		return err
	}

	fmt.Printf("Queued replacement job %s for dead letter %s\n", job.ID, dl.ID)
	return nil
}
