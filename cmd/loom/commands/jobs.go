package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/graphloom/loom/ingest"
)

// JobsCmd groups job inspection commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect ingestion jobs",
	Long: `Inspect ingestion jobs.

Job management commands:
  loom jobs ls              # List jobs
  loom jobs status <id>     # Show job details

Status filters:
  queued      - Waiting for a worker
  running     - In a pipeline stage
  retrying    - Backing off before another attempt
  succeeded   - Committed to the graph
  dead_letter - Failed permanently; see 'loom deadletter'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List ingestion jobs",
	Long: `List ingestion jobs, optionally filtered by status.

Examples:
  loom jobs ls                     # List recent jobs
  loom jobs ls --status running    # Only in-flight jobs
  loom jobs ls --limit 100         # Show up to 100 jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		statusFilter, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobsLs(configPath, statusFilter, limit)
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show status of an ingestion job",
	Long: `Display detailed status for an ingestion job: current stage and
status, per-stage attempt counts, progress, and the last failure if any.

Example:
  loom jobs status 2f1c8a04-...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runJobsStatus(configPath, args[0])
	},
}

func init() {
	jobsLsCmd.Flags().String("status", "", "Filter by status")
	jobsLsCmd.Flags().Int("limit", 20, "Maximum number of jobs to show")
	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
}

func runJobsLs(configPath, statusFilter string, limit int) error {
	dbConn, err := openDatabase(configPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	var status *ingest.Status
	if statusFilter != "" {
		if !ingest.IsValidStatus(statusFilter) {
			return fmt.Errorf("unknown status %q", statusFilter)
		}
		st := ingest.Status(statusFilter)
		status = &st
	}

	jobs, err := ingest.NewStore(dbConn).List(status, limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-38s %-12s %-12s %8s  %s\n", "ID", "STATUS", "STAGE", "PROGRESS", "SOURCE")
	for _, job := range jobs {
		fmt.Printf("%-38s %-12s %-12s %7.0f%%  %s\n",
			job.ID, job.Status, job.Stage, job.ProgressPercent, job.SourceRef)
	}
	return nil
}

func runJobsStatus(configPath, jobID string) error {
	dbConn, err := openDatabase(configPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	job, err := ingest.NewStore(dbConn).Get(jobID)
	if err != nil {
		return err
	}

	fmt.Printf("Job %s\n", job.ID)
	fmt.Printf("  source:   %s\n", job.SourceRef)
	fmt.Printf("  status:   %s\n", job.Status)
	fmt.Printf("  stage:    %s\n", job.Stage)
	fmt.Printf("  progress: %.0f%%\n", job.ProgressPercent)
	fmt.Printf("  created:  %s\n", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("  started:  %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("  completed: %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if len(job.Attempts) > 0 {
		fmt.Println("  attempts:")
		for stage, n := range job.Attempts {
			fmt.Printf("    %-12s %d\n", stage, n)
		}
	}
	if job.LastError != nil {
		fmt.Printf("  last error (%s, %s): %s\n",
			job.LastError.Class, job.LastError.Stage, job.LastError.Message)
	}
	return nil
}
