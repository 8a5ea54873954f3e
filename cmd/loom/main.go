package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/graphloom/loom/cmd/loom/commands"
	"github.com/graphloom/loom/logger"
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - document ingestion pipeline for knowledge graphs",
	Long: `Loom ingests documents through an extraction, normalization, and
commit pipeline and maintains the resulting knowledge graph.

Available commands:
  serve      - Start the ingestion server (workers, monitor, recovery, API)
  submit     - Queue a document for ingestion
  jobs       - Inspect ingestion jobs
  deadletter - Inspect and reprocess dead-lettered jobs

Examples:
  loom serve                       # Start the pipeline and HTTP API
  loom submit doc://manual.pdf     # Queue a document
  loom jobs ls --status running    # List in-flight jobs
  loom deadletter ls               # List failed jobs`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs instead of console output")
	rootCmd.PersistentFlags().String("config", "", "Path to loom.toml (default: search ./ and ~/.loom)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.SubmitCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.DeadLetterCmd)
}

func main() {
	defer logger.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
