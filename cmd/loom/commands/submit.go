package commands

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/graphloom/loom/db"
	"github.com/graphloom/loom/ingest"
	"github.com/graphloom/loom/logger"
)

// SubmitCmd queues a document for ingestion
var SubmitCmd = &cobra.Command{
	Use:   "submit <source-ref>",
	Short: "Queue a document for ingestion",
	Long: `Queue a document for ingestion. The job is picked up by a running
server ('loom serve'); submitting does not process it in-place.

Examples:
  loom submit doc://manuals/pump-overhaul.pdf
  loom submit https://example.com/spec.html`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runSubmit(configPath, args[0])
	},
}

func runSubmit(configPath, sourceRef string) error {
	dbConn, err := openDatabase(configPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	job := ingest.NewJob(sourceRef)
	if err := ingest.NewQueue(dbConn).Enqueue(job); err != nil {
		return err
	}

	fmt.Printf("Queued job %s\n", job.ID)
	fmt.Printf("  source: %s\n", sourceRef)
	return nil
}

// openDatabase opens the pipeline database named by the configuration,
// applying any pending migrations.
func openDatabase(configPath string) (*sql.DB, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	log := logger.Named("loom")
	dbConn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(dbConn, log); err != nil {
		dbConn.Close()
		return nil, err
	}
	return dbConn, nil
}
