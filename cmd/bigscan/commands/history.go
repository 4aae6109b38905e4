package commands

import (
	"fmt"

	"github.com/bigscan/bigscan/pkg/db"
	"github.com/bigscan/bigscan/pkg/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var historyHost string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List artifact runs and their status",
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyHost, "host", "", "Only show runs for this device")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	runs, err := repo.ListRuns(historyHost)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	fmt.Printf("%-10s %-20s %-7s %-11s %-10s %-16s %-20s\n", "RUN", "HOST", "KIND", "STATUS", "SIZE", "STRATEGY", "CREATED")
	fmt.Println("------------------------------------------------------------------------------------------------------")

	for _, run := range runs {
		size := "-"
		if run.Bytes > 0 {
			size = humanize.IBytes(uint64(run.Bytes))
		}
		fmt.Printf("%-10s %-20s %-7s %-11s %-10s %-16s %-20s\n",
			shortID(run.ID), run.Host, run.Kind, run.Status, size, orDash(run.Strategy), run.CreatedAt)
		if run.ErrorMessage != "" {
			fmt.Printf("           error: %s\n", run.ErrorMessage)
		}
	}

	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
