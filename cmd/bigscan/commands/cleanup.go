package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bigscan/bigscan/pkg/artifact"
	"github.com/bigscan/bigscan/pkg/db"
	"github.com/bigscan/bigscan/pkg/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	cleanupLocal     bool
	cleanupOlderThan time.Duration
	cleanupRuns      bool
	cleanupOrphaned  bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up local artifacts and run history",
	Long: `Clean up local resources left by previous scans:
  --local [--older-than 720h]  Delete downloaded artifacts and mark their runs cleaned
  --runs                       Delete failed run records
  --orphaned                   Delete partial downloads (*.part) left by interrupted scans`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupLocal, "local", false, "Delete downloaded artifacts")
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "Only artifacts from runs older than this")
	cleanupCmd.Flags().BoolVar(&cleanupRuns, "runs", false, "Delete failed run records")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Delete partial downloads")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	if !cleanupLocal && !cleanupRuns && !cleanupOrphaned {
		return fmt.Errorf("must specify --local, --runs, or --orphaned")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cleanupOrphaned {
		if err := cleanupPartials(cfg.OutputDir); err != nil {
			return err
		}
	}

	if !cleanupLocal && !cleanupRuns {
		return nil
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	if cleanupLocal {
		if err := cleanupArtifacts(repo, time.Now().Add(-cleanupOlderThan)); err != nil {
			return err
		}
	}

	if cleanupRuns {
		n, err := repo.DeleteFailedRuns()
		if err != nil {
			return errors.Wrap(err, "failed to delete failed runs")
		}
		fmt.Printf("✓ Deleted %d failed run record(s)\n", n)
	}

	return nil
}

// cleanupArtifacts removes the local file of every finished run created
// before cutoff and marks the run cleaned.
func cleanupArtifacts(repo *db.Repository, cutoff time.Time) error {
	runs, err := repo.ListRuns("")
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	var removed int
	var freed int64
	for _, run := range runs {
		if run.LocalPath == "" || (run.Status != db.StatusComplete && run.Status != db.StatusDownloaded) {
			continue
		}
		if created, ok := parseTimestamp(run.CreatedAt); ok && created.After(cutoff) {
			continue
		}

		info, err := os.Stat(run.LocalPath)
		switch {
		case err == nil:
			if err := os.Remove(run.LocalPath); err != nil {
				fmt.Printf("⚠ Failed to remove %s: %v\n", run.LocalPath, err)
				continue
			}
			freed += info.Size()
			removed++
			fmt.Printf("✓ Removed %s\n", run.LocalPath)
		case os.IsNotExist(err):
			// Already gone; still mark the run.
		default:
			fmt.Printf("⚠ Cannot stat %s: %v\n", run.LocalPath, err)
			continue
		}

		if err := repo.UpdateRunStatus(run.ID, db.StatusCleaned, ""); err != nil {
			return errors.Wrap(err, "failed to update database")
		}
	}

	fmt.Printf("✓ Removed %d artifact(s), freed %s\n", removed, humanize.IBytes(uint64(freed)))
	return nil
}

// cleanupPartials removes *.part files under each artifact directory.
func cleanupPartials(outputDir string) error {
	fmt.Println("Scanning for partial downloads...")

	count := 0
	for _, desc := range []artifact.Descriptor{artifact.Snapshot(), artifact.Backup()} {
		dir := filepath.Join(outputDir, desc.LocalDir)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrap(err, "failed to read "+dir)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".part") {
				continue
			}
			p := filepath.Join(dir, entry.Name())
			if err := os.Remove(p); err != nil {
				fmt.Printf("⚠ Failed to remove partial download %s: %v\n", p, err)
				continue
			}
			fmt.Printf("✓ Removed partial download: %s\n", p)
			count++
		}
	}

	fmt.Printf("✓ Removed %d partial download(s)\n", count)
	return nil
}

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05Z"}

// parseTimestamp reads a SQLite timestamp, which is stored in UTC.
func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
