package commands

import (
	"fmt"

	"github.com/bigscan/bigscan/pkg/db"
	"github.com/bigscan/bigscan/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	devicesHost string
	devicesJSON bool
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List stored device reports",
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	devicesCmd.Flags().StringVar(&devicesHost, "host", "", "Only show reports for this device")
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "Print the full stored record as JSON lines")
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	reports, err := repo.ListReports(devicesHost)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(reports) == 0 {
		fmt.Println("No device reports found")
		return nil
	}

	if devicesJSON {
		for _, rep := range reports {
			fmt.Println(rep.Payload)
		}
		return nil
	}

	fmt.Printf("%-20s %-28s %-14s %-12s %-14s %-14s %-14s %-20s\n",
		"HOST", "HOSTNAME", "SERIAL", "VERSION", "HA", "QKVIEW", "UCS", "EXTRACTED")
	fmt.Println("------------------------------------------------------------------------------------------------------------------------------------")

	for _, rep := range reports {
		fmt.Printf("%-20s %-28s %-14s %-12s %-14s %-14s %-14s %-20s\n",
			rep.Host, orDash(rep.Hostname), orDash(rep.SerialNumber), orDash(rep.ActiveVersion),
			orDash(rep.HAStatus), orDash(rep.QKViewDownloaded), orDash(rep.UCSDownloaded), rep.ExtractedAt)
	}

	return nil
}
