package commands

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/bigscan/bigscan/internal/config"
	"github.com/bigscan/bigscan/pkg/errors"
	"github.com/bigscan/bigscan/pkg/storage"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	archivePrefix string
	archiveDest   string
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect and retrieve artifacts archived in S3",
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived artifacts",
	Args:  cobra.NoArgs,
	RunE:  runArchiveList,
}

var archiveGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Download an archived artifact and verify its checksum",
	Args:  cobra.ExactArgs(1),
	RunE:  runArchiveGet,
}

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveListCmd, archiveGetCmd)
	archiveListCmd.Flags().StringVar(&archivePrefix, "prefix", "", "Key prefix to list (defaults to s3-prefix)")
	archiveGetCmd.Flags().StringVar(&archiveDest, "dest", ".", "Directory to download into")
}

func archiveClient(ctx context.Context) (*config.Config, *storage.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.S3Bucket == "" {
		return nil, nil, fmt.Errorf("s3-bucket must be set")
	}
	client, err := storage.NewClient(ctx, storage.Options{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Prefix:   cfg.S3Prefix,
		Endpoint: cfg.S3Endpoint,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "S3 client failed")
	}
	return cfg, client, nil
}

func runArchiveList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, client, err := archiveClient(ctx)
	if err != nil {
		return err
	}

	prefix := archivePrefix
	if prefix == "" {
		prefix = cfg.S3Prefix
	}
	objects, err := client.ListObjects(ctx, prefix)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(objects) == 0 {
		fmt.Println("No archived artifacts found")
		return nil
	}

	fmt.Printf("%-80s %-10s\n", "KEY", "SIZE")
	fmt.Println("------------------------------------------------------------------------------------------")
	for _, obj := range objects {
		fmt.Printf("%-80s %-10s\n", obj.Key, humanize.IBytes(uint64(obj.Size)))
	}
	return nil
}

func runArchiveGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	_, client, err := archiveClient(ctx)
	if err != nil {
		return err
	}

	key := args[0]
	if err := os.MkdirAll(archiveDest, 0755); err != nil {
		return errors.Wrap(err, "failed to create destination")
	}
	local := filepath.Join(archiveDest, path.Base(key))

	result, err := client.Download(ctx, key, local)
	if err != nil {
		os.Remove(local)
		return errors.Wrap(err, "download failed")
	}

	fmt.Printf("✓ %s -> %s (%s, sha256 %s)\n", key, result.LocalPath, humanize.IBytes(uint64(result.Size)), result.SHA256)
	return nil
}
