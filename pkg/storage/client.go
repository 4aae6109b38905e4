// Package storage archives downloaded artifacts to S3 and lists what has
// been archived.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/bigscan/bigscan/pkg/artifact"
	"github.com/bigscan/bigscan/pkg/errors"
)

// Options configures a Client
type Options struct {
	Bucket string
	Region string
	// Prefix is prepended to every archived key.
	Prefix string
	// Endpoint overrides the S3 endpoint and switches to path-style
	// addressing, for S3-compatible stores.
	Endpoint string
	// Anonymous skips the default credential chain.
	Anonymous bool
}

// Client provides S3 storage operations
type Client struct {
	s3Client *s3.Client
	bucket   string
	prefix   string
}

// Object describes one archived artifact
type Object struct {
	Key  string
	Size int64
}

// NewClient creates a new S3 client
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	slog.Info("s3_client_init", "bucket", opts.Bucket, "region", opts.Region, "endpoint", opts.Endpoint)

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Anonymous {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	slog.Info("s3_client_created", "bucket", opts.Bucket)

	return &Client{
		s3Client: s3Client,
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
	}, nil
}

// ObjectKey returns the key an artifact from host is archived under
func (c *Client) ObjectKey(kind artifact.Kind, host, localPath string) string {
	return path.Join(c.prefix, host, string(kind), filepath.Base(localPath))
}

// Archive uploads a downloaded artifact with its SHA256 as metadata.
// Objects that already exist are left alone.
func (c *Client) Archive(ctx context.Context, kind artifact.Kind, host, localPath string) (string, error) {
	key := c.ObjectKey(kind, host, localPath)
	location := fmt.Sprintf("s3://%s/%s", c.bucket, key)

	exists, err := c.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		slog.Info("s3_archive_skipped", "s3_key", key, "reason", "exists")
		return location, nil
	}

	checksum, size, err := fileSHA256(localPath)
	if err != nil {
		slog.Error("local_file_hash_failed", "path", localPath, "error", err)
		return "", errors.Wrap(err, "failed to hash local file")
	}

	f, err := os.Open(localPath)
	if err != nil {
		return "", errors.Wrap(err, "failed to open local file")
	}
	defer f.Close()

	slog.Info("s3_upload_start", "bucket", c.bucket, "s3_key", key, "size", size)

	_, err = c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		Metadata: map[string]string{
			"sha256": checksum,
			"host":   host,
			"kind":   string(kind),
		},
	})
	if err != nil {
		slog.Error("s3_put_object_failed", "s3_key", key, "error", err)
		return "", errors.Wrap(err, "failed to upload object to S3")
	}

	slog.Info("s3_upload_complete",
		"s3_key", key,
		"size_mb", size/1024/1024,
		"sha256", checksum[:16]+"...",
	)

	return location, nil
}

func fileSHA256(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Download downloads an object from S3 and computes SHA256
func (c *Client) Download(ctx context.Context, s3Key, localPath string) (*DownloadResult, error) {
	slog.Info("s3_download_start", "bucket", c.bucket, "s3_key", s3Key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", s3Key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	hash := sha256.New()
	writer := io.MultiWriter(f, hash)

	size, err := io.Copy(writer, result.Body)
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", s3Key, "error", err)
		return nil, errors.Wrap(err, "failed to download file")
	}

	checksum := hex.EncodeToString(hash.Sum(nil))

	if want, ok := result.Metadata["sha256"]; ok && want != checksum {
		slog.Error("s3_checksum_mismatch", "s3_key", s3Key, "want", want, "got", checksum)
		return nil, errors.Wrap(errors.ErrIntegrity, fmt.Sprintf("sha256 mismatch for %s", s3Key))
	}

	slog.Info("s3_download_complete",
		"s3_key", s3Key,
		"size_mb", size/1024/1024,
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)

	return &DownloadResult{
		LocalPath: localPath,
		SHA256:    checksum,
		Size:      size,
	}, nil
}

// ListObjects lists all objects in the bucket with a given prefix
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]Object, error) {
	slog.Info("s3_list_start", "bucket", c.bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var objects []Object
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}

		for _, obj := range page.Contents {
			if obj.Key != nil {
				objects = append(objects, Object{Key: *obj.Key, Size: aws.ToInt64(obj.Size)})
			}
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(objects))

	return objects, nil
}

// Exists checks if an object exists in S3
func (c *Client) Exists(ctx context.Context, s3Key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key),
	})

	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			slog.Debug("s3_object_not_found", "s3_key", s3Key)
			return false, nil
		}
		slog.Error("s3_head_object_failed", "s3_key", s3Key, "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}

	slog.Debug("s3_object_exists", "s3_key", s3Key)
	return true, nil
}
