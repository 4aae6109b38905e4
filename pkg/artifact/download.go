package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"

	"github.com/bigscan/bigscan/pkg/console"
	"github.com/bigscan/bigscan/pkg/errors"
	"github.com/bigscan/bigscan/pkg/security"
)

// Source describes what to download.
type Source struct {
	Filename     string
	RemotePath   string
	ExpectedSize int64
	DownloadURI  string
	// Fallback marks RemotePath as the most recent artifact on the device
	// rather than the file named Filename.
	Fallback bool
}

// forStrategy adjusts src for one strategy. The direct URI always serves the
// task's own file, so a fallback guess lends it neither name nor size.
// Strategies that read RemotePath save it under its own name.
func (src Source) forStrategy(s Strategy) Source {
	if !src.Fallback || src.RemotePath == "" {
		return src
	}
	if s == StrategyDirect {
		src.ExpectedSize = 0
		return src
	}
	src.Filename = path.Base(src.RemotePath)
	return src
}

// DownloadResult is the verified outcome of a download.
type DownloadResult struct {
	OK        bool
	Bytes     int64
	Expected  int64
	LocalPath string
	Strategy  Strategy
	// RemotePath is the appliance file the bytes were read from. It is
	// empty for the direct URI.
	RemotePath string
}

// localError marks failures of the local disk. They stop the downloader
// instead of moving on to the next strategy.
type localError struct {
	err error
}

func (e *localError) Error() string { return "local write failed: " + e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

type diskWriter struct {
	f *os.File
}

func (w diskWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, &localError{err: err}
	}
	return n, nil
}

func createPart(p string) (*os.File, error) {
	f, err := os.Create(p)
	if err != nil {
		return nil, &localError{err: err}
	}
	return f, nil
}

// Downloader retrieves an artifact by trying the kind's strategies in order.
type Downloader struct {
	desc         Descriptor
	api          API
	shell        Commander
	out          *console.Console
	guard        *security.Validator
	noDelete     bool
	chunkRetries int
	localDir     string
}

// NewDownloader creates a Downloader writing under env.OutputDir.
func NewDownloader(desc Descriptor, env Env) *Downloader {
	env = env.withDefaults()
	return &Downloader{
		desc:         desc,
		api:          env.API,
		shell:        env.Shell,
		out:          env.Console,
		guard:        env.Guard,
		noDelete:     env.NoDelete,
		chunkRetries: env.ChunkRetries,
		localDir:     filepath.Join(env.OutputDir, desc.LocalDir),
	}
}

// LocalDir is the directory downloads are written to.
func (d *Downloader) LocalDir() string { return d.localDir }

// Download tries each strategy until one produces a verified file. The
// error is reserved for local failures; a download that no strategy could
// complete returns a result with OK false.
func (d *Downloader) Download(ctx context.Context, src Source) (DownloadResult, error) {
	result := DownloadResult{Expected: src.ExpectedSize}

	if err := os.MkdirAll(d.localDir, 0755); err != nil {
		return result, errors.Wrap(err, "failed to create output directory")
	}

	for _, strategy := range d.desc.Strategies {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		s := src.forStrategy(strategy)
		name := path.Base(s.Filename)
		if s.Filename == "" && s.RemotePath != "" {
			name = path.Base(s.RemotePath)
		}
		if err := d.guard.ValidateLocalName(name); err != nil {
			return result, err
		}
		local := filepath.Join(d.localDir, name)
		part := local + ".part"

		expected, err := d.run(ctx, strategy, s, name, part)
		if err != nil {
			os.Remove(part)
			if errors.Is(err, errors.ErrNotApplicable) {
				slog.Debug("download_strategy_skipped", "kind", d.desc.Kind, "strategy", strategy, "reason", err)
				continue
			}
			var lerr *localError
			if errors.As(err, &lerr) {
				slog.Error("download_local_failure", "kind", d.desc.Kind, "path", part, "error", err)
				return result, err
			}
			slog.Warn("download_strategy_failed", "kind", d.desc.Kind, "strategy", strategy, "error", err)
			d.out.Warn("%s via %s failed: %v", d.desc.Label, strategy, err)
			continue
		}
		if expected <= 0 {
			expected = s.ExpectedSize
		}

		size, warning, err := verifyFile(part, expected)
		if err != nil {
			os.Remove(part)
			var lerr *localError
			if errors.As(err, &lerr) {
				return result, err
			}
			slog.Warn("download_verification_failed", "kind", d.desc.Kind, "strategy", strategy, "size", size, "expected", expected, "error", err)
			d.out.Warn("%s via %s rejected: %v", d.desc.Label, strategy, err)
			continue
		}
		if warning != "" {
			slog.Warn("download_size_tolerated", "kind", d.desc.Kind, "strategy", strategy, "detail", warning)
			d.out.Warn("%s: %s", d.desc.Label, warning)
		}

		if err := d.guard.ValidateFileSize(size); err != nil {
			os.Remove(part)
			d.out.Fail("%s rejected: %v", d.desc.Label, err)
			result.Expected = expected
			return result, nil
		}
		if err := os.Rename(part, local); err != nil {
			os.Remove(part)
			return result, errors.Wrap(err, "failed to finalize download")
		}
		if err := d.guard.AddDownloadedSize(size); err != nil {
			slog.Warn("download_total_limit_reached", "kind", d.desc.Kind, "error", err)
		}

		remote := ""
		if strategy != StrategyDirect {
			remote = s.RemotePath
		}
		slog.Info("download_complete", "kind", d.desc.Kind, "strategy", strategy, "path", local, "remote", remote, "bytes", size)
		d.out.Success("%s saved to %s via %s", d.desc.Label, local, strategy)
		return DownloadResult{OK: true, Bytes: size, Expected: expected, LocalPath: local, Strategy: strategy, RemotePath: remote}, nil
	}

	slog.Error("download_failed", "kind", d.desc.Kind, "filename", src.Filename, "error", errors.ErrAllStrategiesFailed)
	d.out.Fail("%s download failed: every strategy was exhausted", d.desc.Label)
	return result, nil
}

// run executes one strategy into part and returns the size the server
// reported, or 0 when it reported none.
func (d *Downloader) run(ctx context.Context, strategy Strategy, src Source, name, part string) (int64, error) {
	slog.Info("download_strategy_started", "kind", d.desc.Kind, "strategy", strategy, "filename", name)

	switch strategy {
	case StrategyDirect:
		uri := src.DownloadURI
		if uri == "" && d.desc.DownloadURITemplate != "" {
			uri = fmt.Sprintf(d.desc.DownloadURITemplate, name)
		}
		if uri == "" {
			return 0, errors.Wrap(errors.ErrNotApplicable, "no download URI")
		}
		return d.fetchRanged(ctx, uri, part, src.ExpectedSize)

	case StrategyMove, StrategyCopy, StrategyShell:
		if src.RemotePath == "" {
			return 0, errors.Wrap(errors.ErrNotApplicable, "remote path unknown")
		}
		switch strategy {
		case StrategyMove:
			return d.moveThenFetch(ctx, src.RemotePath, part, src.ExpectedSize)
		case StrategyCopy:
			return d.copyThenFetch(ctx, src.RemotePath, part, src.ExpectedSize)
		default:
			return d.shellRead(ctx, src.RemotePath, part)
		}
	}
	return 0, errors.Wrap(errors.ErrNotApplicable, fmt.Sprintf("unknown strategy %q", strategy))
}

// progressWriter feeds byte counts to a progress renderer.
type progressWriter struct {
	w       io.Writer
	p       *progress
	written int64
}

func (pw *progressWriter) Write(b []byte) (int, error) {
	n, err := pw.w.Write(b)
	pw.written += int64(n)
	pw.p.Update(pw.written)
	return n, err
}
