package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/bigscan/bigscan/pkg/bigip"
)

// moveThenFetch moves the artifact into the file-transfer staging directory,
// downloads it and moves it back. Deleting the original is left to Cleaner.
func (d *Downloader) moveThenFetch(ctx context.Context, remotePath, part string, expected int64) (int64, error) {
	name := path.Base(remotePath)
	staged := path.Join(stagingDir, name)

	if !d.moveRemote(ctx, remotePath, staged) {
		return 0, fmt.Errorf("could not stage %s", remotePath)
	}
	defer func() {
		if !d.moveRemote(context.WithoutCancel(ctx), staged, remotePath) {
			slog.Error("artifact_restore_failed", "kind", d.desc.Kind, "staged", staged, "original", remotePath)
			d.out.Warn("could not move %s back to %s", staged, remotePath)
		}
	}()

	return d.fetchStaged(ctx, name, part, expected)
}

// copyThenFetch copies the artifact into the staging directory and
// downloads the copy, which is removed afterwards unless deletes are off.
func (d *Downloader) copyThenFetch(ctx context.Context, remotePath, part string, expected int64) (int64, error) {
	name := path.Base(remotePath)
	staged := path.Join(stagingDir, name)
	src, dst := bigip.QuotePath(remotePath), bigip.QuotePath(staged)

	out, ok := d.shell.Run(ctx, fmt.Sprintf("ls -la %s 2>/dev/null || echo NOT_FOUND", src))
	if !ok || isMiss(out) {
		return 0, fmt.Errorf("source %s not found", remotePath)
	}
	out, ok = d.shell.Run(ctx, fmt.Sprintf("cp %s %s 2>&1 && echo COPIED", src, dst))
	if !ok || !strings.Contains(out, "COPIED") {
		return 0, fmt.Errorf("could not copy %s: %s", remotePath, strings.TrimSpace(out))
	}
	defer func() {
		if d.noDelete {
			slog.Info("staged_copy_kept", "kind", d.desc.Kind, "path", staged)
			return
		}
		if _, ok := d.shell.Run(context.WithoutCancel(ctx), fmt.Sprintf("rm -f %s", dst)); !ok {
			slog.Warn("staged_copy_remove_failed", "kind", d.desc.Kind, "path", staged)
		}
	}()

	return d.fetchStaged(ctx, name, part, expected)
}

// moveRemote tries unix-mv first and falls back to mv through bash.
func (d *Downloader) moveRemote(ctx context.Context, src, dst string) bool {
	if d.shell.Move(ctx, src, dst) {
		return true
	}
	slog.Debug("move_fallback_to_shell", "src", src, "dst", dst)
	out, ok := d.shell.Run(ctx, fmt.Sprintf("mv %s %s 2>&1 && echo MOVED", bigip.QuotePath(src), bigip.QuotePath(dst)))
	return ok && strings.Contains(out, "MOVED")
}

// fetchStaged streams a staged file through the file-transfer endpoint.
func (d *Downloader) fetchStaged(ctx context.Context, name, part string, expected int64) (int64, error) {
	resp, err := d.api.Stream(ctx, fileTransferPath+url.PathEscape(name), nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyExcerpt))
		return 0, fmt.Errorf("file transfer returned status %d", resp.StatusCode)
	}

	total := expected
	if resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	f, err := createPart(part)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	p := newProgress(d.out, d.desc.Label+" download", total)
	pw := &progressWriter{w: diskWriter{f: f}, p: p}
	if _, err := io.Copy(pw, resp.Body); err != nil {
		p.Finish(pw.written, false)
		return 0, err
	}
	p.Finish(pw.written, true)

	if resp.ContentLength > 0 {
		return resp.ContentLength, nil
	}
	return expected, nil
}
