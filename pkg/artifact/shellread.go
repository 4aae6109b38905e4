package artifact

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bigscan/bigscan/pkg/bigip"
)

const ddBlockSize = 64 * KiB

// shellRead pulls the file through the bash endpoint as base64 slices.
func (d *Downloader) shellRead(ctx context.Context, remotePath, part string) (int64, error) {
	q := bigip.QuotePath(remotePath)

	out, ok := d.shell.Run(ctx, fmt.Sprintf("stat -c %%s %s 2>/dev/null", q))
	size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if !ok || err != nil || size <= 0 {
		return 0, fmt.Errorf("could not read size of %s", remotePath)
	}

	f, err := createPart(part)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	w := diskWriter{f: f}

	slice := d.desc.ShellChunkSize
	if slice <= 0 {
		slice = MiB
	}
	p := newProgress(d.out, d.desc.Label+" shell read", size)

	var written int64
	for written < size {
		n := slice
		if size-written < n {
			n = size - written
		}

		out, ok := d.shell.Run(ctx, sliceCommand(q, written, n))
		if !ok {
			p.Finish(written, false)
			return 0, fmt.Errorf("slice at offset %d failed", written)
		}
		encoded := strings.TrimSpace(out)
		if encoded == "" {
			slog.Warn("shell_read_short", "kind", d.desc.Kind, "path", remotePath, "offset", written, "size", size)
			break
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			p.Finish(written, false)
			return 0, fmt.Errorf("slice at offset %d is not valid base64: %w", written, err)
		}
		if len(data) == 0 {
			break
		}
		if _, err := w.Write(data); err != nil {
			return 0, err
		}
		written += int64(len(data))
		p.Update(written)
	}

	p.Finish(written, written == size)
	return size, nil
}

// sliceCommand reads n bytes at offset from the quoted path q. Offsets on a
// block boundary use large dd blocks trimmed with head; others fall back to
// byte-sized blocks.
func sliceCommand(q string, offset, n int64) string {
	if offset%ddBlockSize == 0 {
		count := (n + ddBlockSize - 1) / ddBlockSize
		return fmt.Sprintf("dd if=%s bs=%d skip=%d count=%d 2>/dev/null | head -c %d | base64 -w 0",
			q, ddBlockSize, offset/ddBlockSize, count, n)
	}
	return fmt.Sprintf("dd if=%s bs=1 skip=%d count=%d 2>/dev/null | base64 -w 0", q, offset, n)
}
