package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// chunk is one ranged response.
type chunk struct {
	status int
	total  int64
	data   []byte
}

// fetchRanged downloads uri in ChunkSize pieces using the appliance's
// Content-Range request convention: "start-end/last", where last is 0 until
// the first response reveals the file size. The total in each response's
// Content-Range header is authoritative.
func (d *Downloader) fetchRanged(ctx context.Context, uri, part string, expected int64) (int64, error) {
	f, err := createPart(part)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	w := diskWriter{f: f}

	p := newProgress(d.out, d.desc.Label+" download", expected)
	var written, total int64

	for {
		end := written + d.desc.ChunkSize - 1
		last := int64(0)
		if total > 0 {
			last = total - 1
			if end > last {
				end = last
			}
		}

		header := http.Header{}
		header.Set("Content-Type", "application/octet-stream")
		header.Set("Content-Range", fmt.Sprintf("%d-%d/%d", written, end, last))

		c, err := d.fetchChunk(ctx, uri, header)
		if err != nil {
			p.Finish(written, false)
			return 0, err
		}

		switch c.status {
		case http.StatusOK, http.StatusPartialContent:
			if c.total > 0 {
				total = c.total
				p.SetTotal(total)
			}
			if total <= 0 {
				p.Finish(written, false)
				return 0, fmt.Errorf("response carried no Content-Range total")
			}
			if len(c.data) == 0 && written < total {
				p.Finish(written, false)
				return 0, fmt.Errorf("empty chunk at offset %d of %d", written, total)
			}
			if _, err := w.Write(c.data); err != nil {
				return 0, err
			}
			written += int64(len(c.data))
			p.Update(written)
			if written >= total {
				p.Finish(written, true)
				return total, nil
			}

		case http.StatusBadRequest:
			if total > 0 && written > 0 && absDiff(total, written) <= exactTolerance {
				slog.Info("ranged_download_end_of_file", "uri", uri, "written", written, "total", total)
				p.Finish(written, true)
				return total, nil
			}
			p.Finish(written, false)
			return 0, fmt.Errorf("status 400 at offset %d of %d", written, total)

		default:
			p.Finish(written, false)
			return 0, fmt.Errorf("unexpected status %d at offset %d", c.status, written)
		}
	}
}

// fetchChunk performs one ranged GET, retrying transport failures with
// exponential backoff.
func (d *Downloader) fetchChunk(ctx context.Context, uri string, header http.Header) (chunk, error) {
	var c chunk
	op := func() error {
		resp, err := d.api.Stream(ctx, uri, header)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		c = chunk{status: resp.StatusCode, total: parseRangeTotal(resp.Header.Get("Content-Range"))}
		if c.status != http.StatusOK && c.status != http.StatusPartialContent {
			io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyExcerpt))
			return nil
		}
		c.data, err = io.ReadAll(resp.Body)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(d.chunkRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		slog.Warn("chunk_retry", "kind", d.desc.Kind, "uri", uri, "range", header.Get("Content-Range"), "wait", wait.String(), "error", err)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return chunk{}, err
	}
	return c, nil
}

// parseRangeTotal returns the total from "bytes 0-99/1000" or "0-99/1000",
// or 0 when absent or unknown.
func parseRangeTotal(header string) int64 {
	i := strings.LastIndex(header, "/")
	if i < 0 {
		return 0
	}
	total, err := strconv.ParseInt(strings.TrimSpace(header[i+1:]), 10, 64)
	if err != nil || total < 0 {
		return 0
	}
	return total
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
