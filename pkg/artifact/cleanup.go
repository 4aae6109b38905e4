package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bigscan/bigscan/pkg/bigip"
	"github.com/bigscan/bigscan/pkg/console"
)

const (
	preRemoveSettle  = 2 * time.Second
	postRemoveSettle = time.Second
)

// CleanupReport describes what remote cleanup did. Failures only produce
// warnings.
type CleanupReport struct {
	Skipped     bool
	Reason      string
	TaskDeleted bool
	FileDeleted bool
	Forced      bool
	Warnings    []string
}

func (r *CleanupReport) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Cleanup removes the remote task record and artifact file after a
// verified download.
type Cleanup interface {
	MaybeCleanup(ctx context.Context, taskID, remotePath string, verifiedSize int64) CleanupReport
}

// Cleaner is the Cleanup that talks to the appliance.
type Cleaner struct {
	desc     Descriptor
	api      API
	shell    Commander
	clock    Clock
	out      *console.Console
	noDelete bool
}

// NewCleaner creates a Cleaner for desc.
func NewCleaner(desc Descriptor, env Env) *Cleaner {
	env = env.withDefaults()
	return &Cleaner{
		desc:     desc,
		api:      env.API,
		shell:    env.Shell,
		clock:    env.Clock,
		out:      env.Console,
		noDelete: env.NoDelete,
	}
}

// MaybeCleanup deletes the task record and the remote file, unless deletes
// are disabled or verifiedSize does not clear the kind's threshold.
func (c *Cleaner) MaybeCleanup(ctx context.Context, taskID, remotePath string, verifiedSize int64) CleanupReport {
	var report CleanupReport
	switch {
	case c.noDelete:
		report.Skipped, report.Reason = true, "no-delete is set"
	case !c.desc.ClearsThreshold(verifiedSize):
		report.Skipped = true
		report.Reason = fmt.Sprintf("verified size %d does not exceed %d", verifiedSize, c.desc.CleanupThreshold)
	}
	if report.Skipped {
		slog.Info("cleanup_skipped", "kind", c.desc.Kind, "task_id", taskID, "reason", report.Reason)
		return report
	}

	if taskID != "" {
		c.deleteTask(ctx, taskID, &report)
	}
	if remotePath != "" {
		c.deleteFile(ctx, remotePath, &report)
	}

	for _, w := range report.Warnings {
		c.out.Warn("cleanup: %s", w)
	}
	if report.FileDeleted {
		c.out.Success("removed %s from device", remotePath)
	}
	slog.Info("cleanup_finished", "kind", c.desc.Kind, "task_id", taskID, "path", remotePath,
		"task_deleted", report.TaskDeleted, "file_deleted", report.FileDeleted, "forced", report.Forced)
	return report
}

func (c *Cleaner) deleteTask(ctx context.Context, taskID string, report *CleanupReport) {
	resp, err := c.api.Do(ctx, http.MethodDelete, c.desc.StatusPath(taskID), nil)
	if err != nil {
		report.warn("task %s delete failed: %v", taskID, err)
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		report.TaskDeleted = true
	default:
		report.warn("task %s delete returned status %d", taskID, resp.StatusCode)
	}
}

func (c *Cleaner) deleteFile(ctx context.Context, remotePath string, report *CleanupReport) {
	q := bigip.QuotePath(remotePath)

	out, ok := c.shell.Run(ctx, fmt.Sprintf("ls -la %s 2>/dev/null || echo NOT_FOUND", q))
	if ok && isMiss(out) {
		slog.Info("cleanup_file_already_gone", "path", remotePath)
		return
	}

	if err := c.clock.Sleep(ctx, preRemoveSettle); err != nil {
		report.warn("cleanup interrupted: %v", err)
		return
	}
	if out, ok := c.shell.Run(ctx, fmt.Sprintf("rm -f %s 2>&1", q)); !ok || strings.TrimSpace(out) != "" {
		slog.Warn("cleanup_remove_output", "path", remotePath, "ok", ok, "output", strings.TrimSpace(out))
	}
	if err := c.clock.Sleep(ctx, postRemoveSettle); err != nil {
		report.warn("cleanup interrupted: %v", err)
		return
	}

	exists, ok := c.stillExists(ctx, q)
	if !ok {
		report.warn("could not verify removal of %s", remotePath)
		return
	}
	if !exists {
		report.FileDeleted = true
		return
	}

	slog.Warn("cleanup_forcing_remove", "path", remotePath)
	report.Forced = true
	c.shell.Run(ctx, fmt.Sprintf("rm -rf %s 2>&1; sync", q))

	exists, ok = c.stillExists(ctx, q)
	switch {
	case !ok:
		report.warn("could not verify removal of %s", remotePath)
	case exists:
		report.warn("%s still exists after forced removal", remotePath)
	default:
		report.FileDeleted = true
	}
}

func (c *Cleaner) stillExists(ctx context.Context, q string) (bool, bool) {
	out, ok := c.shell.Run(ctx, fmt.Sprintf("if [ -f %s ]; then echo STILL_EXISTS; else echo DELETED; fi", q))
	if !ok {
		return false, false
	}
	switch {
	case strings.Contains(out, "STILL_EXISTS"):
		return true, true
	case strings.Contains(out, "DELETED"):
		return false, true
	}
	return false, false
}
