package db

import (
	"context"
	"log/slog"

	"github.com/bigscan/bigscan/pkg/artifact"
)

// HistoryRunner records every pipeline run it executes as a Run row.
// The fsm engine records runs itself; this covers the direct engine.
type HistoryRunner struct {
	Runner artifact.Runner
	Repo   *Repository
}

// NewHistoryRunner wraps runner. A nil runner means artifact.DirectRunner.
func NewHistoryRunner(runner artifact.Runner, repo *Repository) *HistoryRunner {
	if runner == nil {
		runner = artifact.DirectRunner{}
	}
	return &HistoryRunner{Runner: runner, Repo: repo}
}

// Run executes p and stores its outcome. Recording failures are logged and
// never change the outcome.
func (h *HistoryRunner) Run(ctx context.Context, p *artifact.Pipeline) artifact.Outcome {
	o := h.Runner.Run(ctx, p)
	if h.Repo == nil {
		return o
	}
	run := RunFromOutcome(o)
	if err := h.Repo.CreateRun(run); err != nil {
		slog.Warn("run_history_write_failed", "run_id", o.RunID, "host", o.Host, "error", err)
	}
	return o
}

// RunFromOutcome maps a finished outcome onto a Run row.
func RunFromOutcome(o artifact.Outcome) *Run {
	status := StatusComplete
	errMsg := o.Error
	switch {
	case o.Error != "":
		status = StatusFailed
	case !o.Downloaded:
		status = StatusFailed
		errMsg = "no artifact produced"
	}
	return &Run{
		ID:           o.RunID,
		Host:         o.Host,
		Kind:         string(o.Kind),
		TaskID:       o.TaskID,
		Filename:     o.Filename,
		RemotePath:   o.RemotePath,
		LocalPath:    o.LocalPath,
		Strategy:     string(o.Strategy),
		Bytes:        o.Bytes,
		Status:       status,
		ErrorMessage: errMsg,
	}
}
