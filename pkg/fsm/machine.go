// Package fsm drives the artifact workflow through a journaled finite state
// machine. Each transition runs one pipeline step and records the run in the
// history database using the superfly/fsm library.
package fsm

import (
	"context"
	"log/slog"

	"github.com/bigscan/bigscan/pkg/artifact"
	"github.com/bigscan/bigscan/pkg/errors"
	"github.com/google/uuid"
	"github.com/superfly/fsm"
)

// Register registers the artifact FSM
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[ArtifactRequest, ArtifactResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[ArtifactRequest, ArtifactResponse](manager, "artifact-run").
		Start(StateSubmit, m.handleSubmit).
		To(StateValidate, m.handleValidate).
		To(StatePoll, m.handlePoll).
		To(StateDownload, m.handleDownload).
		To(StateArchive, m.handleArchive).
		To(StateCleanup, m.handleCleanup).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}

// Runner executes pipelines through the FSM manager. It satisfies
// artifact.Runner.
type Runner struct {
	machine *Machine
	manager *fsm.Manager
	start   fsm.Start[ArtifactRequest, ArtifactResponse]
}

// NewRunner registers machine with manager and returns a runner for it.
func NewRunner(ctx context.Context, manager *fsm.Manager, machine *Machine) (*Runner, error) {
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return nil, err
	}
	return &Runner{machine: machine, manager: manager, start: start}, nil
}

// Run starts a run for p, waits for it to reach a terminal state and
// returns what it produced.
func (r *Runner) Run(ctx context.Context, p *artifact.Pipeline) artifact.Outcome {
	runID := uuid.NewString()
	o := r.machine.track(runID, p)
	defer r.machine.forget(runID)

	p.Announce()

	req := &ArtifactRequest{
		RunID: runID,
		Host:  p.Host(),
		Kind:  string(p.Descriptor().Kind),
	}
	resp := &ArtifactResponse{}

	version, err := r.start(ctx, runID, fsm.NewRequest(req, resp))
	if err != nil {
		slog.Error("fsm_start_failed", "run_id", runID, "host", req.Host, "kind", req.Kind, "error", err)
		o.Error = errors.Wrap(err, "FSM start failed").Error()
		return *o
	}

	slog.Info("fsm_started", "run_id", runID, "version", version)

	if err := r.manager.Wait(ctx, version); err != nil {
		slog.Warn("fsm_run_failed", "run_id", runID, "error", err)
		if o.Error == "" {
			o.Error = errors.Wrap(err, "FSM execution failed").Error()
		}
	}

	slog.Info("fsm_run_finished", "run_id", runID, "stage", o.Stage, "downloaded", o.Downloaded)
	return *o
}
