package fsm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bigscan/bigscan/pkg/artifact"
	"github.com/bigscan/bigscan/pkg/db"
	"github.com/bigscan/bigscan/pkg/errors"
	"github.com/superfly/fsm"
)

type step func(*artifact.Pipeline, context.Context, *artifact.Outcome) error

type tracked struct {
	pipeline *artifact.Pipeline
	outcome  *artifact.Outcome
}

// Machine holds dependencies for FSM transitions
type Machine struct {
	repo       *db.Repository
	maxRetries int

	mu   sync.Mutex
	runs map[string]*tracked
}

// NewMachine creates a new FSM machine with dependencies. repo may be nil,
// in which case runs are not recorded.
func NewMachine(repo *db.Repository, maxRetries int) *Machine {
	return &Machine{
		repo:       repo,
		maxRetries: maxRetries,
		runs:       make(map[string]*tracked),
	}
}

func (m *Machine) track(runID string, p *artifact.Pipeline) *artifact.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := p.Begin(runID)
	m.runs[runID] = &tracked{pipeline: p, outcome: o}
	return o
}

func (m *Machine) forget(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
}

func (m *Machine) lookup(runID string) *tracked {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[runID]
}

// handleSubmit records the run and creates the remote task
func (m *Machine) handleSubmit(ctx context.Context, req *fsm.Request[ArtifactRequest, ArtifactResponse]) (*fsm.Response[ArtifactResponse], error) {
	if tr := m.lookup(req.Msg.RunID); tr != nil && m.repo != nil {
		run, err := m.repo.GetRun(req.Msg.RunID)
		if err != nil {
			slog.Error("database_check_failed", "run_id", req.Msg.RunID, "error", err)
			return nil, fsm.Abort(errors.Wrap(err, "database error"))
		}
		if run == nil {
			run = &db.Run{
				ID:       req.Msg.RunID,
				Host:     req.Msg.Host,
				Kind:     req.Msg.Kind,
				Filename: tr.outcome.Filename,
				Status:   db.StatusPending,
			}
			if err := m.repo.CreateRun(run); err != nil {
				slog.Error("create_run_failed", "run_id", req.Msg.RunID, "error", err)
				return nil, errors.Wrap(err, "failed to create run record")
			}
			slog.Info("run_created", "run_id", run.ID, "host", run.Host, "kind", run.Kind)
		}
	}
	return m.advance(ctx, req, StateSubmit, (*artifact.Pipeline).Submit, db.StatusSubmitted)
}

// handleValidate confirms tasks that need it
func (m *Machine) handleValidate(ctx context.Context, req *fsm.Request[ArtifactRequest, ArtifactResponse]) (*fsm.Response[ArtifactResponse], error) {
	return m.advance(ctx, req, StateValidate, (*artifact.Pipeline).Validate, db.StatusSubmitted)
}

// handlePoll waits for the remote task
func (m *Machine) handlePoll(ctx context.Context, req *fsm.Request[ArtifactRequest, ArtifactResponse]) (*fsm.Response[ArtifactResponse], error) {
	return m.advance(ctx, req, StatePoll, (*artifact.Pipeline).Poll, db.StatusRunning)
}

// handleDownload retrieves and verifies the artifact
func (m *Machine) handleDownload(ctx context.Context, req *fsm.Request[ArtifactRequest, ArtifactResponse]) (*fsm.Response[ArtifactResponse], error) {
	return m.advance(ctx, req, StateDownload, (*artifact.Pipeline).Download, db.StatusDownloaded)
}

// handleArchive uploads the artifact when an archiver is configured
func (m *Machine) handleArchive(ctx context.Context, req *fsm.Request[ArtifactRequest, ArtifactResponse]) (*fsm.Response[ArtifactResponse], error) {
	return m.advance(ctx, req, StateArchive, (*artifact.Pipeline).Archive, db.StatusDownloaded)
}

// handleCleanup removes remote leftovers
func (m *Machine) handleCleanup(ctx context.Context, req *fsm.Request[ArtifactRequest, ArtifactResponse]) (*fsm.Response[ArtifactResponse], error) {
	return m.advance(ctx, req, StateCleanup, (*artifact.Pipeline).Cleanup, db.StatusDownloaded)
}

// handleComplete marks the run as complete
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[ArtifactRequest, ArtifactResponse]) (*fsm.Response[ArtifactResponse], error) {
	complete := func(_ *artifact.Pipeline, _ context.Context, o *artifact.Outcome) error {
		o.Stage = artifact.StageComplete
		return nil
	}
	resp, err := m.advance(ctx, req, StateComplete, complete, db.StatusComplete)
	if err == nil {
		slog.Info("fsm_complete", "run_id", req.Msg.RunID, "host", req.Msg.Host, "kind", req.Msg.Kind)
	}
	return resp, err
}

// advance runs one pipeline step for the request's run and records the
// result. A failed step aborts the machine.
func (m *Machine) advance(ctx context.Context, req *fsm.Request[ArtifactRequest, ArtifactResponse], state string, run step, status string) (*fsm.Response[ArtifactResponse], error) {
	slog.Info("fsm_state_"+state, "run_id", req.Msg.RunID, "host", req.Msg.Host, "kind", req.Msg.Kind)

	// Check retry limit
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "run_id", req.Msg.RunID, "max_retries", m.maxRetries)
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	tr := m.lookup(req.Msg.RunID)
	if tr == nil {
		slog.Error("run_not_tracked", "run_id", req.Msg.RunID, "state", state)
		return nil, fsm.Abort(fmt.Errorf("run %s has no pipeline in this process", req.Msg.RunID))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &ArtifactResponse{}
	}

	err := run(tr.pipeline, ctx, tr.outcome)
	resp.Outcome = *tr.outcome
	if err != nil {
		resp.Status = db.StatusFailed
		resp.ErrorMessage = err.Error()
		m.record(tr.outcome, db.StatusFailed)
		return nil, fsm.Abort(err)
	}

	resp.Status = status
	m.record(tr.outcome, status)
	return fsm.NewResponse(resp), nil
}

// record persists the outcome. History is best effort; a database error
// never fails the run.
func (m *Machine) record(o *artifact.Outcome, status string) {
	if m.repo == nil {
		return
	}
	run := &db.Run{
		ID:           o.RunID,
		TaskID:       o.TaskID,
		Filename:     o.Filename,
		RemotePath:   o.RemotePath,
		LocalPath:    o.LocalPath,
		Strategy:     string(o.Strategy),
		Bytes:        o.Bytes,
		Status:       status,
		ErrorMessage: o.Error,
	}
	if err := m.repo.UpdateRun(run); err != nil {
		slog.Warn("run_record_failed", "run_id", o.RunID, "status", status, "error", err)
	}
}
