package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/bigscan/bigscan/pkg/errors"
	"github.com/google/uuid"
)

// Pipeline stage names, recorded on the Outcome as the workflow advances.
const (
	StageSubmit   = "submit"
	StageValidate = "validate"
	StagePoll     = "poll"
	StageDownload = "download"
	StageArchive  = "archive"
	StageCleanup  = "cleanup"
	StageComplete = "complete"
)

const (
	recoverChecks   = 12
	recoverStable   = 3
	recoverInterval = 5 * time.Second
)

// Outcome accumulates what one artifact run produced.
type Outcome struct {
	RunID       string         `json:"run_id"`
	Host        string         `json:"host"`
	Kind        Kind           `json:"kind"`
	TaskID      string         `json:"task_id,omitempty"`
	Filename    string         `json:"filename"`
	RemotePath  string         `json:"remote_path,omitempty"`
	Fallback    bool           `json:"fallback,omitempty"`
	DownloadURI string         `json:"download_uri,omitempty"`
	State       State          `json:"state,omitempty"`
	Recovered   bool           `json:"recovered,omitempty"`
	LocalPath   string         `json:"local_path,omitempty"`
	Bytes       int64          `json:"bytes,omitempty"`
	Strategy    Strategy       `json:"strategy,omitempty"`
	Downloaded  bool           `json:"downloaded"`
	Archived    string         `json:"archived,omitempty"`
	Cleanup     *CleanupReport `json:"cleanup,omitempty"`
	Stage       string         `json:"stage"`
	Error       string         `json:"error,omitempty"`
}

// Produced reports whether the artifact ended up on local disk.
func (o Outcome) Produced() bool {
	return o.Downloaded && o.Error == ""
}

// Failed reports whether a step stopped the run.
func (o Outcome) Failed() bool {
	return o.Error != ""
}

// Archiver copies a downloaded artifact somewhere durable and returns its
// location.
type Archiver interface {
	Archive(ctx context.Context, kind Kind, host, localPath string) (string, error)
}

// Runner executes a pipeline.
type Runner interface {
	Run(ctx context.Context, p *Pipeline) Outcome
}

// DirectRunner runs pipelines in process with no journal.
type DirectRunner struct{}

// Run executes p under a fresh run id.
func (DirectRunner) Run(ctx context.Context, p *Pipeline) Outcome {
	return p.Run(ctx, uuid.NewString())
}

// Pipeline sequences the artifact workflow for one kind on one device.
type Pipeline struct {
	desc Descriptor
	env  Env
	host string
	name string

	orch       *Orchestrator
	locator    *Locator
	downloader *Downloader
	cleaner    Cleanup
	archiver   Archiver
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithCleaner replaces the remote cleanup collaborator.
func WithCleaner(c Cleanup) PipelineOption {
	return func(p *Pipeline) { p.cleaner = c }
}

// WithArchiver enables archiving of downloaded artifacts.
func WithArchiver(a Archiver) PipelineOption {
	return func(p *Pipeline) { p.archiver = a }
}

// NewPipeline creates the workflow for host. name is used to build the
// artifact filename, usually the device hostname.
func NewPipeline(desc Descriptor, env Env, host, name string, opts ...PipelineOption) *Pipeline {
	env = env.withDefaults()
	if name == "" {
		name = host
	}
	p := &Pipeline{
		desc:       desc,
		env:        env,
		host:       host,
		name:       name,
		orch:       NewOrchestrator(desc, env),
		locator:    NewLocator(desc, env.Shell),
		downloader: NewDownloader(desc, env),
		cleaner:    NewCleaner(desc, env),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Descriptor returns the kind this pipeline handles.
func (p *Pipeline) Descriptor() Descriptor { return p.desc }

// Host returns the device address.
func (p *Pipeline) Host() string { return p.host }

// Begin starts a new Outcome with a fresh artifact filename.
func (p *Pipeline) Begin(runID string) *Outcome {
	return &Outcome{
		RunID:    runID,
		Host:     p.host,
		Kind:     p.desc.Kind,
		Filename: p.desc.Filename(p.name, p.env.Clock.Now()),
		Stage:    StageSubmit,
	}
}

// Announce prints the run header.
func (p *Pipeline) Announce() {
	p.env.Console.Header("%s for %s", p.desc.Label, p.host)
}

// Run executes every step in order and stops at the first failure.
func (p *Pipeline) Run(ctx context.Context, runID string) Outcome {
	o := p.Begin(runID)
	p.Announce()

	steps := []func(context.Context, *Outcome) error{
		p.Submit, p.Validate, p.Poll, p.Download, p.Archive, p.Cleanup,
	}
	for _, step := range steps {
		if err := step(ctx, o); err != nil {
			return *o
		}
	}
	o.Stage = StageComplete
	return *o
}

func (p *Pipeline) fail(o *Outcome, stage string, err error) error {
	o.Stage = stage
	o.Error = err.Error()
	slog.Error("artifact_step_failed", "kind", p.desc.Kind, "host", p.host, "stage", stage, "error", err)
	p.env.Console.Fail("%s %s failed: %v", p.desc.Label, stage, err)
	return err
}

// Submit creates the remote task.
func (p *Pipeline) Submit(ctx context.Context, o *Outcome) error {
	o.Stage = StageSubmit
	task, err := p.orch.Submit(ctx, o.Filename)
	if err != nil {
		return p.fail(o, StageSubmit, err)
	}
	o.TaskID = task.ID
	o.Filename = p.desc.WithExtension(task.Filename)
	o.State = task.State
	p.env.Console.Info("  %s task %s created for %s", p.desc.Label, task.ID, o.Filename)
	return nil
}

// Validate confirms the task for kinds that need it.
func (p *Pipeline) Validate(ctx context.Context, o *Outcome) error {
	if !p.desc.RequiresValidate {
		return nil
	}
	o.Stage = StageValidate
	if !p.orch.Validate(ctx, o.TaskID) {
		return p.fail(o, StageValidate, fmt.Errorf("%s task %s could not be validated", p.desc.Kind, o.TaskID))
	}
	o.State = StateValidating
	return nil
}

// Poll waits for the task to finish. After a tolerance breach or a timeout,
// kinds with a recovery size look for a finished file on disk instead.
func (p *Pipeline) Poll(ctx context.Context, o *Outcome) error {
	o.Stage = StagePoll
	task, err := p.orch.PollUntilTerminal(ctx, o.TaskID, p.desc.Deadline)
	if task != nil {
		o.State = task.State
		if task.DownloadURI != "" {
			o.DownloadURI = task.DownloadURI
		}
	}
	if ctx.Err() != nil {
		return p.fail(o, StagePoll, ctx.Err())
	}

	switch {
	case err == nil && o.State == StateSucceeded:
		return nil
	case err == nil && o.State == StateFailed:
		msg := fmt.Sprintf("%s task %s reported FAILED", p.desc.Kind, o.TaskID)
		if task != nil && task.Error != "" {
			msg += ": " + task.Error
		}
		return p.fail(o, StagePoll, fmt.Errorf("%s", msg))
	}

	if p.recoverFile(ctx, o) {
		o.Recovered = true
		p.env.Console.Warn("%s task status unknown, continuing with finished file %s", p.desc.Label, o.RemotePath)
		return nil
	}
	if err == nil {
		err = fmt.Errorf("%s task %s timed out after %s", p.desc.Kind, o.TaskID, p.desc.Deadline)
	}
	return p.fail(o, StagePoll, err)
}

// recoverFile accepts the expected file when its size holds steady across
// consecutive checks and exceeds the kind's recovery minimum.
func (p *Pipeline) recoverFile(ctx context.Context, o *Outcome) bool {
	if p.desc.RecoverMinSize <= 0 {
		return false
	}
	target := path.Join(p.desc.RemoteDir, p.desc.WithExtension(o.Filename))
	slog.Info("artifact_recovery_started", "kind", p.desc.Kind, "path", target)

	last, stable := int64(-1), 0
	for i := 0; i < recoverChecks; i++ {
		if i > 0 {
			if err := p.env.Clock.Sleep(ctx, recoverInterval); err != nil {
				return false
			}
		}
		loc, ok := p.locator.Probe(ctx, target)
		if !ok {
			slog.Info("artifact_recovery_missing", "kind", p.desc.Kind, "path", target)
			return false
		}
		if loc.Size == last {
			stable++
		} else {
			last, stable = loc.Size, 1
		}
		if stable < recoverStable {
			continue
		}
		if loc.Size <= p.desc.RecoverMinSize {
			slog.Warn("artifact_recovery_too_small", "kind", p.desc.Kind, "path", target, "size", loc.Size)
			return false
		}
		o.RemotePath = target
		slog.Info("artifact_recovered", "kind", p.desc.Kind, "path", target, "size", loc.Size)
		return true
	}
	return false
}

// Download locates the file and retrieves it. A file found only as the most
// recent artifact is read by the remote-path strategies but never recorded
// as this run's own.
func (p *Pipeline) Download(ctx context.Context, o *Outcome) error {
	o.Stage = StageDownload
	src := Source{Filename: o.Filename, DownloadURI: o.DownloadURI}

	loc, located := p.locator.Locate(ctx, o.Filename)
	if located {
		src.RemotePath = loc.Path
		src.ExpectedSize = loc.Size
		src.Fallback = loc.Fallback
		if loc.Fallback {
			p.env.Console.Warn("%s not found by name, most recent is %s", p.desc.Label, loc.Path)
		}
	}

	res, err := p.downloader.Download(ctx, src)
	if err != nil {
		return p.fail(o, StageDownload, err)
	}
	if !res.OK {
		return p.fail(o, StageDownload, errors.Wrap(errors.ErrAllStrategiesFailed, fmt.Sprintf("%s %s", p.desc.Kind, src.Filename)))
	}

	switch {
	case res.RemotePath != "":
		o.RemotePath = res.RemotePath
		o.Fallback = src.Fallback
	case located && !loc.Fallback:
		o.RemotePath = loc.Path
	}
	o.Filename = path.Base(res.LocalPath)
	o.Downloaded = true
	o.LocalPath = res.LocalPath
	o.Bytes = res.Bytes
	o.Strategy = res.Strategy
	return nil
}

// Archive uploads the downloaded file when an archiver is configured.
// Failures are warnings.
func (p *Pipeline) Archive(ctx context.Context, o *Outcome) error {
	if p.archiver == nil || !o.Downloaded {
		return nil
	}
	o.Stage = StageArchive
	location, err := p.archiver.Archive(ctx, p.desc.Kind, p.host, o.LocalPath)
	if err != nil {
		slog.Warn("artifact_archive_failed", "kind", p.desc.Kind, "host", p.host, "path", o.LocalPath, "error", err)
		p.env.Console.Warn("%s archive failed: %v", p.desc.Label, err)
		return nil
	}
	o.Archived = location
	p.env.Console.Success("%s archived to %s", p.desc.Label, location)
	return nil
}

// Cleanup removes remote leftovers once the download has been verified.
// Below the safety threshold the cleaner is never called.
func (p *Pipeline) Cleanup(ctx context.Context, o *Outcome) error {
	if !o.Downloaded {
		return nil
	}
	o.Stage = StageCleanup

	switch {
	case p.env.NoDelete:
		o.Cleanup = &CleanupReport{Skipped: true, Reason: "no-delete is set"}
	case !p.desc.ClearsThreshold(o.Bytes):
		o.Cleanup = &CleanupReport{Skipped: true, Reason: fmt.Sprintf("%d bytes is below the %d byte safety threshold", o.Bytes, p.desc.CleanupThreshold)}
	}
	if o.Cleanup != nil {
		slog.Info("cleanup_gated", "kind", p.desc.Kind, "host", p.host, "reason", o.Cleanup.Reason)
		p.env.Console.Info("  remote %s kept: %s", p.desc.Label, o.Cleanup.Reason)
		return nil
	}

	remote := o.RemotePath
	if o.Fallback {
		slog.Warn("cleanup_fallback_file_kept", "kind", p.desc.Kind, "host", p.host, "path", remote)
		p.env.Console.Info("  %s was not created by this run and stays on the device", remote)
		remote = ""
	}
	report := p.cleaner.MaybeCleanup(ctx, o.TaskID, remote, o.Bytes)
	o.Cleanup = &report
	return nil
}
