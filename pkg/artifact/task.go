package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bigscan/bigscan/pkg/console"
	"github.com/bigscan/bigscan/pkg/errors"
)

// State is the local view of a remote task's progress.
type State string

const (
	StateSubmitted  State = "SUBMITTED"
	StateValidating State = "VALIDATING"
	StateRunning    State = "RUNNING"
	StateSucceeded  State = "SUCCEEDED"
	StateFailed     State = "FAILED"
	StateTimeout    State = "TIMEOUT"
	StateUnknown    State = "UNKNOWN"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimeout
}

// Task is one remote artifact-producing job.
type Task struct {
	ID          string
	Kind        Kind
	State       State
	RawState    string
	Filename    string
	DownloadURI string
	RemoteName  string
	Generation  int
	Error       string
}

// SubmitError is returned when the appliance refuses to create a task.
type SubmitError struct {
	Kind     Kind
	Filename string
	Code     int
	Body     string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("%s task for %s rejected with status %d: %s", e.Kind, e.Filename, e.Code, e.Body)
}

const maxBodyExcerpt = 512

// Orchestrator drives the create / validate / poll protocol for one kind.
type Orchestrator struct {
	desc  Descriptor
	api   API
	clock Clock
	out   *console.Console
}

// NewOrchestrator creates an Orchestrator for desc.
func NewOrchestrator(desc Descriptor, env Env) *Orchestrator {
	env = env.withDefaults()
	return &Orchestrator{desc: desc, api: env.API, clock: env.Clock, out: env.Console}
}

// Submit creates the task. When the appliance rejects the name it retries
// once with the simplified name.
func (o *Orchestrator) Submit(ctx context.Context, filename string) (*Task, error) {
	task, err := o.create(ctx, filename)
	if err == nil {
		return task, nil
	}

	var serr *SubmitError
	if !errors.As(err, &serr) || !nameRejected(serr.Body) {
		return nil, err
	}

	simplified := o.desc.SimplifiedFilename(o.clock.Now())
	slog.Warn("task_name_rejected", "kind", o.desc.Kind, "filename", filename, "retry_with", simplified)
	o.out.Warn("%s name rejected, retrying as %s", o.desc.Label, simplified)
	return o.create(ctx, simplified)
}

func nameRejected(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "invalid") || strings.Contains(b, "name")
}

func (o *Orchestrator) create(ctx context.Context, filename string) (*Task, error) {
	slog.Info("task_submit", "kind", o.desc.Kind, "filename", filename)

	resp, err := o.api.Do(ctx, http.MethodPost, o.desc.CreatePath, o.desc.createBody(filename))
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("%s task creation failed", o.desc.Kind))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyExcerpt))
		return nil, &SubmitError{
			Kind:     o.desc.Kind,
			Filename: filename,
			Code:     resp.StatusCode,
			Body:     strings.TrimSpace(string(body)),
		}
	}

	payload, err := decodePayload(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("failed to decode %s task", o.desc.Kind))
	}

	task := o.taskFrom(payload)
	task.Filename = filename
	if task.ID == "" {
		return nil, &SubmitError{Kind: o.desc.Kind, Filename: filename, Code: resp.StatusCode, Body: "response carried no " + o.desc.IDField}
	}
	if task.State == StateUnknown {
		task.State = StateSubmitted
	}

	slog.Info("task_submitted", "kind", o.desc.Kind, "task_id", task.ID, "state", task.RawState)
	return task, nil
}

// Validate moves a created task into VALIDATING. Only 200 and 202 count.
func (o *Orchestrator) Validate(ctx context.Context, id string) bool {
	resp, err := o.api.Do(ctx, http.MethodPut, o.desc.StatusPath(id), map[string]string{o.desc.StateField: "VALIDATING"})
	if err != nil {
		slog.Warn("task_validate_failed", "kind", o.desc.Kind, "task_id", id, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		slog.Warn("task_validate_rejected", "kind", o.desc.Kind, "task_id", id, "status", resp.StatusCode)
		return false
	}
	slog.Info("task_validated", "kind", o.desc.Kind, "task_id", id)
	return true
}

// Status reads the task resource once.
func (o *Orchestrator) Status(ctx context.Context, id string) (*Task, error) {
	path := o.desc.StatusPath(id)
	resp, err := o.api.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "status request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", path, resp.StatusCode)
	}

	payload, err := decodePayload(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode status")
	}
	task := o.taskFrom(payload)
	if task.ID == "" {
		task.ID = id
	}
	return task, nil
}

// PollUntilTerminal polls the task every PollInterval until it succeeds,
// fails or deadline elapses. Consecutive read failures reaching the kind's
// tolerance return ErrToleranceExceeded. When the deadline passes, one last
// read decides between a terminal state and StateTimeout.
func (o *Orchestrator) PollUntilTerminal(ctx context.Context, id string, deadline time.Duration) (*Task, error) {
	if deadline <= 0 {
		deadline = o.desc.Deadline
	}
	start := o.clock.Now()
	failures := 0
	last := &Task{ID: id, Kind: o.desc.Kind, State: StateSubmitted}

	slog.Info("task_poll_started", "kind", o.desc.Kind, "task_id", id, "deadline", deadline.String())

	for o.clock.Now().Sub(start) < deadline {
		task, err := o.Status(ctx, id)
		if err != nil {
			failures++
			slog.Warn("task_poll_failed", "kind", o.desc.Kind, "task_id", id, "failures", failures, "error", err)
			if failures >= o.desc.FailureTolerance {
				o.out.Done(o.out.Red(fmt.Sprintf("  %s status unreachable after %d attempts", o.desc.Label, failures)))
				return last, errors.Wrap(errors.ErrToleranceExceeded, fmt.Sprintf("%s task %s", o.desc.Kind, id))
			}
		} else {
			failures = 0
			last = task
			if task.State.Terminal() {
				o.finish(task, o.clock.Now().Sub(start))
				return task, nil
			}
		}

		if err := o.wait(ctx, start, last); err != nil {
			return last, err
		}
	}

	task, err := o.Status(ctx, id)
	if err == nil && task.State.Terminal() {
		o.finish(task, o.clock.Now().Sub(start))
		return task, nil
	}

	last.State = StateTimeout
	slog.Warn("task_poll_timeout", "kind", o.desc.Kind, "task_id", id, "deadline", deadline.String())
	o.out.Done(o.out.Yellow(fmt.Sprintf("  %s task %s timed out after %s", o.desc.Label, id, deadline)))
	return last, nil
}

var spinnerFrames = []rune{'/', '-', '\\', '|'}

// wait sleeps one poll interval, redrawing the status line every spinner
// tick.
func (o *Orchestrator) wait(ctx context.Context, start time.Time, task *Task) error {
	tick := o.desc.SpinnerTick
	if tick <= 0 || tick > o.desc.PollInterval {
		tick = o.desc.PollInterval
	}
	ticks := int(o.desc.PollInterval / tick)

	for i := 0; i < ticks; i++ {
		o.out.Status(o.statusLine(start, task, spinnerFrames[i%len(spinnerFrames)]))
		if err := o.clock.Sleep(ctx, tick); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) statusLine(start time.Time, task *Task, frame rune) string {
	elapsed := o.clock.Now().Sub(start).Truncate(time.Second)
	state := task.RawState
	if state == "" {
		state = string(task.State)
	}
	line := fmt.Sprintf("  %s [%s] %s", o.desc.Label, elapsed, state)
	if task.Generation > 0 {
		line += fmt.Sprintf(" (gen %d)", task.Generation)
	}
	return line + " " + string(frame)
}

func (o *Orchestrator) finish(task *Task, elapsed time.Duration) {
	elapsed = elapsed.Truncate(time.Second)
	slog.Info("task_terminal", "kind", o.desc.Kind, "task_id", task.ID, "state", task.State, "elapsed", elapsed.String())
	if task.State == StateSucceeded {
		o.out.Done(o.out.Green(fmt.Sprintf("  %s task %s completed in %s", o.desc.Label, task.ID, elapsed)))
		return
	}
	msg := fmt.Sprintf("  %s task %s failed", o.desc.Label, task.ID)
	if task.Error != "" {
		msg += ": " + task.Error
	}
	o.out.Done(o.out.Red(msg))
}

func (o *Orchestrator) taskFrom(payload map[string]any) *Task {
	raw := stringField(payload, o.desc.StateField)
	task := &Task{
		ID:         stringField(payload, o.desc.IDField),
		Kind:       o.desc.Kind,
		State:      o.desc.classify(raw),
		RawState:   raw,
		RemoteName: stringField(payload, "name"),
		Error:      firstString(payload, "errorMessage", "message", "errorStack"),
	}
	if o.desc.DownloadURIField != "" {
		task.DownloadURI = stringField(payload, o.desc.DownloadURIField)
	}
	if gen, err := strconv.Atoi(stringField(payload, "generation")); err == nil {
		task.Generation = gen
	}
	return task
}

func decodePayload(r io.Reader) (map[string]any, error) {
	payload := map[string]any{}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil && err != io.EOF {
		return nil, err
	}
	return payload, nil
}

func stringField(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func firstString(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := stringField(payload, k); s != "" {
			return s
		}
	}
	return ""
}
