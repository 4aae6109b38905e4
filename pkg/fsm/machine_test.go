package fsm

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bigscan/bigscan/pkg/artifact"
	"github.com/bigscan/bigscan/pkg/db"
	"github.com/superfly/fsm"
)

// stubAPI answers every request with the same status and body
type stubAPI struct {
	code  int
	body  string
	calls int
}

func (s *stubAPI) Do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	s.calls++
	return &http.Response{
		StatusCode: s.code,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(s.body)),
	}, nil
}

func (s *stubAPI) Stream(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	return s.Do(ctx, http.MethodGet, rawURL, nil)
}

func (s *stubAPI) ResolveURL(raw string) string { return raw }

func newTestMachine(t *testing.T) (*Machine, *db.Repository) {
	t.Helper()
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return NewMachine(repo, 3), repo
}

func newRequest(runID string) *fsm.Request[ArtifactRequest, ArtifactResponse] {
	return fsm.NewRequest(&ArtifactRequest{RunID: runID, Host: "10.0.0.1", Kind: "qkview"}, &ArtifactResponse{})
}

func TestHandleSubmit_RecordsRun(t *testing.T) {
	m, repo := newTestMachine(t)
	api := &stubAPI{code: 200, body: `{"id":"task-7","status":"IN_PROGRESS"}`}
	p := artifact.NewPipeline(artifact.Snapshot(), artifact.Env{API: api}, "10.0.0.1", "bigip1")
	m.track("run-1", p)

	resp, err := m.handleSubmit(context.Background(), newRequest("run-1"))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if resp == nil {
		t.Fatal("expected a response")
	}

	run, err := repo.GetRun("run-1")
	if err != nil || run == nil {
		t.Fatalf("run not recorded: %v", err)
	}
	if run.Status != db.StatusSubmitted {
		t.Errorf("status = %s, want %s", run.Status, db.StatusSubmitted)
	}
	if run.TaskID != "task-7" {
		t.Errorf("task id = %s, want task-7", run.TaskID)
	}
	if run.Host != "10.0.0.1" || run.Kind != "qkview" {
		t.Errorf("unexpected run identity: %+v", run)
	}
}

func TestHandleSubmit_FailureAbortsAndRecords(t *testing.T) {
	m, repo := newTestMachine(t)
	api := &stubAPI{code: 500, body: "internal error"}
	p := artifact.NewPipeline(artifact.Snapshot(), artifact.Env{API: api}, "10.0.0.1", "bigip1")
	o := m.track("run-1", p)

	if _, err := m.handleSubmit(context.Background(), newRequest("run-1")); err == nil {
		t.Fatal("expected submit to fail")
	}

	run, _ := repo.GetRun("run-1")
	if run == nil || run.Status != db.StatusFailed {
		t.Fatalf("expected failed run, got %+v", run)
	}
	if run.ErrorMessage == "" {
		t.Error("error message should be recorded")
	}
	if o.Stage != artifact.StageSubmit || o.Error == "" {
		t.Errorf("outcome not updated: %+v", o)
	}
}

func TestHandleValidate_SkippedForSnapshots(t *testing.T) {
	m, _ := newTestMachine(t)
	api := &stubAPI{code: 500}
	m.track("run-1", artifact.NewPipeline(artifact.Snapshot(), artifact.Env{API: api}, "10.0.0.1", ""))

	if _, err := m.handleValidate(context.Background(), newRequest("run-1")); err != nil {
		t.Fatalf("validate should be a no-op for snapshots: %v", err)
	}
	if api.calls != 0 {
		t.Errorf("expected no API calls, got %d", api.calls)
	}
}

func TestAdvance_UntrackedRunAborts(t *testing.T) {
	m, _ := newTestMachine(t)

	if _, err := m.handlePoll(context.Background(), newRequest("ghost")); err == nil {
		t.Error("expected an error for a run with no pipeline")
	}
}

func TestHandleComplete_MarksComplete(t *testing.T) {
	m, repo := newTestMachine(t)
	p := artifact.NewPipeline(artifact.Backup(), artifact.Env{API: &stubAPI{code: 200}}, "10.0.0.2", "")
	o := m.track("run-2", p)
	repo.CreateRun(&db.Run{ID: "run-2", Host: "10.0.0.2", Kind: "ucs"})

	if _, err := m.handleComplete(context.Background(), newRequest("run-2")); err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if o.Stage != artifact.StageComplete {
		t.Errorf("stage = %s, want %s", o.Stage, artifact.StageComplete)
	}
	run, _ := repo.GetRun("run-2")
	if run.Status != db.StatusComplete {
		t.Errorf("status = %s, want %s", run.Status, db.StatusComplete)
	}
}

func TestTrackAndForget(t *testing.T) {
	m := NewMachine(nil, 1)
	p := artifact.NewPipeline(artifact.Snapshot(), artifact.Env{API: &stubAPI{}}, "10.0.0.1", "bigip1")

	o := m.track("run-1", p)
	if o.RunID != "run-1" || o.Host != "10.0.0.1" {
		t.Errorf("unexpected outcome: %+v", o)
	}
	if m.lookup("run-1") == nil {
		t.Fatal("run should be tracked")
	}
	m.forget("run-1")
	if m.lookup("run-1") != nil {
		t.Error("run should be forgotten")
	}
}
