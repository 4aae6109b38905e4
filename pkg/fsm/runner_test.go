package fsm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigscan/bigscan/pkg/artifact"
	"github.com/bigscan/bigscan/pkg/db"
	"github.com/superfly/fsm"
)

var epoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

// instantClock never advances and never blocks.
type instantClock struct{}

func (instantClock) Now() time.Time { return epoch }

func (instantClock) Sleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

// appliance serves the task, ranged download and shell calls of one device
// from memory.
type appliance struct {
	mu             sync.Mutex
	files          map[string][]byte
	payload        int
	validateStatus int
	calls          map[string]int
}

func newAppliance(payload int) *appliance {
	return &appliance{files: map[string][]byte{}, payload: payload, calls: map[string]int{}}
}

func (a *appliance) count(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[key]
}

func (a *appliance) exists(p string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.files[p]
	return ok
}

func reply(status int, v any) *http.Response {
	body, _ := json.Marshal(v)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func (a *appliance) Do(ctx context.Context, method, p string, body any) (*http.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case method == http.MethodPost && p == "/mgmt/cm/autodeploy/qkview":
		a.calls["create"]++
		name := body.(map[string]string)["name"]
		a.files["/var/tmp/"+name] = make([]byte, a.payload)
		return reply(http.StatusOK, map[string]any{"id": "task-1", "status": "IN_PROGRESS", "name": name}), nil
	case method == http.MethodPost && p == "/mgmt/tm/task/sys/ucs":
		a.calls["create"]++
		return reply(http.StatusOK, map[string]any{"_taskId": "task-1", "_taskState": "CREATED"}), nil
	case method == http.MethodPut:
		a.calls["validate"]++
		return reply(a.validateStatus, map[string]any{"_taskState": "VALIDATING"}), nil
	case method == http.MethodDelete:
		a.calls["delete"]++
		return reply(http.StatusOK, map[string]any{}), nil
	case method == http.MethodGet:
		a.calls["status"]++
		for name := range a.files {
			return reply(http.StatusOK, map[string]any{
				"id":        "task-1",
				"status":    "SUCCEEDED",
				"qkviewUri": "/mgmt/cm/autodeploy/qkview-download/" + path.Base(name),
			}), nil
		}
		return reply(http.StatusOK, map[string]any{"id": "task-1", "status": "RUNNING"}), nil
	}
	return reply(http.StatusNotFound, map[string]any{}), nil
}

var rangeRe = regexp.MustCompile(`^(\d+)-(\d+)/`)

func (a *appliance) Stream(ctx context.Context, rawURL string, header http.Header) (*http.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls["range"]++

	data, ok := a.files["/var/tmp/"+path.Base(rawURL)]
	m := rangeRe.FindStringSubmatch(header.Get("Content-Range"))
	if !ok || m == nil {
		return reply(http.StatusNotFound, map[string]any{}), nil
	}
	start, _ := strconv.Atoi(m[1])
	end, _ := strconv.Atoi(m[2])
	if end >= len(data) {
		end = len(data) - 1
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Range": []string{fmt.Sprintf("%d-%d/%d", start, end, len(data))}},
		Body:       io.NopCloser(bytes.NewReader(data[start : end+1])),
	}, nil
}

func (a *appliance) ResolveURL(raw string) string { return raw }

var (
	probeRe  = regexp.MustCompile(`^ls -la "([^"]+)" 2>/dev/null`)
	removeRe = regexp.MustCompile(`^rm -r?f "([^"]+)"`)
	testRe   = regexp.MustCompile(`^if \[ -f "([^"]+)" \]`)
)

func (a *appliance) Run(ctx context.Context, command string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls["bash"]++

	if m := probeRe.FindStringSubmatch(command); m != nil {
		data, ok := a.files[m[1]]
		if !ok {
			return "NOT_FOUND\n", true
		}
		return fmt.Sprintf("-rw-r--r-- 1 root root %d Jan  1 12:00 %s\n", len(data), m[1]), true
	}
	if m := removeRe.FindStringSubmatch(command); m != nil {
		delete(a.files, m[1])
		return "", true
	}
	if m := testRe.FindStringSubmatch(command); m != nil {
		if _, ok := a.files[m[1]]; ok {
			return "STILL_EXISTS\n", true
		}
		return "DELETED\n", true
	}
	return "", true
}

func (a *appliance) Move(ctx context.Context, src, dst string) bool { return false }

func newTestRunner(t *testing.T) (*Runner, *db.Repository) {
	t.Helper()
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	manager, err := fsm.New(fsm.Config{DBPath: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create FSM manager: %v", err)
	}
	t.Cleanup(func() { manager.Shutdown(5 * time.Second) })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	runner, err := NewRunner(ctx, manager, NewMachine(repo, 3))
	if err != nil {
		t.Fatalf("failed to register FSM: %v", err)
	}
	return runner, repo
}

func testEnv(t *testing.T, dev *appliance) artifact.Env {
	return artifact.Env{API: dev, Shell: dev, Clock: instantClock{}, OutputDir: t.TempDir()}
}

func TestRunner_SnapshotRunsToCompletion(t *testing.T) {
	runner, repo := newTestRunner(t)
	dev := newAppliance(6 * 1024 * 1024)
	p := artifact.NewPipeline(artifact.Snapshot(), testEnv(t, dev), "10.0.0.1", "bigip1")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	o := runner.Run(ctx, p)

	if !o.Produced() {
		t.Fatalf("expected a downloaded artifact, got stage %s error %q", o.Stage, o.Error)
	}
	if o.Stage != artifact.StageComplete {
		t.Errorf("stage = %s, want %s", o.Stage, artifact.StageComplete)
	}
	if o.Strategy != artifact.StrategyDirect {
		t.Errorf("strategy = %s, want %s", o.Strategy, artifact.StrategyDirect)
	}
	if o.Bytes != 6*1024*1024 {
		t.Errorf("bytes = %d, want %d", o.Bytes, 6*1024*1024)
	}
	info, err := os.Stat(o.LocalPath)
	if err != nil || info.Size() != o.Bytes {
		t.Fatalf("local file not written: %v", err)
	}
	if o.Cleanup == nil || !o.Cleanup.FileDeleted {
		t.Errorf("expected the remote file to be removed: %+v", o.Cleanup)
	}
	if dev.exists("/var/tmp/bigip1_20250101_120000.qkview") {
		t.Error("remote qkview still present")
	}

	run, err := repo.GetRun(o.RunID)
	if err != nil || run == nil {
		t.Fatalf("run not recorded: %v", err)
	}
	if run.Status != db.StatusComplete {
		t.Errorf("status = %s, want %s", run.Status, db.StatusComplete)
	}
	if run.LocalPath != o.LocalPath || run.Bytes != o.Bytes {
		t.Errorf("run does not match outcome: %+v", run)
	}
	if runner.machine.lookup(o.RunID) != nil {
		t.Error("finished run should no longer be tracked")
	}
}

func TestRunner_ValidateFailureAborts(t *testing.T) {
	runner, repo := newTestRunner(t)
	dev := newAppliance(0)
	dev.validateStatus = http.StatusInternalServerError
	p := artifact.NewPipeline(artifact.Backup(), testEnv(t, dev), "10.0.0.2", "bigip2")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	o := runner.Run(ctx, p)

	if o.Produced() {
		t.Fatal("a run that failed validation must not produce an artifact")
	}
	if o.Stage != artifact.StageValidate {
		t.Errorf("stage = %s, want %s", o.Stage, artifact.StageValidate)
	}
	if !strings.Contains(o.Error, "could not be validated") {
		t.Errorf("unexpected error: %q", o.Error)
	}
	if n := dev.count("status"); n != 0 {
		t.Errorf("expected no status polls after a failed validate, got %d", n)
	}

	run, err := repo.GetRun(o.RunID)
	if err != nil || run == nil {
		t.Fatalf("run not recorded: %v", err)
	}
	if run.Status != db.StatusFailed {
		t.Errorf("status = %s, want %s", run.Status, db.StatusFailed)
	}
	if run.ErrorMessage == "" {
		t.Error("error message should be recorded")
	}
}
