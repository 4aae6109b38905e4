package db

import (
	"path/filepath"
	"testing"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndGetRun(t *testing.T) {
	repo := newTestRepository(t)

	run := &Run{ID: "run-1", Host: "10.0.0.1", Kind: "qkview", Filename: "bigip1.qkview"}
	if err := repo.CreateRun(run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.Status != StatusPending {
		t.Errorf("default status = %s, want %s", run.Status, StatusPending)
	}

	got, err := repo.GetRun("run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got == nil || got.Host != run.Host || got.Filename != run.Filename {
		t.Errorf("retrieved run mismatch: got %+v, want %+v", got, run)
	}
	if got.CreatedAt == "" {
		t.Error("created_at should be set")
	}
}

func TestRepository_GetMissingRun(t *testing.T) {
	repo := newTestRepository(t)

	got, err := repo.GetRun("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing run, got %+v", got)
	}
}

func TestRepository_UpdateRun(t *testing.T) {
	repo := newTestRepository(t)
	repo.CreateRun(&Run{ID: "run-1", Host: "10.0.0.1", Kind: "ucs"})

	run, _ := repo.GetRun("run-1")
	run.TaskID = "task-9"
	run.Strategy = "direct-uri"
	run.Bytes = 42
	run.Status = StatusComplete
	if err := repo.UpdateRun(run); err != nil {
		t.Fatalf("failed to update run: %v", err)
	}

	got, _ := repo.GetRun("run-1")
	if got.TaskID != "task-9" || got.Bytes != 42 || got.Status != StatusComplete {
		t.Errorf("update not persisted: %+v", got)
	}

	if err := repo.UpdateRun(&Run{ID: "missing", Status: StatusFailed}); err == nil {
		t.Error("expected error updating a missing run")
	}
}

func TestRepository_UpdateRunStatus(t *testing.T) {
	repo := newTestRepository(t)
	repo.CreateRun(&Run{ID: "run-1", Host: "10.0.0.1", Kind: "qkview"})

	if err := repo.UpdateRunStatus("run-1", StatusFailed, "timed out"); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	got, _ := repo.GetRun("run-1")
	if got.Status != StatusFailed || got.ErrorMessage != "timed out" {
		t.Errorf("status not updated: %+v", got)
	}
}

func TestRepository_RejectsUnknownStatus(t *testing.T) {
	repo := newTestRepository(t)

	if err := repo.CreateRun(&Run{ID: "run-1", Host: "h", Kind: "qkview", Status: "bogus"}); err == nil {
		t.Error("expected check constraint failure")
	}
}

func TestRepository_ListRuns(t *testing.T) {
	repo := newTestRepository(t)
	repo.CreateRun(&Run{ID: "a", Host: "10.0.0.1", Kind: "qkview"})
	repo.CreateRun(&Run{ID: "b", Host: "10.0.0.2", Kind: "ucs"})
	repo.CreateRun(&Run{ID: "c", Host: "10.0.0.1", Kind: "ucs", Status: StatusFailed})

	all, err := repo.ListRuns("")
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 runs, got %d", len(all))
	}
	if all[0].ID != "c" {
		t.Errorf("expected newest run first, got %s", all[0].ID)
	}

	host, _ := repo.ListRuns("10.0.0.1")
	if len(host) != 2 {
		t.Errorf("expected 2 runs for host, got %d", len(host))
	}

	n, err := repo.DeleteFailedRuns()
	if err != nil {
		t.Fatalf("failed to delete failed runs: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d runs, want 1", n)
	}

	if err := repo.DeleteRun("a"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	remaining, _ := repo.ListRuns("")
	if len(remaining) != 1 || remaining[0].ID != "b" {
		t.Errorf("unexpected remaining runs: %+v", remaining)
	}
}

func TestRepository_Reports(t *testing.T) {
	repo := newTestRepository(t)

	first := &Report{Host: "10.0.0.1", Hostname: "bigip1", SerialNumber: "ABC123", ExtractedAt: "2025-01-01 12:00:00", Payload: "{}"}
	if err := repo.SaveReport(first); err != nil {
		t.Fatalf("failed to save report: %v", err)
	}
	if first.ID == 0 {
		t.Error("report id should be assigned")
	}
	repo.SaveReport(&Report{Host: "10.0.0.2", ExtractedAt: "2025-01-01 12:05:00", Payload: "{}"})

	reports, err := repo.ListReports("")
	if err != nil {
		t.Fatalf("failed to list reports: %v", err)
	}
	if len(reports) != 2 || reports[0].Host != "10.0.0.2" {
		t.Errorf("unexpected reports: %+v", reports)
	}

	filtered, _ := repo.ListReports("10.0.0.1")
	if len(filtered) != 1 || filtered[0].SerialNumber != "ABC123" {
		t.Errorf("unexpected filtered reports: %+v", filtered)
	}
}
