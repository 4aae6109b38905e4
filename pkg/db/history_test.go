package db

import (
	"context"
	"testing"

	"github.com/bigscan/bigscan/pkg/artifact"
)

type fixedRunner struct {
	outcome artifact.Outcome
	calls   int
}

func (f *fixedRunner) Run(ctx context.Context, p *artifact.Pipeline) artifact.Outcome {
	f.calls++
	return f.outcome
}

func TestHistoryRunner_RecordsOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		outcome    artifact.Outcome
		wantStatus string
		wantError  string
	}{
		{
			name: "downloaded",
			outcome: artifact.Outcome{
				RunID: "run-ok", Host: "10.0.0.1", Kind: artifact.KindSnapshot,
				TaskID: "t-1", Filename: "bigip1.qkview", LocalPath: "QKViews/bigip1.qkview",
				Strategy: artifact.StrategyDirect, Bytes: 6 << 20, Downloaded: true,
			},
			wantStatus: StatusComplete,
		},
		{
			name: "failed",
			outcome: artifact.Outcome{
				RunID: "run-bad", Host: "10.0.0.1", Kind: artifact.KindBackup,
				Error: "all download strategies failed",
			},
			wantStatus: StatusFailed,
			wantError:  "all download strategies failed",
		},
		{
			name:       "nothing produced",
			outcome:    artifact.Outcome{RunID: "run-empty", Host: "10.0.0.2", Kind: artifact.KindBackup},
			wantStatus: StatusFailed,
			wantError:  "no artifact produced",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newTestRepository(t)
			inner := &fixedRunner{outcome: tt.outcome}

			got := NewHistoryRunner(inner, repo).Run(context.Background(), nil)
			if got.RunID != tt.outcome.RunID || inner.calls != 1 {
				t.Fatalf("outcome not passed through: %+v (calls=%d)", got, inner.calls)
			}

			run, err := repo.GetRun(tt.outcome.RunID)
			if err != nil || run == nil {
				t.Fatalf("run not recorded: %v", err)
			}
			if run.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", run.Status, tt.wantStatus)
			}
			if run.ErrorMessage != tt.wantError {
				t.Errorf("error_message = %q, want %q", run.ErrorMessage, tt.wantError)
			}
			if run.Kind != string(tt.outcome.Kind) || run.Bytes != tt.outcome.Bytes {
				t.Errorf("run fields mismatch: %+v", run)
			}
		})
	}
}

func TestHistoryRunner_NilRepository(t *testing.T) {
	inner := &fixedRunner{outcome: artifact.Outcome{RunID: "run-1"}}
	got := NewHistoryRunner(inner, nil).Run(context.Background(), nil)
	if got.RunID != "run-1" {
		t.Errorf("RunID = %s, want run-1", got.RunID)
	}
}
