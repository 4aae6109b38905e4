package artifact

import (
	"context"
	"net/http"

	"github.com/bigscan/bigscan/pkg/console"
	"github.com/bigscan/bigscan/pkg/security"
)

// API is the part of the REST session the artifact workflow needs.
// *bigip.Client satisfies it.
type API interface {
	Do(ctx context.Context, method, path string, body any) (*http.Response, error)
	Stream(ctx context.Context, rawURL string, header http.Header) (*http.Response, error)
	ResolveURL(raw string) string
}

// Commander runs remote shell commands. *bigip.Shell satisfies it.
type Commander interface {
	Run(ctx context.Context, command string) (string, bool)
	Move(ctx context.Context, src, dst string) bool
}

// Env carries the collaborators shared by every step of one device's
// artifact workflow.
type Env struct {
	API     API
	Shell   Commander
	Clock   Clock
	Console *console.Console
	Guard   *security.Validator

	// NoDelete suppresses every destructive remote call.
	NoDelete bool
	// ChunkRetries bounds transport retries per chunk.
	ChunkRetries int
	// OutputDir is the root under which each kind's LocalDir is created.
	OutputDir string
}

func (e Env) withDefaults() Env {
	if e.Clock == nil {
		e.Clock = SystemClock()
	}
	if e.Console == nil {
		e.Console = console.Discard()
	}
	if e.Guard == nil {
		e.Guard = security.NewValidator(0, 0)
	}
	if e.ChunkRetries < 0 {
		e.ChunkRetries = 0
	}
	if e.OutputDir == "" {
		e.OutputDir = "."
	}
	return e
}
