package fsm

import "github.com/bigscan/bigscan/pkg/artifact"

// ArtifactRequest is the FSM input
type ArtifactRequest struct {
	RunID string
	Host  string
	Kind  string
}

// ArtifactResponse is the FSM output (accumulated across transitions)
type ArtifactResponse struct {
	Outcome artifact.Outcome

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateSubmit   = "submit"
	StateValidate = "validate"
	StatePoll     = "poll"
	StateDownload = "download"
	StateArchive  = "archive"
	StateCleanup  = "cleanup"
	StateComplete = "complete"
	StateFailed   = "failed"
)
