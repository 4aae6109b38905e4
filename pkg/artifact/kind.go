// Package artifact creates, retrieves and cleans up the two large artifacts a
// BIG-IP can produce on demand: the qkview diagnostic snapshot and the UCS
// configuration backup.
//
// Both kinds share one workflow. A task is submitted and, for backups,
// validated. It is then polled to a terminal state, and the file is located
// and downloaded through an ordered list of transfer strategies. Once the
// size is verified, the remote copy is removed behind a safety threshold.
// Everything that differs between the kinds lives in a Descriptor.
package artifact

import (
	"fmt"
	"strings"
	"time"

	"github.com/bigscan/bigscan/pkg/security"
)

// Kind identifies an artifact type.
type Kind string

const (
	KindSnapshot Kind = "qkview"
	KindBackup   Kind = "ucs"
)

// Strategy names a transfer strategy.
type Strategy string

const (
	StrategyDirect Strategy = "direct-uri"
	StrategyMove   Strategy = "move-then-fetch"
	StrategyCopy   Strategy = "copy-then-fetch"
	StrategyShell  Strategy = "shell-base64"
)

// Byte sizes.
const (
	KiB int64 = 1024
	MiB       = 1024 * KiB
)

const (
	stagingDir       = "/var/config/rest/downloads"
	fileTransferPath = "/mgmt/shared/file-transfer/downloads/"
	timestampLayout  = "20060102_150405"
)

// Descriptor holds everything that differs between artifact kinds.
type Descriptor struct {
	Kind      Kind
	Label     string
	Extension string

	// Task endpoints and vocabulary.
	CreatePath       string
	SaveCommand      string
	StemName         bool
	IDField          string
	StateField       string
	Running          []string
	Succeeded        []string
	Failed           []string
	RequiresValidate bool

	// Polling.
	PollInterval     time.Duration
	SpinnerTick      time.Duration
	FailureTolerance int
	Deadline         time.Duration

	// Where the file lands and how to find it.
	DownloadURIField    string
	DownloadURITemplate string
	RemoteDir           string
	ProbeDirs           []string
	GlobDirs            []string
	ListLimit           int

	// Transfer.
	Strategies     []Strategy
	ChunkSize      int64
	ShellChunkSize int64
	LocalDir       string

	// Safety.
	CleanupThreshold int64
	RecoverMinSize   int64
}

// Snapshot describes the qkview diagnostic snapshot.
func Snapshot() Descriptor {
	return Descriptor{
		Kind:      KindSnapshot,
		Label:     "QKView",
		Extension: ".qkview",

		CreatePath: "/mgmt/cm/autodeploy/qkview",
		IDField:    "id",
		StateField: "status",
		Running:    []string{"IN_PROGRESS", "RUNNING", "CREATED", "STARTED"},
		Succeeded:  []string{"SUCCEEDED", "COMPLETED"},
		Failed:     []string{"FAILED"},

		PollInterval:     15 * time.Second,
		SpinnerTick:      time.Second,
		FailureTolerance: 3,
		Deadline:         1200 * time.Second,

		DownloadURIField: "qkviewUri",
		RemoteDir:        "/var/tmp",
		ProbeDirs:        []string{"/var/tmp", "/shared/support", "/var/core", "/shared/core", "/var/log", "/shared/images"},
		GlobDirs:         []string{"/var/tmp", "/shared/support", "/var/core"},
		ListLimit:        10,

		Strategies: []Strategy{StrategyDirect, StrategyMove, StrategyCopy},
		ChunkSize:  512 * KiB,
		LocalDir:   "QKViews",

		CleanupThreshold: 5 * MiB,
	}
}

// Backup describes the UCS configuration backup.
func Backup() Descriptor {
	return Descriptor{
		Kind:      KindBackup,
		Label:     "UCS",
		Extension: ".ucs",

		CreatePath:       "/mgmt/tm/task/sys/ucs",
		SaveCommand:      "save",
		StemName:         true,
		IDField:          "_taskId",
		StateField:       "_taskState",
		Running:          []string{"CREATED", "STARTED", "VALIDATING", "RUNNING"},
		Succeeded:        []string{"COMPLETED", "SUCCEEDED"},
		Failed:           []string{"FAILED"},
		RequiresValidate: true,

		PollInterval:     15 * time.Second,
		SpinnerTick:      time.Second,
		FailureTolerance: 10,
		Deadline:         900 * time.Second,

		DownloadURITemplate: "/mgmt/shared/file-transfer/ucs-downloads/%s",
		RemoteDir:           "/var/local/ucs",
		ProbeDirs:           []string{"/var/local/ucs", "/shared/tmp", "/var/tmp"},
		GlobDirs:            []string{"/var/local/ucs"},
		ListLimit:           5,

		Strategies:     []Strategy{StrategyDirect, StrategyMove, StrategyCopy, StrategyShell},
		ChunkSize:      512 * KiB,
		ShellChunkSize: MiB,
		LocalDir:       "UCS",

		CleanupThreshold: MiB,
		RecoverMinSize:   10 * MiB,
	}
}

// WithTolerance returns a copy with a different poll failure tolerance.
// Non-positive values keep the default.
func (d Descriptor) WithTolerance(n int) Descriptor {
	if n > 0 {
		d.FailureTolerance = n
	}
	return d
}

// WithDeadline returns a copy with a different poll deadline.
// Non-positive values keep the default.
func (d Descriptor) WithDeadline(deadline time.Duration) Descriptor {
	if deadline > 0 {
		d.Deadline = deadline
	}
	return d
}

// WithPollInterval returns a copy with a different poll interval.
// Non-positive values keep the default.
func (d Descriptor) WithPollInterval(interval time.Duration) Descriptor {
	if interval > 0 {
		d.PollInterval = interval
	}
	return d
}

// Filename builds the artifact name for a device at time now.
func (d Descriptor) Filename(hostname string, now time.Time) string {
	return fmt.Sprintf("%s_%s%s", security.SanitizeName(hostname), now.Format(timestampLayout), d.Extension)
}

// SimplifiedFilename builds the short ASCII-only name used when the
// appliance rejects the regular one.
func (d Descriptor) SimplifiedFilename(now time.Time) string {
	return fmt.Sprintf("%s_%s%s", d.Kind, now.Format(timestampLayout), d.Extension)
}

// WithExtension appends the kind's extension to name if it is missing.
func (d Descriptor) WithExtension(name string) string {
	if strings.HasSuffix(name, d.Extension) {
		return name
	}
	return name + d.Extension
}

// StatusPath is the task status resource for id.
func (d Descriptor) StatusPath(id string) string {
	return d.CreatePath + "/" + id
}

// ClearsThreshold reports whether a verified size is large enough to allow
// deleting the remote copy.
func (d Descriptor) ClearsThreshold(size int64) bool {
	return size > d.CleanupThreshold
}

// Supports reports whether s is one of the kind's strategies.
func (d Descriptor) Supports(s Strategy) bool {
	for _, candidate := range d.Strategies {
		if candidate == s {
			return true
		}
	}
	return false
}

func (d Descriptor) apiName(filename string) string {
	if d.StemName {
		return strings.TrimSuffix(filename, d.Extension)
	}
	return filename
}

func (d Descriptor) createBody(filename string) map[string]string {
	body := map[string]string{"name": d.apiName(filename)}
	if d.SaveCommand != "" {
		body["command"] = d.SaveCommand
	}
	return body
}

func (d Descriptor) classify(raw string) State {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch {
	case s == "":
		return StateUnknown
	case contains(d.Succeeded, s):
		return StateSucceeded
	case contains(d.Failed, s):
		return StateFailed
	case s == "VALIDATING":
		return StateValidating
	case contains(d.Running, s):
		return StateRunning
	}
	return StateUnknown
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
