package db

// Schema defines the SQLite schema for scan history.
// runs holds one row per artifact attempt and reports one row per device
// extraction, with the full record kept as JSON in payload.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    host TEXT NOT NULL,
    kind TEXT NOT NULL CHECK(kind IN ('qkview', 'ucs')),
    task_id TEXT,
    filename TEXT,
    remote_path TEXT,
    local_path TEXT,
    strategy TEXT,
    bytes INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL CHECK(status IN ('pending', 'submitted', 'running', 'downloaded', 'complete', 'failed', 'cleaned')),
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_host ON runs(host);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);

CREATE TABLE IF NOT EXISTS reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    host TEXT NOT NULL,
    hostname TEXT,
    serial_number TEXT,
    active_version TEXT,
    ha_status TEXT,
    qkview_downloaded TEXT,
    ucs_downloaded TEXT,
    extracted_at TEXT NOT NULL,
    payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_host ON reports(host);
`

// Run status constants
const (
	StatusPending    = "pending"
	StatusSubmitted  = "submitted"
	StatusRunning    = "running"
	StatusDownloaded = "downloaded"
	StatusComplete   = "complete"
	StatusFailed     = "failed"
	StatusCleaned    = "cleaned"
)

// Run represents one artifact attempt against a device
type Run struct {
	ID           string
	Host         string
	Kind         string
	TaskID       string
	Filename     string
	RemotePath   string
	LocalPath    string
	Strategy     string
	Bytes        int64
	Status       string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}

// Report represents one device extraction
type Report struct {
	ID               int64
	Host             string
	Hostname         string
	SerialNumber     string
	ActiveVersion    string
	HAStatus         string
	QKViewDownloaded string
	UCSDownloaded    string
	ExtractedAt      string
	Payload          string
}
