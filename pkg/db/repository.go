package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/bigscan/bigscan/pkg/errors"
	_ "modernc.org/sqlite"
)

// Repository provides database operations for scan history
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Debug("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Debug("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

const runColumns = `id, host, kind, task_id, filename, remote_path, local_path, strategy,
		       bytes, status, error_message, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var taskID, filename, remotePath, localPath, strategy, errorMessage sql.NullString

	err := row.Scan(
		&run.ID, &run.Host, &run.Kind, &taskID, &filename, &remotePath, &localPath, &strategy,
		&run.Bytes, &run.Status, &errorMessage, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}

	run.TaskID = taskID.String
	run.Filename = filename.String
	run.RemotePath = remotePath.String
	run.LocalPath = localPath.String
	run.Strategy = strategy.String
	run.ErrorMessage = errorMessage.String
	return &run, nil
}

// CreateRun inserts a new run record
func (r *Repository) CreateRun(run *Run) error {
	slog.Debug("database_create_run", "run_id", run.ID, "host", run.Host, "kind", run.Kind)

	if run.Status == "" {
		run.Status = StatusPending
	}
	query := `
		INSERT INTO runs (id, host, kind, task_id, filename, remote_path, local_path, strategy, bytes, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		run.ID, run.Host, run.Kind, run.TaskID, run.Filename, run.RemotePath,
		run.LocalPath, run.Strategy, run.Bytes, run.Status, run.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to insert run")
	}
	return nil
}

// GetRun retrieves a run by ID
func (r *Repository) GetRun(id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(r.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", "run_id", id, "error", err)
		return nil, errors.Wrap(err, "failed to query run")
	}
	return run, nil
}

// UpdateRun updates an existing run record
func (r *Repository) UpdateRun(run *Run) error {
	slog.Debug("database_update_run", "run_id", run.ID, "status", run.Status)

	query := `
		UPDATE runs
		SET task_id = ?, filename = ?, remote_path = ?, local_path = ?, strategy = ?,
		    bytes = ?, status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		run.TaskID, run.Filename, run.RemotePath, run.LocalPath, run.Strategy,
		run.Bytes, run.Status, run.ErrorMessage, run.ID)
	if err != nil {
		slog.Error("database_update_failed", "run_id", run.ID, "error", err)
		return errors.Wrap(err, "failed to update run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_run_not_found_for_update", "run_id", run.ID)
		return fmt.Errorf("run not found: id=%s", run.ID)
	}
	return nil
}

// UpdateRunStatus updates only the status and error fields
func (r *Repository) UpdateRunStatus(id, status, errorMessage string) error {
	slog.Debug("database_update_status", "run_id", id, "status", status)

	query := `UPDATE runs SET status = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, status, errorMessage, id); err != nil {
		slog.Error("database_status_update_failed", "run_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}
	return nil
}

// ListRuns retrieves runs newest first, optionally filtered by host
func (r *Repository) ListRuns(host string) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if host != "" {
		query += ` WHERE host = ?`
		args = append(args, host)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return runs, nil
}

// DeleteRun deletes a run by ID
func (r *Repository) DeleteRun(id string) error {
	slog.Debug("database_delete_run", "run_id", id)

	if _, err := r.db.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		slog.Error("database_delete_failed", "run_id", id, "error", err)
		return errors.Wrap(err, "failed to delete run")
	}
	return nil
}

// DeleteFailedRuns removes every failed run and reports how many went
func (r *Repository) DeleteFailedRuns() (int64, error) {
	result, err := r.db.Exec(`DELETE FROM runs WHERE status = ?`, StatusFailed)
	if err != nil {
		slog.Error("database_delete_failed_runs", "error", err)
		return 0, errors.Wrap(err, "failed to delete failed runs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	slog.Info("database_failed_runs_deleted", "count", n)
	return n, nil
}

// SaveReport inserts a device report
func (r *Repository) SaveReport(rep *Report) error {
	slog.Debug("database_save_report", "host", rep.Host)

	query := `
		INSERT INTO reports (host, hostname, serial_number, active_version, ha_status,
		                     qkview_downloaded, ucs_downloaded, extracted_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		rep.Host, rep.Hostname, rep.SerialNumber, rep.ActiveVersion, rep.HAStatus,
		rep.QKViewDownloaded, rep.UCSDownloaded, rep.ExtractedAt, rep.Payload)
	if err != nil {
		slog.Error("database_insert_failed", "host", rep.Host, "error", err)
		return errors.Wrap(err, "failed to insert report")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to get last insert id")
	}
	rep.ID = id
	return nil
}

// ListReports retrieves reports newest first, optionally filtered by host
func (r *Repository) ListReports(host string) ([]*Report, error) {
	query := `
		SELECT id, host, hostname, serial_number, active_version, ha_status,
		       qkview_downloaded, ucs_downloaded, extracted_at, payload
		FROM reports`
	var args []any
	if host != "" {
		query += ` WHERE host = ?`
		args = append(args, host)
	}
	query += ` ORDER BY id DESC`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list reports")
	}
	defer rows.Close()

	var reports []*Report
	for rows.Next() {
		var rep Report
		var hostname, serial, version, ha, qkview, ucs sql.NullString
		if err := rows.Scan(&rep.ID, &rep.Host, &hostname, &serial, &version, &ha,
			&qkview, &ucs, &rep.ExtractedAt, &rep.Payload); err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		rep.Hostname = hostname.String
		rep.SerialNumber = serial.String
		rep.ActiveVersion = version.String
		rep.HAStatus = ha.String
		rep.QKViewDownloaded = qkview.String
		rep.UCSDownloaded = ucs.String
		reports = append(reports, &rep)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "rows error")
	}
	return reports, nil
}
