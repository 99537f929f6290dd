// Package storage keeps a SQLite ledger of model runs, per-image results
// and queued jobs.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for runs and jobs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the ledger is appended from a single goroutine.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            experiment TEXT,
            model TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            parameters_json TEXT,
            written INTEGER DEFAULT 0,
            skipped INTEGER DEFAULT 0,
            failed INTEGER DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS image_results (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            rel_path TEXT NOT NULL,
            output_path TEXT,
            status TEXT NOT NULL,
            duration_ms INTEGER,
            error_message TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_image_results_run_id ON image_results(run_id);`,
		`CREATE TABLE IF NOT EXISTS jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Run statuses.
const (
	RunRunning     = "running"
	RunCompleted   = "completed"
	RunFailed      = "failed"
	RunSkipped     = "skipped"
	RunUnavailable = "unavailable"
)

// RunRecord captures one model run.
type RunRecord struct {
	ID             string
	Experiment     string
	Model          string
	Status         string
	InputPath      string
	OutputPath     string
	ParametersJSON string
	Written        int
	Skipped        int
	Failed         int
	Error          string
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// ImageRecord captures the outcome of one image.
type ImageRecord struct {
	RunID      string
	RelPath    string
	OutputPath string
	Status     string
	DurationMS int64
	Error      string
	CreatedAt  time.Time
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// RecordRunStart inserts a run in the running state.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	status := rec.Status
	if status == "" {
		status = RunRunning
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, experiment, model, status, input_path, output_path, parameters_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Experiment, rec.Model, status, rec.InputPath, rec.OutputPath, rec.ParametersJSON)
	return err
}

// RecordRunResult finalizes a run with its counts.
func (s *Store) RecordRunResult(id, status string, written, skipped, failed int, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status=?, written=?, skipped=?, failed=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`,
		status, written, skipped, failed, errMsg, id)
	return err
}

// RecordImage appends an image outcome to a run.
func (s *Store) RecordImage(rec ImageRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO image_results (run_id, rel_path, output_path, status, duration_ms, error_message) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.RunID, rec.RelPath, rec.OutputPath, rec.Status, rec.DurationMS, rec.Error)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, experiment, model, status, input_path, output_path, parameters_json, written, skipped, failed, created_at, completed_at, error_message FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var experiment, input, output, paramsJSON, errorMsg sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&rec.ID, &experiment, &rec.Model, &rec.Status, &input, &output, &paramsJSON, &rec.Written, &rec.Skipped, &rec.Failed, &rec.CreatedAt, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.Experiment, rec.InputPath, rec.OutputPath = experiment.String, input.String, output.String
		rec.ParametersJSON, rec.Error = paramsJSON.String, errorMsg.String
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunImages returns the image outcomes of a run in processing order.
func (s *Store) RunImages(runID string) ([]ImageRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT run_id, rel_path, output_path, status, duration_ms, error_message, created_at FROM image_results WHERE run_id=? ORDER BY id;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ImageRecord
	for rows.Next() {
		var rec ImageRecord
		var output, errorMsg sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&rec.RunID, &rec.RelPath, &output, &rec.Status, &duration, &errorMsg, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.OutputPath, rec.Error, rec.DurationMS = output.String, errorMsg.String, duration.Int64
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO jobs (id, job_type, status, input_path, options_json) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, options_json, created_at, started_at, completed_at, error_message FROM jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var input, opts, errorMsg sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &opts, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.InputPath, rec.OptionsJSON, rec.Error = input.String, opts.String, errorMsg.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
