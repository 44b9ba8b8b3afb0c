package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a panorama id is unknown.
var ErrNotFound = errors.New("not found")

// Store wraps SQLite-backed persistence for jobs and panoramas.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; also keeps ":memory:" databases on one connection.
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
		`CREATE TABLE IF NOT EXISTS processing_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
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
		`CREATE TABLE IF NOT EXISTS panoramas (
            id TEXT PRIMARY KEY,
            job_id TEXT,
            path TEXT NOT NULL,
            width INTEGER NOT NULL,
            height INTEGER NOT NULL,
            frame_count INTEGER NOT NULL,
            stitcher TEXT,
            projection TEXT,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS frames (
            panorama_id TEXT NOT NULL,
            slot INTEGER NOT NULL,
            path TEXT,
            width INTEGER,
            height INTEGER,
            captured_at TIMESTAMP,
            PRIMARY KEY (panorama_id, slot)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_panoramas_job_id ON panoramas(job_id);`,
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

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"type"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input,omitempty"`
	OutputPath  string     `json:"output,omitempty"`
	OptionsJSON string     `json:"options,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// PanoramaRecord describes a stored panorama file.
type PanoramaRecord struct {
	ID         string        `json:"id"`
	JobID      string        `json:"job_id,omitempty"`
	Path       string        `json:"path"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	FrameCount int           `json:"frame_count"`
	Stitcher   string        `json:"stitcher"`
	Projection string        `json:"projection"`
	CreatedAt  time.Time     `json:"created_at"`
	Frames     []FrameRecord `json:"frames,omitempty"`
}

// FrameRecord is one source frame of a panorama.
type FrameRecord struct {
	Slot       int       `json:"slot"`
	Path       string    `json:"path,omitempty"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
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
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var input, output, options, errorMsg sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &input, &output, &options, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		rec.InputPath = input.String
		rec.OutputPath = output.String
		rec.OptionsJSON = options.String
		rec.Error = errorMsg.String
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
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordPanorama stores a panorama and its frames in one transaction.
func (s *Store) RecordPanorama(rec PanoramaRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`INSERT OR REPLACE INTO panoramas (id, job_id, path, width, height, frame_count, stitcher, projection, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobID, rec.Path, rec.Width, rec.Height, rec.FrameCount, rec.Stitcher, rec.Projection, rec.CreatedAt.UTC()); err != nil {
		return err
	}
	for _, f := range rec.Frames {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO frames (panorama_id, slot, path, width, height, captured_at) VALUES (?, ?, ?, ?, ?, ?);`,
			rec.ID, f.Slot, f.Path, f.Width, f.Height, f.CapturedAt.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetPanorama loads a panorama with its frames.
func (s *Store) GetPanorama(id string) (*PanoramaRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var rec PanoramaRecord
	var jobID, stitcher, projection sql.NullString
	err := s.DB.QueryRow(`SELECT id, job_id, path, width, height, frame_count, stitcher, projection, created_at FROM panoramas WHERE id=?;`, id).
		Scan(&rec.ID, &jobID, &rec.Path, &rec.Width, &rec.Height, &rec.FrameCount, &stitcher, &projection, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.JobID = jobID.String
	rec.Stitcher = stitcher.String
	rec.Projection = projection.String

	rows, err := s.DB.Query(`SELECT slot, path, width, height, captured_at FROM frames WHERE panorama_id=? ORDER BY slot;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var f FrameRecord
		var path sql.NullString
		var captured sql.NullTime
		if err := rows.Scan(&f.Slot, &path, &f.Width, &f.Height, &captured); err != nil {
			return nil, err
		}
		f.Path = path.String
		f.CapturedAt = captured.Time
		rec.Frames = append(rec.Frames, f)
	}
	return &rec, rows.Err()
}

// ListPanoramas returns the newest panoramas up to limit, without frames.
func (s *Store) ListPanoramas(limit int) ([]PanoramaRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_id, path, width, height, frame_count, stitcher, projection, created_at FROM panoramas ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []PanoramaRecord
	for rows.Next() {
		var rec PanoramaRecord
		var jobID, stitcher, projection sql.NullString
		if err := rows.Scan(&rec.ID, &jobID, &rec.Path, &rec.Width, &rec.Height, &rec.FrameCount, &stitcher, &projection, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.JobID = jobID.String
		rec.Stitcher = stitcher.String
		rec.Projection = projection.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
