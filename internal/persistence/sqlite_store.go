package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/tubegrab/tubegrab/internal/jobs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore is the durable backing for job records and the flat settings
// table. Every write commits before returning.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename
// (e.g. "001_init.sql" -> 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO downloads (
			id, url, title, platform, format_id, quality, file_type, file_path,
			file_size, progress, status, speed, eta, error_message,
			thumbnail_url, duration, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.URL,
		job.Title,
		job.Platform,
		job.FormatID,
		job.Quality,
		job.FileType,
		job.FilePath,
		job.FileSize,
		job.Progress,
		string(job.Status),
		job.Speed,
		job.ETA,
		job.Error,
		job.ThumbnailURL,
		job.Duration,
		job.CreatedAt,
	)
	return err
}

// updateClauses builds the SET fragment from the set fields of upd only, so
// concurrent writers touching disjoint fields never clobber each other.
func updateClauses(upd jobs.Update) ([]string, []any) {
	columns := make([]string, 0, 8)
	values := make([]any, 0, 8)

	if upd.Status != nil {
		columns = append(columns, "status = ?")
		values = append(values, string(*upd.Status))
	}
	if upd.Progress != nil {
		columns = append(columns, "progress = ?")
		values = append(values, *upd.Progress)
	}
	if upd.Speed != nil {
		columns = append(columns, "speed = ?")
		values = append(values, *upd.Speed)
	}
	if upd.ETA != nil {
		columns = append(columns, "eta = ?")
		values = append(values, *upd.ETA)
	}
	if upd.FileSize != nil {
		columns = append(columns, "file_size = ?")
		values = append(values, *upd.FileSize)
	}
	if upd.FilePath != nil {
		columns = append(columns, "file_path = ?")
		values = append(values, *upd.FilePath)
	}
	if upd.Error != nil {
		columns = append(columns, "error_message = ?")
		values = append(values, *upd.Error)
	}
	if upd.CompletedAt != nil {
		columns = append(columns, "completed_at = ?")
		values = append(values, *upd.CompletedAt)
	}
	return columns, values
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, jobID string, upd jobs.Update) error {
	columns, values := updateClauses(upd)
	if len(columns) == 0 {
		return nil
	}
	values = append(values, jobID)

	res, err := s.db.ExecContext(
		ctx,
		"UPDATE downloads SET "+strings.Join(columns, ", ")+" WHERE id = ?",
		values...,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return jobs.ErrNotFound
	}
	return nil
}

// TransitionJob is the compare-and-set the orchestrator relies on for
// admission: the status guard sits in the WHERE clause, so the check and the
// write are one statement.
func (s *SQLiteStore) TransitionJob(ctx context.Context, jobID string, from jobs.Status, upd jobs.Update) (bool, error) {
	columns, values := updateClauses(upd)
	if len(columns) == 0 {
		return false, nil
	}
	values = append(values, jobID, string(from))

	res, err := s.db.ExecContext(
		ctx,
		"UPDATE downloads SET "+strings.Join(columns, ", ")+" WHERE id = ? AND status = ?",
		values...,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	// Distinguish a lost race from a job that never existed.
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

const jobColumns = `id, url, title, platform, format_id, quality, file_type, file_path,
	file_size, progress, status, speed, eta, error_message, thumbnail_url,
	duration, created_at, completed_at`

func scanJob(row interface{ Scan(dest ...any) error }) (*jobs.Job, error) {
	var job jobs.Job
	var status string
	var completedAt sql.NullTime
	if err := row.Scan(
		&job.ID,
		&job.URL,
		&job.Title,
		&job.Platform,
		&job.FormatID,
		&job.Quality,
		&job.FileType,
		&job.FilePath,
		&job.FileSize,
		&job.Progress,
		&status,
		&job.Speed,
		&job.ETA,
		&job.Error,
		&job.ThumbnailURL,
		&job.Duration,
		&job.CreatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	job.Status = jobs.Status(status)
	if completedAt.Valid {
		job.CompletedAt = completedAt.Time
	}
	return &job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM downloads WHERE id = ?`,
		jobID,
	)
	job, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, jobs.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, status jobs.Status) ([]*jobs.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM downloads`
	args := make([]any, 0, 1)
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, jobID)
	return err
}

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key)
	var value string
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)`,
		key, value,
	)
	return err
}

// SeedSettings inserts defaults for keys that have never been written,
// leaving existing values alone.
func (s *SQLiteStore) SeedSettings(ctx context.Context, defaults map[string]string) error {
	for key, value := range defaults {
		if _, err := s.db.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO settings (key, value) VALUES (?, ?)`,
			key, value,
		); err != nil {
			return err
		}
	}
	return nil
}
