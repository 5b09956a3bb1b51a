package persistence

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MimeLyc/media-pipeline/internal/jobs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore is the durable job store. It also backs the version marker and
// the face-search index when no other backend is configured.
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
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
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

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
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

const jobColumns = `id, kind, payload, priority, status, error, attempts, created_at, updated_at`

func (s *SQLiteStore) InsertJob(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	payload, err := jobs.EncodePayload(job.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		string(job.Kind),
		string(payload),
		int(job.Priority),
		string(job.Status),
		job.Error,
		job.Attempts,
		job.CreatedAt.UnixNano(),
		job.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) ClaimNext(ctx context.Context, now time.Time) (*jobs.Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ?
		 WHERE seq = (
			SELECT seq FROM jobs WHERE status = ?
			ORDER BY priority DESC, seq ASC
			LIMIT 1
		 )
		 RETURNING `+jobColumns,
		string(jobs.StatusActive),
		now.UnixNano(),
		string(jobs.StatusQueued),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *jobs.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET priority = ?, status = ?, error = ?, attempts = ?, updated_at = ? WHERE id = ?`,
		int(job.Priority),
		string(job.Status),
		job.Error,
		job.Attempts,
		job.UpdatedAt.UnixNano(),
		job.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrJobNotFound
	}
	return job, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, status jobs.Status) ([]*jobs.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY seq ASC`

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

func (s *SQLiteStore) RequeueFailed(ctx context.Context, filter jobs.RequeueFilter, now time.Time) (int, error) {
	query := `UPDATE jobs SET status = ?, updated_at = ?`
	args := []any{string(jobs.StatusQueued), now.UnixNano()}
	if filter.Priority != nil {
		query += `, priority = ?`
		args = append(args, int(*filter.Priority))
	}
	query += ` WHERE status = ?`
	args = append(args, string(jobs.StatusFailed))
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	return s.execCount(ctx, query, args...)
}

func (s *SQLiteStore) RequeueStale(ctx context.Context, olderThan, now time.Time) (int, error) {
	return s.execCount(
		ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		string(jobs.StatusQueued),
		now.UnixNano(),
		string(jobs.StatusActive),
		olderThan.UnixNano(),
	)
}

func (s *SQLiteStore) PruneCompleted(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		return 0, nil
	}
	return s.execCount(
		ctx,
		`DELETE FROM jobs WHERE status = ? AND seq NOT IN (
			SELECT seq FROM jobs WHERE status = ? ORDER BY updated_at DESC, seq DESC LIMIT ?
		)`,
		string(jobs.StatusCompleted),
		string(jobs.StatusCompleted),
		keep,
	)
}

func (s *SQLiteStore) execCount(ctx context.Context, query string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		job       jobs.Job
		kind      string
		payload   string
		priority  int
		status    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&job.ID,
		&kind,
		&payload,
		&priority,
		&status,
		&job.Error,
		&job.Attempts,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	job.Kind = jobs.Kind(kind)
	job.Priority = jobs.Priority(priority)
	job.Status = jobs.Status(status)
	job.CreatedAt = time.Unix(0, createdAt)
	job.UpdatedAt = time.Unix(0, updatedAt)

	p, err := jobs.DecodePayload(job.Kind, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	job.Payload = p
	return &job, nil
}
