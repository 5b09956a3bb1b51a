package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MimeLyc/media-pipeline/internal/apperr"
)

// DefaultMarkerKey names the media index version marker.
const DefaultMarkerKey = "mediaIndexVersion"

// SQLiteMarker keeps an integer marker in the kv table.
type SQLiteMarker struct {
	db  *sql.DB
	key string
}

func (s *SQLiteStore) Marker(key string) *SQLiteMarker {
	if key == "" {
		key = DefaultMarkerKey
	}
	return &SQLiteMarker{db: s.db, key: key}
}

func (m *SQLiteMarker) Get(ctx context.Context) (int, bool, error) {
	var raw string
	err := m.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, m.key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperr.Wrap(err, apperr.BackendUnavailable, "read version marker").WithContext("key", m.key)
	}
	v, err := parseMarker(m.key, raw)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func (m *SQLiteMarker) Set(ctx context.Context, version int) error {
	_, err := m.db.ExecContext(
		ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		m.key,
		strconv.Itoa(version),
		time.Now().UnixNano(),
	)
	if err != nil {
		return apperr.Wrap(err, apperr.BackendUnavailable, "write version marker").WithContext("key", m.key)
	}
	return nil
}

func parseMarker(key, raw string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v < 0 {
		return 0, apperr.Newf(apperr.SchemaInconsistent, "version marker is not a non-negative integer: %q", raw).WithContext("key", key)
	}
	return v, nil
}
