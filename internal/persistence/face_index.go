package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MimeLyc/media-pipeline/internal/faceinfo"
)

// FaceIndex is the face-search table keyed by crop buffer id.
type FaceIndex struct {
	db *sql.DB
}

func (s *SQLiteStore) FaceIndex() *FaceIndex {
	return &FaceIndex{db: s.db}
}

// Clear drops every entry.
func (f *FaceIndex) Clear(ctx context.Context) error {
	if _, err := f.db.ExecContext(ctx, `DELETE FROM face_index`); err != nil {
		return fmt.Errorf("clear face index: %w", err)
	}
	return nil
}

// Replace swaps the entries of mediaPath for faces in one transaction.
func (f *FaceIndex) Replace(ctx context.Context, mediaPath string, faces []faceinfo.Descriptor) error {
	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin face index tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM face_index WHERE media_path = ?`, mediaPath); err != nil {
		return fmt.Errorf("delete faces of %s: %w", mediaPath, err)
	}
	now := time.Now().UnixNano()
	for _, face := range faces {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO face_index (buffer_id, media_path, x, y, w, h, sharpness, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(buffer_id) DO UPDATE SET
				media_path = excluded.media_path,
				x = excluded.x,
				y = excluded.y,
				w = excluded.w,
				h = excluded.h,
				sharpness = excluded.sharpness`,
			face.BufferID, mediaPath, face.X, face.Y, face.W, face.H, face.Sharpness, now,
		); err != nil {
			return fmt.Errorf("insert face %s: %w", face.BufferID, err)
		}
	}
	return tx.Commit()
}

// Faces returns the entries of mediaPath, largest first.
func (f *FaceIndex) Faces(ctx context.Context, mediaPath string) ([]faceinfo.Descriptor, error) {
	rows, err := f.db.QueryContext(
		ctx,
		`SELECT buffer_id, x, y, w, h, sharpness FROM face_index WHERE media_path = ? ORDER BY w * h DESC, buffer_id`,
		mediaPath,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ret []faceinfo.Descriptor
	for rows.Next() {
		var d faceinfo.Descriptor
		if err := rows.Scan(&d.BufferID, &d.X, &d.Y, &d.W, &d.H, &d.Sharpness); err != nil {
			return nil, err
		}
		ret = append(ret, d)
	}
	return ret, rows.Err()
}

func (f *FaceIndex) Count(ctx context.Context) (int, error) {
	var n int
	err := f.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM face_index`).Scan(&n)
	return n, err
}
