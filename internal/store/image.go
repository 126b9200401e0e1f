package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PutImage stores an image and returns its id.
func (db *DB) PutImage(ctx context.Context, img *Image) (int64, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO images (source_url, mime, width, height, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		img.SourceURL, img.MIME, img.Width, img.Height, img.Data, time.Now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetImage returns an image by id, or nil if it does not exist.
func (db *DB) GetImage(ctx context.Context, id int64) (*Image, error) {
	var img Image
	err := db.QueryRowContext(ctx, `SELECT id, source_url, mime, width, height, data FROM images WHERE id = ?`, id).
		Scan(&img.ID, &img.SourceURL, &img.MIME, &img.Width, &img.Height, &img.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &img, nil
}
