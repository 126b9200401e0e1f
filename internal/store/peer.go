package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertPeers inserts or updates cached profiles in a single transaction.
func (db *DB) UpsertPeers(ctx context.Context, peers []Peer) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, p := range peers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO peers (uid, first_name, last_name, screen_name, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(uid) DO UPDATE SET
				first_name = CASE WHEN excluded.first_name != '' THEN excluded.first_name ELSE peers.first_name END,
				last_name = CASE WHEN excluded.last_name != '' THEN excluded.last_name ELSE peers.last_name END,
				screen_name = CASE WHEN excluded.screen_name != '' THEN excluded.screen_name ELSE peers.screen_name END,
				updated_at = excluded.updated_at`,
			p.UID, p.FirstName, p.LastName, p.ScreenName, now); err != nil {
			return fmt.Errorf("upsert peer %d: %w", p.UID, err)
		}
	}
	return tx.Commit()
}

// GetPeer returns a cached profile, or nil if unknown.
func (db *DB) GetPeer(ctx context.Context, uid uint64) (*Peer, error) {
	var p Peer
	err := db.QueryRowContext(ctx, `SELECT uid, first_name, last_name, screen_name FROM peers WHERE uid = ?`, uid).
		Scan(&p.UID, &p.FirstName, &p.LastName, &p.ScreenName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// AddBuddies records uids as buddies. Existing buddies are left unchanged.
func (db *DB) AddBuddies(ctx context.Context, uids []uint64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, uid := range uids {
		if _, err := tx.ExecContext(ctx, `INSERT INTO buddies (uid, added_at) VALUES (?, ?) ON CONFLICT(uid) DO NOTHING`, uid, now); err != nil {
			return fmt.Errorf("add buddy %d: %w", uid, err)
		}
	}
	return tx.Commit()
}

// IsBuddy reports whether uid is in the buddy list.
func (db *DB) IsBuddy(ctx context.Context, uid uint64) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM buddies WHERE uid = ?`, uid).Scan(&n)
	return n > 0, err
}
