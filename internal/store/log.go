package store

import (
	"context"
	"time"

	"github.com/matheus3301/vksync/internal/message"
)

// AppendLog appends a message to the conversation log. It is idempotent on
// msg_id: inserted is false when the message was already logged.
func (db *DB) AppendLog(ctx context.Context, e *LogEntry) (inserted bool, err error) {
	if e.LoggedAt == 0 {
		e.LoggedAt = time.Now().UnixMilli()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO conversation_log (msg_id, peer_kind, peer_id, author, body, sent_at, outgoing, unread, kind, undelivered, logged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO NOTHING`,
		e.MsgID, e.Peer.Kind.String(), e.Peer.ID, e.Author, e.Body, e.SentAt,
		boolInt(e.Outgoing), boolInt(e.Unread), e.Kind, boolInt(e.Undelivered), e.LoggedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListLog returns log entries for a peer with msg_id below beforeID, newest
// first. beforeID 0 means no upper bound.
func (db *DB) ListLog(ctx context.Context, peer message.Peer, beforeID uint64, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeID == 0 {
		beforeID = 1<<63 - 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT msg_id, author, body, sent_at, outgoing, unread, kind, undelivered, logged_at
		FROM conversation_log
		WHERE peer_kind = ? AND peer_id = ? AND msg_id < ?
		ORDER BY msg_id DESC
		LIMIT ?`, peer.Kind.String(), peer.ID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []LogEntry
	for rows.Next() {
		e := LogEntry{Peer: peer}
		if err := rows.Scan(&e.MsgID, &e.Author, &e.Body, &e.SentAt, &e.Outgoing, &e.Unread, &e.Kind, &e.Undelivered, &e.LoggedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LogCount returns the number of logged messages.
func (db *DB) LogCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_log`).Scan(&count)
	return count, err
}
