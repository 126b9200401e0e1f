package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/vksync/internal/message"
)

const outboxColumns = `id, client_msg_id, peer_kind || ':' || peer_id, body, status, error_message, server_msg_id, created_at`

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(ctx context.Context, clientMsgID string, peer message.Peer, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox (client_msg_id, peer_kind, peer_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		clientMsgID, peer.Kind.String(), peer.ID, body, OutboxQueued, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(ctx context.Context, clientMsgID string) error {
	return db.setOutboxStatus(ctx, clientMsgID, OutboxSending, "", 0)
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message id.
func (db *DB) MarkOutboxSent(ctx context.Context, clientMsgID string, serverMsgID uint64) error {
	return db.setOutboxStatus(ctx, clientMsgID, OutboxSent, "", serverMsgID)
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error {
	return db.setOutboxStatus(ctx, clientMsgID, OutboxFailed, errMsg, 0)
}

func (db *DB) setOutboxStatus(ctx context.Context, clientMsgID, status, errMsg string, serverMsgID uint64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, error_message = ?, server_msg_id = ?, updated_at = ?
		WHERE client_msg_id = ?`,
		status, errMsg, serverMsgID, time.Now().UnixMilli(), clientMsgID)
	return err
}

// FailInterruptedOutbox marks entries left in 'sending' by a previous run as
// failed. Whether the remote side accepted them is unknown, so they are not
// retried.
func (db *DB) FailInterruptedOutbox(ctx context.Context) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = ?, error_message = 'interrupted', updated_at = ?
		WHERE status = ?`,
		OutboxFailed, time.Now().UnixMilli(), OutboxSending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE status = ? ORDER BY id ASC`, OutboxQueued)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// GetOutbox returns an outbox entry by client id, or nil if it does not exist.
func (db *DB) GetOutbox(ctx context.Context, clientMsgID string) (*OutboxEntry, error) {
	e, err := scanOutbox(db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE client_msg_id = ?`, clientMsgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOutbox(row scanner) (*OutboxEntry, error) {
	var e OutboxEntry
	var peer string
	if err := row.Scan(&e.ID, &e.ClientMsgID, &peer, &e.Body, &e.Status, &e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt); err != nil {
		return nil, err
	}
	p, err := message.ParsePeer(peer)
	if err != nil {
		return nil, err
	}
	e.Peer = p
	return &e, nil
}
