package store

import (
	"context"
	"strings"

	"github.com/matheus3301/vksync/internal/message"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchLog returns log entries whose body contains query, newest first.
// A nil peer searches every conversation.
func (db *DB) SearchLog(ctx context.Context, query string, peer *message.Peer, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT msg_id, peer_kind || ':' || peer_id, author, body, sent_at,
		       outgoing, unread, kind, undelivered, logged_at
		FROM conversation_log
		WHERE body LIKE ? ESCAPE '\'`

	args := []any{"%" + likeEscaper.Replace(query) + "%"}
	if peer != nil {
		q += " AND peer_kind = ? AND peer_id = ?"
		args = append(args, peer.Kind.String(), peer.ID)
	}
	q += " ORDER BY msg_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []LogEntry
	for rows.Next() {
		var e LogEntry
		var peerStr string
		if err := rows.Scan(
			&e.MsgID, &peerStr, &e.Author, &e.Body, &e.SentAt,
			&e.Outgoing, &e.Unread, &e.Kind, &e.Undelivered, &e.LoggedAt,
		); err != nil {
			return nil, err
		}
		if e.Peer, err = message.ParsePeer(peerStr); err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}
