package vk

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/vksync/internal/attachment"
	"github.com/matheus3301/vksync/internal/markup"
	"github.com/matheus3301/vksync/internal/message"
	"github.com/tidwall/gjson"
)

// RecordError describes a message record dropped because required fields
// were missing or malformed.
type RecordError struct {
	ID      uint64 // 0 when the id itself was missing
	Missing []string
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("message record %d: missing or invalid fields: %s", e.ID, strings.Join(e.Missing, ", "))
}

var requiredRecordFields = []string{"id", "user_id", "date", "read_state", "out"}

// Parser normalizes raw message records.
type Parser struct {
	resolver *attachment.Resolver
}

// NewParser creates a parser that renders attachments with resolver.
func NewParser(resolver *attachment.Resolver) *Parser {
	return &Parser{resolver: resolver}
}

// ParseRecord normalizes one record. A non-nil error means the record was
// dropped; problems lists attachments that were skipped while the message
// itself was kept.
func (p *Parser) ParseRecord(raw gjson.Result) (msg *message.Message, problems []error, err error) {
	var missing []string
	for _, name := range requiredRecordFields {
		if raw.Get(name).Type != gjson.Number {
			missing = append(missing, name)
		}
	}
	if raw.Get("body").Type != gjson.String {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return nil, nil, &RecordError{ID: raw.Get("id").Uint(), Missing: missing}
	}

	msg = &message.Message{
		ID:        raw.Get("id").Uint(),
		Author:    raw.Get("user_id").Uint(),
		Text:      markup.Clean(raw.Get("body").Str),
		Timestamp: time.Unix(raw.Get("date").Int(), 0),
		Unread:    raw.Get("read_state").Int() == 0,
		Outgoing:  raw.Get("out").Int() != 0,
	}
	if chat := raw.Get("chat_id"); chat.Type == gjson.Number {
		msg.Peer = message.ChatPeer(chat.Uint())
	} else {
		msg.Peer = message.UserPeer(msg.Author)
	}

	collect := func(frag attachment.Fragment) {
		msg.AppendFragment(frag.Text)
		msg.PendingThumbnails = append(msg.PendingThumbnails, frag.Thumbnails...)
		for _, e := range frag.Problems {
			problems = append(problems, fmt.Errorf("message %d: %w", msg.ID, e))
		}
	}
	for _, a := range raw.Get("attachments").Array() {
		collect(p.resolver.Resolve(a, msg.Unread, len(msg.PendingThumbnails)))
	}
	for _, f := range raw.Get("fwd_messages").Array() {
		collect(p.resolver.ResolveForward(f, msg.Unread, len(msg.PendingThumbnails)))
	}
	return msg, problems, nil
}

// Parse parses records into a batch, dropping malformed ones.
func (p *Parser) Parse(records []gjson.Result) *message.Batch {
	batch := &message.Batch{}
	for _, raw := range records {
		msg, problems, err := p.ParseRecord(raw)
		batch.Problems = append(batch.Problems, problems...)
		if err != nil {
			batch.Problems = append(batch.Problems, err)
			continue
		}
		batch.Messages = append(batch.Messages, msg)
	}
	return batch
}
