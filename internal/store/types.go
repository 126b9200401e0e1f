package store

import "github.com/matheus3301/vksync/internal/message"

// Log entry kinds.
const (
	EntryNewMessage = "new_message"
	EntryLogAppend  = "log_append"
)

// LogEntry is one message in the conversation log.
type LogEntry struct {
	MsgID       uint64
	Peer        message.Peer
	Author      uint64
	Body        string
	SentAt      int64 // unix milliseconds
	Outgoing    bool
	Unread      bool
	Kind        string
	Undelivered bool
	LoggedAt    int64
}

// Image is a prefetched thumbnail.
type Image struct {
	ID        int64
	SourceURL string
	MIME      string
	Width     int
	Height    int
	Data      []byte
}

// Peer is a cached user profile.
type Peer struct {
	UID        uint64
	FirstName  string
	LastName   string
	ScreenName string
}

// DisplayName returns "First Last", falling back to the screen name.
func (p Peer) DisplayName() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	default:
		return p.ScreenName
	}
}

// Outbox entry states.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry is a locally composed message waiting to be sent.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	Peer         message.Peer
	Body         string
	Status       string
	ErrorMessage string
	ServerMsgID  uint64
	CreatedAt    int64
}
