// Package message holds the normalized message model shared by every stage
// of the sync pipeline.
package message

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PeerKind tags a Peer as a direct conversation or a group chat.
type PeerKind uint8

const (
	PeerUser PeerKind = iota
	PeerChat
)

func (k PeerKind) String() string {
	if k == PeerChat {
		return "chat"
	}
	return "user"
}

// Peer identifies the conversation a message belongs to.
type Peer struct {
	Kind PeerKind
	ID   uint64
}

// UserPeer returns a direct-conversation peer.
func UserPeer(uid uint64) Peer { return Peer{Kind: PeerUser, ID: uid} }

// ChatPeer returns a group-conversation peer.
func ChatPeer(chatID uint64) Peer { return Peer{Kind: PeerChat, ID: chatID} }

// IsGroup reports whether the peer is a group chat.
func (p Peer) IsGroup() bool { return p.Kind == PeerChat }

func (p Peer) String() string {
	return fmt.Sprintf("%s:%d", p.Kind, p.ID)
}

// ParsePeer parses the "user:<id>" or "chat:<id>" form produced by String.
func ParsePeer(s string) (Peer, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok {
		return Peer{}, fmt.Errorf("invalid peer %q: want user:<id> or chat:<id>", s)
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil || n == 0 {
		return Peer{}, fmt.Errorf("invalid peer id in %q", s)
	}
	switch kind {
	case "user":
		return UserPeer(n), nil
	case "chat":
		return ChatPeer(n), nil
	}
	return Peer{}, fmt.Errorf("invalid peer kind %q", kind)
}

// Thumbnail is a placeholder token in Message.Text waiting for the image at URL.
type Thumbnail struct {
	Token string
	URL   string
}

// PlaceholderToken returns the placeholder for the n-th thumbnail of a message.
func PlaceholderToken(n int) string {
	return fmt.Sprintf("<thumbnail-placeholder-%d>", n)
}

// ImageTag returns the markup that replaces a placeholder once the image is stored.
func ImageTag(imageID int64) string {
	return fmt.Sprintf(`<img id="%d">`, imageID)
}

// Message is one remote message record after normalization.
type Message struct {
	ID                uint64
	Peer              Peer
	Author            uint64
	Text              string
	Timestamp         time.Time
	Unread            bool
	Outgoing          bool
	PendingThumbnails []Thumbnail
}

// AppendFragment appends rendered text, separating it from existing text with a line break.
func (m *Message) AppendFragment(text string) {
	if text == "" {
		return
	}
	if m.Text != "" {
		m.Text += "<br>"
	}
	m.Text += text
}

// ReplaceToken substitutes the first occurrence of token in the text.
func (m *Message) ReplaceToken(token, replacement string) bool {
	if !strings.Contains(m.Text, token) {
		return false
	}
	m.Text = strings.Replace(m.Text, token, replacement, 1)
	return true
}

// InboundUnread reports whether the message is an unread message from someone else.
func (m *Message) InboundUnread() bool {
	return m.Unread && !m.Outgoing
}

// Batch is the result of one fetch: the messages that parsed, plus the
// per-record and per-attachment problems that were skipped along the way.
type Batch struct {
	Messages []*Message
	Problems []error
}

// Len returns the number of messages in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Messages)
}

// Notification is a live event from the notification channel about a single message.
type Notification struct {
	ID       uint64
	Peer     Peer
	Outgoing bool
	Unread   bool
}
