package api

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/types/known/structpb"
)

// SessionStatus is the GetSessionStatus response.
type SessionStatus struct {
	Session    string
	State      string
	UptimeMs   int64
	LogEntries int64
}

// SyncStatus is the GetSyncStatus response.
type SyncStatus struct {
	State          string
	Watermark      uint64
	Running        bool
	Queued         int
	PendingSends   int
	LastRunID      string
	LastRunTrigger string
	LastRunStage   string
	LastError      string
}

// LogEntry is one ListLog row.
type LogEntry struct {
	MsgID        uint64
	Peer         string
	Author       uint64
	AuthorName   string
	Body         string
	SentAtUnixMs int64
	Outgoing     bool
	Unread       bool
	Kind         string
	Undelivered  bool
}

// Image is the GetImage response.
type Image struct {
	ID     int64
	MIME   string
	Width  int
	Height int
	Data   []byte
}

// OutboxEntry is the GetOutbox response.
type OutboxEntry struct {
	ClientMsgID     string
	Peer            string
	Body            string
	Status          string
	Error           string
	ServerMsgID     uint64
	CreatedAtUnixMs int64
}

// Event is one WatchEvents envelope.
type Event struct {
	ID               string
	Session          string
	Kind             string
	OccurredAtUnixMs int64
	Payload          map[string]any
}

func (s SessionStatus) encode() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"session":     s.Session,
		"state":       s.State,
		"uptime_ms":   s.UptimeMs,
		"log_entries": s.LogEntries,
	})
}

// DecodeSessionStatus reads a GetSessionStatus response.
func DecodeSessionStatus(s *structpb.Struct) SessionStatus {
	return SessionStatus{
		Session:    str(s, "session"),
		State:      str(s, "state"),
		UptimeMs:   int64(number(s, "uptime_ms")),
		LogEntries: int64(number(s, "log_entries")),
	}
}

func (s SyncStatus) encode() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"state":            s.State,
		"watermark":        s.Watermark,
		"running":          s.Running,
		"queued":           s.Queued,
		"pending_sends":    s.PendingSends,
		"last_run_id":      s.LastRunID,
		"last_run_trigger": s.LastRunTrigger,
		"last_run_stage":   s.LastRunStage,
		"last_error":       s.LastError,
	})
}

// DecodeSyncStatus reads a GetSyncStatus response.
func DecodeSyncStatus(s *structpb.Struct) SyncStatus {
	return SyncStatus{
		State:          str(s, "state"),
		Watermark:      uint64(number(s, "watermark")),
		Running:        boolean(s, "running"),
		Queued:         int(number(s, "queued")),
		PendingSends:   int(number(s, "pending_sends")),
		LastRunID:      str(s, "last_run_id"),
		LastRunTrigger: str(s, "last_run_trigger"),
		LastRunStage:   str(s, "last_run_stage"),
		LastError:      str(s, "last_error"),
	}
}

func (e LogEntry) value() map[string]any {
	return map[string]any{
		"msg_id":          e.MsgID,
		"peer":            e.Peer,
		"author":          e.Author,
		"author_name":     e.AuthorName,
		"body":            e.Body,
		"sent_at_unix_ms": e.SentAtUnixMs,
		"outgoing":        e.Outgoing,
		"unread":          e.Unread,
		"kind":            e.Kind,
		"undelivered":     e.Undelivered,
	}
}

// DecodeLogEntries reads a ListLog response.
func DecodeLogEntries(l *structpb.ListValue) []LogEntry {
	var entries []LogEntry
	for _, v := range l.GetValues() {
		s := v.GetStructValue()
		entries = append(entries, LogEntry{
			MsgID:        uint64(number(s, "msg_id")),
			Peer:         str(s, "peer"),
			Author:       uint64(number(s, "author")),
			AuthorName:   str(s, "author_name"),
			Body:         str(s, "body"),
			SentAtUnixMs: int64(number(s, "sent_at_unix_ms")),
			Outgoing:     boolean(s, "outgoing"),
			Unread:       boolean(s, "unread"),
			Kind:         str(s, "kind"),
			Undelivered:  boolean(s, "undelivered"),
		})
	}
	return entries
}

func (img Image) encode() (*structpb.Struct, error) {
	// []byte values are stored base64-encoded.
	return structpb.NewStruct(map[string]any{
		"id":     img.ID,
		"mime":   img.MIME,
		"width":  img.Width,
		"height": img.Height,
		"data":   img.Data,
	})
}

// DecodeImage reads a GetImage response.
func DecodeImage(s *structpb.Struct) (Image, error) {
	data, err := base64.StdEncoding.DecodeString(str(s, "data"))
	if err != nil {
		return Image{}, fmt.Errorf("decode image data: %w", err)
	}
	return Image{
		ID:     int64(number(s, "id")),
		MIME:   str(s, "mime"),
		Width:  int(number(s, "width")),
		Height: int(number(s, "height")),
		Data:   data,
	}, nil
}

func (e OutboxEntry) value() map[string]any {
	return map[string]any{
		"client_msg_id":      e.ClientMsgID,
		"peer":               e.Peer,
		"body":               e.Body,
		"status":             e.Status,
		"error":              e.Error,
		"server_msg_id":      e.ServerMsgID,
		"created_at_unix_ms": e.CreatedAtUnixMs,
	}
}

// DecodeOutboxEntry reads a GetOutbox response.
func DecodeOutboxEntry(s *structpb.Struct) OutboxEntry {
	return OutboxEntry{
		ClientMsgID:     str(s, "client_msg_id"),
		Peer:            str(s, "peer"),
		Body:            str(s, "body"),
		Status:          str(s, "status"),
		Error:           str(s, "error"),
		ServerMsgID:     uint64(number(s, "server_msg_id")),
		CreatedAtUnixMs: int64(number(s, "created_at_unix_ms")),
	}
}

func (e Event) encode() (*structpb.Struct, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return structpb.NewStruct(map[string]any{
		"event_id":            e.ID,
		"session":             e.Session,
		"kind":                e.Kind,
		"occurred_at_unix_ms": e.OccurredAtUnixMs,
		"payload_version":     1,
		"payload":             payload,
	})
}

// DecodeEvent reads a WatchEvents envelope.
func DecodeEvent(s *structpb.Struct) Event {
	return Event{
		ID:               str(s, "event_id"),
		Session:          str(s, "session"),
		Kind:             str(s, "kind"),
		OccurredAtUnixMs: int64(number(s, "occurred_at_unix_ms")),
		Payload:          s.GetFields()["payload"].GetStructValue().AsMap(),
	}
}

// FetchMessagesRequest builds a FetchMessages request.
func FetchMessagesRequest(ids []uint64) *structpb.Struct {
	values := make([]*structpb.Value, len(ids))
	for i, id := range ids {
		values[i] = structpb.NewNumberValue(float64(id))
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"ids": structpb.NewListValue(&structpb.ListValue{Values: values}),
	}}
}

// BeginLocalSendRequest builds a BeginLocalSend request. A zero sentAt means now.
func BeginLocalSendRequest(sentAtUnixMs int64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"sent_at_unix_ms": structpb.NewNumberValue(float64(sentAtUnixMs)),
	}}
}

// ConfirmLocalSendRequest builds a ConfirmLocalSend request. A zero sentAt means now.
func ConfirmLocalSendRequest(id uint64, sentAtUnixMs int64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"message_id":      structpb.NewNumberValue(float64(id)),
		"sent_at_unix_ms": structpb.NewNumberValue(float64(sentAtUnixMs)),
	}}
}

// ListLogRequest builds a ListLog request.
func ListLogRequest(peer string, beforeID uint64, limit int) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"peer":      structpb.NewStringValue(peer),
		"before_id": structpb.NewNumberValue(float64(beforeID)),
		"limit":     structpb.NewNumberValue(float64(limit)),
	}}
}

// SearchLogRequest builds a SearchLog request. An empty peer searches every
// conversation.
func SearchLogRequest(query, peer string, limit int) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"query": structpb.NewStringValue(query),
		"peer":  structpb.NewStringValue(peer),
		"limit": structpb.NewNumberValue(float64(limit)),
	}}
}

// SendMessageRequest builds a SendMessage request.
func SendMessageRequest(peer, text string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"peer": structpb.NewStringValue(peer),
		"text": structpb.NewStringValue(text),
	}}
}

// GetOutboxRequest builds a GetOutbox request.
func GetOutboxRequest(clientMsgID string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"client_msg_id": structpb.NewStringValue(clientMsgID),
	}}
}

// GetImageRequest builds a GetImage request.
func GetImageRequest(id int64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id": structpb.NewNumberValue(float64(id)),
	}}
}

// WatchEventsRequest builds a WatchEvents request. An empty namespace
// selects conversation events.
func WatchEventsRequest(namespace string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"namespace": structpb.NewStringValue(namespace),
	}}
}

func str(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func number(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

func boolean(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

// idValue reads a non-negative integral field. Missing fields read as 0.
func idValue(v *structpb.Value) (uint64, error) {
	f := v.GetNumberValue()
	if f < 0 || f != math.Trunc(f) || f > 1<<53 {
		return 0, fmt.Errorf("invalid id %v", f)
	}
	return uint64(f), nil
}

func idList(s *structpb.Struct, key string) ([]uint64, error) {
	var out []uint64
	for _, v := range s.GetFields()[key].GetListValue().GetValues() {
		n, err := idValue(v)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, errors.New("invalid id 0")
		}
		out = append(out, n)
	}
	return out, nil
}
