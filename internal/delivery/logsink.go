package delivery

import (
	"context"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/store"
	"go.uber.org/zap"
)

// LogStore is the conversation log the sink appends to.
type LogStore interface {
	AppendLog(ctx context.Context, e *store.LogEntry) (bool, error)
}

// LogSink writes conversation events to the log and republishes newly
// appended ones on the bus. Re-emitting a logged message is a no-op.
type LogSink struct {
	log    LogStore
	bus    *bus.Bus
	logger *zap.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(log LogStore, b *bus.Bus, logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{log: log, bus: b, logger: logger}
}

// Emit appends evt to the conversation log.
func (s *LogSink) Emit(ctx context.Context, evt Event) error {
	msg := evt.Message
	kind := store.EntryLogAppend
	if evt.Kind == bus.KindNewMessage {
		kind = store.EntryNewMessage
	}
	inserted, err := s.log.AppendLog(ctx, &store.LogEntry{
		MsgID:       msg.ID,
		Peer:        msg.Peer,
		Author:      msg.Author,
		Body:        msg.Text,
		SentAt:      msg.Timestamp.UnixMilli(),
		Outgoing:    msg.Outgoing,
		Unread:      msg.Unread,
		Kind:        kind,
		Undelivered: evt.Undelivered,
	})
	if err != nil {
		return err
	}
	if !inserted {
		s.logger.Debug("message already logged", zap.Uint64("msg_id", msg.ID))
		return nil
	}
	s.bus.Publish(bus.Event{Kind: evt.Kind, Payload: evt})
	return nil
}
