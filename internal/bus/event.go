package bus

import "time"

// Event kinds. Subscribers filter by prefix ("vk.", "sync.", "conversation.", "outbox.", "session.").
const (
	KindNotification  = "vk.notification"
	KindConnected     = "vk.connected"
	KindDisconnected  = "vk.disconnected"
	KindReconnected   = "vk.reconnected"
	KindRunStarted    = "sync.run_started"
	KindRunFinished   = "sync.run_finished"
	KindWatermark     = "sync.watermark"
	KindNewMessage    = "conversation.new_message"
	KindLogAppend     = "conversation.log_append"
	KindOutboxSent    = "outbox.sent"
	KindOutboxFailed  = "outbox.failed"
	KindStatusChanged = "session.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}
