// Package outbox sends locally composed messages and reports them to the
// sync engine so their notification echoes are recognized.
package outbox

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/message"
	"github.com/matheus3301/vksync/internal/store"
	intsync "github.com/matheus3301/vksync/internal/sync"
	"go.uber.org/zap"
)

// ErrEmptyText is returned by Enqueue for blank messages.
var ErrEmptyText = errors.New("message text is empty")

// TextSender posts a message to the remote service.
type TextSender interface {
	Send(ctx context.Context, peer message.Peer, text string, randomID int32) (uint64, error)
}

// LocalSends records local sends for echo reconciliation.
type LocalSends interface {
	BeginLocalSend(ctx context.Context, at time.Time) error
	ConfirmLocalSend(ctx context.Context, id uint64, at time.Time) error
}

const pollInterval = 500 * time.Millisecond

// Sender drains the outbox one entry at a time.
type Sender struct {
	db     *store.DB
	sender TextSender
	sends  LocalSends
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, sender TextSender, sends LocalSends, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:     db,
		sender: sender,
		sends:  sends,
		bus:    b,
		logger: logger,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue queues text for peer and returns its client message id. The
// message is sent once the sender is running.
func (s *Sender) Enqueue(ctx context.Context, peer message.Peer, text string) (string, error) {
	if text == "" {
		return "", ErrEmptyText
	}
	id := uuid.NewString()
	if err := s.db.QueueOutbox(ctx, id, peer, text); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return id, nil
}

// Start fails entries interrupted by a previous run and begins draining
// the outbox.
func (s *Sender) Start(ctx context.Context) {
	if n, err := s.db.FailInterruptedOutbox(ctx); err != nil {
		s.logger.Error("failed to reset interrupted sends", zap.Error(err))
	} else if n > 0 {
		s.logger.Warn("marked interrupted sends as failed", zap.Int64("count", n))
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for an in-flight send to finish.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	s.processPending(ctx)
	for {
		select {
		case <-ticker.C:
		case <-s.wake:
		case <-ctx.Done():
			return
		}
		s.processPending(ctx)
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to read outbox", zap.Error(err))
		}
		return
	}
	for _, entry := range pending {
		if !s.send(ctx, entry) {
			return
		}
	}
}

// send delivers one entry. It returns false when draining should stop.
func (s *Sender) send(ctx context.Context, entry store.OutboxEntry) bool {
	log := s.logger.With(zap.String("client_msg_id", entry.ClientMsgID), zap.Stringer("peer", entry.Peer))

	at := s.now()
	if err := s.sends.BeginLocalSend(ctx, at); err != nil {
		if !errors.Is(err, intsync.ErrSendTimeRegression) {
			// Engine gone; the entry stays queued.
			log.Debug("send postponed", zap.Error(err))
			return false
		}
		log.Warn("clock moved backwards, sending anyway", zap.Error(err))
	}
	if err := s.db.MarkOutboxSending(ctx, entry.ClientMsgID); err != nil {
		log.Error("failed to mark sending", zap.Error(err))
		return false
	}

	serverMsgID, err := s.sender.Send(ctx, entry.Peer, entry.Body, randomID(entry))
	if err != nil {
		if ctx.Err() != nil {
			// Left in 'sending'; the next start reports it as interrupted.
			return false
		}
		log.Error("failed to send message", zap.Error(err))
		if err := s.db.MarkOutboxFailed(ctx, entry.ClientMsgID, err.Error()); err != nil {
			log.Error("failed to mark failed", zap.Error(err))
		}
		entry.Status, entry.ErrorMessage = store.OutboxFailed, err.Error()
		s.bus.Publish(bus.Event{Kind: bus.KindOutboxFailed, Payload: entry})
		return true
	}

	if err := s.sends.ConfirmLocalSend(ctx, serverMsgID, at); err != nil {
		log.Warn("failed to record local send", zap.Uint64("msg_id", serverMsgID), zap.Error(err))
	}
	if err := s.db.MarkOutboxSent(ctx, entry.ClientMsgID, serverMsgID); err != nil {
		log.Error("failed to mark sent", zap.Error(err))
	}

	log.Info("message sent", zap.Uint64("msg_id", serverMsgID))
	entry.Status, entry.ServerMsgID = store.OutboxSent, serverMsgID
	s.bus.Publish(bus.Event{Kind: bus.KindOutboxSent, Payload: entry})
	return true
}

// randomID derives the server-side dedup key from the client message id.
func randomID(entry store.OutboxEntry) int32 {
	u, err := uuid.Parse(entry.ClientMsgID)
	if err != nil {
		return int32(entry.ID & 0x7fffffff)
	}
	return int32(binary.BigEndian.Uint32(u[:4]) & 0x7fffffff)
}
