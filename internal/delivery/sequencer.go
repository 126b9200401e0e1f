// Package delivery finalizes fetched batches: it orders them, makes sure
// authors are known, emits exactly one conversation event per message and
// marks unread inbound messages as read.
package delivery

import (
	"context"
	"fmt"
	"slices"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/message"
	"github.com/matheus3301/vksync/internal/metrics"
	"go.uber.org/zap"
)

// Origin tells the sequencer how a message reached the batch.
type Origin uint8

const (
	// OriginSync is a message from a watermark or id fetch.
	OriginSync Origin = iota
	// OriginLive is a message announced by the notification channel and
	// attributed to another client.
	OriginLive
	// OriginLocalEcho is the notification echo of a message sent from here.
	OriginLocalEcho
)

// Event is one conversation event.
type Event struct {
	Kind        string // bus.KindNewMessage or bus.KindLogAppend
	Message     *message.Message
	Undelivered bool // an unread group message nobody took
}

// Sink receives conversation events in ascending message id order.
type Sink interface {
	Emit(ctx context.Context, evt Event) error
}

// PeerResolver makes sure profiles for uids are known, fetching the missing ones.
type PeerResolver interface {
	Resolve(ctx context.Context, uids []uint64) error
}

// BuddyList tracks peers the user has conversations with.
type BuddyList interface {
	IsBuddy(ctx context.Context, uid uint64) (bool, error)
	AddBuddies(ctx context.Context, uids []uint64) error
}

// GroupDeliverer hands an unread group message to an open group conversation.
type GroupDeliverer interface {
	DeliverGroup(ctx context.Context, msg *message.Message) error
}

// ReadMarker marks messages as read on the server.
type ReadMarker interface {
	MarkAsRead(ctx context.Context, ids []uint64) error
}

// Result summarizes one finalized batch.
type Result struct {
	MaxID       uint64
	NewMessages int
	LogAppends  int
	Undelivered int
}

// Sequencer finalizes batches.
type Sequencer struct {
	sink    Sink
	peers   PeerResolver
	buddies BuddyList
	groups  GroupDeliverer
	reader  ReadMarker
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewSequencer creates a sequencer. groups may be nil, in which case unread
// group messages are emitted with Undelivered set.
func NewSequencer(sink Sink, peers PeerResolver, buddies BuddyList, groups GroupDeliverer, reader ReadMarker, m *metrics.Metrics, logger *zap.Logger) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		sink:    sink,
		peers:   peers,
		buddies: buddies,
		groups:  groups,
		reader:  reader,
		metrics: m,
		logger:  logger,
	}
}

// Finalize emits msgs in ascending id order. origins maps message ids to how
// they arrived; missing ids are OriginSync. If ctx is cancelled before
// emission starts nothing is emitted and nothing is marked as read.
func (s *Sequencer) Finalize(ctx context.Context, msgs []*message.Message, origins map[uint64]Origin) (Result, error) {
	sorted := sortUnique(msgs)
	if len(sorted) == 0 {
		return Result{}, nil
	}

	s.resolveAuthors(ctx, sorted)
	s.addBuddies(ctx, sorted)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var res Result
	var unread []uint64
	for _, msg := range sorted {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		evt := s.classify(ctx, msg, origins[msg.ID])
		if err := s.sink.Emit(ctx, evt); err != nil {
			return res, fmt.Errorf("emit message %d: %w", msg.ID, err)
		}
		s.metrics.Delivered(evt.Kind)

		if evt.Kind == bus.KindNewMessage {
			res.NewMessages++
		} else {
			res.LogAppends++
		}
		if evt.Undelivered {
			res.Undelivered++
		}
		if msg.InboundUnread() {
			unread = append(unread, msg.ID)
		}
		res.MaxID = msg.ID
	}

	if len(unread) > 0 {
		if err := s.reader.MarkAsRead(ctx, unread); err != nil {
			s.logger.Warn("mark as read failed", zap.Int("count", len(unread)), zap.Error(err))
		}
	}
	return res, nil
}

func (s *Sequencer) classify(ctx context.Context, msg *message.Message, origin Origin) Event {
	evt := Event{Kind: bus.KindLogAppend, Message: msg}
	switch {
	case msg.Outgoing:
		if origin == OriginLive {
			evt.Kind = bus.KindNewMessage
		}
	case msg.Unread && msg.Peer.IsGroup():
		evt.Kind = bus.KindNewMessage
		if s.groups == nil {
			evt.Undelivered = true
		} else if err := s.groups.DeliverGroup(ctx, msg); err != nil {
			s.logger.Warn("group delivery failed",
				zap.Uint64("msg_id", msg.ID),
				zap.Stringer("peer", msg.Peer),
				zap.Error(err))
			evt.Undelivered = true
		}
	case msg.Unread:
		evt.Kind = bus.KindNewMessage
	}
	return evt
}

func (s *Sequencer) resolveAuthors(ctx context.Context, msgs []*message.Message) {
	var uids []uint64
	seen := make(map[uint64]bool)
	for _, msg := range msgs {
		if msg.Author != 0 && !seen[msg.Author] {
			seen[msg.Author] = true
			uids = append(uids, msg.Author)
		}
	}
	if len(uids) == 0 {
		return
	}
	if err := s.peers.Resolve(ctx, uids); err != nil {
		s.logger.Warn("peer resolution failed", zap.Int("count", len(uids)), zap.Error(err))
	}
}

func (s *Sequencer) addBuddies(ctx context.Context, msgs []*message.Message) {
	var add []uint64
	seen := make(map[uint64]bool)
	for _, msg := range msgs {
		if !msg.InboundUnread() || msg.Peer.IsGroup() || seen[msg.Peer.ID] {
			continue
		}
		seen[msg.Peer.ID] = true
		ok, err := s.buddies.IsBuddy(ctx, msg.Peer.ID)
		if err != nil {
			s.logger.Warn("buddy lookup failed", zap.Uint64("uid", msg.Peer.ID), zap.Error(err))
			continue
		}
		if !ok {
			add = append(add, msg.Peer.ID)
		}
	}
	if len(add) == 0 {
		return
	}
	if err := s.buddies.AddBuddies(ctx, add); err != nil {
		s.logger.Warn("add buddies failed", zap.Int("count", len(add)), zap.Error(err))
	}
}

// sortUnique returns msgs stable-sorted by id with duplicate ids removed,
// keeping the first occurrence.
func sortUnique(msgs []*message.Message) []*message.Message {
	sorted := make([]*message.Message, 0, len(msgs))
	seen := make(map[uint64]bool, len(msgs))
	for _, msg := range msgs {
		if msg == nil || seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true
		sorted = append(sorted, msg)
	}
	slices.SortStableFunc(sorted, func(a, b *message.Message) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return sorted
}
