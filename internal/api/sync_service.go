package api

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/delivery"
	"github.com/matheus3301/vksync/internal/message"
	"github.com/matheus3301/vksync/internal/status"
	"github.com/matheus3301/vksync/internal/store"
	intsync "github.com/matheus3301/vksync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Engine is the sync engine as seen by the control API.
type Engine interface {
	Status(ctx context.Context) (intsync.Status, error)
	Resync(ctx context.Context) error
	FetchIDs(ctx context.Context, ids []uint64) error
	BeginLocalSend(ctx context.Context, at time.Time) error
	ConfirmLocalSend(ctx context.Context, id uint64, at time.Time) error
}

// Namespaces WatchEvents may subscribe to.
var watchNamespaces = []string{"conversation.", "outbox.", "sync.", "session.", "vk."}

// SyncService implements the SyncService gRPC service.
type SyncService struct {
	engine      Engine
	machine     *status.Machine
	bus         *bus.Bus
	sessionName string
	now         func() time.Time
	logger      *zap.Logger
}

// NewSyncService creates a new sync service.
func NewSyncService(engine Engine, machine *status.Machine, b *bus.Bus, sessionName string, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{
		engine:      engine,
		machine:     machine,
		bus:         b,
		sessionName: sessionName,
		now:         time.Now,
		logger:      logger,
	}
}

func (s *SyncService) GetSyncStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.engine.Status(ctx)
	if err != nil {
		return nil, engineError(err)
	}
	resp := SyncStatus{
		State:        string(s.machine.Current()),
		Watermark:    st.Watermark,
		Running:      st.Running,
		Queued:       st.Queued,
		PendingSends: st.PendingSends,
		LastError:    st.LastError,
	}
	if st.LastRun != nil {
		resp.LastRunID = st.LastRun.ID
		resp.LastRunTrigger = string(st.LastRun.Trigger)
		resp.LastRunStage = string(st.LastRun.Stage())
	}
	out, err := resp.encode()
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}

func (s *SyncService) Resync(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.engine.Resync(ctx); err != nil {
		return nil, engineError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *SyncService) FetchMessages(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	msgIDs, err := idList(req, "ids")
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "ids: %v", err)
	}
	if len(msgIDs) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "ids must not be empty")
	}
	if err := s.engine.FetchIDs(ctx, msgIDs); err != nil {
		return nil, engineError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *SyncService) BeginLocalSend(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	if err := s.engine.BeginLocalSend(ctx, s.sentAt(req)); err != nil {
		return nil, engineError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *SyncService) ConfirmLocalSend(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	msgID, err := idValue(req.GetFields()["message_id"])
	if err != nil || msgID == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message_id must be a positive integer")
	}
	if err := s.engine.ConfirmLocalSend(ctx, msgID, s.sentAt(req)); err != nil {
		return nil, engineError(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *SyncService) sentAt(req *structpb.Struct) time.Time {
	if ms := int64(number(req, "sent_at_unix_ms")); ms > 0 {
		return time.UnixMilli(ms)
	}
	return s.now()
}

func (s *SyncService) WatchEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	namespace := str(req, "namespace")
	if namespace == "" {
		namespace = "conversation."
	}
	if !strings.HasSuffix(namespace, ".") {
		namespace += "."
	}
	if !slices.Contains(watchNamespaces, namespace) {
		return grpcstatus.Errorf(codes.InvalidArgument, "unknown namespace %q", namespace)
	}

	ch, unsub := s.bus.Subscribe(namespace, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			out, err := Event{
				ID:               evt.ID,
				Session:          s.sessionName,
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Payload:          eventPayload(evt),
			}.encode()
			if err != nil {
				s.logger.Warn("skipping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// eventPayload flattens a bus payload into a Struct-compatible map.
func eventPayload(evt bus.Event) map[string]any {
	switch p := evt.Payload.(type) {
	case delivery.Event:
		m := p.Message
		return map[string]any{
			"msg_id":          m.ID,
			"peer":            m.Peer.String(),
			"author":          m.Author,
			"body":            m.Text,
			"sent_at_unix_ms": m.Timestamp.UnixMilli(),
			"outgoing":        m.Outgoing,
			"unread":          m.Unread,
			"undelivered":     p.Undelivered,
		}
	case *message.Notification:
		return map[string]any{
			"msg_id":   p.ID,
			"peer":     p.Peer.String(),
			"outgoing": p.Outgoing,
			"unread":   p.Unread,
		}
	case intsync.RunStarted:
		return map[string]any{"run_id": p.ID, "trigger": string(p.Trigger)}
	case intsync.RunFinished:
		out := map[string]any{
			"run_id":       p.Result.ID,
			"trigger":      string(p.Result.Trigger),
			"stage":        string(p.Result.Stage()),
			"fetched":      p.Result.Fetched,
			"dropped":      p.Result.Dropped,
			"new_messages": p.Result.Delivery.NewMessages,
			"log_appends":  p.Result.Delivery.LogAppends,
			"took_ms":      p.Result.Took.Milliseconds(),
		}
		if p.Err != nil {
			out["error"] = p.Err.Error()
		}
		return out
	case store.OutboxEntry:
		return outboxValue(p)
	case uint64:
		return map[string]any{"watermark": p}
	case status.StatusChange:
		return map[string]any{"from": string(p.From), "to": string(p.To)}
	case error:
		return map[string]any{"error": p.Error()}
	}
	return nil
}

// engineError maps engine errors to gRPC status codes.
func engineError(err error) error {
	switch {
	case errors.Is(err, intsync.ErrStopped):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, intsync.ErrSendTimeRegression):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}
