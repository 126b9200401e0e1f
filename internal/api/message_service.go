package api

import (
	"context"
	"errors"

	"github.com/matheus3301/vksync/internal/message"
	"github.com/matheus3301/vksync/internal/outbox"
	"github.com/matheus3301/vksync/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Outbox queues local sends.
type Outbox interface {
	Enqueue(ctx context.Context, peer message.Peer, text string) (string, error)
}

// OutboxReader looks up queued sends.
type OutboxReader interface {
	GetOutbox(ctx context.Context, clientMsgID string) (*store.OutboxEntry, error)
}

// MessageService implements the MessageService gRPC service.
type MessageService struct {
	outbox Outbox
	reader OutboxReader
}

// NewMessageService creates a new message service.
func NewMessageService(ob Outbox, reader OutboxReader) *MessageService {
	return &MessageService{outbox: ob, reader: reader}
}

func (s *MessageService) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	peer, err := message.ParsePeer(str(req, "peer"))
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	id, err := s.outbox.Enqueue(ctx, peer, str(req, "text"))
	if errors.Is(err, outbox.ErrEmptyText) {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "queue message: %v", err)
	}
	return structpb.NewStruct(map[string]any{"client_msg_id": id})
}

func (s *MessageService) GetOutbox(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := str(req, "client_msg_id")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "client_msg_id is required")
	}
	e, err := s.reader.GetOutbox(ctx, id)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "get outbox: %v", err)
	}
	if e == nil {
		return nil, grpcstatus.Errorf(codes.NotFound, "outbox entry %q not found", id)
	}
	return structpb.NewStruct(outboxValue(*e))
}

func outboxValue(e store.OutboxEntry) map[string]any {
	return OutboxEntry{
		ClientMsgID:     e.ClientMsgID,
		Peer:            e.Peer.String(),
		Body:            e.Body,
		Status:          e.Status,
		Error:           e.ErrorMessage,
		ServerMsgID:     e.ServerMsgID,
		CreatedAtUnixMs: e.CreatedAt,
	}.value()
}
