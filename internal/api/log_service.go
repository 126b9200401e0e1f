package api

import (
	"context"

	"github.com/matheus3301/vksync/internal/markup"
	"github.com/matheus3301/vksync/internal/message"
	"github.com/matheus3301/vksync/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// LogReader reads the conversation log and stored thumbnails.
type LogReader interface {
	ListLog(ctx context.Context, peer message.Peer, beforeID uint64, limit int) ([]store.LogEntry, error)
	SearchLog(ctx context.Context, query string, peer *message.Peer, limit int) ([]store.LogEntry, error)
	GetImage(ctx context.Context, id int64) (*store.Image, error)
}

// Names resolves author display names.
type Names interface {
	DisplayName(ctx context.Context, uid uint64) string
}

const maxListLimit = 500

// LogService implements the LogService gRPC service.
type LogService struct {
	log   LogReader
	names Names
}

// NewLogService creates a new log service backed by the store. names may be nil.
func NewLogService(log LogReader, names Names) *LogService {
	return &LogService{log: log, names: names}
}

func (s *LogService) ListLog(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	peer, err := message.ParsePeer(str(req, "peer"))
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	beforeID, err := idValue(req.GetFields()["before_id"])
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "before_id: %v", err)
	}
	limit := min(int(number(req, "limit")), maxListLimit)

	entries, err := s.log.ListLog(ctx, peer, beforeID, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list log: %v", err)
	}

	return s.encodeEntries(ctx, entries)
}

// SearchLog finds log entries containing a text. Bodies are stored as
// escaped markup, so the query is escaped the same way before matching.
func (s *LogService) SearchLog(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	query := str(req, "query")
	if query == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query must not be empty")
	}
	var peer *message.Peer
	if raw := str(req, "peer"); raw != "" {
		p, err := message.ParsePeer(raw)
		if err != nil {
			return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
		}
		peer = &p
	}
	limit := min(int(number(req, "limit")), maxListLimit)

	entries, err := s.log.SearchLog(ctx, markup.Escape(query), peer, limit)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "search log: %v", err)
	}
	return s.encodeEntries(ctx, entries)
}

func (s *LogService) encodeEntries(ctx context.Context, entries []store.LogEntry) (*structpb.ListValue, error) {
	values := make([]any, 0, len(entries))
	names := map[uint64]string{}
	for _, e := range entries {
		name, ok := names[e.Author]
		if !ok && s.names != nil {
			name = s.names.DisplayName(ctx, e.Author)
			names[e.Author] = name
		}
		values = append(values, LogEntry{
			MsgID:        e.MsgID,
			Peer:         e.Peer.String(),
			Author:       e.Author,
			AuthorName:   name,
			Body:         e.Body,
			SentAtUnixMs: e.SentAt,
			Outgoing:     e.Outgoing,
			Unread:       e.Unread,
			Kind:         e.Kind,
			Undelivered:  e.Undelivered,
		}.value())
	}
	out, err := structpb.NewList(values)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode log: %v", err)
	}
	return out, nil
}

func (s *LogService) GetImage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	imageID, err := idValue(req.GetFields()["id"])
	if err != nil || imageID == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "id must be a positive integer")
	}
	img, err := s.log.GetImage(ctx, int64(imageID))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "get image: %v", err)
	}
	if img == nil {
		return nil, grpcstatus.Errorf(codes.NotFound, "image %d not found", imageID)
	}
	out, err := Image{ID: img.ID, MIME: img.MIME, Width: img.Width, Height: img.Height, Data: img.Data}.encode()
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode image: %v", err)
	}
	return out, nil
}
