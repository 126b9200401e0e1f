package api

import (
	"context"
	"time"

	"github.com/matheus3301/vksync/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// LogCounter counts conversation log entries.
type LogCounter interface {
	LogCount(ctx context.Context) (int64, error)
}

// SessionService implements the SessionService gRPC service.
type SessionService struct {
	sessionName string
	startedAt   time.Time
	machine     *status.Machine
	log         LogCounter
	logger      *zap.Logger
}

// NewSessionService creates a new session service. log may be nil.
func NewSessionService(sessionName string, machine *status.Machine, log LogCounter, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		machine:     machine,
		log:         log,
		logger:      logger,
	}
}

func (s *SessionService) GetSessionStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	resp := SessionStatus{
		Session:  s.sessionName,
		State:    string(s.machine.Current()),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	if s.log != nil {
		if n, err := s.log.LogCount(ctx); err == nil {
			resp.LogEntries = n
		} else {
			s.logger.Warn("count log entries", zap.Error(err))
		}
	}
	out, err := resp.encode()
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode status: %v", err)
	}
	return out, nil
}
