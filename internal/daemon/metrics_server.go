package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/matheus3301/vksync/internal/config"
	"github.com/matheus3301/vksync/internal/metrics"
	"go.uber.org/zap"
)

// MetricsServer serves /metrics over HTTP. With no listen address
// configured it does nothing.
type MetricsServer struct {
	addr   string
	srv    *http.Server
	lis    net.Listener
	logger *zap.Logger
}

// NewMetricsServer creates the metrics endpoint from the [metrics] section.
func NewMetricsServer(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &MetricsServer{
		addr:   cfg.Metrics.Listen,
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		logger: logger,
	}
}

// Start binds the listen address and serves in the background.
func (s *MetricsServer) Start() error {
	if s.addr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", s.addr, err)
	}
	s.lis = lis
	s.logger.Info("metrics server starting", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or "" when not serving.
func (s *MetricsServer) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// Stop shuts the server down.
func (s *MetricsServer) Stop(ctx context.Context) error {
	if s.lis == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
