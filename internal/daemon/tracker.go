package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/vksync/internal/api"
	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/status"
	intsync "github.com/matheus3301/vksync/internal/sync"
	"github.com/matheus3301/vksync/internal/vk"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// StatusTracker drives the session state machine from notification channel
// and pipeline events, and mirrors READY into the gRPC health service.
type StatusTracker struct {
	machine *status.Machine
	bus     *bus.Bus
	health  *health.Server
	logger  *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}

	// Loop-owned: whether the last pipeline run succeeded.
	synced bool
}

// NewStatusTracker creates a tracker. hs may be nil.
func NewStatusTracker(machine *status.Machine, b *bus.Bus, hs *health.Server, logger *zap.Logger) *StatusTracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &StatusTracker{machine: machine, bus: b, health: hs, logger: logger}
	t.setHealth(machine.Current())
	return t
}

// Start subscribes to vk.* and sync.* events.
func (t *StatusTracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	vkEvents, unsubVK := t.bus.Subscribe("vk.", 64)
	syncEvents, unsubSync := t.bus.Subscribe("sync.", 64)

	go func() {
		defer close(t.done)
		defer unsubVK()
		defer unsubSync()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-vkEvents:
				t.handle(evt)
			case evt := <-syncEvents:
				t.handle(evt)
			}
		}
	}()
}

// Stop stops the tracker and marks the health service as not serving.
func (t *StatusTracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	if t.health != nil {
		t.health.Shutdown()
	}
}

// Move transitions to the given state if the machine allows it. Moving to
// the current state is a no-op.
func (t *StatusTracker) Move(to status.State) bool {
	from := t.machine.Current()
	if from == to {
		return false
	}
	if err := t.machine.Transition(to); err != nil {
		t.logger.Debug("ignoring state change", zap.String("from", string(from)), zap.String("to", string(to)))
		return false
	}
	t.logger.Info("session state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	t.setHealth(to)
	return true
}

func (t *StatusTracker) handle(evt bus.Event) {
	switch evt.Kind {
	case bus.KindConnected:
		t.Move(status.Syncing)
		// The startup resync may have finished before the channel connected.
		if t.synced {
			t.Move(status.Ready)
		}
	case bus.KindReconnected:
		// The engine resyncs on reconnect; READY follows that run.
		t.Move(status.Syncing)
	case bus.KindDisconnected:
		if err, ok := evt.Payload.(error); ok && vk.IsAuthError(err) {
			t.Move(status.AuthRequired)
			return
		}
		t.Move(status.Reconnecting)
	case bus.KindRunStarted:
		if s := t.machine.Current(); s == status.Ready || s == status.Degraded {
			t.Move(status.Syncing)
		}
	case bus.KindRunFinished:
		fin, ok := evt.Payload.(intsync.RunFinished)
		if !ok {
			return
		}
		switch {
		case fin.Err == nil:
			t.synced = true
			t.Move(status.Ready)
		case errors.Is(fin.Err, context.Canceled):
		case vk.IsAuthError(fin.Err):
			t.synced = false
			t.Move(status.AuthRequired)
		default:
			t.synced = false
			t.Move(status.Degraded)
		}
	}
}

func (t *StatusTracker) setHealth(s status.State) {
	if t.health == nil {
		return
	}
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s == status.Ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	t.health.SetServingStatus("", st)
	t.health.SetServingStatus(api.SyncServiceName, st)
}
