package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/vksync/internal/api"
	"github.com/matheus3301/vksync/internal/attachment"
	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/config"
	"github.com/matheus3301/vksync/internal/delivery"
	"github.com/matheus3301/vksync/internal/lock"
	"github.com/matheus3301/vksync/internal/logging"
	"github.com/matheus3301/vksync/internal/metrics"
	"github.com/matheus3301/vksync/internal/outbox"
	"github.com/matheus3301/vksync/internal/peers"
	"github.com/matheus3301/vksync/internal/session"
	"github.com/matheus3301/vksync/internal/status"
	"github.com/matheus3301/vksync/internal/store"
	intsync "github.com/matheus3301/vksync/internal/sync"
	"github.com/matheus3301/vksync/internal/thumbnail"
	"github.com/matheus3301/vksync/internal/vk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.vksync/config.toml
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideAccount,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideHealth,
			provideLock,
			provideStore,
			provideMetrics,
			provideVKClient,
			provideResolver,
			provideParser,
			provideFetcher,
			provideDirectory,
			providePrefetcher,
			provideSequencer,
			providePipeline,
			provideEngine,
			provideLongPoll,
			NewStatusTracker,
			provideSessionService,
			provideSyncService,
			provideLogService,
			provideOutbox,
			provideMessageService,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.LoadOrDefault(path)
}

func provideAccount(p Params, cfg *config.Config) config.Account {
	acct, _ := cfg.Account(p.SessionName)
	return acct
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideHealth() *health.Server {
	return health.NewServer()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// process that owns the session.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideMetrics() *metrics.Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return metrics.New(reg, reg)
}

func provideVKClient(cfg *config.Config, acct config.Account, logger *zap.Logger) *vk.Client {
	return vk.NewClient(vk.ClientConfig{
		BaseURL:           cfg.API.BaseURL,
		Token:             acct.AccessToken,
		Version:           cfg.API.Version,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		Timeout:           cfg.API.Timeout.Duration,
		MaxDownloadBytes:  cfg.Thumbnails.MaxBytes,
	}, logger.Named("vk"))
}

func provideResolver(cfg *config.Config) *attachment.Resolver {
	return attachment.NewResolver(cfg.API.SiteURL, cfg.Sync.MaxNestingDepth, time.Local)
}

func provideParser(r *attachment.Resolver) *vk.Parser {
	return vk.NewParser(r)
}

func provideFetcher(c *vk.Client, parser *vk.Parser, cfg *config.Config, logger *zap.Logger) *vk.Fetcher {
	return vk.NewFetcher(c, parser, cfg.Sync.PageSize, cfg.Sync.IDsPerCall, logger.Named("fetcher"))
}

func provideDirectory(db *store.DB, c *vk.Client, logger *zap.Logger) *peers.Directory {
	return peers.NewDirectory(db, c, logger.Named("peers"))
}

func providePrefetcher(c *vk.Client, db *store.DB, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *thumbnail.Prefetcher {
	opts := thumbnail.DefaultOptions()
	if cfg.Thumbnails.MaxDimension > 0 {
		opts.MaxDimension = cfg.Thumbnails.MaxDimension
	}
	if cfg.Thumbnails.JPEGQuality > 0 {
		opts.JPEGQuality = cfg.Thumbnails.JPEGQuality
	}
	return thumbnail.NewPrefetcher(c, db, opts, m, logger.Named("thumbnail"))
}

// provideSequencer wires the sequencer without a group deliverer: the daemon
// has no open group conversations, so unread group messages are logged as
// undelivered.
func provideSequencer(db *store.DB, b *bus.Bus, dir *peers.Directory, c *vk.Client, m *metrics.Metrics, logger *zap.Logger) *delivery.Sequencer {
	sink := delivery.NewLogSink(db, b, logger.Named("log"))
	return delivery.NewSequencer(sink, dir, dir, nil, c, m, logger.Named("delivery"))
}

func providePipeline(f *vk.Fetcher, parser *vk.Parser, pre *thumbnail.Prefetcher, seq *delivery.Sequencer, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *intsync.Pipeline {
	return intsync.NewPipeline(f, parser, pre, seq, b, m, logger.Named("pipeline"))
}

func provideEngine(pipeline *intsync.Pipeline, db *store.DB, b *bus.Bus, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*intsync.Engine, error) {
	wm, err := intsync.LoadWatermark(context.Background(), db)
	if err != nil {
		return nil, err
	}
	logger.Info("watermark loaded", zap.Uint64("watermark", wm.Value()))
	return intsync.NewEngine(pipeline, b, wm, intsync.Config{
		ResyncInterval: cfg.Sync.ResyncInterval.Duration,
		GuardWindow:    cfg.Sync.GuardWindow.Duration,
		RecheckDelay:   cfg.Sync.RecheckDelay.Duration,
		PendingSendTTL: cfg.Sync.PendingSendTTL.Duration,
	}, m, logger.Named("engine")), nil
}

func provideLongPoll(c *vk.Client, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *vk.LongPoll {
	return vk.NewLongPoll(c, b, cfg.Sync.LongPollWait.Duration, logger.Named("longpoll"))
}

func provideSessionService(p Params, m *status.Machine, db *store.DB, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(p.SessionName, m, db, logger)
}

func provideSyncService(p Params, engine *intsync.Engine, m *status.Machine, b *bus.Bus, logger *zap.Logger) *api.SyncService {
	return api.NewSyncService(engine, m, b, p.SessionName, logger)
}

func provideLogService(db *store.DB, dir *peers.Directory) *api.LogService {
	return api.NewLogService(db, dir)
}

func provideOutbox(db *store.DB, c *vk.Client, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, c, engine, b, logger.Named("outbox"))
}

func provideMessageService(ob *outbox.Sender, db *store.DB) *api.MessageService {
	return api.NewMessageService(ob, db)
}

type lifecycleDeps struct {
	fx.In

	Account  config.Account
	Server   *Server
	Metrics  *MetricsServer
	Lock     *lock.Lock
	DB       *store.DB
	Engine   *intsync.Engine
	LongPoll *vk.LongPoll
	Outbox   *outbox.Sender
	Tracker  *StatusTracker
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	runCtx, cancel := context.WithCancel(context.Background())
	pollDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Tracker first so no connection event is missed.
			d.Tracker.Start(runCtx)

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			if err := d.Metrics.Start(); err != nil {
				return err
			}

			if d.Account.AccessToken == "" {
				d.Logger.Info("no access token configured, auth required")
				d.Tracker.Move(status.AuthRequired)
				close(pollDone)
				return nil
			}

			d.Tracker.Move(status.Connecting)
			d.Engine.Start(runCtx)
			d.Outbox.Start(runCtx)
			go func() {
				defer close(pollDone)
				err := d.LongPoll.Run(runCtx)
				if vk.IsAuthError(err) {
					d.Logger.Error("access token rejected", zap.Error(err))
					return
				}
				if err != nil && !errors.Is(err, context.Canceled) {
					d.Logger.Error("long-poll stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Tracker.Move(status.Closing)
			cancel()
			d.Outbox.Stop()
			d.Engine.Stop()
			<-pollDone
			d.Server.Stop(ctx)
			if err := d.Metrics.Stop(ctx); err != nil {
				d.Logger.Warn("error stopping metrics server", zap.Error(err))
			}
			d.Tracker.Stop()
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			return nil
		},
	})
}
