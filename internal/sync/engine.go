// Package sync keeps the local conversation log in step with the remote
// service. The Engine owns all per-session sync state in a single loop and
// feeds jobs to the Pipeline one at a time.
package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/delivery"
	"github.com/matheus3301/vksync/internal/message"
	"github.com/matheus3301/vksync/internal/metrics"
	"go.uber.org/zap"
)

// Config holds the engine timings.
type Config struct {
	ResyncInterval time.Duration
	GuardWindow    time.Duration
	RecheckDelay   time.Duration
	PendingSendTTL time.Duration
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		ResyncInterval: 15 * time.Minute,
		GuardWindow:    time.Second,
		RecheckDelay:   5 * time.Second,
		PendingSendTTL: time.Minute,
	}
}

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, job Job, watermark uint64) (*RunResult, error)
}

// Status is a snapshot of the engine state.
type Status struct {
	Watermark    uint64
	Running      bool
	Queued       int
	PendingSends int
	LastRun      *RunResult
	LastError    string
}

type outcome struct {
	job Job
	res *RunResult
	err error
}

// Engine serializes everything that touches the watermark, the pending
// sends and the job queue through one goroutine. Public methods post
// closures to that goroutine.
type Engine struct {
	runner     Runner
	bus        *bus.Bus
	watermark  *Watermark
	pending    *PendingSends
	reconciler *Reconciler
	cfg        Config
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	ops     chan func()
	results chan outcome
	done    chan struct{}
	cancel  context.CancelFunc
	runs    gosync.WaitGroup

	// Loop-owned.
	queue     []Job
	running   bool
	cancelRun context.CancelFunc
	lastRun   *RunResult
	lastErr   error

	// resyncOwed is set while the range above the watermark has not been
	// fetched completely.
	resyncOwed bool
}

// NewEngine creates an engine.
func NewEngine(runner Runner, b *bus.Bus, wm *Watermark, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		runner:     runner,
		bus:        b,
		watermark:  wm,
		pending:    NewPendingSends(),
		reconciler: NewReconciler(cfg.GuardWindow),
		cfg:        cfg,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
		ops:        make(chan func(), 16),
		results:    make(chan outcome, 1),
		done:       make(chan struct{}),
	}
}

// Start subscribes to notification channel events and starts the loop with
// an initial resync.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	events, unsub := e.bus.SubscribeLossless("vk.", 256)
	e.metrics.SetWatermark(e.watermark.Value())
	go func() {
		defer unsub()
		e.loop(ctx, events)
	}()
}

// Stop cancels the active run and waits for the loop to exit. Results of
// the cancelled run are discarded.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.runs.Wait()
}

func (e *Engine) loop(ctx context.Context, events <-chan bus.Event) {
	defer close(e.done)

	var tick <-chan time.Time
	if e.cfg.ResyncInterval > 0 {
		ticker := time.NewTicker(e.cfg.ResyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	e.enqueueResync()
	e.startNext(ctx)
	for {
		select {
		case <-ctx.Done():
			if e.cancelRun != nil {
				e.cancelRun()
			}
			return
		case fn := <-e.ops:
			fn()
		case evt := <-events:
			e.handleEvent(evt)
		case <-tick:
			e.expirePending()
			e.enqueueResync()
		case out := <-e.results:
			e.finish(ctx, out)
		}
		e.startNext(ctx)
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindNotification:
		n, ok := evt.Payload.(*message.Notification)
		if !ok {
			return
		}
		if !n.Outgoing {
			e.enqueue(Job{Trigger: TriggerLive, IDs: []uint64{n.ID}})
			return
		}
		e.expirePending()
		e.reconcile(n.ID, false)
	case bus.KindReconnected:
		e.logger.Info("notification channel reconnected, scheduling resync")
		e.enqueueResync()
	}
}

// reconcile attributes an outgoing notification and queues its delivery.
func (e *Engine) reconcile(id uint64, final bool) {
	d := e.reconciler.Check(e.pending, id, e.now(), final)
	e.metrics.Decision(d.String())
	e.logger.Debug("reconciled outgoing notification", zap.Uint64("msg_id", id), zap.Stringer("decision", d))

	switch d {
	case DecisionLocalEcho:
		e.enqueue(Job{Trigger: TriggerLive, IDs: []uint64{id}, Origins: map[uint64]delivery.Origin{id: delivery.OriginLocalEcho}})
	case DecisionForeign:
		e.enqueue(Job{Trigger: TriggerLive, IDs: []uint64{id}, Origins: map[uint64]delivery.Origin{id: delivery.OriginLive}})
	case DecisionDefer:
		time.AfterFunc(e.cfg.RecheckDelay, func() {
			e.post(func() { e.reconcile(id, true) })
		})
	}
}

func (e *Engine) enqueue(job Job) {
	e.queue = append(e.queue, job)
}

// enqueueResync queues a resync unless one is already waiting.
func (e *Engine) enqueueResync() {
	for _, j := range e.queue {
		if j.Trigger == TriggerResync {
			return
		}
	}
	e.enqueue(Job{Trigger: TriggerResync})
}

func (e *Engine) expirePending() {
	if n := e.pending.Expire(e.now(), e.cfg.PendingSendTTL); n > 0 {
		e.logger.Debug("expired pending sends", zap.Int("count", n))
	}
}

func (e *Engine) startNext(ctx context.Context) {
	if e.running || len(e.queue) == 0 || ctx.Err() != nil {
		return
	}
	job := e.queue[0]
	e.queue = e.queue[1:]

	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancelRun = cancel
	watermark := e.watermark.Value()

	e.runs.Add(1)
	go func() {
		defer e.runs.Done()
		defer cancel()
		res, err := e.runner.Run(runCtx, job, watermark)
		e.results <- outcome{job: job, res: res, err: err}
	}()
}

func (e *Engine) finish(ctx context.Context, out outcome) {
	e.running = false
	e.cancelRun = nil
	if ctx.Err() != nil {
		return
	}
	e.lastRun = out.res
	e.lastErr = out.err
	if out.job.Trigger == TriggerResync {
		e.resyncOwed = out.err != nil
	}
	if out.err != nil {
		e.logger.Warn("sync run failed, watermark unchanged",
			zap.String("trigger", string(out.job.Trigger)),
			zap.Uint64("watermark", e.watermark.Value()),
			zap.Error(out.err))
		return
	}
	if !e.advancesWatermark(out.job.Trigger) {
		return
	}

	maxID := out.res.Delivery.MaxID
	if maxID <= e.watermark.Value() {
		return
	}
	if err := e.watermark.Advance(ctx, maxID); err != nil {
		if errors.Is(err, ErrWatermarkRegression) {
			e.logger.Warn("ignoring watermark update", zap.Error(err))
		} else {
			e.logger.Error("failed to advance watermark", zap.Error(err))
		}
		return
	}
	e.metrics.SetWatermark(maxID)
	e.bus.Publish(bus.Event{Kind: bus.KindWatermark, Payload: maxID})
}

// advancesWatermark reports whether a successful run of trigger may move the
// watermark. Fetches of explicit ids never do, and live runs wait until a
// failed resync has been retried successfully.
func (e *Engine) advancesWatermark(trigger Trigger) bool {
	switch trigger {
	case TriggerResync:
		return true
	case TriggerLive:
		return !e.resyncOwed
	default:
		return false
	}
}

// post queues fn on the loop without waiting for it to run.
func (e *Engine) post(fn func()) {
	select {
	case e.ops <- fn:
	case <-e.done:
	}
}

// call runs fn on the loop and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case e.ops <- func() { fn(); close(finished) }:
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resync queues a resync from the watermark.
func (e *Engine) Resync(ctx context.Context) error {
	return e.call(ctx, e.enqueueResync)
}

// FetchIDs queues delivery of specific messages. Messages already in the
// log are not delivered again.
func (e *Engine) FetchIDs(ctx context.Context, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	ids = append([]uint64(nil), ids...)
	return e.call(ctx, func() {
		e.enqueue(Job{Trigger: TriggerFetch, IDs: ids})
	})
}

// BeginLocalSend records that a local send started at at.
func (e *Engine) BeginLocalSend(ctx context.Context, at time.Time) error {
	var err error
	if cerr := e.call(ctx, func() { err = e.pending.MarkSendStarted(at) }); cerr != nil {
		return cerr
	}
	if err != nil {
		e.logger.Warn("rejected local send time", zap.Error(err))
	}
	return err
}

// ConfirmLocalSend records the id a local send produced.
func (e *Engine) ConfirmLocalSend(ctx context.Context, id uint64, at time.Time) error {
	var err error
	if cerr := e.call(ctx, func() { err = e.pending.Confirm(id, at) }); cerr != nil {
		return cerr
	}
	if err != nil {
		e.logger.Warn("rejected local send time", zap.Uint64("msg_id", id), zap.Error(err))
	}
	return err
}

// Status returns a snapshot of the engine state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	var st Status
	err := e.call(ctx, func() {
		st = Status{
			Watermark:    e.watermark.Value(),
			Running:      e.running,
			Queued:       len(e.queue),
			PendingSends: e.pending.Len(),
			LastRun:      e.lastRun,
		}
		if e.lastErr != nil {
			st.LastError = e.lastErr.Error()
		}
	})
	return st, err
}
