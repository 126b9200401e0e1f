package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/delivery"
	"github.com/matheus3301/vksync/internal/message"
	"github.com/matheus3301/vksync/internal/metrics"
	"github.com/matheus3301/vksync/internal/thumbnail"
	"github.com/matheus3301/vksync/internal/vk"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Stage is a step of a pipeline run.
type Stage string

const (
	StageFetching    Stage = "fetching"
	StageResolving   Stage = "resolving-attachments"
	StagePrefetching Stage = "prefetching-thumbnails"
	StageReconciling Stage = "reconciling"
	StageDelivering  Stage = "delivering"
	StageDone        Stage = "done"
	StageAborted     Stage = "aborted"
)

// validStageTransitions defines the allowed order of stages.
var validStageTransitions = map[Stage][]Stage{
	StageFetching:    {StageResolving, StageAborted},
	StageResolving:   {StagePrefetching, StageAborted},
	StagePrefetching: {StageReconciling, StageAborted},
	StageReconciling: {StageDelivering, StageAborted},
	StageDelivering:  {StageDone, StageAborted},
}

// Trigger names what started a run.
type Trigger string

const (
	TriggerResync Trigger = "resync"
	TriggerLive   Trigger = "live"
	TriggerFetch  Trigger = "fetch"
)

// Job is one unit of work for the pipeline. Resync jobs fetch everything
// above the watermark; the others fetch IDs.
type Job struct {
	Trigger Trigger
	IDs     []uint64
	// Origins attributes outgoing messages of live jobs.
	Origins map[uint64]delivery.Origin
}

// RecordSource fetches raw message records.
type RecordSource interface {
	FetchSinceRaw(ctx context.Context, watermark uint64) ([]gjson.Result, error)
	FetchByIDsRaw(ctx context.Context, ids []uint64) ([]gjson.Result, error)
}

// ThumbnailPrefetcher resolves pending thumbnails.
type ThumbnailPrefetcher interface {
	Prefetch(ctx context.Context, msgs []*message.Message) thumbnail.Stats
}

// Finalizer delivers a batch.
type Finalizer interface {
	Finalize(ctx context.Context, msgs []*message.Message, origins map[uint64]delivery.Origin) (delivery.Result, error)
}

// RunResult describes a finished run.
type RunResult struct {
	ID                 string
	Trigger            Trigger
	Stages             []Stage
	Fetched            int
	Dropped            int
	AttachmentProblems int
	Thumbnails         thumbnail.Stats
	Delivery           delivery.Result
	Took               time.Duration
}

// Stage returns the last stage the run reached.
func (r *RunResult) Stage() Stage {
	if len(r.Stages) == 0 {
		return ""
	}
	return r.Stages[len(r.Stages)-1]
}

// RunStarted is the payload of sync.run_started events.
type RunStarted struct {
	ID      string
	Trigger Trigger
}

// RunFinished is the payload of sync.run_finished events.
type RunFinished struct {
	Result *RunResult
	Err    error
}

// Pipeline runs fetch, resolve, prefetch, reconcile and deliver for one job.
type Pipeline struct {
	source    RecordSource
	parser    *vk.Parser
	prefetch  ThumbnailPrefetcher
	finalizer Finalizer
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(source RecordSource, parser *vk.Parser, prefetch ThumbnailPrefetcher, finalizer Finalizer, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		source:    source,
		parser:    parser,
		prefetch:  prefetch,
		finalizer: finalizer,
		bus:       b,
		metrics:   m,
		logger:    logger,
	}
}

type run struct {
	res    *RunResult
	logger *zap.Logger
}

func (r *run) advance(to Stage) error {
	from := r.res.Stage()
	if !slices.Contains(validStageTransitions[from], to) {
		return fmt.Errorf("invalid stage transition from %s to %s", from, to)
	}
	r.res.Stages = append(r.res.Stages, to)
	r.logger.Debug("stage", zap.String("stage", string(to)))
	return nil
}

// Run executes job against watermark. Cancelling ctx aborts the run; once
// aborted nothing further is delivered.
func (p *Pipeline) Run(ctx context.Context, job Job, watermark uint64) (*RunResult, error) {
	start := time.Now()
	r := &run{res: &RunResult{ID: uuid.NewString(), Trigger: job.Trigger, Stages: []Stage{StageFetching}}}
	r.logger = p.logger.With(zap.String("run_id", r.res.ID), zap.String("trigger", string(job.Trigger)))
	p.publish(bus.KindRunStarted, RunStarted{ID: r.res.ID, Trigger: job.Trigger})

	err := p.execute(ctx, r, job, watermark)
	if err != nil {
		r.res.Stages = append(r.res.Stages, StageAborted)
		r.logger.Warn("run aborted", zap.Error(err))
	}
	r.res.Took = time.Since(start)
	p.metrics.ObserveRun(string(job.Trigger), string(r.res.Stage()), r.res.Took)
	p.publish(bus.KindRunFinished, RunFinished{Result: r.res, Err: err})
	return r.res, err
}

func (p *Pipeline) execute(ctx context.Context, r *run, job Job, watermark uint64) error {
	var records []gjson.Result
	var err error
	if job.Trigger == TriggerResync {
		records, err = p.source.FetchSinceRaw(ctx, watermark)
	} else {
		records, err = p.source.FetchByIDsRaw(ctx, job.IDs)
	}
	if err != nil {
		return err
	}
	r.res.Fetched = len(records)

	if err := p.step(ctx, r, StageResolving); err != nil {
		return err
	}
	batch := p.parser.Parse(records)
	p.report(r, batch.Problems)

	if err := p.step(ctx, r, StagePrefetching); err != nil {
		return err
	}
	r.res.Thumbnails = p.prefetch.Prefetch(ctx, batch.Messages)

	if err := p.step(ctx, r, StageReconciling); err != nil {
		return err
	}
	origins := reconcileOrigins(batch.Messages, job.Origins)

	if err := p.step(ctx, r, StageDelivering); err != nil {
		return err
	}
	r.res.Delivery, err = p.finalizer.Finalize(ctx, batch.Messages, origins)
	if err != nil {
		return err
	}
	return r.advance(StageDone)
}

// step checks for cancellation before entering the next stage.
func (p *Pipeline) step(ctx context.Context, r *run, to Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.advance(to)
}

// report logs per-record and per-attachment diagnostics.
func (p *Pipeline) report(r *run, problems []error) {
	for _, e := range problems {
		var recErr *vk.RecordError
		if errors.As(e, &recErr) {
			r.res.Dropped++
		} else {
			r.res.AttachmentProblems++
		}
		r.logger.Warn("batch problem", zap.Error(e))
	}
	p.metrics.AddDropped(r.res.Dropped)
	p.metrics.AddAttachmentProblems(r.res.AttachmentProblems)
}

// reconcileOrigins keeps the job's attribution only for messages that
// really are outgoing.
func reconcileOrigins(msgs []*message.Message, attributed map[uint64]delivery.Origin) map[uint64]delivery.Origin {
	origins := make(map[uint64]delivery.Origin, len(msgs))
	for _, msg := range msgs {
		if o, ok := attributed[msg.ID]; ok && msg.Outgoing {
			origins[msg.ID] = o
		}
	}
	return origins
}

func (p *Pipeline) publish(kind string, payload any) {
	if p.bus != nil {
		p.bus.Publish(bus.Event{Kind: kind, Payload: payload})
	}
}
