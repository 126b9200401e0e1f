package sync

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/delivery"
	"github.com/matheus3301/vksync/internal/message"
)

type fakeRunner struct {
	jobs chan Job
	run  func(ctx context.Context, job Job) (uint64, error)
}

func (f *fakeRunner) Run(ctx context.Context, job Job, _ uint64) (*RunResult, error) {
	f.jobs <- job
	res := &RunResult{Trigger: job.Trigger}
	if f.run == nil {
		return res, nil
	}
	maxID, err := f.run(ctx, job)
	res.Delivery.MaxID = maxID
	return res, err
}

func testConfig() Config {
	return Config{
		GuardWindow:    time.Second,
		RecheckDelay:   50 * time.Millisecond,
		PendingSendTTL: time.Minute,
	}
}

func startEngine(t *testing.T, runner *fakeRunner, store memCheckpoints) (*Engine, *bus.Bus) {
	t.Helper()
	if runner.jobs == nil {
		runner.jobs = make(chan Job, 16)
	}
	wm, err := LoadWatermark(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}
	b := bus.New()
	e := NewEngine(runner, b, wm, testConfig(), nil, nil)
	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, b
}

func nextJob(t *testing.T, jobs <-chan Job) Job {
	t.Helper()
	select {
	case j := <-jobs:
		return j
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job")
		return Job{}
	}
}

func notify(t *testing.T, b *bus.Bus, n message.Notification) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.Deliver(ctx, bus.Event{Kind: bus.KindNotification, Payload: &n}); err != nil {
		t.Fatal(err)
	}
}

func TestEngineInitialResyncAdvancesWatermark(t *testing.T) {
	store := memCheckpoints{watermarkKey: "3"}
	runner := &fakeRunner{run: func(context.Context, Job) (uint64, error) { return 10, nil }}
	wm, _ := LoadWatermark(context.Background(), store)
	b := bus.New()
	events, unsub := b.Subscribe("sync.", 4)
	defer unsub()

	runner.jobs = make(chan Job, 16)
	e := NewEngine(runner, b, wm, testConfig(), nil, nil)
	e.Start(context.Background())
	defer e.Stop()

	if j := nextJob(t, runner.jobs); j.Trigger != TriggerResync {
		t.Fatalf("first job = %s, want resync", j.Trigger)
	}
	select {
	case evt := <-events:
		if evt.Kind != bus.KindWatermark || evt.Payload.(uint64) != 10 {
			t.Errorf("event = %s %v", evt.Kind, evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no watermark event")
	}
	st, err := e.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Watermark != 10 || store[watermarkKey] != "10" {
		t.Errorf("watermark = %d (stored %q), want 10", st.Watermark, store[watermarkKey])
	}
}

func TestEngineFailedRunKeepsWatermark(t *testing.T) {
	store := memCheckpoints{watermarkKey: "3"}
	runner := &fakeRunner{run: func(context.Context, Job) (uint64, error) { return 10, errors.New("page 2 failed") }}
	e, _ := startEngine(t, runner, store)
	nextJob(t, runner.jobs)

	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := e.Status(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if st.LastError != "" {
			if st.Watermark != 3 || store[watermarkKey] != "3" {
				t.Errorf("watermark = %d, want 3", st.Watermark)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("run never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineCoalescesResyncs(t *testing.T) {
	release := make(chan struct{})
	runner := &fakeRunner{run: func(ctx context.Context, _ Job) (uint64, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return 0, nil
	}}
	e, _ := startEngine(t, runner, memCheckpoints{})
	nextJob(t, runner.jobs)

	ctx := context.Background()
	for range 3 {
		if err := e.Resync(ctx); err != nil {
			t.Fatal(err)
		}
	}
	st, err := e.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Running || st.Queued != 1 {
		t.Errorf("running=%v queued=%d, want running with 1 queued", st.Running, st.Queued)
	}
	close(release)
	if j := nextJob(t, runner.jobs); j.Trigger != TriggerResync {
		t.Errorf("queued job = %s, want resync", j.Trigger)
	}
}

func TestEngineInboundNotificationQueuesLiveJob(t *testing.T) {
	runner := &fakeRunner{}
	_, b := startEngine(t, runner, memCheckpoints{})
	nextJob(t, runner.jobs)

	notify(t, b, message.Notification{ID: 7, Peer: message.UserPeer(1), Unread: true})
	j := nextJob(t, runner.jobs)
	if j.Trigger != TriggerLive || !slices.Equal(j.IDs, []uint64{7}) || len(j.Origins) != 0 {
		t.Errorf("job = %+v", j)
	}
}

func TestEngineLocalEcho(t *testing.T) {
	runner := &fakeRunner{}
	e, b := startEngine(t, runner, memCheckpoints{})
	nextJob(t, runner.jobs)

	ctx := context.Background()
	now := time.Now()
	if err := e.BeginLocalSend(ctx, now.Add(-200*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := e.ConfirmLocalSend(ctx, 42, now); err != nil {
		t.Fatal(err)
	}
	notify(t, b, message.Notification{ID: 42, Peer: message.UserPeer(1), Outgoing: true})

	j := nextJob(t, runner.jobs)
	if !slices.Equal(j.IDs, []uint64{42}) || j.Origins[42] != delivery.OriginLocalEcho {
		t.Errorf("job = %+v, want local echo of 42", j)
	}
	st, _ := e.Status(ctx)
	if st.PendingSends != 0 {
		t.Errorf("pending sends = %d, want 0", st.PendingSends)
	}
}

func TestEngineForeignOutgoing(t *testing.T) {
	runner := &fakeRunner{}
	e, b := startEngine(t, runner, memCheckpoints{})
	nextJob(t, runner.jobs)

	if err := e.BeginLocalSend(context.Background(), time.Now().Add(-10*time.Second)); err != nil {
		t.Fatal(err)
	}
	notify(t, b, message.Notification{ID: 99, Peer: message.UserPeer(1), Outgoing: true})

	j := nextJob(t, runner.jobs)
	if !slices.Equal(j.IDs, []uint64{99}) || j.Origins[99] != delivery.OriginLive {
		t.Errorf("job = %+v, want foreign 99", j)
	}
}

func TestEngineDefersWithinGuardWindow(t *testing.T) {
	runner := &fakeRunner{}
	e, b := startEngine(t, runner, memCheckpoints{})
	nextJob(t, runner.jobs)

	if err := e.BeginLocalSend(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	notify(t, b, message.Notification{ID: 5, Peer: message.UserPeer(1), Outgoing: true})

	j := nextJob(t, runner.jobs)
	if elapsed := time.Since(start); elapsed < testConfig().RecheckDelay {
		t.Errorf("job queued after %v, want at least the recheck delay", elapsed)
	}
	if j.Origins[5] != delivery.OriginLive {
		t.Errorf("origin = %v, want live after recheck", j.Origins[5])
	}
}

func TestEngineReconnectQueuesResync(t *testing.T) {
	runner := &fakeRunner{}
	_, b := startEngine(t, runner, memCheckpoints{})
	nextJob(t, runner.jobs)

	if err := b.Deliver(context.Background(), bus.Event{Kind: bus.KindReconnected}); err != nil {
		t.Fatal(err)
	}
	if j := nextJob(t, runner.jobs); j.Trigger != TriggerResync {
		t.Errorf("job = %s, want resync", j.Trigger)
	}
}

func TestEngineStopCancelsRun(t *testing.T) {
	store := memCheckpoints{watermarkKey: "4"}
	cancelled := make(chan struct{})
	runner := &fakeRunner{jobs: make(chan Job, 16), run: func(ctx context.Context, _ Job) (uint64, error) {
		<-ctx.Done()
		close(cancelled)
		return 50, ctx.Err()
	}}
	wm, _ := LoadWatermark(context.Background(), store)
	e := NewEngine(runner, bus.New(), wm, testConfig(), nil, nil)
	e.Start(context.Background())
	nextJob(t, runner.jobs)

	e.Stop()
	select {
	case <-cancelled:
	default:
		t.Fatal("run was not cancelled")
	}
	if wm.Value() != 4 || store[watermarkKey] != "4" {
		t.Errorf("watermark = %d, want 4", wm.Value())
	}
	if err := e.Resync(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Resync after Stop = %v, want ErrStopped", err)
	}
}

// watermarkRunner records the watermark each run started from.
type watermarkRunner struct {
	starts chan uint64
	run    func(job Job) (uint64, error)
}

func (r *watermarkRunner) Run(_ context.Context, job Job, watermark uint64) (*RunResult, error) {
	r.starts <- watermark
	maxID, err := r.run(job)
	res := &RunResult{Trigger: job.Trigger}
	res.Delivery.MaxID = maxID
	return res, err
}

func nextStart(t *testing.T, starts <-chan uint64) uint64 {
	t.Helper()
	select {
	case wm := <-starts:
		return wm
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for run")
		return 0
	}
}

func waitIdle(t *testing.T, e *Engine) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, err := e.Status(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if !st.Running && st.Queued == 0 {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatal("engine never went idle")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngineFailedResyncHoldsWatermarkAgainstLiveRuns(t *testing.T) {
	store := memCheckpoints{watermarkKey: "10"}
	resyncs := 0
	runner := &watermarkRunner{starts: make(chan uint64, 16), run: func(job Job) (uint64, error) {
		switch job.Trigger {
		case TriggerResync:
			resyncs++
			if resyncs == 1 {
				return 0, errors.New("page 2 failed")
			}
			return 120, nil
		default:
			return 100, nil
		}
	}}
	wm, _ := LoadWatermark(context.Background(), store)
	b := bus.New()
	e := NewEngine(runner, b, wm, testConfig(), nil, nil)
	e.Start(context.Background())
	defer e.Stop()

	if got := nextStart(t, runner.starts); got != 10 {
		t.Fatalf("first resync started from %d, want 10", got)
	}
	waitIdle(t, e)

	notify(t, b, message.Notification{ID: 100, Peer: message.UserPeer(1), Unread: true})
	nextStart(t, runner.starts)
	if st := waitIdle(t, e); st.Watermark != 10 || store[watermarkKey] != "10" {
		t.Fatalf("watermark after live run = %d, want 10 while resync is owed", st.Watermark)
	}

	if err := e.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := nextStart(t, runner.starts); got != 10 {
		t.Fatalf("retry resync started from %d, want 10", got)
	}
	if st := waitIdle(t, e); st.Watermark != 120 {
		t.Errorf("watermark after retry = %d, want 120", st.Watermark)
	}

	notify(t, b, message.Notification{ID: 130, Peer: message.UserPeer(1), Unread: true})
	nextStart(t, runner.starts)
	if st := waitIdle(t, e); st.Watermark != 120 {
		t.Errorf("watermark after live run = %d, want 120 (live MaxID 100 is lower)", st.Watermark)
	}
}

func TestEngineFetchDoesNotAdvanceWatermark(t *testing.T) {
	store := memCheckpoints{watermarkKey: "10"}
	runner := &watermarkRunner{starts: make(chan uint64, 16), run: func(job Job) (uint64, error) {
		if job.Trigger == TriggerFetch {
			return 500, nil
		}
		return 0, nil
	}}
	wm, _ := LoadWatermark(context.Background(), store)
	e := NewEngine(runner, bus.New(), wm, testConfig(), nil, nil)
	e.Start(context.Background())
	defer e.Stop()

	nextStart(t, runner.starts)
	waitIdle(t, e)
	if err := e.FetchIDs(context.Background(), []uint64{500}); err != nil {
		t.Fatal(err)
	}
	nextStart(t, runner.starts)
	if st := waitIdle(t, e); st.Watermark != 10 || store[watermarkKey] != "10" {
		t.Errorf("watermark after fetch = %d, want 10", st.Watermark)
	}
}
