package sync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReconcilerLocalEcho(t *testing.T) {
	p := NewPendingSends()
	r := NewReconciler(time.Second)
	now := time.Now()

	if err := p.Confirm(42, now.Add(-200*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if d := r.Check(p, 42, now, false); d != DecisionLocalEcho {
		t.Errorf("Check(42) = %s, want local_echo", d)
	}
	if p.Len() != 0 {
		t.Error("pending send not consumed")
	}
	// A second notification for the same id is no longer ours.
	if d := r.Check(p, 42, now, true); d != DecisionForeign {
		t.Errorf("second Check(42) = %s, want foreign", d)
	}
}

func TestReconcilerForeignAfterGuardWindow(t *testing.T) {
	p := NewPendingSends()
	r := NewReconciler(time.Second)
	now := time.Now()

	if err := p.MarkSendStarted(now.Add(-10 * time.Second)); err != nil {
		t.Fatal(err)
	}
	if d := r.Check(p, 99, now, false); d != DecisionForeign {
		t.Errorf("Check(99) = %s, want foreign", d)
	}
}

func TestReconcilerDefersWithinGuardWindow(t *testing.T) {
	p := NewPendingSends()
	r := NewReconciler(time.Second)
	now := time.Now()

	if err := p.MarkSendStarted(now.Add(-300 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if d := r.Check(p, 7, now, false); d != DecisionDefer {
		t.Errorf("Check(7) = %s, want defer", d)
	}
	// Still unresolved at the recheck: treated as foreign.
	if d := r.Check(p, 7, now.Add(5*time.Second), true); d != DecisionForeign {
		t.Errorf("final Check(7) = %s, want foreign", d)
	}
}

func TestReconcilerNoSendsIsForeign(t *testing.T) {
	if d := NewReconciler(time.Second).Check(NewPendingSends(), 1, time.Now(), false); d != DecisionForeign {
		t.Errorf("Check() = %s, want foreign", d)
	}
}

func TestPendingSendsRejectsRegression(t *testing.T) {
	p := NewPendingSends()
	now := time.Now()
	if err := p.MarkSendStarted(now); err != nil {
		t.Fatal(err)
	}
	if err := p.MarkSendStarted(now.Add(-time.Second)); !errors.Is(err, ErrSendTimeRegression) {
		t.Errorf("err = %v, want ErrSendTimeRegression", err)
	}
	if !p.LastSend().Equal(now) {
		t.Errorf("LastSend() = %v, want unchanged %v", p.LastSend(), now)
	}

	// The id is still recorded when its time is rejected.
	if err := p.Confirm(5, now.Add(-time.Second)); !errors.Is(err, ErrSendTimeRegression) {
		t.Errorf("Confirm err = %v", err)
	}
	if p.Len() != 1 {
		t.Errorf("Len() = %d, want 1", p.Len())
	}
}

func TestPendingSendsExpire(t *testing.T) {
	p := NewPendingSends()
	now := time.Now()
	_ = p.Confirm(1, now.Add(-2*time.Minute))
	_ = p.Confirm(2, now)

	if n := p.Expire(now, time.Minute); n != 1 {
		t.Errorf("Expire() = %d, want 1", n)
	}
	if p.Len() != 1 || !p.take(2) {
		t.Error("recent entry was expired")
	}
}

type memCheckpoints map[string]string

func (m memCheckpoints) Checkpoint(_ context.Context, key string) (string, bool, error) {
	v, ok := m[key]
	return v, ok, nil
}

func (m memCheckpoints) SetCheckpoint(_ context.Context, key, value string) error {
	m[key] = value
	return nil
}

func TestWatermarkMonotonic(t *testing.T) {
	ctx := context.Background()
	store := memCheckpoints{}
	w, err := LoadWatermark(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	if w.Value() != 0 {
		t.Fatalf("initial watermark = %d", w.Value())
	}

	if err := w.Advance(ctx, 5); err != nil {
		t.Fatal(err)
	}
	if err := w.Advance(ctx, 3); !errors.Is(err, ErrWatermarkRegression) {
		t.Errorf("Advance(3) err = %v, want ErrWatermarkRegression", err)
	}
	if err := w.Advance(ctx, 5); err != nil {
		t.Errorf("Advance(5) again = %v, want nil", err)
	}
	if w.Value() != 5 || store[watermarkKey] != "5" {
		t.Errorf("watermark = %d (stored %q), want 5", w.Value(), store[watermarkKey])
	}

	reloaded, err := LoadWatermark(ctx, store)
	if err != nil || reloaded.Value() != 5 {
		t.Errorf("reloaded = %v, %v", reloaded, err)
	}
}
