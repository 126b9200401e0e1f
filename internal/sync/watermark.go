package sync

import (
	"context"
	"fmt"
	"strconv"
)

const watermarkKey = "watermark"

// CheckpointStore persists sync checkpoints.
type CheckpointStore interface {
	Checkpoint(ctx context.Context, key string) (string, bool, error)
	SetCheckpoint(ctx context.Context, key, value string) error
}

// Watermark is the highest message id already delivered. It only moves
// forward. It is not safe for concurrent use; the Engine loop owns it.
type Watermark struct {
	store CheckpointStore
	value uint64
}

// LoadWatermark reads the persisted watermark, or starts at zero.
func LoadWatermark(ctx context.Context, store CheckpointStore) (*Watermark, error) {
	w := &Watermark{store: store}
	raw, ok, err := store.Checkpoint(ctx, watermarkKey)
	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	if !ok {
		return w, nil
	}
	w.value, err = strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse watermark %q: %w", raw, err)
	}
	return w, nil
}

// Value returns the current watermark.
func (w *Watermark) Value() uint64 { return w.value }

// Advance persists v as the new watermark. Moving backwards returns
// ErrWatermarkRegression and changes nothing; the same value is a no-op.
func (w *Watermark) Advance(ctx context.Context, v uint64) error {
	switch {
	case v < w.value:
		return fmt.Errorf("%w: %d < %d", ErrWatermarkRegression, v, w.value)
	case v == w.value:
		return nil
	}
	if err := w.store.SetCheckpoint(ctx, watermarkKey, strconv.FormatUint(v, 10)); err != nil {
		return fmt.Errorf("persist watermark: %w", err)
	}
	w.value = v
	return nil
}
