package sync

import (
	"fmt"
	"time"
)

// PendingSends remembers messages sent from this client until their
// notification echo arrives. It is not safe for concurrent use; the Engine
// loop owns it.
type PendingSends struct {
	confirmed map[uint64]time.Time
	lastSend  time.Time
}

// NewPendingSends creates an empty record.
func NewPendingSends() *PendingSends {
	return &PendingSends{confirmed: make(map[uint64]time.Time)}
}

// MarkSendStarted advances the last local send time. An earlier time than
// the stored one is rejected.
func (p *PendingSends) MarkSendStarted(at time.Time) error {
	if at.Before(p.lastSend) {
		return fmt.Errorf("%w: %s before %s", ErrSendTimeRegression,
			at.Format(time.RFC3339Nano), p.lastSend.Format(time.RFC3339Nano))
	}
	p.lastSend = at
	return nil
}

// Confirm records id as sent from here and advances the last send time.
// The id is recorded even when at is rejected as a regression.
func (p *PendingSends) Confirm(id uint64, at time.Time) error {
	p.confirmed[id] = at
	return p.MarkSendStarted(at)
}

// LastSend returns the last local send time.
func (p *PendingSends) LastSend() time.Time { return p.lastSend }

// Len returns the number of unreconciled sends.
func (p *PendingSends) Len() int { return len(p.confirmed) }

// take removes id and reports whether it was present.
func (p *PendingSends) take(id uint64) bool {
	if _, ok := p.confirmed[id]; !ok {
		return false
	}
	delete(p.confirmed, id)
	return true
}

// Expire drops entries confirmed more than ttl before now.
func (p *PendingSends) Expire(now time.Time, ttl time.Duration) int {
	n := 0
	for id, at := range p.confirmed {
		if now.Sub(at) > ttl {
			delete(p.confirmed, id)
			n++
		}
	}
	return n
}
