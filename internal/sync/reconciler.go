package sync

import "time"

// Decision is the reconciler's verdict on an outgoing notification.
type Decision uint8

const (
	// DecisionLocalEcho means the message was sent from here and is already shown.
	DecisionLocalEcho Decision = iota
	// DecisionForeign means the message was sent from another client.
	DecisionForeign
	// DecisionDefer means a local send is too recent to tell; check again later.
	DecisionDefer
)

func (d Decision) String() string {
	switch d {
	case DecisionLocalEcho:
		return "local_echo"
	case DecisionForeign:
		return "foreign"
	case DecisionDefer:
		return "defer"
	}
	return "unknown"
}

// Reconciler attributes outgoing notifications to local or foreign sends.
type Reconciler struct {
	guard time.Duration
}

// NewReconciler creates a reconciler with the given guard window.
func NewReconciler(guard time.Duration) *Reconciler {
	return &Reconciler{guard: guard}
}

// Check decides how to treat an outgoing notification for id. A matching
// pending send is consumed. final forces a decision instead of deferring.
func (r *Reconciler) Check(p *PendingSends, id uint64, now time.Time, final bool) Decision {
	if p.take(id) {
		return DecisionLocalEcho
	}
	last := p.LastSend()
	if final || last.IsZero() || now.Sub(last) > r.guard {
		return DecisionForeign
	}
	return DecisionDefer
}
