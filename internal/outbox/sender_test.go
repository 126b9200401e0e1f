package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/message"
	"github.com/matheus3301/vksync/internal/store"
	intsync "github.com/matheus3301/vksync/internal/sync"
	"go.uber.org/zap/zaptest"
)

// mockSender records calls and returns configurable results.
type mockSender struct {
	mu    gosync.Mutex
	calls []sendCall
	err   error
	next  uint64
}

type sendCall struct {
	Peer     message.Peer
	Text     string
	RandomID int32
}

func (m *mockSender) Send(_ context.Context, peer message.Peer, text string, randomID int32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, sendCall{Peer: peer, Text: text, RandomID: randomID})
	if m.err != nil {
		return 0, m.err
	}
	m.next++
	return 500 + m.next, nil
}

func (m *mockSender) Calls() []sendCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sendCall(nil), m.calls...)
}

// recordingSends stands in for the sync engine.
type recordingSends struct {
	mu       gosync.Mutex
	begins   []time.Time
	confirms map[uint64]time.Time
	beginErr error
}

func (r *recordingSends) BeginLocalSend(_ context.Context, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.beginErr != nil {
		return r.beginErr
	}
	r.begins = append(r.begins, at)
	return nil
}

func (r *recordingSends) ConfirmLocalSend(_ context.Context, id uint64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.confirms == nil {
		r.confirms = map[uint64]time.Time{}
	}
	r.confirms[id] = at
	return nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func nextEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for outbox event")
	}
	return bus.Event{}
}

func TestSenderSendsAndConfirms(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{}
	sends := &recordingSends{}
	s := NewSender(db, mock, sends, b, zaptest.NewLogger(t))

	ch, unsub := b.Subscribe("outbox.", 10)
	defer unsub()

	s.Start(context.Background())
	defer s.Stop()

	ctx := context.Background()
	id, err := s.Enqueue(ctx, message.ChatPeer(3), "hello")
	if err != nil {
		t.Fatal(err)
	}

	evt := nextEvent(t, ch)
	if evt.Kind != bus.KindOutboxSent {
		t.Fatalf("event kind = %q, want %s", evt.Kind, bus.KindOutboxSent)
	}
	sent := evt.Payload.(store.OutboxEntry)
	if sent.ClientMsgID != id || sent.ServerMsgID != 501 || sent.Peer != message.ChatPeer(3) {
		t.Errorf("payload = %+v", sent)
	}

	calls := mock.Calls()
	if len(calls) != 1 || calls[0].Text != "hello" || calls[0].RandomID < 0 {
		t.Fatalf("calls = %+v", calls)
	}

	sends.mu.Lock()
	if len(sends.begins) != 1 {
		t.Errorf("begins = %v, want 1", sends.begins)
	}
	if at, ok := sends.confirms[501]; !ok || !at.Equal(sends.begins[0]) {
		t.Errorf("confirm for 501 = %v %v, want the begin time", at, ok)
	}
	sends.mu.Unlock()

	entry, err := db.GetOutbox(ctx, id)
	if err != nil || entry.Status != store.OutboxSent || entry.ServerMsgID != 501 {
		t.Errorf("stored entry = %+v, %v", entry, err)
	}
}

func TestSenderHandlesFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{err: fmt.Errorf("network error")}
	sends := &recordingSends{}
	s := NewSender(db, mock, sends, b, zaptest.NewLogger(t))

	ch, unsub := b.Subscribe("outbox.", 10)
	defer unsub()

	ctx := context.Background()
	id, err := s.Enqueue(ctx, message.UserPeer(9), "hello")
	if err != nil {
		t.Fatal(err)
	}
	s.Start(ctx)
	defer s.Stop()

	evt := nextEvent(t, ch)
	if evt.Kind != bus.KindOutboxFailed {
		t.Fatalf("event kind = %q, want %s", evt.Kind, bus.KindOutboxFailed)
	}
	if p := evt.Payload.(store.OutboxEntry); p.ErrorMessage != "network error" {
		t.Errorf("payload = %+v", p)
	}

	pending, err := db.PendingOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending, want 0 (should be marked failed)", len(pending))
	}
	entry, _ := db.GetOutbox(ctx, id)
	if entry == nil || entry.Status != store.OutboxFailed {
		t.Errorf("stored entry = %+v", entry)
	}

	sends.mu.Lock()
	defer sends.mu.Unlock()
	if len(sends.confirms) != 0 {
		t.Errorf("confirms = %v, want none for a failed send", sends.confirms)
	}
}

func TestSenderWaitsForEngine(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	mock := &mockSender{}
	sends := &recordingSends{beginErr: intsync.ErrStopped}
	s := NewSender(db, mock, sends, b, zaptest.NewLogger(t))

	ctx := context.Background()
	if _, err := s.Enqueue(ctx, message.UserPeer(9), "later"); err != nil {
		t.Fatal(err)
	}
	s.processPending(ctx)

	if calls := mock.Calls(); len(calls) != 0 {
		t.Errorf("sent %d messages while the engine was stopped", len(calls))
	}
	pending, err := db.PendingOutbox(ctx)
	if err != nil || len(pending) != 1 {
		t.Errorf("pending = %+v, %v; want the entry still queued", pending, err)
	}
}

func TestSenderFailsInterruptedOnStart(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.QueueOutbox(ctx, "stale", message.UserPeer(1), "x"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSending(ctx, "stale"); err != nil {
		t.Fatal(err)
	}

	mock := &mockSender{}
	s := NewSender(db, mock, &recordingSends{}, bus.New(), zaptest.NewLogger(t))
	s.Start(ctx)
	s.Stop()

	entry, err := db.GetOutbox(ctx, "stale")
	if err != nil || entry.Status != store.OutboxFailed || entry.ErrorMessage != "interrupted" {
		t.Errorf("entry = %+v, %v", entry, err)
	}
	if len(mock.Calls()) != 0 {
		t.Error("interrupted entry was resent")
	}
}

func TestEnqueueRejectsEmptyText(t *testing.T) {
	s := NewSender(testDB(t), &mockSender{}, &recordingSends{}, bus.New(), nil)
	if _, err := s.Enqueue(context.Background(), message.UserPeer(1), ""); !errors.Is(err, ErrEmptyText) {
		t.Errorf("Enqueue(\"\") error = %v, want ErrEmptyText", err)
	}
}

func TestRandomIDIsStable(t *testing.T) {
	e := store.OutboxEntry{ID: 7, ClientMsgID: "9f8e7d6c-0000-4000-8000-000000000000"}
	if a, b := randomID(e), randomID(e); a != b || a < 0 {
		t.Errorf("randomID = %d, %d", a, b)
	}
	if got := randomID(store.OutboxEntry{ID: 7, ClientMsgID: "not-a-uuid"}); got != 7 {
		t.Errorf("fallback randomID = %d, want 7", got)
	}
}
