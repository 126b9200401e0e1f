package delivery

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/matheus3301/vksync/internal/bus"
	"github.com/matheus3301/vksync/internal/message"
)

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Emit(_ context.Context, evt Event) error {
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) ids() []uint64 {
	var ids []uint64
	for _, e := range s.events {
		ids = append(ids, e.Message.ID)
	}
	return ids
}

type fakePeers struct {
	resolved []uint64
	err      error
}

func (f *fakePeers) Resolve(_ context.Context, uids []uint64) error {
	f.resolved = append(f.resolved, uids...)
	return f.err
}

type fakeBuddies struct {
	known map[uint64]bool
	added []uint64
}

func (f *fakeBuddies) IsBuddy(_ context.Context, uid uint64) (bool, error) {
	return f.known[uid], nil
}

func (f *fakeBuddies) AddBuddies(_ context.Context, uids []uint64) error {
	f.added = append(f.added, uids...)
	return nil
}

type fakeReader struct {
	calls [][]uint64
	err   error
}

func (f *fakeReader) MarkAsRead(_ context.Context, ids []uint64) error {
	f.calls = append(f.calls, ids)
	return f.err
}

type fixture struct {
	sink    *recordingSink
	peers   *fakePeers
	buddies *fakeBuddies
	reader  *fakeReader
	seq     *Sequencer
}

func newFixture(groups GroupDeliverer) *fixture {
	f := &fixture{
		sink:    &recordingSink{},
		peers:   &fakePeers{},
		buddies: &fakeBuddies{known: map[uint64]bool{}},
		reader:  &fakeReader{},
	}
	f.seq = NewSequencer(f.sink, f.peers, f.buddies, groups, f.reader, nil, nil)
	return f
}

func inbound(id, uid uint64, unread bool) *message.Message {
	return &message.Message{ID: id, Peer: message.UserPeer(uid), Author: uid, Unread: unread}
}

func TestFinalizeOrdersUnreadAndRead(t *testing.T) {
	f := newFixture(nil)
	msgs := []*message.Message{inbound(5, 1, false), inbound(3, 1, true)}

	res, err := f.seq.Finalize(context.Background(), msgs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.sink.events) != 2 {
		t.Fatalf("events = %d, want 2", len(f.sink.events))
	}
	if e := f.sink.events[0]; e.Message.ID != 3 || e.Kind != bus.KindNewMessage {
		t.Errorf("first event = %d %s, want 3 new_message", e.Message.ID, e.Kind)
	}
	if e := f.sink.events[1]; e.Message.ID != 5 || e.Kind != bus.KindLogAppend {
		t.Errorf("second event = %d %s, want 5 log_append", e.Message.ID, e.Kind)
	}
	if len(f.reader.calls) != 1 || !slices.Equal(f.reader.calls[0], []uint64{3}) {
		t.Errorf("mark-as-read calls = %v, want [[3]]", f.reader.calls)
	}
	if res.MaxID != 5 || res.NewMessages != 1 || res.LogAppends != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestFinalizeDropsDuplicates(t *testing.T) {
	f := newFixture(nil)
	first := inbound(2, 1, false)
	first.Text = "first"
	dup := inbound(2, 1, false)
	dup.Text = "dup"

	if _, err := f.seq.Finalize(context.Background(), []*message.Message{inbound(9, 1, false), first, dup, inbound(4, 1, false)}, nil); err != nil {
		t.Fatal(err)
	}
	if got := f.sink.ids(); !slices.Equal(got, []uint64{2, 4, 9}) {
		t.Errorf("ids = %v, want [2 4 9]", got)
	}
	if f.sink.events[0].Message.Text != "first" {
		t.Errorf("kept %q, want first occurrence", f.sink.events[0].Message.Text)
	}
}

func TestFinalizeEmptyBatch(t *testing.T) {
	f := newFixture(nil)
	res, err := f.seq.Finalize(context.Background(), nil, nil)
	if err != nil || res.MaxID != 0 {
		t.Errorf("Finalize(nil) = %+v, %v", res, err)
	}
	if len(f.reader.calls) != 0 || len(f.peers.resolved) != 0 {
		t.Error("empty batch made collaborator calls")
	}
}

func TestFinalizeOutgoingByOrigin(t *testing.T) {
	f := newFixture(nil)
	live := &message.Message{ID: 10, Peer: message.UserPeer(1), Author: 1, Outgoing: true}
	echo := &message.Message{ID: 11, Peer: message.UserPeer(1), Author: 1, Outgoing: true}
	synced := &message.Message{ID: 12, Peer: message.UserPeer(1), Author: 1, Outgoing: true}
	origins := map[uint64]Origin{10: OriginLive, 11: OriginLocalEcho}

	if _, err := f.seq.Finalize(context.Background(), []*message.Message{live, echo, synced}, origins); err != nil {
		t.Fatal(err)
	}
	want := []string{bus.KindNewMessage, bus.KindLogAppend, bus.KindLogAppend}
	for i, kind := range want {
		if f.sink.events[i].Kind != kind {
			t.Errorf("event %d kind = %s, want %s", i, f.sink.events[i].Kind, kind)
		}
	}
	if len(f.reader.calls) != 0 {
		t.Errorf("outgoing messages marked as read: %v", f.reader.calls)
	}
}

type fakeGroups struct{ err error }

func (g *fakeGroups) DeliverGroup(context.Context, *message.Message) error { return g.err }

func TestFinalizeGroupMessages(t *testing.T) {
	group := func() *message.Message {
		return &message.Message{ID: 1, Peer: message.ChatPeer(3), Author: 8, Unread: true}
	}

	tests := []struct {
		name        string
		groups      GroupDeliverer
		undelivered bool
	}{
		{"no deliverer", nil, true},
		{"deliverer fails", &fakeGroups{err: errors.New("not joined")}, true},
		{"delivered", &fakeGroups{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.groups)
			if _, err := f.seq.Finalize(context.Background(), []*message.Message{group()}, nil); err != nil {
				t.Fatal(err)
			}
			evt := f.sink.events[0]
			if evt.Kind != bus.KindNewMessage || evt.Undelivered != tt.undelivered {
				t.Errorf("event = %s undelivered=%v", evt.Kind, evt.Undelivered)
			}
			if len(f.buddies.added) != 0 {
				t.Errorf("group peer added as buddy: %v", f.buddies.added)
			}
			if len(f.reader.calls) != 1 {
				t.Errorf("mark-as-read calls = %v", f.reader.calls)
			}
		})
	}
}

func TestFinalizeAddsBuddiesAndResolvesPeers(t *testing.T) {
	f := newFixture(nil)
	f.buddies.known[2] = true
	msgs := []*message.Message{inbound(1, 1, true), inbound(2, 2, true), inbound(3, 1, true), inbound(4, 5, false)}

	if _, err := f.seq.Finalize(context.Background(), msgs, nil); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(f.buddies.added, []uint64{1}) {
		t.Errorf("added = %v, want [1]", f.buddies.added)
	}
	if !slices.Equal(f.peers.resolved, []uint64{1, 2, 5}) {
		t.Errorf("resolved = %v, want [1 2 5]", f.peers.resolved)
	}
}

func TestFinalizeContinuesAfterCollaboratorFailures(t *testing.T) {
	f := newFixture(nil)
	f.peers.err = errors.New("users.get failed")
	f.reader.err = errors.New("markAsRead failed")

	res, err := f.seq.Finalize(context.Background(), []*message.Message{inbound(1, 1, true)}, nil)
	if err != nil {
		t.Fatalf("Finalize() = %v, want nil", err)
	}
	if res.MaxID != 1 || len(f.sink.events) != 1 {
		t.Errorf("result = %+v, events = %d", res, len(f.sink.events))
	}
}

func TestFinalizeCancelledEmitsNothing(t *testing.T) {
	f := newFixture(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.seq.Finalize(ctx, []*message.Message{inbound(1, 1, true)}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(f.sink.events) != 0 || len(f.reader.calls) != 0 {
		t.Errorf("events = %d, mark-as-read = %v after cancel", len(f.sink.events), f.reader.calls)
	}
}
