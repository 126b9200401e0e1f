package store

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/matheus3301/vksync/internal/message"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 4 {
		t.Errorf("version = %d, want 4 (init + images + peers + outbox)", result.Version)
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, ok, err := db.Checkpoint(ctx, "watermark"); err != nil || ok {
		t.Fatalf("Checkpoint() on empty db = ok %v, err %v", ok, err)
	}
	if err := db.SetCheckpoint(ctx, "watermark", "10"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetCheckpoint(ctx, "watermark", "12"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.Checkpoint(ctx, "watermark")
	if err != nil || !ok || v != "12" {
		t.Errorf("Checkpoint() = %q, %v, %v; want 12", v, ok, err)
	}
}

func TestAppendLogIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	peer := message.UserPeer(7)

	entry := &LogEntry{MsgID: 3, Peer: peer, Author: 7, Body: "hi", SentAt: 1000, Unread: true, Kind: EntryNewMessage}
	inserted, err := db.AppendLog(ctx, entry)
	if err != nil || !inserted {
		t.Fatalf("first AppendLog() = %v, %v", inserted, err)
	}
	dup := *entry
	dup.Body = "changed"
	inserted, err = db.AppendLog(ctx, &dup)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Error("second AppendLog() reported inserted")
	}

	entries, err := db.ListLog(ctx, peer, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if entries[0].Body != "hi" || !entries[0].Unread || entries[0].Kind != EntryNewMessage {
		t.Errorf("entry = %+v", entries[0])
	}
}

func TestListLogPagination(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	alice, chat := message.UserPeer(1), message.ChatPeer(1)

	for _, id := range []uint64{1, 2, 3, 4} {
		if _, err := db.AppendLog(ctx, &LogEntry{MsgID: id, Peer: alice, Kind: EntryLogAppend}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := db.AppendLog(ctx, &LogEntry{MsgID: 5, Peer: chat, Kind: EntryLogAppend}); err != nil {
		t.Fatal(err)
	}

	page, err := db.ListLog(ctx, alice, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].MsgID != 3 || page[1].MsgID != 2 {
		t.Errorf("page = %+v, want ids 3,2", page)
	}

	n, err := db.LogCount(ctx)
	if err != nil || n != 5 {
		t.Errorf("LogCount() = %d, %v; want 5", n, err)
	}
}

func TestImages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	id, err := db.PutImage(ctx, &Image{SourceURL: "http://t/1", MIME: "image/jpeg", Width: 2, Height: 3, Data: []byte{1, 2}})
	if err != nil {
		t.Fatal(err)
	}
	img, err := db.GetImage(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if img == nil || img.MIME != "image/jpeg" || !bytes.Equal(img.Data, []byte{1, 2}) {
		t.Errorf("GetImage() = %+v", img)
	}

	missing, err := db.GetImage(ctx, id+100)
	if err != nil || missing != nil {
		t.Errorf("GetImage(missing) = %v, %v", missing, err)
	}
}

func TestPeersAndBuddies(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertPeers(ctx, []Peer{{UID: 1, FirstName: "Ann", LastName: "Lee"}}); err != nil {
		t.Fatal(err)
	}
	// Empty names do not overwrite known ones.
	if err := db.UpsertPeers(ctx, []Peer{{UID: 1, ScreenName: "ann"}}); err != nil {
		t.Fatal(err)
	}
	p, err := db.GetPeer(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.DisplayName() != "Ann Lee" || p.ScreenName != "ann" {
		t.Errorf("GetPeer() = %+v", p)
	}

	if err := db.AddBuddies(ctx, []uint64{1, 1, 2}); err != nil {
		t.Fatal(err)
	}
	for uid, want := range map[uint64]bool{1: true, 2: true, 3: false} {
		got, err := db.IsBuddy(ctx, uid)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("IsBuddy(%d) = %v, want %v", uid, got, want)
		}
	}
}

func TestSearchLog(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	alice, chat := message.UserPeer(1), message.ChatPeer(2)

	entries := []LogEntry{
		{MsgID: 1, Peer: alice, Body: "see you at 10", Kind: EntryLogAppend},
		{MsgID: 2, Peer: chat, Body: "meeting moved to 11", Kind: EntryLogAppend},
		{MsgID: 3, Peer: alice, Body: "100% sure about the meeting", Kind: EntryNewMessage},
		{MsgID: 4, Peer: chat, Body: "snake_case please", Kind: EntryLogAppend},
	}
	for i := range entries {
		if _, err := db.AppendLog(ctx, &entries[i]); err != nil {
			t.Fatal(err)
		}
	}

	all, err := db.SearchLog(ctx, "meeting", nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].MsgID != 3 || all[1].MsgID != 2 {
		t.Fatalf("search all = %+v, want ids 3,2", all)
	}
	if all[1].Peer != chat {
		t.Errorf("peer = %v, want %v", all[1].Peer, chat)
	}

	onlyAlice, err := db.SearchLog(ctx, "meeting", &alice, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyAlice) != 1 || onlyAlice[0].MsgID != 3 {
		t.Errorf("search alice = %+v, want id 3", onlyAlice)
	}

	// LIKE wildcards in the query match literally.
	for query, want := range map[string]uint64{"0%": 3, "e_c": 4} {
		got, err := db.SearchLog(ctx, query, nil, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].MsgID != want {
			t.Errorf("SearchLog(%q) = %+v, want id %d", query, got, want)
		}
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	chat := message.ChatPeer(3)

	for _, id := range []string{"a", "b", "c"} {
		if err := db.QueueOutbox(ctx, id, chat, "body "+id); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.QueueOutbox(ctx, "a", chat, "dup"); err == nil {
		t.Error("QueueOutbox() accepted a duplicate client id")
	}

	pending, err := db.PendingOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 || pending[0].ClientMsgID != "a" || pending[0].Peer != chat || pending[0].Body != "body a" {
		t.Fatalf("pending = %+v", pending)
	}

	if err := db.MarkOutboxSending(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent(ctx, "a", 901); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed(ctx, "b", "flood control"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSending(ctx, "c"); err != nil {
		t.Fatal(err)
	}
	if n, err := db.FailInterruptedOutbox(ctx); err != nil || n != 1 {
		t.Errorf("FailInterruptedOutbox() = %d, %v; want 1", n, err)
	}

	if pending, _ := db.PendingOutbox(ctx); len(pending) != 0 {
		t.Errorf("pending after processing = %+v", pending)
	}
	a, err := db.GetOutbox(ctx, "a")
	if err != nil || a == nil || a.Status != OutboxSent || a.ServerMsgID != 901 {
		t.Errorf("GetOutbox(a) = %+v, %v", a, err)
	}
	b, _ := db.GetOutbox(ctx, "b")
	if b == nil || b.Status != OutboxFailed || b.ErrorMessage != "flood control" {
		t.Errorf("GetOutbox(b) = %+v", b)
	}
	c, _ := db.GetOutbox(ctx, "c")
	if c == nil || c.Status != OutboxFailed || c.ErrorMessage != "interrupted" {
		t.Errorf("GetOutbox(c) = %+v", c)
	}
	if missing, err := db.GetOutbox(ctx, "zzz"); err != nil || missing != nil {
		t.Errorf("GetOutbox(missing) = %+v, %v", missing, err)
	}
}
