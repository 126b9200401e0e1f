package peers

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/matheus3301/vksync/internal/store"
	"github.com/matheus3301/vksync/internal/vk"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeUsers struct {
	requests [][]uint64
	err      error
}

func (f *fakeUsers) Users(_ context.Context, ids []uint64) ([]vk.User, error) {
	f.requests = append(f.requests, ids)
	if f.err != nil {
		return nil, f.err
	}
	var users []vk.User
	for _, id := range ids {
		users = append(users, vk.User{ID: id, FirstName: "User", LastName: "N"})
	}
	return users, nil
}

func TestResolveFetchesOnlyUnknown(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if err := db.UpsertPeers(ctx, []store.Peer{{UID: 1, FirstName: "Known"}}); err != nil {
		t.Fatal(err)
	}
	users := &fakeUsers{}
	d := NewDirectory(db, users, nil)

	if err := d.Resolve(ctx, []uint64{1, 2}); err != nil {
		t.Fatal(err)
	}
	if len(users.requests) != 1 || !slices.Equal(users.requests[0], []uint64{2}) {
		t.Errorf("requests = %v, want [[2]]", users.requests)
	}
	if got := d.DisplayName(ctx, 2); got != "User N" {
		t.Errorf("DisplayName(2) = %q", got)
	}

	// Everything cached now.
	if err := d.Resolve(ctx, []uint64{1, 2}); err != nil {
		t.Fatal(err)
	}
	if len(users.requests) != 1 {
		t.Errorf("requests = %d after cached resolve, want 1", len(users.requests))
	}
}

func TestResolveFailure(t *testing.T) {
	d := NewDirectory(testDB(t), &fakeUsers{err: errors.New("offline")}, nil)
	if err := d.Resolve(context.Background(), []uint64{9}); err == nil {
		t.Fatal("expected error")
	}
	if got := d.DisplayName(context.Background(), 9); got != "9" {
		t.Errorf("DisplayName(9) = %q, want uid fallback", got)
	}
}

func TestBuddies(t *testing.T) {
	d := NewDirectory(testDB(t), &fakeUsers{}, nil)
	ctx := context.Background()

	if err := d.AddBuddies(ctx, []uint64{4}); err != nil {
		t.Fatal(err)
	}
	ok, err := d.IsBuddy(ctx, 4)
	if err != nil || !ok {
		t.Errorf("IsBuddy(4) = %v, %v", ok, err)
	}
}
