// Package peers caches user profiles and the buddy list.
package peers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/matheus3301/vksync/internal/store"
	"github.com/matheus3301/vksync/internal/vk"
	"go.uber.org/zap"
)

// UserFetcher loads profiles from the remote service.
type UserFetcher interface {
	Users(ctx context.Context, ids []uint64) ([]vk.User, error)
}

// Directory resolves uids to profiles, fetching unknown ones once and
// caching them in the store.
type Directory struct {
	db     *store.DB
	users  UserFetcher
	logger *zap.Logger
}

// NewDirectory creates a directory.
func NewDirectory(db *store.DB, users UserFetcher, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{db: db, users: users, logger: logger}
}

// Resolve fetches profiles for the uids that are not cached yet.
func (d *Directory) Resolve(ctx context.Context, uids []uint64) error {
	var unknown []uint64
	for _, uid := range uids {
		p, err := d.db.GetPeer(ctx, uid)
		if err != nil {
			return fmt.Errorf("lookup peer %d: %w", uid, err)
		}
		if p == nil {
			unknown = append(unknown, uid)
		}
	}
	if len(unknown) == 0 {
		return nil
	}

	users, err := d.users.Users(ctx, unknown)
	if err != nil {
		return fmt.Errorf("fetch users: %w", err)
	}
	peers := make([]store.Peer, 0, len(users))
	for _, u := range users {
		peers = append(peers, store.Peer{
			UID:        u.ID,
			FirstName:  u.FirstName,
			LastName:   u.LastName,
			ScreenName: u.ScreenName,
		})
	}
	if err := d.db.UpsertPeers(ctx, peers); err != nil {
		return fmt.Errorf("cache users: %w", err)
	}
	d.logger.Debug("resolved peers", zap.Int("requested", len(unknown)), zap.Int("found", len(peers)))
	return nil
}

// DisplayName returns a cached display name, or the uid when unknown.
func (d *Directory) DisplayName(ctx context.Context, uid uint64) string {
	p, err := d.db.GetPeer(ctx, uid)
	if err != nil || p == nil || p.DisplayName() == "" {
		return strconv.FormatUint(uid, 10)
	}
	return p.DisplayName()
}

// IsBuddy reports whether uid is in the buddy list.
func (d *Directory) IsBuddy(ctx context.Context, uid uint64) (bool, error) {
	return d.db.IsBuddy(ctx, uid)
}

// AddBuddies adds uids to the buddy list.
func (d *Directory) AddBuddies(ctx context.Context, uids []uint64) error {
	if err := d.db.AddBuddies(ctx, uids); err != nil {
		return err
	}
	d.logger.Info("added buddies", zap.Int("count", len(uids)))
	return nil
}
