package copytrade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/tradepro/options-engine/internal/model"
	"github.com/tradepro/options-engine/internal/store"
)

var (
	ErrSelfFollow = errors.New("copytrade: cannot follow yourself")
	ErrNotLeader  = errors.New("copytrade: account is not a leader")
)

// Manager maintains the follower/leader relationship on both accounts.
// Updates are serialised so the two sides cannot drift apart.
type Manager struct {
	store store.Store
	mu    sync.Mutex
}

// NewManager creates a follow-graph manager.
func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// Follow subscribes followerID to leaderID's positions. Following a leader
// twice is a no-op.
func (m *Manager) Follow(ctx context.Context, followerID, leaderID string) error {
	if followerID == leaderID {
		return ErrSelfFollow
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	leader, follower, err := m.load(ctx, followerID, leaderID)
	if err != nil {
		return err
	}
	if !leader.IsLeader {
		return fmt.Errorf("%w: %s", ErrNotLeader, leaderID)
	}

	if !slices.Contains(leader.Followers, followerID) {
		leader.Followers = append(leader.Followers, followerID)
		if err := m.store.SaveAccount(ctx, leader); err != nil {
			return fmt.Errorf("save leader: %w", err)
		}
	}
	if !slices.Contains(follower.FollowedLeaders, leaderID) {
		follower.FollowedLeaders = append(follower.FollowedLeaders, leaderID)
		if err := m.store.SaveAccount(ctx, follower); err != nil {
			return fmt.Errorf("save follower: %w", err)
		}
	}

	slog.Info("leader followed", "follower_id", followerID, "leader_id", leaderID)
	return nil
}

// Unfollow removes the relationship. Open copies are left to settle.
func (m *Manager) Unfollow(ctx context.Context, followerID, leaderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	leader, follower, err := m.load(ctx, followerID, leaderID)
	if err != nil {
		return err
	}

	leader.Followers = slices.DeleteFunc(leader.Followers, func(id string) bool { return id == followerID })
	follower.FollowedLeaders = slices.DeleteFunc(follower.FollowedLeaders, func(id string) bool { return id == leaderID })

	if err := m.store.SaveAccount(ctx, leader); err != nil {
		return fmt.Errorf("save leader: %w", err)
	}
	if err := m.store.SaveAccount(ctx, follower); err != nil {
		return fmt.Errorf("save follower: %w", err)
	}

	slog.Info("leader unfollowed", "follower_id", followerID, "leader_id", leaderID)
	return nil
}

// Leaders lists every account that can be followed.
func (m *Manager) Leaders(ctx context.Context) ([]model.Account, error) {
	leaders, err := m.store.ListLeaders(ctx)
	if err != nil {
		return nil, err
	}
	if leaders == nil {
		leaders = []model.Account{}
	}
	return leaders, nil
}

// Followers returns the ids following leaderID.
func (m *Manager) Followers(ctx context.Context, leaderID string) ([]string, error) {
	leader, err := m.store.GetAccount(ctx, leaderID)
	if err != nil {
		return nil, err
	}
	if leader.Followers == nil {
		return []string{}, nil
	}
	return leader.Followers, nil
}

// Following returns the leaders followerID copies. A leader account that
// has since disappeared is skipped.
func (m *Manager) Following(ctx context.Context, followerID string) ([]model.Account, error) {
	follower, err := m.store.GetAccount(ctx, followerID)
	if err != nil {
		return nil, err
	}
	leaders := make([]model.Account, 0, len(follower.FollowedLeaders))
	for _, id := range follower.FollowedLeaders {
		leader, err := m.store.GetAccount(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("leader %s: %w", id, err)
		}
		leaders = append(leaders, *leader)
	}
	return leaders, nil
}

func (m *Manager) load(ctx context.Context, followerID, leaderID string) (*model.Account, *model.Account, error) {
	leader, err := m.store.GetAccount(ctx, leaderID)
	if err != nil {
		return nil, nil, fmt.Errorf("leader: %w", err)
	}
	follower, err := m.store.GetAccount(ctx, followerID)
	if err != nil {
		return nil, nil, fmt.Errorf("follower: %w", err)
	}
	return leader, follower, nil
}
