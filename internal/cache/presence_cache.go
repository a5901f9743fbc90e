package cache

import (
	"fmt"
	"strconv"
	"time"
)

const (
	// OnlineUserTTL matches the heartbeat stale timeout: a user with no
	// heartbeat inside this window drops out of the online set.
	OnlineUserTTL = 90 * time.Second
)

// PresenceCache tracks per-user connection counts and the online set in
// redis so presence survives process restarts and is shared across
// instances.
type PresenceCache struct {
	redis *RedisCache
}

func NewPresenceCache(redis *RedisCache) *PresenceCache {
	return &PresenceCache{redis: redis}
}

func connCountKey(userID uint) string {
	return fmt.Sprintf("presence:conns:%d", userID)
}

func onlineKey(userID uint) string {
	return fmt.Sprintf("presence:online:%d", userID)
}

// IncrConnections bumps the user's connection count and returns the new
// value. The first connection adds the user to the online set.
func (pc *PresenceCache) IncrConnections(userID uint) (int64, error) {
	if pc == nil || pc.redis == nil {
		return 0, nil
	}
	count, err := pc.redis.Incr(connCountKey(userID))
	if err != nil {
		return 0, err
	}
	if err := pc.redis.SetAdd("presence:online_users", userID); err != nil {
		return count, err
	}
	if err := pc.redis.Set(onlineKey(userID), []byte("1"), OnlineUserTTL); err != nil {
		return count, err
	}
	return count, nil
}

// DecrConnections drops the count, never below zero, and returns the new
// value. The last disconnect removes the user from the online set.
func (pc *PresenceCache) DecrConnections(userID uint) (int64, error) {
	if pc == nil || pc.redis == nil {
		return 0, nil
	}
	count, err := pc.redis.Decr(connCountKey(userID))
	if err != nil {
		return 0, err
	}
	if count <= 0 {
		count = 0
		_ = pc.redis.Delete(connCountKey(userID))
		_ = pc.redis.SetRemove("presence:online_users", userID)
		_ = pc.redis.Delete(onlineKey(userID))
	}
	return count, nil
}

// IsOnline checks the per-user TTL key so stale entries age out even if a
// disconnect was lost.
func (pc *PresenceCache) IsOnline(userID uint) bool {
	if pc == nil || pc.redis == nil {
		return false
	}
	return pc.redis.Exists(onlineKey(userID))
}

// RefreshOnline extends the online TTL on heartbeat.
func (pc *PresenceCache) RefreshOnline(userID uint) error {
	if pc == nil || pc.redis == nil {
		return nil
	}
	return pc.redis.Set(onlineKey(userID), []byte("1"), OnlineUserTTL)
}

// OnlineUsers returns all user ids currently in the online set.
func (pc *PresenceCache) OnlineUsers() ([]uint, error) {
	if pc == nil || pc.redis == nil {
		return nil, nil
	}
	members, err := pc.redis.SetMembers("presence:online_users")
	if err != nil {
		return nil, err
	}
	userIDs := make([]uint, 0, len(members))
	for _, member := range members {
		if id, err := strconv.ParseUint(member, 10, 32); err == nil {
			userIDs = append(userIDs, uint(id))
		}
	}
	return userIDs, nil
}
