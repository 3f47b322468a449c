package services

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisUnreadStore keeps one hash per chat, field = participant id, value =
// unread count. Counters only move by HINCRBY 1 or reset to 0, so they never
// go negative.
type RedisUnreadStore struct {
	rdb *redis.Client
}

func NewRedisUnreadStore(rdb *redis.Client) *RedisUnreadStore {
	return &RedisUnreadStore{rdb: rdb}
}

func unreadKey(chatID string) string {
	return "unread:" + chatID
}

func (s *RedisUnreadStore) Increment(ctx context.Context, chatID string, userIDs []int) error {
	if len(userIDs) == 0 {
		return nil
	}
	key := unreadKey(chatID)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			pipe.HIncrBy(ctx, key, strconv.Itoa(id), 1)
		}
		return nil
	})
	return err
}

func (s *RedisUnreadStore) Reset(ctx context.Context, chatID string, userID int) error {
	return s.rdb.HSet(ctx, unreadKey(chatID), strconv.Itoa(userID), 0).Err()
}

func (s *RedisUnreadStore) Count(ctx context.Context, chatID string, userID int) (int, error) {
	n, err := s.rdb.HGet(ctx, unreadKey(chatID), strconv.Itoa(userID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

type unreadKeyPair struct {
	chatID string
	userID int
}

// MemoryUnreadStore is the process-local counter store used when no Redis
// address is configured.
type MemoryUnreadStore struct {
	mu     sync.Mutex
	counts map[unreadKeyPair]int
}

func NewMemoryUnreadStore() *MemoryUnreadStore {
	return &MemoryUnreadStore{counts: make(map[unreadKeyPair]int)}
}

func (s *MemoryUnreadStore) Increment(_ context.Context, chatID string, userIDs []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range userIDs {
		s.counts[unreadKeyPair{chatID, id}]++
	}
	return nil
}

func (s *MemoryUnreadStore) Reset(_ context.Context, chatID string, userID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, unreadKeyPair{chatID, userID})
	return nil
}

func (s *MemoryUnreadStore) Count(_ context.Context, chatID string, userID int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[unreadKeyPair{chatID, userID}], nil
}
