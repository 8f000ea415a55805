// AppBeat - Realtime Mobile Analytics Pipeline
// Copyright 2026 AppBeat contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/appbeat-io/appbeat

package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ListStore is the shared ordered list backing the ingestion buffer. Multiple
// API replicas push to and pop from the same list, so every operation must be
// atomic at the store level. The production implementation is a Redis list.
type ListStore interface {
	// PushBack appends a value and returns the new list length.
	PushBack(ctx context.Context, key, value string) (int64, error)
	// TrimToNewest discards all but the newest max entries.
	TrimToNewest(ctx context.Context, key string, max int64) error
	// PopFront atomically removes and returns up to count entries from the
	// front (FIFO). Returns an empty slice when the list is empty.
	PopFront(ctx context.Context, key string, count int64) ([]string, error)
	// Len returns the current list length.
	Len(ctx context.Context, key string) (int64, error)
}

// RedisListStore implements ListStore on a Redis list.
type RedisListStore struct {
	client *redis.Client
}

// NewRedisListStore creates a ListStore over the given Redis client.
func NewRedisListStore(client *redis.Client) (*RedisListStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client required")
	}
	return &RedisListStore{client: client}, nil
}

// PushBack appends with RPUSH; the reply is the new list length.
func (s *RedisListStore) PushBack(ctx context.Context, key, value string) (int64, error) {
	n, err := s.client.RPush(ctx, key, value).Result()
	if err != nil {
		return 0, fmt.Errorf("rpush %s: %w", key, err)
	}
	return n, nil
}

// TrimToNewest keeps the last max entries with LTRIM's negative indexing.
func (s *RedisListStore) TrimToNewest(ctx context.Context, key string, max int64) error {
	if err := s.client.LTrim(ctx, key, -max, -1).Err(); err != nil {
		return fmt.Errorf("ltrim %s: %w", key, err)
	}
	return nil
}

// PopFront removes up to count entries with LPOP. An empty list is not an
// error.
func (s *RedisListStore) PopFront(ctx context.Context, key string, count int64) ([]string, error) {
	values, err := s.client.LPopCount(ctx, key, int(count)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("lpop %s: %w", key, err)
	}
	return values, nil
}

// Len returns the list length with LLEN.
func (s *RedisListStore) Len(ctx context.Context, key string) (int64, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", key, err)
	}
	return n, nil
}
