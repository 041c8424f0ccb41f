// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package thermal

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Locker serializes provisioning of one target across replicas. Within a
// process the Manager already guarantees a single provisioning per model;
// a Locker extends that guarantee to every replica sharing the backend.
type Locker interface {
	Acquire(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker is the single-replica Locker. It never blocks.
type LocalLocker struct{}

// Acquire implements Locker.
func (LocalLocker) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

// RedisLocker is a redsync-backed Locker.
type RedisLocker struct {
	rs     *redsync.Redsync
	expiry time.Duration
	log    zerolog.Logger
}

// NewRedisLocker creates a locker on client. expiry should exceed the
// provisioning deadline so the lock is not lost mid-provision.
func NewRedisLocker(client redis.UniversalClient, expiry time.Duration, log zerolog.Logger) *RedisLocker {
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: expiry,
		log:    log,
	}
}

// Acquire implements Locker. It retries until ctx ends.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1<<16),
		redsync.WithRetryDelay(250*time.Millisecond),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return func() {
		if _, err := mutex.Unlock(); err != nil {
			l.log.Error().Err(err).Str("key", key).Msg("Failed to unlock mutex")
		}
	}, nil
}
