// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package opcache remembers op_ids that are known to be committed, so replays
// of already applied operations can be answered without opening a transaction.
//
// A cache hit is authoritative (committed op_ids never disappear from the
// ledger). A miss means nothing: the ledger's unique key stays the source of
// truth for idempotency.
package opcache

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru"
	"github.com/patrickmn/go-cache"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/petsync/pkg/logger"
	"github.com/united-manufacturing-hub/petsync/pkg/metrics"
)

// Cache is implemented by Local and Tiered.
type Cache interface {
	// Seen reports whether the op_id is known to be committed for the owner.
	Seen(ctx context.Context, ownerID, opID string) bool
	// Remember records a committed op_id.
	Remember(ctx context.Context, ownerID, opID string)
}

// cacheKey hashes owner and op_id. op_ids never contain '*', so the last '*'
// separates the two unambiguously.
func cacheKey(ownerID, opID string) string {
	var b strings.Builder

	b.Grow(len(ownerID) + len(opID) + 1)
	b.WriteString(ownerID)
	b.WriteRune('*')
	b.WriteString(opID)

	sum := xxh3.HashString128(b.String()).Bytes()

	return hex.EncodeToString(sum[:])
}

// Local is a bounded in-process cache using an adaptive replacement cache.
type Local struct {
	arc *lru.ARCCache
}

// NewLocal creates a cache holding up to size op_ids.
func NewLocal(size int) (*Local, error) {
	arc, err := lru.NewARC(size)
	if err != nil {
		return nil, err
	}

	return &Local{arc: arc}, nil
}

func (l *Local) Seen(_ context.Context, ownerID, opID string) bool {
	hit := l.arc.Contains(cacheKey(ownerID, opID))
	metrics.RecordOpCacheLookup(hit)

	return hit
}

func (l *Local) Remember(_ context.Context, ownerID, opID string) {
	l.arc.Add(cacheKey(ownerID, opID), struct{}{})
}

// Len returns the number of cached op_ids.
func (l *Local) Len() int {
	return l.arc.Len()
}

const (
	redisKeyPrefix = "petsync:op:"

	// DefaultMemoryExpiration is how long a Redis hit is kept in memory.
	DefaultMemoryExpiration = 10 * time.Second
	// DefaultRedisExpiration is how long Redis keeps an op_id.
	DefaultRedisExpiration = 12 * time.Hour
)

// Tiered shares committed op_ids between replicas through Redis, with a short
// lived in-memory tier in front of it. Redis failures are logged and treated
// as misses.
type Tiered struct {
	rdb      *redis.Client
	mem      *cache.Cache
	redisTTL time.Duration
	log      *zap.SugaredLogger
}

// NewTiered creates a tiered cache on top of an existing Redis client.
func NewTiered(rdb *redis.Client, memoryExpiration, redisExpiration time.Duration) *Tiered {
	if rdb == nil {
		panic("redis client must not be nil")
	}

	if memoryExpiration <= 0 {
		memoryExpiration = DefaultMemoryExpiration
	}

	if redisExpiration <= 0 {
		redisExpiration = DefaultRedisExpiration
	}

	return &Tiered{
		rdb:      rdb,
		mem:      cache.New(memoryExpiration, 2*memoryExpiration),
		redisTTL: redisExpiration,
		log:      logger.For(logger.ComponentOpCache),
	}
}

// NewRedisClient connects to a single Redis instance and checks it with PING.
func NewRedisClient(ctx context.Context, uri, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     uri,
		Password: password,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()

		return nil, err
	}

	return rdb, nil
}

func (t *Tiered) Seen(ctx context.Context, ownerID, opID string) bool {
	key := cacheKey(ownerID, opID)

	if _, found := t.mem.Get(key); found {
		metrics.RecordOpCacheLookup(true)

		return true
	}

	n, err := t.rdb.Exists(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		t.log.Debugf("Redis lookup failed, treating as miss: %v", err)
		metrics.RecordOpCacheLookup(false)

		return false
	}

	hit := n > 0
	if hit {
		// write back to the memory tier
		t.mem.SetDefault(key, struct{}{})
	}

	metrics.RecordOpCacheLookup(hit)

	return hit
}

func (t *Tiered) Remember(ctx context.Context, ownerID, opID string) {
	key := cacheKey(ownerID, opID)
	t.mem.SetDefault(key, struct{}{})

	if err := t.rdb.Set(ctx, redisKeyPrefix+key, 1, t.redisTTL).Err(); err != nil {
		t.log.Warnf("Failed to store op_id in redis: %v", err)
	}
}

// Close closes the Redis client.
func (t *Tiered) Close() error {
	return t.rdb.Close()
}
