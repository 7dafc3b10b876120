// Copyright (c) 2026 John Earle
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

// Package dedup ensures at-most-once mailbox delivery per canonical
// message identifier. An in-process reservation map serialises
// concurrent deliveries of the same message; a Redis seen-filter and
// the thread index accelerate repeat checks; the mailbox store's own
// Message-ID lookup remains the source of truth.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a delivered message ID is remembered in
	// Redis. Webhook redeliveries arrive within hours; a week covers
	// backfill overlap as well.
	DefaultTTL = 7 * 24 * time.Hour

	// keyPrefix namespaces delivery marks in Redis.
	keyPrefix = "relay:delivered:"
)

// SeenFilter remembers delivered message IDs in Redis. It is an
// optimization layer only — losing it means a store re-check, never a
// duplicate delivery.
type SeenFilter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSeenFilter creates a seen-filter backed by Redis.
func NewSeenFilter(rdb *redis.Client) *SeenFilter {
	return &SeenFilter{
		rdb: rdb,
		ttl: DefaultTTL,
	}
}

// IsNew returns true if the message ID has NOT been marked delivered.
// If true, the ID is marked atomically (SETNX) so concurrent checks
// from other processes see it.
func (f *SeenFilter) IsNew(ctx context.Context, messageID string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, keyPrefix+messageID, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget drops the delivery mark, used when a reservation is released
// after a failed upload so redelivery is not short-circuited.
func (f *SeenFilter) Forget(ctx context.Context, messageID string) error {
	return f.rdb.Del(ctx, keyPrefix+messageID).Err()
}

// Ping checks the Redis connection.
func (f *SeenFilter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return f.rdb.Ping(ctx).Err()
}
