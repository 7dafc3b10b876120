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

// Package keylock provides per-key mutual exclusion with bounded
// acquisition. Stage transitions for a lead and uploads within a
// thread are serialised through a Set keyed on the lead/thread key.
package keylock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a lock could not be acquired within the
// configured bound. The guarded operation never started, so retrying
// on redelivery is safe.
var ErrTimeout = errors.New("keylock: acquisition timed out")

// Set is a collection of per-key locks. The zero value is not usable;
// call NewSet.
type Set struct {
	mu      sync.Mutex
	locks   map[string]chan struct{}
	timeout time.Duration
}

// NewSet creates a lock set with the given acquisition bound.
func NewSet(timeout time.Duration) *Set {
	return &Set{
		locks:   make(map[string]chan struct{}),
		timeout: timeout,
	}
}

func (s *Set) lock(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[key]
	if !ok {
		// Buffered channel of one: holding the token is holding the lock.
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

// Acquire blocks until the lock for key is held, the context is done,
// or the acquisition bound expires. On success the returned release
// function must be called exactly once.
func (s *Set) Acquire(ctx context.Context, key string) (release func(), err error) {
	ch := s.lock(key)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	}
}
