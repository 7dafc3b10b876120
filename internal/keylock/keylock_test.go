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

package keylock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	s := NewSet(time.Second)

	release, err := s.Acquire(context.Background(), "lead-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	release()

	// Re-acquire after release must succeed immediately.
	release, err = s.Acquire(context.Background(), "lead-1")
	if err != nil {
		t.Fatalf("re-acquire failed: %v", err)
	}
	release()
}

func TestAcquireTimeout(t *testing.T) {
	s := NewSet(50 * time.Millisecond)

	release, err := s.Acquire(context.Background(), "lead-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	_, err = s.Acquire(context.Background(), "lead-1")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestIndependentKeys(t *testing.T) {
	s := NewSet(50 * time.Millisecond)

	r1, err := s.Acquire(context.Background(), "lead-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r1()

	// A different key must not be blocked.
	r2, err := s.Acquire(context.Background(), "lead-2")
	if err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}
	r2()
}

func TestMutualExclusion(t *testing.T) {
	s := NewSet(5 * time.Second)

	var counter, active int
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := s.Acquire(context.Background(), "shared")
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			defer release()

			mu.Lock()
			active++
			if active > 1 {
				t.Errorf("observed %d concurrent holders", active)
			}
			mu.Unlock()

			counter++

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if counter != 20 {
		t.Errorf("counter = %d, want 20", counter)
	}
}

func TestAcquireContextCancel(t *testing.T) {
	s := NewSet(time.Minute)

	release, err := s.Acquire(context.Background(), "lead-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.Acquire(ctx, "lead-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want context.DeadlineExceeded", err)
	}
}
