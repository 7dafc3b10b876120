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

package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coldsync/relay/internal/models"
	"github.com/coldsync/relay/internal/threads"
)

type stubLookup struct {
	mu   sync.Mutex
	refs map[string]models.StoreRef
	err  error
}

func (s *stubLookup) FindByMessageID(_ context.Context, messageID string) (*models.StoreRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if ref, ok := s.refs[messageID]; ok {
		return &ref, nil
	}
	return nil, nil
}

func TestCheckAndReserveFreshMessage(t *testing.T) {
	l := NewLedger(threads.NewMemory(), &stubLookup{}, nil)

	known, reserved, err := l.CheckAndReserve(context.Background(), "<m1@x.com>")
	if err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}
	if known != nil || !reserved {
		t.Fatalf("known = %v, reserved = %v", known, reserved)
	}
}

func TestCheckAndReserveAfterCommit(t *testing.T) {
	l := NewLedger(threads.NewMemory(), &stubLookup{}, nil)
	ctx := context.Background()

	if _, reserved, _ := l.CheckAndReserve(ctx, "<m1@x.com>"); !reserved {
		t.Fatal("first reservation failed")
	}
	l.Commit(ctx, "<m1@x.com>", models.StoreRef{MessageID: "gm-1", ThreadID: "th-1"})

	known, reserved, err := l.CheckAndReserve(ctx, "<m1@x.com>")
	if err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}
	if reserved {
		t.Fatal("committed message must not be reservable again")
	}
	if known == nil || known.MessageID != "gm-1" {
		t.Fatalf("known = %+v", known)
	}
}

func TestCheckAndReserveAfterRelease(t *testing.T) {
	l := NewLedger(threads.NewMemory(), &stubLookup{}, nil)
	ctx := context.Background()

	if _, reserved, _ := l.CheckAndReserve(ctx, "<m1@x.com>"); !reserved {
		t.Fatal("first reservation failed")
	}
	l.Release(ctx, "<m1@x.com>")

	if _, reserved, _ := l.CheckAndReserve(ctx, "<m1@x.com>"); !reserved {
		t.Fatal("released message must be reservable again")
	}
}

func TestCheckAndReserveSingleWinner(t *testing.T) {
	l := NewLedger(threads.NewMemory(), &stubLookup{}, nil)
	ctx := context.Background()

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, reserved, err := l.CheckAndReserve(ctx, "<contested@x.com>")
			if err != nil {
				t.Errorf("CheckAndReserve: %v", err)
				return
			}
			if reserved {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestCheckAndReserveResolvesFromThreadIndex(t *testing.T) {
	index := threads.NewMemory()
	index.Record(context.Background(), threads.Entry{
		ThreadKey:      "c7:lead@example.com",
		MessageID:      "<m1@x.com>",
		Direction:      models.DirectionSent,
		StoreMessageID: "gm-9",
		StoreThreadID:  "th-9",
		SentAt:         time.Now(),
	})
	l := NewLedger(index, &stubLookup{}, nil)

	known, reserved, err := l.CheckAndReserve(context.Background(), "<m1@x.com>")
	if err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}
	if reserved || known == nil || known.MessageID != "gm-9" {
		t.Fatalf("known = %+v, reserved = %v", known, reserved)
	}
}

func TestCheckAndReserveResolvesFromStore(t *testing.T) {
	lookup := &stubLookup{refs: map[string]models.StoreRef{
		"<m1@x.com>": {MessageID: "gm-5", ThreadID: "th-5"},
	}}
	l := NewLedger(threads.NewMemory(), lookup, nil)

	known, reserved, err := l.CheckAndReserve(context.Background(), "<m1@x.com>")
	if err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}
	if reserved || known == nil || known.MessageID != "gm-5" {
		t.Fatalf("known = %+v, reserved = %v", known, reserved)
	}

	// Resolution is cached: a failing store afterwards must not matter.
	lookup.mu.Lock()
	lookup.err = errors.New("store down")
	lookup.mu.Unlock()

	known, reserved, err = l.CheckAndReserve(context.Background(), "<m1@x.com>")
	if err != nil || reserved || known == nil {
		t.Fatalf("cached resolution: known = %+v, reserved = %v, err = %v", known, reserved, err)
	}
}

func TestCheckAndReserveStoreErrorReleasesReservation(t *testing.T) {
	lookup := &stubLookup{err: errors.New("store down")}
	l := NewLedger(threads.NewMemory(), lookup, nil)
	ctx := context.Background()

	if _, _, err := l.CheckAndReserve(ctx, "<m1@x.com>"); err == nil {
		t.Fatal("expected store error to surface")
	}

	// The failed attempt must not leave a stuck reservation behind.
	lookup.mu.Lock()
	lookup.err = nil
	lookup.mu.Unlock()

	_, reserved, err := l.CheckAndReserve(ctx, "<m1@x.com>")
	if err != nil || !reserved {
		t.Fatalf("reserved = %v, err = %v", reserved, err)
	}
}
