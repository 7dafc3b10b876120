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
	"fmt"
	"log/slog"
	"sync"

	"github.com/coldsync/relay/internal/models"
	"github.com/coldsync/relay/internal/threads"
)

// StoreLookup is the mailbox store's authoritative lookup-by-Message-ID.
type StoreLookup interface {
	FindByMessageID(ctx context.Context, messageID string) (*models.StoreRef, error)
}

type entryState int

const (
	stateReserved entryState = iota
	stateDelivered
)

type entry struct {
	state entryState
	ref   models.StoreRef
}

// Ledger answers "has this canonical message already been delivered?"
// and records delivery. Reservations are process-lifetime only; they
// may be safely lost because the mailbox store is re-checked anyway.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*entry

	index threads.Index
	store StoreLookup
	seen  *SeenFilter // optional
}

// NewLedger creates a ledger consulting, in order: the in-process
// reservation map, the thread index delivery log, the optional Redis
// seen-filter, and finally the mailbox store itself. seen may be nil.
func NewLedger(index threads.Index, store StoreLookup, seen *SeenFilter) *Ledger {
	return &Ledger{
		entries: make(map[string]*entry),
		index:   index,
		store:   store,
		seen:    seen,
	}
}

// CheckAndReserve atomically reserves messageID for delivery.
//
// Returns (known, reserved):
//   - known != nil: already durably delivered; known carries the
//     store identifiers. reserved is false.
//   - known == nil, reserved true: the caller now owns delivery and
//     must call Commit on success or Release on failure.
//   - known == nil, reserved false: another in-flight delivery holds
//     the reservation; the caller should treat the message as already
//     present and let redelivery resolve the store identifiers.
func (l *Ledger) CheckAndReserve(ctx context.Context, messageID string) (known *models.StoreRef, reserved bool, err error) {
	l.mu.Lock()
	if e, ok := l.entries[messageID]; ok {
		l.mu.Unlock()
		if e.state == stateDelivered {
			ref := e.ref
			return &ref, false, nil
		}
		return nil, false, nil
	}
	// Tentative reservation; dropped again below if a slower check
	// finds the message already delivered.
	l.entries[messageID] = &entry{state: stateReserved}
	l.mu.Unlock()

	// Thread index delivery log (our own prior commits).
	if rec, err := l.index.ByMessageID(ctx, messageID); err != nil {
		slog.Warn("dedup: thread index lookup failed, proceeding", "message_id", messageID, "error", err)
	} else if rec != nil && rec.StoreMessageID != "" {
		ref := models.StoreRef{MessageID: rec.StoreMessageID, ThreadID: rec.StoreThreadID}
		l.markDelivered(messageID, ref)
		return &ref, false, nil
	}

	// Redis seen-filter: a hit means some process delivered this ID
	// before; verify against the store, which stays authoritative.
	if l.seen != nil {
		if isNew, err := l.seen.IsNew(ctx, messageID); err != nil {
			slog.Warn("dedup: seen-filter check failed, proceeding", "message_id", messageID, "error", err)
		} else if !isNew {
			ref, err := l.lookupStore(ctx, messageID)
			if err != nil {
				l.Release(ctx, messageID)
				return nil, false, err
			}
			if ref != nil {
				l.markDelivered(messageID, *ref)
				return ref, false, nil
			}
			// Stale mark with nothing in the store: fall through and
			// deliver. The mark is already re-set by SETNX semantics.
		}
	}

	// Authoritative: the mailbox store's Message-ID index.
	ref, err := l.lookupStore(ctx, messageID)
	if err != nil {
		l.Release(ctx, messageID)
		return nil, false, err
	}
	if ref != nil {
		l.markDelivered(messageID, *ref)
		return ref, false, nil
	}

	return nil, true, nil
}

// Commit records a completed delivery.
func (l *Ledger) Commit(ctx context.Context, messageID string, ref models.StoreRef) {
	l.markDelivered(messageID, ref)
	if l.seen != nil {
		if _, err := l.seen.IsNew(ctx, messageID); err != nil {
			slog.Warn("dedup: seen-filter mark failed", "message_id", messageID, "error", err)
		}
	}
}

// Release drops a failed reservation so a redelivery can retry.
func (l *Ledger) Release(ctx context.Context, messageID string) {
	l.mu.Lock()
	if e, ok := l.entries[messageID]; ok && e.state == stateReserved {
		delete(l.entries, messageID)
	}
	l.mu.Unlock()

	if l.seen != nil {
		if err := l.seen.Forget(ctx, messageID); err != nil {
			slog.Warn("dedup: seen-filter forget failed", "message_id", messageID, "error", err)
		}
	}
}

func (l *Ledger) markDelivered(messageID string, ref models.StoreRef) {
	l.mu.Lock()
	l.entries[messageID] = &entry{state: stateDelivered, ref: ref}
	l.mu.Unlock()
}

func (l *Ledger) lookupStore(ctx context.Context, messageID string) (*models.StoreRef, error) {
	if l.store == nil {
		return nil, nil
	}
	ref, err := l.store.FindByMessageID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("mailbox lookup for %s: %w", messageID, err)
	}
	return ref, nil
}
