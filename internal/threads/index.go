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

// Package threads maintains an append-only log of delivered artifacts
// per thread key. The message builder reads it to synthesise reply
// threading headers, and the dedup ledger reads it to resolve
// previously delivered store identifiers without a mailbox round-trip.
package threads

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coldsync/relay/internal/models"
)

// Entry is one logged artifact within a thread.
type Entry struct {
	ThreadKey string
	MessageID string
	Direction models.Direction

	// Store identifiers, populated once the mailbox upload completes.
	StoreMessageID string
	StoreThreadID  string

	SentAt time.Time
}

// Index is the per-thread message log.
type Index interface {
	// Record appends an entry. Recording the same MessageID again
	// updates its store identifiers but never duplicates the entry.
	Record(ctx context.Context, e Entry) error

	// LastSent returns the MessageID of the most recent SENT entry in
	// the thread, or "" when the thread has no sent messages.
	LastSent(ctx context.Context, threadKey string) (string, error)

	// References returns the thread's MessageIDs oldest first.
	References(ctx context.Context, threadKey string) ([]string, error)

	// ByMessageID returns the entry for a canonical MessageID, or nil
	// when the message has not been logged.
	ByMessageID(ctx context.Context, messageID string) (*Entry, error)
}

// Memory is an in-process Index. Used in tests and when no database is
// configured; in that mode threading state does not survive restarts,
// which only degrades reply linking, never correctness.
type Memory struct {
	mu      sync.Mutex
	byKey   map[string][]Entry
	byMsgID map[string]*Entry
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{
		byKey:   make(map[string][]Entry),
		byMsgID: make(map[string]*Entry),
	}
}

// Record implements Index.
func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.byMsgID[e.MessageID]; ok {
		if e.StoreMessageID != "" {
			prev.StoreMessageID = e.StoreMessageID
			prev.StoreThreadID = e.StoreThreadID
		}
		return nil
	}

	entries := append(m.byKey[e.ThreadKey], e)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].SentAt.Before(entries[j].SentAt)
	})
	m.byKey[e.ThreadKey] = entries

	// Index the stored copy, not the argument.
	for i := range entries {
		m.byMsgID[entries[i].MessageID] = &m.byKey[e.ThreadKey][i]
	}
	return nil
}

// LastSent implements Index.
func (m *Memory) LastSent(_ context.Context, threadKey string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.byKey[threadKey]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Direction == models.DirectionSent {
			return entries[i].MessageID, nil
		}
	}
	return "", nil
}

// References implements Index.
func (m *Memory) References(_ context.Context, threadKey string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.byKey[threadKey]
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.MessageID)
	}
	return ids, nil
}

// ByMessageID implements Index.
func (m *Memory) ByMessageID(_ context.Context, messageID string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.byMsgID[messageID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}
