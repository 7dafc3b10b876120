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

package threads

import (
	"context"
	"testing"
	"time"

	"github.com/coldsync/relay/internal/models"
)

func entryAt(threadKey, messageID string, dir models.Direction, at time.Time) Entry {
	return Entry{
		ThreadKey: threadKey,
		MessageID: messageID,
		Direction: dir,
		SentAt:    at,
	}
}

func TestMemoryLastSentSkipsReplies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	m.Record(ctx, entryAt("t1", "<s1@x.com>", models.DirectionSent, base))
	m.Record(ctx, entryAt("t1", "<r1@x.com>", models.DirectionReply, base.Add(time.Hour)))

	last, err := m.LastSent(ctx, "t1")
	if err != nil {
		t.Fatalf("LastSent: %v", err)
	}
	if last != "<s1@x.com>" {
		t.Fatalf("last = %q", last)
	}
}

func TestMemoryLastSentEmptyThread(t *testing.T) {
	m := NewMemory()
	last, err := m.LastSent(context.Background(), "missing")
	if err != nil || last != "" {
		t.Fatalf("last = %q, err = %v", last, err)
	}
}

func TestMemoryReferencesOldestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	// Recorded out of order; References must honour SentAt.
	m.Record(ctx, entryAt("t1", "<s2@x.com>", models.DirectionSent, base.Add(2*time.Hour)))
	m.Record(ctx, entryAt("t1", "<s1@x.com>", models.DirectionSent, base))
	m.Record(ctx, entryAt("t1", "<r1@x.com>", models.DirectionReply, base.Add(time.Hour)))

	refs, err := m.References(ctx, "t1")
	if err != nil {
		t.Fatalf("References: %v", err)
	}
	want := []string{"<s1@x.com>", "<r1@x.com>", "<s2@x.com>"}
	if len(refs) != len(want) {
		t.Fatalf("refs = %v", refs)
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Fatalf("refs = %v, want %v", refs, want)
		}
	}
}

func TestMemoryRecordUpdatesStoreIDs(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	m.Record(ctx, entryAt("t1", "<s1@x.com>", models.DirectionSent, at))

	e := entryAt("t1", "<s1@x.com>", models.DirectionSent, at)
	e.StoreMessageID = "gm-1"
	e.StoreThreadID = "th-1"
	m.Record(ctx, e)

	got, err := m.ByMessageID(ctx, "<s1@x.com>")
	if err != nil {
		t.Fatalf("ByMessageID: %v", err)
	}
	if got == nil || got.StoreMessageID != "gm-1" || got.StoreThreadID != "th-1" {
		t.Fatalf("entry = %+v", got)
	}

	// Still one entry in the thread.
	refs, _ := m.References(ctx, "t1")
	if len(refs) != 1 {
		t.Fatalf("refs = %v", refs)
	}
}

func TestMemoryByMessageIDMiss(t *testing.T) {
	m := NewMemory()
	got, err := m.ByMessageID(context.Background(), "<missing@x.com>")
	if err != nil || got != nil {
		t.Fatalf("got = %+v, err = %v", got, err)
	}
}
