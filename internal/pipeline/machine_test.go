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

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coldsync/relay/internal/crm"
	"github.com/coldsync/relay/internal/keylock"
	"github.com/coldsync/relay/internal/models"
)

type fakeStore struct {
	mu     sync.Mutex
	stages map[string]models.Stage
	trace  map[string][]models.Stage
	notes  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stages: make(map[string]models.Stage),
		trace:  make(map[string][]models.Stage),
	}
}

func (f *fakeStore) GetStage(_ context.Context, leadKey string) (models.Stage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stage, ok := f.stages[leadKey]
	if !ok {
		return 0, crm.ErrLeadNotFound
	}
	return stage, nil
}

func (f *fakeStore) SetStage(_ context.Context, leadKey string, stage models.Stage, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stages[leadKey] = stage
	f.trace[leadKey] = append(f.trace[leadKey], stage)
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakeStore) CreateLead(_ context.Context, lead models.Lead) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := lead.Email
	if _, ok := f.stages[key]; !ok {
		f.stages[key] = models.StageFound
	}
	return nil
}

func newTestMachine(store StageStore) *Machine {
	classify := NewClassifier(
		[]string{"Interested", "Meeting Request", "Information Request"},
		[]string{"Booked", "Meeting Booked", "Demo Scheduled"},
	)
	return NewMachine(store, classify, keylock.NewSet(2*time.Second))
}

func TestApplyForwardTransition(t *testing.T) {
	store := newFakeStore()
	store.stages["lead@example.com"] = models.StageFound
	m := newTestMachine(store)

	tr, err := m.Apply(context.Background(), &models.Event{
		Type:      models.EventEmailSent,
		LeadEmail: "lead@example.com",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !tr.Applied {
		t.Fatal("expected transition to apply")
	}
	if tr.From != models.StageFound || tr.To != models.StageEmailSent {
		t.Fatalf("got %s -> %s", tr.From, tr.To)
	}
	if store.stages["lead@example.com"] != models.StageEmailSent {
		t.Fatalf("store stage = %s", store.stages["lead@example.com"])
	}
	if len(store.notes) != 1 {
		t.Fatalf("expected one audit note, got %d", len(store.notes))
	}
}

func TestApplyNeverRegresses(t *testing.T) {
	cases := []struct {
		name    string
		current models.Stage
		ev      models.Event
	}{
		{
			name:    "email sent after booked",
			current: models.StageBooked,
			ev:      models.Event{Type: models.EventEmailSent, LeadEmail: "a@x.com"},
		},
		{
			name:    "interested reply after booked",
			current: models.StageBooked,
			ev:      models.Event{Type: models.EventEmailReply, Category: "Interested", LeadEmail: "a@x.com"},
		},
		{
			name:    "lead added after email sent",
			current: models.StageEmailSent,
			ev:      models.Event{Type: models.EventLeadAdded, LeadEmail: "a@x.com"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			store.stages["a@x.com"] = tc.current
			m := newTestMachine(store)

			tr, err := m.Apply(context.Background(), &tc.ev)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if tr.Applied {
				t.Fatalf("expected no-op, applied %s -> %s", tr.From, tr.To)
			}
			if got := store.stages["a@x.com"]; got != tc.current {
				t.Fatalf("stage moved to %s", got)
			}
		})
	}
}

func TestApplyUnmatchedCategoryNoop(t *testing.T) {
	store := newFakeStore()
	store.stages["a@x.com"] = models.StageEmailSent
	m := newTestMachine(store)

	tr, err := m.Apply(context.Background(), &models.Event{
		Type:      models.EventEmailReply,
		Category:  "Out of Office",
		LeadEmail: "a@x.com",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if tr.Applied {
		t.Fatal("unmatched category must not change the stage")
	}
	if store.stages["a@x.com"] != models.StageEmailSent {
		t.Fatalf("stage moved to %s", store.stages["a@x.com"])
	}
}

func TestApplyLeadNotFound(t *testing.T) {
	m := newTestMachine(newFakeStore())

	_, err := m.Apply(context.Background(), &models.Event{
		Type:      models.EventEmailReply,
		Category:  "Booked",
		LeadEmail: "missing@x.com",
	})
	if !errors.Is(err, crm.ErrLeadNotFound) {
		t.Fatalf("expected ErrLeadNotFound, got %v", err)
	}
}

func TestApplyLeadAddedCreatesRecord(t *testing.T) {
	store := newFakeStore()
	m := newTestMachine(store)

	tr, err := m.Apply(context.Background(), &models.Event{
		Type:      models.EventLeadAdded,
		LeadEmail: "new@x.com",
		LeadName:  "Ada Lovelace",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !tr.Created {
		t.Fatal("expected record creation")
	}
	if store.stages["new@x.com"] != models.StageFound {
		t.Fatalf("created at %s, want FOUND", store.stages["new@x.com"])
	}

	// Redelivery of the same event is a no-op.
	tr, err = m.Apply(context.Background(), &models.Event{
		Type:      models.EventLeadAdded,
		LeadEmail: "new@x.com",
	})
	if err != nil {
		t.Fatalf("Apply redelivery: %v", err)
	}
	if tr.Applied || tr.Created {
		t.Fatal("redelivered LEAD_ADDED must be a no-op")
	}
}

func TestApplyConcurrentEventsStayMonotonic(t *testing.T) {
	store := newFakeStore()
	store.stages["lead@x.com"] = models.StageFound
	m := newTestMachine(store)

	events := []models.Event{
		{Type: models.EventEmailSent, LeadEmail: "lead@x.com"},
		{Type: models.EventEmailReply, Category: "Interested", LeadEmail: "lead@x.com"},
		{Type: models.EventEmailReply, Category: "Booked", LeadEmail: "lead@x.com"},
		{Type: models.EventEmailSent, LeadEmail: "lead@x.com"},
		{Type: models.EventCategoryUpdated, Category: "Interested", LeadEmail: "lead@x.com"},
	}

	var wg sync.WaitGroup
	for round := 0; round < 10; round++ {
		for i := range events {
			wg.Add(1)
			go func(ev models.Event) {
				defer wg.Done()
				if _, err := m.Apply(context.Background(), &ev); err != nil {
					t.Errorf("Apply: %v", err)
				}
			}(events[i])
		}
	}
	wg.Wait()

	if got := store.stages["lead@x.com"]; got != models.StageBooked {
		t.Fatalf("final stage = %s, want BOOKED", got)
	}
	trace := store.trace["lead@x.com"]
	for i := 1; i < len(trace); i++ {
		if trace[i] < trace[i-1] {
			t.Fatalf("stage regressed in trace: %v", trace)
		}
	}
}

func TestApplyLockTimeout(t *testing.T) {
	store := newFakeStore()
	store.stages["lead@x.com"] = models.StageFound

	locks := keylock.NewSet(50 * time.Millisecond)
	classify := NewClassifier([]string{"Interested"}, []string{"Booked"})
	m := NewMachine(store, classify, locks)

	release, err := locks.Acquire(context.Background(), "lead@x.com")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	_, err = m.Apply(context.Background(), &models.Event{
		Type:      models.EventEmailSent,
		LeadEmail: "lead@x.com",
	})
	if !errors.Is(err, keylock.ErrTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
}
