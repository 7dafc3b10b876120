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

// Package pipeline drives the monotonic pipeline stage machine. Every
// event maps to a target stage; the applied transition is
// max(current, target) under the stage ordering, so duplicate and
// out-of-order events collapse to no-ops and the stage never
// regresses. Transitions for one lead key are serialised by a keyed
// lock around the read-modify-write.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coldsync/relay/internal/crm"
	"github.com/coldsync/relay/internal/keylock"
	"github.com/coldsync/relay/internal/metrics"
	"github.com/coldsync/relay/internal/models"
)

// StageStore is the CRM surface the machine mutates.
type StageStore interface {
	GetStage(ctx context.Context, leadKey string) (models.Stage, error)
	SetStage(ctx context.Context, leadKey string, stage models.Stage, note string) error
	CreateLead(ctx context.Context, lead models.Lead) error
}

// Transition is the outcome of applying one event.
type Transition struct {
	LeadKey string
	From    models.Stage
	To      models.Stage

	// Applied is false when the event collapsed to a no-op.
	Applied bool

	// Created is true when a LEAD_ADDED event created the CRM record.
	Created bool
}

// Machine applies events to CRM stage records.
type Machine struct {
	store    StageStore
	classify *Classifier
	locks    *keylock.Set
}

// NewMachine creates a stage machine.
func NewMachine(store StageStore, classify *Classifier, locks *keylock.Set) *Machine {
	return &Machine{
		store:    store,
		classify: classify,
		locks:    locks,
	}
}

// Apply computes and applies the stage transition for an event.
// Returns keylock.ErrTimeout when the per-lead serialisation could not
// be acquired in time (safe to retry — nothing was committed), and
// crm.ErrLeadNotFound when no record exists and the event is not
// LEAD_ADDED.
func (m *Machine) Apply(ctx context.Context, ev *models.Event) (Transition, error) {
	leadKey := ev.LeadKey()
	tr := Transition{LeadKey: leadKey}

	target, ok := m.classify.Target(ev)
	if !ok {
		// Unmatched category: explicit no-op, no CRM read needed.
		metrics.StageNoops.Inc()
		slog.Debug("event category unmatched, stage unchanged",
			"lead_key", leadKey,
			"category", ev.Category,
		)
		return tr, nil
	}

	release, err := m.locks.Acquire(ctx, leadKey)
	if err != nil {
		if errors.Is(err, keylock.ErrTimeout) {
			return tr, fmt.Errorf("serialise stage update for %s: %w", leadKey, err)
		}
		return tr, err
	}
	defer release()

	current, err := m.store.GetStage(ctx, leadKey)
	if err != nil {
		if ev.Type == models.EventLeadAdded && errors.Is(err, crm.ErrLeadNotFound) {
			if err := m.store.CreateLead(ctx, models.Lead{
				Email:       ev.LeadEmail,
				FirstName:   firstName(ev.LeadName),
				LastName:    lastName(ev.LeadName),
				CompanyName: ev.CompanyName,
				Website:     ev.Website,
			}); err != nil {
				return tr, fmt.Errorf("create lead %s: %w", leadKey, err)
			}
			tr.From, tr.To = models.StageFound, models.StageFound
			tr.Applied = true
			tr.Created = true
			metrics.StageTransitions.WithLabelValues(models.StageFound.String()).Inc()
			slog.Info("lead record created", "lead_key", leadKey)
			return tr, nil
		}
		return tr, err
	}

	tr.From = current
	tr.To = maxStage(current, target)

	if tr.To == current {
		metrics.StageNoops.Inc()
		slog.Debug("stage transition collapsed to no-op",
			"lead_key", leadKey,
			"current", current.String(),
			"target", target.String(),
		)
		return tr, nil
	}

	note := auditNote(ev, current, tr.To)
	if err := m.store.SetStage(ctx, leadKey, tr.To, note); err != nil {
		return tr, fmt.Errorf("set stage for %s: %w", leadKey, err)
	}

	tr.Applied = true
	metrics.StageTransitions.WithLabelValues(tr.To.String()).Inc()
	slog.Info("stage transition applied",
		"lead_key", leadKey,
		"from", current.String(),
		"to", tr.To.String(),
		"event_type", string(ev.Type),
	)
	return tr, nil
}

func maxStage(a, b models.Stage) models.Stage {
	if a > b {
		return a
	}
	return b
}

func firstName(full string) string {
	if i := strings.IndexByte(full, ' '); i >= 0 {
		return full[:i]
	}
	return full
}

func lastName(full string) string {
	if i := strings.IndexByte(full, ' '); i >= 0 {
		return full[i+1:]
	}
	return ""
}

func auditNote(ev *models.Event, from, to models.Stage) string {
	note := fmt.Sprintf("%s → %s on %s", from, to, ev.Type)
	if ev.Category != "" {
		note += fmt.Sprintf(" (category %q)", ev.Category)
	}
	if ev.CampaignName != "" {
		note += fmt.Sprintf(", campaign %q", ev.CampaignName)
	}
	note += fmt.Sprintf(", lead %s, at %s [ref %s]",
		ev.LeadEmail,
		time.Now().UTC().Format(time.RFC3339),
		uuid.NewString()[:8],
	)
	return note
}
