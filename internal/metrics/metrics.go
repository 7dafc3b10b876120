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

// Package metrics exposes Prometheus counters for the relay pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived counts inbound webhook events by type.
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_received_total",
		Help: "Webhook events received, by event type.",
	}, []string{"type"})

	// EventsRejected counts deliveries rejected before dispatch.
	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_rejected_total",
		Help: "Webhook deliveries rejected, by reason (unauthorized, malformed).",
	}, []string{"reason"})

	// Uploads counts mailbox upload outcomes.
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_mailbox_uploads_total",
		Help: "Mailbox upload attempts, by outcome (uploaded, deduped, failed).",
	}, []string{"outcome"})

	// DedupHits counts reservations that found the message already
	// reserved or delivered.
	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dedup_hits_total",
		Help: "Upload attempts short-circuited by the dedup ledger.",
	})

	// StageTransitions counts applied pipeline stage changes.
	StageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_stage_transitions_total",
		Help: "Applied CRM stage transitions, by target stage.",
	}, []string{"to"})

	// StageNoops counts stage events collapsed to no-ops by the
	// monotonicity rule or an unmatched category.
	StageNoops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_stage_noops_total",
		Help: "Stage events that produced no transition.",
	})

	// PathFailures counts per-path delivery failures.
	PathFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_path_failures_total",
		Help: "Failed delivery paths, by path (mailbox, crm).",
	}, []string{"path"})

	// BackfillMessages counts messages processed by the bulk-sync runner.
	BackfillMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_backfill_messages_total",
		Help: "Backfill messages processed, by outcome (uploaded, skipped, error, planned).",
	}, []string{"outcome"})
)
