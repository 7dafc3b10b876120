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

// Package backfill replays historical campaign messages through the
// same build/upload and stage paths the webhook uses. It enumerates
// campaigns, leads and per-lead message history from the platform API
// and processes each message as if its webhook had just arrived, so
// the dedup ledger and the monotonic stage machine give the same
// guarantees as live traffic.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldsync/relay/internal/convert"
	"github.com/coldsync/relay/internal/crm"
	"github.com/coldsync/relay/internal/mailbox"
	"github.com/coldsync/relay/internal/metrics"
	"github.com/coldsync/relay/internal/models"
	"github.com/coldsync/relay/internal/pipeline"
	"github.com/coldsync/relay/internal/source"
)

// Request defines the scope of a backfill run.
type Request struct {
	// CampaignID selects one campaign; All overrides it and walks
	// every campaign.
	CampaignID int64
	All        bool

	// Since limits replay to messages newer than the lookback window;
	// zero replays everything.
	Since time.Duration

	// DryRun builds every artifact and reports what would happen
	// without uploading or touching the CRM.
	DryRun bool
}

// Result summarises a completed run.
type Result struct {
	Campaigns    []CampaignResult
	TotalDone    int
	TotalSkipped int
	TotalErrors  int
	Elapsed      time.Duration
}

// CampaignResult tracks per-campaign progress.
type CampaignResult struct {
	CampaignID   int64
	CampaignName string
	Leads        int
	Done         int
	Skipped      int
	Errors       int
}

// Runner replays historical messages.
type Runner struct {
	source   *source.Client
	builder  *convert.Builder
	uploader *mailbox.Uploader
	machine  *pipeline.Machine
}

// RunnerConfig holds the runner's collaborators. Machine may be nil
// to replay the mailbox path only.
type RunnerConfig struct {
	Source   *source.Client
	Builder  *convert.Builder
	Uploader *mailbox.Uploader
	Machine  *pipeline.Machine
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		source:   cfg.Source,
		builder:  cfg.Builder,
		uploader: cfg.Uploader,
		machine:  cfg.Machine,
	}
}

// Run performs the backfill described by req.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	var campaigns []source.Campaign
	if req.All {
		all, err := r.source.ListCampaigns(ctx)
		if err != nil {
			return nil, fmt.Errorf("list campaigns: %w", err)
		}
		campaigns = all
	} else {
		c, err := r.source.Campaign(ctx, req.CampaignID)
		if err != nil {
			return nil, fmt.Errorf("fetch campaign %d: %w", req.CampaignID, err)
		}
		campaigns = []source.Campaign{*c}
	}

	var cutoff time.Time
	if req.Since > 0 {
		cutoff = time.Now().UTC().Add(-req.Since)
	}

	slog.Info("starting backfill",
		"campaigns", len(campaigns),
		"dry_run", req.DryRun,
		"cutoff", cutoff,
	)

	result := &Result{}
	for _, campaign := range campaigns {
		cr, err := r.runCampaign(ctx, campaign, cutoff, req.DryRun)
		if err != nil {
			slog.Error("campaign backfill failed",
				"campaign_id", campaign.ID,
				"error", err,
			)
			// Continue with other campaigns.
			cr = CampaignResult{CampaignID: campaign.ID, CampaignName: campaign.Name, Errors: 1}
		}
		result.Campaigns = append(result.Campaigns, cr)
		result.TotalDone += cr.Done
		result.TotalSkipped += cr.Skipped
		result.TotalErrors += cr.Errors
	}
	result.Elapsed = time.Since(start)

	slog.Info("backfill complete",
		"done", result.TotalDone,
		"skipped", result.TotalSkipped,
		"errors", result.TotalErrors,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

func (r *Runner) runCampaign(ctx context.Context, campaign source.Campaign, cutoff time.Time, dryRun bool) (CampaignResult, error) {
	cr := CampaignResult{CampaignID: campaign.ID, CampaignName: campaign.Name}

	leads, err := r.source.ListLeads(ctx, campaign.ID)
	if err != nil {
		return cr, fmt.Errorf("list leads: %w", err)
	}
	cr.Leads = len(leads)

	slog.Info("backfilling campaign",
		"campaign_id", campaign.ID,
		"campaign_name", campaign.Name,
		"leads", len(leads),
	)

	for _, rec := range leads {
		if err := ctx.Err(); err != nil {
			return cr, err
		}

		history, err := r.source.MessageHistory(ctx, campaign.ID, rec.Lead.ID)
		if err != nil {
			slog.Warn("message history fetch failed",
				"campaign_id", campaign.ID,
				"lead_email", rec.Lead.Email,
				"error", err,
			)
			cr.Errors++
			continue
		}

		// History is oldest-first; replay order preserves threading.
		for _, msg := range history.History {
			ev, err := toEvent(&msg, &campaign, &rec.Lead, history.From)
			if err != nil {
				slog.Warn("skipping unreplayable message",
					"lead_email", rec.Lead.Email,
					"error", err,
				)
				cr.Errors++
				continue
			}
			if !cutoff.IsZero() && ev.SentAt.Before(cutoff) {
				cr.Skipped++
				continue
			}

			switch r.processMessage(ctx, ev, dryRun) {
			case outcomeDone:
				cr.Done++
			case outcomeSkipped:
				cr.Skipped++
			case outcomeError:
				cr.Errors++
			}
		}
	}

	slog.Info("campaign backfill complete",
		"campaign_id", campaign.ID,
		"done", cr.Done,
		"skipped", cr.Skipped,
		"errors", cr.Errors,
	)
	return cr, nil
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeSkipped
	outcomeError
)

// processMessage pushes one replayed event through the mailbox and
// stage paths. Both paths are attempted regardless of the other's
// result, matching live webhook semantics.
func (r *Runner) processMessage(ctx context.Context, ev *models.Event, dryRun bool) outcome {
	art, err := r.builder.Build(ctx, ev)
	if err != nil {
		slog.Warn("artifact build failed",
			"thread_key", ev.ThreadKey,
			"error", err,
		)
		metrics.BackfillMessages.WithLabelValues("error").Inc()
		return outcomeError
	}

	if dryRun {
		slog.Info("dry-run: would upload",
			"event_type", string(ev.Type),
			"message_id", art.MessageID,
			"subject", ev.Subject,
			"labels", art.Labels,
		)
		metrics.BackfillMessages.WithLabelValues("planned").Inc()
		return outcomeDone
	}

	out := outcomeDone

	res, err := r.uploader.Upload(ctx, art)
	switch {
	case err != nil:
		slog.Warn("upload failed",
			"message_id", art.MessageID,
			"error", err,
		)
		metrics.BackfillMessages.WithLabelValues("error").Inc()
		out = outcomeError
	case res.Deduped:
		metrics.BackfillMessages.WithLabelValues("skipped").Inc()
		out = outcomeSkipped
	default:
		metrics.BackfillMessages.WithLabelValues("uploaded").Inc()
	}

	if r.machine != nil {
		if _, err := r.machine.Apply(ctx, ev); err != nil && !errors.Is(err, crm.ErrLeadNotFound) {
			slog.Warn("stage update failed",
				"lead_key", ev.LeadKey(),
				"error", err,
			)
			if out == outcomeDone {
				out = outcomeError
			}
		}
	}

	return out
}

// toEvent converts a history message into the normalised event shape
// the live webhook path produces.
func toEvent(msg *source.HistoryMessage, campaign *source.Campaign, lead *source.Lead, fromEmail string) (*models.Event, error) {
	ev := &models.Event{
		LeadEmail:    lead.Email,
		LeadName:     joinName(lead.FirstName, lead.LastName),
		AccountEmail: fromEmail,
		Subject:      msg.Subject,
		HTMLBody:     msg.EmailBody,
		SourceID:     msg.MessageID,
		CampaignID:   campaign.ID,
		CampaignName: campaign.Name,
		CompanyName:  lead.CompanyName,
		Website:      lead.Website,
	}
	if msg.Type == "REPLY" {
		ev.Type = models.EventEmailReply
	} else {
		ev.Type = models.EventEmailSent
	}

	ts, err := parseHistoryTime(msg.Time)
	if err != nil {
		return nil, fmt.Errorf("timestamp %q: %w", msg.Time, err)
	}
	ev.SentAt = ts

	ev.ThreadKey = ev.DeriveThreadKey()
	return ev, nil
}

func parseHistoryTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05",
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func joinName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	}
	return first + " " + last
}
