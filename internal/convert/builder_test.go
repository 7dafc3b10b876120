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

package convert

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/coldsync/relay/internal/models"
	"github.com/coldsync/relay/internal/threads"
)

func testBuilder(index threads.Index) *Builder {
	return NewBuilder(index, "Smartlead/Sent", "Smartlead/Replies")
}

func sentEvent() *models.Event {
	return &models.Event{
		Type:         models.EventEmailSent,
		LeadEmail:    "lead@example.com",
		LeadName:     "Lead Example",
		AccountEmail: "me@agency.com",
		Subject:      "Quick question",
		TextBody:     "Hi there",
		HTMLBody:     "<p>Hi there</p>",
		SourceID:     "<s1@mailer.example.com>",
		CampaignID:   7,
		CampaignName: "Q3 Outreach",
		SequenceNum:  1,
		SentAt:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestBuildSentArtifact(t *testing.T) {
	art, err := testBuilder(threads.NewMemory()).Build(context.Background(), sentEvent())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if art.MessageID != "<s1@mailer.example.com>" {
		t.Errorf("MessageID = %q", art.MessageID)
	}
	if art.ThreadKey != "c7:lead@example.com" {
		t.Errorf("ThreadKey = %q", art.ThreadKey)
	}
	if art.Direction != models.DirectionSent {
		t.Errorf("Direction = %v", art.Direction)
	}
	if got := art.Headers["From"]; got != "me@agency.com" {
		t.Errorf("From = %q", got)
	}
	if got := art.Headers["To"]; !strings.Contains(got, "Lead Example") || !strings.Contains(got, "<lead@example.com>") {
		t.Errorf("To = %q", got)
	}
	if got := art.Headers["Date"]; got != "Sun, 01 Mar 2026 10:00:00 +0000" {
		t.Errorf("Date = %q", got)
	}
	if got := art.Headers["X-Campaign-ID"]; got != "7" {
		t.Errorf("X-Campaign-ID = %q", got)
	}
	if len(art.Labels) != 1 || art.Labels[0] != "Smartlead/Sent" {
		t.Errorf("Labels = %v", art.Labels)
	}
}

func TestBuildReplySwapsAddresses(t *testing.T) {
	ev := sentEvent()
	ev.Type = models.EventEmailReply
	ev.SourceID = "<r1@example.com>"
	ev.Category = "Interested"

	art, err := testBuilder(threads.NewMemory()).Build(context.Background(), ev)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := art.Headers["From"]; !strings.Contains(got, "Lead Example") || !strings.Contains(got, "<lead@example.com>") {
		t.Errorf("From = %q", got)
	}
	if got := art.Headers["To"]; got != "me@agency.com" {
		t.Errorf("To = %q", got)
	}
	if got := art.Headers["X-Reply-Category"]; got != "Interested" {
		t.Errorf("X-Reply-Category = %q", got)
	}
	if len(art.Labels) != 1 || art.Labels[0] != "Smartlead/Replies" {
		t.Errorf("Labels = %v", art.Labels)
	}
}

func TestBuildReplyThreadsOntoLastSent(t *testing.T) {
	index := threads.NewMemory()
	index.Record(context.Background(), threads.Entry{
		ThreadKey: "c7:lead@example.com",
		MessageID: "<s1@mailer.example.com>",
		Direction: models.DirectionSent,
		SentAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})

	ev := sentEvent()
	ev.Type = models.EventEmailReply
	ev.SourceID = "<r1@example.com>"
	ev.SentAt = ev.SentAt.Add(24 * time.Hour)

	art, err := testBuilder(index).Build(context.Background(), ev)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if art.InReplyTo != "<s1@mailer.example.com>" {
		t.Errorf("InReplyTo = %q", art.InReplyTo)
	}
	if got := art.Headers["References"]; got != "<s1@mailer.example.com>" {
		t.Errorf("References = %q", got)
	}
}

func TestBuildReplyExplicitParentWins(t *testing.T) {
	index := threads.NewMemory()
	index.Record(context.Background(), threads.Entry{
		ThreadKey: "c7:lead@example.com",
		MessageID: "<s1@mailer.example.com>",
		Direction: models.DirectionSent,
		SentAt:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	})

	ev := sentEvent()
	ev.Type = models.EventEmailReply
	ev.SourceID = "<r2@example.com>"
	// Imported history may reference a parent this system never saw;
	// the reference is kept verbatim.
	ev.ParentID = "<imported@elsewhere.example.com>"

	art, err := testBuilder(index).Build(context.Background(), ev)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if art.InReplyTo != "<imported@elsewhere.example.com>" {
		t.Errorf("InReplyTo = %q", art.InReplyTo)
	}
	refs := art.Headers["References"]
	if !strings.HasSuffix(refs, "<imported@elsewhere.example.com>") {
		t.Errorf("References = %q, parent must come last", refs)
	}
	if !strings.Contains(refs, "<s1@mailer.example.com>") {
		t.Errorf("References = %q, ancestors missing", refs)
	}
}

func TestBuildReplyWithNoParentHasNoThreadingHeaders(t *testing.T) {
	ev := sentEvent()
	ev.Type = models.EventEmailReply
	ev.SourceID = "<r1@example.com>"

	art, err := testBuilder(threads.NewMemory()).Build(context.Background(), ev)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if art.InReplyTo != "" {
		t.Errorf("InReplyTo = %q, want empty", art.InReplyTo)
	}
	if _, ok := art.Headers["In-Reply-To"]; ok {
		t.Error("In-Reply-To header present for parentless reply")
	}
}

func TestBuildRejectsMalformedEvents(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*models.Event)
	}{
		{"missing lead email", func(ev *models.Event) { ev.LeadEmail = "" }},
		{"empty subject and body", func(ev *models.Event) {
			ev.Subject, ev.TextBody, ev.HTMLBody = "", "", ""
		}},
		{"zero timestamp", func(ev *models.Event) { ev.SentAt = time.Time{} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := sentEvent()
			tc.mutate(ev)
			_, err := testBuilder(threads.NewMemory()).Build(context.Background(), ev)
			var malformed *MalformedPayloadError
			if !errors.As(err, &malformed) {
				t.Fatalf("err = %v, want MalformedPayloadError", err)
			}
		})
	}
}

func TestBuildRejectsNonMessageEvents(t *testing.T) {
	ev := sentEvent()
	ev.Type = models.EventCategoryUpdated
	if _, err := testBuilder(threads.NewMemory()).Build(context.Background(), ev); err == nil {
		t.Fatal("expected error for non-message event")
	}
}

func TestCanonicalMessageID(t *testing.T) {
	ev := sentEvent()

	// Well-formed source IDs pass through verbatim.
	if got := CanonicalMessageID(ev); got != "<s1@mailer.example.com>" {
		t.Errorf("passthrough = %q", got)
	}

	// Bare IDs are wrapped.
	ev.SourceID = "stats 123/456"
	if got := CanonicalMessageID(ev); got != "<smartlead.stats-123-456@outreach.relay>" {
		t.Errorf("wrapped = %q", got)
	}

	// No source ID: deterministic across independent builds.
	ev.SourceID = ""
	first := CanonicalMessageID(ev)
	second := CanonicalMessageID(sentEventWithoutSource())
	if first != second {
		t.Errorf("hashed IDs differ: %q vs %q", first, second)
	}
	if !strings.HasPrefix(first, "<smartlead.") || !strings.Contains(first, "@") {
		t.Errorf("hashed ID shape: %q", first)
	}
}

func sentEventWithoutSource() *models.Event {
	ev := sentEvent()
	ev.SourceID = ""
	return ev
}

func TestRenderSingleAndMultipart(t *testing.T) {
	art, err := testBuilder(threads.NewMemory()).Build(context.Background(), sentEvent())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	raw, err := Render(art)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	s := string(raw)

	if !strings.HasPrefix(s, "From: me@agency.com\r\n") {
		t.Errorf("rendering must start with From, got %q", s[:40])
	}
	if !strings.Contains(s, "Content-Type: multipart/alternative") {
		t.Error("both bodies should render as multipart/alternative")
	}
	if !strings.Contains(s, "Hi there") || !strings.Contains(s, "<p>Hi there</p>") {
		t.Error("bodies missing from rendering")
	}

	// HTML only: single part.
	ev := sentEvent()
	ev.TextBody = ""
	art, err = testBuilder(threads.NewMemory()).Build(context.Background(), ev)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	raw, err = Render(art)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(string(raw), `Content-Type: text/html; charset="utf-8"`) {
		t.Errorf("html-only rendering: %s", raw)
	}
}

func TestRenderDeterministic(t *testing.T) {
	b := testBuilder(threads.NewMemory())

	first, err := b.Build(context.Background(), sentEvent())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	second, err := b.Build(context.Background(), sentEvent())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	// Header section must be byte-identical for identical payloads
	// (multipart boundaries are random, so compare up to the blank
	// line).
	r1, _ := Render(first)
	r2, _ := Render(second)
	h1, _, _ := strings.Cut(string(r1), "Content-Type:")
	h2, _, _ := strings.Cut(string(r2), "Content-Type:")
	if h1 != h2 {
		t.Errorf("headers differ:\n%q\n%q", h1, h2)
	}
}
