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

// Package convert builds canonical email artifacts from campaign
// events. The builder is pure apart from a read of the thread index,
// which it consults to synthesise reply threading headers when the
// event carries no explicit parent.
package convert

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/mail"
	"strings"

	"github.com/coldsync/relay/internal/models"
)

// MalformedPayloadError reports an event missing fields required to
// build an artifact. No partial artifact is ever produced.
type MalformedPayloadError struct {
	Field  string
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed payload: %s %s", e.Field, e.Reason)
}

// ThreadLookup is the read side of the thread index.
type ThreadLookup interface {
	LastSent(ctx context.Context, threadKey string) (string, error)
	References(ctx context.Context, threadKey string) ([]string, error)
}

// Builder converts events into canonical artifacts.
type Builder struct {
	threads      ThreadLookup
	labelSent    string
	labelReplies string
}

// NewBuilder creates a message builder reading reply parents from the
// given thread index.
func NewBuilder(threads ThreadLookup, labelSent, labelReplies string) *Builder {
	return &Builder{
		threads:      threads,
		labelSent:    labelSent,
		labelReplies: labelReplies,
	}
}

// Build constructs the canonical artifact for a message-bearing event.
func (b *Builder) Build(ctx context.Context, ev *models.Event) (*models.Artifact, error) {
	var direction models.Direction
	switch ev.Type {
	case models.EventEmailSent, models.EventFirstEmailSent:
		direction = models.DirectionSent
	case models.EventEmailReply:
		direction = models.DirectionReply
	default:
		return nil, fmt.Errorf("event type %s carries no message", ev.Type)
	}

	if err := validate(ev); err != nil {
		return nil, err
	}

	threadKey := ev.DeriveThreadKey()
	messageID := CanonicalMessageID(ev)

	art := &models.Artifact{
		MessageID: messageID,
		ThreadKey: threadKey,
		Direction: direction,
		TextBody:  ev.TextBody,
		HTMLBody:  ev.HTMLBody,
		Date:      ev.SentAt.UTC(),
		Headers:   make(map[string]string),
	}

	// From/To are swapped for replies: the lead becomes the sender.
	lead := formatAddr(ev.LeadName, ev.LeadEmail)
	if direction == models.DirectionReply {
		art.Headers["From"] = lead
		art.Headers["To"] = ev.AccountEmail
		art.Labels = []string{b.labelReplies}
	} else {
		art.Headers["From"] = ev.AccountEmail
		art.Headers["To"] = lead
		art.Labels = []string{b.labelSent}
	}

	art.Headers["Subject"] = ev.Subject
	art.Headers["Date"] = art.Date.Format("Mon, 02 Jan 2006 15:04:05 -0700")
	art.Headers["Message-ID"] = messageID

	if direction == models.DirectionReply {
		if err := b.linkReply(ctx, ev, art); err != nil {
			return nil, err
		}
	}

	// Tracking headers carried over from the source platform.
	if ev.CampaignID != 0 {
		art.Headers["X-Campaign-ID"] = fmt.Sprintf("%d", ev.CampaignID)
	}
	if ev.CampaignName != "" {
		art.Headers["X-Campaign-Name"] = ev.CampaignName
	}
	if ev.SequenceNum != 0 {
		art.Headers["X-Sequence-Number"] = fmt.Sprintf("%d", ev.SequenceNum)
	}
	if ev.StatsID != "" {
		art.Headers["X-Stats-ID"] = ev.StatsID
	}
	if ev.Category != "" {
		art.Headers["X-Reply-Category"] = ev.Category
	}

	return art, nil
}

// linkReply fills In-Reply-To and References. An explicit parent is
// used verbatim even when the message was never seen by this system
// (best-effort threading for imported history); otherwise the most
// recent SENT artifact in the thread is the parent. A reply with no
// resolvable parent keeps empty threading headers — never an error.
func (b *Builder) linkReply(ctx context.Context, ev *models.Event, art *models.Artifact) error {
	parent := strings.TrimSpace(ev.ParentID)
	if parent == "" {
		last, err := b.threads.LastSent(ctx, art.ThreadKey)
		if err != nil {
			return fmt.Errorf("thread index lookup for %s: %w", art.ThreadKey, err)
		}
		parent = last
	}

	chain, err := b.threads.References(ctx, art.ThreadKey)
	if err != nil {
		return fmt.Errorf("thread references for %s: %w", art.ThreadKey, err)
	}

	// Ancestors oldest first, parent last, no duplicates, and never
	// the reply's own id.
	refs := make([]string, 0, len(chain)+1)
	seen := make(map[string]bool, len(chain)+1)
	for _, id := range chain {
		if id == art.MessageID || id == parent || seen[id] {
			continue
		}
		seen[id] = true
		refs = append(refs, id)
	}
	if parent != "" {
		refs = append(refs, parent)
	}

	art.InReplyTo = parent
	art.References = refs
	if parent != "" {
		art.Headers["In-Reply-To"] = parent
		art.Headers["References"] = strings.Join(refs, " ")
	}
	return nil
}

// CanonicalMessageID derives the stable artifact identifier for an
// event. A source identifier already shaped like an RFC 822 Message-ID
// passes through verbatim — it is never regenerated. Bare identifiers
// are wrapped with the platform name. Events without any source
// identifier hash their identifying fields, so byte-identical payloads
// still produce byte-identical IDs.
func CanonicalMessageID(ev *models.Event) string {
	id := strings.TrimSpace(ev.SourceID)
	if id == "" {
		sum := sha256.Sum256([]byte(strings.Join([]string{
			ev.DeriveThreadKey(),
			string(ev.Type),
			ev.Subject,
			ev.SentAt.UTC().Format("2006-01-02T15:04:05Z"),
		}, "\x00")))
		return fmt.Sprintf("<smartlead.%x@outreach.relay>", sum[:12])
	}
	if strings.HasPrefix(id, "<") && strings.HasSuffix(id, ">") && strings.Contains(id, "@") {
		return id
	}
	return fmt.Sprintf("<smartlead.%s@outreach.relay>", sanitizeID(id))
}

func validate(ev *models.Event) error {
	if strings.TrimSpace(ev.LeadEmail) == "" {
		return &MalformedPayloadError{Field: "lead email", Reason: "is required"}
	}
	if strings.TrimSpace(ev.Subject) == "" && ev.TextBody == "" && ev.HTMLBody == "" {
		return &MalformedPayloadError{Field: "subject or body", Reason: "is required"}
	}
	if ev.SentAt.IsZero() {
		return &MalformedPayloadError{Field: "sent timestamp", Reason: "is required"}
	}
	return nil
}

func formatAddr(name, address string) string {
	if name == "" {
		return address
	}
	return (&mail.Address{Name: name, Address: address}).String()
}

func sanitizeID(id string) string {
	var sb strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}
	return sb.String()
}
