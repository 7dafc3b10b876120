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

// Package models defines the data structures shared across the relay service.
package models

import (
	"fmt"
	"strings"
	"time"
)

// EventType identifies the kind of campaign event a webhook carries.
type EventType string

const (
	EventLeadAdded       EventType = "LEAD_ADDED"
	EventEmailSent       EventType = "EMAIL_SENT"
	EventFirstEmailSent  EventType = "FIRST_EMAIL_SENT"
	EventEmailReply      EventType = "EMAIL_REPLY"
	EventCategoryUpdated EventType = "LEAD_CATEGORY_UPDATED"
)

// Valid reports whether t is a recognised event type.
func (t EventType) Valid() bool {
	switch t {
	case EventLeadAdded, EventEmailSent, EventFirstEmailSent,
		EventEmailReply, EventCategoryUpdated:
		return true
	}
	return false
}

// Event is the normalised form of one campaign webhook delivery.
// Payload decoding collapses the per-type field variants (sent_message
// vs reply_message, swapped from/to on replies) into this single shape
// at the dispatcher boundary; everything downstream works off Event.
type Event struct {
	Type EventType

	// LeadEmail is always the lead's address regardless of direction.
	// AccountEmail is the sending mailbox on our side.
	LeadEmail    string
	LeadName     string
	AccountEmail string

	Subject  string
	TextBody string
	HTMLBody string

	// SourceID is the source platform's message identifier for this
	// event. ParentID, when present, is the explicit Message-ID of the
	// message being replied to.
	SourceID string
	ParentID string

	// ThreadKey groups a sent message with its replies. Derived from
	// the campaign/lead pair when the payload does not carry one.
	ThreadKey string

	// Category is the free-text reply/lead category, when present.
	Category string

	SentAt time.Time

	CampaignID   int64
	CampaignName string
	SequenceNum  int
	StatsID      string

	// Lead enrichment fields, present on LEAD_ADDED.
	CompanyName string
	Website     string
}

// IsReply reports whether the event represents an inbound reply.
func (e *Event) IsReply() bool {
	return e.Type == EventEmailReply
}

// DeriveThreadKey returns the explicit thread key when present, or a
// stable campaign/lead composite otherwise. The composite is
// lowercased so retried deliveries with different address casing land
// in the same thread.
func (e *Event) DeriveThreadKey() string {
	if e.ThreadKey != "" {
		return e.ThreadKey
	}
	return fmt.Sprintf("c%d:%s", e.CampaignID, strings.ToLower(e.LeadEmail))
}

// LeadKey is the stable CRM identifier for the lead: company domain or
// name when known, otherwise the lead's email address.
func (e *Event) LeadKey() string {
	if e.Website != "" {
		return normalizeDomain(e.Website)
	}
	if e.CompanyName != "" {
		return strings.ToLower(strings.TrimSpace(e.CompanyName))
	}
	return strings.ToLower(strings.TrimSpace(e.LeadEmail))
}

func normalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexByte(d, '/'); i >= 0 {
		d = d[:i]
	}
	return d
}
